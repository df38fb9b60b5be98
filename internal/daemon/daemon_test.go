package daemon

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelwatch/treescan/internal/config"
	"github.com/kestrelwatch/treescan/internal/remote"
)

// fakeWatcher is a minimal in-memory watchreg.FSWatcher for daemon tests.
type fakeWatcher struct {
	added  map[string]bool
	events chan fsnotify.Event
	errors chan error
}

func newFakeWatcher() *fakeWatcher {
	return &fakeWatcher{
		added:  make(map[string]bool),
		events: make(chan fsnotify.Event, 8),
		errors: make(chan error, 1),
	}
}

func (f *fakeWatcher) Add(path string) error           { f.added[path] = true; return nil }
func (f *fakeWatcher) Remove(path string) error        { delete(f.added, path); return nil }
func (f *fakeWatcher) Close() error                    { return nil }
func (f *fakeWatcher) Events() <-chan fsnotify.Event   { return f.events }
func (f *fakeWatcher) Errors() <-chan error            { return f.errors }

func newTestDaemon(t *testing.T, srv *httptest.Server) (*Daemon, *fakeWatcher) {
	t.Helper()

	cfg := config.Default()
	cfg.ScanInterval = 1 // 1 second debounce on the real clock

	client := remote.New(srv.URL, "tok", srv.Client(), nil)

	fw := newFakeWatcher()

	d, err := New(cfg, nil, fw, client)
	require.NoError(t, err)

	return d, fw
}

func TestDaemon_Bootstrap_RegistersLibraries(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(root, "sub"), 0o755))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"libraries":[{"section":1,"paths":["` + root + `"]}]}`))
	}))
	defer srv.Close()

	d, fw := newTestDaemon(t, srv)

	err := d.Bootstrap(context.Background())
	require.NoError(t, err)

	assert.True(t, fw.added[root])
	assert.True(t, fw.added[filepath.Join(root, "sub")])
	assert.Equal(t, 2, d.registry.Count())
}

func TestDaemon_HandleFSEvent_NewSubdirectoryGetsWatched(t *testing.T) {
	root := t.TempDir()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d, fw := newTestDaemon(t, srv)

	_, err := d.registry.Add(root, 1)
	require.NoError(t, err)
	_, ok := d.cache.Refresh(root)
	require.True(t, ok)

	newDir := filepath.Join(root, "newshow")
	require.NoError(t, os.Mkdir(newDir, 0o755))

	// fsnotify reports the changed child's path, not the watched directory's
	// — exercise the same resolution the event loop applies before calling
	// handleFSEvent.
	d.handleFSEvent(d.resolveWatchedDir(newDir))

	assert.True(t, fw.added[newDir])
}

func TestDaemon_FlushDue_TriggersRescan(t *testing.T) {
	var gotPath string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Query().Get("path")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d, _ := newTestDaemon(t, srv)

	d.sched.Handle("/movies/show", 1)

	// Wait out the real one-second debounce interval so the entry is due.
	time.Sleep(1100 * time.Millisecond)

	d.flushDue(context.Background())

	assert.Equal(t, "/movies/show", gotPath)
}
