package watchreg

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelwatch/treescan/internal/dircache"
)

// fakeWatcher is an in-memory FSWatcher for tests that never touches a real
// kernel event queue.
type fakeWatcher struct {
	added     map[string]bool
	addErr    error
	removeErr error
	events    chan fsnotify.Event
	errors    chan error
}

func newFakeWatcher() *fakeWatcher {
	return &fakeWatcher{
		added:  make(map[string]bool),
		events: make(chan fsnotify.Event, 1),
		errors: make(chan error, 1),
	}
}

func (f *fakeWatcher) Add(path string) error {
	if f.addErr != nil {
		return f.addErr
	}

	f.added[path] = true

	return nil
}

func (f *fakeWatcher) Remove(path string) error {
	delete(f.added, path)
	return f.removeErr
}

func (f *fakeWatcher) Close() error                  { return nil }
func (f *fakeWatcher) Events() <-chan fsnotify.Event { return f.events }
func (f *fakeWatcher) Errors() <-chan error          { return f.errors }

func newTestRegistry(t *testing.T) (*Registry, *fakeWatcher) {
	t.Helper()

	fw := newFakeWatcher()
	c := dircache.New(nil)

	return New(fw, c, nil), fw
}

func TestRegistry_AddRegistersWatch(t *testing.T) {
	dir := t.TempDir()
	r, fw := newTestRegistry(t)

	idx, err := r.Add(dir, 1)
	require.NoError(t, err)
	assert.True(t, fw.added[dir])
	assert.Equal(t, 1, r.Count())

	slot, ok := r.Slot(idx)
	require.True(t, ok)
	assert.Equal(t, dir, slot.Path)
	assert.Equal(t, 1, slot.Section)
}

func TestRegistry_AddIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	r, _ := newTestRegistry(t)

	idx1, err := r.Add(dir, 1)
	require.NoError(t, err)

	idx2, err := r.Add(dir, 1)
	require.NoError(t, err)

	assert.Equal(t, idx1, idx2)
	assert.Equal(t, 1, r.Count())
}

func TestRegistry_RemoveThenAddReusesFreedSlot(t *testing.T) {
	dirA := t.TempDir()
	dirB := t.TempDir()
	r, fw := newTestRegistry(t)

	idxA, err := r.Add(dirA, 1)
	require.NoError(t, err)

	require.NoError(t, r.Remove(idxA))
	assert.False(t, fw.added[dirA])
	assert.Equal(t, 0, r.Count())

	idxB, err := r.Add(dirB, 1)
	require.NoError(t, err)
	assert.Equal(t, idxA, idxB, "freed slot should be reused")
}

func TestRegistry_ValidateDetectsStaleIdentity(t *testing.T) {
	parent := t.TempDir()
	dir := filepath.Join(parent, "watched")
	require.NoError(t, os.Mkdir(dir, 0o755))

	r, fw := newTestRegistry(t)
	idx, err := r.Add(dir, 1)
	require.NoError(t, err)

	// Delete and recreate with the same name: different on-disk identity.
	require.NoError(t, os.Remove(dir))
	require.NoError(t, os.Mkdir(dir, 0o755))

	stillValid, err := r.Validate(idx)
	require.NoError(t, err)
	assert.False(t, stillValid)
	assert.False(t, fw.added[dir])
	assert.Equal(t, 0, r.Count())
}

func TestRegistry_ValidateRemovesDeletedPath(t *testing.T) {
	parent := t.TempDir()
	dir := filepath.Join(parent, "gone")
	require.NoError(t, os.Mkdir(dir, 0o755))

	r, _ := newTestRegistry(t)
	idx, err := r.Add(dir, 1)
	require.NoError(t, err)

	require.NoError(t, os.RemoveAll(dir))

	stillValid, err := r.Validate(idx)
	require.NoError(t, err)
	assert.False(t, stillValid)
	assert.Equal(t, 0, r.Count())
}

func TestRegistry_TreeRegistersWholeSubtree(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "a", "b"), 0o755))
	require.NoError(t, os.Mkdir(filepath.Join(root, "c"), 0o755))

	r, fw := newTestRegistry(t)

	err := r.Tree(root, 1)
	require.NoError(t, err)

	assert.Equal(t, 4, r.Count())
	assert.True(t, fw.added[root])
	assert.True(t, fw.added[filepath.Join(root, "a")])
	assert.True(t, fw.added[filepath.Join(root, "a", "b")])
	assert.True(t, fw.added[filepath.Join(root, "c")])
}

func TestRegistry_TreeAggregatesPerDirectoryErrors(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(root, "a"), 0o755))

	r, fw := newTestRegistry(t)
	fw.addErr = assert.AnError

	err := r.Tree(root, 1)
	assert.Error(t, err)
}
