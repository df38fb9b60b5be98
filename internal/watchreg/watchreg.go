// Package watchreg implements the watch registry: the slab of directories
// currently registered with the kernel event queue, addressed by stable
// small-integer index rather than pointer so the backing slice can grow
// without invalidating anything a caller is holding onto.
package watchreg

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/multierr"

	"github.com/kestrelwatch/treescan/internal/dircache"
	"github.com/kestrelwatch/treescan/internal/queue"
)

// FSWatcher is the kernel event queue abstraction the registry drives.
// *fsnotify.Watcher satisfies it via fsnotifyAdapter below; tests supply an
// in-memory fake.
type FSWatcher interface {
	Add(path string) error
	Remove(path string) error
	Close() error
	Events() <-chan fsnotify.Event
	Errors() <-chan error
}

// fsnotifyAdapter adapts *fsnotify.Watcher to FSWatcher. Needed because
// fsnotify exposes Events/Errors as public struct fields, not methods.
type fsnotifyAdapter struct {
	w *fsnotify.Watcher
}

// NewFSNotifyWatcher wraps a freshly created *fsnotify.Watcher as an
// FSWatcher.
func NewFSNotifyWatcher() (FSWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating fsnotify watcher: %w", err)
	}

	return &fsnotifyAdapter{w: w}, nil
}

func (a *fsnotifyAdapter) Add(path string) error           { return a.w.Add(path) }
func (a *fsnotifyAdapter) Remove(path string) error         { return a.w.Remove(path) }
func (a *fsnotifyAdapter) Close() error                     { return a.w.Close() }
func (a *fsnotifyAdapter) Events() <-chan fsnotify.Event    { return a.w.Events }
func (a *fsnotifyAdapter) Errors() <-chan error             { return a.w.Errors }

// noFreeSlot marks the end of the free list.
const noFreeSlot = -1

// Slot is a single registered directory watch.
type Slot struct {
	Path    string
	Section int
	Device  uint64
	Inode   uint64

	inUse    bool
	nextFree int
}

// Registry is the slab of currently registered directory watches.
type Registry struct {
	watcher FSWatcher
	cache   *dircache.Cache
	logger  *slog.Logger

	slots    []Slot
	byPath   map[string]int
	freeHead int
}

// New returns an empty Registry driving watcher, using cache for subtree
// enumeration during Tree/Scan.
func New(watcher FSWatcher, cache *dircache.Cache, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}

	return &Registry{
		watcher:  watcher,
		cache:    cache,
		logger:   logger,
		byPath:   make(map[string]int),
		freeHead: noFreeSlot,
	}
}

// Count returns the number of directories currently registered.
func (r *Registry) Count() int {
	return len(r.byPath)
}

// Slot returns the slot at idx. ok is false if idx is not currently in use.
func (r *Registry) Slot(idx int) (Slot, bool) {
	if idx < 0 || idx >= len(r.slots) || !r.slots[idx].inUse {
		return Slot{}, false
	}

	return r.slots[idx], true
}

// PathIndex returns the slot index registered for path, if any.
func (r *Registry) PathIndex(path string) (int, bool) {
	idx, ok := r.byPath[path]
	return idx, ok
}

// Add registers path under section, idempotently. If path is already
// registered and its on-disk identity (device, inode) is unchanged, Add
// returns the existing slot index without re-registering the kernel watch.
// If the identity changed (the path was deleted and recreated), the stale
// slot is removed first and a fresh watch is registered.
func (r *Registry) Add(path string, section int) (int, error) {
	if idx, ok := r.byPath[path]; ok {
		stillValid, err := r.checkIdentity(idx, path)
		if err != nil {
			return -1, err
		}

		if stillValid {
			return idx, nil
		}

		// Stale identity: same path, different underlying directory.
		r.removeSlot(idx)
	}

	dev, ino, err := fileIdentity(path)
	if err != nil {
		return -1, fmt.Errorf("stat %s: %w", path, err)
	}

	if err := r.watcher.Add(path); err != nil {
		return -1, fmt.Errorf("registering watch for %s: %w", path, err)
	}

	idx := r.allocSlot()
	r.slots[idx] = Slot{
		Path:    path,
		Section: section,
		Device:  dev,
		Inode:   ino,
		inUse:   true,
	}
	r.byPath[path] = idx

	return idx, nil
}

// Remove unregisters the watch at idx.
func (r *Registry) Remove(idx int) error {
	if idx < 0 || idx >= len(r.slots) || !r.slots[idx].inUse {
		return nil
	}

	path := r.slots[idx].Path
	if err := r.watcher.Remove(path); err != nil {
		r.logger.Debug("watchreg: remove watch failed", slog.String("path", path), slog.Any("error", err))
	}

	r.removeSlot(idx)
	r.cache.Invalidate(path)

	return nil
}

// Validate re-stats the path registered at idx and removes the watch if the
// path no longer exists, is no longer a directory, or its device/inode
// identity no longer matches what was recorded at registration time (the
// path was deleted and replaced). Returns false if the slot was removed.
func (r *Registry) Validate(idx int) (bool, error) {
	if idx < 0 || idx >= len(r.slots) || !r.slots[idx].inUse {
		return false, nil
	}

	path := r.slots[idx].Path

	stillValid, err := r.checkIdentity(idx, path)
	if err != nil {
		return false, err
	}

	if !stillValid {
		_ = r.Remove(idx)
		return false, nil
	}

	return true, nil
}

// checkIdentity stats path and compares device/inode against the slot's
// recorded identity. A missing path or a non-directory counts as invalid.
func (r *Registry) checkIdentity(idx int, path string) (bool, error) {
	if info, err := os.Stat(path); err == nil && !info.IsDir() {
		return false, nil
	}

	dev, ino, err := fileIdentity(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}

		return false, fmt.Errorf("stat %s: %w", path, err)
	}

	slot := r.slots[idx]

	return slot.Device == dev && slot.Inode == ino, nil
}

// Tree performs the initial full breadth-first registration of root and
// every subdirectory beneath it under section. Per-directory failures are
// logged and aggregated (not fatal to the walk as a whole); the aggregate
// error is returned for callers that want to inspect it after the walk
// completes.
func (r *Registry) Tree(root string, section int) error {
	var errs error

	q := queue.New()
	q.Enqueue(root)

	for {
		path, ok := q.Dequeue()
		if !ok {
			break
		}

		if _, err := r.Add(path, section); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("watching %s: %w", path, err))
			r.logger.Warn("watchreg: failed to register watch", slog.String("path", path), slog.Any("error", err))

			continue
		}

		report, ok := r.cache.Refresh(path)
		if !ok {
			continue
		}

		_ = report // initial walk: every subdir is "added", enqueue all of them

		for _, name := range r.cache.Subdirs(path) {
			q.Enqueue(joinPath(path, name))
		}
	}

	return errs
}

// Scan re-walks root breadth-first via Tree. Directories that are already
// validly watched keep their existing slot (Add is idempotent); new or
// stale ones are (re-)registered. This is the fallback path used when a
// cache refresh itself fails and the registry can no longer trust its
// incremental add/remove deltas. Returns the net change in the number of
// registered directories: new registrations count, while a stale slot
// replaced by a fresh one counts zero.
func (r *Registry) Scan(root string, section int) (int, error) {
	before := r.Count()

	if err := r.Tree(root, section); err != nil {
		return r.Count() - before, err
	}

	return r.Count() - before, nil
}

func (r *Registry) allocSlot() int {
	if r.freeHead != noFreeSlot {
		idx := r.freeHead
		r.freeHead = r.slots[idx].nextFree

		return idx
	}

	r.slots = append(r.slots, Slot{})

	return len(r.slots) - 1
}

func (r *Registry) removeSlot(idx int) {
	path := r.slots[idx].Path
	delete(r.byPath, path)

	r.slots[idx] = Slot{inUse: false, nextFree: r.freeHead}
	r.freeHead = idx
}

func joinPath(dir, name string) string {
	if dir == "/" {
		return "/" + name
	}

	return dir + "/" + name
}
