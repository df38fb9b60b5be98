// Package dircache maintains a per-directory cache of modification time and
// immediate subdirectory names, used to detect which subdirectories were
// added or removed since the last refresh without re-walking an entire
// subtree on every filesystem event.
package dircache

import (
	"io/fs"
	"log/slog"
	"os"
)

// ChangeReport describes the subdirectories added and removed by a Refresh
// call relative to the previously cached state.
type ChangeReport struct {
	Added   []string
	Removed []string

	// Touched is set when re-stating path after enumeration found a different
	// mtime from the one observed at the start of this refresh, even though
	// no subdir delta was visible. It signals "something changed here" with
	// no indication of what, distinct from Added/Removed.
	Touched bool
}

// Changed reports whether this report carries any structural change, or a
// same-round modification detected only by its mtime moving during
// enumeration.
func (r ChangeReport) Changed() bool {
	return len(r.Added) > 0 || len(r.Removed) > 0 || r.Touched
}

// entry is the cached state for a single directory.
type entry struct {
	// mtime is the directory's modification time as observed at the start
	// of the refresh that produced this entry. Storing the start time
	// (rather than the time observed after enumeration completes) is
	// deliberately conservative: a modification that lands while this
	// refresh is enumerating is caught on the *next* refresh instead of
	// being silently folded into this one.
	mtime    int64
	subdirs  map[string]struct{}
	validated bool
}

// Cache holds cached directory state keyed by path.
type Cache struct {
	logger  *slog.Logger
	entries map[string]*entry
}

// New returns an empty Cache.
func New(logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}

	return &Cache{
		logger:  logger,
		entries: make(map[string]*entry),
	}
}

// Refresh stats path and, if its mtime changed since the last refresh (or
// there is no prior entry), re-enumerates its immediate children and
// returns which subdirectories were added or removed. If the mtime is
// unchanged and the entry was already validated, Refresh is a cheap no-op
// that returns an empty, unchanged report.
//
// A stat failure is treated as a transient OS error: the entry is left
// untouched, ok is false, and the caller should log and move on without
// treating this as a structural change.
func (c *Cache) Refresh(path string) (report ChangeReport, ok bool) {
	info, err := os.Stat(path)
	if err != nil {
		c.logger.Debug("dircache: stat failed, skipping refresh", slog.String("path", path), slog.Any("error", err))
		return ChangeReport{}, false
	}

	mtime := info.ModTime().UnixNano()

	prev, have := c.entries[path]
	if have && prev.validated && prev.mtime == mtime {
		return ChangeReport{}, true
	}

	newSubdirs, skippedSymlinks, err := enumerateSubdirs(path)
	if err != nil {
		// A partial enumeration must never be folded into the cache: an
		// empty newSubdirs here would read as "every previously cached
		// subdirectory was removed". Leave the existing entry untouched and
		// let the caller fall back to a full registry scan.
		c.logger.Debug("dircache: readdir failed, leaving cached entry untouched", slog.String("path", path), slog.Any("error", err))
		return ChangeReport{}, false
	}

	if skippedSymlinks > 0 {
		c.logger.Debug("dircache: skipped symlinked entries", slog.String("path", path), slog.Int("count", skippedSymlinks))
	}

	var added, removed []string

	if have {
		for name := range newSubdirs {
			if _, existed := prev.subdirs[name]; !existed {
				added = append(added, name)
			}
		}

		for name := range prev.subdirs {
			if _, still := newSubdirs[name]; !still {
				removed = append(removed, name)
			}
		}
	}

	// Build fully in a temporary map first, then swap — the cache must
	// never observe a half-built entry while enumeration is in flight.
	c.entries[path] = &entry{
		mtime:     mtime,
		subdirs:   newSubdirs,
		validated: true,
	}

	report := ChangeReport{Added: added, Removed: removed}

	if !report.Changed() && have {
		if endInfo, err := os.Stat(path); err == nil && endInfo.ModTime().UnixNano() != mtime {
			// The directory was modified again while this refresh was
			// enumerating it. No subdir delta was visible from here, but the
			// mtime moved out from under us, so force a change signal now
			// rather than risk missing the update until some later event
			// happens to touch this path again.
			report.Touched = true
		}
	}

	return report, true
}

// Subdirs returns the currently cached immediate subdirectory names of
// path, or nil if path has never been refreshed.
func (c *Cache) Subdirs(path string) []string {
	e, ok := c.entries[path]
	if !ok {
		return nil
	}

	out := make([]string, 0, len(e.subdirs))
	for name := range e.subdirs {
		out = append(out, name)
	}

	return out
}

// Invalidate drops the cached entry for path, forcing a full re-enumeration
// on the next Refresh.
func (c *Cache) Invalidate(path string) {
	delete(c.entries, path)
}

// Reset drops every cached entry.
func (c *Cache) Reset() {
	c.entries = make(map[string]*entry)
}

// enumerateSubdirs lists the immediate subdirectories of path, classifying
// entries by their dirent type: directories are accepted without a further
// stat, symlinks are skipped by policy, regular files are skipped, and any
// other type falls back to dirent.Info to decide.
//
// A ReadDir failure (EACCES, ENOENT mid-scan, ...) is returned as an error
// rather than a successful empty result; the caller must not treat "could
// not enumerate" the same as "enumerated, found nothing".
func enumerateSubdirs(path string) (map[string]struct{}, int, error) {
	result := make(map[string]struct{})

	dirents, err := os.ReadDir(path)
	if err != nil {
		return nil, 0, err
	}

	skipped := 0

	for _, dirent := range dirents {
		typ := dirent.Type()

		switch {
		case typ&fs.ModeDir != 0:
			result[dirent.Name()] = struct{}{}
		case typ&fs.ModeSymlink != 0:
			skipped++
		case typ&fs.ModeType == 0:
			// Regular file by dirent type; nothing to do.
		default:
			info, statErr := dirent.Info()
			if statErr != nil {
				continue
			}

			if info.IsDir() {
				result[dirent.Name()] = struct{}{}
			}
		}
	}

	return result, skipped, nil
}
