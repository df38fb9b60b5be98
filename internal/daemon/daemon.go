// Package daemon implements the single event loop tying together the
// directory cache, watch registry, and pending-scan scheduler: the loop
// that waits on the kernel event queue, user wakeups, and a timer, and is
// the only goroutine that ever mutates their shared state.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/kestrelwatch/treescan/internal/config"
	"github.com/kestrelwatch/treescan/internal/dircache"
	"github.com/kestrelwatch/treescan/internal/remote"
	"github.com/kestrelwatch/treescan/internal/scheduler"
	"github.com/kestrelwatch/treescan/internal/watchreg"
)

// schedulerCapacity bounds the pending-scan table at a fixed size so a
// pathological rename storm across many directories degrades to "lose the
// least-urgent pending scan" rather than growing unbounded. It is not tied
// to the watch registry, whose slab starts empty and grows on demand.
const schedulerCapacity = 1024

// quietInterval is how long a subtree must stay quiet before its pending
// rescan is considered due, expressed as config.ScanInterval seconds.
func quietInterval(cfg *config.Config) time.Duration {
	return time.Duration(cfg.ScanInterval) * time.Second
}

// Daemon wires the directory cache, watch registry, and pending-scan
// scheduler together and drives them from a single event loop.
type Daemon struct {
	cfg      *config.Config
	logger   *slog.Logger
	watcher  watchreg.FSWatcher
	cache    *dircache.Cache
	registry *watchreg.Registry
	sched    *scheduler.Scheduler
	client   *remote.Client
}

// New constructs a Daemon. watcher and client are injected so tests can
// supply fakes; pass nil for watcher to have New create a real
// *fsnotify.Watcher-backed one.
func New(cfg *config.Config, logger *slog.Logger, watcher watchreg.FSWatcher, client *remote.Client) (*Daemon, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if watcher == nil {
		w, err := watchreg.NewFSNotifyWatcher()
		if err != nil {
			return nil, err
		}

		watcher = w
	}

	cache := dircache.New(logger)

	return &Daemon{
		cfg:      cfg,
		logger:   logger,
		watcher:  watcher,
		cache:    cache,
		registry: watchreg.New(watcher, cache, logger),
		sched:    scheduler.New(schedulerCapacity, quietInterval(cfg).Nanoseconds(), nil),
		client:   client,
	}, nil
}

// Bootstrap enumerates libraries from the remote service and registers a
// watch tree for every configured path, retrying with exponential backoff
// until cfg.StartupTimeout elapses. Exceeding the timeout is fatal.
func (d *Daemon) Bootstrap(ctx context.Context) error {
	timeout := time.Duration(d.cfg.StartupTimeout) * time.Second

	bootstrapCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	backoff, err := retry.NewExponential(1 * time.Second)
	if err != nil {
		return fmt.Errorf("building retry backoff: %w", err)
	}

	backoff = retry.WithMaxDuration(timeout, backoff)
	backoff = retry.WithCappedDuration(30*time.Second, backoff)

	var libraries []remote.Library

	err = retry.Do(bootstrapCtx, backoff, func(ctx context.Context) error {
		libs, err := d.client.Libraries(ctx)
		if err != nil {
			d.logger.Warn("daemon: remote service unavailable, retrying", slog.Any("error", err))
			return retry.RetryableError(err)
		}

		libraries = libs

		return nil
	})
	if err != nil {
		return fmt.Errorf("remote service did not become available within %s: %w", timeout, err)
	}

	for _, lib := range libraries {
		for _, path := range lib.Paths {
			if err := d.registry.Tree(path, lib.Section); err != nil {
				d.logger.Warn("daemon: errors registering library subtree",
					slog.String("path", path), slog.Int("section", lib.Section), slog.Any("error", err))
			}
		}
	}

	d.logger.Info("daemon: bootstrap complete", slog.Int("watched_directories", d.registry.Count()))

	return nil
}

// Run drives the event loop until ctx is canceled. reloadCh delivers a
// value each time the daemon should reread its config file (triggered by
// SIGHUP); an empty/nil channel disables reload handling.
func (d *Daemon) Run(ctx context.Context, reloadCh <-chan struct{}, configPath string) error {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	d.resetTimer(timer)

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-reloadCh:
			d.reload(configPath)

		case event, ok := <-d.watcher.Events():
			if !ok {
				return errors.New("daemon: watcher event channel closed")
			}

			d.handleFSEvent(d.resolveWatchedDir(event.Name))
			d.flushDue(ctx)
			d.resetTimer(timer)

		case err, ok := <-d.watcher.Errors():
			if !ok {
				return errors.New("daemon: watcher error channel closed")
			}

			d.logger.Warn("daemon: watcher reported an error", slog.Any("error", err))

		case <-timer.C:
			d.flushDue(ctx)
			d.resetTimer(timer)
		}
	}
}

// resolveWatchedDir maps a raw fsnotify event name onto the watched
// directory it concerns. fsnotify (unlike the kqueue-on-a-directory-fd
// model this loop's dispatch is shaped around) reports the changed
// child's path, not the watched directory's — "mkdir D/C" arrives as
// Name=D/C, a plain write to a file arrives as Name=D/file. Neither C nor
// file is itself a registered watch yet, so the directory whose cache
// actually needs re-diffing is the parent. The one exception is an event
// reported directly on a path that is itself a registered watch (e.g. a
// rename/remove of the watched directory itself), which is returned as-is.
func (d *Daemon) resolveWatchedDir(eventName string) string {
	if _, ok := d.registry.PathIndex(eventName); ok {
		return eventName
	}

	return filepath.Dir(eventName)
}

// handleFSEvent processes a single filesystem change notification for the
// watched directory at path, mirroring the four-way dispatch:
// directory-no-longer-valid, structural change, unchanged, or
// cache-refresh failure.
func (d *Daemon) handleFSEvent(path string) {
	section := d.sectionFor(path)

	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		d.sched.Handle(path, section)
		return
	}

	report, ok := d.cache.Refresh(path)
	if !ok {
		if _, err := d.registry.Scan(path, section); err != nil {
			d.logger.Warn("daemon: fallback scan reported errors", slog.String("path", path), slog.Any("error", err))
		}

		d.sched.Handle(path, section)

		return
	}

	if report.Changed() {
		for _, name := range report.Removed {
			childPath := filepath.Join(path, name)
			if idx, ok := d.registry.PathIndex(childPath); ok {
				_ = d.registry.Remove(idx)
			}
		}

		for _, name := range report.Added {
			childPath := filepath.Join(path, name)
			if _, err := d.registry.Add(childPath, section); err != nil {
				d.logger.Warn("daemon: failed to watch new subdirectory",
					slog.String("path", childPath), slog.Any("error", err))
			}
		}
	} else {
		d.logger.Debug("daemon: no structural change", slog.String("path", path))
	}

	d.sched.Handle(path, section)
}

// flushDue triggers a remote rescan for every scan whose debounce interval
// has elapsed.
func (d *Daemon) flushDue(ctx context.Context) {
	for _, due := range d.sched.Pending() {
		if err := d.client.TriggerScan(ctx, due.Section, due.Path); err != nil {
			d.logger.Warn("daemon: rescan trigger failed, dropping",
				slog.String("path", due.Path), slog.Int("section", due.Section), slog.Any("error", err))
		}
	}
}

// resetTimer arms timer to fire at the earliest pending deadline, or, if
// nothing is pending, re-arms it for one hour; that idle wakeup finds
// nothing due and simply re-arms the timer again.
func (d *Daemon) resetTimer(timer *time.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}

	deadline, ok := d.sched.NextDeadline()
	if !ok {
		timer.Reset(time.Hour)
		return
	}

	delay := time.Duration(deadline-time.Now().UnixNano()) * time.Nanosecond
	if delay < 0 {
		delay = 0
	}

	timer.Reset(delay)
}

// reload re-reads configPath and hot-swaps the scan interval, which applies
// to deadlines computed from then on. The logger's level is not changed by
// a reload: a new log_level is stored in d.cfg and logged, but the running
// logger keeps the level it was built with. plex_url and plex_token changes
// are logged but not applied to the already-constructed remote client.
func (d *Daemon) reload(configPath string) {
	cfg, err := config.Load(configPath, d.logger)
	if err != nil {
		d.logger.Warn("daemon: config reload failed, keeping previous config", slog.Any("error", err))
		return
	}

	if cfg.PlexURL != d.cfg.PlexURL || cfg.PlexToken != d.cfg.PlexToken {
		d.logger.Warn("daemon: remote_url/token change on reload is not applied without a restart")
	}

	d.cfg = cfg
	d.sched.SetQuietInterval(quietInterval(cfg).Nanoseconds())
	d.logger.Info("daemon: config reloaded", slog.Int("scan_interval", cfg.ScanInterval), slog.String("log_level", cfg.LogLevel))
}

// sectionFor returns the library section a path belongs to, looking up its
// registered ancestor watch. Falls back to 0 if no ancestor is registered
// (should not happen for paths reachable from a registered tree).
func (d *Daemon) sectionFor(path string) int {
	if idx, ok := d.registry.PathIndex(path); ok {
		if slot, ok := d.registry.Slot(idx); ok {
			return slot.Section
		}
	}

	dir := filepath.Dir(path)
	for dir != "/" && dir != "." {
		if idx, ok := d.registry.PathIndex(dir); ok {
			if slot, ok := d.registry.Slot(idx); ok {
				return slot.Section
			}
		}

		dir = filepath.Dir(dir)
	}

	return 0
}
