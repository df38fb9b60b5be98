package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

// shutdownContext returns a context that cancels on the first SIGINT/SIGTERM
// and force-exits on the second. SIGHUP is forwarded to reloadCh instead of
// canceling anything. Every branch here only ever posts to a channel or
// calls cancel — the handler goroutine never touches daemon state directly.
func shutdownContext(parent context.Context, logger *slog.Logger, reloadCh chan<- struct{}) context.Context {
	ctx, cancel := context.WithCancel(parent)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	go func() {
		defer signal.Stop(sigCh)

		for {
			select {
			case sig := <-sigCh:
				if sig == syscall.SIGHUP {
					logger.Info("received SIGHUP, reloading config")

					select {
					case reloadCh <- struct{}{}:
					default:
					}

					continue
				}

				logger.Info("received signal, initiating graceful shutdown",
					slog.String("signal", sig.String()),
				)
				cancel()

				waitForForceExit(sigCh, parent, logger)

				return
			case <-ctx.Done():
				return
			}
		}
	}()

	return ctx
}

// waitForForceExit blocks for a second SIGINT/SIGTERM after the first has
// already triggered a graceful shutdown, force-exiting the process if the
// event loop doesn't stop in time. A SIGHUP arriving during this window is
// ignored — shutdown is already in progress.
func waitForForceExit(sigCh <-chan os.Signal, parent context.Context, logger *slog.Logger) {
	for {
		select {
		case sig := <-sigCh:
			if sig == syscall.SIGHUP {
				continue
			}

			logger.Warn("received second signal, forcing exit", slog.String("signal", sig.String()))
			os.Exit(1)
		case <-parent.Done():
			return
		}
	}
}
