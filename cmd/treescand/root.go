package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/kestrelwatch/treescan/internal/config"
	"github.com/kestrelwatch/treescan/internal/daemon"
	"github.com/kestrelwatch/treescan/internal/remote"
)

// version is set at build time via ldflags.
var version = "dev"

// Flag globals, bound in newRootCmd(). --config and --pid-file are
// persistent so the reload subcommand accepts them too.
var (
	flagConfigPath     string
	flagVerbose        bool
	flagDaemonize      bool
	flagStartupTimeout int
	flagPIDPath        string
)

const defaultConfigPath = "/etc/treescand.conf"

// httpClientTimeout bounds a single remote service request. Long-poll or
// streaming semantics have no place in this daemon's remote contract — both
// operations are simple request/response.
const httpClientTimeout = 30 * time.Second

// newRootCmd builds the treescand root command.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "treescand",
		Short:   "Watch directory trees and trigger targeted remote rescans",
		Long:    "treescand watches configured library subtrees for structural changes and asks a remote media indexing service to rescan exactly the directories that changed.",
		Version: version,
		// Silence Cobra's default error/usage printing — we handle it ourselves.
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE:          runDaemon,
	}

	cmd.PersistentFlags().StringVarP(&flagConfigPath, "config", "c", defaultConfigPath, "config file path")
	cmd.Flags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable verbose (debug) logging")
	cmd.Flags().BoolVarP(&flagDaemonize, "daemonize", "d", false, "detach into the background")
	cmd.Flags().IntVarP(&flagStartupTimeout, "startup-timeout", "t", 0, "seconds to retry the remote service at startup before giving up (0 = use config file value)")
	cmd.PersistentFlags().StringVar(&flagPIDPath, "pid-file", "", "PID file path (default: pid_file from the config file, or "+config.DefaultPIDFile+")")

	cmd.AddCommand(newReloadCmd())

	return cmd
}

// newReloadCmd sends SIGHUP to an already-running daemon, asking it to
// reread its config file. It resolves the PID file the same way runDaemon
// does — an explicit --pid-file wins, otherwise the target daemon's own
// config file is consulted for pid_file — so reload finds the right daemon
// even when it was started against a config that overrides the default path.
func newReloadCmd() *cobra.Command {
	return &cobra.Command{
		Use:           "reload",
		Short:         "Ask a running treescand to reread its config file",
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return sendSIGHUP(resolvePIDPath())
		},
	}
}

// resolvePIDPath returns the PID file path to use: an explicit --pid-file
// flag takes precedence, otherwise it is read from --config's pid_file key,
// falling back to config.DefaultPIDFile if the config file cannot be loaded.
func resolvePIDPath() string {
	if flagPIDPath != "" {
		return flagPIDPath
	}

	cfg, err := config.Load(flagConfigPath, slog.New(slog.DiscardHandler))
	if err != nil {
		return config.DefaultPIDFile
	}

	return cfg.PidFile
}

// buildLogger creates an slog.Logger. Config-file log level is the
// baseline; -v always overrides it to debug.
func buildLogger(cfg *config.Config, out *os.File) *slog.Logger {
	level := slog.LevelInfo

	if cfg != nil {
		switch cfg.LogLevel {
		case "debug":
			level = slog.LevelDebug
		case "info":
			level = slog.LevelInfo
		}
	}

	if flagVerbose {
		level = slog.LevelDebug
	}

	return slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level}))
}

func runDaemon(cmd *cobra.Command, _ []string) error {
	bootstrapLogger := buildLogger(nil, os.Stderr)

	cfg, err := config.Load(flagConfigPath, bootstrapLogger)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if flagStartupTimeout > 0 {
		cfg.StartupTimeout = flagStartupTimeout
	}

	if flagPIDPath != "" {
		cfg.PidFile = flagPIDPath
	}

	if flagDaemonize && cfg.LogFile == "" {
		return fmt.Errorf("-d/--daemonize requires log_file to be set in %s", flagConfigPath)
	}

	logOut := os.Stderr

	if cfg.LogFile != "" {
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("opening log file: %w", err)
		}
		defer f.Close()

		logOut = f
	}

	if flagDaemonize {
		if err := daemonizeSelf(); err != nil {
			return fmt.Errorf("daemonizing: %w", err)
		}
	}

	logger := buildLogger(cfg, logOut)

	cleanupPID, err := writePIDFile(cfg.PidFile)
	if err != nil {
		return fmt.Errorf("acquiring single-instance lock: %w", err)
	}
	defer cleanupPID()

	reloadCh := make(chan struct{}, 1)
	ctx := shutdownContext(context.Background(), logger, reloadCh)

	httpClient := &http.Client{Timeout: httpClientTimeout}
	client := remote.New(cfg.PlexURL, cfg.PlexToken, httpClient, logger)

	d, err := daemon.New(cfg, logger, nil, client)
	if err != nil {
		return fmt.Errorf("constructing daemon: %w", err)
	}

	if err := d.Bootstrap(ctx); err != nil {
		return fmt.Errorf("startup bootstrap: %w", err)
	}

	logger.Info("treescand started", slog.String("config", flagConfigPath))

	return d.Run(ctx, reloadCh, flagConfigPath)
}

// exitOnError prints a user-friendly error message to stderr and exits.
func exitOnError(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
