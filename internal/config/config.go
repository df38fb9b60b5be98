// Package config parses the daemon's configuration file: a flat
// "key = value" grammar with unquoted scalar values and "#" comments.
package config

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// Defaults for keys the config file omits.
const (
	DefaultScanInterval   = 1
	DefaultStartupTimeout = 60
	DefaultLogLevel       = "info"
	DefaultPIDFile        = "/var/run/treescand.pid"
)

// validLogLevels is the documented set accepted by log_level (spec §6:
// debug|info); anything else is a config error, warned about and replaced
// with DefaultLogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
}

// Config is the fully resolved daemon configuration.
type Config struct {
	PlexURL        string
	PlexToken      string
	ScanInterval   int
	StartupTimeout int
	LogLevel       string
	LogFile        string
	PidFile        string
}

// Default returns a Config with every key at its default value.
func Default() *Config {
	return &Config{
		ScanInterval:   DefaultScanInterval,
		StartupTimeout: DefaultStartupTimeout,
		LogLevel:       DefaultLogLevel,
		PidFile:        DefaultPIDFile,
	}
}

// Load reads and parses the config file at path. Unknown keys are warned
// about and ignored; invalid numeric values are warned about and the
// default is retained.
func Load(path string, logger *slog.Logger) (*Config, error) {
	if logger == nil {
		logger = slog.Default()
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening config file: %w", err)
	}
	defer f.Close()

	cfg := Default()

	scanner := bufio.NewScanner(f)
	lineNo := 0

	for scanner.Scan() {
		lineNo++

		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			logger.Warn("config: ignoring malformed line", slog.Int("line", lineNo))
			continue
		}

		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		applyKey(cfg, key, value, lineNo, logger)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	return cfg, nil
}

func applyKey(cfg *Config, key, value string, lineNo int, logger *slog.Logger) {
	switch key {
	case "plex_url":
		cfg.PlexURL = value
	case "plex_token":
		cfg.PlexToken = value
	case "log_file":
		cfg.LogFile = value
	case "pid_file":
		cfg.PidFile = value
	case "log_level":
		level := strings.ToLower(value)
		if !validLogLevels[level] {
			logger.Warn("config: invalid log_level, keeping default",
				slog.Int("line", lineNo), slog.String("value", value))
			return
		}

		cfg.LogLevel = level
	case "scan_interval":
		n, err := strconv.Atoi(value)
		if err != nil || n < 1 {
			logger.Warn("config: invalid scan_interval, keeping default",
				slog.Int("line", lineNo), slog.String("value", value))
			return
		}

		cfg.ScanInterval = n
	case "startup_timeout":
		n, err := strconv.Atoi(value)
		if err != nil || n <= 0 {
			logger.Warn("config: invalid startup_timeout, keeping default",
				slog.Int("line", lineNo), slog.String("value", value))
			return
		}

		cfg.StartupTimeout = n
	default:
		logger.Warn("config: unknown key, ignoring", slog.Int("line", lineNo), slog.String("key", key))
	}
}
