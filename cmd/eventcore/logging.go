package main

import (
	"log/slog"
	"os"
)

// logLevels maps the -log-level flag onto slog levels. validateFlags
// rejects anything not listed here before setupLogger runs.
var logLevels = map[string]slog.Level{
	"debug": slog.LevelDebug,
	"info":  slog.LevelInfo,
	"warn":  slog.LevelWarn,
	"error": slog.LevelError,
}

// setupLogger builds the process-wide logger from the validated CLI
// configuration. Debug level also turns on source locations.
func setupLogger(cfg *CLIConfig) *slog.Logger {
	level := logLevels[cfg.LogLevel]
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var handler slog.Handler
	if cfg.LogFormat == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler).With(
		"app", appName,
		"version", Version,
		"pid", os.Getpid(),
	)
}
