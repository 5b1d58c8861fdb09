package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
)

// CLIConfig holds command-line configuration
type CLIConfig struct {
	ConfigPath  string
	LogLevel    string
	LogFormat   string
	Debug       bool
	MetricsPort int
	ShowVersion bool
	ShowHelp    bool
	Validate    bool
}

func parseFlags() *CLIConfig {
	cfg := &CLIConfig{}

	// Define flags with environment variable fallback
	flag.StringVar(&cfg.ConfigPath, "config",
		getEnv("EVENTCORE_CONFIG", "configs/example.json"),
		"Path to configuration file (env: EVENTCORE_CONFIG)")

	flag.StringVar(&cfg.ConfigPath, "c",
		getEnv("EVENTCORE_CONFIG", "configs/example.json"),
		"Path to configuration file (env: EVENTCORE_CONFIG)")

	flag.StringVar(&cfg.LogLevel, "log-level",
		getEnv("EVENTCORE_LOG_LEVEL", "info"),
		"Log level: debug, info, warn, error (env: EVENTCORE_LOG_LEVEL)")

	flag.StringVar(&cfg.LogFormat, "log-format",
		getEnv("EVENTCORE_LOG_FORMAT", "json"),
		"Log format: json, text (env: EVENTCORE_LOG_FORMAT)")

	flag.BoolVar(&cfg.Debug, "debug",
		getEnvBool("EVENTCORE_DEBUG", false),
		"Enable debug mode (env: EVENTCORE_DEBUG)")

	flag.IntVar(&cfg.MetricsPort, "metrics-port",
		getEnvInt("EVENTCORE_METRICS_PORT", 9100),
		"Prometheus metrics port, 0 to disable (env: EVENTCORE_METRICS_PORT)")

	flag.BoolVar(&cfg.ShowVersion, "version", false, "Show version information")
	flag.BoolVar(&cfg.ShowVersion, "v", false, "Show version information")
	flag.BoolVar(&cfg.ShowHelp, "help", false, "Show help information")
	flag.BoolVar(&cfg.ShowHelp, "h", false, "Show help information")
	flag.BoolVar(&cfg.Validate, "validate", false, "Validate configuration and exit")

	// Custom usage
	flag.Usage = func() {
		printDetailedHelp()
	}

	flag.Parse()

	// Override log level if debug is set
	if cfg.Debug {
		cfg.LogLevel = "debug"
	}

	return cfg
}

func validateFlags(cfg *CLIConfig) error {
	// Skip validation for special flags
	if cfg.ShowVersion || cfg.ShowHelp {
		return nil
	}

	// Validate config file exists
	if _, err := os.Stat(cfg.ConfigPath); err != nil {
		return fmt.Errorf("config file not found: %s", cfg.ConfigPath)
	}

	// Validate log level
	if _, ok := logLevels[cfg.LogLevel]; !ok {
		return fmt.Errorf("invalid log level: %s", cfg.LogLevel)
	}

	// Validate log format
	validFormats := []string{"json", "text"}
	if !contains(validFormats, cfg.LogFormat) {
		return fmt.Errorf("invalid log format: %s", cfg.LogFormat)
	}

	// Validate metrics port
	if cfg.MetricsPort < 0 || cfg.MetricsPort > 65535 {
		return fmt.Errorf("invalid metrics port: %d", cfg.MetricsPort)
	}

	return nil
}

func printDetailedHelp() {
	_, _ = fmt.Fprintf(os.Stderr, `%s - Event Stream Monitoring Engine

Usage: %s [options]

Options:
`, appName, os.Args[0])
	flag.PrintDefaults()
	_, _ = fmt.Fprintf(os.Stderr, `
Examples:
  # Run with custom config
  %s --config=/path/to/config.json

  # Run with debug logging
  %s --log-level=debug --log-format=text

  # Run with environment variables
  export EVENTCORE_CONFIG=/etc/eventcore/config.json
  export EVENTCORE_LOG_LEVEL=debug
  %s

  # Validate configuration only
  %s --validate

  # Hot-reload a running daemon
  kill -HUP $(pidof %s)

Version: %s
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], appName, Version)
}

// Environment variable helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// Utility function to check if slice contains string
func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
