package main

import (
	"flag"
	"fmt"
	"os"
	"slices"
	"strconv"
	"time"
)

// CLIConfig holds command-line configuration
type CLIConfig struct {
	ConfigPath      string
	LogLevel        string
	LogFormat       string
	Debug           bool
	ShutdownTimeout time.Duration
	ShowVersion     bool
	ShowHelp        bool
	Validate        bool
}

func parseFlags(args []string) (*CLIConfig, error) {
	cfg := &CLIConfig{}
	fs := flag.NewFlagSet(appName, flag.ContinueOnError)

	fs.StringVar(&cfg.ConfigPath, "config", getEnv("TOPICMODEL_CONFIG", ""),
		"Path to a JSON configuration file, optional (env: TOPICMODEL_CONFIG)")
	fs.StringVar(&cfg.ConfigPath, "c", getEnv("TOPICMODEL_CONFIG", ""),
		"Path to a JSON configuration file, optional (env: TOPICMODEL_CONFIG)")
	fs.StringVar(&cfg.LogLevel, "log-level", getEnv("TOPICMODEL_LOG_LEVEL", "info"),
		"Log level: debug, info, warn, error (env: TOPICMODEL_LOG_LEVEL)")
	fs.StringVar(&cfg.LogFormat, "log-format", getEnv("TOPICMODEL_LOG_FORMAT", "json"),
		"Log format: json, text (env: TOPICMODEL_LOG_FORMAT)")
	fs.BoolVar(&cfg.Debug, "debug", getEnvBool("TOPICMODEL_DEBUG", false),
		"Enable debug logging (env: TOPICMODEL_DEBUG)")
	fs.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout",
		getEnvDuration("TOPICMODEL_SHUTDOWN_TIMEOUT", 30*time.Second),
		"Graceful shutdown timeout (env: TOPICMODEL_SHUTDOWN_TIMEOUT)")
	fs.BoolVar(&cfg.ShowVersion, "version", false, "Show version information")
	fs.BoolVar(&cfg.ShowVersion, "v", false, "Show version information")
	fs.BoolVar(&cfg.ShowHelp, "help", false, "Show help information")
	fs.BoolVar(&cfg.ShowHelp, "h", false, "Show help information")
	fs.BoolVar(&cfg.Validate, "validate", false, "Validate configuration and exit")

	fs.Usage = func() { printDetailedHelp(fs) }
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if cfg.ShowHelp {
		fs.Usage()
	}
	if cfg.Debug {
		cfg.LogLevel = "debug"
	}
	return cfg, nil
}

func validateFlags(cfg *CLIConfig) error {
	if cfg.ShowVersion || cfg.ShowHelp {
		return nil
	}

	if cfg.ConfigPath != "" {
		if _, err := os.Stat(cfg.ConfigPath); err != nil {
			return fmt.Errorf("config file not found: %s", cfg.ConfigPath)
		}
	}
	if !slices.Contains([]string{"debug", "info", "warn", "error"}, cfg.LogLevel) {
		return fmt.Errorf("invalid log level: %s", cfg.LogLevel)
	}
	if !slices.Contains([]string{"json", "text"}, cfg.LogFormat) {
		return fmt.Errorf("invalid log format: %s", cfg.LogFormat)
	}
	if cfg.ShutdownTimeout <= 0 {
		return fmt.Errorf("invalid shutdown timeout: %s", cfg.ShutdownTimeout)
	}
	return nil
}

func printDetailedHelp(fs *flag.FlagSet) {
	_, _ = fmt.Fprintf(os.Stderr, `%s - live data model over pub/sub topics

Usage: %s [options]

Options:
`, appName, os.Args[0])
	fs.PrintDefaults()
	_, _ = fmt.Fprintf(os.Stderr, `
Examples:
  # Run with defaults (in-memory settings, MQTT connections, API on :8080)
  %s

  # Keep settings in a file and log as text
  TOPICMODEL_STORE_MODE=file TOPICMODEL_STORE_PATH=settings.yaml %s --log-format=text

  # Share settings through a NATS KV bucket
  TOPICMODEL_STORE_MODE=kv TOPICMODEL_NATS_URLS=nats://nats:4222 %s

  # Validate configuration only
  %s --config=/etc/topicmodel/config.json --validate

Version: %s
Build: %s
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], Version, BuildTime)
}

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

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
