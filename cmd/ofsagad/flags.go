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
	ConfigPaths     []string
	LogLevel        string
	LogFormat       string
	MetricsAddr     string
	ShutdownTimeout time.Duration
	ShowVersion     bool
	Validate        bool
}

// layerFlag collects repeated -config flags.
type layerFlag []string

func (l *layerFlag) String() string { return fmt.Sprint(*l) }

func (l *layerFlag) Set(value string) error {
	*l = append(*l, value)
	return nil
}

func parseFlags(args []string) (*CLIConfig, error) {
	cfg := &CLIConfig{}
	fs := flag.NewFlagSet(appName, flag.ContinueOnError)

	var layers layerFlag
	fs.Var(&layers, "config",
		"Configuration file, JSON or YAML; repeat to layer files (env: OFSAGA_CONFIG)")
	fs.StringVar(&cfg.LogLevel, "log-level",
		getEnv("OFSAGA_LOG_LEVEL", "info"),
		"Log level: debug, info, warn, error (env: OFSAGA_LOG_LEVEL)")
	fs.StringVar(&cfg.LogFormat, "log-format",
		getEnv("OFSAGA_LOG_FORMAT", "json"),
		"Log format: json, text (env: OFSAGA_LOG_FORMAT)")
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr",
		getEnv("OFSAGA_METRICS_ADDR", ":9090"),
		"Prometheus listen address, empty to disable (env: OFSAGA_METRICS_ADDR)")
	fs.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout",
		getEnvDuration("OFSAGA_SHUTDOWN_TIMEOUT", 30*time.Second),
		"Graceful shutdown timeout (env: OFSAGA_SHUTDOWN_TIMEOUT)")
	fs.BoolVar(&cfg.ShowVersion, "version", false, "Show version information")
	fs.BoolVar(&cfg.Validate, "validate", getEnvBool("OFSAGA_VALIDATE", false),
		"Validate configuration and exit")

	fs.Usage = func() { printDetailedHelp(fs) }

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg.ConfigPaths = layers
	if len(cfg.ConfigPaths) == 0 {
		if path := getEnv("OFSAGA_CONFIG", ""); path != "" {
			cfg.ConfigPaths = []string{path}
		}
	}
	return cfg, nil
}

func validateFlags(cfg *CLIConfig) error {
	if cfg.ShowVersion {
		return nil
	}
	for _, path := range cfg.ConfigPaths {
		if _, err := os.Stat(path); err != nil {
			return fmt.Errorf("config file not found: %s", path)
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
	_, _ = fmt.Fprintf(os.Stderr, `%s - SDN command orchestration

Usage: %s [options]

Options:
`, appName, os.Args[0])
	fs.PrintDefaults()
	_, _ = fmt.Fprintf(os.Stderr, `
Examples:
  # Layer a site file over a base file
  %s --config=/etc/ofsaga/base.yaml --config=/etc/ofsaga/site.json

  # Validate configuration only
  %s --config=/etc/ofsaga/base.yaml --validate

Version: %s
Build: %s
`, os.Args[0], os.Args[0], Version, BuildTime)
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
