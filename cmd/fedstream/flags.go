package main

import (
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/c360/fedstream/transport"
)

// CLIConfig holds command-line configuration
type CLIConfig struct {
	ConfigPaths     []string
	LogLevel        string
	LogFormat       string
	Debug           bool
	ShutdownTimeout time.Duration
	MetricsAddr     string
	Subscribe       []string
	ShowVersion     bool
	ShowHelp        bool
	Validate        bool
}

func newFlagSet(cfg *CLIConfig) *pflag.FlagSet {
	fs := pflag.NewFlagSet(appName, pflag.ContinueOnError)

	// Flags fall back to environment variables
	fs.StringSliceVarP(&cfg.ConfigPaths, "config", "c",
		getEnvList("FEDSTREAM_CONFIG", []string{"fedstream.yaml"}),
		"Configuration files, later files override earlier ones (env: FEDSTREAM_CONFIG)")

	fs.StringVar(&cfg.LogLevel, "log-level",
		getEnv("FEDSTREAM_LOG_LEVEL", "info"),
		"Log level: debug, info, warn, error (env: FEDSTREAM_LOG_LEVEL)")

	fs.StringVar(&cfg.LogFormat, "log-format",
		getEnv("FEDSTREAM_LOG_FORMAT", "json"),
		"Log format: json, text (env: FEDSTREAM_LOG_FORMAT)")

	fs.BoolVar(&cfg.Debug, "debug",
		getEnvBool("FEDSTREAM_DEBUG", false),
		"Enable debug logging (env: FEDSTREAM_DEBUG)")

	fs.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout",
		getEnvDuration("FEDSTREAM_SHUTDOWN_TIMEOUT", 30*time.Second),
		"Graceful shutdown timeout (env: FEDSTREAM_SHUTDOWN_TIMEOUT)")

	fs.StringVar(&cfg.MetricsAddr, "metrics-addr",
		getEnv("FEDSTREAM_METRICS_ADDR", ""),
		"Override metrics.addr from the config file (env: FEDSTREAM_METRICS_ADDR)")

	fs.StringSliceVar(&cfg.Subscribe, "subscribe",
		getEnvList("FEDSTREAM_SUBSCRIBE", []string{"user"}),
		"Streams subscribed after connect: public, home, local, user, admin, hashtag:TAG, list:ID (env: FEDSTREAM_SUBSCRIBE)")

	fs.BoolVarP(&cfg.ShowVersion, "version", "v", false, "Show version information")
	fs.BoolVarP(&cfg.ShowHelp, "help", "h", false, "Show help information")
	fs.BoolVar(&cfg.Validate, "validate", false, "Validate configuration and exit")
	return fs
}

func parseFlags(args []string) (*CLIConfig, *pflag.FlagSet, error) {
	cfg := &CLIConfig{}
	fs := newFlagSet(cfg)
	fs.SetOutput(io.Discard)

	if err := fs.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			cfg.ShowHelp = true
			return cfg, fs, nil
		}
		return nil, fs, err
	}
	if rest := fs.Args(); len(rest) > 0 {
		return nil, fs, fmt.Errorf("unexpected argument: %s", rest[0])
	}

	if cfg.Debug {
		cfg.LogLevel = "debug"
	}
	return cfg, fs, nil
}

func validateFlags(cfg *CLIConfig) error {
	if cfg.ShowVersion || cfg.ShowHelp {
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
	for _, entry := range cfg.Subscribe {
		if _, err := parseSubscription(entry); err != nil {
			return err
		}
	}
	return nil
}

// subscription is one parsed --subscribe entry.
type subscription struct {
	stream transport.Stream
	arg    string
}

func parseSubscription(entry string) (subscription, error) {
	name, arg, _ := strings.Cut(strings.TrimSpace(entry), ":")
	s := subscription{stream: transport.Stream(name), arg: arg}
	switch s.stream {
	case transport.StreamPublic, transport.StreamHome, transport.StreamLocal,
		transport.StreamUser, transport.StreamAdmin:
		if arg != "" {
			return s, fmt.Errorf("stream %q takes no argument", name)
		}
	case transport.StreamHashtag, transport.StreamList:
		if arg == "" {
			return s, fmt.Errorf("stream %q needs an argument, e.g. %s:value", name, name)
		}
	default:
		return s, fmt.Errorf("unknown stream %q", name)
	}
	return s, nil
}

// apply sends the subscription through m.
func (s subscription) apply(m *transport.Manager) error {
	switch s.stream {
	case transport.StreamUser:
		return m.SubscribeToNotifications()
	case transport.StreamAdmin:
		return m.SubscribeToAdmin()
	case transport.StreamHashtag:
		return m.SubscribeToHashtag(strings.Split(s.arg, "+")...)
	case transport.StreamList:
		return m.SubscribeToList(s.arg)
	default:
		return m.SubscribeToTimeline(s.stream)
	}
}

func printHelp(fs *pflag.FlagSet) {
	fs.SetOutput(os.Stderr)
	_, _ = fmt.Fprintf(os.Stderr, `%s - real-time data layer for federated social streams

Usage: %s [options]

Options:
`, appName, os.Args[0])
	fs.PrintDefaults()
	_, _ = fmt.Fprintf(os.Stderr, `
Examples:
  # Run with a base config and an override
  %s --config=/etc/fedstream/base.yaml,/etc/fedstream/prod.yaml

  # Follow the public timeline and two hashtags with text logs
  %s --subscribe=public,hashtag:golang+nats --log-format=text

  # Supply the token through the environment
  export FEDSTREAM_ACCESS_TOKEN=...
  %s

  # Validate configuration only
  %s --validate

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

func getEnvList(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		return strings.Split(value, ",")
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
