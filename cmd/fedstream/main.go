// Package main implements the fedstream daemon. It loads the configuration,
// runs the data layer against one instance, optionally relays applied
// operations to NATS and serves Prometheus metrics and health.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/c360/fedstream/config"
	"github.com/c360/fedstream/datalayer"
	"github.com/c360/fedstream/errors"
	"github.com/c360/fedstream/health"
	"github.com/c360/fedstream/metric"
	"github.com/c360/fedstream/natsclient"
	"github.com/c360/fedstream/transport"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "fedstream"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(os.Args[1:]); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run(args []string) error {
	cliCfg, fs, err := parseFlags(args)
	if err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}
	if err := validateFlags(cliCfg); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}
	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}
	if cliCfg.ShowHelp {
		printHelp(fs)
		return nil
	}

	logger := setupLogger(cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	cfg, err := loadConfig(cliCfg)
	if err != nil {
		return err
	}
	if cliCfg.Validate {
		logger.Info("Configuration is valid", "config", cfg.String())
		return nil
	}

	logger.Info("Starting fedstream",
		"version", Version,
		"build_time", BuildTime,
		"protocol", cfg.Transport.Protocol,
		"relay", cfg.Relay.Enabled)

	ctx := context.Background()
	registry := metric.NewMetricsRegistry()
	monitor := health.NewMonitor()

	opts := []datalayer.Option{
		datalayer.WithLogger(logger),
		datalayer.WithMetrics(registry),
		datalayer.WithHealthMonitor(monitor),
	}

	if cfg.Relay.Enabled {
		natsClient, err := connectToNATS(ctx, cfg.Relay.URL, registry, logger)
		if err != nil {
			return err
		}
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := natsClient.Close(closeCtx); err != nil {
				logger.Warn("NATS close failed", "error", err)
			}
		}()
		monitor.Register("nats", natsHealth(natsClient))
		opts = append(opts, datalayer.WithPublisher(natsClient))
	}

	client, err := datalayer.New(cfg, opts...)
	if err != nil {
		return fmt.Errorf("create data layer: %w", err)
	}
	subscribeOnOpen(client.Transport(), cliCfg.Subscribe, logger)

	var server *metric.Server
	if cfg.Metrics.Enabled {
		server = metric.NewServer(cfg.Metrics.Addr, cfg.Metrics.Path, registry, monitor.Handler(datalayer.SystemName))
		if err := server.Start(); err != nil {
			return fmt.Errorf("start metrics server: %w", err)
		}
		logger.Info("Metrics server listening", "addr", server.Address(), "path", cfg.Metrics.Path)
	}

	return runWithSignalHandling(ctx, client, server, cliCfg.ShutdownTimeout, logger)
}

// loadConfig merges the config layers and applies flag overrides.
func loadConfig(cliCfg *CLIConfig) (*config.Config, error) {
	loader := config.NewLoader()
	for _, path := range cliCfg.ConfigPaths {
		loader.AddLayer(path)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	if cliCfg.MetricsAddr != "" {
		cfg.Metrics.Addr = cliCfg.MetricsAddr
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid configuration: %w", err)
		}
	}
	return cfg, nil
}

// connectToNATS establishes the relay connection and waits for it to be ready
func connectToNATS(ctx context.Context, url string, registry *metric.MetricsRegistry, logger *slog.Logger) (*natsclient.Client, error) {
	natsClient, err := natsclient.NewClient(url,
		natsclient.WithName(appName),
		natsclient.WithLogger(logger),
		natsclient.WithMetrics(registry),
		natsclient.WithHealthChangeCallback(func(healthy bool) {
			logger.Info("NATS health changed", "healthy", healthy)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("create NATS client: %w", err)
	}

	logger.Info("Connecting to NATS")
	if err := natsClient.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := natsClient.WaitForConnection(connCtx); err != nil {
		return nil, fmt.Errorf("NATS connection timeout: %w", err)
	}
	return natsClient, nil
}

func natsHealth(c *natsclient.Client) health.Checker {
	return func() health.Status {
		st := c.GetStatus()
		switch {
		case c.IsHealthy():
			return health.NewHealthy("nats", fmt.Sprintf("connected, rtt %s", st.RTT))
		case st.Status == natsclient.StatusCircuitOpen:
			return health.NewUnhealthy("nats", fmt.Sprintf("circuit open, %d failures", st.FailureCount))
		default:
			return health.NewDegraded("nats", st.Status.String())
		}
	}
}

// subscribeOnOpen subscribes once the transport first connects. The
// transport itself resends subscriptions after later reconnects.
func subscribeOnOpen(m *transport.Manager, entries []string, logger *slog.Logger) {
	subs := make([]subscription, 0, len(entries))
	for _, entry := range entries {
		s, err := parseSubscription(entry)
		if err != nil {
			logger.Warn("Ignoring subscription", "subscription", entry, "error", err)
			continue
		}
		subs = append(subs, s)
	}

	var once sync.Once
	m.On(transport.EventOpen, func(transport.Event) {
		once.Do(func() {
			for _, s := range subs {
				if err := s.apply(m); err != nil {
					logger.Warn("Subscribe failed", "stream", s.stream, "error", err)
				}
			}
		})
	})
}

// runWithSignalHandling starts the data layer and handles shutdown signals
func runWithSignalHandling(
	ctx context.Context,
	client *datalayer.Client,
	server *metric.Server,
	shutdownTimeout time.Duration,
	logger *slog.Logger,
) error {
	signalCtx, signalCancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	if err := client.Start(ctx); err != nil {
		// The transport keeps reconnecting; only a non-transient failure is fatal.
		if !errors.IsTransient(err) {
			return fmt.Errorf("start data layer: %w", err)
		}
		logger.Warn("Data layer started without a connection", "error", err)
	}
	logger.Info("fedstream started")

	<-signalCtx.Done()
	logger.Info("Received shutdown signal")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	var shutdownErr error
	if err := client.Close(shutdownCtx); err != nil {
		logger.Error("Error stopping data layer", "error", err)
		shutdownErr = err
	}
	if server != nil {
		if err := server.Stop(shutdownCtx); err != nil {
			logger.Error("Error stopping metrics server", "error", err)
		}
	}
	if shutdownErr != nil {
		return fmt.Errorf("graceful shutdown failed: %w", shutdownErr)
	}

	logger.Info("fedstream shutdown complete", "stats", client.Stats().Queue)
	return nil
}
