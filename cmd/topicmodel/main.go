// Package main runs the topic model service: it follows the settings
// store, keeps one connector per configured connection and serves the
// model over HTTP.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/c360/topicmodel/config"
	"github.com/c360/topicmodel/engine"
	"github.com/c360/topicmodel/gateway"
	"github.com/c360/topicmodel/metric"
	"github.com/c360/topicmodel/natsclient"
	"github.com/c360/topicmodel/pkg/retry"
	"github.com/c360/topicmodel/transport"
	"github.com/c360/topicmodel/transport/mqttbroker"
	"github.com/c360/topicmodel/transport/natsbus"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "topicmodel"
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
	cliCfg, err := parseFlags(args)
	if err != nil {
		return err
	}
	if err := validateFlags(cliCfg); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}
	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}
	if cliCfg.ShowHelp {
		return nil
	}

	logger := newLogger(os.Stdout, cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	cfg, err := loadConfig(cliCfg.ConfigPath)
	if err != nil {
		return err
	}
	if cliCfg.Validate {
		logger.Info("Configuration is valid")
		return nil
	}

	logger.Info("Starting topic model service",
		"version", Version,
		"build_time", BuildTime,
		"transport", cfg.Transport.Kind,
		"store", cfg.Store.Mode)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	registry := metric.NewMetricsRegistry()
	e, err := engine.New(store, newTransportFactory(cfg, logger),
		engine.WithLogger(logger),
		engine.WithMetrics(registry),
		engine.WithDropLogRate(cfg.Router.DropLogInterval, cfg.Router.DropLogBurst))
	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}
	if err := e.Start(ctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}
	defer func() {
		if err := e.Stop(cliCfg.ShutdownTimeout); err != nil {
			logger.Error("Engine shutdown failed", "error", err)
		}
	}()

	if cfg.Metrics.Enabled {
		ms := metric.NewServer(cfg.Metrics.Port, cfg.Metrics.Path, registry)
		if err := ms.Start(); err != nil {
			return fmt.Errorf("start metrics server: %w", err)
		}
		defer ms.Stop(cliCfg.ShutdownTimeout)
		logger.Info("Metrics server listening", "address", ms.Address(), "path", cfg.Metrics.Path)
	}

	if cfg.HTTP.Enabled {
		gwCfg := gateway.DefaultConfig()
		gwCfg.BindAddress = fmt.Sprintf(":%d", cfg.HTTP.Port)
		gw, err := gateway.NewServer(gwCfg, e.Dependencies(),
			gateway.WithLogger(logger),
			gateway.WithMetrics(registry))
		if err != nil {
			return fmt.Errorf("create gateway: %w", err)
		}
		if err := gw.Start(); err != nil {
			return fmt.Errorf("start gateway: %w", err)
		}
		// Stops before the engine so WebSocket clients are closed first.
		defer gw.Stop(cliCfg.ShutdownTimeout)
		logger.Info("HTTP API listening", "address", gw.Address())
	}

	logger.Info("Topic model service started")
	<-ctx.Done()
	logger.Info("Received shutdown signal")
	return nil
}

// loadConfig merges the defaults, the optional file and the environment.
func loadConfig(path string) (*config.Config, error) {
	loader := config.NewLoader()
	if path != "" {
		loader.AddLayer(path)
	}
	loader.EnableValidation(true)
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func newTransportFactory(cfg *config.Config, logger *slog.Logger) transport.Factory {
	if cfg.Transport.Kind == config.TransportNATS {
		return natsbus.NewFactory(logger)
	}
	return mqttbroker.NewFactory(mqttbroker.WithLogger(logger))
}

// openStore returns the settings store selected by cfg and a function
// that releases it and anything it depends on.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (config.Store, func(), error) {
	switch cfg.Store.Mode {
	case config.StoreModeFile:
		store, err := config.NewFileStore(cfg.Store.Path,
			config.WithDebounce(cfg.Store.Debounce),
			config.WithFileLogger(logger))
		if err != nil {
			return nil, nil, fmt.Errorf("open settings file: %w", err)
		}
		return store, func() { _ = store.Close() }, nil

	case config.StoreModeKV:
		client, err := connectNATS(ctx, cfg.NATS, logger)
		if err != nil {
			return nil, nil, err
		}
		store, err := config.OpenKVStore(ctx, client, cfg.Store.Bucket, logger)
		if err != nil {
			_ = client.Close(context.Background())
			return nil, nil, fmt.Errorf("open settings bucket: %w", err)
		}
		return store, func() {
			_ = store.Close()
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = client.Close(closeCtx)
		}, nil

	default:
		store, err := config.NewMemoryStore(config.DefaultSettings())
		if err != nil {
			return nil, nil, err
		}
		logger.Warn("Settings are kept in memory and do not survive a restart")
		return store, func() { _ = store.Close() }, nil
	}
}

// connectNATS dials the KV store connection, retrying until the server is
// reachable or ctx ends.
func connectNATS(ctx context.Context, cfg config.NATSConfig, logger *slog.Logger) (*natsclient.Client, error) {
	opts := []natsclient.ClientOption{
		natsclient.WithName(appName + "-settings"),
		natsclient.WithLogger(logger),
		natsclient.WithMaxReconnects(cfg.MaxReconnects),
		natsclient.WithReconnectWait(cfg.ReconnectWait),
	}
	if cfg.PingInterval > 0 {
		opts = append(opts, natsclient.WithPingInterval(cfg.PingInterval))
	}
	if cfg.DrainTimeout > 0 {
		opts = append(opts, natsclient.WithDrainTimeout(cfg.DrainTimeout))
	}
	if cfg.Username != "" {
		opts = append(opts, natsclient.WithCredentials(cfg.Username, cfg.Password))
	}
	client, err := natsclient.NewClient(strings.Join(cfg.URLs, ","), opts...)
	if err != nil {
		return nil, fmt.Errorf("create NATS client: %w", err)
	}

	logger.Info("Connecting to NATS", "urls", cfg.URLs)
	if err := retry.Do(ctx, retry.Persistent(), func() error { return client.Connect(ctx) }); err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.WaitForConnection(waitCtx); err != nil {
		_ = client.Close(context.Background())
		return nil, fmt.Errorf("NATS connection timeout: %w", err)
	}
	return client, nil
}
