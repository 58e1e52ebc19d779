package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/placqs/internal/api"
	"github.com/mattjoyce/placqs/internal/config"
	"github.com/mattjoyce/placqs/internal/dispatch"
	"github.com/mattjoyce/placqs/internal/events"
	"github.com/mattjoyce/placqs/internal/lock"
	"github.com/mattjoyce/placqs/internal/log"
	"github.com/mattjoyce/placqs/internal/outcome"
	"github.com/mattjoyce/placqs/internal/reader"
	"github.com/mattjoyce/placqs/internal/reader/plugin"
	"github.com/mattjoyce/placqs/internal/state"
	"github.com/mattjoyce/placqs/internal/storage"
	"github.com/mattjoyce/placqs/internal/transport"
)

const hubCapacity = 256

func newStartCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Run the dispatcher for the configured node",
		Long: `Connect to the broker, subscribe to the configured node's routing key,
and dispatch every command envelope until interrupted or the connection drops.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStart(opts)
		},
	}
}

// loadConfig resolves --config, $PLACQS_CONFIG or ./config.yaml and loads it.
func loadConfig(opts *rootOptions) (*config.Config, error) {
	path, err := config.Discover(opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// pluginLogger adapts the discovery callback to slog.
func pluginLogger(level, msg string, args ...any) {
	logger := log.WithComponent("plugin")
	switch level {
	case "debug":
		logger.Debug(msg, args...)
	case "warn":
		logger.Warn(msg, args...)
	case "error":
		logger.Error(msg, args...)
	default:
		logger.Info(msg, args...)
	}
}

// stderrLogger reports discovery warnings and errors for one-shot commands,
// keeping stdout clean for their output.
func stderrLogger(w io.Writer) func(level, msg string, args ...any) {
	return func(level, msg string, args ...any) {
		if level != "warn" && level != "error" {
			return
		}
		fmt.Fprintf(w, "%s: %s", level, msg)
		for i := 0; i+1 < len(args); i += 2 {
			fmt.Fprintf(w, " %v=%v", args[i], args[i+1])
		}
		fmt.Fprintln(w)
	}
}

// discoverPlugins returns an empty catalog when plugins_dir is absent.
func discoverPlugins(dir string, logf func(level, msg string, args ...any)) (*plugin.Catalog, error) {
	if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
		logf("warn", "plugins_dir not found, no plugin methods loaded", "plugins_dir", dir)
		return plugin.NewCatalog(), nil
	}
	return plugin.Discover(dir, logf)
}

func runStart(opts *rootOptions) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}

	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)
	logger := log.WithComponent("main").With("node", cfg.RabbitMQ.NodeName)
	logger.Info("placqs-dispatcher starting", "version", version, "config", cfg.Path)

	nodeLock, err := lock.Acquire(cfg.Service.LockDir, cfg.RabbitMQ.NodeName)
	if err != nil {
		logger.Error("failed to acquire node lock (another dispatcher may be running)", "lock_dir", cfg.Service.LockDir, "error", err)
		return err
	}
	defer nodeLock.Release()
	logger.Info("acquired node lock", "path", nodeLock.Path())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := storage.Open(ctx, cfg.StorageOptions())
	if err != nil {
		logger.Error("failed to open store", "driver", cfg.Store.Driver, "error", err)
		return err
	}
	defer st.Close()
	if err := state.Bootstrap(ctx, st); err != nil {
		logger.Error("failed to bootstrap reader state", "error", err)
		return err
	}
	logger.Info("store opened", "driver", st.Dialect)

	catalog, err := discoverPlugins(cfg.PluginsDir, pluginLogger)
	if err != nil {
		logger.Error("plugin discovery failed", "plugins_dir", cfg.PluginsDir, "error", err)
		return err
	}
	logger.Info("plugin discovery complete", "count", catalog.Len())

	registry, err := reader.Build(
		reader.NewSystem(time.Now()),
		plugin.New(catalog, state.NewStore()),
	)
	if err != nil {
		logger.Error("failed to build capability registry", "error", err)
		return err
	}

	hub := events.NewHub(hubCapacity)
	disp := dispatch.New(st, registry, cfg.RabbitMQ.NodeName, hub)

	sub, err := transport.Subscribe(cfg.TransportOptions(), cfg.RabbitMQ.NodeName)
	if err != nil {
		logger.Error("failed to subscribe", "exchange", cfg.RabbitMQ.QueueCommands, "error", err)
		return err
	}
	defer sub.Close()
	logger.Info("subscribed", "exchange", cfg.RabbitMQ.QueueCommands, "queue", sub.Queue())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	errCh := make(chan error, 1)

	if cfg.API.Enabled {
		server := api.New(
			api.Config{Listen: cfg.API.Listen, APIKey: cfg.API.APIKey},
			disp,
			outcome.NewReader(st),
			registry.Methods,
			hub,
			log.WithComponent("api"),
		)
		go func() {
			if err := server.Start(ctx); err != nil {
				errCh <- fmt.Errorf("api: %w", err)
			}
		}()
	}

	runDone := make(chan error, 1)
	go func() {
		runDone <- disp.Run(ctx, sub)
	}()

	logger.Info("placqs-dispatcher running (press Ctrl+C to stop)")

	var runErr error
	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
		// Closing the subscription closes the delivery channel. Wait for the
		// in-flight dispatch before the store is closed.
		_ = sub.Close()
		if err := <-runDone; err != nil {
			logger.Error("dispatcher stopped", "error", err)
			return &exitError{code: 2, err: err}
		}
		return nil
	case err := <-errCh:
		cancel()
		_ = sub.Close()
		<-runDone
		logger.Error("api server failed", "error", err)
		return &exitError{code: 2, err: err}
	case runErr = <-runDone:
	}

	cancel()
	if runErr != nil {
		logger.Error("dispatcher stopped", "error", runErr)
		return &exitError{code: 2, err: runErr}
	}
	logger.Warn("delivery channel closed, stopping")
	return &exitError{code: 1, err: errors.New("broker connection closed")}
}
