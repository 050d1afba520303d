package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/l0p7/swgate/internal/config"
	"github.com/l0p7/swgate/internal/logging"
	"github.com/l0p7/swgate/internal/metrics"
	"github.com/l0p7/swgate/internal/push"
	"github.com/l0p7/swgate/internal/runtime"
	"github.com/l0p7/swgate/internal/server"
)

const closeTimeout = 3 * time.Second

type configLoader interface {
	Load(context.Context) (config.Config, error)
}

type runnableServer interface {
	Run(context.Context) error
}

type manifestWatcher interface {
	Stop()
}

var (
	newConfigLoader = func(envPrefix, file string) configLoader {
		return config.NewLoader(envPrefix, file)
	}
	newHTTPServer = func(cfg config.Config, logger *slog.Logger, handler http.Handler) (runnableServer, error) {
		return server.New(cfg, logger, handler)
	}
	watchManifest = func(ctx context.Context, path string, onChange func(config.Manifest), onError func(error)) (manifestWatcher, error) {
		return config.WatchManifest(ctx, path, onChange, onError)
	}
)

type rootOptions struct {
	configFile string
	envPrefix  string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	serve := func(cmd *cobra.Command, _ []string) error {
		err := run(cmd.Context(), opts.envPrefix, opts.configFile)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}

	root := &cobra.Command{
		Use:           "swgate",
		Short:         "Offline caching gateway for the weather dashboard",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE:          serve,
	}
	root.PersistentFlags().StringVar(&opts.configFile, "config", "", "path to server configuration file")
	root.PersistentFlags().StringVar(&opts.envPrefix, "env-prefix", "SWGATE", "environment variable prefix")

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the gateway (default)",
		Args:  cobra.NoArgs,
		RunE:  serve,
	})
	root.AddCommand(newCachesCommand(opts))
	return root
}

func loadConfig(ctx context.Context, envPrefix, configFile string) (config.Config, *slog.Logger, error) {
	cfg, err := newConfigLoader(envPrefix, configFile).Load(ctx)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("load configuration: %w", err)
	}
	logger, err := logging.New(cfg.Server.Logging)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("configure logger: %w", err)
	}
	return cfg, logger, nil
}

func run(ctx context.Context, envPrefix, configFile string) error {
	cfg, logger, err := loadConfig(ctx, envPrefix, configFile)
	if err != nil {
		return err
	}

	origin, err := url.Parse(cfg.Worker.Origin)
	if err != nil {
		return fmt.Errorf("parse worker origin: %w", err)
	}

	promRegistry := prometheus.NewRegistry()
	metricsRecorder := metrics.NewRecorder(promRegistry)

	worker, err := runtime.New(logger, runtime.Options{
		Store:             buildStore(logger.With(slog.String("agent", "store_factory")), cfg.Server.Cache),
		Origin:            origin,
		APIHost:           cfg.Worker.APIHost,
		Fresh:             time.Duration(cfg.Worker.FreshSeconds) * time.Second,
		ToleranceFactor:   cfg.Worker.OfflineToleranceFactor,
		Manifest:          cfg.Manifest,
		SyncTag:           cfg.Worker.SyncTag,
		Icon:              cfg.Notifications.Icon,
		OpenCommand:       cfg.Notifications.OpenCommand,
		Sinks:             buildSinks(logger, cfg.Notifications),
		Templates:         buildNotificationTemplates(logger, cfg.Server.Templates),
		ProbeURL:          cfg.Worker.Connectivity.ProbeURL,
		ProbeInterval:     time.Duration(cfg.Worker.Connectivity.IntervalSeconds) * time.Second,
		CorrelationHeader: cfg.Server.Logging.CorrelationHeader,
		Metrics:           metricsRecorder,
	})
	if err != nil {
		return fmt.Errorf("construct worker: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		if err := worker.Close(closeCtx); err != nil {
			logger.Error("worker shutdown failed", slog.Any("error", err))
		}
	}()

	if err := worker.Start(ctx); err != nil {
		return fmt.Errorf("start worker: %w", err)
	}

	if path := cfg.Worker.ManifestFile; path != "" {
		watcher, err := watchManifest(ctx, path, func(m config.Manifest) {
			if _, err := worker.Update(ctx, m); err != nil {
				logger.Error("worker update failed", slog.String("manifest", path), slog.Any("error", err))
			}
		}, func(err error) {
			if err != nil {
				logger.Error("manifest watcher error", slog.Any("error", err))
			}
		})
		if err != nil {
			logger.Error("manifest watcher setup failed", slog.Any("error", err))
		} else {
			defer watcher.Stop()
		}
	}

	if cfg.Push.MQTT.Broker != "" {
		subscriber, err := push.New(cfg.Push.MQTT, worker, logger)
		if err != nil {
			logger.Error("push subscriber setup failed", slog.Any("error", err))
		} else if err := subscriber.Start(ctx); err != nil {
			logger.Error("push subscriber start failed", slog.String("broker", cfg.Push.MQTT.Broker), slog.Any("error", err))
		} else {
			defer subscriber.Stop()
		}
	}

	handler := server.NewWorkerHandler(worker, metricsRecorder.Handler())
	srv, err := newHTTPServer(cfg, logger, handler)
	if err != nil {
		return fmt.Errorf("construct server: %w", err)
	}
	if hooked, ok := srv.(interface{ OnShutdown(func()) }); ok {
		hooked.OnShutdown(worker.Clients().Close)
	}

	err = srv.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server terminated unexpectedly", slog.Any("error", err))
		return err
	}
	logger.Info("server shutdown complete")
	return err
}
