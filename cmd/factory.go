package main

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/l0p7/swgate/internal/config"
	"github.com/l0p7/swgate/internal/runtime/notify"
	"github.com/l0p7/swgate/internal/store"
	"github.com/l0p7/swgate/internal/templates"
)

// openStore constructs the configured backend and reports construction
// failures instead of falling back.
func openStore(cfg config.ServerCacheConfig) (store.Store, error) {
	switch backend := strings.TrimSpace(strings.ToLower(cfg.Backend)); backend {
	case "", "memory":
		return store.NewMemory(), nil
	case "leveldb":
		return store.NewLevelDB(cfg.LevelDB.Path)
	case "redis":
		return store.NewRedis(store.RedisConfig{
			Address:   cfg.Redis.Address,
			Username:  cfg.Redis.Username,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			Namespace: cfg.Namespace,
			TLS: store.RedisTLSConfig{
				Enabled: cfg.Redis.TLS.Enabled,
				CAFile:  cfg.Redis.TLS.CAFile,
			},
		})
	default:
		return nil, fmt.Errorf("unsupported cache backend %q", cfg.Backend)
	}
}

// buildStore serves the gateway: a backend that cannot be reached degrades to
// the memory store so interception keeps working.
func buildStore(logger *slog.Logger, cfg config.ServerCacheConfig) store.Store {
	s, err := openStore(cfg)
	if err != nil {
		logger.Error("cache store initialization failed", slog.String("backend", cfg.Backend), slog.Any("error", err))
		logger.Info("falling back to memory cache store")
		return store.NewMemory()
	}
	switch strings.TrimSpace(strings.ToLower(cfg.Backend)) {
	case "leveldb":
		logger.Info("using leveldb cache store", slog.String("path", cfg.LevelDB.Path))
	case "redis":
		logger.Info("using redis cache store", slog.String("address", cfg.Redis.Address))
	default:
		logger.Info("using memory cache store")
	}
	return s
}

func buildNotificationTemplates(logger *slog.Logger, cfg config.TemplatesConfig) *templates.Notification {
	var sandbox *templates.Sandbox
	if folder := strings.TrimSpace(cfg.TemplatesFolder); folder != "" {
		sb, err := templates.NewSandbox(folder)
		if err != nil {
			logger.Warn("template sandbox setup failed", slog.String("templates_folder", folder), slog.Any("error", err))
		} else {
			sandbox = sb
		}
	}
	if strings.TrimSpace(cfg.NotificationTitle) == "" && strings.TrimSpace(cfg.NotificationBody) == "" {
		return nil
	}
	tmpl, err := templates.NewNotification(templates.NewRenderer(sandbox), cfg.NotificationTitle, cfg.NotificationBody)
	if err != nil {
		logger.Warn("notification templates disabled", slog.Any("error", err))
		return nil
	}
	return tmpl
}

func buildSinks(logger *slog.Logger, cfg config.NotificationsConfig) []notify.Sink {
	if len(cfg.URLs) == 0 {
		return nil
	}
	sink, err := notify.NewShoutrrrSink(cfg.URLs, logger)
	if err != nil {
		logger.Error("notification targets disabled", slog.Int("urls", len(cfg.URLs)), slog.Any("error", err))
		return nil
	}
	return []notify.Sink{sink}
}
