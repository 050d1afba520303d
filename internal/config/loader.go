package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Loader hydrates the runtime configuration while respecting env > file > default precedence.
type Loader struct {
	envPrefix string
	files     []string
}

// NewLoader prepares a config hydrator that honors the env-first contract before touching files or defaults.
func NewLoader(envPrefix string, files ...string) *Loader {
	return &Loader{
		envPrefix: envPrefix,
		files:     files,
	}
}

// camelCase keys lose their casing on the way through env vars.
var canonicalKeys = map[string]string{
	"server.logging.correlationheader":    "server.logging.correlationHeader",
	"server.templates.templatesfolder":    "server.templates.templatesFolder",
	"server.templates.notificationtitle":  "server.templates.notificationTitle",
	"server.templates.notificationbody":   "server.templates.notificationBody",
	"server.cache.redis.tls.cafile":       "server.cache.redis.tls.caFile",
	"worker.apihost":                      "worker.apiHost",
	"worker.freshseconds":                 "worker.freshSeconds",
	"worker.offlinetolerancefactor":       "worker.offlineToleranceFactor",
	"worker.manifestfile":                 "worker.manifestFile",
	"worker.synctag":                      "worker.syncTag",
	"worker.connectivity.probeurl":        "worker.connectivity.probeURL",
	"worker.connectivity.intervalseconds": "worker.connectivity.intervalSeconds",
	"notifications.opencommand":           "notifications.openCommand",
	"push.mqtt.clientid":                  "push.mqtt.clientID",
}

// Load assembles the effective snapshot using the documented precedence rules,
// then resolves the app-shell manifest.
func (l *Loader) Load(ctx context.Context) (Config, error) {
	defaultCfg := DefaultConfig()
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(structToMap(defaultCfg), "."), nil); err != nil {
		return Config{}, fmt.Errorf("config: load defaults: %w", err)
	}

	for _, path := range l.files {
		if path == "" {
			continue
		}
		select {
		case <-ctx.Done():
			return Config{}, ctx.Err()
		default:
		}
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("config: file %s not found", path)
			}
			return Config{}, fmt.Errorf("config: stat %s: %w", path, err)
		}
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("config: load file %s: %w", path, err)
		}
	}

	if l.envPrefix != "" {
		transform := func(s string) string {
			// Double underscores signal a nested path (SWGATE_WORKER__APIHOST -> worker.apiHost).
			key := strings.TrimPrefix(s, l.envPrefix+"_")
			key = strings.ReplaceAll(key, "__", ".")
			lower := strings.ToLower(key)
			if mapped, ok := canonicalKeys[lower]; ok {
				return mapped
			}
			key = strings.ReplaceAll(key, "_", "")
			return strings.ToLower(key)
		}
		if err := k.Load(env.Provider(l.envPrefix, ".", transform), nil); err != nil {
			return Config{}, fmt.Errorf("config: load env: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	// Comma-separated env values arrive as a single string.
	cfg.Notifications.URLs = splitList(cfg.Notifications.URLs)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	cfg.Manifest = DefaultManifest()
	if cfg.Worker.ManifestFile != "" {
		m, err := LoadManifest(ctx, cfg.Worker.ManifestFile)
		if err != nil {
			return Config{}, err
		}
		cfg.Manifest = m
	}
	return cfg, nil
}

func splitList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// structToMap converts DefaultConfig into a map for the koanf confmap provider.
func structToMap(cfg Config) map[string]any {
	return map[string]any{
		"server": map[string]any{
			"listen": map[string]any{
				"address": cfg.Server.Listen.Address,
				"port":    cfg.Server.Listen.Port,
			},
			"logging": map[string]any{
				"level":             cfg.Server.Logging.Level,
				"format":            cfg.Server.Logging.Format,
				"correlationHeader": cfg.Server.Logging.CorrelationHeader,
			},
			"templates": map[string]any{
				"templatesFolder":   cfg.Server.Templates.TemplatesFolder,
				"notificationTitle": cfg.Server.Templates.NotificationTitle,
				"notificationBody":  cfg.Server.Templates.NotificationBody,
			},
			"cache": map[string]any{
				"backend":   cfg.Server.Cache.Backend,
				"namespace": cfg.Server.Cache.Namespace,
				"leveldb": map[string]any{
					"path": cfg.Server.Cache.LevelDB.Path,
				},
				"redis": map[string]any{
					"address":  cfg.Server.Cache.Redis.Address,
					"username": cfg.Server.Cache.Redis.Username,
					"password": cfg.Server.Cache.Redis.Password,
					"db":       cfg.Server.Cache.Redis.DB,
					"tls": map[string]any{
						"enabled": cfg.Server.Cache.Redis.TLS.Enabled,
						"caFile":  cfg.Server.Cache.Redis.TLS.CAFile,
					},
				},
			},
		},
		"worker": map[string]any{
			"apiHost":                cfg.Worker.APIHost,
			"origin":                 cfg.Worker.Origin,
			"freshSeconds":           cfg.Worker.FreshSeconds,
			"offlineToleranceFactor": cfg.Worker.OfflineToleranceFactor,
			"manifestFile":           cfg.Worker.ManifestFile,
			"syncTag":                cfg.Worker.SyncTag,
			"connectivity": map[string]any{
				"probeURL":        cfg.Worker.Connectivity.ProbeURL,
				"intervalSeconds": cfg.Worker.Connectivity.IntervalSeconds,
			},
		},
		"notifications": map[string]any{
			"urls":        cfg.Notifications.URLs,
			"icon":        cfg.Notifications.Icon,
			"openCommand": cfg.Notifications.OpenCommand,
		},
		"push": map[string]any{
			"mqtt": map[string]any{
				"broker":   cfg.Push.MQTT.Broker,
				"topic":    cfg.Push.MQTT.Topic,
				"clientID": cfg.Push.MQTT.ClientID,
				"username": cfg.Push.MQTT.Username,
				"password": cfg.Push.MQTT.Password,
				"qos":      cfg.Push.MQTT.QoS,
			},
		},
	}
}
