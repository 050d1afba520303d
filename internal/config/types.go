package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Config holds every gateway option. Manifest is resolved by the loader from
// worker.manifestFile (or the built-in app shell) and is not read from koanf.
type Config struct {
	Server        ServerConfig        `koanf:"server"`
	Worker        WorkerConfig        `koanf:"worker"`
	Notifications NotificationsConfig `koanf:"notifications"`
	Push          PushConfig          `koanf:"push"`

	Manifest Manifest `koanf:"-"`
}

// ServerConfig collects the bootstrap knobs of the HTTP listener and its backing services.
type ServerConfig struct {
	Listen    ListenConfig      `koanf:"listen"`
	Logging   LoggingConfig     `koanf:"logging"`
	Templates TemplatesConfig   `koanf:"templates"`
	Cache     ServerCacheConfig `koanf:"cache"`
}

// ListenConfig instructs the HTTP listener about bind address and port.
type ListenConfig struct {
	Address string `koanf:"address"`
	Port    int    `koanf:"port"`
}

// LoggingConfig expresses log level, format, and correlation ID wiring.
type LoggingConfig struct {
	Level             string `koanf:"level"`
	Format            string `koanf:"format"`
	CorrelationHeader string `koanf:"correlationHeader"`
}

// TemplatesConfig points at the sandbox root and the notification templates.
// Title and body are inline templates or "@file" references inside the folder.
type TemplatesConfig struct {
	TemplatesFolder   string `koanf:"templatesFolder"`
	NotificationTitle string `koanf:"notificationTitle"`
	NotificationBody  string `koanf:"notificationBody"`
}

type ServerCacheConfig struct {
	Backend   string                   `koanf:"backend"`
	Namespace string                   `koanf:"namespace"`
	LevelDB   ServerLevelDBCacheConfig `koanf:"leveldb"`
	Redis     ServerRedisCacheConfig   `koanf:"redis"`
}

type ServerLevelDBCacheConfig struct {
	Path string `koanf:"path"`
}

type ServerRedisCacheConfig struct {
	Address  string               `koanf:"address"`
	Username string               `koanf:"username"`
	Password string               `koanf:"password"`
	DB       int                  `koanf:"db"`
	TLS      ServerRedisTLSConfig `koanf:"tls"`
}

type ServerRedisTLSConfig struct {
	Enabled bool   `koanf:"enabled"`
	CAFile  string `koanf:"caFile"`
}

// WorkerConfig drives interception: which host is the weather API, where the
// app shell lives, and how long cached API responses stay usable offline.
type WorkerConfig struct {
	APIHost                string             `koanf:"apiHost"`
	Origin                 string             `koanf:"origin"`
	FreshSeconds           int                `koanf:"freshSeconds"`
	OfflineToleranceFactor int                `koanf:"offlineToleranceFactor"`
	ManifestFile           string             `koanf:"manifestFile"`
	SyncTag                string             `koanf:"syncTag"`
	Connectivity           ConnectivityConfig `koanf:"connectivity"`
}

type ConnectivityConfig struct {
	ProbeURL        string `koanf:"probeURL"`
	IntervalSeconds int    `koanf:"intervalSeconds"`
}

type NotificationsConfig struct {
	URLs        []string `koanf:"urls"`
	Icon        string   `koanf:"icon"`
	OpenCommand string   `koanf:"openCommand"`
}

type PushConfig struct {
	MQTT MQTTConfig `koanf:"mqtt"`
}

type MQTTConfig struct {
	Broker   string `koanf:"broker"`
	Topic    string `koanf:"topic"`
	ClientID string `koanf:"clientID"`
	Username string `koanf:"username"`
	Password string `koanf:"password"`
	QoS      int    `koanf:"qos"`
}

// Validate enforces invariants that keep the runtime predictable before serving traffic.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config: nil")
	}
	if c.Server.Listen.Port <= 0 || c.Server.Listen.Port > 65535 {
		return fmt.Errorf("config: listen.port invalid: %d", c.Server.Listen.Port)
	}
	backend := strings.TrimSpace(strings.ToLower(c.Server.Cache.Backend))
	switch backend {
	case "", "memory":
	case "leveldb":
		if strings.TrimSpace(c.Server.Cache.LevelDB.Path) == "" {
			return errors.New("config: server.cache.leveldb.path required for leveldb backend")
		}
	case "redis":
		if strings.TrimSpace(c.Server.Cache.Redis.Address) == "" {
			return errors.New("config: server.cache.redis.address required for redis backend")
		}
	default:
		return fmt.Errorf("config: server.cache.backend unsupported: %s", c.Server.Cache.Backend)
	}
	if strings.TrimSpace(c.Worker.APIHost) == "" {
		return errors.New("config: worker.apiHost required")
	}
	origin, err := url.Parse(c.Worker.Origin)
	if err != nil || origin.Scheme == "" || origin.Host == "" {
		return fmt.Errorf("config: worker.origin must be an absolute URL: %q", c.Worker.Origin)
	}
	if c.Worker.FreshSeconds <= 0 {
		return fmt.Errorf("config: worker.freshSeconds invalid: %d", c.Worker.FreshSeconds)
	}
	if c.Worker.OfflineToleranceFactor <= 0 {
		return fmt.Errorf("config: worker.offlineToleranceFactor invalid: %d", c.Worker.OfflineToleranceFactor)
	}
	if c.Worker.Connectivity.IntervalSeconds < 0 {
		return fmt.Errorf("config: worker.connectivity.intervalSeconds invalid: %d", c.Worker.Connectivity.IntervalSeconds)
	}
	if c.Push.MQTT.QoS < 0 || c.Push.MQTT.QoS > 2 {
		return fmt.Errorf("config: push.mqtt.qos invalid: %d", c.Push.MQTT.QoS)
	}
	if c.Push.MQTT.Broker != "" && strings.TrimSpace(c.Push.MQTT.Topic) == "" {
		return errors.New("config: push.mqtt.topic required when broker is set")
	}
	return nil
}

// DefaultConfig returns the baseline values that align with the design defaults.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Listen: ListenConfig{
				Address: "0.0.0.0",
				Port:    8080,
			},
			Logging: LoggingConfig{
				Level:             "info",
				Format:            "json",
				CorrelationHeader: "X-Request-ID",
			},
			Cache: ServerCacheConfig{
				Backend:   "memory",
				Namespace: "swgate",
				LevelDB:   ServerLevelDBCacheConfig{Path: "./data/caches"},
			},
		},
		Worker: WorkerConfig{
			APIHost:                "api.weatherapi.com",
			Origin:                 "http://localhost:5173",
			FreshSeconds:           600,
			OfflineToleranceFactor: 3,
			SyncTag:                "weather-sync",
			Connectivity:           ConnectivityConfig{IntervalSeconds: 30},
		},
		Notifications: NotificationsConfig{
			URLs: []string{},
			Icon: "/icon-192.svg",
		},
		Push: PushConfig{
			MQTT: MQTTConfig{
				Topic:    "swgate/push",
				ClientID: "swgate",
				QoS:      1,
			},
		},
		Manifest: DefaultManifest(),
	}
}
