package store

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	valkey "github.com/valkey-io/valkey-go"
)

type RedisTLSConfig struct {
	Enabled bool
	CAFile  string
}

type RedisConfig struct {
	Address   string
	Username  string
	Password  string
	DB        int
	Namespace string
	TLS       RedisTLSConfig
}

// Each generation is a hash "<ns>:cache:<name>" keyed by request key; the
// sorted set "<ns>:caches" records generation names scored by creation time.
type redisStore struct {
	client    valkey.Client
	namespace string
	now       func() time.Time
}

type redisCache struct {
	store *redisStore
	name  string
}

func NewRedis(cfg RedisConfig) (Store, error) {
	if cfg.Address == "" {
		return nil, errors.New("store: redis address required")
	}
	namespace := cfg.Namespace
	if namespace == "" {
		namespace = "swgate"
	}

	option := valkey.ClientOption{
		InitAddress:       []string{cfg.Address},
		Username:          cfg.Username,
		Password:          cfg.Password,
		SelectDB:          cfg.DB,
		AlwaysRESP2:       true,
		ForceSingleClient: true,
		DisableCache:      true,
	}

	if cfg.TLS.Enabled {
		tlsConfig := &tls.Config{}
		if cfg.TLS.CAFile != "" {
			caData, err := os.ReadFile(cfg.TLS.CAFile)
			if err != nil {
				return nil, fmt.Errorf("store: read redis ca file: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(caData) {
				return nil, errors.New("store: redis ca file contains no certificates")
			}
			tlsConfig.RootCAs = pool
		}
		option.TLSConfig = tlsConfig
	}

	client, err := valkey.NewClient(option)
	if err != nil {
		return nil, fmt.Errorf("store: redis client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("store: redis ping: %w", err)
	}

	return &redisStore{client: client, namespace: namespace, now: time.Now}, nil
}

func (s *redisStore) indexKey() string { return s.namespace + ":caches" }

func (s *redisStore) hashKey(name string) string { return s.namespace + ":cache:" + name }

func (s *redisStore) Open(ctx context.Context, name string) (Cache, error) {
	if err := validName(name); err != nil {
		return nil, err
	}
	score := float64(s.now().UnixNano())
	cmd := s.client.B().Zadd().Key(s.indexKey()).Nx().ScoreMember().ScoreMember(score, name).Build()
	if err := s.client.Do(ctx, cmd).Error(); err != nil {
		return nil, fmt.Errorf("store: redis zadd: %w", err)
	}
	return &redisCache{store: s, name: name}, nil
}

func (s *redisStore) Has(ctx context.Context, name string) (bool, error) {
	resp := s.client.Do(ctx, s.client.B().Zscore().Key(s.indexKey()).Member(name).Build())
	if err := resp.Error(); err != nil {
		if errors.Is(err, valkey.Nil) {
			return false, nil
		}
		return false, fmt.Errorf("store: redis zscore: %w", err)
	}
	return true, nil
}

func (s *redisStore) Delete(ctx context.Context, name string) (bool, error) {
	resp := s.client.Do(ctx, s.client.B().Zrem().Key(s.indexKey()).Member(name).Build())
	removed, err := resp.AsInt64()
	if err != nil {
		return false, fmt.Errorf("store: redis zrem: %w", err)
	}
	if err := s.client.Do(ctx, s.client.B().Del().Key(s.hashKey(name)).Build()).Error(); err != nil {
		return false, fmt.Errorf("store: redis del: %w", err)
	}
	return removed > 0, nil
}

func (s *redisStore) Keys(ctx context.Context) ([]string, error) {
	resp := s.client.Do(ctx, s.client.B().Zrange().Key(s.indexKey()).Min("0").Max("-1").Build())
	names, err := resp.AsStrSlice()
	if err != nil {
		return nil, fmt.Errorf("store: redis zrange: %w", err)
	}
	return names, nil
}

func (s *redisStore) Match(ctx context.Context, key string) (Record, bool, error) {
	names, err := s.Keys(ctx)
	if err != nil {
		return Record{}, false, err
	}
	for _, name := range names {
		c := &redisCache{store: s, name: name}
		rec, ok, err := c.Match(ctx, key)
		if err != nil {
			return Record{}, false, err
		}
		if ok {
			return rec, true, nil
		}
	}
	return Record{}, false, nil
}

func (s *redisStore) Close(context.Context) error {
	s.client.Close()
	return nil
}

func (c *redisCache) Match(ctx context.Context, key string) (Record, bool, error) {
	client := c.store.client
	resp := client.Do(ctx, client.B().Hget().Key(c.store.hashKey(c.name)).Field(key).Build())
	if err := resp.Error(); err != nil {
		if errors.Is(err, valkey.Nil) {
			return Record{}, false, nil
		}
		return Record{}, false, fmt.Errorf("store: redis hget: %w", err)
	}
	payload, err := resp.AsBytes()
	if err != nil {
		return Record{}, false, fmt.Errorf("store: redis hget bytes: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(payload, &rec); err != nil {
		return Record{}, false, fmt.Errorf("store: redis unmarshal: %w", err)
	}
	return rec, true, nil
}

func (c *redisCache) Put(ctx context.Context, key string, rec Record) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("store: redis marshal: %w", err)
	}
	live, err := c.store.Has(ctx, c.name)
	if err != nil {
		return err
	}
	if !live {
		return fmt.Errorf("store: generation %q was deleted", c.name)
	}
	client := c.store.client
	cmd := client.B().Hset().Key(c.store.hashKey(c.name)).FieldValue().FieldValue(key, string(payload)).Build()
	if err := client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("store: redis hset: %w", err)
	}
	return nil
}

func (c *redisCache) Delete(ctx context.Context, key string) (bool, error) {
	client := c.store.client
	resp := client.Do(ctx, client.B().Hdel().Key(c.store.hashKey(c.name)).Field(key).Build())
	n, err := resp.AsInt64()
	if err != nil {
		return false, fmt.Errorf("store: redis hdel: %w", err)
	}
	return n > 0, nil
}

func (c *redisCache) Keys(ctx context.Context) ([]string, error) {
	client := c.store.client
	resp := client.Do(ctx, client.B().Hkeys().Key(c.store.hashKey(c.name)).Build())
	keys, err := resp.AsStrSlice()
	if err != nil {
		return nil, fmt.Errorf("store: redis hkeys: %w", err)
	}
	sort.Strings(keys)
	return keys, nil
}
