package connectivity

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/l0p7/swgate/internal/logging"
)

type Fetcher interface {
	Do(*http.Request) (*http.Response, error)
}

// FireFunc runs one background-sync tag. A failed tag stays registered and is
// retried on the next offline to online transition.
type FireFunc func(ctx context.Context, tag string) error

type Options struct {
	ProbeURL string
	Interval time.Duration
	Fetcher  Fetcher
	Fire     FireFunc
	Logger   *slog.Logger
}

// Monitor probes the upstream network and fires registered sync tags when
// connectivity comes back.
type Monitor struct {
	probeURL string
	interval time.Duration
	fetcher  Fetcher
	fire     FireFunc
	logger   *slog.Logger

	mu     sync.Mutex
	tags   []string
	online bool
	known  bool
}

func New(opts Options) (*Monitor, error) {
	if opts.ProbeURL == "" {
		return nil, errors.New("connectivity: probe url required")
	}
	if opts.Fire == nil {
		return nil, errors.New("connectivity: fire func required")
	}
	if opts.Fetcher == nil {
		opts.Fetcher = &http.Client{Timeout: 5 * time.Second}
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	return &Monitor{
		probeURL: opts.ProbeURL,
		interval: opts.Interval,
		fetcher:  opts.Fetcher,
		fire:     opts.Fire,
		logger:   opts.Logger.With(slog.String("agent", "connectivity")),
	}, nil
}

// Register records tag for the next reconnect. Registering a pending tag
// again is a no-op.
func (m *Monitor) Register(tag string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !slices.Contains(m.tags, tag) {
		m.tags = append(m.tags, tag)
	}
}

func (m *Monitor) Tags() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.tags)
}

func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Probe checks the network once. Any HTTP answer counts as online.
func (m *Monitor) Probe(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, m.probeURL, http.NoBody)
	if err != nil {
		m.logger.ErrorContext(ctx, "build probe failed", slog.String("error", err.Error()))
		return false
	}
	online := true
	resp, err := m.fetcher.Do(req)
	if err != nil {
		online = false
	} else {
		_ = resp.Body.Close()
	}
	m.Observe(ctx, online)
	return online
}

// Observe records a connectivity observation and fires pending tags on an
// offline to online transition.
func (m *Monitor) Observe(ctx context.Context, online bool) {
	m.mu.Lock()
	restored := online && m.known && !m.online
	changed := !m.known || m.online != online
	m.online = online
	m.known = true
	var pending []string
	if restored {
		pending = slices.Clone(m.tags)
	}
	m.mu.Unlock()

	if changed {
		m.logger.InfoContext(ctx, "connectivity changed", slog.Bool("online", online))
	}
	if len(pending) > 0 {
		m.FireAll(ctx, pending)
	}
}

// FireAll fires tags in registration order and unregisters the ones that
// succeed.
func (m *Monitor) FireAll(ctx context.Context, tags []string) {
	for _, tag := range tags {
		if err := m.fire(ctx, tag); err != nil {
			m.logger.WarnContext(ctx, "sync tag failed", slog.String("tag", tag), slog.String("error", err.Error()))
			continue
		}
		m.mu.Lock()
		m.tags = slices.DeleteFunc(m.tags, func(t string) bool { return t == tag })
		m.mu.Unlock()
	}
}

// Run probes every interval until ctx is done. A zero interval disables
// probing.
func (m *Monitor) Run(ctx context.Context) error {
	if m.interval <= 0 {
		return nil
	}
	m.Probe(ctx)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Probe(ctx)
		}
	}
}
