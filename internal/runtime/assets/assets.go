package assets

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/l0p7/swgate/internal/logging"
	"github.com/l0p7/swgate/internal/metrics"
	"github.com/l0p7/swgate/internal/store"
)

// ErrNoOfflineDocument is returned when a request cannot be answered and the
// offline page is not cached either.
var ErrNoOfflineDocument = errors.New("assets: offline document not cached")

type Source string

const (
	SourceNetwork         Source = "network"
	SourceCache           Source = "cache"
	SourceOfflineDocument Source = "offline_document"
	SourceUnavailable     Source = "unavailable"
)

type Fetcher interface {
	Do(*http.Request) (*http.Response, error)
}

// Options configures a Manager. Navigator fetches navigations and should hand
// redirects back to the caller rather than follow them; it defaults to Fetcher.
type Options struct {
	Store      store.Store
	Fetcher    Fetcher
	Navigator  Fetcher
	Origin     *url.URL
	Generation string
	OfflineURL string
	Logger     *slog.Logger
	Metrics    *metrics.Recorder
}

type settings struct {
	generation string
	offlineKey string
}

// Manager serves the application shell: cache-first for assets,
// network-first for navigations with the offline page as fallback.
type Manager struct {
	store     store.Store
	fetcher   Fetcher
	navigator Fetcher
	origin    *url.URL
	current   atomic.Pointer[settings]
	logger    *slog.Logger
	metrics   *metrics.Recorder

	// writes is held shared by background cache writes and exclusively by
	// Configure, so no write lands in a generation after it is replaced.
	writes        sync.RWMutex
	pending       sync.WaitGroup
	writeFailures rate.Sometimes
}

func New(opts Options) (*Manager, error) {
	if opts.Store == nil {
		return nil, errors.New("assets: store required")
	}
	if opts.Origin == nil || !opts.Origin.IsAbs() {
		return nil, errors.New("assets: absolute origin required")
	}
	if opts.Fetcher == nil {
		opts.Fetcher = http.DefaultClient
	}
	if opts.Navigator == nil {
		opts.Navigator = opts.Fetcher
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	m := &Manager{
		store:         opts.Store,
		fetcher:       opts.Fetcher,
		navigator:     opts.Navigator,
		origin:        opts.Origin,
		logger:        opts.Logger.With(slog.String("agent", "static_cache")),
		metrics:       opts.Metrics,
		writeFailures: rate.Sometimes{Interval: time.Minute},
	}
	if err := m.Configure(opts.Generation, opts.OfflineURL); err != nil {
		return nil, err
	}
	return m, nil
}

// Configure points the manager at a new static generation and offline page.
// It waits for cache writes already in flight against the old generation.
func (m *Manager) Configure(generation, offlineURL string) error {
	if generation == "" {
		return errors.New("assets: generation required")
	}
	key, err := m.Resolve(offlineURL)
	if err != nil {
		return err
	}
	m.writes.Lock()
	defer m.writes.Unlock()
	m.current.Store(&settings{generation: generation, offlineKey: key})
	return nil
}

func (m *Manager) Generation() string { return m.current.Load().generation }

// OfflineKey is the cache key of the offline page.
func (m *Manager) OfflineKey() string { return m.current.Load().offlineKey }

// Resolve turns a manifest path into the absolute cache key under the origin.
func (m *Manager) Resolve(ref string) (string, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("assets: parse %q: %w", ref, err)
	}
	return store.URLKey(m.origin.ResolveReference(u).String()), nil
}

// IsNavigation reports whether req asks for an HTML document.
func IsNavigation(req *http.Request) bool {
	return strings.Contains(req.Header.Get("Accept"), "text/html")
}

// Handle answers a GET for the application shell. The only error is
// ErrNoOfflineDocument, when every tier has failed.
func (m *Manager) Handle(ctx context.Context, req *http.Request) (*http.Response, Source, error) {
	if IsNavigation(req) {
		return m.navigate(ctx, req)
	}
	key, err := store.RequestKey(req)
	if err != nil {
		return nil, SourceUnavailable, err
	}

	rec, ok, err := m.match(ctx, key)
	if err == nil && ok {
		return rec.Response(req), SourceCache, nil
	}
	if err == nil {
		resp, ferr := m.fetch(ctx, req)
		if ferr == nil {
			if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
				m.storeCopy(ctx, key, resp)
			}
			return resp, SourceNetwork, nil
		}
		err = ferr
	}
	m.logger.DebugContext(ctx, "static request failed", slog.String("url", key), slog.String("error", err.Error()))

	if rec, ok, merr := m.match(ctx, key); merr == nil && ok {
		return rec.Response(req), SourceCache, nil
	}
	return m.offlineDocument(ctx, req)
}

func (m *Manager) navigate(ctx context.Context, req *http.Request) (*http.Response, Source, error) {
	resp, err := m.fetchWith(ctx, m.navigator, req)
	if err == nil {
		return resp, SourceNetwork, nil
	}
	m.logger.InfoContext(ctx, "navigation failed, serving offline page", slog.String("url", req.URL.String()), slog.String("error", err.Error()))
	return m.offlineDocument(ctx, req)
}

func (m *Manager) offlineDocument(ctx context.Context, req *http.Request) (*http.Response, Source, error) {
	rec, ok, err := m.match(ctx, m.OfflineKey())
	if err != nil || !ok {
		return nil, SourceUnavailable, ErrNoOfflineDocument
	}
	return rec.Response(req), SourceOfflineDocument, nil
}

func (m *Manager) match(ctx context.Context, key string) (store.Record, bool, error) {
	start := time.Now()
	rec, ok, err := m.store.Match(ctx, key)
	outcome := metrics.CacheLookupMiss
	switch {
	case err != nil:
		outcome = metrics.CacheLookupError
	case ok:
		outcome = metrics.CacheLookupHit
	}
	m.metrics.ObserveCacheLookup(m.Generation(), outcome, time.Since(start))
	return rec, ok, err
}

func (m *Manager) fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	return m.fetchWith(ctx, m.fetcher, req)
}

func (m *Manager) fetchWith(ctx context.Context, f Fetcher, req *http.Request) (*http.Response, error) {
	out := req.Clone(ctx)
	out.RequestURI = ""
	return f.Do(out)
}

// storeCopy buffers resp and writes the copy on a tracked goroutine; the
// caller does not wait for it. The write goes to whichever generation is
// current when it runs.
func (m *Manager) storeCopy(ctx context.Context, key string, resp *http.Response) {
	rec, err := store.FromResponse(resp)
	if err != nil {
		m.logger.WarnContext(ctx, "static response unreadable", slog.String("url", key), slog.String("error", err.Error()))
		return
	}
	wctx := context.WithoutCancel(ctx)
	m.pending.Add(1)
	go func() {
		defer m.pending.Done()
		m.writes.RLock()
		defer m.writes.RUnlock()
		generation := m.Generation()
		start := time.Now()
		err := m.put(wctx, generation, key, rec)
		if err != nil {
			m.metrics.ObserveCacheStore(generation, metrics.CacheStoreError, time.Since(start))
			m.writeFailures.Do(func() {
				m.logger.Warn("static cache write failed", slog.String("url", key), slog.String("error", err.Error()))
			})
			return
		}
		m.metrics.ObserveCacheStore(generation, metrics.CacheStoreStored, time.Since(start))
	}()
}

func (m *Manager) put(ctx context.Context, generation, key string, rec store.Record) error {
	cache, err := m.store.Open(ctx, generation)
	if err != nil {
		return err
	}
	return cache.Put(ctx, key, rec)
}

// Flush waits for background cache writes to finish.
func (m *Manager) Flush() { m.pending.Wait() }

// Precache fetches every asset and stores them in generation. It is
// all-or-nothing: if any asset fails to fetch or answers non-2xx, nothing is
// written.
func (m *Manager) Precache(ctx context.Context, generation string, assets []string) error {
	keys := make([]string, len(assets))
	for i, asset := range assets {
		key, err := m.Resolve(asset)
		if err != nil {
			return err
		}
		keys[i] = key
	}

	records := make([]store.Record, len(keys))
	g, gctx := errgroup.WithContext(ctx)
	for i, key := range keys {
		g.Go(func() error {
			req, err := http.NewRequestWithContext(gctx, http.MethodGet, key, http.NoBody)
			if err != nil {
				return fmt.Errorf("assets: precache %s: %w", key, err)
			}
			resp, err := m.fetcher.Do(req)
			if err != nil {
				return fmt.Errorf("assets: precache %s: %w", key, err)
			}
			if resp.StatusCode < 200 || resp.StatusCode > 299 {
				_ = resp.Body.Close()
				return fmt.Errorf("assets: precache %s: status %d", key, resp.StatusCode)
			}
			rec, err := store.FromResponse(resp)
			if err != nil {
				return fmt.Errorf("assets: precache %s: %w", key, err)
			}
			records[i] = rec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	cache, err := m.store.Open(ctx, generation)
	if err != nil {
		return fmt.Errorf("assets: precache open %s: %w", generation, err)
	}
	for i, key := range keys {
		if err := cache.Put(ctx, key, records[i]); err != nil {
			return fmt.Errorf("assets: precache put %s: %w", key, err)
		}
	}
	m.logger.InfoContext(ctx, "precached application shell", slog.String("generation", generation), slog.Int("assets", len(keys)))
	return nil
}
