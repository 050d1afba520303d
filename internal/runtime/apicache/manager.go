package apicache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/l0p7/swgate/internal/logging"
	"github.com/l0p7/swgate/internal/metrics"
	"github.com/l0p7/swgate/internal/runtime/offline"
	"github.com/l0p7/swgate/internal/store"
)

const (
	HeaderCache    = "X-SW-Cache"
	HeaderCacheAge = "X-SW-Cache-Age"

	DefaultFresh           = 10 * time.Minute
	DefaultToleranceFactor = 3
)

// Source names the tier that answered a request.
type Source string

const (
	SourceNetwork Source = "network"
	SourceCache   Source = "cache"
	SourceOffline Source = "offline"
)

// Fetcher performs the network attempt. *http.Client satisfies it.
type Fetcher interface {
	Do(*http.Request) (*http.Response, error)
}

type Options struct {
	Store      store.Store
	Generation string
	Fetcher    Fetcher
	// Fresh is the base unit of the offline tolerance window.
	Fresh           time.Duration
	ToleranceFactor int
	Now             func() time.Time
	Logger          *slog.Logger
	Metrics         *metrics.Recorder
}

// Manager answers API requests network-first, falling back to entries younger
// than Fresh*ToleranceFactor, then to the synthesized offline document.
type Manager struct {
	store      store.Store
	generation atomic.Value
	fetcher    Fetcher
	tolerance  time.Duration
	now        func() time.Time
	logger     *slog.Logger
	metrics    *metrics.Recorder
	codec      codec

	writeFailures rate.Sometimes
}

func New(opts Options) (*Manager, error) {
	if opts.Store == nil {
		return nil, errors.New("apicache: store required")
	}
	if opts.Generation == "" {
		return nil, errors.New("apicache: generation required")
	}
	if opts.Fetcher == nil {
		opts.Fetcher = http.DefaultClient
	}
	if opts.Fresh <= 0 {
		opts.Fresh = DefaultFresh
	}
	if opts.ToleranceFactor <= 0 {
		opts.ToleranceFactor = DefaultToleranceFactor
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	m := &Manager{
		store:         opts.Store,
		fetcher:       opts.Fetcher,
		tolerance:     opts.Fresh * time.Duration(opts.ToleranceFactor),
		now:           opts.Now,
		logger:        opts.Logger.With(slog.String("agent", "api_cache")),
		metrics:       opts.Metrics,
		codec:         newCodec(),
		writeFailures: rate.Sometimes{Interval: time.Minute},
	}
	m.generation.Store(opts.Generation)
	return m, nil
}

// Tolerance is the maximum entry age still served when the network fails.
func (m *Manager) Tolerance() time.Duration { return m.tolerance }

func (m *Manager) Generation() string { return m.generation.Load().(string) }

// SetGeneration switches the API cache generation, used when a new worker version activates.
func (m *Manager) SetGeneration(name string) {
	if name != "" {
		m.generation.Store(name)
	}
}

// Handle runs the network-first sequence for req. It never fails: network
// errors and non-2xx statuses fall back to the cache and then to the offline
// document.
func (m *Manager) Handle(ctx context.Context, req *http.Request) (*http.Response, Source) {
	// Only GET requests have a cache identity; other methods still get the
	// network attempt and the offline document.
	key, keyErr := store.RequestKey(req)

	out := req.Clone(ctx)
	out.RequestURI = ""
	resp, err := m.fetcher.Do(out)
	if err == nil {
		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if keyErr != nil {
				return resp, SourceNetwork
			}
			err = m.capture(ctx, key, resp)
			if err == nil {
				return resp, SourceNetwork
			}
		} else {
			err = fmt.Errorf("network response not ok: %d", resp.StatusCode)
			drain(resp)
		}
	}
	m.logger.DebugContext(ctx, "network failed, trying cache", slog.String("url", req.URL.String()), slog.String("error", err.Error()))

	if keyErr != nil {
		return offline.Response(req, m.now()), SourceOffline
	}
	if cached, ok := m.lookup(ctx, key); ok {
		cached.Request = req
		return cached, SourceCache
	}
	return offline.Response(req, m.now()), SourceOffline
}

// capture buffers resp's body, persists the entry, and rewinds the body for
// the caller. Only a body read failure is reported; store failures are logged.
func (m *Manager) capture(ctx context.Context, key string, resp *http.Response) error {
	var body []byte
	if resp.Body != nil {
		b, err := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if err != nil {
			return fmt.Errorf("read body: %w", err)
		}
		body = b
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))

	entry := newEntry(resp.StatusCode, store.StatusText(resp), resp.Header, body, m.now())
	start := time.Now()
	err := m.put(ctx, key, entry)
	if err != nil {
		m.metrics.ObserveCacheStore(m.Generation(), metrics.CacheStoreError, time.Since(start))
		m.writeFailures.Do(func() {
			m.logger.WarnContext(ctx, "api cache write failed", slog.String("url", key), slog.String("error", err.Error()))
		})
		return nil
	}
	m.metrics.ObserveCacheStore(m.Generation(), metrics.CacheStoreStored, time.Since(start))
	m.logger.DebugContext(ctx, "cached api response", slog.String("url", key))
	return nil
}

func (m *Manager) put(ctx context.Context, key string, entry Entry) error {
	payload, err := m.codec.encode(entry)
	if err != nil {
		return err
	}
	cache, err := m.store.Open(ctx, m.Generation())
	if err != nil {
		return err
	}
	rec := store.Record{
		Status:     http.StatusOK,
		StatusText: http.StatusText(http.StatusOK),
		Headers:    []store.HeaderPair{{"content-type", "application/json"}},
		Body:       payload,
	}
	return cache.Put(ctx, key, rec)
}

// Lookup returns the decoded entry for key regardless of age.
func (m *Manager) Lookup(ctx context.Context, key string) (Entry, bool, error) {
	cache, err := m.store.Open(ctx, m.Generation())
	if err != nil {
		return Entry{}, false, err
	}
	rec, ok, err := cache.Match(ctx, key)
	if err != nil || !ok {
		return Entry{}, false, err
	}
	entry, err := m.codec.decode(rec.Body)
	if err != nil {
		return Entry{}, false, err
	}
	return entry, true, nil
}

func (m *Manager) lookup(ctx context.Context, key string) (*http.Response, bool) {
	start := time.Now()
	generation := m.Generation()
	entry, ok, err := m.Lookup(ctx, key)
	switch {
	case err != nil:
		// Unreadable or mismatched entries count as absent.
		outcome := metrics.CacheLookupError
		if errors.Is(err, ErrInvalidEntry) {
			outcome = metrics.CacheLookupInvalid
		}
		m.metrics.ObserveCacheLookup(generation, outcome, time.Since(start))
		m.logger.WarnContext(ctx, "api cache entry unusable", slog.String("url", key), slog.String("error", err.Error()))
		return nil, false
	case !ok:
		m.metrics.ObserveCacheLookup(generation, metrics.CacheLookupMiss, time.Since(start))
		return nil, false
	}

	age := entry.Age(m.now())
	if age >= m.tolerance {
		m.metrics.ObserveCacheLookup(generation, metrics.CacheLookupStale, time.Since(start))
		m.logger.DebugContext(ctx, "api cache entry too old", slog.String("url", key), slog.Duration("age", age))
		return nil, false
	}
	m.metrics.ObserveCacheLookup(generation, metrics.CacheLookupHit, time.Since(start))
	m.logger.InfoContext(ctx, "serving cached api response", slog.String("url", key), slog.Duration("age", age))
	return cachedResponse(entry, age), true
}

func cachedResponse(entry Entry, age time.Duration) *http.Response {
	header := store.Header(entry.Headers)
	header.Set(HeaderCache, "true")
	header.Set(HeaderCacheAge, FormatAge(age))
	body := entry.Response
	return &http.Response{
		Status:        store.FormatStatus(entry.Status, entry.StatusText),
		StatusCode:    entry.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
	}
}

// FormatAge renders an entry age in whole seconds, rounded half away from zero ("300s").
func FormatAge(age time.Duration) string {
	secs := math.Round(float64(age.Milliseconds()) / 1000)
	return strconv.FormatInt(int64(secs), 10) + "s"
}

func drain(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
}
