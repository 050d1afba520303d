package apicache

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/require"

	"github.com/l0p7/swgate/internal/metrics"
	"github.com/l0p7/swgate/internal/store"
)

const bengaluruURL = "https://api.weatherapi.com/v1/forecast.json?q=Bengaluru"

type fixture struct {
	manager   *Manager
	transport *httpmock.MockTransport
	store     store.Store
	recorder  *metrics.Recorder
	now       time.Time
}

func newFixture(t *testing.T, factor int) *fixture {
	t.Helper()
	f := &fixture{
		transport: httpmock.NewMockTransport(),
		store:     store.NewMemory(),
		recorder:  metrics.NewRecorder(nil),
		now:       time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	m, err := New(Options{
		Store:           f.store,
		Generation:      "weather-api-v1",
		Fetcher:         &http.Client{Transport: f.transport},
		Fresh:           10 * time.Minute,
		ToleranceFactor: factor,
		Now:             func() time.Time { return f.now },
		Metrics:         f.recorder,
	})
	require.NoError(t, err)
	f.manager = m
	return f
}

func (f *fixture) seed(t *testing.T, url string, age time.Duration, status int, body string) {
	t.Helper()
	header := http.Header{}
	header.Set("Content-Type", "application/json")
	entry := newEntry(status, http.StatusText(status), header, []byte(body), f.now.Add(-age))
	require.NoError(t, f.manager.put(context.Background(), url, entry))
}

func (f *fixture) networkDown() {
	f.transport.RegisterNoResponder(httpmock.NewErrorResponder(errors.New("dial tcp: network is unreachable")))
}

func get(url string) *http.Request {
	return httptest.NewRequest(http.MethodGet, url, http.NoBody)
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(b)
}

func TestNetworkSuccessIsReturnedAndCached(t *testing.T) {
	f := newFixture(t, 3)
	f.transport.RegisterResponder(http.MethodGet, bengaluruURL, func(req *http.Request) (*http.Response, error) {
		resp := httpmock.NewStringResponse(http.StatusOK, `{"current":{"temp_c":31}}`)
		resp.Header.Set("Content-Type", "application/json")
		resp.Header.Set("Cache-Control", "max-age=60")
		return resp, nil
	})

	resp, source := f.manager.Handle(context.Background(), get(bengaluruURL))
	require.Equal(t, SourceNetwork, source)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Empty(t, resp.Header.Get(HeaderCache))
	require.Equal(t, `{"current":{"temp_c":31}}`, readBody(t, resp))

	entry, ok, err := f.manager.Lookup(context.Background(), bengaluruURL)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, `{"current":{"temp_c":31}}`, string(entry.Response))
	require.Equal(t, f.now.UnixMilli(), entry.Timestamp)
	require.Equal(t, http.StatusOK, entry.Status)
	require.Equal(t, "OK", entry.StatusText)
	require.Contains(t, entry.Headers, store.HeaderPair{"cache-control", "max-age=60"})
}

func TestRepeatedFetchOverwritesEntry(t *testing.T) {
	f := newFixture(t, 3)
	calls := 0
	f.transport.RegisterResponder(http.MethodGet, bengaluruURL, func(req *http.Request) (*http.Response, error) {
		calls++
		if calls == 1 {
			return httpmock.NewStringResponse(http.StatusOK, `{"v":1}`), nil
		}
		return httpmock.NewStringResponse(http.StatusOK, `{"v":2}`), nil
	})

	for i := 0; i < 2; i++ {
		resp, _ := f.manager.Handle(context.Background(), get(bengaluruURL))
		_ = readBody(t, resp)
		f.now = f.now.Add(time.Minute)
	}

	cache, err := f.store.Open(context.Background(), "weather-api-v1")
	require.NoError(t, err)
	keys, err := cache.Keys(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{bengaluruURL}, keys)

	entry, ok, err := f.manager.Lookup(context.Background(), bengaluruURL)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, `{"v":2}`, string(entry.Response))
}

func TestFallbackTiers(t *testing.T) {
	tests := []struct {
		name       string
		seedAge    time.Duration
		seed       bool
		wantSource Source
		wantAge    string
	}{
		{name: "fresh entry", seed: true, seedAge: 5 * time.Minute, wantSource: SourceCache, wantAge: "300s"},
		{name: "stale but tolerable entry", seed: true, seedAge: 20 * time.Minute, wantSource: SourceCache, wantAge: "1200s"},
		{name: "entry at the tolerance edge", seed: true, seedAge: 30 * time.Minute, wantSource: SourceOffline},
		{name: "entry beyond tolerance", seed: true, seedAge: 31 * time.Minute, wantSource: SourceOffline},
		{name: "no entry", wantSource: SourceOffline},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, 3)
			f.networkDown()
			if tc.seed {
				f.seed(t, bengaluruURL, tc.seedAge, http.StatusOK, `{"current":{"temp_c":30}}`)
			}

			resp, source := f.manager.Handle(context.Background(), get(bengaluruURL))
			require.Equal(t, tc.wantSource, source)
			require.Equal(t, http.StatusOK, resp.StatusCode)

			if tc.wantSource == SourceCache {
				require.Equal(t, "true", resp.Header.Get(HeaderCache))
				require.Equal(t, tc.wantAge, resp.Header.Get(HeaderCacheAge))
				require.Equal(t, "application/json", resp.Header.Get("Content-Type"))
				require.Equal(t, `{"current":{"temp_c":30}}`, readBody(t, resp))
				return
			}
			require.Equal(t, "true", resp.Header.Get("X-SW-Offline"))
			require.Empty(t, resp.Header.Get(HeaderCache))
			var doc struct {
				Location struct {
					Name string `json:"name"`
				} `json:"location"`
				Forecast struct {
					ForecastDay []struct {
						Hour []json.RawMessage `json:"hour"`
					} `json:"forecastday"`
				} `json:"forecast"`
			}
			require.NoError(t, json.Unmarshal([]byte(readBody(t, resp)), &doc))
			require.Equal(t, "Offline Mode", doc.Location.Name)
			require.Len(t, doc.Forecast.ForecastDay[0].Hour, 24)
		})
	}
}

func TestNonSuccessStatusFallsBackLikeNetworkError(t *testing.T) {
	f := newFixture(t, 3)
	f.seed(t, bengaluruURL, 2*time.Minute, http.StatusOK, `{"cached":true}`)
	f.transport.RegisterResponder(http.MethodGet, bengaluruURL, httpmock.NewStringResponder(http.StatusBadGateway, "upstream down"))

	resp, source := f.manager.Handle(context.Background(), get(bengaluruURL))
	require.Equal(t, SourceCache, source)
	require.Equal(t, `{"cached":true}`, readBody(t, resp))
	require.Equal(t, "120s", resp.Header.Get(HeaderCacheAge))

	entry, ok, err := f.manager.Lookup(context.Background(), bengaluruURL)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, `{"cached":true}`, string(entry.Response), "a failed response must not replace the entry")
}

func TestCachedResponseKeepsStoredStatus(t *testing.T) {
	f := newFixture(t, 3)
	f.networkDown()
	f.seed(t, bengaluruURL, time.Minute, http.StatusNonAuthoritativeInfo, `{}`)

	resp, source := f.manager.Handle(context.Background(), get(bengaluruURL))
	require.Equal(t, SourceCache, source)
	require.Equal(t, http.StatusNonAuthoritativeInfo, resp.StatusCode)
	require.Equal(t, "203 Non-Authoritative Information", resp.Status)
}

func TestToleranceFactorIsTunable(t *testing.T) {
	f := newFixture(t, 1)
	require.Equal(t, 10*time.Minute, f.manager.Tolerance())
	f.networkDown()
	f.seed(t, bengaluruURL, 15*time.Minute, http.StatusOK, `{}`)

	_, source := f.manager.Handle(context.Background(), get(bengaluruURL))
	require.Equal(t, SourceOffline, source)
}

func TestSchemaMismatchIsTreatedAsMiss(t *testing.T) {
	payloads := map[string]string{
		"not json":         "<html>",
		"missing response": `{"headers":[],"status":200,"statusText":"OK","timestamp":1}`,
		"bad status":       `{"response":"e30=","status":0,"timestamp":1}`,
		"missing stamp":    `{"response":"e30=","status":200}`,
	}
	for name, payload := range payloads {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, 3)
			f.networkDown()
			cache, err := f.store.Open(context.Background(), "weather-api-v1")
			require.NoError(t, err)
			require.NoError(t, cache.Put(context.Background(), bengaluruURL, store.Record{Status: 200, Body: []byte(payload)}))

			_, _, err = f.manager.Lookup(context.Background(), bengaluruURL)
			require.ErrorIs(t, err, ErrInvalidEntry)

			resp, source := f.manager.Handle(context.Background(), get(bengaluruURL))
			require.Equal(t, SourceOffline, source)
			require.Equal(t, "true", resp.Header.Get("X-SW-Offline"))
		})
	}
}

type brokenStore struct{ store.Store }

func (brokenStore) Open(context.Context, string) (store.Cache, error) {
	return nil, errors.New("disk full")
}

func TestCacheWriteFailureStillReturnsNetworkResponse(t *testing.T) {
	transport := httpmock.NewMockTransport()
	transport.RegisterResponder(http.MethodGet, bengaluruURL, httpmock.NewStringResponder(http.StatusOK, `{"live":true}`))
	m, err := New(Options{
		Store:      brokenStore{store.NewMemory()},
		Generation: "weather-api-v1",
		Fetcher:    &http.Client{Transport: transport},
	})
	require.NoError(t, err)

	resp, source := m.Handle(context.Background(), get(bengaluruURL))
	require.Equal(t, SourceNetwork, source)
	require.Equal(t, `{"live":true}`, readBody(t, resp))
}

func TestSetGeneration(t *testing.T) {
	f := newFixture(t, 3)
	f.seed(t, bengaluruURL, time.Minute, http.StatusOK, `{}`)
	f.manager.SetGeneration("weather-api-v2")
	f.manager.SetGeneration("")
	require.Equal(t, "weather-api-v2", f.manager.Generation())

	_, ok, err := f.manager.Lookup(context.Background(), bengaluruURL)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestNewValidatesOptions(t *testing.T) {
	_, err := New(Options{Generation: "g"})
	require.Error(t, err)
	_, err = New(Options{Store: store.NewMemory()})
	require.Error(t, err)

	m, err := New(Options{Store: store.NewMemory(), Generation: "g"})
	require.NoError(t, err)
	require.Equal(t, 30*time.Minute, m.Tolerance())
}

func TestFormatAge(t *testing.T) {
	require.Equal(t, "300s", FormatAge(5*time.Minute))
	require.Equal(t, "1s", FormatAge(1499*time.Millisecond))
	require.Equal(t, "2s", FormatAge(1500*time.Millisecond))
	require.Equal(t, "0s", FormatAge(0))
}

func TestNonGETIsForwardedButNeverCached(t *testing.T) {
	f := newFixture(t, 3)
	f.transport.RegisterResponder(http.MethodPost, bengaluruURL, httpmock.NewStringResponder(http.StatusCreated, `{"ok":true}`))

	resp, source := f.manager.Handle(context.Background(), httptest.NewRequest(http.MethodPost, bengaluruURL, http.NoBody))
	require.Equal(t, SourceNetwork, source)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	_, ok, err := f.manager.Lookup(context.Background(), bengaluruURL)
	require.NoError(t, err)
	require.False(t, ok)

	f.transport.Reset()
	f.networkDown()
	resp, source = f.manager.Handle(context.Background(), httptest.NewRequest(http.MethodPost, bengaluruURL, http.NoBody))
	require.Equal(t, SourceOffline, source)
	require.Equal(t, "true", resp.Header.Get("X-SW-Offline"))
}
