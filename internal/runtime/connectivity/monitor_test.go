package connectivity

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const probeURL = "https://api.weatherapi.com/"

type firer struct {
	mu    sync.Mutex
	fired []string
	fail  map[string]bool
}

func (f *firer) fire(_ context.Context, tag string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fired = append(f.fired, tag)
	if f.fail[tag] {
		return errors.New("sync failed")
	}
	return nil
}

func (f *firer) snapshot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.fired...)
}

func newMonitor(t *testing.T, transport *httpmock.MockTransport, f *firer, interval time.Duration) *Monitor {
	t.Helper()
	m, err := New(Options{
		ProbeURL: probeURL,
		Interval: interval,
		Fetcher:  &http.Client{Transport: transport},
		Fire:     f.fire,
	})
	require.NoError(t, err)
	return m
}

func TestTagsFireOnReconnect(t *testing.T) {
	transport := httpmock.NewMockTransport()
	f := &firer{fail: map[string]bool{"flaky": true}}
	m := newMonitor(t, transport, f, 0)
	ctx := context.Background()

	m.Register("weather-sync")
	m.Register("flaky")
	m.Register("weather-sync")
	require.Equal(t, []string{"weather-sync", "flaky"}, m.Tags())

	transport.RegisterNoResponder(httpmock.NewErrorResponder(errors.New("network is unreachable")))
	require.False(t, m.Probe(ctx))
	require.False(t, m.Online())
	require.Empty(t, f.snapshot())

	transport.RegisterNoResponder(httpmock.NewStringResponder(http.StatusForbidden, ""))
	require.True(t, m.Probe(ctx))
	require.True(t, m.Online())
	require.Equal(t, []string{"weather-sync", "flaky"}, f.snapshot())
	require.Equal(t, []string{"flaky"}, m.Tags())

	// Staying online does not refire.
	require.True(t, m.Probe(ctx))
	require.Len(t, f.snapshot(), 2)
}

func TestFirstObservationDoesNotFire(t *testing.T) {
	f := &firer{}
	m := newMonitor(t, httpmock.NewMockTransport(), f, 0)
	m.Register("weather-sync")
	m.Observe(context.Background(), true)
	require.Empty(t, f.snapshot())
	require.Equal(t, []string{"weather-sync"}, m.Tags())
}

func TestRunProbesUntilCancelled(t *testing.T) {
	transport := httpmock.NewMockTransport()
	transport.RegisterNoResponder(httpmock.NewErrorResponder(errors.New("offline")))
	f := &firer{}
	m := newMonitor(t, transport, f, 5*time.Millisecond)
	m.Register("weather-sync")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	require.Eventually(t, func() bool { return transport.GetTotalCallCount() >= 2 }, 2*time.Second, 5*time.Millisecond)
	transport.RegisterNoResponder(httpmock.NewStringResponder(http.StatusOK, ""))
	require.Eventually(t, func() bool { return len(f.snapshot()) == 1 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("monitor did not stop")
	}
}

func TestRunDisabledWithZeroInterval(t *testing.T) {
	m := newMonitor(t, httpmock.NewMockTransport(), &firer{}, 0)
	require.NoError(t, m.Run(context.Background()))
}

func TestNewValidatesOptions(t *testing.T) {
	_, err := New(Options{Fire: func(context.Context, string) error { return nil }})
	require.Error(t, err)
	_, err = New(Options{ProbeURL: probeURL})
	require.Error(t, err)
}
