package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/l0p7/swgate/internal/config"
	"github.com/l0p7/swgate/internal/metrics"
	"github.com/l0p7/swgate/internal/runtime/event"
	"github.com/l0p7/swgate/internal/store"
)

type precacheCall struct {
	generation string
	assets     []string
}

type fakePrecacher struct {
	mu    sync.Mutex
	calls []precacheCall
	err   error
}

func (f *fakePrecacher) Precache(_ context.Context, generation string, assets []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, precacheCall{generation: generation, assets: assets})
	return f.err
}

type fakeClients struct {
	mu       sync.Mutex
	claimed  []string
	messages []map[string]string
	claimErr error
}

func (f *fakeClients) Claim(version string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.claimErr != nil {
		return 0, f.claimErr
	}
	f.claimed = append(f.claimed, version)
	return 1, nil
}

func (f *fakeClients) Broadcast(msg any) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, msg.(map[string]string))
	return 1, nil
}

type failingDeleteStore struct {
	store.Store
}

func (failingDeleteStore) Delete(context.Context, string) (bool, error) {
	return false, errors.New("disk full")
}

type harness struct {
	controller *Controller
	table      *event.Table
	store      store.Store
	precacher  *fakePrecacher
	clients    *fakeClients
	applied    []config.Manifest
}

func newHarness(t *testing.T, s store.Store, generations ...string) *harness {
	t.Helper()
	ctx := context.Background()
	for _, name := range generations {
		cache, err := s.Open(ctx, name)
		require.NoError(t, err)
		require.NoError(t, cache.Put(ctx, "http://localhost:5173/", store.Record{Status: 200, Body: []byte(name)}))
	}
	h := &harness{
		table:     event.NewTable(),
		store:     s,
		precacher: &fakePrecacher{},
		clients:   &fakeClients{},
	}
	c, err := New(Options{
		Store:      s,
		Dispatcher: h.table,
		Precacher:  h.precacher,
		Clients:    h.clients,
		OnActivate: func(m config.Manifest) error {
			h.applied = append(h.applied, m)
			return nil
		},
		Metrics: metrics.NewRecorder(nil),
	})
	require.NoError(t, err)
	c.Register(h.table)
	h.controller = c
	return h
}

func manifest(version, static, api string) config.Manifest {
	m := config.DefaultManifest()
	m.Version = version
	m.Generations = config.Generations{Static: static, API: api}
	return m
}

func TestInstallThenActivateDeletesOldGenerations(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, store.NewMemory(), "meghbarta-v0", "weather-api-v1", "weather-api-v0", "meghbarta-v1", "scratch")

	id, err := h.controller.Update(ctx, config.DefaultManifest())
	require.NoError(t, err)
	require.NotEmpty(t, id)

	keys, err := h.store.Keys(ctx)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"weather-api-v1", "meghbarta-v1"}, keys)

	survivor, err := h.store.Open(ctx, "weather-api-v1")
	require.NoError(t, err)
	rec, ok, err := survivor.Match(ctx, "http://localhost:5173/")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "weather-api-v1", string(rec.Body))

	require.Equal(t, []precacheCall{{generation: "meghbarta-v1", assets: config.DefaultManifest().Assets}}, h.precacher.calls)
	require.Equal(t, []string{id}, h.clients.claimed)
	require.Equal(t, []map[string]string{{"type": "UPDATE_FOUND", "version": id}}, h.clients.messages)
	require.Len(t, h.applied, 1)

	snap := h.controller.Snapshot()
	require.NotNil(t, snap.Active)
	require.Equal(t, id, snap.Active.ID)
	require.Equal(t, StateActivated, snap.Active.State)
	require.Nil(t, snap.Waiting)
	require.Nil(t, snap.Installing)
	require.True(t, snap.Controlling)

	active, ok := h.controller.Active()
	require.True(t, ok)
	require.True(t, active.Equal(config.DefaultManifest()))
}

func TestUpdateWithSameManifestIsNoop(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, store.NewMemory())
	first, err := h.controller.Update(ctx, config.DefaultManifest())
	require.NoError(t, err)
	second, err := h.controller.Update(ctx, config.DefaultManifest())
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.Len(t, h.precacher.calls, 1)
}

func TestNewVersionReplacesActive(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, store.NewMemory())
	first, err := h.controller.Update(ctx, config.DefaultManifest())
	require.NoError(t, err)
	_, err = h.store.Open(ctx, "meghbarta-v1")
	require.NoError(t, err)

	second, err := h.controller.Update(ctx, manifest("v2", "meghbarta-v2", "weather-api-v1"))
	require.NoError(t, err)
	require.NotEqual(t, first, second)

	has, err := h.store.Has(ctx, "meghbarta-v1")
	require.NoError(t, err)
	require.False(t, has)
	require.Equal(t, second, h.controller.Snapshot().Active.ID)
	require.Equal(t, []string{first, second}, h.clients.claimed)
	require.Equal(t, "meghbarta-v2", h.applied[1].Generations.Static)
}

func TestPrecacheFailureDoesNotAbortInstall(t *testing.T) {
	h := newHarness(t, store.NewMemory())
	h.precacher.err = errors.New("assets: precache /src/App.jsx: status 404")

	_, err := h.controller.Update(context.Background(), config.DefaultManifest())
	require.NoError(t, err)
	require.Equal(t, StateActivated, h.controller.Snapshot().Active.State)
}

func TestCleanupAndClaimFailuresDoNotBlockActivation(t *testing.T) {
	h := newHarness(t, failingDeleteStore{Store: store.NewMemory()}, "meghbarta-v0")
	h.clients.claimErr = errors.New("hub closed")

	_, err := h.controller.Update(context.Background(), config.DefaultManifest())
	require.NoError(t, err)
	snap := h.controller.Snapshot()
	require.Equal(t, StateActivated, snap.Active.State)
	require.True(t, snap.Controlling)
}

func TestVersionWaitsUntilSkipWaitingMessage(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, store.NewMemory())
	h.table.Handle(event.KindInstall, func(context.Context, event.Event, *event.Extendable) {})

	id, err := h.controller.Update(ctx, config.DefaultManifest())
	require.NoError(t, err)
	snap := h.controller.Snapshot()
	require.Nil(t, snap.Active)
	require.Equal(t, id, snap.Waiting.ID)
	require.Equal(t, StateInstalled, snap.Waiting.State)
	require.False(t, snap.Controlling)

	data, err := json.Marshal(map[string]string{"type": MessageSkipWaiting})
	require.NoError(t, err)
	require.NoError(t, h.table.Dispatch(ctx, event.MessageEvent{Type: MessageSkipWaiting, Data: data}))

	snap = h.controller.Snapshot()
	require.Equal(t, id, snap.Active.ID)
	require.Nil(t, snap.Waiting)
	require.ErrorIs(t, h.controller.SkipWaiting(ctx), ErrNoWaitingVersion)
}

func TestUpdateRejectsInvalidManifest(t *testing.T) {
	h := newHarness(t, store.NewMemory())
	_, err := h.controller.Update(context.Background(), manifest("v2", "same", "same"))
	require.Error(t, err)
	require.Nil(t, h.controller.Snapshot().Installing)
}

func TestNewValidatesOptions(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
	_, err = New(Options{Store: store.NewMemory()})
	require.Error(t, err)
	_, err = New(Options{Store: store.NewMemory(), Dispatcher: event.NewTable()})
	require.Error(t, err)
}
