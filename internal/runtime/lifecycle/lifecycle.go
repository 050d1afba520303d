package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/l0p7/swgate/internal/config"
	"github.com/l0p7/swgate/internal/logging"
	"github.com/l0p7/swgate/internal/metrics"
	"github.com/l0p7/swgate/internal/runtime/event"
	"github.com/l0p7/swgate/internal/store"
)

type State string

const (
	StateInstalling State = "installing"
	StateInstalled  State = "installed"
	StateActivating State = "activating"
	StateActivated  State = "activated"
	StateRedundant  State = "redundant"
)

const MessageSkipWaiting = "SKIP_WAITING"

// ErrNoWaitingVersion is returned by SkipWaiting when nothing is installing
// or waiting.
var ErrNoWaitingVersion = errors.New("lifecycle: no waiting version")

type Dispatcher interface {
	Dispatch(ctx context.Context, ev event.Event) error
}

type Precacher interface {
	Precache(ctx context.Context, generation string, assets []string) error
}

// Clients is the registry the controller notifies and claims.
type Clients interface {
	Claim(version string) (int, error)
	Broadcast(msg any) (int, error)
}

type Options struct {
	Store      store.Store
	Dispatcher Dispatcher
	Precacher  Precacher
	Clients    Clients
	// OnActivate points request handling at the activating manifest.
	OnActivate func(config.Manifest) error
	Logger     *slog.Logger
	Metrics    *metrics.Recorder
}

type version struct {
	id          string
	manifest    config.Manifest
	state       State
	skipWaiting bool
}

// VersionInfo describes one worker version.
type VersionInfo struct {
	ID          string `json:"id"`
	State       State  `json:"state"`
	Manifest    string `json:"manifest"`
	StaticCache string `json:"staticCache"`
	APICache    string `json:"apiCache"`
}

// Snapshot is the lifecycle state exposed on the control surface.
type Snapshot struct {
	Active      *VersionInfo `json:"active,omitempty"`
	Waiting     *VersionInfo `json:"waiting,omitempty"`
	Installing  *VersionInfo `json:"installing,omitempty"`
	Controlling bool         `json:"controlling"`
}

// Controller drives worker versions through install and activation. Updates
// are serialized; a new manifest replaces whatever is waiting.
type Controller struct {
	store      store.Store
	dispatcher Dispatcher
	precacher  Precacher
	clients    Clients
	onActivate func(config.Manifest) error
	logger     *slog.Logger
	metrics    *metrics.Recorder

	updateMu sync.Mutex

	mu          sync.Mutex
	installing  *version
	waiting     *version
	active      *version
	versions    map[string]*version
	controlling bool
}

func New(opts Options) (*Controller, error) {
	if opts.Store == nil {
		return nil, errors.New("lifecycle: store required")
	}
	if opts.Dispatcher == nil {
		return nil, errors.New("lifecycle: dispatcher required")
	}
	if opts.Precacher == nil {
		return nil, errors.New("lifecycle: precacher required")
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	return &Controller{
		store:      opts.Store,
		dispatcher: opts.Dispatcher,
		precacher:  opts.Precacher,
		clients:    opts.Clients,
		onActivate: opts.OnActivate,
		logger:     opts.Logger.With(slog.String("agent", "lifecycle")),
		metrics:    opts.Metrics,
		versions:   make(map[string]*version),
	}, nil
}

// Register installs the install, activate and message handlers on t.
func (c *Controller) Register(t *event.Table) {
	t.Handle(event.KindInstall, c.onInstall)
	t.Handle(event.KindActivate, c.onActivate)
	t.Handle(event.KindMessage, c.onMessage)
}

// Update registers m as a new worker version unless it matches the active
// one, runs its install, and activates it once skip waiting was requested.
func (c *Controller) Update(ctx context.Context, m config.Manifest) (string, error) {
	if err := m.Validate(); err != nil {
		return "", err
	}
	c.updateMu.Lock()
	defer c.updateMu.Unlock()

	c.mu.Lock()
	if c.active != nil && c.active.manifest.Equal(m) {
		id := c.active.id
		c.mu.Unlock()
		return id, nil
	}
	v := &version{id: uuid.NewString(), manifest: m}
	c.versions[v.id] = v
	c.installing = v
	c.mu.Unlock()

	c.transition(ctx, v, StateInstalling)
	c.broadcast(ctx, map[string]string{"type": "UPDATE_FOUND", "version": v.id})

	if err := c.dispatcher.Dispatch(ctx, event.InstallEvent{Version: v.id}); err != nil {
		c.mu.Lock()
		c.installing = nil
		c.mu.Unlock()
		c.transition(ctx, v, StateRedundant)
		return "", fmt.Errorf("lifecycle: install %s: %w", v.id, err)
	}

	c.mu.Lock()
	c.installing = nil
	replaced := c.waiting
	c.waiting = v
	skip := v.skipWaiting
	c.mu.Unlock()
	if replaced != nil {
		c.transition(ctx, replaced, StateRedundant)
	}
	c.transition(ctx, v, StateInstalled)

	if skip {
		c.activate(ctx, v)
	}
	return v.id, nil
}

// SkipWaiting activates the waiting version now. Called while a version is
// installing it marks that version to activate as soon as install finishes.
func (c *Controller) SkipWaiting(ctx context.Context) error {
	c.mu.Lock()
	if c.installing != nil {
		c.installing.skipWaiting = true
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	c.updateMu.Lock()
	defer c.updateMu.Unlock()
	c.mu.Lock()
	v := c.waiting
	c.mu.Unlock()
	if v == nil {
		return ErrNoWaitingVersion
	}
	c.activate(ctx, v)
	return nil
}

// activate runs with updateMu held. Failures inside the activate event are
// logged and never block activation.
func (c *Controller) activate(ctx context.Context, v *version) {
	c.mu.Lock()
	previous := c.active
	if c.waiting == v {
		c.waiting = nil
	}
	c.mu.Unlock()

	c.transition(ctx, v, StateActivating)
	if previous != nil {
		c.transition(ctx, previous, StateRedundant)
	}
	if c.onActivate != nil {
		if err := c.onActivate(v.manifest); err != nil {
			c.logger.ErrorContext(ctx, "apply manifest failed", slog.String("version", v.id), slog.String("error", err.Error()))
		}
	}
	if err := c.dispatcher.Dispatch(ctx, event.ActivateEvent{Version: v.id}); err != nil {
		c.logger.ErrorContext(ctx, "activate handlers failed", slog.String("version", v.id), slog.String("error", err.Error()))
	}

	c.mu.Lock()
	c.active = v
	if previous != nil {
		delete(c.versions, previous.id)
	}
	c.mu.Unlock()
	c.transition(ctx, v, StateActivated)
}

func (c *Controller) onInstall(ctx context.Context, ev event.Event, ext *event.Extendable) {
	install, ok := ev.(event.InstallEvent)
	if !ok {
		return
	}
	v := c.lookup(install.Version)
	if v == nil {
		return
	}
	ext.WaitUntil(func(ctx context.Context) error {
		m := v.manifest
		if err := c.precacher.Precache(ctx, m.Generations.Static, m.Assets); err != nil {
			c.logger.WarnContext(ctx, "precache failed", slog.String("version", v.id), slog.String("error", err.Error()))
		}
		return nil
	})
	if err := c.SkipWaiting(ctx); err != nil {
		c.logger.WarnContext(ctx, "skip waiting failed", slog.String("error", err.Error()))
	}
}

func (c *Controller) onActivate(ctx context.Context, ev event.Event, ext *event.Extendable) {
	activate, ok := ev.(event.ActivateEvent)
	if !ok {
		return
	}
	v := c.lookup(activate.Version)
	if v == nil {
		return
	}
	ext.WaitUntil(func(ctx context.Context) error {
		c.deleteStaleGenerations(ctx, v.manifest)
		c.claim(ctx, v.id)
		return nil
	})
}

func (c *Controller) deleteStaleGenerations(ctx context.Context, m config.Manifest) {
	names, err := c.store.Keys(ctx)
	if err != nil {
		c.logger.ErrorContext(ctx, "list generations failed", slog.String("error", err.Error()))
		return
	}
	for _, name := range names {
		if m.Current(name) {
			continue
		}
		_, err := c.store.Delete(ctx, name)
		c.metrics.ObserveCacheDelete(name, err)
		if err != nil {
			c.logger.ErrorContext(ctx, "delete generation failed", slog.String("generation", name), slog.String("error", err.Error()))
			continue
		}
		c.logger.InfoContext(ctx, "deleted old generation", slog.String("generation", name))
	}
}

func (c *Controller) claim(ctx context.Context, id string) {
	if c.clients != nil {
		n, err := c.clients.Claim(id)
		if err != nil {
			c.logger.WarnContext(ctx, "claim failed", slog.String("version", id), slog.String("error", err.Error()))
		} else {
			c.logger.InfoContext(ctx, "claimed clients", slog.String("version", id), slog.Int("clients", n))
		}
	}
	c.mu.Lock()
	c.controlling = true
	c.mu.Unlock()
}

func (c *Controller) onMessage(ctx context.Context, ev event.Event, _ *event.Extendable) {
	msg, ok := ev.(event.MessageEvent)
	if !ok || msg.Type != MessageSkipWaiting {
		return
	}
	if err := c.SkipWaiting(ctx); err != nil {
		c.logger.DebugContext(ctx, "skip waiting ignored", slog.String("error", err.Error()))
	}
}

func (c *Controller) lookup(id string) *version {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.versions[id]
}

func (c *Controller) transition(ctx context.Context, v *version, state State) {
	c.mu.Lock()
	v.state = state
	if state == StateRedundant {
		delete(c.versions, v.id)
	}
	c.mu.Unlock()
	c.metrics.ObserveLifecycle(string(state))
	c.logger.InfoContext(ctx, "worker state changed", slog.String("version", v.id), slog.String("state", string(state)))
}

func (c *Controller) broadcast(ctx context.Context, msg any) {
	if c.clients == nil {
		return
	}
	if _, err := c.clients.Broadcast(msg); err != nil {
		c.logger.WarnContext(ctx, "client broadcast failed", slog.String("error", err.Error()))
	}
}

// Active returns the manifest of the active version.
func (c *Controller) Active() (config.Manifest, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil {
		return config.Manifest{}, false
	}
	return c.active.manifest, true
}

func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		Active:      info(c.active),
		Waiting:     info(c.waiting),
		Installing:  info(c.installing),
		Controlling: c.controlling,
	}
}

func info(v *version) *VersionInfo {
	if v == nil {
		return nil
	}
	return &VersionInfo{
		ID:          v.id,
		State:       v.state,
		Manifest:    v.manifest.Version,
		StaticCache: v.manifest.Generations.Static,
		APICache:    v.manifest.Generations.API,
	}
}
