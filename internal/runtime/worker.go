package runtime

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/l0p7/swgate/internal/config"
	"github.com/l0p7/swgate/internal/metrics"
	"github.com/l0p7/swgate/internal/runtime/apicache"
	"github.com/l0p7/swgate/internal/runtime/assets"
	"github.com/l0p7/swgate/internal/runtime/bridge"
	"github.com/l0p7/swgate/internal/runtime/clients"
	"github.com/l0p7/swgate/internal/runtime/connectivity"
	"github.com/l0p7/swgate/internal/runtime/event"
	"github.com/l0p7/swgate/internal/runtime/lifecycle"
	"github.com/l0p7/swgate/internal/runtime/notify"
	"github.com/l0p7/swgate/internal/store"
	"github.com/l0p7/swgate/internal/templates"
)

// Route is the class an intercepted request is dispatched under.
type Route string

const (
	RouteAPI         Route = "api"
	RouteStatic      Route = "static"
	RouteNavigation  Route = "navigation"
	RoutePassthrough Route = "passthrough"
)

// Classify decides which manager owns req from its host and method alone.
// API host traffic is always intercepted; other hosts only for GET.
func Classify(req *http.Request, apiHost string) Route {
	if req == nil || req.URL == nil {
		return RoutePassthrough
	}
	if apiHost != "" && strings.EqualFold(req.URL.Hostname(), apiHost) {
		return RouteAPI
	}
	if req.Method != "" && req.Method != http.MethodGet {
		return RoutePassthrough
	}
	if assets.IsNavigation(req) {
		return RouteNavigation
	}
	return RouteStatic
}

type Options struct {
	Store store.Store
	// Transport reaches the real network. It must not route back into the worker.
	Transport         http.RoundTripper
	Origin            *url.URL
	APIHost           string
	Fresh             time.Duration
	ToleranceFactor   int
	Manifest          config.Manifest
	SyncTag           string
	Icon              string
	OpenCommand       string
	Sinks             []notify.Sink
	Templates         *templates.Notification
	ProbeURL          string
	ProbeInterval     time.Duration
	ProbeTimeout      time.Duration
	CorrelationHeader string
	Now               func() time.Time
	Logger            *slog.Logger
	Metrics           *metrics.Recorder
}

// Worker is the gateway's service worker: it owns the dispatch table and
// every manager reachable from it.
type Worker struct {
	logger            *slog.Logger
	metrics           *metrics.Recorder
	store             store.Store
	client            *http.Client
	direct            *http.Client
	origin            *url.URL
	apiHost           string
	manifest          config.Manifest
	correlationHeader string

	table     *event.Table
	api       *apicache.Manager
	static    *assets.Manager
	hub       *clients.Hub
	bridge    *bridge.Bridge
	lifecycle *lifecycle.Controller
	monitor   *connectivity.Monitor

	mu         sync.Mutex
	cancel     context.CancelFunc
	background sync.WaitGroup
	closeOnce  sync.Once
}

func New(logger *slog.Logger, opts Options) (*Worker, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Store == nil {
		return nil, errors.New("runtime: store required")
	}
	if opts.Origin == nil || !opts.Origin.IsAbs() {
		return nil, errors.New("runtime: absolute origin required")
	}
	if err := opts.Manifest.Validate(); err != nil {
		return nil, err
	}
	if opts.Transport == nil {
		opts.Transport = http.DefaultTransport
	}
	if opts.SyncTag == "" {
		opts.SyncTag = "weather-sync"
	}
	if opts.ProbeURL == "" {
		opts.ProbeURL = "https://" + opts.APIHost + "/"
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = 5 * time.Second
	}

	w := &Worker{
		logger:            logger.With(slog.String("agent", "router")),
		metrics:           opts.Metrics,
		store:             opts.Store,
		client:            &http.Client{Transport: opts.Transport},
		direct:            &http.Client{Transport: opts.Transport, CheckRedirect: keepRedirect},
		origin:            opts.Origin,
		apiHost:           strings.ToLower(opts.APIHost),
		manifest:          opts.Manifest,
		correlationHeader: strings.TrimSpace(opts.CorrelationHeader),
		table:             event.NewTable(),
	}

	api, err := apicache.New(apicache.Options{
		Store:           opts.Store,
		Generation:      opts.Manifest.Generations.API,
		Fetcher:         w.client,
		Fresh:           opts.Fresh,
		ToleranceFactor: opts.ToleranceFactor,
		Now:             opts.Now,
		Logger:          logger,
		Metrics:         opts.Metrics,
	})
	if err != nil {
		return nil, err
	}
	w.api = api

	static, err := assets.New(assets.Options{
		Store:      opts.Store,
		Fetcher:    w.client,
		Navigator:  w.direct,
		Origin:     opts.Origin,
		Generation: opts.Manifest.Generations.Static,
		OfflineURL: opts.Manifest.OfflineURL,
		Logger:     logger,
		Metrics:    opts.Metrics,
	})
	if err != nil {
		return nil, err
	}
	w.static = static

	w.hub = clients.NewHub(clients.Options{
		Logger:         logger,
		Metrics:        opts.Metrics,
		OnMessage:      w.onClientMessage,
		AllowedOrigins: []string{opts.Origin.String()},
		OpenCommand:    opts.OpenCommand,
	})

	clientSink := notify.NewClientSink(w.hub)
	sinks := append(notify.Multi{clientSink}, opts.Sinks...)
	w.bridge, err = bridge.New(bridge.Options{
		Clients:   w.hub,
		Sink:      sinks,
		Closer:    clientSink,
		Templates: opts.Templates,
		Origin:    opts.Origin,
		SyncTag:   opts.SyncTag,
		Icon:      opts.Icon,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}

	w.lifecycle, err = lifecycle.New(lifecycle.Options{
		Store:      opts.Store,
		Dispatcher: w,
		Precacher:  static,
		Clients:    w.hub,
		OnActivate: w.applyManifest,
		Logger:     logger,
		Metrics:    opts.Metrics,
	})
	if err != nil {
		return nil, err
	}

	w.monitor, err = connectivity.New(connectivity.Options{
		ProbeURL: opts.ProbeURL,
		Interval: opts.ProbeInterval,
		Fetcher:  &http.Client{Transport: opts.Transport, Timeout: opts.ProbeTimeout},
		Fire:     w.fireSync,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}

	w.table.Handle(event.KindFetch, w.onFetch)
	w.lifecycle.Register(w.table)
	w.bridge.Register(w.table)
	return w, nil
}

// Start installs and activates the configured manifest and starts the
// connectivity monitor. The monitor runs until Close.
func (w *Worker) Start(ctx context.Context) error {
	if _, err := w.lifecycle.Update(ctx, w.manifest); err != nil {
		return err
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	w.mu.Lock()
	w.cancel = cancel
	w.mu.Unlock()
	w.background.Add(1)
	go func() {
		defer w.background.Done()
		if err := w.monitor.Run(runCtx); err != nil {
			w.logger.Error("connectivity monitor stopped", slog.String("error", err.Error()))
		}
	}()
	return nil
}

// Update registers m as a new worker version.
func (w *Worker) Update(ctx context.Context, m config.Manifest) (string, error) {
	return w.lifecycle.Update(ctx, m)
}

func (w *Worker) applyManifest(m config.Manifest) error {
	w.api.SetGeneration(m.Generations.API)
	return w.static.Configure(m.Generations.Static, m.OfflineURL)
}

// Fetch runs req through the fetch handler. Requests nobody claims go to the
// network untouched.
func (w *Worker) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	start := time.Now()
	fe := event.NewFetchEvent(req)
	if err := w.Dispatch(ctx, fe); err != nil {
		return nil, err
	}
	respond, route, ok := fe.Responder()
	if !ok {
		route = string(RoutePassthrough)
		respond = func(ctx context.Context) (*http.Response, error) {
			resp, err := w.network(ctx, req)
			if err == nil {
				recordSource(ctx, "network")
			}
			return resp, err
		}
	}
	holder := &fetchSource{}
	resp, err := respond(withFetchSource(ctx, holder))
	source := holder.get()
	if err != nil {
		source = string(assets.SourceUnavailable)
	}
	w.metrics.ObserveFetch(route, source, time.Since(start))
	return resp, err
}

// RoundTrip lets Go clients use the worker as their transport.
func (w *Worker) RoundTrip(req *http.Request) (*http.Response, error) {
	return w.Fetch(req.Context(), req)
}

func (w *Worker) onFetch(_ context.Context, ev event.Event, _ *event.Extendable) {
	fe, ok := ev.(*event.FetchEvent)
	if !ok {
		return
	}
	req := fe.Request
	switch route := Classify(req, w.apiHost); route {
	case RouteAPI:
		fe.RespondWith(string(route), func(ctx context.Context) (*http.Response, error) {
			resp, source := w.api.Handle(ctx, req)
			recordSource(ctx, string(source))
			return resp, nil
		})
	case RouteStatic, RouteNavigation:
		fe.RespondWith(string(route), func(ctx context.Context) (*http.Response, error) {
			resp, source, err := w.static.Handle(ctx, req)
			recordSource(ctx, string(source))
			return resp, err
		})
	}
}

// network sends req upstream as-is. Redirects come back to the caller.
func (w *Worker) network(ctx context.Context, req *http.Request) (*http.Response, error) {
	out := req.Clone(ctx)
	out.RequestURI = ""
	return w.direct.Do(out)
}

func keepRedirect(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }

func (w *Worker) onClientMessage(ctx context.Context, clientID string, data []byte) {
	msg, err := decodeMessage(data)
	if err != nil {
		w.logger.WarnContext(ctx, "client message rejected", slog.String("client", clientID), slog.String("error", err.Error()))
		return
	}
	msg.Source = clientID
	if err := w.Dispatch(ctx, msg); err != nil {
		w.logger.WarnContext(ctx, "client message failed", slog.String("client", clientID), slog.String("error", err.Error()))
	}
}

func (w *Worker) fireSync(ctx context.Context, tag string) error {
	return w.Dispatch(ctx, event.SyncEvent{Tag: tag})
}

// Clients exposes the controlled-client registry.
func (w *Worker) Clients() *clients.Hub { return w.hub }

func (w *Worker) Snapshot() lifecycle.Snapshot { return w.lifecycle.Snapshot() }

// Close stops background work, disconnects clients, waits for pending cache
// writes and closes the store.
func (w *Worker) Close(ctx context.Context) error {
	var err error
	w.closeOnce.Do(func() {
		w.mu.Lock()
		if w.cancel != nil {
			w.cancel()
		}
		w.mu.Unlock()
		w.background.Wait()
		w.hub.Close()
		w.static.Flush()
		err = w.store.Close(ctx)
	})
	return err
}
