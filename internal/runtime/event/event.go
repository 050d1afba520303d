package event

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Kind names an event type in the dispatch table.
type Kind string

const (
	KindInstall           Kind = "install"
	KindActivate          Kind = "activate"
	KindFetch             Kind = "fetch"
	KindMessage           Kind = "message"
	KindSync              Kind = "sync"
	KindPush              Kind = "push"
	KindNotificationClick Kind = "notificationclick"
)

// ErrUnhandled is returned by Dispatch when no handler is registered for the event kind.
var ErrUnhandled = errors.New("event: no handler registered")

// Event is anything that can be dispatched.
type Event interface {
	Kind() Kind
}

// Extendable collects the work an event must wait for before it is settled.
type Extendable struct {
	ctx   context.Context
	group *errgroup.Group
}

func NewExtendable(ctx context.Context) *Extendable {
	group, gctx := errgroup.WithContext(ctx)
	return &Extendable{ctx: gctx, group: group}
}

// Context is cancelled when the dispatching context ends or any extension fails.
func (e *Extendable) Context() context.Context { return e.ctx }

// WaitUntil extends the event's lifetime until fn returns.
func (e *Extendable) WaitUntil(fn func(ctx context.Context) error) {
	e.group.Go(func() error { return fn(e.ctx) })
}

// Wait blocks until every extension has returned and reports the first error.
func (e *Extendable) Wait() error { return e.group.Wait() }

// Handler reacts to one event. Long-running side effects go through ext.WaitUntil.
type Handler func(ctx context.Context, ev Event, ext *Extendable)

// Table maps event kinds to handlers. It is safe for concurrent use.
type Table struct {
	mu       sync.RWMutex
	handlers map[Kind]Handler
}

func NewTable() *Table {
	return &Table{handlers: make(map[Kind]Handler)}
}

// Handle registers h for kind, replacing any previous handler.
func (t *Table) Handle(kind Kind, h Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if h == nil {
		delete(t.handlers, kind)
		return
	}
	t.handlers[kind] = h
}

// Handles reports whether a handler is registered for kind.
func (t *Table) Handles(kind Kind) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.handlers[kind]
	return ok
}

// Dispatch runs the handler for ev and waits for its extensions.
func (t *Table) Dispatch(ctx context.Context, ev Event) error {
	if ev == nil {
		return errors.New("event: nil event")
	}
	t.mu.RLock()
	h, ok := t.handlers[ev.Kind()]
	t.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnhandled, ev.Kind())
	}
	ext := NewExtendable(ctx)
	h(ext.Context(), ev, ext)
	if err := ext.Wait(); err != nil {
		return fmt.Errorf("event: %s: %w", ev.Kind(), err)
	}
	return nil
}

// InstallEvent starts installing a worker version.
type InstallEvent struct {
	Version string
}

func (InstallEvent) Kind() Kind { return KindInstall }

// ActivateEvent promotes an installed version.
type ActivateEvent struct {
	Version string
}

func (ActivateEvent) Kind() Kind { return KindActivate }

// Responder produces the response for an intercepted request.
type Responder func(ctx context.Context) (*http.Response, error)

// FetchEvent carries one intercepted request. Handlers choose a responder
// synchronously; the responder runs after dispatch. A fetch nobody responds
// to passes through to the network untouched.
type FetchEvent struct {
	Request *http.Request

	mu        sync.Mutex
	responder Responder
	route     string
}

func NewFetchEvent(req *http.Request) *FetchEvent {
	return &FetchEvent{Request: req}
}

func (*FetchEvent) Kind() Kind { return KindFetch }

// RespondWith claims the request. Only the first call wins.
func (e *FetchEvent) RespondWith(route string, fn Responder) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.responder != nil || fn == nil {
		return
	}
	e.responder = fn
	e.route = route
}

// Responder returns the chosen responder and the route label it was registered under.
func (e *FetchEvent) Responder() (Responder, string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.responder, e.route, e.responder != nil
}

// MessageEvent is a control message posted by a client.
type MessageEvent struct {
	Type   string
	Data   json.RawMessage
	Source string
}

func (MessageEvent) Kind() Kind { return KindMessage }

// SyncEvent fires a registered background-sync tag.
type SyncEvent struct {
	Tag string
}

func (SyncEvent) Kind() Kind { return KindSync }

// PushEvent carries a raw push payload; Data may be empty.
type PushEvent struct {
	Data []byte
}

func (PushEvent) Kind() Kind { return KindPush }

// HasData reports whether the push carried a payload.
func (e PushEvent) HasData() bool { return len(e.Data) > 0 }

// JSON decodes the payload into v.
func (e PushEvent) JSON(v any) error {
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("event: push payload: %w", err)
	}
	return nil
}

// NotificationClickEvent reports a click on a shown notification. Action is
// empty when the notification body itself was clicked.
type NotificationClickEvent struct {
	Action string
	Tag    string
}

func (NotificationClickEvent) Kind() Kind { return KindNotificationClick }
