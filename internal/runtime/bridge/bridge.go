package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/l0p7/swgate/internal/logging"
	"github.com/l0p7/swgate/internal/runtime/clients"
	"github.com/l0p7/swgate/internal/runtime/event"
	"github.com/l0p7/swgate/internal/runtime/notify"
	"github.com/l0p7/swgate/internal/templates"
)

const (
	SyncMessageType = "SYNC_WEATHER_DATA"
	SyncMessageText = "Connection restored, syncing weather data..."

	DefaultTitle = "Weather Alert"
	DefaultBody  = "Weather update available"
	DefaultIcon  = "/icon-192.svg"
	Tag          = "weather-update"

	ActionView  = "view"
	ActionClose = "close"
)

// SyncMessage is broadcast when the weather sync tag fires.
type SyncMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Clients is the part of the client registry the bridge drives.
type Clients interface {
	MatchAll() []clients.Info
	Focus(id string) error
	OpenWindow(ctx context.Context, target string) error
	Broadcast(msg any) (int, error)
}

// NotificationCloser dismisses shown notifications by tag.
type NotificationCloser interface {
	CloseNotification(ctx context.Context, tag string) error
}

type Options struct {
	Clients   Clients
	Sink      notify.Sink
	Closer    NotificationCloser
	Templates *templates.Notification
	Origin    *url.URL
	SyncTag   string
	Icon      string
	Logger    *slog.Logger
}

// Bridge relays sync, push and notification-click events between the worker
// and the connected application.
type Bridge struct {
	clients   Clients
	sink      notify.Sink
	closer    NotificationCloser
	templates *templates.Notification
	origin    *url.URL
	syncTag   string
	icon      string
	logger    *slog.Logger
}

func New(opts Options) (*Bridge, error) {
	if opts.Clients == nil {
		return nil, errors.New("bridge: clients required")
	}
	if opts.Origin == nil || !opts.Origin.IsAbs() {
		return nil, errors.New("bridge: absolute origin required")
	}
	if opts.SyncTag == "" {
		return nil, errors.New("bridge: sync tag required")
	}
	if opts.Icon == "" {
		opts.Icon = DefaultIcon
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	return &Bridge{
		clients:   opts.Clients,
		sink:      opts.Sink,
		closer:    opts.Closer,
		templates: opts.Templates,
		origin:    opts.Origin,
		syncTag:   opts.SyncTag,
		icon:      opts.Icon,
		logger:    opts.Logger.With(slog.String("agent", "bridge")),
	}, nil
}

// Register installs the bridge's handlers on t.
func (b *Bridge) Register(t *event.Table) {
	t.Handle(event.KindSync, b.onSync)
	t.Handle(event.KindPush, b.onPush)
	t.Handle(event.KindNotificationClick, b.onNotificationClick)
}

func (b *Bridge) SyncTag() string { return b.syncTag }

func (b *Bridge) onSync(ctx context.Context, ev event.Event, ext *event.Extendable) {
	sync, ok := ev.(event.SyncEvent)
	if !ok || sync.Tag != b.syncTag {
		b.logger.DebugContext(ctx, "ignoring sync tag", slog.Any("event", ev))
		return
	}
	ext.WaitUntil(func(context.Context) error {
		n, err := b.clients.Broadcast(SyncMessage{Type: SyncMessageType, Message: SyncMessageText})
		if err != nil {
			return err
		}
		b.logger.InfoContext(ctx, "sync broadcast", slog.String("tag", sync.Tag), slog.Int("clients", n))
		return nil
	})
}

type pushPayload struct {
	Title string          `json:"title"`
	Body  string          `json:"body"`
	Data  json.RawMessage `json:"data"`
}

func (b *Bridge) onPush(ctx context.Context, ev event.Event, ext *event.Extendable) {
	push, ok := ev.(event.PushEvent)
	if !ok || !push.HasData() {
		b.logger.DebugContext(ctx, "push without data ignored")
		return
	}
	var payload pushPayload
	if err := push.JSON(&payload); err != nil {
		b.logger.WarnContext(ctx, "push payload rejected", slog.String("error", err.Error()))
		return
	}
	n := b.Notification(ctx, payload.Title, payload.Body, payload.Data)
	if b.sink == nil {
		b.logger.WarnContext(ctx, "no notification sink configured", slog.String("title", n.Title))
		return
	}
	ext.WaitUntil(func(ctx context.Context) error {
		return b.sink.Show(ctx, n)
	})
}

// Notification builds the notification for a push payload, applying the
// fixed defaults and the configured templates.
func (b *Bridge) Notification(ctx context.Context, title, body string, data json.RawMessage) notify.Notification {
	if title == "" {
		title = DefaultTitle
	}
	if body == "" {
		body = DefaultBody
	}
	if len(data) == 0 || string(data) == "null" {
		data = json.RawMessage(`{}`)
	}

	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		b.logger.DebugContext(ctx, "push data is not an object", slog.String("error", err.Error()))
	}
	rendered, renderedBody, err := b.templates.Render(templates.NotificationData{Title: title, Body: body, Data: fields})
	if err != nil {
		b.logger.WarnContext(ctx, "notification template failed", slog.String("error", err.Error()))
	} else {
		title, body = rendered, renderedBody
	}

	return notify.Notification{
		Title:   title,
		Body:    body,
		Icon:    b.icon,
		Badge:   b.icon,
		Vibrate: []int{300, 100, 400},
		Tag:     Tag,
		Actions: []notify.Action{
			{Action: ActionView, Title: "View Weather"},
			{Action: ActionClose, Title: "Close"},
		},
		Data: data,
	}
}

func (b *Bridge) onNotificationClick(ctx context.Context, ev event.Event, ext *event.Extendable) {
	click, ok := ev.(event.NotificationClickEvent)
	if !ok {
		return
	}
	if b.closer != nil {
		tag := click.Tag
		if tag == "" {
			tag = Tag
		}
		ext.WaitUntil(func(ctx context.Context) error {
			return b.closer.CloseNotification(ctx, tag)
		})
	}
	if click.Action != ActionView && click.Action != "" {
		return
	}
	ext.WaitUntil(b.focusOrOpen)
}

// focusOrOpen focuses the first client on the application origin, or opens
// the application root when there is none.
func (b *Bridge) focusOrOpen(ctx context.Context) error {
	origin := b.origin.Scheme + "://" + b.origin.Host
	for _, c := range b.clients.MatchAll() {
		if strings.HasPrefix(c.URL, origin) {
			if err := b.clients.Focus(c.ID); err != nil {
				return fmt.Errorf("bridge: focus %s: %w", c.ID, err)
			}
			return nil
		}
	}
	return b.clients.OpenWindow(ctx, origin+"/")
}
