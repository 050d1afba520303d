package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/k3a/html2text"
	"github.com/nicholas-fedor/shoutrrr"
	"github.com/nicholas-fedor/shoutrrr/pkg/router"
	"github.com/nicholas-fedor/shoutrrr/pkg/types"

	"github.com/l0p7/swgate/internal/logging"
)

type Action struct {
	Action string `json:"action"`
	Title  string `json:"title"`
}

// Notification mirrors the options a page would pass to showNotification.
type Notification struct {
	Title   string          `json:"title"`
	Body    string          `json:"body"`
	Icon    string          `json:"icon,omitempty"`
	Badge   string          `json:"badge,omitempty"`
	Vibrate []int           `json:"vibrate,omitempty"`
	Tag     string          `json:"tag,omitempty"`
	Actions []Action        `json:"actions,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// PlainBody is the body with any markup flattened to text.
func (n Notification) PlainBody() string {
	return strings.TrimSpace(html2text.HTML2Text(n.Body))
}

type Sink interface {
	Show(ctx context.Context, n Notification) error
}

// Broadcaster delivers a JSON message to every connected client.
type Broadcaster interface {
	Broadcast(msg any) (int, error)
}

// ClientSink displays notifications by asking connected pages to render them.
type ClientSink struct {
	clients Broadcaster
}

func NewClientSink(clients Broadcaster) *ClientSink {
	return &ClientSink{clients: clients}
}

func (s *ClientSink) Show(_ context.Context, n Notification) error {
	_, err := s.clients.Broadcast(struct {
		Type         string       `json:"type"`
		Notification Notification `json:"notification"`
	}{Type: "SHOW_NOTIFICATION", Notification: n})
	return err
}

// CloseNotification tells pages to dismiss every notification with tag.
func (s *ClientSink) CloseNotification(_ context.Context, tag string) error {
	_, err := s.clients.Broadcast(map[string]string{"type": "CLOSE_NOTIFICATION", "tag": tag})
	return err
}

// ShoutrrrSink forwards notifications to system targets such as ntfy,
// gotify or a generic webhook.
type ShoutrrrSink struct {
	sender *router.ServiceRouter
	logger *slog.Logger
}

func NewShoutrrrSink(urls []string, logger *slog.Logger) (*ShoutrrrSink, error) {
	if len(urls) == 0 {
		return nil, errors.New("notify: at least one shoutrrr url required")
	}
	if logger == nil {
		logger = logging.Discard()
	}
	sender, err := shoutrrr.CreateSender(urls...)
	if err != nil {
		return nil, fmt.Errorf("notify: create sender: %w", err)
	}
	return &ShoutrrrSink{sender: sender, logger: logger.With(slog.String("agent", "notify"))}, nil
}

func (s *ShoutrrrSink) Show(ctx context.Context, n Notification) error {
	params := types.Params{"title": n.Title}
	var errs []error
	for _, err := range s.sender.Send(n.PlainBody(), &params) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("notify: send: %w", errors.Join(errs...))
	}
	s.logger.DebugContext(ctx, "notification delivered", slog.String("tag", n.Tag))
	return nil
}

// Multi shows a notification on every sink and reports all failures.
type Multi []Sink

func (m Multi) Show(ctx context.Context, n Notification) error {
	var errs []error
	for _, sink := range m {
		if sink == nil {
			continue
		}
		if err := sink.Show(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
