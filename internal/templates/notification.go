package templates

import (
	"fmt"
	"strings"
)

// NotificationData is what title and body templates see.
type NotificationData struct {
	Title string
	Body  string
	Data  map[string]any
}

// Notification renders the title and body of a push notification. Either
// template may be absent, in which case the payload value passes through.
type Notification struct {
	title *Template
	body  *Template
}

// NewNotification compiles the configured title and body sources (inline or "@file").
func NewNotification(r *Renderer, titleSource, bodySource string) (*Notification, error) {
	if r == nil {
		r = NewRenderer(nil)
	}
	title, err := r.Compile("notification-title", titleSource)
	if err != nil {
		return nil, err
	}
	body, err := r.Compile("notification-body", bodySource)
	if err != nil {
		return nil, err
	}
	return &Notification{title: title, body: body}, nil
}

// Render produces the final title and body. A nil Notification returns the
// inputs unchanged.
func (n *Notification) Render(data NotificationData) (string, string, error) {
	if n == nil {
		return data.Title, data.Body, nil
	}
	title, body := data.Title, data.Body
	if n.title != nil {
		out, err := n.title.Render(data)
		if err != nil {
			return "", "", fmt.Errorf("templates: notification title: %w", err)
		}
		title = strings.TrimSpace(out)
	}
	if n.body != nil {
		out, err := n.body.Render(data)
		if err != nil {
			return "", "", fmt.Errorf("templates: notification body: %w", err)
		}
		body = strings.TrimSpace(out)
	}
	return title, body, nil
}
