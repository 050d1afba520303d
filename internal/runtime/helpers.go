package runtime

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/l0p7/swgate/internal/runtime/event"
)

// Hop-by-hop headers never leave the gateway in either direction.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func stripHopHeaders(h http.Header) {
	for _, name := range h.Values("Connection") {
		for _, field := range strings.Split(name, ",") {
			if field = strings.TrimSpace(field); field != "" {
				h.Del(field)
			}
		}
	}
	for _, name := range hopHeaders {
		h.Del(name)
	}
}

// resolveRequest turns an inbound gateway request into the request the page
// would have made. Proxy-form requests keep their absolute URL; origin-form
// requests are resolved against the application origin.
func resolveRequest(r *http.Request, origin *url.URL) (*http.Request, error) {
	if r == nil || r.URL == nil {
		return nil, errors.New("runtime: request required")
	}
	var target *url.URL
	if r.URL.IsAbs() {
		target = r.URL
	} else {
		target = origin.ResolveReference(&url.URL{Path: r.URL.Path, RawPath: r.URL.RawPath, RawQuery: r.URL.RawQuery})
	}
	if target.Scheme != "http" && target.Scheme != "https" {
		return nil, fmt.Errorf("runtime: unsupported scheme %q", target.Scheme)
	}
	out := r.Clone(r.Context())
	out.URL = target
	out.Host = target.Host
	out.RequestURI = ""
	out.Header = r.Header.Clone()
	stripHopHeaders(out.Header)
	return out, nil
}

func decodeMessage(data []byte) (event.MessageEvent, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return event.MessageEvent{}, fmt.Errorf("runtime: decode message: %w", err)
	}
	if envelope.Type == "" {
		return event.MessageEvent{}, errors.New("runtime: message type required")
	}
	return event.MessageEvent{Type: envelope.Type, Data: json.RawMessage(data)}, nil
}

func (w *Worker) requestCorrelationID(r *http.Request) string {
	if r != nil && w.correlationHeader != "" {
		if candidate := strings.TrimSpace(r.Header.Get(w.correlationHeader)); candidate != "" {
			return candidate
		}
	}
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err == nil {
		return hex.EncodeToString(buf)
	}
	return fmt.Sprintf("%d", time.Now().UnixNano())
}

// fetchSource carries the serving tier of a fetch back to the metrics.
type fetchSource struct {
	mu     sync.Mutex
	source string
}

func (f *fetchSource) set(source string) {
	f.mu.Lock()
	f.source = source
	f.mu.Unlock()
}

func (f *fetchSource) get() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.source == "" {
		return "network"
	}
	return f.source
}

type fetchSourceKey struct{}

func withFetchSource(ctx context.Context, f *fetchSource) context.Context {
	return context.WithValue(ctx, fetchSourceKey{}, f)
}

func recordSource(ctx context.Context, source string) {
	if f, ok := ctx.Value(fetchSourceKey{}).(*fetchSource); ok {
		f.set(source)
	}
}
