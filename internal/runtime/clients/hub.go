package clients

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os/exec"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/l0p7/swgate/internal/logging"
	"github.com/l0p7/swgate/internal/metrics"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBuffer     = 16
)

var (
	ErrUnknownClient = errors.New("clients: unknown client")
	ErrHubClosed     = errors.New("clients: hub closed")
)

// Info is the public view of a controlled client.
type Info struct {
	ID          string    `json:"id"`
	URL         string    `json:"url"`
	Focused     bool      `json:"focused"`
	Controller  string    `json:"controller,omitempty"`
	ConnectedAt time.Time `json:"connectedAt"`
}

// MessageHandler receives text frames sent by a client.
type MessageHandler func(ctx context.Context, clientID string, data []byte)

type Options struct {
	Logger    *slog.Logger
	Metrics   *metrics.Recorder
	OnMessage MessageHandler
	// AllowedOrigins are accepted on upgrade in addition to same-host origins.
	AllowedOrigins []string
	// OpenCommand is run with the target URL when a window has to be opened.
	OpenCommand string
}

type client struct {
	info      Info
	seq       uint64
	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func (c *client) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *client) enqueue(msg []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// Hub tracks the application instances connected over websocket. It is the
// gateway's equivalent of the worker's clients API.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*client
	seq     uint64
	closed  bool
	wg      sync.WaitGroup

	upgrader    websocket.Upgrader
	onMessage   MessageHandler
	openCommand []string
	logger      *slog.Logger
	metrics     *metrics.Recorder
}

func NewHub(opts Options) *Hub {
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	h := &Hub{
		clients:     make(map[string]*client),
		onMessage:   opts.OnMessage,
		openCommand: strings.Fields(opts.OpenCommand),
		logger:      opts.Logger.With(slog.String("agent", "clients")),
		metrics:     opts.Metrics,
	}
	allowed := make([]string, 0, len(opts.AllowedOrigins))
	for _, o := range opts.AllowedOrigins {
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			allowed = append(allowed, u.Host)
		}
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			u, err := url.Parse(origin)
			if err != nil {
				return false
			}
			return u.Host == r.Host || slices.Contains(allowed, u.Host)
		},
	}
	return h
}

// SetMessageHandler replaces the handler for inbound client messages.
func (h *Hub) SetMessageHandler(fn MessageHandler) {
	h.mu.Lock()
	h.onMessage = fn
	h.mu.Unlock()
}

// ServeHTTP upgrades the request and serves the client until it disconnects.
// The client URL is taken from the url query parameter.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WarnContext(r.Context(), "client upgrade failed", slog.String("error", err.Error()))
		return
	}
	c := &client{
		info: Info{
			ID:          uuid.NewString(),
			URL:         r.URL.Query().Get("url"),
			ConnectedAt: time.Now().UTC(),
		},
		conn: conn,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}
	if !h.register(c) {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), time.Now().Add(writeWait))
		_ = conn.Close()
		return
	}
	defer h.unregister(c)

	go h.writeLoop(c)
	hello, _ := json.Marshal(map[string]string{"type": "CLIENT_ID", "id": c.info.ID})
	c.enqueue(hello)

	h.readLoop(r.Context(), c)
}

func (h *Hub) register(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.seq++
	c.seq = h.seq
	h.clients[c.info.ID] = c
	// One for the read side, one for the write loop.
	h.wg.Add(2)
	h.metrics.SetClients(len(h.clients))
	h.logger.Info("client connected", slog.String("client", c.info.ID), slog.String("url", c.info.URL))
	return true
}

func (h *Hub) unregister(c *client) {
	c.close()
	h.mu.Lock()
	delete(h.clients, c.info.ID)
	h.metrics.SetClients(len(h.clients))
	h.mu.Unlock()
	h.logger.Info("client disconnected", slog.String("client", c.info.ID))
	h.wg.Done()
}

func (h *Hub) readLoop(ctx context.Context, c *client) {
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.DebugContext(ctx, "client read failed", slog.String("client", c.info.ID), slog.String("error", err.Error()))
			}
			return
		}
		if kind != websocket.TextMessage {
			continue
		}
		h.mu.RLock()
		fn := h.onMessage
		h.mu.RUnlock()
		if fn != nil {
			fn(ctx, c.info.ID, data)
		}
	}
}

// writeLoop is the only writer on the connection.
func (h *Hub) writeLoop(c *client) {
	defer h.wg.Done()
	defer func() { _ = c.conn.Close() }()
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// MatchAll lists connected clients in connection order.
func (h *Hub) MatchAll() []Info {
	h.mu.RLock()
	all := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		all = append(all, c)
	}
	h.mu.RUnlock()
	slices.SortFunc(all, func(a, b *client) int {
		switch {
		case a.seq < b.seq:
			return -1
		case a.seq > b.seq:
			return 1
		}
		return 0
	})
	out := make([]Info, 0, len(all))
	h.mu.RLock()
	for _, c := range all {
		out = append(out, c.info)
	}
	h.mu.RUnlock()
	return out
}

// PostMessage sends msg as JSON to one client.
func (h *Hub) PostMessage(id string, msg any) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("clients: encode message: %w", err)
	}
	h.mu.RLock()
	c, ok := h.clients[id]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownClient, id)
	}
	if !c.enqueue(payload) {
		return fmt.Errorf("clients: client %s not accepting messages", id)
	}
	return nil
}

// Broadcast sends msg to every client and returns how many accepted it.
func (h *Hub) Broadcast(msg any) (int, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return 0, fmt.Errorf("clients: encode message: %w", err)
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	delivered := 0
	for _, c := range h.clients {
		if c.enqueue(payload) {
			delivered++
		}
	}
	return delivered, nil
}

// Focus marks id as the focused client and asks it to take focus.
func (h *Hub) Focus(id string) error {
	h.mu.Lock()
	if _, ok := h.clients[id]; !ok {
		h.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownClient, id)
	}
	for cid, c := range h.clients {
		c.info.Focused = cid == id
	}
	h.mu.Unlock()
	return h.PostMessage(id, map[string]string{"type": "FOCUS"})
}

// Claim makes version the controller of every connected client and notifies
// them. It returns the number of clients claimed.
func (h *Hub) Claim(version string) (int, error) {
	h.mu.Lock()
	for _, c := range h.clients {
		c.info.Controller = version
	}
	h.mu.Unlock()
	return h.Broadcast(map[string]string{"type": "CONTROLLER_CHANGE", "version": version})
}

// OpenWindow records a request to open target. With an open command
// configured the command is run with target as its last argument.
func (h *Hub) OpenWindow(ctx context.Context, target string) error {
	h.logger.InfoContext(ctx, "open window requested", slog.String("url", target))
	if len(h.openCommand) == 0 {
		return nil
	}
	args := append(slices.Clone(h.openCommand[1:]), target)
	cmd := exec.CommandContext(ctx, h.openCommand[0], args...) //nolint:gosec // command comes from operator config
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("clients: open window %s: %w (%s)", target, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// Close disconnects every client and waits for their goroutines to finish.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	for _, c := range h.clients {
		c.close()
	}
	h.mu.Unlock()
	h.wg.Wait()
}
