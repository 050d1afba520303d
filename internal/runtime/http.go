package runtime

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/l0p7/swgate/internal/runtime/assets"
	"github.com/l0p7/swgate/internal/runtime/clients"
	"github.com/l0p7/swgate/internal/runtime/event"
	"github.com/l0p7/swgate/internal/runtime/lifecycle"
	"github.com/l0p7/swgate/internal/runtime/offline"
)

const maxControlBody = 64 << 10

// ServeHTTP intercepts a request arriving at the gateway and writes the
// worker's answer.
func (w *Worker) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	correlationID := w.requestCorrelationID(r)
	if w.correlationHeader != "" {
		rw.Header().Set(w.correlationHeader, correlationID)
	}
	logger := w.logger.With(slog.String("correlation_id", correlationID))

	req, err := resolveRequest(r, w.origin)
	if err != nil {
		w.WriteError(rw, http.StatusBadRequest, err.Error())
		return
	}
	resp, err := w.Fetch(r.Context(), req)
	if err != nil {
		if errors.Is(err, assets.ErrNoOfflineDocument) {
			rw.Header().Set(offline.HeaderName, "true")
			w.WriteError(rw, http.StatusServiceUnavailable, "offline and no cached copy available")
			return
		}
		logger.WarnContext(r.Context(), "upstream request failed", slog.String("url", req.URL.String()), slog.String("error", err.Error()))
		w.WriteError(rw, http.StatusBadGateway, "upstream unavailable")
		return
	}
	defer func() { _ = resp.Body.Close() }()

	header := rw.Header()
	for name, values := range resp.Header {
		for _, v := range values {
			header.Add(name, v)
		}
	}
	stripHopHeaders(header)
	rw.WriteHeader(resp.StatusCode)
	if r.Method == http.MethodHead {
		return
	}
	if _, err := io.Copy(rw, resp.Body); err != nil {
		logger.DebugContext(r.Context(), "response copy failed", slog.String("error", err.Error()))
	}
}

// WriteError emits a JSON error payload.
func (w *Worker) WriteError(rw http.ResponseWriter, status int, message string) {
	if status <= 0 {
		status = http.StatusInternalServerError
	}
	w.writeJSON(rw, status, map[string]any{"error": message})
}

func (w *Worker) writeJSON(rw http.ResponseWriter, status int, payload any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	if err := json.NewEncoder(rw).Encode(payload); err != nil {
		w.logger.Error("response encode failed", slog.Any("error", err))
	}
}

func (w *Worker) readControlBody(rw http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(rw, r.Body, maxControlBody))
	if err != nil {
		w.WriteError(rw, http.StatusRequestEntityTooLarge, "body too large")
		return nil, false
	}
	return body, true
}

func (w *Worker) decodeControl(rw http.ResponseWriter, r *http.Request, v any) bool {
	body, ok := w.readControlBody(rw, r)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, v); err != nil {
		w.WriteError(rw, http.StatusBadRequest, "invalid json body")
		return false
	}
	return true
}

// ServeMessage posts a control message to the worker, as a page would with
// postMessage.
func (w *Worker) ServeMessage(rw http.ResponseWriter, r *http.Request) {
	body, ok := w.readControlBody(rw, r)
	if !ok {
		return
	}
	msg, err := decodeMessage(body)
	if err != nil {
		w.WriteError(rw, http.StatusBadRequest, err.Error())
		return
	}
	msg.Source = "http"
	if err := w.Dispatch(r.Context(), msg); err != nil {
		w.WriteError(rw, http.StatusInternalServerError, err.Error())
		return
	}
	w.writeJSON(rw, http.StatusAccepted, map[string]any{"status": "accepted", "type": msg.Type})
}

// ServePush delivers a raw push payload. Notification failures are reported
// as delivered=false rather than an error status.
func (w *Worker) ServePush(rw http.ResponseWriter, r *http.Request) {
	body, ok := w.readControlBody(rw, r)
	if !ok {
		return
	}
	err := w.Dispatch(r.Context(), event.PushEvent{Data: body})
	payload := map[string]any{"delivered": err == nil}
	if err != nil {
		payload["error"] = err.Error()
	}
	w.writeJSON(rw, http.StatusOK, payload)
}

func (w *Worker) ServeNotificationClick(rw http.ResponseWriter, r *http.Request) {
	var click struct {
		Action string `json:"action"`
		Tag    string `json:"tag"`
	}
	if !w.decodeControl(rw, r, &click) {
		return
	}
	err := w.Dispatch(r.Context(), event.NotificationClickEvent{Action: click.Action, Tag: click.Tag})
	payload := map[string]any{"handled": err == nil}
	if err != nil {
		payload["error"] = err.Error()
	}
	w.writeJSON(rw, http.StatusOK, payload)
}

type syncRequest struct {
	Tag string `json:"tag"`
}

// ServeSync fires a background-sync tag now.
func (w *Worker) ServeSync(rw http.ResponseWriter, r *http.Request) {
	var req syncRequest
	if !w.decodeControl(rw, r, &req) {
		return
	}
	if strings.TrimSpace(req.Tag) == "" {
		w.WriteError(rw, http.StatusBadRequest, "tag required")
		return
	}
	if err := w.fireSync(r.Context(), req.Tag); err != nil {
		w.WriteError(rw, http.StatusBadGateway, err.Error())
		return
	}
	w.writeJSON(rw, http.StatusOK, map[string]any{"status": "fired", "tag": req.Tag})
}

// ServeSyncRegister records a tag to fire when connectivity returns.
func (w *Worker) ServeSyncRegister(rw http.ResponseWriter, r *http.Request) {
	var req syncRequest
	if !w.decodeControl(rw, r, &req) {
		return
	}
	if strings.TrimSpace(req.Tag) == "" {
		w.WriteError(rw, http.StatusBadRequest, "tag required")
		return
	}
	w.monitor.Register(req.Tag)
	w.writeJSON(rw, http.StatusAccepted, map[string]any{"status": "registered", "tag": req.Tag})
}

// ServeClients upgrades the request into a controlled-client connection.
func (w *Worker) ServeClients(rw http.ResponseWriter, r *http.Request) {
	w.hub.ServeHTTP(rw, r)
}

// ServeState reports the lifecycle, clients and connectivity snapshot.
func (w *Worker) ServeState(rw http.ResponseWriter, r *http.Request) {
	generations, err := w.store.Keys(r.Context())
	if err != nil {
		w.logger.ErrorContext(r.Context(), "list generations failed", slog.String("error", err.Error()))
	}
	payload := struct {
		Lifecycle   lifecycle.Snapshot `json:"lifecycle"`
		Clients     []clients.Info     `json:"clients"`
		Generations []string           `json:"generations"`
		Online      bool               `json:"online"`
		PendingSync []string           `json:"pendingSync"`
		ObservedAt  time.Time          `json:"observedAt"`
	}{
		Lifecycle:   w.lifecycle.Snapshot(),
		Clients:     w.hub.MatchAll(),
		Generations: generations,
		Online:      w.monitor.Online(),
		PendingSync: w.monitor.Tags(),
		ObservedAt:  time.Now().UTC(),
	}
	w.writeJSON(rw, http.StatusOK, payload)
}

// ServeHealth is ready once a version is active.
func (w *Worker) ServeHealth(rw http.ResponseWriter, _ *http.Request) {
	snap := w.lifecycle.Snapshot()
	status, code := "ok", http.StatusOK
	if snap.Active == nil {
		status, code = "starting", http.StatusServiceUnavailable
	}
	payload := map[string]any{
		"status":     status,
		"observedAt": time.Now().UTC(),
	}
	if snap.Active != nil {
		payload["version"] = snap.Active.ID
		payload["manifest"] = snap.Active.Manifest
	}
	w.writeJSON(rw, code, payload)
}
