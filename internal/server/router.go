package server

import (
	"net/http"
	"strings"
)

// ControlPrefix is the reserved path prefix for control traffic. Requests
// under it are never intercepted.
const ControlPrefix = "/__sw/"

// WorkerHTTP defines the minimal surface the router needs from the runtime
// worker to serve control and intercepted traffic.
type WorkerHTTP interface {
	ServeHTTP(http.ResponseWriter, *http.Request)
	ServeMessage(http.ResponseWriter, *http.Request)
	ServePush(http.ResponseWriter, *http.Request)
	ServeNotificationClick(http.ResponseWriter, *http.Request)
	ServeSync(http.ResponseWriter, *http.Request)
	ServeSyncRegister(http.ResponseWriter, *http.Request)
	ServeClients(http.ResponseWriter, *http.Request)
	ServeState(http.ResponseWriter, *http.Request)
	ServeHealth(http.ResponseWriter, *http.Request)
	WriteError(http.ResponseWriter, int, string)
}

type controlRoute struct {
	method  string
	handler func(WorkerHTTP, http.ResponseWriter, *http.Request)
}

var controlRoutes = map[string]controlRoute{
	"message":           {http.MethodPost, WorkerHTTP.ServeMessage},
	"push":              {http.MethodPost, WorkerHTTP.ServePush},
	"notificationclick": {http.MethodPost, WorkerHTTP.ServeNotificationClick},
	"sync":              {http.MethodPost, WorkerHTTP.ServeSync},
	"sync/register":     {http.MethodPost, WorkerHTTP.ServeSyncRegister},
	"clients":           {http.MethodGet, WorkerHTTP.ServeClients},
	"state":             {http.MethodGet, WorkerHTTP.ServeState},
}

// NewWorkerHandler splits control routes from intercepted traffic. metrics may
// be nil, in which case /metrics is intercepted like any other path.
func NewWorkerHandler(w WorkerHTTP, metrics http.Handler) http.Handler {
	if w == nil {
		return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
			http.Error(rw, "worker unavailable", http.StatusServiceUnavailable)
		})
	}
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		// Forward-proxy requests carry an absolute URI and always belong to
		// the intercepted scope, whatever their path.
		if r.URL.IsAbs() {
			w.ServeHTTP(rw, r)
			return
		}

		switch path := r.URL.Path; {
		case path == "/healthz" || path == "/health":
			w.ServeHealth(rw, r)
		case path == "/metrics" && metrics != nil:
			metrics.ServeHTTP(rw, r)
		case strings.HasPrefix(path, ControlPrefix):
			serveControl(w, rw, r, strings.Trim(strings.TrimPrefix(path, ControlPrefix), "/"))
		default:
			w.ServeHTTP(rw, r)
		}
	})
}

func serveControl(w WorkerHTTP, rw http.ResponseWriter, r *http.Request, name string) {
	route, ok := controlRoutes[strings.ToLower(name)]
	if !ok {
		w.WriteError(rw, http.StatusNotFound, "unknown control route")
		return
	}
	if r.Method != route.method {
		rw.Header().Set("Allow", route.method)
		w.WriteError(rw, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	route.handler(w, rw, r)
}
