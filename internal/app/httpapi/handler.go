// Package httpapi terminates subscriber connections and exposes the
// health and metrics endpoints.
package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/chenchen71956/ContribTracker/internal/app/metrics"
	"github.com/chenchen71956/ContribTracker/internal/app/ws"
	"github.com/chenchen71956/ContribTracker/pkg/logger"
)

// Handler owns the HTTP routes.
type Handler struct {
	registry *ws.Registry
	metrics  *metrics.Metrics
	wsPath   string
	upgrader websocket.Upgrader
	log      *logger.Logger
}

// New creates the handler. Logger may be nil.
func New(registry *ws.Registry, m *metrics.Metrics, wsPath string, log *logger.Logger) *Handler {
	if log == nil {
		log = logger.NewDefault("httpapi")
	}
	if wsPath == "" {
		wsPath = "/ws"
	}
	return &Handler{
		registry: registry,
		metrics:  m,
		wsPath:   wsPath,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Subscribers are game clients and dashboards, not browsers
			// with a same-origin relationship to this server.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		log: log,
	}
}

// Router builds the route table.
func (h *Handler) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc(h.wsPath, h.handleWS)
	r.HandleFunc("/healthz", h.handleHealth).Methods(http.MethodGet)
	if h.metrics != nil {
		r.Handle("/metrics", h.metrics.Handler()).Methods(http.MethodGet)
	}
	return r
}

func (h *Handler) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Warn("websocket upgrade failed")
		return
	}
	h.registry.Serve(r.Context(), conn)
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":      "ok",
		"subscribers": h.registry.Len(),
	})
}
