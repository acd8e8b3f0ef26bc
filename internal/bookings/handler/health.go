package handler

import (
	"context"
	"net/http"
	"time"

	httputil "staybook/pkg/http"
	"staybook/pkg/logger"

	"github.com/julienschmidt/httprouter"
)

const readyTimeout = 2 * time.Second

// Pinger is anything readiness depends on: the store and the lock quorum.
type Pinger interface {
	Ping(ctx context.Context) error
}

type HealthResponse struct {
	Status string `json:"status"`
	Store  string `json:"store,omitempty"`
	Lock   string `json:"lock,omitempty"`
}

type HealthHandler struct {
	store Pinger
	lock  Pinger
	log   *logger.Logger
}

func NewHealthHandler(store, lock Pinger, log *logger.Logger) *HealthHandler {
	return &HealthHandler{
		store: store,
		lock:  lock,
		log:   log,
	}
}

func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	httputil.WriteJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()

	resp := HealthResponse{Status: "ready", Store: "ok", Lock: "ok"}
	status := http.StatusOK

	if err := h.store.Ping(ctx); err != nil {
		h.log.Error("Store health check failed", "error", err, "path", r.URL.Path)
		resp.Store = "error"
		status = http.StatusServiceUnavailable
	}
	if err := h.lock.Ping(ctx); err != nil {
		h.log.Error("Lock quorum health check failed", "error", err, "path", r.URL.Path)
		resp.Lock = "error"
		status = http.StatusServiceUnavailable
	}
	if status != http.StatusOK {
		resp.Status = "unavailable"
	}

	httputil.WriteJSON(w, status, resp)
}

func (h *HealthHandler) RegisterRoutes(router *httprouter.Router) {
	router.GET("/health", h.Health)
	router.GET("/ready", h.Ready)
}
