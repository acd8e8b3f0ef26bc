package handler

import (
	"net/http"

	"staybook/internal/bookings/service"
	"staybook/pkg/contracts"
	httputil "staybook/pkg/http"
	"staybook/pkg/logger"
	"staybook/pkg/model"

	"github.com/julienschmidt/httprouter"
)

const (
	pathBookings     = "/api/v1/bookings"
	pathBookingByID  = "/api/v1/bookings/:id"
	pathConfirmByKey = "/api/v1/bookings/confirm/:idempotencyKey"

	paramID  = "id"
	paramKey = "idempotencyKey"
)

type BookingHandler struct {
	service service.BookingService
	log     *logger.Logger
}

func NewBookingHandler(service service.BookingService, log *logger.Logger) *BookingHandler {
	return &BookingHandler{
		service: service,
		log:     log,
	}
}

func (h *BookingHandler) Create(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req model.CreateBookingRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		h.log.Warn("Rejected booking request body", "path", r.URL.Path, "error", err)
		httputil.WriteError(w, err)
		return
	}

	receipt, err := h.service.Create(r.Context(), &req)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	httputil.WriteCreated(w, receipt)
}

func (h *BookingHandler) Confirm(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	booking, err := h.service.Confirm(r.Context(), ps.ByName(paramKey))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	httputil.WriteSuccess(w, booking)
}

func (h *BookingHandler) GetByID(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	booking, err := h.service.GetByID(r.Context(), ps.ByName(paramID))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	httputil.WriteSuccess(w, booking)
}

func (h *BookingHandler) RegisterRoutes(router *httprouter.Router) {
	router.POST(pathBookings, h.Create)
	router.POST(pathConfirmByKey, h.Confirm)
	router.GET(pathBookingByID, h.GetByID)
}

// ReplayableRoutes lists the create route: a retried POST with the same
// Idempotency-Key header gets the first receipt back instead of a new booking.
func (h *BookingHandler) ReplayableRoutes() []contracts.Route {
	return []contracts.Route{{Method: http.MethodPost, Path: pathBookings}}
}
