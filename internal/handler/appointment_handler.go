package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/sumalabs/suma-call-service/internal/domain"
	"github.com/sumalabs/suma-call-service/internal/services/schedule"
)

// AppointmentHandler handles HTTP requests for appointments
type AppointmentHandler struct {
	service *schedule.ScheduleService
}

// NewAppointmentHandler creates a new appointment handler
func NewAppointmentHandler(service *schedule.ScheduleService) *AppointmentHandler {
	return &AppointmentHandler{service: service}
}

// SetupAppointmentRoutes registers the appointment routes on the given router
func (h *AppointmentHandler) SetupAppointmentRoutes(router *mux.Router) {
	router.HandleFunc("/appointments", h.Book).Methods("POST")
	router.HandleFunc("/appointments", h.List).Methods("GET")
	router.HandleFunc("/appointments/availability", h.CheckSlot).Methods("GET")
}

// Book books an appointment slot, returning 409 when it is taken
func (h *AppointmentHandler) Book(w http.ResponseWriter, r *http.Request) {
	var req schedule.BookingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	appt, err := h.service.Book(r.Context(), req)
	if err != nil {
		if errors.Is(err, domain.ErrAppointmentConflict) {
			writeJSON(w, http.StatusConflict, map[string]string{
				"error": "slot is already booked",
			})
			return
		}
		if errors.Is(err, domain.ErrInvalidBooking) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusCreated, appt)
}

// List returns the user's appointments
func (h *AppointmentHandler) List(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.Atoi(r.URL.Query().Get("user_id"))
	if err != nil || userID <= 0 {
		http.Error(w, "user_id query parameter is required", http.StatusBadRequest)
		return
	}
	fromDate := r.URL.Query().Get("from")

	appts, err := h.service.List(r.Context(), userID, fromDate)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidBooking) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"user_id":      userID,
		"appointments": appts,
	})
}

// CheckSlot reports whether a slot is free. Advisory only, booking re-checks.
func (h *AppointmentHandler) CheckSlot(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	userID, err := strconv.Atoi(q.Get("user_id"))
	if err != nil || userID <= 0 {
		http.Error(w, "user_id query parameter is required", http.StatusBadRequest)
		return
	}

	free, err := h.service.CheckSlot(r.Context(), userID, q.Get("date"), q.Get("start_time"), q.Get("end_time"))
	if err != nil {
		if errors.Is(err, domain.ErrInvalidBooking) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"available": free})
}
