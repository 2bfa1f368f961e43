package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/sumalabs/suma-call-service/internal/domain"
	"github.com/sumalabs/suma-call-service/internal/services/call"
)

// CallHandler handles HTTP requests for outbound calls
type CallHandler struct {
	service *call.CallService
}

// NewCallHandler creates a new call handler
func NewCallHandler(service *call.CallService) *CallHandler {
	return &CallHandler{service: service}
}

// SetupCallRoutes registers the call routes on the given router
func (h *CallHandler) SetupCallRoutes(router *mux.Router) {
	router.HandleFunc("/calls/dispatch", h.Dispatch).Methods("POST")
	router.HandleFunc("/calls", h.History).Methods("GET")
	router.HandleFunc("/calls/{call_id}", h.Get).Methods("GET")
	router.HandleFunc("/calls/{call_id}/status", h.Status).Methods("GET")
	router.HandleFunc("/calls/{call_id}/transcript", h.Transcript).Methods("GET")
	router.HandleFunc("/calls/{call_id}/artifacts", h.SaveArtifacts).Methods("POST")
}

// Dispatch places a new outbound call
func (h *CallHandler) Dispatch(w http.ResponseWriter, r *http.Request) {
	var req call.DispatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	rec, err := h.service.Dispatch(r.Context(), req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusCreated, rec)
}

// Get returns the full call record
func (h *CallHandler) Get(w http.ResponseWriter, r *http.Request) {
	callID := mux.Vars(r)["call_id"]

	rec, err := h.service.Get(r.Context(), callID)
	if err != nil {
		if errors.Is(err, domain.ErrCallNotFound) {
			http.Error(w, "Call not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, rec)
}

// Status answers a status poll. Unknown ids get a final not_found body with
// 200 so pollers can stop without special-casing 404.
func (h *CallHandler) Status(w http.ResponseWriter, r *http.Request) {
	callID := mux.Vars(r)["call_id"]

	resp, err := h.service.Status(r.Context(), callID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// Transcript returns the materialized transcript for a call
func (h *CallHandler) Transcript(w http.ResponseWriter, r *http.Request) {
	callID := mux.Vars(r)["call_id"]

	rec, err := h.service.Get(r.Context(), callID)
	if err != nil {
		if errors.Is(err, domain.ErrCallNotFound) {
			http.Error(w, "Call not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"call_id":    rec.CallID,
		"transcript": rec.Transcript,
		"summary":    rec.Summary,
	})
}

// SaveArtifacts stores post-call artifact references
func (h *CallHandler) SaveArtifacts(w http.ResponseWriter, r *http.Request) {
	callID := mux.Vars(r)["call_id"]

	var req call.ArtifactRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	req.CallID = callID

	if err := h.service.SaveArtifacts(r.Context(), req); err != nil {
		if errors.Is(err, domain.ErrCallNotFound) {
			http.Error(w, "Call not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "saved"})
}

// History returns one page of a user's call history
func (h *CallHandler) History(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.Atoi(r.URL.Query().Get("user_id"))
	if err != nil || userID <= 0 {
		http.Error(w, "user_id query parameter is required", http.StatusBadRequest)
		return
	}
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	pageSize, _ := strconv.Atoi(r.URL.Query().Get("page_size"))

	result, err := h.service.History(r.Context(), userID, page, pageSize)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
