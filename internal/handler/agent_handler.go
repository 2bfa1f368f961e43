package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/sumalabs/suma-call-service/internal/domain"
	"github.com/sumalabs/suma-call-service/internal/services/call"
)

// AgentHandler receives self-reported lifecycle events from agent workers
type AgentHandler struct {
	service *call.CallService
}

// NewAgentHandler creates a new agent handler
func NewAgentHandler(service *call.CallService) *AgentHandler {
	return &AgentHandler{service: service}
}

// SetupAgentRoutes registers the agent routes on the given router
func (h *AgentHandler) SetupAgentRoutes(router *mux.Router) {
	router.HandleFunc("/agent/report-event", h.ReportEvent).Methods("POST")
}

// ReportEvent records an agent self-report and advances the call status
func (h *AgentHandler) ReportEvent(w http.ResponseWriter, r *http.Request) {
	var report call.AgentReport
	if err := json.NewDecoder(r.Body).Decode(&report); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if report.CallID == "" {
		http.Error(w, "call_id is required", http.StatusBadRequest)
		return
	}

	if err := h.service.ReportAgentEvent(r.Context(), report); err != nil {
		if errors.Is(err, domain.ErrInvalidStatus) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "recorded"})
}
