package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/livekit/protocol/livekit"
	"github.com/sumalabs/suma-call-service/internal/services/call"
	"github.com/sumalabs/suma-call-service/pkg/logger"
	"go.uber.org/zap"
)

// webhookProcessTimeout bounds the async processing of one delivery,
// including the settle delay before terminal reconciliation.
const webhookProcessTimeout = 30 * time.Second

// LiveKitWebhookHandler processes LiveKit webhook events
type LiveKitWebhookHandler struct {
	service *call.CallService
}

// NewLiveKitWebhookHandler creates a new webhook handler
func NewLiveKitWebhookHandler(service *call.CallService) *LiveKitWebhookHandler {
	return &LiveKitWebhookHandler{service: service}
}

// SetupWebhookRoutes registers the webhook routes on the given router
func (h *LiveKitWebhookHandler) SetupWebhookRoutes(router *mux.Router) {
	router.HandleFunc("/livekit/webhook", h.HandleWebhook).Methods("POST")
	// Egress deliveries can be configured to a separate URL; same handling.
	router.HandleFunc("/livekit/egress", h.HandleWebhook).Methods("POST")
}

// HandleWebhook processes one LiveKit webhook delivery. Always answers 200:
// a non-2xx makes LiveKit redeliver, and the event log dedup already absorbs
// duplicates.
func (h *LiveKitWebhookHandler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	var event livekit.WebhookEvent
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		logger.Base().Error("Failed to decode LiveKit webhook", zap.Error(err))
		w.WriteHeader(http.StatusOK)
		return
	}

	evt := normalizeEvent(&event)
	logger.Base().Info("LiveKit webhook",
		zap.String("event", evt.Event),
		zap.String("call_id", evt.CallID))

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), webhookProcessTimeout)
		defer cancel()
		if err := h.service.HandleWebhook(ctx, evt); err != nil {
			logger.Base().Error("Failed to process webhook",
				zap.String("event", evt.Event),
				zap.String("call_id", evt.CallID),
				zap.Error(err))
		}
	}()

	w.WriteHeader(http.StatusOK)
}

// normalizeEvent flattens the platform payload into the fields the lifecycle
// logic reads. The room name doubles as the call id.
func normalizeEvent(event *livekit.WebhookEvent) call.PlatformEvent {
	evt := call.PlatformEvent{
		Event: event.Event,
		Data:  map[string]interface{}{},
	}

	if event.Room != nil {
		evt.CallID = event.Room.Name
		evt.Data["room"] = map[string]interface{}{
			"name": event.Room.Name,
			"sid":  event.Room.Sid,
		}
	}

	if event.Participant != nil {
		evt.Data["participant"] = map[string]interface{}{
			"identity": event.Participant.Identity,
			"sid":      event.Participant.Sid,
		}
	}

	if event.EgressInfo != nil {
		if evt.CallID == "" {
			evt.CallID = event.EgressInfo.RoomName
		}
		evt.Data["egress_id"] = event.EgressInfo.EgressId
		for _, result := range event.EgressInfo.FileResults {
			location := result.Location
			if location == "" {
				location = result.Filename
			}
			if location != "" {
				evt.RecordingLocation = location
				break
			}
		}
		if event.EgressInfo.Error != "" {
			evt.Data["egress_error"] = event.EgressInfo.Error
		}
	}

	if event.Track != nil {
		evt.Data["track"] = map[string]interface{}{
			"sid":  event.Track.Sid,
			"type": event.Track.Type.String(),
		}
	}

	return evt
}
