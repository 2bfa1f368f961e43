package livekit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/livekit/protocol/auth"
	"github.com/livekit/protocol/livekit"
	lksdk "github.com/livekit/server-sdk-go"
	"github.com/sumalabs/suma-call-service/internal/config"
	"github.com/sumalabs/suma-call-service/pkg/logger"
	"go.uber.org/zap"
)

// DispatchMetadata is embedded in the room metadata so the outbound agent
// knows who to dial and how to introduce itself.
type DispatchMetadata struct {
	CallID     string `json:"call_id"`
	UserID     int    `json:"user_id"`
	ToNumber   string `json:"to_number"`
	FromNumber string `json:"from_number,omitempty"`
	VoiceName  string `json:"voice_name,omitempty"`
	Prompt     string `json:"prompt,omitempty"`
}

// RoomManager creates and inspects LiveKit rooms for outbound calls.
type RoomManager struct {
	config     config.LiveKitConfig
	roomClient *lksdk.RoomServiceClient
}

// NewRoomManager creates a new LiveKit room manager
func NewRoomManager(cfg config.LiveKitConfig) (*RoomManager, error) {
	if cfg.APIKey == "" || cfg.APISecret == "" {
		return nil, fmt.Errorf("livekit api key and secret are required")
	}

	roomClient := lksdk.NewRoomServiceClient(cfg.ServerURL, cfg.APIKey, cfg.APISecret)

	rm := &RoomManager{
		config:     cfg,
		roomClient: roomClient,
	}

	logger.Base().Info("LiveKit RoomManager initialized", zap.String("server_url", cfg.ServerURL))
	return rm, nil
}

// CreateCallRoom creates the room an outbound call runs in. The dispatch
// metadata rides on the room so the agent worker picks it up on join.
func (rm *RoomManager) CreateCallRoom(ctx context.Context, roomName string, meta DispatchMetadata) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to marshal dispatch metadata: %w", err)
	}

	room, err := rm.roomClient.CreateRoom(ctx, &livekit.CreateRoomRequest{
		Name:         roomName,
		Metadata:     string(data),
		EmptyTimeout: 300,
	})
	if err != nil {
		return fmt.Errorf("failed to create room %s: %w", roomName, err)
	}

	logger.Base().Info("Call room created",
		zap.String("room_name", room.Name),
		zap.String("call_id", meta.CallID))
	return nil
}

// RoomActive reports whether the room still exists on the server.
func (rm *RoomManager) RoomActive(ctx context.Context, roomName string) (bool, error) {
	resp, err := rm.roomClient.ListRooms(ctx, &livekit.ListRoomsRequest{
		Names: []string{roomName},
	})
	if err != nil {
		return false, fmt.Errorf("failed to list rooms: %w", err)
	}
	return len(resp.Rooms) > 0, nil
}

// GenerateToken generates a LiveKit access token for a participant
func (rm *RoomManager) GenerateToken(roomName, participantName string) (string, error) {
	at := auth.NewAccessToken(rm.config.APIKey, rm.config.APISecret)

	canPublish := true
	canSubscribe := true

	grant := &auth.VideoGrant{
		RoomJoin:     true,
		Room:         roomName,
		CanPublish:   &canPublish,
		CanSubscribe: &canSubscribe,
	}

	at.AddGrant(grant).
		SetIdentity(participantName).
		SetValidFor(2 * time.Hour)

	token, err := at.ToJWT()
	if err != nil {
		return "", fmt.Errorf("failed to generate JWT: %w", err)
	}

	return token, nil
}
