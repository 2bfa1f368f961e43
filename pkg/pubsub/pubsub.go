package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/google/uuid"
	"github.com/sumalabs/suma-call-service/pkg/logger"
	"go.uber.org/zap"
)

type PubSubConfig struct {
	ProjectID string
	TopicName string
	PubID     string
}

type PubSubService struct {
	client *pubsub.Client
	topic  *pubsub.Topic
	config *PubSubConfig
}

// CallEndedEvent is the payload published when a call reaches a terminal
// status. Downstream billing and analytics consume it.
type CallEndedEvent struct {
	CallID   string     `json:"call_id"`
	UserID   int        `json:"user_id"`
	Status   string     `json:"status"`
	Duration float64    `json:"duration"`
	EndedAt  *time.Time `json:"ended_at,omitempty"`
}

func NewPubSubService(ctx context.Context, cfg *PubSubConfig) (*PubSubService, error) {
	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("PubSub project ID is required")
	}

	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create PubSub client: %w", err)
	}

	topic := client.Topic(cfg.TopicName)
	exists, err := topic.Exists(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to check if topic exists: %w", err)
	}

	if !exists {
		logger.Base().Info("topic does not exist, creating", zap.String("topic", cfg.TopicName))
		topic, err = client.CreateTopic(ctx, cfg.TopicName)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("failed to create topic %s: %w", cfg.TopicName, err)
		}
	}

	return &PubSubService{
		client: client,
		topic:  topic,
		config: cfg,
	}, nil
}

// PublishCallEnded publishes a terminal-status transition. Failures are
// logged and returned but never block call processing.
func (p *PubSubService) PublishCallEnded(ctx context.Context, evt CallEndedEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("failed to marshal call ended event: %w", err)
	}

	taskID := uuid.New().String()

	message := &pubsub.Message{
		Attributes: map[string]string{
			"name": fmt.Sprintf("%s:%s", p.config.PubID, taskID),
		},
		Data: data,
	}

	result := p.topic.Publish(ctx, message)
	if _, err := result.Get(ctx); err != nil {
		logger.Base().Error("Failed to publish call ended event",
			zap.String("call_id", evt.CallID),
			zap.String("task_id", taskID),
			zap.Error(err))
		return fmt.Errorf("failed to publish message: %w", err)
	}

	logger.Base().Info("Published call ended event",
		zap.String("call_id", evt.CallID),
		zap.String("status", evt.Status),
		zap.String("task_id", taskID))

	return nil
}

func (p *PubSubService) Close() error {
	if p.topic != nil {
		p.topic.Stop()
	}
	if p.client != nil {
		return p.client.Close()
	}
	return nil
}
