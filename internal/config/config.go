package config

import (
	"os"
	"strconv"
	"time"

	"github.com/sumalabs/suma-call-service/pkg/logger"
	"github.com/sumalabs/suma-call-service/pkg/pubsub"
	"github.com/sumalabs/suma-call-service/pkg/redis"
	"go.uber.org/zap"
)

// Config holds the application configuration
type Config struct {
	Port string
	Env  string

	LiveKit LiveKitConfig
	GCS     GCSConfig
	Redis   redis.RedisConfig
	PubSub  pubsub.PubSubConfig

	// WebhookSettleDelay gives late platform events time to land before a
	// terminal trigger is reconciled into a final status.
	WebhookSettleDelay time.Duration
	// TranscriptFetchDelay and RecordingFetchDelay schedule the post-call
	// artifact fetches. Egress uploads lag the call end.
	TranscriptFetchDelay time.Duration
	RecordingFetchDelay  time.Duration
}

// LiveKitConfig holds the LiveKit server credentials
type LiveKitConfig struct {
	ServerURL string
	APIKey    string
	APISecret string
	AgentName string
}

// GCSConfig holds the artifact bucket configuration
type GCSConfig struct {
	Bucket string
}

// Load reads configuration from environment variables. Defaults suit local
// development; .env is loaded in main.go via godotenv.
func Load() *Config {
	cfg := &Config{
		Port: getEnv("PORT", "8080"),
		Env:  getEnv("ENV", "development"),
		LiveKit: LiveKitConfig{
			ServerURL: getEnv("LIVEKIT_URL", "ws://localhost:7880"),
			APIKey:    os.Getenv("LIVEKIT_API_KEY"),
			APISecret: os.Getenv("LIVEKIT_API_SECRET"),
			AgentName: getEnv("LIVEKIT_AGENT_NAME", "suma-outbound-agent"),
		},
		GCS: GCSConfig{
			Bucket: getEnv("GCS_BUCKET", "suma-call-artifacts"),
		},
		Redis: redis.RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		PubSub: pubsub.PubSubConfig{
			ProjectID: os.Getenv("PUBSUB_PROJECT_ID"),
			TopicName: getEnv("PUBSUB_TOPIC", "suma-call-events"),
			PubID:     getEnv("PUBSUB_PUB_ID", "suma-call-service"),
		},
		WebhookSettleDelay:   getEnvDuration("WEBHOOK_SETTLE_DELAY", 500*time.Millisecond),
		TranscriptFetchDelay: getEnvDuration("TRANSCRIPT_FETCH_DELAY", 5*time.Second),
		RecordingFetchDelay:  getEnvDuration("RECORDING_FETCH_DELAY", 15*time.Second),
	}

	if cfg.LiveKit.APIKey == "" || cfg.LiveKit.APISecret == "" {
		logger.Base().Warn("LiveKit credentials not set, call dispatch will fail",
			zap.String("server_url", cfg.LiveKit.ServerURL))
	}

	return cfg
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
		logger.Base().Warn("invalid integer in environment, using default",
			zap.String("key", key), zap.Int("default", fallback))
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		logger.Base().Warn("invalid duration in environment, using default",
			zap.String("key", key), zap.Duration("default", fallback))
	}
	return fallback
}
