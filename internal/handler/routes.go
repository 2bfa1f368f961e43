package handler

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/sumalabs/suma-call-service/internal/adapters/livekit"
	"github.com/sumalabs/suma-call-service/internal/config"
	"github.com/sumalabs/suma-call-service/internal/repository"
	"github.com/sumalabs/suma-call-service/internal/services/artifact"
	"github.com/sumalabs/suma-call-service/internal/services/call"
	"github.com/sumalabs/suma-call-service/internal/services/schedule"
	"github.com/sumalabs/suma-call-service/pkg/gcs"
	"github.com/sumalabs/suma-call-service/pkg/logger"
	"github.com/sumalabs/suma-call-service/pkg/pubsub"
	"github.com/sumalabs/suma-call-service/pkg/redis"
	"go.uber.org/zap"
)

// HandlerManager manages all handlers and their initialization
type HandlerManager struct {
	config      *config.Config
	repoManager repository.RepositoryManager

	callService     *call.CallService
	scheduleService *schedule.ScheduleService
	artifactService *artifact.ArtifactService

	redisService  *redis.RedisService
	pubsubService *pubsub.PubSubService
	gcsClient     *gcs.GCSClient
}

// NewHandlerManager creates and initializes all handlers and services
func NewHandlerManager(cfg *config.Config) (*HandlerManager, error) {
	repoManager, err := repository.NewRepositoryManager(repository.LoadDatabaseConfigFromEnv())
	if err != nil {
		logger.Base().Error("failed to connect to database", zap.Error(err))
		return nil, err
	}

	// Redis caches terminal status answers. Optional: without it every poll
	// hits the database.
	redisService, err := redis.NewRedisService(&cfg.Redis)
	if err != nil {
		logger.Base().Warn("failed to initialize redis, running without status cache", zap.Error(err))
		redisService = nil
	}

	// Pub/Sub carries terminal-transition events to downstream consumers.
	// Optional.
	var pubsubService *pubsub.PubSubService
	if cfg.PubSub.ProjectID != "" {
		pubsubService, err = pubsub.NewPubSubService(context.Background(), &cfg.PubSub)
		if err != nil {
			logger.Base().Warn("failed to initialize pubsub, call ended events disabled", zap.Error(err))
			pubsubService = nil
		}
	} else {
		logger.Base().Info("pubsub project not configured, call ended events disabled")
	}

	// GCS holds the egress recordings and agent transcripts. Optional:
	// without it artifacts stay as unresolved blob references.
	gcsClient, err := gcs.NewGCSClient(context.Background(), cfg.GCS.Bucket)
	if err != nil {
		logger.Base().Warn("failed to initialize gcs, artifact materialization disabled", zap.Error(err))
		gcsClient = nil
	}

	roomManager, err := livekit.NewRoomManager(cfg.LiveKit)
	if err != nil {
		repoManager.Close()
		return nil, err
	}

	var cache call.StatusCache
	if redisService != nil {
		cache = redisService
	}
	var publisher call.Publisher
	if pubsubService != nil {
		publisher = pubsubService
	}

	callService := call.NewCallService(
		repoManager.Calls(), roomManager, cache, publisher, nil, cfg.WebhookSettleDelay)

	var artifactService *artifact.ArtifactService
	if gcsClient != nil {
		artifactService = artifact.NewArtifactService(
			repoManager.Calls(), gcsClient, cfg.TranscriptFetchDelay, cfg.RecordingFetchDelay)
		callService.SetMaterializer(artifactService)
	}

	scheduleService := schedule.NewScheduleService(repoManager.Appointments())

	return &HandlerManager{
		config:          cfg,
		repoManager:     repoManager,
		callService:     callService,
		scheduleService: scheduleService,
		artifactService: artifactService,
		redisService:    redisService,
		pubsubService:   pubsubService,
		gcsClient:       gcsClient,
	}, nil
}

// SetupAllRoutes sets up all routes with middleware
func (hm *HandlerManager) SetupAllRoutes(router *mux.Router) {
	router.Use(CORSMiddleware)

	hm.SetupAPIRoutes(router)
	hm.SetupWebhookRoutes(router)

	router.HandleFunc("/healthz", hm.HealthCheck).Methods("GET")

	logger.Base().Info("all application routes registered")
}

// SetupAPIRoutes sets up all CRUD API routes and middleware
func (hm *HandlerManager) SetupAPIRoutes(router *mux.Router) {
	apiRouter := router.PathPrefix("/api").Subrouter()

	apiRouter.Use(LoggingMiddleware)
	apiRouter.Use(ValidationMiddleware)

	callHandler := NewCallHandler(hm.callService)
	callHandler.SetupCallRoutes(apiRouter)

	agentHandler := NewAgentHandler(hm.callService)
	agentHandler.SetupAgentRoutes(apiRouter)

	appointmentHandler := NewAppointmentHandler(hm.scheduleService)
	appointmentHandler.SetupAppointmentRoutes(apiRouter)

	logger.Base().Info("api routes registered")
}

// SetupWebhookRoutes sets up the platform webhook routes
func (hm *HandlerManager) SetupWebhookRoutes(router *mux.Router) {
	webhookHandler := NewLiveKitWebhookHandler(hm.callService)
	webhookHandler.SetupWebhookRoutes(router)
}

// HealthCheck reports service liveness including the database probe
func (hm *HandlerManager) HealthCheck(w http.ResponseWriter, r *http.Request) {
	if err := hm.repoManager.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "degraded",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Close shuts down all services in dependency order
func (hm *HandlerManager) Close() {
	if hm.artifactService != nil {
		hm.artifactService.Close()
	}
	if hm.pubsubService != nil {
		hm.pubsubService.Close()
	}
	if hm.redisService != nil {
		hm.redisService.Close()
	}
	if hm.gcsClient != nil {
		hm.gcsClient.Close()
	}
	if err := hm.repoManager.Close(); err != nil {
		logger.Base().Warn("failed to close database", zap.Error(err))
	}
}
