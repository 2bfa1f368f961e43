package call

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	lk "github.com/sumalabs/suma-call-service/internal/adapters/livekit"
	"github.com/sumalabs/suma-call-service/internal/domain"
	"github.com/sumalabs/suma-call-service/internal/repository"
	"github.com/sumalabs/suma-call-service/pkg/logger"
	"github.com/sumalabs/suma-call-service/pkg/pubsub"
	rediscache "github.com/sumalabs/suma-call-service/pkg/redis"
	"go.uber.org/zap"
)

// terminalStatusCacheTTL bounds how long a frozen status answer may be served
// from cache.
const terminalStatusCacheTTL = 24 * time.Hour

// RoomDispatcher creates the platform room an outbound call runs in.
type RoomDispatcher interface {
	CreateCallRoom(ctx context.Context, roomName string, meta lk.DispatchMetadata) error
}

// StatusCache caches terminal status responses. Optional.
type StatusCache interface {
	GetValue(ctx context.Context, key string) (string, error)
	SetValue(ctx context.Context, key string, value string, ttl time.Duration) error
	DelValue(ctx context.Context, key string) error
}

// Publisher emits terminal-transition events for downstream consumers.
// Optional.
type Publisher interface {
	PublishCallEnded(ctx context.Context, evt pubsub.CallEndedEvent) error
}

// Materializer schedules the delayed post-call artifact fetches. Optional.
type Materializer interface {
	ScheduleTranscript(callID, blobPath string)
	ScheduleRecording(callID, blobPath string)
}

// CallService owns the call lifecycle: dispatch, event intake from both the
// agent and the platform, status reconciliation and history.
type CallService struct {
	calls        repository.CallRepository
	rooms        RoomDispatcher
	cache        StatusCache
	publisher    Publisher
	materializer Materializer

	settleDelay time.Duration
	now         func() time.Time
}

// NewCallService creates a new call service. cache, publisher and
// materializer may be nil.
func NewCallService(calls repository.CallRepository, rooms RoomDispatcher, cache StatusCache, publisher Publisher, materializer Materializer, settleDelay time.Duration) *CallService {
	return &CallService{
		calls:        calls,
		rooms:        rooms,
		cache:        cache,
		publisher:    publisher,
		materializer: materializer,
		settleDelay:  settleDelay,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// SetMaterializer wires the artifact materializer after construction. The
// materializer needs the call service for writes, so one side attaches late.
func (s *CallService) SetMaterializer(m Materializer) {
	s.materializer = m
}

// DispatchRequest describes one outbound call to place.
type DispatchRequest struct {
	UserID     int    `json:"user_id"`
	ToNumber   string `json:"to_number"`
	FromNumber string `json:"from_number,omitempty"`
	VoiceName  string `json:"voice_name,omitempty"`
	Prompt     string `json:"prompt,omitempty"`
	CallID     string `json:"call_id,omitempty"`
}

// Dispatch creates the call room, persists the initial record and returns it.
// The record is created before the room so a room webhook can never race an
// absent row.
func (s *CallService) Dispatch(ctx context.Context, req DispatchRequest) (*domain.CallRecord, error) {
	if req.UserID <= 0 {
		return nil, fmt.Errorf("user_id is required")
	}
	if req.ToNumber == "" {
		return nil, fmt.Errorf("to_number is required")
	}
	callID := req.CallID
	if callID == "" {
		callID = fmt.Sprintf("call-%s", uuid.New().String())
	}

	now := s.now()
	rec := &domain.CallRecord{
		UserID:     req.UserID,
		CallID:     callID,
		Status:     string(domain.StatusInitialized),
		VoiceName:  req.VoiceName,
		FromNumber: req.FromNumber,
		ToNumber:   req.ToNumber,
		CreatedAt:  now,
		EventsLog: domain.EventLog{{
			Event:     domain.EventCallInitiated,
			Timestamp: now,
		}},
		AgentEvents: domain.AgentEventLog{},
	}
	if err := s.calls.Create(ctx, rec); err != nil {
		return nil, err
	}

	err := s.rooms.CreateCallRoom(ctx, callID, lk.DispatchMetadata{
		CallID:     callID,
		UserID:     req.UserID,
		ToNumber:   req.ToNumber,
		FromNumber: req.FromNumber,
		VoiceName:  req.VoiceName,
		Prompt:     req.Prompt,
	})
	if err != nil {
		logger.Base().Error("Failed to create call room",
			zap.String("call_id", callID), zap.Error(err))
		unanswered := domain.StatusUnanswered
		endedAt := s.now()
		if uerr := s.calls.Update(ctx, callID, &repository.CallUpdate{
			Status:  &unanswered,
			EndedAt: &endedAt,
		}); uerr != nil {
			logger.Base().Error("Failed to mark failed dispatch",
				zap.String("call_id", callID), zap.Error(uerr))
		}
		return nil, fmt.Errorf("failed to dispatch call: %w", err)
	}

	logger.Base().Info("Call dispatched",
		zap.String("call_id", callID),
		zap.Int("user_id", req.UserID),
		zap.String("to_number", req.ToNumber))
	return rec, nil
}

// PlatformEvent is one normalized webhook delivery from the media platform.
type PlatformEvent struct {
	Event             string
	CallID            string
	RecordingLocation string
	Data              map[string]interface{}
}

// HandleWebhook appends the platform event to the call's log and, for
// terminal triggers, reconciles the final status after a short settle delay
// so stragglers from the same teardown land first.
func (s *CallService) HandleWebhook(ctx context.Context, evt PlatformEvent) error {
	if evt.CallID == "" {
		logger.Base().Warn("webhook without room name ignored", zap.String("event", evt.Event))
		return nil
	}

	if err := s.calls.AppendEvent(ctx, evt.CallID, evt.Event, evt.Data); err != nil {
		return err
	}

	if evt.Event == domain.EventEgressEnded && evt.RecordingLocation != "" {
		if err := s.calls.Update(ctx, evt.CallID, &repository.CallUpdate{
			RecordingBlob: &evt.RecordingLocation,
		}); err != nil && !errors.Is(err, domain.ErrCallNotFound) {
			logger.Base().Error("Failed to store recording location",
				zap.String("call_id", evt.CallID), zap.Error(err))
		}
	}

	if !domain.IsTerminalTrigger(evt.Event) {
		return nil
	}

	if s.settleDelay > 0 {
		select {
		case <-time.After(s.settleDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return s.Reconcile(ctx, evt.CallID)
}

// Reconcile recomputes the call's terminal status from its event log. Runs
// under the row lock so concurrent deliveries serialize; the status can only
// move forward.
func (s *CallService) Reconcile(ctx context.Context, callID string) error {
	var (
		transitioned bool
		finalStatus  domain.CallStatus
		finalDur     float64
		userID       int
		endedAt      time.Time
	)

	_, err := s.calls.Mutate(ctx, callID, func(rec *domain.CallRecord) (*repository.CallUpdate, error) {
		now := s.now()
		cur := rec.NormalizedStatus()
		answered := rec.EventsLog.Answered()

		if cur.IsTerminal() {
			// Frozen. A late participant_left must not flip the outcome, but
			// the timing fields still get refreshed from this delivery.
			dur := domain.ClampDuration(rec.EffectiveStart(), now)
			return &repository.CallUpdate{Duration: &dur, EndedAt: &now}, nil
		}

		final := domain.StatusUnanswered
		if answered || cur == domain.StatusConnected {
			final = domain.StatusCompleted
		}

		dur := 0.0
		if answered {
			dur = domain.ClampDuration(rec.EffectiveStart(), now)
		}

		transitioned = true
		finalStatus = final
		finalDur = dur
		userID = rec.UserID
		endedAt = now

		return &repository.CallUpdate{
			Status:   &final,
			Duration: &dur,
			EndedAt:  &now,
		}, nil
	})
	if err != nil {
		if errors.Is(err, domain.ErrCallNotFound) {
			logger.Base().Warn("reconcile for unknown call", zap.String("call_id", callID))
			return nil
		}
		return err
	}

	if !transitioned {
		return nil
	}

	logger.Base().Info("Call reached terminal status",
		zap.String("call_id", callID),
		zap.String("status", string(finalStatus)),
		zap.Float64("duration", finalDur))

	if s.cache != nil {
		if err := s.cache.DelValue(ctx, statusCacheKey(callID)); err != nil {
			logger.Base().Warn("failed to invalidate status cache",
				zap.String("call_id", callID), zap.Error(err))
		}
	}

	if s.publisher != nil {
		evt := pubsub.CallEndedEvent{
			CallID:   callID,
			UserID:   userID,
			Status:   string(finalStatus),
			Duration: finalDur,
			EndedAt:  &endedAt,
		}
		go func() {
			pubCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := s.publisher.PublishCallEnded(pubCtx, evt); err != nil {
				logger.Base().Error("Failed to publish call ended event",
					zap.String("call_id", callID), zap.Error(err))
			}
		}()
	}
	return nil
}

var statusRank = map[domain.CallStatus]int{
	domain.StatusInitialized: 0,
	domain.StatusDialing:     1,
	domain.StatusConnected:   2,
}

// AgentReport is one self-reported lifecycle update from the agent process.
type AgentReport struct {
	CallID    string                 `json:"call_id"`
	Status    string                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// ReportAgentEvent records an agent self-report and advances the status.
// Reports never move the status backwards, and a terminal status is never
// overwritten; the report itself always lands in the agent event log.
func (s *CallService) ReportAgentEvent(ctx context.Context, report AgentReport) error {
	if report.CallID == "" {
		return fmt.Errorf("call_id is required")
	}
	if !domain.ValidAgentStatus(report.Status) {
		return fmt.Errorf("%w: %q", domain.ErrInvalidStatus, report.Status)
	}
	ts := report.Timestamp
	if ts.IsZero() {
		ts = s.now()
	}

	if err := s.calls.AppendAgentEvent(ctx, report.CallID, report.Status, report.Data, ts); err != nil {
		return err
	}

	reported := domain.CallStatus(report.Status)
	_, err := s.calls.Mutate(ctx, report.CallID, func(rec *domain.CallRecord) (*repository.CallUpdate, error) {
		cur := rec.NormalizedStatus()
		upd := &repository.CallUpdate{}

		// Supplementary timing lands even when the status column is frozen.
		if (reported == domain.StatusDialing || reported == domain.StatusConnected) && rec.StartedAt == nil {
			started := ts
			upd.StartedAt = &started
		}

		if cur.IsTerminal() {
			if upd.IsEmpty() {
				return nil, nil
			}
			return upd, nil
		}

		if reported == domain.StatusUnanswered {
			// An agent-reported failure is always zero-duration, even when the
			// row had already reached connected.
			now := s.now()
			dur := 0.0
			upd.Status = &reported
			upd.Duration = &dur
			upd.EndedAt = &now
		} else if statusRank[reported] > statusRank[cur] {
			upd.Status = &reported
		}

		if upd.IsEmpty() {
			return nil, nil
		}
		return upd, nil
	})
	if errors.Is(err, domain.ErrCallNotFound) {
		logger.Base().Warn("agent report for unknown call", zap.String("call_id", report.CallID))
		return nil
	}
	return err
}

// StatusResponse is the polling answer for one call.
type StatusResponse struct {
	CallID   string  `json:"call_id"`
	Status   string  `json:"status"`
	Message  string  `json:"message"`
	IsFinal  bool    `json:"is_final"`
	Duration float64 `json:"duration,omitempty"`
	// TimeElapsed is seconds since the call was created, so pollers have a
	// timing signal before the terminal duration exists.
	TimeElapsed float64 `json:"time_elapsed"`
}

// Status answers a status poll. Terminal answers are cached; unknown call ids
// get a final not_found so pollers stop retrying.
func (s *CallService) Status(ctx context.Context, callID string) (*StatusResponse, error) {
	if s.cache != nil {
		if cached, err := s.cache.GetValue(ctx, statusCacheKey(callID)); err == nil {
			var resp StatusResponse
			if jerr := json.Unmarshal([]byte(cached), &resp); jerr == nil {
				return &resp, nil
			}
		} else if !errors.Is(err, rediscache.ErrKeyNotExist) {
			logger.Base().Warn("status cache read failed",
				zap.String("call_id", callID), zap.Error(err))
		}
	}

	rec, err := s.calls.GetByCallID(ctx, callID)
	if err != nil {
		if errors.Is(err, domain.ErrCallNotFound) {
			return &StatusResponse{
				CallID:  callID,
				Status:  string(domain.StatusNotFound),
				Message: "Call not found",
				IsFinal: true,
			}, nil
		}
		return nil, err
	}

	status := rec.NormalizedStatus()
	resp := &StatusResponse{
		CallID:      callID,
		Status:      string(status),
		Message:     domain.StatusMessage(status),
		IsFinal:     status.IsTerminal(),
		Duration:    rec.Duration,
		TimeElapsed: domain.ClampDuration(rec.CreatedAt, s.now()),
	}

	if resp.IsFinal && s.cache != nil {
		if data, jerr := json.Marshal(resp); jerr == nil {
			if cerr := s.cache.SetValue(ctx, statusCacheKey(callID), string(data), terminalStatusCacheTTL); cerr != nil {
				logger.Base().Warn("status cache write failed",
					zap.String("call_id", callID), zap.Error(cerr))
			}
		}
	}
	return resp, nil
}

// ArtifactRequest carries the post-call artifact references the agent saves.
type ArtifactRequest struct {
	CallID         string  `json:"call_id"`
	Summary        *string `json:"summary,omitempty"`
	TranscriptBlob *string `json:"transcript_blob,omitempty"`
	RecordingBlob  *string `json:"recording_blob,omitempty"`
}

// SaveArtifacts stores artifact references and schedules their delayed
// materialization. Egress uploads lag the call end, so fetching immediately
// would mostly miss.
func (s *CallService) SaveArtifacts(ctx context.Context, req ArtifactRequest) error {
	if req.CallID == "" {
		return fmt.Errorf("call_id is required")
	}

	upd := &repository.CallUpdate{
		Summary:        req.Summary,
		TranscriptBlob: req.TranscriptBlob,
		RecordingBlob:  req.RecordingBlob,
	}
	if !upd.IsEmpty() {
		if err := s.calls.Update(ctx, req.CallID, upd); err != nil {
			return err
		}
	}

	if s.materializer != nil {
		if req.TranscriptBlob != nil && *req.TranscriptBlob != "" {
			s.materializer.ScheduleTranscript(req.CallID, *req.TranscriptBlob)
		}
		if req.RecordingBlob != nil && *req.RecordingBlob != "" {
			s.materializer.ScheduleRecording(req.CallID, *req.RecordingBlob)
		}
	}
	return nil
}

// Get returns the full call record.
func (s *CallService) Get(ctx context.Context, callID string) (*domain.CallRecord, error) {
	return s.calls.GetByCallID(ctx, callID)
}

// History returns one page of a user's call history.
func (s *CallService) History(ctx context.Context, userID, page, pageSize int) (*repository.CallHistoryPage, error) {
	return s.calls.ListByUser(ctx, userID, page, pageSize)
}

func statusCacheKey(callID string) string {
	return rediscache.GenerateKey(rediscache.CALL_STATUS, callID)
}
