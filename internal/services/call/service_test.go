package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	lk "github.com/sumalabs/suma-call-service/internal/adapters/livekit"
	"github.com/sumalabs/suma-call-service/internal/domain"
	"github.com/sumalabs/suma-call-service/internal/repository"
	"github.com/sumalabs/suma-call-service/pkg/pubsub"
	rediscache "github.com/sumalabs/suma-call-service/pkg/redis"
)

// fakeCallRepo is an in-memory CallRepository. Mutate serializes on a mutex
// the way the real one serializes on the row lock.
type fakeCallRepo struct {
	mu   sync.Mutex
	recs map[string]*domain.CallRecord
}

func newFakeCallRepo() *fakeCallRepo {
	return &fakeCallRepo{recs: map[string]*domain.CallRecord{}}
}

func (f *fakeCallRepo) Create(_ context.Context, rec *domain.CallRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.recs[rec.CallID]; ok {
		return fmt.Errorf("duplicate call id %s", rec.CallID)
	}
	cp := *rec
	f.recs[rec.CallID] = &cp
	return nil
}

func (f *fakeCallRepo) delete(callID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.recs[callID]; !ok {
		return domain.ErrCallNotFound
	}
	delete(f.recs, callID)
	return nil
}

func (f *fakeCallRepo) GetByCallID(_ context.Context, callID string) (*domain.CallRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.recs[callID]
	if !ok {
		return nil, domain.ErrCallNotFound
	}
	cp := *rec
	return &cp, nil
}

func (f *fakeCallRepo) ListByUser(_ context.Context, userID, page, pageSize int) (*repository.CallHistoryPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	result := &repository.CallHistoryPage{Page: page, PageSize: pageSize}
	for _, rec := range f.recs {
		if rec.UserID != userID {
			continue
		}
		cp := *rec
		result.Calls = append(result.Calls, &cp)
		result.Total++
		if rec.Status == string(domain.StatusCompleted) {
			result.Completed++
		}
	}
	result.NotCompleted = result.Total - result.Completed
	return result, nil
}

func (f *fakeCallRepo) Update(_ context.Context, callID string, upd *repository.CallUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.recs[callID]
	if !ok {
		return domain.ErrCallNotFound
	}
	applyUpdate(rec, upd)
	return nil
}

func (f *fakeCallRepo) Mutate(_ context.Context, callID string, fn func(rec *domain.CallRecord) (*repository.CallUpdate, error)) (*domain.CallRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.recs[callID]
	if !ok {
		return nil, domain.ErrCallNotFound
	}
	snapshot := *rec
	upd, err := fn(&snapshot)
	if err != nil {
		return nil, err
	}
	applyUpdate(rec, upd)
	return &snapshot, nil
}

func (f *fakeCallRepo) AppendEvent(ctx context.Context, callID, name string, data map[string]interface{}) error {
	_, err := f.Mutate(ctx, callID, func(rec *domain.CallRecord) (*repository.CallUpdate, error) {
		if rec.EventsLog.Has(name) {
			return nil, nil
		}
		log := append(rec.EventsLog, domain.CallEvent{Event: name, Timestamp: time.Now(), Data: data})
		return &repository.CallUpdate{EventsLog: &log}, nil
	})
	if errors.Is(err, domain.ErrCallNotFound) {
		return nil
	}
	return err
}

func (f *fakeCallRepo) AppendAgentEvent(ctx context.Context, callID, eventType string, data map[string]interface{}, ts time.Time) error {
	_, err := f.Mutate(ctx, callID, func(rec *domain.CallRecord) (*repository.CallUpdate, error) {
		if rec.AgentEvents.HasNear(eventType, ts, repository.AgentEventDedupWindow) {
			return nil, nil
		}
		log := append(rec.AgentEvents, domain.AgentEvent{EventType: eventType, EventData: data, Timestamp: ts, ReceivedAt: time.Now()})
		return &repository.CallUpdate{AgentEvents: &log}, nil
	})
	if errors.Is(err, domain.ErrCallNotFound) {
		return nil
	}
	return err
}

func applyUpdate(rec *domain.CallRecord, upd *repository.CallUpdate) {
	if upd == nil {
		return
	}
	if upd.Status != nil {
		rec.Status = string(*upd.Status)
	}
	if upd.Duration != nil {
		rec.Duration = *upd.Duration
	}
	if upd.StartedAt != nil {
		t := *upd.StartedAt
		rec.StartedAt = &t
	}
	if upd.EndedAt != nil {
		t := *upd.EndedAt
		rec.EndedAt = &t
	}
	if upd.RecordingURL != nil {
		rec.RecordingURL = *upd.RecordingURL
	}
	if upd.TranscriptBlob != nil {
		rec.TranscriptBlob = *upd.TranscriptBlob
	}
	if upd.RecordingBlob != nil {
		rec.RecordingBlob = *upd.RecordingBlob
	}
	if upd.Transcript != nil {
		rec.Transcript = *upd.Transcript
	}
	if upd.Summary != nil {
		rec.Summary = *upd.Summary
	}
	if upd.EventsLog != nil {
		rec.EventsLog = *upd.EventsLog
	}
	if upd.AgentEvents != nil {
		rec.AgentEvents = *upd.AgentEvents
	}
}

type fakeDispatcher struct {
	mu      sync.Mutex
	created []string
	failErr error
}

func (f *fakeDispatcher) CreateCallRoom(_ context.Context, roomName string, _ lk.DispatchMetadata) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failErr != nil {
		return f.failErr
	}
	f.created = append(f.created, roomName)
	return nil
}

type fakePublisher struct {
	mu     sync.Mutex
	events []pubsub.CallEndedEvent
}

func (f *fakePublisher) PublishCallEnded(_ context.Context, evt pubsub.CallEndedEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, evt)
	return nil
}

func (f *fakePublisher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

type fakeMaterializer struct {
	mu          sync.Mutex
	transcripts []string
	recordings  []string
}

func (f *fakeMaterializer) ScheduleTranscript(callID, blobPath string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transcripts = append(f.transcripts, blobPath)
}

func (f *fakeMaterializer) ScheduleRecording(callID, blobPath string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recordings = append(f.recordings, blobPath)
}

func newTestService(repo *fakeCallRepo) (*CallService, *fakeDispatcher, *fakePublisher) {
	rooms := &fakeDispatcher{}
	pub := &fakePublisher{}
	svc := NewCallService(repo, rooms, nil, pub, nil, 0)
	return svc, rooms, pub
}

func seedCall(t *testing.T, repo *fakeCallRepo, callID string, status domain.CallStatus, events domain.EventLog) {
	t.Helper()
	err := repo.Create(context.Background(), &domain.CallRecord{
		UserID:    1,
		CallID:    callID,
		Status:    string(status),
		CreatedAt: time.Now().Add(-time.Minute),
		EventsLog: events,
	})
	require.NoError(t, err)
}

func TestDispatch(t *testing.T) {
	repo := newFakeCallRepo()
	svc, rooms, _ := newTestService(repo)

	rec, err := svc.Dispatch(context.Background(), DispatchRequest{
		UserID:   1,
		ToNumber: "+15551234567",
		CallID:   "call-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "call-1", rec.CallID)
	assert.Equal(t, string(domain.StatusInitialized), rec.Status)
	assert.True(t, rec.EventsLog.Has(domain.EventCallInitiated))
	assert.Equal(t, []string{"call-1"}, rooms.created)
}

func TestDispatchValidation(t *testing.T) {
	repo := newFakeCallRepo()
	svc, _, _ := newTestService(repo)

	_, err := svc.Dispatch(context.Background(), DispatchRequest{ToNumber: "+15551234567"})
	assert.Error(t, err)

	_, err = svc.Dispatch(context.Background(), DispatchRequest{UserID: 1})
	assert.Error(t, err)
}

func TestDispatchRoomFailureMarksUnanswered(t *testing.T) {
	repo := newFakeCallRepo()
	svc, rooms, _ := newTestService(repo)
	rooms.failErr = errors.New("server unreachable")

	_, err := svc.Dispatch(context.Background(), DispatchRequest{
		UserID: 1, ToNumber: "+15551234567", CallID: "call-fail",
	})
	require.Error(t, err)

	rec, err := repo.GetByCallID(context.Background(), "call-fail")
	require.NoError(t, err)
	assert.Equal(t, string(domain.StatusUnanswered), rec.Status)
	assert.NotNil(t, rec.EndedAt)
}

func TestHandleWebhookAppendsAndDedups(t *testing.T) {
	repo := newFakeCallRepo()
	svc, _, _ := newTestService(repo)
	seedCall(t, repo, "call-1", domain.StatusInitialized, nil)

	evt := PlatformEvent{Event: domain.EventRoomStarted, CallID: "call-1"}
	require.NoError(t, svc.HandleWebhook(context.Background(), evt))
	require.NoError(t, svc.HandleWebhook(context.Background(), evt))

	rec, err := repo.GetByCallID(context.Background(), "call-1")
	require.NoError(t, err)
	count := 0
	for _, e := range rec.EventsLog {
		if e.Event == domain.EventRoomStarted {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestHandleWebhookStoresRecordingLocation(t *testing.T) {
	repo := newFakeCallRepo()
	svc, _, _ := newTestService(repo)
	seedCall(t, repo, "call-1", domain.StatusConnected, nil)

	require.NoError(t, svc.HandleWebhook(context.Background(), PlatformEvent{
		Event:             domain.EventEgressEnded,
		CallID:            "call-1",
		RecordingLocation: "gs://bucket/recordings/call-1.ogg",
	}))

	rec, err := repo.GetByCallID(context.Background(), "call-1")
	require.NoError(t, err)
	assert.Equal(t, "gs://bucket/recordings/call-1.ogg", rec.RecordingBlob)
}

func TestHandleWebhookUnknownCallIsNoop(t *testing.T) {
	repo := newFakeCallRepo()
	svc, _, pub := newTestService(repo)

	require.NoError(t, svc.HandleWebhook(context.Background(), PlatformEvent{
		Event:  domain.EventRoomFinished,
		CallID: "ghost",
	}))
	assert.Equal(t, 0, pub.count())
}

func TestReconcileAnsweredCompletes(t *testing.T) {
	repo := newFakeCallRepo()
	svc, _, pub := newTestService(repo)

	started := time.Now().Add(-90 * time.Second)
	require.NoError(t, repo.Create(context.Background(), &domain.CallRecord{
		UserID:    1,
		CallID:    "call-1",
		Status:    string(domain.StatusConnected),
		CreatedAt: time.Now().Add(-2 * time.Minute),
		StartedAt: &started,
		EventsLog: domain.EventLog{{Event: domain.EventEgressStarted}},
	}))

	require.NoError(t, svc.Reconcile(context.Background(), "call-1"))

	rec, err := repo.GetByCallID(context.Background(), "call-1")
	require.NoError(t, err)
	assert.Equal(t, string(domain.StatusCompleted), rec.Status)
	assert.InDelta(t, 90.0, rec.Duration, 2.0)
	assert.NotNil(t, rec.EndedAt)

	require.Eventually(t, func() bool { return pub.count() == 1 }, time.Second, 10*time.Millisecond)
}

func TestReconcileUnansweredGetsZeroDuration(t *testing.T) {
	repo := newFakeCallRepo()
	svc, _, _ := newTestService(repo)
	seedCall(t, repo, "call-1", domain.StatusDialing, domain.EventLog{
		{Event: domain.EventRoomStarted},
	})

	require.NoError(t, svc.Reconcile(context.Background(), "call-1"))

	rec, err := repo.GetByCallID(context.Background(), "call-1")
	require.NoError(t, err)
	assert.Equal(t, string(domain.StatusUnanswered), rec.Status)
	assert.Equal(t, 0.0, rec.Duration)
}

func TestReconcilePriorConnectedForcesCompleted(t *testing.T) {
	repo := newFakeCallRepo()
	svc, _, _ := newTestService(repo)
	// No answer evidence in the log, but the status already reached
	// connected. The outcome must not downgrade.
	seedCall(t, repo, "call-1", domain.StatusConnected, domain.EventLog{
		{Event: domain.EventRoomStarted},
	})

	require.NoError(t, svc.Reconcile(context.Background(), "call-1"))

	rec, err := repo.GetByCallID(context.Background(), "call-1")
	require.NoError(t, err)
	assert.Equal(t, string(domain.StatusCompleted), rec.Status)
	assert.Equal(t, 0.0, rec.Duration)
}

func TestReconcileTerminalIsFrozen(t *testing.T) {
	repo := newFakeCallRepo()
	svc, _, pub := newTestService(repo)
	seedCall(t, repo, "call-1", domain.StatusUnanswered, domain.EventLog{
		{Event: domain.EventRoomFinished},
	})

	require.NoError(t, svc.Reconcile(context.Background(), "call-1"))

	rec, err := repo.GetByCallID(context.Background(), "call-1")
	require.NoError(t, err)
	assert.Equal(t, string(domain.StatusUnanswered), rec.Status)
	assert.NotNil(t, rec.EndedAt)
	assert.Equal(t, 0, pub.count())
}

func TestReconcileConcurrentDeliveriesTransitionOnce(t *testing.T) {
	repo := newFakeCallRepo()
	svc, _, pub := newTestService(repo)
	seedCall(t, repo, "call-1", domain.StatusConnected, domain.EventLog{
		{Event: domain.EventEgressStarted},
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, svc.Reconcile(context.Background(), "call-1"))
		}()
	}
	wg.Wait()

	rec, err := repo.GetByCallID(context.Background(), "call-1")
	require.NoError(t, err)
	assert.Equal(t, string(domain.StatusCompleted), rec.Status)
	require.Eventually(t, func() bool { return pub.count() == 1 }, time.Second, 10*time.Millisecond)
}

func TestReportAgentEventAdvancesStatus(t *testing.T) {
	repo := newFakeCallRepo()
	svc, _, _ := newTestService(repo)
	seedCall(t, repo, "call-1", domain.StatusInitialized, nil)

	ts := time.Now()
	require.NoError(t, svc.ReportAgentEvent(context.Background(), AgentReport{
		CallID: "call-1", Status: "dialing", Timestamp: ts,
	}))
	require.NoError(t, svc.ReportAgentEvent(context.Background(), AgentReport{
		CallID: "call-1", Status: "connected", Timestamp: ts.Add(10 * time.Second),
	}))

	rec, err := repo.GetByCallID(context.Background(), "call-1")
	require.NoError(t, err)
	assert.Equal(t, string(domain.StatusConnected), rec.Status)
	// started_at was pinned by the first dialing report
	require.NotNil(t, rec.StartedAt)
	assert.Equal(t, ts.Unix(), rec.StartedAt.Unix())
	assert.Len(t, rec.AgentEvents, 2)
}

func TestReportAgentEventNeverDowngrades(t *testing.T) {
	repo := newFakeCallRepo()
	svc, _, _ := newTestService(repo)
	seedCall(t, repo, "call-1", domain.StatusConnected, nil)

	require.NoError(t, svc.ReportAgentEvent(context.Background(), AgentReport{
		CallID: "call-1", Status: "dialing", Timestamp: time.Now(),
	}))

	rec, err := repo.GetByCallID(context.Background(), "call-1")
	require.NoError(t, err)
	assert.Equal(t, string(domain.StatusConnected), rec.Status)
}

func TestReportAgentEventUnansweredOverridesConnected(t *testing.T) {
	repo := newFakeCallRepo()
	svc, _, _ := newTestService(repo)
	seedCall(t, repo, "call-1", domain.StatusConnected, nil)

	require.NoError(t, svc.ReportAgentEvent(context.Background(), AgentReport{
		CallID: "call-1", Status: "unanswered", Timestamp: time.Now(),
	}))

	rec, err := repo.GetByCallID(context.Background(), "call-1")
	require.NoError(t, err)
	// an agent-reported failure wins over a connected row: zero duration
	assert.Equal(t, string(domain.StatusUnanswered), rec.Status)
	assert.Equal(t, 0.0, rec.Duration)
	assert.NotNil(t, rec.EndedAt)
	assert.Len(t, rec.AgentEvents, 1)
}

func TestReportAgentEventUnansweredTerminates(t *testing.T) {
	repo := newFakeCallRepo()
	svc, _, _ := newTestService(repo)
	seedCall(t, repo, "call-1", domain.StatusDialing, nil)

	require.NoError(t, svc.ReportAgentEvent(context.Background(), AgentReport{
		CallID: "call-1", Status: "unanswered", Timestamp: time.Now(),
	}))

	rec, err := repo.GetByCallID(context.Background(), "call-1")
	require.NoError(t, err)
	assert.Equal(t, string(domain.StatusUnanswered), rec.Status)
	assert.Equal(t, 0.0, rec.Duration)
	assert.NotNil(t, rec.EndedAt)
}

func TestReportAgentEventTerminalFrozenButLogged(t *testing.T) {
	repo := newFakeCallRepo()
	svc, _, _ := newTestService(repo)
	seedCall(t, repo, "call-1", domain.StatusCompleted, nil)

	require.NoError(t, svc.ReportAgentEvent(context.Background(), AgentReport{
		CallID: "call-1", Status: "connected", Timestamp: time.Now(),
	}))

	rec, err := repo.GetByCallID(context.Background(), "call-1")
	require.NoError(t, err)
	assert.Equal(t, string(domain.StatusCompleted), rec.Status)
	assert.Len(t, rec.AgentEvents, 1)
	// supplementary timing still lands
	assert.NotNil(t, rec.StartedAt)
}

func TestReportAgentEventInvalidStatus(t *testing.T) {
	repo := newFakeCallRepo()
	svc, _, _ := newTestService(repo)
	seedCall(t, repo, "call-1", domain.StatusInitialized, nil)

	err := svc.ReportAgentEvent(context.Background(), AgentReport{
		CallID: "call-1", Status: "completed",
	})
	assert.ErrorIs(t, err, domain.ErrInvalidStatus)

	err = svc.ReportAgentEvent(context.Background(), AgentReport{
		CallID: "call-1", Status: "exploded",
	})
	assert.ErrorIs(t, err, domain.ErrInvalidStatus)
}

func TestReportAgentEventRetryDedup(t *testing.T) {
	repo := newFakeCallRepo()
	svc, _, _ := newTestService(repo)
	seedCall(t, repo, "call-1", domain.StatusInitialized, nil)

	ts := time.Now()
	report := AgentReport{CallID: "call-1", Status: "dialing", Timestamp: ts}
	require.NoError(t, svc.ReportAgentEvent(context.Background(), report))
	report.Timestamp = ts.Add(2 * time.Second)
	require.NoError(t, svc.ReportAgentEvent(context.Background(), report))

	rec, err := repo.GetByCallID(context.Background(), "call-1")
	require.NoError(t, err)
	assert.Len(t, rec.AgentEvents, 1)
}

func TestStatusUnknownCallIsFinalNotFound(t *testing.T) {
	repo := newFakeCallRepo()
	svc, _, _ := newTestService(repo)

	resp, err := svc.Status(context.Background(), "ghost")
	require.NoError(t, err)
	assert.Equal(t, string(domain.StatusNotFound), resp.Status)
	assert.True(t, resp.IsFinal)
}

func TestStatusReflectsRecord(t *testing.T) {
	repo := newFakeCallRepo()
	svc, _, _ := newTestService(repo)
	seedCall(t, repo, "call-1", domain.StatusConnected, nil)

	resp, err := svc.Status(context.Background(), "call-1")
	require.NoError(t, err)
	assert.Equal(t, string(domain.StatusConnected), resp.Status)
	assert.Equal(t, "Call in progress", resp.Message)
	assert.False(t, resp.IsFinal)
	// in progress means no terminal duration yet, but elapsed time still ticks
	assert.Zero(t, resp.Duration)
	assert.InDelta(t, 60.0, resp.TimeElapsed, 2.0)
}

type fakeStatusCache struct {
	mu   sync.Mutex
	vals map[string]string
}

func newFakeStatusCache() *fakeStatusCache {
	return &fakeStatusCache{vals: map[string]string{}}
}

func (f *fakeStatusCache) GetValue(_ context.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.vals[key]
	if !ok {
		return "", rediscache.ErrKeyNotExist
	}
	return v, nil
}

func (f *fakeStatusCache) SetValue(_ context.Context, key, value string, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.vals[key] = value
	return nil
}

func (f *fakeStatusCache) DelValue(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.vals, key)
	return nil
}

func TestStatusTerminalAnswerIsCached(t *testing.T) {
	repo := newFakeCallRepo()
	cache := newFakeStatusCache()
	svc := NewCallService(repo, &fakeDispatcher{}, cache, nil, nil, 0)
	seedCall(t, repo, "call-1", domain.StatusCompleted, nil)

	resp, err := svc.Status(context.Background(), "call-1")
	require.NoError(t, err)
	assert.True(t, resp.IsFinal)
	assert.Contains(t, cache.vals, "suma_call_status:call-1")

	// the second poll is served from the cache, not the repository
	require.NoError(t, repo.delete("call-1"))
	resp, err = svc.Status(context.Background(), "call-1")
	require.NoError(t, err)
	assert.Equal(t, string(domain.StatusCompleted), resp.Status)
}

func TestStatusNormalizesLegacyLabels(t *testing.T) {
	repo := newFakeCallRepo()
	svc, _, _ := newTestService(repo)
	seedCall(t, repo, "call-1", "in_progress", nil)

	resp, err := svc.Status(context.Background(), "call-1")
	require.NoError(t, err)
	assert.Equal(t, string(domain.StatusConnected), resp.Status)
}

func TestSaveArtifactsSchedulesMaterialization(t *testing.T) {
	repo := newFakeCallRepo()
	svc, _, _ := newTestService(repo)
	mat := &fakeMaterializer{}
	svc.SetMaterializer(mat)
	seedCall(t, repo, "call-1", domain.StatusCompleted, nil)

	transcript := "gs://bucket/transcripts/call-1.json"
	recording := "gs://bucket/recordings/call-1.ogg"
	summary := "lead booked a visit"
	require.NoError(t, svc.SaveArtifacts(context.Background(), ArtifactRequest{
		CallID:         "call-1",
		Summary:        &summary,
		TranscriptBlob: &transcript,
		RecordingBlob:  &recording,
	}))

	rec, err := repo.GetByCallID(context.Background(), "call-1")
	require.NoError(t, err)
	assert.Equal(t, summary, rec.Summary)
	assert.Equal(t, transcript, rec.TranscriptBlob)
	assert.Equal(t, []string{transcript}, mat.transcripts)
	assert.Equal(t, []string{recording}, mat.recordings)
}
