package artifact

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sumalabs/suma-call-service/internal/domain"
	"github.com/sumalabs/suma-call-service/internal/repository"
	"github.com/sumalabs/suma-call-service/pkg/gcs"
)

// fakeStore serves objects from a map and presigns deterministically.
type fakeStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (f *fakeStore) Download(_ context.Context, objectPath string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[objectPath]
	if !ok {
		return nil, gcs.ErrObjectNotFound
	}
	return data, nil
}

func (f *fakeStore) Exists(_ context.Context, objectPath string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.objects[objectPath]
	return ok, nil
}

func (f *fakeStore) GetPresignedURL(_ context.Context, gcsURI string, _ time.Time) (string, error) {
	return "https://signed.example.com/" + f.ObjectPath(gcsURI), nil
}

func (f *fakeStore) ObjectPath(gcsURI string) string {
	trimmed := strings.TrimPrefix(gcsURI, "gs://bucket/")
	return strings.TrimPrefix(trimmed, "gs://")
}

// updateRecorder is a CallRepository that only records updates.
type updateRecorder struct {
	mu      sync.Mutex
	updates map[string][]*repository.CallUpdate
}

func newUpdateRecorder() *updateRecorder {
	return &updateRecorder{updates: map[string][]*repository.CallUpdate{}}
}

func (r *updateRecorder) Update(_ context.Context, callID string, upd *repository.CallUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates[callID] = append(r.updates[callID], upd)
	return nil
}

func (r *updateRecorder) forCall(callID string) []*repository.CallUpdate {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.updates[callID]
}

func (r *updateRecorder) Create(context.Context, *domain.CallRecord) error { return nil }
func (r *updateRecorder) GetByCallID(context.Context, string) (*domain.CallRecord, error) {
	return nil, domain.ErrCallNotFound
}
func (r *updateRecorder) ListByUser(context.Context, int, int, int) (*repository.CallHistoryPage, error) {
	return &repository.CallHistoryPage{}, nil
}
func (r *updateRecorder) Mutate(context.Context, string, func(*domain.CallRecord) (*repository.CallUpdate, error)) (*domain.CallRecord, error) {
	return nil, domain.ErrCallNotFound
}
func (r *updateRecorder) AppendEvent(context.Context, string, string, map[string]interface{}) error {
	return nil
}
func (r *updateRecorder) AppendAgentEvent(context.Context, string, string, map[string]interface{}, time.Time) error {
	return nil
}

func TestScheduleTranscriptMaterializes(t *testing.T) {
	repo := newUpdateRecorder()
	store := &fakeStore{objects: map[string][]byte{
		"transcripts/call-1.json": []byte(`{"items":[{"role":"agent","text":"hello"}]}`),
	}}
	svc := NewArtifactService(repo, store, time.Millisecond, time.Millisecond)
	defer svc.Close()

	svc.ScheduleTranscript("call-1", "gs://bucket/transcripts/call-1.json")

	require.Eventually(t, func() bool {
		return len(repo.forCall("call-1")) == 1
	}, time.Second, 5*time.Millisecond)

	upd := repo.forCall("call-1")[0]
	require.NotNil(t, upd.Transcript)
	assert.Contains(t, string(*upd.Transcript), "hello")
}

func TestScheduleTranscriptMissingStoresEmptyMarker(t *testing.T) {
	repo := newUpdateRecorder()
	store := &fakeStore{objects: map[string][]byte{}}
	svc := NewArtifactService(repo, store, time.Millisecond, time.Millisecond)
	defer svc.Close()

	svc.ScheduleTranscript("call-1", "gs://bucket/transcripts/call-1.json")

	require.Eventually(t, func() bool {
		return len(repo.forCall("call-1")) == 1
	}, time.Second, 5*time.Millisecond)

	upd := repo.forCall("call-1")[0]
	require.NotNil(t, upd.Transcript)
	assert.Contains(t, string(*upd.Transcript), "no conversation")
}

func TestScheduleTranscriptInvalidJSONStoresEmptyMarker(t *testing.T) {
	repo := newUpdateRecorder()
	store := &fakeStore{objects: map[string][]byte{
		"transcripts/call-1.json": []byte("not json at all"),
	}}
	svc := NewArtifactService(repo, store, time.Millisecond, time.Millisecond)
	defer svc.Close()

	svc.ScheduleTranscript("call-1", "gs://bucket/transcripts/call-1.json")

	require.Eventually(t, func() bool {
		return len(repo.forCall("call-1")) == 1
	}, time.Second, 5*time.Millisecond)

	upd := repo.forCall("call-1")[0]
	require.NotNil(t, upd.Transcript)
	assert.Contains(t, string(*upd.Transcript), "no conversation")
}

func TestScheduleRecordingPresignsWhenPresent(t *testing.T) {
	repo := newUpdateRecorder()
	store := &fakeStore{objects: map[string][]byte{
		"recordings/call-1.ogg": []byte("audio"),
	}}
	svc := NewArtifactService(repo, store, time.Millisecond, time.Millisecond)
	defer svc.Close()

	svc.ScheduleRecording("call-1", "gs://bucket/recordings/call-1.ogg")

	require.Eventually(t, func() bool {
		return len(repo.forCall("call-1")) == 1
	}, time.Second, 5*time.Millisecond)

	upd := repo.forCall("call-1")[0]
	require.NotNil(t, upd.RecordingURL)
	assert.Equal(t, "https://signed.example.com/recordings/call-1.ogg", *upd.RecordingURL)
}

func TestScheduleRecordingMissingLeavesRecordUntouched(t *testing.T) {
	repo := newUpdateRecorder()
	store := &fakeStore{objects: map[string][]byte{}}
	svc := NewArtifactService(repo, store, time.Millisecond, time.Millisecond)

	svc.ScheduleRecording("call-1", "gs://bucket/recordings/call-1.ogg")
	svc.Close()

	assert.Empty(t, repo.forCall("call-1"))
}

func TestCloseCancelsPendingFetches(t *testing.T) {
	repo := newUpdateRecorder()
	store := &fakeStore{objects: map[string][]byte{
		"transcripts/call-1.json": []byte(`{}`),
	}}
	svc := NewArtifactService(repo, store, time.Hour, time.Hour)

	svc.ScheduleTranscript("call-1", "gs://bucket/transcripts/call-1.json")
	svc.Close()

	assert.Empty(t, repo.forCall("call-1"))
}
