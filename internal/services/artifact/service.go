package artifact

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/sumalabs/suma-call-service/internal/domain"
	"github.com/sumalabs/suma-call-service/internal/repository"
	"github.com/sumalabs/suma-call-service/pkg/gcs"
	"github.com/sumalabs/suma-call-service/pkg/logger"
	"go.uber.org/zap"
)

// emptyTranscript marks a call whose transcript object never appeared. A
// marker instead of null keeps pollers from treating "fetched and empty" as
// "not fetched yet".
var emptyTranscript = domain.JSONDocument(`{"items":[],"note":"no conversation"}`)

// presignExpiry is how long materialized recording URLs stay valid.
const presignExpiry = 7 * 24 * time.Hour

// BlobStore is the subset of the object store the materializer needs.
type BlobStore interface {
	Download(ctx context.Context, objectPath string) ([]byte, error)
	Exists(ctx context.Context, objectPath string) (bool, error)
	GetPresignedURL(ctx context.Context, gcsURI string, expiresAt time.Time) (string, error)
	ObjectPath(gcsURI string) string
}

// ArtifactService materializes post-call artifacts: it fetches transcripts
// and resolves recording URLs after a delay, since egress uploads lag the
// call end. Each blob gets exactly one attempt.
type ArtifactService struct {
	calls repository.CallRepository
	store BlobStore

	transcriptDelay time.Duration
	recordingDelay  time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewArtifactService creates a new artifact service.
func NewArtifactService(calls repository.CallRepository, store BlobStore, transcriptDelay, recordingDelay time.Duration) *ArtifactService {
	ctx, cancel := context.WithCancel(context.Background())
	return &ArtifactService{
		calls:           calls,
		store:           store,
		transcriptDelay: transcriptDelay,
		recordingDelay:  recordingDelay,
		ctx:             ctx,
		cancel:          cancel,
	}
}

// ScheduleTranscript fetches the transcript blob after the configured delay
// and stores its parsed content on the call record.
func (s *ArtifactService) ScheduleTranscript(callID, blobPath string) {
	s.schedule(s.transcriptDelay, func(ctx context.Context) {
		s.fetchTranscript(ctx, callID, blobPath)
	})
}

// ScheduleRecording checks the recording blob after the configured delay and
// stores a presigned playback URL on the call record.
func (s *ArtifactService) ScheduleRecording(callID, blobPath string) {
	s.schedule(s.recordingDelay, func(ctx context.Context) {
		s.fetchRecording(ctx, callID, blobPath)
	})
}

func (s *ArtifactService) schedule(delay time.Duration, fn func(ctx context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		select {
		case <-time.After(delay):
		case <-s.ctx.Done():
			return
		}
		ctx, cancel := context.WithTimeout(s.ctx, 30*time.Second)
		defer cancel()
		fn(ctx)
	}()
}

func (s *ArtifactService) fetchTranscript(ctx context.Context, callID, blobPath string) {
	data, err := s.store.Download(ctx, s.store.ObjectPath(blobPath))
	if err != nil {
		if errors.Is(err, gcs.ErrObjectNotFound) {
			logger.Base().Info("transcript not uploaded, storing empty marker",
				zap.String("call_id", callID), zap.String("blob", blobPath))
			s.storeTranscript(ctx, callID, emptyTranscript)
			return
		}
		logger.Base().Error("Failed to fetch transcript",
			zap.String("call_id", callID), zap.String("blob", blobPath), zap.Error(err))
		return
	}

	if !json.Valid(data) {
		logger.Base().Warn("transcript blob is not valid JSON, storing empty marker",
			zap.String("call_id", callID), zap.String("blob", blobPath))
		s.storeTranscript(ctx, callID, emptyTranscript)
		return
	}

	s.storeTranscript(ctx, callID, domain.JSONDocument(data))
	logger.Base().Info("Transcript materialized",
		zap.String("call_id", callID), zap.Int("bytes", len(data)))
}

func (s *ArtifactService) storeTranscript(ctx context.Context, callID string, doc domain.JSONDocument) {
	if err := s.calls.Update(ctx, callID, &repository.CallUpdate{Transcript: &doc}); err != nil {
		logger.Base().Error("Failed to store transcript",
			zap.String("call_id", callID), zap.Error(err))
	}
}

func (s *ArtifactService) fetchRecording(ctx context.Context, callID, blobPath string) {
	exists, err := s.store.Exists(ctx, s.store.ObjectPath(blobPath))
	if err != nil {
		logger.Base().Error("Failed to check recording",
			zap.String("call_id", callID), zap.String("blob", blobPath), zap.Error(err))
		return
	}
	if !exists {
		logger.Base().Info("recording not uploaded yet",
			zap.String("call_id", callID), zap.String("blob", blobPath))
		return
	}

	url, err := s.store.GetPresignedURL(ctx, blobPath, time.Now().Add(presignExpiry))
	if err != nil {
		logger.Base().Error("Failed to presign recording url",
			zap.String("call_id", callID), zap.String("blob", blobPath), zap.Error(err))
		return
	}

	if err := s.calls.Update(ctx, callID, &repository.CallUpdate{RecordingURL: &url}); err != nil {
		logger.Base().Error("Failed to store recording url",
			zap.String("call_id", callID), zap.Error(err))
		return
	}
	logger.Base().Info("Recording materialized", zap.String("call_id", callID))
}

// Close stops pending fetches and waits for in-flight ones.
func (s *ArtifactService) Close() {
	s.cancel()
	s.wg.Wait()
}
