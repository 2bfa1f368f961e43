package repository

import (
	"context"
	"time"

	"github.com/sumalabs/suma-call-service/internal/domain"
)

// CallUpdate is the closed set of columns the reconciliation logic may touch.
// Keeping the set typed means no runtime column-name validation and no
// free-form map updates.
type CallUpdate struct {
	Status         *domain.CallStatus
	Duration       *float64
	StartedAt      *time.Time
	EndedAt        *time.Time
	RecordingURL   *string
	TranscriptBlob *string
	RecordingBlob  *string
	Transcript     *domain.JSONDocument
	Summary        *string
	EventsLog      *domain.EventLog
	AgentEvents    *domain.AgentEventLog
}

// IsEmpty reports whether the update would change nothing.
func (u *CallUpdate) IsEmpty() bool {
	return u == nil || u.columns() == nil
}

// columns maps set fields onto their column names.
func (u *CallUpdate) columns() map[string]interface{} {
	if u == nil {
		return nil
	}
	cols := map[string]interface{}{}
	if u.Status != nil {
		cols["status"] = string(*u.Status)
	}
	if u.Duration != nil {
		cols["duration"] = *u.Duration
	}
	if u.StartedAt != nil {
		cols["started_at"] = *u.StartedAt
	}
	if u.EndedAt != nil {
		cols["ended_at"] = *u.EndedAt
	}
	if u.RecordingURL != nil {
		cols["recording_url"] = *u.RecordingURL
	}
	if u.TranscriptBlob != nil {
		cols["transcript_blob"] = *u.TranscriptBlob
	}
	if u.RecordingBlob != nil {
		cols["recording_blob"] = *u.RecordingBlob
	}
	if u.Transcript != nil {
		cols["transcript"] = *u.Transcript
	}
	if u.Summary != nil {
		cols["summary"] = *u.Summary
	}
	if u.EventsLog != nil {
		cols["events_log"] = *u.EventsLog
	}
	if u.AgentEvents != nil {
		cols["agent_events"] = *u.AgentEvents
	}
	if len(cols) == 0 {
		return nil
	}
	return cols
}

// CallHistoryPage is one page of a user's call history.
type CallHistoryPage struct {
	Calls        []*domain.CallRecord
	Total        int64
	Completed    int64
	NotCompleted int64
	Page         int
	PageSize     int
}

// CallRepository persists call records and their event logs. All mutating
// operations serialize per call id via row locking so concurrent webhook
// deliveries cannot clobber each other.
type CallRepository interface {
	Create(ctx context.Context, rec *domain.CallRecord) error

	// GetByCallID returns domain.ErrCallNotFound for unknown ids.
	GetByCallID(ctx context.Context, callID string) (*domain.CallRecord, error)

	ListByUser(ctx context.Context, userID, page, pageSize int) (*CallHistoryPage, error)

	// Update applies a typed update without reading the row first.
	Update(ctx context.Context, callID string, upd *CallUpdate) error

	// Mutate runs fn against the row locked FOR UPDATE inside one transaction
	// and applies the returned update atomically. fn returning a nil update
	// commits nothing. Returns the row as fn saw it.
	Mutate(ctx context.Context, callID string, fn func(rec *domain.CallRecord) (*CallUpdate, error)) (*domain.CallRecord, error)

	// AppendEvent appends a platform event, deduplicated by event name.
	// Unknown call ids are logged and ignored.
	AppendEvent(ctx context.Context, callID, name string, data map[string]interface{}) error

	// AppendAgentEvent appends an agent self-report, deduplicated by type and
	// timestamp proximity.
	AppendAgentEvent(ctx context.Context, callID, eventType string, data map[string]interface{}, ts time.Time) error
}

// AppointmentRepository persists appointments and guards bookings against
// double-booked slots.
type AppointmentRepository interface {
	// BookIfFree atomically checks the slot and inserts, returning
	// domain.ErrAppointmentConflict when an overlapping scheduled
	// appointment exists.
	BookIfFree(ctx context.Context, appt *domain.Appointment) error

	HasConflict(ctx context.Context, userID int, date, start, end string) (bool, error)

	ListByUser(ctx context.Context, userID int, fromDate string) ([]*domain.Appointment, error)
}

// RepositoryManager combines all repositories behind the connection manager.
type RepositoryManager interface {
	Calls() CallRepository
	Appointments() AppointmentRepository
	Ping(ctx context.Context) error
	Close() error
}

// GormRepositoryManager implements RepositoryManager on top of the
// ConnectionManager.
type GormRepositoryManager struct {
	mgr   *ConnectionManager
	calls *GormCallRepository
	appts *GormAppointmentRepository
}

// NewRepositoryManager opens the database, runs migrations and wires the
// repositories.
func NewRepositoryManager(cfg *DatabaseConfig) (RepositoryManager, error) {
	mgr, err := NewConnectionManager(cfg)
	if err != nil {
		return nil, err
	}
	if err := AutoMigrate(mgr); err != nil {
		mgr.Close()
		return nil, err
	}
	return NewGormRepositoryManager(mgr), nil
}

// NewGormRepositoryManager wires repositories over an existing connection
// manager.
func NewGormRepositoryManager(mgr *ConnectionManager) *GormRepositoryManager {
	return &GormRepositoryManager{
		mgr:   mgr,
		calls: NewGormCallRepository(mgr),
		appts: NewGormAppointmentRepository(mgr),
	}
}

// AutoMigrate runs database migrations for all models.
func AutoMigrate(mgr *ConnectionManager) error {
	return mgr.DB().AutoMigrate(
		&domain.CallRecord{},
		&domain.Appointment{},
	)
}

// Calls returns the call repository.
func (m *GormRepositoryManager) Calls() CallRepository {
	return m.calls
}

// Appointments returns the appointment repository.
func (m *GormRepositoryManager) Appointments() AppointmentRepository {
	return m.appts
}

// Ping checks the database connection.
func (m *GormRepositoryManager) Ping(ctx context.Context) error {
	return m.mgr.Ping(ctx)
}

// Close closes the database connection.
func (m *GormRepositoryManager) Close() error {
	return m.mgr.Close()
}
