package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sumalabs/suma-call-service/internal/domain"
	"github.com/sumalabs/suma-call-service/pkg/logger"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AgentEventDedupWindow is the timestamp-proximity window inside which two
// agent self-reports of the same type count as one retried report.
const AgentEventDedupWindow = 5 * time.Second

// GormCallRepository handles database operations for call records. Every
// operation goes through the connection manager's retry discipline.
type GormCallRepository struct {
	mgr *ConnectionManager
}

// NewGormCallRepository creates a new call repository.
func NewGormCallRepository(mgr *ConnectionManager) *GormCallRepository {
	return &GormCallRepository{mgr: mgr}
}

// Create inserts a new call record.
func (r *GormCallRepository) Create(ctx context.Context, rec *domain.CallRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if rec.EventsLog == nil {
		rec.EventsLog = domain.EventLog{}
	}
	if rec.AgentEvents == nil {
		rec.AgentEvents = domain.AgentEventLog{}
	}
	return r.mgr.Run(ctx, func(db *gorm.DB) error {
		if err := db.Create(rec).Error; err != nil {
			return fmt.Errorf("failed to create call record: %w", err)
		}
		return nil
	})
}

// GetByCallID retrieves a call record by its call id.
func (r *GormCallRepository) GetByCallID(ctx context.Context, callID string) (*domain.CallRecord, error) {
	var rec domain.CallRecord
	err := r.mgr.Run(ctx, func(db *gorm.DB) error {
		if err := db.Where("call_id = ?", callID).First(&rec).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return domain.ErrCallNotFound
			}
			return fmt.Errorf("failed to get call record: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListByUser returns one page of a user's call history, newest first, with
// completed/not-completed counts for the whole set.
func (r *GormCallRepository) ListByUser(ctx context.Context, userID, page, pageSize int) (*CallHistoryPage, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 10
	}

	result := &CallHistoryPage{Page: page, PageSize: pageSize}
	err := r.mgr.Run(ctx, func(db *gorm.DB) error {
		model := db.Model(&domain.CallRecord{}).Where("user_id = ?", userID)
		if err := model.Count(&result.Total).Error; err != nil {
			return fmt.Errorf("failed to count call records: %w", err)
		}
		if err := db.Model(&domain.CallRecord{}).
			Where("user_id = ? AND status = ?", userID, string(domain.StatusCompleted)).
			Count(&result.Completed).Error; err != nil {
			return fmt.Errorf("failed to count completed calls: %w", err)
		}
		result.NotCompleted = result.Total - result.Completed

		offset := (page - 1) * pageSize
		if err := db.Where("user_id = ?", userID).
			Order("created_at DESC").
			Limit(pageSize).Offset(offset).
			Find(&result.Calls).Error; err != nil {
			return fmt.Errorf("failed to list call records: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Update applies a typed update to the row without reading it first.
func (r *GormCallRepository) Update(ctx context.Context, callID string, upd *CallUpdate) error {
	cols := upd.columns()
	if cols == nil {
		return nil
	}
	return r.mgr.Run(ctx, func(db *gorm.DB) error {
		res := db.Model(&domain.CallRecord{}).Where("call_id = ?", callID).Updates(cols)
		if res.Error != nil {
			return fmt.Errorf("failed to update call record: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return domain.ErrCallNotFound
		}
		return nil
	})
}

// Mutate runs fn against the row locked FOR UPDATE inside one transaction.
// Two concurrent mutations for the same call serialize on the row lock, so a
// read-then-write sequence can never lose an update.
func (r *GormCallRepository) Mutate(ctx context.Context, callID string, fn func(rec *domain.CallRecord) (*CallUpdate, error)) (*domain.CallRecord, error) {
	var snapshot domain.CallRecord
	err := r.mgr.Run(ctx, func(db *gorm.DB) error {
		return db.Transaction(func(tx *gorm.DB) error {
			var rec domain.CallRecord
			if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
				Where("call_id = ?", callID).
				First(&rec).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return domain.ErrCallNotFound
				}
				return fmt.Errorf("failed to lock call record: %w", err)
			}

			upd, err := fn(&rec)
			if err != nil {
				return err
			}
			snapshot = rec

			cols := upd.columns()
			if cols == nil {
				return nil
			}
			if err := tx.Model(&domain.CallRecord{}).Where("call_id = ?", callID).Updates(cols).Error; err != nil {
				return fmt.Errorf("failed to apply call update: %w", err)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return &snapshot, nil
}

// AppendEvent appends a platform event to the call's event log, deduplicated
// by event name. An unknown call id is logged and dropped, not an error:
// webhooks can outlive their call record.
func (r *GormCallRepository) AppendEvent(ctx context.Context, callID, name string, data map[string]interface{}) error {
	_, err := r.Mutate(ctx, callID, func(rec *domain.CallRecord) (*CallUpdate, error) {
		if rec.EventsLog.Has(name) {
			logger.Base().Info("duplicate event ignored",
				zap.String("call_id", callID),
				zap.String("event", name))
			return nil, nil
		}
		log := append(rec.EventsLog, domain.CallEvent{
			Event:     name,
			Timestamp: time.Now().UTC(),
			Data:      data,
		})
		return &CallUpdate{EventsLog: &log}, nil
	})
	if errors.Is(err, domain.ErrCallNotFound) {
		logger.Base().Warn("call not found for event",
			zap.String("call_id", callID),
			zap.String("event", name))
		return nil
	}
	return err
}

// AppendAgentEvent appends an agent self-report, deduplicated by event type
// plus timestamp proximity against the caller-supplied timestamps.
func (r *GormCallRepository) AppendAgentEvent(ctx context.Context, callID, eventType string, data map[string]interface{}, ts time.Time) error {
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	_, err := r.Mutate(ctx, callID, func(rec *domain.CallRecord) (*CallUpdate, error) {
		if rec.AgentEvents.HasNear(eventType, ts, AgentEventDedupWindow) {
			logger.Base().Info("duplicate agent event ignored",
				zap.String("call_id", callID),
				zap.String("event_type", eventType))
			return nil, nil
		}
		log := append(rec.AgentEvents, domain.AgentEvent{
			EventType:  eventType,
			EventData:  data,
			Timestamp:  ts,
			ReceivedAt: time.Now().UTC(),
		})
		return &CallUpdate{AgentEvents: &log}, nil
	})
	if errors.Is(err, domain.ErrCallNotFound) {
		logger.Base().Warn("call not found for agent event",
			zap.String("call_id", callID),
			zap.String("event_type", eventType))
		return nil
	}
	return err
}
