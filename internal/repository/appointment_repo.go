package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/sumalabs/suma-call-service/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormAppointmentRepository handles database operations for appointments.
type GormAppointmentRepository struct {
	mgr *ConnectionManager
}

// NewGormAppointmentRepository creates a new appointment repository.
func NewGormAppointmentRepository(mgr *ConnectionManager) *GormAppointmentRepository {
	return &GormAppointmentRepository{mgr: mgr}
}

// BookIfFree inserts the appointment unless it overlaps a scheduled one for
// the same user and date. The conflict check and the insert run in one
// transaction with the day's rows locked, so two concurrent bookings of the
// same slot serialize and exactly one wins.
func (r *GormAppointmentRepository) BookIfFree(ctx context.Context, appt *domain.Appointment) error {
	if appt.Status == "" {
		appt.Status = domain.AppointmentStatusScheduled
	}
	if appt.CreatedAt.IsZero() {
		appt.CreatedAt = time.Now().UTC()
	}
	return r.mgr.Run(ctx, func(db *gorm.DB) error {
		return db.Transaction(func(tx *gorm.DB) error {
			var existing []domain.Appointment
			if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
				Where("user_id = ? AND appointment_date = ? AND status = ?",
					appt.UserID, appt.Date, domain.AppointmentStatusScheduled).
				Find(&existing).Error; err != nil {
				return fmt.Errorf("failed to load appointments: %w", err)
			}
			for i := range existing {
				if appt.ConflictsWith(&existing[i]) {
					return domain.ErrAppointmentConflict
				}
			}
			if err := tx.Create(appt).Error; err != nil {
				return fmt.Errorf("failed to create appointment: %w", err)
			}
			return nil
		})
	})
}

// HasConflict reports whether the slot overlaps any scheduled appointment for
// the user on that date. Read-only, so the answer can go stale by the time a
// booking follows it.
func (r *GormAppointmentRepository) HasConflict(ctx context.Context, userID int, date, startTime, endTime string) (bool, error) {
	probe := domain.Appointment{UserID: userID, Date: date, StartTime: startTime, EndTime: endTime}
	conflict := false
	err := r.mgr.Run(ctx, func(db *gorm.DB) error {
		var existing []domain.Appointment
		if err := db.Where("user_id = ? AND appointment_date = ? AND status = ?",
			userID, date, domain.AppointmentStatusScheduled).
			Find(&existing).Error; err != nil {
			return fmt.Errorf("failed to load appointments: %w", err)
		}
		for i := range existing {
			if probe.ConflictsWith(&existing[i]) {
				conflict = true
				return nil
			}
		}
		return nil
	})
	return conflict, err
}

// ListByUser returns the user's appointments ordered by date and start time.
// fromDate, when non-empty, drops rows before that date.
func (r *GormAppointmentRepository) ListByUser(ctx context.Context, userID int, fromDate string) ([]*domain.Appointment, error) {
	var appts []*domain.Appointment
	err := r.mgr.Run(ctx, func(db *gorm.DB) error {
		q := db.Where("user_id = ?", userID)
		if fromDate != "" {
			q = q.Where("appointment_date >= ?", fromDate)
		}
		if err := q.Order("appointment_date ASC, start_time ASC").
			Find(&appts).Error; err != nil {
			return fmt.Errorf("failed to list appointments: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return appts, nil
}
