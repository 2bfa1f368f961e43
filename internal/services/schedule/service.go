package schedule

import (
	"context"
	"fmt"
	"time"

	"github.com/sumalabs/suma-call-service/internal/domain"
	"github.com/sumalabs/suma-call-service/internal/repository"
	"github.com/sumalabs/suma-call-service/pkg/logger"
	"go.uber.org/zap"
)

const (
	dateLayout = "2006-01-02"
	timeLayout = "15:04"
)

// ScheduleService books appointments on behalf of the in-call agent and
// answers availability queries.
type ScheduleService struct {
	appointments repository.AppointmentRepository
}

// NewScheduleService creates a new schedule service.
func NewScheduleService(appointments repository.AppointmentRepository) *ScheduleService {
	return &ScheduleService{appointments: appointments}
}

// BookingRequest describes one slot to book.
type BookingRequest struct {
	UserID        int    `json:"user_id"`
	Date          string `json:"date"`
	StartTime     string `json:"start_time"`
	EndTime       string `json:"end_time"`
	AttendeeEmail string `json:"attendee_email"`
	AttendeeName  string `json:"attendee_name,omitempty"`
	Title         string `json:"title"`
	Description   string `json:"description,omitempty"`
	Notes         string `json:"notes,omitempty"`
}

// validate checks the request and rewrites date and times into their
// canonical zero-padded forms. Overlap checks compare these strings
// lexicographically, so an unpadded "9:00" must become "09:00" before it
// is ever stored or compared.
func (r *BookingRequest) validate() error {
	if r.UserID <= 0 {
		return fmt.Errorf("%w: user_id is required", domain.ErrInvalidBooking)
	}
	if r.AttendeeEmail == "" {
		return fmt.Errorf("%w: attendee_email is required", domain.ErrInvalidBooking)
	}
	date, err := normalizeDate(r.Date)
	if err != nil {
		return fmt.Errorf("%w: date must be YYYY-MM-DD", domain.ErrInvalidBooking)
	}
	start, err := normalizeTime(r.StartTime)
	if err != nil {
		return fmt.Errorf("%w: start_time must be HH:MM", domain.ErrInvalidBooking)
	}
	end, err := normalizeTime(r.EndTime)
	if err != nil {
		return fmt.Errorf("%w: end_time must be HH:MM", domain.ErrInvalidBooking)
	}
	if start >= end {
		return fmt.Errorf("%w: start_time must be before end_time", domain.ErrInvalidBooking)
	}
	r.Date = date
	r.StartTime = start
	r.EndTime = end
	return nil
}

func normalizeDate(value string) (string, error) {
	t, err := time.Parse(dateLayout, value)
	if err != nil {
		return "", err
	}
	return t.Format(dateLayout), nil
}

func normalizeTime(value string) (string, error) {
	t, err := time.Parse(timeLayout, value)
	if err != nil {
		return "", err
	}
	return t.Format(timeLayout), nil
}

// Book validates the slot and books it atomically. Returns
// domain.ErrAppointmentConflict when the slot is taken.
func (s *ScheduleService) Book(ctx context.Context, req BookingRequest) (*domain.Appointment, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	appt := &domain.Appointment{
		UserID:        req.UserID,
		Date:          req.Date,
		StartTime:     req.StartTime,
		EndTime:       req.EndTime,
		AttendeeEmail: req.AttendeeEmail,
		AttendeeName:  req.AttendeeName,
		Title:         req.Title,
		Description:   req.Description,
		Notes:         req.Notes,
		Status:        domain.AppointmentStatusScheduled,
	}
	if err := s.appointments.BookIfFree(ctx, appt); err != nil {
		return nil, err
	}

	logger.Base().Info("Appointment booked",
		zap.Int("user_id", appt.UserID),
		zap.String("date", appt.Date),
		zap.String("start_time", appt.StartTime),
		zap.String("end_time", appt.EndTime))
	return appt, nil
}

// CheckSlot reports whether the slot is free. Advisory only: the answer can
// go stale before a booking follows it, so Book still re-checks atomically.
func (s *ScheduleService) CheckSlot(ctx context.Context, userID int, date, startTime, endTime string) (bool, error) {
	date, err := normalizeDate(date)
	if err != nil {
		return false, fmt.Errorf("%w: date must be YYYY-MM-DD", domain.ErrInvalidBooking)
	}
	startTime, err = normalizeTime(startTime)
	if err != nil {
		return false, fmt.Errorf("%w: start_time must be HH:MM", domain.ErrInvalidBooking)
	}
	endTime, err = normalizeTime(endTime)
	if err != nil {
		return false, fmt.Errorf("%w: end_time must be HH:MM", domain.ErrInvalidBooking)
	}
	if startTime >= endTime {
		return false, fmt.Errorf("%w: start_time must be before end_time", domain.ErrInvalidBooking)
	}
	conflict, err := s.appointments.HasConflict(ctx, userID, date, startTime, endTime)
	if err != nil {
		return false, err
	}
	return !conflict, nil
}

// List returns the user's appointments from fromDate onward, all of them
// when fromDate is empty.
func (s *ScheduleService) List(ctx context.Context, userID int, fromDate string) ([]*domain.Appointment, error) {
	if fromDate != "" {
		normalized, err := normalizeDate(fromDate)
		if err != nil {
			return nil, fmt.Errorf("%w: from date must be YYYY-MM-DD", domain.ErrInvalidBooking)
		}
		fromDate = normalized
	}
	return s.appointments.ListByUser(ctx, userID, fromDate)
}
