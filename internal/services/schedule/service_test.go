package schedule

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sumalabs/suma-call-service/internal/domain"
)

// fakeAppointmentRepo books atomically under a mutex the way the real one
// books under the transaction's row locks.
type fakeAppointmentRepo struct {
	mu    sync.Mutex
	appts []*domain.Appointment
}

func (f *fakeAppointmentRepo) BookIfFree(_ context.Context, appt *domain.Appointment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.appts {
		if appt.ConflictsWith(existing) {
			return domain.ErrAppointmentConflict
		}
	}
	cp := *appt
	f.appts = append(f.appts, &cp)
	return nil
}

func (f *fakeAppointmentRepo) HasConflict(_ context.Context, userID int, date, start, end string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	probe := domain.Appointment{UserID: userID, Date: date, StartTime: start, EndTime: end}
	for _, existing := range f.appts {
		if probe.ConflictsWith(existing) {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeAppointmentRepo) ListByUser(_ context.Context, userID int, fromDate string) ([]*domain.Appointment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.Appointment
	for _, a := range f.appts {
		if a.UserID != userID {
			continue
		}
		if fromDate != "" && a.Date < fromDate {
			continue
		}
		cp := *a
		out = append(out, &cp)
	}
	return out, nil
}

func validRequest() BookingRequest {
	return BookingRequest{
		UserID:        7,
		Date:          "2026-03-10",
		StartTime:     "10:00",
		EndTime:       "11:00",
		AttendeeEmail: "lead@example.com",
		Title:         "Product walkthrough",
	}
}

func TestBook(t *testing.T) {
	svc := NewScheduleService(&fakeAppointmentRepo{})

	appt, err := svc.Book(context.Background(), validRequest())
	require.NoError(t, err)
	assert.Equal(t, domain.AppointmentStatusScheduled, appt.Status)
	assert.Equal(t, "2026-03-10", appt.Date)
}

func TestBookConflict(t *testing.T) {
	svc := NewScheduleService(&fakeAppointmentRepo{})

	_, err := svc.Book(context.Background(), validRequest())
	require.NoError(t, err)

	overlapping := validRequest()
	overlapping.StartTime = "10:30"
	overlapping.EndTime = "11:30"
	_, err = svc.Book(context.Background(), overlapping)
	assert.ErrorIs(t, err, domain.ErrAppointmentConflict)

	// the adjacent slot is still free
	adjacent := validRequest()
	adjacent.StartTime = "11:00"
	adjacent.EndTime = "12:00"
	_, err = svc.Book(context.Background(), adjacent)
	assert.NoError(t, err)
}

func TestBookNormalizesUnpaddedTimes(t *testing.T) {
	svc := NewScheduleService(&fakeAppointmentRepo{})

	first := validRequest()
	first.StartTime = "09:00"
	first.EndTime = "10:00"
	_, err := svc.Book(context.Background(), first)
	require.NoError(t, err)

	// "9:00" parses but would sort after "09:xx" as a raw string; it has to
	// be canonicalized before the overlap check sees it.
	unpadded := validRequest()
	unpadded.StartTime = "9:00"
	unpadded.EndTime = "9:30"
	_, err = svc.Book(context.Background(), unpadded)
	assert.ErrorIs(t, err, domain.ErrAppointmentConflict)

	later := validRequest()
	later.StartTime = "9:00"
	later.EndTime = "9:30"
	later.Date = "2026-3-11"
	appt, err := svc.Book(context.Background(), later)
	require.NoError(t, err)
	assert.Equal(t, "09:00", appt.StartTime)
	assert.Equal(t, "09:30", appt.EndTime)
	assert.Equal(t, "2026-03-11", appt.Date)
}

func TestBookValidation(t *testing.T) {
	svc := NewScheduleService(&fakeAppointmentRepo{})

	cases := []struct {
		name   string
		mutate func(*BookingRequest)
	}{
		{"missing user", func(r *BookingRequest) { r.UserID = 0 }},
		{"missing email", func(r *BookingRequest) { r.AttendeeEmail = "" }},
		{"bad date", func(r *BookingRequest) { r.Date = "10/03/2026" }},
		{"bad start time", func(r *BookingRequest) { r.StartTime = "10am" }},
		{"bad end time", func(r *BookingRequest) { r.EndTime = "25:00" }},
		{"start after end", func(r *BookingRequest) { r.StartTime = "12:00"; r.EndTime = "11:00" }},
		{"zero length", func(r *BookingRequest) { r.StartTime = "11:00"; r.EndTime = "11:00" }},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			req := validRequest()
			c.mutate(&req)
			_, err := svc.Book(context.Background(), req)
			assert.ErrorIs(t, err, domain.ErrInvalidBooking)
		})
	}
}

func TestBookConcurrentOneWinner(t *testing.T) {
	svc := NewScheduleService(&fakeAppointmentRepo{})

	var wg sync.WaitGroup
	var mu sync.Mutex
	booked, conflicts := 0, 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Book(context.Background(), validRequest())
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				booked++
			case err == domain.ErrAppointmentConflict:
				conflicts++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, booked)
	assert.Equal(t, 9, conflicts)
}

func TestCheckSlot(t *testing.T) {
	repo := &fakeAppointmentRepo{}
	svc := NewScheduleService(repo)

	free, err := svc.CheckSlot(context.Background(), 7, "2026-03-10", "10:00", "11:00")
	require.NoError(t, err)
	assert.True(t, free)

	_, err = svc.Book(context.Background(), validRequest())
	require.NoError(t, err)

	free, err = svc.CheckSlot(context.Background(), 7, "2026-03-10", "10:30", "11:30")
	require.NoError(t, err)
	assert.False(t, free)

	_, err = svc.CheckSlot(context.Background(), 7, "2026-03-10", "bad", "11:00")
	assert.ErrorIs(t, err, domain.ErrInvalidBooking)
}

func TestList(t *testing.T) {
	repo := &fakeAppointmentRepo{}
	svc := NewScheduleService(repo)

	first := validRequest()
	_, err := svc.Book(context.Background(), first)
	require.NoError(t, err)

	later := validRequest()
	later.Date = "2026-03-20"
	_, err = svc.Book(context.Background(), later)
	require.NoError(t, err)

	all, err := svc.List(context.Background(), 7, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	upcoming, err := svc.List(context.Background(), 7, "2026-03-15")
	require.NoError(t, err)
	assert.Len(t, upcoming, 1)
	assert.Equal(t, "2026-03-20", upcoming[0].Date)

	_, err = svc.List(context.Background(), 7, "not-a-date")
	assert.ErrorIs(t, err, domain.ErrInvalidBooking)
}
