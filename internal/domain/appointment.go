package domain

import "time"

// AppointmentStatusScheduled marks appointments that participate in conflict
// detection. Cancelled or otherwise inactive rows never block a slot.
const AppointmentStatusScheduled = "scheduled"

// Appointment is one booked slot created by the agent mid-call. Date is
// "2006-01-02"; StartTime/EndTime are zero-padded "15:04" wall-clock strings,
// interpreted as the half-open interval [start, end).
type Appointment struct {
	ID            uint      `json:"id" gorm:"column:id;primaryKey"`
	UserID        int       `json:"user_id" gorm:"column:user_id;index:idx_appointments_user_date"`
	Date          string    `json:"date" gorm:"column:appointment_date;type:date;index:idx_appointments_user_date"`
	StartTime     string    `json:"start_time" gorm:"column:start_time"`
	EndTime       string    `json:"end_time" gorm:"column:end_time"`
	AttendeeEmail string    `json:"attendee_email" gorm:"column:attendee_email"`
	AttendeeName  string    `json:"attendee_name,omitempty" gorm:"column:attendee_name"`
	Title         string    `json:"title" gorm:"column:title"`
	Description   string    `json:"description,omitempty" gorm:"column:description"`
	Notes         string    `json:"notes,omitempty" gorm:"column:notes"`
	Status        string    `json:"status" gorm:"column:status"`
	CreatedAt     time.Time `json:"created_at" gorm:"column:created_at"`
}

func (Appointment) TableName() string {
	return "appointments"
}

// Overlaps reports whether the half-open intervals [s1,e1) and [s2,e2)
// intersect. Zero-padded HH:MM strings compare correctly lexicographically,
// so touching intervals (e1 == s2) do not overlap.
func Overlaps(s1, e1, s2, e2 string) bool {
	return s1 < e2 && s2 < e1
}

// ConflictsWith reports whether another scheduled appointment on the same
// date blocks this one.
func (a *Appointment) ConflictsWith(other *Appointment) bool {
	if other.Status != AppointmentStatusScheduled {
		return false
	}
	if a.UserID != other.UserID || a.Date != other.Date {
		return false
	}
	return Overlaps(a.StartTime, a.EndTime, other.StartTime, other.EndTime)
}
