package domain

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// CallStatus is the canonical call lifecycle status.
type CallStatus string

const (
	StatusInitialized CallStatus = "initialized"
	StatusDialing     CallStatus = "dialing"
	StatusConnected   CallStatus = "connected"
	StatusCompleted   CallStatus = "completed"
	StatusUnanswered  CallStatus = "unanswered"

	// StatusNotFound is returned by status queries for unknown call ids. It is
	// never stored.
	StatusNotFound CallStatus = "not_found"
)

// SIPParticipantPrefix tags the outbound telephony leg in participant
// identities. A participant_joined event with this prefix means the dialed
// party actually picked up.
const SIPParticipantPrefix = "sip-"

// legacy labels still found in rows written by earlier versions
var legacyStatusMap = map[string]CallStatus{
	"initiated":    StatusInitialized,
	"in_progress":  StatusConnected,
	"failed":       StatusUnanswered,
	"not_attended": StatusUnanswered,
}

// NormalizeStatus maps a stored status label onto the canonical set. Unknown
// labels normalize to initialized.
func NormalizeStatus(s string) CallStatus {
	switch CallStatus(s) {
	case StatusInitialized, StatusDialing, StatusConnected, StatusCompleted, StatusUnanswered:
		return CallStatus(s)
	}
	if mapped, ok := legacyStatusMap[strings.ToLower(s)]; ok {
		return mapped
	}
	return StatusInitialized
}

// IsTerminal reports whether the status is frozen. Once a call reaches a
// terminal status it never regresses to a non-terminal one.
func (s CallStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusUnanswered
}

// ValidAgentStatus reports whether an agent self-report may carry this status.
// The agent never asserts success directly, so completed is excluded.
func ValidAgentStatus(s string) bool {
	switch CallStatus(s) {
	case StatusInitialized, StatusDialing, StatusConnected, StatusUnanswered:
		return true
	}
	return false
}

// StatusMessage returns the human-readable progress message for a status.
func StatusMessage(s CallStatus) string {
	switch s {
	case StatusInitialized:
		return "Initializing..."
	case StatusDialing:
		return "Dialing..."
	case StatusConnected:
		return "Call in progress"
	case StatusCompleted:
		return "Call completed"
	case StatusUnanswered:
		return "Call not answered"
	}
	return string(s)
}

// CallEvent is one platform-sourced webhook event kept in the per-call log.
type CallEvent struct {
	Event     string                 `json:"event"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// EventLog is the append-only, name-deduplicated sequence of platform events
// for a call. Stored as a jsonb column.
type EventLog []CallEvent

// Has reports whether an event with the given name is already logged.
func (l EventLog) Has(name string) bool {
	for _, ev := range l {
		if ev.Event == name {
			return true
		}
	}
	return false
}

// Answered decides whether the dialed party picked up: either the recording
// pipeline started, or a participant tagged as the telephony leg joined.
func (l EventLog) Answered() bool {
	if l.Has(EventEgressStarted) {
		return true
	}
	for _, ev := range l {
		if ev.Event != EventParticipantJoined {
			continue
		}
		if strings.HasPrefix(participantIdentity(ev.Data), SIPParticipantPrefix) {
			return true
		}
	}
	return false
}

func participantIdentity(data map[string]interface{}) string {
	p, ok := data["participant"].(map[string]interface{})
	if !ok {
		return ""
	}
	identity, _ := p["identity"].(string)
	return identity
}

// Value implements driver.Valuer for jsonb storage.
func (l EventLog) Value() (driver.Value, error) {
	if l == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(l)
}

// Scan implements sql.Scanner.
func (l *EventLog) Scan(src interface{}) error {
	return scanJSON(src, l)
}

// AgentEvent is one self-reported lifecycle event from the agent process.
// Timestamp is caller-supplied; ReceivedAt is assigned server-side.
type AgentEvent struct {
	EventType  string                 `json:"event_type"`
	EventData  map[string]interface{} `json:"event_data,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
	ReceivedAt time.Time              `json:"received_at"`
}

// AgentEventLog is the deduplicated sequence of agent self-reports for a call.
type AgentEventLog []AgentEvent

// HasNear reports whether an event of the same type exists whose
// caller-supplied timestamp falls within tolerance of ts. Retried
// self-reports land inside the window; a legitimately repeated status later
// in the call does not.
func (l AgentEventLog) HasNear(eventType string, ts time.Time, tolerance time.Duration) bool {
	for _, ev := range l {
		if ev.EventType != eventType {
			continue
		}
		d := ts.Sub(ev.Timestamp)
		if d < 0 {
			d = -d
		}
		if d < tolerance {
			return true
		}
	}
	return false
}

// Value implements driver.Valuer for jsonb storage.
func (l AgentEventLog) Value() (driver.Value, error) {
	if l == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(l)
}

// Scan implements sql.Scanner.
func (l *AgentEventLog) Scan(src interface{}) error {
	return scanJSON(src, l)
}

// JSONDocument stores an arbitrary JSON document (object or array) in a jsonb
// column without imposing a shape on it.
type JSONDocument json.RawMessage

// Value implements driver.Valuer.
func (d JSONDocument) Value() (driver.Value, error) {
	if len(d) == 0 {
		return nil, nil
	}
	return []byte(d), nil
}

// Scan implements sql.Scanner.
func (d *JSONDocument) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*d = nil
		return nil
	case []byte:
		*d = append((*d)[:0], v...)
		return nil
	case string:
		*d = JSONDocument(v)
		return nil
	}
	return fmt.Errorf("unsupported jsonb source type %T", src)
}

// MarshalJSON emits the document verbatim.
func (d JSONDocument) MarshalJSON() ([]byte, error) {
	if len(d) == 0 {
		return []byte("null"), nil
	}
	return d, nil
}

// UnmarshalJSON stores the raw bytes.
func (d *JSONDocument) UnmarshalJSON(b []byte) error {
	*d = append((*d)[:0], b...)
	return nil
}

func scanJSON(src, dst interface{}) error {
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		if len(v) == 0 {
			return nil
		}
		return json.Unmarshal(v, dst)
	case string:
		if v == "" {
			return nil
		}
		return json.Unmarshal([]byte(v), dst)
	}
	return fmt.Errorf("unsupported jsonb source type %T", src)
}

// CallRecord is the persisted row for one outbound call. CallID is the
// caller-chosen room name and stays stable for the call's lifetime.
type CallRecord struct {
	ID             uint          `json:"id" gorm:"column:id;primaryKey"`
	UserID         int           `json:"user_id" gorm:"column:user_id;index"`
	CallID         string        `json:"call_id" gorm:"column:call_id;uniqueIndex"`
	Status         string        `json:"status" gorm:"column:status"`
	Duration       float64       `json:"duration" gorm:"column:duration"`
	Transcript     JSONDocument  `json:"transcript,omitempty" gorm:"column:transcript;type:jsonb"`
	Summary        string        `json:"summary,omitempty" gorm:"column:summary"`
	RecordingURL   string        `json:"recording_url,omitempty" gorm:"column:recording_url"`
	TranscriptBlob string        `json:"transcript_blob,omitempty" gorm:"column:transcript_blob"`
	RecordingBlob  string        `json:"recording_blob,omitempty" gorm:"column:recording_blob"`
	VoiceName      string        `json:"voice_name,omitempty" gorm:"column:voice_name"`
	FromNumber     string        `json:"from_number,omitempty" gorm:"column:from_number"`
	ToNumber       string        `json:"to_number,omitempty" gorm:"column:to_number"`
	EventsLog      EventLog      `json:"events_log" gorm:"column:events_log;type:jsonb"`
	AgentEvents    AgentEventLog `json:"agent_events" gorm:"column:agent_events;type:jsonb"`
	CreatedAt      time.Time     `json:"created_at" gorm:"column:created_at"`
	StartedAt      *time.Time    `json:"started_at,omitempty" gorm:"column:started_at"`
	EndedAt        *time.Time    `json:"ended_at,omitempty" gorm:"column:ended_at"`
}

func (CallRecord) TableName() string {
	return "call_records"
}

// NormalizedStatus returns the canonical status for the stored label.
func (c *CallRecord) NormalizedStatus() CallStatus {
	return NormalizeStatus(c.Status)
}

// EffectiveStart is started_at when known, created_at otherwise.
func (c *CallRecord) EffectiveStart() time.Time {
	if c.StartedAt != nil && !c.StartedAt.IsZero() {
		return *c.StartedAt
	}
	return c.CreatedAt
}

// ClampDuration computes ended−started in seconds, floored at zero so clock
// skew never yields a negative duration.
func ClampDuration(started, ended time.Time) float64 {
	d := ended.Sub(started).Seconds()
	if d < 0 {
		return 0
	}
	return d
}

// Platform webhook event names the reconciliation logic reads.
const (
	EventRoomStarted       = "room_started"
	EventRoomFinished      = "room_finished"
	EventParticipantJoined = "participant_joined"
	EventParticipantLeft   = "participant_left"
	EventEgressStarted     = "egress_started"
	EventEgressUpdated     = "egress_updated"
	EventEgressEnded       = "egress_ended"
	EventTrackPublished    = "track_published"
	EventTrackUnpublished  = "track_unpublished"

	// EventCallInitiated is recorded locally at dispatch time.
	EventCallInitiated = "call_initiated"
)

// IsTerminalTrigger reports whether a platform event forces a terminal-status
// recomputation.
func IsTerminalTrigger(event string) bool {
	return event == EventRoomFinished || event == EventParticipantLeft
}
