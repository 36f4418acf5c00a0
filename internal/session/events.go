package session

import "time"

// EventType is one of the event catalog entries on the session group
// (spec §4.6).
type EventType string

const (
	EventCallAccepted    EventType = "call_accepted"
	EventTimeWarning     EventType = "time_warning"
	EventTimeUpdate      EventType = "time_update"
	EventMinutesExtended EventType = "minutes_extended"
	EventCallEnding      EventType = "call_ending"
	EventCallEnded       EventType = "call_ended"
	EventError           EventType = "error"
	EventSignalRelay     EventType = "signal_relay"
)

// Event is the payload shape published to a session group. Every event
// type except signal_relay carries session_id, status, remaining_minutes
// and server_time; the fields grouped below are event-specific.
type Event struct {
	Type             EventType `json:"type"`
	SessionID        string    `json:"session_id"`
	Status           string    `json:"status,omitempty"`
	RemainingMinutes float64   `json:"remaining_minutes"`
	TimerRunning     bool      `json:"timer_running"`
	ServerTime       time.Time `json:"server_time"`

	// call_ended / call_ending
	Reason      string  `json:"reason,omitempty"`
	MinutesUsed float64 `json:"minutes_used,omitempty"`

	// minutes_extended
	TotalMinutesPurchased float64 `json:"total_minutes_purchased,omitempty"`

	// signal_relay: opaque, not interpreted by the engine
	FromParticipant string `json:"from_participant,omitempty"`
	Payload         any    `json:"payload,omitempty"`

	// error
	Message string `json:"message,omitempty"`
}

// IncomingCallEvent is emitted to a listener's user-notification group
// (not the session group) when a session is allocated for them.
type IncomingCallEvent struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	TalkerID  string `json:"talker_id"`
	Kind      string `json:"kind"`
}
