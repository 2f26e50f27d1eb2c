package domain

import "time"

type SessionID string

type SessionDirection string

const (
	DirectionOutbound SessionDirection = "outbound"
	DirectionInbound  SessionDirection = "inbound"
)

type SessionState string

const (
	SessionIdle        SessionState = "idle"
	SessionCapturing   SessionState = "capturing"
	SessionNegotiating SessionState = "negotiating"
	SessionActive      SessionState = "active"
	// SessionStopped is only ever reported on the final event of a session;
	// the coordinator itself returns to idle.
	SessionStopped SessionState = "stopped"
)

// HoldsCapture reports whether an outbound session in this state owns a
// capture handle.
func (s SessionState) HoldsCapture() bool {
	return s == SessionCapturing || s == SessionNegotiating || s == SessionActive
}

type Session struct {
	ID           SessionID        `json:"id"`
	Direction    SessionDirection `json:"direction"`
	PeerDeviceID DeviceID         `json:"peer_device_id,omitempty"`
	State        SessionState     `json:"state"`
	CaptureID    string           `json:"capture_id,omitempty"`
	Options      CaptureOptions   `json:"options"`
	StartedAt    time.Time        `json:"started_at,omitempty"`
}

// SessionSnapshot is a read-only copy of the coordinator state.
type SessionSnapshot struct {
	Outbound  Session     `json:"outbound"`
	Inbound   *Session    `json:"inbound,omitempty"`
	Sharing   bool        `json:"sharing"`
	Receiving bool        `json:"receiving"`
	Stats     StatsSample `json:"stats"`
}
