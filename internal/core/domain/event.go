package domain

import "time"

type EventType string

const (
	EventRegistryChanged EventType = "registry.changed"
	EventSessionChanged  EventType = "session.changed"
	EventStatsTick       EventType = "stats.tick"
	EventNotice          EventType = "notice"
)

// Event is a committed state change. Seq is assigned by the notifier and is
// strictly increasing in mutation order.
type Event struct {
	Seq       uint64            `json:"seq"`
	Type      EventType         `json:"type"`
	Timestamp time.Time         `json:"timestamp"`
	Registry  *RegistrySnapshot `json:"registry,omitempty"`
	Session   *SessionSnapshot  `json:"session,omitempty"`
	Stats     *StatsSample      `json:"stats,omitempty"`
	Notice    *Notice           `json:"notice,omitempty"`
}

type NoticeLevel string

const (
	NoticeInfo  NoticeLevel = "info"
	NoticeError NoticeLevel = "error"
)

// Notice is a user-facing message the presentation layer may surface.
type Notice struct {
	Level   NoticeLevel `json:"level"`
	Title   string      `json:"title"`
	Detail  string      `json:"detail,omitempty"`
	Command string      `json:"command,omitempty"`
}
