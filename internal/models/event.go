package models

// EventKind distinguishes the payloads delivered to live subscribers.
type EventKind string

const (
	EventKindFragment EventKind = "fragment"
	EventKindFlag     EventKind = "flag"
	EventKindState    EventKind = "state"
)

// LiveEvent is one item on a session's live broadcast stream.
type LiveEvent struct {
	Seq       uint64              `json:"seq"`
	Kind      EventKind           `json:"kind"`
	SessionID string              `json:"sessionId"`
	Fragment  *TranscriptFragment `json:"fragment,omitempty"`
	Flag      *RiskFlag           `json:"flag,omitempty"`
	State     string              `json:"state,omitempty"`
	Timestamp int64               `json:"timestamp"`
}

// FragmentEvent is published downstream for every final fragment.
type FragmentEvent struct {
	EventType string             `json:"eventType"`
	SessionID string             `json:"sessionId"`
	TeamID    string             `json:"teamId"`
	Timestamp int64              `json:"timestamp"`
	Fragment  TranscriptFragment `json:"fragment"`
}

// FlagEvent is published downstream for every flag; critical flags are
// additionally published as alerts.
type FlagEvent struct {
	EventType string   `json:"eventType"`
	SessionID string   `json:"sessionId"`
	TeamID    string   `json:"teamId"`
	Pass      string   `json:"pass"`
	Timestamp int64    `json:"timestamp"`
	Flag      RiskFlag `json:"flag"`
}

const (
	EventTypeFragmentFinal = "session.transcript.final"
	EventTypeFlagDetected  = "session.risk.flag"
	EventTypeFlagCritical  = "session.risk.critical"
)
