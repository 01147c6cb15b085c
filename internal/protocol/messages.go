package protocol

import "time"

// Intent actions accepted on the control subjects.
const (
	ActionStart  = "start"
	ActionStop   = "stop"
	ActionToggle = "toggle"
	ActionRecopy = "recopy"
	ActionCancel = "cancel"
)

// Actions lists every intent action.
var Actions = []string{ActionStart, ActionStop, ActionToggle, ActionRecopy, ActionCancel}

// Intent is the request body for clip.intent.<action>. The body is optional;
// the action is taken from the subject.
type Intent struct {
	RequestID string    `json:"request_id,omitempty"`
	Source    string    `json:"source,omitempty"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// IntentReply answers an Intent.
type IntentReply struct {
	OK    bool          `json:"ok"`
	Error string        `json:"error,omitempty"`
	Kind  string        `json:"kind,omitempty"`
	State *SessionState `json:"state,omitempty"`
}

// SessionState mirrors the session snapshot on the bus.
type SessionState struct {
	State          string    `json:"state"`
	Transcript     string    `json:"transcript,omitempty"`
	HasTranscript  bool      `json:"has_transcript"`
	Reason         string    `json:"reason,omitempty"`
	ErrorKind      string    `json:"error_kind,omitempty"`
	Cycle          uint64    `json:"cycle"`
	LastDurationMS int64     `json:"last_duration_ms,omitempty"`
	UpdatedAt      time.Time `json:"updated_at"`
}

const (
	SubjectIntentPrefix = "clip.intent"
	SubjectSessionState = "clip.session.state"
	SubjectSessionQuery = "clip.session.get"
)

// IntentSubject returns the request subject for action.
func IntentSubject(action string) string {
	return SubjectIntentPrefix + "." + action
}
