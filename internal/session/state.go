package session

import (
	"errors"
	"time"

	"github.com/loqalabs/loqa-clip/internal/audio"
	"github.com/loqalabs/loqa-clip/internal/clipboard"
	"github.com/loqalabs/loqa-clip/internal/transcribe"
)

// State is the lifecycle position of the recording session.
type State string

const (
	Idle         State = "idle"
	Recording    State = "recording"
	Transcribing State = "transcribing"
	Ready        State = "ready"
	Failed       State = "failed"
)

// Busy reports whether a capture or transcription cycle is in flight.
func (s State) Busy() bool { return s == Recording || s == Transcribing }

var (
	// ErrInvalidState is returned for an intent the current state forbids.
	ErrInvalidState = errors.New("session: intent not allowed in current state")
	// ErrClosed is returned for intents issued after Close.
	ErrClosed = errors.New("session: closed")
)

// Kind names an error category for snapshots and remote callers.
type Kind string

const (
	KindNone                 Kind = ""
	KindDeviceUnavailable    Kind = "DeviceUnavailable"
	KindInvalidState         Kind = "InvalidState"
	KindModelNotLoaded       Kind = "ModelNotLoaded"
	KindTranscription        Kind = "TranscriptionError"
	KindClipboardUnavailable Kind = "ClipboardUnavailable"
	KindInternal             Kind = "Internal"
)

// KindOf classifies err.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrInvalidState), errors.Is(err, audio.ErrInvalidState):
		return KindInvalidState
	case errors.Is(err, transcribe.ErrModelNotLoaded):
		return KindModelNotLoaded
	case errors.Is(err, audio.ErrDeviceUnavailable):
		return KindDeviceUnavailable
	case errors.Is(err, transcribe.ErrTranscription):
		return KindTranscription
	case errors.Is(err, clipboard.ErrUnavailable):
		return KindClipboardUnavailable
	default:
		return KindInternal
	}
}

// Snapshot is an immutable view of the session for presentation surfaces.
type Snapshot struct {
	State         State
	Transcript    string
	HasTranscript bool
	Reason        string
	ErrorKind     Kind
	Cycle         uint64
	LastDuration  time.Duration
	UpdatedAt     time.Time
}

// Transition is what the session reports to an EventSink. It never carries
// transcript text.
type Transition struct {
	Cycle           uint64
	From            State
	To              State
	Kind            Kind
	Reason          string
	TranscriptChars int
	At              time.Time
}
