package eventstore

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-clip/internal/session"
)

// TypeTransition is the event type of a recorded session transition.
const TypeTransition = "session.transition"

type transitionPayload struct {
	From            string `json:"from"`
	To              string `json:"to"`
	Kind            string `json:"kind,omitempty"`
	Reason          string `json:"reason,omitempty"`
	TranscriptChars int    `json:"transcript_chars"`
}

// Sink records session transitions for one run. It satisfies
// session.EventSink; write failures are logged and never reach the session.
type Sink struct {
	store *Store
	runID string
	log   *slog.Logger
}

// NewSink registers the run and returns a sink bound to it.
func NewSink(ctx context.Context, store *Store, run Run, log *slog.Logger) (*Sink, error) {
	if err := store.AppendRun(ctx, run); err != nil {
		return nil, err
	}
	return &Sink{store: store, runID: run.RunID, log: log.With(slog.String("component", "eventstore"))}, nil
}

func (s *Sink) RunID() string { return s.runID }

func (s *Sink) Record(ctx context.Context, t session.Transition) {
	if !s.store.Enabled() {
		return
	}
	payload, err := json.Marshal(transitionPayload{
		From:            string(t.From),
		To:              string(t.To),
		Kind:            string(t.Kind),
		Reason:          t.Reason,
		TranscriptChars: t.TranscriptChars,
	})
	if err != nil {
		s.log.Warn("failed to encode transition", slog.String("error", err.Error()))
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	err = s.store.AppendEvent(ctx, Event{
		RunID:     s.runID,
		Cycle:     t.Cycle,
		Type:      TypeTransition,
		Payload:   payload,
		CreatedAt: t.At,
	})
	if err != nil {
		s.log.Warn("failed to record transition", slog.Uint64("cycle", t.Cycle), slog.String("error", err.Error()))
	}
}

// Close drops the run's rows when retention is "session".
func (s *Sink) Close(ctx context.Context) error {
	if s.store.cfg.RetentionMode != "session" {
		return nil
	}
	return s.store.DeleteRun(ctx, s.runID)
}
