// Package control exposes session intents and state over NATS so hotkey
// daemons and scripts can drive a running loqa-clip.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-clip/internal/bus"
	"github.com/loqalabs/loqa-clip/internal/protocol"
	"github.com/loqalabs/loqa-clip/internal/session"
	"github.com/nats-io/nats.go"
)

// Controller is the subset of *session.Session the bridge drives.
type Controller interface {
	StartRecording(ctx context.Context) error
	StopRecording(ctx context.Context) error
	ToggleRecording(ctx context.Context) error
	Recopy(ctx context.Context) error
	CancelRecording(ctx context.Context) error
	Snapshot() session.Snapshot
	Subscribe(buffer int) (<-chan session.Snapshot, func())
}

type Service struct {
	bus     *bus.Client
	ctrl    Controller
	log     *slog.Logger
	timeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	subs   []*nats.Subscription
	wg     sync.WaitGroup

	mu    sync.Mutex
	ready bool
}

func NewService(parent context.Context, busClient *bus.Client, ctrl Controller, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		bus:     busClient,
		ctrl:    ctrl,
		log:     log.With(slog.String("component", "control")),
		timeout: 5 * time.Second,
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (s *Service) Start() error {
	sub, err := s.bus.Conn().Subscribe(protocol.SubjectIntentPrefix+".*", s.handleIntent)
	if err != nil {
		return fmt.Errorf("subscribe intents: %w", err)
	}
	s.subs = append(s.subs, sub)

	sub, err = s.bus.Conn().Subscribe(protocol.SubjectSessionQuery, s.handleQuery)
	if err != nil {
		s.unsubscribe()
		return fmt.Errorf("subscribe session query: %w", err)
	}
	s.subs = append(s.subs, sub)

	updates, stop := s.ctrl.Subscribe(8)
	s.wg.Add(1)
	go s.forward(updates, stop)

	s.mu.Lock()
	s.ready = true
	s.mu.Unlock()
	return nil
}

func (s *Service) Close() {
	s.cancel()
	s.unsubscribe()
	s.wg.Wait()
	s.mu.Lock()
	s.ready = false
	s.mu.Unlock()
}

func (s *Service) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready && s.bus.Healthy()
}

func (s *Service) unsubscribe() {
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.subs = nil
}

func (s *Service) handleIntent(msg *nats.Msg) {
	action := strings.TrimPrefix(msg.Subject, protocol.SubjectIntentPrefix+".")

	var intent protocol.Intent
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &intent); err != nil {
			s.log.Warn("failed to decode intent", slog.String("subject", msg.Subject), slogError(err))
			s.respond(msg, protocol.IntentReply{Error: "malformed intent", Kind: string(session.KindInternal)})
			return
		}
	}

	ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
	defer cancel()
	err := Apply(ctx, s.ctrl, action)

	reply := protocol.IntentReply{OK: err == nil}
	if err != nil {
		reply.Error = err.Error()
		reply.Kind = string(session.KindOf(err))
	}
	state := StateOf(s.ctrl.Snapshot())
	reply.State = &state

	s.log.Debug("intent handled",
		slog.String("action", action),
		slog.String("source", intent.Source),
		slog.String("request_id", intent.RequestID),
		slog.Bool("ok", reply.OK),
	)
	s.respond(msg, reply)
}

func (s *Service) handleQuery(msg *nats.Msg) {
	state := StateOf(s.ctrl.Snapshot())
	s.respond(msg, protocol.IntentReply{OK: true, State: &state})
}

func (s *Service) respond(msg *nats.Msg, reply protocol.IntentReply) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(reply)
	if err != nil {
		s.log.Error("failed to encode reply", slogError(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.log.Warn("failed to send reply", slogError(err))
	}
}

func (s *Service) forward(updates <-chan session.Snapshot, stop func()) {
	defer s.wg.Done()
	defer stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case snap, ok := <-updates:
			if !ok {
				return
			}
			if err := s.bus.PublishJSON(protocol.SubjectSessionState, StateOf(snap)); err != nil {
				s.log.Warn("failed to publish session state", slogError(err))
			}
		}
	}
}

// ErrUnknownAction is returned by Apply for actions outside protocol.Actions.
var ErrUnknownAction = errors.New("unknown action")

// Apply dispatches a named action to the session.
func Apply(ctx context.Context, ctrl Controller, action string) error {
	switch action {
	case protocol.ActionStart:
		return ctrl.StartRecording(ctx)
	case protocol.ActionStop:
		return ctrl.StopRecording(ctx)
	case protocol.ActionToggle:
		return ctrl.ToggleRecording(ctx)
	case protocol.ActionRecopy:
		return ctrl.Recopy(ctx)
	case protocol.ActionCancel:
		return ctrl.CancelRecording(ctx)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}
}

// StateOf converts a snapshot into its wire form.
func StateOf(snap session.Snapshot) protocol.SessionState {
	return protocol.SessionState{
		State:          string(snap.State),
		Transcript:     snap.Transcript,
		HasTranscript:  snap.HasTranscript,
		Reason:         snap.Reason,
		ErrorKind:      string(snap.ErrorKind),
		Cycle:          snap.Cycle,
		LastDurationMS: snap.LastDuration.Milliseconds(),
		UpdatedAt:      snap.UpdatedAt,
	}
}

func slogError(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String("error", err.Error())
}
