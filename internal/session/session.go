// Package session sequences capture, transcription and clipboard publishing
// for one interactive user. A single goroutine owns all session state;
// intents, transcription results, device faults and timers reach it through
// one FIFO queue.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/loqalabs/loqa-clip/internal/audio"
	"github.com/loqalabs/loqa-clip/internal/clipboard"
	"github.com/loqalabs/loqa-clip/internal/transcribe"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Transcriber is the part of transcribe.Engine the session needs.
type Transcriber interface {
	Loaded() bool
	Transcribe(ctx context.Context, buf audio.Buffer) (string, error)
}

// EventSink receives every state transition.
type EventSink interface {
	Record(ctx context.Context, t Transition)
}

type Deps struct {
	Capture   audio.Capture
	Engine    Transcriber
	Clipboard clipboard.Publisher
	Sink      EventSink
	Logger    *slog.Logger
}

type Options struct {
	// MaxDuration stops a recording automatically. Zero means unlimited.
	MaxDuration time.Duration
	// PublishTimeout bounds a single clipboard write.
	PublishTimeout time.Duration
	Clock          func() time.Time
}

type intentKind string

const (
	intentStart  intentKind = "start"
	intentStop   intentKind = "stop"
	intentRecopy intentKind = "recopy"
	intentCancel intentKind = "cancel"
	intentToggle intentKind = "toggle"
)

type intentEvent struct {
	kind  intentKind
	reply chan error
}

type completionEvent struct {
	cycle   uint64
	text    string
	err     error
	elapsed time.Duration
}

type faultEvent struct {
	handle *audio.Handle
	err    error
}

type limitEvent struct {
	cycle uint64
}

type Session struct {
	capture audio.Capture
	engine  Transcriber
	clip    clipboard.Publisher
	sink    EventSink
	log     *slog.Logger
	opts    Options
	now     func() time.Time
	tracer  trace.Tracer
	metrics *metrics

	events    chan any
	done      chan struct{}
	startOnce sync.Once
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	snap    atomic.Pointer[Snapshot]
	subsMu  sync.Mutex
	subs    map[int]chan Snapshot
	nextSub int
	closed  bool

	// Owned by the event loop.
	state         State
	transcript    string
	hasTranscript bool
	reason        string
	kind          Kind
	cycle         uint64
	lastDuration  time.Duration
	handle        *audio.Handle
	unwatch       chan struct{}
	limit         *time.Timer
}

func New(deps Deps, opts Options) *Session {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = 5 * time.Second
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	s := &Session{
		capture: deps.Capture,
		engine:  deps.Engine,
		clip:    deps.Clipboard,
		sink:    deps.Sink,
		log:     log.With(slog.String("component", "session")),
		opts:    opts,
		now:     now,
		tracer:  otel.Tracer("github.com/loqalabs/loqa-clip/session"),
		events:  make(chan any, 32),
		done:    make(chan struct{}),
		subs:    make(map[int]chan Snapshot),
		state:   Idle,
	}
	s.storeSnapshot()
	s.metrics = newMetrics(s, s.log)
	return s
}

// Start launches the event loop. Intents block until it runs.
func (s *Session) Start(parent context.Context) {
	s.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(parent)
		s.cancel = cancel
		s.wg.Add(1)
		go s.run(ctx)
	})
}

// Close stops the loop, releases an open capture and waits for an in-flight
// transcription to return. Subscriber channels are closed.
func (s *Session) Close() {
	s.startOnce.Do(func() { close(s.done) })
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()

	s.subsMu.Lock()
	s.closed = true
	for id, ch := range s.subs {
		close(ch)
		delete(s.subs, id)
	}
	s.subsMu.Unlock()
}

func (s *Session) StartRecording(ctx context.Context) error {
	return s.submit(ctx, intentStart)
}

// StopRecording seals the capture and dispatches transcription. It returns
// as soon as the session is Transcribing.
func (s *Session) StopRecording(ctx context.Context) error {
	return s.submit(ctx, intentStop)
}

// ToggleRecording stops an open recording, or starts one otherwise. The
// decision is made inside the event loop.
func (s *Session) ToggleRecording(ctx context.Context) error {
	return s.submit(ctx, intentToggle)
}

// Recopy publishes the current transcript again, if there is one.
func (s *Session) Recopy(ctx context.Context) error {
	return s.submit(ctx, intentRecopy)
}

// CancelRecording discards the open capture and returns to Idle.
func (s *Session) CancelRecording(ctx context.Context) error {
	return s.submit(ctx, intentCancel)
}

// Snapshot returns the latest published state.
func (s *Session) Snapshot() Snapshot {
	return *s.snap.Load()
}

// Subscribe streams snapshots, starting with the current one. When the
// consumer falls behind, older snapshots are dropped so the newest is always
// delivered.
func (s *Session) Subscribe(buffer int) (<-chan Snapshot, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Snapshot, buffer)
	s.subsMu.Lock()
	if s.closed {
		s.subsMu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	ch <- s.Snapshot()
	s.subsMu.Unlock()

	return ch, func() {
		s.subsMu.Lock()
		defer s.subsMu.Unlock()
		if c, ok := s.subs[id]; ok {
			close(c)
			delete(s.subs, id)
		}
	}
}

func (s *Session) submit(ctx context.Context, kind intentKind) error {
	reply := make(chan error, 1)
	select {
	case s.events <- intentEvent{kind: kind, reply: reply}:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrClosed
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrClosed
	}
}

// enqueue is used by background goroutines; it gives up once the loop exits.
func (s *Session) enqueue(ev any) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

func (s *Session) run(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return
		case ev := <-s.events:
			s.dispatch(ctx, ev)
		}
	}
}

func (s *Session) dispatch(ctx context.Context, ev any) {
	switch e := ev.(type) {
	case intentEvent:
		var err error
		switch e.kind {
		case intentStart:
			err = s.handleStart(ctx)
		case intentStop:
			err = s.handleStop(ctx, "user")
		case intentRecopy:
			err = s.handleRecopy(ctx)
		case intentCancel:
			err = s.handleCancel()
		case intentToggle:
			if s.state == Recording {
				err = s.handleStop(ctx, "user")
			} else {
				err = s.handleStart(ctx)
			}
		}
		if err != nil {
			s.log.Debug("intent rejected", slog.String("intent", string(e.kind)), slog.String("state", string(s.state)), slogError(err))
		}
		e.reply <- err
	case completionEvent:
		s.handleCompletion(ctx, e)
	case faultEvent:
		s.handleFault(e)
	case limitEvent:
		if s.state == Recording && e.cycle == s.cycle {
			s.log.Info("maximum recording duration reached", slog.Duration("max_duration", s.opts.MaxDuration))
			_ = s.handleStop(ctx, "max_duration")
		}
	}
}

func (s *Session) handleStart(ctx context.Context) error {
	if s.state.Busy() {
		return fmt.Errorf("%w: start-recording while %s", ErrInvalidState, s.state)
	}
	if !s.engine.Loaded() {
		return transcribe.ErrModelNotLoaded
	}

	s.cycle++
	s.metrics.cycleStarted(ctx)
	h, err := s.capture.Begin(ctx)
	if err != nil {
		s.fail(ctx, KindDeviceUnavailable, "microphone unavailable: "+err.Error())
		return nil
	}
	s.handle = h
	s.reason = ""
	s.kind = KindNone
	s.watch(h)
	if s.opts.MaxDuration > 0 {
		cycle := s.cycle
		s.limit = time.AfterFunc(s.opts.MaxDuration, func() { s.enqueue(limitEvent{cycle: cycle}) })
	}
	s.transition(ctx, Recording)
	return nil
}

func (s *Session) handleStop(ctx context.Context, trigger string) error {
	if s.state != Recording {
		return fmt.Errorf("%w: stop-recording while %s", ErrInvalidState, s.state)
	}
	h := s.releaseRecording()
	buf, err := s.capture.End(h)
	if err != nil {
		s.fail(ctx, KindDeviceUnavailable, "recording failed: "+err.Error())
		return nil
	}
	s.log.Debug("recording sealed",
		slog.Uint64("cycle", s.cycle),
		slog.String("trigger", trigger),
		slog.Duration("duration", buf.Duration()))
	s.transition(ctx, Transcribing)
	s.transcribeAsync(ctx, s.cycle, buf)
	return nil
}

func (s *Session) transcribeAsync(ctx context.Context, cycle uint64, buf audio.Buffer) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, span := s.tracer.Start(ctx, "session.transcribe")
		span.SetAttributes(
			attribute.Int64("clip.cycle", int64(cycle)),
			attribute.Int64("clip.audio_ms", buf.Duration().Milliseconds()))
		started := s.now()
		text, err := s.engine.Transcribe(ctx, buf)
		elapsed := s.now().Sub(started)
		if err != nil {
			span.RecordError(err)
		}
		span.End()
		s.enqueue(completionEvent{cycle: cycle, text: text, err: err, elapsed: elapsed})
	}()
}

func (s *Session) handleCompletion(ctx context.Context, e completionEvent) {
	if s.state != Transcribing || e.cycle != s.cycle {
		s.log.Warn("discarding stale transcription", slog.Uint64("cycle", e.cycle), slog.Uint64("current", s.cycle))
		return
	}
	s.lastDuration = e.elapsed
	s.metrics.transcribed(ctx, e.elapsed, e.err)
	if e.err != nil {
		kind := KindOf(e.err)
		if kind == KindInternal {
			kind = KindTranscription
		}
		s.fail(ctx, kind, "transcription failed: "+e.err.Error())
		return
	}

	s.transcript = e.text
	s.hasTranscript = true
	if err := s.publish(ctx, e.text); err != nil {
		s.fail(ctx, KindClipboardUnavailable, "copy to clipboard failed: "+err.Error())
		return
	}
	s.transition(ctx, Ready)
}

func (s *Session) handleRecopy(ctx context.Context) error {
	if s.state.Busy() {
		return fmt.Errorf("%w: re-copy while %s", ErrInvalidState, s.state)
	}
	if !s.hasTranscript {
		return nil
	}
	return s.publish(ctx, s.transcript)
}

func (s *Session) handleCancel() error {
	if s.state != Recording {
		return fmt.Errorf("%w: cancel while %s", ErrInvalidState, s.state)
	}
	h := s.releaseRecording()
	s.capture.Abort(h)
	s.transition(context.Background(), Idle)
	return nil
}

func (s *Session) handleFault(e faultEvent) {
	if s.state != Recording || e.handle != s.handle {
		return
	}
	h := s.releaseRecording()
	s.capture.Abort(h)
	s.fail(context.Background(), KindDeviceUnavailable, "microphone error: "+e.err.Error())
}

func (s *Session) publish(ctx context.Context, text string) error {
	ctx, cancel := context.WithTimeout(ctx, s.opts.PublishTimeout)
	defer cancel()
	if err := s.clip.Publish(ctx, text); err != nil {
		s.log.Warn("clipboard publish failed", slogError(err))
		return err
	}
	s.log.Debug("clipboard updated", slog.Int("chars", len(text)))
	return nil
}

// watch forwards the first device fault of h into the loop.
func (s *Session) watch(h *audio.Handle) {
	stop := make(chan struct{})
	s.unwatch = stop
	go func() {
		select {
		case err := <-h.Faults():
			s.enqueue(faultEvent{handle: h, err: err})
		case <-stop:
		}
	}()
}

// releaseRecording detaches the active handle from the loop's bookkeeping.
func (s *Session) releaseRecording() *audio.Handle {
	h := s.handle
	s.handle = nil
	if s.unwatch != nil {
		close(s.unwatch)
		s.unwatch = nil
	}
	if s.limit != nil {
		s.limit.Stop()
		s.limit = nil
	}
	return h
}

func (s *Session) fail(ctx context.Context, kind Kind, reason string) {
	s.reason = reason
	s.kind = kind
	s.metrics.failed(ctx, kind)
	s.log.Warn("session failed", slog.String("kind", string(kind)), slog.String("reason", reason))
	s.transition(ctx, Failed)
}

func (s *Session) transition(ctx context.Context, to State) {
	from := s.state
	s.state = to
	snap := s.buildSnapshot()
	s.log.Info("state changed",
		slog.String("from", string(from)),
		slog.String("to", string(to)),
		slog.Uint64("cycle", s.cycle))
	if s.sink != nil {
		s.sink.Record(ctx, Transition{
			Cycle:           s.cycle,
			From:            from,
			To:              to,
			Kind:            s.kind,
			Reason:          s.reason,
			TranscriptChars: utf8.RuneCountInString(s.transcript),
			At:              snap.UpdatedAt,
		})
	}
	// Published after the sink so observers never see a state the timeline lacks.
	s.snap.Store(&snap)
	s.broadcast(snap)
}

func (s *Session) storeSnapshot() Snapshot {
	snap := s.buildSnapshot()
	s.snap.Store(&snap)
	return snap
}

func (s *Session) buildSnapshot() Snapshot {
	return Snapshot{
		State:         s.state,
		Transcript:    s.transcript,
		HasTranscript: s.hasTranscript,
		Reason:        s.reason,
		ErrorKind:     s.kind,
		Cycle:         s.cycle,
		LastDuration:  s.lastDuration,
		UpdatedAt:     s.now(),
	}
}

func (s *Session) broadcast(snap Snapshot) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- snap:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- snap:
		default:
		}
	}
}

func (s *Session) shutdown() {
	if s.handle != nil {
		h := s.releaseRecording()
		s.capture.Abort(h)
		s.log.Info("open recording discarded on shutdown")
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
