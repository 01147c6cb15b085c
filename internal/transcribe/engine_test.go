package transcribe

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loqalabs/loqa-clip/internal/audio"
	"github.com/loqalabs/loqa-clip/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type stubRecognizer struct {
	text   string
	err    error
	calls  atomic.Int32
	closed atomic.Bool
}

func (s *stubRecognizer) Transcribe(ctx context.Context, samples []float32, sampleRate int) (Result, error) {
	s.calls.Add(1)
	if s.err != nil {
		return Result{}, s.err
	}
	return Result{Text: s.text}, nil
}

func (s *stubRecognizer) Close() error {
	s.closed.Store(true)
	return nil
}

type stubResolver struct {
	path  string
	err   error
	gate  chan struct{}
	calls atomic.Int32
}

func (r *stubResolver) Ensure(ctx context.Context, name string) (string, error) {
	r.calls.Add(1)
	if r.gate != nil {
		<-r.gate
	}
	return r.path, r.err
}

func testConfig(backend string) config.ModelConfig {
	return config.ModelConfig{Name: "base", Backend: backend, SilenceThreshold: 0.001, MinDurationMS: 100}
}

func tone(d time.Duration) audio.Buffer {
	n := int(d.Seconds() * 16000)
	src := audio.Tone(440, 0.5, 16000)
	samples := make([]float32, n)
	for i := range samples {
		samples[i] = src(i)
	}
	return audio.Buffer{Samples: samples, SampleRate: 16000}
}

func newStubEngine(rec Recognizer, resolver ModelResolver) *Engine {
	factory := func(config.ModelConfig, string, *slog.Logger) (Recognizer, error) { return rec, nil }
	return NewEngineWithFactory(testConfig("whispercpp"), resolver, factory, newLogger())
}

func TestTranscribeBeforeLoad(t *testing.T) {
	eng := newStubEngine(&stubRecognizer{text: "hi"}, &stubResolver{path: "/m"})
	if eng.Loaded() {
		t.Fatal("engine must not report loaded before Load")
	}
	if _, err := eng.Transcribe(context.Background(), tone(time.Second)); !errors.Is(err, ErrModelNotLoaded) {
		t.Fatalf("expected ErrModelNotLoaded, got %v", err)
	}
}

func TestLoadBarrierSharedOutcome(t *testing.T) {
	resolver := &stubResolver{path: "/m", gate: make(chan struct{})}
	var built atomic.Int32
	factory := func(config.ModelConfig, string, *slog.Logger) (Recognizer, error) {
		built.Add(1)
		return &stubRecognizer{text: "hi"}, nil
	}
	eng := NewEngineWithFactory(testConfig("whispercpp"), resolver, factory, newLogger())

	var wg sync.WaitGroup
	errs := make([]error, 5)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = eng.Load(context.Background())
		}(i)
	}
	select {
	case <-eng.Ready():
		t.Fatal("ready closed before resolver returned")
	case <-time.After(20 * time.Millisecond):
	}
	close(resolver.gate)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("load %d: %v", i, err)
		}
	}
	if built.Load() != 1 || resolver.calls.Load() != 1 {
		t.Fatalf("expected single load, got factory=%d resolver=%d", built.Load(), resolver.calls.Load())
	}
	if !eng.Loaded() {
		t.Fatal("expected engine loaded")
	}
}

func TestLoadFailureReported(t *testing.T) {
	eng := newStubEngine(&stubRecognizer{}, &stubResolver{err: errors.New("offline")})
	if err := <-eng.LoadAsync(context.Background()); err == nil {
		t.Fatal("expected load error")
	}
	if eng.Loaded() {
		t.Fatal("failed load must not report loaded")
	}
	if eng.LoadErr() == nil {
		t.Fatal("expected stored load error")
	}
	if _, err := eng.Transcribe(context.Background(), tone(time.Second)); !errors.Is(err, ErrModelNotLoaded) {
		t.Fatalf("expected ErrModelNotLoaded, got %v", err)
	}
}

func TestSilenceSkipsModel(t *testing.T) {
	rec := &stubRecognizer{text: "should not appear"}
	eng := newStubEngine(rec, &stubResolver{path: "/m"})
	if err := eng.Load(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}

	cases := map[string]audio.Buffer{
		"empty":  {SampleRate: 16000},
		"zeros":  {Samples: make([]float32, 16000), SampleRate: 16000},
		"blip":   tone(20 * time.Millisecond),
		"no-buf": {},
	}
	for name, buf := range cases {
		text, err := eng.Transcribe(context.Background(), buf)
		if err != nil {
			t.Fatalf("%s: unexpected error %v", name, err)
		}
		if text != "" {
			t.Fatalf("%s: expected empty text, got %q", name, text)
		}
	}
	if rec.calls.Load() != 0 {
		t.Fatalf("expected model not invoked, got %d calls", rec.calls.Load())
	}
}

func TestTranscribeNormalisesText(t *testing.T) {
	cases := []struct {
		raw  string
		want string
	}{
		{"  hello world \n", "hello world"},
		{" [BLANK_AUDIO]", ""},
		{"[BLANK_AUDIO] hi", "hi"},
		{" Hello there.  \n General  Kenobi.", "Hello there. General Kenobi."},
		{"one [BLANK_AUDIO] two", "one two"},
		{"", ""},
	}
	for _, tc := range cases {
		eng := newStubEngine(&stubRecognizer{text: tc.raw}, &stubResolver{path: "/m"})
		if err := eng.Load(context.Background()); err != nil {
			t.Fatalf("load: %v", err)
		}
		got, err := eng.Transcribe(context.Background(), tone(time.Second))
		if err != nil {
			t.Fatalf("transcribe: %v", err)
		}
		if got != tc.want {
			t.Fatalf("raw %q: expected %q, got %q", tc.raw, tc.want, got)
		}
	}
}

func TestTranscribeWrapsRecognizerError(t *testing.T) {
	eng := newStubEngine(&stubRecognizer{err: errors.New("boom")}, &stubResolver{path: "/m"})
	if err := eng.Load(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, err := eng.Transcribe(context.Background(), tone(time.Second)); !errors.Is(err, ErrTranscription) {
		t.Fatalf("expected ErrTranscription, got %v", err)
	}
}

func TestMockBackendDeterministic(t *testing.T) {
	eng := NewEngine(testConfig("mock"), nil, newLogger())
	if err := eng.Load(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}
	buf := tone(1500 * time.Millisecond)
	first, err := eng.Transcribe(context.Background(), buf)
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	for i := 0; i < 3; i++ {
		again, err := eng.Transcribe(context.Background(), buf)
		if err != nil {
			t.Fatalf("transcribe: %v", err)
		}
		if again != first {
			t.Fatalf("expected identical output, got %q then %q", first, again)
		}
	}
	if first == "" {
		t.Fatal("expected non-empty mock transcript")
	}
}

func TestCloseReleasesRecognizer(t *testing.T) {
	rec := &stubRecognizer{text: "hi"}
	eng := newStubEngine(rec, &stubResolver{path: "/m"})
	if err := eng.Load(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := eng.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !rec.closed.Load() {
		t.Fatal("expected recognizer closed")
	}
	if _, err := eng.Transcribe(context.Background(), tone(time.Second)); !errors.Is(err, ErrModelNotLoaded) {
		t.Fatalf("expected ErrModelNotLoaded after close, got %v", err)
	}
}

func TestNativeBackendWithoutTag(t *testing.T) {
	if NativeAvailable() {
		t.Skip("native backend compiled in")
	}
	resolver := &stubResolver{path: "/m"}
	eng := NewEngine(testConfig("whispercpp"), resolver, newLogger())
	if err := eng.Load(context.Background()); !errors.Is(err, ErrNativeUnavailable) {
		t.Fatalf("expected ErrNativeUnavailable, got %v", err)
	}
	if n := resolver.calls.Load(); n != 0 {
		t.Fatalf("weights must not be fetched for a backend that is not built, got %d Ensure calls", n)
	}
}

func TestUnavailableNativeSkipsDownload(t *testing.T) {
	resolver := &stubResolver{path: "/m"}
	built := 0
	factory := func(config.ModelConfig, string, *slog.Logger) (Recognizer, error) {
		built++
		return &stubRecognizer{}, nil
	}
	eng := NewEngineWithFactory(testConfig("whispercpp"), resolver, factory, newLogger())
	eng.native = func() bool { return false }
	if err := eng.Load(context.Background()); !errors.Is(err, ErrNativeUnavailable) {
		t.Fatalf("expected ErrNativeUnavailable, got %v", err)
	}
	if resolver.calls.Load() != 0 || built != 0 {
		t.Fatalf("expected no download and no recognizer, got %d Ensure calls and %d builds", resolver.calls.Load(), built)
	}
	if _, err := eng.Transcribe(context.Background(), tone(time.Second)); !errors.Is(err, ErrModelNotLoaded) {
		t.Fatalf("expected ErrModelNotLoaded, got %v", err)
	}
}

func TestTranscribePassesDeadline(t *testing.T) {
	rec := &deadlineRecognizer{}
	factory := func(config.ModelConfig, string, *slog.Logger) (Recognizer, error) { return rec, nil }
	cfg := testConfig("whispercpp")
	cfg.TimeoutMS = 5000
	eng := NewEngineWithFactory(cfg, &stubResolver{path: "/m"}, factory, newLogger())
	if err := eng.Load(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}
	before := time.Now()
	if _, err := eng.Transcribe(context.Background(), tone(time.Second)); err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if rec.deadline.IsZero() {
		t.Fatal("expected the recognizer context to carry the timeout")
	}
	if d := rec.deadline.Sub(before); d <= 0 || d > 6*time.Second {
		t.Fatalf("unexpected deadline offset %s", d)
	}
}

type deadlineRecognizer struct {
	deadline time.Time
}

func (r *deadlineRecognizer) Transcribe(ctx context.Context, samples []float32, sampleRate int) (Result, error) {
	r.deadline, _ = ctx.Deadline()
	return Result{Text: "ok"}, nil
}

func (r *deadlineRecognizer) Close() error { return nil }

func TestRMS(t *testing.T) {
	if RMS(nil) != 0 {
		t.Fatal("expected zero RMS for empty input")
	}
	if got := RMS([]float32{0.5, -0.5, 0.5, -0.5}); got != 0.5 {
		t.Fatalf("expected 0.5, got %v", got)
	}
}
