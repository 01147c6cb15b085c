package transcribe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-clip/internal/audio"
	"github.com/loqalabs/loqa-clip/internal/config"
)

// blankMarker is what whisper emits for a clip with no speech.
const blankMarker = "[BLANK_AUDIO]"

// ModelResolver locates model weights, fetching them when needed.
type ModelResolver interface {
	Ensure(ctx context.Context, name string) (string, error)
}

// RecognizerFactory builds a Recognizer for a resolved model path.
type RecognizerFactory func(cfg config.ModelConfig, modelPath string, log *slog.Logger) (Recognizer, error)

// Engine owns the model handle. It is usable only after Load succeeds.
type Engine struct {
	cfg      config.ModelConfig
	log      *slog.Logger
	resolver ModelResolver
	factory  RecognizerFactory
	native   func() bool

	once  sync.Once
	ready chan struct{}

	mu       sync.Mutex
	rec      Recognizer
	loadErr  error
	loadedAt time.Time
	closed   bool
}

// NewEngine prepares an engine. resolver may be nil for backends that do not
// read weights from the cache.
func NewEngine(cfg config.ModelConfig, resolver ModelResolver, log *slog.Logger) *Engine {
	e := NewEngineWithFactory(cfg, resolver, NewRecognizer, log)
	e.native = NativeAvailable
	return e
}

// NewEngineWithFactory is NewEngine with a custom recognizer constructor.
func NewEngineWithFactory(cfg config.ModelConfig, resolver ModelResolver, factory RecognizerFactory, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		cfg:      cfg,
		log:      log.With(slog.String("component", "transcribe"), slog.String("model", cfg.Name)),
		resolver: resolver,
		factory:  factory,
		native:   func() bool { return true },
		ready:    make(chan struct{}),
	}
}

// Model returns the configured model name.
func (e *Engine) Model() string { return e.cfg.Name }

// Load resolves and loads the model once. Every caller observes the outcome
// of the single load.
func (e *Engine) Load(ctx context.Context) error {
	e.once.Do(func() {
		rec, err := e.load(ctx)
		e.mu.Lock()
		if e.closed && rec != nil {
			_ = rec.Close()
			rec = nil
			err = errors.New("engine closed during load")
		}
		e.rec = rec
		e.loadErr = err
		e.loadedAt = time.Now()
		e.mu.Unlock()
		close(e.ready)
	})
	<-e.ready
	return e.LoadErr()
}

// LoadAsync starts Load in the background. The returned channel yields the
// load result once.
func (e *Engine) LoadAsync(ctx context.Context) <-chan error {
	done := make(chan error, 1)
	go func() {
		done <- e.Load(ctx)
	}()
	return done
}

func (e *Engine) load(ctx context.Context) (Recognizer, error) {
	started := time.Now()
	// Weights can run to gigabytes; never fetch them for a backend that
	// cannot use them.
	if e.cfg.Backend == "whispercpp" && !e.native() {
		return nil, ErrNativeUnavailable
	}
	path := ""
	if NeedsWeights(e.cfg.Backend) {
		if e.resolver == nil {
			return nil, errors.New("no model resolver configured")
		}
		resolved, err := e.resolver.Ensure(ctx, e.cfg.Name)
		if err != nil {
			e.log.Error("model unavailable", slogError(err))
			return nil, err
		}
		path = resolved
	} else if e.resolver != nil && e.cfg.Backend == "exec" {
		// The external command may want the cached weights too.
		if resolved, err := e.resolver.Ensure(ctx, e.cfg.Name); err == nil {
			path = resolved
		} else {
			e.log.Warn("model weights unavailable for exec backend", slogError(err))
		}
	}
	rec, err := e.factory(e.cfg, path, e.log)
	if err != nil {
		e.log.Error("recognizer init failed", slog.String("backend", e.cfg.Backend), slogError(err))
		return nil, err
	}
	e.log.Info("model loaded",
		slog.String("backend", e.cfg.Backend),
		slog.String("path", path),
		slog.Duration("elapsed", time.Since(started)))
	return rec, nil
}

// Ready is closed once loading has finished, successfully or not.
func (e *Engine) Ready() <-chan struct{} { return e.ready }

// Loaded reports whether the model is ready for inference.
func (e *Engine) Loaded() bool {
	select {
	case <-e.ready:
	default:
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rec != nil && e.loadErr == nil && !e.closed
}

// LoadErr returns the load failure, if any.
func (e *Engine) LoadErr() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loadErr
}

// Transcribe converts buf to text. Silent or empty clips produce "" without
// invoking the model.
func (e *Engine) Transcribe(ctx context.Context, buf audio.Buffer) (string, error) {
	e.mu.Lock()
	rec := e.rec
	loadErr := e.loadErr
	closed := e.closed
	e.mu.Unlock()

	if rec == nil || closed {
		if loadErr != nil {
			return "", fmt.Errorf("%w: %v", ErrModelNotLoaded, loadErr)
		}
		return "", ErrModelNotLoaded
	}

	if e.silent(buf) {
		e.log.Debug("clip treated as silence", slog.Duration("duration", buf.Duration()))
		return "", nil
	}

	if e.cfg.TimeoutMS > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(e.cfg.TimeoutMS)*time.Millisecond)
		defer cancel()
	}

	started := time.Now()
	result, err := rec.Transcribe(ctx, buf.Samples, buf.SampleRate)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTranscription, err)
	}
	text := NormaliseText(result.Text)
	e.log.Info("transcription complete",
		slog.Duration("audio", buf.Duration()),
		slog.Duration("elapsed", time.Since(started)),
		slog.Int("chars", len(text)))
	return text, nil
}

func (e *Engine) silent(buf audio.Buffer) bool {
	if buf.Empty() {
		return true
	}
	if e.cfg.MinDurationMS > 0 && buf.Duration() < time.Duration(e.cfg.MinDurationMS)*time.Millisecond {
		return true
	}
	return RMS(buf.Samples) < e.cfg.SilenceThreshold
}

// Close releases the model. Transcribe fails with ErrModelNotLoaded afterwards.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	if e.rec == nil {
		return nil
	}
	err := e.rec.Close()
	e.rec = nil
	return err
}

// RMS is the root mean square level of samples.
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// NormaliseText drops the blank-audio marker and collapses the whitespace
// left between segments into single spaces.
func NormaliseText(text string) string {
	text = strings.ReplaceAll(text, blankMarker, "")
	return strings.Join(strings.Fields(text), " ")
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
