//go:build whispercpp

package transcribe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
	"github.com/loqalabs/loqa-clip/internal/config"
)

// NativeAvailable reports whether the whisper.cpp backend is compiled in.
func NativeAvailable() bool { return true }

type nativeRecognizer struct {
	model    whisper.Model
	language string
	threads  int
	log      *slog.Logger
	mu       sync.Mutex
}

func NewNativeRecognizer(cfg config.ModelConfig, modelPath string, log *slog.Logger) (Recognizer, error) {
	if modelPath == "" {
		return nil, errors.New("whisper: model path required")
	}
	if log == nil {
		log = slog.Default()
	}
	model, err := whisper.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("whisper: load %s: %w", modelPath, err)
	}
	return &nativeRecognizer{
		model:    model,
		language: cfg.Language,
		threads:  cfg.Threads,
		log:      log.With(slog.String("component", "transcribe.native")),
	}, nil
}

func (r *nativeRecognizer) Transcribe(ctx context.Context, samples []float32, sampleRate int) (Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if sampleRate != whisper.SampleRate {
		return Result{}, fmt.Errorf("whisper: sample rate %d unsupported, want %d", sampleRate, whisper.SampleRate)
	}

	wctx, err := r.model.NewContext()
	if err != nil {
		return Result{}, fmt.Errorf("whisper: new context: %w", err)
	}
	lang := strings.TrimSpace(r.language)
	if lang == "" {
		lang = "auto"
	}
	if err := wctx.SetLanguage(lang); err != nil {
		return Result{}, fmt.Errorf("whisper: set language %q: %w", lang, err)
	}
	wctx.SetTranslate(false)
	// Greedy decoding at temperature zero keeps output reproducible.
	wctx.SetTemperature(0)
	wctx.SetTemperatureFallback(0)
	if r.threads > 0 {
		wctx.SetThreads(uint(r.threads))
	}

	// The bindings only consult this before the encoder starts. A decode
	// already under way runs to completion; the deadline is enforced by the
	// ctx checks around it.
	keepGoing := func() bool { return ctx.Err() == nil }
	if err := wctx.Process(samples, keepGoing, nil, nil); err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		return Result{}, fmt.Errorf("whisper: process: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	var sb strings.Builder
	segments := 0
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Result{}, fmt.Errorf("whisper: read segment: %w", err)
		}
		sb.WriteString(segment.Text)
		segments++
	}
	r.log.Debug("inference complete", slog.Int("segments", segments))
	return Result{Text: sb.String(), Confidence: 1, Segments: segments}, nil
}

func (r *nativeRecognizer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.model == nil {
		return nil
	}
	err := r.model.Close()
	r.model = nil
	return err
}
