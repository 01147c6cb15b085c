// Package transcribe turns recorded clips into text with a locally loaded
// Whisper model.
package transcribe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/loqalabs/loqa-clip/internal/config"
)

var (
	// ErrModelNotLoaded is returned before the model finished loading, or
	// when loading failed.
	ErrModelNotLoaded = errors.New("transcribe: model not loaded")
	// ErrTranscription wraps recognizer failures.
	ErrTranscription = errors.New("transcribe: transcription failed")
	// ErrNativeUnavailable is returned by the whispercpp backend in builds
	// without the whispercpp tag.
	ErrNativeUnavailable = errors.New("transcribe: native whisper backend not built")
)

// Result captures recognizer output.
type Result struct {
	Text       string
	Confidence float64
	Segments   int
}

// Recognizer abstracts Whisper backends. Implementations are called by one
// goroutine at a time.
type Recognizer interface {
	Transcribe(ctx context.Context, samples []float32, sampleRate int) (Result, error)
	Close() error
}

// NewRecognizer builds the backend named by cfg.Backend. modelPath may be
// empty for backends that do not read weights themselves.
func NewRecognizer(cfg config.ModelConfig, modelPath string, log *slog.Logger) (Recognizer, error) {
	switch cfg.Backend {
	case "whispercpp":
		return NewNativeRecognizer(cfg, modelPath, log)
	case "exec":
		return NewExecRecognizer(cfg, modelPath)
	case "mock":
		return NewMockRecognizer(), nil
	default:
		return nil, fmt.Errorf("unsupported model backend %q", cfg.Backend)
	}
}

// NeedsWeights reports whether backend reads model weights from the cache.
func NeedsWeights(backend string) bool {
	return backend == "whispercpp"
}
