//go:build !whispercpp

package transcribe

import (
	"log/slog"

	"github.com/loqalabs/loqa-clip/internal/config"
)

// NativeAvailable reports whether the whisper.cpp backend is compiled in.
func NativeAvailable() bool { return false }

// NewNativeRecognizer fails when the native backend is not built.
func NewNativeRecognizer(config.ModelConfig, string, *slog.Logger) (Recognizer, error) {
	return nil, ErrNativeUnavailable
}
