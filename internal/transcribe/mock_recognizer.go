package transcribe

import (
	"context"
	"fmt"
)

type mockRecognizer struct{}

// NewMockRecognizer returns a recognizer whose text depends only on the
// number of samples.
func NewMockRecognizer() Recognizer {
	return &mockRecognizer{}
}

func (m *mockRecognizer) Transcribe(ctx context.Context, samples []float32, sampleRate int) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	return Result{
		Text:     fmt.Sprintf("[mock transcript samples=%d rate=%d]", len(samples), sampleRate),
		Segments: 1,
	}, nil
}

func (m *mockRecognizer) Close() error { return nil }
