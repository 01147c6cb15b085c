//go:build noportaudio

package audio

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/loqalabs/loqa-clip/internal/config"
)

// PortAudio is unavailable in builds tagged noportaudio.
type PortAudio struct{}

func NewPortAudio(config.AudioConfig, *slog.Logger) Capture {
	return &PortAudio{}
}

func (p *PortAudio) Begin(context.Context) (*Handle, error) {
	return nil, fmt.Errorf("%w: built without portaudio", ErrDeviceUnavailable)
}

func (p *PortAudio) End(*Handle) (Buffer, error) {
	return Buffer{}, fmt.Errorf("%w: handle is not active", ErrInvalidState)
}

func (p *PortAudio) Abort(*Handle) {}
