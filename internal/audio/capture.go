// Package audio records mono float32 clips from an input device.
package audio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-clip/internal/config"
)

var (
	// ErrDeviceUnavailable covers a missing device, a failed open and a
	// device that disappears mid-recording.
	ErrDeviceUnavailable = errors.New("audio: input device unavailable")
	// ErrInvalidState is returned when Begin is called with a capture already
	// open, or End/Abort is given a handle that is not the active one.
	ErrInvalidState = errors.New("audio: invalid capture state")
)

// Buffer is a sealed mono recording. Samples are in [-1, 1].
type Buffer struct {
	Samples    []float32
	SampleRate int
}

// Duration reports the length of the clip.
func (b Buffer) Duration() time.Duration {
	if b.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(b.Samples)) * time.Second / time.Duration(b.SampleRate)
}

// Empty reports whether the buffer holds no samples.
func (b Buffer) Empty() bool { return len(b.Samples) == 0 }

// Capture is the microphone boundary. At most one handle is open at a time.
type Capture interface {
	Begin(ctx context.Context) (*Handle, error)
	End(h *Handle) (Buffer, error)
	Abort(h *Handle)
}

// Handle identifies one open recording.
type Handle struct {
	id         uint64
	sampleRate int
	startedAt  time.Time
	faults     chan error

	mu      sync.Mutex
	samples []float32
	err     error
	sealed  bool
}

func newHandle(id uint64, sampleRate int, startedAt time.Time) *Handle {
	return &Handle{
		id:         id,
		sampleRate: sampleRate,
		startedAt:  startedAt,
		faults:     make(chan error, 1),
	}
}

// ID is unique per Capture instance.
func (h *Handle) ID() uint64 { return h.id }

// StartedAt reports when the device began delivering samples.
func (h *Handle) StartedAt() time.Time { return h.startedAt }

// Faults delivers at most one asynchronous device error.
func (h *Handle) Faults() <-chan error { return h.faults }

func (h *Handle) append(frame []float32) {
	h.mu.Lock()
	if !h.sealed {
		h.samples = append(h.samples, frame...)
	}
	h.mu.Unlock()
}

func (h *Handle) fail(err error) {
	h.mu.Lock()
	first := h.err == nil && !h.sealed
	if first {
		h.err = fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}
	wrapped := h.err
	h.mu.Unlock()
	if !first {
		return
	}
	select {
	case h.faults <- wrapped:
	default:
	}
}

// seal freezes the sample slice. Later appends are dropped.
func (h *Handle) seal() (Buffer, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sealed = true
	buf := Buffer{Samples: h.samples, SampleRate: h.sampleRate}
	h.samples = nil
	return buf, h.err
}

// slot enforces the single active capture.
type slot struct {
	mu     sync.Mutex
	active *Handle
	seq    uint64
}

func (s *slot) claim(sampleRate int, now time.Time) (*Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != nil {
		return nil, fmt.Errorf("%w: capture already open", ErrInvalidState)
	}
	s.seq++
	h := newHandle(s.seq, sampleRate, now)
	s.active = h
	return h, nil
}

func (s *slot) release(h *Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h == nil || s.active != h {
		return fmt.Errorf("%w: handle is not active", ErrInvalidState)
	}
	s.active = nil
	return nil
}

// New selects the capture backend named by cfg.Backend.
func New(cfg config.AudioConfig, log *slog.Logger) (Capture, error) {
	switch cfg.Backend {
	case "portaudio", "":
		return NewPortAudio(cfg, log), nil
	case "synthetic":
		return NewSynthetic(cfg.SampleRate, nil), nil
	default:
		return nil, fmt.Errorf("unsupported audio backend %q", cfg.Backend)
	}
}
