//go:build !noportaudio

package audio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"
	"github.com/loqalabs/loqa-clip/internal/config"
)

// PortAudio records from the default input device.
type PortAudio struct {
	cfg  config.AudioConfig
	log  *slog.Logger
	slot slot

	mu      sync.Mutex
	streams map[*Handle]*paStream
}

type paStream struct {
	stream *portaudio.Stream
	stop   chan struct{}
	done   chan struct{}
}

func NewPortAudio(cfg config.AudioConfig, log *slog.Logger) Capture {
	if log == nil {
		log = slog.Default()
	}
	return &PortAudio{
		cfg:     cfg,
		log:     log.With(slog.String("component", "audio.portaudio")),
		streams: make(map[*Handle]*paStream),
	}
}

func (p *PortAudio) Begin(ctx context.Context) (*Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h, err := p.slot.claim(p.cfg.SampleRate, time.Now())
	if err != nil {
		return nil, err
	}

	if err := portaudio.Initialize(); err != nil {
		_ = p.slot.release(h)
		return nil, fmt.Errorf("%w: initialize portaudio: %v", ErrDeviceUnavailable, err)
	}

	in := make([]float32, p.cfg.FramesPerBuffer)
	stream, err := portaudio.OpenDefaultStream(1, 0, float64(p.cfg.SampleRate), len(in), in)
	if err != nil {
		_ = portaudio.Terminate()
		_ = p.slot.release(h)
		return nil, fmt.Errorf("%w: open default input: %v", ErrDeviceUnavailable, err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		_ = portaudio.Terminate()
		_ = p.slot.release(h)
		return nil, fmt.Errorf("%w: start stream: %v", ErrDeviceUnavailable, err)
	}

	ps := &paStream{stream: stream, stop: make(chan struct{}), done: make(chan struct{})}
	p.mu.Lock()
	p.streams[h] = ps
	p.mu.Unlock()

	go p.readLoop(h, ps, in)

	p.log.Debug("capture started",
		slog.Uint64("handle", h.ID()),
		slog.Int("sample_rate", p.cfg.SampleRate),
		slog.Int("frames_per_buffer", len(in)))
	return h, nil
}

func (p *PortAudio) readLoop(h *Handle, ps *paStream, in []float32) {
	defer close(ps.done)
	for {
		select {
		case <-ps.stop:
			return
		default:
		}
		if err := ps.stream.Read(); err != nil {
			if errors.Is(err, portaudio.InputOverflowed) {
				// Dropped frames are tolerable; keep recording.
				p.log.Debug("input overflowed", slog.Uint64("handle", h.ID()))
				h.append(in)
				continue
			}
			h.fail(err)
			return
		}
		h.append(in)
	}
}

func (p *PortAudio) End(h *Handle) (Buffer, error) {
	if err := p.slot.release(h); err != nil {
		return Buffer{}, err
	}
	p.teardown(h)
	buf, err := h.seal()
	if err != nil {
		return Buffer{}, err
	}
	p.log.Debug("capture ended", slog.Uint64("handle", h.ID()), slog.Duration("duration", buf.Duration()))
	return buf, nil
}

func (p *PortAudio) Abort(h *Handle) {
	if err := p.slot.release(h); err != nil {
		return
	}
	p.teardown(h)
	_, _ = h.seal()
	p.log.Debug("capture aborted", slog.Uint64("handle", h.ID()))
}

func (p *PortAudio) teardown(h *Handle) {
	p.mu.Lock()
	ps := p.streams[h]
	delete(p.streams, h)
	p.mu.Unlock()
	if ps == nil {
		return
	}
	close(ps.stop)
	<-ps.done
	if err := ps.stream.Stop(); err != nil {
		p.log.Debug("stop stream failed", slogError(err))
	}
	if err := ps.stream.Close(); err != nil {
		p.log.Warn("close stream failed", slogError(err))
	}
	if err := portaudio.Terminate(); err != nil {
		p.log.Warn("terminate portaudio failed", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
