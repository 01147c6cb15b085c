package audio

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"
)

// Source returns the sample at index i of a synthetic recording.
type Source func(i int) float32

// Silence is a Source of zeros.
func Silence(int) float32 { return 0 }

// Tone returns a sine Source at freq Hz with the given amplitude.
func Tone(freq float64, amplitude float32, sampleRate int) Source {
	return func(i int) float32 {
		return amplitude * float32(math.Sin(2*math.Pi*freq*float64(i)/float64(sampleRate)))
	}
}

// Synthetic is a deviceless Capture. The number of samples in a clip is
// SampleRate times the elapsed clock time between Begin and End.
type Synthetic struct {
	sampleRate int
	source     Source
	slot       slot

	mu        sync.Mutex
	now       func() time.Time
	beginErr  error
	endErr    error
	begins    int
	lastAbort *Handle
}

// NewSynthetic builds a Synthetic capture. A nil source records a 440 Hz tone.
func NewSynthetic(sampleRate int, source Source) *Synthetic {
	if source == nil {
		source = Tone(440, 0.3, sampleRate)
	}
	return &Synthetic{sampleRate: sampleRate, source: source, now: time.Now}
}

// SetClock replaces the time source.
func (s *Synthetic) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

// SetSource replaces the sample generator used by later recordings.
func (s *Synthetic) SetSource(src Source) {
	s.mu.Lock()
	s.source = src
	s.mu.Unlock()
}

// FailBegin makes every following Begin fail with err wrapped as
// ErrDeviceUnavailable. A nil err restores normal behaviour.
func (s *Synthetic) FailBegin(err error) {
	s.mu.Lock()
	s.beginErr = err
	s.mu.Unlock()
}

// FailEnd makes every following End fail with err wrapped as
// ErrDeviceUnavailable.
func (s *Synthetic) FailEnd(err error) {
	s.mu.Lock()
	s.endErr = err
	s.mu.Unlock()
}

// InjectFault simulates the device disappearing mid-recording.
func (s *Synthetic) InjectFault(err error) bool {
	s.slot.mu.Lock()
	h := s.slot.active
	s.slot.mu.Unlock()
	if h == nil {
		return false
	}
	h.fail(err)
	return true
}

// Active reports whether a recording is open.
func (s *Synthetic) Active() bool {
	s.slot.mu.Lock()
	defer s.slot.mu.Unlock()
	return s.slot.active != nil
}

// Begins counts successful Begin calls.
func (s *Synthetic) Begins() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.begins
}

func (s *Synthetic) Begin(ctx context.Context) (*Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	beginErr := s.beginErr
	now := s.now()
	s.mu.Unlock()
	if beginErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, beginErr)
	}
	h, err := s.slot.claim(s.sampleRate, now)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.begins++
	s.mu.Unlock()
	return h, nil
}

func (s *Synthetic) End(h *Handle) (Buffer, error) {
	if err := s.slot.release(h); err != nil {
		return Buffer{}, err
	}
	s.mu.Lock()
	elapsed := s.now().Sub(h.StartedAt())
	src := s.source
	endErr := s.endErr
	s.mu.Unlock()

	if endErr != nil {
		h.fail(endErr)
	} else if elapsed > 0 {
		n := int(elapsed.Seconds() * float64(s.sampleRate))
		frame := make([]float32, n)
		for i := range frame {
			frame[i] = src(i)
		}
		h.append(frame)
	}
	buf, err := h.seal()
	if err != nil {
		return Buffer{}, err
	}
	return buf, nil
}

func (s *Synthetic) Abort(h *Handle) {
	if err := s.slot.release(h); err != nil {
		return
	}
	_, _ = h.seal()
	s.mu.Lock()
	s.lastAbort = h
	s.mu.Unlock()
}

// Aborted reports whether h was the most recently aborted handle.
func (s *Synthetic) Aborted(h *Handle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return h != nil && s.lastAbort == h
}
