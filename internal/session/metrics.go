package session

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var allStates = []State{Idle, Recording, Transcribing, Ready, Failed}

type metrics struct {
	cycles   metric.Int64Counter
	failures metric.Int64Counter
	latency  metric.Float64Histogram
}

// newMetrics registers session instruments on the global meter provider.
// Instruments that fail to register are left nil and skipped.
func newMetrics(s *Session, log *slog.Logger) *metrics {
	meter := otel.Meter("github.com/loqalabs/loqa-clip/session")
	m := &metrics{}

	var err error
	if m.cycles, err = meter.Int64Counter("loqa.clip.cycles",
		metric.WithDescription("Recordings started")); err != nil {
		log.Warn("failed to initialize metric", slog.String("metric", "loqa.clip.cycles"), slogError(err))
	}
	if m.failures, err = meter.Int64Counter("loqa.clip.failures",
		metric.WithDescription("Transitions into the failed state by error kind")); err != nil {
		log.Warn("failed to initialize metric", slog.String("metric", "loqa.clip.failures"), slogError(err))
	}
	if m.latency, err = meter.Float64Histogram("loqa.clip.transcription.duration",
		metric.WithDescription("Wall time spent transcribing a clip"),
		metric.WithUnit("s")); err != nil {
		log.Warn("failed to initialize metric", slog.String("metric", "loqa.clip.transcription.duration"), slogError(err))
	}

	gauge, err := meter.Int64ObservableGauge("loqa.clip.state",
		metric.WithDescription("1 for the current session state, 0 otherwise"))
	if err != nil {
		log.Warn("failed to initialize metric", slog.String("metric", "loqa.clip.state"), slogError(err))
		return m
	}
	_, err = meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		current := s.Snapshot().State
		for _, st := range allStates {
			var v int64
			if st == current {
				v = 1
			}
			obs.ObserveInt64(gauge, v, metric.WithAttributes(attribute.String("state", string(st))))
		}
		return nil
	}, gauge)
	if err != nil {
		log.Warn("failed to register state gauge", slogError(err))
	}
	return m
}

func (m *metrics) cycleStarted(ctx context.Context) {
	if m.cycles != nil {
		m.cycles.Add(ctx, 1)
	}
}

func (m *metrics) failed(ctx context.Context, kind Kind) {
	if m.failures != nil {
		m.failures.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", string(kind))))
	}
}

func (m *metrics) transcribed(ctx context.Context, elapsed time.Duration, err error) {
	if m.latency == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.latency.Record(ctx, elapsed.Seconds(), metric.WithAttributes(attribute.String("outcome", outcome)))
}
