// Package notify raises desktop notifications when a cycle finishes.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"unicode/utf8"

	"github.com/gen2brain/beeep"
	"github.com/loqalabs/loqa-clip/internal/config"
	"github.com/loqalabs/loqa-clip/internal/session"
)

// Sender delivers one notification.
type Sender func(title, message string) error

func beeepSender(title, message string) error {
	return beeep.Notify(title, message, "")
}

// Service watches session snapshots and notifies on Ready and Failed. The
// transcript itself is never shown, only its length.
type Service struct {
	cfg    config.NotifyConfig
	send   Sender
	log    *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewService(parent context.Context, cfg config.NotifyConfig, log *slog.Logger) *Service {
	return NewServiceWithSender(parent, cfg, beeepSender, log)
}

func NewServiceWithSender(parent context.Context, cfg config.NotifyConfig, send Sender, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:    cfg,
		send:   send,
		log:    log.With(slog.String("component", "notify")),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start consumes snapshots until Close or until the channel closes.
func (s *Service) Start(updates <-chan session.Snapshot, stop func()) {
	if !s.cfg.Enabled {
		stop()
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer stop()
		var last session.Snapshot
		for {
			select {
			case <-s.ctx.Done():
				return
			case snap, ok := <-updates:
				if !ok {
					return
				}
				if msg, ok := Message(last, snap); ok {
					if err := s.send(s.cfg.Title, msg); err != nil {
						s.log.Warn("desktop notification failed", slog.String("error", err.Error()))
					}
				}
				last = snap
			}
		}
	}()
}

func (s *Service) Close() {
	s.cancel()
	s.wg.Wait()
}

// Message returns the notification for a change from prev to next, if any.
func Message(prev, next session.Snapshot) (string, bool) {
	if prev.State == next.State && prev.Cycle == next.Cycle && prev.UpdatedAt.Equal(next.UpdatedAt) {
		return "", false
	}
	switch next.State {
	case session.Ready:
		if prev.State == session.Ready && prev.Cycle == next.Cycle {
			return "", false
		}
		n := utf8.RuneCountInString(next.Transcript)
		if n == 0 {
			return "Nothing heard; clipboard cleared", true
		}
		return fmt.Sprintf("Copied %d characters to the clipboard", n), true
	case session.Failed:
		if prev.State == session.Failed && prev.Cycle == next.Cycle && prev.Reason == next.Reason {
			return "", false
		}
		return fmt.Sprintf("%s: %s", next.ErrorKind, next.Reason), true
	default:
		return "", false
	}
}
