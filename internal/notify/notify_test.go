package notify

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-clip/internal/config"
	"github.com/loqalabs/loqa-clip/internal/session"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type captured struct {
	mu   sync.Mutex
	msgs []string
}

func (c *captured) send(title, msg string) error {
	c.mu.Lock()
	c.msgs = append(c.msgs, title+"|"+msg)
	c.mu.Unlock()
	return nil
}

func (c *captured) all() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.msgs...)
}

func TestMessage(t *testing.T) {
	at := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	recording := session.Snapshot{State: session.Recording, Cycle: 1, UpdatedAt: at}
	ready := session.Snapshot{State: session.Ready, Cycle: 1, Transcript: "héllo", HasTranscript: true, UpdatedAt: at.Add(time.Second)}

	cases := []struct {
		name       string
		prev, next session.Snapshot
		want       string
		ok         bool
	}{
		{"recording is silent", session.Snapshot{State: session.Idle}, recording, "", false},
		{"ready counts runes", recording, ready, "Copied 5 characters to the clipboard", true},
		{"recopy in ready is silent", ready, session.Snapshot{State: session.Ready, Cycle: 1, Transcript: "héllo", UpdatedAt: at.Add(2 * time.Second)}, "", false},
		{"empty transcript", recording, session.Snapshot{State: session.Ready, Cycle: 1, HasTranscript: true, UpdatedAt: at.Add(time.Second)}, "Nothing heard; clipboard cleared", true},
		{"failure", recording, session.Snapshot{State: session.Failed, Cycle: 1, ErrorKind: session.KindDeviceUnavailable, Reason: "microphone lost", UpdatedAt: at.Add(time.Second)}, "DeviceUnavailable: microphone lost", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := Message(tc.prev, tc.next)
			if got != tc.want || ok != tc.ok {
				t.Fatalf("got (%q, %v), want (%q, %v)", got, ok, tc.want, tc.ok)
			}
		})
	}
}

func TestServiceSendsOnReady(t *testing.T) {
	c := &captured{}
	svc := NewServiceWithSender(context.Background(), config.NotifyConfig{Enabled: true, Title: "loqa-clip"}, c.send, newLogger())

	updates := make(chan session.Snapshot, 4)
	stopped := make(chan struct{})
	svc.Start(updates, func() { close(stopped) })

	at := time.Now()
	updates <- session.Snapshot{State: session.Idle, UpdatedAt: at}
	updates <- session.Snapshot{State: session.Recording, Cycle: 1, UpdatedAt: at.Add(time.Millisecond)}
	updates <- session.Snapshot{State: session.Ready, Cycle: 1, Transcript: "hi", HasTranscript: true, UpdatedAt: at.Add(2 * time.Millisecond)}
	close(updates)

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("service did not stop after channel close")
	}
	svc.Close()

	msgs := c.all()
	if len(msgs) != 1 || msgs[0] != "loqa-clip|Copied 2 characters to the clipboard" {
		t.Fatalf("unexpected notifications %v", msgs)
	}
}

func TestDisabledServiceReleasesSubscription(t *testing.T) {
	c := &captured{}
	svc := NewServiceWithSender(context.Background(), config.NotifyConfig{}, c.send, newLogger())
	released := false
	svc.Start(make(chan session.Snapshot), func() { released = true })
	svc.Close()
	if !released {
		t.Fatal("disabled service must release its subscription")
	}
}
