package control

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/loqa-clip/internal/audio"
	"github.com/loqalabs/loqa-clip/internal/bus"
	"github.com/loqalabs/loqa-clip/internal/clipboard"
	"github.com/loqalabs/loqa-clip/internal/config"
	"github.com/loqalabs/loqa-clip/internal/natsserver"
	"github.com/loqalabs/loqa-clip/internal/protocol"
	"github.com/loqalabs/loqa-clip/internal/session"
	"github.com/nats-io/nats.go"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fixedTranscriber struct{ text string }

func (f fixedTranscriber) Loaded() bool { return true }

func (f fixedTranscriber) Transcribe(context.Context, audio.Buffer) (string, error) {
	return f.text, nil
}

type fixture struct {
	bus    *bus.Client
	client *Client
	sess   *session.Session
	clip   *clipboard.Memory
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := newLogger()

	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1}, log)
	if err != nil {
		t.Fatalf("start embedded server: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	cfg := config.BusConfig{Servers: []string{srv.ClientURL()}, ConnectTimeout: 2000}
	busClient, err := bus.Connect(context.Background(), cfg, "control-test", log)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(busClient.Close)

	clip := clipboard.NewMemory()
	sess := session.New(session.Deps{
		Capture:   audio.NewSynthetic(16000, audio.Tone(440, 0.3, 16000)),
		Engine:    fixedTranscriber{text: "sent over the bus"},
		Clipboard: clip,
		Logger:    log,
	}, session.Options{})
	sess.Start(context.Background())
	t.Cleanup(sess.Close)

	svc := NewService(context.Background(), busClient, sess, log)
	if err := svc.Start(); err != nil {
		t.Fatalf("start control service: %v", err)
	}
	t.Cleanup(svc.Close)

	return &fixture{bus: busClient, client: NewClient(busClient, "test"), sess: sess, clip: clip}
}

func waitForRemoteState(t *testing.T, c *Client, want string) protocol.SessionState {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		state, err := c.State(ctx)
		cancel()
		if err == nil && state.State == want {
			return state
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for remote state %s", want)
	return protocol.SessionState{}
}

func TestIntentsOverBus(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	updates := make(chan *nats.Msg, 64)
	sub, err := f.bus.Conn().ChanSubscribe(protocol.SubjectSessionState, updates)
	if err != nil {
		t.Fatalf("subscribe state: %v", err)
	}
	defer sub.Unsubscribe()
	if err := f.bus.Conn().Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	reply, err := f.client.Send(ctx, protocol.ActionToggle)
	if err != nil {
		t.Fatalf("toggle: %v", err)
	}
	if !reply.OK || reply.State == nil || reply.State.State != string(session.Recording) {
		t.Fatalf("unexpected toggle reply %+v", reply)
	}

	reply, err = f.client.Send(ctx, protocol.ActionStart)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if reply.OK || reply.Kind != string(session.KindInvalidState) {
		t.Fatalf("expected rejected start, got %+v", reply)
	}

	time.Sleep(20 * time.Millisecond)
	if reply, err = f.client.Send(ctx, protocol.ActionToggle); err != nil || !reply.OK {
		t.Fatalf("toggle off: reply=%+v err=%v", reply, err)
	}

	state := waitForRemoteState(t, f.client, string(session.Ready))
	if state.Transcript != "sent over the bus" || !state.HasTranscript {
		t.Fatalf("unexpected state %+v", state)
	}
	if text, _ := f.clip.Text(); text != "sent over the bus" {
		t.Fatalf("clipboard holds %q", text)
	}

	deadline := time.After(3 * time.Second)
	for {
		select {
		case msg := <-updates:
			var st protocol.SessionState
			if err := json.Unmarshal(msg.Data, &st); err != nil {
				t.Fatalf("decode state: %v", err)
			}
			if st.State == string(session.Ready) {
				return
			}
		case <-deadline:
			t.Fatal("ready state never published on the bus")
		}
	}
}

func TestRecopyOverBus(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	reply, err := f.client.Send(ctx, protocol.ActionRecopy)
	if err != nil {
		t.Fatalf("recopy: %v", err)
	}
	if !reply.OK {
		t.Fatalf("recopy without transcript should be a no-op, got %+v", reply)
	}
	if f.clip.Calls() != 0 {
		t.Fatalf("expected no clipboard writes, got %d", f.clip.Calls())
	}
}

func TestUnknownAction(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := f.client.Send(ctx, "explode"); !errors.Is(err, ErrUnknownAction) {
		t.Fatalf("expected ErrUnknownAction, got %v", err)
	}

	var reply protocol.IntentReply
	if err := f.bus.RequestJSON(ctx, protocol.IntentSubject("explode"), protocol.Intent{}, &reply); err != nil {
		t.Fatalf("raw request: %v", err)
	}
	if reply.OK || reply.Kind != string(session.KindInternal) {
		t.Fatalf("expected internal rejection, got %+v", reply)
	}
}

func TestStateOf(t *testing.T) {
	at := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	got := StateOf(session.Snapshot{
		State:         session.Failed,
		Reason:        "microphone unplugged",
		ErrorKind:     session.KindDeviceUnavailable,
		Cycle:         3,
		LastDuration:  1500 * time.Millisecond,
		UpdatedAt:     at,
		Transcript:    "old",
		HasTranscript: true,
	})
	if got.State != "failed" || got.ErrorKind != "DeviceUnavailable" || got.LastDurationMS != 1500 || got.Cycle != 3 || !got.UpdatedAt.Equal(at) {
		t.Fatalf("unexpected conversion %+v", got)
	}
}
