package main

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-clip/internal/session"
	"github.com/loqalabs/loqa-clip/internal/transcribe"
)

type fakeController struct {
	mu    sync.Mutex
	calls []string
	err   error
	snap  session.Snapshot
}

func (f *fakeController) record(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
	return f.err
}

func (f *fakeController) StartRecording(context.Context) error  { return f.record("start") }
func (f *fakeController) StopRecording(context.Context) error   { return f.record("stop") }
func (f *fakeController) ToggleRecording(context.Context) error { return f.record("toggle") }
func (f *fakeController) Recopy(context.Context) error          { return f.record("recopy") }
func (f *fakeController) CancelRecording(context.Context) error { return f.record("cancel") }

func (f *fakeController) Snapshot() session.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap
}

func (f *fakeController) Subscribe(int) (<-chan session.Snapshot, func()) {
	ch := make(chan session.Snapshot)
	close(ch)
	return ch, func() {}
}

func TestConsoleCommandsMapToIntents(t *testing.T) {
	ctrl := &fakeController{}
	var out bytes.Buffer
	c := newConsole(ctrl, &out, func() bool { return true })
	ctx := context.Background()

	for _, line := range []string{"", "r", "c", "x", "t", "s", "bogus"} {
		if !c.handle(ctx, line) {
			t.Fatalf("command %q should not quit", line)
		}
	}
	if c.handle(ctx, "q") {
		t.Fatal("q should quit")
	}

	want := []string{"toggle", "toggle", "recopy", "cancel"}
	if strings.Join(ctrl.calls, ",") != strings.Join(want, ",") {
		t.Fatalf("unexpected intents %v", ctrl.calls)
	}
	if !strings.Contains(out.String(), "unknown command") {
		t.Fatalf("expected help for unknown command, got %q", out.String())
	}
}

func TestConsoleVisibilityIsLocal(t *testing.T) {
	ctrl := &fakeController{snap: session.Snapshot{State: session.Ready, Cycle: 1, Transcript: "private words", HasTranscript: true}}
	var out bytes.Buffer
	c := newConsole(ctrl, &out, nil)

	c.render(ctrl.snap)
	if strings.Contains(out.String(), "private words") {
		t.Fatal("transcript must be hidden by default")
	}
	c.handle(context.Background(), "t")
	if !strings.Contains(out.String(), "private words") {
		t.Fatal("t should reveal the transcript")
	}
	if len(ctrl.calls) != 0 {
		t.Fatalf("visibility must not reach the session, got %v", ctrl.calls)
	}
}

func TestConsoleReportsRejections(t *testing.T) {
	ctrl := &fakeController{err: transcribe.ErrModelNotLoaded}
	var out bytes.Buffer
	c := newConsole(ctrl, &out, func() bool { return false })
	c.handle(context.Background(), "r")
	if !strings.Contains(out.String(), "model is still loading") {
		t.Fatalf("unexpected output %q", out.String())
	}

	out.Reset()
	ctrl.err = session.ErrInvalidState
	c.handle(context.Background(), "c")
	if !strings.Contains(out.String(), "cannot recopy right now") {
		t.Fatalf("unexpected output %q", out.String())
	}
}

func TestConsoleRunStopsOnQuit(t *testing.T) {
	ctrl := &fakeController{}
	var out bytes.Buffer
	c := newConsole(ctrl, &out, nil)
	updates := make(chan session.Snapshot, 1)
	updates <- session.Snapshot{State: session.Failed, Cycle: 2, ErrorKind: session.KindDeviceUnavailable, Reason: "no input device"}

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.run(context.Background(), strings.NewReader("q\n"), updates)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("console did not stop on q")
	}
}

func TestParseLevel(t *testing.T) {
	if parseLevel("DEBUG").String() != "DEBUG" || parseLevel("nope").String() != "INFO" {
		t.Fatal("unexpected level parsing")
	}
}
