package runtime

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-clip/internal/config"
	"github.com/loqalabs/loqa-clip/internal/control"
	"github.com/loqalabs/loqa-clip/internal/protocol"
	"github.com/loqalabs/loqa-clip/internal/session"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.HTTP.Enabled = false
	cfg.Audio.Backend = "synthetic"
	cfg.Model.Backend = "mock"
	cfg.Model.CacheDir = t.TempDir()
	cfg.Clipboard.Mode = "memory"
	cfg.EventStore.RetentionMode = "ephemeral"
	return cfg
}

func initRuntime(t *testing.T, cfg config.Config) *Runtime {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	rt := New(cfg, newLogger(), "test")
	if err := rt.Init(ctx); err != nil {
		cancel()
		t.Fatalf("init runtime: %v", err)
	}
	t.Cleanup(func() {
		cancel()
		rt.shutdown(context.Background())
	})
	select {
	case <-rt.Engine().Ready():
	case <-time.After(5 * time.Second):
		t.Fatal("model never finished loading")
	}
	return rt
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func recordOnce(t *testing.T, sess *session.Session) session.Snapshot {
	t.Helper()
	ctx := context.Background()
	if err := sess.StartRecording(ctx); err != nil {
		t.Fatalf("start recording: %v", err)
	}
	time.Sleep(200 * time.Millisecond)
	if err := sess.StopRecording(ctx); err != nil {
		t.Fatalf("stop recording: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if snap := sess.Snapshot(); snap.State == session.Ready {
			return snap
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("session never reached ready, state %s", sess.Snapshot().State)
	return session.Snapshot{}
}

func TestHealthAndReadiness(t *testing.T) {
	rt := initRuntime(t, testConfig(t))
	h := rt.Handler()

	if rec := get(t, h, "/healthz"); rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("unexpected /healthz: %d %q", rec.Code, rec.Body.String())
	}
	if rec := get(t, h, "/readyz"); rec.Code != http.StatusOK {
		t.Fatalf("expected ready once the model is loaded, got %d", rec.Code)
	}
}

func TestReadinessWithoutModel(t *testing.T) {
	rt := New(testConfig(t), newLogger(), "test")
	if rec := get(t, rt.Handler(), "/readyz"); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 before init, got %d", rec.Code)
	}
}

func TestStatusOmitsTranscript(t *testing.T) {
	rt := initRuntime(t, testConfig(t))
	snap := recordOnce(t, rt.Session())

	rec := get(t, rt.Handler(), "/status")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected /status code %d", rec.Code)
	}
	var raw map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &raw); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if _, ok := raw["transcript"]; ok {
		t.Fatalf("status must not expose transcript text: %s", rec.Body.String())
	}
	var st Status
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if st.State != "ready" || !st.HasTranscript || st.TranscriptChars != len([]rune(snap.Transcript)) || !st.ModelLoaded {
		t.Fatalf("unexpected status %+v", st)
	}
}

func TestTimelineRecordedWhenPersistent(t *testing.T) {
	cfg := testConfig(t)
	cfg.EventStore.RetentionMode = "persistent"
	cfg.EventStore.Path = filepath.Join(t.TempDir(), "timeline.db")
	rt := initRuntime(t, cfg)

	recordOnce(t, rt.Session())

	events, err := rt.store.ListRunEvents(context.Background(), rt.sink.RunID(), 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	// idle→recording, recording→transcribing, transcribing→ready
	if len(events) != 3 {
		t.Fatalf("expected 3 transitions, got %d", len(events))
	}
}

func TestBusControlThroughRuntime(t *testing.T) {
	cfg := testConfig(t)
	cfg.Bus.Enabled = true
	cfg.Bus.Embedded = true
	cfg.Bus.Port = -1
	rt := initRuntime(t, cfg)

	if rec := get(t, rt.Handler(), "/readyz"); rec.Code != http.StatusOK {
		t.Fatalf("expected ready with bus connected, got %d", rec.Code)
	}

	client := control.NewClient(rt.bus, "runtime-test")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	reply, err := client.Send(ctx, protocol.ActionStart)
	if err != nil {
		t.Fatalf("send start: %v", err)
	}
	if !reply.OK || reply.State == nil || reply.State.State != "recording" {
		t.Fatalf("unexpected reply %+v", reply)
	}
	reply, err = client.Send(ctx, protocol.ActionCancel)
	if err != nil || !reply.OK {
		t.Fatalf("cancel: reply=%+v err=%v", reply, err)
	}
	if got := rt.Session().Snapshot().State; got != session.Idle {
		t.Fatalf("expected idle after cancel, got %s", got)
	}
}
