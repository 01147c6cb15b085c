package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-clip/internal/audio"
	"github.com/loqalabs/loqa-clip/internal/bus"
	"github.com/loqalabs/loqa-clip/internal/clipboard"
	"github.com/loqalabs/loqa-clip/internal/config"
	"github.com/loqalabs/loqa-clip/internal/control"
	"github.com/loqalabs/loqa-clip/internal/eventstore"
	"github.com/loqalabs/loqa-clip/internal/models"
	"github.com/loqalabs/loqa-clip/internal/natsserver"
	"github.com/loqalabs/loqa-clip/internal/notify"
	"github.com/loqalabs/loqa-clip/internal/session"
	"github.com/loqalabs/loqa-clip/internal/transcribe"
)

type Runtime struct {
	cfg     config.Config
	logger  *slog.Logger
	version string

	httpServer     *http.Server
	metricsHandler http.Handler
	tracerClose    func(context.Context) error

	engine   *transcribe.Engine
	session  *session.Session
	store    *eventstore.Store
	sink     *eventstore.Sink
	server   *natsserver.EmbeddedServer
	bus      *bus.Client
	control  *control.Service
	notifier *notify.Service

	initOnce sync.Once
	initErr  error
	ready    atomic.Bool
	wg       sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger, version string) *Runtime {
	return &Runtime{
		cfg:     cfg,
		logger:  logger,
		version: version,
	}
}

// Session is available once Init has succeeded.
func (r *Runtime) Session() *session.Session { return r.session }

func (r *Runtime) Engine() *transcribe.Engine { return r.engine }

// Init builds every component and begins loading the model in the background.
// It is idempotent; Start calls it when the caller has not.
func (r *Runtime) Init(ctx context.Context) error {
	r.initOnce.Do(func() {
		r.initErr = r.init(ctx)
		if r.initErr != nil {
			r.shutdown(context.Background())
		}
	})
	return r.initErr
}

func (r *Runtime) init(ctx context.Context) error {
	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.version, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry
	r.metricsHandler = metricsHandler

	manager, err := models.NewManager(r.cfg.Model, r.logger)
	if err != nil {
		return fmt.Errorf("model manager: %w", err)
	}
	r.engine = transcribe.NewEngine(r.cfg.Model, manager, r.logger)

	capture, err := audio.New(r.cfg.Audio, r.logger)
	if err != nil {
		return fmt.Errorf("audio capture: %w", err)
	}
	publisher, err := clipboard.New(r.cfg.Clipboard, r.logger)
	if err != nil {
		return fmt.Errorf("clipboard: %w", err)
	}

	r.store, err = eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("event store: %w", err)
	}
	var sink session.EventSink
	if r.store.Enabled() {
		host, _ := os.Hostname()
		r.sink, err = eventstore.NewSink(ctx, r.store, eventstore.Run{
			RunID:   uuid.NewString(),
			Host:    host,
			Version: r.version,
		}, r.logger)
		if err != nil {
			return fmt.Errorf("event store run: %w", err)
		}
		sink = r.sink
	}

	r.session = session.New(session.Deps{
		Capture:   capture,
		Engine:    r.engine,
		Clipboard: publisher,
		Sink:      sink,
		Logger:    r.logger,
	}, session.Options{
		MaxDuration: time.Duration(r.cfg.Audio.MaxDurationMS) * time.Millisecond,
	})
	r.session.Start(ctx)

	if r.cfg.Bus.Enabled {
		if err := r.startBus(ctx); err != nil {
			return err
		}
	}

	r.notifier = notify.NewService(ctx, r.cfg.Notify, r.logger)
	r.notifier.Start(r.session.Subscribe(4))

	loaded := r.engine.LoadAsync(ctx)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		select {
		case err := <-loaded:
			if err != nil {
				r.logger.Error("model failed to load; recording stays disabled", slog.String("model", r.cfg.Model.Name), slog.String("error", err.Error()))
				if errors.Is(err, transcribe.ErrNativeUnavailable) {
					r.logger.Warn("rebuild with -tags whispercpp or set model.backend=exec")
				}
			}
		case <-ctx.Done():
		}
	}()
	return nil
}

func (r *Runtime) startBus(ctx context.Context) error {
	busCfg := r.cfg.Bus
	srv, err := natsserver.Start(busCfg, r.logger)
	if err != nil {
		return fmt.Errorf("embedded nats: %w", err)
	}
	r.server = srv
	if srv != nil {
		busCfg.Servers = []string{srv.ClientURL()}
	}

	r.bus, err = bus.Connect(ctx, busCfg, r.cfg.RuntimeName, r.logger)
	if err != nil {
		return err
	}
	r.control = control.NewService(ctx, r.bus, r.session, r.logger)
	if err := r.control.Start(); err != nil {
		return fmt.Errorf("control service: %w", err)
	}
	return nil
}

// Start runs the HTTP surface and blocks until ctx is cancelled, then tears
// everything down.
func (r *Runtime) Start(ctx context.Context) error {
	if err := r.Init(ctx); err != nil {
		return err
	}

	if r.cfg.HTTP.Enabled {
		addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
		r.httpServer = &http.Server{
			Addr:              addr,
			Handler:           r.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			if err := r.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				r.logger.Error("http server failed", slog.String("error", err.Error()))
			}
		}()
		r.logger.Info("http surface listening", slog.String("addr", addr))
	}

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("model", r.cfg.Model.Name), slog.String("backend", r.cfg.Model.Backend))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	r.ready.Store(false)

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if r.httpServer != nil {
		if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
	}
	r.shutdown(shutdownCtx)
	return nil
}

func (r *Runtime) shutdown(ctx context.Context) {
	if r.control != nil {
		r.control.Close()
	}
	if r.notifier != nil {
		r.notifier.Close()
	}
	if r.session != nil {
		r.session.Close()
	}
	if r.engine != nil {
		if err := r.engine.Close(); err != nil {
			r.logger.Warn("engine close error", slog.String("error", err.Error()))
		}
	}
	r.wg.Wait()
	if r.bus != nil {
		r.bus.Close()
	}
	r.server.Shutdown()
	if r.sink != nil {
		if err := r.sink.Close(ctx); err != nil {
			r.logger.Warn("event store run cleanup failed", slog.String("error", err.Error()))
		}
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Warn("event store close error", slog.String("error", err.Error()))
		}
	}
	if r.tracerClose != nil {
		if err := r.tracerClose(ctx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
}

// Handler serves /healthz, /readyz, /status and /metrics.
func (r *Runtime) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	mux.HandleFunc("/status", r.handleStatus)
	if r.metricsHandler != nil {
		mux.Handle("/metrics", r.metricsHandler)
	}
	return mux
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleReady reports ready once the model is loaded and the bus, when
// enabled, is connected.
func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	ok := r.engine != nil && r.engine.Loaded()
	if r.control != nil {
		ok = ok && r.control.Healthy()
	}
	if ok {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

// Status omits transcript text; only its length is reported.
type Status struct {
	State           string `json:"state"`
	HasTranscript   bool   `json:"has_transcript"`
	TranscriptChars int    `json:"transcript_chars"`
	Reason          string `json:"reason,omitempty"`
	ErrorKind       string `json:"error_kind,omitempty"`
	Cycle           uint64 `json:"cycle"`
	Model           string `json:"model"`
	ModelLoaded     bool   `json:"model_loaded"`
	ModelError      string `json:"model_error,omitempty"`
	BusConnected    bool   `json:"bus_connected"`
	Version         string `json:"version"`
}

func (r *Runtime) status() Status {
	st := Status{Model: r.cfg.Model.Name, Version: r.version, BusConnected: r.bus.Healthy()}
	if r.session != nil {
		snap := r.session.Snapshot()
		st.State = string(snap.State)
		st.HasTranscript = snap.HasTranscript
		st.TranscriptChars = utf8.RuneCountInString(snap.Transcript)
		st.Reason = snap.Reason
		st.ErrorKind = string(snap.ErrorKind)
		st.Cycle = snap.Cycle
	}
	if r.engine != nil {
		st.ModelLoaded = r.engine.Loaded()
		if err := r.engine.LoadErr(); err != nil {
			st.ModelError = err.Error()
		}
	}
	return st
}

func (r *Runtime) handleStatus(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(r.status()); err != nil {
		r.logger.Warn("failed to write status", slog.String("error", err.Error()))
	}
}
