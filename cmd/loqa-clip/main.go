package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/loqalabs/loqa-clip/internal/bus"
	"github.com/loqalabs/loqa-clip/internal/config"
	"github.com/loqalabs/loqa-clip/internal/control"
	"github.com/loqalabs/loqa-clip/internal/runtime"
)

var version = "0.1.0-dev"

func main() {
	if len(os.Args) > 1 && os.Args[1] == "ctl" {
		os.Exit(runCtl(os.Args[2:]))
	}

	var (
		configPath  string
		envFile     string
		logFormat   string
		headless    bool
		showVersion bool
	)

	flag.StringVar(&configPath, "config", "", "Path to configuration file (optional)")
	flag.StringVar(&envFile, "env", ".env", "Path to a .env file (skipped when missing)")
	flag.StringVar(&logFormat, "log-format", "text", "Log format: text or json")
	flag.BoolVar(&headless, "headless", false, "Disable the console; drive the session over the bus only")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Println(version)
		return
	}

	bootstrap := newLogger(logFormat, "info")
	cfg, err := config.Load(configPath, envFile)
	if err != nil {
		bootstrap.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger := newLogger(logFormat, cfg.Telemetry.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt := runtime.New(cfg, logger, version)
	if err := rt.Init(ctx); err != nil {
		logger.Error("runtime init failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	if !headless {
		fmt.Fprintf(os.Stdout, "loqa-clip %s, loading model %q...\n", version, cfg.Model.Name)
		go func() {
			select {
			case <-rt.Engine().Ready():
				if err := rt.Engine().LoadErr(); err != nil {
					fmt.Fprintf(os.Stdout, "model failed to load: %v\n", err)
				} else {
					fmt.Fprintln(os.Stdout, "model ready")
				}
			case <-ctx.Done():
			}
		}()

		sess := rt.Session()
		updates, unsubscribe := sess.Subscribe(8)
		go func() {
			defer unsubscribe()
			defer stop()
			newConsole(sess, os.Stdout, rt.Engine().Loaded).run(ctx, os.Stdin, updates)
		}()
	}

	if err := rt.Start(ctx); err != nil {
		logger.Error("runtime exited with error", slog.String("error", err.Error()))
		time.Sleep(1 * time.Second)
		os.Exit(1)
	}

	logger.Info("shutdown complete")
}

func newLogger(format, level string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// runCtl sends one intent to a running loqa-clip, for binding to a desktop
// hotkey.
func runCtl(args []string) int {
	fs := flag.NewFlagSet("ctl", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file (optional)")
	envFile := fs.String("env", ".env", "Path to a .env file (skipped when missing)")
	timeout := fs.Duration("timeout", 5*time.Second, "Request timeout")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "usage: loqa-clip ctl [flags] <start|stop|toggle|recopy|cancel|status>\n")
		fs.PrintDefaults()
	}
	fs.Parse(args)
	if fs.NArg() != 1 {
		fs.Usage()
		return 2
	}

	logger := newLogger("text", "warn")
	cfg, err := config.Load(*configPath, *envFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if !cfg.Bus.Enabled {
		fmt.Fprintln(os.Stderr, "bus is disabled; set bus.enabled or LOQA_CLIP_BUS_ENABLED=true on both sides")
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	client, err := bus.Connect(ctx, cfg.Bus, cfg.RuntimeName+"-ctl", logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer client.Close()
	ctl := control.NewClient(client, "ctl")

	action := fs.Arg(0)
	if action == "status" {
		state, err := ctl.State(ctx)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		fmt.Printf("state=%s cycle=%d has_transcript=%t", state.State, state.Cycle, state.HasTranscript)
		if state.ErrorKind != "" {
			fmt.Printf(" error=%s reason=%q", state.ErrorKind, state.Reason)
		}
		fmt.Println()
		return 0
	}

	reply, err := ctl.Send(ctx, action)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if !reply.OK {
		fmt.Fprintf(os.Stderr, "%s rejected (%s): %s\n", action, reply.Kind, reply.Error)
		return 1
	}
	if reply.State != nil {
		fmt.Println(reply.State.State)
	}
	return 0
}
