package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/loqalabs/loqa-clip/internal/config"
	"github.com/loqalabs/loqa-clip/internal/models"
)

var version = "0.1.0-dev"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "expected 'list', 'fetch', 'path' or 'version'")
		os.Exit(2)
	}

	switch os.Args[1] {
	case "list":
		os.Exit(withManager("list", os.Args[2:], func(_ context.Context, m *models.Manager, _ string) error {
			return runList(os.Stdout, m)
		}))
	case "fetch":
		os.Exit(withManager("fetch", os.Args[2:], func(ctx context.Context, m *models.Manager, name string) error {
			path, err := m.Ensure(ctx, name)
			if err != nil {
				return err
			}
			fmt.Println(path)
			return nil
		}))
	case "path":
		os.Exit(withManager("path", os.Args[2:], func(_ context.Context, m *models.Manager, name string) error {
			path, ok, err := m.Cached(name)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("model %q is not cached; run 'loqa-clip-model fetch -model %s'", name, name)
			}
			fmt.Println(path)
			return nil
		}))
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
}

func withManager(name string, args []string, fn func(context.Context, *models.Manager, string) error) int {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file (optional)")
	envFile := fs.String("env", ".env", "Path to a .env file (skipped when missing)")
	model := fs.String("model", "", "Model name (defaults to model.name from config)")
	fs.Parse(args)

	cfg, err := config.Load(*configPath, *envFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if *model == "" {
		*model = cfg.Model.Name
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	m, err := models.NewManager(cfg.Model, logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := fn(ctx, m, *model); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}

func runList(out io.Writer, m *models.Manager) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tFILE\tSIZE\tCACHED\tDESCRIPTION")
	for _, entry := range m.Manifest().Models {
		_, cached, err := m.Cached(entry.Name)
		if err != nil {
			return err
		}
		mark := "-"
		if cached {
			mark = "yes"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", entry.Name, entry.File, humanize.Bytes(entry.SizeBytes), mark, entry.Description)
	}
	return tw.Flush()
}
