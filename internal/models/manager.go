package models

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/dustin/go-humanize"
	"github.com/loqalabs/loqa-clip/internal/config"
)

// Manager resolves model names to files under a cache directory.
type Manager struct {
	dir      string
	baseURL  string
	attempts int
	manifest Manifest
	client   *http.Client
	log      *slog.Logger

	// newBackOff is swapped in tests to avoid real sleeps.
	newBackOff func() backoff.BackOff

	mu sync.Mutex
}

// NewManager builds a Manager backed by the embedded manifest.
func NewManager(cfg config.ModelConfig, log *slog.Logger) (*Manager, error) {
	manifest, err := DefaultManifest()
	if err != nil {
		return nil, err
	}
	return NewManagerWithManifest(cfg, manifest, log), nil
}

// NewManagerWithManifest builds a Manager with a caller supplied manifest.
func NewManagerWithManifest(cfg config.ModelConfig, manifest Manifest, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	attempts := cfg.DownloadAttempts
	if attempts <= 0 {
		attempts = 1
	}
	return &Manager{
		dir:      cfg.CacheDir,
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		attempts: attempts,
		manifest: manifest,
		client:   &http.Client{},
		log:      log.With(slog.String("component", "models")),
		newBackOff: func() backoff.BackOff {
			return backoff.NewExponentialBackOff()
		},
	}
}

// Manifest returns the manifest in use.
func (m *Manager) Manifest() Manifest { return m.manifest }

// Dir returns the cache directory.
func (m *Manager) Dir() string { return m.dir }

// Resolve returns the cache path for name without touching the network.
func (m *Manager) Resolve(name string) (string, error) {
	entry, err := m.manifest.Lookup(name)
	if err != nil {
		return "", err
	}
	return filepath.Join(m.dir, entry.File), nil
}

// Cached reports whether the model file for name is already present.
func (m *Manager) Cached(name string) (string, bool, error) {
	path, err := m.Resolve(name)
	if err != nil {
		return "", false, err
	}
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return path, false, nil
		}
		return path, false, err
	}
	return path, info.Mode().IsRegular() && info.Size() > 0, nil
}

// Ensure returns the cached path for name, downloading it first when absent.
func (m *Manager) Ensure(ctx context.Context, name string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	path, ok, err := m.Cached(name)
	if err != nil {
		return "", err
	}
	if ok {
		m.log.Debug("model cached", slog.String("model", name), slog.String("path", path))
		return path, nil
	}
	entry, _ := m.manifest.Lookup(name)
	if m.baseURL == "" {
		return "", fmt.Errorf("model %q not cached at %s and no base_url configured", name, path)
	}
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return "", fmt.Errorf("create model dir: %w", err)
	}

	url := m.baseURL + "/" + entry.File
	m.log.Info("downloading model",
		slog.String("model", name),
		slog.String("url", url),
		slog.String("expected_size", humanize.Bytes(entry.SizeBytes)))

	started := time.Now()
	attempt := 0
	op := func() (int64, error) {
		attempt++
		n, err := m.fetch(ctx, url, path, entry)
		if err != nil {
			m.log.Warn("model download attempt failed",
				slog.String("model", name),
				slog.Int("attempt", attempt),
				slogError(err))
		}
		return n, err
	}
	written, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(m.newBackOff()),
		backoff.WithMaxTries(uint(m.attempts)))
	if err != nil {
		return "", fmt.Errorf("download model %q: %w", name, err)
	}

	m.log.Info("model downloaded",
		slog.String("model", name),
		slog.String("path", path),
		slog.String("size", humanize.Bytes(uint64(written))),
		slog.Duration("elapsed", time.Since(started)))
	return path, nil
}

// fetch streams url into a temp file beside dest and renames it into place.
func (m *Manager) fetch(ctx context.Context, url, dest string, entry Entry) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, backoff.Permanent(err)
	}
	resp, err := m.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return 0, backoff.Permanent(ctx.Err())
		}
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		statusErr := fmt.Errorf("unexpected status %s", resp.Status)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return 0, backoff.Permanent(statusErr)
		}
		return 0, statusErr
	}

	tmp, err := os.CreateTemp(m.dir, entry.File+".*.part")
	if err != nil {
		return 0, backoff.Permanent(fmt.Errorf("create temp file: %w", err))
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	hasher := sha256.New()
	n, copyErr := io.Copy(io.MultiWriter(tmp, hasher), resp.Body)
	closeErr := tmp.Close()
	if copyErr != nil {
		return n, fmt.Errorf("write model: %w", copyErr)
	}
	if closeErr != nil {
		return n, fmt.Errorf("close model: %w", closeErr)
	}
	if n == 0 {
		return 0, errors.New("empty model body")
	}
	if want := strings.TrimSpace(entry.SHA256); want != "" {
		if got := hex.EncodeToString(hasher.Sum(nil)); !strings.EqualFold(got, want) {
			return n, fmt.Errorf("checksum mismatch: got %s want %s", got, want)
		}
	}
	if err := os.Rename(tmpName, dest); err != nil {
		return n, backoff.Permanent(fmt.Errorf("install model: %w", err))
	}
	return n, nil
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
