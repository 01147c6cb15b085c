// Package clipboard places transcript text on the OS clipboard.
package clipboard

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"

	"github.com/atotto/clipboard"
	"github.com/loqalabs/loqa-clip/internal/config"
	"github.com/mattn/go-shellwords"
)

// ErrUnavailable wraps every publish failure.
var ErrUnavailable = errors.New("clipboard: unavailable")

// Publisher replaces the clipboard contents with text. Publishing the same
// text twice leaves the clipboard in the same state.
type Publisher interface {
	Publish(ctx context.Context, text string) error
}

// New builds the publisher named by cfg.Mode.
func New(cfg config.ClipboardConfig, log *slog.Logger) (Publisher, error) {
	switch cfg.Mode {
	case "system", "":
		return NewSystem(log), nil
	case "exec":
		return NewExec(cfg.Command)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unsupported clipboard mode %q", cfg.Mode)
	}
}

// System uses the platform clipboard (pbcopy, xclip, xsel, wl-copy or Win32).
type System struct {
	log *slog.Logger
}

func NewSystem(log *slog.Logger) *System {
	if log == nil {
		log = slog.Default()
	}
	return &System{log: log.With(slog.String("component", "clipboard"))}
}

func (s *System) Publish(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if clipboard.Unsupported {
		return fmt.Errorf("%w: no clipboard utility found", ErrUnavailable)
	}
	if err := clipboard.WriteAll(text); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	s.log.Debug("clipboard updated", slog.Int("chars", len(text)))
	return nil
}

// Exec pipes the text to a command's stdin, e.g. "wl-copy" or "xclip -selection clipboard".
type Exec struct {
	cmd []string
}

func NewExec(command string) (*Exec, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse clipboard command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("clipboard command is empty")
	}
	return &Exec{cmd: args}, nil
}

func (e *Exec) Publish(ctx context.Context, text string) error {
	command := exec.CommandContext(ctx, e.cmd[0], e.cmd[1:]...)
	command.Stdin = strings.NewReader(text)
	var stderr bytes.Buffer
	command.Stderr = &stderr
	if err := command.Run(); err != nil {
		return fmt.Errorf("%w: %v: %s", ErrUnavailable, err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

// Memory keeps the clipboard in process. It can be told to fail.
type Memory struct {
	mu    sync.Mutex
	text  string
	set   bool
	calls int
	fail  error
}

func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Publish(ctx context.Context, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.fail != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, m.fail)
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	m.text = text
	m.set = true
	return nil
}

// Text returns the current contents and whether anything was ever published.
func (m *Memory) Text() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.text, m.set
}

// Calls counts Publish invocations, failed ones included.
func (m *Memory) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Fail makes later publishes fail with err. A nil err clears the failure.
func (m *Memory) Fail(err error) {
	m.mu.Lock()
	m.fail = err
	m.mu.Unlock()
}
