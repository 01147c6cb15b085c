package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/loqalabs/loqa-clip/internal/control"
	"github.com/loqalabs/loqa-clip/internal/protocol"
	"github.com/loqalabs/loqa-clip/internal/session"
)

const consoleHelp = `commands: r/Enter start or stop, c re-copy, x cancel, t show/hide transcript, s status, q quit`

// console is the terminal surface. Transcript visibility lives here and never
// reaches the session.
type console struct {
	ctrl   control.Controller
	out    io.Writer
	loaded func() bool

	mu      sync.Mutex
	visible bool
	last    session.Snapshot
}

func newConsole(ctrl control.Controller, out io.Writer, loaded func() bool) *console {
	return &console{ctrl: ctrl, out: out, loaded: loaded}
}

// run reads commands from in until q, EOF or ctx cancellation, rendering
// snapshots from updates as they arrive.
func (c *console) run(ctx context.Context, in io.Reader, updates <-chan session.Snapshot) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	c.printf("%s\n", consoleHelp)
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-updates:
			if !ok {
				return
			}
			c.render(snap)
		case line, ok := <-lines:
			if !ok {
				return
			}
			if !c.handle(ctx, line) {
				return
			}
		}
	}
}

// handle executes one command line and reports whether to keep going.
func (c *console) handle(ctx context.Context, line string) bool {
	cmd := strings.ToLower(strings.TrimSpace(line))
	var action string
	switch cmd {
	case "", "r":
		action = protocol.ActionToggle
	case "c":
		action = protocol.ActionRecopy
	case "x":
		action = protocol.ActionCancel
	case "t":
		c.toggleVisible()
		return true
	case "s":
		c.printStatus()
		return true
	case "q":
		return false
	case "h", "?":
		c.printf("%s\n", consoleHelp)
		return true
	default:
		c.printf("unknown command %q\n%s\n", cmd, consoleHelp)
		return true
	}

	if err := control.Apply(ctx, c.ctrl, action); err != nil {
		c.printf("%s\n", describeRejection(action, err))
		return true
	}
	if action == protocol.ActionRecopy {
		if snap := c.ctrl.Snapshot(); snap.HasTranscript {
			c.printf("copied again (%d characters)\n", utf8.RuneCountInString(snap.Transcript))
		} else {
			c.printf("nothing to copy yet\n")
		}
	}
	return true
}

func describeRejection(action string, err error) string {
	switch {
	case errors.Is(err, session.ErrInvalidState):
		return fmt.Sprintf("cannot %s right now", action)
	case session.KindOf(err) == session.KindModelNotLoaded:
		return "model is still loading, try again shortly"
	default:
		return fmt.Sprintf("%s failed: %v", action, err)
	}
}

func (c *console) render(snap session.Snapshot) {
	c.mu.Lock()
	prev := c.last
	c.last = snap
	visible := c.visible
	c.mu.Unlock()

	if prev.State == snap.State && prev.Cycle == snap.Cycle && prev.Reason == snap.Reason {
		return
	}
	switch snap.State {
	case session.Recording:
		c.printf("recording... (Enter to stop, x to cancel)\n")
	case session.Transcribing:
		c.printf("transcribing...\n")
	case session.Ready:
		c.printf("copied to clipboard (%d characters, %s)\n", utf8.RuneCountInString(snap.Transcript), snap.LastDuration.Round(time.Millisecond))
		if visible {
			c.printTranscript(snap)
		}
	case session.Failed:
		c.printf("error [%s]: %s\n", snap.ErrorKind, snap.Reason)
	case session.Idle:
		if prev.State == session.Recording {
			c.printf("recording discarded\n")
		}
	}
}

func (c *console) toggleVisible() {
	c.mu.Lock()
	c.visible = !c.visible
	visible := c.visible
	c.mu.Unlock()

	if !visible {
		c.printf("transcript hidden\n")
		return
	}
	c.printTranscript(c.ctrl.Snapshot())
}

func (c *console) printTranscript(snap session.Snapshot) {
	if !snap.HasTranscript {
		c.printf("(no transcript yet)\n")
		return
	}
	c.printf("--- transcript ---\n%s\n------------------\n", snap.Transcript)
}

func (c *console) printStatus() {
	snap := c.ctrl.Snapshot()
	c.mu.Lock()
	visible := c.visible
	c.mu.Unlock()

	model := "loading"
	if c.loaded != nil && c.loaded() {
		model = "ready"
	}
	c.printf("state=%s cycle=%d model=%s transcript_visible=%t", snap.State, snap.Cycle, model, visible)
	if snap.ErrorKind != session.KindNone {
		c.printf(" error=%s reason=%q", snap.ErrorKind, snap.Reason)
	}
	c.printf("\n")
}

func (c *console) printf(format string, args ...any) {
	fmt.Fprintf(c.out, format, args...)
}
