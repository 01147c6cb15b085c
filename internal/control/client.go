package control

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-clip/internal/bus"
	"github.com/loqalabs/loqa-clip/internal/protocol"
)

// Client sends intents to a running loqa-clip over the bus.
type Client struct {
	bus    *bus.Client
	source string
}

func NewClient(busClient *bus.Client, source string) *Client {
	return &Client{bus: busClient, source: source}
}

// Send submits action and returns the session's reply. A rejected intent is
// reported through the reply, not the error.
func (c *Client) Send(ctx context.Context, action string) (protocol.IntentReply, error) {
	if !knownAction(action) {
		return protocol.IntentReply{}, fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}
	req := protocol.Intent{
		RequestID: uuid.NewString(),
		Source:    c.source,
		Timestamp: time.Now().UTC(),
	}
	var reply protocol.IntentReply
	if err := c.bus.RequestJSON(ctx, protocol.IntentSubject(action), req, &reply); err != nil {
		return protocol.IntentReply{}, err
	}
	return reply, nil
}

// State fetches the current session snapshot.
func (c *Client) State(ctx context.Context) (protocol.SessionState, error) {
	var reply protocol.IntentReply
	if err := c.bus.RequestJSON(ctx, protocol.SubjectSessionQuery, protocol.Intent{Source: c.source}, &reply); err != nil {
		return protocol.SessionState{}, err
	}
	if reply.State == nil {
		return protocol.SessionState{}, errors.New("session query returned no state")
	}
	return *reply.State, nil
}

func knownAction(action string) bool {
	for _, a := range protocol.Actions {
		if a == action {
			return true
		}
	}
	return false
}
