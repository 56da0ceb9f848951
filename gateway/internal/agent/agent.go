// Package agent defines the boundary between the gateway and the
// agent-execution core that runs models and tools.
package agent

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

// EventType names a core event. The gateway emits each as "agent.<type>".
type EventType string

const (
	EventAccepted   EventType = "accepted"
	EventDelta      EventType = "delta"
	EventToolCall   EventType = "tool_call"
	EventToolResult EventType = "tool_result"
	EventCompleted  EventType = "completed"
	EventFailed     EventType = "failed"
)

// Terminal reports whether t ends a run.
func (t EventType) Terminal() bool { return t == EventCompleted || t == EventFailed }

// Event is one step of a run.
type Event struct {
	Type    EventType
	Payload map[string]any
}

// RunInput is what the gateway hands the core for one turn.
type RunInput struct {
	RunID       string
	SessionID   string
	TenantID    string
	WorkspaceID string
	Input       string
	RuntimeMode string
	Actor       string
}

// Core runs agent turns.
type Core interface {
	// Run starts a turn. The returned channel yields events in order and is
	// closed after a terminal event.
	Run(ctx context.Context, in RunInput) (<-chan Event, error)

	// Abort asks the core to stop runID. Best-effort; it reports whether the
	// run was known.
	Abort(runID string) bool
}

// ErrEmptyInput is returned for a run without input.
var ErrEmptyInput = errors.New("agent: input is required")

// EchoCore is the built-in core: it streams the input back word by word.
// It lets the gateway run end to end without a model backend.
type EchoCore struct {
	delay  time.Duration
	buffer int

	mu   sync.Mutex
	runs map[string]context.CancelFunc
}

// NewEchoCore creates an echo core that pauses delay between deltas.
func NewEchoCore(delay time.Duration) *EchoCore {
	return &EchoCore{delay: delay, buffer: 16, runs: make(map[string]context.CancelFunc)}
}

func (c *EchoCore) Run(ctx context.Context, in RunInput) (<-chan Event, error) {
	if strings.TrimSpace(in.Input) == "" {
		return nil, ErrEmptyInput
	}
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.runs[in.RunID] = cancel
	c.mu.Unlock()

	out := make(chan Event, c.buffer)
	go func() {
		defer close(out)
		defer c.forget(in.RunID)
		defer cancel()

		out <- Event{Type: EventAccepted, Payload: map[string]any{"runId": in.RunID, "sessionId": in.SessionID}}
		words := strings.Fields(in.Input)
		for i, w := range words {
			if i > 0 {
				w = " " + w
			}
			if c.delay > 0 {
				select {
				case <-ctx.Done():
				case <-time.After(c.delay):
				}
			}
			if ctx.Err() != nil {
				out <- Event{Type: EventFailed, Payload: map[string]any{"runId": in.RunID, "error": "aborted"}}
				return
			}
			out <- Event{Type: EventDelta, Payload: map[string]any{"runId": in.RunID, "delta": w}}
		}
		out <- Event{Type: EventCompleted, Payload: map[string]any{
			"runId":  in.RunID,
			"output": strings.Join(words, " "),
			"mode":   in.RuntimeMode,
		}}
	}()
	return out, nil
}

func (c *EchoCore) Abort(runID string) bool {
	c.mu.Lock()
	cancel, ok := c.runs[runID]
	c.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

func (c *EchoCore) forget(runID string) {
	c.mu.Lock()
	delete(c.runs, runID)
	c.mu.Unlock()
}
