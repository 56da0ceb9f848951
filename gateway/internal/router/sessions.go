package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/openfoal/openfoal/gateway/internal/agent"
	"github.com/openfoal/openfoal/gateway/internal/metrics"
	"github.com/openfoal/openfoal/gateway/internal/store"
	"github.com/openfoal/openfoal/pkg/protocol"
)

// Runtime modes a session can execute in.
const (
	ModeLocal = "local"
	ModeCloud = "cloud"
)

const maxTitleLen = 60

func validMode(m string) bool { return m == ModeLocal || m == ModeCloud }

// loadSession fetches sessionID and checks it belongs to the call's scope.
func (r *Router) loadSession(ctx context.Context, c *call, sessionID string) (*store.Session, error) {
	sess, err := r.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("session %s: %w", sessionID, err)
	}
	tenantID, workspaceID := r.scope(c.params)
	if sess.TenantID != tenantID || sess.WorkspaceID != workspaceID {
		return nil, protocol.NewError(protocol.CodeWorkspaceScopeMismatch, "session %s is outside the caller's scope", sessionID)
	}
	return sess, nil
}

func (r *Router) newSession(c *call, id, title, mode string) *store.Session {
	tenantID, workspaceID := r.scope(c.params)
	now := r.now().UTC()
	return &store.Session{
		ID:          id,
		TenantID:    tenantID,
		WorkspaceID: workspaceID,
		Title:       title,
		RuntimeMode: mode,
		SyncState:   "local_only",
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func titleFrom(input string) string {
	if utf8.RuneCountInString(input) <= maxTitleLen {
		return input
	}
	return string([]rune(input)[:maxTitleLen])
}

func (r *Router) agentRun(ctx context.Context, c *call) (any, error) {
	sessionID, err := required(c.params, "sessionId")
	if err != nil {
		return nil, err
	}
	input, err := required(c.params, "input")
	if err != nil {
		return nil, err
	}

	runID := uuid.New().String()
	if !c.st.TryBeginRun(sessionID, runID) {
		return nil, protocol.NewError(protocol.CodeSessionBusy, "session %s already has a run in flight", sessionID)
	}
	metrics.RunStarted()
	defer func() {
		metrics.RunFinished()
		// The run is over whatever its outcome; a queued mode change applies now.
		if mode, queued := c.st.FinishRun(sessionID); queued {
			if err := r.applyMode(ctx, c, sessionID, mode, "queued"); err != nil {
				r.logger.Warn("queued mode change failed", "session", sessionID, "mode", mode, "error", err)
			}
		}
	}()

	status, output, err := r.run(ctx, c, sessionID, runID, input)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"runId":     runID,
		"sessionId": sessionID,
		"status":    status,
		"output":    output,
	}, nil
}

// run loads or creates the session and executes the turn.
func (r *Router) run(ctx context.Context, c *call, sessionID, runID, input string) (status, output string, err error) {
	sess, err := r.loadSession(ctx, c, sessionID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		sess = r.newSession(c, sessionID, titleFrom(input), ModeLocal)
		if err := r.store.UpsertSession(ctx, sess); err != nil {
			return "", "", fmt.Errorf("create session: %w", err)
		}
		c.emit(protocol.EventSessionUpdated, sess)
	case err != nil:
		return "", "", err
	}
	return r.execute(ctx, c, sess, runID, input)
}

// execute drives one core run, converting core events to protocol events in
// order and recording the turn in the transcript.
func (r *Router) execute(ctx context.Context, c *call, sess *store.Session, runID, input string) (status, output string, err error) {
	r.transcribe(ctx, sess.ID, runID, "user", map[string]any{"input": input})

	events, err := r.core.Run(ctx, agent.RunInput{
		RunID:       runID,
		SessionID:   sess.ID,
		TenantID:    sess.TenantID,
		WorkspaceID: sess.WorkspaceID,
		Input:       input,
		RuntimeMode: sess.RuntimeMode,
		Actor:       r.actor(c),
	})
	if err != nil {
		return "", "", fmt.Errorf("start run: %w", err)
	}

	status = "failed"
	done := ctx.Done()
	for {
		select {
		case <-done:
			r.core.Abort(runID)
			done = nil
			continue
		case ev, ok := <-events:
			if !ok {
				return status, output, nil
			}
			payload := make(map[string]any, len(ev.Payload)+2)
			for k, v := range ev.Payload {
				payload[k] = v
			}
			payload["runId"] = runID
			payload["sessionId"] = sess.ID
			c.emit("agent."+string(ev.Type), payload)

			switch ev.Type {
			case agent.EventCompleted:
				status = "completed"
				output, _ = ev.Payload["output"].(string)
			case agent.EventFailed:
				status = "failed"
			}
			if ev.Type != agent.EventAccepted && ev.Type != agent.EventDelta {
				r.transcribe(ctx, sess.ID, runID, string(ev.Type), ev.Payload)
			}
		}
	}
}

func (r *Router) transcribe(ctx context.Context, sessionID, runID, kind string, payload map[string]any) {
	b, err := json.Marshal(payload)
	if err != nil {
		r.logger.Warn("transcript encode failed", "session", sessionID, "kind", kind, "error", err)
		return
	}
	entry := &store.TranscriptEntry{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		RunID:     runID,
		Kind:      kind,
		Payload:   b,
		CreatedAt: r.now().UTC(),
	}
	if err := r.store.AppendTranscript(ctx, entry); err != nil {
		r.logger.Warn("transcript append failed", "session", sessionID, "kind", kind, "error", err)
	}
}

func (r *Router) agentAbort(_ context.Context, c *call) (any, error) {
	runID, err := required(c.params, "runId")
	if err != nil {
		return nil, err
	}
	return map[string]any{"runId": runID, "aborted": r.core.Abort(runID)}, nil
}

func (r *Router) runtimeSetMode(ctx context.Context, c *call) (any, error) {
	sessionID, err := required(c.params, "sessionId")
	if err != nil {
		return nil, err
	}
	mode := str(c.params, "mode")
	if !validMode(mode) {
		return nil, invalid("mode must be %q or %q", ModeLocal, ModeCloud)
	}
	if _, err := r.loadSession(ctx, c, sessionID); err != nil {
		return nil, err
	}

	if c.st.SetModeOrQueue(sessionID, mode) {
		return map[string]any{
			"sessionId":   sessionID,
			"runtimeMode": mode,
			"status":      "queued-change",
			"effectiveOn": "next_turn",
		}, nil
	}
	if err := r.applyMode(ctx, c, sessionID, mode, "request"); err != nil {
		return nil, err
	}
	return map[string]any{
		"sessionId":   sessionID,
		"runtimeMode": mode,
		"status":      "applied",
	}, nil
}

// applyMode persists mode and emits the runtime.mode_changed and
// session.updated pair.
func (r *Router) applyMode(ctx context.Context, c *call, sessionID, mode, source string) error {
	sess, err := r.store.SetRuntimeMode(ctx, sessionID, mode)
	if err != nil {
		return fmt.Errorf("set runtime mode: %w", err)
	}
	c.emit(protocol.EventRuntimeModeChanged, map[string]any{
		"sessionId":   sessionID,
		"runtimeMode": mode,
		"source":      source,
	})
	c.emit(protocol.EventSessionUpdated, sess)
	return nil
}

func (r *Router) sessionsCreate(ctx context.Context, c *call) (any, error) {
	mode := str(c.params, "runtimeMode")
	if mode == "" {
		mode = ModeLocal
	}
	if !validMode(mode) {
		return nil, invalid("runtimeMode must be %q or %q", ModeLocal, ModeCloud)
	}
	id := str(c.params, "sessionId")
	if id == "" {
		id = "s_" + uuid.New().String()
	} else if _, err := r.store.GetSession(ctx, id); err == nil {
		return nil, invalid("session %s already exists", id)
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	title := str(c.params, "title")
	if title == "" {
		title = "New session"
	}

	sess := r.newSession(c, id, titleFrom(title), mode)
	if err := r.store.UpsertSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	c.emit(protocol.EventSessionUpdated, sess)
	return map[string]any{"session": sess}, nil
}

func (r *Router) sessionsList(ctx context.Context, c *call) (any, error) {
	tenantID, workspaceID := r.scope(c.params)
	items, err := r.store.ListSessions(ctx, tenantID, workspaceID)
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []store.Session{}
	}
	return map[string]any{"items": items}, nil
}

func (r *Router) sessionsGet(ctx context.Context, c *call) (any, error) {
	sessionID, err := required(c.params, "sessionId")
	if err != nil {
		return nil, err
	}
	sess, err := r.loadSession(ctx, c, sessionID)
	if err != nil {
		return nil, err
	}
	runID, running := c.st.RunningRun(sessionID)
	out := map[string]any{"session": sess, "running": running}
	if running {
		out["runId"] = runID
	}
	return out, nil
}

func (r *Router) sessionsHistory(ctx context.Context, c *call) (any, error) {
	sessionID, err := required(c.params, "sessionId")
	if err != nil {
		return nil, err
	}
	if _, err := r.loadSession(ctx, c, sessionID); err != nil {
		return nil, err
	}
	items, err := r.store.ListTranscript(ctx, sessionID, intParam(c.params, "limit", 100, r.opts.MaxPageSize))
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []store.TranscriptEntry{}
	}
	return map[string]any{"sessionId": sessionID, "items": items}, nil
}
