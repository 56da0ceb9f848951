// Package router dispatches validated protocol requests to the session,
// policy, account and agent collaborators, applying connect gating,
// authorization and idempotency on the way in.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"github.com/openfoal/openfoal/gateway/internal/agent"
	"github.com/openfoal/openfoal/gateway/internal/auth"
	"github.com/openfoal/openfoal/gateway/internal/conn"
	"github.com/openfoal/openfoal/gateway/internal/idempotency"
	"github.com/openfoal/openfoal/gateway/internal/metrics"
	"github.com/openfoal/openfoal/gateway/internal/store"
	"github.com/openfoal/openfoal/pkg/protocol"
)

// Result is the outcome of one request: its response and the events emitted
// while handling it, in emission order.
type Result struct {
	Response protocol.ResponseFrame
	Events   []protocol.EventFrame
}

// Envelope converts r into its wire form.
func (r Result) Envelope() protocol.Envelope {
	events := r.Events
	if events == nil {
		events = []protocol.EventFrame{}
	}
	return protocol.Envelope{Response: r.Response, Events: events}
}

// Options configures the Router.
type Options struct {
	// Scope used when authentication is disabled and a call names none.
	DefaultTenant    string
	DefaultWorkspace string
	// Upper bound for sessions.history and audit.query page sizes.
	MaxPageSize int
}

// Router handles protocol requests for every transport.
type Router struct {
	store  store.Store
	auth   *auth.Runtime
	core   agent.Core
	idem   *idempotency.Cache
	logger *slog.Logger
	opts   Options
	now    func() time.Time

	handlers map[protocol.Method]handlerFunc
}

// call carries one request through dispatch.
type call struct {
	req    protocol.RequestFrame
	params map[string]any
	st     *conn.State
	events []protocol.EventFrame
}

func (c *call) emit(event string, payload any) {
	c.events = append(c.events, c.st.Emit(event, payload))
}

type handlerFunc func(ctx context.Context, c *call) (any, error)

// New creates a Router. idem may be backed by any IdempotencyStore; it is
// separate from s so that it can live in a shared cache.
func New(s store.Store, authRT *auth.Runtime, core agent.Core, idem *idempotency.Cache, logger *slog.Logger, opts Options) *Router {
	if opts.DefaultTenant == "" {
		opts.DefaultTenant = "t_default"
	}
	if opts.DefaultWorkspace == "" {
		opts.DefaultWorkspace = "w_default"
	}
	if opts.MaxPageSize <= 0 {
		opts.MaxPageSize = 500
	}
	r := &Router{
		store:  s,
		auth:   authRT,
		core:   core,
		idem:   idem,
		logger: logger.With("component", "router"),
		opts:   opts,
		now:    time.Now,
	}
	r.handlers = map[protocol.Method]handlerFunc{
		protocol.MethodAgentRun:         r.agentRun,
		protocol.MethodAgentAbort:       r.agentAbort,
		protocol.MethodRuntimeSetMode:   r.runtimeSetMode,
		protocol.MethodSessionsCreate:   r.sessionsCreate,
		protocol.MethodSessionsList:     r.sessionsList,
		protocol.MethodSessionsGet:      r.sessionsGet,
		protocol.MethodSessionsHistory:  r.sessionsHistory,
		protocol.MethodPolicyGet:        r.policyGet,
		protocol.MethodPolicyUpdate:     r.policyUpdate,
		protocol.MethodAuditQuery:       r.auditQuery,
		protocol.MethodUsersList:        r.usersList,
		protocol.MethodUsersCreate:      r.usersCreate,
		protocol.MethodMembersList:      r.membersList,
		protocol.MethodMembersUpdate:    r.membersUpdate,
		protocol.MethodWorkspacesList:   r.workspacesList,
		protocol.MethodWorkspacesCreate: r.workspacesCreate,
	}
	return r
}

// Handle runs raw through the full pipeline against st. It never panics and
// always produces exactly one response.
func (r *Router) Handle(ctx context.Context, raw any, st *conn.State) Result {
	req, verr := protocol.ValidateReqFrame(raw)
	if verr != nil {
		id := protocol.RequestIDOf(raw)
		r.logger.Debug("invalid request", "id", id, "code", verr.Code, "error", verr.Message)
		metrics.RPC("invalid", verr.Code)
		return Result{Response: verr.Response(id)}
	}

	res := r.handle(ctx, req, st)
	code := "OK"
	if e := res.Response.Error(); e != nil {
		code = e.Code
	}
	metrics.RPC(string(req.Method), code)
	r.logger.Debug("rpc handled", "conn", st.ID(), "id", req.ID, "method", req.Method, "code", code, "events", len(res.Events))
	return res
}

func (r *Router) handle(ctx context.Context, req protocol.RequestFrame, st *conn.State) Result {
	if req.Method == protocol.MethodConnect {
		return Result{Response: r.connect(ctx, req, st)}
	}
	if !st.Connected() {
		return Result{Response: protocol.MakeErrorRes(req.ID, protocol.CodeUnauthorized, "connect first")}
	}

	params, perr := r.auth.AuthorizeRPC(req.Method, req.Params, st.Principal())
	if perr != nil {
		r.logger.Warn("rpc rejected", "conn", st.ID(), "method", req.Method, "code", perr.Code, "error", perr.Message)
		return Result{Response: perr.Response(req.ID)}
	}
	effective := req
	effective.Params = params

	c := &call{req: effective, params: params, st: st}
	resp, outcome, err := r.idem.Do(ctx, effective, func() protocol.ResponseFrame {
		return r.dispatch(ctx, c)
	})
	if err != nil {
		r.logger.Error("idempotency failure", "method", req.Method, "error", err)
		return Result{Response: protocol.MakeErrorRes(req.ID, protocol.CodeInternalError, err.Error()), Events: c.events}
	}

	if resp.OK() && idempotency.IsSideEffecting(req.Method) && outcome != idempotency.OutcomeReplay {
		r.audit(ctx, c)
	}
	return Result{Response: resp, Events: c.events}
}

// dispatch runs the method handler and turns its result into a response.
// Panics become INTERNAL_ERROR.
func (r *Router) dispatch(ctx context.Context, c *call) (resp protocol.ResponseFrame) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("dispatch panic", "method", c.req.Method, "panic", rec, "stack", string(debug.Stack()))
			resp = protocol.MakeErrorRes(c.req.ID, protocol.CodeInternalError, fmt.Sprint(rec))
		}
	}()

	h, ok := r.handlers[c.req.Method]
	if !ok {
		return protocol.MakeErrorRes(c.req.ID, protocol.CodeMethodNotFound, "unknown method: "+string(c.req.Method))
	}
	payload, err := h(ctx, c)
	if err != nil {
		return r.errorResponse(c.req, err)
	}
	return protocol.MakeSuccessRes(c.req.ID, payload)
}

func (r *Router) errorResponse(req protocol.RequestFrame, err error) protocol.ResponseFrame {
	var perr *protocol.Error
	switch {
	case errors.As(err, &perr):
		return perr.Response(req.ID)
	case errors.Is(err, store.ErrNotFound):
		return protocol.MakeErrorRes(req.ID, protocol.CodeNotFound, err.Error())
	default:
		r.logger.Error("dispatch failed", "method", req.Method, "error", err)
		return protocol.MakeErrorRes(req.ID, protocol.CodeInternalError, err.Error())
	}
}

func (r *Router) connect(ctx context.Context, req protocol.RequestFrame, st *conn.State) protocol.ResponseFrame {
	p, perr := r.auth.AuthenticateConnect(ctx, req.Params)
	if perr != nil {
		return perr.Response(req.ID)
	}
	st.Connect(p)

	payload := map[string]any{
		"protocol":     protocol.ProtocolVersion,
		"connectionId": st.ID(),
		"authMode":     r.auth.Mode(),
		"authRequired": r.auth.IsAuthRequired(),
	}
	if p != nil {
		payload["principal"] = p.Snapshot()
	}
	return protocol.MakeSuccessRes(req.ID, payload)
}

// audit records a successful side-effecting call. Failures are logged only.
func (r *Router) audit(ctx context.Context, c *call) {
	tenantID, workspaceID := r.scope(c.params)
	detail, _ := json.Marshal(map[string]any{
		"requestId":      c.req.ID,
		"connectionId":   c.st.ID(),
		"idempotencyKey": idempotency.KeyFor(c.req),
	})
	ev := &store.AuditEvent{
		ID:          uuid.New().String(),
		TenantID:    tenantID,
		WorkspaceID: workspaceID,
		Actor:       r.actor(c),
		Action:      string(c.req.Method),
		Method:      string(c.req.Method),
		SessionID:   str(c.params, "sessionId"),
		Detail:      detail,
		CreatedAt:   r.now().UTC(),
	}
	if err := r.store.AppendAudit(ctx, ev); err != nil {
		r.logger.Warn("audit append failed", "method", c.req.Method, "error", err)
	}
}

// scope returns the tenant and workspace a call operates on. Authorized
// calls have both pinned; unauthenticated calls fall back to the defaults.
func (r *Router) scope(params map[string]any) (tenantID, workspaceID string) {
	tenantID = str(params, "tenantId")
	if tenantID == "" {
		tenantID = r.opts.DefaultTenant
	}
	workspaceID = str(params, "workspaceId")
	if workspaceID == "" {
		workspaceID = r.opts.DefaultWorkspace
	}
	return tenantID, workspaceID
}

func (r *Router) actor(c *call) string {
	if a := str(c.params, "actor"); a != "" {
		return a
	}
	if p := c.st.Principal(); p != nil {
		return p.Actor()
	}
	return "anonymous"
}

func invalid(format string, args ...any) error {
	return protocol.NewError(protocol.CodeInvalidRequest, format, args...)
}

func str(params map[string]any, key string) string {
	s, _ := params[key].(string)
	return s
}

func required(params map[string]any, key string) (string, error) {
	s := str(params, key)
	if s == "" {
		return "", invalid("%s is required", key)
	}
	return s, nil
}

// intParam reads a JSON number param, clamped to [1, limit].
func intParam(params map[string]any, key string, def, limit int) int {
	n := def
	if f, ok := params[key].(float64); ok && f >= 1 {
		if f >= float64(limit) {
			return limit
		}
		n = int(f)
	}
	return min(n, limit)
}

func strList(params map[string]any, key string) []string {
	var out []string
	switch list := params[key].(type) {
	case []string:
		out = append(out, list...)
	case []any:
		for _, v := range list {
			if s, ok := v.(string); ok && s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}
