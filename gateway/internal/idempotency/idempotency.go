// Package idempotency makes side-effecting RPC calls safe to retry: a call
// carrying an idempotencyKey executes at most once per cache key, and later
// calls with the same arguments replay the stored result.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/openfoal/openfoal/gateway/internal/metrics"
	"github.com/openfoal/openfoal/gateway/internal/store"
	"github.com/openfoal/openfoal/pkg/protocol"
)

// ParamKey is the request param that carries the caller's idempotency key.
const ParamKey = "idempotencyKey"

// GlobalScope is used when a request names neither a session nor a run.
const GlobalScope = "global"

var sideEffecting = map[protocol.Method]bool{
	protocol.MethodAgentRun:         true,
	protocol.MethodAgentAbort:       true,
	protocol.MethodRuntimeSetMode:   true,
	protocol.MethodSessionsCreate:   true,
	protocol.MethodPolicyUpdate:     true,
	protocol.MethodMembersUpdate:    true,
	protocol.MethodUsersCreate:      true,
	protocol.MethodWorkspacesCreate: true,
}

// IsSideEffecting reports whether m changes persistent state.
func IsSideEffecting(m protocol.Method) bool { return sideEffecting[m] }

// KeyFor returns the caller-supplied idempotency key, or "" when the method
// is not side-effecting or no key was given.
func KeyFor(req protocol.RequestFrame) string {
	if !IsSideEffecting(req.Method) {
		return ""
	}
	key, _ := req.Params[ParamKey].(string)
	return key
}

// Scope returns the sessionId, else the runId, else GlobalScope.
func Scope(params map[string]any) string {
	if s, _ := params["sessionId"].(string); s != "" {
		return s
	}
	if r, _ := params["runId"].(string); r != "" {
		return r
	}
	return GlobalScope
}

// CacheKey builds "method:scope:key".
func CacheKey(method protocol.Method, scope, key string) string {
	return string(method) + ":" + scope + ":" + key
}

// Fingerprint hashes params as canonical JSON. encoding/json writes map keys
// in sorted order at every level, which makes the encoding canonical. The
// idempotency key itself is excluded.
func Fingerprint(params map[string]any) (string, error) {
	p := maps.Clone(params)
	delete(p, ParamKey)
	b, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("fingerprint params: %w", err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// Outcome describes how Do resolved a request.
type Outcome string

const (
	OutcomeBypass   Outcome = "bypass"
	OutcomeStored   Outcome = "stored"
	OutcomeReplay   Outcome = "replay"
	OutcomeConflict Outcome = "conflict"
	OutcomeFailed   Outcome = "failed"
)

// Cache coordinates idempotent execution over an IdempotencyStore. Callers
// with the same cache key are serialized so that concurrent retries execute
// the side effect once.
type Cache struct {
	store store.IdempotencyStore
	now   func() time.Time
	locks keyedMutex
}

// New creates a Cache over s.
func New(s store.IdempotencyStore) *Cache {
	return &Cache{store: s, now: time.Now}
}

// Do runs exec for req unless a stored result exists for its cache key.
// Only successful responses are stored; a failed call may be retried with
// the same key.
func (c *Cache) Do(ctx context.Context, req protocol.RequestFrame, exec func() protocol.ResponseFrame) (protocol.ResponseFrame, Outcome, error) {
	key := KeyFor(req)
	if key == "" {
		return exec(), OutcomeBypass, nil
	}

	fp, err := Fingerprint(req.Params)
	if err != nil {
		return protocol.ResponseFrame{}, OutcomeFailed, err
	}
	cacheKey := CacheKey(req.Method, Scope(req.Params), key)

	unlock := c.locks.Lock(cacheKey)
	defer unlock()

	rec, err := c.store.GetIdempotency(ctx, cacheKey)
	switch {
	case err == nil:
		if rec.Fingerprint != fp {
			metrics.Idempotency(string(OutcomeConflict))
			return protocol.MakeErrorRes(req.ID, protocol.CodeIdempotencyConflict,
				"idempotencyKey was already used with different parameters"), OutcomeConflict, nil
		}
		metrics.Idempotency(string(OutcomeReplay))
		return protocol.MakeSuccessRes(req.ID, json.RawMessage(slices.Clone(rec.Result))), OutcomeReplay, nil
	case !errors.Is(err, store.ErrNotFound):
		return protocol.ResponseFrame{}, OutcomeFailed, fmt.Errorf("idempotency lookup: %w", err)
	}

	res := exec()
	if !res.OK() {
		return res, OutcomeFailed, nil
	}
	result, err := json.Marshal(res.Payload())
	if err != nil {
		return protocol.ResponseFrame{}, OutcomeFailed, fmt.Errorf("encode result: %w", err)
	}
	if err := c.store.SetIdempotency(ctx, cacheKey, &store.IdempotencyRecord{
		Fingerprint: fp,
		Result:      result,
		CreatedAt:   c.now().UTC(),
	}); err != nil {
		return protocol.ResponseFrame{}, OutcomeFailed, fmt.Errorf("idempotency write-back: %w", err)
	}
	metrics.Idempotency(string(OutcomeStored))
	return res, OutcomeStored, nil
}

// keyedMutex hands out one mutex per key and forgets it once unused.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func (k *keyedMutex) Lock(key string) (unlock func()) {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*refMutex)
	}
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
