// Package conn holds per-connection protocol state: the connect gate, the
// event counters and the single-run-per-session controller.
package conn

import (
	"sync"

	"github.com/openfoal/openfoal/gateway/internal/auth"
	"github.com/openfoal/openfoal/pkg/protocol"
)

// State is the protocol state of one WebSocket or one HTTP connection bucket.
// Every method is atomic; none of them blocks on I/O.
type State struct {
	id string

	mu           sync.Mutex
	connected    bool
	principal    *auth.Principal
	seq          int64
	stateVersion int64
	running      map[string]string // sessionID -> runID
	queuedModes  map[string]string // sessionID -> mode
}

// NewState creates an unconnected state.
func NewState(id string) *State {
	return &State{
		id:          id,
		running:     make(map[string]string),
		queuedModes: make(map[string]string),
	}
}

// ID returns the connection id.
func (s *State) ID() string { return s.id }

// Connect marks the connection as connected under p. p is nil when
// authentication is disabled.
func (s *State) Connect(p *auth.Principal) {
	s.mu.Lock()
	s.connected = true
	s.principal = p
	s.mu.Unlock()
}

// Connected reports whether connect has succeeded.
func (s *State) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Principal returns the identity established by connect, or nil.
func (s *State) Principal() *auth.Principal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.principal
}

// TryBeginRun marks sessionID as running runID. It returns false if the
// session already has a run in flight.
func (s *State) TryBeginRun(sessionID, runID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.running[sessionID]; busy {
		return false
	}
	s.running[sessionID] = runID
	return true
}

// RunningRun returns the run in flight for sessionID.
func (s *State) RunningRun(sessionID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	runID, ok := s.running[sessionID]
	return runID, ok
}

// FinishRun clears the running mark for sessionID and hands back a mode
// change queued during the run, if any.
func (s *State) FinishRun(sessionID string) (mode string, queued bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.running, sessionID)
	mode, queued = s.queuedModes[sessionID]
	delete(s.queuedModes, sessionID)
	return mode, queued
}

// SetModeOrQueue queues mode for sessionID if it is running and reports
// whether it did. A later queued change replaces an earlier one.
func (s *State) SetModeOrQueue(sessionID, mode string) (queued bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.running[sessionID]; !busy {
		return false
	}
	s.queuedModes[sessionID] = mode
	return true
}

// Emit stamps a new event with the next seq and stateVersion. Both start at 1
// and never reset.
func (s *State) Emit(event string, payload any) protocol.EventFrame {
	if payload == nil {
		payload = map[string]any{}
	}
	s.mu.Lock()
	s.seq++
	s.stateVersion++
	seq, version := s.seq, s.stateVersion
	s.mu.Unlock()
	return protocol.EventFrame{
		Type:         protocol.TypeEvent,
		Event:        event,
		Payload:      payload,
		Seq:          seq,
		StateVersion: version,
	}
}

// Registry maps HTTP connection ids to their state. Buckets live for the
// process lifetime.
type Registry struct {
	mu     sync.Mutex
	states map[string]*State
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{states: make(map[string]*State)}
}

// Get returns the state for id, creating it on first use.
func (r *Registry) Get(id string) *State {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.states[id]
	if !ok {
		st = NewState(id)
		r.states[id] = st
	}
	return st
}

// Len returns the number of buckets.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.states)
}
