// Package protocol defines the wire protocol exchanged between OpenFoal
// clients and the gateway over HTTP and WebSocket.
//
// Every frame is a JSON object carrying a "type" discriminator: "req" for
// client requests, "res" for the single response to a request and "event"
// for server-emitted events produced while handling that request.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Frame type discriminators.
const (
	TypeRequest  = "req"
	TypeResponse = "res"
	TypeEvent    = "event"
)

// RequestFrame is a validated client request. Construct it with ValidateReqFrame.
type RequestFrame struct {
	Type   string         `json:"type"`
	ID     string         `json:"id"`
	Method Method         `json:"method"`
	Params map[string]any `json:"params"`
}

// ErrorBody is the error member of a failed response.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ResponseFrame is the single reply to a RequestFrame. It is either a success
// carrying a payload or a failure carrying an ErrorBody, never both. The only
// ways to build one are MakeSuccessRes and MakeErrorRes.
type ResponseFrame struct {
	id      string
	payload any
	err     *ErrorBody
}

// MakeSuccessRes builds a successful response. A nil payload is encoded as {}.
func MakeSuccessRes(id string, payload any) ResponseFrame {
	if payload == nil {
		payload = map[string]any{}
	}
	return ResponseFrame{id: id, payload: payload}
}

// MakeErrorRes builds a failed response.
func MakeErrorRes(id, code, message string) ResponseFrame {
	return ResponseFrame{id: id, err: &ErrorBody{Code: code, Message: message}}
}

// ID returns the echoed request id.
func (r ResponseFrame) ID() string { return r.id }

// OK reports whether the response is a success.
func (r ResponseFrame) OK() bool { return r.err == nil }

// Payload returns the success payload, or nil for failures.
func (r ResponseFrame) Payload() any { return r.payload }

// Error returns the error body, or nil for successes.
func (r ResponseFrame) Error() *ErrorBody { return r.err }

// WithID returns a copy of r addressed to a different request id.
func (r ResponseFrame) WithID(id string) ResponseFrame {
	r.id = id
	return r
}

type successWire struct {
	Type    string `json:"type"`
	ID      string `json:"id"`
	OK      bool   `json:"ok"`
	Payload any    `json:"payload"`
}

type failureWire struct {
	Type  string     `json:"type"`
	ID    string     `json:"id"`
	OK    bool       `json:"ok"`
	Error *ErrorBody `json:"error"`
}

// MarshalJSON encodes the success or failure variant.
func (r ResponseFrame) MarshalJSON() ([]byte, error) {
	if r.err != nil {
		return json.Marshal(failureWire{Type: TypeResponse, ID: r.id, OK: false, Error: r.err})
	}
	return json.Marshal(successWire{Type: TypeResponse, ID: r.id, OK: true, Payload: r.payload})
}

// UnmarshalJSON decodes either variant. Success payloads are kept as raw JSON.
func (r *ResponseFrame) UnmarshalJSON(b []byte) error {
	var w struct {
		Type    string          `json:"type"`
		ID      string          `json:"id"`
		OK      bool            `json:"ok"`
		Payload json.RawMessage `json:"payload"`
		Error   *ErrorBody      `json:"error"`
	}
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	if w.Type != TypeResponse {
		return fmt.Errorf("protocol: not a response frame: type %q", w.Type)
	}
	if w.OK {
		*r = MakeSuccessRes(w.ID, w.Payload)
		return nil
	}
	if w.Error == nil {
		return fmt.Errorf("protocol: failed response without error body")
	}
	*r = MakeErrorRes(w.ID, w.Error.Code, w.Error.Message)
	return nil
}

// EventFrame is a server-emitted event. Seq and StateVersion are stamped by
// the connection that emits it.
type EventFrame struct {
	Type         string `json:"type"`
	Event        string `json:"event"`
	Payload      any    `json:"payload"`
	Seq          int64  `json:"seq"`
	StateVersion int64  `json:"stateVersion"`
}

// Event names.
const (
	EventAgentAccepted      = "agent.accepted"
	EventAgentDelta         = "agent.delta"
	EventAgentToolCall      = "agent.tool_call"
	EventAgentToolResult    = "agent.tool_result"
	EventAgentCompleted     = "agent.completed"
	EventAgentFailed        = "agent.failed"
	EventRuntimeModeChanged = "runtime.mode_changed"
	EventSessionUpdated     = "session.updated"
	EventPolicyUpdated      = "policy.updated"
)

// Envelope is what a transport returns for one handled request: the response
// followed by the events produced while handling it.
type Envelope struct {
	Response ResponseFrame `json:"response"`
	Events   []EventFrame  `json:"events"`
}
