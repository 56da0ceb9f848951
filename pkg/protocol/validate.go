package protocol

import (
	"bytes"
	"encoding/json"
)

// UnknownRequestID is echoed when a malformed request carries no usable id.
const UnknownRequestID = "unknown"

// DecodeRaw decodes a transport payload into a generic JSON value. Input that
// is not valid JSON is returned as the raw string so that validation reports
// it as a malformed request instead of failing the transport.
func DecodeRaw(b []byte) any {
	var v any
	dec := json.NewDecoder(bytes.NewReader(b))
	if err := dec.Decode(&v); err != nil {
		return string(b)
	}
	if dec.More() {
		return string(b)
	}
	return v
}

// RequestIDOf extracts a best-effort request id from raw input for use in
// error responses.
func RequestIDOf(raw any) string {
	obj, ok := raw.(map[string]any)
	if !ok {
		return UnknownRequestID
	}
	if id, ok := obj["id"].(string); ok && id != "" {
		return id
	}
	return UnknownRequestID
}

// ValidateReqFrame performs structural validation of a decoded request. It
// never panics: malformed input yields an *Error carrying INVALID_REQUEST or
// METHOD_NOT_FOUND that the caller turns into a response.
func ValidateReqFrame(raw any) (RequestFrame, *Error) {
	obj, ok := raw.(map[string]any)
	if !ok {
		return RequestFrame{}, NewError(CodeInvalidRequest, "request must be a JSON object")
	}
	if t, _ := obj["type"].(string); t != TypeRequest {
		return RequestFrame{}, NewError(CodeInvalidRequest, `request type must be "req"`)
	}
	id, ok := obj["id"].(string)
	if !ok || id == "" {
		return RequestFrame{}, NewError(CodeInvalidRequest, "request id must be a non-empty string")
	}
	name, ok := obj["method"].(string)
	if !ok || name == "" {
		return RequestFrame{}, NewError(CodeInvalidRequest, "request method must be a non-empty string")
	}
	method := Method(name)
	if !method.Known() {
		return RequestFrame{}, NewError(CodeMethodNotFound, "unknown method: %s", name)
	}

	params := map[string]any{}
	if p, present := obj["params"]; present && p != nil {
		m, ok := p.(map[string]any)
		if !ok {
			return RequestFrame{}, NewError(CodeInvalidRequest, "request params must be an object")
		}
		params = m
	}

	return RequestFrame{Type: TypeRequest, ID: id, Method: method, Params: params}, nil
}
