package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateReqFrame(t *testing.T) {
	tests := []struct {
		name string
		raw  any
		code string
	}{
		{"not an object", "garbage", CodeInvalidRequest},
		{"nil", nil, CodeInvalidRequest},
		{"wrong type", map[string]any{"type": "res", "id": "1", "method": "connect"}, CodeInvalidRequest},
		{"missing id", map[string]any{"type": "req", "method": "connect"}, CodeInvalidRequest},
		{"empty id", map[string]any{"type": "req", "id": "", "method": "connect"}, CodeInvalidRequest},
		{"numeric id", map[string]any{"type": "req", "id": 7.0, "method": "connect"}, CodeInvalidRequest},
		{"missing method", map[string]any{"type": "req", "id": "1"}, CodeInvalidRequest},
		{"unknown method", map[string]any{"type": "req", "id": "1", "method": "nope.nope"}, CodeMethodNotFound},
		{"params array", map[string]any{"type": "req", "id": "1", "method": "connect", "params": []any{}}, CodeInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, verr := ValidateReqFrame(tt.raw)
			require.NotNil(t, verr)
			assert.Equal(t, tt.code, verr.Code)
			assert.NotEmpty(t, verr.Message)
		})
	}
}

func TestValidateReqFrameOK(t *testing.T) {
	raw := DecodeRaw([]byte(`{"type":"req","id":"r1","method":"agent.run","params":{"sessionId":"s1"}}`))
	req, verr := ValidateReqFrame(raw)
	require.Nil(t, verr)
	assert.Equal(t, "r1", req.ID)
	assert.Equal(t, MethodAgentRun, req.Method)
	assert.Equal(t, "s1", req.Params["sessionId"])

	req, verr = ValidateReqFrame(map[string]any{"type": "req", "id": "r2", "method": "connect"})
	require.Nil(t, verr)
	assert.NotNil(t, req.Params)
}

func TestDecodeRawFallsBackToString(t *testing.T) {
	assert.Equal(t, "{not json", DecodeRaw([]byte("{not json")))
	assert.Equal(t, `{} {}`, DecodeRaw([]byte(`{} {}`)))
	assert.Equal(t, UnknownRequestID, RequestIDOf("{not json"))
	assert.Equal(t, "abc", RequestIDOf(map[string]any{"id": "abc"}))
}

func TestResponseFrameWireShape(t *testing.T) {
	ok, err := json.Marshal(MakeSuccessRes("1", map[string]any{"a": 1}))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"res","id":"1","ok":true,"payload":{"a":1}}`, string(ok))

	fail, err := json.Marshal(MakeErrorRes("2", CodeForbidden, "no"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"res","id":"2","ok":false,"error":{"code":"FORBIDDEN","message":"no"}}`, string(fail))

	empty, err := json.Marshal(MakeSuccessRes("3", nil))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"res","id":"3","ok":true,"payload":{}}`, string(empty))
}

func TestResponseFrameRoundTripKeepsPayloadBytes(t *testing.T) {
	var res ResponseFrame
	require.NoError(t, json.Unmarshal([]byte(`{"type":"res","id":"9","ok":true,"payload":{"b":2,"a":[1,2]}}`), &res))
	assert.True(t, res.OK())
	assert.Equal(t, "9", res.ID())
	raw, ok := res.Payload().(json.RawMessage)
	require.True(t, ok)
	assert.Equal(t, `{"b":2,"a":[1,2]}`, string(raw))

	require.NoError(t, json.Unmarshal([]byte(`{"type":"res","id":"9","ok":false,"error":{"code":"SESSION_BUSY","message":"busy"}}`), &res))
	assert.False(t, res.OK())
	assert.Equal(t, CodeSessionBusy, res.Error().Code)

	assert.Error(t, json.Unmarshal([]byte(`{"type":"event"}`), &res))
}
