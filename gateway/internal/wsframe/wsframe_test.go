package wsframe

import (
	"bytes"
	"encoding/binary"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clientFrame builds a masked client frame.
func clientFrame(opcode byte, payload []byte, mask [4]byte) []byte {
	b := []byte{0x80 | opcode}
	n := len(payload)
	switch {
	case n < 126:
		b = append(b, 0x80|byte(n))
	case n <= 0xFFFF:
		b = append(b, 0x80|126)
		b = binary.BigEndian.AppendUint16(b, uint16(n))
	default:
		b = append(b, 0x80|127)
		b = binary.BigEndian.AppendUint64(b, uint64(n))
	}
	b = append(b, mask[:]...)
	for i, c := range payload {
		b = append(b, c^mask[i%4])
	}
	return b
}

func TestAcceptKey(t *testing.T) {
	// Example from RFC 6455 section 1.3.
	assert.Equal(t, "s3pPLMBiTxaQ9kYGzzhZRbK+xOo=", AcceptKey("dGhlIHNhbXBsZSBub25jZQ=="))
}

func TestParseFrameLengths(t *testing.T) {
	mask := [4]byte{0x37, 0xfa, 0x21, 0x3d}
	for _, n := range []int{0, 5, 125, 126, 1000, 0xFFFF, 0x10000} {
		payload := bytes.Repeat([]byte{'x'}, n)
		raw := clientFrame(OpText, payload, mask)

		f, rest, err := ParseFrame(raw, 1<<20)
		require.NoError(t, err, "len %d", n)
		require.NotNil(t, f, "len %d", n)
		assert.True(t, f.Fin)
		assert.Equal(t, OpText, f.Opcode)
		assert.Equal(t, payload, f.Payload)
		assert.Empty(t, rest)
	}
}

func TestParseFrameIncremental(t *testing.T) {
	mask := [4]byte{1, 2, 3, 4}
	raw := append(clientFrame(OpText, []byte(`{"a":1}`), mask), clientFrame(OpPing, []byte("hi"), mask)...)

	// Every strict prefix of the first frame is incomplete.
	first := len(clientFrame(OpText, []byte(`{"a":1}`), mask))
	for i := 0; i < first; i++ {
		f, rest, err := ParseFrame(raw[:i], 0)
		require.NoError(t, err)
		assert.Nil(t, f)
		assert.Len(t, rest, i)
	}

	f, rest, err := ParseFrame(raw, 0)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(f.Payload))

	f, rest, err = ParseFrame(rest, 0)
	require.NoError(t, err)
	assert.Equal(t, OpPing, f.Opcode)
	assert.True(t, f.IsControl())
	assert.Equal(t, "hi", string(f.Payload))
	assert.Empty(t, rest)
}

func TestParseFrameRejects(t *testing.T) {
	mask := [4]byte{9, 9, 9, 9}

	_, _, err := ParseFrame(clientFrame(OpText, make([]byte, 200), mask), 100)
	assert.ErrorIs(t, err, ErrFrameTooLarge)

	_, _, err = ParseFrame(clientFrame(OpPing, make([]byte, 126), mask), 0)
	assert.ErrorIs(t, err, ErrControlTooLarge)

	bad := []byte{0x81, 127, 0x80, 0, 0, 0, 0, 0, 0, 1}
	_, _, err = ParseFrame(bad, 0)
	assert.ErrorIs(t, err, ErrBadLength)
}

func TestAppendFrameRoundTrip(t *testing.T) {
	for _, n := range []int{3, 300, 70000} {
		payload := bytes.Repeat([]byte{'y'}, n)
		out := AppendFrame(nil, OpText, payload)
		f, rest, err := ParseFrame(out, 1<<20)
		require.NoError(t, err)
		assert.Equal(t, payload, f.Payload)
		assert.Empty(t, rest)
	}
	assert.Equal(t, []byte{0x03, 0xE8, 'b', 'y', 'e'}, CloseFrame(CloseNormal, "bye"))
}

func TestHandshakeRejectsPlainRequests(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	_, _, err := Handshake(rec, req)
	assert.ErrorIs(t, err, ErrNotWebSocket)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
