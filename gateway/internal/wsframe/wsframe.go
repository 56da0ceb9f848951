// Package wsframe implements the server side of the RFC 6455 opening
// handshake and frame codec directly over a hijacked connection.
package wsframe

import (
	"bufio"
	"crypto/sha1"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
)

// Opcodes.
const (
	OpContinuation byte = 0x0
	OpText         byte = 0x1
	OpBinary       byte = 0x2
	OpClose        byte = 0x8
	OpPing         byte = 0x9
	OpPong         byte = 0xA
)

const acceptGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// DefaultMaxPayload bounds a single frame's payload.
const DefaultMaxPayload = 1 << 20

var (
	ErrFrameTooLarge   = errors.New("wsframe: frame exceeds payload limit")
	ErrBadLength       = errors.New("wsframe: invalid payload length")
	ErrControlTooLarge = errors.New("wsframe: control frame payload over 125 bytes")
	ErrNotWebSocket    = errors.New("wsframe: not a websocket upgrade request")
)

// Frame is one decoded frame. Payload is already unmasked.
type Frame struct {
	Fin     bool
	Opcode  byte
	Payload []byte
}

// IsControl reports whether the frame is close, ping or pong.
func (f Frame) IsControl() bool { return f.Opcode&0x8 != 0 }

// AcceptKey computes Sec-WebSocket-Accept for a client key.
func AcceptKey(key string) string {
	h := sha1.Sum([]byte(key + acceptGUID))
	return base64.StdEncoding.EncodeToString(h[:])
}

func headerContains(h http.Header, name, token string) bool {
	for _, v := range h.Values(name) {
		for _, part := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(part), token) {
				return true
			}
		}
	}
	return false
}

// Handshake validates an upgrade request, hijacks the connection and writes
// the 101 response. The returned reader holds any bytes the client sent
// after its request.
func Handshake(w http.ResponseWriter, r *http.Request) (net.Conn, *bufio.Reader, error) {
	key := strings.TrimSpace(r.Header.Get("Sec-WebSocket-Key"))
	if r.Method != http.MethodGet || key == "" ||
		!headerContains(r.Header, "Upgrade", "websocket") ||
		!headerContains(r.Header, "Connection", "upgrade") {
		http.Error(w, "websocket upgrade required", http.StatusBadRequest)
		return nil, nil, ErrNotWebSocket
	}
	if v := r.Header.Get("Sec-WebSocket-Version"); v != "" && v != "13" {
		w.Header().Set("Sec-WebSocket-Version", "13")
		http.Error(w, "unsupported websocket version", http.StatusUpgradeRequired)
		return nil, nil, fmt.Errorf("wsframe: unsupported version %q", v)
	}

	hj, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "websocket not supported", http.StatusInternalServerError)
		return nil, nil, errors.New("wsframe: response writer cannot hijack")
	}
	c, rw, err := hj.Hijack()
	if err != nil {
		return nil, nil, fmt.Errorf("wsframe: hijack: %w", err)
	}

	lines := []string{
		"HTTP/1.1 101 Switching Protocols",
		"Upgrade: websocket",
		"Connection: Upgrade",
		"Sec-WebSocket-Accept: " + AcceptKey(key),
	}
	for _, l := range lines {
		if _, err := rw.WriteString(l + "\r\n"); err != nil {
			_ = c.Close()
			return nil, nil, err
		}
	}
	if _, err := rw.WriteString("\r\n"); err != nil {
		_ = c.Close()
		return nil, nil, err
	}
	if err := rw.Flush(); err != nil {
		_ = c.Close()
		return nil, nil, err
	}
	return c, rw.Reader, nil
}

// ParseFrame decodes the first frame in buf. It returns a nil frame and buf
// unchanged when buf does not yet hold a complete frame. maxPayload <= 0
// means DefaultMaxPayload.
func ParseFrame(buf []byte, maxPayload int) (*Frame, []byte, error) {
	if maxPayload <= 0 {
		maxPayload = DefaultMaxPayload
	}
	if len(buf) < 2 {
		return nil, buf, nil
	}
	fin := buf[0]&0x80 != 0
	opcode := buf[0] & 0x0F
	masked := buf[1]&0x80 != 0
	length := uint64(buf[1] & 0x7F)
	offset := 2

	switch length {
	case 126:
		if len(buf) < offset+2 {
			return nil, buf, nil
		}
		length = uint64(binary.BigEndian.Uint16(buf[offset:]))
		offset += 2
	case 127:
		if len(buf) < offset+8 {
			return nil, buf, nil
		}
		length = binary.BigEndian.Uint64(buf[offset:])
		if length>>63 != 0 {
			return nil, buf, ErrBadLength
		}
		offset += 8
	}
	if opcode&0x8 != 0 && length > 125 {
		return nil, buf, ErrControlTooLarge
	}
	if length > uint64(maxPayload) {
		return nil, buf, ErrFrameTooLarge
	}

	var mask [4]byte
	if masked {
		if len(buf) < offset+4 {
			return nil, buf, nil
		}
		copy(mask[:], buf[offset:offset+4])
		offset += 4
	}
	end := offset + int(length)
	if len(buf) < end {
		return nil, buf, nil
	}

	payload := make([]byte, length)
	copy(payload, buf[offset:end])
	if masked {
		for i := range payload {
			payload[i] ^= mask[i%4]
		}
	}
	return &Frame{Fin: fin, Opcode: opcode, Payload: payload}, buf[end:], nil
}

// AppendFrame appends an unmasked, final server frame to dst.
func AppendFrame(dst []byte, opcode byte, payload []byte) []byte {
	dst = append(dst, 0x80|opcode)
	n := len(payload)
	switch {
	case n < 126:
		dst = append(dst, byte(n))
	case n <= 0xFFFF:
		dst = append(dst, 126)
		dst = binary.BigEndian.AppendUint16(dst, uint16(n))
	default:
		dst = append(dst, 127)
		dst = binary.BigEndian.AppendUint64(dst, uint64(n))
	}
	return append(dst, payload...)
}

// WriteFrame writes one server frame to w.
func WriteFrame(w io.Writer, opcode byte, payload []byte) error {
	_, err := w.Write(AppendFrame(make([]byte, 0, len(payload)+10), opcode, payload))
	return err
}

// CloseFrame builds a close payload carrying code and reason.
func CloseFrame(code uint16, reason string) []byte {
	b := binary.BigEndian.AppendUint16(nil, code)
	return append(b, reason...)
}

// Close status codes.
const (
	CloseNormal        uint16 = 1000
	CloseProtocolError uint16 = 1002
	CloseTooBig        uint16 = 1009
)
