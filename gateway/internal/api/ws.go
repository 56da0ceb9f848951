package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/openfoal/openfoal/gateway/internal/conn"
	"github.com/openfoal/openfoal/gateway/internal/metrics"
	"github.com/openfoal/openfoal/gateway/internal/wsframe"
	"github.com/openfoal/openfoal/pkg/protocol"
)

const wsWriteTimeout = 10 * time.Second

// wsSession is one upgraded socket. Frames are handled in arrival order on
// the goroutine that serves the upgrade request.
type wsSession struct {
	srv   *Server
	conn  net.Conn
	state *conn.State

	buf     []byte
	message []byte
	inText  bool
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	c, br, err := wsframe.Handshake(w, r)
	if err != nil {
		s.logger.Debug("websocket upgrade rejected", "remote", r.RemoteAddr, "error", err)
		return
	}
	metrics.WSOpened()
	defer metrics.WSClosed()
	defer c.Close()

	st := conn.NewState("ws_" + uuid.NewString())
	s.logger.Info("websocket opened", "conn", st.ID(), "remote", r.RemoteAddr)
	defer s.logger.Info("websocket closed", "conn", st.ID())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ws := &wsSession{srv: s, conn: c, state: st}
	ws.serve(ctx, br)
}

func (ws *wsSession) serve(ctx context.Context, br *bufio.Reader) {
	defer func() {
		if rec := recover(); rec != nil {
			ws.srv.logger.Error("websocket handler panic", "conn", ws.state.ID(), "panic", rec)
		}
	}()

	chunk := make([]byte, 32*1024)
	for {
		for {
			f, rest, err := wsframe.ParseFrame(ws.buf, ws.srv.opts.MaxFrameBytes)
			if err != nil {
				ws.fail(err)
				return
			}
			if f == nil {
				break
			}
			ws.buf = rest
			if !ws.handleFrame(ctx, f) {
				return
			}
		}

		n, err := br.Read(chunk)
		if n > 0 {
			ws.buf = append(ws.buf, chunk[:n]...)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				ws.srv.logger.Debug("websocket read failed", "conn", ws.state.ID(), "error", err)
			}
			return
		}
	}
}

// handleFrame processes one frame and reports whether the socket stays open.
func (ws *wsSession) handleFrame(ctx context.Context, f *wsframe.Frame) bool {
	switch f.Opcode {
	case wsframe.OpClose:
		code := wsframe.CloseNormal
		if len(f.Payload) >= 2 {
			code = uint16(f.Payload[0])<<8 | uint16(f.Payload[1])
		}
		_ = ws.write(wsframe.OpClose, wsframe.CloseFrame(code, ""))
		return false
	case wsframe.OpPing:
		return ws.write(wsframe.OpPong, f.Payload) == nil
	case wsframe.OpText:
		ws.message = append(ws.message[:0], f.Payload...)
		ws.inText = !f.Fin
		if ws.inText {
			return true
		}
	case wsframe.OpContinuation:
		if !ws.inText {
			return true
		}
		if len(ws.message)+len(f.Payload) > ws.srv.opts.MaxFrameBytes {
			ws.fail(wsframe.ErrFrameTooLarge)
			return false
		}
		ws.message = append(ws.message, f.Payload...)
		if !f.Fin {
			return true
		}
		ws.inText = false
	default:
		// Binary and pong frames carry nothing for the gateway.
		return true
	}

	raw := protocol.DecodeRaw(ws.message)
	res := ws.srv.router.Handle(ctx, raw, ws.state)
	return ws.send(res.Response) && ws.sendEvents(res.Events)
}

func (ws *wsSession) send(v any) bool {
	b, err := json.Marshal(v)
	if err != nil {
		ws.srv.logger.Error("encode frame", "conn", ws.state.ID(), "error", err)
		return false
	}
	if err := ws.write(wsframe.OpText, b); err != nil {
		ws.srv.logger.Debug("websocket write failed", "conn", ws.state.ID(), "error", err)
		return false
	}
	return true
}

func (ws *wsSession) sendEvents(events []protocol.EventFrame) bool {
	for _, ev := range events {
		if !ws.send(ev) {
			return false
		}
	}
	return true
}

func (ws *wsSession) write(opcode byte, payload []byte) error {
	_ = ws.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return wsframe.WriteFrame(ws.conn, opcode, payload)
}

// fail closes the socket after a frame-level error.
func (ws *wsSession) fail(err error) {
	code := wsframe.CloseProtocolError
	if errors.Is(err, wsframe.ErrFrameTooLarge) {
		code = wsframe.CloseTooBig
	}
	ws.srv.logger.Warn("websocket frame error", "conn", ws.state.ID(), "error", err)
	_ = ws.write(wsframe.OpClose, wsframe.CloseFrame(code, err.Error()))
}
