package channel

import (
	"bytes"
	"context"
	"net/http"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"careloop-ai/internal/adapter/stream"
)

// wsOriginPatterns allows local development clients.
var wsOriginPatterns = []string{
	"localhost",
	"localhost:*",
	"127.0.0.1",
	"127.0.0.1:*",
	"[::1]",
	"[::1]:*",
}

// wsWriter sends each encoded event as one text message.
type wsWriter struct {
	ctx  context.Context
	conn *websocket.Conn
}

func (w wsWriter) Write(p []byte) (int, error) {
	if err := w.conn.Write(w.ctx, websocket.MessageText, bytes.TrimRight(p, "\n")); err != nil {
		return 0, err
	}
	return len(p), nil
}

// handleWebSocket serves one chat connection. Each inbound chat request is
// answered with the same wire events as /api/v1/chat/stream, one event per
// message. Turns on a connection run one at a time.
func (h *HTTPChannel) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: wsOriginPatterns})
	if err != nil {
		h.logger.Warn("websocket accept failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	conn.SetReadLimit(maxBodyBytes)

	ctx := r.Context()
	enc := stream.NewEncoder(wsWriter{ctx: ctx, conn: conn})
	h.logger.Info("websocket client connected", "remote", r.RemoteAddr)

	for {
		var req chatRequest
		if err := wsjson.Read(ctx, conn, &req); err != nil {
			h.logger.Info("websocket client disconnected", "remote", r.RemoteAddr, "reason", err)
			return
		}

		turn, err := req.turn()
		if err != nil {
			if err := enc.Encode(stream.Error(err.Error())); err != nil {
				return
			}
			continue
		}
		h.streamTurn(ctx, enc, req.ConversationID, turn)
	}
}
