package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"path"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"

	"snagline/internal/engine"
	"snagline/internal/logger"
	"snagline/internal/realtime"
)

const defaultLiveSendTimeout = 5 * time.Second

// wsConn adapts a websocket to realtime.Conn. Writes may run concurrently.
type wsConn struct {
	c *websocket.Conn
}

func (w *wsConn) Send(ctx context.Context, evt realtime.Event) error {
	return wsjson.Write(ctx, w.c, evt)
}

type clientMessage struct {
	Type  string `json:"type"`
	Token string `json:"token,omitempty"`
}

type liveHandler struct {
	engine      engine.Engine
	hub         *realtime.Hub
	auth        AuthConfig
	sendTimeout time.Duration
	log         *logger.Logger
}

func registerLive(r chi.Router, basePath string, h liveHandler) {
	if h.hub == nil {
		return
	}
	if h.sendTimeout <= 0 {
		h.sendTimeout = defaultLiveSendTimeout
	}
	if h.log == nil {
		h.log = logger.Nop()
	}
	r.Get(path.Join(basePath, "ws"), h.serve)
}

func (h liveHandler) serve(w http.ResponseWriter, req *http.Request) {
	c, err := websocket.Accept(w, req, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		h.log.Warn("websocket accept failed", "error", err)
		return
	}
	defer c.CloseNow()

	conn := &wsConn{c: c}
	h.hub.Register(conn)
	defer h.hub.Unregister(conn)

	ctx := req.Context()
	for {
		typ, data, err := c.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == -1 && !errors.Is(err, context.Canceled) {
				h.log.Debug("websocket read ended", "error", err)
			}
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			h.log.Debug("ignoring malformed live message", "error", err)
			continue
		}
		switch msg.Type {
		case "auth":
			u, err := resolveToken(ctx, h.engine, h.auth.JWTSecret, msg.Token)
			if err != nil {
				if !h.reply(ctx, conn, realtime.Event{Type: realtime.TypeAuthError, Message: "Invalid token"}) {
					return
				}
				continue
			}
			h.hub.Authenticate(conn, u.ID)
			if !h.reply(ctx, conn, realtime.Event{Type: realtime.TypeAuthSuccess, UserID: u.ID}) {
				return
			}
		case "ping":
			if !h.reply(ctx, conn, realtime.Event{Type: realtime.TypePong}) {
				return
			}
		}
	}
}

func (h liveHandler) reply(ctx context.Context, conn *wsConn, evt realtime.Event) bool {
	sendCtx, cancel := context.WithTimeout(ctx, h.sendTimeout)
	defer cancel()
	if err := conn.Send(sendCtx, evt); err != nil {
		h.log.Debug("live reply failed", "type", evt.Type, "error", err)
		return false
	}
	return true
}
