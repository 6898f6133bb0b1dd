package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"call-insights/internal/auth"
	"call-insights/internal/broadcast"
	"call-insights/internal/calls"
	"call-insights/internal/rbac"
	"call-insights/pkg/logger"
)

const (
	wsWriteWait      = 10 * time.Second
	wsPongWait       = 60 * time.Second
	wsPingPeriod     = (wsPongWait * 9) / 10
	wsMaxMessageSize = 4096
)

// Close codes sent when a subscription is refused after the upgrade.
const (
	CloseBadTopic     = 4000
	CloseUnauthorized = 4001
	CloseForbidden    = 4003
	CloseNotFound     = 4004
)

// Tokens travel in the query string, so origin is not used for auth.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// wsConn adapts a WebSocket to broadcast.Conn.
type wsConn struct {
	id string
	ws *websocket.Conn
	mu sync.Mutex
}

func newWSConn(ws *websocket.Conn) *wsConn {
	return &wsConn{id: uuid.NewString(), ws: ws}
}

func (c *wsConn) ID() string { return c.id }

func (c *wsConn) Send(e broadcast.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.ws.WriteJSON(e)
}

// clientMessage is what subscribers may send.
type clientMessage struct {
	Type  string `json:"type"`
	Topic string `json:"topic,omitempty"`
}

// WatchCall streams job:<id> events for one call.
func (h Handlers) WatchCall(c *gin.Context) {
	h.serveWS(c, broadcast.JobTopic(c.Param("id")))
}

// WatchCalls streams user:<caller> lifecycle events. Further job topics can
// be added over the socket with {"type":"subscribe","topic":"job:<id>"}.
func (h Handlers) WatchCalls(c *gin.Context) {
	uid, _ := auth.UserID(c.Request.Context())
	h.serveWS(c, broadcast.UserTopic(uid))
}

func (h Handlers) serveWS(c *gin.Context, topic string) {
	log := logger.FromGin(c)
	uid, _ := auth.UserID(c.Request.Context())
	role, _ := auth.Role(c.Request.Context())
	id := broadcast.Identity{UserID: uid, Admin: rbac.IsAdmin(role)}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		log.Warn("websocket upgrade failed", "err", err)
		return
	}
	conn := newWSConn(ws)
	defer ws.Close()
	defer h.Hub.Disconnect(conn)

	ctx := c.Request.Context()
	if uid == "" {
		closeWith(ws, CloseUnauthorized, "unauthorized")
		return
	}
	if err := h.Hub.Subscribe(ctx, topic, conn, id); err != nil {
		code, reason := subscribeCloseCode(err)
		log.Info("websocket subscription refused", "topic", topic, "user_id", uid, "err", err)
		closeWith(ws, code, reason)
		return
	}
	log.Info("websocket connected", "conn_id", conn.ID(), "topic", topic, "user_id", uid)

	h.readLoop(ctx, conn, id)
	log.Info("websocket disconnected", "conn_id", conn.ID())
}

func (h Handlers) readLoop(ctx context.Context, conn *wsConn, id broadcast.Identity) {
	ws := conn.ws
	ws.SetReadLimit(wsMaxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(wsPongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		t := time.NewTicker(wsPingPeriod)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-t.C:
				if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
					return
				}
			}
		}
	}()

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(wsPongWait))

		var msg clientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			h.Hub.Deliver(conn, broadcast.Event{Type: broadcast.EventError, Message: "invalid json"})
			continue
		}
		switch msg.Type {
		case "ping":
			h.Hub.Deliver(conn, broadcast.Event{Type: broadcast.EventPong})
		case "subscribe":
			if err := h.Hub.Subscribe(ctx, msg.Topic, conn, id); err != nil {
				_, reason := subscribeCloseCode(err)
				h.Hub.Deliver(conn, broadcast.Event{Type: broadcast.EventError, Message: "subscribe " + msg.Topic + ": " + reason})
			}
		case "unsubscribe":
			h.Hub.Unsubscribe(msg.Topic, conn)
		default:
			h.Hub.Deliver(conn, broadcast.Event{Type: broadcast.EventError, Message: "unknown message type"})
		}
	}
}

func subscribeCloseCode(err error) (int, string) {
	switch {
	case errors.Is(err, broadcast.ErrBadTopic):
		return CloseBadTopic, "bad topic"
	case errors.Is(err, broadcast.ErrForbidden):
		return CloseForbidden, "forbidden"
	case errors.Is(err, calls.ErrNotFound):
		return CloseNotFound, "not found"
	default:
		return websocket.CloseInternalServerErr, "internal error"
	}
}

func closeWith(ws *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteWait))
}
