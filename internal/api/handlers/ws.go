package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/jmdall/fileswap/internal/exchange"
	"github.com/jmdall/fileswap/internal/models"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	maxMessage = 4096
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

type clientMessage struct {
	Type string `json:"type"`
}

// Socket is the push channel of one participant. It carries every event of
// the caller's session and answers ping and status requests.
func (h *Handler) Socket(c *gin.Context) {
	caller, ok := h.caller(c)
	if !ok {
		return
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Info("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	sub := h.hub.Subscribe(caller.SessionID)
	defer sub.Close()

	log := h.log.With(zap.String("session_id", caller.SessionID), zap.String("role", string(caller.Role)))
	replies := make(chan models.Event, 4)
	done := make(chan struct{})
	go h.readLoop(conn, caller, replies, done, log)

	if err := writeEvent(conn, models.Event{
		Type:      models.EventConnected,
		SessionID: caller.SessionID,
		Role:      caller.Role,
		At:        time.Now().UTC(),
	}); err != nil {
		return
	}

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case ev, open := <-sub.C:
			if !open {
				return
			}
			if !ev.For(caller.Role) {
				continue
			}
			if err := writeEvent(conn, ev); err != nil {
				log.Debug("event write failed", zap.Error(err))
				return
			}
		case ev := <-replies:
			if err := writeEvent(conn, ev); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

// readLoop owns all reads of conn. It stops, closing done, when the client goes away.
func (h *Handler) readLoop(conn *websocket.Conn, caller exchange.Caller, replies chan<- models.Event, done chan<- struct{}, log *zap.Logger) {
	defer close(done)
	conn.SetReadLimit(maxMessage)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg clientMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug("websocket closed", zap.Error(err))
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		reply := models.Event{SessionID: caller.SessionID, At: time.Now().UTC()}
		switch msg.Type {
		case "ping":
			reply.Type = models.EventPong
		case "status":
			ctx, cancel := context.WithTimeout(context.Background(), writeWait)
			st, err := h.svc.Status(ctx, caller)
			cancel()
			if err != nil {
				reply.Type = models.EventError
				reply.Message = err.Error()
			} else {
				reply.Type = models.EventStatus
				reply.Data = st
			}
		default:
			reply.Type = models.EventError
			reply.Message = "unknown message type"
		}

		select {
		case replies <- reply:
		default:
			log.Debug("reply dropped")
		}
	}
}

func writeEvent(conn *websocket.Conn, ev models.Event) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(ev)
}
