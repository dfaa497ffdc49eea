package nats

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/jmdall/fileswap/internal/models"
	"github.com/jmdall/fileswap/internal/notify"
)

type rawPublisher interface {
	Publish(subject string, data []byte) error
}

type envelope struct {
	Origin    string       `json:"origin"`
	SessionID string       `json:"sessionId"`
	Event     models.Event `json:"event"`
}

// Bridge relays session events between instances. Publish sends to NATS only;
// the local hub is fed directly by the caller and by Handle for remote events.
type Bridge struct {
	conn     rawPublisher
	local    notify.Publisher
	instance string
	log      *zap.Logger
}

func NewBridge(conn rawPublisher, local notify.Publisher, log *zap.Logger) *Bridge {
	return &Bridge{conn: conn, local: local, instance: uuid.NewString(), log: log.Named("bridge")}
}

func (b *Bridge) Publish(sessionID string, ev models.Event) {
	data, err := json.Marshal(envelope{Origin: b.instance, SessionID: sessionID, Event: ev})
	if err != nil {
		b.log.Error("encode event", zap.Error(err))
		return
	}
	if err := b.conn.Publish(subjectEvents+"."+sessionID, data); err != nil {
		b.log.Warn("relay event failed", zap.String("session_id", sessionID), zap.String("type", string(ev.Type)), zap.Error(err))
	}
}

// Handle delivers an event published by another instance to local subscribers.
func (b *Bridge) Handle(msg *nats.Msg) {
	var env envelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		b.log.Warn("invalid event payload", zap.String("subject", msg.Subject), zap.Error(err))
		return
	}
	if env.Origin == b.instance {
		return
	}
	sid := env.SessionID
	if sid == "" {
		sid = strings.TrimPrefix(msg.Subject, subjectEvents+".")
	}
	b.local.Publish(sid, env.Event)
}

// Start subscribes to every session's event subject.
func (b *Bridge) Start(conn *nats.Conn) (*nats.Subscription, error) {
	return conn.Subscribe(subjectEvents+".*", b.Handle)
}
