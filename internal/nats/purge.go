package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/jmdall/fileswap/internal/models"
)

type SessionClosedEvent struct {
	SessionID string              `json:"sessionId"`
	State     models.SessionState `json:"state"`
}

type prefixDeleter interface {
	DeleteObjectsByPrefix(ctx context.Context, prefix string) (int, error)
}

// Purger removes the uploads and previews of a session that closed without a
// release.
type Purger struct {
	blobs   prefixDeleter
	timeout time.Duration
	log     *zap.Logger
}

func NewPurger(blobs prefixDeleter, log *zap.Logger) *Purger {
	return &Purger{blobs: blobs, timeout: time.Minute, log: log.Named("purge")}
}

func (p *Purger) Purge(ctx context.Context, sessionID string) (int, error) {
	total := 0
	for _, prefix := range []string{"uploads/" + sessionID + "/", "previews/" + sessionID + "/"} {
		n, err := p.blobs.DeleteObjectsByPrefix(ctx, prefix)
		total += n
		if err != nil {
			return total, fmt.Errorf("purge %s: %w", prefix, err)
		}
	}
	return total, nil
}

// SessionClosed purges in the background. It is used when no JetStream
// consumer is available.
func (p *Purger) SessionClosed(sessionID string, state models.SessionState) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
		defer cancel()
		n, err := p.Purge(ctx, sessionID)
		if err != nil {
			p.log.Error("purge failed", zap.String("session_id", sessionID), zap.Error(err))
			return
		}
		p.log.Info("session purged", zap.String("session_id", sessionID), zap.String("state", string(state)), zap.Int("objects", n))
	}()
}

// HandleSessionClosed is the durable consumer for sessions.closed. Failed
// deletions are redelivered.
func (p *Purger) HandleSessionClosed(msg *nats.Msg) {
	var ev SessionClosedEvent
	if err := json.Unmarshal(msg.Data, &ev); err != nil || ev.SessionID == "" {
		p.log.Warn("invalid sessions.closed payload", zap.ByteString("data", msg.Data))
		term(msg, p.log)
		return
	}
	if ev.State == models.SessionReleased {
		ack(msg, p.log)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	n, err := p.Purge(ctx, ev.SessionID)
	if err != nil {
		p.log.Error("purge failed", zap.String("session_id", ev.SessionID), zap.Error(err))
		nak(msg, p.log)
		return
	}
	p.log.Info("session purged", zap.String("session_id", ev.SessionID), zap.String("state", string(ev.State)), zap.Int("objects", n))
	ack(msg, p.log)
}

// ClosedPublisher announces closed sessions on sessions.closed so exactly one
// consumer in the cluster purges them.
type ClosedPublisher struct {
	client *Client
	log    *zap.Logger
}

func NewClosedPublisher(client *Client, log *zap.Logger) *ClosedPublisher {
	return &ClosedPublisher{client: client, log: log.Named("closed")}
}

func (c *ClosedPublisher) SessionClosed(sessionID string, state models.SessionState) {
	if err := c.client.PublishEvent(SubjectSessionClosed, SessionClosedEvent{SessionID: sessionID, State: state}); err != nil {
		c.log.Error("publish sessions.closed failed", zap.String("session_id", sessionID), zap.Error(err))
	}
}

func ack(msg *nats.Msg, log *zap.Logger) {
	if err := msg.Ack(); err != nil {
		log.Warn("ack failed", zap.Error(err))
	}
}

func nak(msg *nats.Msg, log *zap.Logger) {
	if err := msg.Nak(); err != nil {
		log.Warn("nak failed", zap.Error(err))
	}
}

func term(msg *nats.Msg, log *zap.Logger) {
	if err := msg.Term(); err != nil {
		log.Warn("term failed", zap.Error(err))
	}
}
