// Package nats carries exchange traffic between instances: live session events
// over core NATS and the durable sessions.closed cleanup stream over JetStream.
package nats

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const (
	StreamName = "fileswap-sessions"

	SubjectSessionClosed = "sessions.closed"
	// subjectEvents is suffixed with the session id.
	subjectEvents = "exchange.sessions"
)

var errNoJetStream = errors.New("jetstream not initialized")

type Client struct {
	Conn *nats.Conn
	JS   nats.JetStreamContext
	log  *zap.Logger
}

// Connect dials NATS with unlimited reconnects and makes sure the session
// stream exists. A server without JetStream still yields a usable client for
// live events.
func Connect(url, name string, log *zap.Logger) (*Client, error) {
	log = log.Named("nats")
	opts := []nats.Option{
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			log.Info("connection closed")
		}),
	}

	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	c := &Client{Conn: conn, log: log}

	js, err := conn.JetStream()
	if err != nil {
		log.Warn("jetstream unavailable, session cleanup runs locally", zap.Error(err))
		return c, nil
	}
	if err := ensureStream(js); err != nil {
		log.Warn("failed to ensure stream", zap.String("stream", StreamName), zap.Error(err))
		return c, nil
	}
	c.JS = js
	log.Info("connected", zap.String("url", conn.ConnectedUrl()))
	return c, nil
}

func ensureStream(js nats.JetStreamContext) error {
	if _, err := js.StreamInfo(StreamName); err == nil {
		return nil
	}
	_, err := js.AddStream(&nats.StreamConfig{
		Name:     StreamName,
		Subjects: []string{"sessions.*"},
		Storage:  nats.FileStorage,
		MaxAge:   7 * 24 * time.Hour,
	})
	return err
}

// HasJetStream reports whether durable subjects can be used.
func (c *Client) HasJetStream() bool { return c.JS != nil }

// PublishEvent stores payload on a JetStream subject with a unique message id.
func (c *Client) PublishEvent(subject string, payload any) error {
	if c.JS == nil {
		return errNoJetStream
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := c.JS.Publish(subject, data, nats.MsgId(uuid.NewString())); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// SubscribeAll attaches a durable manual-ack consumer per route. Handlers own
// the ack.
func (c *Client) SubscribeAll(routes map[string]nats.MsgHandler, durablePrefix string) ([]*nats.Subscription, error) {
	if c.JS == nil {
		return nil, errNoJetStream
	}
	subs := make([]*nats.Subscription, 0, len(routes))
	for subject, handler := range routes {
		durable := durableName(durablePrefix, subject)
		sub, err := c.JS.Subscribe(subject, handler, nats.Durable(durable), nats.ManualAck())
		if err != nil {
			return subs, fmt.Errorf("subscribe %s: %w", subject, err)
		}
		c.log.Info("subscribed", zap.String("subject", subject), zap.String("durable", durable))
		subs = append(subs, sub)
	}
	return subs, nil
}

// durable names may not contain dots
func durableName(prefix, subject string) string {
	out := []byte(prefix + "-" + subject)
	for i, b := range out {
		if b == '.' || b == '*' || b == '>' {
			out[i] = '-'
		}
	}
	return string(out)
}

func (c *Client) Close() {
	if c.Conn != nil && !c.Conn.IsClosed() {
		if err := c.Conn.Drain(); err != nil {
			c.Conn.Close()
		}
	}
}
