package nats

import "github.com/nats-io/nats.go"

// Routes lists the durable subjects this service consumes.
func Routes(purger *Purger) map[string]nats.MsgHandler {
	return map[string]nats.MsgHandler{
		SubjectSessionClosed: purger.HandleSessionClosed,
	}
}
