package nats

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jmdall/fileswap/internal/models"
	"github.com/jmdall/fileswap/internal/notify"
	"github.com/jmdall/fileswap/internal/services"
)

type loopback struct {
	mu   sync.Mutex
	msgs []*nats.Msg
}

func (l *loopback) Publish(subject string, data []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.msgs = append(l.msgs, &nats.Msg{Subject: subject, Data: data})
	return nil
}

func TestBridgeRelaysRemoteEvents(t *testing.T) {
	wire := &loopback{}
	hubA := notify.NewHub(4, zap.NewNop())
	hubB := notify.NewHub(4, zap.NewNop())
	a := NewBridge(wire, hubA, zap.NewNop())
	b := NewBridge(wire, hubB, zap.NewNop())

	subA := hubA.Subscribe("s1")
	defer subA.Close()
	subB := hubB.Subscribe("s1")
	defer subB.Close()

	a.Publish("s1", models.Event{Type: models.EventFileReady, SessionID: "s1", FileID: "f1"})
	require.Len(t, wire.msgs, 1)
	assert.Equal(t, "exchange.sessions.s1", wire.msgs[0].Subject)

	// both instances receive the wire message
	a.Handle(wire.msgs[0])
	b.Handle(wire.msgs[0])

	select {
	case ev := <-subB.C:
		assert.Equal(t, models.EventFileReady, ev.Type)
		assert.Equal(t, "f1", ev.FileID)
	case <-time.After(time.Second):
		t.Fatal("remote instance did not receive the event")
	}
	select {
	case ev := <-subA.C:
		t.Fatalf("origin instance received its own event: %v", ev)
	default:
	}
}

func TestBridgeIgnoresGarbage(t *testing.T) {
	hub := notify.NewHub(1, zap.NewNop())
	b := NewBridge(&loopback{}, hub, zap.NewNop())
	sub := hub.Subscribe("s1")
	defer sub.Close()

	b.Handle(&nats.Msg{Subject: "exchange.sessions.s1", Data: []byte("{not json")})
	select {
	case <-sub.C:
		t.Fatal("garbage must not be delivered")
	default:
	}
}

func seed(t *testing.T, blobs *services.MemoryBlobStore, keys ...string) {
	t.Helper()
	for _, k := range keys {
		require.NoError(t, blobs.Put(context.Background(), k, bytes.NewReader([]byte("x")), 1, ""))
	}
}

func TestPurgeRemovesSessionObjects(t *testing.T) {
	blobs := services.NewMemoryBlobStore()
	seed(t, blobs,
		"uploads/s1/p1/aa_a.txt",
		"uploads/s1/p2/bb_b.txt",
		"previews/s1/f1_preview.jpg",
		"uploads/s2/p3/cc_c.txt",
		"uploads/s10/p4/dd_d.txt",
	)
	p := NewPurger(blobs, zap.NewNop())

	n, err := p.Purge(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []string{"uploads/s10/p4/dd_d.txt", "uploads/s2/p3/cc_c.txt"}, blobs.Keys())
}

func TestHandleSessionClosed(t *testing.T) {
	blobs := services.NewMemoryBlobStore()
	seed(t, blobs, "uploads/s1/p1/aa_a.txt", "uploads/s2/p1/aa_a.txt")
	p := NewPurger(blobs, zap.NewNop())

	data, err := json.Marshal(SessionClosedEvent{SessionID: "s1", State: models.SessionCancelled})
	require.NoError(t, err)
	p.HandleSessionClosed(&nats.Msg{Subject: SubjectSessionClosed, Data: data})
	assert.Equal(t, []string{"uploads/s2/p1/aa_a.txt"}, blobs.Keys())

	released, err := json.Marshal(SessionClosedEvent{SessionID: "s2", State: models.SessionReleased})
	require.NoError(t, err)
	p.HandleSessionClosed(&nats.Msg{Subject: SubjectSessionClosed, Data: released})
	assert.Equal(t, []string{"uploads/s2/p1/aa_a.txt"}, blobs.Keys(), "released sessions keep their files")

	p.HandleSessionClosed(&nats.Msg{Subject: SubjectSessionClosed, Data: []byte(`{}`)})
}

type failingDeleter struct{ calls int }

func (f *failingDeleter) DeleteObjectsByPrefix(context.Context, string) (int, error) {
	f.calls++
	return 0, errors.New("minio down")
}

func TestPurgeStopsOnError(t *testing.T) {
	d := &failingDeleter{}
	_, err := NewPurger(d, zap.NewNop()).Purge(context.Background(), "s1")
	assert.ErrorContains(t, err, "minio down")
	assert.Equal(t, 1, d.calls)
}

func TestPurgerSessionClosedRunsInBackground(t *testing.T) {
	blobs := services.NewMemoryBlobStore()
	seed(t, blobs, "previews/s1/f_preview.jpg")
	NewPurger(blobs, zap.NewNop()).SessionClosed("s1", models.SessionExpired)
	assert.Eventually(t, func() bool { return len(blobs.Keys()) == 0 }, time.Second, 5*time.Millisecond)
}

func TestDurableName(t *testing.T) {
	assert.Equal(t, "fileswap-sessions-closed", durableName("fileswap", "sessions.closed"))
	assert.Equal(t, "x-a--", durableName("x", "a.>"))
}

func TestPublishWithoutJetStream(t *testing.T) {
	c := &Client{log: zap.NewNop()}
	assert.False(t, c.HasJetStream())
	assert.ErrorIs(t, c.PublishEvent(SubjectSessionClosed, SessionClosedEvent{}), errNoJetStream)
	_, err := c.SubscribeAll(map[string]nats.MsgHandler{}, "x")
	assert.ErrorIs(t, err, errNoJetStream)
}
