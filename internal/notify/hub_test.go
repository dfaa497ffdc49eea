package notify

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jmdall/fileswap/internal/models"
)

func TestHubDeliversPerSession(t *testing.T) {
	h := NewHub(4, zap.NewNop())
	a := h.Subscribe("s-1")
	b := h.Subscribe("s-1")
	other := h.Subscribe("s-2")
	defer a.Close()
	defer b.Close()
	defer other.Close()

	h.Publish("s-1", models.Event{Type: models.EventSessionReady})

	for _, sub := range []*Subscription{a, b} {
		ev := <-sub.C
		assert.Equal(t, models.EventSessionReady, ev.Type)
		assert.Equal(t, "s-1", ev.SessionID)
	}
	assert.Empty(t, other.C)
}

func TestHubDropsWhenBufferFull(t *testing.T) {
	h := NewHub(1, zap.NewNop())
	sub := h.Subscribe("s")
	defer sub.Close()

	h.Publish("s", models.Event{Type: models.EventFileReady})
	h.Publish("s", models.Event{Type: models.EventSessionReady}) // dropped, never blocks

	ev := <-sub.C
	assert.Equal(t, models.EventFileReady, ev.Type)
	assert.Empty(t, sub.C)
}

func TestHubCloseUnregisters(t *testing.T) {
	h := NewHub(1, zap.NewNop())
	sub := h.Subscribe("s")
	require.Equal(t, 1, h.Subscribers("s"))

	sub.Close()
	sub.Close()
	assert.Equal(t, 0, h.Subscribers("s"))

	_, open := <-sub.C
	assert.False(t, open)

	// publishing with nobody listening is fine
	h.Publish("s", models.Event{Type: models.EventCancelled})
}

func TestHubConcurrentPublishAndClose(t *testing.T) {
	h := NewHub(8, zap.NewNop())
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		sub := h.Subscribe("s")
		go func() {
			defer wg.Done()
			h.Publish("s", models.Event{Type: models.EventFileReady})
		}()
		go func() {
			defer wg.Done()
			sub.Close()
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, h.Subscribers("s"))
}

func TestFanout(t *testing.T) {
	var got []string
	f := Fanout{
		PublisherFunc(func(id string, _ models.Event) { got = append(got, "first:"+id) }),
		PublisherFunc(func(id string, _ models.Event) { got = append(got, "second:"+id) }),
	}
	f.Publish("s", models.Event{})
	assert.Equal(t, []string{"first:s", "second:s"}, got)
}
