package lock

import (
	"context"
	"sync"
	"time"
)

// Memory is a process-local Locker for single-instance deployments and tests.
type Memory struct {
	mu    sync.Mutex
	held  map[string]memoryEntry
	clock func() time.Time
}

type memoryEntry struct {
	token   string
	expires time.Time
}

func NewMemory() *Memory {
	return &Memory{held: make(map[string]memoryEntry), clock: time.Now}
}

// WithClock replaces the time source, for tests.
func (m *Memory) WithClock(now func() time.Time) *Memory {
	m.clock = now
	return m
}

func (m *Memory) Acquire(_ context.Context, key string, ttl time.Duration) (Lease, bool, error) {
	token, err := newToken()
	if err != nil {
		return Lease{}, false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock()
	if cur, ok := m.held[key]; ok && now.Before(cur.expires) {
		return Lease{}, false, nil
	}
	m.held[key] = memoryEntry{token: token, expires: now.Add(ttl)}
	return Lease{Key: key, Token: token}, true, nil
}

func (m *Memory) Release(_ context.Context, lease Lease) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cur, ok := m.held[lease.Key]; ok && cur.token == lease.Token {
		delete(m.held, lease.Key)
	}
	return nil
}
