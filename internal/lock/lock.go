// Package lock provides short-TTL, non-blocking mutual exclusion keyed by string.
// Release is compare-and-delete: a holder whose lease expired cannot free a lock
// that has since been handed to someone else.
package lock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"time"
)

// Lease identifies one successful acquisition.
type Lease struct {
	Key   string
	Token string
}

type Locker interface {
	// Acquire returns ok=false immediately when the key is held.
	Acquire(ctx context.Context, key string, ttl time.Duration) (lease Lease, ok bool, err error)
	// Release frees the key only if lease still owns it.
	Release(ctx context.Context, lease Lease) error
}

// AcceptKey is the key guarding the dual-acceptance check of a session.
func AcceptKey(sessionID string) string {
	return "session:" + sessionID + ":accept"
}

func newToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
