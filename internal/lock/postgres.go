package lock

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// execer is the part of *sql.DB the lock needs.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Postgres keeps leases in the exchange_locks table. An expired row is taken over
// by the upsert; a live row makes the upsert a no-op.
type Postgres struct {
	db execer
}

func NewPostgres(db execer) *Postgres {
	return &Postgres{db: db}
}

func (p *Postgres) Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, bool, error) {
	token, err := newToken()
	if err != nil {
		return Lease{}, false, err
	}
	const q = `
INSERT INTO exchange_locks (key, token, expires_at)
VALUES ($1, $2, now() + $3 * interval '1 millisecond')
ON CONFLICT (key) DO UPDATE
SET token = EXCLUDED.token, expires_at = EXCLUDED.expires_at
WHERE exchange_locks.expires_at < now()`
	res, err := p.db.ExecContext(ctx, q, key, token, ttl.Milliseconds())
	if err != nil {
		return Lease{}, false, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Lease{}, false, err
	}
	if n == 0 {
		return Lease{}, false, nil
	}
	return Lease{Key: key, Token: token}, true, nil
}

func (p *Postgres) Release(ctx context.Context, lease Lease) error {
	const q = `DELETE FROM exchange_locks WHERE key = $1 AND token = $2`
	if _, err := p.db.ExecContext(ctx, q, lease.Key, lease.Token); err != nil {
		return fmt.Errorf("release lock %s: %w", lease.Key, err)
	}
	return nil
}
