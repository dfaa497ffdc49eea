package lock

import (
	"context"
	"regexp"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// exerciseLocker runs the behaviour every backend must share. expire moves the
// backend clock past ttl.
func exerciseLocker(t *testing.T, l Locker, expire func(time.Duration)) {
	ctx := context.Background()
	ttl := 5 * time.Second
	key := AcceptKey("s-1")

	first, ok, err := l.Acquire(ctx, key, ttl)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, key, first.Key)
	assert.NotEmpty(t, first.Token)

	_, ok, err = l.Acquire(ctx, key, ttl)
	require.NoError(t, err)
	assert.False(t, ok, "second acquire must fail while held")

	other, ok, err := l.Acquire(ctx, AcceptKey("s-2"), ttl)
	require.NoError(t, err)
	assert.True(t, ok, "different keys do not contend")
	require.NoError(t, l.Release(ctx, other))

	require.NoError(t, l.Release(ctx, first))
	second, ok, err := l.Acquire(ctx, key, ttl)
	require.NoError(t, err)
	require.True(t, ok, "released key can be acquired again")

	expire(ttl + time.Second)
	third, ok, err := l.Acquire(ctx, key, ttl)
	require.NoError(t, err)
	require.True(t, ok, "expired lease can be taken over")

	// the stale holder must not free the new holder's lease
	require.NoError(t, l.Release(ctx, second))
	_, ok, err = l.Acquire(ctx, key, ttl)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, l.Release(ctx, third))
}

func TestMemoryLocker(t *testing.T) {
	now := time.Now()
	var mu sync.Mutex
	m := NewMemory().WithClock(func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	})
	exerciseLocker(t, m, func(d time.Duration) {
		mu.Lock()
		now = now.Add(d)
		mu.Unlock()
	})
}

func TestMemoryLockerConcurrentAcquire(t *testing.T) {
	m := NewMemory()
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok, _ := m.Acquire(context.Background(), "k", time.Minute); ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestRedisLocker(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	r := NewRedis(client)
	exerciseLocker(t, r, mr.FastForward)
}

func TestRedisLockerStoresPrefixedKeyWithTTL(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	lease, ok, err := NewRedis(client).Acquire(context.Background(), "session:x:accept", 5*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	got, err := mr.Get("fileswap:lock:session:x:accept")
	require.NoError(t, err)
	assert.Equal(t, lease.Token, got)
	assert.Equal(t, 5*time.Second, mr.TTL("fileswap:lock:session:x:accept"))
}

func TestNewRedisFromURLRejectsBadURL(t *testing.T) {
	_, err := NewRedisFromURL(context.Background(), "not a url")
	assert.Error(t, err)
}

func TestPostgresLockerAcquire(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	insert := regexp.QuoteMeta("INSERT INTO exchange_locks (key, token, expires_at)")
	mock.ExpectExec(insert).
		WithArgs("session:s:accept", sqlmock.AnyArg(), int64(5000)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(insert).
		WithArgs("session:s:accept", sqlmock.AnyArg(), int64(5000)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	p := NewPostgres(db)
	lease, ok, err := p.Acquire(context.Background(), "session:s:accept", 5*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NotEmpty(t, lease.Token)

	_, ok, err = p.Acquire(context.Background(), "session:s:accept", 5*time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresLockerReleaseMatchesToken(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM exchange_locks WHERE key = $1 AND token = $2")).
		WithArgs("k", "tok").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, NewPostgres(db).Release(context.Background(), Lease{Key: "k", Token: "tok"}))
	require.NoError(t, mock.ExpectationsWereMet())
}
