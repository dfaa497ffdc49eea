package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jmdall/fileswap/internal/configuration"
	"github.com/jmdall/fileswap/internal/lock"
	"github.com/jmdall/fileswap/internal/storage"
)

func TestNewLogger(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "error"} {
		log, err := newLogger(level)
		require.NoError(t, err, level)
		assert.NotNil(t, log)
	}
	_, err := newLogger("chatty")
	assert.Error(t, err)
}

func TestMemoryBackends(t *testing.T) {
	cfg := configuration.Load()
	cfg.StoreBackend = configuration.BackendMemory
	cfg.LockBackend = configuration.BackendMemory

	store, db, err := openStore(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	assert.Nil(t, db)
	assert.IsType(t, &storage.MemoryStore{}, store)

	locks, closeLocks, err := openLocker(context.Background(), cfg, db)
	require.NoError(t, err)
	defer closeLocks()
	assert.IsType(t, &lock.Memory{}, locks)
}

func TestPostgresLockNeedsDatabase(t *testing.T) {
	cfg := configuration.Load()
	cfg.LockBackend = configuration.BackendPostgres
	_, _, err := openLocker(context.Background(), cfg, nil)
	assert.Error(t, err)
}

func TestAppCloseRunsInReverse(t *testing.T) {
	var order []int
	a := &app{closers: []func(){
		func() { order = append(order, 1) },
		func() { order = append(order, 2) },
	}}
	a.close()
	assert.Equal(t, []int{2, 1}, order)
}
