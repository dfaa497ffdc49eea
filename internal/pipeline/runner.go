package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

var ErrRunnerClosed = errors.New("pipeline runner closed")

type processor interface {
	Process(ctx context.Context, fileID string) error
	// Abandon moves a file whose job will not complete to a terminal state.
	Abandon(fileID string, cause error) error
}

// Runner executes pipeline jobs off the request path with bounded parallelism.
type Runner struct {
	proc       processor
	sem        *semaphore.Weighted
	jobTimeout time.Duration
	log        *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

func NewRunner(proc processor, workers int, jobTimeout time.Duration, log *zap.Logger) *Runner {
	if workers <= 0 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		proc:       proc,
		sem:        semaphore.NewWeighted(int64(workers)),
		jobTimeout: jobTimeout,
		log:        log.Named("runner"),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Submit queues fileID and returns at once.
func (r *Runner) Submit(fileID string) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrRunnerClosed
	}
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		if err := r.sem.Acquire(r.ctx, 1); err != nil {
			r.log.Warn("job dropped on shutdown", zap.String("file_id", fileID))
			r.abandon(fileID, errors.New("dropped on shutdown"))
			return
		}
		defer r.sem.Release(1)

		ctx, cancel := withTimeout(r.ctx, r.jobTimeout)
		defer cancel()
		if err := r.proc.Process(ctx, fileID); err != nil {
			r.log.Error("pipeline job failed", zap.String("file_id", fileID), zap.Error(err))
			r.abandon(fileID, err)
		}
	}()
	return nil
}

func (r *Runner) abandon(fileID string, cause error) {
	if err := r.proc.Abandon(fileID, cause); err != nil {
		r.log.Error("abandoning file failed", zap.String("file_id", fileID), zap.Error(err))
	}
}

// Wait blocks until every submitted job finished.
func (r *Runner) Wait() {
	r.wg.Wait()
}

// Shutdown stops intake and waits for running jobs until ctx ends, then cancels them.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.cancel()
		return nil
	case <-ctx.Done():
		r.cancel()
		<-done
		return ctx.Err()
	}
}
