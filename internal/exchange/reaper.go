package exchange

import (
	"context"
	"time"

	"go.uber.org/zap"
)

const reapBatch = 100

// Reaper expires overdue sessions in the background so their parties hear
// about it even when nobody polls.
type Reaper struct {
	svc      *Service
	interval time.Duration
	log      *zap.Logger
}

// NewReaper ticks every interval; a non-positive interval disables it.
func NewReaper(svc *Service, interval time.Duration) *Reaper {
	return &Reaper{svc: svc, interval: interval, log: svc.log.Named("reaper")}
}

// Run ticks until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	if r.interval <= 0 {
		r.log.Info("reaper disabled")
		return
	}
	t := time.NewTicker(r.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n, err := r.svc.ExpireOverdue(ctx); err != nil {
				r.log.Error("reap failed", zap.Error(err))
			} else if n > 0 {
				r.log.Info("expired sessions", zap.Int("count", n))
			}
		}
	}
}

// ExpireOverdue expires every open session past its TTL and returns how many
// this call moved.
func (s *Service) ExpireOverdue(ctx context.Context) (int, error) {
	total := 0
	for {
		ids, err := s.store.ListOverdue(ctx, s.now(), reapBatch)
		if err != nil {
			return total, err
		}
		moved := 0
		for _, id := range ids {
			ok, err := s.expire(ctx, id)
			if err != nil {
				return total, err
			}
			if ok {
				moved++
			}
		}
		total += moved
		if len(ids) < reapBatch || moved == 0 {
			return total, nil
		}
	}
}
