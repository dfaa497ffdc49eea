package exchange

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/jmdall/fileswap/internal/errs"
	"github.com/jmdall/fileswap/internal/lock"
	"github.com/jmdall/fileswap/internal/models"
)

type AcceptResult struct {
	State          models.SessionState `json:"state"`
	AcceptedCount  int                 `json:"acceptedCount"`
	DownloadGrants []models.Grant      `json:"downloadGrants,omitempty"`
}

// Accept records the caller's acceptance. The call that observes both
// acceptances on a ready session releases it, under the session lock.
func (s *Service) Accept(ctx context.Context, c Caller) (*AcceptResult, error) {
	p, err := s.participant(ctx, c)
	if err != nil {
		return nil, err
	}
	sess, err := s.loadSession(ctx, c.SessionID)
	if err != nil {
		return nil, err
	}
	switch sess.State {
	case models.SessionReleased:
		return &AcceptResult{State: sess.State, AcceptedCount: 2}, nil
	case models.SessionExpired:
		return nil, errs.ErrSessionExpired
	case models.SessionCreated, models.SessionCancelled:
		return nil, fmt.Errorf("%w: session is %s", errs.ErrInvalidState, sess.State)
	}

	if _, err := s.store.MarkAccepted(ctx, p.ID, s.now()); err != nil {
		return nil, fmt.Errorf("mark accepted: %w", err)
	}

	lease, err := s.acquire(ctx, lock.AcceptKey(sess.ID))
	if err != nil {
		return nil, err
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := s.locks.Release(releaseCtx, lease); err != nil {
			s.log.Warn("lock release failed", zap.String("key", lease.Key), zap.Error(err))
		}
	}()

	out, err := s.store.ReleaseIfAccepted(ctx, sess.ID, s.now())
	if err != nil {
		return nil, fmt.Errorf("release: %w", err)
	}
	if !out.Released && out.State == models.SessionReady && sess.Overdue(s.now()) {
		if _, err := s.expire(ctx, sess.ID); err != nil {
			return nil, err
		}
		return nil, errs.ErrSessionExpired
	}
	res := &AcceptResult{State: out.State, AcceptedCount: out.AcceptedCount}
	if !out.Released {
		return res, nil
	}

	participants, err := s.store.ListParticipants(ctx, sess.ID)
	if err != nil {
		return nil, err
	}
	files, err := s.store.ListFiles(ctx, sess.ID)
	if err != nil {
		return nil, err
	}
	// each party is told about the release with grants minted for itself
	for _, p := range participants {
		grants, err := s.mintGrants(p.ID, participants, files)
		if err != nil {
			return nil, err
		}
		if p.ID == c.ParticipantID {
			res.DownloadGrants = grants
		}
		s.publish(sess.ID, models.Event{Type: models.EventReleased, Role: c.Role, Audience: p.Role, DownloadGrants: grants})
	}

	s.log.Info("session released", zap.String("session_id", sess.ID), zap.String("by", string(c.Role)))
	return res, nil
}

// acquire tries the lock a bounded number of times, then reports it busy.
func (s *Service) acquire(ctx context.Context, key string) (lock.Lease, error) {
	for attempt := 1; ; attempt++ {
		lease, ok, err := s.locks.Acquire(ctx, key, s.cfg.AcceptLockTTL)
		if err != nil {
			return lock.Lease{}, fmt.Errorf("acquire %s: %w", key, err)
		}
		if ok {
			return lease, nil
		}
		if attempt >= s.cfg.LockAttempts {
			return lock.Lease{}, errs.ErrLockBusy
		}
		select {
		case <-ctx.Done():
			return lock.Lease{}, ctx.Err()
		case <-time.After(s.cfg.LockBackoff):
		}
	}
}

// Reject cancels an open session. Rejecting a closed session is a no-op that
// reports its current state.
func (s *Service) Reject(ctx context.Context, c Caller) (models.SessionState, error) {
	if _, err := s.participant(ctx, c); err != nil {
		return "", err
	}
	sess, err := s.loadSession(ctx, c.SessionID)
	if err != nil {
		return "", err
	}
	if sess.State.IsTerminal() {
		return sess.State, nil
	}

	ok, err := s.store.CancelSession(ctx, sess.ID)
	if err != nil {
		return "", fmt.Errorf("cancel: %w", err)
	}
	if !ok {
		current, err := s.store.GetSession(ctx, sess.ID)
		if err != nil {
			return "", err
		}
		return current.State, nil
	}

	s.log.Info("session cancelled", zap.String("session_id", sess.ID), zap.String("by", string(c.Role)))
	s.publish(sess.ID, models.Event{Type: models.EventCancelled, Role: c.Role})
	s.notifyClosed(sess.ID, models.SessionCancelled)
	return models.SessionCancelled, nil
}

// mintGrants issues one grant per ready file, scoped to participantID.
func (s *Service) mintGrants(participantID string, participants []*models.Participant, files []*models.FileRecord) ([]models.Grant, error) {
	roles := make(map[string]models.Role, len(participants))
	for _, p := range participants {
		roles[p.ID] = p.Role
	}

	grants := make([]models.Grant, 0, len(files))
	for _, f := range files {
		if f.Status != models.FileReady {
			continue
		}
		token, exp, err := s.tokens.IssueGrant(f.ID, f.SessionID, participantID)
		if err != nil {
			return nil, err
		}
		grants = append(grants, models.Grant{
			FileID:    f.ID,
			Owner:     roles[f.ParticipantID],
			Token:     token,
			URL:       s.downloadURL(f.ID, token),
			ExpiresAt: exp,
		})
	}
	sort.Slice(grants, func(i, j int) bool { return grants[i].Owner < grants[j].Owner })
	return grants, nil
}
