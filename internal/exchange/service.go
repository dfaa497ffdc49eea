// Package exchange implements the two-party exchange session: invites, uploads,
// mutual acceptance and the release of download grants.
package exchange

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/jmdall/fileswap/internal/auth"
	"github.com/jmdall/fileswap/internal/errs"
	"github.com/jmdall/fileswap/internal/lock"
	"github.com/jmdall/fileswap/internal/models"
	"github.com/jmdall/fileswap/internal/notify"
	"github.com/jmdall/fileswap/internal/storage"
)

type Blobs interface {
	PresignPut(ctx context.Context, key string, ttl time.Duration) (string, error)
	PresignGet(ctx context.Context, key string, ttl time.Duration, downloadName string) (string, error)
}

// Jobs schedules the validation pipeline for a completed upload.
type Jobs interface {
	Submit(fileID string) error
}

// ClosedNotifier learns about sessions that were cancelled or expired.
type ClosedNotifier interface {
	SessionClosed(sessionID string, state models.SessionState)
}

type Config struct {
	SessionTTL     time.Duration
	UploadURLTTL   time.Duration
	PreviewURLTTL  time.Duration
	DownloadURLTTL time.Duration
	AcceptLockTTL  time.Duration
	// LockAttempts bounds how often Accept tries the session lock before giving up.
	LockAttempts int
	LockBackoff  time.Duration
	MaxFileSize  int64
	// PublicURL prefixes the invite and download links handed to clients.
	PublicURL string
}

// Caller is the verified identity behind a session bearer token.
type Caller struct {
	ParticipantID string
	SessionID     string
	Role          models.Role
}

func CallerFromClaims(c *auth.SessionClaims) Caller {
	return Caller{ParticipantID: c.ParticipantID, SessionID: c.SessionID, Role: c.Role}
}

type Service struct {
	store  storage.Store
	locks  lock.Locker
	tokens *auth.Issuer
	blobs  Blobs
	jobs   Jobs
	events notify.Publisher
	closed ClosedNotifier
	cfg    Config
	log    *zap.Logger
	now    func() time.Time
}

func NewService(store storage.Store, locks lock.Locker, tokens *auth.Issuer, blobs Blobs, jobs Jobs, events notify.Publisher, cfg Config, log *zap.Logger) *Service {
	if cfg.LockAttempts <= 0 {
		cfg.LockAttempts = 1
	}
	if cfg.DownloadURLTTL <= 0 {
		cfg.DownloadURLTTL = 10 * time.Minute
	}
	cfg.PublicURL = strings.TrimRight(cfg.PublicURL, "/")
	return &Service{
		store:  store,
		locks:  locks,
		tokens: tokens,
		blobs:  blobs,
		jobs:   jobs,
		events: events,
		cfg:    cfg,
		log:    log.Named("exchange"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the time source, for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// WithClosedNotifier registers a hook for cancelled and expired sessions.
func (s *Service) WithClosedNotifier(n ClosedNotifier) *Service {
	s.closed = n
	return s
}

func (s *Service) publish(sessionID string, ev models.Event) {
	ev.SessionID = sessionID
	ev.At = s.now()
	s.events.Publish(sessionID, ev)
}

func (s *Service) notifyClosed(sessionID string, state models.SessionState) {
	if s.closed != nil {
		s.closed.SessionClosed(sessionID, state)
	}
}

// loadSession fetches a session and applies lazy expiry. The returned session
// reflects the state after expiry.
func (s *Service) loadSession(ctx context.Context, id string) (*models.Session, error) {
	sess, err := s.store.GetSession(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("session %s: %w", id, err)
	}
	if sess.Overdue(s.now()) {
		if _, err := s.expire(ctx, sess.ID); err != nil {
			return nil, err
		}
		sess.State = models.SessionExpired
	}
	return sess, nil
}

// openSession is loadSession plus a guard that the session still accepts changes.
func (s *Service) openSession(ctx context.Context, id string) (*models.Session, error) {
	sess, err := s.loadSession(ctx, id)
	if err != nil {
		return nil, err
	}
	switch sess.State {
	case models.SessionExpired:
		return nil, errs.ErrSessionExpired
	case models.SessionCancelled, models.SessionReleased:
		return nil, fmt.Errorf("%w: session is %s", errs.ErrInvalidState, sess.State)
	}
	return sess, nil
}

// expire moves an overdue session to expired and announces it once.
func (s *Service) expire(ctx context.Context, id string) (bool, error) {
	ok, err := s.store.ExpireSession(ctx, id, s.now())
	if err != nil {
		return false, fmt.Errorf("expire session %s: %w", id, err)
	}
	if ok {
		s.log.Info("session expired", zap.String("session_id", id))
		s.publish(id, models.Event{Type: models.EventExpired})
		s.notifyClosed(id, models.SessionExpired)
	}
	return ok, nil
}

// participant verifies the caller still maps to a participant of their session.
func (s *Service) participant(ctx context.Context, c Caller) (*models.Participant, error) {
	p, err := s.store.GetParticipant(ctx, c.ParticipantID)
	if err != nil {
		return nil, errs.ErrUnauthorized
	}
	if p.SessionID != c.SessionID || p.Role != c.Role {
		return nil, errs.ErrUnauthorized
	}
	return p, nil
}

func (s *Service) inviteURL(sessionID, token string) string {
	return fmt.Sprintf("%s/join?sid=%s&token=%s", s.cfg.PublicURL, sessionID, token)
}

func (s *Service) downloadURL(fileID, token string) string {
	return fmt.Sprintf("%s/api/uploads/download/%s?token=%s", s.cfg.PublicURL, fileID, token)
}
