package storage

import (
	"context"
	"time"

	"github.com/jmdall/fileswap/internal/models"
)

// Store is the record store behind an exchange. Every state-changing method is
// conditional on the expected current state and reports whether it applied, so
// duplicate calls are harmless no-ops.
type Store interface {
	// CreateSession persists the session and both participants atomically.
	CreateSession(ctx context.Context, s *models.Session, participants []*models.Participant) error
	GetSession(ctx context.Context, id string) (*models.Session, error)
	// ExpireSession moves an open, overdue session to expired.
	ExpireSession(ctx context.Context, id string, now time.Time) (bool, error)
	// ListOverdue returns ids of open sessions whose TTL passed.
	ListOverdue(ctx context.Context, now time.Time, limit int) ([]string, error)
	CancelSession(ctx context.Context, id string) (bool, error)
	// MarkSessionReady flips created to ready once exactly two live files are ready.
	MarkSessionReady(ctx context.Context, id string, now time.Time) (bool, error)
	// ReleaseIfAccepted counts acceptances and releases a ready session in one transaction.
	ReleaseIfAccepted(ctx context.Context, id string, now time.Time) (ReleaseOutcome, error)

	GetParticipant(ctx context.Context, id string) (*models.Participant, error)
	GetParticipantByInvite(ctx context.Context, sessionID, inviteHash string) (*models.Participant, error)
	ListParticipants(ctx context.Context, sessionID string) ([]*models.Participant, error)
	// RecordJoin stamps the first join; later joins leave the record untouched.
	RecordJoin(ctx context.Context, participantID, ip, userAgent string, at time.Time) (bool, error)
	// MarkAccepted sets accepted_at once and reports whether this call set it.
	MarkAccepted(ctx context.Context, participantID string, at time.Time) (bool, error)

	// CreateFile fails with errs.ErrDuplicateFile if the participant already has a live file.
	CreateFile(ctx context.Context, f *models.FileRecord) error
	GetFile(ctx context.Context, id string) (*models.FileRecord, error)
	// ListFiles returns the live (not discarded) files of a session.
	ListFiles(ctx context.Context, sessionID string) ([]*models.FileRecord, error)
	// ClaimUpload marks a presigned upload as completed; only the first claim wins.
	ClaimUpload(ctx context.Context, fileID string, at time.Time) (bool, error)
	RecordDigest(ctx context.Context, fileID, sha256, detectedMime string) error
	MarkScanning(ctx context.Context, fileID string) (bool, error)
	MarkBlocked(ctx context.Context, fileID string, result models.ScanResult, at time.Time) (bool, error)
	MarkReady(ctx context.Context, fileID string, result models.ScanResult, preview *Preview, at time.Time) (bool, error)
	// DiscardFile soft-deletes a blocked file so its owner may upload again.
	DiscardFile(ctx context.Context, fileID string, at time.Time) (bool, error)

	LogDownload(ctx context.Context, entry models.DownloadLog) error
	Ping(ctx context.Context) error
}

// ReleaseOutcome is the result of a dual-acceptance check.
type ReleaseOutcome struct {
	State         models.SessionState
	AcceptedCount int
	// Released is true only for the one call that performed the transition.
	Released bool
}

type Preview struct {
	Key      string
	Metadata models.PreviewMetadata
}
