package exchange

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jmdall/fileswap/internal/auth"
	"github.com/jmdall/fileswap/internal/errs"
	"github.com/jmdall/fileswap/internal/models"
)

type Invite struct {
	Token string `json:"token"`
	URL   string `json:"url"`
}

type CreatedSession struct {
	SessionID string                 `json:"sessionId"`
	ExpiresAt time.Time              `json:"expiresAt"`
	Invites   map[models.Role]Invite `json:"invites"`
}

// CreateSession opens a session with one invite per role. createdBy is the
// authenticated creator, or empty when creation is anonymous.
func (s *Service) CreateSession(ctx context.Context, createdBy string) (*CreatedSession, error) {
	now := s.now()
	sess := &models.Session{
		ID:        uuid.NewString(),
		State:     models.SessionCreated,
		CreatedBy: createdBy,
		CreatedAt: now,
		ExpiresAt: now.Add(s.cfg.SessionTTL),
	}

	invites := make(map[models.Role]Invite, len(models.Roles))
	participants := make([]*models.Participant, 0, len(models.Roles))
	for _, role := range models.Roles {
		token, err := auth.NewInviteToken()
		if err != nil {
			return nil, err
		}
		participants = append(participants, &models.Participant{
			ID:         uuid.NewString(),
			SessionID:  sess.ID,
			Role:       role,
			InviteHash: auth.HashInvite(token),
		})
		invites[role] = Invite{Token: token, URL: s.inviteURL(sess.ID, token)}
	}

	if err := s.store.CreateSession(ctx, sess, participants); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	s.log.Info("session created", zap.String("session_id", sess.ID), zap.Time("expires_at", sess.ExpiresAt))

	return &CreatedSession{SessionID: sess.ID, ExpiresAt: sess.ExpiresAt, Invites: invites}, nil
}

type Joined struct {
	Token          string              `json:"token"`
	TokenExpiresAt time.Time           `json:"tokenExpiresAt"`
	SessionID      string              `json:"sessionId"`
	ParticipantID  string              `json:"participantId"`
	Role           models.Role         `json:"role"`
	State          models.SessionState `json:"state"`
	ExpiresAt      time.Time           `json:"expiresAt"`
}

// Join redeems an invite token for a session bearer token. Re-joining is
// allowed and mints a fresh token; the first join is what gets recorded.
func (s *Service) Join(ctx context.Context, sessionID, inviteToken, ip, userAgent string) (*Joined, error) {
	inviteToken = strings.TrimSpace(inviteToken)
	if inviteToken == "" {
		return nil, fmt.Errorf("%w: invite token is required", errs.ErrValidation)
	}
	if _, err := uuid.Parse(sessionID); err != nil {
		return nil, errs.ErrNotFound
	}

	sess, err := s.loadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.State == models.SessionExpired {
		return nil, errs.ErrSessionExpired
	}

	p, err := s.store.GetParticipantByInvite(ctx, sessionID, auth.HashInvite(inviteToken))
	if err != nil {
		return nil, errs.ErrUnauthorized
	}
	first, err := s.store.RecordJoin(ctx, p.ID, ip, userAgent, s.now())
	if err != nil {
		return nil, fmt.Errorf("record join: %w", err)
	}

	token, exp, err := s.tokens.IssueSession(p)
	if err != nil {
		return nil, err
	}
	s.log.Info("participant joined",
		zap.String("session_id", sessionID), zap.String("role", string(p.Role)), zap.Bool("first", first))

	return &Joined{
		Token:          token,
		TokenExpiresAt: exp,
		SessionID:      sessionID,
		ParticipantID:  p.ID,
		Role:           p.Role,
		State:          sess.State,
		ExpiresAt:      sess.ExpiresAt,
	}, nil
}

type SessionSummary struct {
	ID        string              `json:"id"`
	State     models.SessionState `json:"state"`
	ExpiresAt time.Time           `json:"expiresAt"`
}

type FileSummary struct {
	ID              string                  `json:"id"`
	Filename        string                  `json:"filename"`
	Size            int64                   `json:"size"`
	MimeType        string                  `json:"mimeType"`
	SHA256          string                  `json:"sha256,omitempty"`
	Status          models.FileStatus       `json:"status"`
	Reason          string                  `json:"reason,omitempty"`
	UploadedAt      *time.Time              `json:"uploadedAt,omitempty"`
	PreviewURL      string                  `json:"previewUrl,omitempty"`
	PreviewMetadata *models.PreviewMetadata `json:"previewMetadata,omitempty"`
}

type PartyStatus struct {
	Role     models.Role  `json:"role"`
	Joined   bool         `json:"joined"`
	Accepted bool         `json:"accepted"`
	File     *FileSummary `json:"file"`
}

type Status struct {
	Session        SessionSummary `json:"session"`
	Me             PartyStatus    `json:"me"`
	Peer           PartyStatus    `json:"peer"`
	DownloadGrants []models.Grant `json:"downloadGrants,omitempty"`
}

// Status is the authoritative, pollable view of a session for one participant.
func (s *Service) Status(ctx context.Context, c Caller) (*Status, error) {
	if _, err := s.participant(ctx, c); err != nil {
		return nil, err
	}
	sess, err := s.loadSession(ctx, c.SessionID)
	if err != nil {
		return nil, err
	}
	participants, err := s.store.ListParticipants(ctx, sess.ID)
	if err != nil {
		return nil, err
	}
	files, err := s.store.ListFiles(ctx, sess.ID)
	if err != nil {
		return nil, err
	}
	byOwner := make(map[string]*models.FileRecord, len(files))
	for _, f := range files {
		byOwner[f.ParticipantID] = f
	}

	st := &Status{Session: SessionSummary{ID: sess.ID, State: sess.State, ExpiresAt: sess.ExpiresAt}}
	for _, p := range participants {
		party := PartyStatus{Role: p.Role, Joined: p.JoinedAt != nil, Accepted: p.Accepted()}
		if f, ok := byOwner[p.ID]; ok {
			party.File = summarize(f)
		}
		if p.ID == c.ParticipantID {
			st.Me = party
			continue
		}
		if party.File != nil {
			s.attachPreview(ctx, party.File, byOwner[p.ID])
		}
		st.Peer = party
	}

	if sess.State == models.SessionReleased {
		grants, err := s.mintGrants(c.ParticipantID, participants, files)
		if err != nil {
			return nil, err
		}
		st.DownloadGrants = grants
	}
	return st, nil
}

func summarize(f *models.FileRecord) *FileSummary {
	sum := &FileSummary{
		ID:         f.ID,
		Filename:   f.Filename,
		Size:       f.SizeBytes,
		MimeType:   f.MimeType(),
		SHA256:     f.SHA256,
		Status:     f.Status,
		UploadedAt: f.UploadedAt,
	}
	if f.Status == models.FileBlocked && f.ScanResult != nil {
		sum.Reason = f.ScanResult.Reason()
	}
	return sum
}

// attachPreview adds a short-lived URL to the peer's redacted preview.
func (s *Service) attachPreview(ctx context.Context, sum *FileSummary, f *models.FileRecord) {
	if f.Status != models.FileReady || f.PreviewKey == "" {
		return
	}
	u, err := s.blobs.PresignGet(ctx, f.PreviewKey, s.cfg.PreviewURLTTL, "")
	if err != nil {
		s.log.Warn("presign preview failed", zap.String("file_id", f.ID), zap.Error(err))
		return
	}
	sum.PreviewURL = u
	sum.PreviewMetadata = f.PreviewMetadata
}
