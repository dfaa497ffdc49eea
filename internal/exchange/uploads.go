package exchange

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jmdall/fileswap/internal/auth"
	"github.com/jmdall/fileswap/internal/errs"
	"github.com/jmdall/fileswap/internal/models"
)

type PresignRequest struct {
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
	MimeType string `json:"mimeType"`
}

type Presigned struct {
	FileID     string `json:"fileId"`
	UploadURL  string `json:"uploadUrl"`
	StorageKey string `json:"storageKey"`
}

// Presign reserves the caller's single upload slot and returns a direct upload URL.
func (s *Service) Presign(ctx context.Context, c Caller, req PresignRequest) (*Presigned, error) {
	name := cleanFilename(req.Filename)
	if name == "" {
		return nil, fmt.Errorf("%w: filename is required", errs.ErrValidation)
	}
	if req.Size <= 0 {
		return nil, fmt.Errorf("%w: size must be positive", errs.ErrValidation)
	}
	if s.cfg.MaxFileSize > 0 && req.Size > s.cfg.MaxFileSize {
		return nil, fmt.Errorf("%w: %d bytes exceeds limit of %d", errs.ErrTooLarge, req.Size, s.cfg.MaxFileSize)
	}

	p, err := s.participant(ctx, c)
	if err != nil {
		return nil, err
	}
	sess, err := s.openSession(ctx, c.SessionID)
	if err != nil {
		return nil, err
	}
	if sess.State != models.SessionCreated {
		live, err := s.hasLiveFile(ctx, sess.ID, p.ID)
		if err != nil {
			return nil, err
		}
		if live {
			return nil, errs.ErrDuplicateFile
		}
		return nil, fmt.Errorf("%w: uploads are closed once the session is %s", errs.ErrInvalidState, sess.State)
	}

	suffix, err := auth.RandomSuffix()
	if err != nil {
		return nil, err
	}
	key := fmt.Sprintf("uploads/%s/%s/%s_%s", sess.ID, p.ID, suffix, name)
	uploadURL, err := s.blobs.PresignPut(ctx, key, s.cfg.UploadURLTTL)
	if err != nil {
		return nil, fmt.Errorf("presign upload: %w", err)
	}

	mimeType := strings.TrimSpace(req.MimeType)
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	rec := &models.FileRecord{
		ID:               uuid.NewString(),
		SessionID:        sess.ID,
		ParticipantID:    p.ID,
		StorageKey:       key,
		Filename:         name,
		DeclaredMimeType: mimeType,
		SizeBytes:        req.Size,
		Status:           models.FileUploading,
		CreatedAt:        s.now(),
	}
	if err := s.store.CreateFile(ctx, rec); err != nil {
		return nil, err
	}

	s.log.Info("upload presigned",
		zap.String("session_id", sess.ID), zap.String("file_id", rec.ID), zap.Int64("size", req.Size))
	return &Presigned{FileID: rec.ID, UploadURL: uploadURL, StorageKey: key}, nil
}

func (s *Service) hasLiveFile(ctx context.Context, sessionID, participantID string) (bool, error) {
	files, err := s.store.ListFiles(ctx, sessionID)
	if err != nil {
		return false, err
	}
	for _, f := range files {
		if f.ParticipantID == participantID && f.DeletedAt == nil {
			return true, nil
		}
	}
	return false, nil
}

func cleanFilename(name string) string {
	name = strings.TrimSpace(strings.ReplaceAll(name, "\\", "/"))
	if name == "" {
		return ""
	}
	base := filepath.Base(name)
	if base == "." || base == "/" || base == ".." {
		return ""
	}
	return base
}

type CompleteRequest struct {
	FileID     string `json:"fileId"`
	StorageKey string `json:"storageKey"`
}

// CompleteUpload hands a finished upload to the validation pipeline. Only the
// first completion of a file is accepted.
func (s *Service) CompleteUpload(ctx context.Context, c Caller, req CompleteRequest) error {
	if req.FileID == "" || req.StorageKey == "" {
		return fmt.Errorf("%w: fileId and storageKey are required", errs.ErrValidation)
	}
	if _, err := s.participant(ctx, c); err != nil {
		return err
	}
	f, err := s.store.GetFile(ctx, req.FileID)
	if err != nil {
		return err
	}
	if f.ParticipantID != c.ParticipantID || f.SessionID != c.SessionID || f.StorageKey != req.StorageKey || f.DeletedAt != nil {
		return errs.ErrNotFound
	}
	if _, err := s.openSession(ctx, c.SessionID); err != nil {
		return err
	}

	ok, err := s.store.ClaimUpload(ctx, f.ID, s.now())
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: upload already completed", errs.ErrConflict)
	}
	if err := s.jobs.Submit(f.ID); err != nil {
		s.blockUnscheduled(f, err)
		return fmt.Errorf("schedule pipeline: %w", err)
	}
	s.log.Info("upload completed", zap.String("session_id", f.SessionID), zap.String("file_id", f.ID))
	return nil
}

// blockUnscheduled blocks a claimed file the pipeline will never pick up, so
// its owner can discard it and upload again.
func (s *Service) blockUnscheduled(f *models.FileRecord, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	result := models.ScanResult{Error: "not processed: " + cause.Error()}
	ok, err := s.store.MarkBlocked(ctx, f.ID, result, s.now())
	if err != nil {
		s.log.Error("blocking unscheduled file failed", zap.String("file_id", f.ID), zap.Error(err))
		return
	}
	if ok {
		s.publish(f.SessionID, models.Event{Type: models.EventFileBlocked, FileID: f.ID, Reason: result.Reason()})
	}
}

// Discard drops the caller's blocked upload so they can try again.
func (s *Service) Discard(ctx context.Context, c Caller, fileID string) error {
	if _, err := s.participant(ctx, c); err != nil {
		return err
	}
	f, err := s.store.GetFile(ctx, fileID)
	if err != nil {
		return err
	}
	if f.ParticipantID != c.ParticipantID || f.DeletedAt != nil {
		return errs.ErrNotFound
	}
	sess, err := s.openSession(ctx, f.SessionID)
	if err != nil {
		return err
	}
	if sess.State != models.SessionCreated {
		return fmt.Errorf("%w: session is %s", errs.ErrInvalidState, sess.State)
	}
	ok, err := s.store.DiscardFile(ctx, f.ID, s.now())
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: only blocked uploads can be discarded", errs.ErrInvalidState)
	}
	s.log.Info("upload discarded", zap.String("session_id", f.SessionID), zap.String("file_id", f.ID))
	return nil
}

// Download verifies a grant and returns a presigned URL that serves the file
// as an attachment under its original name.
func (s *Service) Download(ctx context.Context, fileID, grant, ip string) (string, error) {
	claims, err := s.tokens.ParseGrant(grant)
	if err != nil {
		return "", err
	}
	if claims.FileID != fileID {
		return "", fmt.Errorf("%w: grant is for another file", errs.ErrForbidden)
	}

	f, err := s.store.GetFile(ctx, fileID)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return "", fmt.Errorf("%w: file unavailable", errs.ErrForbidden)
		}
		return "", err
	}
	if f.SessionID != claims.SessionID || f.Status != models.FileReady || f.DeletedAt != nil {
		return "", fmt.Errorf("%w: file unavailable", errs.ErrForbidden)
	}
	sess, err := s.store.GetSession(ctx, f.SessionID)
	if err != nil {
		return "", err
	}
	if sess.State != models.SessionReleased {
		return "", fmt.Errorf("%w: session is %s", errs.ErrForbidden, sess.State)
	}

	if err := s.store.LogDownload(ctx, models.DownloadLog{
		FileID:        f.ID,
		ParticipantID: claims.ParticipantID,
		IPAddress:     ip,
		At:            s.now(),
	}); err != nil {
		s.log.Warn("download log failed", zap.String("file_id", f.ID), zap.Error(err))
	}

	u, err := s.blobs.PresignGet(ctx, f.StorageKey, s.cfg.DownloadURLTTL, f.Filename)
	if err != nil {
		return "", fmt.Errorf("presign download: %w", err)
	}
	return u, nil
}
