package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/jmdall/fileswap/internal/errs"
	"github.com/jmdall/fileswap/internal/models"
)

// PostgresStore implements Store on PostgreSQL through lib/pq.
type PostgresStore struct {
	db  *sql.DB
	log *zap.Logger
}

// Open connects, pings and configures the pool.
func Open(ctx context.Context, connectionString string) (*sql.DB, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to open PostgreSQL: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)
	return db, nil
}

func NewPostgresStore(db *sql.DB, log *zap.Logger) *PostgresStore {
	return &PostgresStore{db: db, log: log.Named("store")}
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// mapErr turns driver errors into sentinels the upper layers can match on.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return errs.ErrNotFound
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "22P02": // invalid_text_representation, e.g. a malformed uuid
			return errs.ErrNotFound
		case "23505":
			return fmt.Errorf("%w: %s", errs.ErrConflict, pqErr.Constraint)
		}
	}
	return err
}

func affected(res sql.Result, err error) (bool, error) {
	if err != nil {
		return false, mapErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func jsonColumn(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

// sessions

const sessionColumns = `id, state, created_by, created_at, expires_at, released_at`

func scanSession(row interface{ Scan(...any) error }) (*models.Session, error) {
	var (
		s        models.Session
		state    string
		released sql.NullTime
	)
	if err := row.Scan(&s.ID, &state, &s.CreatedBy, &s.CreatedAt, &s.ExpiresAt, &released); err != nil {
		return nil, mapErr(err)
	}
	st, err := models.ParseSessionState(state)
	if err != nil {
		return nil, err
	}
	s.State = st
	s.ReleasedAt = timePtr(released)
	return &s, nil
}

func (p *PostgresStore) CreateSession(ctx context.Context, s *models.Session, participants []*models.Participant) error {
	return withTx(ctx, p.db, func(ctx context.Context, tx querier) error {
		const insertSession = `
INSERT INTO sessions (id, state, created_by, created_at, expires_at)
VALUES ($1, $2, $3, $4, $5)`
		if _, err := tx.ExecContext(ctx, insertSession, s.ID, s.State, s.CreatedBy, s.CreatedAt, s.ExpiresAt); err != nil {
			return fmt.Errorf("insert session: %w", mapErr(err))
		}

		const insertParticipant = `
INSERT INTO participants (id, session_id, role, invite_hash)
VALUES ($1, $2, $3, $4)`
		for _, pt := range participants {
			if _, err := tx.ExecContext(ctx, insertParticipant, pt.ID, s.ID, pt.Role, pt.InviteHash); err != nil {
				return fmt.Errorf("insert participant %s: %w", pt.Role, mapErr(err))
			}
		}
		return nil
	})
}

func (p *PostgresStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	q := `SELECT ` + sessionColumns + ` FROM sessions WHERE id = $1`
	return scanSession(p.db.QueryRowContext(ctx, q, id))
}

func (p *PostgresStore) ExpireSession(ctx context.Context, id string, now time.Time) (bool, error) {
	const q = `
UPDATE sessions SET state = 'expired'
WHERE id = $1 AND state IN ('created', 'ready') AND expires_at <= $2`
	return affected(p.db.ExecContext(ctx, q, id, now))
}

func (p *PostgresStore) ListOverdue(ctx context.Context, now time.Time, limit int) ([]string, error) {
	const q = `
SELECT id FROM sessions
WHERE state IN ('created', 'ready') AND expires_at <= $1
ORDER BY expires_at
LIMIT $2`
	rows, err := p.db.QueryContext(ctx, q, now, limit)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (p *PostgresStore) CancelSession(ctx context.Context, id string) (bool, error) {
	const q = `UPDATE sessions SET state = 'cancelled' WHERE id = $1 AND state IN ('created', 'ready')`
	return affected(p.db.ExecContext(ctx, q, id))
}

func (p *PostgresStore) MarkSessionReady(ctx context.Context, id string, now time.Time) (bool, error) {
	const q = `
UPDATE sessions SET state = 'ready'
WHERE id = $1 AND state = 'created' AND expires_at > $2
  AND (SELECT count(*) FROM files
       WHERE session_id = $1 AND deleted_at IS NULL AND status = 'ready') = 2`
	return affected(p.db.ExecContext(ctx, q, id, now))
}

func (p *PostgresStore) ReleaseIfAccepted(ctx context.Context, id string, now time.Time) (ReleaseOutcome, error) {
	var out ReleaseOutcome
	err := withTx(ctx, p.db, func(ctx context.Context, tx querier) error {
		var state string
		if err := tx.QueryRowContext(ctx, `SELECT state FROM sessions WHERE id = $1 FOR UPDATE`, id).Scan(&state); err != nil {
			return mapErr(err)
		}
		out.State = models.SessionState(state)

		const count = `SELECT count(*) FROM participants WHERE session_id = $1 AND accepted_at IS NOT NULL`
		if err := tx.QueryRowContext(ctx, count, id).Scan(&out.AcceptedCount); err != nil {
			return err
		}
		if out.AcceptedCount < 2 || out.State != models.SessionReady {
			return nil
		}

		const release = `UPDATE sessions SET state = 'released', released_at = $2 WHERE id = $1 AND state = 'ready' AND expires_at > $2`
		ok, err := affected(tx.ExecContext(ctx, release, id, now))
		if err != nil {
			return err
		}
		if ok {
			out.State = models.SessionReleased
			out.Released = true
		}
		return nil
	})
	if err != nil {
		return ReleaseOutcome{}, fmt.Errorf("release session %s: %w", id, err)
	}
	return out, nil
}

// participants

const participantColumns = `id, session_id, role, invite_hash, joined_at, ip_address, user_agent, accepted_at`

func scanParticipant(row interface{ Scan(...any) error }) (*models.Participant, error) {
	var (
		pt               models.Participant
		role             string
		joined, accepted sql.NullTime
	)
	if err := row.Scan(&pt.ID, &pt.SessionID, &role, &pt.InviteHash, &joined, &pt.IPAddress, &pt.UserAgent, &accepted); err != nil {
		return nil, mapErr(err)
	}
	r, err := models.ParseRole(role)
	if err != nil {
		return nil, err
	}
	pt.Role = r
	pt.JoinedAt = timePtr(joined)
	pt.AcceptedAt = timePtr(accepted)
	return &pt, nil
}

func (p *PostgresStore) GetParticipant(ctx context.Context, id string) (*models.Participant, error) {
	q := `SELECT ` + participantColumns + ` FROM participants WHERE id = $1`
	return scanParticipant(p.db.QueryRowContext(ctx, q, id))
}

func (p *PostgresStore) GetParticipantByInvite(ctx context.Context, sessionID, inviteHash string) (*models.Participant, error) {
	q := `SELECT ` + participantColumns + ` FROM participants WHERE session_id = $1 AND invite_hash = $2`
	return scanParticipant(p.db.QueryRowContext(ctx, q, sessionID, inviteHash))
}

func (p *PostgresStore) ListParticipants(ctx context.Context, sessionID string) ([]*models.Participant, error) {
	q := `SELECT ` + participantColumns + ` FROM participants WHERE session_id = $1 ORDER BY role`
	rows, err := p.db.QueryContext(ctx, q, sessionID)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var out []*models.Participant
	for rows.Next() {
		pt, err := scanParticipant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pt)
	}
	return out, rows.Err()
}

func (p *PostgresStore) RecordJoin(ctx context.Context, participantID, ip, userAgent string, at time.Time) (bool, error) {
	const q = `
UPDATE participants SET joined_at = $2, ip_address = $3, user_agent = $4
WHERE id = $1 AND joined_at IS NULL`
	return affected(p.db.ExecContext(ctx, q, participantID, at, ip, userAgent))
}

func (p *PostgresStore) MarkAccepted(ctx context.Context, participantID string, at time.Time) (bool, error) {
	const q = `UPDATE participants SET accepted_at = $2 WHERE id = $1 AND accepted_at IS NULL`
	return affected(p.db.ExecContext(ctx, q, participantID, at))
}

// files

const fileColumns = `id, session_id, participant_id, storage_key, filename, declared_mime_type, size_bytes,
status, sha256, detected_mime_type, preview_key, preview_metadata, scan_result,
created_at, uploaded_at, scanned_at, deleted_at`

func scanFile(row interface{ Scan(...any) error }) (*models.FileRecord, error) {
	var (
		f                          models.FileRecord
		status                     string
		previewMeta, scanResult    []byte
		uploaded, scanned, deleted sql.NullTime
	)
	err := row.Scan(&f.ID, &f.SessionID, &f.ParticipantID, &f.StorageKey, &f.Filename, &f.DeclaredMimeType, &f.SizeBytes,
		&status, &f.SHA256, &f.DetectedMimeType, &f.PreviewKey, &previewMeta, &scanResult,
		&f.CreatedAt, &uploaded, &scanned, &deleted)
	if err != nil {
		return nil, mapErr(err)
	}
	st, err := models.ParseFileStatus(status)
	if err != nil {
		return nil, err
	}
	f.Status = st
	if len(previewMeta) > 0 {
		f.PreviewMetadata = &models.PreviewMetadata{}
		if err := json.Unmarshal(previewMeta, f.PreviewMetadata); err != nil {
			return nil, fmt.Errorf("decode preview metadata: %w", err)
		}
	}
	if len(scanResult) > 0 {
		f.ScanResult = &models.ScanResult{}
		if err := json.Unmarshal(scanResult, f.ScanResult); err != nil {
			return nil, fmt.Errorf("decode scan result: %w", err)
		}
	}
	f.UploadedAt = timePtr(uploaded)
	f.ScannedAt = timePtr(scanned)
	f.DeletedAt = timePtr(deleted)
	return &f, nil
}

func (p *PostgresStore) CreateFile(ctx context.Context, f *models.FileRecord) error {
	return withTx(ctx, p.db, func(ctx context.Context, tx querier) error {
		var exists bool
		const check = `SELECT EXISTS (SELECT 1 FROM files WHERE participant_id = $1 AND deleted_at IS NULL)`
		if err := tx.QueryRowContext(ctx, check, f.ParticipantID).Scan(&exists); err != nil {
			return mapErr(err)
		}
		if exists {
			return errs.ErrDuplicateFile
		}

		const insert = `
INSERT INTO files (id, session_id, participant_id, storage_key, filename, declared_mime_type, size_bytes, status, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
		_, err := tx.ExecContext(ctx, insert, f.ID, f.SessionID, f.ParticipantID, f.StorageKey, f.Filename,
			f.DeclaredMimeType, f.SizeBytes, f.Status, f.CreatedAt)
		if err != nil {
			// the partial unique index catches a concurrent presign
			if errors.Is(mapErr(err), errs.ErrConflict) {
				return errs.ErrDuplicateFile
			}
			return fmt.Errorf("insert file: %w", err)
		}
		return nil
	})
}

func (p *PostgresStore) GetFile(ctx context.Context, id string) (*models.FileRecord, error) {
	q := `SELECT ` + fileColumns + ` FROM files WHERE id = $1`
	return scanFile(p.db.QueryRowContext(ctx, q, id))
}

func (p *PostgresStore) ListFiles(ctx context.Context, sessionID string) ([]*models.FileRecord, error) {
	q := `SELECT ` + fileColumns + ` FROM files WHERE session_id = $1 AND deleted_at IS NULL ORDER BY created_at`
	rows, err := p.db.QueryContext(ctx, q, sessionID)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var out []*models.FileRecord
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (p *PostgresStore) ClaimUpload(ctx context.Context, fileID string, at time.Time) (bool, error) {
	const q = `
UPDATE files SET uploaded_at = $2
WHERE id = $1 AND status = 'uploading' AND uploaded_at IS NULL AND deleted_at IS NULL`
	return affected(p.db.ExecContext(ctx, q, fileID, at))
}

func (p *PostgresStore) RecordDigest(ctx context.Context, fileID, sha256, detectedMime string) error {
	const q = `UPDATE files SET sha256 = $2, detected_mime_type = $3 WHERE id = $1`
	_, err := p.db.ExecContext(ctx, q, fileID, sha256, detectedMime)
	return mapErr(err)
}

func (p *PostgresStore) MarkScanning(ctx context.Context, fileID string) (bool, error) {
	const q = `UPDATE files SET status = 'scanning' WHERE id = $1 AND status = 'uploading'`
	return affected(p.db.ExecContext(ctx, q, fileID))
}

func (p *PostgresStore) MarkBlocked(ctx context.Context, fileID string, result models.ScanResult, at time.Time) (bool, error) {
	raw, err := jsonColumn(result)
	if err != nil {
		return false, err
	}
	const q = `
UPDATE files SET status = 'blocked', scan_result = $2, scanned_at = $3
WHERE id = $1 AND status IN ('uploading', 'scanning')`
	return affected(p.db.ExecContext(ctx, q, fileID, raw, at))
}

func (p *PostgresStore) MarkReady(ctx context.Context, fileID string, result models.ScanResult, preview *Preview, at time.Time) (bool, error) {
	raw, err := jsonColumn(result)
	if err != nil {
		return false, err
	}
	var key string
	var meta []byte
	if preview != nil {
		key = preview.Key
		if meta, err = jsonColumn(preview.Metadata); err != nil {
			return false, err
		}
	}
	const q = `
UPDATE files SET status = 'ready', scan_result = $2, scanned_at = $3, preview_key = $4, preview_metadata = $5
WHERE id = $1 AND status = 'scanning'`
	return affected(p.db.ExecContext(ctx, q, fileID, raw, at, key, meta))
}

func (p *PostgresStore) DiscardFile(ctx context.Context, fileID string, at time.Time) (bool, error) {
	const q = `UPDATE files SET deleted_at = $2 WHERE id = $1 AND status = 'blocked' AND deleted_at IS NULL`
	return affected(p.db.ExecContext(ctx, q, fileID, at))
}

func (p *PostgresStore) LogDownload(ctx context.Context, entry models.DownloadLog) error {
	const q = `
INSERT INTO download_logs (file_id, participant_id, ip_address, downloaded_at)
VALUES ($1, $2, $3, $4)`
	if _, err := p.db.ExecContext(ctx, q, entry.FileID, entry.ParticipantID, entry.IPAddress, entry.At); err != nil {
		return fmt.Errorf("log download: %w", mapErr(err))
	}
	p.log.Debug("download logged", zap.String("file_id", entry.FileID), zap.String("participant_id", entry.ParticipantID))
	return nil
}
