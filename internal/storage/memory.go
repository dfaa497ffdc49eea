package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jmdall/fileswap/internal/errs"
	"github.com/jmdall/fileswap/internal/models"
)

// MemoryStore implements Store in process memory. It backs single-instance
// development runs and the service tests. Records are copied on the way in and
// out so callers never share state with the store.
type MemoryStore struct {
	mu           sync.RWMutex
	sessions     map[string]models.Session
	participants map[string]models.Participant
	files        map[string]models.FileRecord
	downloads    []models.DownloadLog
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:     make(map[string]models.Session),
		participants: make(map[string]models.Participant),
		files:        make(map[string]models.FileRecord),
	}
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) CreateSession(_ context.Context, s *models.Session, participants []*models.Participant) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[s.ID]; exists {
		return errs.ErrConflict
	}
	seen := map[models.Role]bool{}
	for _, p := range participants {
		if seen[p.Role] {
			return errs.ErrConflict
		}
		seen[p.Role] = true
	}
	m.sessions[s.ID] = *s
	for _, p := range participants {
		cp := *p
		cp.SessionID = s.ID
		m.participants[p.ID] = cp
	}
	return nil
}

func (m *MemoryStore) GetSession(_ context.Context, id string) (*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return &s, nil
}

// setSessionState applies a conditional transition. Caller holds m.mu.
func (m *MemoryStore) setSessionState(id string, to models.SessionState, when func(models.Session) bool) bool {
	s, ok := m.sessions[id]
	if !ok || !s.State.CanTransition(to) || (when != nil && !when(s)) {
		return false
	}
	s.State = to
	m.sessions[id] = s
	return true
}

func (m *MemoryStore) ExpireSession(_ context.Context, id string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.setSessionState(id, models.SessionExpired, func(s models.Session) bool {
		return s.Overdue(now)
	}), nil
}

func (m *MemoryStore) ListOverdue(_ context.Context, now time.Time, limit int) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var due []models.Session
	for _, s := range m.sessions {
		if s.Overdue(now) {
			due = append(due, s)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ExpiresAt.Before(due[j].ExpiresAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	ids := make([]string, 0, len(due))
	for _, s := range due {
		ids = append(ids, s.ID)
	}
	return ids, nil
}

func (m *MemoryStore) CancelSession(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.setSessionState(id, models.SessionCancelled, nil), nil
}

func (m *MemoryStore) MarkSessionReady(_ context.Context, id string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.setSessionState(id, models.SessionReady, func(s models.Session) bool {
		if !now.Before(s.ExpiresAt) {
			return false
		}
		ready := 0
		for _, f := range m.files {
			if f.SessionID == id && f.DeletedAt == nil && f.Status == models.FileReady {
				ready++
			}
		}
		return ready == 2
	}), nil
}

func (m *MemoryStore) ReleaseIfAccepted(_ context.Context, id string, now time.Time) (ReleaseOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return ReleaseOutcome{}, errs.ErrNotFound
	}
	out := ReleaseOutcome{State: s.State}
	for _, p := range m.participants {
		if p.SessionID == id && p.AcceptedAt != nil {
			out.AcceptedCount++
		}
	}
	if out.AcceptedCount < 2 || s.State != models.SessionReady || !s.ExpiresAt.After(now) {
		return out, nil
	}
	s.State = models.SessionReleased
	at := now
	s.ReleasedAt = &at
	m.sessions[id] = s
	out.State = models.SessionReleased
	out.Released = true
	return out, nil
}

func (m *MemoryStore) GetParticipant(_ context.Context, id string) (*models.Participant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.participants[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return &p, nil
}

func (m *MemoryStore) GetParticipantByInvite(_ context.Context, sessionID, inviteHash string) (*models.Participant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.participants {
		if p.SessionID == sessionID && p.InviteHash == inviteHash {
			return &p, nil
		}
	}
	return nil, errs.ErrNotFound
}

func (m *MemoryStore) ListParticipants(_ context.Context, sessionID string) ([]*models.Participant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Participant
	for _, p := range m.participants {
		if p.SessionID == sessionID {
			cp := p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Role < out[j].Role })
	return out, nil
}

func (m *MemoryStore) RecordJoin(_ context.Context, participantID, ip, userAgent string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.participants[participantID]
	if !ok {
		return false, errs.ErrNotFound
	}
	if p.JoinedAt != nil {
		return false, nil
	}
	p.JoinedAt, p.IPAddress, p.UserAgent = &at, ip, userAgent
	m.participants[participantID] = p
	return true, nil
}

func (m *MemoryStore) MarkAccepted(_ context.Context, participantID string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.participants[participantID]
	if !ok {
		return false, errs.ErrNotFound
	}
	if p.AcceptedAt != nil {
		return false, nil
	}
	p.AcceptedAt = &at
	m.participants[participantID] = p
	return true, nil
}

func (m *MemoryStore) CreateFile(_ context.Context, f *models.FileRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.files {
		if existing.ParticipantID == f.ParticipantID && existing.DeletedAt == nil {
			return errs.ErrDuplicateFile
		}
	}
	m.files[f.ID] = *f
	return nil
}

func (m *MemoryStore) GetFile(_ context.Context, id string) (*models.FileRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	f, ok := m.files[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return &f, nil
}

func (m *MemoryStore) ListFiles(_ context.Context, sessionID string) ([]*models.FileRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.FileRecord
	for _, f := range m.files {
		if f.SessionID == sessionID && f.DeletedAt == nil {
			cp := f
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// updateFile applies fn to a file under the write lock when cond holds.
func (m *MemoryStore) updateFile(id string, cond func(models.FileRecord) bool, fn func(*models.FileRecord)) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[id]
	if !ok {
		return false, errs.ErrNotFound
	}
	if cond != nil && !cond(f) {
		return false, nil
	}
	fn(&f)
	m.files[id] = f
	return true, nil
}

func (m *MemoryStore) ClaimUpload(_ context.Context, fileID string, at time.Time) (bool, error) {
	return m.updateFile(fileID, func(f models.FileRecord) bool {
		return f.Status == models.FileUploading && f.UploadedAt == nil && f.DeletedAt == nil
	}, func(f *models.FileRecord) { f.UploadedAt = &at })
}

func (m *MemoryStore) RecordDigest(_ context.Context, fileID, sha256, detectedMime string) error {
	_, err := m.updateFile(fileID, nil, func(f *models.FileRecord) {
		f.SHA256, f.DetectedMimeType = sha256, detectedMime
	})
	return err
}

func (m *MemoryStore) MarkScanning(_ context.Context, fileID string) (bool, error) {
	return m.updateFile(fileID, func(f models.FileRecord) bool {
		return f.Status == models.FileUploading
	}, func(f *models.FileRecord) { f.Status = models.FileScanning })
}

func (m *MemoryStore) MarkBlocked(_ context.Context, fileID string, result models.ScanResult, at time.Time) (bool, error) {
	return m.updateFile(fileID, func(f models.FileRecord) bool {
		return f.Status.CanTransition(models.FileBlocked)
	}, func(f *models.FileRecord) {
		f.Status, f.ScanResult, f.ScannedAt = models.FileBlocked, &result, &at
	})
}

func (m *MemoryStore) MarkReady(_ context.Context, fileID string, result models.ScanResult, preview *Preview, at time.Time) (bool, error) {
	return m.updateFile(fileID, func(f models.FileRecord) bool {
		return f.Status == models.FileScanning
	}, func(f *models.FileRecord) {
		f.Status, f.ScanResult, f.ScannedAt = models.FileReady, &result, &at
		if preview != nil {
			meta := preview.Metadata
			f.PreviewKey, f.PreviewMetadata = preview.Key, &meta
		}
	})
}

func (m *MemoryStore) DiscardFile(_ context.Context, fileID string, at time.Time) (bool, error) {
	return m.updateFile(fileID, func(f models.FileRecord) bool {
		return f.Status == models.FileBlocked && f.DeletedAt == nil
	}, func(f *models.FileRecord) { f.DeletedAt = &at })
}

func (m *MemoryStore) LogDownload(_ context.Context, entry models.DownloadLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.downloads = append(m.downloads, entry)
	return nil
}

// Downloads returns a copy of the access log.
func (m *MemoryStore) Downloads() []models.DownloadLog {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]models.DownloadLog(nil), m.downloads...)
}
