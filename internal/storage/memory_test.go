package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmdall/fileswap/internal/errs"
	"github.com/jmdall/fileswap/internal/models"
)

var _ Store = (*MemoryStore)(nil)
var _ Store = (*PostgresStore)(nil)

func seedSession(t *testing.T, m *MemoryStore, now time.Time) (*models.Session, *models.Participant, *models.Participant) {
	t.Helper()
	s := &models.Session{ID: "s-1", State: models.SessionCreated, CreatedAt: now, ExpiresAt: now.Add(time.Hour)}
	a := &models.Participant{ID: "p-a", Role: models.RoleA, InviteHash: "ha"}
	b := &models.Participant{ID: "p-b", Role: models.RoleB, InviteHash: "hb"}
	require.NoError(t, m.CreateSession(context.Background(), s, []*models.Participant{a, b}))
	return s, a, b
}

func addFile(t *testing.T, m *MemoryStore, id, participantID string, now time.Time) {
	t.Helper()
	require.NoError(t, m.CreateFile(context.Background(), &models.FileRecord{
		ID: id, SessionID: "s-1", ParticipantID: participantID, StorageKey: "k/" + id,
		Filename: id + ".txt", SizeBytes: 10, Status: models.FileUploading, CreatedAt: now,
	}))
}

func readyFile(t *testing.T, m *MemoryStore, id string, now time.Time) {
	t.Helper()
	ctx := context.Background()
	claimed, err := m.ClaimUpload(ctx, id, now)
	require.NoError(t, err)
	require.True(t, claimed)
	ok, err := m.MarkScanning(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = m.MarkReady(ctx, id, models.ScanResult{Clean: true}, nil, now)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestMemorySessionLifecycle(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	m := NewMemoryStore()
	_, a, b := seedSession(t, m, now)

	byInvite, err := m.GetParticipantByInvite(ctx, "s-1", "hb")
	require.NoError(t, err)
	assert.Equal(t, models.RoleB, byInvite.Role)

	addFile(t, m, "f-a", a.ID, now)
	addFile(t, m, "f-b", b.ID, now)
	readyFile(t, m, "f-a", now)

	ok, err := m.MarkSessionReady(ctx, "s-1", now)
	require.NoError(t, err)
	assert.False(t, ok, "one ready file is not enough")

	readyFile(t, m, "f-b", now)
	ok, err = m.MarkSessionReady(ctx, "s-1", now)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = m.MarkSessionReady(ctx, "s-1", now)
	require.NoError(t, err)
	assert.False(t, ok, "second readiness transition is a no-op")

	set, err := m.MarkAccepted(ctx, a.ID, now)
	require.NoError(t, err)
	assert.True(t, set)
	set, err = m.MarkAccepted(ctx, a.ID, now)
	require.NoError(t, err)
	assert.False(t, set)

	out, err := m.ReleaseIfAccepted(ctx, "s-1", now)
	require.NoError(t, err)
	assert.Equal(t, ReleaseOutcome{State: models.SessionReady, AcceptedCount: 1}, out)

	_, err = m.MarkAccepted(ctx, b.ID, now)
	require.NoError(t, err)
	out, err = m.ReleaseIfAccepted(ctx, "s-1", now)
	require.NoError(t, err)
	assert.True(t, out.Released)
	assert.Equal(t, models.SessionReleased, out.State)

	out, err = m.ReleaseIfAccepted(ctx, "s-1", now)
	require.NoError(t, err)
	assert.False(t, out.Released)
	assert.Equal(t, 2, out.AcceptedCount)

	cancelled, err := m.CancelSession(ctx, "s-1")
	require.NoError(t, err)
	assert.False(t, cancelled, "released sessions cannot be cancelled")
}

func TestMemoryOneLiveFilePerParticipant(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	m := NewMemoryStore()
	_, a, _ := seedSession(t, m, now)

	addFile(t, m, "f-1", a.ID, now)
	err := m.CreateFile(ctx, &models.FileRecord{ID: "f-2", SessionID: "s-1", ParticipantID: a.ID})
	assert.ErrorIs(t, err, errs.ErrDuplicateFile)

	ok, err := m.DiscardFile(ctx, "f-1", now)
	require.NoError(t, err)
	assert.False(t, ok, "only blocked files can be discarded")

	ok, err = m.MarkBlocked(ctx, "f-1", models.ScanResult{Error: "fetch failed"}, now)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = m.DiscardFile(ctx, "f-1", now)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, m.CreateFile(ctx, &models.FileRecord{ID: "f-2", SessionID: "s-1", ParticipantID: a.ID}))
	files, err := m.ListFiles(ctx, "s-1")
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "f-2", files[0].ID)
}

func TestMemoryClaimUploadOnce(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	m := NewMemoryStore()
	_, a, _ := seedSession(t, m, now)
	addFile(t, m, "f-1", a.ID, now)

	first, err := m.ClaimUpload(ctx, "f-1", now)
	require.NoError(t, err)
	second, err := m.ClaimUpload(ctx, "f-1", now)
	require.NoError(t, err)
	assert.True(t, first)
	assert.False(t, second)

	_, err = m.ClaimUpload(ctx, "missing", now)
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestMemoryFileStatusIsMonotonic(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	m := NewMemoryStore()
	_, a, _ := seedSession(t, m, now)
	addFile(t, m, "f-1", a.ID, now)
	readyFile(t, m, "f-1", now)

	ok, err := m.MarkBlocked(ctx, "f-1", models.ScanResult{}, now)
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = m.MarkScanning(ctx, "f-1")
	require.NoError(t, err)
	assert.False(t, ok)

	f, err := m.GetFile(ctx, "f-1")
	require.NoError(t, err)
	assert.Equal(t, models.FileReady, f.Status)
}

func TestMemoryExpiry(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	m := NewMemoryStore()
	seedSession(t, m, now)

	ids, err := m.ListOverdue(ctx, now, 10)
	require.NoError(t, err)
	assert.Empty(t, ids)

	ok, err := m.ExpireSession(ctx, "s-1", now)
	require.NoError(t, err)
	assert.False(t, ok, "not yet due")

	later := now.Add(2 * time.Hour)
	ids, err = m.ListOverdue(ctx, later, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"s-1"}, ids)

	ok, err = m.ExpireSession(ctx, "s-1", later)
	require.NoError(t, err)
	assert.True(t, ok)

	s, err := m.GetSession(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, models.SessionExpired, s.State)
}

func TestMemoryRecordJoinOnce(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	m := NewMemoryStore()
	_, a, _ := seedSession(t, m, now)

	first, err := m.RecordJoin(ctx, a.ID, "10.0.0.1", "curl", now)
	require.NoError(t, err)
	assert.True(t, first)
	again, err := m.RecordJoin(ctx, a.ID, "10.0.0.2", "wget", now.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, again)

	p, err := m.GetParticipant(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1", p.IPAddress)
	assert.True(t, p.JoinedAt.Equal(now))
}

func TestMemoryReleaseRespectsExpiry(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	m := NewMemoryStore()
	_, a, b := seedSession(t, m, now)
	addFile(t, m, "f-a", a.ID, now)
	addFile(t, m, "f-b", b.ID, now)
	readyFile(t, m, "f-a", now)
	readyFile(t, m, "f-b", now)
	ok, err := m.MarkSessionReady(ctx, "s-1", now)
	require.NoError(t, err)
	require.True(t, ok)
	for _, p := range []string{a.ID, b.ID} {
		_, err := m.MarkAccepted(ctx, p, now)
		require.NoError(t, err)
	}

	out, err := m.ReleaseIfAccepted(ctx, "s-1", now.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, out.Released)
	assert.Equal(t, models.SessionReady, out.State)
}
