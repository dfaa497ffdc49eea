package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionTransitions(t *testing.T) {
	cases := []struct {
		from, to SessionState
		ok       bool
	}{
		{SessionCreated, SessionReady, true},
		{SessionCreated, SessionReleased, false},
		{SessionReady, SessionReleased, true},
		{SessionReady, SessionCreated, false},
		{SessionCreated, SessionCancelled, true},
		{SessionReady, SessionExpired, true},
		{SessionReleased, SessionCancelled, false},
		{SessionCancelled, SessionExpired, false},
		{SessionExpired, SessionReady, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.ok, tc.from.CanTransition(tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestSessionTerminalStates(t *testing.T) {
	assert.False(t, SessionCreated.IsTerminal())
	assert.False(t, SessionReady.IsTerminal())
	assert.True(t, SessionReleased.IsTerminal())
	assert.True(t, SessionCancelled.IsTerminal())
	assert.True(t, SessionExpired.IsTerminal())
}

func TestParseSessionState(t *testing.T) {
	st, err := ParseSessionState("ready")
	require.NoError(t, err)
	assert.Equal(t, SessionReady, st)

	_, err = ParseSessionState("accepted")
	assert.Error(t, err)
}

func TestSessionOverdue(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	s := &Session{State: SessionReady, ExpiresAt: now}
	assert.True(t, s.Overdue(now))
	assert.False(t, s.Overdue(now.Add(-time.Second)))

	s.State = SessionReleased
	assert.False(t, s.Overdue(now.Add(time.Hour)))
}

func TestRolePeer(t *testing.T) {
	assert.Equal(t, RoleB, RoleA.Peer())
	assert.Equal(t, RoleA, RoleB.Peer())

	_, err := ParseRole("C")
	assert.Error(t, err)
}

func TestFileTransitions(t *testing.T) {
	assert.True(t, FileUploading.CanTransition(FileScanning))
	assert.True(t, FileUploading.CanTransition(FileBlocked))
	assert.False(t, FileUploading.CanTransition(FileReady))
	assert.True(t, FileScanning.CanTransition(FileReady))
	assert.False(t, FileReady.CanTransition(FileBlocked))
	assert.False(t, FileBlocked.CanTransition(FileScanning))
	assert.True(t, FileBlocked.IsFinal())
}

func TestFileMimeTypePrefersDetected(t *testing.T) {
	f := &FileRecord{DeclaredMimeType: "image/png"}
	assert.Equal(t, "image/png", f.MimeType())
	f.DetectedMimeType = "application/x-msdownload"
	assert.Equal(t, "application/x-msdownload", f.MimeType())
}

func TestScanResultReason(t *testing.T) {
	assert.Equal(t, "Eicar-Test-Signature", ScanResult{Detail: "Eicar-Test-Signature"}.Reason())
	assert.Equal(t, "fetch: timeout", ScanResult{Error: "fetch: timeout", Detail: "x"}.Reason())
	assert.Equal(t, "infected", ScanResult{}.Reason())
	assert.Empty(t, ScanResult{Clean: true}.Reason())
}

func TestEventAudience(t *testing.T) {
	assert.True(t, Event{Type: EventCancelled}.For(RoleA))
	assert.True(t, Event{Type: EventReleased, Audience: RoleA}.For(RoleA))
	assert.False(t, Event{Type: EventReleased, Audience: RoleA}.For(RoleB))
}
