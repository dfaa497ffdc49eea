package auth

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmdall/fileswap/internal/errs"
	"github.com/jmdall/fileswap/internal/models"
)

var secret = strings.Repeat("s", 32)

func newIssuer(t *testing.T, now *time.Time) *Issuer {
	t.Helper()
	iss, err := NewIssuer(secret, "", 48*time.Hour, 10*time.Minute)
	require.NoError(t, err)
	return iss.WithClock(func() time.Time { return *now })
}

func TestSessionTokenRoundTrip(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	iss := newIssuer(t, &now)

	p := &models.Participant{ID: "p-1", SessionID: "s-1", Role: models.RoleB}
	tok, exp, err := iss.IssueSession(p)
	require.NoError(t, err)
	assert.WithinDuration(t, now.Add(48*time.Hour), exp, 0)

	claims, err := iss.ParseSession(tok)
	require.NoError(t, err)
	assert.Equal(t, "p-1", claims.ParticipantID)
	assert.Equal(t, "s-1", claims.SessionID)
	assert.Equal(t, models.RoleB, claims.Role)
}

func TestSessionTokenExpires(t *testing.T) {
	now := time.Now()
	iss := newIssuer(t, &now)

	tok, _, err := iss.IssueSession(&models.Participant{ID: "p", SessionID: "s", Role: models.RoleA})
	require.NoError(t, err)

	now = now.Add(49 * time.Hour)
	_, err = iss.ParseSession(tok)
	assert.ErrorIs(t, err, errs.ErrUnauthorized)
}

func TestGrantExpiresAfterTenMinutes(t *testing.T) {
	now := time.Now().Truncate(time.Second)
	iss := newIssuer(t, &now)

	tok, exp, err := iss.IssueGrant("f-1", "s-1", "p-1")
	require.NoError(t, err)
	assert.Equal(t, 10*time.Minute, exp.Sub(now))

	now = now.Add(9 * time.Minute)
	claims, err := iss.ParseGrant(tok)
	require.NoError(t, err)
	assert.Equal(t, "f-1", claims.FileID)

	now = now.Add(2 * time.Minute)
	_, err = iss.ParseGrant(tok)
	assert.ErrorIs(t, err, errs.ErrUnauthorized)
}

func TestTokenKindsAreNotInterchangeable(t *testing.T) {
	now := time.Now()
	iss := newIssuer(t, &now)

	sessionTok, _, err := iss.IssueSession(&models.Participant{ID: "p", SessionID: "s", Role: models.RoleA})
	require.NoError(t, err)
	grantTok, _, err := iss.IssueGrant("f", "s", "p")
	require.NoError(t, err)

	_, err = iss.ParseGrant(sessionTok)
	assert.ErrorIs(t, err, errs.ErrUnauthorized)
	_, err = iss.ParseSession(grantTok)
	assert.ErrorIs(t, err, errs.ErrUnauthorized)
}

func TestRejectsForeignSignature(t *testing.T) {
	now := time.Now()
	iss := newIssuer(t, &now)
	other, err := NewIssuer(strings.Repeat("x", 32), "", time.Hour, time.Minute)
	require.NoError(t, err)

	tok, _, err := other.IssueSession(&models.Participant{ID: "p", SessionID: "s", Role: models.RoleA})
	require.NoError(t, err)
	_, err = iss.ParseSession(tok)
	assert.True(t, errors.Is(err, errs.ErrUnauthorized))
}

func TestRejectsNoneAlgorithm(t *testing.T) {
	now := time.Now()
	iss := newIssuer(t, &now)

	claims := SessionClaims{
		ParticipantID:    "p",
		SessionID:        "s",
		Role:             models.RoleA,
		RegisteredClaims: iss.registered(sessionAudience, time.Hour),
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = iss.ParseSession(tok)
	assert.ErrorIs(t, err, errs.ErrUnauthorized)
	_, err = iss.ParseSession("")
	assert.ErrorIs(t, err, errs.ErrUnauthorized)
}

func TestNewIssuerRequiresSecret(t *testing.T) {
	_, err := NewIssuer("", "", time.Hour, time.Minute)
	assert.Error(t, err)
}

func TestInviteTokens(t *testing.T) {
	a, err := NewInviteToken()
	require.NoError(t, err)
	b, err := NewInviteToken()
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
	assert.Len(t, a, 32)
	assert.Equal(t, HashInvite(a), HashInvite(a))
	assert.NotEqual(t, HashInvite(a), HashInvite(b))
	assert.Len(t, HashInvite(a), 64)
}
