// Package auth mints and verifies the two token kinds of an exchange:
// session bearer tokens handed out at join, and download grants minted at release.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/jmdall/fileswap/internal/errs"
	"github.com/jmdall/fileswap/internal/models"
)

const (
	sessionAudience  = "fileswap-session"
	downloadAudience = "fileswap-download"
	issuer           = "fileswap"
)

type SessionClaims struct {
	ParticipantID string      `json:"participantId"`
	SessionID     string      `json:"sessionId"`
	Role          models.Role `json:"role"`
	jwt.RegisteredClaims
}

type GrantClaims struct {
	FileID        string `json:"fileId"`
	SessionID     string `json:"sessionId"`
	ParticipantID string `json:"participantId"`
	jwt.RegisteredClaims
}

// Issuer signs and verifies tokens. Session tokens and grants use separate keys
// and audiences, so one kind never verifies as the other.
type Issuer struct {
	sessionKey []byte
	grantKey   []byte
	sessionTTL time.Duration
	grantTTL   time.Duration
	now        func() time.Time
}

// NewIssuer builds an Issuer. An empty grantSecret derives the grant key from sessionSecret.
func NewIssuer(sessionSecret, grantSecret string, sessionTTL, grantTTL time.Duration) (*Issuer, error) {
	if sessionSecret == "" {
		return nil, errors.New("auth: session secret is empty")
	}
	grantKey := []byte(grantSecret)
	if grantSecret == "" {
		mac := hmac.New(sha256.New, []byte(sessionSecret))
		mac.Write([]byte(downloadAudience))
		grantKey = mac.Sum(nil)
	}
	return &Issuer{
		sessionKey: []byte(sessionSecret),
		grantKey:   grantKey,
		sessionTTL: sessionTTL,
		grantTTL:   grantTTL,
		now:        time.Now,
	}, nil
}

// WithClock replaces the time source, for tests.
func (i *Issuer) WithClock(now func() time.Time) *Issuer {
	i.now = now
	return i
}

func (i *Issuer) registered(aud string, ttl time.Duration) jwt.RegisteredClaims {
	now := i.now()
	return jwt.RegisteredClaims{
		Issuer:    issuer,
		Audience:  jwt.ClaimStrings{aud},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
}

// IssueSession mints the bearer token a participant uses for every session call.
func (i *Issuer) IssueSession(p *models.Participant) (string, time.Time, error) {
	claims := SessionClaims{
		ParticipantID:    p.ID,
		SessionID:        p.SessionID,
		Role:             p.Role,
		RegisteredClaims: i.registered(sessionAudience, i.sessionTTL),
	}
	claims.Subject = p.ID
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.sessionKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign session token: %w", err)
	}
	return signed, claims.ExpiresAt.Time, nil
}

// IssueGrant mints a short-lived claim that unlocks one file download.
func (i *Issuer) IssueGrant(fileID, sessionID, participantID string) (string, time.Time, error) {
	claims := GrantClaims{
		FileID:           fileID,
		SessionID:        sessionID,
		ParticipantID:    participantID,
		RegisteredClaims: i.registered(downloadAudience, i.grantTTL),
	}
	claims.Subject = fileID
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.grantKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign download grant: %w", err)
	}
	return signed, claims.ExpiresAt.Time, nil
}

func (i *Issuer) ParseSession(token string) (*SessionClaims, error) {
	claims := &SessionClaims{}
	if err := i.parse(token, claims, i.sessionKey, sessionAudience); err != nil {
		return nil, err
	}
	if claims.ParticipantID == "" || claims.SessionID == "" {
		return nil, errs.ErrUnauthorized
	}
	if _, err := models.ParseRole(string(claims.Role)); err != nil {
		return nil, errs.ErrUnauthorized
	}
	return claims, nil
}

func (i *Issuer) ParseGrant(token string) (*GrantClaims, error) {
	claims := &GrantClaims{}
	if err := i.parse(token, claims, i.grantKey, downloadAudience); err != nil {
		return nil, err
	}
	if claims.FileID == "" || claims.SessionID == "" {
		return nil, errs.ErrUnauthorized
	}
	return claims, nil
}

func (i *Issuer) parse(token string, claims jwt.Claims, key []byte, aud string) error {
	if token == "" {
		return errs.ErrUnauthorized
	}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(aud),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", errs.ErrUnauthorized, err)
	}
	return nil
}
