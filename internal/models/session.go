package models

import (
	"fmt"
	"time"
)

// SessionState is the lifecycle position of an exchange session.
type SessionState string

const (
	SessionCreated   SessionState = "created"
	SessionReady     SessionState = "ready"
	SessionReleased  SessionState = "released"
	SessionCancelled SessionState = "cancelled"
	SessionExpired   SessionState = "expired"
)

// sessionTransitions lists every legal forward edge. Anything absent is illegal.
var sessionTransitions = map[SessionState][]SessionState{
	SessionCreated: {SessionReady, SessionCancelled, SessionExpired},
	SessionReady:   {SessionReleased, SessionCancelled, SessionExpired},
}

func ParseSessionState(s string) (SessionState, error) {
	switch st := SessionState(s); st {
	case SessionCreated, SessionReady, SessionReleased, SessionCancelled, SessionExpired:
		return st, nil
	}
	return "", fmt.Errorf("unknown session state %q", s)
}

// IsTerminal reports whether no further transition is possible.
func (s SessionState) IsTerminal() bool {
	return s == SessionReleased || s == SessionCancelled || s == SessionExpired
}

func (s SessionState) CanTransition(to SessionState) bool {
	for _, next := range sessionTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

type Session struct {
	ID         string       `json:"id"`
	State      SessionState `json:"state"`
	CreatedBy  string       `json:"-"`
	CreatedAt  time.Time    `json:"createdAt"`
	ExpiresAt  time.Time    `json:"expiresAt"`
	ReleasedAt *time.Time   `json:"releasedAt,omitempty"`
}

// Overdue reports whether the session is still open but its TTL has passed.
func (s *Session) Overdue(now time.Time) bool {
	return !s.State.IsTerminal() && !now.Before(s.ExpiresAt)
}

// Role distinguishes the two parties of a session.
type Role string

const (
	RoleA Role = "A"
	RoleB Role = "B"
)

var Roles = []Role{RoleA, RoleB}

func ParseRole(s string) (Role, error) {
	switch r := Role(s); r {
	case RoleA, RoleB:
		return r, nil
	}
	return "", fmt.Errorf("unknown role %q", s)
}

// Peer returns the opposite role.
func (r Role) Peer() Role {
	if r == RoleA {
		return RoleB
	}
	return RoleA
}

type Participant struct {
	ID         string     `json:"id"`
	SessionID  string     `json:"sessionId"`
	Role       Role       `json:"role"`
	InviteHash string     `json:"-"`
	JoinedAt   *time.Time `json:"joinedAt,omitempty"`
	IPAddress  string     `json:"-"`
	UserAgent  string     `json:"-"`
	AcceptedAt *time.Time `json:"acceptedAt,omitempty"`
}

func (p *Participant) Accepted() bool { return p.AcceptedAt != nil }
