package authorization

import (
	"fmt"
	"time"

	"github.com/goliatone/go-openbanking/core"
)

type Status string

const (
	StatusCreated                   Status = "created"
	StatusPushed                    Status = "pushed"
	StatusAwaitingUserAuthorization Status = "awaiting_user_authorization"
	StatusCodeReceived              Status = "code_received"
	StatusTokenExchanged            Status = "token_exchanged"
	StatusCompleted                 Status = "completed"
	StatusFailed                    Status = "failed"
	StatusExpired                   Status = "expired"
)

// ReasonSuperseded marks a session replaced by a newer Initiate for the same
// client and consent.
const ReasonSuperseded = "superseded"

var transitions = map[Status][]Status{
	StatusCreated:                   {StatusPushed, StatusFailed, StatusExpired},
	StatusPushed:                    {StatusAwaitingUserAuthorization, StatusCodeReceived, StatusFailed, StatusExpired},
	StatusAwaitingUserAuthorization: {StatusCodeReceived, StatusFailed, StatusExpired},
	StatusCodeReceived:              {StatusTokenExchanged, StatusFailed},
	StatusTokenExchanged:            {StatusCompleted, StatusFailed},
}

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusExpired
}

// Claimable reports whether a code may still be exchanged against a session
// in status s.
func (s Status) Claimable() bool {
	return s == StatusPushed || s == StatusAwaitingUserAuthorization
}

func (s Status) CanTransition(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Session is one pushed authorization request and its progress.
type Session struct {
	ID            string
	State         string
	PKCE          PKCEChallenge
	RequestURI    string
	ConsentID     string
	ClientID      string
	RedirectURI   string
	Scope         string
	BankID        string
	UserID        string
	Status        Status
	FailureReason string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	ExpiresAt     time.Time
}

// Transition moves the session to next or fails without changing it.
func (s *Session) Transition(next Status, now time.Time) error {
	if !s.Status.CanTransition(next) {
		kind := core.ErrorKindInternal
		if s.Status.Terminal() {
			kind = core.ErrorKindSessionConsumed
		}
		return core.NewErrorWithMetadata(
			kind,
			nil,
			fmt.Sprintf("authorization: session cannot move from %s to %s", s.Status, next),
			map[string]any{"session_id": s.ID, "from": string(s.Status), "to": string(next)},
		)
	}
	s.Status = next
	s.UpdatedAt = now
	return nil
}

// Fail moves a live session to Failed with reason. Terminal sessions are left
// as they are.
func (s *Session) Fail(reason string, now time.Time) {
	if s.Status.Terminal() {
		return
	}
	s.Status = StatusFailed
	s.FailureReason = reason
	s.UpdatedAt = now
}

// ExpiredAt reports whether the session lifetime has passed at now.
func (s Session) ExpiredAt(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}
