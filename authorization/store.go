package authorization

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/goliatone/go-openbanking/core"
)

const (
	defaultMaxSessions      = 10000
	defaultSessionRetention = time.Hour
)

// SessionStore persists authorization sessions. Claim is the single-use gate:
// of any number of concurrent claims on one session exactly one succeeds.
type SessionStore interface {
	Save(ctx context.Context, session Session) error
	Get(ctx context.Context, id string) (Session, bool, error)
	FindByState(ctx context.Context, state string) (Session, bool, error)
	// FindActive returns the live session bound to consentID. An empty
	// clientID matches any client.
	FindActive(ctx context.Context, clientID string, consentID string) (Session, bool, error)
	Claim(ctx context.Context, id string, now time.Time) (Session, error)
	Sweep(ctx context.Context, now time.Time) (int, error)
}

type MemorySessionStore struct {
	mu         sync.Mutex
	maxEntries int
	retention  time.Duration
	sessions   map[string]Session
	byState    map[string]string
	byConsent  map[string]string
}

func NewMemorySessionStore() *MemorySessionStore {
	return NewMemorySessionStoreWithLimits(defaultMaxSessions)
}

// NewMemorySessionStoreWithLimits bounds the number of retained sessions.
// When full, the oldest terminal session is evicted first, then the oldest
// overall.
func NewMemorySessionStoreWithLimits(maxEntries int) *MemorySessionStore {
	if maxEntries <= 0 {
		maxEntries = defaultMaxSessions
	}
	return &MemorySessionStore{
		maxEntries: maxEntries,
		retention:  defaultSessionRetention,
		sessions:   map[string]Session{},
		byState:    map[string]string{},
		byConsent:  map[string]string{},
	}
}

// SetRetention sets how long terminal sessions are kept after their last
// update before Sweep drops them.
func (s *MemorySessionStore) SetRetention(retention time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if retention > 0 {
		s.retention = retention
	}
}

func (s *MemorySessionStore) Save(_ context.Context, session Session) error {
	if s == nil {
		return core.NewError(core.ErrorKindConfiguration, "authorization: session store is not configured")
	}
	session.ID = strings.TrimSpace(session.ID)
	if session.ID == "" {
		return core.NewError(core.ErrorKindBadInput, "authorization: session id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if previous, ok := s.sessions[session.ID]; ok {
		s.unindex(previous)
	} else if len(s.sessions) >= s.maxEntries {
		s.evictLocked()
	}
	s.sessions[session.ID] = session
	if session.State != "" {
		s.byState[session.State] = session.ID
	}
	if !session.Status.Terminal() && session.ConsentID != "" {
		s.byConsent[consentIndexKey(session.ClientID, session.ConsentID)] = session.ID
	}
	return nil
}

func (s *MemorySessionStore) Get(_ context.Context, id string) (Session, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[strings.TrimSpace(id)]
	return session, ok, nil
}

func (s *MemorySessionStore) FindByState(_ context.Context, state string) (Session, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byState[strings.TrimSpace(state)]
	if !ok {
		return Session{}, false, nil
	}
	session, ok := s.sessions[id]
	return session, ok, nil
}

func (s *MemorySessionStore) FindActive(_ context.Context, clientID string, consentID string) (Session, bool, error) {
	clientID = strings.TrimSpace(clientID)
	consentID = strings.TrimSpace(consentID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if clientID != "" {
		id, ok := s.byConsent[consentIndexKey(clientID, consentID)]
		if !ok {
			return Session{}, false, nil
		}
		session, ok := s.sessions[id]
		return session, ok && !session.Status.Terminal(), nil
	}
	var found Session
	for _, id := range s.byConsent {
		session := s.sessions[id]
		if session.ConsentID != consentID || session.Status.Terminal() {
			continue
		}
		if found.ID == "" || session.CreatedAt.After(found.CreatedAt) {
			found = session
		}
	}
	return found, found.ID != "", nil
}

// Claim moves a claimable session to CodeReceived. A missing or already used
// session fails with SessionConsumed; an expired one is marked Expired and
// fails with SessionExpired.
func (s *MemorySessionStore) Claim(_ context.Context, id string, now time.Time) (Session, error) {
	id = strings.TrimSpace(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[id]
	if !ok {
		return Session{}, core.NewErrorWithMetadata(
			core.ErrorKindSessionConsumed, nil, "authorization: session not found",
			map[string]any{"session_id": id},
		)
	}
	if session.Status == StatusExpired {
		return Session{}, sessionExpiredError(session)
	}
	if !session.Status.Claimable() {
		return Session{}, core.NewErrorWithMetadata(
			core.ErrorKindSessionConsumed, nil, "authorization: session already used",
			map[string]any{"session_id": id, "status": string(session.Status), "reason": session.FailureReason},
		)
	}
	if session.ExpiredAt(now) {
		_ = session.Transition(StatusExpired, now)
		s.sessions[id] = session
		s.unindex(session)
		return Session{}, sessionExpiredError(session)
	}
	if err := session.Transition(StatusCodeReceived, now); err != nil {
		return Session{}, err
	}
	s.sessions[id] = session
	return session, nil
}

// Sweep marks live sessions past their expiry as Expired and drops terminal
// sessions idle for longer than the retention window. Expired sessions stay
// reachable by state until dropped, so a late callback still reads as
// expired. It returns the number of sessions expired or dropped.
func (s *MemorySessionStore) Sweep(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := 0
	for id, session := range s.sessions {
		switch {
		case !session.Status.Terminal() && session.ExpiredAt(now):
			if err := session.Transition(StatusExpired, now); err != nil {
				// CodeReceived and TokenExchanged are mid-exchange and finish
				// or fail on their own.
				continue
			}
			s.sessions[id] = session
			s.unindex(session)
			changed++
		case session.Status.Terminal() && !now.Before(session.UpdatedAt.Add(s.retention)):
			s.drop(session)
			changed++
		}
	}
	return changed, nil
}

func (s *MemorySessionStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *MemorySessionStore) unindex(session Session) {
	key := consentIndexKey(session.ClientID, session.ConsentID)
	if s.byConsent[key] == session.ID {
		delete(s.byConsent, key)
	}
}

func (s *MemorySessionStore) evictLocked() {
	candidates := make([]Session, 0, len(s.sessions))
	for _, session := range s.sessions {
		candidates = append(candidates, session)
	}
	sort.Slice(candidates, func(i, j int) bool {
		left, right := candidates[i], candidates[j]
		if left.Status.Terminal() != right.Status.Terminal() {
			return left.Status.Terminal()
		}
		return left.CreatedAt.Before(right.CreatedAt)
	})
	if len(candidates) == 0 {
		return
	}
	s.drop(candidates[0])
}

func (s *MemorySessionStore) drop(session Session) {
	s.unindex(session)
	delete(s.sessions, session.ID)
	if session.State != "" && s.byState[session.State] == session.ID {
		delete(s.byState, session.State)
	}
}

func consentIndexKey(clientID string, consentID string) string {
	return strings.TrimSpace(clientID) + "|" + strings.TrimSpace(consentID)
}

func sessionExpiredError(session Session) error {
	return core.NewErrorWithMetadata(
		core.ErrorKindSessionExpired, nil, "authorization: session expired",
		map[string]any{"session_id": session.ID, "expires_at": session.ExpiresAt},
	)
}

var _ SessionStore = (*MemorySessionStore)(nil)
