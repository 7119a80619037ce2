package consent

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/goliatone/go-openbanking/core"
)

// Store persists the local view of consents.
type Store interface {
	Get(ctx context.Context, consentID string) (core.Consent, bool, error)
	Save(ctx context.Context, consent core.Consent) error
	Delete(ctx context.Context, consentID string) error
	ListByBank(ctx context.Context, bankID string) ([]core.Consent, error)
}

type MemoryStore struct {
	mu       sync.RWMutex
	consents map[string]core.Consent
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{consents: map[string]core.Consent{}}
}

func (s *MemoryStore) Get(ctx context.Context, consentID string) (core.Consent, bool, error) {
	if err := ctx.Err(); err != nil {
		return core.Consent{}, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	consent, ok := s.consents[strings.TrimSpace(consentID)]
	if !ok {
		return core.Consent{}, false, nil
	}
	return consent.Clone(), true, nil
}

func (s *MemoryStore) Save(ctx context.Context, consent core.Consent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	id := strings.TrimSpace(consent.ConsentID)
	if id == "" {
		return core.NewError(core.ErrorKindBadInput, "consent: consent id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.consents == nil {
		s.consents = map[string]core.Consent{}
	}
	s.consents[id] = consent.Clone()
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, consentID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.consents, strings.TrimSpace(consentID))
	return nil
}

func (s *MemoryStore) ListByBank(ctx context.Context, bankID string) ([]core.Consent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []core.Consent{}
	for _, consent := range s.consents {
		if bankID == "" || consent.BankID == bankID {
			out = append(out, consent.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ConsentID < out[j].ConsentID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
