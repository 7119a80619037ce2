package security

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/goliatone/go-openbanking/core"
)

// SecureStore is the persistence capability behind the vault. It only ever
// sees sealed envelopes. Get reports absence with ok=false, and Delete of an
// absent key is not an error.
type SecureStore interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context) ([]string, error)
}

// MemoryStore keeps envelopes in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: map[string][]byte{}}
}

func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, core.WrapError(core.ErrorKindKeystoreUnavailable, err, "security: memory store get")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.entries[strings.TrimSpace(key)]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), value...), true, nil
}

func (s *MemoryStore) Put(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return core.WrapError(core.ErrorKindKeystoreUnavailable, err, "security: memory store put")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.entries == nil {
		s.entries = map[string][]byte{}
	}
	s.entries[strings.TrimSpace(key)] = append([]byte(nil), value...)
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return core.WrapError(core.ErrorKindKeystoreUnavailable, err, "security: memory store delete")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, strings.TrimSpace(key))
	return nil
}

func (s *MemoryStore) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, core.WrapError(core.ErrorKindKeystoreUnavailable, err, "security: memory store keys")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.entries))
	for key := range s.entries {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

var _ SecureStore = (*MemoryStore)(nil)
