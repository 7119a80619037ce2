// Package redisstore keeps vault envelopes and throttle state in Redis.
package redisstore

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/goliatone/go-openbanking/core"
	"github.com/goliatone/go-openbanking/security"
	"github.com/redis/go-redis/v9"
)

const DefaultPrefix = "openbanking:vault:"

const scanBatch = 100

// Store is a SecureStore over a Redis keyspace. Every entry lives under
// prefix so Keys and DeleteAll never touch foreign keys.
type Store struct {
	client redis.UniversalClient
	prefix string
}

type Option func(*Store)

func WithPrefix(prefix string) Option {
	return func(s *Store) {
		if trimmed := strings.TrimSpace(prefix); trimmed != "" {
			s.prefix = trimmed
		}
	}
}

func New(client redis.UniversalClient, opts ...Option) (*Store, error) {
	if client == nil {
		return nil, core.NewError(core.ErrorKindConfiguration, "redisstore: client is required")
	}
	store := &Store{client: client, prefix: DefaultPrefix}
	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}
	return store, nil
}

// Dial builds a single-node client for addr.
func Dial(addr string, password string, db int, opts ...Option) (*Store, error) {
	if strings.TrimSpace(addr) == "" {
		return nil, core.NewError(core.ErrorKindConfiguration, "redisstore: addr is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return New(client, opts...)
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	value, err := s.client.Get(ctx, s.entryKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, unavailable(err, "get")
	}
	return value, true, nil
}

func (s *Store) Put(ctx context.Context, key string, value []byte) error {
	if err := s.client.Set(ctx, s.entryKey(key), value, 0).Err(); err != nil {
		return unavailable(err, "put")
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.entryKey(key)).Err(); err != nil {
		return unavailable(err, "delete")
	}
	return nil
}

func (s *Store) Keys(ctx context.Context) ([]string, error) {
	seen := map[string]struct{}{}
	var cursor uint64
	for {
		batch, next, err := s.client.Scan(ctx, cursor, s.prefix+"*", scanBatch).Result()
		if err != nil {
			return nil, unavailable(err, "keys")
		}
		for _, raw := range batch {
			seen[strings.TrimPrefix(raw, s.prefix)] = struct{}{}
		}
		if next == 0 {
			break
		}
		cursor = next
	}
	keys := make([]string, 0, len(seen))
	for key := range seen {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

// Ping reports whether the backend is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return unavailable(err, "ping")
	}
	return nil
}

func (s *Store) entryKey(key string) string {
	return s.prefix + strings.TrimSpace(key)
}

func unavailable(err error, operation string) error {
	return core.WrapError(core.ErrorKindKeystoreUnavailable, err, "redisstore: "+operation)
}

var _ security.SecureStore = (*Store)(nil)
