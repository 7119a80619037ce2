package sqlstore

import (
	"fmt"

	"github.com/goliatone/go-openbanking/consent"
	"github.com/goliatone/go-openbanking/ratelimit"
	"github.com/goliatone/go-openbanking/security"
	persistence "github.com/goliatone/go-persistence-bun"
	repositorycache "github.com/goliatone/go-repository-cache/cache"
	"github.com/uptrace/bun"
)

// RepositoryFactory builds every SQL store over one bun database.
type RepositoryFactory struct {
	db *bun.DB

	secureStore         *SecureStore
	consentStore        *ConsentStore
	rateLimitStateStore *RateLimitStateStore
}

func NewRepositoryFactory() *RepositoryFactory {
	return &RepositoryFactory{}
}

func NewRepositoryFactoryFromPersistence(client *persistence.Client) (*RepositoryFactory, error) {
	factory := NewRepositoryFactory()
	if err := factory.BuildStores(client); err != nil {
		return nil, err
	}
	return factory, nil
}

func NewRepositoryFactoryFromDB(db *bun.DB) (*RepositoryFactory, error) {
	factory := NewRepositoryFactory()
	if err := factory.BuildStores(db); err != nil {
		return nil, err
	}
	return factory, nil
}

// BuildStores accepts a *bun.DB or anything exposing DB() *bun.DB.
func (f *RepositoryFactory) BuildStores(persistenceClient any) error {
	if f == nil {
		return fmt.Errorf("sqlstore: repository factory is nil")
	}
	if f.db == nil {
		db, err := resolveBunDB(persistenceClient)
		if err != nil {
			return err
		}
		f.db = db
	}
	if f.secureStore != nil && f.consentStore != nil && f.rateLimitStateStore != nil {
		return nil
	}
	return f.initStores()
}

func (f *RepositoryFactory) DB() *bun.DB {
	if f == nil {
		return nil
	}
	return f.db
}

func (f *RepositoryFactory) SecureStore() security.SecureStore {
	if f == nil || f.secureStore == nil {
		return nil
	}
	return f.secureStore
}

func (f *RepositoryFactory) ConsentStore() consent.Store {
	if f == nil || f.consentStore == nil {
		return nil
	}
	return f.consentStore
}

// CachedConsentStore wraps the consent store with cacheService.
func (f *RepositoryFactory) CachedConsentStore(cacheService repositorycache.CacheService) (consent.Store, error) {
	if f == nil || f.consentStore == nil {
		return nil, fmt.Errorf("sqlstore: consent store is not built")
	}
	return NewCachedConsentStore(f.consentStore, cacheService)
}

func (f *RepositoryFactory) RateLimitStateStore() ratelimit.StateStore {
	if f == nil || f.rateLimitStateStore == nil {
		return nil
	}
	return f.rateLimitStateStore
}

func (f *RepositoryFactory) initStores() error {
	secureStore, err := NewSecureStore(f.db)
	if err != nil {
		return err
	}
	consentStore, err := NewConsentStore(f.db)
	if err != nil {
		return err
	}
	rateLimitStateStore, err := NewRateLimitStateStore(f.db)
	if err != nil {
		return err
	}
	f.secureStore = secureStore
	f.consentStore = consentStore
	f.rateLimitStateStore = rateLimitStateStore
	return nil
}

func resolveBunDB(candidate any) (*bun.DB, error) {
	switch typed := candidate.(type) {
	case nil:
		return nil, fmt.Errorf("sqlstore: persistence client is required")
	case *bun.DB:
		return typed, nil
	case interface{ DB() *bun.DB }:
		db := typed.DB()
		if db == nil {
			return nil, fmt.Errorf("sqlstore: persistence client returned nil bun db")
		}
		return db, nil
	default:
		return nil, fmt.Errorf("sqlstore: unsupported persistence client type %T", candidate)
	}
}
