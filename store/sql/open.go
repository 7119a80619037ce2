package sqlstore

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/goliatone/go-openbanking/core"
	"github.com/goliatone/go-openbanking/migrations"
	persistence "github.com/goliatone/go-persistence-bun"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/schema"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite3"
)

// OpenConfig selects the database backing the SQL stores.
type OpenConfig struct {
	Driver      string        `koanf:"driver" mapstructure:"driver"`
	DSN         string        `koanf:"dsn" mapstructure:"dsn"`
	Debug       bool          `koanf:"debug" mapstructure:"debug"`
	PingTimeout time.Duration `koanf:"ping_timeout" mapstructure:"ping_timeout"`
	// SkipMigrations leaves schema management to the host application.
	SkipMigrations bool `koanf:"skip_migrations" mapstructure:"skip_migrations"`
}

func (c OpenConfig) GetDebug() bool {
	return c.Debug
}

func (c OpenConfig) GetDriver() string {
	return c.Driver
}

func (c OpenConfig) GetServer() string {
	return c.DSN
}

func (c OpenConfig) GetPingTimeout() time.Duration {
	if c.PingTimeout <= 0 {
		return 5 * time.Second
	}
	return c.PingTimeout
}

func (c OpenConfig) GetOtelIdentifier() string {
	return "go-openbanking"
}

// Open connects a persistence client for cfg, applies the bundled migrations
// for its dialect and returns a factory over it. Close the returned client
// when done.
func Open(ctx context.Context, cfg OpenConfig) (*persistence.Client, *RepositoryFactory, error) {
	cfg.Driver = strings.ToLower(strings.TrimSpace(cfg.Driver))
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, nil, core.NewError(core.ErrorKindConfiguration, "sqlstore: dsn is required")
	}

	migrationDialect, err := migrations.ParseDialect(cfg.Driver)
	if err != nil {
		return nil, nil, core.WrapError(core.ErrorKindConfiguration, err, err.Error())
	}
	var dialect schema.Dialect
	switch migrationDialect {
	case migrations.DialectPostgres:
		cfg.Driver = DriverPostgres
		dialect = pgdialect.New()
	default:
		cfg.Driver = DriverSQLite
		dialect = sqlitedialect.New()
	}

	sqlDB, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, nil, core.WrapError(core.ErrorKindConfiguration, err, "sqlstore: open database")
	}
	if cfg.Driver == DriverSQLite {
		sqlDB.SetMaxOpenConns(1)
	}

	client, err := persistence.New(cfg, sqlDB, dialect)
	if err != nil {
		_ = sqlDB.Close()
		return nil, nil, core.WrapError(core.ErrorKindKeystoreUnavailable, err, "sqlstore: connect database")
	}

	if !cfg.SkipMigrations {
		_, err = migrations.Register(ctx, migrationDialect, func(_ context.Context, source migrations.Source) error {
			client.RegisterSQLMigrations(source.FS)
			return nil
		})
		if err == nil {
			err = client.Migrate(ctx)
		}
		if err != nil {
			_ = client.Close()
			return nil, nil, core.WrapError(core.ErrorKindKeystoreUnavailable, err, "sqlstore: migrate database")
		}
	}

	factory, err := NewRepositoryFactoryFromPersistence(client)
	if err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	return client, factory, nil
}
