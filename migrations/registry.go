// Package migrations exposes the embedded SQL schema for the sql store, one
// tree per supported dialect.
package migrations

import (
	"context"
	"fmt"
	"io/fs"
	"path"
	"slices"
	"strings"

	openbanking "github.com/goliatone/go-openbanking"
)

type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

const rootPath = "data/sql/migrations"

// ParseDialect maps a database/sql driver name, or one of its common
// aliases, to the migration dialect.
func ParseDialect(driver string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "postgres", "postgresql", "pg", "pgx":
		return DialectPostgres, nil
	case "sqlite", "sqlite3":
		return DialectSQLite, nil
	default:
		return "", fmt.Errorf("migrations: unsupported driver %q", driver)
	}
}

// Source is the migration tree for one dialect.
type Source struct {
	Dialect  Dialect
	Path     string
	FS       fs.FS
	Versions []string
}

// RegisterFunc hands a source to the migration runner, usually
// persistence.Client.RegisterSQLMigrations.
type RegisterFunc func(ctx context.Context, source Source) error

type Option func(*options)

type options struct {
	root fs.FS
}

// WithRoot reads migrations from root instead of the embedded tree. root may
// hold data/sql/migrations or be the migrations directory itself.
func WithRoot(root fs.FS) Option {
	return func(o *options) {
		if root != nil {
			o.root = root
		}
	}
}

// Load resolves every dialect tree and checks that each version ships both
// directions and that the dialects carry the same versions.
func Load(opts ...Option) (map[Dialect]Source, error) {
	cfg := options{root: openbanking.GetMigrationsFS()}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	base, basePath, err := resolveRoot(cfg.root)
	if err != nil {
		return nil, err
	}
	sqliteFS, err := fs.Sub(base, "sqlite")
	if err != nil {
		return nil, fmt.Errorf("migrations: resolve sqlite tree: %w", err)
	}

	sources := map[Dialect]Source{
		DialectPostgres: {Dialect: DialectPostgres, Path: basePath, FS: base},
		DialectSQLite:   {Dialect: DialectSQLite, Path: path.Join(basePath, "sqlite"), FS: sqliteFS},
	}
	for dialect, source := range sources {
		versions, err := versionsOf(source)
		if err != nil {
			return nil, err
		}
		source.Versions = versions
		sources[dialect] = source
	}
	if !slices.Equal(sources[DialectPostgres].Versions, sources[DialectSQLite].Versions) {
		return nil, fmt.Errorf(
			"migrations: dialects disagree on versions: postgres %v, sqlite %v",
			sources[DialectPostgres].Versions,
			sources[DialectSQLite].Versions,
		)
	}
	return sources, nil
}

// Register loads the tree for dialect and passes it to register.
func Register(ctx context.Context, dialect Dialect, register RegisterFunc, opts ...Option) (Source, error) {
	if register == nil {
		return Source{}, fmt.Errorf("migrations: register function is required")
	}
	sources, err := Load(opts...)
	if err != nil {
		return Source{}, err
	}
	source, ok := sources[dialect]
	if !ok {
		return Source{}, fmt.Errorf("migrations: unknown dialect %q", dialect)
	}
	if err := register(ctx, source); err != nil {
		return source, fmt.Errorf("migrations: register %s (%s): %w", dialect, source.Path, err)
	}
	return source, nil
}

func resolveRoot(root fs.FS) (fs.FS, string, error) {
	if sub, err := fs.Sub(root, rootPath); err == nil {
		if _, statErr := fs.Stat(sub, "."); statErr == nil {
			if matches, _ := fs.Glob(sub, "*.up.sql"); len(matches) > 0 {
				return sub, rootPath, nil
			}
		}
	}
	if matches, _ := fs.Glob(root, "*.up.sql"); len(matches) > 0 {
		return root, ".", nil
	}
	return nil, "", fmt.Errorf("migrations: no %s tree with *.up.sql files", rootPath)
}

// versionsOf lists the version prefixes of source, sorted, and fails when an
// up migration has no matching down migration or the reverse.
func versionsOf(source Source) ([]string, error) {
	ups, err := fs.Glob(source.FS, "*.up.sql")
	if err != nil {
		return nil, fmt.Errorf("migrations: glob %s: %w", source.Path, err)
	}
	downs, err := fs.Glob(source.FS, "*.down.sql")
	if err != nil {
		return nil, fmt.Errorf("migrations: glob %s: %w", source.Path, err)
	}
	if len(ups) == 0 {
		return nil, fmt.Errorf("migrations: %s tree %q has no *.up.sql files", source.Dialect, source.Path)
	}

	names := map[string]int{}
	for _, name := range ups {
		names[strings.TrimSuffix(name, ".up.sql")]++
	}
	for _, name := range downs {
		names[strings.TrimSuffix(name, ".down.sql")]--
	}
	versions := make([]string, 0, len(names))
	for name, balance := range names {
		if balance != 0 {
			return nil, fmt.Errorf("migrations: %s migration %q is missing its up or down file", source.Dialect, name)
		}
		version, _, _ := strings.Cut(name, "_")
		versions = append(versions, version)
	}
	slices.Sort(versions)
	return versions, nil
}
