// Package database opens the SQL-backed registries used by C4 (ingest
// ledger) and C7 (collection/year/master meta-index): a thin,
// dialect-detecting wrapper adapted from the teacher's pkg/database, but
// hand-written against database/sql instead of sqlc-generated code since
// every registry here is a handful of simple tables.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/XSAM/otelsql"
	"github.com/go-sql-driver/mysql"
	semconv "go.opentelemetry.io/otel/semconv/v1.27.0"

	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver
	_ "github.com/mattn/go-sqlite3"    // SQLite driver
)

// Type identifies which SQL dialect a registry URL resolves to.
type Type uint8

const (
	TypeUnknown Type = iota
	TypeMySQL
	TypePostgreSQL
	TypeSQLite
)

// ErrUnsupportedDriver is returned for a database URL whose scheme isn't
// one of sqlite/sqlite3, mysql, postgres/postgresql.
var ErrUnsupportedDriver = errors.New("database: unsupported driver")

// ErrInvalidPostgresUnixURL is returned if a postgres+unix:// URL is
// missing its socket directory or database name.
var ErrInvalidPostgresUnixURL = errors.New("database: invalid postgres unix socket URL")

// DetectFromDatabaseURL inspects a registry URL's scheme to pick a dialect.
func DetectFromDatabaseURL(dbURL string) (Type, error) {
	u, err := url.Parse(dbURL)
	if err != nil {
		return TypeUnknown, fmt.Errorf("database: error parsing URL %q: %w", dbURL, err)
	}

	switch strings.ToLower(u.Scheme) {
	case "mysql":
		return TypeMySQL, nil
	case "postgres", "postgresql":
		return TypePostgreSQL, nil
	case "sqlite", "sqlite3":
		return TypeSQLite, nil
	default:
		if strings.Contains(strings.ToLower(u.Scheme), "postgres") {
			return TypePostgreSQL, nil
		}

		return TypeUnknown, fmt.Errorf("%w: %q", ErrUnsupportedDriver, u.Scheme)
	}
}

func (t Type) String() string {
	switch t {
	case TypeMySQL:
		return "MySQL"
	case TypePostgreSQL:
		return "PostgreSQL"
	case TypeSQLite:
		return "SQLite"
	default:
		return "unknown"
	}
}

// PoolConfig holds connection-pool settings. A nil *PoolConfig means "use
// the dialect's defaults".
type PoolConfig struct {
	MaxOpenConns int
	MaxIdleConns int
}

// Open opens an OTel-instrumented *sql.DB for a registry URL, applying the
// per-dialect defaults the teacher's pkg/database uses: SQLite is pinned
// to a single connection to avoid "database is locked" errors under the
// one-writer-per-artifact model in spec.md §5, MySQL/PostgreSQL get
// higher pool limits since a meta-index server backend may be shared.
func Open(dbURL string, poolCfg *PoolConfig) (*sql.DB, Type, error) {
	typ, err := DetectFromDatabaseURL(dbURL)
	if err != nil {
		return nil, TypeUnknown, err
	}

	var sdb *sql.DB

	switch typ {
	case TypeSQLite:
		sdb, err = openSQLite(dbURL, poolCfg)
	case TypeMySQL:
		sdb, err = openMySQL(dbURL, poolCfg)
	case TypePostgreSQL:
		sdb, err = openPostgreSQL(dbURL, poolCfg)
	case TypeUnknown:
		fallthrough
	default:
		return nil, TypeUnknown, ErrUnsupportedDriver
	}

	if err != nil {
		return nil, typ, fmt.Errorf("database: error opening %q: %w", dbURL, err)
	}

	return sdb, typ, nil
}

func applyPoolSettings(sdb *sql.DB, poolCfg *PoolConfig, defaultMaxOpen, defaultMaxIdle int) {
	maxOpen, maxIdle := defaultMaxOpen, defaultMaxIdle

	if poolCfg != nil {
		if poolCfg.MaxOpenConns > 0 {
			maxOpen = poolCfg.MaxOpenConns
		}

		if poolCfg.MaxIdleConns > 0 {
			maxIdle = poolCfg.MaxIdleConns
		}
	}

	if maxOpen > 0 {
		sdb.SetMaxOpenConns(maxOpen)
	}

	if maxIdle > 0 {
		sdb.SetMaxIdleConns(maxIdle)
	}
}

func openSQLite(dbURL string, poolCfg *PoolConfig) (*sql.DB, error) {
	u, err := url.Parse(dbURL)
	if err != nil {
		return nil, err
	}

	sdb, err := otelsql.Open("sqlite3", u.Path, otelsql.WithAttributes(semconv.DBSystemSqlite))
	if err != nil {
		return nil, err
	}

	if _, err := sdb.ExecContext(context.Background(), "PRAGMA foreign_keys = ON"); err != nil {
		return nil, fmt.Errorf("database: error enabling foreign keys: %w", err)
	}

	// SQLite requires a single connection under concurrent writers; the
	// registries here are each owned by exactly one collection worker at
	// a time anyway (spec.md §5).
	sdb.SetMaxOpenConns(1)

	if poolCfg != nil && poolCfg.MaxIdleConns > 0 {
		sdb.SetMaxIdleConns(poolCfg.MaxIdleConns)
	}

	return sdb, nil
}

func openPostgreSQL(dbURL string, poolCfg *PoolConfig) (*sql.DB, error) {
	processed, err := parsePostgreSQLURL(dbURL)
	if err != nil {
		return nil, err
	}

	sdb, err := otelsql.Open("pgx", processed, otelsql.WithAttributes(semconv.DBSystemPostgreSQL))
	if err != nil {
		return nil, err
	}

	applyPoolSettings(sdb, poolCfg, 25, 5)

	return sdb, nil
}

func parsePostgreSQLURL(dbURL string) (string, error) {
	u, err := url.Parse(dbURL)
	if err != nil {
		return "", err
	}

	scheme := strings.ToLower(u.Scheme)
	if strings.Contains(scheme, "+unix") {
		socketDir, dbName := path.Split(u.Path)
		if dbName == "" {
			return "", fmt.Errorf("%w: missing database name in path: %s", ErrInvalidPostgresUnixURL, dbURL)
		}

		if socketDir == "" {
			return "", fmt.Errorf("%w: missing socket directory in path: %s", ErrInvalidPostgresUnixURL, dbURL)
		}

		socketDir = path.Clean(socketDir)

		u.Path = "/" + dbName
		q := u.Query()
		q.Set("host", socketDir)
		u.RawQuery = q.Encode()
	}

	if strings.Contains(scheme, "+") {
		switch {
		case strings.HasPrefix(scheme, "postgresql"):
			u.Scheme = "postgresql"
		case strings.HasPrefix(scheme, "postgres"):
			u.Scheme = "postgres"
		}
	}

	return u.String(), nil
}

func openMySQL(dbURL string, poolCfg *PoolConfig) (*sql.DB, error) {
	cfg, err := parseMySQLConfig(dbURL)
	if err != nil {
		return nil, err
	}

	sdb, err := otelsql.Open("mysql", cfg.FormatDSN(), otelsql.WithAttributes(semconv.DBSystemMySQL))
	if err != nil {
		return nil, err
	}

	applyPoolSettings(sdb, poolCfg, 25, 5)

	return sdb, nil
}

func parseMySQLConfig(dbURL string) (*mysql.Config, error) {
	u, err := url.Parse(dbURL)
	if err != nil {
		return nil, err
	}

	dsn := strings.TrimPrefix(dbURL, u.Scheme+"://")

	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("database: error parsing mysql DSN: %w", err)
	}

	cfg.ParseTime = true

	return cfg, nil
}
