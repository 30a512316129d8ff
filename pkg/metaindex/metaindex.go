// Package metaindex implements C7: the three-level meta-index
// (collection → year → master) that lets the resolver enumerate
// candidate collections for a domain without opening every
// per-collection registry. The key/value schema_version table is
// adapted from the teacher's pkg/config key/value pattern, folded
// directly into this package instead of pulled in as a separate
// generated-querier dependency.
package metaindex

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SchemaVersion is bumped whenever a column is added to one of this
// package's tables; adding a column is a schema-version bump, never an
// in-place edit (spec.md §4.7).
const SchemaVersion = 1

const configDDL = `
CREATE TABLE IF NOT EXISTS config (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
)`

const collectionRegistryDDL = `
CREATE TABLE IF NOT EXISTS collection_registry (
	collection    TEXT PRIMARY KEY,
	db_path       TEXT NOT NULL,
	domain_count  BIGINT NOT NULL,
	file_count    BIGINT NOT NULL,
	indexed_at    BIGINT NOT NULL
)`

const yearRegistryDDL = `
CREATE TABLE IF NOT EXISTS year_registry (
	year               TEXT PRIMARY KEY,
	db_path            TEXT NOT NULL,
	collection_count   BIGINT NOT NULL,
	total_domains      BIGINT NOT NULL,
	total_files        BIGINT NOT NULL,
	indexed_at         BIGINT NOT NULL
)`

const collectionSummaryDDL = `
CREATE TABLE IF NOT EXISTS collection_summary (
	collection         TEXT PRIMARY KEY,
	year               TEXT NOT NULL,
	year_db_path       TEXT NOT NULL,
	collection_db_path TEXT NOT NULL,
	domain_count       BIGINT NOT NULL,
	file_count         BIGINT NOT NULL,
	indexed_at         BIGINT NOT NULL
)`

// CollectionRegistryRow mirrors collection_registry, written by the
// build-meta pass and read by search when it is given a year registry.
type CollectionRegistryRow struct {
	Collection  string
	DBPath      string
	DomainCount int64
	FileCount   int64
	IndexedAt   int64
}

// YearRegistryRow mirrors year_registry, read by BuildMaster.
type YearRegistryRow struct {
	Year            string
	DBPath          string
	CollectionCount int64
	TotalDomains    int64
	TotalFiles      int64
	IndexedAt       int64
}

// CollectionSummaryRow mirrors collection_summary, the denormalized
// master-level row that lets a domain query enumerate candidate
// collections without opening any year DB (spec.md §4.7).
type CollectionSummaryRow struct {
	Collection       string
	Year             string
	YearDBPath       string
	CollectionDBPath string
	DomainCount      int64
	FileCount        int64
	IndexedAt        int64
}

// ensureSchema creates ddl and stamps the schema_version config row if
// absent.
func ensureSchema(ctx context.Context, db *sql.DB, ddl string) error {
	if _, err := db.ExecContext(ctx, configDDL); err != nil {
		return fmt.Errorf("metaindex: error creating config table: %w", err)
	}

	if _, err := db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("metaindex: error creating schema: %w", err)
	}

	return stampSchemaVersion(ctx, db)
}

func stampSchemaVersion(ctx context.Context, db *sql.DB) error {
	var existing string

	row := db.QueryRowContext(ctx, `SELECT value FROM config WHERE key = 'schema_version'`)

	switch err := row.Scan(&existing); {
	case err == sql.ErrNoRows:
		_, err := db.ExecContext(ctx,
			`INSERT INTO config (key, value) VALUES ('schema_version', ?)`, fmt.Sprint(SchemaVersion))

		return err
	case err != nil:
		return fmt.Errorf("metaindex: error reading schema_version: %w", err)
	default:
		return nil
	}
}

// CollectionLevel is the per-year registry: one row per collection in
// that year.
type CollectionLevel struct {
	db *sql.DB
}

// OpenCollectionLevel opens (creating if needed) a year-level registry.
func OpenCollectionLevel(ctx context.Context, db *sql.DB) (*CollectionLevel, error) {
	if err := ensureSchema(ctx, db, collectionRegistryDDL); err != nil {
		return nil, err
	}

	return &CollectionLevel{db: db}, nil
}

// Register upserts a collection's row in this year's registry, the
// "BuildYear" pass in spec.md §4.7.
func (l *CollectionLevel) Register(ctx context.Context, row CollectionRegistryRow) error {
	row.IndexedAt = time.Now().UTC().Unix()

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("metaindex: error starting transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM collection_registry WHERE collection = ?`, row.Collection); err != nil {
		return fmt.Errorf("metaindex: error clearing collection_registry for %q: %w", row.Collection, err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO collection_registry (collection, db_path, domain_count, file_count, indexed_at)
		 VALUES (?, ?, ?, ?, ?)`,
		row.Collection, row.DBPath, row.DomainCount, row.FileCount, row.IndexedAt)
	if err != nil {
		return fmt.Errorf("metaindex: error registering collection %q: %w", row.Collection, err)
	}

	return tx.Commit()
}

// All returns every registered collection, ordered by name.
func (l *CollectionLevel) All(ctx context.Context) ([]CollectionRegistryRow, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT collection, db_path, domain_count, file_count, indexed_at
		   FROM collection_registry ORDER BY collection`)
	if err != nil {
		return nil, fmt.Errorf("metaindex: error listing collection_registry: %w", err)
	}
	defer rows.Close()

	var out []CollectionRegistryRow

	for rows.Next() {
		var r CollectionRegistryRow
		if err := rows.Scan(&r.Collection, &r.DBPath, &r.DomainCount, &r.FileCount, &r.IndexedAt); err != nil {
			return nil, fmt.Errorf("metaindex: error scanning collection_registry row: %w", err)
		}

		out = append(out, r)
	}

	return out, rows.Err()
}

// YearLevel is the master registry: one row per year on disk.
type YearLevel struct {
	db *sql.DB
}

// OpenYearLevel opens (creating if needed) the master registry.
func OpenYearLevel(ctx context.Context, db *sql.DB) (*YearLevel, error) {
	if err := ensureSchema(ctx, db, yearRegistryDDL); err != nil {
		return nil, err
	}

	if _, err := db.ExecContext(ctx, collectionSummaryDDL); err != nil {
		return nil, fmt.Errorf("metaindex: error creating collection_summary: %w", err)
	}

	return &YearLevel{db: db}, nil
}

// RegisterYear upserts a year's row in the master registry.
func (m *YearLevel) RegisterYear(ctx context.Context, row YearRegistryRow) error {
	row.IndexedAt = time.Now().UTC().Unix()

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("metaindex: error starting transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM year_registry WHERE year = ?`, row.Year); err != nil {
		return fmt.Errorf("metaindex: error clearing year_registry for %q: %w", row.Year, err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO year_registry (year, db_path, collection_count, total_domains, total_files, indexed_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		row.Year, row.DBPath, row.CollectionCount, row.TotalDomains, row.TotalFiles, row.IndexedAt)
	if err != nil {
		return fmt.Errorf("metaindex: error registering year %q: %w", row.Year, err)
	}

	return tx.Commit()
}

// RegisterCollectionSummary upserts a collection's denormalized summary
// row at the master level, built during the "BuildMaster" pass.
func (m *YearLevel) RegisterCollectionSummary(ctx context.Context, row CollectionSummaryRow) error {
	row.IndexedAt = time.Now().UTC().Unix()

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("metaindex: error starting transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM collection_summary WHERE collection = ?`, row.Collection); err != nil {
		return fmt.Errorf("metaindex: error clearing collection_summary for %q: %w", row.Collection, err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO collection_summary
			(collection, year, year_db_path, collection_db_path, domain_count, file_count, indexed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		row.Collection, row.Year, row.YearDBPath, row.CollectionDBPath, row.DomainCount, row.FileCount, row.IndexedAt)
	if err != nil {
		return fmt.Errorf("metaindex: error registering collection summary %q: %w", row.Collection, err)
	}

	return tx.Commit()
}

// Years returns every registered year, ordered ascending.
func (m *YearLevel) Years(ctx context.Context) ([]YearRegistryRow, error) {
	rows, err := m.db.QueryContext(ctx,
		`SELECT year, db_path, collection_count, total_domains, total_files, indexed_at
		   FROM year_registry ORDER BY year`)
	if err != nil {
		return nil, fmt.Errorf("metaindex: error listing year_registry: %w", err)
	}
	defer rows.Close()

	var out []YearRegistryRow

	for rows.Next() {
		var r YearRegistryRow
		if err := rows.Scan(&r.Year, &r.DBPath, &r.CollectionCount, &r.TotalDomains, &r.TotalFiles, &r.IndexedAt); err != nil {
			return nil, fmt.Errorf("metaindex: error scanning year_registry row: %w", err)
		}

		out = append(out, r)
	}

	return out, rows.Err()
}

// CollectionSummaries returns collection_summary rows, optionally
// filtered to a single year, ordered by collection name (the resolver's
// traversal order, spec.md §4.8).
func (m *YearLevel) CollectionSummaries(ctx context.Context, year string) ([]CollectionSummaryRow, error) {
	query := `SELECT collection, year, year_db_path, collection_db_path, domain_count, file_count, indexed_at
	            FROM collection_summary`

	args := []any{}
	if year != "" {
		query += ` WHERE year = ?`

		args = append(args, year)
	}

	query += ` ORDER BY collection`

	rows, err := m.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("metaindex: error listing collection_summary: %w", err)
	}
	defer rows.Close()

	var out []CollectionSummaryRow

	for rows.Next() {
		var r CollectionSummaryRow
		if err := rows.Scan(&r.Collection, &r.Year, &r.YearDBPath, &r.CollectionDBPath,
			&r.DomainCount, &r.FileCount, &r.IndexedAt); err != nil {
			return nil, fmt.Errorf("metaindex: error scanning collection_summary row: %w", err)
		}

		out = append(out, r)
	}

	return out, rows.Err()
}
