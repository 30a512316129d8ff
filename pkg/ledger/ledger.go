// Package ledger implements C4: the per-shard "already ingested" ledger
// that makes crash-during-ingest safe. A shard is recorded only after its
// writer (pkg/pointerstore) has durably closed and renamed its output;
// the ledger itself never sees a partial write.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const schemaDDL = `
CREATE TABLE IF NOT EXISTS ingest_ledger (
	shard_path  TEXT PRIMARY KEY,
	size_bytes  BIGINT NOT NULL,
	mtime_ns    BIGINT NOT NULL,
	ingested_at BIGINT NOT NULL,
	rows        BIGINT NOT NULL
)`

// Ledger wraps a *sql.DB holding the ingest_ledger table.
type Ledger struct {
	db *sql.DB
}

// Open creates the ingest_ledger table if needed and returns a Ledger
// bound to db. The caller owns db's lifecycle.
func Open(ctx context.Context, db *sql.DB) (*Ledger, error) {
	if _, err := db.ExecContext(ctx, schemaDDL); err != nil {
		return nil, fmt.Errorf("ledger: error creating schema: %w", err)
	}

	return &Ledger{db: db}, nil
}

// AlreadyIngested reports whether shardPath was already durably recorded
// with the given size and mtime. A size or mtime mismatch against a
// stale record is treated as "not ingested" so the shard is
// re-processed, matching invariant 1 in spec.md §8.
func (l *Ledger) AlreadyIngested(ctx context.Context, shardPath string, sizeBytes, mtimeNS int64) (bool, error) {
	var (
		gotSize  int64
		gotMtime int64
	)

	row := l.db.QueryRowContext(ctx,
		`SELECT size_bytes, mtime_ns FROM ingest_ledger WHERE shard_path = ?`, shardPath)

	switch err := row.Scan(&gotSize, &gotMtime); {
	case err == sql.ErrNoRows:
		return false, nil
	case err != nil:
		return false, fmt.Errorf("ledger: error querying %q: %w", shardPath, err)
	}

	return gotSize == sizeBytes && gotMtime == mtimeNS, nil
}

// Record idempotently (delete-then-insert, portable across sqlite,
// mysql, and postgres unlike a dialect-specific REPLACE/upsert) records a
// completed ingest of shardPath. Must only be called after the pointer
// shard has been durably committed.
func (l *Ledger) Record(ctx context.Context, shardPath string, sizeBytes, mtimeNS, rows int64) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("ledger: error starting transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM ingest_ledger WHERE shard_path = ?`, shardPath); err != nil {
		return fmt.Errorf("ledger: error clearing stale record for %q: %w", shardPath, err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO ingest_ledger (shard_path, size_bytes, mtime_ns, ingested_at, rows) VALUES (?, ?, ?, ?, ?)`,
		shardPath, sizeBytes, mtimeNS, time.Now().UTC().Unix(), rows)
	if err != nil {
		return fmt.Errorf("ledger: error recording %q: %w", shardPath, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("ledger: error committing record for %q: %w", shardPath, err)
	}

	return nil
}

// Count returns the number of shards recorded, used by the supervisor's
// completion detection ("ingest_ledger.count >= expected", spec.md §4.10).
func (l *Ledger) Count(ctx context.Context) (int64, error) {
	var n int64

	row := l.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM ingest_ledger`)
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("ledger: error counting: %w", err)
	}

	return n, nil
}
