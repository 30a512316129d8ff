// Package rowgroupindex implements C6: scanning a sorted pointer shard's
// host_rev column, row group by row group, and emitting the
// RowGroupSegment runs the resolver (C8) later binary-searches.
package rowgroupindex

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/endomorphosis/ccpointers/pkg/pointerstore"
	"github.com/endomorphosis/ccpointers/pkg/revdomain"
)

const schemaDDL = `
CREATE TABLE IF NOT EXISTS row_group_segments (
	parquet_relpath TEXT NOT NULL,
	row_group       INTEGER NOT NULL,
	host_rev        TEXT NOT NULL,
	start_row       BIGINT NOT NULL,
	end_row         BIGINT NOT NULL,
	rg_start        BIGINT NOT NULL,
	rg_end          BIGINT NOT NULL
)`

const indexDDL = `
CREATE INDEX IF NOT EXISTS idx_row_group_segments_lookup
	ON row_group_segments (parquet_relpath, host_rev)`

const domainShardsDDL = `
CREATE TABLE IF NOT EXISTS domain_shards (
	collection      TEXT NOT NULL,
	parquet_relpath TEXT NOT NULL,
	host_rev        TEXT NOT NULL,
	host            TEXT NOT NULL
)`

const domainShardsIndexDDL = `
CREATE INDEX IF NOT EXISTS idx_domain_shards_lookup
	ON domain_shards (host_rev, parquet_relpath)`

// Segment is a single contiguous run of identical host_rev values inside
// one row group of a sorted shard.
type Segment struct {
	ParquetRelpath string
	RowGroup       int
	HostRev        string
	StartRow       int64 // global row index within the shard, inclusive
	EndRow         int64 // global row index within the shard, exclusive
	RGStart        int64 // row index within the row group, inclusive
	RGEnd          int64 // row index within the row group, exclusive
}

// Indexer builds and persists RowGroupSegments for sorted shards into a
// per-collection SQL registry.
type Indexer struct {
	db *sql.DB
}

// Open creates the row_group_segments table if needed.
func Open(ctx context.Context, db *sql.DB) (*Indexer, error) {
	if _, err := db.ExecContext(ctx, schemaDDL); err != nil {
		return nil, fmt.Errorf("rowgroupindex: error creating schema: %w", err)
	}

	if _, err := db.ExecContext(ctx, indexDDL); err != nil {
		return nil, fmt.Errorf("rowgroupindex: error creating index: %w", err)
	}

	if _, err := db.ExecContext(ctx, domainShardsDDL); err != nil {
		return nil, fmt.Errorf("rowgroupindex: error creating domain_shards schema: %w", err)
	}

	if _, err := db.ExecContext(ctx, domainShardsIndexDDL); err != nil {
		return nil, fmt.Errorf("rowgroupindex: error creating domain_shards index: %w", err)
	}

	return &Indexer{db: db}, nil
}

// Compute scans a sorted shard's host_rev column and returns its
// RowGroupSegments, one per contiguous run per row group. Runs never
// cross a row-group boundary even if the same host_rev continues into
// the next row group (spec.md §4.6), and a null/empty host_rev breaks a
// run without emitting a segment of its own.
func Compute(relpath string, r *pointerstore.Reader) ([]Segment, error) {
	var segments []Segment

	var globalRow int64

	for rg := 0; rg < r.NumRowGroups(); rg++ {
		hostRevs, err := r.HostRevColumn(rg)
		if err != nil {
			return nil, fmt.Errorf("rowgroupindex: error reading row group %d of %q: %w", rg, relpath, err)
		}

		var (
			runStart    = -1
			runHostRev  string
			rgGlobalBeg = globalRow
		)

		closeRun := func(endIdx int) {
			if runStart < 0 {
				return
			}

			segments = append(segments, Segment{
				ParquetRelpath: relpath,
				RowGroup:       rg,
				HostRev:        runHostRev,
				StartRow:       rgGlobalBeg + int64(runStart),
				EndRow:         rgGlobalBeg + int64(endIdx),
				RGStart:        int64(runStart),
				RGEnd:          int64(endIdx),
			})
			runStart = -1
		}

		for i, hostRev := range hostRevs {
			if hostRev == "" {
				closeRun(i)

				continue
			}

			if runStart < 0 {
				runStart = i
				runHostRev = hostRev

				continue
			}

			if hostRev != runHostRev {
				closeRun(i)
				runStart = i
				runHostRev = hostRev
			}
		}

		closeRun(len(hostRevs))

		globalRow += int64(len(hostRevs))
	}

	return segments, nil
}

// Replace deletes any existing segments and domain_shards rows for
// relpath and inserts fresh ones in one transaction, the per-shard
// idempotency rule in spec.md §4.6. domain_shards is the coarse
// per-shard index the resolver's step 3 queries first, before it ever
// consults the fine-grained row_group_segments.
func (ix *Indexer) Replace(ctx context.Context, collection, relpath string, segments []Segment) error {
	tx, err := ix.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("rowgroupindex: error starting transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM row_group_segments WHERE parquet_relpath = ?`, relpath); err != nil {
		return fmt.Errorf("rowgroupindex: error clearing segments for %q: %w", relpath, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM domain_shards WHERE parquet_relpath = ?`, relpath); err != nil {
		return fmt.Errorf("rowgroupindex: error clearing domain_shards for %q: %w", relpath, err)
	}

	segStmt, err := tx.PrepareContext(ctx,
		`INSERT INTO row_group_segments
			(parquet_relpath, row_group, host_rev, start_row, end_row, rg_start, rg_end)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("rowgroupindex: error preparing segment insert: %w", err)
	}
	defer segStmt.Close()

	shardStmt, err := tx.PrepareContext(ctx,
		`INSERT INTO domain_shards (collection, parquet_relpath, host_rev, host) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("rowgroupindex: error preparing domain_shards insert: %w", err)
	}
	defer shardStmt.Close()

	seenHostRev := make(map[string]struct{}, len(segments))

	for _, seg := range segments {
		_, err := segStmt.ExecContext(ctx,
			seg.ParquetRelpath, seg.RowGroup, seg.HostRev, seg.StartRow, seg.EndRow, seg.RGStart, seg.RGEnd)
		if err != nil {
			return fmt.Errorf("rowgroupindex: error inserting segment for %q: %w", relpath, err)
		}

		if _, dup := seenHostRev[seg.HostRev]; dup {
			continue
		}

		seenHostRev[seg.HostRev] = struct{}{}

		if _, err := shardStmt.ExecContext(ctx, collection, relpath, seg.HostRev, revdomain.Reverse(seg.HostRev)); err != nil {
			return fmt.Errorf("rowgroupindex: error inserting domain_shards row for %q: %w", relpath, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("rowgroupindex: error committing segments for %q: %w", relpath, err)
	}

	return nil
}

// ShardsFor returns the distinct parquet_relpaths whose domain_shards
// entries match host_rev k (exactly, or as a comma-delimited descendant),
// ordered lexicographically as required by the resolver's ordering
// guarantee (spec.md §4.8).
func (ix *Indexer) ShardsFor(ctx context.Context, hostRevPrefix string) ([]string, error) {
	rows, err := ix.db.QueryContext(ctx,
		`SELECT DISTINCT parquet_relpath FROM domain_shards
		  WHERE host_rev = ? OR host_rev LIKE ?
		  ORDER BY parquet_relpath`,
		hostRevPrefix, hostRevPrefix+",%")
	if err != nil {
		return nil, fmt.Errorf("rowgroupindex: error querying domain_shards: %w", err)
	}
	defer rows.Close()

	var out []string

	for rows.Next() {
		var relpath string
		if err := rows.Scan(&relpath); err != nil {
			return nil, fmt.Errorf("rowgroupindex: error scanning domain_shards row: %w", err)
		}

		out = append(out, relpath)
	}

	return out, rows.Err()
}

// AllHostRevs returns every distinct host_rev known for collection, used
// by the resolver (C8) to build its per-collection negative-lookup filter
// (pkg/golomb.BuildFilter) and by the build-meta pass to count domains.
func (ix *Indexer) AllHostRevs(ctx context.Context, collection string) ([]string, error) {
	rows, err := ix.db.QueryContext(ctx,
		`SELECT DISTINCT host_rev FROM domain_shards WHERE collection = ?`, collection)
	if err != nil {
		return nil, fmt.Errorf("rowgroupindex: error querying host_revs for %q: %w", collection, err)
	}
	defer rows.Close()

	var out []string

	for rows.Next() {
		var hr string
		if err := rows.Scan(&hr); err != nil {
			return nil, fmt.Errorf("rowgroupindex: error scanning host_rev row: %w", err)
		}

		out = append(out, hr)
	}

	return out, rows.Err()
}

// AllRelpaths returns every distinct parquet_relpath known for
// collection, used by the build-meta pass to count indexed shard files
// without re-scanning the parquet tree.
func (ix *Indexer) AllRelpaths(ctx context.Context, collection string) ([]string, error) {
	rows, err := ix.db.QueryContext(ctx,
		`SELECT DISTINCT parquet_relpath FROM domain_shards WHERE collection = ?`, collection)
	if err != nil {
		return nil, fmt.Errorf("rowgroupindex: error querying relpaths for %q: %w", collection, err)
	}
	defer rows.Close()

	var out []string

	for rows.Next() {
		var relpath string
		if err := rows.Scan(&relpath); err != nil {
			return nil, fmt.Errorf("rowgroupindex: error scanning relpath row: %w", err)
		}

		out = append(out, relpath)
	}

	return out, rows.Err()
}

// SegmentsFor returns the persisted segments for relpath whose host_rev
// equals k or is a comma-delimited descendant of k ("k,%"), in row order.
func (ix *Indexer) SegmentsFor(ctx context.Context, relpath, hostRevPrefix string) ([]Segment, error) {
	rows, err := ix.db.QueryContext(ctx,
		`SELECT row_group, host_rev, start_row, end_row, rg_start, rg_end
		   FROM row_group_segments
		  WHERE parquet_relpath = ? AND (host_rev = ? OR host_rev LIKE ?)
		  ORDER BY row_group, start_row`,
		relpath, hostRevPrefix, hostRevPrefix+",%")
	if err != nil {
		return nil, fmt.Errorf("rowgroupindex: error querying segments for %q: %w", relpath, err)
	}
	defer rows.Close()

	var out []Segment

	for rows.Next() {
		var s Segment
		s.ParquetRelpath = relpath

		if err := rows.Scan(&s.RowGroup, &s.HostRev, &s.StartRow, &s.EndRow, &s.RGStart, &s.RGEnd); err != nil {
			return nil, fmt.Errorf("rowgroupindex: error scanning segment: %w", err)
		}

		out = append(out, s)
	}

	return out, rows.Err()
}
