// Package resolver implements C8: turning a domain query into the set of
// pointer records across every collection that could hold it, walking the
// meta-index chain (master -> year -> collection) and each collection's
// domain_shards / row_group_segments registries before ever opening a
// parquet shard.
package resolver

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/endomorphosis/ccpointers/pkg/golomb"
	"github.com/endomorphosis/ccpointers/pkg/lock"
	"github.com/endomorphosis/ccpointers/pkg/metaindex"
	"github.com/endomorphosis/ccpointers/pkg/paths"
	"github.com/endomorphosis/ccpointers/pkg/pointer"
	"github.com/endomorphosis/ccpointers/pkg/pointerstore"
	"github.com/endomorphosis/ccpointers/pkg/revdomain"
	"github.com/endomorphosis/ccpointers/pkg/rowgroupindex"
)

// OpenFunc opens a sqlite/mysql/postgres handle to dbPath, matching the
// pluggable dialect story in pkg/database used throughout ingest (C4) and
// indexing (C6, C7).
type OpenFunc func(ctx context.Context, dbPath string) (*sql.DB, error)

// indexLockRetry governs retries against a collection's row-group index
// while a concurrent indexing run holds its writer lock, using the same
// RetryConfig/CalculateBackoff machinery as the distributed lock backends.
var indexLockRetry = lock.RetryConfig{
	MaxAttempts:  5,
	InitialDelay: 50 * time.Millisecond,
	MaxDelay:     2 * time.Second,
	Jitter:       false,
}

// Match is one resolved pointer record plus the shard coordinates it was
// found at, returned to callers that need to dispatch range fetches (C9).
type Match struct {
	Collection     string
	ParquetRelpath string
	RowGroup       int
	Record         pointer.Record
}

// Resolver answers domain queries by walking the meta-index chain rooted
// at a master registry DB.
type Resolver struct {
	layout paths.Layout
	open   OpenFunc
	locker lock.RWLocker

	filterCache map[string]*golomb.Filter
}

// New builds a Resolver. locker guards concurrent access to a
// collection's row-group index DB while a C6 indexing pass is rewriting
// it; a local in-process RWLocker is sufficient unless multiple hosts
// share the same index tree, in which case a redis-backed RWLocker
// should be supplied instead.
func New(layout paths.Layout, open OpenFunc, locker lock.RWLocker) *Resolver {
	return &Resolver{
		layout:      layout,
		open:        open,
		locker:      locker,
		filterCache: make(map[string]*golomb.Filter),
	}
}

// Resolve returns every pointer record across all collections whose
// host_rev equals or descends from host's reverse-domain key, in
// collection-name order and then shard/row order within a collection
// (spec.md §4.8, invariant 4).
func (r *Resolver) Resolve(ctx context.Context, host string) ([]Match, error) {
	hostRev := revdomain.RevHost(host)
	if hostRev == "" {
		return nil, nil
	}

	masterPath := r.layout.MasterDB()

	masterDB, err := r.open(ctx, masterPath)
	if err != nil {
		return nil, fmt.Errorf("resolver: error opening master registry %q: %w", masterPath, err)
	}
	defer masterDB.Close()

	yearLevel, err := metaindex.OpenYearLevel(ctx, masterDB)
	if err != nil {
		return nil, fmt.Errorf("resolver: error opening master registry: %w", err)
	}

	summaries, err := yearLevel.CollectionSummaries(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("resolver: error listing collections: %w", err)
	}

	var out []Match

	for _, summary := range summaries {
		matches, err := r.resolveInCollection(ctx, summary.Collection, hostRev)
		if err != nil {
			return nil, fmt.Errorf("resolver: error resolving %q in %q: %w", host, summary.Collection, err)
		}

		out = append(out, matches...)
	}

	return out, nil
}

// resolveInCollection opens one collection's row-group index, checks its
// negative-lookup filter, then walks matching shards.
func (r *Resolver) resolveInCollection(ctx context.Context, collection, hostRev string) ([]Match, error) {
	dbPath := r.layout.CollectionDB(collection)

	lockKey := "rowgroupindex:" + collection

	if err := r.lockForRead(ctx, lockKey); err != nil {
		return nil, err
	}
	defer func() { _ = r.locker.RUnlock(ctx, lockKey) }()

	db, err := r.open(ctx, dbPath)
	if err != nil {
		zerolog.Ctx(ctx).Debug().Err(err).Str("collection", collection).
			Msg("resolver: collection registry missing, skipping")

		return nil, nil //nolint:nilerr // a missing per-collection DB just means no matches there
	}
	defer db.Close()

	ix, err := rowgroupindex.Open(ctx, db)
	if err != nil {
		return nil, fmt.Errorf("resolver: error opening row-group index for %q: %w", collection, err)
	}

	if filter, err := r.filterFor(ctx, collection, ix); err == nil && filter != nil {
		hit, ferr := filter.Lookup(hostRev)
		if ferr == nil && !hit {
			return nil, nil
		}
	}

	relpaths, err := ix.ShardsFor(ctx, hostRev)
	if err != nil {
		return nil, fmt.Errorf("resolver: error querying domain_shards for %q: %w", collection, err)
	}

	sort.Strings(relpaths)

	var out []Match

	for _, relpath := range relpaths {
		matches, err := r.resolveInShard(ctx, collection, ix, relpath, hostRev)
		if err != nil {
			return nil, err
		}

		out = append(out, matches...)
	}

	return out, nil
}

// filterFor builds (or reuses a process-lifetime cached) Golomb filter
// over every host_rev known in collection, the cheap prefilter ahead of
// the domain_shards query (spec.md §4.8).
func (r *Resolver) filterFor(ctx context.Context, collection string, ix *rowgroupindex.Indexer) (*golomb.Filter, error) {
	if f, ok := r.filterCache[collection]; ok {
		return f, nil
	}

	hostRevs, err := ix.AllHostRevs(ctx, collection)
	if err != nil {
		return nil, fmt.Errorf("resolver: error listing host_revs for %q: %w", collection, err)
	}

	if len(hostRevs) == 0 {
		return nil, nil
	}

	filter, err := golomb.BuildFilter(hostRevs, 0)
	if err != nil {
		return nil, fmt.Errorf("resolver: error building filter for %q: %w", collection, err)
	}

	r.filterCache[collection] = filter

	return filter, nil
}

// resolveInShard opens relpath's parquet shard, narrows to the row-group
// segments matching hostRev, and materializes the matching rows.
func (r *Resolver) resolveInShard(
	ctx context.Context, collection string, ix *rowgroupindex.Indexer, relpath, hostRev string,
) ([]Match, error) {
	segments, err := ix.SegmentsFor(ctx, relpath, hostRev)
	if err != nil {
		return nil, fmt.Errorf("resolver: error querying segments for %q: %w", relpath, err)
	}

	if len(segments) == 0 {
		return nil, nil
	}

	shardPath := filepath.Join(r.layout.ParquetRoot, relpath)

	reader, err := pointerstore.Open(shardPath)
	if err != nil {
		return nil, fmt.Errorf("resolver: error opening shard %q: %w", shardPath, err)
	}
	defer reader.Close()

	var out []Match

	for _, seg := range segments {
		rows, err := reader.Rows(seg.RowGroup)
		if err != nil {
			return nil, fmt.Errorf("resolver: error reading row group %d of %q: %w", seg.RowGroup, shardPath, err)
		}

		for i := seg.RGStart; i < seg.RGEnd && int(i) < len(rows); i++ {
			rec := rows[i]
			if !revdomain.Matches(rec.HostRev, hostRev) {
				continue
			}

			out = append(out, Match{
				Collection:     collection,
				ParquetRelpath: relpath,
				RowGroup:       seg.RowGroup,
				Record:         rec,
			})
		}
	}

	return out, nil
}

// lockForRead acquires a read lock on key, retrying with the same
// exponential-backoff schedule the distributed lock backends use
// internally, so a resolver racing an in-progress C6 index rewrite
// degrades to bounded retries rather than an immediate failure.
func (r *Resolver) lockForRead(ctx context.Context, key string) error {
	var lastErr error

	for attempt := 0; attempt < indexLockRetry.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(lock.CalculateBackoff(indexLockRetry, attempt)):
			}
		}

		if err := r.locker.RLock(ctx, key, indexLockRetry.MaxDelay); err != nil {
			lastErr = err

			continue
		}

		return nil
	}

	return fmt.Errorf("resolver: error acquiring read lock on %q after %d attempts: %w",
		key, indexLockRetry.MaxAttempts, lastErr)
}
