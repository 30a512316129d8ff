// Package ingest implements the per-shard driver that ties the CDXJ
// parser (C2), the pointer store writer (C3), and the ingest ledger (C4)
// together, enforcing the one rule that matters most for crash safety: a
// shard's ledger row is written only after its pointer store writer has
// closed successfully. A crash between those two steps leaves no ledger
// row, so the next run reprocesses the shard instead of believing a
// half-published file is done.
package ingest

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"

	"github.com/endomorphosis/ccpointers/pkg/cdxj"
	"github.com/endomorphosis/ccpointers/pkg/ledger"
	"github.com/endomorphosis/ccpointers/pkg/paths"
	"github.com/endomorphosis/ccpointers/pkg/pointerstore"
	"github.com/endomorphosis/ccpointers/pkg/progress"
)

// Options configures a shard ingest run.
type Options struct {
	// ChanSize bounds the record channel between the decoder and the
	// writer. Defaults to pointerstore.DefaultBatchRows.
	ChanSize int

	WriterOptions pointerstore.Options
}

func (o *Options) applyDefaults() {
	if o.ChanSize <= 0 {
		o.ChanSize = pointerstore.DefaultBatchRows
	}
}

// Result summarizes a completed shard ingest.
type Result struct {
	Shard       string
	RowsWritten int
	Skipped     bool
}

// Shard parses one CDXJ shard and publishes its pointer store output,
// recording the ledger entry only once the writer has closed
// successfully. If the ledger already carries an entry for this exact
// shard (same path, size, and mtime), Shard does nothing and returns
// Skipped=true, so a resumed ingest never reprocesses finished work.
func Shard(ctx context.Context, layout paths.Layout, l *ledger.Ledger, journal *progress.Journal, collection, shard string, opts Options) (Result, error) {
	opts.applyDefaults()

	log := zerolog.Ctx(ctx).With().Str("collection", collection).Str("shard", shard).Logger()

	srcPath := layout.SourceShard(collection, shard)

	info, err := os.Stat(srcPath)
	if err != nil {
		return Result{Shard: shard}, fmt.Errorf("ingest: error statting %q: %w", srcPath, err)
	}

	already, err := l.AlreadyIngested(ctx, srcPath, info.Size(), info.ModTime().UnixNano())
	if err != nil {
		return Result{Shard: shard}, fmt.Errorf("ingest: error checking ledger for %q: %w", srcPath, err)
	}

	if already {
		log.Debug().Msg("shard already ingested, skipping")

		return Result{Shard: shard, Skipped: true}, nil
	}

	shardKey := paths.ShardKey(collection, shard)

	if err := journal.Advance(shardKey, func(s *progress.Snapshot) {
		s.Collection = collection
		s.Shard = shard
		s.Stage = progress.StageParsing
	}); err != nil {
		return Result{Shard: shard}, err
	}

	f, err := os.Open(srcPath)
	if err != nil {
		return Result{Shard: shard}, fmt.Errorf("ingest: error opening %q: %w", srcPath, err)
	}

	dec, err := cdxj.NewDecoder(f, collection, shard)
	if err != nil {
		f.Close()

		return Result{Shard: shard}, fmt.Errorf("ingest: error opening decoder for %q: %w", srcPath, err)
	}
	defer dec.Close()

	outPath := layout.ParquetShard(collection, shard)

	w, err := pointerstore.New(outPath, opts.WriterOptions)
	if err != nil {
		return Result{Shard: shard}, fmt.Errorf("ingest: error opening writer for %q: %w", outPath, err)
	}

	recCh, errCh := dec.Records(ctx, opts.ChanSize)

	var rowsParsed int64

	for rec := range recCh {
		if err := w.Write(rec); err != nil {
			w.Abort()

			return Result{Shard: shard}, fmt.Errorf("ingest: error writing record to %q: %w", outPath, err)
		}

		rowsParsed++

		if rowsParsed%int64(opts.ChanSize) == 0 {
			if err := journal.Advance(shardKey, func(s *progress.Snapshot) {
				s.RowsParsed = rowsParsed
				s.BytesRead = info.Size()
			}); err != nil {
				log.Warn().Err(err).Msg("error advancing progress journal mid-shard")
			}
		}
	}

	if err := <-errCh; err != nil {
		w.Abort()

		return Result{Shard: shard}, fmt.Errorf("ingest: error decoding %q: %w", srcPath, err)
	}

	if err := w.Close(); err != nil {
		return Result{Shard: shard}, fmt.Errorf("ingest: error closing writer for %q: %w", outPath, err)
	}

	totalRows := w.Rows()

	// The writer is now durably published. Only now is it safe to record
	// the ledger entry: a crash before this point leaves no ledger row,
	// so the shard gets reprocessed rather than skipped next run.
	if err := l.Record(ctx, srcPath, info.Size(), info.ModTime().UnixNano(), int64(totalRows)); err != nil {
		return Result{Shard: shard}, fmt.Errorf("ingest: error recording ledger entry for %q: %w", srcPath, err)
	}

	if err := journal.Advance(shardKey, func(s *progress.Snapshot) {
		s.Stage = progress.StageWritten
		s.RowsParsed = int64(totalRows)
		s.BytesRead = info.Size()
	}); err != nil {
		log.Warn().Err(err).Msg("error advancing progress journal after shard completion")
	}

	log.Info().Int("rows", totalRows).Msg("shard ingested")

	return Result{Shard: shard, RowsWritten: totalRows}, nil
}

// Collection ingests every shard name in shards, in order, stopping at
// the first hard error. Shards already recorded in the ledger are
// skipped. The caller is responsible for listing shards (see
// pkg/validator.DiscoverCollections for the directory-scan convention)
// and for advancing the collection-level progress snapshot to
// progress.StageIngested once every shard has been written and sorted.
func Collection(ctx context.Context, layout paths.Layout, l *ledger.Ledger, journal *progress.Journal, collection string, shards []string, opts Options) ([]Result, error) {
	results := make([]Result, 0, len(shards))

	for _, shard := range shards {
		select {
		case <-ctx.Done():
			return results, ctx.Err()
		default:
		}

		res, err := Shard(ctx, layout, l, journal, collection, shard, opts)
		if err != nil {
			return results, err
		}

		results = append(results, res)
	}

	return results, nil
}
