package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/endomorphosis/ccpointers/pkg/database"
	"github.com/endomorphosis/ccpointers/pkg/ingest"
	"github.com/endomorphosis/ccpointers/pkg/ledger"
	"github.com/endomorphosis/ccpointers/pkg/paths"
	"github.com/endomorphosis/ccpointers/pkg/pointerstore"
	"github.com/endomorphosis/ccpointers/pkg/progress"
	"github.com/endomorphosis/ccpointers/pkg/sortshard"
)

// ingestCommand parses every CDXJ shard of the selected collections,
// writes unsorted pointer shards, and sorts each one into its sorted
// sibling. pkg/ingest.Shard records the ingest ledger row as soon as the
// unsorted shard is published, before the sort runs.
func ingestCommand(flagSources flagSourcesFn) *cli.Command {
	return &cli.Command{
		Name:  "ingest",
		Usage: "Parse CDXJ shards into sorted pointer-index parquet shards",
		Flags: append(layoutFlags(flagSources),
			&cli.StringSliceFlag{
				Name:    "collections",
				Usage:   "Explicit collection names to ingest; overrides --filter",
				Sources: flagSources("ingest.collections", "CCPOINTERS_INGEST_COLLECTIONS"),
			},
			&cli.StringFlag{
				Name:    "filter",
				Usage:   "Regular expression selecting collections to ingest",
				Sources: flagSources("ingest.filter", "CCPOINTERS_INGEST_FILTER"),
			},
			&cli.IntFlag{
				Name:    "workers",
				Usage:   "Number of shards ingested concurrently",
				Value:   1,
				Sources: flagSources("ingest.workers", "CCPOINTERS_INGEST_WORKERS"),
			},
			&cli.IntFlag{
				Name:    "sort-workers",
				Usage:   "Number of shards sorted concurrently",
				Value:   1,
				Sources: flagSources("ingest.sort-workers", "CCPOINTERS_INGEST_SORT_WORKERS"),
			},
			&cli.Float64Flag{
				Name:    "sort-memory-per-worker-gb",
				Usage:   "Memory budget per sort worker, used to size in-memory sort chunks",
				Value:   1,
				Sources: flagSources("ingest.sort-memory-per-worker-gb", "CCPOINTERS_INGEST_SORT_MEMORY_PER_WORKER_GB"),
			},
			&cli.IntFlag{
				Name:    "batch-rows",
				Usage:   "Rows buffered per writer flush; 0 uses pointerstore's default",
				Sources: flagSources("ingest.batch-rows", "CCPOINTERS_INGEST_BATCH_ROWS"),
			},
			&cli.StringFlag{
				Name:    "parquet-compression",
				Usage:   "Pointer shard compression codec: zstd (the only one currently wired)",
				Value:   "zstd",
				Sources: flagSources("ingest.parquet-compression", "CCPOINTERS_INGEST_PARQUET_COMPRESSION"),
				Validator: func(v string) error {
					if v != "zstd" {
						return fmt.Errorf("%w: %q (only zstd is implemented by pkg/pointerstore)", errUnsupportedCompression, v)
					}

					return nil
				},
			},
		),
		Action: ingestAction(),
	}
}

// errUnsupportedCompression is returned for a --parquet-compression value
// pkg/pointerstore has no codec for. snappy/gzip are accepted at the
// design level but not wired: pointerstore.Writer only ever constructs a
// zstd codec, so honoring them here would silently ignore the flag.
var errUnsupportedCompression = errors.New("unsupported parquet compression")

func ingestAction() cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) error {
		logger := zerolog.Ctx(ctx).With().Str("cmd", "ingest").Logger()
		ctx = logger.WithContext(ctx)

		ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
		defer stop()

		layout := buildLayout(cmd)

		collections, err := collectionsForFilter(layout, cmd.StringSlice("collections"), cmd.String("filter"))
		if err != nil {
			return withExitCode(err, exitUsage)
		}

		workers := cmd.Int("workers")
		if workers < 1 {
			workers = 1
		}

		sortWorkers := cmd.Int("sort-workers")
		if sortWorkers < 1 {
			sortWorkers = 1
		}

		memPerWorkerGB := cmd.Float64("sort-memory-per-worker-gb")

		batchRows := int(cmd.Int("batch-rows"))

		journal, err := progress.Open(layout.ProgressDir)
		if err != nil {
			return withExitCode(err, exitIncomplete)
		}

		sem := semaphore.NewWeighted(workers)
		sortSem := semaphore.NewWeighted(sortWorkers)

		g, ctx := errgroup.WithContext(ctx)

		for _, collection := range collections {
			collection := collection

			shards, err := discoverShards(layout, collection)
			if err != nil {
				return withExitCode(err, exitIncomplete)
			}

			l, closeLedger, err := openCollectionLedger(ctx, layout, collection)
			if err != nil {
				return withExitCode(err, exitIncomplete)
			}
			defer closeLedger()

			for _, shard := range shards {
				shard := shard

				if err := sem.Acquire(ctx, 1); err != nil {
					return withExitCode(err, exitInterrupted)
				}

				g.Go(func() error {
					defer sem.Release(1)

					return ingestAndSortShard(ctx, layout, l, journal, collection, shard,
						ingestOpts(batchRows), sortSem, memPerWorkerGB)
				})
			}
		}

		if err := g.Wait(); err != nil {
			if errors.Is(err, context.Canceled) {
				return withExitCode(err, exitInterrupted)
			}

			return withExitCode(err, exitIncomplete)
		}

		logger.Info().Strs("collections", collections).Msg("ingest complete")

		return nil
	}
}

func ingestOpts(batchRows int) ingest.Options {
	var opts ingest.Options

	if batchRows > 0 {
		opts.ChanSize = batchRows
		opts.WriterOptions.BatchRows = batchRows
	}

	return opts
}

// openCollectionLedger opens the ingest ledger backed by the collection's
// SQL registry, the same file pkg/rowgroupindex later writes its
// row_group_segments/domain_shards tables into.
func openCollectionLedger(ctx context.Context, layout paths.Layout, collection string) (*ledger.Ledger, func(), error) {
	db, _, err := database.Open(sqliteDSN(layout.CollectionDB(collection)), nil)
	if err != nil {
		return nil, nil, fmt.Errorf("ingest: error opening registry for %q: %w", collection, err)
	}

	l, err := ledger.Open(ctx, db)
	if err != nil {
		db.Close()

		return nil, nil, err
	}

	return l, func() { db.Close() }, nil
}

// ingestAndSortShard runs C3/C4 (pkg/ingest.Shard) and then C5
// (pkg/sortshard.Sort) for one shard, bounded by sortSem so sorting never
// exceeds --sort-workers concurrent passes regardless of how many
// --workers are parsing shards in parallel.
func ingestAndSortShard(
	ctx context.Context, layout paths.Layout, l *ledger.Ledger, journal *progress.Journal,
	collection, shard string, opts ingest.Options, sortSem *semaphore.Weighted, memPerWorkerGB float64,
) error {
	res, err := ingest.Shard(ctx, layout, l, journal, collection, shard, opts)
	if err != nil {
		return err
	}

	if res.Skipped || res.RowsWritten == 0 {
		return nil
	}

	if err := sortSem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer sortSem.Release(1)

	srcPath := layout.ParquetShard(collection, shard)
	dstPath := layout.SortedParquetShard(collection, shard)

	sortOpts := sortshard.Options{
		ChunkRows:          sortshard.RowsForMemory(memPerWorkerGB),
		RowGroupTargetRows: pointerstore.DefaultRowGroupTargetRows,
	}

	if _, err := sortshard.Sort(ctx, srcPath, dstPath, sortOpts); err != nil {
		return fmt.Errorf("ingest: error sorting %q: %w", srcPath, err)
	}

	return journal.Advance(paths.ShardKey(collection, shard), func(s *progress.Snapshot) {
		s.Stage = progress.StageSorted
	})
}
