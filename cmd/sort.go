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

	"github.com/endomorphosis/ccpointers/pkg/paths"
	"github.com/endomorphosis/ccpointers/pkg/pointerstore"
	"github.com/endomorphosis/ccpointers/pkg/sortshard"
)

// sortCommand re-sorts pointer shards already written by ingestCommand,
// standalone from ingestion so a stalled or interrupted sort pass can be
// re-run without re-parsing CDXJ input.
func sortCommand(flagSources flagSourcesFn) *cli.Command {
	return &cli.Command{
		Name:  "sort",
		Usage: "Sort unsorted pointer shards by (host_rev, url, timestamp)",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "parquet-root",
				Usage:   "Root directory of the pointer-shard parquet tree",
				Sources: flagSources("sort.parquet-root", "CCPOINTERS_PARQUET_ROOT"),
			},
			&cli.StringSliceFlag{
				Name:    "collections",
				Usage:   "Collection names whose shards should be (re-)sorted",
				Sources: flagSources("sort.collections", "CCPOINTERS_SORT_COLLECTIONS"),
			},
			&cli.IntFlag{
				Name:    "workers",
				Usage:   "Number of shards sorted concurrently",
				Value:   1,
				Sources: flagSources("sort.workers", "CCPOINTERS_SORT_WORKERS"),
			},
			&cli.Float64Flag{
				Name:    "memory-per-worker-gb",
				Usage:   "Memory budget per sort worker, used to size in-memory sort chunks",
				Value:   1,
				Sources: flagSources("sort.memory-per-worker-gb", "CCPOINTERS_SORT_MEMORY_PER_WORKER_GB"),
			},
			&cli.StringFlag{
				Name:    "temp-dir",
				Usage:   "Directory for spilled sort-merge chunk files; empty uses each shard's own directory",
				Sources: flagSources("sort.temp-dir", "CCPOINTERS_SORT_TEMP_DIR"),
			},
		},
		Action: sortAction(),
	}
}

func sortAction() cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) error {
		logger := zerolog.Ctx(ctx).With().Str("cmd", "sort").Logger()
		ctx = logger.WithContext(ctx)

		ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
		defer stop()

		parquetRoot := cmd.String("parquet-root")
		if parquetRoot == "" {
			parquetRoot = "./parquet"
		}

		layout := paths.Layout{ParquetRoot: parquetRoot}

		collections := cmd.StringSlice("collections")
		if len(collections) == 0 {
			return withExitCode(errNoCollectionsSelected, exitUsage)
		}

		workers := cmd.Int("workers")
		if workers < 1 {
			workers = 1
		}

		memPerWorkerGB := cmd.Float64("memory-per-worker-gb")
		tempDir := cmd.String("temp-dir")

		sem := semaphore.NewWeighted(workers)
		g, ctx := errgroup.WithContext(ctx)

		var sorted int

		for _, collection := range collections {
			collection := collection

			shards, err := unsortedShards(layout, collection)
			if err != nil {
				return withExitCode(err, exitIncomplete)
			}

			for _, shard := range shards {
				shard := shard

				if err := sem.Acquire(ctx, 1); err != nil {
					return withExitCode(err, exitInterrupted)
				}

				sorted++

				g.Go(func() error {
					defer sem.Release(1)

					srcPath := layout.ParquetShard(collection, shard)
					dstPath := layout.SortedParquetShard(collection, shard)

					opts := sortshard.Options{
						ChunkRows:          sortshard.RowsForMemory(memPerWorkerGB),
						TempDir:            tempDir,
						RowGroupTargetRows: pointerstore.DefaultRowGroupTargetRows,
					}

					_, err := sortshard.Sort(ctx, srcPath, dstPath, opts)
					if err != nil {
						return fmt.Errorf("sort: error sorting %q: %w", srcPath, err)
					}

					return nil
				})
			}
		}

		if err := g.Wait(); err != nil {
			if errors.Is(err, context.Canceled) {
				return withExitCode(err, exitInterrupted)
			}

			return withExitCode(err, exitIncomplete)
		}

		logger.Info().Int("shards_sorted", sorted).Msg("sort complete")

		return nil
	}
}

// errNoCollectionsSelected is returned when sortCommand is invoked
// without at least one --collections entry; unlike ingest/validate, sort
// has no ccindex-root to discover collections from, so it cannot fall
// back to a directory scan.
var errNoCollectionsSelected = errors.New("sort: --collections is required")

// unsortedShards lists every ".parquet" shard (excluding already-sorted
// ".sorted.parquet" outputs) present under a collection's pointer tree.
func unsortedShards(layout paths.Layout, collection string) ([]string, error) {
	dir := shardDirFor(layout, collection)

	entries, err := readDirNames(dir)
	if err != nil {
		return nil, err
	}

	var shards []string

	for _, name := range entries {
		if len(name) > len(".sorted.parquet") &&
			name[len(name)-len(".sorted.parquet"):] == ".sorted.parquet" {
			continue
		}

		if len(name) > len(".parquet") && name[len(name)-len(".parquet"):] == ".parquet" {
			shards = append(shards, name[:len(name)-len(".parquet")])
		}
	}

	return shards, nil
}
