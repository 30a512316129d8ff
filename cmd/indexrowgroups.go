package cmd

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"

	"github.com/endomorphosis/ccpointers/pkg/database"
	"github.com/endomorphosis/ccpointers/pkg/pointerstore"
	"github.com/endomorphosis/ccpointers/pkg/rowgroupindex"
)

// indexRowgroupsCommand implements C6: scanning every sorted pointer
// shard under --parquet-root and persisting its row-group segments and
// domain_shards rows into --out-db.
func indexRowgroupsCommand(flagSources flagSourcesFn) *cli.Command {
	return &cli.Command{
		Name:  "index-rowgroups",
		Usage: "Build the row-group segment index for sorted pointer shards",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "parquet-root",
				Usage:    "Root directory of the pointer-shard parquet tree",
				Sources:  flagSources("index-rowgroups.parquet-root", "CCPOINTERS_PARQUET_ROOT"),
				Required: true,
			},
			&cli.StringFlag{
				Name:     "out-db",
				Usage:    "Path to the collection's SQL registry to write segments into",
				Sources:  flagSources("index-rowgroups.out-db", "CCPOINTERS_INDEX_ROWGROUPS_OUT_DB"),
				Required: true,
			},
			&cli.StringFlag{
				Name:    "collection",
				Usage:   "Collection name recorded against each domain_shards row",
				Sources: flagSources("index-rowgroups.collection", "CCPOINTERS_INDEX_ROWGROUPS_COLLECTION"),
			},
			&cli.StringSliceFlag{
				Name:    "only",
				Usage:   "Restrict indexing to these shard relpaths (relative to --parquet-root)",
				Sources: flagSources("index-rowgroups.only", "CCPOINTERS_INDEX_ROWGROUPS_ONLY"),
			},
		},
		Action: indexRowgroupsAction(),
	}
}

func indexRowgroupsAction() cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) error {
		logger := zerolog.Ctx(ctx).With().Str("cmd", "index-rowgroups").Logger()
		ctx = logger.WithContext(ctx)

		parquetRoot := cmd.String("parquet-root")
		outDB := cmd.String("out-db")
		collection := cmd.String("collection")
		only := cmd.StringSlice("only")

		db, _, err := database.Open(sqliteDSN(outDB), nil)
		if err != nil {
			return withExitCode(err, exitUsage)
		}
		defer db.Close()

		ix, err := rowgroupindex.Open(ctx, db)
		if err != nil {
			return withExitCode(err, exitIncomplete)
		}

		relpaths := only
		if len(relpaths) == 0 {
			relpaths, err = sortedShardRelpaths(parquetRoot)
			if err != nil {
				return withExitCode(err, exitIncomplete)
			}
		}

		var indexed int

		for _, relpath := range relpaths {
			select {
			case <-ctx.Done():
				return withExitCode(ctx.Err(), exitInterrupted)
			default:
			}

			shardPath := filepath.Join(parquetRoot, relpath)

			reader, err := pointerstore.Open(shardPath)
			if err != nil {
				return withExitCode(fmt.Errorf("index-rowgroups: error opening %q: %w", shardPath, err), exitIncomplete)
			}

			segments, err := rowgroupindex.Compute(relpath, reader)
			reader.Close()

			if err != nil {
				return withExitCode(err, exitIncomplete)
			}

			if err := ix.Replace(ctx, collection, relpath, segments); err != nil {
				return withExitCode(err, exitIncomplete)
			}

			indexed++

			logger.Debug().Str("shard", relpath).Int("segments", len(segments)).Msg("shard indexed")
		}

		logger.Info().Int("shards_indexed", indexed).Msg("index-rowgroups complete")

		return nil
	}
}

// sortedShardRelpaths walks root for "*.sorted.parquet" files and returns
// their paths relative to root, the shard set index-rowgroups indexes
// when --only is not given.
func sortedShardRelpaths(root string) ([]string, error) {
	var relpaths []string

	err := walkDir(root, func(relpath string) {
		if strings.HasSuffix(relpath, ".sorted.parquet") {
			relpaths = append(relpaths, relpath)
		}
	})
	if err != nil {
		return nil, err
	}

	return relpaths, nil
}
