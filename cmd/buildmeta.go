package cmd

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"

	"github.com/endomorphosis/ccpointers/pkg/database"
	"github.com/endomorphosis/ccpointers/pkg/metaindex"
	"github.com/endomorphosis/ccpointers/pkg/paths"
	"github.com/endomorphosis/ccpointers/pkg/rowgroupindex"
)

// buildMetaCommand implements C7's "BuildYear"/"BuildMaster" passes:
// aggregating every collection registry under --duckdb-root into its
// year registry, then aggregating every year registry into the master
// registry the resolver (C8) walks first.
func buildMetaCommand(flagSources flagSourcesFn) *cli.Command {
	return &cli.Command{
		Name:  "build-meta",
		Usage: "Rebuild the collection/year/master meta-index registries",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "duckdb-root",
				Usage:    "Root directory of the collection/year/master SQL registries",
				Sources:  flagSources("build-meta.duckdb-root", "CCPOINTERS_DUCKDB_ROOT"),
				Required: true,
			},
		},
		Action: buildMetaAction(),
	}
}

func buildMetaAction() cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) error {
		logger := zerolog.Ctx(ctx).With().Str("cmd", "build-meta").Logger()
		ctx = logger.WithContext(ctx)

		layout := paths.Layout{RegistryRoot: cmd.String("duckdb-root")}

		collections, err := discoverRegisteredCollections(layout)
		if err != nil {
			return withExitCode(err, exitIncomplete)
		}

		byYear := map[string][]metaindex.CollectionRegistryRow{}

		for _, collection := range collections {
			row, err := summarizeCollection(ctx, layout, collection)
			if err != nil {
				return withExitCode(err, exitIncomplete)
			}

			year := paths.YearOf(collection)
			byYear[year] = append(byYear[year], row)
		}

		masterDB, _, err := database.Open(sqliteDSN(layout.MasterDB()), nil)
		if err != nil {
			return withExitCode(err, exitIncomplete)
		}
		defer masterDB.Close()

		yearLevel, err := metaindex.OpenYearLevel(ctx, masterDB)
		if err != nil {
			return withExitCode(err, exitIncomplete)
		}

		for year, rows := range byYear {
			if err := registerYear(ctx, layout, yearLevel, year, rows); err != nil {
				return withExitCode(err, exitIncomplete)
			}
		}

		logger.Info().Int("collections", len(collections)).Int("years", len(byYear)).Msg("build-meta complete")

		return nil
	}
}

// summarizeCollection opens a collection's registry and counts its
// distinct domains (host_rev values in domain_shards) and sorted shard
// files, the domain_count/file_count pair both the year and master
// registries denormalize.
func summarizeCollection(ctx context.Context, layout paths.Layout, collection string) (metaindex.CollectionRegistryRow, error) {
	dbPath := layout.CollectionDB(collection)

	db, _, err := database.Open(sqliteDSN(dbPath), nil)
	if err != nil {
		return metaindex.CollectionRegistryRow{}, fmt.Errorf("build-meta: error opening %q: %w", dbPath, err)
	}
	defer db.Close()

	ix, err := rowgroupindex.Open(ctx, db)
	if err != nil {
		return metaindex.CollectionRegistryRow{}, err
	}

	hostRevs, err := ix.AllHostRevs(ctx, collection)
	if err != nil {
		return metaindex.CollectionRegistryRow{}, err
	}

	relpaths, err := ix.AllRelpaths(ctx, collection)
	if err != nil {
		return metaindex.CollectionRegistryRow{}, err
	}

	level, err := metaindex.OpenCollectionLevel(ctx, db)
	if err != nil {
		return metaindex.CollectionRegistryRow{}, err
	}

	row := metaindex.CollectionRegistryRow{
		Collection:  collection,
		DBPath:      dbPath,
		DomainCount: int64(len(hostRevs)),
		FileCount:   int64(len(relpaths)),
	}

	if err := level.Register(ctx, row); err != nil {
		return metaindex.CollectionRegistryRow{}, err
	}

	return row, nil
}

// registerYear aggregates a year's collection rows into the year
// registry and writes the master-level collection_summary denormalized
// view, the "BuildMaster" pass.
func registerYear(
	ctx context.Context, layout paths.Layout, master *metaindex.YearLevel, year string, rows []metaindex.CollectionRegistryRow,
) error {
	yearDBPath := layout.YearDB(year)

	yearDB, _, err := database.Open(sqliteDSN(yearDBPath), nil)
	if err != nil {
		return fmt.Errorf("build-meta: error opening year registry %q: %w", yearDBPath, err)
	}
	defer yearDB.Close()

	yearLevel, err := metaindex.OpenCollectionLevel(ctx, yearDB)
	if err != nil {
		return err
	}

	var totalDomains, totalFiles int64

	for _, row := range rows {
		if err := yearLevel.Register(ctx, row); err != nil {
			return err
		}

		totalDomains += row.DomainCount
		totalFiles += row.FileCount

		if err := master.RegisterCollectionSummary(ctx, metaindex.CollectionSummaryRow{
			Collection:       row.Collection,
			Year:             year,
			YearDBPath:       yearDBPath,
			CollectionDBPath: row.DBPath,
			DomainCount:      row.DomainCount,
			FileCount:        row.FileCount,
		}); err != nil {
			return err
		}
	}

	return master.RegisterYear(ctx, metaindex.YearRegistryRow{
		Year:            year,
		DBPath:          yearDBPath,
		CollectionCount: int64(len(rows)),
		TotalDomains:    totalDomains,
		TotalFiles:      totalFiles,
	})
}

// discoverRegisteredCollections lists collection names from the
// "<name>.duckdb" registry files under
// <duckdb_root>/cc_pointers_by_collection.
func discoverRegisteredCollections(layout paths.Layout) ([]string, error) {
	dir := filepath.Join(layout.RegistryRoot, "cc_pointers_by_collection")

	names, err := readDirNames(dir)
	if err != nil {
		return nil, err
	}

	var collections []string

	for _, name := range names {
		if strings.HasSuffix(name, ".duckdb") {
			collections = append(collections, strings.TrimSuffix(name, ".duckdb"))
		}
	}

	return collections, nil
}
