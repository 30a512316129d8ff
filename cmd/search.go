package cmd

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"

	"github.com/endomorphosis/ccpointers/pkg/database"
	"github.com/endomorphosis/ccpointers/pkg/lock/local"
	"github.com/endomorphosis/ccpointers/pkg/metaindex"
	"github.com/endomorphosis/ccpointers/pkg/paths"
	"github.com/endomorphosis/ccpointers/pkg/pointerstore"
	"github.com/endomorphosis/ccpointers/pkg/resolver"
	"github.com/endomorphosis/ccpointers/pkg/revdomain"
	"github.com/endomorphosis/ccpointers/pkg/rowgroupindex"
)

// errDomainRequired is returned when searchCommand is invoked without
// --domain, the one flag every search mode needs.
var errDomainRequired = errors.New("search: --domain is required")

// searchCommand implements C8: resolving a domain to its pointer
// records, either across the full meta-index chain or narrowed to a
// single collection/year/registry file explicitly named on the command
// line.
func searchCommand(flagSources flagSourcesFn) *cli.Command {
	return &cli.Command{
		Name:  "search",
		Usage: "Resolve a domain to its Common Crawl pointer records",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "domain",
				Usage:    "Domain to resolve, e.g. example.com",
				Sources:  flagSources("search.domain", "CCPOINTERS_SEARCH_DOMAIN"),
				Required: true,
			},
			&cli.StringFlag{
				Name:    "year",
				Usage:   "Restrict the search to a single crawl year",
				Sources: flagSources("search.year", "CCPOINTERS_SEARCH_YEAR"),
			},
			&cli.StringFlag{
				Name:    "collection",
				Usage:   "Restrict the search to a single collection",
				Sources: flagSources("search.collection", "CCPOINTERS_SEARCH_COLLECTION"),
			},
			&cli.StringFlag{
				Name:    "master-db",
				Usage:   "Path to the master registry; defaults to --duckdb-root's layout",
				Sources: flagSources("search.master-db", "CCPOINTERS_SEARCH_MASTER_DB"),
			},
			&cli.StringFlag{
				Name:    "year-db",
				Usage:   "Path to a year registry, narrowing the search to its collections",
				Sources: flagSources("search.year-db", "CCPOINTERS_SEARCH_YEAR_DB"),
			},
			&cli.StringFlag{
				Name:    "collection-db",
				Usage:   "Path to a single collection registry, narrowing the search to it",
				Sources: flagSources("search.collection-db", "CCPOINTERS_SEARCH_COLLECTION_DB"),
			},
			&cli.StringFlag{
				Name:    "duckdb-root",
				Usage:   "Root directory of the collection/year/master SQL registries",
				Sources: flagSources("layout.duckdb-root", "CCPOINTERS_DUCKDB_ROOT"),
			},
			&cli.StringFlag{
				Name:    "parquet-root",
				Usage:   "Root directory of the pointer-shard parquet tree",
				Sources: flagSources("layout.parquet-root", "CCPOINTERS_PARQUET_ROOT"),
			},
			&cli.IntFlag{
				Name:    "max-matches",
				Usage:   "Cap the total number of returned pointer records; 0 means unbounded",
				Sources: flagSources("search.max-matches", "CCPOINTERS_SEARCH_MAX_MATCHES"),
			},
			&cli.IntFlag{
				Name:    "max-parquet-files",
				Usage:   "Cap the number of pointer shard files opened per collection; 0 means unbounded",
				Sources: flagSources("search.max-parquet-files", "CCPOINTERS_SEARCH_MAX_PARQUET_FILES"),
			},
			&cli.IntFlag{
				Name:    "per-parquet-limit",
				Usage:   "Cap the number of records read from a single pointer shard file; 0 means unbounded",
				Sources: flagSources("search.per-parquet-limit", "CCPOINTERS_SEARCH_PER_PARQUET_LIMIT"),
			},
		},
		Action: searchAction(),
	}
}

func searchAction() cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) error {
		logger := zerolog.Ctx(ctx).With().Str("cmd", "search").Logger()
		ctx = logger.WithContext(ctx)

		domain := cmd.String("domain")
		if domain == "" {
			return withExitCode(errDomainRequired, exitUsage)
		}

		limits := searchLimits{
			maxMatches:      int(cmd.Int("max-matches")),
			maxParquetFiles: int(cmd.Int("max-parquet-files")),
			perParquetLimit: int(cmd.Int("per-parquet-limit")),
		}

		parquetRoot := cmd.String("parquet-root")
		if parquetRoot == "" {
			parquetRoot = "./parquet"
		}

		var (
			matches []resolver.Match
			err     error
		)

		switch {
		case cmd.String("collection-db") != "":
			matches, err = searchSingleDB(ctx, cmd.String("collection"), cmd.String("collection-db"), parquetRoot, domain, limits)
		case cmd.String("year-db") != "":
			matches, err = searchYearDB(ctx, cmd.String("year-db"), parquetRoot, domain, limits)
		case cmd.String("collection") != "":
			duckdbRoot := cmd.String("duckdb-root")
			if duckdbRoot == "" {
				duckdbRoot = "./registry"
			}

			layout := paths.Layout{RegistryRoot: duckdbRoot}
			matches, err = searchSingleDB(ctx, cmd.String("collection"), layout.CollectionDB(cmd.String("collection")), parquetRoot, domain, limits)
		case cmd.String("year") != "":
			duckdbRoot := cmd.String("duckdb-root")
			if duckdbRoot == "" {
				duckdbRoot = "./registry"
			}

			layout := paths.Layout{RegistryRoot: duckdbRoot}
			matches, err = searchYearDB(ctx, layout.YearDB(cmd.String("year")), parquetRoot, domain, limits)
		default:
			duckdbRoot := cmd.String("duckdb-root")
			if duckdbRoot == "" {
				duckdbRoot = "./registry"
			}

			masterDBPath := cmd.String("master-db")

			layout := paths.Layout{RegistryRoot: duckdbRoot, ParquetRoot: parquetRoot}
			if masterDBPath != "" {
				layout.RegistryRoot = filepath.Dir(filepath.Dir(masterDBPath))
			}

			matches, err = searchMasterChain(ctx, layout, domain, limits)
		}

		if err != nil {
			return withExitCode(err, exitIncomplete)
		}

		for _, m := range matches {
			fmt.Printf("%s\t%s\t%d\t%s\t%s\n", m.Collection, m.ParquetRelpath, m.RowGroup, m.Record.Host, m.Record.URL)
		}

		logger.Info().Int("matches", len(matches)).Msg("search complete")

		return nil
	}
}

// searchLimits carries the three CLI-level caps that pkg/resolver.Resolve
// itself has no native support for: resolver always walks every matching
// collection/shard/row. They are applied here, post-hoc, on the resolver's
// full result rather than through a resolver API change.
type searchLimits struct {
	maxMatches      int
	maxParquetFiles int
	perParquetLimit int
}

// searchMasterChain runs the full C8 resolver walk starting at the
// master registry.
func searchMasterChain(ctx context.Context, layout paths.Layout, domain string, limits searchLimits) ([]resolver.Match, error) {
	open := func(ctx context.Context, dbPath string) (*sql.DB, error) {
		db, _, err := database.Open(sqliteDSN(dbPath), nil)

		return db, err
	}

	r := resolver.New(layout, open, local.NewRWLocker())

	matches, err := r.Resolve(ctx, domain)
	if err != nil {
		return nil, err
	}

	return applyLimits(matches, limits), nil
}

// searchYearDB narrows the search to the collections registered under a
// single year registry, reading each collection's own registry directly
// (CollectionRegistryRow.DBPath) rather than walking the master chain.
func searchYearDB(ctx context.Context, yearDBPath, parquetRoot, domain string, limits searchLimits) ([]resolver.Match, error) {
	yearDB, _, err := database.Open(sqliteDSN(yearDBPath), nil)
	if err != nil {
		return nil, fmt.Errorf("search: error opening year registry %q: %w", yearDBPath, err)
	}
	defer yearDB.Close()

	yearLevel, err := metaindex.OpenCollectionLevel(ctx, yearDB)
	if err != nil {
		return nil, err
	}

	registered, err := yearLevel.All(ctx)
	if err != nil {
		return nil, err
	}

	var out []resolver.Match

	for _, row := range registered {
		matches, err := searchSingleDB(ctx, row.Collection, row.DBPath, parquetRoot, domain, limits)
		if err != nil {
			return nil, err
		}

		out = append(out, matches...)

		if limits.maxMatches > 0 && len(out) >= limits.maxMatches {
			return out[:limits.maxMatches], nil
		}
	}

	return out, nil
}

// searchSingleDB resolves domain against exactly one collection registry
// file, reimplementing the resolver's per-collection walk (domain_shards
// lookup, then row-group segment read) directly so an explicit
// --collection-db/--collection override can bypass the master chain
// pkg/resolver.Resolve always starts from.
func searchSingleDB(ctx context.Context, collection, dbPath, parquetRoot, domain string, limits searchLimits) ([]resolver.Match, error) {
	db, _, err := database.Open(sqliteDSN(dbPath), nil)
	if err != nil {
		return nil, fmt.Errorf("search: error opening %q: %w", dbPath, err)
	}
	defer db.Close()

	ix, err := rowgroupindex.Open(ctx, db)
	if err != nil {
		return nil, err
	}

	hostRev := revdomain.RevHost(domain)
	if hostRev == "" {
		return nil, nil
	}

	relpaths, err := ix.ShardsFor(ctx, hostRev)
	if err != nil {
		return nil, err
	}

	sort.Strings(relpaths)

	if limits.maxParquetFiles > 0 && len(relpaths) > limits.maxParquetFiles {
		relpaths = relpaths[:limits.maxParquetFiles]
	}

	var out []resolver.Match

	for _, relpath := range relpaths {
		segments, err := ix.SegmentsFor(ctx, relpath, hostRev)
		if err != nil {
			return nil, err
		}

		matches, err := readSegments(filepath.Join(parquetRoot, relpath), collection, relpath, segments, hostRev, limits.perParquetLimit)
		if err != nil {
			return nil, err
		}

		out = append(out, matches...)

		if limits.maxMatches > 0 && len(out) >= limits.maxMatches {
			return out[:limits.maxMatches], nil
		}
	}

	return out, nil
}

// readSegments materializes the rows named by segments out of a single
// pointer shard, stopping once perLimit rows have been read from this
// shard (0 means unbounded).
func readSegments(
	shardPath, collection, relpath string, segments []rowgroupindex.Segment, hostRev string, perLimit int,
) ([]resolver.Match, error) {
	if len(segments) == 0 {
		return nil, nil
	}

	reader, err := pointerstore.Open(shardPath)
	if err != nil {
		return nil, fmt.Errorf("search: error opening shard %q: %w", shardPath, err)
	}
	defer reader.Close()

	var out []resolver.Match

	for _, seg := range segments {
		rows, err := reader.Rows(seg.RowGroup)
		if err != nil {
			return nil, fmt.Errorf("search: error reading row group %d of %q: %w", seg.RowGroup, shardPath, err)
		}

		for i := seg.RGStart; i < seg.RGEnd && int(i) < len(rows); i++ {
			rec := rows[i]
			if !revdomain.Matches(rec.HostRev, hostRev) {
				continue
			}

			out = append(out, resolver.Match{
				Collection:     collection,
				ParquetRelpath: relpath,
				RowGroup:       seg.RowGroup,
				Record:         rec,
			})

			if perLimit > 0 && len(out) >= perLimit {
				return out, nil
			}
		}
	}

	return out, nil
}

// applyLimits caps a full resolver.Resolve result to maxMatches; the
// per-file/per-shard caps only apply to the narrowed search paths above,
// since pkg/resolver.Resolve does not expose shard-by-shard control.
func applyLimits(matches []resolver.Match, limits searchLimits) []resolver.Match {
	if limits.maxMatches > 0 && len(matches) > limits.maxMatches {
		return matches[:limits.maxMatches]
	}

	return matches
}
