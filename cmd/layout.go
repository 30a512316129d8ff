package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"

	"github.com/urfave/cli/v3"

	"github.com/endomorphosis/ccpointers/pkg/paths"
	"github.com/endomorphosis/ccpointers/pkg/validator"
)

// layoutFlags returns the five root-directory flags shared by every
// subcommand that walks the on-disk layout: ccindex-root, parquet-root,
// duckdb-root (the SQL registry root; named duckdb-root to match
// spec.md §6 even though the registries are opened via database/sql),
// progress-dir and state-dir.
func layoutFlags(flagSources flagSourcesFn) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "ccindex-root",
			Usage:   "Root directory of the raw CDXJ shard tree (<collection>/cdx-NNNNN.gz)",
			Sources: flagSources("layout.ccindex-root", "CCPOINTERS_CCINDEX_ROOT"),
		},
		&cli.StringFlag{
			Name:    "parquet-root",
			Usage:   "Root directory of the pointer-shard parquet tree",
			Sources: flagSources("layout.parquet-root", "CCPOINTERS_PARQUET_ROOT"),
		},
		&cli.StringFlag{
			Name:    "duckdb-root",
			Usage:   "Root directory of the collection/year/master SQL registries",
			Sources: flagSources("layout.duckdb-root", "CCPOINTERS_DUCKDB_ROOT"),
		},
		&cli.StringFlag{
			Name:    "progress-dir",
			Usage:   "Directory for per-shard progress-journal snapshots",
			Sources: flagSources("layout.progress-dir", "CCPOINTERS_PROGRESS_DIR"),
		},
		&cli.StringFlag{
			Name:    "state-dir",
			Usage:   "Directory for supervisor queue state and worker PID/log files",
			Sources: flagSources("layout.state-dir", "CCPOINTERS_STATE_DIR"),
		},
	}
}

// buildLayout assembles a paths.Layout from the flags registered by
// layoutFlags. Unset roots default to the current directory's "./<name>"
// so a bare invocation has somewhere sane to read/write during local
// experimentation.
func buildLayout(cmd *cli.Command) paths.Layout {
	layout := paths.Layout{
		CCIndexRoot:  cmd.String("ccindex-root"),
		ParquetRoot:  cmd.String("parquet-root"),
		RegistryRoot: cmd.String("duckdb-root"),
		ProgressDir:  cmd.String("progress-dir"),
		StateDir:     cmd.String("state-dir"),
	}

	if layout.CCIndexRoot == "" {
		layout.CCIndexRoot = "./ccindex"
	}

	if layout.ParquetRoot == "" {
		layout.ParquetRoot = "./parquet"
	}

	if layout.RegistryRoot == "" {
		layout.RegistryRoot = "./registry"
	}

	if layout.ProgressDir == "" {
		layout.ProgressDir = "./progress"
	}

	if layout.StateDir == "" {
		layout.StateDir = "./state"
	}

	return layout
}

// sqliteDSN turns a filesystem path into a pkg/database-compatible
// SQLite registry URL.
func sqliteDSN(path string) string {
	return "sqlite:" + path
}

// collectionsForFilter resolves the set of collections an invocation
// should operate on: an explicit --collections list takes precedence,
// then --filter (a regular expression matched against the discovered
// collection names), and otherwise every collection discovered under
// layout.CCIndexRoot.
func collectionsForFilter(layout paths.Layout, explicit []string, filterRe string) ([]string, error) {
	if len(explicit) > 0 {
		return explicit, nil
	}

	discovered, err := discoverCollections(layout)
	if err != nil {
		return nil, err
	}

	if filterRe == "" {
		return discovered, nil
	}

	return filterCollections(discovered, filterRe)
}

// discoverCollections lists every CC-MAIN-* collection under
// layout.CCIndexRoot.
func discoverCollections(layout paths.Layout) ([]string, error) {
	return validator.DiscoverCollections(layout)
}

// filterCollections keeps only the names matching the regular
// expression filterRe.
func filterCollections(collections []string, filterRe string) ([]string, error) {
	re, err := regexp.Compile(filterRe)
	if err != nil {
		return nil, fmt.Errorf("error compiling --filter %q: %w", filterRe, err)
	}

	kept := make([]string, 0, len(collections))

	for _, c := range collections {
		if re.MatchString(c) {
			kept = append(kept, c)
		}
	}

	return kept, nil
}

// discoverShards lists the CDXJ shard file names ("cdx-00000.gz") present
// under a collection's source directory, the same convention
// pkg/validator uses to size its completeness reports.
func discoverShards(layout paths.Layout, collection string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(layout.CCIndexRoot, collection, "cdx-*.gz"))
	if err != nil {
		return nil, fmt.Errorf("error listing shards for %q: %w", collection, err)
	}

	shards := make([]string, 0, len(matches))

	for _, m := range matches {
		shards = append(shards, filepath.Base(m))
	}

	sort.Strings(shards)

	return shards, nil
}

// shardDirFor returns the directory a collection's pointer shards live
// in, mirroring pkg/paths.Layout's private parquetCollectionDir layout
// (<parquet_root>/cc_pointers_by_collection/<year>/<collection>).
func shardDirFor(layout paths.Layout, collection string) string {
	return filepath.Join(layout.ParquetRoot, "cc_pointers_by_collection", paths.YearOf(collection), collection)
}

// readDirNames lists the plain file names (not directories) under dir, or
// nil if dir does not exist.
func readDirNames(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, fmt.Errorf("error scanning %q: %w", dir, err)
	}

	names := make([]string, 0, len(entries))

	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}

	sort.Strings(names)

	return names, nil
}

// walkDir walks root recursively, invoking fn with each regular file's
// path relative to root. A missing root is treated as empty.
func walkDir(root string, fn func(relpath string)) error {
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}

			return err
		}

		if d.IsDir() {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}

		fn(rel)

		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("error walking %q: %w", root, err)
	}

	return nil
}
