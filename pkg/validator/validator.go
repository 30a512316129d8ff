// Package validator implements C12: the sole authority that decides
// whether a collection is "done". Grounded on
// validate_and_mark_sorted.py/validate_collection_completeness.py's dual
// discovery modes (canonical registry override, or scan the three
// directory trees directly) and their de-duplicated sorted/unsorted
// shard counting.
package validator

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/endomorphosis/ccpointers/pkg/paths"
	"github.com/endomorphosis/ccpointers/pkg/pointerstore"
)

// Report is the five-point per-collection completeness report from
// spec.md §4.12, plus the expected/present counts each point is
// measured against.
type Report struct {
	Collection string

	SourceShardsExpected int
	SourceShardsPresent  int

	PointerShardsExpected int
	PointerShardsPresent  int
	PointerShardsSorted   int

	CollectionIndexPresent             bool
	CollectionIndexSortedMarkerPresent bool

	Complete bool
}

// DiscoverCollections scans layout.CCIndexRoot for CC-MAIN-* directories,
// the fallback discovery mode when no canonical registry is supplied.
func DiscoverCollections(layout paths.Layout) ([]string, error) {
	entries, err := os.ReadDir(layout.CCIndexRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, fmt.Errorf("validator: error scanning %q: %w", layout.CCIndexRoot, err)
	}

	var collections []string

	for _, e := range entries {
		if e.IsDir() && strings.HasPrefix(e.Name(), "CC-MAIN-") {
			collections = append(collections, e.Name())
		}
	}

	sort.Strings(collections)

	return collections, nil
}

// ValidateCollection produces the completeness report for a single
// collection, per spec.md §4.12.
func ValidateCollection(layout paths.Layout, collection string) (Report, error) {
	report := Report{Collection: collection}

	shards, err := sourceShardNames(layout, collection)
	if err != nil {
		return report, err
	}

	report.SourceShardsExpected = len(shards)
	report.SourceShardsPresent = len(shards)
	report.PointerShardsExpected = len(shards)

	for _, shard := range shards {
		present, isSorted := pointerShardStatus(layout, collection, shard)
		if present {
			report.PointerShardsPresent++
		}

		if isSorted {
			report.PointerShardsSorted++
		}
	}

	report.CollectionIndexPresent = fileExists(layout.CollectionDB(collection))
	report.CollectionIndexSortedMarkerPresent = fileExists(layout.CollectionDBSortedMarker(collection))

	report.Complete = report.SourceShardsExpected > 0 &&
		report.SourceShardsPresent == report.SourceShardsExpected &&
		report.PointerShardsPresent == report.PointerShardsExpected &&
		report.PointerShardsSorted == report.PointerShardsExpected &&
		report.CollectionIndexPresent &&
		report.CollectionIndexSortedMarkerPresent

	return report, nil
}

// ValidateAll validates every collection in collections, in the order
// given, returning one Report per collection; AllComplete reports
// whether every one is complete, which callers translate into a process
// exit code.
func ValidateAll(layout paths.Layout, collections []string) ([]Report, error) {
	reports := make([]Report, 0, len(collections))

	for _, c := range collections {
		r, err := ValidateCollection(layout, c)
		if err != nil {
			return nil, err
		}

		reports = append(reports, r)
	}

	return reports, nil
}

// AllComplete reports whether every report in reports is complete.
func AllComplete(reports []Report) bool {
	for _, r := range reports {
		if !r.Complete {
			return false
		}
	}

	return true
}

// sourceShardNames lists the CDXJ shard file names (e.g. "cdx-00000.gz")
// present under a collection's source directory.
func sourceShardNames(layout paths.Layout, collection string) ([]string, error) {
	dir := filepath.Join(layout.CCIndexRoot, collection)

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, fmt.Errorf("validator: error scanning %q: %w", dir, err)
	}

	var shards []string

	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), "cdx-") && strings.HasSuffix(e.Name(), ".gz") {
			shards = append(shards, e.Name())
		}
	}

	sort.Strings(shards)

	return shards, nil
}

// pointerShardStatus reports whether shard's pointer output is present
// (sorted or unsorted, de-duplicated, counting an empty shard only if it
// carries its EmptyMarker sidecar) and, separately, whether the
// canonical sorted variant is what's present.
func pointerShardStatus(layout paths.Layout, collection, shard string) (present, isSorted bool) {
	sortedPath := layout.SortedParquetShard(collection, shard)
	if validParquetShard(sortedPath) {
		return true, true
	}

	unsortedPath := layout.ParquetShard(collection, shard)
	if validParquetShard(unsortedPath) {
		return true, false
	}

	return false, false
}

// validParquetShard reports whether path is a readable pointer shard
// that should be counted present: either it has at least one row, or it
// has zero rows and carries an EmptyMarker confirming the zero-row
// count was observed rather than produced by a truncated write.
func validParquetShard(path string) bool {
	if _, err := os.Stat(path); err != nil {
		return false
	}

	reader, err := pointerstore.Open(path)
	if err != nil {
		return false
	}
	defer reader.Close()

	if reader.NumRows() > 0 {
		return true
	}

	return pointerstore.HasEmptyMarker(path)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)

	return err == nil
}
