// Package paths encodes the pipeline's canonical on-disk layout as a
// first-class type instead of scattering string concatenation through
// every component, the way the original Python scripts
// (queue_cc_pointer_build.py, bulk_convert_gz_to_parquet.py,
// build_domain_rowgroup_index.py) each did independently.
package paths

import (
	"fmt"
	"path/filepath"
	"regexp"
)

// Layout holds the five root directories the pipeline reads and writes:
//
//	<ccindex_root>/<collection>/cdx-NNNNN.gz
//	<parquet_root>/cc_pointers_by_collection/<year>/<collection>/cdx-NNNNN.gz.parquet
//	<parquet_root>/cc_pointers_by_collection/<year>/<collection>/cdx-NNNNN.gz.sorted.parquet
//	<duckdb_root>/cc_pointers_by_collection/<collection>.duckdb   (a SQL registry DSN root, not literally DuckDB)
//	<duckdb_root>/cc_pointers_by_year/<year>.duckdb
//	<duckdb_root>/cc_pointers_master/cc_master_index.duckdb
//	<progress_dir>/progress_<shard_key>.json
//	<state_dir>/queue_state.json
//	<state_dir>/build_worker_<i>.{pid,log}
type Layout struct {
	CCIndexRoot  string
	ParquetRoot  string
	RegistryRoot string
	ProgressDir  string
	StateDir     string
}

// collectionYearRe extracts the year out of a Common Crawl collection name
// such as "CC-MAIN-2024-10".
var collectionYearRe = regexp.MustCompile(`CC-MAIN-(\d{4})-\d+`)

// YearOf returns the 4-digit year embedded in a collection name, or ""
// if collection does not match the CC-MAIN-YYYY-WW convention.
func YearOf(collection string) string {
	m := collectionYearRe.FindStringSubmatch(collection)
	if m == nil {
		return ""
	}

	return m[1]
}

// SourceShard returns the input CDXJ path for a collection/shard pair.
func (l Layout) SourceShard(collection, shard string) string {
	return filepath.Join(l.CCIndexRoot, collection, shard)
}

// ParquetShard returns the unsorted pointer shard path.
func (l Layout) ParquetShard(collection, shard string) string {
	return filepath.Join(l.parquetCollectionDir(collection), shard+".parquet")
}

// SortedParquetShard returns the sorted pointer shard path.
func (l Layout) SortedParquetShard(collection, shard string) string {
	return filepath.Join(l.parquetCollectionDir(collection), shard+".sorted.parquet")
}

func (l Layout) parquetCollectionDir(collection string) string {
	year := YearOf(collection)

	return filepath.Join(l.ParquetRoot, "cc_pointers_by_collection", year, collection)
}

// CollectionDB returns the per-collection SQL registry path.
func (l Layout) CollectionDB(collection string) string {
	return filepath.Join(l.RegistryRoot, "cc_pointers_by_collection", collection+".duckdb")
}

// CollectionDBSortedMarker returns the sidecar path marking a collection
// index as built from sorted shards only.
func (l Layout) CollectionDBSortedMarker(collection string) string {
	return l.CollectionDB(collection) + ".sorted"
}

// YearDB returns the per-year SQL registry path.
func (l Layout) YearDB(year string) string {
	return filepath.Join(l.RegistryRoot, "cc_pointers_by_year", year+".duckdb")
}

// MasterDB returns the master SQL registry path.
func (l Layout) MasterDB() string {
	return filepath.Join(l.RegistryRoot, "cc_pointers_master", "cc_master_index.duckdb")
}

// ProgressFile returns the progress journal snapshot path for a shard key.
func (l Layout) ProgressFile(shardKey string) string {
	return filepath.Join(l.ProgressDir, fmt.Sprintf("progress_%s.json", shardKey))
}

// QueueStateFile returns the supervisor's persisted queue state path.
func (l Layout) QueueStateFile() string {
	return filepath.Join(l.StateDir, "queue_state.json")
}

// WorkerPIDFile returns a build worker's PID sidecar path.
func (l Layout) WorkerPIDFile(i int) string {
	return filepath.Join(l.StateDir, fmt.Sprintf("build_worker_%d.pid", i))
}

// WorkerLogFile returns a build worker's log sidecar path.
func (l Layout) WorkerLogFile(i int) string {
	return filepath.Join(l.StateDir, fmt.Sprintf("build_worker_%d.log", i))
}

// ShardKey derives the progress-journal key for a collection/shard pair,
// stable across runs so a resumed ingest maps to the same snapshot file.
func ShardKey(collection, shard string) string {
	return collection + "_" + shard
}
