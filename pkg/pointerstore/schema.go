// Package pointerstore implements C3: the columnar pointer-shard writer.
// Shards are written with github.com/parquet-go/parquet-go, zstd
// compressed, dictionary-encoded on the low-cardinality columns, with
// row groups bounded by row count (Options.RowGroupTargetRows). No
// byte-size bound is applied to a row group.
package pointerstore

import (
	"github.com/endomorphosis/ccpointers/pkg/pointer"
)

// Row is the on-disk parquet row shape for a pointer.Record. Field tags
// mirror the PointerRecord schema in spec.md §3: collection/shard_file are
// dictionary-encoded (low cardinality across a whole shard), host/mime are
// dictionary-encoded (heavily repeated across rows), the WARC byte-range
// columns are nullable int64s.
type Row struct {
	Collection   string  `parquet:"collection,dict"`
	ShardFile    string  `parquet:"shard_file,dict"`
	SURT         string  `parquet:"surt,optional"`
	Timestamp    string  `parquet:"timestamp"`
	URL          string  `parquet:"url"`
	Host         string  `parquet:"host,dict,optional"`
	HostRev      string  `parquet:"host_rev,optional"`
	Status       *int32  `parquet:"status,optional"`
	MIME         *string `parquet:"mime,dict,optional"`
	Digest       *string `parquet:"digest,optional"`
	WARCFilename *string `parquet:"warc_filename,dict,optional"`
	WARCOffset   *int64  `parquet:"warc_offset,optional"`
	WARCLength   *int64  `parquet:"warc_length,optional"`
}

// hostRevRow is a narrow projection of Row used by the row-group indexer
// (C6) so that scanning a shard for host_rev runs only decodes that one
// column instead of materializing full rows.
type hostRevRow struct {
	HostRev string `parquet:"host_rev,optional"`
}

// FromRecord converts a pointer.Record into its on-disk row shape.
func FromRecord(r pointer.Record) Row {
	row := Row{
		Collection: r.Collection,
		ShardFile:  r.ShardFile,
		SURT:       r.SURT,
		Timestamp:  r.Timestamp,
		URL:        r.URL,
		Host:       r.Host,
		HostRev:    r.HostRev,
		Status:     r.Meta.Status,
		MIME:       r.Meta.MIME,
		Digest:     r.Meta.Digest,
	}

	if r.HasWARCPointer() {
		row.WARCFilename = r.Meta.WARCFilename
		row.WARCOffset = r.Meta.WARCOffset
		row.WARCLength = r.Meta.WARCLength
	}

	return row
}

// ToRecord converts an on-disk row back into a pointer.Record.
func ToRecord(row Row) pointer.Record {
	return pointer.Record{
		Collection: row.Collection,
		ShardFile:  row.ShardFile,
		SURT:       row.SURT,
		Timestamp:  row.Timestamp,
		URL:        row.URL,
		Host:       row.Host,
		HostRev:    row.HostRev,
		Meta: pointer.Meta{
			Known:        true,
			Status:       row.Status,
			MIME:         row.MIME,
			Digest:       row.Digest,
			WARCFilename: row.WARCFilename,
			WARCOffset:   row.WARCOffset,
			WARCLength:   row.WARCLength,
		},
	}
}
