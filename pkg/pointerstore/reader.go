package pointerstore

import (
	"fmt"
	"io"
	"os"

	"github.com/parquet-go/parquet-go"

	"github.com/endomorphosis/ccpointers/pkg/pointer"
)

// Reader provides row-group-granular read access to a published shard.
type Reader struct {
	f    *os.File
	file *parquet.File
}

// Open opens a shard for reading. The caller must Close it.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("pointerstore: error opening %q: %w", path, err)
	}

	fi, err := f.Stat()
	if err != nil {
		_ = f.Close()

		return nil, fmt.Errorf("pointerstore: error stating %q: %w", path, err)
	}

	pf, err := parquet.OpenFile(f, fi.Size())
	if err != nil {
		_ = f.Close()

		return nil, fmt.Errorf("pointerstore: error opening parquet file %q: %w", path, err)
	}

	return &Reader{f: f, file: pf}, nil
}

// Close releases the underlying file.
func (r *Reader) Close() error {
	return r.f.Close()
}

// NumRowGroups returns the number of row groups in the shard.
func (r *Reader) NumRowGroups() int {
	return len(r.file.RowGroups())
}

// NumRows returns the total row count across all row groups.
func (r *Reader) NumRows() int64 {
	return r.file.NumRows()
}

// RowGroupRows returns the row count of a single row group.
func (r *Reader) RowGroupRows(rowGroup int) int64 {
	return r.file.RowGroups()[rowGroup].NumRows()
}

// Rows returns all rows in a row group, fully materialized. Used where
// the caller needs the whole record (C5's chunked re-sort reads, C8's
// final pointer streaming once a row range has been targeted).
func (r *Reader) Rows(rowGroup int) ([]pointer.Record, error) {
	rg := r.file.RowGroups()[rowGroup]

	rr := parquet.NewGenericRowGroupReader[Row](rg)
	defer rr.Close()

	rows := make([]Row, rg.NumRows())

	n, err := rr.Read(rows)
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("pointerstore: error reading row group %d: %w", rowGroup, err)
	}

	out := make([]pointer.Record, n)
	for i, row := range rows[:n] {
		out[i] = ToRecord(row)
	}

	return out, nil
}

// HostRevColumn returns only the host_rev values of a row group, without
// materializing the rest of the row — the column-pruned scan C6 needs to
// stay within the row-group indexer's "reads each row group's host_rev
// column only" contract (spec.md §4.6).
func (r *Reader) HostRevColumn(rowGroup int) ([]string, error) {
	rg := r.file.RowGroups()[rowGroup]

	rr := parquet.NewGenericRowGroupReader[hostRevRow](rg)
	defer rr.Close()

	rows := make([]hostRevRow, rg.NumRows())

	n, err := rr.Read(rows)
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("pointerstore: error reading host_rev column of row group %d: %w", rowGroup, err)
	}

	out := make([]string, n)
	for i, row := range rows[:n] {
		out[i] = row.HostRev
	}

	return out, nil
}

// AllRecords reads the whole shard in row-group order, for callers (the
// merge sorter's chunk phase) that need the full stream rather than
// per-row-group access.
func (r *Reader) AllRecords() ([]pointer.Record, error) {
	var out []pointer.Record

	for rg := 0; rg < r.NumRowGroups(); rg++ {
		rows, err := r.Rows(rg)
		if err != nil {
			return nil, err
		}

		out = append(out, rows...)
	}

	return out, nil
}
