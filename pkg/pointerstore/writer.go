package pointerstore

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress/zstd"

	"github.com/endomorphosis/ccpointers/pkg/pointer"
)

// EmptyMarkerSuffix is appended to a shard's path to mark it confirmed
// empty, per spec.md §3's EmptyMarker.
const EmptyMarkerSuffix = ".empty"

// TmpSuffix is the sibling extension a writer uses while a shard is still
// being produced; it is renamed away on a successful close.
const TmpSuffix = ".tmp"

// DefaultBatchRows is the default number of buffered records per flush,
// matching the --batch-rows CLI default in spec.md §6.
const DefaultBatchRows = 200_000

// DefaultRowGroupTargetRows bounds a single row group, matching the
// "target ~70k rows" note in spec.md §3.
const DefaultRowGroupTargetRows = 70_000

// ErrAlreadyWriting is returned by New if a writer for path is already
// open in this process, enforcing the "at most one writer per shard
// output path" rule in spec.md §4.3.
var ErrAlreadyWriting = errors.New("pointerstore: a writer is already open for this path")

//nolint:gochecknoglobals
var (
	openPathsMu sync.Mutex
	openPaths   = map[string]struct{}{}
)

// Writer accumulates pointer.Record values into row groups and publishes a
// single columnar shard file atomically on Close.
type Writer struct {
	path           string
	tmpPath        string
	rowGroupTarget int

	f  *os.File
	pw *parquet.GenericWriter[Row]

	batch       []Row
	batchRows   int
	rowsInGroup int
	totalRows   int
}

// Options configures a Writer.
type Options struct {
	// BatchRows is how many records are buffered before a row group flush
	// is considered. Defaults to DefaultBatchRows.
	BatchRows int

	// RowGroupTargetRows bounds the number of rows per row group.
	// Defaults to DefaultRowGroupTargetRows.
	RowGroupTargetRows int

	// CompressionLevel is the zstd level used for the output shard.
	// Defaults to 3, matching the original bulk_convert_gz_to_parquet.py.
	CompressionLevel int
}

// New opens a Writer that will publish to path on Close. It writes to a
// ".tmp" sibling until then.
func New(path string, opts Options) (*Writer, error) {
	openPathsMu.Lock()
	if _, busy := openPaths[path]; busy {
		openPathsMu.Unlock()

		return nil, ErrAlreadyWriting
	}

	openPaths[path] = struct{}{}
	openPathsMu.Unlock()

	if opts.BatchRows <= 0 {
		opts.BatchRows = DefaultBatchRows
	}

	if opts.RowGroupTargetRows <= 0 {
		opts.RowGroupTargetRows = DefaultRowGroupTargetRows
	}

	level := opts.CompressionLevel
	if level <= 0 {
		level = 3
	}

	tmpPath := path + TmpSuffix

	f, err := os.Create(tmpPath)
	if err != nil {
		openPathsMu.Lock()
		delete(openPaths, path)
		openPathsMu.Unlock()

		return nil, fmt.Errorf("pointerstore: error creating %q: %w", tmpPath, err)
	}

	pw := parquet.NewGenericWriter[Row](f,
		parquet.Compression(&zstd.Codec{Level: zstd.Level(level)}),
	)

	return &Writer{
		path:           path,
		tmpPath:        tmpPath,
		rowGroupTarget: opts.RowGroupTargetRows,
		f:              f,
		pw:             pw,
		batch:          make([]Row, 0, opts.BatchRows),
	}, nil
}

// Write buffers a record, flushing a row group boundary whenever the
// configured row-group target would otherwise be exceeded.
func (w *Writer) Write(rec pointer.Record) error {
	w.batch = append(w.batch, FromRecord(rec))

	if len(w.batch) >= cap(w.batch) {
		if err := w.flushBatch(); err != nil {
			return err
		}
	}

	if w.rowsInGroup+len(w.batch) >= w.rowGroupTarget {
		if err := w.flushBatch(); err != nil {
			return err
		}

		if err := w.closeRowGroup(); err != nil {
			return err
		}
	}

	return nil
}

func (w *Writer) flushBatch() error {
	if len(w.batch) == 0 {
		return nil
	}

	n, err := w.pw.Write(w.batch)
	if err != nil {
		return fmt.Errorf("pointerstore: error writing batch: %w", err)
	}

	w.rowsInGroup += n
	w.totalRows += n
	w.batch = w.batch[:0]

	return nil
}

func (w *Writer) closeRowGroup() error {
	if w.rowsInGroup == 0 {
		return nil
	}

	if err := w.pw.Flush(); err != nil {
		return fmt.Errorf("pointerstore: error flushing row group: %w", err)
	}

	w.rowsInGroup = 0

	return nil
}

// Rows returns the number of records written so far (including the
// current, not-yet-flushed batch).
func (w *Writer) Rows() int {
	return w.totalRows + len(w.batch)
}

// Abort discards the in-progress output, deleting the ".tmp" sibling
// without publishing anything. Used on interruption (§5, the Interrupted
// error kind in §7) and on WriterFailure.
func (w *Writer) Abort() error {
	defer w.release()

	_ = w.pw.Close()
	_ = w.f.Close()

	return os.Remove(w.tmpPath)
}

// Close flushes any pending rows, writes the parquet footer, and
// atomically publishes the shard at its final path. If zero rows were
// ever written, it still emits a valid empty parquet file (with schema
// intact) and an EmptyMarker sidecar, per spec.md §3/§4.3.
func (w *Writer) Close() error {
	defer w.release()

	if err := w.flushBatch(); err != nil {
		_ = w.f.Close()

		return err
	}

	if err := w.closeRowGroup(); err != nil {
		_ = w.f.Close()

		return err
	}

	if err := w.pw.Close(); err != nil {
		_ = w.f.Close()

		return fmt.Errorf("pointerstore: error closing parquet writer: %w", err)
	}

	if err := w.f.Close(); err != nil {
		return fmt.Errorf("pointerstore: error closing %q: %w", w.tmpPath, err)
	}

	if err := os.Rename(w.tmpPath, w.path); err != nil {
		return fmt.Errorf("pointerstore: error publishing %q: %w", w.path, err)
	}

	if w.totalRows == 0 {
		if err := os.WriteFile(w.path+EmptyMarkerSuffix, []byte("empty shard\n"), 0o644); err != nil {
			return fmt.Errorf("pointerstore: error writing empty marker for %q: %w", w.path, err)
		}
	} else if err := os.Remove(w.path + EmptyMarkerSuffix); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("pointerstore: error removing stale empty marker for %q: %w", w.path, err)
	}

	return nil
}

func (w *Writer) release() {
	openPathsMu.Lock()
	delete(openPaths, w.path)
	openPathsMu.Unlock()
}

// HasEmptyMarker reports whether path's shard carries a confirmed-empty
// sidecar.
func HasEmptyMarker(path string) bool {
	_, err := os.Stat(path + EmptyMarkerSuffix)

	return err == nil
}
