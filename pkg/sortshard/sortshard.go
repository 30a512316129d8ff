// Package sortshard implements C5: sorting an unsorted pointer shard by
// (host_rev, url, timestamp) with nulls last. Records are split into
// memory-bounded chunks, each sorted in place and spilled to an
// lz4-compressed, blake3-checksummed temp file, then merged back
// together with a container/heap-based k-way merge so the whole shard
// never needs to be resident in memory at once.
package sortshard

import (
	"bufio"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/pierrec/lz4/v4"
	"github.com/rs/zerolog"
	"github.com/zeebo/blake3"

	"github.com/endomorphosis/ccpointers/pkg/pointer"
	"github.com/endomorphosis/ccpointers/pkg/pointerstore"
)

// DefaultChunkRows bounds how many records are sorted in memory per
// chunk before being spilled, tuned down from a memory-per-worker budget
// by RowsForMemory.
const DefaultChunkRows = 500_000

// ErrChunkDigestMismatch is returned when a spilled chunk file's content
// no longer matches the blake3 digest recorded when it was written,
// indicating on-disk corruption of a temp file during the merge phase.
var ErrChunkDigestMismatch = errors.New("sortshard: chunk digest mismatch")

// Options configures a Sort run.
type Options struct {
	// ChunkRows bounds the number of records held in memory per chunk.
	// Zero uses DefaultChunkRows.
	ChunkRows int

	// TempDir is where spilled chunk files are written. Empty uses the
	// destination shard's directory.
	TempDir string

	RowGroupTargetRows int
}

// RowsForMemory estimates a chunk row budget from a per-worker memory
// budget in gigabytes, assuming roughly 256 bytes of resident memory per
// pointer.Record once its strings are accounted for.
func RowsForMemory(memoryPerWorkerGB float64) int {
	const bytesPerRecordEstimate = 256

	rows := int(memoryPerWorkerGB * 1e9 / bytesPerRecordEstimate)
	if rows < 1 {
		rows = 1
	}

	return rows
}

// Sort reads every record from srcPath (an unsorted pointer shard),
// sorts it by pointer.SortKey, and writes the result to dstPath via
// pkg/pointerstore's atomic publish.
func Sort(ctx context.Context, srcPath, dstPath string, opts Options) (rows int64, err error) {
	chunkRows := opts.ChunkRows
	if chunkRows <= 0 {
		chunkRows = DefaultChunkRows
	}

	tempDir := opts.TempDir
	if tempDir == "" {
		tempDir = filepath.Dir(dstPath)
	}

	reader, err := pointerstore.Open(srcPath)
	if err != nil {
		return 0, fmt.Errorf("sortshard: error opening %q: %w", srcPath, err)
	}
	defer reader.Close()

	chunks, err := spillSortedChunks(ctx, reader, tempDir, chunkRows)
	if err != nil {
		return 0, err
	}

	defer func() {
		for _, c := range chunks {
			_ = os.Remove(c.path)
		}
	}()

	zerolog.Ctx(ctx).Debug().Int("chunks", len(chunks)).Str("src", srcPath).Msg("sortshard: spilled chunks, merging")

	return mergeChunks(ctx, chunks, dstPath, opts.RowGroupTargetRows)
}

// chunkFile is one spilled, sorted run of records.
type chunkFile struct {
	path   string
	digest string
	n      int
}

// spillSortedChunks reads srcPath in row-group order, accumulating up to
// chunkRows records at a time, sorting each batch in memory, and spilling
// it to an lz4-compressed gob stream.
func spillSortedChunks(ctx context.Context, reader *pointerstore.Reader, tempDir string, chunkRows int) ([]chunkFile, error) {
	var (
		chunks []chunkFile
		buf    = make([]pointer.Record, 0, chunkRows)
	)

	flush := func() error {
		if len(buf) == 0 {
			return nil
		}

		sort.Slice(buf, func(i, j int) bool { return buf[i].Key().Less(buf[j].Key()) })

		cf, err := spillChunk(tempDir, buf)
		if err != nil {
			return err
		}

		chunks = append(chunks, cf)
		buf = buf[:0]

		return nil
	}

	for rg := 0; rg < reader.NumRowGroups(); rg++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		rows, err := reader.Rows(rg)
		if err != nil {
			return nil, fmt.Errorf("sortshard: error reading row group %d: %w", rg, err)
		}

		for _, rec := range rows {
			buf = append(buf, rec)

			if len(buf) >= chunkRows {
				if err := flush(); err != nil {
					return nil, err
				}
			}
		}
	}

	if err := flush(); err != nil {
		return nil, err
	}

	return chunks, nil
}

// spillChunk writes records (already sorted) to a new lz4-compressed gob
// file and returns its path and blake3 digest.
func spillChunk(dir string, records []pointer.Record) (chunkFile, error) {
	f, err := os.CreateTemp(dir, "sortshard-chunk-*.gob.lz4")
	if err != nil {
		return chunkFile{}, fmt.Errorf("sortshard: error creating chunk file: %w", err)
	}
	defer f.Close()

	hasher := blake3.New()
	mw := newMultiWriteCloser(f, hasher)

	lz := lz4.NewWriter(mw)

	enc := gob.NewEncoder(lz)
	for i := range records {
		if err := enc.Encode(&records[i]); err != nil {
			return chunkFile{}, fmt.Errorf("sortshard: error encoding chunk record: %w", err)
		}
	}

	if err := lz.Close(); err != nil {
		return chunkFile{}, fmt.Errorf("sortshard: error closing chunk compressor: %w", err)
	}

	digest := fmt.Sprintf("%x", hasher.Sum(nil))

	return chunkFile{path: f.Name(), digest: digest, n: len(records)}, nil
}

// multiWriteCloser tees writes to an io.Writer alongside the primary
// writer, used to hash a chunk file's lz4-compressed bytes as the
// compressor writes them to disk.
type multiWriteCloser struct {
	w io.Writer
	h io.Writer
}

func newMultiWriteCloser(w, h io.Writer) *multiWriteCloser {
	return &multiWriteCloser{w: w, h: h}
}

func (m *multiWriteCloser) Write(p []byte) (int, error) {
	if _, err := m.h.Write(p); err != nil {
		return 0, err
	}

	return m.w.Write(p)
}

// chunkReader streams records out of a spilled chunk in order, verifying
// its blake3 digest as it reads.
type chunkReader struct {
	f      *os.File
	dec    *gob.Decoder
	hasher *blake3.Hasher
	digest string
}

func openChunkReader(cf chunkFile) (*chunkReader, error) {
	f, err := os.Open(cf.path)
	if err != nil {
		return nil, fmt.Errorf("sortshard: error opening chunk %q: %w", cf.path, err)
	}

	hasher := blake3.New()
	tee := io.TeeReader(bufio.NewReaderSize(f, 1<<20), hasher)

	lzr := lz4.NewReader(tee)

	return &chunkReader{f: f, dec: gob.NewDecoder(lzr), hasher: hasher, digest: cf.digest}, nil
}

// next returns the next record, io.EOF when exhausted. The caller must
// call verify once exhausted to confirm the chunk was not corrupted.
func (c *chunkReader) next() (pointer.Record, error) {
	var rec pointer.Record
	if err := c.dec.Decode(&rec); err != nil {
		return pointer.Record{}, err
	}

	return rec, nil
}

func (c *chunkReader) verify() error {
	got := fmt.Sprintf("%x", c.hasher.Sum(nil))
	if got != c.digest {
		return fmt.Errorf("%w: %s", ErrChunkDigestMismatch, c.f.Name())
	}

	return nil
}

func (c *chunkReader) Close() error {
	return c.f.Close()
}
