package ingest_test

import (
	"bytes"
	"compress/gzip"
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/endomorphosis/ccpointers/pkg/ingest"
	"github.com/endomorphosis/ccpointers/pkg/ledger"
	"github.com/endomorphosis/ccpointers/pkg/paths"
	"github.com/endomorphosis/ccpointers/pkg/pointerstore"
	"github.com/endomorphosis/ccpointers/pkg/progress"
)

func testLayout(t *testing.T) paths.Layout {
	t.Helper()

	root := t.TempDir()

	return paths.Layout{
		CCIndexRoot:  filepath.Join(root, "ccindex"),
		ParquetRoot:  filepath.Join(root, "parquet"),
		RegistryRoot: filepath.Join(root, "registry"),
		ProgressDir:  filepath.Join(root, "progress"),
		StateDir:     filepath.Join(root, "state"),
	}
}

func openTestLedger(t *testing.T) *ledger.Ledger {
	t.Helper()

	db, err := sql.Open("sqlite3", "file::memory:?cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	l, err := ledger.Open(context.Background(), db)
	require.NoError(t, err)

	return l
}

func writeGzippedShard(t *testing.T, path string, lines ...string) {
	t.Helper()

	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))

	var buf bytes.Buffer

	gz := gzip.NewWriter(&buf)
	for _, l := range lines {
		_, err := gz.Write([]byte(l + "\n"))
		require.NoError(t, err)
	}
	require.NoError(t, gz.Close())

	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
}

func TestShardParsesWritesAndRecordsLedgerOnce(t *testing.T) {
	t.Parallel()

	layout := testLayout(t)
	collection := "CC-MAIN-2024-10"
	shard := "cdx-00000.gz"

	writeGzippedShard(t, layout.SourceShard(collection, shard),
		`com,example)/ 20240101000000 {"url": "https://example.com/", "status": "200", "digest": "ABC", "filename": "x.warc.gz", "offset": "100", "length": "200"}`,
		`com,example)/about 20240102000000 {"url": "https://example.com/about", "status": "200", "digest": "DEF", "filename": "x.warc.gz", "offset": "300", "length": "150"}`,
	)

	l := openTestLedger(t)

	journal, err := progress.Open(layout.ProgressDir)
	require.NoError(t, err)

	res, err := ingest.Shard(context.Background(), layout, l, journal, collection, shard, ingest.Options{})
	require.NoError(t, err)
	assert.False(t, res.Skipped)
	assert.Equal(t, 2, res.RowsWritten)

	reader, err := pointerstore.Open(layout.ParquetShard(collection, shard))
	require.NoError(t, err)
	defer reader.Close()
	assert.Equal(t, int64(2), reader.NumRows())

	snap, ok, err := journal.Read(paths.ShardKey(collection, shard))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, progress.StageWritten, snap.Stage)
	assert.Equal(t, int64(2), snap.RowsParsed)

	count, err := l.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	res2, err := ingest.Shard(context.Background(), layout, l, journal, collection, shard, ingest.Options{})
	require.NoError(t, err)
	assert.True(t, res2.Skipped)

	count, err = l.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestCollectionStopsAtFirstHardError(t *testing.T) {
	t.Parallel()

	layout := testLayout(t)
	collection := "CC-MAIN-2024-10"

	writeGzippedShard(t, layout.SourceShard(collection, "cdx-00000.gz"),
		`com,example)/ 20240101000000 {"url": "https://example.com/"}`,
	)

	l := openTestLedger(t)
	journal, err := progress.Open(layout.ProgressDir)
	require.NoError(t, err)

	_, err = ingest.Collection(context.Background(), layout, l, journal, collection,
		[]string{"cdx-00000.gz", "cdx-missing.gz"}, ingest.Options{})
	require.Error(t, err)
}
