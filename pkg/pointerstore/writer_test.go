package pointerstore_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/endomorphosis/ccpointers/pkg/pointer"
	"github.com/endomorphosis/ccpointers/pkg/pointerstore"
)

func rec(hostRev, url string) pointer.Record {
	return pointer.Record{
		Collection: "CC-MAIN-2024-10",
		ShardFile:  "cdx-00000.gz",
		Timestamp:  "20240101000000",
		URL:        url,
		HostRev:    hostRev,
	}
}

func TestWriterRoundTrip(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "cdx-00000.gz.parquet")

	w, err := pointerstore.New(path, pointerstore.Options{})
	require.NoError(t, err)

	require.NoError(t, w.Write(rec("com,example", "https://example.com/p")))
	require.NoError(t, w.Write(rec("com,example,a", "https://a.example.com/q")))
	require.NoError(t, w.Close())

	assert.False(t, pointerstore.HasEmptyMarker(path))

	r, err := pointerstore.Open(path)
	require.NoError(t, err)

	defer r.Close()

	assert.Equal(t, int64(2), r.NumRows())

	recs, err := r.AllRecords()
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "com,example", recs[0].HostRev)
	assert.Equal(t, "com,example,a", recs[1].HostRev)
}

func TestWriterEmptyShard(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "cdx-00001.gz.parquet")

	w, err := pointerstore.New(path, pointerstore.Options{})
	require.NoError(t, err)
	require.NoError(t, w.Close())

	assert.True(t, pointerstore.HasEmptyMarker(path))

	r, err := pointerstore.Open(path)
	require.NoError(t, err)

	defer r.Close()

	assert.Equal(t, int64(0), r.NumRows())
}

func TestWriterRowGroupBounding(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "cdx-00002.gz.parquet")

	w, err := pointerstore.New(path, pointerstore.Options{RowGroupTargetRows: 2})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, w.Write(rec("com,example", "https://example.com/p")))
	}

	require.NoError(t, w.Close())

	r, err := pointerstore.Open(path)
	require.NoError(t, err)

	defer r.Close()

	assert.GreaterOrEqual(t, r.NumRowGroups(), 2)
	assert.Equal(t, int64(5), r.NumRows())
}

func TestWriterRejectsConcurrentOpen(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "cdx-00003.gz.parquet")

	w, err := pointerstore.New(path, pointerstore.Options{})
	require.NoError(t, err)

	defer func() { _ = w.Abort() }()

	_, err = pointerstore.New(path, pointerstore.Options{})
	assert.ErrorIs(t, err, pointerstore.ErrAlreadyWriting)
}

func TestWriterAbortRemovesTmp(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "cdx-00004.gz.parquet")

	w, err := pointerstore.New(path, pointerstore.Options{})
	require.NoError(t, err)
	require.NoError(t, w.Write(rec("com,example", "https://example.com/p")))
	require.NoError(t, w.Abort())

	_, err = os.Stat(path + pointerstore.TmpSuffix)
	assert.True(t, os.IsNotExist(err))

	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}
