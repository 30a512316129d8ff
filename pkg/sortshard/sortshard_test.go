package sortshard_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/endomorphosis/ccpointers/pkg/pointer"
	"github.com/endomorphosis/ccpointers/pkg/pointerstore"
	"github.com/endomorphosis/ccpointers/pkg/sortshard"
)

func writeUnsorted(t *testing.T, hostRevs []string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "cdx-00000.gz.parquet")

	w, err := pointerstore.New(path, pointerstore.Options{RowGroupTargetRows: 1000})
	require.NoError(t, err)

	for i, hr := range hostRevs {
		rec := pointer.Record{HostRev: hr, URL: "https://example.com/p", Timestamp: "20240101000000"}
		if hr == "" {
			rec.URL = rec.URL + string(rune('a'+i))
		}

		require.NoError(t, w.Write(rec))
	}

	require.NoError(t, w.Close())

	return path
}

func TestSortOrdersByHostRevNullsLast(t *testing.T) {
	t.Parallel()

	src := writeUnsorted(t, []string{"com,examplex", "", "com,example", "com,example,a"})
	dst := filepath.Join(t.TempDir(), "cdx-00000.gz.sorted.parquet")

	n, err := sortshard.Sort(context.Background(), src, dst, sortshard.Options{ChunkRows: 2, RowGroupTargetRows: 1000})
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)

	reader, err := pointerstore.Open(dst)
	require.NoError(t, err)
	defer reader.Close()

	rows, err := reader.Rows(0)
	require.NoError(t, err)
	require.Len(t, rows, 4)

	assert.Equal(t, "com,example", rows[0].HostRev)
	assert.Equal(t, "com,example,a", rows[1].HostRev)
	assert.Equal(t, "com,examplex", rows[2].HostRev)
	assert.Equal(t, "", rows[3].HostRev)
}

func TestSortSinglePassWhenChunkRowsExceedsInput(t *testing.T) {
	t.Parallel()

	src := writeUnsorted(t, []string{"com,b", "com,a"})
	dst := filepath.Join(t.TempDir(), "cdx-00001.gz.sorted.parquet")

	n, err := sortshard.Sort(context.Background(), src, dst, sortshard.Options{ChunkRows: 1000, RowGroupTargetRows: 1000})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	reader, err := pointerstore.Open(dst)
	require.NoError(t, err)
	defer reader.Close()

	rows, err := reader.Rows(0)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "com,a", rows[0].HostRev)
	assert.Equal(t, "com,b", rows[1].HostRev)
}

func TestRowsForMemory(t *testing.T) {
	t.Parallel()

	assert.Greater(t, sortshard.RowsForMemory(1), 0)
	assert.Equal(t, 1, sortshard.RowsForMemory(0))
}
