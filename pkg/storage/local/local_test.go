package local_test

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/endomorphosis/ccpointers/pkg/storage"
	"github.com/endomorphosis/ccpointers/pkg/storage/local"
)

func TestStoreRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	s, err := local.New(t.TempDir())
	require.NoError(t, err)

	has, err := s.Has(ctx, "CC-MAIN-2024-10/cdx-00000.gz.parquet")
	require.NoError(t, err)
	assert.False(t, has)

	body := []byte("parquet bytes")
	require.NoError(t, s.Put(ctx, "CC-MAIN-2024-10/cdx-00000.gz.parquet", bytes.NewReader(body), int64(len(body))))

	has, err = s.Has(ctx, "CC-MAIN-2024-10/cdx-00000.gz.parquet")
	require.NoError(t, err)
	assert.True(t, has)

	rc, size, err := s.Get(ctx, "CC-MAIN-2024-10/cdx-00000.gz.parquet")
	require.NoError(t, err)

	defer rc.Close()

	assert.Equal(t, int64(len(body)), size)

	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, body, got)
}

func TestStoreGetMissing(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	s, err := local.New(t.TempDir())
	require.NoError(t, err)

	_, _, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestStoreWalk(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	s, err := local.New(t.TempDir())
	require.NoError(t, err)

	for _, key := range []string{
		"CC-MAIN-2024-10/cdx-00000.gz.parquet",
		"CC-MAIN-2024-10/cdx-00001.gz.parquet",
		"CC-MAIN-2024-11/cdx-00000.gz.parquet",
	} {
		require.NoError(t, s.Put(ctx, key, bytes.NewReader([]byte("x")), 1))
	}

	var seen []string

	require.NoError(t, s.Walk(ctx, "CC-MAIN-2024-10", func(key string) error {
		seen = append(seen, key)

		return nil
	}))

	assert.Len(t, seen, 2)
}

func TestStoreDeleteMissingIsNotError(t *testing.T) {
	t.Parallel()

	s, err := local.New(t.TempDir())
	require.NoError(t, err)

	assert.NoError(t, s.Delete(context.Background(), "does-not-exist"))
}
