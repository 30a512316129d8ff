package ledger_test

import (
	"context"
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/endomorphosis/ccpointers/pkg/ledger"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite3", "file::memory:?cache=shared")
	require.NoError(t, err)

	t.Cleanup(func() { _ = db.Close() })

	return db
}

func TestLedgerRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	db := openTestDB(t)

	l, err := ledger.Open(ctx, db)
	require.NoError(t, err)

	ok, err := l.AlreadyIngested(ctx, "cdx-00000.gz", 100, 1000)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, l.Record(ctx, "cdx-00000.gz", 100, 1000, 42))

	ok, err = l.AlreadyIngested(ctx, "cdx-00000.gz", 100, 1000)
	require.NoError(t, err)
	require.True(t, ok)

	n, err := l.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
}

func TestLedgerSizeMismatchIsNotIngested(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	db := openTestDB(t)

	l, err := ledger.Open(ctx, db)
	require.NoError(t, err)

	require.NoError(t, l.Record(ctx, "cdx-00000.gz", 100, 1000, 42))

	ok, err := l.AlreadyIngested(ctx, "cdx-00000.gz", 200, 1000)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestLedgerRecordIsIdempotent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	db := openTestDB(t)

	l, err := ledger.Open(ctx, db)
	require.NoError(t, err)

	require.NoError(t, l.Record(ctx, "cdx-00000.gz", 100, 1000, 42))
	require.NoError(t, l.Record(ctx, "cdx-00000.gz", 100, 1000, 42))

	n, err := l.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
}
