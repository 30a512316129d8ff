package subprocess_test

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/endomorphosis/ccpointers/pkg/sortshard/subprocess"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()

	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}

	path := filepath.Join(t.TempDir(), "fake-sort.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))

	return path
}

func TestRunSucceedsOnFirstAttempt(t *testing.T) {
	t.Parallel()

	bin := writeScript(t, "exit 0\n")

	err := subprocess.Run(context.Background(), "in.parquet", "out.parquet", subprocess.Options{
		BinaryPath: bin, MaxAttempts: 3,
	})
	require.NoError(t, err)
}

func TestRunRetriesThenFails(t *testing.T) {
	t.Parallel()

	bin := writeScript(t, "exit 1\n")

	err := subprocess.Run(context.Background(), "in.parquet", "out.parquet", subprocess.Options{
		BinaryPath: bin, MaxAttempts: 2,
	})
	require.ErrorIs(t, err, subprocess.ErrSortFailed)
}

func TestRunRetriesUntilSuccess(t *testing.T) {
	t.Parallel()

	counterFile := filepath.Join(t.TempDir(), "attempts")

	bin := writeScript(t, `
count=0
if [ -f "`+counterFile+`" ]; then
  count=$(cat "`+counterFile+`")
fi
count=$((count+1))
echo "$count" > "`+counterFile+`"
if [ "$count" -lt 2 ]; then
  exit 1
fi
exit 0
`)

	err := subprocess.Run(context.Background(), "in.parquet", "out.parquet", subprocess.Options{
		BinaryPath: bin, MaxAttempts: 3,
	})
	require.NoError(t, err)

	got, err := os.ReadFile(counterFile)
	require.NoError(t, err)
	assert.Equal(t, "2\n", string(got))
}
