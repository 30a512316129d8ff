package rangefetch_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/endomorphosis/ccpointers/pkg/rangefetch"
)

func TestLoadNetrcLookup(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "netrc")
	require.NoError(t, os.WriteFile(path, []byte("machine commoncrawl.example login cc-user password cc-pass\n"), 0o600))

	creds, err := rangefetch.LoadNetrc(path)
	require.NoError(t, err)

	got, ok := creds.Lookup("commoncrawl.example")
	require.True(t, ok)
	assert.Equal(t, "cc-user", got.Username)
	assert.Equal(t, "cc-pass", got.Password)

	_, ok = creds.Lookup("nowhere.example")
	assert.False(t, ok)
}
