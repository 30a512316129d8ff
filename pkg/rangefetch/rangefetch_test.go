package rangefetch_test

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/endomorphosis/ccpointers/pkg/lock"
	"github.com/endomorphosis/ccpointers/pkg/rangefetch"
)

func TestFetchReturnsRangeAndVerifiesDigest(t *testing.T) {
	t.Parallel()

	payload := []byte("hello warc range")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "bytes=2-7", r.Header.Get("Range"))
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write(payload[2:8])
	}))
	defer srv.Close()

	sum := sha256.Sum256(payload[2:8])
	digest := hex.EncodeToString(sum[:])

	f := rangefetch.New(rangefetch.Options{})

	res, err := f.Fetch(context.Background(), rangefetch.Request{
		WARCURL: srv.URL, Offset: 2, Length: 6, ExpectedSHA256: digest,
	})
	require.NoError(t, err)
	assert.Equal(t, payload[2:8], res.Body)
	assert.Equal(t, digest, res.SHA256)
}

func TestFetchToFileWritesAndRenames(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write([]byte("warc-bytes"))
	}))
	defer srv.Close()

	f := rangefetch.New(rangefetch.Options{})

	outPath := filepath.Join(t.TempDir(), "20240101000000.warc.gz")

	require.NoError(t, f.FetchToFile(context.Background(), rangefetch.Request{
		WARCURL: srv.URL, Offset: 0, Length: 10,
	}, outPath))

	got, err := os.ReadFile(outPath)
	require.NoError(t, err)
	assert.Equal(t, "warc-bytes", string(got))

	_, err = os.Stat(outPath + ".part")
	assert.True(t, os.IsNotExist(err))
}

func TestFetchDigestMismatch(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write([]byte("abcdef"))
	}))
	defer srv.Close()

	f := rangefetch.New(rangefetch.Options{RetryConfig: lock.RetryConfig{MaxAttempts: 1}})

	_, err := f.Fetch(context.Background(), rangefetch.Request{
		WARCURL: srv.URL, Offset: 0, Length: 6, ExpectedSHA256: "deadbeef",
	})
	require.ErrorIs(t, err, rangefetch.ErrDigestMismatch)
}

func TestFetchRetriesThenSucceeds(t *testing.T) {
	t.Parallel()

	attempts := 0

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)

			return
		}

		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	f := rangefetch.New(rangefetch.Options{
		RetryConfig: lock.RetryConfig{MaxAttempts: 5, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond},
	})

	res, err := f.Fetch(context.Background(), rangefetch.Request{WARCURL: srv.URL, Offset: 0, Length: 2})
	require.NoError(t, err)
	assert.Equal(t, []byte("ok"), res.Body)
	assert.Equal(t, 3, attempts)
}

func TestFetchExhaustsRetriesAndOpensCircuit(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	f := rangefetch.New(rangefetch.Options{
		RetryConfig:      lock.RetryConfig{MaxAttempts: 2, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond},
		BreakerThreshold: 2,
		BreakerTimeout:   time.Minute,
	})

	_, err := f.Fetch(context.Background(), rangefetch.Request{WARCURL: srv.URL, Offset: 0, Length: 2})
	require.Error(t, err)

	_, err = f.Fetch(context.Background(), rangefetch.Request{WARCURL: srv.URL, Offset: 0, Length: 2})
	require.ErrorIs(t, err, rangefetch.ErrCircuitOpen)
}
