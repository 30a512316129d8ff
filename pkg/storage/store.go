// Package storage abstracts the object store that backs parquet_root and
// ccindex_root: every published artifact (a pointer shard, a sorted
// shard, a row-group index segment, a meta-index file) is a named blob
// written exactly once and then only ever read or replaced wholesale.
// Implementations are provided for local disk (pkg/storage/local) and
// S3-compatible object storage (pkg/storage/s3), adapted from the
// teacher's NAR/narinfo object stores onto this narrower artifact-store
// interface.
package storage

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned when a key does not exist in the store.
var ErrNotFound = errors.New("storage: key not found")

// ErrAlreadyExists is returned by Put when the store already holds a blob
// at key and the implementation does not permit silent overwrite.
var ErrAlreadyExists = errors.New("storage: key already exists")

// Store represents an artifact object store keyed by a root-relative
// path, e.g. "CC-MAIN-2024-10/cdx-00000.gz.parquet" or
// "CC-MAIN-2024-10/meta/master.json".
type Store interface {
	// Has reports whether key exists.
	Has(ctx context.Context, key string) (bool, error)

	// Get opens key for reading. The caller must close the returned
	// io.ReadCloser. Returns ErrNotFound if key does not exist.
	Get(ctx context.Context, key string) (io.ReadCloser, int64, error)

	// Put writes body to key, replacing any existing blob. Implementations
	// must publish atomically: a reader must never observe a partial
	// write.
	Put(ctx context.Context, key string, body io.Reader, size int64) error

	// Delete removes key. It is not an error to delete a missing key.
	Delete(ctx context.Context, key string) error

	// Walk calls fn once for every key under prefix, in an
	// implementation-defined order. Walking stops at the first error fn
	// returns.
	Walk(ctx context.Context, prefix string, fn func(key string) error) error
}
