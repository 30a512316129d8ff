// Package s3 implements storage.Store on an S3-compatible bucket via
// minio-go, adapted from the teacher's pkg/storage/s3 NAR/narinfo object
// store down to the single Store/Get/Put/Delete/Walk surface artifacts
// need.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	ccs3 "github.com/endomorphosis/ccpointers/pkg/s3"
	"github.com/endomorphosis/ccpointers/pkg/storage"
)

const s3NoSuchKey = "NoSuchKey"

// Store is an S3-backed storage.Store.
type Store struct {
	client *minio.Client
	bucket string
	prefix string
}

// New creates a Store from cfg, verifying the bucket is reachable.
func New(ctx context.Context, cfg ccs3.Config) (*Store, error) {
	if err := ccs3.ValidateConfig(cfg); err != nil {
		return nil, err
	}

	useSSL := ccs3.IsHTTPS(cfg.Endpoint)
	endpoint := ccs3.GetEndpointWithoutScheme(cfg.Endpoint)

	bucketLookup := minio.BucketLookupAuto
	if cfg.ForcePathStyle {
		bucketLookup = minio.BucketLookupPath
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:        credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure:       useSSL,
		Region:       cfg.Region,
		BucketLookup: bucketLookup,
		Transport:    cfg.Transport,
	})
	if err != nil {
		return nil, fmt.Errorf("s3: error creating client: %w", err)
	}

	ok, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("s3: error checking bucket %q: %w", cfg.Bucket, err)
	}

	if !ok {
		return nil, fmt.Errorf("s3: bucket %q does not exist", cfg.Bucket)
	}

	return &Store{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (s *Store) objectKey(key string) string {
	if s.prefix == "" {
		return key
	}

	return path.Join(s.prefix, key)
}

// Has reports whether key exists.
func (s *Store) Has(ctx context.Context, key string) (bool, error) {
	_, err := s.client.StatObject(ctx, s.bucket, s.objectKey(key), minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}

	var merr minio.ErrorResponse
	if errors.As(err, &merr) && merr.Code == s3NoSuchKey {
		return false, nil
	}

	return false, fmt.Errorf("s3: error stating %q: %w", key, err)
}

// Get opens key for reading.
func (s *Store) Get(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, s.objectKey(key), minio.GetObjectOptions{})
	if err != nil {
		return nil, 0, fmt.Errorf("s3: error opening %q: %w", key, err)
	}

	info, err := obj.Stat()
	if err != nil {
		_ = obj.Close()

		var merr minio.ErrorResponse
		if errors.As(err, &merr) && merr.Code == s3NoSuchKey {
			return nil, 0, storage.ErrNotFound
		}

		return nil, 0, fmt.Errorf("s3: error stating %q: %w", key, err)
	}

	return obj, info.Size, nil
}

// Put uploads body at key.
func (s *Store) Put(ctx context.Context, key string, body io.Reader, size int64) error {
	_, err := s.client.PutObject(ctx, s.bucket, s.objectKey(key), body, size, minio.PutObjectOptions{})
	if err != nil {
		return fmt.Errorf("s3: error uploading %q: %w", key, err)
	}

	return nil
}

// Delete removes key, ignoring a missing object.
func (s *Store) Delete(ctx context.Context, key string) error {
	err := s.client.RemoveObject(ctx, s.bucket, s.objectKey(key), minio.RemoveObjectOptions{})
	if err != nil {
		var merr minio.ErrorResponse
		if errors.As(err, &merr) && merr.Code == s3NoSuchKey {
			return nil
		}

		return fmt.Errorf("s3: error deleting %q: %w", key, err)
	}

	return nil
}

// Walk visits every object under prefix.
func (s *Store) Walk(ctx context.Context, prefix string, fn func(key string) error) error {
	objPrefix := s.objectKey(prefix)

	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: objPrefix, Recursive: true}) {
		if obj.Err != nil {
			return fmt.Errorf("s3: error listing %q: %w", prefix, obj.Err)
		}

		key := obj.Key
		if s.prefix != "" {
			key = strings.TrimPrefix(key, s.prefix+"/")
		}

		if err := fn(key); err != nil {
			return err
		}
	}

	return nil
}
