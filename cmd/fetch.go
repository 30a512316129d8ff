package cmd

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/endomorphosis/ccpointers/pkg/database"
	"github.com/endomorphosis/ccpointers/pkg/lock"
	"github.com/endomorphosis/ccpointers/pkg/lock/local"
	"github.com/endomorphosis/ccpointers/pkg/rangefetch"
	"github.com/endomorphosis/ccpointers/pkg/resolver"
	ccs3 "github.com/endomorphosis/ccpointers/pkg/s3"
	"github.com/endomorphosis/ccpointers/pkg/storage"
	"github.com/endomorphosis/ccpointers/pkg/storage/s3"
)

// errNoWARCPointer is returned when a resolved record carries no usable
// WARC filename/offset/length triple to fetch.
var errNoWARCPointer = errors.New("fetch: record has no WARC pointer")

// fetchCommand implements C9: resolving a domain the same way
// searchCommand does, then fetching each matched record's byte range out
// of its WARC file, bounded by a semaphore.Weighted worker pool so a slow
// or misbehaving upstream can't stall the whole run.
func fetchCommand(flagSources flagSourcesFn) *cli.Command {
	flags := layoutFlags(flagSources)
	flags = append(flags,
		&cli.StringFlag{
			Name:     "out-dir",
			Usage:    "Directory to write fetched WARC ranges into",
			Sources:  flagSources("fetch.out-dir", "CCPOINTERS_FETCH_OUT_DIR"),
			Required: true,
		},
		&cli.StringFlag{
			Name:     "domain",
			Usage:    "Domain to resolve and fetch",
			Sources:  flagSources("fetch.domain", "CCPOINTERS_FETCH_DOMAIN"),
			Required: true,
		},
		&cli.StringFlag{
			Name:    "prefix",
			Usage:   "Base URL prepended to a record's WARC filename, e.g. https://data.commoncrawl.org/",
			Sources: flagSources("fetch.prefix", "CCPOINTERS_FETCH_PREFIX"),
		},
		&cli.IntFlag{
			Name:    "max-records",
			Usage:   "Cap the number of records fetched; 0 means unbounded",
			Sources: flagSources("fetch.max-records", "CCPOINTERS_FETCH_MAX_RECORDS"),
		},
		&cli.IntFlag{
			Name:    "max-bytes",
			Usage:   "Cap total fetched bytes across the run; 0 means unbounded",
			Sources: flagSources("fetch.max-bytes", "CCPOINTERS_FETCH_MAX_BYTES"),
		},
		&cli.IntFlag{
			Name:    "workers",
			Usage:   "Number of concurrent range fetches",
			Value:   4,
			Sources: flagSources("fetch.workers", "CCPOINTERS_FETCH_WORKERS"),
		},
		&cli.IntFlag{
			Name:    "timeout",
			Usage:   "Per-request response-header timeout in seconds",
			Value:   30,
			Sources: flagSources("fetch.timeout", "CCPOINTERS_FETCH_TIMEOUT"),
		},
		&cli.IntFlag{
			Name:    "retries",
			Usage:   "Maximum attempts per record before giving up on it",
			Value:   3,
			Sources: flagSources("fetch.retries", "CCPOINTERS_FETCH_RETRIES"),
		},
		&cli.StringFlag{
			Name:    "netrc",
			Usage:   "Path to a netrc file for basic-auth credentials against the WARC host",
			Sources: flagSources("fetch.netrc", "CCPOINTERS_FETCH_NETRC"),
		},
		&cli.StringFlag{
			Name:    "s3-bucket",
			Usage:   "Also upload each fetched range to this S3-compatible bucket; omit to fetch to disk only",
			Sources: flagSources("fetch.s3-bucket", "CCPOINTERS_FETCH_S3_BUCKET"),
		},
		&cli.StringFlag{
			Name:    "s3-endpoint",
			Usage:   "S3-compatible endpoint URL, e.g. https://s3.amazonaws.com",
			Sources: flagSources("fetch.s3-endpoint", "CCPOINTERS_FETCH_S3_ENDPOINT"),
		},
		&cli.StringFlag{
			Name:    "s3-access-key-id",
			Usage:   "S3 access key ID",
			Sources: flagSources("fetch.s3-access-key-id", "CCPOINTERS_FETCH_S3_ACCESS_KEY_ID"),
		},
		&cli.StringFlag{
			Name:    "s3-secret-access-key",
			Usage:   "S3 secret access key",
			Sources: flagSources("fetch.s3-secret-access-key", "CCPOINTERS_FETCH_S3_SECRET_ACCESS_KEY"),
		},
		&cli.StringFlag{
			Name:    "s3-prefix",
			Usage:   "Key prefix under which fetched ranges are uploaded",
			Sources: flagSources("fetch.s3-prefix", "CCPOINTERS_FETCH_S3_PREFIX"),
		},
		&cli.BoolFlag{
			Name:    "s3-force-path-style",
			Usage:   "Use path-style bucket addressing, required by MinIO and most non-AWS S3-compatible services",
			Sources: flagSources("fetch.s3-force-path-style", "CCPOINTERS_FETCH_S3_FORCE_PATH_STYLE"),
		},
	)

	return &cli.Command{
		Name:   "fetch",
		Usage:  "Fetch resolved WARC byte ranges to local files",
		Flags:  flags,
		Action: fetchAction(),
	}
}

func fetchAction() cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) error {
		logger := zerolog.Ctx(ctx).With().Str("cmd", "fetch").Logger()
		ctx = logger.WithContext(ctx)

		ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
		defer stop()

		domain := cmd.String("domain")
		if domain == "" {
			return withExitCode(errDomainRequired, exitUsage)
		}

		outDir := cmd.String("out-dir")
		if err := os.MkdirAll(outDir, 0o755); err != nil {
			return withExitCode(err, exitUsage)
		}

		layout := buildLayout(cmd)

		open := func(ctx context.Context, dbPath string) (*sql.DB, error) {
			db, _, err := database.Open(sqliteDSN(dbPath), nil)

			return db, err
		}

		r := resolver.New(layout, open, local.NewRWLocker())

		matches, err := r.Resolve(ctx, domain)
		if err != nil {
			return withExitCode(err, exitIncomplete)
		}

		if maxRecords := int(cmd.Int("max-records")); maxRecords > 0 && len(matches) > maxRecords {
			matches = matches[:maxRecords]
		}

		var creds rangefetch.CredentialSource

		if netrcPath := cmd.String("netrc"); netrcPath != "" {
			creds, err = rangefetch.LoadNetrc(netrcPath)
			if err != nil {
				return withExitCode(err, exitUsage)
			}
		}

		retry := lock.DefaultRetryConfig()
		if retries := int(cmd.Int("retries")); retries > 0 {
			retry.MaxAttempts = retries
		}

		fetcher := rangefetch.New(rangefetch.Options{
			Credentials:           creds,
			ResponseHeaderTimeout: time.Duration(cmd.Int("timeout")) * time.Second,
			RetryConfig:           retry,
		})

		var store storage.Store

		if bucket := cmd.String("s3-bucket"); bucket != "" {
			store, err = s3.New(ctx, ccs3.Config{
				Bucket:          bucket,
				Endpoint:        cmd.String("s3-endpoint"),
				AccessKeyID:     cmd.String("s3-access-key-id"),
				SecretAccessKey: cmd.String("s3-secret-access-key"),
				Prefix:          cmd.String("s3-prefix"),
				ForcePathStyle:  cmd.Bool("s3-force-path-style"),
			})
			if err != nil {
				return withExitCode(err, exitUsage)
			}
		}

		prefix := cmd.String("prefix")
		maxBytes := cmd.Int("max-bytes")

		workers := cmd.Int("workers")
		if workers < 1 {
			workers = 1
		}

		sem := semaphore.NewWeighted(workers)
		g, ctx := errgroup.WithContext(ctx)

		var fetchedBytes atomic.Int64

		for i, m := range matches {
			i, m := i, m

			if err := sem.Acquire(ctx, 1); err != nil {
				return withExitCode(err, exitInterrupted)
			}

			g.Go(func() error {
				defer sem.Release(1)

				if maxBytes > 0 && fetchedBytes.Load() >= maxBytes {
					return nil
				}

				n, err := fetchMatch(ctx, fetcher, store, prefix, outDir, i, m)
				if err != nil {
					return err
				}

				fetchedBytes.Add(n)

				return nil
			})
		}

		if err := g.Wait(); err != nil {
			if errors.Is(err, context.Canceled) {
				return withExitCode(err, exitInterrupted)
			}

			return withExitCode(err, exitIncomplete)
		}

		logger.Info().Int("records", len(matches)).Int64("bytes", fetchedBytes.Load()).Msg("fetch complete")

		return nil
	}
}

// fetchMatch fetches a single resolved match's byte range into
// <outDir>/<collection>_<index>.bin, then, if store is non-nil, uploads
// the same bytes to the object store under the same relative key —
// mirroring how hf_upload_cc_pointers_by_collection.py pushes fetched
// artifacts to object storage after writing them locally.
func fetchMatch(
	ctx context.Context, fetcher *rangefetch.Fetcher, store storage.Store, prefix, outDir string, i int, m resolver.Match,
) (int64, error) {
	if !m.Record.HasWARCPointer() {
		return 0, fmt.Errorf("%w: %s", errNoWARCPointer, m.Record.URL)
	}

	warcURL := prefix + *m.Record.Meta.WARCFilename
	key := m.Collection + "_" + strconv.Itoa(i) + ".bin"
	outPath := filepath.Join(outDir, key)

	req := rangefetch.Request{
		WARCURL: warcURL,
		Offset:  *m.Record.Meta.WARCOffset,
		Length:  *m.Record.Meta.WARCLength,
	}

	if err := fetcher.FetchToFile(ctx, req, outPath); err != nil {
		return 0, err
	}

	if store != nil {
		if err := uploadFetched(ctx, store, key, outPath, req.Length); err != nil {
			return 0, err
		}
	}

	return req.Length, nil
}

// uploadFetched re-opens the just-written local file and puts it at key
// in store, so a --s3-bucket run ends with the same bytes on disk and
// in object storage rather than choosing one or the other.
func uploadFetched(ctx context.Context, store storage.Store, key, localPath string, size int64) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("fetch: error reopening %q for upload: %w", localPath, err)
	}
	defer f.Close()

	if err := store.Put(ctx, key, f, size); err != nil {
		return fmt.Errorf("fetch: error uploading %q: %w", key, err)
	}

	return nil
}
