package cmd

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/riandyrn/otelchi"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"github.com/endomorphosis/ccpointers/pkg/lock"
	"github.com/endomorphosis/ccpointers/pkg/lock/local"
	"github.com/endomorphosis/ccpointers/pkg/lock/redis"
	"github.com/endomorphosis/ccpointers/pkg/paths"
	"github.com/endomorphosis/ccpointers/pkg/prometheus"
	"github.com/endomorphosis/ccpointers/pkg/supervisor"
	"github.com/endomorphosis/ccpointers/pkg/validator"
)

// superviseCommand implements C10: a long-running scheduler that drives
// every selected collection through the ingest->sort pipeline as a
// subprocess, polling to completion, with an optional cron-scheduled
// validation sweep and an optional Prometheus /metrics endpoint mirroring
// the scheduler's queue state.
func superviseCommand(flagSources flagSourcesFn) *cli.Command {
	return &cli.Command{
		Name:  "supervise",
		Usage: "Run the ingest/sort pipeline to completion across collections",
		Flags: append(layoutFlags(flagSources),
			&cli.StringSliceFlag{
				Name:    "collections",
				Usage:   "Explicit set of collections to drive to completion",
				Sources: flagSources("supervise.collections", "CCPOINTERS_SUPERVISE_COLLECTIONS"),
			},
			&cli.StringFlag{
				Name:    "filter",
				Usage:   "Regular expression narrowing the discovered collection set",
				Sources: flagSources("supervise.filter", "CCPOINTERS_SUPERVISE_FILTER"),
			},
			&cli.IntFlag{
				Name:    "max-parallel",
				Usage:   "Maximum number of concurrently running collection workers",
				Sources: flagSources("supervise.max-parallel", "CCPOINTERS_SUPERVISE_MAX_PARALLEL"),
			},
			&cli.Float64Flag{
				Name:    "min-mem-available-gib",
				Usage:   "Pause starting new workers below this much available memory",
				Sources: flagSources("supervise.min-mem-available-gib", "CCPOINTERS_SUPERVISE_MIN_MEM_AVAILABLE_GIB"),
			},
			&cli.IntFlag{
				Name:    "poll-interval-seconds",
				Usage:   "Seconds between scheduler loop iterations",
				Value:   5,
				Sources: flagSources("supervise.poll-interval-seconds", "CCPOINTERS_SUPERVISE_POLL_INTERVAL_SECONDS"),
			},
			&cli.IntFlag{
				Name:    "max-attempts",
				Usage:   "Maximum restart attempts per collection before giving up",
				Sources: flagSources("supervise.max-attempts", "CCPOINTERS_SUPERVISE_MAX_ATTEMPTS"),
			},
			&cli.IntFlag{
				Name:    "retry-backoff-base-seconds",
				Usage:   "Base backoff, doubled per attempt",
				Sources: flagSources("supervise.retry-backoff-base-seconds", "CCPOINTERS_SUPERVISE_RETRY_BACKOFF_BASE_SECONDS"),
			},
			&cli.IntFlag{
				Name:    "max-backoff-seconds",
				Usage:   "Cap on the doubled retry backoff",
				Sources: flagSources("supervise.max-backoff-seconds", "CCPOINTERS_SUPERVISE_MAX_BACKOFF_SECONDS"),
			},
			&cli.IntFlag{
				Name:    "stop-grace-seconds",
				Usage:   "Seconds a child gets to exit after SIGINT before SIGKILL",
				Sources: flagSources("supervise.stop-grace-seconds", "CCPOINTERS_SUPERVISE_STOP_GRACE_SECONDS"),
			},
			&cli.Float64Flag{
				Name:    "sort-mem-max-gib",
				Usage:   "Cap on the per-worker sort memory limit doubling applied after an OOM-like exit",
				Sources: flagSources("supervise.sort-mem-max-gib", "CCPOINTERS_SUPERVISE_SORT_MEM_MAX_GIB"),
			},
			&cli.IntFlag{
				Name:    "min-workers",
				Usage:   "Floor for the worker-count halving applied after an OOM-like exit",
				Sources: flagSources("supervise.min-workers", "CCPOINTERS_SUPERVISE_MIN_WORKERS"),
			},
			&cli.StringFlag{
				Name:    "child-binary",
				Usage:   "Executable to spawn per collection; defaults to this process's own binary",
				Sources: flagSources("supervise.child-binary", "CCPOINTERS_SUPERVISE_CHILD_BINARY"),
			},
			&cli.StringFlag{
				Name:    "cron-schedule",
				Usage:   "5-field cron expression on which a validation sweep runs between collection completions",
				Sources: flagSources("supervise.cron-schedule", "CCPOINTERS_SUPERVISE_CRON_SCHEDULE"),
			},
			&cli.StringSliceFlag{
				Name:    "redis-addrs",
				Usage:   "Redis addresses for the distributed collection-start lock; omit for a local in-process lock",
				Sources: flagSources("supervise.redis-addrs", "CCPOINTERS_SUPERVISE_REDIS_ADDRS"),
			},
			&cli.StringFlag{
				Name:    "redis-password",
				Usage:   "Redis password",
				Sources: flagSources("supervise.redis-password", "CCPOINTERS_SUPERVISE_REDIS_PASSWORD"),
			},
			&cli.IntFlag{
				Name:    "lock-ttl-seconds",
				Usage:   "TTL of the per-collection start lock",
				Sources: flagSources("supervise.lock-ttl-seconds", "CCPOINTERS_SUPERVISE_LOCK_TTL_SECONDS"),
			},
			&cli.StringFlag{
				Name:    "metrics-addr",
				Usage:   "Address to serve /metrics on when --prometheus-enabled is set",
				Value:   ":9090",
				Sources: flagSources("supervise.metrics-addr", "CCPOINTERS_SUPERVISE_METRICS_ADDR"),
			},
		),
		Action: superviseAction(),
	}
}

func superviseAction() cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) error {
		logger := zerolog.Ctx(ctx).With().Str("cmd", "supervise").Logger()
		ctx = logger.WithContext(ctx)

		ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
		defer stop()

		layout := buildLayout(cmd)

		collections, err := collectionsForFilter(layout, cmd.StringSlice("collections"), cmd.String("filter"))
		if err != nil {
			return withExitCode(err, exitUsage)
		}

		locker, err := superviseLocker(ctx, cmd)
		if err != nil {
			return withExitCode(err, exitUsage)
		}

		sup, err := supervisor.New(supervisor.Options{
			Layout:              layout,
			MaxParallel:         int(cmd.Int("max-parallel")),
			MinMemAvailableGiB:  cmd.Float64("min-mem-available-gib"),
			PollInterval:        time.Duration(cmd.Int("poll-interval-seconds")) * time.Second,
			MaxAttempts:         int(cmd.Int("max-attempts")),
			RetryBackoffBase:    time.Duration(cmd.Int("retry-backoff-base-seconds")) * time.Second,
			MaxBackoff:          time.Duration(cmd.Int("max-backoff-seconds")) * time.Second,
			StopGrace:           time.Duration(cmd.Int("stop-grace-seconds")) * time.Second,
			SortMemMaxGiB:       cmd.Float64("sort-mem-max-gib"),
			MinWorkers:          int(cmd.Int("min-workers")),
			ChildBinary:         cmd.String("child-binary"),
			ChildArgs:           childArgsFor(layout),
			Locker:              locker,
			LockTTL:             time.Duration(cmd.Int("lock-ttl-seconds")) * time.Second,
			CronSchedule:        cmd.String("cron-schedule"),
			ValidateFunc:        validateSweep(layout, logger),
		})
		if err != nil {
			return withExitCode(err, exitUsage)
		}

		g, ctx := errgroup.WithContext(ctx)

		g.Go(func() error {
			return autoMaxProcs(ctx, 30*time.Second, logger)
		})

		if cmd.Root().Bool("prometheus-enabled") {
			gatherer, shutdown, err := prometheus.SetupPrometheusMetrics(ctx, cmd.Root().Name, Version)
			if err != nil {
				return withExitCode(err, exitUsage)
			}
			defer func() { _ = shutdown(ctx) }()

			g.Go(func() error {
				return serveMetrics(ctx, cmd.String("metrics-addr"), gatherer, sup, logger)
			})
		}

		g.Go(func() error {
			return sup.Run(ctx, collections)
		})

		if err := g.Wait(); err != nil {
			if errors.Is(err, supervisor.ErrInterrupted) || errors.Is(err, context.Canceled) {
				return withExitCode(err, exitInterrupted)
			}

			return withExitCode(err, exitIncomplete)
		}

		return nil
	}
}

// childArgsFor builds the argv a supervised collection worker runs: the
// ingest subcommand (which itself ingests then sorts every shard of the
// collection) scoped to a single collection and tuned worker count.
func childArgsFor(layout paths.Layout) func(string, supervisor.ChildTuning) []string {
	return func(collection string, tuning supervisor.ChildTuning) []string {
		workers := tuning.Workers
		if workers < 1 {
			workers = 1
		}

		args := []string{
			"ingest",
			"--collections", collection,
			"--workers", strconv.Itoa(workers),
			"--sort-workers", strconv.Itoa(workers),
		}

		if layout.CCIndexRoot != "" {
			args = append(args, "--ccindex-root", layout.CCIndexRoot)
		}

		if layout.ParquetRoot != "" {
			args = append(args, "--parquet-root", layout.ParquetRoot)
		}

		if layout.RegistryRoot != "" {
			args = append(args, "--duckdb-root", layout.RegistryRoot)
		}

		if layout.ProgressDir != "" {
			args = append(args, "--progress-dir", layout.ProgressDir)
		}

		if tuning.MemoryLimitGiB > 0 {
			args = append(args, "--sort-memory-per-worker-gb", strconv.FormatFloat(tuning.MemoryLimitGiB, 'f', -1, 64))
		}

		return args
	}
}

// validateSweep wraps validator.ValidateAll as a supervisor.Options
// ValidateFunc, logging the resulting completeness report rather than
// acting on it directly; the scheduler's own ledger/progress polling
// remains the source of truth for per-collection completion.
func validateSweep(layout paths.Layout, logger zerolog.Logger) func(context.Context) error {
	return func(ctx context.Context) error {
		collections, err := validator.DiscoverCollections(layout)
		if err != nil {
			return err
		}

		reports, err := validator.ValidateAll(layout, collections)
		if err != nil {
			return err
		}

		logger.Info().
			Int("collections", len(reports)).
			Bool("all_complete", validator.AllComplete(reports)).
			Msg("supervise: scheduled validation sweep complete")

		return nil
	}
}

// superviseLocker returns a Redis-backed lock.Locker when --redis-addrs
// is given, falling back to an in-process local.Locker otherwise, so a
// single-node deployment never needs a Redis dependency just to run.
func superviseLocker(ctx context.Context, cmd *cli.Command) (lock.Locker, error) {
	addrs := cmd.StringSlice("redis-addrs")
	if len(addrs) == 0 {
		return local.NewLocker(), nil
	}

	return redis.NewLocker(ctx, redis.Config{
		Addrs:    addrs,
		Password: cmd.String("redis-password"),
	}, lock.DefaultRetryConfig(), true)
}

// serveMetrics exposes gatherer's Prometheus collectors, together with
// a gauge vector polled from sup.Snapshot() (the supervisor's in-memory
// completion, attempt and running-worker state), over HTTP until ctx is
// canceled.
func serveMetrics(ctx context.Context, addr string, gatherer promclient.Gatherer, sup *supervisor.Supervisor, logger zerolog.Logger) error {
	registry := promclient.NewRegistry()

	completed := promclient.NewGaugeVec(promclient.GaugeOpts{
		Name: "ccpointers_supervise_collection_completed",
		Help: "Whether a collection has finished ingest and sort (1) or not (0).",
	}, []string{"collection"})

	attempts := promclient.NewGaugeVec(promclient.GaugeOpts{
		Name: "ccpointers_supervise_collection_attempts",
		Help: "Number of start attempts made for a collection so far.",
	}, []string{"collection"})

	running := promclient.NewGauge(promclient.GaugeOpts{
		Name: "ccpointers_supervise_running_workers",
		Help: "Number of collection workers currently running.",
	})

	registry.MustRegister(completed, attempts, running)

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(otelchi.Middleware("ccpointers-supervise"))
	router.Use(middleware.Recoverer)

	router.Handle("/metrics", promhttp.HandlerFor(
		promclient.Gatherers{gatherer, registry},
		promhttp.HandlerOpts{},
	))

	server := &http.Server{
		BaseContext:       func(net.Listener) context.Context { return ctx },
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		_ = server.Close()
	}()

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				snap := sup.Snapshot()

				for col, done := range snap.Completed {
					v := 0.0
					if done {
						v = 1.0
					}

					completed.WithLabelValues(col).Set(v)
				}

				for col, n := range snap.Attempts {
					attempts.WithLabelValues(col).Set(float64(n))
				}

				running.Set(float64(len(snap.Running)))
			}
		}
	}()

	logger.Info().Str("addr", addr).Msg("supervise: Prometheus metrics listening")

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}

	return nil
}
