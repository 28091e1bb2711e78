// Package runner drives one reconciliation run end to end: fan out the
// mediator and network fetches, join the results, replace the affected
// partitions, and hand the alert payload to the notifier. Per-network
// failures degrade the run; mediator failure ends it.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/lootfox/revmatch/pkg/alert"
	"github.com/lootfox/revmatch/pkg/config"
	"github.com/lootfox/revmatch/pkg/export"
	"github.com/lootfox/revmatch/pkg/fetcher"
	"github.com/lootfox/revmatch/pkg/fetcher/applovin"
	"github.com/lootfox/revmatch/pkg/metrics"
	"github.com/lootfox/revmatch/pkg/notify"
	"github.com/lootfox/revmatch/pkg/reconcile"
	"github.com/lootfox/revmatch/pkg/schema"
	"github.com/lootfox/revmatch/pkg/tokencache"
)

// Mediator produces the MAX breakdown the run reconciles against.
type Mediator interface {
	FetchMediator(ctx context.Context, start, end time.Time) (*fetcher.MediatorBreakdown, error)
}

// Notifier delivers payloads. The Slack notifier implements it; tests plug
// in fakes.
type Notifier interface {
	Notify(ctx context.Context, p *alert.Payload) error
	NotifyFailure(ctx context.Context, start, end string, cause error) error
}

// Exporter writes partitions. The parquet exporter implements it.
type Exporter interface {
	WriteAll(ctx context.Context, rows []reconcile.ComparisonRow) ([]string, error)
}

// Config configures a Runner. Mediator, Fetchers, Exporter, and Notifier
// are built from Config when left nil; tests inject fakes.
type Config struct {
	Logger *slog.Logger
	Config *config.Config

	// Clock is the time source, defaulting to the real clock.
	Clock clockwork.Clock

	// DryRun forces the local partition store regardless of export config.
	DryRun bool

	Mediator Mediator
	Fetchers []fetcher.Fetcher
	Exporter Exporter
	Notifier Notifier
	Tokens   *tokencache.Store

	// OnSummary observes each run's final summary, e.g. for the ops server.
	OnSummary func(*reconcile.RunSummary)
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Config == nil {
		return errors.New("config is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Runner owns the per-run pipeline. One Runner serves many runs; the
// process-level PID lock keeps runs serialized.
type Runner struct {
	log   *slog.Logger
	cfg   Config
	clock clockwork.Clock

	mediator  Mediator
	fetchers  []fetcher.Fetcher
	badBuilds map[schema.Network]error
	exporter  Exporter
	notifier  Notifier
	formatter *alert.Formatter
	engine    *reconcile.Engine

	latest atomic.Pointer[reconcile.RunSummary]
}

// New wires a Runner from config, building any collaborator not injected.
func New(ctx context.Context, cfg Config) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid runner config: %w", err)
	}

	r := &Runner{
		log:       cfg.Logger,
		cfg:       cfg,
		clock:     cfg.Clock,
		mediator:  cfg.Mediator,
		fetchers:  cfg.Fetchers,
		exporter:  cfg.Exporter,
		notifier:  cfg.Notifier,
		badBuilds: make(map[schema.Network]error),
	}

	if r.mediator == nil {
		m, err := applovin.NewMax(applovin.MaxConfig{
			Logger: cfg.Logger,
			Clock:  cfg.Clock,
			APIKey: cfg.Config.Mediator.APIKey,
		})
		if err != nil {
			return nil, err
		}
		r.mediator = m
	}

	if r.fetchers == nil {
		tokens := cfg.Tokens
		if tokens == nil {
			var err error
			tokens, err = tokencache.New(tokencache.Config{
				Logger: cfg.Logger,
				Dir:    cfg.Config.CredentialsDir,
				Clock:  cfg.Clock,
			})
			if err != nil {
				return nil, err
			}
		}
		r.fetchers, r.badBuilds = buildFetchers(cfg.Logger, cfg.Clock, cfg.Config, tokens)
		for network, err := range r.badBuilds {
			cfg.Logger.Warn("runner: network adapter unavailable", "network", network, "error", err)
		}
	}

	if r.exporter == nil {
		store, err := buildStore(ctx, cfg)
		if err != nil {
			return nil, err
		}
		e, err := export.New(export.Config{Logger: cfg.Logger, Store: store, Clock: cfg.Clock})
		if err != nil {
			return nil, err
		}
		r.exporter = e
	}

	if r.notifier == nil && cfg.Config.Alerting.Webhook != "" {
		n, err := notify.NewSlack(notify.Config{
			Logger:     cfg.Logger,
			WebhookURL: cfg.Config.Alerting.Webhook,
			Channel:    cfg.Config.Alerting.Channel,
		})
		if err != nil {
			return nil, err
		}
		r.notifier = n
	}

	formatter, err := alert.New(alert.Config{
		Logger: cfg.Logger,
		Options: alert.Options{
			ThresholdPct:    cfg.Config.Validation.ThresholdPct,
			MinRevenueFloor: cfg.Config.Validation.MinRevenueFloor,
			DashboardURL:    cfg.Config.Alerting.DashboardURL,
		},
	})
	if err != nil {
		return nil, err
	}
	r.formatter = formatter

	engine, err := reconcile.New(reconcile.Config{Logger: cfg.Logger, Clock: cfg.Clock})
	if err != nil {
		return nil, err
	}
	r.engine = engine

	return r, nil
}

func buildStore(ctx context.Context, cfg Config) (export.PartitionStore, error) {
	if cfg.Config.Export.Bucket != "" && !cfg.DryRun {
		return export.NewS3Store(ctx, export.S3Config{
			Logger:          cfg.Logger,
			Bucket:          cfg.Config.Export.Bucket,
			Prefix:          cfg.Config.Export.Prefix,
			Region:          cfg.Config.Export.Region,
			Endpoint:        cfg.Config.Export.Endpoint,
			CredentialsFile: cfg.Config.Export.CredentialsFile,
		})
	}
	root := cfg.Config.Export.LocalRoot
	if root == "" {
		root = "export"
	}
	return export.NewLocalStore(cfg.Logger, root)
}

// Options selects one run's window and suppressions.
type Options struct {
	Start time.Time
	End   time.Time

	NoExport bool
	NoAlert  bool
}

// DefaultWindow is yesterday back through dateRangeDays days, all UTC.
func DefaultWindow(now time.Time, dateRangeDays int) (start, end time.Time) {
	end = schema.AddDays(now, -1)
	start = schema.AddDays(end, -(dateRangeDays - 1))
	return start, end
}

// Latest returns the most recent run summary, or nil before the first run.
func (r *Runner) Latest() *reconcile.RunSummary {
	return r.latest.Load()
}

func (r *Runner) publish(summary *reconcile.RunSummary) {
	r.latest.Store(summary)
	if r.cfg.OnSummary != nil {
		r.cfg.OnSummary(summary)
	}
}

// Run executes one reconciliation over [opts.Start, opts.End]. The returned
// summary is always non-nil; the error is non-nil only for run-fatal
// failures (mediator, export).
func (r *Runner) Run(ctx context.Context, opts Options) (*reconcile.RunSummary, error) {
	startDay := schema.FormatDate(opts.Start)
	endDay := schema.FormatDate(opts.End)
	runStart := r.clock.Now()

	summary := reconcile.NewRunSummary(uuid.NewString(), startDay, endDay, runStart)
	defer r.publish(summary)

	r.log.Info("runner: run starting", "run_id", summary.RunID, "start", startDay, "end", endDay)

	fail := func(ctx context.Context, err error) (*reconcile.RunSummary, error) {
		summary.Error = err.Error()
		summary.SetState(reconcile.StateFailed, r.clock.Now())
		metrics.RunTotal.WithLabelValues("failed").Inc()
		if !opts.NoAlert && r.notifier != nil {
			if nerr := r.notifier.NotifyFailure(ctx, startDay, endDay, err); nerr != nil {
				r.log.Error("runner: failure notification failed", "error", nerr)
			}
		}
		return summary, err
	}

	// Fetch fan-out: the mediator plus every enabled network in parallel.
	// Network errors are collected; a mediator error cancels the group.
	summary.SetState(reconcile.StateFetching, r.clock.Now())

	var (
		mu       sync.Mutex
		mediator *fetcher.MediatorBreakdown
		results  = make(map[schema.Network]reconcile.FetchResult, len(r.fetchers)+len(r.badBuilds))
	)
	for network, err := range r.badBuilds {
		results[network] = reconcile.FetchResult{Err: err}
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		m, err := r.mediator.FetchMediator(groupCtx, opts.Start, opts.End)
		if err != nil {
			return &fetcher.MediatorError{Err: err}
		}
		mu.Lock()
		mediator = m
		mu.Unlock()
		return nil
	})
	for _, f := range r.fetchers {
		group.Go(func() error {
			network := f.Network()
			fetchStart := r.clock.Now()
			breakdown, err := f.Fetch(groupCtx, opts.Start, opts.End)
			metrics.FetchDuration.WithLabelValues(string(network)).Observe(r.clock.Since(fetchStart).Seconds())
			if err != nil {
				metrics.FetchTotal.WithLabelValues(string(network), "error").Inc()
				r.log.Warn("runner: network fetch failed", "network", network, "error", err)
			} else {
				metrics.FetchTotal.WithLabelValues(string(network), "success").Inc()
			}
			mu.Lock()
			results[network] = reconcile.FetchResult{Breakdown: breakdown, Err: err}
			mu.Unlock()
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return fail(ctx, err)
	}
	if err := ctx.Err(); err != nil {
		// Cancellation discards partial results.
		return fail(context.WithoutCancel(ctx), err)
	}

	summary.SetState(reconcile.StateReconciling, r.clock.Now())
	outcome := r.engine.Reconcile(mediator, results, opts.Start, opts.End)
	summary.Networks = outcome.Statuses
	summary.Unresolved = mediator.UnresolvedNetworks
	summary.RowCount = len(outcome.Rows)
	summary.DuplicateKeys = outcome.DuplicateKeys

	var exportErr error
	if !opts.NoExport {
		summary.SetState(reconcile.StateExporting, r.clock.Now())
		artifacts, err := r.exporter.WriteAll(ctx, outcome.Rows)
		summary.Artifacts = artifacts
		if err != nil {
			// Export failure is fatal for the run's exit status, but the
			// alert still goes out carrying the warning.
			exportErr = err
			summary.ExportWarning = err.Error()
			r.log.Error("runner: export failed", "error", err)
		}
	}

	if !opts.NoAlert && r.notifier != nil {
		summary.SetState(reconcile.StateAlerting, r.clock.Now())
		payload := r.formatter.Build(outcome.Rows, outcome.Statuses, startDay, endDay, r.clock.Now())
		payload.ExportWarning = summary.ExportWarning
		if err := r.notifier.Notify(ctx, payload); err != nil {
			r.log.Error("runner: alert delivery failed", "error", err)
		}
	}

	if exportErr != nil {
		summary.Error = exportErr.Error()
		summary.SetState(reconcile.StateFailed, r.clock.Now())
		metrics.RunTotal.WithLabelValues("failed").Inc()
		metrics.RunDuration.Observe(r.clock.Since(runStart).Seconds())
		return summary, exportErr
	}

	summary.SetState(reconcile.StateDone, r.clock.Now())
	metrics.RunTotal.WithLabelValues("success").Inc()
	metrics.RunDuration.Observe(r.clock.Since(runStart).Seconds())
	r.log.Info("runner: run finished",
		"run_id", summary.RunID, "rows", summary.RowCount,
		"failed_networks", len(summary.FailedNetworks()),
		"duration", r.clock.Since(runStart))
	return summary, nil
}

// BackfillOptions drives a per-day historical rebuild.
type BackfillOptions struct {
	Start time.Time
	End   time.Time

	// Resume skips days at or before the checkpoint's last success.
	Resume         bool
	CheckpointPath string

	NoExport bool
	NoAlert  bool
}

// Backfill reprocesses each day in [Start, End] as its own single-day run,
// checkpointing after every success. The first fatal failure stops the
// backfill; rerunning with Resume picks up after the last good day.
func (r *Runner) Backfill(ctx context.Context, opts BackfillOptions) error {
	path := opts.CheckpointPath
	if path == "" {
		path = DefaultCheckpointPath
	}

	start := opts.Start
	if opts.Resume {
		cp, ok, err := LoadCheckpoint(path)
		if err != nil {
			return err
		}
		if ok {
			last, err := schema.ParseDate(cp.LastSuccessfulDate)
			if err != nil {
				return fmt.Errorf("checkpoint date: %w", err)
			}
			if next := schema.AddDays(last, 1); next.After(start) {
				start = next
			}
			r.log.Info("runner: resuming backfill", "from", schema.FormatDate(start))
		}
	}

	for day := start; !day.After(opts.End); day = schema.AddDays(day, 1) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := r.Run(ctx, Options{
			Start:    day,
			End:      day,
			NoExport: opts.NoExport,
			NoAlert:  opts.NoAlert,
		}); err != nil {
			return fmt.Errorf("backfill %s: %w", schema.FormatDate(day), err)
		}
		if err := SaveCheckpoint(path, Checkpoint{
			LastSuccessfulDate: schema.FormatDate(day),
			UpdatedAt:          r.clock.Now().UTC(),
		}); err != nil {
			return err
		}
	}
	return nil
}
