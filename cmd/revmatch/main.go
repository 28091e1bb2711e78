package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"

	"github.com/lootfox/revmatch/pkg/config"
	"github.com/lootfox/revmatch/pkg/logger"
	"github.com/lootfox/revmatch/pkg/metrics"
	"github.com/lootfox/revmatch/pkg/runner"
	"github.com/lootfox/revmatch/pkg/scheduler"
	"github.com/lootfox/revmatch/pkg/schema"
	"github.com/lootfox/revmatch/pkg/server"
)

// Set via -ldflags at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		sentry.CaptureException(err)
		sentry.Flush(2 * time.Second)
		var cfgErr *config.Error
		if errors.As(err, &cfgErr) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func run() error {
	configFlag := flag.String("config", "config.yaml", "path to the YAML configuration file (or set REVMATCH_CONFIG env var)")
	startDateFlag := flag.String("start-date", "", "window start (YYYY-MM-DD), defaults to a date_range_days-day window ending at end-date inclusive")
	endDateFlag := flag.String("end-date", "", "window end (YYYY-MM-DD), defaults to yesterday UTC")
	backfillFlag := flag.Bool("backfill", false, "reprocess each day of the window as its own run")
	resumeFlag := flag.Bool("resume", false, "resume a backfill from its checkpoint")
	checkpointFlag := flag.String("checkpoint", runner.DefaultCheckpointPath, "backfill checkpoint path")
	scheduleFlag := flag.Bool("schedule", false, "run as a daemon on the configured times of day")
	bindFlag := flag.String("bind", "127.0.0.1", "ops server bind host (daemon mode)")
	portFlag := flag.Int("port", 8090, "ops server port (daemon mode)")
	noExportFlag := flag.Bool("no-export", false, "skip the parquet export step")
	noSlackFlag := flag.Bool("no-slack", false, "skip the Slack alert step")
	dryRunFlag := flag.Bool("dry-run", false, "write partitions to the local export root instead of S3")
	pidFlag := flag.String("pid-file", runner.DefaultPIDPath, "path of the single-run lock file")
	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")
	versionFlag := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *versionFlag {
		fmt.Printf("revmatch %s (commit %s, built %s)\n", version, commit, date)
		return nil
	}

	// Missing .env is fine; explicit env always wins.
	_ = godotenv.Load()

	log := logger.New(*verboseFlag)
	metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)

	if dsn := os.Getenv("SENTRY_DSN"); dsn != "" {
		if err := sentry.Init(sentry.ClientOptions{Dsn: dsn, Release: version}); err != nil {
			log.Warn("sentry init failed", "error", err)
		}
		defer sentry.Flush(2 * time.Second)
	}

	if envConfig := os.Getenv("REVMATCH_CONFIG"); envConfig != "" {
		*configFlag = envConfig
	}
	cfg, err := config.Load(log, *configFlag)
	if err != nil {
		return err
	}
	if envWebhook := os.Getenv("SLACK_WEBHOOK_URL"); envWebhook != "" {
		cfg.Alerting.Webhook = envWebhook
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r, err := runner.New(ctx, runner.Config{
		Logger: log,
		Config: cfg,
		DryRun: *dryRunFlag,
	})
	if err != nil {
		return err
	}

	start, end, err := window(cfg, *startDateFlag, *endDateFlag)
	if err != nil {
		return err
	}

	if *scheduleFlag {
		return runDaemon(ctx, log, cfg, r, *bindFlag, *portFlag, *pidFlag, *noExportFlag, *noSlackFlag)
	}

	lock, err := runner.AcquirePIDLock(*pidFlag)
	if err != nil {
		return err
	}
	defer lock.Release()

	if *backfillFlag {
		return r.Backfill(ctx, runner.BackfillOptions{
			Start:          start,
			End:            end,
			Resume:         *resumeFlag,
			CheckpointPath: *checkpointFlag,
			NoExport:       *noExportFlag,
			NoAlert:        *noSlackFlag,
		})
	}

	_, err = r.Run(ctx, runner.Options{
		Start:    start,
		End:      end,
		NoExport: *noExportFlag,
		NoAlert:  *noSlackFlag,
	})
	return err
}

// window resolves the comparison window from flags, falling back to the
// configured trailing range ending yesterday UTC.
func window(cfg *config.Config, startFlag, endFlag string) (start, end time.Time, err error) {
	start, end = runner.DefaultWindow(time.Now().UTC(), cfg.Validation.DateRangeDays)
	if endFlag != "" {
		end, err = schema.ParseDate(endFlag)
		if err != nil {
			return start, end, fmt.Errorf("bad --end-date: %w", err)
		}
		start = schema.AddDays(end, -(cfg.Validation.DateRangeDays - 1))
	}
	if startFlag != "" {
		start, err = schema.ParseDate(startFlag)
		if err != nil {
			return start, end, fmt.Errorf("bad --start-date: %w", err)
		}
	}
	if end.Before(start) {
		return start, end, fmt.Errorf("window end %s precedes start %s", schema.FormatDate(end), schema.FormatDate(start))
	}
	return start, end, nil
}

// runDaemon runs the cron scheduler plus the ops HTTP server until a
// shutdown signal arrives.
func runDaemon(ctx context.Context, log *slog.Logger, cfg *config.Config, r *runner.Runner, bind string, port int, pidPath string, noExport, noSlack bool) error {
	sched, err := scheduler.New(scheduler.Config{
		Logger:        log,
		Runner:        r,
		TimesOfDay:    cfg.Scheduling.TimesOfDay,
		Timezone:      cfg.Scheduling.Timezone,
		DateRangeDays: cfg.Validation.DateRangeDays,
		PIDPath:       pidPath,
		NoExport:      noExport,
		NoAlert:       noSlack,
	})
	if err != nil {
		return err
	}

	srv, err := server.New(server.Config{
		Logger: log,
		Source: r,
		Bind:   bind,
		Port:   port,
	})
	if err != nil {
		return err
	}

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- srv.Start()
	}()
	sched.Start()
	log.Info("daemon started", "version", version)

	select {
	case err := <-serverErr:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := sched.Stop(shutdownCtx); err != nil {
		log.Error("scheduler stop failed", "error", err)
	}
	return srv.Shutdown(shutdownCtx)
}
