// Package scheduler runs reconciliations at configured wall-clock times.
// Each times_of_day entry becomes a daily cron job in the configured
// timezone; runs serialize through the process PID lock.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/lootfox/revmatch/pkg/runner"
)

// Config configures a Scheduler.
type Config struct {
	Logger *slog.Logger
	Runner *runner.Runner

	// TimesOfDay are "HH:MM" wall-clock entries, already validated by the
	// config layer.
	TimesOfDay []string
	Timezone   string

	// DateRangeDays sizes each scheduled run's window.
	DateRangeDays int

	// PIDPath guards against overlapping runs, defaulting to the runner's
	// standard lock path.
	PIDPath string

	NoExport bool
	NoAlert  bool
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Runner == nil {
		return errors.New("runner is required")
	}
	if len(c.TimesOfDay) == 0 {
		return errors.New("at least one time of day is required")
	}
	if c.Timezone == "" {
		c.Timezone = "UTC"
	}
	if c.DateRangeDays <= 0 {
		c.DateRangeDays = 7
	}
	if c.PIDPath == "" {
		c.PIDPath = runner.DefaultPIDPath
	}
	return nil
}

// Scheduler owns the cron loop.
type Scheduler struct {
	log  *slog.Logger
	cfg  Config
	cron *cron.Cron
	loc  *time.Location
}

// New builds a Scheduler with one daily entry per configured time.
func New(cfg Config) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid scheduler config: %w", err)
	}
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", cfg.Timezone, err)
	}

	s := &Scheduler{
		log:  cfg.Logger,
		cfg:  cfg,
		cron: cron.New(cron.WithLocation(loc)),
		loc:  loc,
	}
	for _, tod := range cfg.TimesOfDay {
		spec, err := CronSpec(tod)
		if err != nil {
			return nil, err
		}
		if _, err := s.cron.AddFunc(spec, s.fire); err != nil {
			return nil, fmt.Errorf("schedule %q: %w", tod, err)
		}
	}
	return s, nil
}

// CronSpec converts an "HH:MM" entry to a daily five-field cron spec.
func CronSpec(tod string) (string, error) {
	parts := strings.SplitN(tod, ":", 2)
	if len(parts) != 2 {
		return "", fmt.Errorf("bad time of day %q", tod)
	}
	var hour, minute int
	if _, err := fmt.Sscanf(tod, "%d:%d", &hour, &minute); err != nil {
		return "", fmt.Errorf("bad time of day %q: %w", tod, err)
	}
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return "", fmt.Errorf("bad time of day %q", tod)
	}
	return fmt.Sprintf("%d %d * * *", minute, hour), nil
}

func (s *Scheduler) fire() {
	lock, err := runner.AcquirePIDLock(s.cfg.PIDPath)
	if err != nil {
		s.log.Warn("scheduler: skipping run", "error", err)
		return
	}
	defer lock.Release()

	now := time.Now().In(s.loc)
	start, end := runner.DefaultWindow(now.UTC(), s.cfg.DateRangeDays)
	if _, err := s.cfg.Runner.Run(context.Background(), runner.Options{
		Start:    start,
		End:      end,
		NoExport: s.cfg.NoExport,
		NoAlert:  s.cfg.NoAlert,
	}); err != nil {
		s.log.Error("scheduler: run failed", "error", err)
	}
}

// Start begins the cron loop and returns immediately.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info("scheduler: started",
		"times_of_day", s.cfg.TimesOfDay, "timezone", s.cfg.Timezone)
}

// Stop halts scheduling and waits for any in-flight run to finish.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop().Done()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
