// Package schedule triggers runs periodically, from a cron expression or an
// ISO 8601 duration.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	gocron "github.com/go-co-op/gocron/v2"

	"github.com/CZERTAINLY/qarun/internal/model"
)

type Scheduler struct {
	scheduler gocron.Scheduler
	job       gocron.Job
	desc      string
}

// New returns a scheduler calling task per cfg, cron has a precedence over
// duration. A task still running when the next trigger comes is not started
// again.
func New(ctx context.Context, cfg model.Schedule, task func()) (*Scheduler, error) {
	var def gocron.JobDefinition
	var desc string
	switch {
	case cfg.Cron != "":
		if _, err := ParseCron(cfg.Cron); err != nil {
			return nil, fmt.Errorf("parsing service.schedule.cron: %w", err)
		}
		def = gocron.CronJob(cfg.Cron, false)
		desc = "cron " + cfg.Cron
	case cfg.Duration != "":
		d, err := ParseISODuration(cfg.Duration)
		if err != nil {
			return nil, fmt.Errorf("parsing service.schedule.duration: %w", err)
		}
		if d <= 0 {
			return nil, fmt.Errorf("service.schedule.duration must be positive: %s", cfg.Duration)
		}
		def = gocron.DurationJob(d)
		desc = "every " + d.String()
	default:
		return nil, errors.New("both cron and duration are empty")
	}

	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("initializing gocron scheduler: %w", err)
	}
	job, err := s.NewJob(
		def,
		gocron.NewTask(task),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithName("qarun"),
	)
	if err != nil {
		_ = s.Shutdown()
		return nil, fmt.Errorf("initializing gocron job: %w", err)
	}
	slog.DebugContext(ctx, "schedule configured", "schedule", desc)
	return &Scheduler{scheduler: s, job: job, desc: desc}, nil
}

// NextRun returns when the task is triggered next, it's known only after
// the scheduler started.
func (s *Scheduler) NextRun() (time.Time, error) {
	return s.job.NextRun()
}

func (s *Scheduler) String() string {
	return s.desc
}

// Run starts the scheduler and shuts it down once ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	s.scheduler.Start()
	if next, err := s.NextRun(); err == nil {
		slog.InfoContext(ctx, "scheduler started", "schedule", s.desc, "next_run", next)
	}
	<-ctx.Done()
	if err := s.scheduler.Shutdown(); err != nil {
		return fmt.Errorf("shutting down gocron: %w", err)
	}
	return nil
}
