// Package cancel stops a run. It has two independent paths, both safe to
// call when there is nothing to stop:
//
//   - live stop terminates process groups of scripts this process started
//   - ledger sweep terminates pids recorded in the job store by the scripts
//     themselves, it works from any process
//
// After stopping, every PENDING or RUNNING job in the store is reconciled to
// STOPPED.
package cancel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/CZERTAINLY/qarun/internal/jobstore"
	"github.com/CZERTAINLY/qarun/internal/log"
	"github.com/CZERTAINLY/qarun/internal/metrics"
	"github.com/CZERTAINLY/qarun/internal/model"
	"github.com/CZERTAINLY/qarun/internal/parallel"
	"github.com/CZERTAINLY/qarun/internal/runner"
)

const DefaultLimit = 4

// Live is a set of running scripts owned by this process, see runner.Runner.
type Live interface {
	Stop(ctx context.Context) (int, error)
}

// SweepResult counts pids handled by a ledger sweep.
type SweepResult struct {
	Stopped int // terminated by the sweep
	Gone    int // already dead, record removed
	Failed  int // still alive, record kept
}

// Report is a result of Controller.Stop.
type Report struct {
	Live       int
	Sweep      SweepResult
	Reconciled int64
}

// Stopped returns number of processes actually stopped.
func (r Report) Stopped() int {
	return r.Live + r.Sweep.Stopped
}

// Nothing reports whether there was nothing to stop.
func (r Report) Nothing() bool {
	return r.Stopped() == 0 && r.Sweep.Failed == 0 && r.Reconciled == 0
}

// Message is the operator facing summary. Pids which survived the sweep are
// always mentioned.
func (r Report) Message() string {
	var msg string
	switch {
	case r.Stopped() > 0:
		msg = fmt.Sprintf("stopped %d running jobs", r.Stopped())
	case r.Sweep.Failed > 0:
		msg = "no running jobs stopped"
	default:
		return "no running jobs found"
	}
	if r.Sweep.Failed > 0 {
		msg += fmt.Sprintf(", %d processes could not be stopped", r.Sweep.Failed)
	}
	return msg
}

type Controller struct {
	terminator Terminator
	limit      int
	metrics    metrics.Recorder
}

type Option func(*Controller)

// WithLimit bounds number of concurrently terminated pids.
func WithLimit(n int) Option {
	return func(c *Controller) {
		if n > 0 {
			c.limit = n
		}
	}
}

func WithMetrics(m metrics.Recorder) Option {
	return func(c *Controller) {
		if m != nil {
			c.metrics = m
		}
	}
}

func New(t Terminator, opts ...Option) *Controller {
	c := &Controller{
		terminator: t,
		limit:      DefaultLimit,
		metrics:    metrics.Nop{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Stop runs the live stop (when live is not nil), the ledger sweep over the
// store at storePath and the reconciliation. Failures of one path don't
// prevent the others, all errors are joined.
//
// Without live the jobs are reconciled before the sweep too. The supervisor
// owning the scripts may live in another process, it finalizes rows left
// active as soon as its script exits.
func (c *Controller) Stop(ctx context.Context, live Live, storePath string) (Report, error) {
	var report Report
	var errs []error

	if live == nil {
		n, err := c.Reconcile(ctx, storePath)
		report.Reconciled = n
		if err != nil {
			errs = append(errs, err)
		}
	} else {
		n, err := c.LiveStop(ctx, live)
		report.Live = n
		if err != nil {
			errs = append(errs, err)
		}
	}

	sweep, err := c.Sweep(ctx, storePath)
	report.Sweep = sweep
	if err != nil {
		errs = append(errs, err)
	}

	n, err := c.Reconcile(ctx, storePath)
	report.Reconciled += n
	if err != nil {
		errs = append(errs, err)
	}

	slog.InfoContext(ctx, "stop finished",
		"live", report.Live,
		"swept", report.Sweep.Stopped,
		"gone", report.Sweep.Gone,
		"failed", report.Sweep.Failed,
		"reconciled", report.Reconciled,
	)
	return report, errors.Join(errs...)
}

// LiveStop stops every script held by live.
func (c *Controller) LiveStop(ctx context.Context, live Live) (int, error) {
	n, err := live.Stop(ctx)
	if err != nil {
		return n, fmt.Errorf("stopping running scripts: %w", err)
	}
	if n == 0 {
		slog.DebugContext(ctx, "live stop: nothing to stop")
	}
	return n, nil
}

// Sweep terminates every pid recorded in the store. A terminated or already
// dead pid has its record deleted, failures are logged and the sweep
// continues. Missing store or pids table means nothing to do.
func (c *Controller) Sweep(ctx context.Context, storePath string) (SweepResult, error) {
	ctx = log.ContextAttrs(ctx, slog.String("store", storePath))
	store, err := jobstore.OpenExisting(storePath)
	if jobstore.IsMissing(err) {
		slog.DebugContext(ctx, "sweep: no job store")
		return SweepResult{}, nil
	}
	if err != nil {
		return SweepResult{}, err
	}

	pids, err := store.ListPids(ctx)
	if errors.Is(err, model.ErrNoSuchTable) {
		slog.DebugContext(ctx, "sweep: no pids table")
		return SweepResult{}, nil
	}
	if err != nil {
		return SweepResult{}, err
	}

	var res SweepResult
	var errs []error
	terminate := func(ctx context.Context, rec model.PidRecord) (string, error) {
		if !runner.Alive(rec.PID) {
			return metrics.SweepGone, nil
		}
		if err := c.terminator.Terminate(ctx, rec.PID); err != nil {
			return metrics.SweepFailed, err
		}
		return metrics.SweepStopped, nil
	}

	for rec, r := range parallel.NewMap(ctx, c.limit, terminate).Iter(slices.Values(pids)) {
		c.metrics.SweepPid(r.Value)
		if r.Err != nil {
			slog.ErrorContext(ctx, "sweep: termination failed: continuing", "pid", rec.PID, "error", r.Err)
			res.Failed++
			errs = append(errs, r.Err)
			continue
		}
		if err := store.DeletePid(ctx, rec.PID); err != nil {
			slog.ErrorContext(ctx, "sweep: can't delete pid record", "pid", rec.PID, "error", err)
			errs = append(errs, err)
		}
		switch r.Value {
		case metrics.SweepGone:
			slog.DebugContext(ctx, "sweep: pid already gone", "pid", rec.PID)
			res.Gone++
		default:
			slog.InfoContext(ctx, "sweep: pid stopped", "pid", rec.PID)
			res.Stopped++
		}
	}
	if err := ctx.Err(); err != nil {
		errs = append(errs, err)
	}
	return res, errors.Join(errs...)
}

// Reconcile marks every PENDING or RUNNING job as STOPPED by the user.
func (c *Controller) Reconcile(ctx context.Context, storePath string) (int64, error) {
	store, err := jobstore.OpenExisting(storePath)
	if jobstore.IsMissing(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	n, err := store.ReconcileStopped(ctx)
	if err := jobstore.IgnoreNoSuchTable(err); err != nil {
		return 0, err
	}
	if n > 0 {
		slog.InfoContext(ctx, "jobs reconciled", "status", model.StatusStopped, "count", n)
	}
	return n, nil
}
