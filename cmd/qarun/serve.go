package main

import (
	"cmp"
	"context"
	"errors"
	"log/slog"

	"github.com/CZERTAINLY/qarun/internal/metrics"
	"github.com/CZERTAINLY/qarun/internal/model"
	"github.com/CZERTAINLY/qarun/internal/poller"
	"github.com/CZERTAINLY/qarun/internal/schedule"
	"github.com/CZERTAINLY/qarun/internal/server"
	"github.com/CZERTAINLY/qarun/internal/supervisor"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const defaultListen = "127.0.0.1:8080"

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "serve runs the http api, the job store poller and an optional schedule",
	Long: `serve keeps a supervisor running and exposes it over HTTP together with
snapshots of the job store and prometheus metrics. Runs are started by
POST /api/v1/runs or by service.schedule of the config file. Ctrl+C stops the
run in progress before exit.`,
	RunE: doServe,
}

func init() {
	serveCmd.Flags().String("listen", "", "address to listen on, overrides service.listen of the config file (default "+defaultListen+")")
	mustBind(serveCmd.Flags().Lookup("listen"))
}

func doServe(cmd *cobra.Command, args []string) error {
	ctx := cmdContext(cmd.Context(), "serve")
	addr := cmp.Or(env.GetString("listen"), config.Service.Listen, defaultListen)

	path, err := storePath(config)
	if err != nil {
		return err
	}
	m := metrics.NewPrometheus()
	sup, err := newSupervisor(config, m)
	if err != nil {
		return err
	}
	p := poller.New(path, config.PollInterval(), poller.WithMetrics(m))
	plan := func() (supervisor.Request, error) {
		return supervisor.NewRequest(config)
	}
	srv := server.New(sup, p, plan, m.Handler())

	events, unsubscribe := sup.Subscribe()
	defer unsubscribe()

	g, ctx := errgroup.WithContext(ctx)

	var sched *schedule.Scheduler
	if config.Service.Schedule != nil {
		sched, err = schedule.New(ctx, *config.Service.Schedule, func() {
			startScheduled(ctx, sup, plan)
		})
		if err != nil {
			return err
		}
	}

	g.Go(func() error {
		return sup.Do(ctx)
	})
	g.Go(func() error {
		return p.Run(ctx)
	})
	g.Go(func() error {
		followRuns(ctx, events, p)
		return nil
	})
	g.Go(func() error {
		return srv.ListenAndServe(ctx, addr)
	})
	if sched != nil {
		g.Go(func() error {
			return sched.Run(ctx)
		})
	}
	return g.Wait()
}

// starter is the part of supervisor.Supervisor a schedule uses
type starter interface {
	Start(ctx context.Context, req supervisor.Request) (uuid.UUID, error)
}

func startScheduled(ctx context.Context, sup starter, plan server.Planner) {
	req, err := plan()
	if err != nil {
		slog.ErrorContext(ctx, "scheduled run: planning failed", "error", err)
		return
	}
	id, err := sup.Start(ctx, req)
	switch {
	case errors.Is(err, model.ErrRunInProgress):
		slog.InfoContext(ctx, "scheduled run skipped: previous run still in progress")
	case errors.Is(err, supervisor.ErrNotRunning):
		slog.DebugContext(ctx, "scheduled run skipped: shutting down")
	case err != nil:
		slog.ErrorContext(ctx, "scheduled run: start failed", "error", err)
	default:
		slog.InfoContext(ctx, "scheduled run started", "run_id", id)
	}
}

// pathSetter is the part of poller.Poller following the runs
type pathSetter interface {
	SetPath(path string)
	Refresh()
}

// followRuns points the poller at the store of every new run and refreshes
// the snapshot when a phase ends.
func followRuns(ctx context.Context, events <-chan supervisor.Event, p pathSetter) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev.Kind {
			case supervisor.EventPrepared:
				p.SetPath(ev.StorePath)
				p.Refresh()
			case supervisor.EventPhaseFinished, supervisor.EventFinished:
				p.Refresh()
			}
		}
	}
}
