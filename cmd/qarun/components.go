package main

import (
	"fmt"

	"github.com/CZERTAINLY/qarun/internal/cancel"
	"github.com/CZERTAINLY/qarun/internal/metrics"
	"github.com/CZERTAINLY/qarun/internal/model"
	"github.com/CZERTAINLY/qarun/internal/render"
	"github.com/CZERTAINLY/qarun/internal/rundir"
	"github.com/CZERTAINLY/qarun/internal/runner"
	"github.com/CZERTAINLY/qarun/internal/supervisor"
)

func newCanceller(cfg model.Config, m metrics.Recorder) *cancel.Controller {
	t := cancel.NewTerminator(cfg.Cancel.Command, cfg.GraceDuration())
	return cancel.New(t, cancel.WithMetrics(m))
}

func newRenderer(cfg model.Config) (render.Renderer, error) {
	if cfg.Run.Templates == "" {
		return render.NewTemplates(""), nil
	}
	base, err := model.BaseDir()
	if err != nil {
		return nil, fmt.Errorf("resolving base directory: %w", err)
	}
	return render.NewTemplates(model.Resolve(base, cfg.Run.Templates)), nil
}

func newSupervisor(cfg model.Config, m metrics.Recorder) (*supervisor.Supervisor, error) {
	r, err := newRenderer(cfg)
	if err != nil {
		return nil, err
	}
	return supervisor.New(
		supervisor.WithRenderer(r),
		supervisor.WithRunner(runner.New(cfg.GraceDuration())),
		supervisor.WithCanceller(newCanceller(cfg, m)),
		supervisor.WithMetrics(m),
	), nil
}

// storePath returns the job store of the configured run directory.
func storePath(cfg model.Config) (string, error) {
	dir, err := cfg.RunDir()
	if err != nil {
		return "", err
	}
	if dir == "" {
		return "", fmt.Errorf("run directory is not configured")
	}
	return rundir.New(dir, cfg.Run.ScriptExt).StorePath(), nil
}
