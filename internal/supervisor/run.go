package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/CZERTAINLY/qarun/internal/cancel"
	"github.com/CZERTAINLY/qarun/internal/jobstore"
	"github.com/CZERTAINLY/qarun/internal/log"
	"github.com/CZERTAINLY/qarun/internal/model"
	"github.com/CZERTAINLY/qarun/internal/render"
	"github.com/CZERTAINLY/qarun/internal/rundir"
	"github.com/CZERTAINLY/qarun/internal/runner"

	"github.com/google/uuid"
)

// environment variables passed to every script
const (
	EnvStore   = "QARUN_STORE"
	EnvRunDir  = "QARUN_RUN_DIR"
	EnvPhase   = "QARUN_PHASE"
	EnvMode    = "QARUN_MODE"
	EnvBaseDir = "QARUN_BASE_DIR"
)

type run struct {
	id  uuid.UUID
	req Request

	// mx guards the fields below, a script is started with mx held, so
	// it can't slip past a stop request
	mx        sync.Mutex
	state     State
	stopping  bool
	storePath string
	phase     string
	pid       int

	stopOnce   sync.Once
	stopDone   chan struct{}
	stopReport cancel.Report
	stopErr    error

	// owned by the run goroutine until it's handed over via doneCh
	result Result
}

func newRun(id uuid.UUID, req Request, now time.Time) *run {
	return &run{
		id:       id,
		req:      req,
		state:    StatePreparing,
		stopDone: make(chan struct{}),
		result: Result{
			RunID:   id,
			Dir:     req.Dir,
			Started: now,
		},
	}
}

func (r *run) status() Status {
	r.mx.Lock()
	defer r.mx.Unlock()
	return Status{
		State:     r.state,
		RunID:     r.id,
		Dir:       r.req.Dir,
		StorePath: r.storePath,
		Phase:     r.phase,
		Pid:       r.pid,
	}
}

func (r *run) markStopping() {
	r.mx.Lock()
	defer r.mx.Unlock()
	r.stopping = true
	if r.state != StateFinished {
		r.state = StateStopping
	}
}

func (r *run) isStopping() bool {
	r.mx.Lock()
	defer r.mx.Unlock()
	return r.stopping
}

func (r *run) setState(state State) {
	r.mx.Lock()
	defer r.mx.Unlock()
	if r.stopping && state == StateRunning {
		return
	}
	r.state = state
}

func (r *run) setStorePath(path string) {
	r.mx.Lock()
	defer r.mx.Unlock()
	r.storePath = path
}

// storePathOrDir returns the store path, or where it is going to be when the
// run is still preparing.
func (r *run) storePathOrDir() string {
	r.mx.Lock()
	defer r.mx.Unlock()
	if r.storePath != "" {
		return r.storePath
	}
	return rundir.New(r.req.Dir, r.req.Ext).StorePath()
}

// start calls f unless the run is stopping.
func (r *run) start(phase string, f func() (*runner.Handle, error)) (*runner.Handle, error) {
	r.mx.Lock()
	defer r.mx.Unlock()
	if r.stopping {
		return nil, model.ErrStoppedByUser
	}
	h, err := f()
	if err != nil {
		return nil, err
	}
	r.phase = phase
	r.pid = h.Pid()
	if r.state != StateStopping {
		r.state = StateRunning
	}
	return h, nil
}

func (r *run) phaseDone() {
	r.mx.Lock()
	defer r.mx.Unlock()
	r.pid = 0
}

func (s *Supervisor) execute(ctx context.Context, r *run) {
	ctx = log.ContextAttrs(ctx,
		slog.String("run_id", r.id.String()),
		slog.String("run_dir", r.req.Dir),
	)
	res := &r.result

	store, outcome, err := s.phases(ctx, r, res)
	if r.isStopping() {
		// stop request owns the live processes, wait until it's done
		<-r.stopDone
		res.Finalized = r.stopReport.Reconciled
	}
	s.finalize(ctx, store, res, outcome)

	res.Outcome = outcome
	res.Err = err
	res.Finished = s.now()

	r.mx.Lock()
	r.state = StateFinished
	r.pid = 0
	r.mx.Unlock()

	switch outcome {
	case OutcomeSuccess:
		slog.InfoContext(ctx, "run finished", "outcome", outcome, "duration", res.Finished.Sub(res.Started))
	case OutcomeStopped:
		slog.WarnContext(ctx, "run stopped by user", "finalized", res.Finalized)
	default:
		slog.ErrorContext(ctx, "run failed", "error", err)
	}
	s.metrics.RunFinished(string(outcome))

	final := *res
	s.publish(ctx, Event{
		RunID:     r.id,
		Kind:      EventFinished,
		StorePath: res.StorePath,
		Outcome:   outcome,
		Err:       err,
		Result:    &final,
	})
	s.doneCh <- r
}

func (s *Supervisor) prepare(ctx context.Context, r *run, res *Result) (rundir.Dir, *jobstore.Store, error) {
	s.publish(ctx, Event{RunID: r.id, Kind: EventPreparing})

	dir, backup, err := rundir.Prepare(r.req.Dir, r.req.Ext, r.req.Cleanup, s.now())
	if err != nil {
		return rundir.Dir{}, nil, err
	}
	res.Dir = dir.Path()
	res.Backup = backup
	if backup != "" {
		slog.InfoContext(ctx, "previous run directory moved", "backup", backup)
	}

	store, err := jobstore.Create(ctx, dir.StorePath())
	if err != nil {
		return rundir.Dir{}, nil, err
	}
	res.StorePath = store.Path()
	r.setStorePath(store.Path())

	s.publish(ctx, Event{
		RunID:     r.id,
		Kind:      EventPrepared,
		StorePath: store.Path(),
		Backup:    backup,
	})
	return dir, store, nil
}

// phases runs the phases in order. The first failed phase ends the run, so
// does a stop request.
func (s *Supervisor) phases(ctx context.Context, r *run, res *Result) (*jobstore.Store, Outcome, error) {
	dir, store, err := s.prepare(ctx, r, res)
	if err != nil {
		if r.isStopping() {
			return nil, OutcomeStopped, err
		}
		return nil, OutcomeFailed, err
	}
	r.setState(StateRunning)

	for _, phase := range r.req.Phases {
		if r.isStopping() {
			return store, OutcomeStopped, model.ErrStoppedByUser
		}
		if phase.Skip {
			slog.InfoContext(ctx, "phase skipped", "phase", phase.Name, "reason", phase.SkipReason)
			res.Phases = append(res.Phases, PhaseResult{Name: phase.Name, Mode: string(phase.Mode), Skipped: true})
			s.publish(ctx, Event{RunID: r.id, Kind: EventPhaseSkipped, Phase: phase.Name, Message: phase.SkipReason})
			continue
		}

		pr, err := s.runPhase(ctx, r, dir, phase)
		res.Phases = append(res.Phases, pr)
		switch {
		case errors.Is(err, model.ErrStoppedByUser), r.isStopping():
			return store, OutcomeStopped, model.ErrStoppedByUser
		case err != nil:
			return store, OutcomeFailed, fmt.Errorf("phase %s: %w", phase.Name, err)
		}
	}
	return store, OutcomeSuccess, nil
}

func (s *Supervisor) runPhase(ctx context.Context, r *run, dir rundir.Dir, phase Phase) (PhaseResult, error) {
	ctx = log.ContextAttrs(ctx, slog.String("phase", phase.Name))
	pr := PhaseResult{
		Name:   phase.Name,
		Mode:   string(phase.Mode),
		Script: dir.Script(phase.Name),
		Log:    dir.Log(phase.Name),
	}
	fail := func(err error) (PhaseResult, error) {
		pr.Err = err
		s.metrics.PhaseFinished(phase.Name, string(OutcomeFailed), pr.Duration)
		s.publish(ctx, Event{RunID: r.id, Kind: EventPhaseFinished, Phase: phase.Name, Err: err})
		return pr, err
	}

	debug, err := log.OpenDebugFile(pr.Log)
	if err != nil {
		return fail(fmt.Errorf("opening debug log: %w", err))
	}
	defer func() {
		if err := debug.Close(); err != nil {
			slog.WarnContext(ctx, "closing debug log", "path", pr.Log, "error", err)
		}
	}()
	logger := debug.Logger(slog.Default())

	data := render.Context{
		Phase:       phase.Name,
		Mode:        string(phase.Mode),
		StorePath:   dir.StorePath(),
		PackageName: phase.Package,
		RunDir:      dir.Path(),
		LogFile:     dir.ScriptLog(phase.Name),
		BaseDir:     r.req.BaseDir,
		Settings:    r.req.Settings,
		Packages:    r.req.Packages,
	}
	if err := s.renderer.Render(ctx, data, pr.Script); err != nil {
		logger.ErrorContext(ctx, "rendering script", "error", err)
		return fail(err)
	}

	h, err := r.start(phase.Name, func() (*runner.Handle, error) {
		return s.runner.Start(ctx, runner.Script{
			Path:  pr.Script,
			Dir:   dir.Path(),
			Shell: r.req.Shell,
			Env: []string{
				EnvStore + "=" + dir.StorePath(),
				EnvRunDir + "=" + dir.Path(),
				EnvPhase + "=" + phase.Name,
				EnvMode + "=" + string(phase.Mode),
				EnvBaseDir + "=" + r.req.BaseDir,
			},
		})
	})
	if errors.Is(err, model.ErrStoppedByUser) {
		pr.Err = err
		return pr, err
	} else if err != nil {
		logger.ErrorContext(ctx, "starting script", "error", err)
		return fail(err)
	}
	defer r.phaseDone()

	pr.Pid = h.Pid()
	logger.InfoContext(ctx, "phase started", "script", pr.Script, "pid", pr.Pid)
	s.publish(ctx, Event{RunID: r.id, Kind: EventPhaseStarted, Phase: phase.Name, Pid: pr.Pid})

	for line := range h.Lines() {
		logger.DebugContext(ctx, "output", "line", line)
		s.publish(ctx, Event{RunID: r.id, Kind: EventOutput, Phase: phase.Name, Pid: pr.Pid, Line: line})
	}

	err = h.Wait()
	pr.Duration = h.Duration()
	pr.Err = err
	// leftovers in the process group of a finished script are not expected
	if serr := h.Stop(ctx); serr != nil {
		logger.WarnContext(ctx, "stopping leftovers of the script", "error", serr)
	}

	outcome := OutcomeSuccess
	switch {
	case errors.Is(err, model.ErrStoppedByUser):
		outcome = OutcomeStopped
		logger.WarnContext(ctx, "phase stopped", "duration", pr.Duration)
	case err != nil:
		outcome = OutcomeFailed
		logger.ErrorContext(ctx, "phase failed", "duration", pr.Duration, "error", err)
	default:
		logger.InfoContext(ctx, "phase finished", "duration", pr.Duration)
	}
	s.metrics.PhaseFinished(phase.Name, string(outcome), pr.Duration)
	s.publish(ctx, Event{
		RunID:   r.id,
		Kind:    EventPhaseFinished,
		Phase:   phase.Name,
		Pid:     pr.Pid,
		Outcome: outcome,
		Err:     err,
	})
	return pr, err
}

// finalize leaves no job PENDING or RUNNING once the run is over.
func (s *Supervisor) finalize(ctx context.Context, store *jobstore.Store, res *Result, outcome Outcome) {
	if store == nil {
		return
	}
	var n int64
	var err error
	if outcome == OutcomeStopped {
		n, err = s.canceller.Reconcile(ctx, store.Path())
	} else {
		n, err = store.FinalizeActive(ctx, model.StatusError, unfinishedReason(res))
	}
	if err != nil {
		slog.ErrorContext(ctx, "finalizing jobs", "outcome", outcome, "error", err)
		return
	}
	res.Finalized += n
	if n > 0 {
		slog.WarnContext(ctx, "jobs finalized", "count", n, "outcome", outcome)
	}
}

func unfinishedReason(res *Result) string {
	for i := len(res.Phases) - 1; i >= 0; i-- {
		if !res.Phases[i].Skipped {
			return fmt.Sprintf("left unfinished when %s script exited", res.Phases[i].Name)
		}
	}
	return "left unfinished when run finished"
}
