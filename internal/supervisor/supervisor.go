// Package supervisor runs the phases of a QA run one after another. A
// Supervisor executes at most one run at a time, and only one run per run
// directory is allowed in the whole process.
//
// All requests (start, stop, status) are messages handled by the Do loop,
// the run itself executes in its own goroutine and reports back when it
// finishes. Progress is published as Events.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/CZERTAINLY/qarun/internal/cancel"
	"github.com/CZERTAINLY/qarun/internal/metrics"
	"github.com/CZERTAINLY/qarun/internal/model"
	"github.com/CZERTAINLY/qarun/internal/notify"
	"github.com/CZERTAINLY/qarun/internal/render"
	"github.com/CZERTAINLY/qarun/internal/runner"

	"github.com/google/uuid"
)

var ErrNotRunning = errors.New("supervisor is not running")

type Supervisor struct {
	renderer  render.Renderer
	runner    *runner.Runner
	canceller *cancel.Controller
	metrics   metrics.Recorder
	bus       *notify.Bus[Event]
	now       func() time.Time

	startCh  chan startReq
	stopCh   chan chan *run
	statusCh chan chan Status
	doneCh   chan *run
	closed   chan struct{}
	doOnce   sync.Once
}

type startReq struct {
	req   Request
	reply chan startReply
}

type startReply struct {
	id  uuid.UUID
	err error
}

// Status is a point in time view of the supervisor.
type Status struct {
	State     State
	RunID     uuid.UUID
	Dir       string
	StorePath string
	Phase     string
	Pid       int
	Last      *Result
}

type Option func(*Supervisor)

func WithRenderer(r render.Renderer) Option {
	return func(s *Supervisor) {
		s.renderer = r
	}
}

func WithRunner(r *runner.Runner) Option {
	return func(s *Supervisor) {
		s.runner = r
	}
}

func WithCanceller(c *cancel.Controller) Option {
	return func(s *Supervisor) {
		s.canceller = c
	}
}

func WithMetrics(m metrics.Recorder) Option {
	return func(s *Supervisor) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithClock overrides time source used for backup names and events.
func WithClock(now func() time.Time) Option {
	return func(s *Supervisor) {
		s.now = now
	}
}

func New(opts ...Option) *Supervisor {
	s := &Supervisor{
		renderer:  render.NewTemplates(""),
		runner:    runner.New(model.DefaultGrace),
		canceller: cancel.New(cancel.SignalTerminator{Grace: model.DefaultGrace}),
		metrics:   metrics.Nop{},
		bus:       notify.New[Event](),
		now:       time.Now,

		startCh:  make(chan startReq),
		stopCh:   make(chan chan *run),
		statusCh: make(chan chan Status),
		doneCh:   make(chan *run),
		closed:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Subscribe returns events of all runs. Lossless subscribers must drain the
// channel, it's closed when Do returns.
func (s *Supervisor) Subscribe(opts ...notify.Option) (<-chan Event, func()) {
	return s.bus.Subscribe(opts...)
}

// Do runs the supervisor event loop until ctx is done. A run in progress is
// stopped, Do returns after it finished.
func (s *Supervisor) Do(ctx context.Context) error {
	ran := false
	s.doOnce.Do(func() { ran = true })
	if !ran {
		return errors.New("supervisor loop already started")
	}
	slog.DebugContext(ctx, "starting a supervisor")
	defer s.bus.Close()
	defer close(s.closed)

	var current *run
	var last *Result
	for {
		select {
		case <-ctx.Done():
			if current == nil {
				return nil
			}
			slog.InfoContext(ctx, "supervisor is shutting down: stopping run", "run_id", current.id)
			s.requestStop(context.WithoutCancel(ctx), current)
			r := <-s.doneCh
			release(r.req.Dir, r.id)
			return nil

		case sr := <-s.startCh:
			if current != nil {
				sr.reply <- startReply{err: fmt.Errorf("%w: %s", model.ErrRunInProgress, current.req.Dir)}
				continue
			}
			id := uuid.New()
			if err := claim(sr.req.Dir, id); err != nil {
				sr.reply <- startReply{err: err}
				continue
			}
			current = newRun(id, sr.req, s.now())
			go s.execute(context.WithoutCancel(ctx), current)
			sr.reply <- startReply{id: id}

		case reply := <-s.stopCh:
			if current != nil {
				s.requestStop(context.WithoutCancel(ctx), current)
			}
			reply <- current

		case reply := <-s.statusCh:
			st := Status{State: StateIdle, Last: last}
			if current != nil {
				st = current.status()
				st.Last = last
			}
			reply <- st

		case r := <-s.doneCh:
			release(r.req.Dir, r.id)
			res := r.result
			last = &res
			current = nil
		}
	}
}

// Start begins a run and returns its id without waiting for it. It fails
// with model.ErrRunInProgress when a run is active.
func (s *Supervisor) Start(ctx context.Context, req Request) (uuid.UUID, error) {
	reply := make(chan startReply, 1)
	select {
	case s.startCh <- startReq{req: req, reply: reply}:
	case <-s.closed:
		return uuid.Nil, ErrNotRunning
	case <-ctx.Done():
		return uuid.Nil, ctx.Err()
	}
	r := <-reply
	return r.id, r.err
}

// Stop stops the active run: live stop, ledger sweep of its store and
// reconciliation. An idle supervisor has nothing to stop, the returned
// report says so. Concurrent calls share the result of the first one.
func (s *Supervisor) Stop(ctx context.Context) (cancel.Report, error) {
	reply := make(chan *run, 1)
	select {
	case s.stopCh <- reply:
	case <-s.closed:
		return cancel.Report{}, nil
	case <-ctx.Done():
		return cancel.Report{}, ctx.Err()
	}
	r := <-reply
	if r == nil {
		slog.DebugContext(ctx, "stop: nothing to stop")
		return cancel.Report{}, nil
	}
	select {
	case <-r.stopDone:
		return r.stopReport, r.stopErr
	case <-ctx.Done():
		return cancel.Report{}, ctx.Err()
	}
}

// Status returns the state of the supervisor.
func (s *Supervisor) Status(ctx context.Context) (Status, error) {
	reply := make(chan Status, 1)
	select {
	case s.statusCh <- reply:
	case <-s.closed:
		return Status{}, ErrNotRunning
	case <-ctx.Done():
		return Status{}, ctx.Err()
	}
	return <-reply, nil
}

// Run starts req and waits for its result. Cancelling ctx stops the run,
// Run still waits until it's finished.
func (s *Supervisor) Run(ctx context.Context, req Request) (Result, error) {
	events, unsubscribe := s.Subscribe(notify.Lossless(), notify.WithBuffer(notify.DefaultBuffer))
	defer unsubscribe()

	id, err := s.Start(ctx, req)
	if err != nil {
		return Result{}, err
	}

	done := ctx.Done()
	for {
		select {
		case <-done:
			done = nil
			// events must be drained while stopping
			go func() {
				if _, err := s.Stop(context.WithoutCancel(ctx)); err != nil {
					slog.ErrorContext(ctx, "stopping run", "run_id", id, "error", err)
				}
			}()
		case ev, ok := <-events:
			if !ok {
				return Result{}, ErrNotRunning
			}
			if ev.RunID == id && ev.Kind == EventFinished {
				return *ev.Result, ev.Result.Err
			}
		}
	}
}

func (s *Supervisor) requestStop(ctx context.Context, r *run) {
	r.stopOnce.Do(func() {
		r.markStopping()
		s.publish(ctx, Event{RunID: r.id, Kind: EventStopRequested})
		go s.stopRun(ctx, r)
	})
}

func (s *Supervisor) stopRun(ctx context.Context, r *run) {
	defer close(r.stopDone)
	// scripts started after markStopping are refused, so runner holds
	// everything which needs to be stopped
	storePath := r.storePathOrDir()
	r.stopReport, r.stopErr = s.canceller.Stop(ctx, s.runner, storePath)
	if r.stopErr != nil {
		slog.ErrorContext(ctx, "stop request failed", "run_id", r.id, "error", r.stopErr)
	}
}

func (s *Supervisor) publish(ctx context.Context, ev Event) {
	if ev.Time.IsZero() {
		ev.Time = s.now()
	}
	s.bus.Publish(ctx, ev)
}

// active run directories of this process
var active = struct {
	sync.Mutex
	dirs map[string]uuid.UUID
}{dirs: make(map[string]uuid.UUID)}

func claim(dir string, id uuid.UUID) error {
	active.Lock()
	defer active.Unlock()
	if other, ok := active.dirs[dir]; ok {
		return fmt.Errorf("%w: %s is used by run %s", model.ErrRunInProgress, dir, other)
	}
	active.dirs[dir] = id
	return nil
}

func release(dir string, id uuid.UUID) {
	active.Lock()
	defer active.Unlock()
	if active.dirs[dir] == id {
		delete(active.dirs, dir)
	}
}
