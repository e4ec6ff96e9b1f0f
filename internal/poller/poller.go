// Package poller periodically reads all jobs of a job store and publishes
// them as a full snapshot. It never writes to the store and it's independent
// of the process running the scripts.
package poller

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/CZERTAINLY/qarun/internal/jobstore"
	"github.com/CZERTAINLY/qarun/internal/metrics"
	"github.com/CZERTAINLY/qarun/internal/model"
	"github.com/CZERTAINLY/qarun/internal/notify"
)

// Snapshot is the content of a store at a point in time. Err is set when the
// store could not be read, missing store or tables is not an error.
type Snapshot struct {
	Path    string
	Taken   time.Time
	Jobs    []model.Job
	Summary model.Summary
	Err     error
}

type Poller struct {
	interval time.Duration
	path     atomic.Pointer[string]
	wake     chan struct{}
	bus      *notify.Bus[Snapshot]
	last     atomic.Pointer[Snapshot]
	metrics  metrics.Recorder
}

type Option func(*Poller)

func WithMetrics(m metrics.Recorder) Option {
	return func(p *Poller) {
		if m != nil {
			p.metrics = m
		}
	}
}

func New(path string, interval time.Duration, opts ...Option) *Poller {
	if interval <= 0 {
		interval = model.DefaultPollInterval
	}
	p := &Poller{
		interval: interval,
		wake:     make(chan struct{}, 1),
		bus:      notify.New[Snapshot](),
		metrics:  metrics.Nop{},
	}
	p.path.Store(&path)
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Subscribe returns a channel of snapshots. Snapshots are dropped for slow
// subscribers, the next one supersedes them anyway.
func (p *Poller) Subscribe() (<-chan Snapshot, func()) {
	return p.bus.Subscribe(notify.WithBuffer(4))
}

// SetPath switches the poller to another store, it never blocks. The next
// tick reads the new store.
func (p *Poller) SetPath(path string) {
	p.path.Store(&path)
}

func (p *Poller) Path() string {
	return *p.path.Load()
}

// Refresh asks for an immediate poll.
func (p *Poller) Refresh() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Last returns the most recent snapshot, false before the first poll.
func (p *Poller) Last() (Snapshot, bool) {
	s := p.last.Load()
	if s == nil {
		return Snapshot{}, false
	}
	return *s, true
}

// Run polls until ctx is done, the first poll happens immediately. All
// subscriber channels are closed on return.
func (p *Poller) Run(ctx context.Context) error {
	defer p.bus.Close()
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-p.wake:
		}
		p.tick(ctx)
	}
}

func (p *Poller) tick(ctx context.Context) {
	snap := Poll(ctx, p.Path())
	if ctx.Err() != nil {
		return
	}
	if snap.Err != nil {
		p.metrics.PollError()
		slog.WarnContext(ctx, "polling job store failed", "store", snap.Path, "error", snap.Err)
	} else {
		p.metrics.Jobs(snap.Summary.ByStatus())
	}
	p.last.Store(&snap)
	p.bus.Publish(ctx, snap)
}

// Poll reads one snapshot of the store at path.
func Poll(ctx context.Context, path string) Snapshot {
	snap := Snapshot{Path: path, Taken: time.Now(), Summary: model.Summary{}}
	if path == "" {
		return snap
	}
	store, err := jobstore.OpenExisting(path)
	if jobstore.IsMissing(err) {
		return snap
	}
	if err != nil {
		snap.Err = err
		return snap
	}

	jobs, err := store.ListJobs(ctx)
	if errors.Is(err, model.ErrNoSuchTable) {
		return snap
	}
	if err != nil {
		snap.Err = err
		return snap
	}
	snap.Jobs = jobs
	for _, j := range jobs {
		snap.Summary[model.SummaryKey{Mode: j.Mode, Step: j.Step, Status: j.Status}]++
	}
	return snap
}
