package supervisor

import (
	"time"

	"github.com/google/uuid"
)

// State of a run.
//
//	Idle -> Preparing -> Running(phase 1..N) -> Finished(success|stopped|failed)
type State string

const (
	StateIdle      State = "idle"
	StatePreparing State = "preparing"
	StateRunning   State = "running"
	StateStopping  State = "stopping"
	StateFinished  State = "finished"
)

type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeStopped Outcome = "stopped"
	OutcomeFailed  Outcome = "failed"
)

type EventKind string

const (
	EventPreparing     EventKind = "preparing"
	EventPrepared      EventKind = "prepared"
	EventPhaseSkipped  EventKind = "phase_skipped"
	EventPhaseStarted  EventKind = "phase_started"
	EventOutput        EventKind = "output"
	EventPhaseFinished EventKind = "phase_finished"
	EventStopRequested EventKind = "stop_requested"
	EventFinished      EventKind = "finished"
)

// Event is published for every state change and output line of a run.
// Events of one run are published in order, EventFinished is the last one.
type Event struct {
	RunID uuid.UUID
	Kind  EventKind
	Time  time.Time

	Phase     string
	Pid       int
	Line      string
	StorePath string
	Backup    string
	Message   string
	Outcome   Outcome
	Err       error
	Result    *Result // set on EventFinished
}

// PhaseResult describes one phase of a finished run.
type PhaseResult struct {
	Name     string
	Mode     string
	Skipped  bool
	Script   string
	Log      string
	Pid      int
	Duration time.Duration
	Err      error
}

// Result is the outcome of a run.
type Result struct {
	RunID     uuid.UUID
	Dir       string
	StorePath string
	Backup    string
	Outcome   Outcome
	Err       error
	Phases    []PhaseResult
	Started   time.Time
	Finished  time.Time
	// Finalized is the number of jobs moved to a terminal state when the
	// run finished
	Finalized int64
}
