package model

import (
	"cmp"
	"fmt"
	"slices"
	"strings"
	"time"
)

// Mode identifies which kind of work produced a job row.
type Mode string

const (
	ModeNew     Mode = "NEW"
	ModeGolden  Mode = "GOLDEN"
	ModeAlpha   Mode = "ALPHA"
	ModeCompare Mode = "COMPARE"
)

// ParseMode accepts the case insensitive mode names written by scripts
func ParseMode(s string) (Mode, error) {
	m := Mode(strings.ToUpper(strings.TrimSpace(s)))
	switch m {
	case ModeNew, ModeGolden, ModeAlpha, ModeCompare:
		return m, nil
	}
	return "", fmt.Errorf("unknown mode %q", s)
}

// Steps returns the ordered step list for a mode
func (m Mode) Steps() []Step {
	if m == ModeCompare {
		return CompareSteps
	}
	return CreateSteps
}

// Step is one entry of the mode specific step list.
type Step string

var (
	CreateSteps  = []Step{"SETUP", "CDF", "TA", "DRC", "PACKAGE"}
	CompareSteps = []Step{"COLLECT", "XOR", "REPORT"}
)

// Status is the lifecycle status of a job row.
//
//	PENDING -> RUNNING -> {PASS, FAILED, ERROR, STOPPED}
//	PENDING -> {PASS, FAILED, ERROR, STOPPED}
type Status string

const (
	StatusPending Status = "PENDING"
	StatusRunning Status = "RUNNING"
	StatusPass    Status = "PASS"
	StatusFailed  Status = "FAILED"
	StatusError   Status = "ERROR"
	StatusStopped Status = "STOPPED"
)

var AllStatuses = []Status{StatusPending, StatusRunning, StatusPass, StatusFailed, StatusError, StatusStopped}

func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToUpper(strings.TrimSpace(s)))
	if !slices.Contains(AllStatuses, st) {
		return "", fmt.Errorf("unknown status %q", s)
	}
	return st, nil
}

func (s Status) Terminal() bool {
	switch s {
	case StatusPass, StatusFailed, StatusError, StatusStopped:
		return true
	}
	return false
}

// Active is true for rows a stop request must reconcile.
func (s Status) Active() bool {
	return s == StatusPending || s == StatusRunning
}

// CanTransition reports whether a row in status s may be moved to next.
// Re-writing the same non terminal status is allowed, scripts tend to do that.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusPending || next == StatusRunning || next.Terminal()
	case StatusRunning:
		return next == StatusRunning || next.Terminal()
	}
	return false
}

// ReasonStoppedByUser is written into rows reconciled after a stop request.
const ReasonStoppedByUser = "stopped by user"

// Job is one row of the jobs table.
type Job struct {
	ID         int64         `json:"id" yaml:"id"`
	Mode       Mode          `json:"mode" yaml:"mode"`
	Base       string        `json:"base" yaml:"base"`
	Cell       string        `json:"cell" yaml:"cell"`
	Step       Step          `json:"step" yaml:"step"`
	StartTime  time.Time     `json:"start_time,omitzero" yaml:"start_time,omitempty"`
	EndTime    time.Time     `json:"end_time,omitzero" yaml:"end_time,omitempty"`
	Duration   time.Duration `json:"duration,omitzero" yaml:"duration,omitempty"`
	LogPath    string        `json:"log_path,omitempty" yaml:"log_path,omitempty"`
	ScriptPath string        `json:"script_path,omitempty" yaml:"script_path,omitempty"`
	Status     Status        `json:"status" yaml:"status"`
	Reason     string        `json:"reason,omitempty" yaml:"reason,omitempty"`
}

// JobUpdate holds the columns to change, nil fields are left untouched.
type JobUpdate struct {
	Step       *Step
	StartTime  *time.Time
	EndTime    *time.Time
	Duration   *time.Duration
	LogPath    *string
	ScriptPath *string
	Status     *Status
	Reason     *string
}

func (u JobUpdate) Empty() bool {
	return u.Step == nil && u.StartTime == nil && u.EndTime == nil && u.Duration == nil &&
		u.LogPath == nil && u.ScriptPath == nil && u.Status == nil && u.Reason == nil
}

// PidRecord is a process persisted by a script so that it can be killed later
// by a process which never held its handle.
type PidRecord struct {
	PID int
}

// SummaryKey groups job rows for ReportSummary.
type SummaryKey struct {
	Mode   Mode
	Step   Step
	Status Status
}

// Summary holds job counts grouped by mode, step and status. It is always
// derived from the jobs table, a nil or empty Summary means no data.
type Summary map[SummaryKey]int

func (s Summary) Count(mode Mode, step Step, status Status) int {
	return s[SummaryKey{Mode: mode, Step: step, Status: status}]
}

// SummaryRow is one group of a Summary in a serializable form.
type SummaryRow struct {
	Mode   Mode   `json:"mode" yaml:"mode"`
	Step   Step   `json:"step" yaml:"step"`
	Status Status `json:"status" yaml:"status"`
	Count  int    `json:"count" yaml:"count"`
}

// Rows returns the summary ordered by mode, step and status.
func (s Summary) Rows() []SummaryRow {
	rows := make([]SummaryRow, 0, len(s))
	for k, n := range s {
		rows = append(rows, SummaryRow{Mode: k.Mode, Step: k.Step, Status: k.Status, Count: n})
	}
	slices.SortFunc(rows, func(a, b SummaryRow) int {
		return cmp.Or(
			cmp.Compare(a.Mode, b.Mode),
			cmp.Compare(a.Step, b.Step),
			cmp.Compare(a.Status, b.Status),
		)
	})
	return rows
}

// ByStatus collapses the summary over mode and step.
func (s Summary) ByStatus() map[Status]int {
	ret := make(map[Status]int, len(AllStatuses))
	for _, st := range AllStatuses {
		ret[st] = 0
	}
	for k, n := range s {
		ret[k.Status] += n
	}
	return ret
}

// Steps lists the steps of a mode present in the summary, known steps in
// their canonical order first, unknown steps sorted after them.
func (s Summary) Steps(mode Mode) []Step {
	known := mode.Steps()
	seen := make(map[Step]struct{})
	var extra []Step
	for k := range s {
		if k.Mode != mode {
			continue
		}
		if _, ok := seen[k.Step]; ok {
			continue
		}
		seen[k.Step] = struct{}{}
		if !slices.Contains(known, k.Step) {
			extra = append(extra, k.Step)
		}
	}
	slices.Sort(extra)
	return append(slices.Clone(known), extra...)
}

// DashboardRow is a row of report_dashboard.
type DashboardRow struct {
	ID         int64  `json:"id" yaml:"id"`
	QAType     string `json:"qa_type" yaml:"qa_type"`
	Total      int    `json:"total" yaml:"total"`
	Pass       int    `json:"pass" yaml:"pass"`
	Fail       int    `json:"fail" yaml:"fail"`
	FileASC    string `json:"file_asc,omitempty" yaml:"file_asc,omitempty"`
	FileASCCTO string `json:"file_asc_cto,omitempty" yaml:"file_asc_cto,omitempty"`
}

// ReportRow is a row of one of the per QA type report tables.
type ReportRow struct {
	ID         int64  `json:"id" yaml:"id"`
	Base       string `json:"base" yaml:"base"`
	Cell       string `json:"cell" yaml:"cell"`
	Status     string `json:"status" yaml:"status"`
	Message    string `json:"message,omitempty" yaml:"message,omitempty"`
	FileASC    string `json:"file_asc,omitempty" yaml:"file_asc,omitempty"`
	FileASCCTO string `json:"file_asc_cto,omitempty" yaml:"file_asc_cto,omitempty"`
}

// QA types with a report_<type> table.
var QATypes = []string{"CDF", "TA", "DRC", "XOR"}
