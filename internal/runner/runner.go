// Package runner launches QA scripts as leaders of their own process group,
// streams their merged stdout and stderr line by line and terminates the
// whole group on request.
package runner

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/CZERTAINLY/qarun/internal/model"

	"github.com/prometheus/procfs"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

const (
	// DrainTimeout bounds reading of output left in the pipe after the
	// leader exited. Grandchildren keeping the pipe open can't block Wait.
	DrainTimeout = 500 * time.Millisecond
	pollInterval = 100 * time.Millisecond
	lineBuffer   = 64
)

// Script describes a program to run.
type Script struct {
	Path  string
	Args  []string
	Dir   string
	Shell string   // interpreter, empty runs Path directly
	Env   []string // added to the current environment
}

func (s Script) command() *exec.Cmd {
	if s.Shell == "" {
		return exec.Command(s.Path, s.Args...)
	}
	return exec.Command(s.Shell, append([]string{s.Path}, s.Args...)...)
}

// ExitError is returned by Handle.Wait when the script exited with a non zero
// code or was killed by a signal.
type ExitError struct {
	Path   string
	Code   int
	Signal string
}

func (e *ExitError) Error() string {
	if e.Signal != "" {
		return fmt.Sprintf("%s: killed by signal %s", e.Path, e.Signal)
	}
	return fmt.Sprintf("%s: exit status %d", e.Path, e.Code)
}

func (e *ExitError) Is(target error) bool {
	return target == model.ErrExecutionFailed
}

// Runner starts scripts and keeps track of those still running.
type Runner struct {
	grace time.Duration

	mx      sync.Mutex
	handles map[int]*Handle
}

func New(grace time.Duration) *Runner {
	if grace <= 0 {
		grace = model.DefaultGrace
	}
	return &Runner{
		grace:   grace,
		handles: make(map[int]*Handle),
	}
}

// Start launches the script and returns immediately. Failures to start are
// reported as model.ErrLaunchFailed. The returned handle stops the process
// group once ctx is done.
//
// The caller must consume Lines, otherwise the script blocks on a full pipe.
func (r *Runner) Start(ctx context.Context, script Script) (*Handle, error) {
	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", model.ErrLaunchFailed, script.Path, err)
	}

	cmd := script.command()
	cmd.Dir = script.Dir
	cmd.Env = append(os.Environ(), script.Env...)
	cmd.Stdout = pw
	cmd.Stderr = pw
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	started := time.Now()
	if err := cmd.Start(); err != nil {
		_ = pr.Close()
		_ = pw.Close()
		return nil, fmt.Errorf("%w: %s: %w", model.ErrLaunchFailed, script.Path, err)
	}
	// only the child holds the write end now, so EOF means all writers are gone
	_ = pw.Close()

	h := &Handle{
		path:    script.Path,
		cmd:     cmd,
		pid:     cmd.Process.Pid,
		grace:   r.grace,
		started: started,
		lines:   make(chan string, lineBuffer),
		read:    make(chan struct{}),
		exited:  make(chan struct{}),
		done:    make(chan struct{}),
	}
	slog.DebugContext(ctx, "script started", "path", script.Path, "pid", h.pid)

	r.mx.Lock()
	r.handles[h.pid] = h
	r.mx.Unlock()

	go h.readLines(ctx, pr)
	go func() {
		h.wait(ctx, pr)
		r.mx.Lock()
		delete(r.handles, h.pid)
		r.mx.Unlock()
	}()
	go func() {
		select {
		case <-ctx.Done():
			if err := h.Stop(context.WithoutCancel(ctx)); err != nil {
				slog.ErrorContext(ctx, "stopping script on cancel", "pid", h.pid, "error", err)
			}
		case <-h.done:
		}
	}()
	return h, nil
}

// Active returns number of running scripts.
func (r *Runner) Active() int {
	r.mx.Lock()
	defer r.mx.Unlock()
	return len(r.handles)
}

// Stop terminates all running scripts and returns how many it signalled.
// Scripts which already ended are not counted.
func (r *Runner) Stop(ctx context.Context) (int, error) {
	r.mx.Lock()
	handles := make([]*Handle, 0, len(r.handles))
	for _, h := range r.handles {
		handles = append(handles, h)
	}
	r.mx.Unlock()

	var stopped atomic.Int32
	var g errgroup.Group
	for _, h := range handles {
		g.Go(func() error {
			signalled, err := h.stop(ctx)
			if err != nil {
				return err
			}
			if signalled {
				stopped.Add(1)
			}
			return nil
		})
	}
	err := g.Wait()
	return int(stopped.Load()), err
}

// Handle is a running script.
type Handle struct {
	path    string
	cmd     *exec.Cmd
	pid     int
	grace   time.Duration
	started time.Time

	lines  chan string
	read   chan struct{} // closed when the output reader ends
	exited chan struct{} // closed when the leader was reaped
	done   chan struct{} // closed when Wait result is known

	stopping atomic.Bool
	stopOnce sync.Once
	stopErr  error

	err     error
	stopped time.Time
}

// Pid returns process id of the group leader, it's also the group id.
func (h *Handle) Pid() int {
	return h.pid
}

func (h *Handle) Started() time.Time {
	return h.started
}

// Lines returns merged output of the script. The channel is closed after the
// last line was delivered.
func (h *Handle) Lines() <-chan string {
	return h.lines
}

// Done is closed when Wait won't block anymore.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the script ended and all its output was delivered. It
// returns nil on zero exit code, *ExitError otherwise. When the script was
// terminated by Stop the error also wraps model.ErrStoppedByUser.
func (h *Handle) Wait() error {
	<-h.done
	return h.err
}

// Duration returns how long the script ran, zero while it's running.
func (h *Handle) Duration() time.Duration {
	select {
	case <-h.done:
		return h.stopped.Sub(h.started)
	default:
		return 0
	}
}

// Stop sends SIGTERM to the whole process group, waits up to the grace
// period and sends SIGKILL to whatever is still alive. Stopping an already
// finished script is a noop, the second and later calls return result of the
// first one.
func (h *Handle) Stop(ctx context.Context) error {
	_, err := h.stop(ctx)
	return err
}

// stop reports true only to the call which actually signalled the group
func (h *Handle) stop(ctx context.Context) (bool, error) {
	var signalled bool
	h.stopOnce.Do(func() {
		signalled, h.stopErr = h.terminate(ctx)
	})
	return signalled, h.stopErr
}

func (h *Handle) terminate(ctx context.Context) (bool, error) {
	if !groupAlive(h.pid) {
		return false, nil
	}
	h.stopping.Store(true)

	slog.DebugContext(ctx, "terminating process group", "pgid", h.pid)
	if err := KillGroup(h.pid, unix.SIGTERM); err != nil {
		return true, err
	}

	deadline := time.NewTimer(h.grace)
	defer deadline.Stop()
	if gone := h.awaitGroup(ctx, deadline.C); gone {
		return true, nil
	}

	slog.WarnContext(ctx, "process group survived SIGTERM: killing", "pgid", h.pid, "grace", h.grace.String())
	if err := KillGroup(h.pid, unix.SIGKILL); err != nil {
		return true, err
	}
	<-h.exited
	return true, nil
}

// awaitGroup waits for the leader to be reaped and the group to be empty.
// It returns false on deadline or ctx cancellation.
func (h *Handle) awaitGroup(ctx context.Context, deadline <-chan time.Time) bool {
	select {
	case <-h.exited:
	case <-deadline:
		return false
	case <-ctx.Done():
		return false
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for groupAlive(h.pid) {
		select {
		case <-ticker.C:
		case <-deadline:
			return false
		case <-ctx.Done():
			return false
		}
	}
	return true
}

func (h *Handle) readLines(ctx context.Context, r io.Reader) {
	defer close(h.read)
	defer close(h.lines)
	br := bufio.NewReaderSize(r, 64*1024)
	for {
		line, err := br.ReadString('\n')
		if line != "" {
			h.lines <- strings.TrimRight(line, "\r\n")
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrDeadlineExceeded) && !errors.Is(err, os.ErrClosed) {
				slog.ErrorContext(ctx, "reading script output", "path", h.path, "error", err)
			}
			return
		}
	}
}

func (h *Handle) wait(ctx context.Context, pr *os.File) {
	err := h.cmd.Wait()
	close(h.exited)

	if err := pr.SetReadDeadline(time.Now().Add(DrainTimeout)); err != nil {
		slog.DebugContext(ctx, "pipe does not support deadlines: closing", "error", err)
		_ = pr.Close()
	}
	<-h.read
	_ = pr.Close()

	h.stopped = time.Now()
	h.err = h.exitError(err)
	slog.DebugContext(ctx, "script finished",
		"path", h.path,
		"pid", h.pid,
		"duration", h.stopped.Sub(h.started).String(),
		"error", h.err,
	)
	close(h.done)
}

func (h *Handle) exitError(err error) error {
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		return fmt.Errorf("waiting for %s: %w", h.path, err)
	}

	var ret error
	if exitErr != nil {
		ee := &ExitError{Path: h.path, Code: exitErr.ExitCode()}
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			ee.Signal = unix.SignalName(ws.Signal())
		}
		ret = ee
	}
	if !h.stopping.Load() {
		return ret
	}
	if ret == nil {
		return model.ErrStoppedByUser
	}
	return fmt.Errorf("%w: %w", model.ErrStoppedByUser, ret)
}

// KillGroup sends sig to the process group pgid. A group which no longer
// exists is not an error.
func KillGroup(pgid int, sig unix.Signal) error {
	return kill(-pgid, sig)
}

// KillProcess sends sig to a single process, a missing process is not an
// error.
func KillProcess(pid int, sig unix.Signal) error {
	return kill(pid, sig)
}

func kill(pid int, sig unix.Signal) error {
	err := unix.Kill(pid, sig)
	if err == nil || errors.Is(err, unix.ESRCH) {
		return nil
	}
	return fmt.Errorf("%w: kill %d %s: %w", model.ErrTerminationFailed, pid, unix.SignalName(sig), err)
}

// Alive reports whether process pid exists and is not a zombie.
func Alive(pid int) bool {
	if !probe(pid) {
		return false
	}
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return true
	}
	p, err := fs.Proc(pid)
	if err != nil {
		// the process vanished after the probe
		return !errors.Is(err, os.ErrNotExist)
	}
	st, err := p.Stat()
	if err != nil {
		return !errors.Is(err, os.ErrNotExist)
	}
	return st.State != zombie
}

// groupAlive reports whether group pgid has a member which is not a zombie.
// Without procfs every member counts.
func groupAlive(pgid int) bool {
	if !probe(-pgid) {
		return false
	}
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return true
	}
	procs, err := fs.AllProcs()
	if err != nil {
		return true
	}
	for _, p := range procs {
		st, err := p.Stat()
		if err != nil {
			continue
		}
		if st.PGRP == pgid && st.State != zombie {
			return true
		}
	}
	return false
}

const zombie = "Z"

func probe(pid int) bool {
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}
