package cancel

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/CZERTAINLY/qarun/internal/model"
	"github.com/CZERTAINLY/qarun/internal/runner"

	"golang.org/x/sys/unix"
)

// PidPlaceholder is replaced by the pid in a termination command.
const PidPlaceholder = "{pid}"

// KillWait bounds waiting for a process to disappear after SIGKILL.
const KillWait = 2 * time.Second

// Terminator kills a single process recorded in the ledger.
type Terminator interface {
	Terminate(ctx context.Context, pid int) error
}

// NewTerminator returns CommandTerminator when a command is configured,
// SignalTerminator otherwise.
func NewTerminator(command []string, grace time.Duration) Terminator {
	if len(command) > 0 {
		return CommandTerminator{Command: command}
	}
	return SignalTerminator{Grace: grace}
}

// CommandTerminator runs an external utility, like sgdel {pid}. A command
// without the placeholder gets the pid as its last argument.
type CommandTerminator struct {
	Command []string
}

func (c CommandTerminator) Terminate(ctx context.Context, pid int) error {
	if len(c.Command) == 0 {
		return fmt.Errorf("%w: pid %d: no termination command", model.ErrTerminationFailed, pid)
	}
	p := strconv.Itoa(pid)
	args := make([]string, 0, len(c.Command)+1)
	var replaced bool
	for _, a := range c.Command {
		if strings.Contains(a, PidPlaceholder) {
			replaced = true
			a = strings.ReplaceAll(a, PidPlaceholder, p)
		}
		args = append(args, a)
	}
	if !replaced {
		args = append(args, p)
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%w: pid %d: %s: %w: %s",
			model.ErrTerminationFailed, pid, strings.Join(args, " "), err, strings.TrimSpace(out.String()))
	}
	slog.DebugContext(ctx, "termination command succeeded", "pid", pid, "command", args)
	return nil
}

// SignalTerminator sends SIGTERM, polls the process until Grace elapses and
// sends SIGKILL if it's still alive. Zombies count as dead. A process leading its own group gets the
// signals for the whole group.
type SignalTerminator struct {
	Grace time.Duration
}

func (s SignalTerminator) Terminate(ctx context.Context, pid int) error {
	grace := s.Grace
	if grace <= 0 {
		grace = model.DefaultGrace
	}
	kill := runner.KillProcess
	if pgid, err := unix.Getpgid(pid); err == nil && pgid == pid {
		kill = runner.KillGroup
	}

	if err := kill(pid, unix.SIGTERM); err != nil {
		return err
	}
	deadline := time.Now().Add(grace)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for time.Now().Before(deadline) {
		if !runner.Alive(pid) {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: pid %d: %w", model.ErrTerminationFailed, pid, ctx.Err())
		case <-ticker.C:
		}
	}

	slog.WarnContext(ctx, "process survived SIGTERM: killing", "pid", pid, "grace", grace.String())
	if err := kill(pid, unix.SIGKILL); err != nil {
		return err
	}
	killed := time.NewTimer(KillWait)
	defer killed.Stop()
	for runner.Alive(pid) {
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: pid %d: %w", model.ErrTerminationFailed, pid, ctx.Err())
		case <-killed.C:
			return fmt.Errorf("%w: pid %d survived SIGKILL", model.ErrTerminationFailed, pid)
		case <-ticker.C:
		}
	}
	return nil
}
