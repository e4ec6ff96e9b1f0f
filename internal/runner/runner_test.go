package runner_test

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/CZERTAINLY/qarun/internal/model"
	"github.com/CZERTAINLY/qarun/internal/runner"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func script(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "run.sh")
	err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755)
	require.NoError(t, err)
	return path
}

func drain(h *runner.Handle) <-chan []string {
	ch := make(chan []string, 1)
	go func() {
		var lines []string
		for line := range h.Lines() {
			lines = append(lines, line)
		}
		ch <- lines
	}()
	return ch
}

func TestStart(t *testing.T) {
	t.Parallel()
	r := runner.New(time.Second)
	path := script(t, `echo one
echo two >&2
printf 'no newline'`)

	h, err := r.Start(t.Context(), runner.Script{Path: path})
	require.NoError(t, err)
	require.NotZero(t, h.Pid())
	lines := drain(h)

	require.NoError(t, h.Wait())
	require.Equal(t, []string{"one", "two", "no newline"}, <-lines)
	require.NotZero(t, h.Duration())
	require.Eventually(t, func() bool { return r.Active() == 0 }, time.Second, 10*time.Millisecond)
}

func TestShellAndEnv(t *testing.T) {
	t.Parallel()
	r := runner.New(time.Second)
	path := filepath.Join(t.TempDir(), "run.csh")
	require.NoError(t, os.WriteFile(path, []byte(`echo "$QA_MODE" "$1" "$(pwd)"`), 0o644))
	dir := t.TempDir()

	h, err := r.Start(t.Context(), runner.Script{
		Path:  path,
		Args:  []string{"arg"},
		Dir:   dir,
		Shell: "/bin/sh",
		Env:   []string{"QA_MODE=golden"},
	})
	require.NoError(t, err)
	lines := drain(h)
	require.NoError(t, h.Wait())
	require.Equal(t, []string{"golden arg " + dir}, <-lines)
}

func TestExitCode(t *testing.T) {
	t.Parallel()
	r := runner.New(time.Second)
	h, err := r.Start(t.Context(), runner.Script{Path: script(t, "echo failing\nexit 3")})
	require.NoError(t, err)
	lines := drain(h)

	err = h.Wait()
	require.Error(t, err)
	require.ErrorIs(t, err, model.ErrExecutionFailed)
	require.NotErrorIs(t, err, model.ErrStoppedByUser)
	var exitErr *runner.ExitError
	require.ErrorAs(t, err, &exitErr)
	require.Equal(t, 3, exitErr.Code)
	require.Equal(t, []string{"failing"}, <-lines)
}

func TestLaunchFailed(t *testing.T) {
	t.Parallel()
	r := runner.New(time.Second)
	_, err := r.Start(t.Context(), runner.Script{Path: filepath.Join(t.TempDir(), "does-not-exist.sh")})
	require.Error(t, err)
	require.ErrorIs(t, err, model.ErrLaunchFailed)

	notExec := filepath.Join(t.TempDir(), "plain.sh")
	require.NoError(t, os.WriteFile(notExec, []byte("echo hi\n"), 0o644))
	_, err = r.Start(t.Context(), runner.Script{Path: notExec})
	require.ErrorIs(t, err, model.ErrLaunchFailed)
	require.Zero(t, r.Active())
}

func TestStop(t *testing.T) {
	t.Parallel()
	r := runner.New(2 * time.Second)
	h, err := r.Start(t.Context(), runner.Script{Path: script(t, "echo started\nsleep 30")})
	require.NoError(t, err)
	lines := drain(h)

	start := time.Now()
	require.NoError(t, h.Stop(t.Context()))
	require.Less(t, time.Since(start), 5*time.Second)

	err = h.Wait()
	require.ErrorIs(t, err, model.ErrStoppedByUser)
	require.False(t, runner.Alive(h.Pid()))
	<-lines

	t.Run("idempotent", func(t *testing.T) {
		require.NoError(t, h.Stop(t.Context()))
	})
}

func TestStopEscalates(t *testing.T) {
	t.Parallel()
	r := runner.New(200 * time.Millisecond)
	h, err := r.Start(t.Context(), runner.Script{Path: script(t, `trap '' TERM
echo ready
while true; do sleep 1; done`)})
	require.NoError(t, err)

	first := <-h.Lines()
	require.Equal(t, "ready", first)
	lines := drain(h)

	require.NoError(t, h.Stop(t.Context()))
	err = h.Wait()
	require.ErrorIs(t, err, model.ErrStoppedByUser)
	var exitErr *runner.ExitError
	require.ErrorAs(t, err, &exitErr)
	require.Equal(t, "SIGKILL", exitErr.Signal)
	<-lines
}

func TestStopFinished(t *testing.T) {
	t.Parallel()
	r := runner.New(time.Second)
	h, err := r.Start(t.Context(), runner.Script{Path: script(t, "exit 0")})
	require.NoError(t, err)
	lines := drain(h)
	require.NoError(t, h.Wait())
	<-lines

	require.NoError(t, h.Stop(t.Context()))
	require.NoError(t, h.Wait())
}

// a background child keeping the pipe open must not block Wait
func TestLingeringChild(t *testing.T) {
	t.Parallel()
	r := runner.New(time.Second)
	h, err := r.Start(t.Context(), runner.Script{Path: script(t, "sleep 30 &\necho done")})
	require.NoError(t, err)
	lines := drain(h)

	waited := make(chan error, 1)
	go func() { waited <- h.Wait() }()
	select {
	case err := <-waited:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Wait blocked on a lingering child")
	}
	require.Equal(t, []string{"done"}, <-lines)
	require.NoError(t, runner.KillGroup(h.Pid(), 9))
}

func TestRunnerStop(t *testing.T) {
	t.Parallel()
	r := runner.New(time.Second)
	var all []<-chan []string
	for range 3 {
		h, err := r.Start(t.Context(), runner.Script{Path: script(t, "sleep 30")})
		require.NoError(t, err)
		all = append(all, drain(h))
	}
	require.Equal(t, 3, r.Active())

	n, err := r.Stop(t.Context())
	require.NoError(t, err)
	require.Equal(t, 3, n)
	for _, ch := range all {
		<-ch
	}
	require.Eventually(t, func() bool { return r.Active() == 0 }, time.Second, 10*time.Millisecond)

	n, err = r.Stop(t.Context())
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestContextCancel(t *testing.T) {
	t.Parallel()
	r := runner.New(time.Second)
	ctx, cancel := context.WithCancel(t.Context())
	h, err := r.Start(ctx, runner.Script{Path: script(t, "sleep 30")})
	require.NoError(t, err)
	lines := drain(h)

	cancel()
	require.ErrorIs(t, h.Wait(), model.ErrStoppedByUser)
	<-lines
}

func TestKillMissing(t *testing.T) {
	t.Parallel()
	// pid far above default pid_max
	require.NoError(t, runner.KillProcess(1<<22+1, 15))
	require.False(t, runner.Alive(1<<22+1))
}

// a script which exited while its output is still undelivered is not stopped
func TestRunnerStopExited(t *testing.T) {
	t.Parallel()
	r := runner.New(time.Second)
	h, err := r.Start(t.Context(), runner.Script{Path: script(t, "i=0; while [ $i -lt 200 ]; do echo $i; i=$((i+1)); done")})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return !runner.Alive(h.Pid()) }, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, 1, r.Active())

	n, err := r.Stop(t.Context())
	require.NoError(t, err)
	require.Zero(t, n)

	lines := drain(h)
	require.NoError(t, h.Wait())
	require.NotEmpty(t, <-lines)
}

func TestZombie(t *testing.T) {
	t.Parallel()
	sleep, err := exec.LookPath("sleep")
	if err != nil {
		t.Skipf("skipped, binary sleep not available: %v", err)
	}
	cmd := exec.Command(sleep, "30")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	require.NoError(t, cmd.Start())
	pid := cmd.Process.Pid
	require.True(t, runner.Alive(pid))
	require.True(t, runner.GroupAlive(pid))

	// not reaped until Wait
	require.NoError(t, cmd.Process.Signal(syscall.SIGKILL))
	require.Eventually(t, func() bool { return !runner.Alive(pid) }, 2*time.Second, 10*time.Millisecond)
	require.False(t, runner.GroupAlive(pid))
	_, err = os.Stat(fmt.Sprintf("/proc/%d", pid))
	require.NoError(t, err, "zombie must keep its proc entry")

	require.Error(t, cmd.Wait())
}
