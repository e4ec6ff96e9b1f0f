package qarun_test

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var (
	qarunPath string

	// tmpDir is a function used to create a tempdir
	// -test.keepdir flag says test to use os.MkdirTemp
	// default is t.TempDir, which will be cleaned up
	tmpDir func(t *testing.T) string
)

func TestMain(m *testing.M) {
	var keepTestDir bool
	flag.BoolVar(&keepTestDir, "test.keepdir", false, "use os.TempDir instead of t.TempDir to keep test artifacts")

	flag.Parse()

	if testing.Short() {
		slog.Warn("integration tests with -short are ignored")
		os.Exit(0)
	}

	if !keepTestDir {
		tmpDir = func(t *testing.T) string {
			t.Helper()
			return t.TempDir()
		}
	} else {
		tmpDir = func(t *testing.T) string {
			t.Helper()
			dir, err := os.MkdirTemp("", t.Name()+"*")
			require.NoError(t, err)
			_, err = fmt.Fprintf(t.Output(), "TEMPDIR %s: -test.keepdir used, so it won't be automatically deleted", dir)
			require.NoError(t, err)
			return dir
		}
	}

	if !isExecutable("qarun-ci") {
		slog.Error("cannot locate qarun-ci binary: run go build -race -cover -covermode=atomic -o qarun-ci ./cmd/qarun/ first")
		os.Exit(1)
	}

	var err error
	qarunPath, err = filepath.Abs("qarun-ci")
	if err != nil {
		slog.Error("can't get abspath for qarun-ci", "error", err)
		os.Exit(1)
	}
	coverDir, err := filepath.Abs("coverage")
	if err != nil {
		slog.Error("can't get value for GOCOVERDIR for qarun-ci", "error", err)
		os.Exit(1)
	}
	err = rmRfMkdirp(coverDir)
	if err != nil {
		slog.Error("can't reset GOCOVERDIR for qarun-ci", "error", err, "coverdir", coverDir)
		os.Exit(1)
	}

	err = os.Setenv("GOCOVERDIR", coverDir)
	if err != nil {
		slog.Error("can't set GOCOVERDIR env variable", "error", err)
		os.Exit(1)
	}
	// scripts call the ledger through it
	err = os.Setenv("QARUN_CLI", qarunPath)
	if err != nil {
		slog.Error("can't set QARUN_CLI env variable", "error", err)
		os.Exit(1)
	}

	os.Exit(m.Run())
}

const config = `
version: 0
run:
    kind: create
    dir: out
    templates: tmpl
    script_ext: sh
    shell: /bin/sh
cancel:
    grace: 2s
poll:
    interval: 100ms
`

func TestRun(t *testing.T) {
	_ = chDir(t)
	creat(t, "qarun.yaml", []byte(config))
	template(t, `
id=$("$QARUN_CLI" ledger job add --mode {{ .Mode }} --base lib --cell inv --step SETUP --status running --start now)
echo "created job $id in {{ .Phase }}"
"$QARUN_CLI" ledger job update "$id" --status pass --step PACKAGE
`)

	stdout := qarun(t, "run")
	require.Contains(t, stdout, "created job 1 in create_package")
	require.Contains(t, stdout, ": success in ")

	st := status(t)
	require.Len(t, st.Jobs, 1)
	require.Equal(t, "PASS", st.Jobs[0].Status)
	require.Equal(t, 1, st.ByStatus["PASS"])

	// a second run moves the first one aside
	_ = qarun(t, "run", "--cleanup")
	backups, err := filepath.Glob("out_backup_*")
	require.NoError(t, err)
	require.Len(t, backups, 1)
}

func TestRunFailed(t *testing.T) {
	_ = chDir(t)
	creat(t, "qarun.yaml", []byte(config))
	template(t, `
"$QARUN_CLI" ledger job add --mode {{ .Mode }} --base lib --cell inv --status running --start now
exit 3
`)

	ctx, cancel := context.WithTimeout(t.Context(), 60*time.Second)
	t.Cleanup(cancel)
	cmd := exec.CommandContext(ctx, qarunPath, "run", "--config", "qarun.yaml")
	err := cmd.Run()
	var exitErr *exec.ExitError
	require.ErrorAs(t, err, &exitErr)
	require.Equal(t, 1, exitErr.ExitCode())

	st := status(t)
	require.Len(t, st.Jobs, 1)
	require.Equal(t, "ERROR", st.Jobs[0].Status)
}

const sleeper = `
sleep 60 &
"$QARUN_CLI" ledger pid add $!
"$QARUN_CLI" ledger job add --mode {{ .Mode }} --base lib --cell inv --status running --start now
echo started
wait
`

func TestInterrupt(t *testing.T) {
	_ = chDir(t)
	creat(t, "qarun.yaml", []byte(config))
	template(t, sleeper)

	ctx, cancel := context.WithTimeout(t.Context(), 60*time.Second)
	t.Cleanup(cancel)
	var stdout bytes.Buffer
	cmd := exec.CommandContext(ctx, qarunPath, "run", "--config", "qarun.yaml")
	cmd.Stdout = &stdout
	require.NoError(t, cmd.Start())

	waitRunning(t)
	require.NoError(t, cmd.Process.Signal(os.Interrupt))

	err := cmd.Wait()
	var exitErr *exec.ExitError
	require.ErrorAs(t, err, &exitErr)
	require.Equal(t, 130, exitErr.ExitCode(), stdout.String())
	require.Contains(t, stdout.String(), "stop requested")

	st := status(t)
	require.Len(t, st.Jobs, 1)
	require.Equal(t, "STOPPED", st.Jobs[0].Status)
	require.Equal(t, "stopped by user", st.Jobs[0].Reason)
}

func TestStop(t *testing.T) {
	_ = chDir(t)
	creat(t, "qarun.yaml", []byte(config))
	template(t, sleeper)

	ctx, cancel := context.WithTimeout(t.Context(), 60*time.Second)
	t.Cleanup(cancel)
	run := exec.CommandContext(ctx, qarunPath, "run", "--config", "qarun.yaml")
	require.NoError(t, run.Start())
	waitRunning(t)

	stdout := qarun(t, "stop")
	require.Contains(t, stdout, "stopped 1 running jobs")
	require.Contains(t, stdout, "1 jobs marked STOPPED")

	// the script exits once its child is gone
	require.Error(t, run.Wait())

	st := status(t)
	require.Len(t, st.Jobs, 1)
	require.Equal(t, "STOPPED", st.Jobs[0].Status)

	// nothing left
	stdout = qarun(t, "stop")
	require.Contains(t, stdout, "no running jobs found")
}

type statusView struct {
	Store string `json:"store"`
	Jobs  []struct {
		ID     int64  `json:"id"`
		Status string `json:"status"`
		Reason string `json:"reason"`
	} `json:"jobs"`
	ByStatus map[string]int `json:"by_status"`
}

func status(t *testing.T) statusView {
	t.Helper()
	var st statusView
	out := qarun(t, "status", "-o", "json")
	require.NoError(t, json.Unmarshal([]byte(out), &st), out)
	return st
}

func waitRunning(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool {
		st := status(t)
		return st.ByStatus["RUNNING"] == 1
	}, 30*time.Second, 200*time.Millisecond)
}

func qarun(t *testing.T, args ...string) string {
	t.Helper()
	ctx, cancel := context.WithTimeout(t.Context(), 60*time.Second)
	defer cancel()
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, qarunPath, append(args, "--config", "qarun.yaml")...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	if err != nil {
		t.Logf("%s", stderr.String())
		require.NoError(t, err, stdout.String())
	}
	return stdout.String()
}

func template(t *testing.T, body string) {
	t.Helper()
	require.NoError(t, os.MkdirAll("tmpl", 0755))
	creat(t, filepath.Join("tmpl", "create_package.tmpl"), []byte("#!/bin/sh\nset -e\n"+body))
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.Mode().Perm()&0111 != 0
}

func rmRfMkdirp(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to remove directory: %w", err)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	return nil
}

func chDir(t *testing.T) string {
	t.Helper()
	tempdir := tmpDir(t)
	t.Chdir(tempdir)
	return tempdir
}

func creat(t *testing.T, path string, content []byte) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer func() {
		require.NoError(t, f.Close())
	}()
	_, err = f.Write(content)
	require.NoError(t, err)
	err = f.Sync()
	require.NoError(t, err)
}
