package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/CZERTAINLY/qarun/internal/jobstore"
	"github.com/CZERTAINLY/qarun/internal/model"
	"github.com/CZERTAINLY/qarun/internal/poller"
	"github.com/CZERTAINLY/qarun/internal/supervisor"

	"github.com/google/uuid"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
)

func testSnapshot() poller.Snapshot {
	return poller.Snapshot{
		Path:  "/qa/out/.cache.db",
		Taken: time.Date(2025, 3, 4, 10, 0, 0, 0, time.UTC),
		Jobs: []model.Job{
			{ID: 1, Mode: model.ModeNew, Base: "lib", Cell: "inv", Step: "CDF", Status: model.StatusRunning},
			{ID: 2, Mode: model.ModeNew, Base: "lib", Cell: "nand", Step: "PACKAGE", Status: model.StatusPass, Duration: 90 * time.Second},
		},
		Summary: model.Summary{
			{Mode: model.ModeNew, Step: "CDF", Status: model.StatusRunning}:  1,
			{Mode: model.ModeNew, Step: "PACKAGE", Status: model.StatusPass}: 1,
		},
	}
}

func TestPrintSnapshot(t *testing.T) {
	t.Parallel()
	snap := testSnapshot()

	t.Run("table", func(t *testing.T) {
		t.Parallel()
		var buf bytes.Buffer
		require.NoError(t, printSnapshot(&buf, formatTable, snap))
		out := buf.String()
		require.Contains(t, out, "store: /qa/out/.cache.db\n")
		require.Contains(t, out, "ID  MODE  BASE  CELL")
		require.Contains(t, out, "1m30s")
		require.True(t, strings.HasSuffix(out, "total: 2, RUNNING: 1, PASS: 1\n"), out)
	})

	t.Run("json", func(t *testing.T) {
		t.Parallel()
		var buf bytes.Buffer
		require.NoError(t, printSnapshot(&buf, formatJSON, snap))
		var got statusView
		require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
		require.Equal(t, snap.Path, got.Store)
		require.Len(t, got.Jobs, 2)
		require.Equal(t, 1, got.ByStatus[model.StatusPass])
		require.Equal(t, 0, got.ByStatus[model.StatusStopped])
		require.Len(t, got.Summary, 2)
	})

	t.Run("yaml", func(t *testing.T) {
		t.Parallel()
		var buf bytes.Buffer
		require.NoError(t, printSnapshot(&buf, formatYAML, poller.Snapshot{Path: "/qa/out/.cache.db", Err: errors.New("disk I/O error")}))
		require.Contains(t, buf.String(), "store: /qa/out/.cache.db\n")
		require.Contains(t, buf.String(), "jobs: []\n")
		require.Contains(t, buf.String(), "error: disk I/O error\n")
	})
}

func TestCheckFormat(t *testing.T) {
	t.Parallel()
	for _, f := range []string{"table", "json", "yaml"} {
		require.NoError(t, checkFormat(f))
	}
	require.Error(t, checkFormat("xml"))
}

func TestParseJobUpdate(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 3, 4, 10, 0, 0, 0, time.Local)

	parse := func(t *testing.T, args ...string) (model.JobUpdate, error) {
		t.Helper()
		f := pflag.NewFlagSet("test", pflag.ContinueOnError)
		jobFlags(f)
		require.NoError(t, f.Parse(args))
		return parseJobUpdate(f, now)
	}

	t.Run("final status ends the job", func(t *testing.T) {
		t.Parallel()
		upd, err := parse(t, "--status", "pass", "--step", "DRC", "--start", "2025-03-04 09:00:00", "--duration", "1h")
		require.NoError(t, err)
		require.Equal(t, model.StatusPass, *upd.Status)
		require.Equal(t, model.Step("DRC"), *upd.Step)
		require.Equal(t, time.Date(2025, 3, 4, 9, 0, 0, 0, time.Local), *upd.StartTime)
		require.Equal(t, now, *upd.EndTime)
		require.Equal(t, time.Hour, *upd.Duration)
		require.Nil(t, upd.Reason)
	})

	t.Run("running", func(t *testing.T) {
		t.Parallel()
		upd, err := parse(t, "--status", "RUNNING", "--start", "now", "--log", "/qa/out/inv.log")
		require.NoError(t, err)
		require.Equal(t, now, *upd.StartTime)
		require.Nil(t, upd.EndTime)
		require.Equal(t, "/qa/out/inv.log", *upd.LogPath)
	})

	t.Run("nothing", func(t *testing.T) {
		t.Parallel()
		upd, err := parse(t)
		require.NoError(t, err)
		require.True(t, upd.Empty())
	})

	for _, args := range [][]string{
		{"--status", "done"},
		{"--start", "yesterday"},
		{"--duration", "forever"},
	} {
		t.Run(args[0], func(t *testing.T) {
			t.Parallel()
			_, err := parse(t, args...)
			require.Error(t, err)
		})
	}
}

func TestParsePids(t *testing.T) {
	t.Parallel()
	pids, err := parsePids([]string{"12", "345"})
	require.NoError(t, err)
	require.Equal(t, []int{12, 345}, pids)

	for _, bad := range []string{"0", "-1", "x"} {
		_, err := parsePids([]string{"12", bad})
		require.Error(t, err, bad)
	}
}

func TestLedger(t *testing.T) {
	path := filepath.Join(t.TempDir(), jobstore.FileName)
	t.Setenv("QARUN_STORE", path)

	var out bytes.Buffer
	ledgerCmd.SetOut(&out)
	exec := func(args ...string) {
		t.Helper()
		ledgerCmd.SetArgs(args)
		require.NoError(t, ledgerCmd.ExecuteContext(t.Context()))
	}

	exec("job", "add", "--mode", "new", "--base", "lib", "--cell", "inv", "--step", "SETUP", "--status", "running", "--start", "now")
	require.Equal(t, "1\n", out.String())
	exec("job", "update", "1", "--status", "failed", "--step", "DRC", "--reason", "drc errors")
	exec("pid", "add", "4242", "4243")
	exec("pid", "del", "4242")
	exec("report", "drc", "--base", "lib", "--cell", "inv", "--status", "FAIL", "--message", "spacing")
	exec("dashboard", "drc", "--total", "1", "--fail", "1")
	exec("file", "package", "/qa/out/lib.tgz")

	store, err := jobstore.OpenExisting(path)
	require.NoError(t, err)
	ctx := t.Context()

	job, err := store.GetJob(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, model.StatusFailed, job.Status)
	require.Equal(t, model.Step("DRC"), job.Step)
	require.Equal(t, "drc errors", job.Reason)
	require.False(t, job.StartTime.IsZero())
	require.False(t, job.EndTime.IsZero())

	pids, err := store.ListPids(ctx)
	require.NoError(t, err)
	require.Equal(t, []model.PidRecord{{PID: 4243}}, pids)

	rows, err := store.ReportRows(ctx, "DRC")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "spacing", rows[0].Message)

	dashboard, err := store.Dashboard(ctx)
	require.NoError(t, err)
	require.Len(t, dashboard, 1)
	require.Equal(t, "DRC", dashboard[0].QAType)

	file, err := store.LatestFile(ctx, "package")
	require.NoError(t, err)
	require.Equal(t, "/qa/out/lib.tgz", file)
}

func TestPrintEvents(t *testing.T) {
	t.Parallel()
	id := uuid.New()
	started := time.Date(2025, 3, 4, 10, 0, 0, 0, time.UTC)
	events := make(chan supervisor.Event, 8)
	events <- supervisor.Event{Kind: supervisor.EventPrepared, StorePath: "/qa/out/.cache.db"}
	events <- supervisor.Event{Kind: supervisor.EventPhaseSkipped, Phase: supervisor.PhaseCreatePackageGolden, Message: "package exists"}
	events <- supervisor.Event{Kind: supervisor.EventPhaseStarted, Phase: supervisor.PhaseCreatePackageAlpha, Pid: 42}
	events <- supervisor.Event{Kind: supervisor.EventOutput, Line: "CDF done"}
	events <- supervisor.Event{Kind: supervisor.EventStopRequested}
	events <- supervisor.Event{Kind: supervisor.EventFinished, Result: &supervisor.Result{
		RunID:     id,
		Outcome:   supervisor.OutcomeStopped,
		Started:   started,
		Finished:  started.Add(3 * time.Second),
		Finalized: 2,
	}}
	// never read, printEvents returns on Finished
	events <- supervisor.Event{Kind: supervisor.EventOutput, Line: "late"}

	var buf bytes.Buffer
	printEvents(&buf, events)
	require.Equal(t, strings.Join([]string{
		"==> job store /qa/out/.cache.db",
		"==> create_package_golden skipped: package exists",
		"==> create_package_alpha started (pid 42)",
		"CDF done",
		"==> stop requested, stopping running jobs",
		"==> run " + id.String() + ": stopped in 3s",
		"==> 2 unfinished jobs finalized",
		"",
	}, "\n"), buf.String())
}

type recordingPoller struct {
	mx        sync.Mutex
	paths     []string
	refreshes int
}

func (p *recordingPoller) SetPath(path string) {
	p.mx.Lock()
	defer p.mx.Unlock()
	p.paths = append(p.paths, path)
}

func (p *recordingPoller) Refresh() {
	p.mx.Lock()
	defer p.mx.Unlock()
	p.refreshes++
}

func TestFollowRuns(t *testing.T) {
	t.Parallel()
	events := make(chan supervisor.Event, 4)
	events <- supervisor.Event{Kind: supervisor.EventPrepared, StorePath: "/qa/a/.cache.db"}
	events <- supervisor.Event{Kind: supervisor.EventOutput, Line: "x"}
	events <- supervisor.Event{Kind: supervisor.EventPhaseFinished}
	events <- supervisor.Event{Kind: supervisor.EventFinished}
	close(events)

	p := &recordingPoller{}
	followRuns(t.Context(), events, p)
	require.Equal(t, []string{"/qa/a/.cache.db"}, p.paths)
	require.Equal(t, 3, p.refreshes)
}

type fakeStarter struct {
	err  error
	reqs []supervisor.Request
}

func (f *fakeStarter) Start(_ context.Context, req supervisor.Request) (uuid.UUID, error) {
	f.reqs = append(f.reqs, req)
	if f.err != nil {
		return uuid.Nil, f.err
	}
	return uuid.New(), nil
}

func TestStartScheduled(t *testing.T) {
	t.Parallel()
	plan := func() (supervisor.Request, error) {
		return supervisor.Request{Dir: "/qa/out"}, nil
	}

	s := &fakeStarter{}
	startScheduled(t.Context(), s, plan)
	s.err = model.ErrRunInProgress
	startScheduled(t.Context(), s, plan)
	require.Equal(t, []supervisor.Request{{Dir: "/qa/out"}, {Dir: "/qa/out"}}, s.reqs)

	failing := func() (supervisor.Request, error) {
		return supervisor.Request{}, errors.New("run directory is not configured")
	}
	s = &fakeStarter{}
	startScheduled(t.Context(), s, failing)
	require.Empty(t, s.reqs)
}
