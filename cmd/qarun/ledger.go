package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/CZERTAINLY/qarun/internal/jobstore"
	"github.com/CZERTAINLY/qarun/internal/model"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// ledgerCmd is used by scripts to record their jobs and processes in the job
// store handed over in QARUN_STORE.
var ledgerCmd = &cobra.Command{
	Use:    "ledger",
	Short:  "ledger records jobs, pids and reports in a job store",
	Hidden: true,
	// scripts call ledger, they have no config file
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		initLogging(env.GetBool("verbose"))
		return nil
	},
}

var (
	ledgerJobCmd = &cobra.Command{
		Use:   "job",
		Short: "job adds or updates rows of the jobs table",
	}
	ledgerJobAddCmd = &cobra.Command{
		Use:   "add",
		Short: "add inserts a job and prints its id",
		Args:  cobra.NoArgs,
		RunE:  doJobAdd,
	}
	ledgerJobUpdateCmd = &cobra.Command{
		Use:   "update <id>",
		Short: "update changes the columns given by flags",
		Args:  cobra.ExactArgs(1),
		RunE:  doJobUpdate,
	}
	ledgerPidCmd = &cobra.Command{
		Use:   "pid",
		Short: "pid records processes a stop request must terminate",
	}
	ledgerPidAddCmd = &cobra.Command{
		Use:   "add <pid>...",
		Short: "add records pids",
		Args:  cobra.MinimumNArgs(1),
		RunE:  doPids((*jobstore.Store).AddPid),
	}
	ledgerPidDelCmd = &cobra.Command{
		Use:   "del <pid>...",
		Short: "del removes pid records",
		Args:  cobra.MinimumNArgs(1),
		RunE:  doPids((*jobstore.Store).DeletePid),
	}
	ledgerReportCmd = &cobra.Command{
		Use:   "report <qa-type>",
		Short: "report appends a row to report_<qa-type>",
		Args:  cobra.ExactArgs(1),
		RunE:  doReport,
	}
	ledgerDashboardCmd = &cobra.Command{
		Use:   "dashboard <qa-type>",
		Short: "dashboard appends a row to report_dashboard",
		Args:  cobra.ExactArgs(1),
		RunE:  doDashboard,
	}
	ledgerFileCmd = &cobra.Command{
		Use:   "file <type> <path>",
		Short: "file records a produced file",
		Args:  cobra.ExactArgs(2),
		RunE:  doFile,
	}
)

func init() {
	ledgerCmd.PersistentFlags().String("store", "", "job store path (default $QARUN_STORE)")
	mustBind(ledgerCmd.PersistentFlags().Lookup("store"))

	jobFlags(ledgerJobAddCmd.Flags())
	ledgerJobAddCmd.Flags().String("mode", "", "NEW, GOLDEN, ALPHA or COMPARE")
	ledgerJobAddCmd.Flags().String("base", "", "library name")
	ledgerJobAddCmd.Flags().String("cell", "", "cell name")
	_ = ledgerJobAddCmd.MarkFlagRequired("mode")
	jobFlags(ledgerJobUpdateCmd.Flags())

	f := ledgerReportCmd.Flags()
	f.String("base", "", "library name")
	f.String("cell", "", "cell name")
	f.String("status", "", "check status")
	f.String("message", "", "check message")
	f.String("asc", "", "ascii report file")
	f.String("asc-cto", "", "ascii report file of the cto check")

	f = ledgerDashboardCmd.Flags()
	f.Int("total", 0, "checked cells")
	f.Int("pass", 0, "passed cells")
	f.Int("fail", 0, "failed cells")
	f.String("asc", "", "ascii report file")
	f.String("asc-cto", "", "ascii report file of the cto check")

	ledgerJobCmd.AddCommand(ledgerJobAddCmd, ledgerJobUpdateCmd)
	ledgerPidCmd.AddCommand(ledgerPidAddCmd, ledgerPidDelCmd)
	ledgerCmd.AddCommand(ledgerJobCmd, ledgerPidCmd, ledgerReportCmd, ledgerDashboardCmd, ledgerFileCmd)
}

// jobFlags are the columns both job add and job update can set
func jobFlags(f *pflag.FlagSet) {
	f.String("step", "", "current step")
	f.String("status", "", "PENDING, RUNNING, PASS, FAILED, ERROR or STOPPED")
	f.String("reason", "", "reason of a final status")
	f.String("log", "", "log file of the job")
	f.String("script", "", "script of the job")
	f.String("start", "", `start time, "now", "2006-01-02 15:04:05" or RFC 3339`)
	f.String("end", "", `end time, "now", "2006-01-02 15:04:05" or RFC 3339`)
	f.String("duration", "", "duration, like 90s or 1h2m")
}

func ledgerStore(cmd *cobra.Command) (*jobstore.Store, error) {
	path := env.GetString("store")
	if path == "" {
		return nil, errors.New("job store not set: use --store or QARUN_STORE")
	}
	return jobstore.Create(cmd.Context(), path)
}

func doJobAdd(cmd *cobra.Command, args []string) error {
	f := cmd.Flags()
	upd, err := parseJobUpdate(f, time.Now())
	if err != nil {
		return err
	}
	modeFlag, _ := f.GetString("mode")
	mode, err := model.ParseMode(modeFlag)
	if err != nil {
		return err
	}
	job := applyUpdate(model.Job{Mode: mode}, upd)
	job.Base, _ = f.GetString("base")
	job.Cell, _ = f.GetString("cell")

	store, err := ledgerStore(cmd)
	if err != nil {
		return err
	}
	id, err := store.InsertJob(cmd.Context(), job)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), id)
	return nil
}

func doJobUpdate(cmd *cobra.Command, args []string) error {
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("parsing job id: %w", err)
	}
	upd, err := parseJobUpdate(cmd.Flags(), time.Now())
	if err != nil {
		return err
	}
	if upd.Empty() {
		return errors.New("nothing to update")
	}
	store, err := ledgerStore(cmd)
	if err != nil {
		return err
	}
	return store.UpdateJob(cmd.Context(), id, upd)
}

// parseJobUpdate returns the columns set by changed flags. A final status
// without --end ends the job at now.
func parseJobUpdate(f *pflag.FlagSet, now time.Time) (model.JobUpdate, error) {
	var upd model.JobUpdate
	str := func(name string) (string, bool) {
		if !f.Changed(name) {
			return "", false
		}
		v, _ := f.GetString(name)
		return v, true
	}

	if v, ok := str("step"); ok {
		step := model.Step(v)
		upd.Step = &step
	}
	if v, ok := str("status"); ok {
		st, err := model.ParseStatus(v)
		if err != nil {
			return model.JobUpdate{}, err
		}
		upd.Status = &st
	}
	if v, ok := str("reason"); ok {
		upd.Reason = &v
	}
	if v, ok := str("log"); ok {
		upd.LogPath = &v
	}
	if v, ok := str("script"); ok {
		upd.ScriptPath = &v
	}
	for _, tf := range []struct {
		name string
		dst  **time.Time
	}{
		{"start", &upd.StartTime},
		{"end", &upd.EndTime},
	} {
		v, ok := str(tf.name)
		if !ok {
			continue
		}
		t, err := parseLedgerTime(v, now)
		if err != nil {
			return model.JobUpdate{}, fmt.Errorf("parsing --%s: %w", tf.name, err)
		}
		*tf.dst = &t
	}
	if v, ok := str("duration"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return model.JobUpdate{}, fmt.Errorf("parsing --duration: %w", err)
		}
		upd.Duration = &d
	}

	if upd.Status != nil && upd.Status.Terminal() && upd.EndTime == nil {
		upd.EndTime = &now
	}
	return upd, nil
}

func parseLedgerTime(s string, now time.Time) (time.Time, error) {
	if s == "now" {
		return now, nil
	}
	if t, err := time.ParseInLocation(jobstore.TimeLayout, s, time.Local); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, s)
}

func applyUpdate(job model.Job, upd model.JobUpdate) model.Job {
	if upd.Step != nil {
		job.Step = *upd.Step
	}
	if upd.Status != nil {
		job.Status = *upd.Status
	}
	if upd.Reason != nil {
		job.Reason = *upd.Reason
	}
	if upd.LogPath != nil {
		job.LogPath = *upd.LogPath
	}
	if upd.ScriptPath != nil {
		job.ScriptPath = *upd.ScriptPath
	}
	if upd.StartTime != nil {
		job.StartTime = *upd.StartTime
	}
	if upd.EndTime != nil {
		job.EndTime = *upd.EndTime
	}
	if upd.Duration != nil {
		job.Duration = *upd.Duration
	}
	return job
}

// doPids calls f with the store for every pid in args
func doPids(f func(*jobstore.Store, context.Context, int) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		pids, err := parsePids(args)
		if err != nil {
			return err
		}
		store, err := ledgerStore(cmd)
		if err != nil {
			return err
		}
		for _, pid := range pids {
			if err := f(store, cmd.Context(), pid); err != nil {
				return err
			}
		}
		return nil
	}
}

func parsePids(args []string) ([]int, error) {
	pids := make([]int, 0, len(args))
	for _, a := range args {
		pid, err := strconv.Atoi(a)
		if err != nil || pid <= 0 {
			return nil, fmt.Errorf("invalid pid %q", a)
		}
		pids = append(pids, pid)
	}
	return pids, nil
}

func doReport(cmd *cobra.Command, args []string) error {
	f := cmd.Flags()
	var row model.ReportRow
	row.Base, _ = f.GetString("base")
	row.Cell, _ = f.GetString("cell")
	row.Status, _ = f.GetString("status")
	row.Message, _ = f.GetString("message")
	row.FileASC, _ = f.GetString("asc")
	row.FileASCCTO, _ = f.GetString("asc-cto")

	store, err := ledgerStore(cmd)
	if err != nil {
		return err
	}
	_, err = store.AddReportRow(cmd.Context(), args[0], row)
	return err
}

func doDashboard(cmd *cobra.Command, args []string) error {
	f := cmd.Flags()
	row := model.DashboardRow{QAType: args[0]}
	row.Total, _ = f.GetInt("total")
	row.Pass, _ = f.GetInt("pass")
	row.Fail, _ = f.GetInt("fail")
	row.FileASC, _ = f.GetString("asc")
	row.FileASCCTO, _ = f.GetString("asc-cto")

	store, err := ledgerStore(cmd)
	if err != nil {
		return err
	}
	_, err = store.AddDashboardRow(cmd.Context(), row)
	return err
}

func doFile(cmd *cobra.Command, args []string) error {
	store, err := ledgerStore(cmd)
	if err != nil {
		return err
	}
	return store.AddFile(cmd.Context(), args[0], args[1])
}
