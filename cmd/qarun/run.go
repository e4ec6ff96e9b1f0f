package main

import (
	"context"
	"fmt"
	"io"

	"github.com/CZERTAINLY/qarun/internal/metrics"
	"github.com/CZERTAINLY/qarun/internal/notify"
	"github.com/CZERTAINLY/qarun/internal/supervisor"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

// exit code of a run stopped by the user, the shell convention for SIGINT
const exitStopped = 130

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "run renders and executes the scripts of the configured run",
	Long: `run executes the phases of the configured run one after another and
prints their output. Ctrl+C stops the running scripts and every process they
recorded, jobs left unfinished are marked STOPPED.`,
	RunE: doRun,
}

func init() {
	runCmd.Flags().Bool("cleanup", false, "move an existing run directory aside before the run")
}

func doRun(cmd *cobra.Command, args []string) error {
	ctx := cmdContext(cmd.Context(), "run")
	if cmd.Flags().Changed("cleanup") {
		config.Run.Cleanup, _ = cmd.Flags().GetBool("cleanup")
	}

	req, err := supervisor.NewRequest(config)
	if err != nil {
		return err
	}
	sup, err := newSupervisor(config, metrics.Nop{})
	if err != nil {
		return err
	}

	// the loop outlives the signal, Run stops the run on it
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	loopDone := make(chan error, 1)
	go func() {
		loopDone <- sup.Do(loopCtx)
	}()
	defer func() {
		cancel()
		<-loopDone
	}()

	events, unsubscribe := sup.Subscribe(notify.Lossless())
	defer unsubscribe()
	printed := make(chan struct{})
	go func() {
		defer close(printed)
		printEvents(cmd.OutOrStdout(), events)
	}()

	res, err := sup.Run(ctx, req)
	if res.RunID == uuid.Nil {
		unsubscribe()
	}
	<-printed

	switch res.Outcome {
	case supervisor.OutcomeStopped:
		return exitError{code: exitStopped, err: err}
	case supervisor.OutcomeFailed:
		return err
	}
	return err
}

// printEvents writes progress of a run until it finishes.
func printEvents(w io.Writer, events <-chan supervisor.Event) {
	for ev := range events {
		switch ev.Kind {
		case supervisor.EventPrepared:
			if ev.Backup != "" {
				fmt.Fprintf(w, "==> previous run moved to %s\n", ev.Backup)
			}
			fmt.Fprintf(w, "==> job store %s\n", ev.StorePath)
		case supervisor.EventPhaseSkipped:
			fmt.Fprintf(w, "==> %s skipped: %s\n", ev.Phase, ev.Message)
		case supervisor.EventPhaseStarted:
			fmt.Fprintf(w, "==> %s started (pid %d)\n", ev.Phase, ev.Pid)
		case supervisor.EventOutput:
			fmt.Fprintln(w, ev.Line)
		case supervisor.EventPhaseFinished:
			if ev.Err != nil {
				fmt.Fprintf(w, "==> %s failed: %v\n", ev.Phase, ev.Err)
			} else {
				fmt.Fprintf(w, "==> %s finished\n", ev.Phase)
			}
		case supervisor.EventStopRequested:
			fmt.Fprintln(w, "==> stop requested, stopping running jobs")
		case supervisor.EventFinished:
			printResult(w, ev.Result)
			return
		}
	}
}

func printResult(w io.Writer, res *supervisor.Result) {
	if res == nil {
		return
	}
	fmt.Fprintf(w, "==> run %s: %s in %s\n", res.RunID, res.Outcome, res.Finished.Sub(res.Started).Round(1e6))
	if res.Finalized > 0 {
		fmt.Fprintf(w, "==> %d unfinished jobs finalized\n", res.Finalized)
	}
	if res.Err != nil && res.Outcome == supervisor.OutcomeFailed {
		fmt.Fprintf(w, "==> error: %v\n", res.Err)
	}
}
