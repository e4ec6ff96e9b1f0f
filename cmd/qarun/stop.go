package main

import (
	"fmt"

	"github.com/CZERTAINLY/qarun/internal/metrics"
	"github.com/CZERTAINLY/qarun/internal/model"

	"github.com/spf13/cobra"
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "stop terminates processes recorded in the job store of the run directory",
	Long: `stop works without the process which started the run. It terminates every
pid recorded in the job store and marks all PENDING and RUNNING jobs as STOPPED.`,
	RunE: doStop,
}

func doStop(cmd *cobra.Command, args []string) error {
	ctx := cmdContext(cmd.Context(), "stop")
	path, err := storePath(config)
	if err != nil {
		return err
	}

	report, err := newCanceller(config, metrics.Nop{}).Stop(ctx, nil, path)
	fmt.Fprintln(cmd.OutOrStdout(), report.Message())
	if report.Reconciled > 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "%d jobs marked %s\n", report.Reconciled, model.StatusStopped)
	}
	return err
}
