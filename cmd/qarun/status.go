package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/CZERTAINLY/qarun/internal/model"
	"github.com/CZERTAINLY/qarun/internal/poller"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "status prints jobs of the job store in the run directory",
	Long: `status reads the job store of the run directory and prints all jobs and
their counts by status. It never writes to the store, so it's safe to use
while a run is in progress. With --watch the store is polled until Ctrl+C.`,
	RunE: doStatus,
}

func init() {
	statusCmd.Flags().BoolP("watch", "w", false, "poll the job store and print every snapshot")
	statusCmd.Flags().StringP("output", "o", "table", "output format: table, json or yaml")
}

func doStatus(cmd *cobra.Command, args []string) error {
	ctx := cmdContext(cmd.Context(), "status")
	watch, _ := cmd.Flags().GetBool("watch")
	format, _ := cmd.Flags().GetString("output")
	if err := checkFormat(format); err != nil {
		return err
	}
	path, err := storePath(config)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	if !watch {
		snap := poller.Poll(ctx, path)
		if err := printSnapshot(out, format, snap); err != nil {
			return err
		}
		return snap.Err
	}

	p := poller.New(path, config.PollInterval())
	snaps, unsubscribe := p.Subscribe()
	defer unsubscribe()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return p.Run(ctx)
	})
	g.Go(func() error {
		for snap := range snaps {
			if err := printSnapshot(out, format, snap); err != nil {
				return err
			}
		}
		return nil
	})
	return g.Wait()
}

const (
	formatTable = "table"
	formatJSON  = "json"
	formatYAML  = "yaml"
)

func checkFormat(format string) error {
	switch format {
	case formatTable, formatJSON, formatYAML:
		return nil
	}
	return fmt.Errorf("unsupported output format %q", format)
}

// statusView is a snapshot as printed by json and yaml formats.
type statusView struct {
	Store    string               `json:"store" yaml:"store"`
	Taken    time.Time            `json:"taken" yaml:"taken"`
	Jobs     []model.Job          `json:"jobs" yaml:"jobs"`
	ByStatus map[model.Status]int `json:"by_status" yaml:"by_status"`
	Summary  []model.SummaryRow   `json:"summary" yaml:"summary"`
	Error    string               `json:"error,omitempty" yaml:"error,omitempty"`
}

func newStatusView(snap poller.Snapshot) statusView {
	v := statusView{
		Store:    snap.Path,
		Taken:    snap.Taken,
		Jobs:     snap.Jobs,
		ByStatus: snap.Summary.ByStatus(),
		Summary:  snap.Summary.Rows(),
	}
	if v.Jobs == nil {
		v.Jobs = []model.Job{}
	}
	if snap.Err != nil {
		v.Error = snap.Err.Error()
	}
	return v
}

func printSnapshot(w io.Writer, format string, snap poller.Snapshot) error {
	switch format {
	case formatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(newStatusView(snap))
	case formatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(newStatusView(snap)); err != nil {
			return err
		}
		return enc.Close()
	}
	return printTable(w, snap)
}

func printTable(w io.Writer, snap poller.Snapshot) error {
	fmt.Fprintf(w, "store: %s\n", snap.Path)
	if snap.Err != nil {
		fmt.Fprintf(w, "error: %v\n", snap.Err)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tMODE\tBASE\tCELL\tSTEP\tSTATUS\tDURATION\tREASON")
	for _, j := range snap.Jobs {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			j.ID, j.Mode, j.Base, j.Cell, j.Step, j.Status, duration(j.Duration), j.Reason)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	byStatus := snap.Summary.ByStatus()
	fmt.Fprintf(w, "total: %d", len(snap.Jobs))
	for _, st := range model.AllStatuses {
		if n := byStatus[st]; n > 0 {
			fmt.Fprintf(w, ", %s: %d", st, n)
		}
	}
	_, err := fmt.Fprintln(w)
	return err
}

func duration(d time.Duration) string {
	if d == 0 {
		return "-"
	}
	return d.Round(time.Second).String()
}
