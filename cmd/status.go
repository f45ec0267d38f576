package cmd

import (
	"fmt"
	"io"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/JakeFAU/game-catalog-crawler/internal/crawler"
)

func newStatusCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Prints checkpoints and recent runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := resolveRuntime(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			cps := table.NewWriter()
			cps.SetOutputMirror(out)
			cps.SetTitle("Checkpoints")
			cps.AppendHeader(table.Row{"Source", "Run", "State", "Queued", "Done", "Reason", "Updated"})
			for _, src := range crawler.Sources() {
				cp, ok, err := rt.app.Checkpoints().Load(cmd.Context(), src)
				if err != nil {
					return fmt.Errorf("load %s checkpoint: %w", src, err)
				}
				if !ok {
					cps.AppendRow(table.Row{src, "-", crawler.StateIdle, 0, 0, "", ""})
					continue
				}
				cps.AppendRow(table.Row{src, cp.RunID, cp.State, len(cp.Queue), len(cp.Done), cp.Reason, formatTime(cp.UpdatedAt)})
			}
			cps.SetStyle(table.StyleRounded)
			cps.Render()

			runs, err := rt.app.Runs().ListRuns(cmd.Context(), nil, limit, 0)
			if err != nil {
				return fmt.Errorf("list runs: %w", err)
			}
			rows := table.NewWriter()
			rows.SetOutputMirror(out)
			rows.SetTitle("Recent runs")
			rows.AppendHeader(table.Row{"Run", "Source", "Status", "Started", "Finished", "Succeeded", "Degraded", "Failed"})
			for _, r := range runs {
				finished := ""
				if r.FinishedAt != nil {
					finished = formatTime(*r.FinishedAt)
				}
				rows.AppendRow(table.Row{r.ID, r.Source, r.Status, formatTime(r.StartedAt), finished, r.Succeeded, r.Degraded, r.Failed})
			}
			rows.SetStyle(table.StyleRounded)
			rows.Render()

			renderActive(out, rt)
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of recent runs to show")
	return cmd
}

func renderActive(w io.Writer, rt *runtime) {
	active := rt.app.Active()
	if len(active) == 0 {
		return
	}
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetTitle("Active in this process")
	t.AppendHeader(table.Row{"Source", "Run", "Started"})
	for _, a := range active {
		t.AppendRow(table.Row{a.Source, a.RunID, formatTime(a.StartedAt)})
	}
	t.SetStyle(table.StyleRounded)
	t.Render()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
