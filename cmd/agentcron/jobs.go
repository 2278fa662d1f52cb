package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"agentcron/internal/config"
	"agentcron/internal/task/schedule"

	"github.com/spf13/cobra"
)

func newJobsCmd() *cobra.Command {
	var runs int
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List configured tasks with their next fire times",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			loc, err := cfg.Scheduler.Location()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(cfg.Scheduler.Tasks) == 0 {
				fmt.Fprintln(out, "No tasks configured.")
				return nil
			}

			now := time.Now().In(loc)
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			_, _ = fmt.Fprintf(w, "NAME\tCRON\tAGENT\tENABLED\tNEXT FIRE\n")
			for _, t := range cfg.Scheduler.Tasks {
				next := "-"
				if t.IsEnabled() {
					if rs, err := schedule.NextRuns(t.Cron, loc, now, runs); err == nil && len(rs) > 0 {
						next = schedule.FormatRuns(rs)
					}
				}
				_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%s\n", t.Name, t.Cron, t.Agent, t.IsEnabled(), next)
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVarP(&runs, "runs", "n", 1, "number of upcoming fire times to show")
	return cmd
}
