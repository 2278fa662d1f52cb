package main

import (
	"errors"
	"fmt"

	"agentcron/internal/config"

	"github.com/spf13/cobra"
)

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the config file and print every violation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, _ := cmd.Flags().GetString("config")
			out := cmd.OutOrStdout()

			cfg, err := config.Load(path)
			var ve *config.ValidationError
			if errors.As(err, &ve) {
				for _, v := range ve.Violations {
					fmt.Fprintln(out, v.String())
				}
				return fmt.Errorf("%s: %d violation(s)", path, len(ve.Violations))
			}
			if err != nil {
				return err
			}
			enabled := 0
			for _, t := range cfg.Scheduler.Tasks {
				if t.IsEnabled() {
					enabled++
				}
			}
			fmt.Fprintf(out, "%s: ok (%d tasks, %d enabled)\n", path, len(cfg.Scheduler.Tasks), enabled)
			return nil
		},
	}
}
