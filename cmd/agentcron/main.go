// Command agentcron runs and inspects the agent task scheduler.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const defaultConfigPath = "./agentcron.yaml"

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "agentcron",
		Short:         "Cron-driven scheduler for long-running agent invocations",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringP("config", "c", defaultConfigPath, "path to the YAML/JSON config file")
	root.AddCommand(newServeCmd(), newValidateCmd(), newJobsCmd(), newTriggerCmd())
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
