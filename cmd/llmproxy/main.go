// Command llmproxy runs the usage-tracking reverse proxy described by the
// supervisor/store/proxy packages, plus admin subcommands for inspecting
// cost and managing the price table. Grounded on the teacher's main.go
// (flag-based single-purpose binary, fatih/color terminal output) but
// restructured onto spf13/cobra, which the teacher's go.mod already
// required without ever importing it.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "llmproxy",
		Short: "A usage-tracking reverse proxy for OpenAI-compatible APIs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(false)
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "llmproxy.toml", "path to the configuration file")

	root.AddCommand(newServeCmd())
	root.AddCommand(newCostCmd())
	root.AddCommand(newPricesCmd())
	root.AddCommand(newDashboardCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
