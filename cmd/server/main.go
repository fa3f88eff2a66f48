// Command sentinel runs the metric anomaly-detection and forecasting
// service.
//
// Subcommands:
//   - serve:  load configuration, open the history store, warm up the
//     models and expose the REST / WebSocket / gRPC health endpoints until
//     SIGINT or SIGTERM
//   - replay: push a recorded CSV or JSON-lines metric file through the
//     same pipeline and print a detection report
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

var configPath string

var rootCmd = &cobra.Command{
	Use:   "sentinel",
	Short: "Per-server metric anomaly detection and trend forecasting",
	Long: `sentinel scores cpu, memory, disk and network samples with an ensemble of
a z-score detector, an isolation forest and time-of-day adaptive baselines,
and forecasts when each metric will cross its warning or critical threshold.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "/etc/kubilitics/sentinel.yaml", "path to the YAML config file")
	rootCmd.AddCommand(newServeCmd(), newReplayCmd(), newVersionCmd())
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "sentinel", version)
		},
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
