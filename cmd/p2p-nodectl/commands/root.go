package commands

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	// httpClient is the shared client for the admin HTTP surface,
	// initialized in PersistentPreRunE.
	httpClient *http.Client

	// baseURL is the p2p-node daemon's admin address.
	baseURL string

	// outputFormat controls the output format for all commands (table or json).
	outputFormat string
)

// rootCmd is the top-level cobra command for p2p-nodectl.
var rootCmd = &cobra.Command{
	Use:   "p2p-nodectl",
	Short: "CLI client for the p2p-node daemon",
	Long:  "p2p-nodectl talks to the p2p-node daemon's admin HTTP surface to inspect peers, fragments, and inject commands.",
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		httpClient = &http.Client{Timeout: 10 * time.Second}
		return nil
	},
	// Silence cobra's built-in usage/error printing so we control it.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&baseURL, "addr", "http://localhost:8090",
		"p2p-node admin HTTP address")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", "table",
		"output format: table, json")

	rootCmd.AddCommand(peersCmd())
	rootCmd.AddCommand(fragmentsCmd())
	rootCmd.AddCommand(commandCmd())
	rootCmd.AddCommand(versionCmd())
}

// Execute runs the root command and exits with code 1 on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
