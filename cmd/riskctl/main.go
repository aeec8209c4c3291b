// Command riskctl runs the risk detector offline, inspects pattern
// libraries and queries batch job status.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"clinical-risk-service/internal/risk"
)

var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:           "riskctl",
		Short:         "riskctl - clinical risk detection tooling",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringP("patterns", "p", "", "Pattern library YAML (default: embedded library)")

	rootCmd.AddCommand(detectCmd())
	rootCmd.AddCommand(patternsCmd())
	rootCmd.AddCommand(validateCmd())
	rootCmd.AddCommand(jobCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadLibrary returns the library named by --patterns, or the embedded one.
func loadLibrary(cmd *cobra.Command) (*risk.Library, error) {
	path, _ := cmd.Flags().GetString("patterns")
	if path == "" {
		return risk.DefaultLibrary(), nil
	}
	return risk.LoadLibraryFile(path)
}
