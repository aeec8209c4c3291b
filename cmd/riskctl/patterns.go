package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"clinical-risk-service/internal/risk"
)

func patternsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "patterns",
		Short: "List the patterns of a library",
		RunE: func(cmd *cobra.Command, args []string) error {
			lib, err := loadLibrary(cmd)
			if err != nil {
				return err
			}
			typeFilter, _ := cmd.Flags().GetString("type")
			printPatterns(cmd, lib, typeFilter)
			return nil
		},
	}
	cmd.Flags().StringP("type", "t", "", "Only show patterns of this flag type")
	return cmd
}

func printPatterns(cmd *cobra.Command, lib *risk.Library, typeFilter string) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Pattern library %s (%d patterns)\n", lib.Version(), lib.Len())
	fmt.Fprintln(out, strings.Repeat("=", 40))
	fmt.Fprintf(out, "%-28s %-22s %-9s %-6s %s\n", "ID", "TYPE", "SEVERITY", "WEIGHT", "MIN")
	for _, p := range lib.Patterns() {
		if typeFilter != "" && string(p.Type) != typeFilter {
			continue
		}
		fmt.Fprintf(out, "%-28s %-22s %-9s %-6.2f %.2f\n", p.ID, p.Type, p.Severity, p.Weight, p.MinConfidence)
	}
}

func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate [file]",
		Short: "Validate a pattern library file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			lib, err := risk.LoadLibraryFile(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "OK: %s version %s, %d patterns\n", args[0], lib.Version(), lib.Len())
			return nil
		},
	}
}
