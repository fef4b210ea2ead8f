// Package main is the entry point for msearcher, which searches cell
// type-specific marker genes on the basis of known query genes.
package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"
)

const version = "0.3.0"

func versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("msearcher version %s\n", version)
			fmt.Printf("Go version: %s\n", runtime.Version())
			fmt.Printf("OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	}
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "msearcher",
		Short: "Search cell type-specific marker genes",
		Long: `msearcher: search cell type-specific marker genes on the basis of
specified query genes.

Genes are ranked by how closely their expression pattern across samples
follows the query genes, then screened with a neighborhood overlap test
adjusted by Benjamini-Hochberg.`,
		SilenceUsage: true,
	}
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.AddCommand(searchCommand())
	rootCmd.AddCommand(serveCommand())
	rootCmd.AddCommand(versionCommand())
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
