package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ptyhub/ptyhub/internal/version"
)

var rootCmd *cobra.Command

func main() {
	rootCmd = &cobra.Command{
		Use:           "ptyhub",
		Short:         "ptyhub - control PTY sessions on a running daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.Version = version.String()
	rootCmd.SetVersionTemplate("{{printf \"%s\\n\" .Version}}")

	rootCmd.AddCommand(newStartCommand())
	rootCmd.AddCommand(newStopCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newListCommand())
	rootCmd.AddCommand(newAttachCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
