package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configFlag string

var rootCmd = &cobra.Command{
	Use:   "sessionbox",
	Short: "sessionbox - per-identity code execution sessions",
	Long: `sessionbox runs code snippets inside a container that belongs to the
calling identity. The container, and the files written to its workspace,
persist across requests until the identity goes idle.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFlag, "config", "", "path to a config file (default: ./sessionbox.yaml if present)")
	rootCmd.AddCommand(serveCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
