// Package main provides the lockstep CLI application
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/lockstep/lockstep/internal/config"
)

// Version information set during build
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "lockstep",
		Short: "lockstep - lock-step actor simulation runtime",
		Long: `lockstep runs graphs of processes as independent actors that advance
together, one synchronized phase at a time, exchanging data over bounded
channels. External producers feed the simulation through async injectors.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().String("config", "", "Path to a YAML config file")
	rootCmd.PersistentFlags().String("log-level", "", "Override log level: info, debug or trace")
	rootCmd.PersistentFlags().Bool("json", false, "Output as JSON")

	rootCmd.AddCommand(
		newVersionCmd(),
		newRunCmd(),
		newServeCmd(),
		newSnapshotsCmd(),
	)
	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			jsonOut, _ := cmd.Flags().GetBool("json")
			if jsonOut {
				_ = writeJSON(cmd.OutOrStdout(), map[string]string{
					"version": Version, "commit": Commit, "built": BuildTime,
				})
				return
			}
			fmt.Fprintf(cmd.OutOrStdout(), "lockstep %s (commit: %s, built: %s)\n", Version, Commit, BuildTime)
		},
	}
}

// loadSettings applies the persistent flags on top of config.Load.
func loadSettings(cmd *cobra.Command) (*config.Settings, error) {
	path, _ := cmd.Flags().GetString("config")
	s, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		s.Log.Level = level
		if err := s.Validate(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
