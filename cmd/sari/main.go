// Package main implements the sari CLI and daemon entry point.
//
// This file registers the root command, global flags, and the
// PersistentPreRunE/PersistentPostRun logger lifecycle. Subcommand
// implementations live in cmd_serve.go and cmd_client.go.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"sari/internal/telemetry"
)

var (
	verbose       bool
	workspaceRoot string

	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "sari",
	Short: "sari - a long-lived local code-indexing and search daemon",
	Long: `sari indexes a workspace's source files into a local sqlite
store and serves search, symbol, and context tools to MCP clients over
a loopback daemon connection.

Run "sari serve" to start the daemon, or one of the direct-query
subcommands to talk to an already-running daemon.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		logger, err = telemetry.NewLogger(verbose)
		if err != nil {
			return fmt.Errorf("initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&workspaceRoot, "workspace", "w", "", "Workspace directory (default: current)")

	serveCmd.Flags().StringVar(&serveHost, "host", "127.0.0.1", "Listener host (must be loopback)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Listener port (0 = OS-assigned)")
	serveCmd.Flags().BoolVar(&serveAutostart, "autostart", false, "Bind --workspace immediately on boot")
	serveCmd.Flags().BoolVar(&serveAutostop, "autostop", false, "Self-terminate after an idle period")

	rescanCmd.Flags().BoolVar(&rescanForce, "force", false, "Re-process every file, ignoring the unchanged shortcut")

	rootCmd.AddCommand(
		serveCmd,
		statusCmd,
		doctorCmd,
		rescanCmd,
		searchCmd,
		indexFileCmd,
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func resolveWorkspace() (string, error) {
	if workspaceRoot != "" {
		return workspaceRoot, nil
	}
	return os.Getwd()
}
