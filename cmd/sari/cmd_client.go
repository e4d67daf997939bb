package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"sari/internal/daemon"
	"sari/internal/daemonclient"
	"sari/internal/workspace"
)

var (
	rescanForce bool
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report the bound workspace's daemon, database, and queue health",
	RunE:  runStatusLikeTool("status", nil),
}

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Report indexed file count, failed task count, and watcher health",
	RunE:  runStatusLikeTool("doctor", nil),
}

var rescanCmd = &cobra.Command{
	Use:   "rescan",
	Short: "Trigger a full scanner pass over the workspace",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStatusLikeTool("rescan", map[string]any{"force": rescanForce})(cmd, args)
	},
}

var searchCmd = &cobra.Command{
	Use:   "search [query]",
	Short: "Search the indexed workspace",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStatusLikeTool("search", map[string]any{"query": args[0]})(cmd, args)
	},
}

var indexFileCmd = &cobra.Command{
	Use:   "index-file [path]",
	Short: "Force one file to be re-parsed and re-indexed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStatusLikeTool("index_file", map[string]any{"path": args[0]})(cmd, args)
	},
}

// runStatusLikeTool returns a RunE that connects to the daemon bound
// to --workspace (or the current directory) and invokes one named
// tool, printing its text content (or a formatted error) to stdout.
func runStatusLikeTool(tool string, args map[string]any) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		ws, err := resolveWorkspace()
		if err != nil {
			return err
		}

		root, err := workspace.Resolve(ws, false)
		if err != nil {
			return fmt.Errorf("resolve workspace: %w", err)
		}

		host, port, err := findDaemonFor(root.AbsPath)
		if err != nil {
			return err
		}

		c, err := daemonclient.Dial(host, port)
		if err != nil {
			return err
		}
		defer c.Close()

		if err := c.Initialize(root.AbsPath); err != nil {
			return fmt.Errorf("initialize session: %w", err)
		}

		res, err := c.CallTool(tool, args)
		if err != nil {
			return err
		}
		if res.IsError {
			return fmt.Errorf("%s: %s", res.Error.Code, res.Error.Message)
		}
		for _, item := range res.Content {
			fmt.Println(item.Text)
		}
		return nil
	}
}

// findDaemonFor locates a live daemon bound to the normalized
// workspace root path rootPath via the cross-process server registry
// (whose workspaces are keyed by that path), else any non-draining
// daemon, or returns an actionable error
// telling the operator to run "sari serve" first — the CLI never
// autostarts a daemon process on the user's behalf (§4.8's Autostart
// flag governs workspace binding at daemon boot, not process spawn).
func findDaemonFor(rootPath string) (string, int, error) {
	server := daemon.NewServerRegistry(daemon.DefaultServerRegistryPath())
	daemons, workspaces, err := server.Snapshot()
	if err != nil {
		return "", 0, fmt.Errorf("read server registry: %w", err)
	}

	if ws, ok := workspaces[rootPath]; ok {
		if d, ok := daemons[ws.BootID]; ok {
			return d.Host, d.Port, nil
		}
	}

	for _, d := range daemons {
		if !d.Draining {
			return d.Host, d.Port, nil
		}
	}

	return "", 0, fmt.Errorf("no running sari daemon found; start one with %q", "sari serve")
}
