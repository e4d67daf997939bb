package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"sari/internal/daemon"
	"sari/internal/mcptools"
)

var (
	serveHost      string
	servePort      int
	serveAutostart bool
	serveAutostop  bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the sari daemon and block until it shuts down",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ws, err := resolveWorkspace()
	if err != nil {
		return fmt.Errorf("resolve workspace: %w", err)
	}

	cfg := daemon.ConfigFromEnv()
	cfg.Host = serveHost
	cfg.Port = servePort
	cfg.Autostart = serveAutostart
	cfg.Autostop = serveAutostop
	cfg.WorkspaceRoot = ws

	tools, err := mcptools.New()
	if err != nil {
		return fmt.Errorf("initialize tool registry: %w", err)
	}

	d := daemon.New(cfg, logger, tools)
	build := daemon.NewBuilder(logger)

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	if err := d.Start(ctx, build); err != nil {
		return fmt.Errorf("start daemon: %w", err)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	select {
	case <-sig:
		d.Drain()
		<-sig // second signal forces immediate stop
		d.Stop("second interrupt signal")
	case <-ctx.Done():
	}

	return nil
}
