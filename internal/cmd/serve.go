package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jmgilman/examparse/internal/server"
	"github.com/jmgilman/examparse/internal/version"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the local UI backend",
	Long: `Serve the HTTP API used by the desktop UI.

Runs are started with POST /api/runs and their output is broadcast on the
/api/events WebSocket as "sidecar-event" messages. Changes to the settings
file are broadcast as "settings-changed". The server stops on interrupt;
running workers are left to finish on their own.`,
	Example: `  # Listen on the configured address
  examparse serve

  # Listen on another port
  examparse serve --addr 127.0.0.1:9000`,
	Args: cobra.NoArgs,
	RunE: runServeCmd,
}

var (
	serveAddr    string
	serveOrigins []string
)

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (default from server.addr)")
	serveCmd.Flags().StringSliceVar(&serveOrigins, "allow-origin", nil, "additional WebSocket origin patterns")
}

func runServeCmd(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	cfg, err := requireConfig(ctx)
	if err != nil {
		return err
	}

	kc, err := openKeychain(cfg)
	if err != nil {
		return fmt.Errorf("initialize credential storage: %w", err)
	}

	hub := server.NewHub(ctx, server.DefaultQueue, serveOrigins...)
	r, err := newRunner(cfg, hub, nil)
	if err != nil {
		return err
	}

	srv := server.New(server.Options{
		Hub:         hub,
		Runner:      r,
		Settings:    settingsStore(cfg),
		Credentials: kc,
		History:     historyStore(cfg),
		Version:     version.Version,
	})

	addr := serveAddr
	if addr == "" {
		addr = cfg.Server.Addr
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Listening on http://%s\n", addr)

	return srv.ListenAndServe(ctx, addr)
}
