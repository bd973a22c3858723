package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ashureev/webpresence/internal/agentlink"
	"github.com/ashureev/webpresence/internal/config"
	"github.com/ashureev/webpresence/internal/retry"
)

var (
	agentRelayURL  string
	agentStatePath string
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run the browser agent bridge",
	Long: `Run the browser-side agent. Tab events and popup actions are read as
newline-delimited JSON from stdin; state replies are written to stdout.
Logs go to stderr.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runAgent(cmd.Context())
	},
}

func init() {
	agentCmd.Flags().StringVar(&agentRelayURL, "relay", "", "Relay WebSocket URL (overrides RELAY_URL)")
	agentCmd.Flags().StringVar(&agentStatePath, "state", "", "Agent state file (overrides AGENT_STATE_PATH)")
}

func runAgent(ctx context.Context) error {
	loadDotEnv()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if agentRelayURL != "" {
		cfg.Agent.RelayURL = agentRelayURL
	}
	if agentStatePath != "" {
		cfg.Agent.StatePath = agentStatePath
	}

	// stdout carries the bridge protocol.
	logger := setupLogger(cfg.Logging, os.Stderr)
	slog.SetDefault(logger)

	file := agentlink.NewStateFile(cfg.Agent.StatePath)
	initial, err := file.Load()
	if err != nil {
		logger.Warn("Failed to load agent state, using defaults", "path", file.Path(), "error", err)
		initial = agentlink.DefaultLocalState()
	}

	link := agentlink.NewLink(agentlink.Config{
		URL:               cfg.Agent.RelayURL,
		HeartbeatInterval: cfg.Agent.HeartbeatInterval,
		Retry:             retry.DefaultPolicy(),
	}, initial, agentlink.WithLogger(logger), agentlink.WithStateFile(file))

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	linkDone := make(chan error, 1)
	go func() { linkDone <- link.Run(ctx) }()

	logger.Info("Agent started", "relay", cfg.Agent.RelayURL, "state", file.Path())
	bridgeErr := agentlink.NewBridge(link, os.Stdout, logger).Run(ctx, os.Stdin)

	// The host closing stdin ends the agent.
	stop()
	if err := <-linkDone; err != nil {
		logger.Warn("Agent link stopped with error", "error", err)
	}
	return bridgeErr
}
