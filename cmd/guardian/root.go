package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/guardianos/guardian"
	"github.com/guardianos/guardian/internal/agent"
	"github.com/guardianos/guardian/internal/telemetry"
)

// newRootCmd creates the guardian command with all subcommands attached.
func newRootCmd(logger *slog.Logger) *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:           "guardian",
		Short:         "GuardianOS host",
		Long:          "guardian supervises agents, runs plugins in sandboxes, and maintains the Codex.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			// Load .env file if present (non-fatal; production won't have one).
			_ = godotenv.Load()
			if configPath != "" {
				return os.Setenv("GUARDIAN_CONFIG", configPath)
			}
			return nil
		},
	}
	cmd.PersistentFlags().StringVar(&configPath, "config", "", "YAML or JSON overlay file (overrides GUARDIAN_CONFIG)")

	cmd.AddCommand(
		newRunCmd(logger),
		newCheckCmd(),
		newPluginsCmd(logger),
	)
	return cmd
}

func newRunCmd(logger *slog.Logger) *cobra.Command {
	var statusEvery time.Duration
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the host until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), logger, statusEvery)
		},
	}
	cmd.Flags().DurationVar(&statusEvery, "status-interval", time.Minute, "how often to log host health (0 disables)")
	return cmd
}

func run(ctx context.Context, logger *slog.Logger, statusEvery time.Duration) error {
	cfg, err := guardian.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	core, err := guardian.New(
		guardian.WithLogger(logger),
		guardian.WithVersion(version),
		guardian.WithAgent(&agent.Consolidator{}, guardian.AgentConfig{Interval: time.Minute}),
	)
	if err != nil {
		return err
	}
	if err := core.Start(ctx, cfg); err != nil {
		return err
	}

	var tick <-chan time.Time
	if statusEvery > 0 {
		t := time.NewTicker(statusEvery)
		defer t.Stop()
		tick = t.C
	}
	for done := false; !done; {
		select {
		case <-ctx.Done():
			done = true
		case <-tick:
			h := core.Health()
			st := core.Status()
			logger.Info("guardian status", "health", h.State, "reasons", h.Reasons,
				"workers", len(st.Workers), "plugins", len(st.Manifest.Plugins), "codex_size", st.CodexSize)
		}
	}

	return core.Stop(context.Background(), cfg.StopGrace)
}
