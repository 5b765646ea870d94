package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/guardianos/guardian"
	"github.com/guardianos/guardian/internal/model"
	"github.com/guardianos/guardian/internal/plugin"
)

func newPluginsCmd(logger *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plugins",
		Short: "Inspect and edit the plugin manifest",
		Long: "plugins operates on the persisted manifest directly. Edits made with enable and\n" +
			"disable take effect the next time the host starts; run them while the host is stopped.",
	}
	cmd.AddCommand(
		newPluginsListCmd(logger),
		newPluginsDiscoverCmd(),
		newPluginsSetStatusCmd(logger, "enable", model.PluginActive),
		newPluginsSetStatusCmd(logger, "disable", model.PluginDisabled),
	)
	return cmd
}

func newPluginsListCmd(logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List plugins recorded in the manifest",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd.Context(), logger, func(store guardian.ManifestStore) error {
				entries, err := store.LoadPlugins(cmd.Context())
				if err != nil {
					return err
				}
				if len(entries) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "no plugins recorded")
					return nil
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "NAME\tVERSION\tSTATUS\tHEALTH")
				for _, e := range entries {
					health := "-"
					if e.LastHealth != nil {
						health = string(e.LastHealth.Status)
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", e.Name, e.Version, e.Status, health)
				}
				return tw.Flush()
			})
		},
	}
}

func newPluginsDiscoverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "discover",
		Short: "List plugin descriptors found under the plugin directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := guardian.LoadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			descs, derr := plugin.Discover(cfg.PluginDir)
			for _, d := range descs {
				fmt.Fprintf(cmd.OutOrStdout(), "%s@%s\t%v\n", d.Name, d.Version, d.Capabilities)
			}
			return derr
		},
	}
}

func newPluginsSetStatusCmd(logger *slog.Logger, verb string, status model.PluginStatus) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " NAME",
		Short: fmt.Sprintf("Mark a plugin %s in the manifest", status),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			return withStore(cmd.Context(), logger, func(store guardian.ManifestStore) error {
				entries, err := store.LoadPlugins(cmd.Context())
				if err != nil {
					return err
				}
				for _, e := range entries {
					if e.Name != name {
						continue
					}
					if e.Status == status {
						fmt.Fprintf(cmd.OutOrStdout(), "%s already %s\n", name, status)
						return nil
					}
					e.Status = status
					e.UpdatedAt = time.Now().UTC()
					if err := store.PutPlugin(cmd.Context(), e); err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", name, status)
					return nil
				}
				return fmt.Errorf("%w: %s", plugin.ErrUnknownPlugin, name)
			})
		},
	}
}

// withStore opens the configured manifest store, runs fn, and flushes and
// closes the store afterwards.
func withStore(ctx context.Context, logger *slog.Logger, fn func(guardian.ManifestStore) error) error {
	cfg, err := guardian.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	store, err := guardian.OpenManifestStore(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("open manifest store: %w", err)
	}
	ferr := fn(store)
	return errors.Join(ferr, store.Flush(ctx), store.Close())
}
