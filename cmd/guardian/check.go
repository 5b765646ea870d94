package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/guardianos/guardian"
	"github.com/guardianos/guardian/internal/plugin"
)

func newCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate configuration, plugin descriptors, and the manifest",
		Long: "check loads the configuration, validates every plugin descriptor under the plugin\n" +
			"directory against the built-in catalog, and prints the persisted manifest record.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := guardian.LoadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "config: ok (manifest backend %s, plugin dir %s)\n", cfg.ManifestBackend, cfg.PluginDir)

			catalog, err := guardian.BuiltinCatalog()
			if err != nil {
				return err
			}
			var problems []error
			descs, err := plugin.Discover(cfg.PluginDir)
			if err != nil {
				// Discover still returns the descriptors it could read.
				problems = append(problems, err)
				fmt.Fprintf(out, "discover: %v\n", err)
			}
			for _, d := range descs {
				if err := d.Validate(); err != nil {
					problems = append(problems, err)
					fmt.Fprintf(out, "plugin %s: %v\n", d.Name, err)
					continue
				}
				if _, ok := catalog.Lookup(d.Entry()); !ok {
					problems = append(problems, fmt.Errorf("plugin %s: no factory for entry point %q", d.Name, d.Entry()))
					fmt.Fprintf(out, "plugin %s@%s: unknown entry point %q\n", d.Name, d.Version, d.Entry())
					continue
				}
				fmt.Fprintf(out, "plugin %s@%s: ok\n", d.Name, d.Version)
			}

			store, err := guardian.OpenManifestStore(cmd.Context(), cfg, slog.New(slog.DiscardHandler))
			if err != nil {
				return errors.Join(append(problems, fmt.Errorf("open manifest store: %w", err))...)
			}
			defer func() { _ = store.Close() }()
			rec, err := store.Record(cmd.Context())
			if err != nil {
				return errors.Join(append(problems, fmt.Errorf("read manifest: %w", err))...)
			}
			data, err := json.MarshalIndent(rec, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(out, string(data))

			return errors.Join(problems...)
		},
	}
}
