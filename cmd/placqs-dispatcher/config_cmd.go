package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/placqs/internal/config"
	"github.com/mattjoyce/placqs/internal/doctor"
)

func newConfigCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Validate or lock the configuration",
	}
	cmd.AddCommand(newConfigCheckCommand(opts))
	cmd.AddCommand(newConfigLockCommand(opts))
	return cmd
}

func newConfigCheckCommand(opts *rootOptions) *cobra.Command {
	var jsonOut bool

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Load, verify and validate the configuration and plugins",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			catalog, err := discoverPlugins(cfg.PluginsDir, stderrLogger(cmd.ErrOrStderr()))
			if err != nil {
				return fmt.Errorf("plugins: %w", err)
			}

			result := doctor.New(cfg, catalog).Validate()
			out := cmd.OutOrStdout()
			if jsonOut {
				js, err := doctor.FormatJSON(result)
				if err != nil {
					return err
				}
				fmt.Fprintln(out, js)
			} else {
				fmt.Fprint(out, doctor.FormatHuman(result))
			}
			if !result.Valid {
				return &exitError{code: 1, err: fmt.Errorf("configuration has %d error(s)", len(result.Errors))}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output the report as JSON")
	return cmd
}

func newConfigLockCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "lock",
		Short: "Record the config file's BLAKE3 hash in .checksums",
		Long: `Write the config file's BLAKE3 hash to .checksums in the same directory.
Once .checksums exists, start and config check refuse a modified config.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := config.Discover(opts.ConfigPath)
			if err != nil {
				return err
			}
			if info, err := os.Stat(path); err == nil && info.IsDir() {
				path = filepath.Join(path, "config.yaml")
			}

			report, err := config.Lock(path)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Locked %s\n  blake3: %s\n  written: %s\n", report.ConfigPath, report.Hash, report.ChecksumPath)
			return nil
		},
	}
}
