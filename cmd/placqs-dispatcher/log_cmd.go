package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"slices"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/mattjoyce/placqs/internal/outcome"
	"github.com/mattjoyce/placqs/internal/storage"
	"github.com/mattjoyce/placqs/internal/tui/watch"
)

func newLogCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "log",
		Short: "Read the outcome log",
	}
	cmd.AddCommand(newLogTailCommand(opts))
	cmd.AddCommand(newLogWatchCommand(opts))
	return cmd
}

func newLogTailCommand(opts *rootOptions) *cobra.Command {
	var (
		limit   int
		node    string
		jsonOut bool
		count   bool
	)

	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Print the most recent outcome log entries",
		Long: `Print the most recent outcome log entries, oldest first.
--node defaults to the configured node; --node '*' shows every node.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if limit <= 0 {
				return fmt.Errorf("--limit must be positive")
			}
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			switch node {
			case "":
				node = cfg.RabbitMQ.NodeName
			case "*":
				node = ""
			}

			ctx := context.Background()
			st, err := storage.Open(ctx, cfg.StorageOptions())
			if err != nil {
				return err
			}
			defer st.Close()

			if count {
				n, err := outcome.Count(ctx, st, node)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), n)
				return nil
			}

			entries, err := outcome.Recent(ctx, st, node, limit)
			if err != nil {
				return err
			}
			return printEntries(cmd.OutOrStdout(), entries, jsonOut)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of entries")
	cmd.Flags().StringVar(&node, "node", "", "node to show ('*' for all)")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output JSON lines")
	cmd.Flags().BoolVar(&count, "count", false, "print the number of entries instead")
	return cmd
}

// printEntries writes newest-first entries in chronological order.
func printEntries(w io.Writer, entries []outcome.Entry, jsonOut bool) error {
	ordered := slices.Clone(entries)
	slices.Reverse(ordered)

	if jsonOut {
		enc := json.NewEncoder(w)
		for _, e := range ordered {
			if err := enc.Encode(e); err != nil {
				return err
			}
		}
		return nil
	}
	if len(ordered) == 0 {
		fmt.Fprintln(w, "(no entries)")
		return nil
	}
	for _, e := range ordered {
		fmt.Fprintf(w, "%s  %-12s %-8s %s\n", e.CreatedAt.Local().Format("2006-01-02 15:04:05"), e.Node, e.Status, e.Message)
	}
	return nil
}

func newLogWatchCommand(opts *rootOptions) *cobra.Command {
	var (
		apiURL string
		apiKey string
		node   string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Live TUI over a running dispatcher's ops API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if apiURL == "" {
				cfg, err := loadConfig(opts)
				if err != nil {
					return fmt.Errorf("--api not set and no config to derive it from: %w", err)
				}
				if !cfg.API.Enabled {
					return fmt.Errorf("api is disabled in %s; enable it or pass --api", cfg.Path)
				}
				apiURL = "http://" + cfg.API.Listen
				if apiKey == "" {
					apiKey = cfg.API.APIKey
				}
			}

			p := tea.NewProgram(watch.New(watch.NewClient(apiURL, apiKey), node, limit))
			_, err := p.Run()
			return err
		},
	}
	cmd.Flags().StringVar(&apiURL, "api", "", "ops API base URL (default from config api.listen)")
	cmd.Flags().StringVar(&apiKey, "key", "", "bearer API key (default from config api.api_key)")
	cmd.Flags().StringVar(&node, "node", "", "node to show ('*' for all)")
	cmd.Flags().IntVar(&limit, "limit", 100, "log entries to keep in view")
	return cmd
}
