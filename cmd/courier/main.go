package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/glimte/courier"
	"github.com/glimte/courier/config"
	"github.com/glimte/courier/health"
	"github.com/glimte/courier/storage"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configFile string

	rootCmd := &cobra.Command{
		Use:   "courier",
		Short: "Operate courier outboxes and brokers",
		Long: `courier relays undispatched outbox entries to the configured broker and reports
on the health of a courier deployment.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Path to the YAML configuration file")

	load := func() (*config.Config, error) {
		return config.Load(configFile)
	}

	rootCmd.AddCommand(
		newRelayCmd(load),
		newDrainCmd(load),
		newOutboxCmd(load),
		newHealthCmd(load),
		newConfigCmd(load),
	)
	return rootCmd
}

type loader func() (*config.Config, error)

// relayClient opens a client that only sends: relay commands never consume channels
func relayClient(ctx context.Context, load loader) (*courier.Client, error) {
	cfg, err := load()
	if err != nil {
		return nil, err
	}
	cfg.Channels = nil
	return courier.NewClient(ctx, courier.WithConfig(cfg))
}

func newRelayCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "relay",
		Short: "Sweep the outbox until interrupted",
		Long:  "Periodically dispatch outbox entries older than outbox.older_than to the broker.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			client, err := relayClient(ctx, load)
			if err != nil {
				return fmt.Errorf("failed to create client: %w", err)
			}
			defer client.Close()

			if err := client.Start(ctx); err != nil {
				return fmt.Errorf("failed to start relay: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Relaying outbox... Press Ctrl+C to stop")
			<-ctx.Done()
			return nil
		},
	}
}

func newDrainCmd(load loader) *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "drain",
		Short: "Dispatch every outstanding outbox entry once and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			client, err := relayClient(ctx, load)
			if err != nil {
				return fmt.Errorf("failed to create client: %w", err)
			}
			defer client.Close()

			total, err := drain(ctx, client, olderThan)
			fmt.Fprintf(cmd.OutOrStdout(), "Dispatched %d message(s)\n", total)
			return err
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "Only dispatch entries older than this")
	return cmd
}

func drain(ctx context.Context, client *courier.Client, olderThan time.Duration) (int, error) {
	pageSize := client.Config().Outbox.PageSize
	total := 0
	for {
		n, err := client.Processor().ClearOutstanding(ctx, olderThan, pageSize)
		total += n
		if err != nil {
			return total, err
		}
		if n < pageSize {
			return total, nil
		}
	}
}

func newOutboxCmd(load loader) *cobra.Command {
	outboxCmd := &cobra.Command{
		Use:   "outbox",
		Short: "Inspect the outbox",
	}

	var limit int
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List undispatched outbox entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			client, err := relayClient(ctx, load)
			if err != nil {
				return fmt.Errorf("failed to create client: %w", err)
			}
			defer client.Close()

			entries, err := client.Processor().Outbox().OutstandingMessages(ctx, 0, limit)
			if err != nil {
				return fmt.Errorf("failed to list outbox: %w", err)
			}
			printEntries(cmd, entries)
			return nil
		},
	}
	listCmd.Flags().IntVarP(&limit, "limit", "n", 50, "Maximum number of entries to show")

	outboxCmd.AddCommand(listCmd)
	return outboxCmd
}

func newHealthCmd(load loader) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "health",
		Short: "Run the health checks once",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			cfg, err := load()
			if err != nil {
				return err
			}
			client, err := courier.NewClient(ctx, courier.WithConfig(cfg))
			if err != nil {
				return fmt.Errorf("failed to create client: %w", err)
			}
			defer client.Close()

			h := client.Health().Check(ctx)
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(h)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "System Health: %s\n", h.Status)
			fmt.Fprintf(out, "%-30s %-10s %s\n", "Check", "Status", "Message")
			fmt.Fprintln(out, strings.Repeat("-", 80))
			for _, name := range client.Health().Names() {
				res := h.Checks[name]
				fmt.Fprintf(out, "%-30s %-10s %s\n", truncate(name, 30), res.Status, res.Message)
			}
			if h.Status == health.StatusUnhealthy {
				return errors.New("unhealthy")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the report as JSON")
	return cmd
}

func newConfigCmd(load loader) *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Show or write configuration",
	}

	configCmd.AddCommand(
		&cobra.Command{
			Use:   "init <file>",
			Short: "Write the default configuration to a file",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				if err := config.Default().Save(args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", args[0])
				return nil
			},
		},
		&cobra.Command{
			Use:   "validate",
			Short: "Load and validate the configuration",
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, err := load()
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Configuration is valid: broker %s, %d channel(s), %d policies\n",
					cfg.Broker.Kind, len(cfg.Channels), len(cfg.Policies))
				return nil
			},
		},
	)
	return configCmd
}

func printEntries(cmd *cobra.Command, entries []storage.OutboxEntry) {
	out := cmd.OutOrStdout()
	if len(entries) == 0 {
		fmt.Fprintln(out, "No outstanding messages")
		return
	}

	fmt.Fprintf(out, "%-38s %-30s %-20s %s\n", "Message ID", "Topic", "Type", "Age")
	fmt.Fprintln(out, strings.Repeat("-", 100))
	for _, e := range entries {
		fmt.Fprintf(out, "%-38s %-30s %-20s %s\n",
			truncate(e.MessageID, 38),
			truncate(e.Topic, 30),
			e.Header.MessageType,
			time.Since(e.Timestamp).Truncate(time.Second),
		)
	}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
