// Command archiver runs the Zammad ticket PDF archiving service and its
// operational subcommands.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/sebastianspicker/zammad-ticket-archiver/internal/config"
	"github.com/sebastianspicker/zammad-ticket-archiver/internal/metrics"
	"github.com/sebastianspicker/zammad-ticket-archiver/internal/queue"
	"github.com/sebastianspicker/zammad-ticket-archiver/internal/version"
)

const cliTimeout = 10 * time.Second

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		if errors.Is(err, config.ErrFileNotFound) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "archiver",
		Short:         "Webhook-driven Zammad ticket PDF archiver",
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"path to config.yaml (default: $CONFIG_PATH, then config/config.yaml)")

	root.AddCommand(
		newServeCmd(&configPath),
		newValidateConfigCmd(&configPath),
		newDumpConfigCmd(&configPath),
		newShowDeprecatedCmd(),
		newQueueStatsCmd(&configPath),
		newQueueDrainDLQCmd(&configPath),
		newQueueHistoryCmd(&configPath),
	)
	return root
}

// buildLogger translates the observability settings into a zap logger.
// log_format wins over the legacy json_logs flag.
func buildLogger(obs config.ObservabilitySettings) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(strings.ToLower(obs.LogLevel))
	if err != nil {
		level = zapcore.InfoLevel
	}

	format := strings.ToLower(obs.LogFormat)
	if format == "" {
		if obs.JSONLogs {
			format = "json"
		} else {
			format = "human"
		}
	}

	var zcfg zap.Config
	if format == "json" {
		zcfg = zap.NewProductionConfig()
	} else {
		zcfg = zap.NewDevelopmentConfig()
		zcfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	return zcfg.Build()
}

func newValidateConfigCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "validate-config",
		Short: "Load and validate the configuration, then exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, warnings, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			for _, w := range warnings {
				fmt.Fprintf(cmd.ErrOrStderr(),
					"warning: %s is deprecated, use %s\n", w.Old, w.New)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "configuration OK")
			return nil
		},
	}
}

func newDumpConfigCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "dump-config",
		Short: "Print the effective configuration with secrets redacted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			tree, err := cfg.Redacted()
			if err != nil {
				return err
			}
			out, err := yaml.Marshal(tree)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
}

func newShowDeprecatedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show-deprecated",
		Short: "List deprecated environment variables and their replacements",
		RunE: func(cmd *cobra.Command, _ []string) error {
			aliases := config.DeprecatedAliases()
			names := make([]string, 0, len(aliases))
			for old := range aliases {
				names = append(names, old)
			}
			sort.Strings(names)
			for _, old := range names {
				fmt.Fprintf(cmd.OutOrStdout(), "%s -> %s\n", old, aliases[old])
			}
			return nil
		},
	}
}

// openQueue builds a throwaway queue handle for the CLI subcommands. The
// metrics registry is private so CLI runs never pollute service counters.
func openQueue(configPath string) (*queue.Queue, *config.Settings, error) {
	cfg, _, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	if strings.TrimSpace(cfg.Workflow.RedisURL) == "" {
		return nil, nil, errors.New("workflow.redis_url is not configured")
	}
	q, err := queue.NewFromURL(cfg.Workflow, metrics.New(prometheus.NewRegistry()), nil, zap.NewNop())
	if err != nil {
		return nil, nil, err
	}
	return q, cfg, nil
}

func printJSON(cmd *cobra.Command, v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return nil
}

func newQueueStatsCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "queue-stats",
		Short: "Print queue depth, pending and DLQ counts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			q, cfg, err := openQueue(*configPath)
			if err != nil {
				return err
			}
			defer q.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), cliTimeout)
			defer cancel()
			stats, err := q.Stats(ctx, queue.ConsumerName(cfg.Workflow.QueueConsumer))
			if err != nil {
				return err
			}
			return printJSON(cmd, stats)
		},
	}
}

func newQueueDrainDLQCmd(configPath *string) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "queue-drain-dlq",
		Short: "Remove entries from the dead-letter stream",
		RunE: func(cmd *cobra.Command, _ []string) error {
			q, _, err := openQueue(*configPath)
			if err != nil {
				return err
			}
			defer q.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), cliTimeout)
			defer cancel()
			drained, err := q.DrainDLQ(ctx, limit)
			if err != nil {
				return err
			}
			return printJSON(cmd, map[string]int{"drained": drained})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum entries to drain")
	return cmd
}

func newQueueHistoryCmd(configPath *string) *cobra.Command {
	var (
		limit    int
		ticketID int
	)

	cmd := &cobra.Command{
		Use:   "queue-history",
		Short: "Print recent processing history, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			q, _, err := openQueue(*configPath)
			if err != nil {
				return err
			}
			defer q.Close()

			var filter *int
			if ticketID > 0 {
				filter = &ticketID
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), cliTimeout)
			defer cancel()
			entries, err := q.ReadHistory(ctx, limit, filter)
			if err != nil {
				return err
			}
			return printJSON(cmd, entries)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum entries to print")
	cmd.Flags().IntVar(&ticketID, "ticket-id", 0, "only show events for this ticket")
	return cmd
}
