// Package cli provides the operator command surface: running the messaging
// core, topic administration, health probes and dead-letter inspection.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/xseven/messaging/pkg/broker"
	"github.com/xseven/messaging/pkg/config"
	"github.com/xseven/messaging/pkg/dlq"
	"github.com/xseven/messaging/pkg/manager"
	"github.com/xseven/messaging/pkg/observability/logger"
	"github.com/xseven/messaging/pkg/topics"
	"github.com/xseven/messaging/pkg/version"
)

const serviceName = "xseven-messaging"

const startupTimeout = 60 * time.Second

// NewRootCommand builds the service CLI.
func NewRootCommand() *cobra.Command {
	var cfgPath string

	rootCmd := &cobra.Command{
		Use:   serviceName,
		Short: "Event-driven messaging backbone for the X-Seven platform",
	}
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config-file", "c", "", "config file path")

	loadConfig := func(cmd *cobra.Command) (*config.Config, logger.Logger, error) {
		cfg, err := config.NewLoader(cfgPath, config.DefaultEnvPrefix).Load()
		if err != nil {
			return nil, nil, err
		}
		log, err := buildLogger(cfg)
		if err != nil {
			return nil, nil, err
		}
		return cfg, log, nil
	}

	rootCmd.AddCommand(newVersionCommand())
	rootCmd.AddCommand(newRunCommand(loadConfig))
	rootCmd.AddCommand(newTopicsCommand(loadConfig))
	rootCmd.AddCommand(newHealthCommand(loadConfig))
	rootCmd.AddCommand(newDLQCommand(loadConfig))
	rootCmd.AddCommand(newConfigCommand(loadConfig))

	return rootCmd
}

// Execute runs the CLI and exits non-zero on failure.
func Execute() {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type configLoader func(cmd *cobra.Command) (*config.Config, logger.Logger, error)

func buildLogger(cfg *config.Config) (logger.Logger, error) {
	level, err := logger.ParseLogLevel(cfg.Log.Level)
	if err != nil {
		return nil, err
	}
	format, err := logger.ParseLogFormat(cfg.Log.Format)
	if err != nil {
		return nil, err
	}
	log, err := logger.NewZapLogger(logger.Config{Level: level, Format: format})
	if err != nil {
		return nil, fmt.Errorf("create logger: %w", err)
	}
	return log.With("service", cfg.Service.Name), nil
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			info := version.Current(serviceName)
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Service:    %s\n", info.Service)
			fmt.Fprintf(out, "Version:    %s\n", info.Version)
			fmt.Fprintf(out, "Commit:     %s\n", info.Commit)
			fmt.Fprintf(out, "Build Time: %s\n", info.BuildTime)
		},
	}
}

func newRunCommand(loadConfig configLoader) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Initialize and run the messaging core until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			mgr, err := manager.New(cfg, manager.WithLogger(log))
			if err != nil {
				return err
			}

			runCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			initCtx, cancel := context.WithTimeout(runCtx, startupTimeout)
			defer cancel()
			if err := mgr.Initialize(initCtx); err != nil {
				return err
			}
			if err := mgr.Start(runCtx); err != nil {
				return err
			}

			log.Info("messaging core started",
				"version", version.Current(serviceName).Version,
				"brokers", cfg.Kafka.BootstrapServers,
			)
			<-runCtx.Done()
			log.Info("shutdown signal received")

			return mgr.Stop(context.Background())
		},
	}
	return cmd
}

func newTopicsCommand(loadConfig configLoader) *cobra.Command {
	topicsCmd := &cobra.Command{
		Use:   "topics",
		Short: "Topic administration commands",
	}

	topicsCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List topics present in the cluster",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			admin, err := broker.NewAdmin(cfg.Kafka, log)
			if err != nil {
				return err
			}
			names, err := admin.ListTopics(cmd.Context())
			if err != nil {
				return err
			}
			for _, name := range names {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
			return nil
		},
	})

	var (
		partitions  int
		replication int
		keyField    string
	)
	createCmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a topic (idempotent)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			admin, err := broker.NewAdmin(cfg.Kafka, log)
			if err != nil {
				return err
			}
			spec := topics.Spec{
				Name:              args[0],
				KeyField:          keyField,
				Partitions:        partitions,
				ReplicationFactor: replication,
			}
			if err := admin.CreateTopic(cmd.Context(), spec); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "topic %s created\n", args[0])
			return nil
		},
	}
	createCmd.Flags().IntVar(&partitions, "partitions", 3, "partition count")
	createCmd.Flags().IntVar(&replication, "replication-factor", 1, "replication factor")
	createCmd.Flags().StringVar(&keyField, "key-field", "", "event field used as partition key")
	topicsCmd.AddCommand(createCmd)

	topicsCmd.AddCommand(&cobra.Command{
		Use:   "delete <name>",
		Short: "Delete a topic",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			admin, err := broker.NewAdmin(cfg.Kafka, log)
			if err != nil {
				return err
			}
			if err := admin.DeleteTopic(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "topic %s deleted\n", args[0])
			return nil
		},
	})

	return topicsCmd
}

func newHealthCommand(loadConfig configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Probe broker connectivity",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			admin, err := broker.NewAdmin(cfg.Kafka, log)
			if err != nil {
				return err
			}
			n, err := admin.HealthCheck(cmd.Context())
			if err != nil {
				return fmt.Errorf("broker unreachable: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ok: %d broker(s) reachable\n", n)
			return nil
		},
	}
}

func newDLQCommand(loadConfig configLoader) *cobra.Command {
	dlqCmd := &cobra.Command{
		Use:   "dlq",
		Short: "Dead-letter queue commands",
	}

	dlqCmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Show dead-letter backlog statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cfg.DLQ.RedisURL == "" {
				return fmt.Errorf("dlq stats requires a durable store; set dlq.redis_url")
			}
			store, err := dlq.NewRedisStore(dlq.RedisStoreConfig{URL: cfg.DLQ.RedisURL})
			if err != nil {
				return err
			}
			defer store.Close()

			msgs, err := store.List(cmd.Context(), 0)
			if err != nil {
				return err
			}
			printDeadLetterStats(cmd, msgs)
			return nil
		},
	})

	return dlqCmd
}

func printDeadLetterStats(cmd *cobra.Command, msgs []*dlq.Message) {
	byStatus := make(map[dlq.Status]int)
	byTopic := make(map[string]int)
	for _, m := range msgs {
		byStatus[m.Status]++
		byTopic[m.OriginalTopic]++
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "total:     %d\n", len(msgs))
	fmt.Fprintf(out, "pending:   %d\n", byStatus[dlq.StatusPending])
	fmt.Fprintf(out, "resolved:  %d\n", byStatus[dlq.StatusResolved])
	fmt.Fprintf(out, "exhausted: %d\n", byStatus[dlq.StatusExhausted])

	names := make([]string, 0, len(byTopic))
	for name := range byTopic {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(out, "  %s: %d\n", name, byTopic[name])
	}
}

func newConfigCommand(loadConfig configLoader) *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration commands",
	}

	configCmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, _, err := loadConfig(cmd); err != nil {
				return fmt.Errorf("configuration validation failed: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "configuration is valid")
			return nil
		},
	})

	return configCmd
}
