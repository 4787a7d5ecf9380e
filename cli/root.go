// Package cli provides the operational command-line surface of the
// benchmark pipeline: triggering the Planner on demand, inspecting and
// replaying dead letters, force-curating a stuck run, and migrating the
// index schema. Worker processes are not started from here; a deployment
// embeds internal/pipeline with its own Model Invoker and Scenario Registry
// clients.
//
// Configuration precedence (highest to lowest): command-line flags,
// configuration file values, PIPELINE_* environment variables, defaults.
package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/socratic-ai-institute/socratic-ai-benchmarks-sub002/internal/blob"
	"github.com/socratic-ai-institute/socratic-ai-benchmarks-sub002/internal/config"
	"github.com/socratic-ai-institute/socratic-ai-benchmarks-sub002/internal/curator"
	"github.com/socratic-ai-institute/socratic-ai-benchmarks-sub002/internal/index"
	"github.com/socratic-ai-institute/socratic-ai-benchmarks-sub002/internal/invoker"
	"github.com/socratic-ai-institute/socratic-ai-benchmarks-sub002/internal/logging"
	"github.com/socratic-ai-institute/socratic-ai-benchmarks-sub002/internal/planner"
	"github.com/socratic-ai-institute/socratic-ai-benchmarks-sub002/internal/queue"
	"github.com/socratic-ai-institute/socratic-ai-benchmarks-sub002/internal/rubric"
	"github.com/socratic-ai-institute/socratic-ai-benchmarks-sub002/internal/store"
)

// cfgFile holds the path to the configuration file specified via the
// --config flag. When empty, $HOME/.benchpipe.yaml and ./.benchpipe.yaml
// are searched.
var cfgFile string

var forceTrigger bool

// RootCmd is the entry point for the benchpipe CLI.
var RootCmd = &cobra.Command{
	Use:   "benchpipe",
	Short: "operational commands for the Socratic benchmark pipeline",
	Long: `benchpipe drives the benchmark execution pipeline from the outside:

- plan: read the active configuration, derive the content-addressed
  manifest, and enqueue one dialogue job per (model, scenario) pair.
  Re-running with an unchanged configuration enqueues nothing new.
- curate: force-curate one run whose judge messages dead-lettered and
  whose completion signal will therefore never fire.
- dlq list / dlq requeue: inspect a queue's dead-letter sink and replay
  individual messages after the underlying fault is fixed.
- migrate: create or update the Postgres index schema.

Shared infrastructure (queue backend, index backend, blob bucket) is
configured via PIPELINE_* environment variables or a YAML config file.`,
}

func init() {
	cobra.OnInitialize(initConfig)

	RootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.benchpipe.yaml)")
	RootCmd.PersistentFlags().String("queue-backend", "", "queue backend: redis or amqp")
	RootCmd.PersistentFlags().String("redis-url", "", "Redis connection URL")
	RootCmd.PersistentFlags().String("amqp-url", "", "RabbitMQ connection URL")
	RootCmd.PersistentFlags().String("index-backend", "", "index backend: postgres or bolt")
	RootCmd.PersistentFlags().String("postgres-url", "", "PostgreSQL connection URL")
	RootCmd.PersistentFlags().String("blob-bucket", "", "blob tier bucket name")
	RootCmd.PersistentFlags().String("blob-endpoint", "", "S3-compatible endpoint (empty for AWS S3)")

	viper.BindPFlag("queue.backend", RootCmd.PersistentFlags().Lookup("queue-backend"))
	viper.BindPFlag("queue.redis_url", RootCmd.PersistentFlags().Lookup("redis-url"))
	viper.BindPFlag("queue.amqp_url", RootCmd.PersistentFlags().Lookup("amqp-url"))
	viper.BindPFlag("index.backend", RootCmd.PersistentFlags().Lookup("index-backend"))
	viper.BindPFlag("index.postgres_url", RootCmd.PersistentFlags().Lookup("postgres-url"))
	viper.BindPFlag("blob.bucket", RootCmd.PersistentFlags().Lookup("blob-bucket"))
	viper.BindPFlag("blob.endpoint", RootCmd.PersistentFlags().Lookup("blob-endpoint"))

	planCmd.Flags().BoolVar(&forceTrigger, "force", false, "re-enqueue dialogue jobs for existing non-terminal runs")

	RootCmd.AddCommand(planCmd)
	RootCmd.AddCommand(curateCmd)
	RootCmd.AddCommand(dlqCmd)
	dlqCmd.AddCommand(dlqListCmd)
	dlqCmd.AddCommand(dlqRequeueCmd)
	RootCmd.AddCommand(migrateCmd)
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)
		viper.AddConfigPath(home)
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName(".benchpipe")
	}

	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Println("Using config file:", viper.ConfigFileUsed())
	}
}

// loadConfig assembles the PipelineConfig from PIPELINE_* environment
// variables, then lets viper-bound flags/file values override the pieces
// this CLI exposes.
func loadConfig() (*config.PipelineConfig, error) {
	cfg, err := config.Load("BENCHPIPE")
	if err != nil {
		return nil, err
	}
	if v := viper.GetString("queue.backend"); v != "" {
		cfg.QueueBackend = config.QueueBackendKind(v)
	}
	if v := viper.GetString("queue.redis_url"); v != "" {
		cfg.RedisURL = v
	}
	if v := viper.GetString("queue.amqp_url"); v != "" {
		cfg.AMQPURL = v
	}
	if v := viper.GetString("index.backend"); v != "" {
		cfg.IndexBackend = config.IndexBackendKind(v)
	}
	if v := viper.GetString("index.postgres_url"); v != "" {
		cfg.PostgresURL = v
	}
	if v := viper.GetString("blob.bucket"); v != "" {
		cfg.BlobBucket = v
	}
	if v := viper.GetString("blob.endpoint"); v != "" {
		cfg.BlobEndpoint = v
	}
	return cfg, nil
}

func openStores(ctx context.Context, cfg *config.PipelineConfig) (*store.Store, func(), error) {
	idx, err := index.Open(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("open index: %w", err)
	}
	b, err := blob.NewS3Blob(ctx, blob.S3Options{
		Bucket:   cfg.BlobBucket,
		Region:   cfg.BlobRegion,
		Endpoint: cfg.BlobEndpoint,
	})
	if err != nil {
		idx.Close()
		return nil, nil, fmt.Errorf("open blob tier: %w", err)
	}
	cleanup := func() {
		b.Close()
		idx.Close()
	}
	return store.New(idx, b), cleanup, nil
}

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "trigger the Planner once",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
		defer cancel()

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		log := logging.New("planner", cfg.LogFormat, cfg.LogLevel)

		st, cleanup, err := openStores(ctx, cfg)
		if err != nil {
			return err
		}
		defer cleanup()

		q, err := queue.Open(ctx, cfg)
		if err != nil {
			return fmt.Errorf("open queue: %w", err)
		}
		defer q.Close()

		p := &planner.Planner{
			Blob:              st.Blob,
			Index:             st.Index,
			Queue:             q,
			DialogueQueueName: cfg.DialogueQueueName,
			Logger:            log,
		}
		res, err := p.Trigger(ctx, forceTrigger)
		if err != nil {
			return err
		}
		fmt.Printf("manifest %s: %d runs created, %d existing, %d jobs enqueued, %d enqueue failures\n",
			res.ManifestID, res.RunsCreated, res.RunsExisting, res.Enqueued, res.EnqueueFailures)
		if res.EnqueueFailures > 0 {
			return fmt.Errorf("%d enqueues failed", res.EnqueueFailures)
		}
		return nil
	},
}

var curateCmd = &cobra.Command{
	Use:   "curate <run_id>",
	Short: "force-curate one run, skipping the judgment-count check",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
		defer cancel()

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		log := logging.New("curator", cfg.LogFormat, cfg.LogLevel)

		st, cleanup, err := openStores(ctx, cfg)
		if err != nil {
			return err
		}
		defer cleanup()

		c := &curator.Curator{
			Store:   st,
			Rubrics: rubric.NewDefaultRegistry(noInvoker{}),
			Logger:  log,
		}
		if err := c.Curate(ctx, args[0], true); err != nil {
			return err
		}
		fmt.Printf("run %s curated\n", args[0])
		return nil
	},
}

// noInvoker satisfies the rubric registry's constructor for the curate
// command, which never scores anything.
type noInvoker struct{}

func (noInvoker) Invoke(context.Context, string, string, map[string]interface{}) (invoker.Response, error) {
	return invoker.Response{}, fmt.Errorf("model invoker not available in this command")
}

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "inspect and replay dead-lettered messages",
}

var dlqListCmd = &cobra.Command{
	Use:   "list <queue>",
	Short: "list the dead-letter sink of a queue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		q, err := queue.Open(ctx, cfg)
		if err != nil {
			return fmt.Errorf("open queue: %w", err)
		}
		defer q.Close()

		deadLetters, err := q.DeadLetters(ctx, args[0])
		if err != nil {
			return err
		}
		if len(deadLetters) == 0 {
			fmt.Println("dead-letter sink is empty")
			return nil
		}
		for _, dl := range deadLetters {
			fmt.Printf("%s\tattempts=%d\tfailed_at=%s\treason=%s\n\t%s\n",
				dl.ID, dl.Attempts, dl.FailedAt.Format(time.RFC3339), dl.Reason, string(dl.Payload))
		}
		return nil
	},
}

var dlqRequeueCmd = &cobra.Command{
	Use:   "requeue <queue> <message_id>",
	Short: "replay one dead-lettered message onto its queue",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		q, err := queue.Open(ctx, cfg)
		if err != nil {
			return fmt.Errorf("open queue: %w", err)
		}
		defer q.Close()

		if err := q.Requeue(ctx, args[0], args[1]); err != nil {
			return err
		}
		fmt.Printf("message %s requeued onto %s\n", args[1], args[0])
		return nil
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "create or update the Postgres index schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := index.Migrate(cfg.PostgresURL); err != nil {
			return err
		}
		fmt.Println("index schema up to date")
		return nil
	},
}
