// Command narrator scores transactions for anomalies, explains the flagged
// ones and groups them by explanation theme.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hed1ad/anomalynarrator/pkg/config"
	"github.com/hed1ad/anomalynarrator/pkg/logging"
	"github.com/hed1ad/anomalynarrator/pkg/pipeline"
)

var (
	// Global flags
	configPath string
	verbose    bool

	// Overrides
	maxRows           int
	contamination     float64
	clusters          int
	seed              int64
	embeddingProvider string

	cfg    *config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "narrator",
	Short: "Anomaly detection, explanation and theme grouping for transactions",
	Long: `narrator runs a batch pipeline over a transaction CSV:

  detect   fit an isolation forest and flag outliers
  explain  attach a rule-based explanation to each flagged record
  group    cluster flagged records by the embedding of their explanation

Each stage reads the previous stage's file, so stages can be re-run alone.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		applyFlagOverrides(cmd)
		if verbose {
			cfg.Logging.Level = "debug"
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}

		logger, err = logging.New(cfg.Logging)
		return err
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func applyFlagOverrides(cmd *cobra.Command) {
	flags := cmd.Flags()
	if flags.Changed("max-rows") {
		cfg.Ingest.MaxRows = maxRows
	}
	if flags.Changed("contamination") {
		cfg.Outlier.Contamination = contamination
	}
	if flags.Changed("clusters") {
		cfg.Cluster.Clusters = clusters
	}
	if flags.Changed("seed") {
		cfg.Outlier.Seed = seed
		cfg.Cluster.Seed = seed
	}
	if flags.Changed("embedding-provider") {
		cfg.Embedding.Provider = embeddingProvider
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "narrator.yaml", "Config file (defaults apply when missing)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.PersistentFlags().IntVar(&maxRows, "max-rows", 0, "Cap on raw rows read")
	rootCmd.PersistentFlags().Float64Var(&contamination, "contamination", 0, "Expected anomaly fraction in (0, 0.5]")
	rootCmd.PersistentFlags().IntVar(&clusters, "clusters", 0, "Number of anomaly clusters")
	rootCmd.PersistentFlags().Int64Var(&seed, "seed", 0, "Random seed for the forest and k-means")
	rootCmd.PersistentFlags().StringVar(&embeddingProvider, "embedding-provider", "", "hashing, ollama or genai")

	rootCmd.AddCommand(detectCmd)
	rootCmd.AddCommand(explainCmd)
	rootCmd.AddCommand(groupCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(inspectCmd)
	rootCmd.AddCommand(exportCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newPipeline() *pipeline.Pipeline {
	return pipeline.New(cfg, logger)
}
