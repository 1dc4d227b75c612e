package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hed1ad/anomalynarrator/pkg/pipeline"
)

var detectCmd = &cobra.Command{
	Use:   "detect",
	Short: "Score the raw table and flag outliers",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		report, err := newPipeline().Detect(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Scored %d rows, %d anomalies -> %s\n",
			report.Rows, report.Anomalies, cfg.Paths.Scored)
		if e := report.Evaluation; e != nil {
			fmt.Fprintf(cmd.OutOrStdout(), "Against is_fraud: precision %.3f, recall %.3f\n",
				e.Precision(), e.Recall())
		}
		return nil
	},
}

var explainCmd = &cobra.Command{
	Use:   "explain",
	Short: "Attach rule-based explanations to the scored table",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		report, err := newPipeline().Explain(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Explained %d anomalies (%d without indicators) -> %s\n",
			report.Anomalies, report.NoIndicators, cfg.Paths.Explained)
		return nil
	},
}

var groupCmd = &cobra.Command{
	Use:   "group",
	Short: "Cluster anomalies by explanation theme",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		report, err := newPipeline().Group(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Grouped %d anomalies into %d clusters -> %s\n",
			report.Anomalies, report.Clusters, cfg.Paths.Clustered)
		for label, size := range report.Sizes {
			fmt.Fprintf(cmd.OutOrStdout(), "  cluster %d: %d\n", label, size)
		}
		return nil
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run detect, explain and group in order",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		report, err := newPipeline().Run(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Run %s: %d rows, %d anomalies, %d clusters -> %s\n",
			report.RunID, report.Detect.Rows, report.Detect.Anomalies,
			report.Group.Clusters, cfg.Paths.Clustered)
		return nil
	},
}

var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Print sample explanations from each cluster",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		perCluster, _ := cmd.Flags().GetInt("samples")
		samples, err := pipelineInspect(perCluster)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		for _, s := range samples {
			fmt.Fprintf(out, "\n--- Cluster %d (%d records) ---\n", s.Label, s.Size)
			for i, e := range s.Explanations {
				fmt.Fprintf(out, "%d. %s\n", i+1, e)
			}
		}
		return nil
	},
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Copy the clustered table into SQLite",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		report, err := newPipeline().Export(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Exported %d rows to %s (table %s)\n",
			report.Rows, report.Path, report.Table)
		return nil
	},
}

func init() {
	inspectCmd.Flags().Int("samples", 10, "Explanations sampled per cluster")
}

func pipelineInspect(perCluster int) ([]pipeline.ClusterSample, error) {
	return pipeline.InspectFile(cfg.Paths.Clustered, perCluster, cfg.Cluster.Seed)
}
