// Package pipeline chains the batch stages: outlier scoring, rule-based
// explanation and grouping of anomalies by explanation theme. Every stage
// reads the previous stage's file and atomically writes its own.
package pipeline

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hed1ad/anomalynarrator/pkg/config"
	"github.com/hed1ad/anomalynarrator/pkg/embedding"
)

// Columns appended by the stages.
const (
	ColAnomalyScore = "anomaly_score"
	ColExplanation  = "anomaly_explanation"
	ColClusterLabel = "fraud_cluster_label"
)

// MissingExplanation replaces blank explanation text before embedding.
const MissingExplanation = "No explanation"

// Pipeline runs the stages with one configuration and one logger.
type Pipeline struct {
	cfg      *config.Config
	logger   *zap.Logger
	embedder embedding.Engine
	runID    string
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithEmbedder sets the embedding engine used by Group instead of the
// one built from the configuration.
func WithEmbedder(e embedding.Engine) Option {
	return func(p *Pipeline) {
		p.embedder = e
	}
}

// WithRunID overrides the generated run identifier.
func WithRunID(id string) Option {
	return func(p *Pipeline) {
		p.runID = id
	}
}

// New creates a pipeline. A nil logger discards all output.
func New(cfg *config.Config, logger *zap.Logger, opts ...Option) *Pipeline {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	p := &Pipeline{cfg: cfg}
	for _, opt := range opts {
		opt(p)
	}
	if p.runID == "" {
		p.runID = uuid.NewString()
	}
	p.logger = logger.With(zap.String("run_id", p.runID))
	return p
}

// RunID returns the identifier attached to every log line of this pipeline.
func (p *Pipeline) RunID() string {
	return p.runID
}

// Config returns the pipeline configuration.
func (p *Pipeline) Config() *config.Config {
	return p.cfg
}

func (p *Pipeline) stage(name string) *zap.Logger {
	return p.logger.With(zap.String("stage", name))
}

func (p *Pipeline) engine(ctx context.Context) (embedding.Engine, error) {
	if p.embedder != nil {
		return p.embedder, nil
	}
	e, err := embedding.NewEngine(ctx, p.cfg.Embedding)
	if err != nil {
		return nil, fmt.Errorf("create embedding engine: %w", err)
	}
	p.embedder = e
	return e, nil
}

// RunReport aggregates the reports of a full run.
type RunReport struct {
	RunID   string
	Detect  *DetectReport
	Explain *ExplainReport
	Group   *GroupReport
}

// Run executes Detect, Explain and Group in order. Each stage only starts
// after the previous one has written its output.
func (p *Pipeline) Run(ctx context.Context) (*RunReport, error) {
	report := &RunReport{RunID: p.runID}

	var err error
	if report.Detect, err = p.Detect(ctx); err != nil {
		return report, err
	}
	if report.Explain, err = p.Explain(ctx); err != nil {
		return report, err
	}
	if report.Group, err = p.Group(ctx); err != nil {
		return report, err
	}

	p.logger.Info("pipeline complete",
		zap.Int("rows", report.Detect.Rows),
		zap.Int("anomalies", report.Detect.Anomalies),
		zap.Int("clusters", report.Group.Clusters),
	)
	return report, nil
}
