package pipeline

import (
	"context"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/hed1ad/anomalynarrator/pkg/explain"
	"github.com/hed1ad/anomalynarrator/pkg/features"
	tableio "github.com/hed1ad/anomalynarrator/pkg/io"
	csvio "github.com/hed1ad/anomalynarrator/pkg/io/csv"
	"github.com/hed1ad/anomalynarrator/pkg/scoring"
)

// DetectReport summarizes the scoring stage.
type DetectReport struct {
	Rows      int
	Anomalies int
	Features  int
	// Truncated is set when the raw table hit the ingestion cap.
	Truncated bool
	// Evaluation is set when the raw table carries ground-truth labels.
	Evaluation *scoring.Evaluation
}

// Detect scores the raw table, writes the scored table and persists the model.
func (p *Pipeline) Detect(ctx context.Context) (*DetectReport, error) {
	log := p.stage("detect")
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	t, truncated, err := csvio.ReadFile(p.cfg.Paths.Raw, csvio.WithMaxRows(p.cfg.Ingest.MaxRows))
	if err != nil {
		return nil, fmt.Errorf("detect: %w", err)
	}
	if truncated {
		log.Warn("raw table truncated at ingestion cap",
			zap.String("path", p.cfg.Paths.Raw),
			zap.Int("max_rows", p.cfg.Ingest.MaxRows),
		)
	}

	report, scorer, err := p.DetectTable(t)
	if err != nil {
		return nil, fmt.Errorf("detect: %w", err)
	}
	report.Truncated = truncated

	if err := csvio.WriteFile(p.cfg.Paths.Scored, t); err != nil {
		return nil, fmt.Errorf("detect: %w", err)
	}
	if scorer != nil {
		if err := scorer.SaveFile(p.cfg.Paths.OutlierModel); err != nil {
			return nil, fmt.Errorf("detect: save model: %w", err)
		}
	} else {
		log.Warn("empty batch, outlier model not written", zap.String("path", p.cfg.Paths.OutlierModel))
	}

	fields := []zap.Field{
		zap.Int("rows", report.Rows),
		zap.Int("anomalies", report.Anomalies),
		zap.Int("features", report.Features),
		zap.String("path", p.cfg.Paths.Scored),
	}
	if e := report.Evaluation; e != nil {
		fields = append(fields,
			zap.Float64("precision", e.Precision()),
			zap.Float64("recall", e.Recall()),
		)
	}
	log.Info("scored transactions", fields...)
	return report, nil
}

// DetectTable fits the scorer on t and appends the anomaly_score and
// is_anomaly columns in place. The scorer is nil for an empty batch.
func (p *Pipeline) DetectTable(t *tableio.Table) (*DetectReport, *scoring.Scorer, error) {
	schema := features.DefaultSchema()
	if err := t.Require(schema.Required...); err != nil {
		return nil, nil, err
	}

	report := &DetectReport{Rows: t.Len()}
	if t.Len() == 0 {
		if err := t.SetColumn(ColAnomalyScore, nil); err != nil {
			return nil, nil, err
		}
		if err := t.SetColumn(explain.ColIsAnomaly, nil); err != nil {
			return nil, nil, err
		}
		return report, nil, nil
	}

	m, labels, err := features.Prepare(t, schema)
	if err != nil {
		return nil, nil, err
	}
	report.Features = m.Width()

	scorer := scoring.New(p.cfg.Detector())
	scores, err := scorer.FitScore(m)
	if err != nil {
		return nil, nil, err
	}

	values := make([]string, len(scores))
	flags := make([]bool, len(scores))
	flagCells := make([]string, len(scores))
	for i, s := range scores {
		values[i] = strconv.FormatFloat(s.Value, 'g', -1, 64)
		flags[i] = s.IsAnomaly
		flagCells[i] = formatFlag(s.IsAnomaly)
		if s.IsAnomaly {
			report.Anomalies++
		}
	}
	if err := t.SetColumn(ColAnomalyScore, values); err != nil {
		return nil, nil, err
	}
	if err := t.SetColumn(explain.ColIsAnomaly, flagCells); err != nil {
		return nil, nil, err
	}

	if labels != nil {
		e, err := scoring.Evaluate(flags, labels)
		if err != nil {
			return nil, nil, err
		}
		report.Evaluation = &e
	}

	return report, scorer, nil
}

func formatFlag(b bool) string {
	if b {
		return "True"
	}
	return "False"
}
