package pipeline

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/hed1ad/anomalynarrator/pkg/explain"
	tableio "github.com/hed1ad/anomalynarrator/pkg/io"
	csvio "github.com/hed1ad/anomalynarrator/pkg/io/csv"
)

// ExplainReport summarizes the explanation stage.
type ExplainReport struct {
	Rows      int
	Anomalies int
	// NoIndicators counts flagged rows that matched no rule.
	NoIndicators int
}

// Explain reads the scored table, appends anomaly_explanation and writes
// the explained table.
func (p *Pipeline) Explain(ctx context.Context) (*ExplainReport, error) {
	log := p.stage("explain")
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	t, _, err := csvio.ReadFile(p.cfg.Paths.Scored)
	if err != nil {
		return nil, fmt.Errorf("explain: %w", err)
	}

	report, err := ExplainTable(t)
	if err != nil {
		return nil, fmt.Errorf("explain: %w", err)
	}

	if err := csvio.WriteFile(p.cfg.Paths.Explained, t); err != nil {
		return nil, fmt.Errorf("explain: %w", err)
	}

	log.Info("explained anomalies",
		zap.Int("rows", report.Rows),
		zap.Int("anomalies", report.Anomalies),
		zap.Int("no_indicators", report.NoIndicators),
		zap.String("path", p.cfg.Paths.Explained),
	)
	return report, nil
}

// ExplainTable appends the anomaly_explanation column to t in place.
// The flag, amount and hour columns are mandatory.
func ExplainTable(t *tableio.Table) (*ExplainReport, error) {
	if err := t.Require(explain.ColIsAnomaly, explain.ColAmount, explain.ColHour); err != nil {
		return nil, err
	}

	report := &ExplainReport{Rows: t.Len()}
	texts := make([]string, t.Len())
	for i := range t.Rows {
		r := explain.RecordFromRow(t, i)
		texts[i] = explain.Explain(r)
		if r.IsAnomaly {
			report.Anomalies++
			if texts[i] == explain.NoIndicators {
				report.NoIndicators++
			}
		}
	}

	if err := t.SetColumn(ColExplanation, texts); err != nil {
		return nil, err
	}
	return report, nil
}
