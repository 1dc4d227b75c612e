package pipeline

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	csvio "github.com/hed1ad/anomalynarrator/pkg/io/csv"
	"github.com/hed1ad/anomalynarrator/pkg/io/sqlite"
)

// ExportReport summarizes a SQLite export.
type ExportReport struct {
	Rows  int
	Path  string
	Table string
}

// Export copies the clustered table into the configured SQLite database.
func (p *Pipeline) Export(ctx context.Context) (*ExportReport, error) {
	log := p.stage("export")

	t, _, err := csvio.ReadFile(p.cfg.Paths.Clustered)
	if err != nil {
		return nil, fmt.Errorf("export: %w", err)
	}

	w, err := sqlite.Open(p.cfg.Paths.SQLite)
	if err != nil {
		return nil, fmt.Errorf("export: %w", err)
	}
	defer w.Close()

	if err := w.WriteTableContext(ctx, t); err != nil {
		return nil, fmt.Errorf("export: %w", err)
	}

	report := &ExportReport{Rows: t.Len(), Path: p.cfg.Paths.SQLite, Table: sqlite.DefaultTable}
	log.Info("exported clustered table",
		zap.Int("rows", report.Rows),
		zap.String("path", report.Path),
		zap.String("table", report.Table),
	)
	return report, nil
}
