package pipeline

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/hed1ad/anomalynarrator/pkg/cluster"
	"github.com/hed1ad/anomalynarrator/pkg/embedding"
	"github.com/hed1ad/anomalynarrator/pkg/explain"
	"github.com/hed1ad/anomalynarrator/pkg/features"
	tableio "github.com/hed1ad/anomalynarrator/pkg/io"
	csvio "github.com/hed1ad/anomalynarrator/pkg/io/csv"
)

// GroupReport summarizes the clustering stage.
type GroupReport struct {
	Rows      int
	Anomalies int
	// Clusters is the effective cluster count, min(configured, anomalies).
	Clusters int
	// Sizes[label] is the number of anomalous rows in each cluster.
	Sizes []int
	// Themes maps each distinct explanation text to its cluster label.
	Themes   map[string]int
	Embedder string
}

// Group reads the explained table, clusters the anomalous rows by the
// embedding of their explanation and writes the clustered table.
func (p *Pipeline) Group(ctx context.Context) (*GroupReport, error) {
	log := p.stage("group")
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	t, _, err := csvio.ReadFile(p.cfg.Paths.Explained)
	if err != nil {
		return nil, fmt.Errorf("group: %w", err)
	}

	report, model, err := p.GroupTable(ctx, t)
	if err != nil {
		return nil, fmt.Errorf("group: %w", err)
	}

	if err := csvio.WriteFile(p.cfg.Paths.Clustered, t); err != nil {
		return nil, fmt.Errorf("group: %w", err)
	}
	if model != nil {
		if err := model.SaveFile(p.cfg.Paths.ClusterModel); err != nil {
			return nil, fmt.Errorf("group: save model: %w", err)
		}
	} else {
		log.Warn("no anomalous rows, cluster model not written", zap.String("path", p.cfg.Paths.ClusterModel))
	}

	log.Info("grouped anomalies",
		zap.Int("rows", report.Rows),
		zap.Int("anomalies", report.Anomalies),
		zap.Int("clusters", report.Clusters),
		zap.Ints("sizes", report.Sizes),
		zap.Int("themes", len(report.Themes)),
		zap.String("embedder", report.Embedder),
		zap.String("path", p.cfg.Paths.Clustered),
	)
	return report, nil
}

// GroupTable appends fraud_cluster_label to t in place. Labels are assigned
// by row position to the anomalous subset only, so the row count never
// changes and other rows keep an empty label. Identical explanation texts
// share one embedding and therefore one label. The model is nil when no row
// is anomalous.
func (p *Pipeline) GroupTable(ctx context.Context, t *tableio.Table) (*GroupReport, *cluster.KMeans, error) {
	if err := t.Require(explain.ColIsAnomaly, ColExplanation); err != nil {
		return nil, nil, err
	}

	flags, _ := t.Column(explain.ColIsAnomaly)
	texts, _ := t.Column(ColExplanation)

	var subset []int
	for i, v := range flags {
		if features.ParseFlag(v) {
			subset = append(subset, i)
		}
	}

	report := &GroupReport{
		Rows:      t.Len(),
		Anomalies: len(subset),
		Themes:    make(map[string]int),
	}
	labels := make([]string, t.Len())

	if len(subset) == 0 {
		if err := t.SetColumn(ColClusterLabel, labels); err != nil {
			return nil, nil, err
		}
		return report, nil, nil
	}

	engine, err := p.engine(ctx)
	if err != nil {
		return nil, nil, err
	}
	report.Embedder = engine.Name()

	// Embed each distinct text once, then expand back to one vector per row.
	rowText := make([]string, len(subset))
	slot := make(map[string]int)
	var unique []string
	for j, i := range subset {
		text := texts[i]
		if strings.TrimSpace(text) == "" {
			text = MissingExplanation
		}
		rowText[j] = text
		if _, ok := slot[text]; !ok {
			slot[text] = len(unique)
			unique = append(unique, text)
		}
	}

	vectors, err := engine.EmbedBatch(ctx, unique)
	if err != nil {
		return nil, nil, fmt.Errorf("embed explanations: %w", err)
	}
	if len(vectors) != len(unique) {
		return nil, nil, fmt.Errorf("embedder returned %d vectors for %d texts", len(vectors), len(unique))
	}
	distinct := embedding.ToFloat64(vectors)

	points := make([][]float64, len(subset))
	for j, text := range rowText {
		points[j] = distinct[slot[text]]
	}

	model := cluster.New(
		cluster.WithClusters(p.cfg.Cluster.Clusters),
		cluster.WithSeed(p.cfg.Cluster.Seed),
		cluster.WithMaxIter(p.cfg.Cluster.MaxIter),
		cluster.WithInit(p.cfg.Cluster.Init),
	)
	if err := model.Fit(points); err != nil {
		return nil, nil, fmt.Errorf("fit clusters: %w", err)
	}

	report.Clusters = model.K()
	report.Sizes = make([]int, report.Clusters)
	for j, label := range model.Labels() {
		labels[subset[j]] = strconv.Itoa(label)
		report.Sizes[label]++
		report.Themes[rowText[j]] = label
	}

	if err := t.SetColumn(ColClusterLabel, labels); err != nil {
		return nil, nil, err
	}
	return report, model, nil
}

// ThemeList returns the themes ordered by label, then by text.
func (r *GroupReport) ThemeList() []Theme {
	out := make([]Theme, 0, len(r.Themes))
	for text, label := range r.Themes {
		out = append(out, Theme{Label: label, Text: text})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Label != out[j].Label {
			return out[i].Label < out[j].Label
		}
		return out[i].Text < out[j].Text
	})
	return out
}

// Theme is one explanation text and the cluster it was assigned to.
type Theme struct {
	Label int
	Text  string
}
