package pipeline

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/hed1ad/anomalynarrator/pkg/cluster"
	"github.com/hed1ad/anomalynarrator/pkg/config"
	"github.com/hed1ad/anomalynarrator/pkg/embedding"
	"github.com/hed1ad/anomalynarrator/pkg/explain"
	tableio "github.com/hed1ad/anomalynarrator/pkg/io"
	csvio "github.com/hed1ad/anomalynarrator/pkg/io/csv"
	"github.com/hed1ad/anomalynarrator/pkg/io/sqlite"
	"github.com/hed1ad/anomalynarrator/pkg/scoring"
)

const outlierRow = 42

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Paths = config.PathsConfig{
		Raw:          filepath.Join(dir, "data", "raw.csv"),
		Scored:       filepath.Join(dir, "data", "scored.csv"),
		Explained:    filepath.Join(dir, "data", "explained.csv"),
		Clustered:    filepath.Join(dir, "data", "clustered.csv"),
		OutlierModel: filepath.Join(dir, "models", "iforest.gob"),
		ClusterModel: filepath.Join(dir, "models", "kmeans.gob"),
		SQLite:       filepath.Join(dir, "data", "transactions.db"),
	}
	return cfg
}

// syntheticTransactions returns n ordinary daytime purchases, with one
// extreme record at outlierRow: amount 9999, hour 3, high-risk merchant.
func syntheticTransactions(n int) *tableio.Table {
	rng := rand.New(rand.NewSource(7))
	t := tableio.NewTable(
		"transaction_id", "amount", "transaction_hour", "high_risk_merchant",
		"weekend_transaction", "distance_from_home", "merchant_category", "is_fraud",
	)
	categories := []string{"Retail", "Grocery"}
	for i := 0; i < n; i++ {
		row := []string{
			fmt.Sprintf("TX_%04d", i),
			strconv.FormatFloat(50+rng.Float64()*100, 'f', 2, 64),
			strconv.Itoa(9 + rng.Intn(9)),
			"0", "0", "0",
			categories[rng.Intn(len(categories))],
			"False",
		}
		if i == outlierRow {
			row[1], row[2], row[3], row[7] = "9999", "3", "1", "True"
		}
		t.Rows = append(t.Rows, row)
	}
	return t
}

func writeRaw(t *testing.T, cfg *config.Config, tbl *tableio.Table) {
	t.Helper()
	require.NoError(t, csvio.WriteFile(cfg.Paths.Raw, tbl))
}

func readTable(t *testing.T, path string) *tableio.Table {
	t.Helper()
	tbl, _, err := csvio.ReadFile(path)
	require.NoError(t, err)
	return tbl
}

func TestRunEndToEnd(t *testing.T) {
	cfg := testConfig(t)
	writeRaw(t, cfg, syntheticTransactions(100))

	p := New(cfg, zaptest.NewLogger(t))
	report, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, p.RunID(), report.RunID)

	assert.Equal(t, 100, report.Detect.Rows)
	assert.Equal(t, 1, report.Detect.Anomalies)
	require.NotNil(t, report.Detect.Evaluation)
	assert.Equal(t, 1, report.Detect.Evaluation.TruePositives)
	assert.Equal(t, 0, report.Detect.Evaluation.FalsePositives)

	assert.Equal(t, 1, report.Explain.Anomalies)
	assert.Equal(t, 1, report.Group.Anomalies)
	assert.Equal(t, 1, report.Group.Clusters)

	out := readTable(t, cfg.Paths.Clustered)
	require.Equal(t, 100, out.Len())

	want := "Anomalous due to: high amount of £9999.00, odd hour: 3:00, merchant flagged as high risk."
	text, _ := out.Cell(outlierRow, ColExplanation)
	assert.Equal(t, want, text)
	label, _ := out.Cell(outlierRow, ColClusterLabel)
	assert.Equal(t, "0", label)
	flag, _ := out.Cell(outlierRow, explain.ColIsAnomaly)
	assert.Equal(t, "True", flag)

	for i := range out.Rows {
		if i == outlierRow {
			continue
		}
		text, _ := out.Cell(i, ColExplanation)
		assert.Equal(t, explain.NotAnomalous, text, "row %d", i)
		label, _ := out.Cell(i, ColClusterLabel)
		assert.Empty(t, label, "row %d", i)
	}

	// Every stage output keeps the original columns and row count.
	for _, path := range []string{cfg.Paths.Scored, cfg.Paths.Explained} {
		tbl := readTable(t, path)
		assert.Equal(t, 100, tbl.Len(), path)
		assert.True(t, tbl.Has("transaction_id"), path)
	}

	// Persisted models load independently.
	scorer, err := scoring.LoadFile(cfg.Paths.OutlierModel)
	require.NoError(t, err)
	assert.True(t, scorer.Fitted())
	km, err := cluster.LoadFile(cfg.Paths.ClusterModel)
	require.NoError(t, err)
	assert.Equal(t, 1, km.K())
}

func TestRunIsDeterministic(t *testing.T) {
	var outputs [][][]string
	for i := 0; i < 2; i++ {
		cfg := testConfig(t)
		writeRaw(t, cfg, syntheticTransactions(100))
		_, err := New(cfg, nil).Run(context.Background())
		require.NoError(t, err)
		outputs = append(outputs, readTable(t, cfg.Paths.Clustered).Rows)
	}
	assert.Equal(t, outputs[0], outputs[1])
}

func TestDetectTruncatesAtCap(t *testing.T) {
	cfg := testConfig(t)
	cfg.Ingest.MaxRows = 50
	writeRaw(t, cfg, syntheticTransactions(100))

	report, err := New(cfg, zaptest.NewLogger(t)).Detect(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Truncated)
	assert.Equal(t, 50, report.Rows)
	assert.Equal(t, 50, readTable(t, cfg.Paths.Scored).Len())
}

func TestDetectEmptyBatch(t *testing.T) {
	cfg := testConfig(t)
	writeRaw(t, cfg, tableio.NewTable("amount", "transaction_hour"))

	report, err := New(cfg, zaptest.NewLogger(t)).Detect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, report.Rows)

	out := readTable(t, cfg.Paths.Scored)
	assert.Equal(t, []string{"amount", "transaction_hour", ColAnomalyScore, explain.ColIsAnomaly}, out.Header)
	assert.Equal(t, 0, out.Len())

	_, err = os.Stat(cfg.Paths.OutlierModel)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestMissingInput(t *testing.T) {
	ctx := context.Background()
	p := New(testConfig(t), zaptest.NewLogger(t))

	_, err := p.Detect(ctx)
	assert.ErrorIs(t, err, tableio.ErrMissingInput)
	_, err = p.Explain(ctx)
	assert.ErrorIs(t, err, tableio.ErrMissingInput)
	_, err = p.Group(ctx)
	assert.ErrorIs(t, err, tableio.ErrMissingInput)
	_, err = p.Export(ctx)
	assert.ErrorIs(t, err, tableio.ErrMissingInput)
	_, err = p.Run(ctx)
	assert.ErrorIs(t, err, tableio.ErrMissingInput)
}

func TestMissingMandatoryColumn(t *testing.T) {
	cfg := testConfig(t)
	tbl := tableio.NewTable("amount", "high_risk_merchant")
	tbl.Rows = [][]string{{"10", "0"}, {"20", "1"}}
	writeRaw(t, cfg, tbl)

	_, err := New(cfg, zaptest.NewLogger(t)).Detect(context.Background())
	assert.ErrorIs(t, err, tableio.ErrMissingColumn)
	_, err = os.Stat(cfg.Paths.Scored)
	assert.ErrorIs(t, err, os.ErrNotExist, "no output on failure")

	scored := tableio.NewTable("is_anomaly", "transaction_hour")
	scored.Rows = [][]string{{"True", "3"}}
	_, err = ExplainTable(scored)
	assert.ErrorIs(t, err, tableio.ErrMissingColumn)

	_, _, err = New(cfg, nil).GroupTable(context.Background(), scored)
	assert.ErrorIs(t, err, tableio.ErrMissingColumn)
}

func TestCancelledContext(t *testing.T) {
	cfg := testConfig(t)
	writeRaw(t, cfg, syntheticTransactions(10))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New(cfg, nil).Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestExplainTable(t *testing.T) {
	tests := []struct {
		name string
		row  []string
		want string
	}{
		{"low amount", []string{"True", "0.50", "12", "0"}, "Anomalous due to: suspiciously low amount."},
		{"forced not anomalous", []string{"False", "9999", "3", "1"}, explain.NotAnomalous},
		{"no indicators", []string{"True", "100", "12", "0"}, explain.NoIndicators},
		{"blank optional flag", []string{"True", "100", "23", ""}, "Anomalous due to: odd hour: 23:00."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tbl := tableio.NewTable("is_anomaly", "amount", "transaction_hour", "high_risk_merchant")
			tbl.Rows = [][]string{tt.row}

			report, err := ExplainTable(tbl)
			require.NoError(t, err)
			assert.Equal(t, 1, report.Rows)

			got, _ := tbl.Cell(0, ColExplanation)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestForcedFalseRowGetsNoLabel(t *testing.T) {
	tbl := tableio.NewTable("is_anomaly", "amount", "transaction_hour")
	tbl.Rows = [][]string{{"False", "9999", "3"}, {"True", "0.5", "12"}}
	_, err := ExplainTable(tbl)
	require.NoError(t, err)

	report, _, err := New(config.DefaultConfig(), nil).GroupTable(context.Background(), tbl)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Anomalies)

	label, _ := tbl.Cell(0, ColClusterLabel)
	assert.Empty(t, label)
	label, _ = tbl.Cell(1, ColClusterLabel)
	assert.Equal(t, "0", label)
}

// countingEngine records the texts it is asked to embed.
type countingEngine struct {
	embedding.Engine
	texts []string
}

func (e *countingEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	e.texts = append(e.texts, texts...)
	return e.Engine.EmbedBatch(ctx, texts)
}

func TestGroupTablePreservesRowsOnCollision(t *testing.T) {
	const (
		a = "Anomalous due to: odd hour: 3:00."
		b = "Anomalous due to: merchant flagged as high risk."
		c = "Anomalous due to: customer was abroad, occurred during weekend."
	)
	tbl := tableio.NewTable("transaction_id", "is_anomaly", ColExplanation)
	tbl.Rows = [][]string{
		{"1", "True", a},
		{"2", "True", b},
		{"3", "True", a},
		{"4", "False", explain.NotAnomalous},
		{"5", "True", c},
		{"6", "True", ""},
		{"7", "True", b},
		{"8", "False", a}, // same text as an anomalous row, but not flagged
	}

	cfg := config.DefaultConfig()
	cfg.Cluster.Clusters = 2
	engine := &countingEngine{Engine: embedding.NewHashingEngine(64)}
	p := New(cfg, zaptest.NewLogger(t), WithEmbedder(engine))

	report, model, err := p.GroupTable(context.Background(), tbl)
	require.NoError(t, err)
	require.NotNil(t, model)

	assert.Equal(t, 8, tbl.Len())
	assert.Equal(t, 6, report.Anomalies)
	assert.Equal(t, 2, report.Clusters)
	assert.Equal(t, []string{a, b, c, MissingExplanation}, engine.texts, "each distinct text embedded once")

	total := 0
	for _, n := range report.Sizes {
		total += n
	}
	assert.Equal(t, 6, total)
	assert.Len(t, report.Themes, 4)
	assert.Contains(t, report.Themes, MissingExplanation)

	labels, _ := tbl.Column(ColClusterLabel)
	assert.Equal(t, labels[0], labels[2])
	assert.Equal(t, labels[1], labels[6])
	assert.Empty(t, labels[3])
	assert.Empty(t, labels[7])
	for _, i := range []int{0, 1, 2, 4, 5, 6} {
		l, err := strconv.Atoi(labels[i])
		require.NoError(t, err, "row %d", i)
		assert.GreaterOrEqual(t, l, 0)
		assert.Less(t, l, 2)
		assert.Equal(t, report.Themes[textOrPlaceholder(tbl, i)], l)
	}

	themes := report.ThemeList()
	require.Len(t, themes, 4)
	for i := 1; i < len(themes); i++ {
		assert.LessOrEqual(t, themes[i-1].Label, themes[i].Label)
	}
}

func textOrPlaceholder(t *tableio.Table, i int) string {
	v, _ := t.Cell(i, ColExplanation)
	if v == "" {
		return MissingExplanation
	}
	return v
}

func TestGroupWithoutAnomalies(t *testing.T) {
	cfg := testConfig(t)
	tbl := tableio.NewTable("is_anomaly", ColExplanation)
	tbl.Rows = [][]string{{"False", explain.NotAnomalous}, {"False", explain.NotAnomalous}}
	require.NoError(t, csvio.WriteFile(cfg.Paths.Explained, tbl))

	report, err := New(cfg, zaptest.NewLogger(t)).Group(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, report.Anomalies)
	assert.Equal(t, 0, report.Clusters)

	out := readTable(t, cfg.Paths.Clustered)
	assert.Equal(t, 2, out.Len())
	assert.True(t, out.Has(ColClusterLabel))

	_, err = os.Stat(cfg.Paths.ClusterModel)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestGroupUnsupportedProvider(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Embedding.Provider = "bert"
	tbl := tableio.NewTable("is_anomaly", ColExplanation)
	tbl.Rows = [][]string{{"True", "Anomalous due to: suspiciously low amount."}}

	_, _, err := New(cfg, nil).GroupTable(context.Background(), tbl)
	assert.ErrorIs(t, err, embedding.ErrUnsupportedProvider)
}

func TestInspect(t *testing.T) {
	tbl := tableio.NewTable(ColExplanation, ColClusterLabel)
	tbl.Rows = [][]string{
		{"x1", "1"}, {"y1", "0"}, {"x2", "1"}, {"not anomalous", ""},
		{"x3", "1.0"}, {"y2", "0"}, {"", "0"},
	}

	samples, err := Inspect(tbl, 2, 42)
	require.NoError(t, err)
	require.Len(t, samples, 2)

	assert.Equal(t, 0, samples[0].Label)
	assert.Equal(t, 2, samples[0].Size)
	assert.ElementsMatch(t, []string{"y1", "y2"}, samples[0].Explanations)

	assert.Equal(t, 1, samples[1].Label)
	assert.Equal(t, 3, samples[1].Size)
	assert.Len(t, samples[1].Explanations, 2)
	for _, e := range samples[1].Explanations {
		assert.Contains(t, []string{"x1", "x2", "x3"}, e)
	}

	again, err := Inspect(tbl, 2, 42)
	require.NoError(t, err)
	assert.Equal(t, samples, again)

	bad := tableio.NewTable(ColExplanation, ColClusterLabel)
	bad.Rows = [][]string{{"x", "first"}}
	_, err = Inspect(bad, 2, 42)
	assert.Error(t, err)

	_, err = Inspect(tableio.NewTable(ColExplanation), 2, 42)
	assert.ErrorIs(t, err, tableio.ErrMissingColumn)
}

func TestExport(t *testing.T) {
	cfg := testConfig(t)
	writeRaw(t, cfg, syntheticTransactions(100))

	p := New(cfg, zaptest.NewLogger(t))
	ctx := context.Background()
	_, err := p.Run(ctx)
	require.NoError(t, err)

	report, err := p.Export(ctx)
	require.NoError(t, err)
	assert.Equal(t, 100, report.Rows)

	w, err := sqlite.Open(cfg.Paths.SQLite)
	require.NoError(t, err)
	defer w.Close()

	var n, labelled int
	require.NoError(t, w.DB().QueryRow(`SELECT COUNT(*) FROM transactions`).Scan(&n))
	require.NoError(t, w.DB().QueryRow(
		`SELECT COUNT(*) FROM transactions WHERE fraud_cluster_label IS NOT NULL`).Scan(&labelled))
	assert.Equal(t, 100, n)
	assert.Equal(t, 1, labelled)
}

func TestWithRunID(t *testing.T) {
	p := New(nil, nil, WithRunID("fixed"))
	assert.Equal(t, "fixed", p.RunID())
	assert.NotNil(t, p.Config())

	assert.NotEqual(t, New(nil, nil).RunID(), New(nil, nil).RunID())
}
