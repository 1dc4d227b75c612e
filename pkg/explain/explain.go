// Package explain produces deterministic natural-language justifications
// for records flagged by the outlier model.
package explain

import (
	"strconv"
	"strings"

	"github.com/hed1ad/anomalynarrator/pkg/features"
	tableio "github.com/hed1ad/anomalynarrator/pkg/io"
)

const (
	// NotAnomalous is the explanation of every record that was not flagged.
	NotAnomalous = "not anomalous"

	// NoIndicators is the explanation of a flagged record that matched no rule.
	NoIndicators = "anomalous pattern detected with no obvious indicators"

	prefix    = "Anomalous due to: "
	separator = ", "
)

// Column names read from the scored table.
const (
	ColIsAnomaly          = "is_anomaly"
	ColAmount             = "amount"
	ColHour               = "transaction_hour"
	ColHighRiskMerchant   = "high_risk_merchant"
	ColDistanceFromHome   = "distance_from_home"
	ColWeekendTransaction = "weekend_transaction"
)

// Record is the immutable input of the rule engine. Nil fields are unset.
type Record struct {
	IsAnomaly          bool
	Amount             *float64
	Hour               *float64
	HighRiskMerchant   *bool
	DistanceFromHome   *bool
	WeekendTransaction *bool
}

func (r Record) activation() map[string]any {
	act := map[string]any{
		"amount":              0.0,
		"amount_set":          r.Amount != nil,
		"hour":                0.0,
		"hour_set":            r.Hour != nil,
		"high_risk_merchant":  r.HighRiskMerchant != nil && *r.HighRiskMerchant,
		"distance_from_home":  r.DistanceFromHome != nil && *r.DistanceFromHome,
		"weekend_transaction": r.WeekendTransaction != nil && *r.WeekendTransaction,
	}
	if r.Amount != nil {
		act["amount"] = *r.Amount
	}
	if r.Hour != nil {
		act["hour"] = *r.Hour
	}
	return act
}

var defaultRuleset = MustNewRuleset(DefaultRules())

// Explain returns the explanation of r using the default rules.
// The same record always yields the same text.
func Explain(r Record) string {
	text, err := defaultRuleset.Explain(r)
	if err != nil {
		// The default conditions only read variables every activation binds.
		panic(err)
	}
	return text
}

// Render joins matched phrases into the explanation sentence.
func Render(reasons []string) string {
	if len(reasons) == 0 {
		return NoIndicators
	}
	return prefix + strings.Join(reasons, separator) + "."
}

// RecordFromRow maps row i of t onto a Record. Blank or unparseable
// optional cells are left unset.
func RecordFromRow(t *tableio.Table, i int) Record {
	var r Record
	if v, ok := t.Cell(i, ColIsAnomaly); ok {
		r.IsAnomaly = features.ParseFlag(v)
	}
	if v, ok := t.Cell(i, ColAmount); ok {
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			r.Amount = &f
		}
	}
	if v, ok := t.Cell(i, ColHour); ok {
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			r.Hour = &f
		}
	}
	r.HighRiskMerchant = flag(t, i, ColHighRiskMerchant)
	r.DistanceFromHome = flag(t, i, ColDistanceFromHome)
	r.WeekendTransaction = flag(t, i, ColWeekendTransaction)
	return r
}

func flag(t *tableio.Table, i int, col string) *bool {
	v, ok := t.Cell(i, col)
	if !ok || strings.TrimSpace(v) == "" {
		return nil
	}
	b := features.ParseFlag(v)
	return &b
}
