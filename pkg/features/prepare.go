// Package features turns raw transaction tables into a numeric feature matrix.
package features

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	tableio "github.com/hed1ad/anomalynarrator/pkg/io"
)

// ErrNonNumeric is returned when a pass-through column holds a value that is not a number.
var ErrNonNumeric = errors.New("non-numeric value in feature column")

// Schema describes how raw columns map onto features.
type Schema struct {
	// Drop lists identifier, free-text and unreliable columns excluded from the matrix.
	Drop []string
	// Boolean lists columns coerced to 0/1.
	Boolean []string
	// Categorical lists columns expanded into indicator columns.
	Categorical []string
	// Required lists columns whose absence is an error.
	Required []string
	// Label is the optional ground-truth column, removed from the matrix.
	Label string
}

// DefaultSchema returns the fixed transaction feature set.
func DefaultSchema() Schema {
	return Schema{
		Drop: []string{
			"transaction_id", "customer_id", "card_number", "timestamp",
			"merchant", "currency", "ip_address", "device_fingerprint",
			"velocity_last_hour",
		},
		Boolean: []string{
			"card_present", "weekend_transaction", "distance_from_home", "high_risk_merchant",
		},
		Categorical: []string{
			"merchant_category", "merchant_type", "country", "city",
			"city_size", "card_type", "device", "channel",
		},
		Required: []string{"amount", "transaction_hour"},
		Label:    "is_fraud",
	}
}

// Matrix is a dense numeric view of a table. Rows[i] belongs to table row i.
type Matrix struct {
	Columns []string
	Rows    [][]float64
}

// Len returns the number of rows.
func (m *Matrix) Len() int {
	return len(m.Rows)
}

// Width returns the number of feature columns.
func (m *Matrix) Width() int {
	return len(m.Columns)
}

// Align projects the matrix onto columns: absent columns are zero, extra ones dropped.
func (m *Matrix) Align(columns []string) *Matrix {
	pos := make(map[string]int, len(m.Columns))
	for i, c := range m.Columns {
		pos[c] = i
	}

	out := &Matrix{Columns: append([]string(nil), columns...), Rows: make([][]float64, len(m.Rows))}
	for i, row := range m.Rows {
		aligned := make([]float64, len(columns))
		for j, c := range columns {
			if p, ok := pos[c]; ok {
				aligned[j] = row[p]
			}
		}
		out.Rows[i] = aligned
	}
	return out
}

// Prepare builds the feature matrix and, when the label column exists, the labels.
// Optional boolean and categorical columns absent from t are skipped.
func Prepare(t *tableio.Table, s Schema) (*Matrix, []bool, error) {
	if err := t.Require(s.Required...); err != nil {
		return nil, nil, err
	}

	excluded := make(map[string]bool)
	for _, c := range s.Drop {
		excluded[c] = true
	}
	for _, c := range s.Categorical {
		excluded[c] = true
	}
	if s.Label != "" {
		excluded[s.Label] = true
	}
	boolean := make(map[string]bool, len(s.Boolean))
	for _, c := range s.Boolean {
		boolean[c] = true
	}

	m := &Matrix{Rows: make([][]float64, t.Len())}
	for i := range m.Rows {
		m.Rows[i] = make([]float64, 0, len(t.Header))
	}

	for col, name := range t.Header {
		if excluded[name] {
			continue
		}
		m.Columns = append(m.Columns, name)
		for i, row := range t.Rows {
			v, err := parseCell(row[col], boolean[name])
			if err != nil {
				return nil, nil, fmt.Errorf("%w: column %q row %d: %v", ErrNonNumeric, name, i, err)
			}
			m.Rows[i] = append(m.Rows[i], v)
		}
	}

	for _, name := range s.Categorical {
		values, ok := t.Column(name)
		if !ok {
			continue
		}
		levels := distinctLevels(values)
		if len(levels) < 2 {
			continue
		}
		// The first level is the baseline.
		for _, level := range levels[1:] {
			m.Columns = append(m.Columns, name+"_"+level)
			for i, v := range values {
				if v == level {
					m.Rows[i] = append(m.Rows[i], 1)
				} else {
					m.Rows[i] = append(m.Rows[i], 0)
				}
			}
		}
	}

	var labels []bool
	if s.Label != "" {
		if values, ok := t.Column(s.Label); ok {
			labels = make([]bool, len(values))
			for i, v := range values {
				labels[i] = ParseFlag(v)
			}
		}
	}

	return m, labels, nil
}

func parseCell(v string, isBool bool) (float64, error) {
	if isBool {
		if ParseFlag(v) {
			return 1, nil
		}
		return 0, nil
	}
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, errors.New("missing value")
	}
	switch v {
	case "True", "true", "TRUE":
		return 1, nil
	case "False", "false", "FALSE":
		return 0, nil
	}
	return strconv.ParseFloat(v, 64)
}

// ParseFlag reads a boolean-semantic cell. Empty or unparseable cells are false.
func ParseFlag(v string) bool {
	v = strings.TrimSpace(v)
	if v == "" {
		return false
	}
	if b, err := strconv.ParseBool(v); err == nil {
		return b
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return f != 0
	}
	return false
}

func distinctLevels(values []string) []string {
	seen := make(map[string]bool)
	var levels []string
	for _, v := range values {
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		levels = append(levels, v)
	}
	sort.Strings(levels)
	return levels
}
