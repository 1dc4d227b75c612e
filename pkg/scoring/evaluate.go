package scoring

import "fmt"

// Evaluation compares anomaly flags with ground-truth fraud labels.
// Labels are only ever used here, never for fitting.
type Evaluation struct {
	TruePositives  int
	FalsePositives int
	TrueNegatives  int
	FalseNegatives int
}

// Evaluate builds the confusion counts. flags and labels must align by row.
func Evaluate(flags, labels []bool) (Evaluation, error) {
	var e Evaluation
	if len(flags) != len(labels) {
		return e, fmt.Errorf("have %d flags for %d labels", len(flags), len(labels))
	}
	for i, flagged := range flags {
		switch {
		case flagged && labels[i]:
			e.TruePositives++
		case flagged:
			e.FalsePositives++
		case labels[i]:
			e.FalseNegatives++
		default:
			e.TrueNegatives++
		}
	}
	return e, nil
}

// Precision is TP / (TP + FP), or 0 when nothing was flagged.
func (e Evaluation) Precision() float64 {
	if d := e.TruePositives + e.FalsePositives; d > 0 {
		return float64(e.TruePositives) / float64(d)
	}
	return 0
}

// Recall is TP / (TP + FN), or 0 when there is no fraud.
func (e Evaluation) Recall() float64 {
	if d := e.TruePositives + e.FalseNegatives; d > 0 {
		return float64(e.TruePositives) / float64(d)
	}
	return 0
}
