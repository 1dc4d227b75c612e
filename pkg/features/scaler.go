package features

import (
	"math"

	"gonum.org/v1/gonum/stat"
)

// Scaler standardizes columns to zero mean and unit variance.
// Columns with zero (or undefined) variance keep a scale of 1, so they are
// centered but never divided by zero.
type Scaler struct {
	Means  []float64
	Scales []float64
}

// FitScaler computes per-column means and population standard deviations.
// An empty matrix yields an identity scaler.
func FitScaler(m *Matrix) *Scaler {
	s := &Scaler{
		Means:  make([]float64, m.Width()),
		Scales: make([]float64, m.Width()),
	}

	n := float64(m.Len())
	col := make([]float64, m.Len())
	for j := range m.Columns {
		s.Scales[j] = 1
		if m.Len() == 0 {
			continue
		}
		for i, row := range m.Rows {
			col[i] = row[j]
		}

		if m.Len() == 1 {
			s.Means[j] = col[0]
			continue
		}
		mean, variance := stat.MeanVariance(col, nil)
		s.Means[j] = mean

		// MeanVariance is the unbiased estimate; rescale to the population variance.
		std := math.Sqrt(variance * (n - 1) / n)
		if std > 0 && !math.IsNaN(std) && !math.IsInf(std, 0) {
			s.Scales[j] = std
		}
	}

	return s
}

// Transform returns a standardized copy of rows.
func (s *Scaler) Transform(rows [][]float64) [][]float64 {
	out := make([][]float64, len(rows))
	for i, row := range rows {
		scaled := make([]float64, len(row))
		for j, v := range row {
			scaled[j] = (v - s.Means[j]) / s.Scales[j]
		}
		out[i] = scaled
	}
	return out
}
