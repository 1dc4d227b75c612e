// Package detectors provides unsupervised anomaly detection algorithms.
package detectors

// Detector is the common interface for all anomaly detection algorithms.
type Detector interface {
	// Fit trains the detector on historical data.
	// data is a 2D slice where each row is a sample and each column is a feature.
	Fit(data [][]float64) error

	// ScoreSamples returns the raw normality score of each sample.
	// Lower values indicate more anomalous samples.
	ScoreSamples(data [][]float64) ([]float64, error)

	// DecisionFunction returns ScoreSamples shifted by the fitted offset:
	// negative values are anomalies, positive values are inliers.
	DecisionFunction(data [][]float64) ([]float64, error)

	// Predict returns true for samples the detector classifies as anomalous.
	Predict(data [][]float64) ([]bool, error)

	// Save serializes the trained model to bytes.
	Save() ([]byte, error)

	// Load deserializes a trained model from bytes.
	Load(data []byte) error
}

// Score represents an anomaly detection result for one record.
type Score struct {
	// Value is the decision score; lower is more anomalous.
	Value float64
	// IsAnomaly is the detector's own prediction for the record.
	IsAnomaly bool
}

// Config holds common configuration for detectors.
type Config struct {
	// Contamination is the expected proportion of anomalies in training data.
	Contamination float64
	// Trees is the ensemble size for tree-based detectors.
	Trees int
	// SampleSize is the per-member sub-sample size.
	SampleSize int
	// RandomSeed for reproducibility.
	RandomSeed int64
}

// DefaultConfig returns the reference detector configuration.
func DefaultConfig() Config {
	return Config{
		Contamination: 0.01,
		Trees:         100,
		SampleSize:    256,
		RandomSeed:    42,
	}
}
