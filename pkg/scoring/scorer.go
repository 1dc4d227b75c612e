// Package scoring fits the outlier model on a feature matrix and attaches
// a decision score and anomaly flag to every record.
package scoring

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"os"

	"github.com/hed1ad/anomalynarrator/pkg/detectors"
	"github.com/hed1ad/anomalynarrator/pkg/detectors/iforest"
	"github.com/hed1ad/anomalynarrator/pkg/features"
	tableio "github.com/hed1ad/anomalynarrator/pkg/io"
)

// ErrEmptyBatch is returned when a model is fitted on zero rows.
var ErrEmptyBatch = errors.New("cannot fit outlier model on an empty batch")

// Scorer standardizes features and scores them with an isolation forest.
// It persists as one artifact so new data can be scored without refitting.
type Scorer struct {
	cfg     detectors.Config
	columns []string
	scaler  *features.Scaler
	forest  *iforest.IsolationForest
}

// New creates an unfitted scorer.
func New(cfg detectors.Config) *Scorer {
	return &Scorer{cfg: cfg}
}

// Columns returns the feature columns the scorer was fitted on.
func (s *Scorer) Columns() []string {
	return s.columns
}

// Fitted reports whether Fit or Load has succeeded.
func (s *Scorer) Fitted() bool {
	return s.forest != nil
}

// Fit standardizes m and trains the forest on it.
func (s *Scorer) Fit(m *features.Matrix) error {
	if m.Len() == 0 {
		return ErrEmptyBatch
	}

	scaler := features.FitScaler(m)
	forest := iforest.New(iforest.WithConfig(s.cfg))
	if err := forest.Fit(scaler.Transform(m.Rows)); err != nil {
		return fmt.Errorf("fit isolation forest: %w", err)
	}

	s.columns = append([]string(nil), m.Columns...)
	s.scaler = scaler
	s.forest = forest
	return nil
}

// Score returns one detectors.Score per row of m, in row order.
// Columns are aligned to the fitted ones first. The flag is the forest's own
// prediction and is never re-derived from the value.
func (s *Scorer) Score(m *features.Matrix) ([]detectors.Score, error) {
	if !s.Fitted() {
		return nil, iforest.ErrNotTrained
	}

	rows := s.scaler.Transform(m.Align(s.columns).Rows)
	values, err := s.forest.DecisionFunction(rows)
	if err != nil {
		return nil, err
	}
	flags, err := s.forest.Predict(rows)
	if err != nil {
		return nil, err
	}

	scores := make([]detectors.Score, len(values))
	for i := range values {
		scores[i] = detectors.Score{Value: values[i], IsAnomaly: flags[i]}
	}
	return scores, nil
}

// FitScore fits on m and scores the same rows.
func (s *Scorer) FitScore(m *features.Matrix) ([]detectors.Score, error) {
	if err := s.Fit(m); err != nil {
		return nil, err
	}
	return s.Score(m)
}

type artifact struct {
	Config  detectors.Config
	Columns []string
	Means   []float64
	Scales  []float64
	Forest  []byte
}

// Save serializes the scaler, the column layout and the forest.
func (s *Scorer) Save() ([]byte, error) {
	if !s.Fitted() {
		return nil, iforest.ErrNotTrained
	}

	forest, err := s.forest.Save()
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	err = gob.NewEncoder(&buf).Encode(artifact{
		Config:  s.cfg,
		Columns: s.columns,
		Means:   s.scaler.Means,
		Scales:  s.scaler.Scales,
		Forest:  forest,
	})
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Load restores a scorer saved with Save.
func (s *Scorer) Load(data []byte) error {
	var a artifact
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&a); err != nil {
		return fmt.Errorf("decode scorer: %w", err)
	}
	if len(a.Means) != len(a.Columns) || len(a.Scales) != len(a.Columns) {
		return errors.New("decode scorer: scaler does not match column layout")
	}

	forest := iforest.New()
	if err := forest.Load(a.Forest); err != nil {
		return fmt.Errorf("decode forest: %w", err)
	}

	s.cfg = a.Config
	s.columns = a.Columns
	s.scaler = &features.Scaler{Means: a.Means, Scales: a.Scales}
	s.forest = forest
	return nil
}

// SaveFile writes the artifact to path, creating parent directories.
func (s *Scorer) SaveFile(path string) error {
	data, err := s.Save()
	if err != nil {
		return err
	}
	return tableio.WriteFileAtomic(path, data)
}

// LoadFile reads an artifact written by SaveFile.
func LoadFile(path string) (*Scorer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	s := &Scorer{}
	if err := s.Load(data); err != nil {
		return nil, err
	}
	return s, nil
}
