// Package iforest implements the Isolation Forest algorithm for anomaly detection.
package iforest

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"

	"github.com/hed1ad/anomalynarrator/pkg/detectors"
)

var (
	// ErrEmptyData is returned when fitting on zero samples.
	ErrEmptyData = errors.New("empty training data")

	// ErrNotTrained is returned when scoring before Fit or Load.
	ErrNotTrained = errors.New("model not trained")
)

var _ detectors.Detector = (*IsolationForest)(nil)

// IsolationForest implements unsupervised anomaly detection using isolation trees.
type IsolationForest struct {
	mu sync.RWMutex

	// Configuration
	nTrees        int
	sampleSize    int
	contamination float64
	seed          int64

	// Trained model
	trees     []*node
	nFeatures int
	trained   bool

	// norm is c(psi), the expected path length for the effective sub-sample size.
	norm float64
	// offset is the contamination percentile of the training scores.
	offset float64
}

// node is a node in an isolation tree.
// Fields are exported so the tree can be gob-encoded.
type node struct {
	// Split parameters (for internal nodes)
	Feature int
	Split   float64

	// Children
	Left  *node
	Right *node

	// Leaf marks terminal nodes; Size is the number of samples that reached it.
	Leaf bool
	Size int
}

func leaf(size int) *node {
	return &node{Leaf: true, Size: size}
}

// Option configures an IsolationForest.
type Option func(*IsolationForest)

// WithTrees sets the number of isolation trees.
func WithTrees(n int) Option {
	return func(f *IsolationForest) {
		f.nTrees = n
	}
}

// WithSampleSize sets the maximum sub-sample size for each tree.
func WithSampleSize(n int) Option {
	return func(f *IsolationForest) {
		f.sampleSize = n
	}
}

// WithContamination sets the expected proportion of anomalies.
func WithContamination(c float64) Option {
	return func(f *IsolationForest) {
		f.contamination = c
	}
}

// WithSeed sets the random seed for reproducibility.
// Every call to Fit restarts from this seed.
func WithSeed(seed int64) Option {
	return func(f *IsolationForest) {
		f.seed = seed
	}
}

// WithConfig applies a detectors.Config.
func WithConfig(cfg detectors.Config) Option {
	return func(f *IsolationForest) {
		f.nTrees = cfg.Trees
		f.sampleSize = cfg.SampleSize
		f.contamination = cfg.Contamination
		f.seed = cfg.RandomSeed
	}
}

// New creates a new IsolationForest with the given options.
func New(opts ...Option) *IsolationForest {
	def := detectors.DefaultConfig()
	f := &IsolationForest{
		nTrees:        def.Trees,
		sampleSize:    def.SampleSize,
		contamination: def.Contamination,
		seed:          def.RandomSeed,
	}

	for _, opt := range opts {
		opt(f)
	}

	return f
}

// Fit trains the Isolation Forest on the provided data and calibrates the
// decision offset so that the contamination fraction of data scores below zero.
func (f *IsolationForest) Fit(data [][]float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(data) == 0 {
		return ErrEmptyData
	}
	if f.nTrees <= 0 {
		return fmt.Errorf("trees must be positive, got %d", f.nTrees)
	}
	if f.sampleSize <= 0 {
		return fmt.Errorf("sample size must be positive, got %d", f.sampleSize)
	}
	if f.contamination <= 0 || f.contamination > 0.5 {
		return fmt.Errorf("contamination must be in (0, 0.5], got %v", f.contamination)
	}

	nSamples := len(data)
	nFeatures := len(data[0])
	for i, row := range data {
		if len(row) != nFeatures {
			return fmt.Errorf("row %d has %d features, expected %d", i, len(row), nFeatures)
		}
	}

	rng := rand.New(rand.NewSource(f.seed))

	// Adjust sample size if needed
	sampleSize := f.sampleSize
	if sampleSize > nSamples {
		sampleSize = nSamples
	}
	maxDepth := 0
	if sampleSize > 1 {
		maxDepth = int(math.Ceil(math.Log2(float64(sampleSize))))
	}

	// Build trees
	f.trees = make([]*node, f.nTrees)
	for i := 0; i < f.nTrees; i++ {
		// Sample without replacement
		indices := rng.Perm(nSamples)[:sampleSize]
		sample := make([][]float64, sampleSize)
		for j, idx := range indices {
			sample[j] = data[idx]
		}

		f.trees[i] = buildNode(rng, sample, nFeatures, 0, maxDepth)
	}

	f.nFeatures = nFeatures
	f.norm = averagePathLength(float64(sampleSize))
	f.trained = true

	f.offset = percentile(f.scoreSamples(data), 100*f.contamination)

	return nil
}

// buildNode recursively builds an isolation tree.
func buildNode(rng *rand.Rand, data [][]float64, nFeatures, depth, maxDepth int) *node {
	n := len(data)

	// Terminal conditions
	if depth >= maxDepth || n <= 1 {
		return leaf(n)
	}

	// Draw features without replacement until one is not constant on data.
	for _, feature := range rng.Perm(nFeatures) {
		minVal, maxVal := data[0][feature], data[0][feature]
		for _, row := range data[1:] {
			if row[feature] < minVal {
				minVal = row[feature]
			}
			if row[feature] > maxVal {
				maxVal = row[feature]
			}
		}
		if minVal == maxVal {
			continue
		}

		splitValue := minVal + rng.Float64()*(maxVal-minVal)

		var leftData, rightData [][]float64
		for _, row := range data {
			if row[feature] < splitValue {
				leftData = append(leftData, row)
			} else {
				rightData = append(rightData, row)
			}
		}

		return &node{
			Feature: feature,
			Split:   splitValue,
			Left:    buildNode(rng, leftData, nFeatures, depth+1, maxDepth),
			Right:   buildNode(rng, rightData, nFeatures, depth+1, maxDepth),
		}
	}

	// All features constant: nothing left to isolate.
	return leaf(n)
}

// ScoreSamples returns -2^(-E[h(x)]/c(psi)) per sample. Lower is more anomalous.
func (f *IsolationForest) ScoreSamples(data [][]float64) ([]float64, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if err := f.check(data); err != nil {
		return nil, err
	}
	return f.scoreSamples(data), nil
}

// DecisionFunction returns ScoreSamples minus the fitted offset.
func (f *IsolationForest) DecisionFunction(data [][]float64) ([]float64, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if err := f.check(data); err != nil {
		return nil, err
	}
	scores := f.scoreSamples(data)
	for i := range scores {
		scores[i] -= f.offset
	}
	return scores, nil
}

// Predict reports a sample as anomalous when its decision score is negative.
func (f *IsolationForest) Predict(data [][]float64) ([]bool, error) {
	decision, err := f.DecisionFunction(data)
	if err != nil {
		return nil, err
	}

	preds := make([]bool, len(decision))
	for i, d := range decision {
		preds[i] = d < 0
	}
	return preds, nil
}

func (f *IsolationForest) check(data [][]float64) error {
	if !f.trained {
		return ErrNotTrained
	}
	for i, row := range data {
		if len(row) != f.nFeatures {
			return fmt.Errorf("row %d has %d features, model expects %d", i, len(row), f.nFeatures)
		}
	}
	return nil
}

func (f *IsolationForest) scoreSamples(data [][]float64) []float64 {
	scores := make([]float64, len(data))
	for i, sample := range data {
		scores[i] = f.scoreOne(sample)
	}
	return scores
}

func (f *IsolationForest) scoreOne(sample []float64) float64 {
	// Average path length across all trees
	var totalPath float64
	for _, tree := range f.trees {
		totalPath += pathLength(sample, tree, 0)
	}
	avgPath := totalPath / float64(len(f.trees))

	ratio := 1.0
	if f.norm > 0 {
		ratio = avgPath / f.norm
	}
	return -math.Pow(2, -ratio)
}

// pathLength calculates the path length for a sample in a tree.
func pathLength(sample []float64, n *node, currentDepth int) float64 {
	if n.Leaf {
		// Leaf node: add expected path length for remaining isolation
		return float64(currentDepth) + averagePathLength(float64(n.Size))
	}

	if sample[n.Feature] < n.Split {
		return pathLength(sample, n.Left, currentDepth+1)
	}
	return pathLength(sample, n.Right, currentDepth+1)
}

// averagePathLength returns the average path length of unsuccessful search in BST.
func averagePathLength(n float64) float64 {
	if n <= 1 {
		return 0
	}
	if n == 2 {
		return 1
	}
	// c(n) = 2*H(n-1) - 2*(n-1)/n, with H(i) ~ ln(i) + Euler-Mascheroni constant
	return 2*(math.Log(n-1)+0.5772156649015329) - 2*(n-1)/n
}

// snapshot is the gob wire form of a trained forest.
type snapshot struct {
	Trees         int
	SampleSize    int
	Contamination float64
	Seed          int64
	NFeatures     int
	Norm          float64
	Offset        float64
	Roots         []*node
}

// Save serializes the trained model.
func (f *IsolationForest) Save() ([]byte, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if !f.trained {
		return nil, ErrNotTrained
	}

	var buf bytes.Buffer
	err := gob.NewEncoder(&buf).Encode(snapshot{
		Trees:         f.nTrees,
		SampleSize:    f.sampleSize,
		Contamination: f.contamination,
		Seed:          f.seed,
		NFeatures:     f.nFeatures,
		Norm:          f.norm,
		Offset:        f.offset,
		Roots:         f.trees,
	})
	if err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// Load deserializes a trained model.
func (f *IsolationForest) Load(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	var s snapshot
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&s); err != nil {
		return err
	}
	if len(s.Roots) == 0 {
		return errors.New("model contains no trees")
	}

	f.nTrees = s.Trees
	f.sampleSize = s.SampleSize
	f.contamination = s.Contamination
	f.seed = s.Seed
	f.nFeatures = s.NFeatures
	f.norm = s.Norm
	f.offset = s.Offset
	f.trees = s.Roots
	f.trained = true

	return nil
}

// Offset returns the fitted decision offset.
func (f *IsolationForest) Offset() float64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.offset
}

// Contamination returns the configured contamination fraction.
func (f *IsolationForest) Contamination() float64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.contamination
}

// percentile calculates the p-th percentile of data with linear interpolation
// between closest ranks.
func percentile(data []float64, p float64) float64 {
	if len(data) == 0 {
		return 0
	}

	sorted := make([]float64, len(data))
	copy(sorted, data)
	sort.Float64s(sorted)

	pos := float64(len(sorted)-1) * p / 100
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	return sorted[lo] + (sorted[hi]-sorted[lo])*(pos-float64(lo))
}
