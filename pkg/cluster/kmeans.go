// Package cluster implements centroid-based clustering of embedding vectors.
package cluster

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"os"

	"gonum.org/v1/gonum/floats"

	tableio "github.com/hed1ad/anomalynarrator/pkg/io"
)

var (
	// ErrEmptyData is returned when fitting on zero points.
	ErrEmptyData = errors.New("empty clustering data")

	// ErrNotFitted is returned when predicting before Fit or Load.
	ErrNotFitted = errors.New("model not fitted")
)

// KMeans partitions points into k groups with Lloyd iterations and
// k-means++ seeding. The best of several seeded restarts is kept.
type KMeans struct {
	// Configuration
	k       int
	seed    int64
	maxIter int
	nInit   int
	tol     float64

	// Fitted model
	centroids [][]float64
	labels    []int
	inertia   float64
	iters     int
}

// Option configures KMeans.
type Option func(*KMeans)

// WithClusters sets the number of clusters.
func WithClusters(k int) Option {
	return func(m *KMeans) {
		m.k = k
	}
}

// WithSeed sets the random seed; every Fit restarts from it.
func WithSeed(seed int64) Option {
	return func(m *KMeans) {
		m.seed = seed
	}
}

// WithMaxIter bounds the Lloyd iterations of one restart.
func WithMaxIter(n int) Option {
	return func(m *KMeans) {
		m.maxIter = n
	}
}

// WithInit sets how many seeded restarts run; the lowest inertia wins.
func WithInit(n int) Option {
	return func(m *KMeans) {
		m.nInit = n
	}
}

// New creates a KMeans with the given options.
func New(opts ...Option) *KMeans {
	m := &KMeans{
		k:       5,
		seed:    42,
		maxIter: 300,
		nInit:   10,
		tol:     1e-4,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// K returns the effective number of clusters. Before Fit it is the configured k.
func (m *KMeans) K() int {
	if m.centroids != nil {
		return len(m.centroids)
	}
	return m.k
}

// Fit clusters data. When there are fewer points than clusters, k shrinks to
// the number of points so every point still gets a label in [0, k).
func (m *KMeans) Fit(data [][]float64) error {
	if len(data) == 0 {
		return ErrEmptyData
	}
	if m.k <= 0 {
		return fmt.Errorf("clusters must be positive, got %d", m.k)
	}
	dim := len(data[0])
	for i, p := range data {
		if len(p) != dim {
			return fmt.Errorf("point %d has %d dimensions, expected %d", i, len(p), dim)
		}
	}

	k := m.k
	if k > len(data) {
		k = len(data)
	}
	nInit := m.nInit
	if nInit <= 0 {
		nInit = 1
	}
	maxIter := m.maxIter
	if maxIter <= 0 {
		maxIter = 300
	}

	// Tolerance is relative to the mean per-dimension variance.
	tol := m.tol * meanVariance(data)

	rng := rand.New(rand.NewSource(m.seed))
	best := math.Inf(1)
	for run := 0; run < nInit; run++ {
		centroids := seedPlusPlus(rng, data, k)
		labels, inertia, iters := lloyd(data, centroids, maxIter, tol)
		if inertia < best {
			best = inertia
			m.centroids = centroids
			m.labels = labels
			m.inertia = inertia
			m.iters = iters
		}
	}

	return nil
}

// seedPlusPlus picks k initial centroids, each new one sampled with
// probability proportional to its squared distance from the chosen ones.
func seedPlusPlus(rng *rand.Rand, data [][]float64, k int) [][]float64 {
	centroids := make([][]float64, 0, k)
	centroids = append(centroids, clone(data[rng.Intn(len(data))]))

	dist := make([]float64, len(data))
	for i, p := range data {
		dist[i] = sqDist(p, centroids[0])
	}

	for len(centroids) < k {
		total := floats.Sum(dist)
		idx := 0
		if total > 0 {
			target := rng.Float64() * total
			for idx = 0; idx < len(dist)-1; idx++ {
				target -= dist[idx]
				if target < 0 {
					break
				}
			}
		} else {
			// Every point coincides with a centroid.
			idx = rng.Intn(len(data))
		}

		c := clone(data[idx])
		centroids = append(centroids, c)
		for i, p := range data {
			if d := sqDist(p, c); d < dist[i] {
				dist[i] = d
			}
		}
	}
	return centroids
}

// lloyd refines centroids in place and returns the final assignment.
func lloyd(data, centroids [][]float64, maxIter int, tol float64) ([]int, float64, int) {
	dim := len(data[0])
	labels := make([]int, len(data))
	sums := make([][]float64, len(centroids))
	for j := range sums {
		sums[j] = make([]float64, dim)
	}
	counts := make([]int, len(centroids))

	iter := 0
	for iter < maxIter {
		iter++
		for i, p := range data {
			labels[i], _ = nearest(p, centroids)
		}

		for j := range sums {
			for d := range sums[j] {
				sums[j][d] = 0
			}
			counts[j] = 0
		}
		for i, p := range data {
			floats.Add(sums[labels[i]], p)
			counts[labels[i]]++
		}

		var shift float64
		for j, c := range centroids {
			// An empty cluster keeps its previous centroid.
			if counts[j] == 0 {
				continue
			}
			floats.Scale(1/float64(counts[j]), sums[j])
			shift += sqDist(c, sums[j])
			copy(c, sums[j])
		}
		if shift <= tol {
			break
		}
	}

	var inertia float64
	for i, p := range data {
		var d float64
		labels[i], d = nearest(p, centroids)
		inertia += d
	}
	return labels, inertia, iter
}

func nearest(p []float64, centroids [][]float64) (int, float64) {
	best, bestDist := 0, math.Inf(1)
	for j, c := range centroids {
		if d := sqDist(p, c); d < bestDist {
			best, bestDist = j, d
		}
	}
	return best, bestDist
}

func sqDist(a, b []float64) float64 {
	d := floats.Distance(a, b, 2)
	return d * d
}

func clone(p []float64) []float64 {
	out := make([]float64, len(p))
	copy(out, p)
	return out
}

func meanVariance(data [][]float64) float64 {
	dim := len(data[0])
	if dim == 0 {
		return 0
	}
	mean := make([]float64, dim)
	for _, p := range data {
		floats.Add(mean, p)
	}
	floats.Scale(1/float64(len(data)), mean)

	var total float64
	for _, p := range data {
		total += sqDist(p, mean)
	}
	return total / float64(len(data)*dim)
}

// Labels returns the cluster of each fitted point, in input order.
func (m *KMeans) Labels() []int {
	return m.labels
}

// Centroids returns the fitted centroids.
func (m *KMeans) Centroids() [][]float64 {
	return m.centroids
}

// Inertia returns the sum of squared distances to the nearest centroid.
func (m *KMeans) Inertia() float64 {
	return m.inertia
}

// Iterations returns the Lloyd iterations of the winning restart.
func (m *KMeans) Iterations() int {
	return m.iters
}

// Predict assigns each point to its nearest centroid.
func (m *KMeans) Predict(data [][]float64) ([]int, error) {
	if m.centroids == nil {
		return nil, ErrNotFitted
	}
	dim := len(m.centroids[0])
	labels := make([]int, len(data))
	for i, p := range data {
		if len(p) != dim {
			return nil, fmt.Errorf("point %d has %d dimensions, model expects %d", i, len(p), dim)
		}
		labels[i], _ = nearest(p, m.centroids)
	}
	return labels, nil
}

type snapshot struct {
	K         int
	Seed      int64
	MaxIter   int
	NInit     int
	Centroids [][]float64
	Inertia   float64
}

// Save serializes the fitted centroids.
func (m *KMeans) Save() ([]byte, error) {
	if m.centroids == nil {
		return nil, ErrNotFitted
	}
	var buf bytes.Buffer
	err := gob.NewEncoder(&buf).Encode(snapshot{
		K:         m.k,
		Seed:      m.seed,
		MaxIter:   m.maxIter,
		NInit:     m.nInit,
		Centroids: m.centroids,
		Inertia:   m.inertia,
	})
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Load restores a model written by Save. Training labels are not persisted.
func (m *KMeans) Load(data []byte) error {
	var s snapshot
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&s); err != nil {
		return err
	}
	if len(s.Centroids) == 0 {
		return errors.New("model contains no centroids")
	}
	m.k = s.K
	m.seed = s.Seed
	m.maxIter = s.MaxIter
	m.nInit = s.NInit
	m.centroids = s.Centroids
	m.inertia = s.Inertia
	m.labels = nil
	return nil
}

// SaveFile writes the model to path atomically.
func (m *KMeans) SaveFile(path string) error {
	data, err := m.Save()
	if err != nil {
		return err
	}
	return tableio.WriteFileAtomic(path, data)
}

// LoadFile reads a model written by SaveFile.
func LoadFile(path string) (*KMeans, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	m := New()
	if err := m.Load(data); err != nil {
		return nil, err
	}
	return m, nil
}
