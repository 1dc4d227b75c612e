package pipeline

import (
	"fmt"
	"math/rand"
	"sort"
	"strconv"
	"strings"

	tableio "github.com/hed1ad/anomalynarrator/pkg/io"
	csvio "github.com/hed1ad/anomalynarrator/pkg/io/csv"
)

// ClusterSample is a random selection of explanations from one cluster.
type ClusterSample struct {
	Label        int
	Size         int
	Explanations []string
}

// InspectFile reads the clustered table at path and samples it.
func InspectFile(path string, perCluster int, seed int64) ([]ClusterSample, error) {
	t, _, err := csvio.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("inspect: %w", err)
	}
	return Inspect(t, perCluster, seed)
}

// Inspect draws up to perCluster explanations from every labelled cluster,
// in ascending label order. Rows with a blank label or explanation are ignored.
func Inspect(t *tableio.Table, perCluster int, seed int64) ([]ClusterSample, error) {
	if err := t.Require(ColClusterLabel, ColExplanation); err != nil {
		return nil, err
	}

	labels, _ := t.Column(ColClusterLabel)
	texts, _ := t.Column(ColExplanation)

	groups := make(map[int][]string)
	for i, v := range labels {
		v = strings.TrimSpace(v)
		if v == "" || strings.TrimSpace(texts[i]) == "" {
			continue
		}
		// Labels may have been written as floats by other tools.
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("row %d: invalid cluster label %q", i, v)
		}
		groups[int(f)] = append(groups[int(f)], texts[i])
	}

	keys := make([]int, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Ints(keys)

	rng := rand.New(rand.NewSource(seed))
	out := make([]ClusterSample, 0, len(keys))
	for _, k := range keys {
		members := groups[k]
		n := perCluster
		if n <= 0 || n > len(members) {
			n = len(members)
		}
		sample := make([]string, n)
		for j, idx := range rng.Perm(len(members))[:n] {
			sample[j] = members[idx]
		}
		out = append(out, ClusterSample{Label: k, Size: len(members), Explanations: sample})
	}
	return out, nil
}
