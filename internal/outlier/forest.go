package outlier

import (
	"math"
	"math/rand"
)

// eulerGamma is used in the harmonic number approximation.
const eulerGamma = 0.5772156649015329

type node struct {
	feature     int
	split       float64
	left, right *node
	size        int
}

func (n *node) leaf() bool {
	return n.left == nil
}

// forest is a fitted set of isolation trees.
type forest struct {
	trees  []*node
	sample int
}

// fit grows trees on subsamples of x drawn without replacement.
func fit(x [][]float64, trees, sample int, rng *rand.Rand) *forest {
	n := len(x)
	if sample > n {
		sample = n
	}
	maxDepth := int(math.Ceil(math.Log2(math.Max(float64(sample), 2))))

	f := &forest{trees: make([]*node, trees), sample: sample}
	for t := 0; t < trees; t++ {
		idx := rng.Perm(n)[:sample]
		f.trees[t] = grow(x, idx, 0, maxDepth, rng)
	}
	return f
}

func grow(x [][]float64, idx []int, depth, maxDepth int, rng *rand.Rand) *node {
	if depth >= maxDepth || len(idx) <= 1 {
		return &node{size: len(idx)}
	}

	// Only features that vary within the node can split it.
	dims := len(x[idx[0]])
	var candidates []int
	lo := make([]float64, dims)
	hi := make([]float64, dims)
	for d := 0; d < dims; d++ {
		lo[d], hi[d] = math.Inf(1), math.Inf(-1)
		for _, i := range idx {
			v := x[i][d]
			if v < lo[d] {
				lo[d] = v
			}
			if v > hi[d] {
				hi[d] = v
			}
		}
		if hi[d] > lo[d] {
			candidates = append(candidates, d)
		}
	}
	if len(candidates) == 0 {
		return &node{size: len(idx)}
	}

	feature := candidates[rng.Intn(len(candidates))]
	split := lo[feature] + rng.Float64()*(hi[feature]-lo[feature])
	if split <= lo[feature] {
		split = (lo[feature] + hi[feature]) / 2
	}

	var left, right []int
	for _, i := range idx {
		if x[i][feature] < split {
			left = append(left, i)
		} else {
			right = append(right, i)
		}
	}

	return &node{
		feature: feature,
		split:   split,
		size:    len(idx),
		left:    grow(x, left, depth+1, maxDepth, rng),
		right:   grow(x, right, depth+1, maxDepth, rng),
	}
}

// pathLength is the depth at which row is isolated, corrected for the
// unresolved subtree size at the leaf.
func pathLength(n *node, row []float64) float64 {
	depth := 0.0
	for !n.leaf() {
		if row[n.feature] < n.split {
			n = n.left
		} else {
			n = n.right
		}
		depth++
	}
	return depth + averagePath(n.size)
}

// score returns the anomaly score in (-1, 0]; lower is more anomalous.
func (f *forest) score(row []float64) float64 {
	var sum float64
	for _, t := range f.trees {
		sum += pathLength(t, row)
	}
	mean := sum / float64(len(f.trees))
	return -math.Pow(2, -mean/averagePath(f.sample))
}

// averagePath is the mean path length of an unsuccessful search in a
// binary search tree of n nodes.
func averagePath(n int) float64 {
	switch {
	case n <= 1:
		return 0
	case n == 2:
		return 1
	}
	fn := float64(n)
	return 2*(math.Log(fn-1)+eulerGamma) - 2*(fn-1)/fn
}
