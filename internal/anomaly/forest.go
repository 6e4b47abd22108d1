package anomaly

import (
	"math"
	"math/rand"

	"healthsignals/internal/stats"
)

const eulerGamma = 0.5772156649

// isoNode is one node of an isolation tree; leaves have nil children.
type isoNode struct {
	feature int
	split   float64
	size    int
	depth   int
	left    *isoNode
	right   *isoNode
}

// forest is an ensemble of isolation trees built from a private RNG, so a
// given seed reproduces the same trees regardless of caller concurrency.
type forest struct {
	trees []*isoNode
	psi   int
}

func growForest(rows [][]float64, trees, sampleSize int, seed int64) *forest {
	rng := rand.New(rand.NewSource(seed))
	psi := sampleSize
	if psi <= 0 || psi > len(rows) {
		psi = len(rows)
	}
	maxDepth := int(math.Ceil(math.Log2(float64(max(psi, 2)))))
	features := len(rows[0])

	f := &forest{trees: make([]*isoNode, 0, trees), psi: psi}
	for t := 0; t < trees; t++ {
		sample := make([][]float64, psi)
		for i, idx := range rng.Perm(len(rows))[:psi] {
			sample[i] = rows[idx]
		}
		f.trees = append(f.trees, buildTree(rng, sample, features, 0, maxDepth))
	}
	return f
}

func buildTree(rng *rand.Rand, data [][]float64, features, depth, maxDepth int) *isoNode {
	node := &isoNode{size: len(data), depth: depth}
	if len(data) <= 1 || depth >= maxDepth {
		return node
	}

	// pick a random feature that still varies inside this partition
	order := rng.Perm(features)
	feature, lo, hi := -1, 0.0, 0.0
	for _, f := range order {
		lo, hi = data[0][f], data[0][f]
		for _, row := range data[1:] {
			lo = math.Min(lo, row[f])
			hi = math.Max(hi, row[f])
		}
		if hi > lo {
			feature = f
			break
		}
	}
	if feature < 0 {
		return node
	}

	node.feature = feature
	node.split = lo + rng.Float64()*(hi-lo)
	left := make([][]float64, 0, len(data)/2)
	right := make([][]float64, 0, len(data)/2)
	for _, row := range data {
		if row[feature] < node.split {
			left = append(left, row)
		} else {
			right = append(right, row)
		}
	}
	node.left = buildTree(rng, left, features, depth+1, maxDepth)
	node.right = buildTree(rng, right, features, depth+1, maxDepth)
	return node
}

// averagePathLength is c(n), the mean path length of an unsuccessful BST
// search over n points.
func averagePathLength(n int) float64 {
	switch {
	case n <= 1:
		return 0
	case n == 2:
		return 1
	}
	fn := float64(n)
	return 2*(math.Log(fn-1)+eulerGamma) - 2*(fn-1)/fn
}

func pathLength(node *isoNode, x []float64) float64 {
	for node.left != nil {
		if x[node.feature] < node.split {
			node = node.left
		} else {
			node = node.right
		}
	}
	return float64(node.depth) + averagePathLength(node.size)
}

// score returns 2^(-E[h]/c(psi)) and the mean path length E[h].
func (f *forest) score(x []float64) (float64, float64) {
	total := 0.0
	for _, tree := range f.trees {
		total += pathLength(tree, x)
	}
	mean := total / float64(len(f.trees))
	c := averagePathLength(f.psi)
	if c <= 0 {
		return 0.5, mean
	}
	return math.Pow(2, -mean/c), mean
}

// robustScale centers each column on its median and divides by 1.4826*MAD.
// NaN cells are filled with the column median first.
func robustScale(rows [][]float64) ([][]float64, []float64, []float64) {
	if len(rows) == 0 {
		return nil, nil, nil
	}
	cols := len(rows[0])
	medians := make([]float64, cols)
	scales := make([]float64, cols)
	for c := 0; c < cols; c++ {
		col := make([]float64, 0, len(rows))
		for _, row := range rows {
			if !math.IsNaN(row[c]) {
				col = append(col, row[c])
			}
		}
		if len(col) == 0 {
			medians[c], scales[c] = 0, 1
			continue
		}
		medians[c] = stats.Median(col)
		dev := make([]float64, len(col))
		for i, v := range col {
			dev[i] = math.Abs(v - medians[c])
		}
		scales[c] = 1.4826 * stats.Median(dev)
		if scales[c] < 1e-10 {
			scales[c] = 1e-10
		}
	}

	out := make([][]float64, len(rows))
	for i, row := range rows {
		scaled := make([]float64, cols)
		for c, v := range row {
			if math.IsNaN(v) {
				v = medians[c]
			}
			scaled[c] = (v - medians[c]) / scales[c]
		}
		out[i] = scaled
	}
	return out, medians, scales
}
