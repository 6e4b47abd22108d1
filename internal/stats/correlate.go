package stats

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"

	"healthsignals/internal/faults"
)

// Pearson returns the correlation coefficient and its two-sided t-test p-value.
func Pearson(x, y []float64) (r, p float64, err error) {
	n := len(x)
	if n != len(y) {
		return 0, 0, faults.Degenerate("pearson", "length mismatch")
	}
	if n < 3 {
		return 0, 0, faults.InsufficientData("pearson", n, 3)
	}
	if constant(x) || constant(y) {
		return 0, 0, faults.Degenerate("pearson", "zero variance")
	}
	r = stat.Correlation(x, y, nil)
	if math.IsNaN(r) {
		return 0, 0, faults.Degenerate("pearson", "undefined correlation")
	}
	r = math.Max(-1, math.Min(1, r))
	return r, CorrelationPValue(r, n), nil
}

// CorrelationPValue tests r against zero with a t distribution on n-2 dof.
func CorrelationPValue(r float64, n int) float64 {
	df := float64(n - 2)
	if df <= 0 {
		return 1
	}
	if math.Abs(r) >= 1 {
		return 0
	}
	t := math.Abs(r) * math.Sqrt(df/(1-r*r))
	dist := distuv.StudentsT{Mu: 0, Sigma: 1, Nu: df}
	return clampP(2 * (1 - dist.CDF(t)))
}

// Spearman is Pearson on average ranks.
func Spearman(x, y []float64) (rho, p float64, err error) {
	if len(x) != len(y) {
		return 0, 0, faults.Degenerate("spearman", "length mismatch")
	}
	return Pearson(Ranks(x), Ranks(y))
}

// Ranks assigns 1-based ranks, averaging ties.
func Ranks(xs []float64) []float64 {
	idx := make([]int, len(xs))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return xs[idx[a]] < xs[idx[b]] })
	ranks := make([]float64, len(xs))
	for i := 0; i < len(idx); {
		j := i
		for j+1 < len(idx) && xs[idx[j+1]] == xs[idx[i]] {
			j++
		}
		avg := float64(i+j)/2 + 1
		for k := i; k <= j; k++ {
			ranks[idx[k]] = avg
		}
		i = j + 1
	}
	return ranks
}

func constant(xs []float64) bool {
	for _, x := range xs[1:] {
		if x != xs[0] {
			return false
		}
	}
	return true
}

func clampP(p float64) float64 {
	if math.IsNaN(p) || p < 0 {
		return 0
	}
	if p > 1 {
		return 1
	}
	return p
}
