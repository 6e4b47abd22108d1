package stats

import (
	"math"

	"gonum.org/v1/gonum/mathext"
	"gonum.org/v1/gonum/stat"

	"healthsignals/internal/faults"
)

// HistogramBins picks the per-axis bin count for n paired samples.
func HistogramBins(n int) int {
	bins := int(math.Ceil(math.Sqrt(float64(n) / 5)))
	if bins < 3 {
		bins = 3
	}
	if bins > 10 {
		bins = 10
	}
	return bins
}

// MutualInfoHistogram estimates mutual information in nats by equal-width
// binning, with the Miller-Madow bias correction. Result is never negative.
func MutualInfoHistogram(x, y []float64, bins int) (float64, error) {
	n := len(x)
	if n != len(y) || n == 0 {
		return 0, faults.Degenerate("mutual_information", "length mismatch")
	}
	if bins < 2 {
		bins = HistogramBins(n)
	}
	bx, err := binIndex(x, bins)
	if err != nil {
		return 0, err
	}
	by, err := binIndex(y, bins)
	if err != nil {
		return 0, err
	}

	joint := make([]float64, bins*bins)
	px := make([]float64, bins)
	py := make([]float64, bins)
	for i := 0; i < n; i++ {
		joint[bx[i]*bins+by[i]]++
		px[bx[i]]++
		py[by[i]]++
	}
	usedX, usedY := normalize(px, n), normalize(py, n)
	usedJ := normalize(joint, n)

	mi := stat.Entropy(px) + stat.Entropy(py) - stat.Entropy(joint)
	correction := float64(usedX+usedY-usedJ-1) / float64(2*n)
	mi += correction
	if mi < 0 || math.IsNaN(mi) {
		mi = 0
	}
	return mi, nil
}

func binIndex(xs []float64, bins int) ([]int, error) {
	lo, hi := xs[0], xs[0]
	for _, x := range xs {
		lo = math.Min(lo, x)
		hi = math.Max(hi, x)
	}
	if hi == lo {
		return nil, faults.Degenerate("mutual_information", "zero variance")
	}
	width := (hi - lo) / float64(bins)
	out := make([]int, len(xs))
	for i, x := range xs {
		b := int((x - lo) / width)
		if b >= bins {
			b = bins - 1
		}
		out[i] = b
	}
	return out, nil
}

// normalize turns counts into probabilities and returns the number of
// non-empty cells.
func normalize(counts []float64, n int) int {
	used := 0
	for i, c := range counts {
		if c > 0 {
			used++
		}
		counts[i] = c / float64(n)
	}
	return used
}

// MutualInfoKSG is the Kraskov-Stögbauer-Grassberger k-nearest-neighbour
// estimator (algorithm 1) on standardized inputs, in nats.
func MutualInfoKSG(x, y []float64, k int) (float64, error) {
	n := len(x)
	if n != len(y) {
		return 0, faults.Degenerate("mutual_information", "length mismatch")
	}
	if k < 1 {
		k = 3
	}
	if n <= k+1 {
		return 0, faults.InsufficientData("mutual_information", n, k+2)
	}
	xs, err := Standardize(x)
	if err != nil {
		return 0, err
	}
	ys, err := Standardize(y)
	if err != nil {
		return 0, err
	}

	dist := make([]float64, 0, n-1)
	var sum float64
	for i := 0; i < n; i++ {
		dist = dist[:0]
		for j := 0; j < n; j++ {
			if j == i {
				continue
			}
			dist = append(dist, math.Max(math.Abs(xs[i]-xs[j]), math.Abs(ys[i]-ys[j])))
		}
		eps := Sorted(dist)[k-1]
		nx, ny := 0, 0
		for j := 0; j < n; j++ {
			if j == i {
				continue
			}
			if math.Abs(xs[i]-xs[j]) < eps {
				nx++
			}
			if math.Abs(ys[i]-ys[j]) < eps {
				ny++
			}
		}
		sum += mathext.Digamma(float64(nx+1)) + mathext.Digamma(float64(ny+1))
	}
	mi := mathext.Digamma(float64(k)) + mathext.Digamma(float64(n)) - sum/float64(n)
	if mi < 0 || math.IsNaN(mi) {
		mi = 0
	}
	return mi, nil
}

// InformationCoefficient maps mutual information in nats onto [0,1) via
// sqrt(1-exp(-2*mi)); for jointly normal data it equals |r|.
func InformationCoefficient(mi float64) float64 {
	if mi <= 0 {
		return 0
	}
	return math.Sqrt(1 - math.Exp(-2*mi))
}
