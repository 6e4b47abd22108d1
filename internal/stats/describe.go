// Package stats collects the numeric kernels used by the detectors. Functions
// report undefined statistics as faults.ErrNumericDegeneracy instead of
// returning NaN.
package stats

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"healthsignals/internal/faults"
)

// IQRToSigma scales an interquartile range to a normal-equivalent stddev.
const IQRToSigma = 1.349

// Finite drops NaN and infinite values.
func Finite(xs []float64) []float64 {
	out := make([]float64, 0, len(xs))
	for _, x := range xs {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			continue
		}
		out = append(out, x)
	}
	return out
}

// Sorted returns a sorted copy.
func Sorted(xs []float64) []float64 {
	out := append([]float64(nil), xs...)
	sort.Float64s(out)
	return out
}

// Quantile returns the p-quantile (0..1) of sorted data using linear
// interpolation between closest ranks.
func Quantile(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return math.NaN()
	}
	if n == 1 || p <= 0 {
		return sorted[0]
	}
	if p >= 1 {
		return sorted[n-1]
	}
	index := p * float64(n-1)
	lower := int(index)
	if lower+1 >= n {
		return sorted[n-1]
	}
	weight := index - float64(lower)
	return sorted[lower]*(1-weight) + sorted[lower+1]*weight
}

// Median of unsorted data.
func Median(xs []float64) float64 {
	return Quantile(Sorted(xs), 0.5)
}

// IQR returns Q1, Q3 and Q3-Q1 of unsorted data.
func IQR(xs []float64) (q1, q3, iqr float64) {
	sorted := Sorted(xs)
	q1 = Quantile(sorted, 0.25)
	q3 = Quantile(sorted, 0.75)
	return q1, q3, q3 - q1
}

// MeanStd returns the mean and unbiased standard deviation.
func MeanStd(xs []float64) (float64, float64) {
	if len(xs) < 2 {
		if len(xs) == 1 {
			return xs[0], 0
		}
		return math.NaN(), math.NaN()
	}
	return stat.MeanStdDev(xs, nil)
}

// WeightedMeanStd returns the weighted mean and the weighted population
// standard deviation. Rounding never turns a constant series into a NaN
// spread.
func WeightedMeanStd(xs, weights []float64) (float64, float64) {
	mean, variance := stat.PopMeanVariance(xs, weights)
	if variance < 0 {
		variance = 0
	}
	return mean, math.Sqrt(variance)
}

// MAD is the median absolute deviation around the median.
func MAD(xs []float64) float64 {
	med := Median(xs)
	dev := make([]float64, len(xs))
	for i, x := range xs {
		dev[i] = math.Abs(x - med)
	}
	return Median(dev)
}

// Autocorr1 is the lag-1 autocorrelation of consecutive values.
func Autocorr1(xs []float64) (float64, error) {
	if len(xs) < 3 {
		return 0, faults.InsufficientData("autocorrelation", len(xs), 3)
	}
	r, _, err := Pearson(xs[:len(xs)-1], xs[1:])
	return r, err
}

// Diff returns first differences.
func Diff(xs []float64) []float64 {
	if len(xs) < 2 {
		return nil
	}
	out := make([]float64, len(xs)-1)
	for i := 1; i < len(xs); i++ {
		out[i-1] = xs[i] - xs[i-1]
	}
	return out
}

// Standardize rescales to zero mean and unit variance.
func Standardize(xs []float64) ([]float64, error) {
	mean, std := MeanStd(xs)
	if !(std > 0) {
		return nil, faults.Degenerate("standardize", "zero variance")
	}
	out := make([]float64, len(xs))
	for i, x := range xs {
		out[i] = (x - mean) / std
	}
	return out, nil
}
