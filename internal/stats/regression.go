package stats

import (
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"

	"healthsignals/internal/faults"
)

// RSS fits y on the given regressor rows plus an intercept by least squares
// and returns the residual sum of squares.
func RSS(rows [][]float64, y []float64) (float64, error) {
	n := len(y)
	if n == 0 || len(rows) != n {
		return 0, faults.Degenerate("ols", "row count mismatch")
	}
	k := len(rows[0]) + 1
	if n <= k {
		return 0, faults.InsufficientData("ols", n, k+1)
	}

	data := make([]float64, 0, n*k)
	for _, row := range rows {
		data = append(data, 1)
		data = append(data, row...)
	}
	X := mat.NewDense(n, k, data)
	Y := mat.NewVecDense(n, append([]float64(nil), y...))

	var beta mat.VecDense
	if err := beta.SolveVec(X, Y); err != nil {
		return 0, faults.Degenerate("ols", err.Error())
	}

	var fitted mat.VecDense
	fitted.MulVec(X, &beta)
	rss := 0.0
	for i := 0; i < n; i++ {
		d := y[i] - fitted.AtVec(i)
		rss += d * d
	}
	if math.IsNaN(rss) || math.IsInf(rss, 0) {
		return 0, faults.Degenerate("ols", "non-finite residuals")
	}
	return rss, nil
}

// NestedFTest compares a restricted model (rssR) against an unrestricted one
// (rssU) adding q regressors, with dfU residual degrees of freedom. It
// returns the F statistic and its upper-tail p-value.
func NestedFTest(rssR, rssU float64, q, dfU int) (float64, float64, error) {
	if q <= 0 || dfU <= 0 {
		return 0, 0, faults.Degenerate("f-test", "non-positive degrees of freedom")
	}
	if rssU <= 0 {
		if rssR <= 0 {
			return 0, 0, faults.Degenerate("f-test", "perfect fit in both models")
		}
		return math.Inf(1), 0, nil
	}
	f := ((rssR - rssU) / float64(q)) / (rssU / float64(dfU))
	if f < 0 {
		f = 0
	}
	dist := distuv.F{D1: float64(q), D2: float64(dfU)}
	return f, clampP(1 - dist.CDF(f)), nil
}
