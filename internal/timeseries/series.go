// Package timeseries holds per-user daily metric series and the alignment
// helpers shared by the anomaly and correlation detectors.
package timeseries

import (
	"math"
	"sort"
	"time"
)

const day = 24 * time.Hour

// Point is one daily observation.
type Point struct {
	Date     time.Time
	Value    float64
	SourceID string
}

// Series is an ordered daily series for one metric. Missing days are simply
// absent; they are never zero-filled.
type Series struct {
	Metric      string
	SourceTable string
	Points      []Point
}

// Set maps metric name to its series for one user and window.
type Set map[string]Series

// New normalises points to UTC calendar days, drops non-finite values,
// keeps the last value for duplicate days and sorts by date.
func New(metric string, points []Point) Series {
	byDay := make(map[time.Time]Point, len(points))
	for _, p := range points {
		if math.IsNaN(p.Value) || math.IsInf(p.Value, 0) {
			continue
		}
		p.Date = Day(p.Date)
		byDay[p.Date] = p
	}
	out := make([]Point, 0, len(byDay))
	for _, p := range byDay {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return Series{Metric: metric, Points: out}
}

// Day truncates t to its UTC calendar date.
func Day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Len returns the number of observed days.
func (s Series) Len() int { return len(s.Points) }

// Values extracts the observed values in date order.
func (s Series) Values() []float64 {
	values := make([]float64, len(s.Points))
	for i, p := range s.Points {
		values[i] = p.Value
	}
	return values
}

// Dates extracts the observed dates in order.
func (s Series) Dates() []time.Time {
	dates := make([]time.Time, len(s.Points))
	for i, p := range s.Points {
		dates[i] = p.Date
	}
	return dates
}

// Lookup indexes values by date.
func (s Series) Lookup() map[time.Time]float64 {
	idx := make(map[time.Time]float64, len(s.Points))
	for _, p := range s.Points {
		idx[p.Date] = p.Value
	}
	return idx
}

// Window keeps points with from <= date < to.
func (s Series) Window(from, to time.Time) Series {
	from, to = Day(from), Day(to)
	out := Series{Metric: s.Metric, SourceTable: s.SourceTable}
	for _, p := range s.Points {
		if !p.Date.Before(from) && p.Date.Before(to) {
			out.Points = append(out.Points, p)
		}
	}
	return out
}

// Span returns the first and last observed date across the set.
func (set Set) Span() (time.Time, time.Time, bool) {
	var first, last time.Time
	found := false
	for _, s := range set {
		if s.Len() == 0 {
			continue
		}
		f, l := s.Points[0].Date, s.Points[len(s.Points)-1].Date
		if !found || f.Before(first) {
			first = f
		}
		if !found || l.After(last) {
			last = l
		}
		found = true
	}
	return first, last, found
}

// Metrics returns metric names in sorted order.
func (set Set) Metrics() []string {
	names := make([]string, 0, len(set))
	for name := range set {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Align pairs a at day d with b at day d+lag, dropping days where either is
// missing. Positive lag means b trails a.
func Align(a, b Series, lag int) ([]float64, []float64) {
	bIdx := b.Lookup()
	xs := make([]float64, 0, len(a.Points))
	ys := make([]float64, 0, len(a.Points))
	shift := time.Duration(lag) * day
	for _, p := range a.Points {
		v, ok := bIdx[p.Date.Add(shift)]
		if !ok {
			continue
		}
		xs = append(xs, p.Value)
		ys = append(ys, v)
	}
	return xs, ys
}

// Grid lays the series out on a contiguous daily grid from first to last
// (inclusive); missing days are NaN.
func Grid(first, last time.Time, s Series) []float64 {
	first, last = Day(first), Day(last)
	n := int(last.Sub(first)/day) + 1
	if n <= 0 {
		return nil
	}
	grid := make([]float64, n)
	for i := range grid {
		grid[i] = math.NaN()
	}
	for _, p := range s.Points {
		i := int(p.Date.Sub(first) / day)
		if i >= 0 && i < n {
			grid[i] = p.Value
		}
	}
	return grid
}

// Trailing returns the mean and sample stddev of the up-to-window finite
// values strictly before index i. ok is false with fewer than two values.
func Trailing(grid []float64, i, window int) (mean, std float64, ok bool) {
	start := i - window
	if start < 0 {
		start = 0
	}
	var sum, sumSq float64
	n := 0
	for j := start; j < i; j++ {
		v := grid[j]
		if math.IsNaN(v) {
			continue
		}
		sum += v
		sumSq += v * v
		n++
	}
	if n < 2 {
		if n == 1 {
			return sum, 0, false
		}
		return 0, 0, false
	}
	mean = sum / float64(n)
	variance := (sumSq - float64(n)*mean*mean) / float64(n-1)
	if variance < 0 {
		variance = 0
	}
	return mean, math.Sqrt(variance), true
}
