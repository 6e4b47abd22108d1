package timeseries

import "time"

var rollingMetrics = []string{"sleep_hours", "total_calories", "resting_hr", "exercise_minutes"}

const rollingDays = 7

// Derive returns a copy of set extended with computed daily features:
// protein_ratio, bp_mean, weight_change_7d and, for a handful of metrics,
// <metric>_7d_avg and <metric>_deviation.
func Derive(set Set) Set {
	out := make(Set, len(set)+8)
	for k, v := range set {
		out[k] = v
	}

	if protein, ok := set["total_protein_g"]; ok {
		if calories, ok := set["total_calories"]; ok {
			out.put("protein_ratio", combine(protein, calories, func(p, c float64) (float64, bool) {
				if c == 0 {
					return 0, false
				}
				return p * 4 / c, true
			}))
		}
	}

	if sys, ok := set["bp_systolic"]; ok {
		if dia, ok := set["bp_diastolic"]; ok {
			out.put("bp_mean", combine(sys, dia, func(s, d float64) (float64, bool) {
				return (s + 2*d) / 3, true
			}))
		}
	}

	if weight, ok := set["weight_kg"]; ok {
		out.put("weight_change_7d", weightChange(weight))
	}

	for _, metric := range rollingMetrics {
		s, ok := set[metric]
		if !ok || s.Len() == 0 {
			continue
		}
		avg, dev := rolling(s)
		out.put(metric+"_7d_avg", avg)
		out.put(metric+"_deviation", dev)
	}
	return out
}

func (set Set) put(name string, points []Point) {
	if len(points) == 0 {
		return
	}
	s := New(name, points)
	s.SourceTable = TableDerived
	set[name] = s
}

func combine(a, b Series, fn func(x, y float64) (float64, bool)) []Point {
	bIdx := b.Lookup()
	out := make([]Point, 0, len(a.Points))
	for _, p := range a.Points {
		y, ok := bIdx[p.Date]
		if !ok {
			continue
		}
		if v, ok := fn(p.Value, y); ok {
			out = append(out, Point{Date: p.Date, Value: v})
		}
	}
	return out
}

func weightChange(s Series) []Point {
	idx := s.Lookup()
	out := make([]Point, 0, len(s.Points))
	for _, p := range s.Points {
		prev, ok := idx[p.Date.Add(-rollingDays*day)]
		if !ok {
			continue
		}
		out = append(out, Point{Date: p.Date, Value: p.Value - prev})
	}
	return out
}

// rolling computes the mean over the calendar window [d-6, d] with at least
// the current value present.
func rolling(s Series) ([]Point, []Point) {
	avg := make([]Point, 0, len(s.Points))
	dev := make([]Point, 0, len(s.Points))
	for i, p := range s.Points {
		windowStart := p.Date.Add(-(rollingDays - 1) * day)
		sum, n := 0.0, 0
		for j := i; j >= 0 && !s.Points[j].Date.Before(windowStart); j-- {
			sum += s.Points[j].Value
			n++
		}
		mean := sum / float64(n)
		avg = append(avg, Point{Date: p.Date, Value: mean})
		dev = append(dev, Point{Date: p.Date, Value: p.Value - mean})
	}
	return avg, dev
}

// Daily builds a series from consecutive daily values starting at start;
// NaN entries become gaps.
func Daily(metric string, start time.Time, values []float64) Series {
	points := make([]Point, 0, len(values))
	for i, v := range values {
		points = append(points, Point{Date: start.Add(time.Duration(i) * day), Value: v})
	}
	s := New(metric, points)
	s.SourceTable = SourceTableFor(metric)
	return s
}
