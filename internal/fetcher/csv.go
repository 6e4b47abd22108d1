package fetcher

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"healthsignals/internal/timeseries"
)

// CSV serves series from a file with the header
// user_id,date,metric,value[,source_id]. The file is read once.
type CSV struct {
	rows map[string]map[string][]timeseries.Point
}

// OpenCSV loads path.
func OpenCSV(path string) (*CSV, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadCSV(f)
}

// ReadCSV parses CSV rows from r.
func ReadCSV(r io.Reader) (*CSV, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}
	cols := make(map[string]int, len(header))
	for i, name := range header {
		cols[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, required := range []string{"user_id", "date", "metric", "value"} {
		if _, ok := cols[required]; !ok {
			return nil, fmt.Errorf("csv header missing %q", required)
		}
	}
	sourceCol, hasSource := cols["source_id"]

	out := &CSV{rows: make(map[string]map[string][]timeseries.Point)}
	line := 1
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("read csv line %d: %w", line, err)
		}
		field := func(name string) string {
			i := cols[name]
			if i >= len(record) {
				return ""
			}
			return strings.TrimSpace(record[i])
		}

		date, err := time.Parse(time.DateOnly, field("date"))
		if err != nil {
			return nil, fmt.Errorf("csv line %d: invalid date: %w", line, err)
		}
		value, err := strconv.ParseFloat(field("value"), 64)
		if err != nil {
			return nil, fmt.Errorf("csv line %d: invalid value: %w", line, err)
		}
		p := timeseries.Point{Date: date, Value: value}
		if hasSource && sourceCol < len(record) {
			p.SourceID = strings.TrimSpace(record[sourceCol])
		}

		user, metric := field("user_id"), field("metric")
		if out.rows[user] == nil {
			out.rows[user] = make(map[string][]timeseries.Point)
		}
		out.rows[user][metric] = append(out.rows[user][metric], p)
	}
	return out, nil
}

// Users lists the user ids in the file, sorted.
func (c *CSV) Users() []string {
	users := make([]string, 0, len(c.rows))
	for u := range c.rows {
		users = append(users, u)
	}
	sort.Strings(users)
	return users
}

func (c *CSV) FetchSeries(ctx context.Context, userID string, from, to time.Time) (timeseries.Set, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	metrics, ok := c.rows[userID]
	if !ok {
		return timeseries.Set{}, nil
	}
	set := make(timeseries.Set, len(metrics))
	for metric, points := range metrics {
		s := timeseries.New(metric, points)
		if !to.IsZero() {
			s = s.Window(from, to)
		}
		if s.Len() == 0 {
			continue
		}
		s.SourceTable = timeseries.SourceTableFor(metric)
		set[metric] = s
	}
	return set, nil
}

var _ SeriesFetcher = (*CSV)(nil)
