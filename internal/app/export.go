package app

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"healthsignals/internal/timeseries"
)

// exportRow is one exported day of a metric.
type exportRow struct {
	Day      time.Time
	Value    float64
	SourceID string
	Flagged  bool
	Severity string
	Score    float64
}

// Export renders one metric series of a user, with its anomalies, as CSV
// and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}
	if opts.UserID == "" || opts.Metric == "" {
		return errors.New("--user and --metric are required")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	to := timeseries.Day(time.Now().UTC()).AddDate(0, 0, 1)
	if opts.To != nil {
		to = timeseries.Day(*opts.To)
	}
	from := to.AddDate(0, 0, -a.Config.ResolveDays(0))
	if opts.From != nil {
		from = timeseries.Day(*opts.From)
	}
	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	rt, err := a.assemble(ctx, false)
	if err != nil {
		return err
	}
	defer rt.Close()

	set, err := rt.source.FetchSeries(ctx, opts.UserID, from, to)
	if err != nil {
		return err
	}
	series, ok := timeseries.Derive(set)[opts.Metric]
	if !ok || series.Len() == 0 {
		a.Logger.Info().Str("metric", opts.Metric).Msg("no observations found for export window")
		return nil
	}

	flags, err := a.anomalyFlags(ctx, rt, opts, from, to)
	if err != nil {
		return err
	}

	rows := make([]exportRow, 0, series.Len())
	for _, p := range series.Window(from, to).Points {
		row := exportRow{Day: p.Date, Value: p.Value, SourceID: p.SourceID}
		if f, ok := flags[p.Date]; ok {
			row.Flagged, row.Severity, row.Score = true, f.Severity, f.Score
		}
		rows = append(rows, row)
	}

	downsampled := downsampleRows(rows, opts.MaxPoints)
	a.Logger.Info().Int("total", len(rows)).Int("exported", len(downsampled)).Int("anomalies", len(flags)).Msg("exporting series")

	if opts.CSVPath != "" {
		if err := writeSeriesCSV(opts.CSVPath, opts.Metric, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeSeriesPNG(opts.PNGPath, opts.Metric, downsampled, flags); err != nil {
			return err
		}
	}

	return nil
}

// anomalyFlag is the strongest anomaly of one day.
type anomalyFlag struct {
	Severity string
	Score    float64
	Value    float64
}

// anomalyFlags reads stored anomalies of the metric, or detects them on the
// fly when no database is configured.
func (a *App) anomalyFlags(ctx context.Context, rt *runtime, opts ExportOptions, from, to time.Time) (map[time.Time]anomalyFlag, error) {
	flags := make(map[time.Time]anomalyFlag)
	keep := func(day time.Time, severity string, score, value float64) {
		if cur, ok := flags[day]; !ok || score > cur.Score {
			flags[day] = anomalyFlag{Severity: severity, Score: score, Value: value}
		}
	}

	if reader := rt.reader(); reader != nil {
		records, err := reader.ListAnomaliesBetween(ctx, opts.UserID, from, to)
		if err != nil {
			return nil, err
		}
		for _, rec := range records {
			if rec.Metric == opts.Metric {
				keep(timeseries.Day(rec.Day), rec.Severity, rec.Score.InexactFloat64(), rec.MetricValue.InexactFloat64())
			}
		}
		return flags, nil
	}

	req, err := a.request(RunOptions{UserID: opts.UserID, End: to})
	if err != nil {
		return nil, err
	}
	req.Days = int(to.Sub(from).Hours() / 24)
	req.IncludeExplanation = false
	run, err := rt.svc.Detect(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("detect anomalies for export: %w", err)
	}
	for _, an := range run.Anomalies {
		if an.MetricName == opts.Metric {
			keep(an.OccurredOn, string(an.Severity), an.Score, an.MetricValue)
		}
	}
	return flags, nil
}

func downsampleRows(rows []exportRow, max int) []exportRow {
	if max <= 1 || len(rows) <= max {
		return rows
	}

	result := make([]exportRow, 0, max)
	step := float64(len(rows)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(rows) {
			idx = len(rows) - 1
		}
		result = append(result, rows[idx])
	}
	return result
}

func writeSeriesCSV(path, metric string, rows []exportRow) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"date", "metric", "value", "source_id", "anomaly", "severity", "score"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, row := range rows {
		score := ""
		if row.Flagged {
			score = formatFloat(row.Score, 3)
		}
		record := []string{
			row.Day.Format(time.DateOnly),
			metric,
			strconv.FormatFloat(row.Value, 'f', -1, 64),
			row.SourceID,
			strconv.FormatBool(row.Flagged),
			row.Severity,
			score,
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

func writeSeriesPNG(path, metric string, rows []exportRow, flags map[time.Time]anomalyFlag) error {
	if len(rows) < 2 {
		return errors.New("at least two observations are needed to render a chart")
	}
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(rows))
	values := make([]float64, len(rows))
	for i, row := range rows {
		x[i] = row.Day
		values[i] = row.Value
	}

	series := []chart.Series{
		chart.TimeSeries{
			Name:    metric,
			XValues: x,
			YValues: values,
		},
	}

	// markers use every anomaly, not only the days that survived downsampling
	first, last := rows[0].Day, rows[len(rows)-1].Day
	var ax []time.Time
	var ay []float64
	for day, f := range flags {
		if day.Before(first) || day.After(last) {
			continue
		}
		ax = append(ax, day)
		ay = append(ay, f.Value)
	}
	if len(ax) > 0 {
		sortByTime(ax, ay)
		series = append(series, chart.TimeSeries{
			Name: "Anomalies",
			Style: chart.Style{
				StrokeWidth: chart.Disabled,
				DotWidth:    5,
				DotColor:    chart.ColorRed,
			},
			XValues: ax,
			YValues: ay,
		})
	}

	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeDateValueFormatter,
		},
		YAxis: chart.YAxis{
			Name: metric,
			ValueFormatter: func(v interface{}) string {
				return chart.FloatValueFormatterWithFormat(v, "%.1f")
			},
		},
		Series: series,
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func sortByTime(x []time.Time, y []float64) {
	for i := 1; i < len(x); i++ {
		for j := i; j > 0 && x[j].Before(x[j-1]); j-- {
			x[j], x[j-1] = x[j-1], x[j]
			y[j], y[j-1] = y[j-1], y[j]
		}
	}
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
