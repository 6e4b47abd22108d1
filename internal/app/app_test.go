package app

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"healthsignals/internal/config"
)

var start = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

// writeSpikeCSV writes thirty quiet sleep_quality days followed by a spike.
func writeSpikeCSV(t *testing.T, dir string) string {
	t.Helper()
	var b strings.Builder
	b.WriteString("user_id,date,metric,value,source_id\n")
	for i := 0; i < 31; i++ {
		value := 10.0
		if i == 30 {
			value = 100
		}
		fmt.Fprintf(&b, "u1,%s,sleep_quality,%g,s%d\n", start.AddDate(0, 0, i).Format(time.DateOnly), value, i)
	}
	path := filepath.Join(dir, "metrics.csv")
	if err := os.WriteFile(path, []byte(b.String()), 0o600); err != nil {
		t.Fatalf("write csv: %v", err)
	}
	return path
}

func newTestApp(t *testing.T, csvPath string) *App {
	t.Helper()
	body := fmt.Sprintf("source:\n  kind: csv\n  csv_path: %q\nmetrics:\n  enabled: false\n", csvPath)
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	return NewApp(cfg, zerolog.Nop())
}

func TestRequestBaselineOverride(t *testing.T) {
	a := NewApp(&config.Config{Detection: config.DetectionConfig{Days: 45, UseAdaptive: true}}, zerolog.Nop())

	req, err := a.request(RunOptions{UserID: "u1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !req.UseAdaptive || req.Days != 45 {
		t.Fatalf("expected config defaults, got %+v", req)
	}

	req, err = a.request(RunOptions{UserID: "u1", Baseline: "ewma", Days: 14})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if req.UseAdaptive || req.UseRobust || !req.UseEWMABaseline || req.Days != 14 {
		t.Fatalf("expected ewma only over 14 days, got %+v", req)
	}

	if _, err := a.request(RunOptions{UserID: "u1", Baseline: "median"}); err == nil {
		t.Fatal("expected error for unknown baseline")
	}
	if _, err := a.request(RunOptions{}); err == nil {
		t.Fatal("expected error without user")
	}
}

func TestDownsampleRowsKeepsEnds(t *testing.T) {
	rows := make([]exportRow, 10)
	for i := range rows {
		rows[i] = exportRow{Day: start.AddDate(0, 0, i), Value: float64(i)}
	}

	out := downsampleRows(rows, 4)
	if len(out) != 4 {
		t.Fatalf("expected 4 rows, got %d", len(out))
	}
	if out[0].Value != 0 || out[3].Value != 9 {
		t.Fatalf("expected first and last rows kept, got %v and %v", out[0].Value, out[3].Value)
	}
	if got := downsampleRows(rows, 20); len(got) != 10 {
		t.Fatalf("expected rows untouched below the limit, got %d", len(got))
	}
}

func TestExportFlagsDetectedSpike(t *testing.T) {
	dir := t.TempDir()
	a := newTestApp(t, writeSpikeCSV(t, dir))

	from, to := start, start.AddDate(0, 0, 31)
	out := filepath.Join(dir, "out", "sleep.csv")
	err := a.Export(context.Background(), ExportOptions{
		UserID:  "u1",
		Metric:  "sleep_quality",
		From:    &from,
		To:      &to,
		CSVPath: out,
	})
	if err != nil {
		t.Fatalf("export: %v", err)
	}

	file, err := os.Open(out)
	if err != nil {
		t.Fatalf("open export: %v", err)
	}
	defer file.Close()
	records, err := csv.NewReader(file).ReadAll()
	if err != nil {
		t.Fatalf("read export: %v", err)
	}
	if len(records) != 32 {
		t.Fatalf("expected header plus 31 rows, got %d", len(records))
	}
	last := records[len(records)-1]
	if last[0] != "2024-03-31" || last[2] != "100" || last[4] != "true" {
		t.Fatalf("expected the spike day flagged, got %v", last)
	}
	if records[1][4] != "false" {
		t.Fatalf("expected a quiet day unflagged, got %v", records[1])
	}
}

func TestExportRequiresOutput(t *testing.T) {
	a := NewApp(&config.Config{}, zerolog.Nop())
	if err := a.Export(context.Background(), ExportOptions{UserID: "u1", Metric: "hrv"}); err == nil {
		t.Fatal("expected error without --csv or --png")
	}
}

func TestBackfillDryRunReplaysWindows(t *testing.T) {
	dir := t.TempDir()
	path := writeSpikeCSV(t, dir)
	a := newTestApp(t, path)

	err := a.Backfill(context.Background(), BackfillOptions{
		CSVPath: path,
		From:    start,
		To:      start.AddDate(0, 0, 31),
		Step:    7,
		DryRun:  true,
		Workers: 2,
	})
	if err != nil {
		t.Fatalf("backfill: %v", err)
	}
}

func TestBackfillRejectsEmptyRange(t *testing.T) {
	a := NewApp(&config.Config{}, zerolog.Nop())
	err := a.Backfill(context.Background(), BackfillOptions{CSVPath: "x.csv", From: start, To: start})
	if err == nil {
		t.Fatal("expected error for empty range")
	}
}
