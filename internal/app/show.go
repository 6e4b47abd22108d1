package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"healthsignals/internal/storage"
)

// Show prints stored anomalies and correlations for a user, or the job list.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	if opts.Jobs {
		return a.showJobs(ctx, opts)
	}
	if opts.UserID == "" {
		return errors.New("--user is required")
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show results")
	}
	defer closeStore()

	return showResults(ctx, store, opts)
}

func showResults(ctx context.Context, reader storage.ResultReader, opts ShowOptions) error {
	anomalies, err := reader.ListRecentAnomalies(ctx, opts.UserID, opts.Limit)
	if err != nil {
		return err
	}
	correlations, err := reader.ListCorrelations(ctx, opts.UserID, opts.Limit)
	if err != nil {
		return err
	}

	if len(anomalies) == 0 {
		fmt.Fprintln(os.Stdout, "no anomalies found")
	} else {
		writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(writer, "Date\tMetric\tValue\tBaseline\tDetector\tSeverity\tScore\tSource")
		for _, rec := range anomalies {
			fmt.Fprintf(
				writer,
				"%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
				rec.Day.Format(time.DateOnly),
				rec.Metric,
				formatDecimal(rec.MetricValue, 2),
				formatDecimal(rec.BaselineValue, 2),
				rec.Detector,
				rec.Severity,
				formatDecimal(rec.Score, 3),
				sanitizeInline(strings.TrimSuffix(rec.SourceTable+":"+rec.SourceID, ":")),
			)
		}
		writer.Flush()
	}

	fmt.Fprintln(os.Stdout)
	if len(correlations) == 0 {
		fmt.Fprintln(os.Stdout, "no correlations found")
		return nil
	}
	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Period\tMetric A\tMetric B\tType\tStrength\tLag\tP\tConfidence\tAgreement\tLabel")
	for _, rec := range correlations {
		p := "n/a"
		if rec.PValue != nil {
			p = formatDecimal(*rec.PValue, 4)
		}
		fmt.Fprintf(
			writer,
			"%s..%s\t%s\t%s\t%s\t%s\t%d\t%s\t%s\t%d\t%s\n",
			rec.PeriodStart.Format(time.DateOnly),
			rec.PeriodEnd.AddDate(0, 0, -1).Format(time.DateOnly),
			rec.MetricA,
			rec.MetricB,
			rec.Type,
			formatDecimal(rec.Strength, 3),
			rec.LagDays,
			p,
			formatDecimal(rec.Confidence, 3),
			rec.Agreement,
			sanitizeInline(rec.Label),
		)
	}
	writer.Flush()
	return nil
}

// showJobs lists jobs from the configured job store. With the in-memory
// store this only sees jobs of the current process, so it is mostly useful
// with jobs.store=redis.
func (a *App) showJobs(ctx context.Context, opts ShowOptions) error {
	rt, err := a.assemble(ctx, false)
	if err != nil {
		return err
	}
	defer rt.Close()

	list, err := rt.svc.ListJobs(ctx, opts.UserID)
	if err != nil {
		return err
	}
	if opts.Limit > 0 && len(list) > opts.Limit {
		list = list[:opts.Limit]
	}
	if len(list) == 0 {
		fmt.Fprintln(os.Stdout, "no jobs found")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Job\tUser\tKind\tStatus\tCreated (UTC)\tRun\tError")
	for _, job := range list {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			job.ID,
			job.UserID,
			job.Kind,
			job.Status,
			job.CreatedAt.UTC().Format(time.RFC3339),
			job.RunID,
			sanitizeInline(job.Error),
		)
	}
	writer.Flush()
	return nil
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}

func formatDecimal(d decimal.Decimal, places int32) string {
	return d.StringFixed(places)
}

func formatFloat(v float64, places int) string {
	return strconv.FormatFloat(v, 'f', places, 64)
}
