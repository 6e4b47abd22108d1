package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"healthsignals/internal/baseline"
	"healthsignals/internal/jobs"
	"healthsignals/internal/result"
	"healthsignals/internal/service"
)

// Detect runs anomaly detection for one user as a job and prints the run.
func (a *App) Detect(ctx context.Context, opts RunOptions) error {
	return a.runOnce(ctx, opts, jobs.KindDetect)
}

// Correlate runs correlation analysis for one user as a job and prints the run.
func (a *App) Correlate(ctx context.Context, opts RunOptions) error {
	return a.runOnce(ctx, opts, jobs.KindCorrelate)
}

func (a *App) runOnce(ctx context.Context, opts RunOptions, kind jobs.Kind) error {
	req, err := a.request(opts)
	if err != nil {
		return err
	}

	rt, err := a.assemble(ctx, false)
	if err != nil {
		return err
	}
	defer rt.Close()

	submit := rt.svc.SubmitDetect
	if kind == jobs.KindCorrelate {
		submit = rt.svc.SubmitCorrelate
	}
	job, err := submit(ctx, req)
	if err != nil {
		return err
	}
	a.Logger.Debug().Str("job_id", job.ID).Str("kind", string(kind)).Msg("job submitted")

	done, err := rt.svc.WaitJob(ctx, job.ID)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			_ = rt.svc.CancelJob(context.Background(), job.ID)
		}
		return err
	}
	run, ok := rt.svc.RunByID(done.RunID)
	if !ok {
		return fmt.Errorf("job %s %s: %s", done.ID, done.Status, done.Error)
	}

	if opts.JSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(run); err != nil {
			return err
		}
	} else {
		printRun(os.Stdout, run)
	}
	if done.Status == jobs.StatusFailed {
		return fmt.Errorf("run %s failed: %s", run.ID, done.Error)
	}
	return nil
}

// request turns CLI options into a service request; an explicit baseline
// replaces the configured strategy flags.
func (a *App) request(opts RunOptions) (service.Request, error) {
	if opts.UserID == "" {
		return service.Request{}, errors.New("--user is required")
	}
	det := a.Config.Detection
	req := service.Request{
		UserID:             opts.UserID,
		Days:               a.Config.ResolveDays(opts.Days),
		End:                opts.End,
		UseRobust:          det.UseRobust,
		UseAdaptive:        det.UseAdaptive,
		UseEWMABaseline:    det.UseEWMABaseline,
		IncludeExplanation: det.IncludeExplanation || opts.Explain,
	}
	if opts.Baseline == "" {
		return req, nil
	}
	req.UseRobust, req.UseAdaptive, req.UseEWMABaseline = false, false, false
	switch baseline.Strategy(opts.Baseline) {
	case baseline.StrategyStandard:
	case baseline.StrategyRobust:
		req.UseRobust = true
	case baseline.StrategyAdaptive:
		req.UseAdaptive = true
	case baseline.StrategyEWMA:
		req.UseEWMABaseline = true
	default:
		return service.Request{}, fmt.Errorf("--baseline must be standard, robust, adaptive or ewma; got %q", opts.Baseline)
	}
	return req, nil
}

func printRun(w io.Writer, run service.Run) {
	fmt.Fprintf(w, "run %s  user=%s  kind=%s  status=%s  window=%s..%s\n",
		run.ID, run.UserID, run.Kind, run.Status,
		run.From.Format(time.DateOnly), run.To.AddDate(0, 0, -1).Format(time.DateOnly))
	fmt.Fprintf(w, "total=%d  new=%d  declined=%d\n", run.Total, run.New, run.Declined)
	for _, msg := range run.FailureMessages() {
		fmt.Fprintf(w, "failure: %s\n", sanitizeInline(msg))
	}
	if run.Error != "" {
		fmt.Fprintf(w, "error: %s\n", sanitizeInline(run.Error))
	}

	if len(run.Anomalies) > 0 {
		fmt.Fprintln(w)
		writeAnomalies(w, run.Anomalies)
	}
	if len(run.Correlations) > 0 {
		fmt.Fprintln(w)
		writeCorrelations(w, run.Correlations)
	}
}

func writeAnomalies(w io.Writer, anomalies []result.Anomaly) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "Date\tMetric\tValue\tBaseline\tDetector\tSeverity\tScore")
	for _, an := range anomalies {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			an.OccurredOn.Format(time.DateOnly),
			an.MetricName,
			formatFloat(an.MetricValue, 2),
			formatFloat(an.BaselineValue, 2),
			an.DetectorType,
			an.Severity,
			formatFloat(an.Score, 3),
		)
	}
	tw.Flush()
}

func writeCorrelations(w io.Writer, rs []result.Correlation) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "Metric A\tMetric B\tType\tStrength\tLag\tP\tConfidence\tDirection\tActionable")
	for _, c := range rs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\t%s\t%s\t%t\n",
			c.MetricA,
			c.MetricB,
			c.Type,
			formatFloat(c.Strength, 3),
			c.LagDays,
			c.PValue,
			formatFloat(c.Confidence, 3),
			c.Direction,
			c.Actionable,
		)
	}
	tw.Flush()
}
