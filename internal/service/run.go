package service

import (
	"context"
	"errors"
	"sort"
	"time"

	"healthsignals/internal/baseline"
	"healthsignals/internal/faults"
	"healthsignals/internal/jobs"
	"healthsignals/internal/metrics"
	"healthsignals/internal/result"
	"healthsignals/internal/timeseries"
	"healthsignals/internal/workerpool"
)

// RunStatus is the lifecycle state of one detection run.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	// RunPartial means at least one detector failed while the rest finished.
	RunPartial RunStatus = "partial"
	// RunFailed is reserved for runs whose input could not be retrieved.
	RunFailed RunStatus = "failed"
)

// DefaultDays is the analysis window when a request does not set one.
const DefaultDays = 60

// Request describes one detection or correlation run.
type Request struct {
	UserID string
	// Days is the window length ending at End; 0 uses the configured default.
	Days int
	// End is the exclusive end day; zero means tomorrow, so today is included.
	End                time.Time
	UseRobust          bool
	UseAdaptive        bool
	UseEWMABaseline    bool
	IncludeExplanation bool
}

// Window returns the half-open [from, to) day range of the request.
func (r Request) Window(now time.Time, defaultDays int) (time.Time, time.Time) {
	days := r.Days
	if days <= 0 {
		days = defaultDays
	}
	if days <= 0 {
		days = DefaultDays
	}
	to := timeseries.Day(r.End)
	if r.End.IsZero() {
		to = timeseries.Day(now).AddDate(0, 0, 1)
	}
	return to.AddDate(0, 0, -days), to
}

// Failure is one detector task that raised an error or panicked.
type Failure struct {
	Detector string      `json:"detector"`
	Scope    string      `json:"scope"`
	Kind     faults.Kind `json:"kind"`
	Message  string      `json:"message"`
}

// Run is the observable record of one detection or correlation run.
type Run struct {
	ID           string               `json:"id"`
	UserID       string               `json:"user_id"`
	Kind         jobs.Kind            `json:"kind"`
	Status       RunStatus            `json:"status"`
	From         time.Time            `json:"from"`
	To           time.Time            `json:"to"`
	Strategy     baseline.Strategy    `json:"strategy,omitempty"`
	Total        int                  `json:"total"`
	New          int                  `json:"new"`
	Anomalies    []result.Anomaly     `json:"anomalies,omitempty"`
	Correlations []result.Correlation `json:"correlations,omitempty"`
	Declined     int                  `json:"declined"`
	Failures     []Failure            `json:"failures,omitempty"`
	Error        string               `json:"error,omitempty"`
	StartedAt    time.Time            `json:"started_at"`
	FinishedAt   time.Time            `json:"finished_at"`
}

// FailureMessages lists failures as "detector [scope]: message" strings.
func (r *Run) FailureMessages() []string {
	out := make([]string, len(r.Failures))
	for i, f := range r.Failures {
		out[i] = f.Detector + " [" + f.Scope + "]: " + f.Message
	}
	return out
}

func (r *Run) fail(err error) {
	r.Status = RunFailed
	r.Error = err.Error()
	r.Anomalies = nil
	r.Correlations = nil
	r.Total, r.New = 0, 0
}

func (r *Run) settleStatus() {
	if len(r.Failures) > 0 {
		r.Status = RunPartial
		return
	}
	r.Status = RunCompleted
}

// task identifies one unit of fan-out work and where its output goes.
type task struct {
	detector string
	scope    string
	slot     int
}

func (t task) name() string { return t.detector + "/" + t.scope }

// outcomeClass buckets a task outcome for metrics and run bookkeeping.
type outcomeClass string

const (
	outcomeOK       outcomeClass = "ok"
	outcomeDeclined outcomeClass = "declined"
	outcomeFailed   outcomeClass = "failed"
	outcomeSkipped  outcomeClass = "skipped"
)

func classify(err error) outcomeClass {
	switch {
	case err == nil:
		return outcomeOK
	case errors.Is(err, workerpool.ErrNotLaunched):
		return outcomeSkipped
	case faults.Declined(err):
		return outcomeDeclined
	default:
		return outcomeFailed
	}
}

// failureOf converts a failed task outcome into its run record.
func failureOf(t task, err error) Failure {
	fe := faults.DetectorFailed(t.detector, t.scope, err)
	return Failure{
		Detector: t.detector,
		Scope:    t.scope,
		Kind:     faults.KindOf(fe),
		Message:  err.Error(),
	}
}

func sortFailures(fs []Failure) {
	sort.Slice(fs, func(i, j int) bool {
		if fs[i].Detector != fs[j].Detector {
			return fs[i].Detector < fs[j].Detector
		}
		return fs[i].Scope < fs[j].Scope
	})
}

// unit is one detector call of a run. Its output lands in slot task.slot.
type unit[T any] struct {
	task
	fn func(ctx context.Context) ([]T, error)
}

// fanOut runs every unit on the shared pool and returns the per-slot output
// together with the outcome of each unit, keyed by task name.
func fanOut[T any](ctx context.Context, pool *workerpool.Pool, units []unit[T]) ([][]T, map[string]workerpool.Outcome) {
	out := make([][]T, len(units))
	group := pool.Group(ctx)
	for _, u := range units {
		group.Go(u.name(), func(ctx context.Context) error {
			found, err := u.fn(ctx)
			if err != nil {
				return err
			}
			out[u.slot] = found
			return nil
		})
	}
	outcomes := make(map[string]workerpool.Outcome, len(units))
	for _, o := range group.Wait() {
		outcomes[o.Name] = o
	}
	return out, outcomes
}

// settle books every unit outcome onto the run and the detector metrics.
func settle[T any](run *Run, units []unit[T], outcomes map[string]workerpool.Outcome) {
	for _, u := range units {
		o := outcomes[u.name()]
		class := classify(o.Err)
		metrics.DetectorOutcomes.WithLabelValues(u.detector, string(class)).Inc()
		if class != outcomeSkipped {
			metrics.DetectorDuration.WithLabelValues(u.detector).Observe(o.Duration.Seconds())
		}
		switch class {
		case outcomeDeclined:
			run.Declined++
		case outcomeFailed:
			run.Failures = append(run.Failures, failureOf(u.task, o.Err))
		}
	}
	sortFailures(run.Failures)
}
