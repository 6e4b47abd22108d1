package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"healthsignals/internal/timeseries"
)

var (
	windowFrom = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	windowTo   = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
)

func noopLogger() zerolog.Logger {
	return zerolog.Nop()
}

func TestHTTPFetchMissingBaseURL(t *testing.T) {
	h := NewHTTP(HTTPOptions{}, noopLogger())
	if _, err := h.FetchSeries(context.Background(), "u1", windowFrom, windowTo); err == nil {
		t.Fatal("missing base url should fail")
	}
}

func TestHTTPFetchHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]string{"detail": "unknown user"})
	}))
	defer srv.Close()

	h := NewHTTP(HTTPOptions{BaseURL: srv.URL, Timeout: time.Second}, noopLogger())
	_, err := h.FetchSeries(context.Background(), "u1", windowFrom, windowTo)
	var status *StatusError
	if !errors.As(err, &status) {
		t.Fatalf("expected StatusError, got %v", err)
	}
	if status.StatusCode != http.StatusNotFound || status.Message != "unknown user" || status.Temporary() {
		t.Fatalf("unexpected status error: %+v", status)
	}
}

func TestHTTPFetchSuccess(t *testing.T) {
	var gotPath, gotAuth, gotFrom string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotFrom = r.URL.Query().Get("from")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"user_id": "u1",
			"series": [
				{"metric": "resting_hr", "points": [
					{"date": "2024-01-02", "value": 61, "source_id": "v-2"},
					{"date": "2024-01-01", "value": "60.5"},
					{"date": "bad", "value": 70}
				]},
				{"metric": "sleep_hours", "source_table": "sleep_log", "points": [{"date": "2024-01-01", "value": 7.25}]}
			]
		}`))
	}))
	defer srv.Close()

	h := NewHTTP(HTTPOptions{BaseURL: srv.URL + "/", Token: "secret", Timeout: time.Second}, noopLogger())
	set, err := h.FetchSeries(context.Background(), "u1", windowFrom, windowTo)
	if err != nil {
		t.Fatalf("successful response should not fail: %v", err)
	}
	if gotPath != "/users/u1/metrics" || gotAuth != "Bearer secret" || gotFrom != "2024-01-01" {
		t.Fatalf("unexpected request: path=%s auth=%s from=%s", gotPath, gotAuth, gotFrom)
	}

	hr := set["resting_hr"]
	if hr.Len() != 2 || hr.Points[0].Value != 60.5 || hr.Points[1].SourceID != "v-2" {
		t.Fatalf("resting_hr should be sorted with the bad point dropped: %+v", hr)
	}
	if hr.SourceTable != timeseries.TableVitals {
		t.Fatalf("missing source table should fall back to the catalog, got %s", hr.SourceTable)
	}
	if set["sleep_hours"].SourceTable != "sleep_log" {
		t.Fatalf("explicit source table should be kept")
	}
}

type flakyFetcher struct {
	calls    atomic.Int32
	failures int32
	err      error
}

func (f *flakyFetcher) FetchSeries(ctx context.Context, userID string, from, to time.Time) (timeseries.Set, error) {
	if f.calls.Add(1) <= f.failures {
		return nil, f.err
	}
	return timeseries.Set{"hrv": timeseries.Daily("hrv", from, []float64{40})}, nil
}

func TestRetryingRecoversFromTransientErrors(t *testing.T) {
	next := &flakyFetcher{failures: 2, err: &StatusError{StatusCode: http.StatusServiceUnavailable}}
	r := NewRetrying(next, RetryOptions{MaxAttempts: 3, InitialInterval: time.Millisecond}, noopLogger())

	set, err := r.FetchSeries(context.Background(), "u1", windowFrom, windowTo)
	if err != nil {
		t.Fatalf("third attempt should succeed: %v", err)
	}
	if next.calls.Load() != 3 || set["hrv"].Len() != 1 {
		t.Fatalf("calls=%d set=%v", next.calls.Load(), set)
	}
}

func TestRetryingStopsOnPermanentErrors(t *testing.T) {
	next := &flakyFetcher{failures: 5, err: &StatusError{StatusCode: http.StatusBadRequest}}
	r := NewRetrying(next, RetryOptions{MaxAttempts: 5, InitialInterval: time.Millisecond}, noopLogger())

	_, err := r.FetchSeries(context.Background(), "u1", windowFrom, windowTo)
	var status *StatusError
	if !errors.As(err, &status) || status.StatusCode != http.StatusBadRequest {
		t.Fatalf("permanent error should surface unchanged, got %v", err)
	}
	if next.calls.Load() != 1 {
		t.Fatalf("4xx should not be retried, calls=%d", next.calls.Load())
	}
}

func TestRetryingGivesUpAfterMaxAttempts(t *testing.T) {
	next := &flakyFetcher{failures: 10, err: errors.New("connection reset")}
	r := NewRetrying(next, RetryOptions{MaxAttempts: 2, InitialInterval: time.Millisecond}, noopLogger())

	if _, err := r.FetchSeries(context.Background(), "u1", windowFrom, windowTo); err == nil {
		t.Fatal("should fail after exhausting attempts")
	}
	if next.calls.Load() != 2 {
		t.Fatalf("expected 2 attempts, got %d", next.calls.Load())
	}
}

func TestCSVFetch(t *testing.T) {
	data := strings.Join([]string{
		"user_id,date,metric,value,source_id",
		"u1,2024-01-01,sleep_hours,7.5,s-1",
		"u1,2024-01-02,sleep_hours,6.0,",
		"u1,2024-03-05,sleep_hours,8.0,",
		"u2,2024-01-01,hrv,45,",
	}, "\n")
	c, err := ReadCSV(strings.NewReader(data))
	if err != nil {
		t.Fatalf("parse csv: %v", err)
	}
	if got := c.Users(); len(got) != 2 || got[0] != "u1" {
		t.Fatalf("users: %v", got)
	}

	set, err := c.FetchSeries(context.Background(), "u1", windowFrom, windowTo)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	sleep := set["sleep_hours"]
	if sleep.Len() != 2 || sleep.Points[0].SourceID != "s-1" || sleep.SourceTable != timeseries.TableSleep {
		t.Fatalf("window should drop the March row: %+v", sleep)
	}

	empty, err := c.FetchSeries(context.Background(), "nobody", windowFrom, windowTo)
	if err != nil || len(empty) != 0 {
		t.Fatalf("unknown user should give an empty set: %v %v", empty, err)
	}
}

func TestCSVRejectsBadRows(t *testing.T) {
	if _, err := ReadCSV(strings.NewReader("user_id,date,value\nu1,2024-01-01,3\n")); err == nil {
		t.Fatal("missing metric column should fail")
	}
	if _, err := ReadCSV(strings.NewReader("user_id,date,metric,value\nu1,01/02/2024,hrv,3\n")); err == nil {
		t.Fatal("bad date should fail")
	}
}
