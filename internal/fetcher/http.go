package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"healthsignals/internal/timeseries"
)

const seriesPathFormat = "/users/%s/metrics"

// HTTPOptions parameterise the upstream metrics API fetcher.
type HTTPOptions struct {
	BaseURL   string
	Token     string
	Timeout   time.Duration
	UserAgent string
}

// HTTP fetches daily aggregates from the upstream health records API.
type HTTP struct {
	opts    HTTPOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
}

// NewHTTP constructs an API fetcher.
func NewHTTP(opts HTTPOptions, logger zerolog.Logger) *HTTP {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &HTTP{
		opts:    opts,
		logger:  logger.With().Str("component", "http_fetcher").Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
	}
}

// FetchSeries calls GET /users/{id}/metrics?from=&to= and decodes the series.
func (h *HTTP) FetchSeries(ctx context.Context, userID string, from, to time.Time) (timeseries.Set, error) {
	if h.baseURL == "" {
		return nil, fmt.Errorf("source.http.base_url is required")
	}
	if userID == "" {
		return nil, fmt.Errorf("user id required")
	}

	query := url.Values{}
	query.Set("from", timeseries.Day(from).Format(time.DateOnly))
	query.Set("to", timeseries.Day(to).Format(time.DateOnly))
	endpoint := h.baseURL + fmt.Sprintf(seriesPathFormat, url.PathEscape(userID)) + "?" + query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(h.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", "healthsignals/1.0")
	}
	if h.opts.Token != "" {
		req.Header.Set("Authorization", "Bearer "+h.opts.Token)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	payloadBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		return nil, parseHTTPError(resp.StatusCode, payloadBytes)
	}

	var payload seriesResponse
	if err := json.Unmarshal(payloadBytes, &payload); err != nil {
		return nil, fmt.Errorf("decode series response: %w", err)
	}

	set := make(timeseries.Set, len(payload.Series))
	skipped := 0
	for _, s := range payload.Series {
		if s.Metric == "" {
			skipped++
			continue
		}
		points := make([]timeseries.Point, 0, len(s.Points))
		for _, p := range s.Points {
			date, err := time.Parse(time.DateOnly, p.Date)
			if err != nil {
				skipped++
				continue
			}
			points = append(points, timeseries.Point{Date: date, Value: p.Value.InexactFloat64(), SourceID: p.SourceID})
		}
		series := timeseries.New(s.Metric, points)
		series.SourceTable = s.SourceTable
		if series.SourceTable == "" {
			series.SourceTable = timeseries.SourceTableFor(s.Metric)
		}
		set[s.Metric] = series
	}
	if skipped > 0 {
		h.logger.Warn().Str("user_id", userID).Int("skipped", skipped).Msg("dropped malformed points from upstream")
	}
	return set, nil
}

type seriesResponse struct {
	UserID string `json:"user_id"`
	Series []struct {
		Metric      string `json:"metric"`
		SourceTable string `json:"source_table"`
		Points      []struct {
			Date     string          `json:"date"`
			Value    decimal.Decimal `json:"value"`
			SourceID string          `json:"source_id"`
		} `json:"points"`
	} `json:"series"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Detail  string `json:"detail"`
	Message string `json:"message"`
}

// StatusError is a non-200 answer from the upstream API.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("metrics api error (%d)", e.StatusCode)
	}
	return fmt.Sprintf("metrics api error (%d): %s", e.StatusCode, e.Message)
}

// Temporary reports whether a retry may succeed.
func (e *StatusError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

func parseHTTPError(status int, payload []byte) error {
	var apiErr errorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		for _, msg := range []string{apiErr.Detail, apiErr.Message, apiErr.Error} {
			if msg != "" {
				return &StatusError{StatusCode: status, Message: msg}
			}
		}
	}
	return &StatusError{StatusCode: status, Message: strings.TrimSpace(string(payload))}
}

var _ SeriesFetcher = (*HTTP)(nil)
