package fetcher

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"healthsignals/internal/timeseries"
)

// RetryOptions bound the retry schedule.
type RetryOptions struct {
	MaxAttempts     int           `mapstructure:"max_attempts"`
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxElapsed      time.Duration `mapstructure:"max_elapsed"`
}

// Retrying retries transient fetch errors with exponential backoff.
type Retrying struct {
	next   SeriesFetcher
	opts   RetryOptions
	logger zerolog.Logger
}

// NewRetrying wraps next.
func NewRetrying(next SeriesFetcher, opts RetryOptions, logger zerolog.Logger) *Retrying {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.InitialInterval <= 0 {
		opts.InitialInterval = 500 * time.Millisecond
	}
	if opts.MaxElapsed <= 0 {
		opts.MaxElapsed = 30 * time.Second
	}
	return &Retrying{next: next, opts: opts, logger: logger.With().Str("component", "fetch_retry").Logger()}
}

func (r *Retrying) FetchSeries(ctx context.Context, userID string, from, to time.Time) (timeseries.Set, error) {
	var set timeseries.Set
	operation := func() error {
		var err error
		set, err = r.next.FetchSeries(ctx, userID, from, to)
		if err == nil {
			return nil
		}
		if !retryable(ctx, err) {
			return backoff.Permanent(err)
		}
		return err
	}

	strategy := backoff.NewExponentialBackOff()
	strategy.InitialInterval = r.opts.InitialInterval
	strategy.MaxElapsedTime = r.opts.MaxElapsed
	policy := backoff.WithContext(backoff.WithMaxRetries(strategy, uint64(r.opts.MaxAttempts-1)), ctx)

	notify := func(err error, wait time.Duration) {
		r.logger.Warn().Err(err).Str("user_id", userID).Dur("retry_in", wait).Msg("series fetch failed, retrying")
	}
	if err := backoff.RetryNotify(operation, policy, notify); err != nil {
		return nil, err
	}
	return set, nil
}

func retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return false
	}
	var status *StatusError
	if errors.As(err, &status) {
		return status.Temporary()
	}
	return true
}

var _ SeriesFetcher = (*Retrying)(nil)
