package fetcher

import (
	"context"
	"time"

	"healthsignals/internal/timeseries"
)

// SeriesFetcher retrieves a user's daily metric series with from <= day < to.
// An empty set with a nil error means the user has no data in the window.
type SeriesFetcher interface {
	FetchSeries(ctx context.Context, userID string, from, to time.Time) (timeseries.Set, error)
}
