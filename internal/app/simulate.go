package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"healthsignals/internal/fetcher"
	"healthsignals/internal/service"
	"healthsignals/internal/storage"
	"healthsignals/internal/timeseries"
)

// simulatedUser owns the synthetic series of SimulateAlert.
const simulatedUser = "simulated-user"

// SimulateAlert 构造一段以 spike 结尾的合成序列，完整跑一次检测与告警流程。
func (a *App) SimulateAlert(ctx context.Context, metric string, usual, spike float64) error {
	if !a.Config.Alerting.Enabled {
		return errors.New("alerting 未启用")
	}

	notifier := a.newNotifier()
	if notifier == nil {
		return errors.New("未配置任何告警通道")
	}

	end := timeseries.Day(time.Now().UTC()).AddDate(0, 0, 1)
	source := newStaticFetcher(metric, end, usual, spike)

	svc, err := service.New(a.Config, service.Deps{
		Fetcher:  source,
		Results:  storage.NewMemory(),
		Notifier: notifier,
	}, a.Logger)
	if err != nil {
		return err
	}

	run, err := svc.Detect(ctx, service.Request{
		UserID:      simulatedUser,
		Days:        simulatedDays,
		End:         end,
		UseAdaptive: true,
	})
	if err != nil {
		return err
	}
	if len(run.Anomalies) == 0 {
		return fmt.Errorf("spike %.2f on %s was not flagged; nothing to alert", spike, metric)
	}
	a.Logger.Info().Str("run_id", run.ID).Int("anomalies", len(run.Anomalies)).Msg("simulated alert sent")
	return nil
}

const simulatedDays = 30

// staticFetcher serves one metric that hovers around usual and ends with spike.
type staticFetcher struct {
	series timeseries.Series
}

func newStaticFetcher(metric string, end time.Time, usual, spike float64) *staticFetcher {
	values := make([]float64, simulatedDays)
	wobble := []float64{-0.02, 0.01, 0.03, -0.01, 0, 0.02, -0.03}
	for i := range values {
		values[i] = usual * (1 + wobble[i%len(wobble)])
	}
	values[len(values)-1] = spike
	return &staticFetcher{series: timeseries.Daily(metric, end.AddDate(0, 0, -simulatedDays), values)}
}

func (s *staticFetcher) FetchSeries(ctx context.Context, userID string, from, to time.Time) (timeseries.Set, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return timeseries.Set{s.series.Metric: s.series.Window(from, to)}, nil
}

var _ fetcher.SeriesFetcher = (*staticFetcher)(nil)
