package app

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"healthsignals/internal/fetcher"
	"healthsignals/internal/service"
	"healthsignals/internal/storage"
	"healthsignals/internal/timeseries"
	"healthsignals/internal/workerpool"
)

// Backfill imports historical observations from a CSV file and replays
// detection over the imported range, one window every Step days.
func (a *App) Backfill(ctx context.Context, opts BackfillOptions) error {
	if opts.CSVPath == "" {
		return errors.New("--csv 不能为空")
	}
	start := timeseries.Day(opts.From)
	end := timeseries.Day(opts.To)
	if !start.Before(end) {
		return errors.New("回填范围为空，请检查 --from/--to")
	}
	step := opts.Step
	if step <= 0 {
		step = 1
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = 1
	}

	file, err := fetcher.OpenCSV(opts.CSVPath)
	if err != nil {
		return err
	}
	users := opts.Users
	if len(users) == 0 {
		users = file.Users()
	}
	if len(users) == 0 {
		return errors.New("CSV 中没有任何用户数据")
	}

	var (
		source  fetcher.SeriesFetcher = file
		results storage.ResultStore
	)
	if opts.DryRun {
		a.Logger.Warn().Msg("回填 dry-run：不会写入数据库")
		results = storage.NewMemory()
	} else {
		store, closeStore, err := a.openStore(ctx)
		if err != nil {
			return err
		}
		if store == nil {
			return errors.New("database.dsn 未配置，无法回填")
		}
		defer closeStore()

		for _, user := range users {
			if err := importUser(ctx, store, file, user, start, end); err != nil {
				return err
			}
		}
		a.Logger.Info().Int("users", len(users)).Msg("历史数据导入完成")
		source, results = store, store
	}

	svc, err := service.New(a.Config, service.Deps{
		Fetcher: source,
		Results: results,
		Pool:    workerpool.New(a.Config.Workers.PoolSize, a.Logger),
	}, a.Logger)
	if err != nil {
		return err
	}

	days := a.Config.ResolveDays(0)
	var processed, failed atomic.Int64

	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(workers)
	for _, user := range users {
		for windowEnd := start.AddDate(0, 0, step); !windowEnd.After(end); windowEnd = windowEnd.AddDate(0, 0, step) {
			req := service.Request{
				UserID:          user,
				Days:            days,
				End:             windowEnd,
				UseRobust:       a.Config.Detection.UseRobust,
				UseAdaptive:     a.Config.Detection.UseAdaptive,
				UseEWMABaseline: a.Config.Detection.UseEWMABaseline,
			}
			group.Go(func() error {
				run, err := svc.Detect(gctx, req)
				if gctx.Err() != nil {
					return gctx.Err()
				}
				if err != nil || run.Status == service.RunFailed {
					failed.Add(1)
					a.Logger.Error().Err(err).Str("user_id", req.UserID).Time("window_end", req.End).Msg("回填失败")
					return nil
				}
				processed.Add(1)
				a.Logger.Debug().Str("user_id", req.UserID).Time("window_end", req.End).Int("new", run.New).Msg("窗口回填完成")
				return nil
			})
		}
	}
	if err := group.Wait(); err != nil {
		return err
	}

	a.Logger.Info().Int64("processed", processed.Load()).Int64("failed", failed.Load()).Msg("回填完成")
	if failed.Load() > 0 {
		return errors.New("部分窗口回填失败，请检查日志")
	}
	return nil
}

// importUser upserts every CSV observation of user within [from, to).
func importUser(ctx context.Context, store storage.ObservationStore, file *fetcher.CSV, user string, from, to time.Time) error {
	set, err := file.FetchSeries(ctx, user, from, to)
	if err != nil {
		return err
	}
	obs := make([]storage.Observation, 0)
	for metric, series := range set {
		for _, p := range series.Points {
			obs = append(obs, storage.Observation{
				UserID:      user,
				Day:         p.Date,
				Metric:      metric,
				Value:       p.Value,
				SourceTable: series.SourceTable,
				SourceID:    p.SourceID,
			})
		}
	}
	_, err = store.UpsertObservations(ctx, obs)
	return err
}
