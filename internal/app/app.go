package app

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"healthsignals/internal/alerting"
	"healthsignals/internal/config"
	"healthsignals/internal/explain"
	"healthsignals/internal/fetcher"
	"healthsignals/internal/jobs"
	"healthsignals/internal/metrics"
	"healthsignals/internal/scheduler"
	"healthsignals/internal/service"
	"healthsignals/internal/storage"
	"healthsignals/internal/version"
	"healthsignals/internal/workerpool"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

// runtime is the wired service plus everything that must be closed after it.
type runtime struct {
	svc     *service.Service
	store   *storage.Store
	results storage.ResultStore
	source  fetcher.SeriesFetcher
	jobs    *jobs.Manager
	closers []func()
}

func (r *runtime) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
}

// reader returns the persisted results, or nil without a database.
func (r *runtime) reader() storage.ResultReader {
	if r.store == nil {
		return nil
	}
	return r.store
}

// assemble wires the service. withScheduler adds the periodic sweep.
func (a *App) assemble(ctx context.Context, withScheduler bool) (*runtime, error) {
	rt := &runtime{}
	ok := false
	defer func() {
		if !ok {
			rt.Close()
		}
	}()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	if store != nil {
		rt.store = store
		rt.results = store
		rt.closers = append(rt.closers, closeStore)
	} else {
		a.Logger.Warn().Msg("database.dsn not configured; results are kept in memory only")
		rt.results = storage.NewMemory()
	}

	source, users, err := a.newSource(store)
	if err != nil {
		return nil, err
	}
	rt.source = source

	jobStore, closeJobs, err := a.newJobStore(ctx)
	if err != nil {
		return nil, err
	}
	rt.jobs = jobs.NewManager(jobStore, a.Logger)
	rt.closers = append(rt.closers, closeJobs, rt.jobs.Shutdown)

	deps := service.Deps{
		Fetcher:  source,
		Results:  rt.results,
		Users:    users,
		Notifier: a.newNotifier(),
		Pool:     workerpool.New(a.Config.Workers.PoolSize, a.Logger),
		Jobs:     rt.jobs,
	}
	if a.Config.Explain.Enabled {
		publisher, err := explain.NewNATSPublisher(a.Config.Explain, a.Logger)
		if err != nil {
			return nil, err
		}
		deps.Explainer = publisher
		rt.closers = append(rt.closers, func() {
			if err := publisher.Close(); err != nil {
				a.Logger.Warn().Err(err).Msg("flush explanation requests failed")
			}
		})
	}
	if withScheduler {
		deps.Scheduler = scheduler.New(scheduler.Options{
			Interval:     a.Config.Scheduler.Interval,
			AlignToStart: a.Config.Scheduler.AlignToBucket,
			StartupDelay: a.Config.Scheduler.StartupDelay,
			RunOnStart:   a.Config.Scheduler.RunOnStart,
		}, a.Logger)
	}

	svc, err := service.New(a.Config, deps, a.Logger)
	if err != nil {
		return nil, err
	}
	rt.svc = svc
	ok = true
	return rt, nil
}

// newSource picks the series source and, where it can enumerate users, the
// user lister of the scheduled sweep.
func (a *App) newSource(store *storage.Store) (fetcher.SeriesFetcher, service.UserLister, error) {
	var users service.UserLister
	if store != nil {
		users = store
	}

	var source fetcher.SeriesFetcher
	switch a.Config.Source.Kind {
	case config.SourcePostgres:
		if store == nil {
			return nil, nil, errors.New("source.kind=postgres requires database.dsn")
		}
		source = store
	case config.SourceHTTP:
		api := a.Config.Source.HTTP
		source = fetcher.NewHTTP(fetcher.HTTPOptions{
			BaseURL:   api.BaseURL,
			Token:     api.Token,
			Timeout:   api.RequestTimeout,
			UserAgent: api.UserAgent,
		}, a.Logger)
	case config.SourceCSV:
		file, err := fetcher.OpenCSV(a.Config.Source.CSVPath)
		if err != nil {
			return nil, nil, err
		}
		source = file
		users = csvUsers{file}
	default:
		return nil, nil, fmt.Errorf("unsupported source.kind %q", a.Config.Source.Kind)
	}
	return fetcher.NewRetrying(source, a.Config.Source.Retry, a.Logger), users, nil
}

// csvUsers lists every user in the file; it has no notion of activity.
type csvUsers struct{ file *fetcher.CSV }

func (c csvUsers) ListUsers(context.Context, time.Time) ([]string, error) {
	return c.file.Users(), nil
}

func (a *App) newJobStore(ctx context.Context) (jobs.Store, func(), error) {
	if a.Config.Jobs.Store != config.JobStoreRedis {
		return jobs.NewMemoryStore(), func() {}, nil
	}
	store, err := jobs.NewRedisStore(ctx, a.Config.Redis, a.Logger)
	if err != nil {
		return nil, nil, err
	}
	return store, func() {
		if err := store.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("close redis job store failed")
		}
	}, nil
}

func (a *App) newNotifier() alerting.Notifier {
	if a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger)
	}
	return nil
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

// Run executes the long-running detection service and the metrics endpoint.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rt, err := a.assemble(ctx, true)
	if err != nil {
		return err
	}
	defer rt.Close()

	a.Logger.Info().Str("version", version.Version).Str("source", a.Config.Source.Kind).Msg("starting detection service")

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return rt.svc.Run(ctx)
	})
	if a.Config.Metrics.Enabled {
		group.Go(func() error {
			return metrics.Serve(ctx, a.Config.Metrics.Addr, a.Logger)
		})
	}

	err = group.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("detection service stopped")
	return nil
}

// Migrate applies pending SQL migrations.
func (a *App) Migrate(ctx context.Context) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database.dsn 未配置，无法执行迁移")
	}
	defer closeStore()

	applied, err := store.ApplyMigrations(ctx, a.Config.Database.MigrationsPath)
	if err != nil {
		return err
	}
	a.Logger.Info().Strs("applied", applied).Msg("migrations complete")
	return nil
}

// RunOptions select the user, window and baseline of a one-off run.
type RunOptions struct {
	UserID string
	Days   int
	// End is the exclusive last day; zero means today is included.
	End time.Time
	// Baseline is standard, robust, adaptive or ewma; empty uses the config flags.
	Baseline string
	Explain  bool
	JSON     bool
}

// ExportOptions hold parameters for exporting a metric series.
type ExportOptions struct {
	UserID    string
	Metric    string
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	UserID string
	Limit  int
	Jobs   bool
}

// BackfillOptions configure the backfill job.
type BackfillOptions struct {
	CSVPath string
	Users   []string
	From    time.Time
	To      time.Time
	// Step is the spacing of replayed detection windows in days.
	Step    int
	DryRun  bool
	Workers int
}
