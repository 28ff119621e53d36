package app

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"pricewatcher/internal/alerting"
	"pricewatcher/internal/api"
	"pricewatcher/internal/config"
	"pricewatcher/internal/detector"
	"pricewatcher/internal/evaluator"
	"pricewatcher/internal/fetcher"
	"pricewatcher/internal/retry"
	"pricewatcher/internal/scheduler"
	"pricewatcher/internal/service"
	"pricewatcher/internal/storage"
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

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, errors.New("database.dsn not configured")
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

func (a *App) newFetcher() fetcher.Fetcher {
	return fetcher.NewHTTP(fetcher.HTTPOptions{
		Timeout:   a.Config.Fetch.Timeout,
		UserAgent: a.Config.Fetch.UserAgent,
	}, a.Logger)
}

// newDispatcher wires the configured alert transports. The returned closer
// flushes the Kafka writer when one is enabled.
func (a *App) newDispatcher(store *storage.Store) (*alerting.Dispatcher, func()) {
	dispatcher := alerting.NewDispatcher(store, a.Logger)
	closer := func() {}

	if !a.Config.Alerting.Enabled {
		return dispatcher, closer
	}

	if a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		dispatcher.Register("telegram", alerting.NewTelegramNotifier(cfg.BotToken, cfg.APIBase, 10*time.Second, a.Logger))
	}
	if a.Config.Alerting.Email.Enabled {
		cfg := a.Config.Alerting.Email
		dispatcher.Register("email", alerting.NewEmailNotifier(alerting.EmailOptions{
			Host:     cfg.Host,
			Port:     cfg.Port,
			Username: cfg.Username,
			Password: cfg.Password,
			From:     cfg.From,
		}, a.Logger))
	}
	if a.Config.Alerting.Kafka.Enabled {
		cfg := a.Config.Alerting.Kafka
		publisher := alerting.NewKafkaPublisher(cfg.Brokers, cfg.Topic, a.Logger)
		dispatcher.SetPublisher(publisher)
		closer = func() {
			if err := publisher.Close(); err != nil {
				a.Logger.Error().Err(err).Msg("failed to close kafka publisher")
			}
		}
	}

	return dispatcher, closer
}

func (a *App) newService(store *storage.Store, dispatcher *alerting.Dispatcher, fetch fetcher.Fetcher, withScheduler bool) *service.Service {
	det := detector.New(a.Config.Detector.AnomalyThresholdPct)
	eval := evaluator.New(store, store, a.Config.Alerting.DefaultCooldown, a.Logger)
	retrier := retry.New(retry.Options{
		MaxAttempts: a.Config.Fetch.MaxAttempts,
		BaseDelay:   a.Config.Fetch.BaseDelay,
		MaxDelay:    a.Config.Fetch.MaxDelay,
	}, a.Logger)

	var sched *scheduler.Scheduler
	if withScheduler {
		sched = scheduler.New(scheduler.Options{
			ScanInterval: a.Config.Scheduler.ScanInterval,
			BatchSize:    a.Config.Scheduler.BatchSize,
		}, store, a.Logger)
	}

	return service.New(service.Options{
		Workers:      a.Config.Scheduler.Workers,
		LeaseTTL:     a.Config.Scheduler.LeaseTTL,
		FetchTimeout: a.Config.Fetch.Timeout,
		FailingAfter: a.Config.Fetch.FailingAfter,
	}, store, store, det, eval, dispatcher, retrier, fetch, sched, a.Logger)
}

// Run executes the long-running monitoring service.
func (a *App) Run(ctx context.Context) error {
	return a.serve(ctx, false)
}

// Serve executes the monitoring service with the HTTP API alongside it.
func (a *App) Serve(ctx context.Context) error {
	return a.serve(ctx, true)
}

func (a *App) serve(ctx context.Context, withAPI bool) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	dispatcher, closeDispatcher := a.newDispatcher(store)
	defer closeDispatcher()

	svc := a.newService(store, dispatcher, a.newFetcher(), true)

	if withAPI {
		server := api.NewServer(store, store, store, store, a.Config.Polling, a.Config.Alerting.DefaultCooldown, a.Logger)
		api.Start(ctx, a.Config.API, server, a.Logger)
	}

	a.Logger.Info().Msg("starting monitoring service")
	err = svc.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("monitoring service stopped")
	return nil
}

// AddOptions configure product registration.
type AddOptions struct {
	Locator      string
	Name         string
	BaseInterval time.Duration
	MinInterval  time.Duration
	MaxInterval  time.Duration
}

// ListOptions configure the list command.
type ListOptions struct {
	IncludeDisabled bool
}

// HistoryOptions configure the history command.
type HistoryOptions struct {
	ProductID int64
	From      *time.Time
	To        *time.Time
}

// AlertOptions configure alert rule registration.
type AlertOptions struct {
	ProductID   int64
	TargetPrice string
	Direction   string
	Channel     string
	Address     string
	Cooldown    time.Duration
	OneShot     bool
}

// ExportOptions hold parameters for exporting price history.
type ExportOptions struct {
	ProductID int64
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit int
}

// CheckOptions configure an immediate on-demand check.
type CheckOptions struct {
	ProductID int64
}

// SimulateOptions drive one pipeline pass with a fixed observation.
type SimulateOptions struct {
	ProductID   int64
	Price       string
	Unavailable bool
}
