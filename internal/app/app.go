package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kursadbilgin/reminder-engine/internal/circuitbreaker"
	"github.com/kursadbilgin/reminder-engine/internal/config"
	"github.com/kursadbilgin/reminder-engine/internal/domain"
	"github.com/kursadbilgin/reminder-engine/internal/events"
	infraredis "github.com/kursadbilgin/reminder-engine/internal/infra/redis"
	"github.com/kursadbilgin/reminder-engine/internal/observability"
	"github.com/kursadbilgin/reminder-engine/internal/provider"
	"github.com/kursadbilgin/reminder-engine/internal/queue"
	"github.com/kursadbilgin/reminder-engine/internal/ratelimit"
	"github.com/kursadbilgin/reminder-engine/internal/recovery"
	"github.com/kursadbilgin/reminder-engine/internal/repository"
	"github.com/kursadbilgin/reminder-engine/internal/service"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

const (
	TaskSchedulerDispatch = "scheduler.dispatch"
	TaskRetrySweep        = "delivery.retry_sweep"
	TaskQueueHealth       = "queues.health"

	eventBufferSize = 1024
	stopTimeout     = 10 * time.Second
)

// Infra carries the connections opened by main. Every field is optional: a
// nil DB keeps all state in memory, a nil Redis falls back to the in-memory
// limiter and a nil Publisher only logs events.
type Infra struct {
	DB        *gorm.DB
	Redis     *goredis.Client
	Publisher events.Publisher
	// Providers are registered in addition to the webhook providers built
	// from the config.
	Providers []provider.DeliveryProvider
	// Resolver is consulted before the contact store.
	Resolver service.Resolver
}

// App is the wired engine.
type App struct {
	Config  *config.Config
	Logger  *zap.Logger
	Metrics *observability.Metrics
	Events  events.Sink

	Breakers  *circuitbreaker.Registry
	Providers *provider.Registry
	Recovery  *recovery.Manager
	Queues    *queue.Manager
	Scheduler *service.Scheduler
	Delivery  *service.DeliveryManager
	Worker    *service.WorkerService
	Retry     *service.RetryScanner
	Tasks     *Background
	Contacts  repository.ContactRepository

	db         *gorm.DB
	redis      *goredis.Client
	rabbitSink *events.RabbitMQSink
}

func New(cfg *config.Config, infra Infra, logger *zap.Logger) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	a := &App{
		Config:  cfg,
		Logger:  logger,
		Metrics: observability.NewMetrics(),
		db:      infra.DB,
		redis:   infra.Redis,
	}

	sinks := []events.Sink{events.NewLogSink(logger)}
	if infra.Publisher != nil {
		rabbitSink, err := events.NewRabbitMQSink(infra.Publisher, eventBufferSize, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create event sink: %w", err)
		}
		a.rabbitSink = rabbitSink
		sinks = append(sinks, rabbitSink)
	}
	a.Events = events.Fanout(sinks...)

	var (
		tasks         repository.TaskRepository
		notifications repository.NotificationRepository
		attempts      repository.AttemptRepository
		store         recovery.Store
	)
	if infra.DB != nil {
		tasks = repository.NewGormTaskRepo(infra.DB)
		notifications = repository.NewGormNotificationRepo(infra.DB)
		attempts = repository.NewGormAttemptRepo(infra.DB)
		store = repository.NewGormRecoveryStore(infra.DB)
		a.Contacts = repository.NewGormContactRepo(infra.DB)
	}

	queueConfigs := queue.DefaultConfigs()
	limiter, err := newLimiter(cfg, queueConfigs, infra.Redis)
	if err != nil {
		return nil, err
	}

	a.Breakers = circuitbreaker.NewRegistry(breakerConfig(cfg), a.onBreakerChange, logger)

	a.Providers = provider.NewRegistry(logger)
	if err := a.registerProviders(cfg, infra.Providers); err != nil {
		return nil, err
	}

	a.Recovery = recovery.NewManager(nil, store, a.Events, logger)
	a.Recovery.SetMetrics(a.Metrics)

	resolver := service.ChainResolver{}
	if infra.Resolver != nil {
		resolver = append(resolver, infra.Resolver)
	}
	if a.Contacts != nil {
		contacts, err := service.NewContactResolver(a.Contacts)
		if err != nil {
			return nil, err
		}
		resolver = append(resolver, contacts)
	}

	a.Delivery, err = service.NewDeliveryManager(service.DeliveryDeps{
		Providers:     a.Providers,
		Breakers:      a.Breakers,
		Resolver:      resolver,
		Limiter:       limiter,
		Recovery:      a.Recovery,
		Notifications: notifications,
		Attempts:      attempts,
		Sink:          a.Events,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create delivery manager: %w", err)
	}
	a.Delivery.SetMetrics(a.Metrics)

	a.Queues, err = queue.NewManager(
		queueConfigs,
		func(ctx context.Context, msg *queue.Message) error { return a.Worker.Process(ctx, msg) },
		limiter,
		a.Events,
		logger,
		queue.WithHealthInterval(cfg.QueueHealthInterval),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create queues: %w", err)
	}
	a.Queues.SetMetrics(a.Metrics)

	a.Scheduler, err = service.NewScheduler(tasks, a.Queues, cfg.SchedulerInterval, a.Events, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}
	a.Scheduler.SetMetrics(a.Metrics)
	a.Scheduler.SetEnqueueBackoff(cfg.EnqueueBackoff)
	a.Scheduler.OnCancel(func(ctx context.Context, task *domain.ScheduledTask) {
		a.Delivery.CancelSource(ctx, task.ID)
	})
	a.Delivery.OnCancel(func(ctx context.Context, n *domain.NotificationTask) {
		if n.SourceTaskID != "" {
			a.Scheduler.Cancel(ctx, n.SourceTaskID)
		}
	})

	a.Worker, err = service.NewWorkerService(a.Scheduler, a.Delivery, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create worker: %w", err)
	}

	a.Retry, err = service.NewRetryScanner(a.Delivery, a.Queues, a.Providers, cfg.RetrySweepInterval, 0, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create retry scanner: %w", err)
	}
	a.Retry.SetRetention(cfg.NotificationRetention)

	a.Tasks = NewBackground(logger)
	for _, t := range []Task{
		{
			Name:    TaskSchedulerDispatch,
			Enabled: cfg.SchedulerEnabled,
			Start:   a.Scheduler.Start,
			RunOnce: a.Scheduler.RunOnce,
		},
		{
			Name:    TaskRetrySweep,
			Enabled: cfg.RetrySweepEnabled,
			Start:   a.Retry.Start,
			RunOnce: a.Retry.RunOnce,
		},
		{
			Name:    TaskQueueHealth,
			Enabled: cfg.QueueHealthEnabled,
			Start:   a.Queues.Supervise,
			RunOnce: func(ctx context.Context) error {
				a.Queues.CheckHealth(ctx)
				return nil
			},
		},
	} {
		if err := a.Tasks.Register(t); err != nil {
			return nil, err
		}
	}

	return a, nil
}

// Run restores persisted state, starts the queues and runs the background
// tasks until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	if n, err := a.Scheduler.Recover(ctx); err != nil {
		a.Logger.Warn("scheduler recovery failed", zap.Error(err))
	} else if n > 0 {
		a.Logger.Info("scheduled tasks recovered", zap.Int("count", n))
	}
	if n, err := a.Delivery.Recover(ctx); err != nil {
		a.Logger.Warn("delivery recovery failed", zap.Error(err))
	} else if n > 0 {
		a.Logger.Info("notifications recovered", zap.Int("count", n))
	}

	if err := a.Queues.StartAll(ctx); err != nil {
		return fmt.Errorf("failed to start queues: %w", err)
	}

	g, groupCtx := errgroup.WithContext(ctx)
	if a.rabbitSink != nil {
		g.Go(func() error { return a.rabbitSink.Start(groupCtx) })
	}
	g.Go(func() error { return a.Tasks.Run(groupCtx) })
	g.Go(func() error {
		<-groupCtx.Done()
		return nil
	})

	err := g.Wait()

	stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	if stopErr := a.Queues.StopAll(stopCtx); stopErr != nil {
		a.Logger.Warn("queues did not stop cleanly", zap.Error(stopErr))
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Ready reports whether the backing stores answer.
func (a *App) Ready(ctx context.Context) map[string]error {
	checks := make(map[string]error)
	if a.db != nil {
		sqlDB, err := a.db.DB()
		if err == nil {
			err = sqlDB.PingContext(ctx)
		}
		checks["postgres"] = err
	}
	if a.redis != nil {
		checks["redis"] = a.redis.Ping(ctx).Err()
	}
	return checks
}

func (a *App) onBreakerChange(name string, from, to circuitbreaker.State) {
	a.Metrics.SetBreakerState(name, to.String())
	a.Events.Emit(context.Background(), events.New(
		events.CircuitStateChanged,
		breakerSeverity(to),
		"breaker", name,
		"from", from.String(),
		"to", to.String(),
	))
}

func (a *App) registerProviders(cfg *config.Config, extra []provider.DeliveryProvider) error {
	webhooks := []struct {
		name   string
		method domain.DeliveryMethod
		url    string
	}{
		{"email-webhook", domain.DeliveryMethodEmail, cfg.EmailWebhookURL},
		{"sms-webhook", domain.DeliveryMethodSMS, cfg.SMSWebhookURL},
		{"push-webhook", domain.DeliveryMethodPush, cfg.PushWebhookURL},
	}
	for _, w := range webhooks {
		if w.url == "" {
			continue
		}
		p, err := provider.NewWebhookProvider(w.name, w.method, w.url, cfg.ProviderTimeout)
		if err != nil {
			return fmt.Errorf("failed to create provider %s: %w", w.name, err)
		}
		if _, err := a.Providers.Register(p); err != nil {
			return fmt.Errorf("failed to register provider %s: %w", w.name, err)
		}
	}
	for _, p := range extra {
		if _, err := a.Providers.Register(p); err != nil {
			return fmt.Errorf("failed to register provider %s: %w", p.Name(), err)
		}
	}
	return nil
}

// newLimiter builds the limiter shared by delivery channels and queue
// enqueues. Queue channels keep their per-type limits.
func newLimiter(cfg *config.Config, queues map[domain.QueueType]queue.Config, client *goredis.Client) (ratelimit.RateLimiter, error) {
	limits := make(ratelimit.Limits, len(queues))
	for typ, qc := range queues {
		limits[queue.RateLimitChannel(typ)] = qc.RateLimit
	}
	if client == nil {
		return ratelimit.NewMemoryRateLimiter(cfg.DeliveryRateLimitPerMin, limits), nil
	}
	limiter, err := infraredis.NewRedisRateLimiter(client, cfg.DeliveryRateLimitPerMin, limits)
	if err != nil {
		return nil, fmt.Errorf("failed to create rate limiter: %w", err)
	}
	return limiter, nil
}

func breakerConfig(cfg *config.Config) circuitbreaker.Config {
	return circuitbreaker.Config{
		FailureThreshold:     cfg.BreakerFailureThreshold,
		FailureRateThreshold: cfg.BreakerFailureRate,
		MinimumCalls:         cfg.BreakerMinimumCalls,
		WindowSize:           cfg.BreakerWindowSize,
		SlowCallThreshold:    cfg.BreakerSlowCall(),
		SuccessThreshold:     cfg.BreakerSuccessThreshold,
		Timeout:              cfg.BreakerTimeout,
	}
}

func breakerSeverity(to circuitbreaker.State) events.Severity {
	switch to {
	case circuitbreaker.StateOpen:
		return events.SeverityError
	case circuitbreaker.StateHalfOpen:
		return events.SeverityWarning
	default:
		return events.SeverityInfo
	}
}
