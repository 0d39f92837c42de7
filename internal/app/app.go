// Package app assembles the booking service from configuration: storage,
// locks, payment processor, broker and the engine on top of them. The HTTP
// server and bookingctl both start from here.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/iliyamo/supper-club-booking/internal/clock"
	"github.com/iliyamo/supper-club-booking/internal/config"
	"github.com/iliyamo/supper-club-booking/internal/database"
	"github.com/iliyamo/supper-club-booking/internal/engine"
	"github.com/iliyamo/supper-club-booking/internal/lib/logger/sl"
	"github.com/iliyamo/supper-club-booking/internal/lock"
	"github.com/iliyamo/supper-club-booking/internal/metrics"
	"github.com/iliyamo/supper-club-booking/internal/middleware"
	"github.com/iliyamo/supper-club-booking/internal/model"
	"github.com/iliyamo/supper-club-booking/internal/payment"
	"github.com/iliyamo/supper-club-booking/internal/queue"
	"github.com/iliyamo/supper-club-booking/internal/repository"
	"github.com/iliyamo/supper-club-booking/internal/repository/memory"
	"github.com/iliyamo/supper-club-booking/internal/retry"
)

const (
	envLocal = "local"
	envDev   = "development"
	envProd  = "production"
)

type App struct {
	Cfg       config.Config
	Log       *slog.Logger
	Engine    *engine.Engine
	Users     repository.UserRepo
	Metrics   *metrics.Metrics // nil when metrics are disabled
	Redis     *redis.Client    // nil when Redis is unreachable
	Publisher queue.Publisher
	Clock     clock.Clock

	Availability *middleware.AvailabilityCache // nil when caching is off
	Limiter      *middleware.Limiter           // nil when rate limiting is off

	db  *sql.DB
	pub *queue.AMQP
}

// New wires every dependency named by cfg. Redis is optional: without it
// locks and rate limit buckets are in-process and nothing is cached.
func New(cfg config.Config, log *slog.Logger) (*App, error) {
	const op = "app.New"

	a := &App{
		Cfg:   cfg,
		Log:   log,
		Clock: clock.Real{},
	}
	if cfg.MetricsEnabled {
		a.Metrics = metrics.New()
	}

	var store repository.Store
	switch cfg.StoreDriver {
	case config.StoreMySQL:
		db, err := database.Open(context.Background(), database.Options{
			User: cfg.DBUser, Pass: cfg.DBPass, Host: cfg.DBHost, Port: cfg.DBPort, Name: cfg.DBName,
		})
		if err != nil {
			return nil, fmt.Errorf("%s: open database: %w", op, err)
		}
		a.db = db
		store = repository.NewMySQLStore(db)
		a.Users = repository.NewUserRepo(db)
	case config.StoreMemory:
		log.Warn("using the in-memory store; data is lost on restart")
		store = memory.New()
		a.Users = memory.NewUsers()
	default:
		return nil, fmt.Errorf("%s: unknown store driver %q", op, cfg.StoreDriver)
	}

	var locker lock.Locker = lock.NewLocal()
	if a.Redis = config.NewRedisClient(); a.Redis != nil {
		locker = lock.NewRedis(a.Redis, log, cfg.LockTTL)
	} else {
		log.Warn("redis unavailable; using in-process locks, availability cache disabled")
	}
	a.Availability = middleware.NewAvailabilityCache(config.LoadCacheConfig(), a.Redis, log)
	a.Limiter = middleware.NewLimiter(config.LoadRateLimitConfig(), a.Redis, log)

	processor, err := newProcessor(cfg.Payment, log)
	if err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	a.pub = queue.NewAMQP(cfg.RabbitURL, log)
	a.Publisher = a.pub

	a.Engine = engine.New(engine.Deps{
		Store:     store,
		Processor: processor,
		Locker:    locker,
		Publisher: a.Publisher,
		Clock:     a.Clock,
		Log:       log,
		Metrics:   a.Metrics,
		Retry: retry.Policy{
			Attempts:  cfg.Retry.Attempts,
			BaseDelay: cfg.Retry.BaseDelay,
			MaxDelay:  cfg.Retry.MaxDelay,
		},
		Booking:  cfg.Booking,
		Currency: cfg.Payment.Currency,
		OnChange: a.invalidateAvailability,
	})
	return a, nil
}

func newProcessor(cfg config.PaymentConfig, log *slog.Logger) (payment.Processor, error) {
	switch cfg.Provider {
	case "stripe":
		return payment.NewStripe(cfg.StripeAPIURL, cfg.StripeSecretKey, log), nil
	case "sandbox":
		log.Warn("using the sandbox payment processor; every payment succeeds")
		return payment.NewSandbox(), nil
	}
	return nil, fmt.Errorf("unknown payment provider %q", cfg.Provider)
}

func (a *App) invalidateAvailability(eventID uint64) {
	if a.Availability == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := a.Availability.Invalidate(ctx, eventID); err != nil {
		a.Log.Warn("availability cache not invalidated", slog.Uint64("event_id", eventID), sl.Err(err))
	}
}

// RunConsumers consumes the broker queues until ctx is cancelled: the
// booking audit log always, payment notifications when webhooks are
// processed asynchronously.
func (a *App) RunConsumers(ctx context.Context) {
	consumers := []*queue.Consumer{
		queue.NewConsumer(a.Cfg.RabbitURL, queue.BookingEvents, queue.AuditLogHandler(a.Cfg.AuditLogDir), a.Log),
	}
	if a.Cfg.Payment.WebhookAsync {
		apply := func(ctx context.Context, n payment.Notification) error {
			_, err := a.Engine.IngestPaymentNotification(ctx, n)
			return err
		}
		consumers = append(consumers,
			queue.NewConsumer(a.Cfg.RabbitURL, queue.PaymentNotifications, queue.NotificationHandler(apply), a.Log))
	}

	var wg sync.WaitGroup
	for _, c := range consumers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				a.Log.Error("consumer stopped", sl.Err(err))
			}
		}()
	}
	wg.Wait()
}

// CreateUser registers an account with the given role. bookingctl uses it to
// create ADMIN accounts, which the public API never hands out.
func (a *App) CreateUser(ctx context.Context, email, passwordHash, role string) (uint64, error) {
	if role != model.RoleCustomer && role != model.RoleAdmin {
		return 0, fmt.Errorf("unknown role %q", role)
	}
	return a.Users.Create(ctx, email, passwordHash, role)
}

// Close releases the broker, Redis and database connections.
func (a *App) Close() error {
	var errs []error
	if a.pub != nil {
		errs = append(errs, a.pub.Close())
	}
	if a.Redis != nil {
		errs = append(errs, a.Redis.Close())
	}
	if a.db != nil {
		errs = append(errs, a.db.Close())
	}
	return errors.Join(errs...)
}

// SetupLogger returns the logger for env: text with debug records locally,
// JSON elsewhere.
func SetupLogger(env string) *slog.Logger {
	switch env {
	case envLocal:
		return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	case envDev:
		return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	case envProd:
		return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
}
