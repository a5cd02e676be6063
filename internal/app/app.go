package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jbae-dev/stagepass/internal/amqp"
	"github.com/jbae-dev/stagepass/internal/config"
	"github.com/jbae-dev/stagepass/internal/notify"
	"github.com/jbae-dev/stagepass/internal/outbox"
	"github.com/jbae-dev/stagepass/internal/postgres"
	redisx "github.com/jbae-dev/stagepass/internal/redis"
	postgresrepo "github.com/jbae-dev/stagepass/internal/repository/postgres"
	redisrepo "github.com/jbae-dev/stagepass/internal/repository/redis"
	"github.com/jbae-dev/stagepass/internal/service"
	"github.com/jbae-dev/stagepass/internal/service/payment"
	"github.com/jbae-dev/stagepass/internal/service/reservation"
	"github.com/jbae-dev/stagepass/internal/service/session"
	"github.com/jbae-dev/stagepass/internal/sweep"
	httpgin "github.com/jbae-dev/stagepass/internal/transport/http/gin"
	"golang.org/x/sync/errgroup"
)

type App struct {
	cfg        *config.Config
	logger     *slog.Logger
	httpServer *http.Server
	publisher  *outbox.Publisher
	sweeper    *sweep.Scheduler
	delivery   *amqp.Publisher
	cache      *redisrepo.Cache
	pubsub     *redisx.SchedulePubSub
}

func New(cfg *config.Config, logger *slog.Logger) (*App, error) {
	// Initialize dependencies
	dsn := fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		cfg.Postgres.User,
		cfg.Postgres.Password,
		cfg.Postgres.Host,
		cfg.Postgres.Port,
		cfg.Postgres.Name,
		cfg.Postgres.SSLMode,
	)

	pgxPool, err := postgres.New(context.Background(), postgres.Config{DSN: dsn})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize postgres: %w", err)
	}

	rdb, err := redisx.New(context.Background(), redisx.Config{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize redis: %w", err)
	}

	// Initialize repositories
	store := postgresrepo.NewStore(pgxPool)
	cache := redisrepo.NewCache(rdb)
	pubsub := redisx.NewSchedulePubSub(rdb)
	limiter := redisrepo.NewSlidingWindowLimiter(rdb, "hold", 10, 1*time.Minute)
	idempotencyStore := redisrepo.NewIdempotencyStore(rdb, 2*time.Hour)
	locks := redisrepo.NewHoldLockStore(rdb)
	sessions := redisrepo.NewSessionStore(rdb, cfg.Booking.SessionTTL)
	tokens := redisrepo.NewWaitingTokenStore(rdb)

	// Initialize services
	services := service.NewServices(store, locks, sessions, tokens, cache, pubsub, limiter, logger, service.Config{
		Reservation: reservation.Config{HoldTTL: cfg.Booking.HoldTTL},
		Session:     session.Config{PingThreshold: cfg.Booking.PingThreshold},
		Payment: payment.Config{
			StuckThreshold: cfg.Booking.PaymentStuck,
			MaxRetries:     cfg.Booking.OutboxMaxRetries,
		},
	})

	// Background workers
	registry := notify.NewRegistry()
	delivery := amqp.NewPublisher(cfg.AMQP.URL, cfg.AMQP.Queue)

	publisher := outbox.NewPublisher(store, delivery, services.Reservation, registry, logger, outbox.Config{
		Interval:    cfg.Booking.OutboxInterval,
		MaxAttempts: cfg.Booking.OutboxMaxRetries,
	})

	sweeper := sweep.New(logger, cfg.Booking.SweepInterval,
		sweep.Task{Name: "expired-holds", Run: services.Reservation.ExpireHolds},
		sweep.Task{Name: "silent-sessions", Run: services.Session.SweepSilent},
		sweep.Task{Name: "stuck-payments", Run: services.Payment.RecoverStuck},
	)

	// Initialize Gin router
	router := httpgin.NewRouter(services, idempotencyStore, registry, logger)

	return &App{
		cfg:    cfg,
		logger: logger,
		httpServer: &http.Server{
			Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
			Handler: router,
		},
		publisher: publisher,
		sweeper:   sweeper,
		delivery:  delivery,
		cache:     cache,
		pubsub:    pubsub,
	}, nil
}

func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	g, gCtx := errgroup.WithContext(ctx)

	// Start HTTP server
	g.Go(func() error {
		a.logger.Info("HTTP server listening", "host", a.cfg.Server.Host, "port", a.cfg.Server.Port)
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("failed to start HTTP server: %w", err)
		}
		return nil
	})

	// Outbox publisher
	g.Go(func() error {
		a.logger.Info("outbox publisher started")
		return a.publisher.Run(gCtx)
	})

	// Sweep scheduler
	g.Go(func() error {
		a.logger.Info("sweep scheduler started")
		return a.sweeper.Run(gCtx)
	})

	// Cache invalidation fan-in: a sale on any instance drops the local
	// schedule caches everywhere.
	g.Go(func() error {
		a.logger.Info("schedule change subscriber started")
		err := a.pubsub.Subscribe(gCtx, func(ctx context.Context, scheduleID int64) {
			_ = a.cache.InvalidateSchedule(ctx, scheduleID)
		})
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	// Graceful shutdown
	g.Go(func() error {
		<-gCtx.Done()
		a.logger.Info("shutting down HTTP server")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.delivery.Close()
		return a.httpServer.Shutdown(ctx)
	})

	return g.Wait()
}
