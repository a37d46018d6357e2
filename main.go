package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/Eursukkul/booking-settlement/config"
	"github.com/Eursukkul/booking-settlement/internal/booking"
	"github.com/Eursukkul/booking-settlement/internal/clock"
	"github.com/Eursukkul/booking-settlement/internal/consumer"
	"github.com/Eursukkul/booking-settlement/internal/handler"
	"github.com/Eursukkul/booking-settlement/internal/idempotency"
	"github.com/Eursukkul/booking-settlement/internal/ledger"
	"github.com/Eursukkul/booking-settlement/internal/middleware"
	"github.com/Eursukkul/booking-settlement/internal/notifier"
	"github.com/Eursukkul/booking-settlement/internal/payment"
	"github.com/Eursukkul/booking-settlement/internal/repository"
	"github.com/Eursukkul/booking-settlement/internal/saga"
	"github.com/Eursukkul/booking-settlement/pkg/database"
	"github.com/Eursukkul/booking-settlement/pkg/kv"
	"github.com/Eursukkul/booking-settlement/pkg/rabbitmq"
	"github.com/labstack/echo/v4"
	echoMw "github.com/labstack/echo/v4/middleware"
	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

func main() {
	if err := run(); err != nil {
		slog.Error("settlement service stopped", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := cfg.Logger.NewLogger()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.NewPostgresDB(cfg.Database.DSN(), database.PoolConfig{
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
	if err != nil {
		return err
	}

	clk := clock.System()

	idem, closeIdem, err := newIdempotencyStore(ctx, cfg, db, clk)
	if err != nil {
		return err
	}
	defer closeIdem()

	emitter, closeEmitter, err := newEmitter(cfg, logger)
	if err != nil {
		return err
	}
	defer closeEmitter()

	gateway := payment.WithBreaker(
		payment.NewClient(cfg.Gateway.BaseURL, cfg.Gateway.APIKey, cfg.Gateway.Timeout),
		payment.BreakerSettings{
			Failures: cfg.Gateway.BreakerFailures,
			Window:   cfg.Gateway.BreakerWindow,
			Cooldown: cfg.Gateway.BreakerCooldown,
		},
		logger,
	)

	// Repositories
	tx := repository.NewTransactor(db)
	bookingRepo := repository.NewBookingRepository(db)

	ldg := ledger.New(tx, repository.NewSlotRepository(db), repository.NewHoldRepository(db), clk, logger)
	coord := saga.New(saga.Deps{
		Tx:           tx,
		Bookings:     bookingRepo,
		Transactions: repository.NewTransactionRepository(db),
		Refunds:      repository.NewRefundRepository(db),
		Ledger:       ldg,
		Machine:      booking.NewMachine(bookingRepo),
		Gateway:      gateway,
		Verifier:     payment.NewVerifier(cfg.Gateway.WebhookSecret),
		Idempotency:  idem,
		Emitter:      emitter,
		Clock:        clk,
		Logger:       logger,
	}, saga.Options{
		HoldTTL:               cfg.Booking.HoldTTL,
		ReturnURL:             cfg.Gateway.ReturnURL,
		GatewayRetries:        cfg.Gateway.Retries,
		RetryBackoff:          cfg.Gateway.RetryBackoff,
		IdempotencyTTL:        cfg.Idempotency.TTL,
		AutoRefundLateCapture: cfg.Gateway.AutoRefundLateCapture,
	})

	// Echo
	e := echo.New()
	e.HideBanner = true
	e.HTTPErrorHandler = middleware.ErrorHandler
	e.Server.ReadTimeout = cfg.Server.ReadTimeout
	e.Server.WriteTimeout = cfg.Server.WriteTimeout
	e.Server.IdleTimeout = cfg.Server.IdleTimeout
	e.Use(echoMw.RequestLoggerWithConfig(echoMw.RequestLoggerConfig{
		LogStatus:   true,
		LogURI:      true,
		LogMethod:   true,
		LogLatency:  true,
		HandleError: true,
		LogValuesFunc: func(c echo.Context, v echoMw.RequestLoggerValues) error {
			level := slog.LevelInfo
			if v.Status >= http.StatusInternalServerError {
				level = slog.LevelError
			}
			logger.LogAttrs(c.Request().Context(), level, "request",
				slog.String("method", v.Method),
				slog.String("uri", v.URI),
				slog.Int("status", v.Status),
				slog.Duration("latency", v.Latency),
			)
			return nil
		},
	}))
	e.Use(echoMw.Recover())
	e.Use(echoMw.BodyLimit(cfg.Server.BodyLimit))

	idemMw := middleware.Idempotency(idem, clk, cfg.Idempotency.TTL, logger)
	handler.NewHealthHandler(coord).RegisterRoutes(e)
	handler.NewBookingHandler(coord, logger).RegisterRoutes(e, idemMw)
	handler.NewWebhookHandler(coord, logger).RegisterRoutes(e)
	handler.NewSlotHandler(ldg, logger).RegisterRoutes(e)

	var msgs <-chan amqp.Delivery
	if cfg.Rabbit.Enabled {
		mqConsumer, err := rabbitmq.NewConsumer(cfg.Rabbit.URL, rabbitmq.ConsumerConfig{
			Exchange:   cfg.Rabbit.CatalogExchange,
			Queue:      cfg.Rabbit.CatalogQueue,
			BindingKey: "slot.*",
			Prefetch:   10,
		})
		if err != nil {
			return err
		}
		defer mqConsumer.Close()

		if msgs, err = mqConsumer.Consume(); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("settlement service starting", "port", cfg.Server.Port)
		if err := e.Start(":" + cfg.Server.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		logger.Info("shutting down http server")
		return e.Shutdown(shutdownCtx)
	})

	sweeper := saga.NewSweeper(coord, idem, cfg.Booking.SweepInterval, cfg.Booking.SweepBatchSize, clk, logger)
	g.Go(func() error { return sweeper.Run(gctx) })

	probe := saga.NewStorageProbe(database.NewHealth(db), coord, cfg.Booking.StorageProbeInterval, logger)
	g.Go(func() error { return probe.Run(gctx) })

	if msgs != nil {
		catalog := consumer.NewCatalogConsumer(ldg, logger)
		g.Go(func() error { return catalog.Run(gctx, msgs) })
	}

	err = g.Wait()
	logger.Info("settlement service stopped")
	return err
}

func newIdempotencyStore(ctx context.Context, cfg *config.Config, db *gorm.DB, clk clock.Clock) (idempotency.Store, func(), error) {
	if cfg.Idempotency.Backend != "redis" {
		return idempotency.NewPostgresStore(db, clk), func() {}, nil
	}

	client, err := kv.NewRedisClient(ctx, kv.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		return nil, nil, err
	}
	return idempotency.NewRedisStore(client), func() { _ = client.Close() }, nil
}

// newEmitter publishes booking events to RabbitMQ, or only logs them when
// the broker is disabled.
func newEmitter(cfg *config.Config, logger *slog.Logger) (notifier.Emitter, func(), error) {
	if !cfg.Rabbit.Enabled {
		return notifier.NewLogEmitter(logger), func() {}, nil
	}

	publisher, err := rabbitmq.NewPublisher(cfg.Rabbit.URL, cfg.Rabbit.BookingExchange)
	if err != nil {
		return nil, nil, err
	}
	return notifier.NewBrokerEmitter(publisher, logger), publisher.Close, nil
}
