// Package main запускает HTTP-сервер сервиса розыгрышей.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/raffle-system/internal/config"
	"github.com/mmeshcher/raffle-system/internal/events"
	"github.com/mmeshcher/raffle-system/internal/handler"
	"github.com/mmeshcher/raffle-system/internal/logger"
	"github.com/mmeshcher/raffle-system/internal/metrics"
	"github.com/mmeshcher/raffle-system/internal/middleware"
	"github.com/mmeshcher/raffle-system/internal/payment"
	"github.com/mmeshcher/raffle-system/internal/repository"
	"github.com/mmeshcher/raffle-system/internal/service"
	"github.com/mmeshcher/raffle-system/internal/worker"
)

func main() {
	cfg, err := config.Parse()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Env)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger initialization error: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	sugar := log.Sugar()

	if err := cfg.Validate(); err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	repo, err := openRepository(cfg)
	if err != nil {
		sugar.Fatalw("database initialization error", "error", err.Error())
	}

	var payments service.PaymentProcessor
	if cfg.PaymentAPIURL != "" {
		payments = payment.NewClient(cfg.PaymentAPIURL, cfg.PaymentStoreID, cfg.PaymentAPIKey, log.Named("payment"))
	} else {
		sugar.Warnw("payment processor is not configured, reservations will be rejected")
	}

	var publisher events.Publisher = events.NopPublisher{}
	if len(cfg.KafkaBrokers) > 0 {
		publisher = events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		sugar.Infow("publishing domain events", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaTopic)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	svc := service.NewService(repo, payments, service.Settings{
		ReservationWindow: cfg.ReservationWindow,
		WebhookSecret:     []byte(cfg.PaymentWebhookSecret),
	},
		service.WithLogger(log.Named("service")),
		service.WithMetrics(m),
		service.WithPublisher(publisher),
	)
	defer svc.Close()

	var locker worker.Locker
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		locker = worker.NewRedisLocker(rdb, uuid.NewString())
		sugar.Infow("scheduled tasks use redis leases", "addr", cfg.RedisAddr)
	}

	scheduler := worker.NewScheduler(log.Named("worker"), m, locker,
		worker.Task{
			Name:     "sweep_expired_reservations",
			Interval: cfg.SweepInterval,
			Run: func(ctx context.Context) error {
				_, err := svc.SweepExpiredReservations(ctx)
				return err
			},
		},
		worker.Task{
			Name:     "close_due_raffles",
			Interval: cfg.CloseInterval,
			Run: func(ctx context.Context) error {
				_, err := svc.CloseDueRaffles(ctx)
				return err
			},
		},
	)

	authMiddleware := middleware.NewAuthMiddleware(cfg.AuthSecret)
	h := handler.NewHandler(svc, log.Named("http"), authMiddleware, cfg.AdminToken)

	servers := []*http.Server{{
		Addr:              cfg.RunAddress,
		Handler:           h.SetupRouter(),
		ReadHeaderTimeout: 5 * time.Second,
	}}
	if cfg.MetricsAddress != "" {
		servers = append(servers, metrics.NewServer(cfg.MetricsAddress, reg, svc.Ping))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Фоновые задачи: освобождение просроченных резервов и подведение итогов
	g.Go(func() error {
		return scheduler.Run(ctx)
	})

	for _, srv := range servers {
		g.Go(func() error {
			sugar.Infow("starting server", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return fmt.Errorf("server %s error: %w", srv.Addr, err)
			}
			return nil
		})
	}

	// Graceful shutdown при отмене контекста (сигнал или ошибка в другой горутине)
	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down servers...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		for _, srv := range servers {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("server %s shutdown error: %w", srv.Addr, err)
			}
		}
		sugar.Info("servers stopped gracefully")
		return nil
	})

	if err := g.Wait(); err != nil {
		sugar.Errorw("application terminated with error", "error", err)
	}
}

func openRepository(cfg *config.Config) (service.Repository, error) {
	if cfg.DatabaseURI == "" {
		return repository.NewMemoryRepository(), nil
	}
	repo, err := repository.NewPostgresRepository(cfg.DatabaseURI)
	if err != nil {
		return nil, err
	}
	return repo, nil
}
