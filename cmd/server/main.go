package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"the-digital-vault/internal/config"
	"the-digital-vault/internal/database"
	"the-digital-vault/internal/handler"
	"the-digital-vault/internal/infrastructure/payment"
	"the-digital-vault/internal/logger"
	"the-digital-vault/internal/metrics"
	"the-digital-vault/internal/notify"
	"the-digital-vault/internal/redis"
	"the-digital-vault/internal/repo"
	"the-digital-vault/internal/service"
	"the-digital-vault/internal/signature"
	"the-digital-vault/internal/worker"
)

const shutdownTimeout = 15 * time.Second

func main() {
	bootLog := logger.New(logger.Options{ServiceName: "vault"})

	cfg, err := config.Load()
	if err != nil {
		bootLog.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	logg := logger.New(logger.Options{
		ServiceName: "vault",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
		Format:      cfg.App.LogFormat,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logg); err != nil {
		logg.Error(context.Background(), "server stopped with error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logg *logger.Logger) (err error) {
	db, err := database.NewPostgres(ctx, cfg.DB)
	if err != nil {
		return err
	}
	dbService := database.New(db)
	defer func() { err = multierr.Append(err, dbService.Close()) }()

	if cfg.DB.AutoMigrate {
		if err := database.Migrate(ctx, db); err != nil {
			return err
		}
		logg.Info(ctx, "database schema applied")
	}

	var (
		lock        worker.Lock = worker.LocalLock{}
		redisPinger handler.Pinger
	)
	if cfg.Redis.Enabled() {
		var redisClient *redis.Client
		redisClient, err = redis.New(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		defer func() { err = multierr.Append(err, redisClient.Close()) }()

		lock, err = worker.NewRedisLock(redisClient, redisClient.LockKey(cfg.Worker.LockName), cfg.Worker.LockTTL)
		if err != nil {
			return err
		}
		redisPinger = redisClient
	} else {
		logg.Warn(ctx, "REDIS_URL not set, reconciliation lock is process-local")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	vaultMetrics := metrics.New(reg)

	var notifier notify.Notifier = notify.NewLogNotifier(logg, cfg.App.PublicBaseURL)
	if cfg.Notifier.URL != "" {
		notifier = notify.NewWebhookNotifier(cfg.Notifier.URL, cfg.App.PublicBaseURL, cfg.Notifier.Timeout, cfg.Notifier.MaxAttempts)
	}
	dispatcher, err := notify.NewDispatcher(notify.DispatcherParams{
		Notifier:  notifier,
		Logger:    logg,
		Metrics:   vaultMetrics,
		Workers:   cfg.Notifier.Workers,
		QueueSize: cfg.Notifier.QueueSize,
		Timeout:   cfg.Notifier.Timeout,
	})
	if err != nil {
		return err
	}

	orderRepo := repo.NewOrderRepo(db)
	paymentRepo := repo.NewPaymentRepo(db)
	tokenRepo := repo.NewTokenRepo(db)

	if cfg.Gateway.ServerKey == "" {
		logg.Warn(ctx, "GATEWAY_SERVER_KEY not set, notification signatures are not verified")
	}
	verifier := signature.NewVerifier(cfg.Gateway.ServerKey, cfg.AcceptUnsigned())

	accessService := service.NewAccessService(service.AccessParams{
		Tokens:   tokenRepo,
		Logger:   logg,
		Metrics:  vaultMetrics,
		Validity: cfg.Access.TokenValidity,
		Retries:  cfg.Webhook.StoreRetries,
	})
	reconciler := service.NewReconcileService(service.ReconcileParams{
		Orders:   orderRepo,
		Ledger:   paymentRepo,
		Access:   accessService,
		Verifier: verifier,
		Notifier: dispatcher,
		Logger:   logg,
		Metrics:  vaultMetrics,
		Retries:  cfg.Webhook.StoreRetries,

		GrantTimeout: cfg.Access.GrantTimeout,
	})
	orderService := service.NewOrderService(service.OrderParams{
		Orders:  orderRepo,
		Ledger:  paymentRepo,
		Logger:  logg,
		Retries: cfg.Webhook.StoreRetries,
	})

	server := handler.NewServer(handler.Deps{
		Config:     cfg,
		Logger:     logg,
		Metrics:    vaultMetrics,
		Gatherer:   reg,
		Reconciler: reconciler,
		Access:     accessService,
		Orders:     orderService,
		DB:         dbService,
		Redis:      redisPinger,
	})
	httpServer := &http.Server{
		Addr:              ":" + cfg.App.Port,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	// the dispatcher outlives the HTTP server so in-flight webhooks can still enqueue
	dispatchCtx, stopDispatch := context.WithCancel(context.WithoutCancel(ctx))
	defer stopDispatch()
	g.Go(func() error {
		return dispatcher.Run(dispatchCtx)
	})

	if cfg.Worker.Enabled {
		reconWorker, err := worker.NewReconciliationWorker(worker.Params{
			Orders:     orderRepo,
			Gateway:    payment.NewHTTPGateway(cfg.Gateway),
			Reconciler: reconciler,
			Lock:       lock,
			Logger:     logg,
			Metrics:    vaultMetrics,
			Interval:   cfg.Worker.Interval,
			StuckAfter: cfg.Worker.StuckAfter,
			BatchSize:  cfg.Worker.BatchSize,
		})
		if err != nil {
			return err
		}
		g.Go(func() error {
			return reconWorker.Run(gctx)
		})
	}

	g.Go(func() error {
		logg.Info(logg.WithFields(gctx, map[string]any{
			"env":  cfg.App.Env,
			"addr": httpServer.Addr,
		}), "starting api server")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logg.Info(context.Background(), "shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		defer stopDispatch()
		return httpServer.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	return multierr.Append(err, dispatcher.Close())
}
