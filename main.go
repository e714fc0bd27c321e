package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"build-earn/api"
	"build-earn/domain"
	"build-earn/escrow"
	"build-earn/events"
	"build-earn/ledger"
	"build-earn/metrics"
	"build-earn/payout"
	"build-earn/storage"
	"build-earn/tasks"
)

func main() {
	var cfg Config
	envconfig.MustProcess("", &cfg)
	if port, ok := os.LookupEnv("FUNCTIONS_CUSTOMHANDLER_PORT"); ok {
		cfg.ListenAddr = ":" + port
	}

	logger := log.New()
	if cfg.Debug {
		logger.SetLevel(log.DebugLevel)
	}
	if err := cfg.validate(); err != nil {
		logger.Fatalf("config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := newStore(ctx, cfg)
	if err != nil {
		logger.Fatalf("storage: %v", err)
	}
	defer closeStore()

	sink, closeSink, err := newSink(ctx, cfg, logger)
	if err != nil {
		logger.Fatalf("events: %v", err)
	}
	defer closeSink()
	outbox := events.NewOutbox(sink, events.Config{}, logger)
	machine := tasks.NewMachine(store, outbox, logger)

	rpc := ledger.NewRPCClient(cfg.RPCURL, nil, logger)
	defer rpc.Close()
	esc, err := escrow.NewService(rpc, escrow.Config{
		ContractID:   cfg.ContractID,
		Passphrase:   cfg.NetworkPassphrase,
		Fee:          cfg.TxFee,
		TxTimeout:    cfg.TxTimeout,
		CallTimeout:  cfg.CallTimeout,
		PollInterval: cfg.PollInterval,
		AwaitTimeout: cfg.AwaitTimeout,
	}, logger)
	if err != nil {
		logger.Fatalf("escrow: %v", err)
	}

	health := map[string]api.HealthCheck{
		"store": func(ctx context.Context) error {
			_, err := store.List(ctx, domain.TaskFilter{Limit: 1})
			return err
		},
	}

	var balances escrow.BalanceReader = esc
	var reservations payout.Reservations = payout.NewMemoryReservations(cfg.ReservationTTL)
	if cfg.RedisConnStr != "" {
		opts, err := redisOptions(cfg.RedisConnStr)
		if err != nil {
			logger.Fatalf("redis: %v", err)
		}
		rc := redis.NewClient(opts)
		defer rc.Close()
		balances = escrow.NewBalanceCache(esc, rc, cfg.BalanceCacheTTL, logger)
		reservations = payout.NewRedisReservations(rc, cfg.ReservationTTL)
		health["redis"] = func(ctx context.Context) error { return rc.Ping(ctx).Err() }
	} else {
		logger.Warn("REDIS_CONNECTION_STRING not set; payout reservations are local to this process")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	coord := payout.NewCoordinator(machine, esc, balances, reservations, logger,
		payout.WithMetrics(metrics.NewPromMetrics(reg)),
		payout.WithDecimals(cfg.TokenDecimals),
	)

	reconciler := payout.NewReconciler(coord, cfg.ReconcileInterval, cfg.ReconcileBatch)
	go func() {
		if err := reconciler.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.WithError(err).Error("payout.reconciler.stopped")
		}
	}()

	auth, err := api.NewAuthenticator(api.AuthConfig{
		Mode:     cfg.AuthMode,
		Secret:   cfg.AuthSecret,
		Domain:   cfg.AuthDomain,
		Audience: cfg.AuthAudience,
	})
	if err != nil {
		logger.Fatalf("auth: %v", err)
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization, echo.HeaderContentEncoding},
	}))
	api.RegisterMetrics(e, reg)
	api.Register(e, api.Services{Tasks: machine, Payouts: coord, Health: health}, auth, logger)

	go func() {
		if err := e.Start(cfg.ListenAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("http: %v", err)
		}
	}()
	logger.WithFields(log.Fields{
		"addr":     cfg.ListenAddr,
		"contract": cfg.ContractID,
		"storage":  cfg.StorageBackend,
		"events":   cfg.EventsBackend,
	}).Info("build-earn.started")

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("http.shutdown")
	}
	if err := outbox.Close(shutdownCtx); err != nil {
		logger.WithError(err).Warn("event.outbox.shutdown")
	}
}

func newStore(ctx context.Context, cfg Config) (tasks.Store, func(), error) {
	switch cfg.StorageBackend {
	case "tables":
		s, err := storage.NewTableStore(cfg.StorageConnStr, cfg.TasksTable)
		if err != nil {
			return nil, nil, err
		}
		if err := s.EnsureTable(ctx); err != nil {
			return nil, nil, err
		}
		return s, func() {}, nil
	case "postgres":
		s, err := storage.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	default:
		return storage.NewMemoryStore(), func() {}, nil
	}
}

func newSink(ctx context.Context, cfg Config, logger *log.Logger) (events.Sink, func(), error) {
	switch cfg.EventsBackend {
	case "queue":
		s, err := events.NewQueueSink(cfg.StorageConnStr, cfg.EventsQueue)
		if err != nil {
			return nil, nil, err
		}
		if err := s.EnsureQueue(ctx); err != nil {
			return nil, nil, err
		}
		return s, func() {}, nil
	case "kafka":
		s, err := events.NewKafkaSink(cfg.KafkaBrokers, cfg.KafkaTopic)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	default:
		return events.LogSink{Logger: logger}, func() {}, nil
	}
}
