package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"payment-reliability-engine/config"
	httpHandler "payment-reliability-engine/internal/adapter/http/handler"
	"payment-reliability-engine/internal/adapter/http/middleware"
	"payment-reliability-engine/internal/adapter/observability"
	"payment-reliability-engine/internal/adapter/processor"
	"payment-reliability-engine/internal/adapter/storage/memory"
	pgStorage "payment-reliability-engine/internal/adapter/storage/postgres"
	redisStorage "payment-reliability-engine/internal/adapter/storage/redis"
	"payment-reliability-engine/internal/core/domain"
	"payment-reliability-engine/internal/core/ports"
	"payment-reliability-engine/internal/service"
	"payment-reliability-engine/internal/worker"
	"payment-reliability-engine/pkg/logger"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func main() {
	// Load configuration
	cfg, err := config.Load(os.Getenv("PRE_CONFIG_FILE"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log := logger.New(cfg.Log.Level, cfg.Log.Pretty)

	log.Info().
		Str("mode", cfg.Server.Mode).
		Int("port", cfg.Server.Port).
		Str("storage", cfg.Storage.Backend).
		Str("processor", cfg.Processor.Transport).
		Msg("Starting Payment Reliability Engine")

	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("engine stopped with error")
	}
	log.Info().Msg("Server exited")
}

// stores groups the persistence the services are built on.
type stores struct {
	payments    ports.PaymentRepository
	idempotency ports.IdempotencyRepository
	webhooks    ports.WebhookRepository
	deadLetters ports.DeadLetterRepository
	audits      ports.AuditRepository
	circuits    ports.CircuitStore
	lock        ports.DeliveryLock
	cache       ports.IdempotencyCache
	rateLimit   *redisStorage.RateLimitStore
	health      []ports.HealthChecker
}

func run(cfg *config.Config, log zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var closers []func()
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}()

	st, cleanup, err := buildStores(ctx, cfg, log)
	if err != nil {
		return err
	}
	closers = append(closers, cleanup)

	// Observability
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	sinks := []ports.EventSink{
		observability.NewLogSink(logger.Component(log, "events")),
		observability.NewMetricsSink(registry),
	}
	if cfg.Kafka.Enabled {
		kafkaSink := observability.NewKafkaSink(observability.NewKafkaWriter(cfg.Kafka.Brokers, cfg.Kafka.Topic), 1024, logger.Component(log, "kafka"))
		sinks = append(sinks, kafkaSink)
		closers = append(closers, func() {
			if err := kafkaSink.Close(); err != nil {
				log.Error().Err(err).Msg("failed to flush kafka sink")
			}
		})
		log.Info().Strs("brokers", cfg.Kafka.Brokers).Str("topic", cfg.Kafka.Topic).Msg("Kafka event sink enabled")
	}
	sink := observability.NewMultiSink(sinks...)

	if cfg.Tracing.Enabled {
		tp, err := observability.InitTracer(cfg.Tracing.ServiceName, cfg.Tracing.JaegerEndpoint, log)
		if err != nil {
			return fmt.Errorf("init tracer: %w", err)
		}
		closers = append(closers, func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tp.Shutdown(shutdownCtx); err != nil {
				log.Error().Err(err).Msg("failed to shut down tracer")
			}
		})
	}

	gateway, gwCleanup, err := buildGateway(cfg, log)
	if err != nil {
		return err
	}
	closers = append(closers, gwCleanup)

	// Core services
	auditSvc := service.NewAuditService(st.audits, logger.Component(log, "audit"))
	machine := service.NewStateMachine(st.payments, sink, logger.Component(log, "statemachine"))
	idem := service.NewIdempotencyService(st.idempotency, st.cache, auditSvc, sink, service.IdempotencyConfig{
		TTL:          cfg.Idempotency.TTL,
		LeaseTimeout: cfg.Idempotency.LeaseTimeout,
		WaitTimeout:  cfg.Idempotency.WaitTimeout,
		PollInterval: cfg.Idempotency.PollInterval,
	}, logger.Component(log, "idempotency"))
	breaker := service.NewCircuitBreaker(st.circuits, service.CircuitBreakerConfig{
		FailureThreshold: cfg.Circuit.FailureThreshold,
		Cooldown:         cfg.Circuit.Cooldown,
	}, sink, logger.Component(log, "circuit"))
	dlq := service.NewDeadLetterService(st.deadLetters, auditSvc, sink, service.DeadLetterConfig{
		BaseBackoff: cfg.DeadLetter.BaseBackoff,
		MaxBackoff:  cfg.DeadLetter.MaxBackoff,
		MaxReplays:  cfg.DeadLetter.MaxReplays,
	}, logger.Component(log, "deadletter"))

	retryLog := logger.Component(log, "retry")
	executor := service.NewRetryExecutor(service.RetryConfig{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseDelay:   cfg.Retry.BaseDelay,
		MaxDelay:    cfg.Retry.MaxDelay,
		Jitter:      cfg.Retry.Jitter,
	}, breaker, dlq, sink, retryLog)
	recovery := service.NewRetryExecutor(service.RetryConfig{
		MaxAttempts: 1,
		BaseDelay:   cfg.Retry.BaseDelay,
		MaxDelay:    cfg.Retry.MaxDelay,
	}, breaker, nil, sink, retryLog)

	paymentSvc := service.NewPaymentService(st.payments, machine, idem, gateway, executor, recovery, service.PaymentConfig{
		Target:      cfg.Processor.Target,
		CallTimeout: cfg.ProcessorCallBudget(),
	}, logger.Component(log, "payment"))

	webhookSvc, err := service.NewWebhookService(st.webhooks, machine, service.NewHMACSignatureService(), st.lock, dlq, auditSvc, sink,
		service.WebhookConfig{Secret: cfg.Webhook.Secret}, logger.Component(log, "webhook"))
	if err != nil {
		return fmt.Errorf("init webhook pipeline: %w", err)
	}

	dlq.Register(domain.OperationProcessorCall, service.RecoveryHandler{
		Resume:  paymentSvc.ResumeProcessorCall,
		Abandon: paymentSvc.ReleaseRefundReservation,
	})
	dlq.Register(domain.OperationWebhookDelivery, service.RecoveryHandler{Resume: webhookSvc.ResumeDelivery})

	// Background workers
	workersCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()
	recoveryWorker := worker.NewRecoveryWorker(st.deadLetters, dlq, worker.RecoveryConfig{
		PollInterval: cfg.DeadLetter.PollInterval,
		BatchSize:    cfg.DeadLetter.BatchSize,
		Lease:        cfg.DeadLetter.Lease,
	}, logger.Component(log, "recovery_worker"))
	maintenanceWorker := worker.NewMaintenanceWorker(idem, paymentSvc, worker.MaintenanceConfig{
		Interval:     cfg.Reconcile.Interval,
		PendingAfter: cfg.Reconcile.PendingAfter,
		BatchSize:    cfg.Reconcile.BatchSize,
	}, logger.Component(log, "maintenance_worker"))

	workersDone := make(chan struct{}, 2)
	go func() { recoveryWorker.Run(workersCtx); workersDone <- struct{}{} }()
	go func() { maintenanceWorker.Run(workersCtx); workersDone <- struct{}{} }()

	// Setup Gin router with all routes
	var rules map[string]middleware.RateLimitRule
	rateLimitStore := st.rateLimit
	if cfg.RateLimit.Enabled && rateLimitStore != nil {
		rules = middleware.DefaultRateLimitRules(cfg.RateLimit.Limit, cfg.RateLimit.Window)
	} else {
		rateLimitStore = nil
	}

	router := httpHandler.SetupRouter(httpHandler.RouterDeps{
		PaymentSvc:      paymentSvc,
		WebhookSvc:      webhookSvc,
		DeadLetterSvc:   dlq,
		Circuits:        breaker,
		AuditSvc:        auditSvc,
		RateLimitStore:  rateLimitStore,
		RateLimitRules:  rules,
		HealthCheckers:  st.health,
		Registry:        registry,
		SignatureHeader: cfg.Webhook.SignatureHeader,
		WebhookMaxBytes: cfg.Webhook.MaxBodyBytes,
		RequestTimeout:  cfg.Server.RequestTimeout,
		Mode:            cfg.Server.Mode,
		Logger:          logger.Component(log, "http"),
	})

	// HTTP Server with graceful shutdown
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("Shutting down server...")
	case err := <-serverErr:
		stopWorkers()
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	if err := paymentSvc.Drain(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("processor operations still in flight at shutdown; reconciliation will pick them up")
	}
	stopWorkers()
	for i := 0; i < 2; i++ {
		select {
		case <-workersDone:
		case <-shutdownCtx.Done():
			log.Warn().Msg("workers did not stop in time")
			return nil
		}
	}
	return nil
}

// buildStores connects the configured backends. The returned cleanup closes
// every connection that was opened.
func buildStores(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*stores, func(), error) {
	st := &stores{}
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	switch cfg.Storage.Backend {
	case "postgres":
		pool, err := pgStorage.NewPool(ctx, cfg.Database, log)
		if err != nil {
			return nil, cleanup, fmt.Errorf("connect to PostgreSQL: %w", err)
		}
		closers = append(closers, pool.Close)
		if err := pgStorage.Migrate(ctx, pool); err != nil {
			cleanup()
			return nil, func() {}, err
		}
		st.payments = pgStorage.NewPaymentRepository(pool)
		st.idempotency = pgStorage.NewIdempotencyRepo(pool)
		st.webhooks = pgStorage.NewWebhookRepository(pool)
		st.deadLetters = pgStorage.NewDeadLetterRepository(pool)
		st.audits = pgStorage.NewAuditRepository(pool)
		st.health = append(st.health, pgStorage.NewHealthCheck(pool))
	default:
		log.Warn().Msg("using in-memory storage; state is lost on restart")
		st.payments = memory.NewPaymentRepo()
		st.idempotency = memory.NewIdempotencyRepo()
		st.webhooks = memory.NewWebhookRepo()
		st.deadLetters = memory.NewDeadLetterRepo()
		st.audits = memory.NewAuditRepo()
	}

	needRedis := cfg.Storage.CircuitStore == "redis" || cfg.RateLimit.Enabled || cfg.Idempotency.CacheEnabled
	var rdb *goredis.Client
	if needRedis {
		client, err := redisStorage.NewClient(ctx, cfg.Redis, log)
		if err != nil {
			if cfg.Storage.CircuitStore == "redis" {
				cleanup()
				return nil, func() {}, fmt.Errorf("connect to Redis: %w", err)
			}
			log.Warn().Err(err).Msg("Redis unavailable; rate limiting and idempotency cache disabled")
		} else {
			rdb = client
			closers = append(closers, func() { _ = client.Close() })
			st.health = append(st.health, redisStorage.NewHealthCheck(client))
		}
	}

	if rdb != nil {
		st.lock = redisStorage.NewDeliveryLock(rdb)
		st.rateLimit = redisStorage.NewRateLimitStore(rdb)
		if cfg.Idempotency.CacheEnabled {
			st.cache = redisStorage.NewIdempotencyCache(rdb)
		}
	} else {
		st.lock = memory.NewDeliveryLock()
	}
	if cfg.Storage.CircuitStore == "redis" {
		st.circuits = redisStorage.NewCircuitStore(rdb)
	} else {
		st.circuits = memory.NewCircuitStore()
	}

	return st, cleanup, nil
}

// buildGateway selects the processor transport.
func buildGateway(cfg *config.Config, log zerolog.Logger) (ports.ProcessorGateway, func(), error) {
	gwLog := logger.Component(log, "processor")
	switch cfg.Processor.Transport {
	case "nats":
		natsCfg := processor.NATSConfig{
			URL:           cfg.NATS.URL,
			Name:          cfg.Tracing.ServiceName,
			SubjectPrefix: cfg.NATS.SubjectPrefix,
			MaxReconnects: cfg.NATS.MaxReconnects,
			ReconnectWait: cfg.NATS.ReconnectWait,
			Timeout:       cfg.Processor.Timeout,
		}
		conn, err := processor.Connect(natsCfg, gwLog)
		if err != nil {
			return nil, func() {}, err
		}
		return processor.NewNATSGateway(conn, natsCfg, gwLog), func() {
			if err := conn.Drain(); err != nil {
				log.Warn().Err(err).Msg("NATS drain failed")
			}
		}, nil
	case "sandbox":
		gwLog.Warn().Msg("using the sandbox processor; no real money moves")
		return processor.NewSandbox(), func() {}, nil
	default:
		return processor.NewHTTPGateway(processor.HTTPConfig{
			BaseURL: cfg.Processor.BaseURL,
			APIKey:  cfg.Processor.APIKey,
			Timeout: cfg.Processor.Timeout,
		}, nil, gwLog), func() {}, nil
	}
}
