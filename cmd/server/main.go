package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"taskorch/internal/api"
	"taskorch/internal/config"
	"taskorch/internal/consumer"
	"taskorch/internal/metrics"
	"taskorch/internal/model"
	"taskorch/internal/repository"
	"taskorch/internal/service"
	"taskorch/pkg/logger"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
)

func main() {
	// 1. Load Configuration
	cfg := config.Load()

	logger.InitLogger(cfg.Server.Environment)
	defer logger.Sync()

	if err := run(cfg); err != nil {
		logger.Error("application startup failed", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	outboxMode, err := service.ParseDeliveryMode(cfg.Outbox.Mode)
	if err != nil {
		return err
	}
	dispatchMode, err := service.ParseDispatchMode(cfg.Dispatch.Mode)
	if err != nil {
		return err
	}
	if cfg.Auth.SigningKey == "" {
		return errors.New("auth.signing_key is required")
	}

	// 2. Infrastructure
	rdb, err := initRedis(cfg.Redis)
	if err != nil {
		return err
	}
	defer rdb.Close()

	etcdCli, err := initEtcd(cfg.Etcd)
	if err != nil {
		return err
	}
	defer etcdCli.Close()

	db, err := initDB(cfg.MySQL)
	if err != nil {
		return err
	}

	// 3. Repositories
	taskRepo := repository.NewTaskRepository(db)
	outboxRepo := repository.NewOutboxRepository(db)
	deadLetterRepo := repository.NewDeadLetterRepository(db)
	queue := repository.NewRedisQueue(rdb, cfg.Redis.KeyPrefix)
	ledger := repository.NewRedisLedger(rdb, cfg.Redis.KeyPrefix, 0)
	locker := repository.NewEtcdLocker(etcdCli, 30)

	// 4. Consumers
	hub := service.NewHub(metrics.NewPrometheusObserver(), cfg.Stream.HeartbeatInterval, cfg.Stream.HubBufferSize)
	registry := consumer.NewRegistry(ledger)
	allEvents := []string{model.EventTaskStatusChanged, model.EventTaskResultProcessed, model.EventTaskDeadLettered}
	registry.Register(consumer.NewMetricsRecorder(metrics.NewTaskObserver()), allEvents...)
	registry.Register(consumer.NewHubBroadcaster(hub), allEvents...)
	if cfg.GitLab.Token != "" {
		gitlab := consumer.NewHTTPGitLabClient(cfg.GitLab.BaseURL, cfg.GitLab.Token, cfg.GitLab.Timeout)
		registry.Register(consumer.NewCommentPoster(gitlab), model.EventTaskResultProcessed)
	}
	if cfg.NATS.URL != "" {
		nc, err := initNATS(ctx, cfg.NATS, registry)
		if err != nil {
			return err
		}
		defer nc.Drain()
	}
	if cfg.Telegram.Token != "" {
		bot, err := tgbotapi.NewBotAPI(cfg.Telegram.Token)
		if err != nil {
			return fmt.Errorf("failed to connect to telegram: %w", err)
		}
		registry.Register(consumer.NewChatNotifier(bot, cfg.Telegram.ChatID), model.EventTaskStatusChanged, model.EventTaskDeadLettered)
	}

	// 5. Services
	publisher := service.NewOutboxPublisher(outboxRepo, outboxMode, registry)
	machine := service.NewStateMachine(db, taskRepo, publisher)
	taskTokens := service.NewTaskTokenService([]byte(cfg.Auth.SigningKey), cfg.Auth.TaskTokenTTL)
	dispatchObserver := metrics.NewDispatchObserver()
	dispatcher := service.NewTaskDispatcher(db, taskRepo, machine, publisher, queue, taskTokens, service.DispatchConfig{
		Mode:        dispatchMode,
		MaxAttempts: cfg.Dispatch.MaxAttempts,
	}, dispatchObserver)
	deadLetters := service.NewDeadLetterHandler(db, taskRepo, deadLetterRepo, outboxRepo, machine, publisher, service.Backoff{
		Base: cfg.Dispatch.RetryBaseDelay,
		Max:  cfg.Dispatch.RetryMaxDelay,
	})
	ingestor := service.NewResultIngestor(db, taskRepo, machine, publisher, deadLetters, service.MustResultValidator(), service.Pricing{
		InputPerMillion:    cfg.Pricing.InputPerMillion,
		OutputPerMillion:   cfg.Pricing.OutputPerMillion,
		ThinkingPerMillion: cfg.Pricing.ThinkingPerMillion,
	})
	queries := service.NewTaskQueryService(taskRepo, outboxRepo, queue)
	authSvc := service.NewAuthService(rdb, service.AuthConfig{
		SigningKey:       []byte(cfg.Auth.SigningKey),
		AccessTokenTTL:   cfg.Auth.AccessTokenTTL,
		RefreshTokenTTL:  cfg.Auth.RefreshTokenTTL,
		KeyPrefix:        cfg.Redis.KeyPrefix,
		OperatorUser:     cfg.Auth.OperatorUser,
		OperatorPassword: cfg.Auth.OperatorPassword,
	})

	rules := service.DefaultRoutingRules()
	if cfg.Routing.RulesFile != "" {
		rules, err = service.LoadRoutingRules(cfg.Routing.RulesFile)
		if err != nil {
			return err
		}
	}
	router, err := service.NewEventRouter(rules, cfg.Routing.BotUsernames)
	if err != nil {
		return err
	}

	// 6. Workers
	deliveryWorker := service.NewDeliveryWorker(db, outboxRepo, deadLetters, registry, outboxMode, service.DeliveryConfig{
		Interval:    cfg.Workers.OutboxInterval,
		BatchSize:   cfg.Workers.OutboxBatchSize,
		Lease:       cfg.Workers.OutboxLease,
		MaxAttempts: cfg.Outbox.MaxAttempts,
		Backoff:     service.Backoff{Base: cfg.Outbox.RetryBaseDelay, Max: cfg.Outbox.RetryMaxDelay},
	}, metrics.NewDeliveryObserver())
	publisher.AttachWorker(deliveryWorker)

	sweeper := service.NewSweeper(taskRepo, deadLetters, dispatcher, locker, service.SweepConfig{
		Schedule:          cfg.Workers.SweepSchedule,
		TaskTimeout:       cfg.Workers.TaskTimeout,
		SchedulingTimeout: cfg.Workers.SchedulingTimeout,
		PromoteAfter:      cfg.Workers.PromoteAfter,
		BatchSize:         cfg.Workers.SweepBatchSize,
	})

	var wg sync.WaitGroup
	spawn := func(name string, fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			logger.Info("starting " + name)
			fn(ctx)
		}()
	}
	// the hub gets its own context so open streams can be closed before the
	// HTTP server drains
	hubCtx, stopHub := context.WithCancel(ctx)
	defer stopHub()
	wg.Add(1)
	go func() {
		defer wg.Done()
		logger.Info("starting hub")
		hub.Run(hubCtx)
	}()
	spawn("outbox delivery worker", deliveryWorker.Run)
	spawn("sweeper", func(ctx context.Context) {
		if err := sweeper.Run(ctx); err != nil {
			logger.Error("sweeper stopped", zap.Error(err))
		}
	})
	if cfg.Executor.Command != "" {
		executor := &service.CommandExecutor{Path: cfg.Executor.Command, Args: cfg.Executor.Args, Timeout: cfg.Executor.Timeout}
		for i := 0; i < max(cfg.Workers.ServerExecutors, 1); i++ {
			w := service.NewExecutionWorker(queue, machine, ingestor, deadLetters, executor, cfg.Executor.PollTimeout)
			spawn(fmt.Sprintf("execution worker %d", i), w.Run)
		}
	}

	// 7. HTTP
	handlers := api.Handlers{
		Webhook: api.NewWebhookHandler(router, dispatcher, dispatchObserver),
		Task:    api.NewTaskHandler(queries, machine, ingestor, dispatcher),
		Admin:   api.NewAdminHandler(deliveryWorker, deadLetters, dispatcher, queries),
		Stream:  api.NewStreamHandler(hub),
		Auth:    api.NewAuthHandler(authSvc),
		Health: api.NewHealthHandler(map[string]api.HealthCheck{
			"mysql": taskRepo.PingContext,
			"redis": func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
			"etcd":  locker.Health,
		}),
	}
	r := api.RegisterRoutes(handlers, authSvc, taskTokens, rdb, api.RouterConfig{
		Env:               cfg.Server.Environment,
		WebhookSecret:     cfg.GitLab.WebhookSecret,
		ExecutorKeys:      cfg.Auth.ExecutorKeys,
		CorsOrigins:       cfg.Server.CorsOrigins,
		RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
		KeyPrefix:         cfg.Redis.KeyPrefix,
	})

	srv := &http.Server{
		Addr:    cfg.Server.Port,
		Handler: r,
	}

	go func() {
		logger.Info("server starting",
			zap.String("addr", cfg.Server.Port),
			zap.String("env", cfg.Server.Environment),
			zap.String("outbox_mode", string(outboxMode)),
			zap.String("dispatch_mode", string(dispatchMode)))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server listen failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	stopHub()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
	}
	cancel()
	wg.Wait()

	logger.Info("server exited properly")
	return nil
}

// -- Infrastructure Initializers --

func initRedis(cfg config.RedisConfig) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return rdb, nil
}

func initEtcd(cfg config.EtcdConfig) (*clientv3.Client, error) {
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}
	return client, nil
}

func initDB(cfg config.MySQLConfig) (*gorm.DB, error) {
	db, err := gorm.Open(mysql.Open(cfg.DSN), repository.GormConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mysql: %w", err)
	}
	if err := repository.AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return db, nil
}

func initNATS(ctx context.Context, cfg config.NATSConfig, registry *consumer.Registry) (*nats.Conn, error) {
	nc, js, err := consumer.ConnectJetStream(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}
	streamCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := consumer.EnsureStream(streamCtx, js, cfg.Stream, cfg.SubjectPrefix); err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to ensure nats stream: %w", err)
	}
	registry.Register(consumer.NewNATSNotifier(js, cfg.SubjectPrefix),
		model.EventTaskStatusChanged, model.EventTaskResultProcessed, model.EventTaskDeadLettered)
	return nc, nil
}
