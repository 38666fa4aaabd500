// Tributary Vault — общее состояние кластера.
//
// Vault:
//   - Держит очереди jobs (Redis или RabbitMQ) и выдаёт их воркерам
//   - Хранит потоки данных в Redis Streams
//   - Распределяет запросы ёмкости между инстансами воркеров
//   - Записывает терминальные статусы jobs в Postgres
//   - Возвращает в очередь jobs с просроченной арендой (лидер по advisory lock)
//
// Все сервисы доступны по gRPC; API и воркеры подключаются к vault.
package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/shaiso/Tributary/internal/capacity"
	"github.com/shaiso/Tributary/internal/config"
	"github.com/shaiso/Tributary/internal/domain"
	"github.com/shaiso/Tributary/internal/mq"
	"github.com/shaiso/Tributary/internal/queue"
	"github.com/shaiso/Tributary/internal/repo"
	"github.com/shaiso/Tributary/internal/rpc"
	"github.com/shaiso/Tributary/internal/runtime"
	"github.com/shaiso/Tributary/internal/stream"
	"github.com/shaiso/Tributary/internal/telemetry"
)

func main() {
	// Инициализируем structured logging
	logger := telemetry.SetupLogger()
	logger.Info("starting tributary-vault")

	cfg, err := config.Load("tributary-vault")
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// DB pool
	pool, err := repo.NewPool(ctx, cfg.Postgres.URL, cfg.Postgres.MaxConns)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	logger.Info("database connected")

	// Redis
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}
	logger.Info("redis connected", "addr", cfg.Redis.Addr)

	log := stream.NewRedisLog(stream.RedisLogConfig{
		Client: rdb,
		MaxLen: cfg.Stream.MaxLen,
		Logger: logger,
	})

	// Очереди
	var backend queue.Backend
	var dlq *queue.DeadLetterWatcher
	switch cfg.Queue.Backend {
	case "amqp":
		mqConn, err := mq.NewConnection(cfg.AMQP.URL, logger)
		if err != nil {
			logger.Error("failed to connect to rabbitmq", "error", err)
			os.Exit(1)
		}
		defer mqConn.Close()
		logger.Info("RabbitMQ connected")

		if err := mq.SetupTopology(ctx, mqConn); err != nil {
			logger.Error("failed to setup topology", "error", err)
			os.Exit(1)
		}

		backend = queue.NewAMQPBackend(queue.AMQPConfig{Conn: mqConn, Logger: logger})
		dlq = queue.NewDeadLetterWatcher(mqConn, logger, nil)
	default:
		backend = queue.NewRedisBackend(queue.RedisConfig{Client: rdb, Logger: logger})
	}

	negotiator := capacity.New(capacity.Config{
		TieBreak: capacity.TieBreak(cfg.Capacity.TieBreak),
		Logger:   logger,
	})

	// Runtime vault только записывает терминальные статусы
	rt := runtime.New(runtime.Config{
		Specs:  domain.NewSpecRegistry(),
		Store:  repo.NewStore(pool),
		Log:    log,
		Logger: logger,
	})

	coord := queue.New(queue.Config{
		Backend:      backend,
		Scaler:       negotiator,
		Outcomes:     rt,
		LeaseTTL:     cfg.Queue.LeaseTTL,
		PollInterval: cfg.Queue.PollInterval,
		Logger:       logger,
	})

	lock := repo.NewAdvisoryLock(pool, cfg.Queue.ReaperLockKey)
	defer lock.Release(context.Background())

	reaper := queue.NewReaper(queue.ReaperConfig{
		Backend:  backend,
		Schedule: cfg.Queue.ReaperSchedule,
		Leader:   lock,
		Logger:   logger,
	})
	if err := reaper.Start(ctx); err != nil {
		logger.Error("failed to start reaper", "error", err)
		os.Exit(1)
	}

	if dlq != nil {
		go func() {
			if err := dlq.Start(ctx); err != nil {
				logger.Error("dead letter watcher stopped", "error", err)
			}
		}()
	}

	// gRPC
	server := rpc.NewServer(rpc.ServerConfig{
		Coordinator:     coord,
		Negotiator:      negotiator,
		Log:             log,
		SubPollInterval: cfg.Stream.SubPollInterval,
		Logger:          logger,
	})

	lis, err := net.Listen("tcp", cfg.GRPC.Addr)
	if err != nil {
		logger.Error("failed to listen", "addr", cfg.GRPC.Addr, "error", err)
		os.Exit(1)
	}

	go func() {
		logger.Info("grpc listening", "addr", cfg.GRPC.Addr)
		if err := server.Serve(lis); err != nil {
			logger.Error("grpc server error", "error", err)
			cancel()
		}
	}()

	// HTTP mux: /healthz + /metrics
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := rdb.Ping(r.Context()).Err(); err != nil {
			http.Error(w, "redis unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())

	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTP.Port,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "error", err)
			cancel()
		}
	}()

	// Ожидаем сигнал завершения
	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
	server.Stop()
	reaper.Stop()
	if dlq != nil {
		dlq.Stop()
	}

	logger.Info("tributary-vault stopped")
}
