// Tributary Worker — выполняет jobs из очередей vault.
//
// Worker:
//   - Регистрирует встроенные spec, их обработчики и flow
//   - Берёт jobs из очереди vault и запускает обработчики
//   - Заявляет ёмкость в CapacityNegotiator и выполняет команды provision
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shaiso/Tributary/internal/capacity"
	"github.com/shaiso/Tributary/internal/catalog"
	"github.com/shaiso/Tributary/internal/config"
	"github.com/shaiso/Tributary/internal/domain"
	"github.com/shaiso/Tributary/internal/orchestrator"
	"github.com/shaiso/Tributary/internal/repo"
	"github.com/shaiso/Tributary/internal/retry"
	"github.com/shaiso/Tributary/internal/rpc"
	"github.com/shaiso/Tributary/internal/runtime"
	"github.com/shaiso/Tributary/internal/telemetry"
	"github.com/shaiso/Tributary/internal/worker"
)

func main() {
	// Инициализируем structured logging
	logger := telemetry.SetupLogger()
	logger.Info("starting tributary-worker")

	cfg, err := config.Load("tributary-worker")
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

	// Vault
	vault, err := rpc.Dial(rpc.ClientConfig{Addr: cfg.GRPC.Addr, Logger: logger})
	if err != nil {
		logger.Error("failed to dial vault", "addr", cfg.GRPC.Addr, "error", err)
		os.Exit(1)
	}
	defer vault.Close()

	specs := domain.NewSpecRegistry()
	rt := runtime.New(runtime.Config{
		Specs:              specs,
		Store:              repo.NewStore(pool),
		Log:                vault,
		Submitter:          vault,
		StreamPollInterval: cfg.Stream.PollInterval,
		Logger:             logger,
	})

	processors := worker.NewRegistry()
	orch := orchestrator.New(orchestrator.Config{
		Runtime:    rt,
		Specs:      specs,
		Processors: processors,
		Logger:     logger,
	})
	if err := catalog.Register(catalog.Config{
		Specs:        specs,
		Orchestrator: orch,
		Processors:   processors,
	}); err != nil {
		logger.Error("failed to register catalog", "error", err)
		os.Exit(1)
	}

	// Создаём worker
	w := worker.New(worker.Config{
		Runtime:     rt,
		Duties:      vault,
		Registry:    processors,
		ProjectID:   cfg.Project,
		Concurrency: cfg.Capacity.Concurrency,
		MaxCapacity: cfg.Capacity.MaxPerSpec,
		Logger:      logger,
	})

	// Запускаем worker
	if err := w.Start(ctx); err != nil {
		logger.Error("failed to start worker", "error", err)
		os.Exit(1)
	}

	instanceID := cfg.Capacity.InstanceID
	if instanceID == "" {
		instanceID = "worker-" + uuid.NewString()
	}
	go runAgent(ctx, vault, w, instanceID, cfg.Capacity.ReportInterval, logger)

	// HTTP mux: /healthz + /metrics
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:              ":" + cfg.HTTP.Port,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
			cancel()
		}
	}()

	// Ожидаем сигнал завершения
	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown error", "error", err)
	}

	// Останавливаем worker
	w.Stop()
	logger.Info("tributary-worker stopped")
}

// runAgent держит сессию с CapacityNegotiator и переподключается после
// обрыва, пока ctx не отменён.
func runAgent(ctx context.Context, vault *rpc.Client, w *worker.Worker, instanceID string, interval time.Duration, logger *slog.Logger) {
	logger = logger.With("instance_id", instanceID)

	for attempt := 1; ctx.Err() == nil; attempt++ {
		link, err := vault.ReportAsInstance(ctx, instanceID)
		if err == nil {
			agent := capacity.NewAgent(capacity.AgentConfig{
				InstanceID:     instanceID,
				Link:           link,
				Capacities:     w.Capacities,
				Provisioner:    w,
				ReportInterval: interval,
				Logger:         logger,
			})
			err = agent.Run(ctx)
			if err == nil {
				return
			}
			attempt = 1
		}
		if ctx.Err() != nil {
			return
		}

		delay := retry.Backoff(attempt, retry.DefaultPolicy())
		logger.Warn("capacity session lost, reconnecting", "error", err, "delay", delay)

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}
