// Tributary API — HTTP API для запуска jobs и работы с их потоками.
//
// Потоки, очередь и запросы ёмкости идут в vault по gRPC; jobs и
// история статусов читаются из Postgres.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shaiso/Tributary/internal/api"
	"github.com/shaiso/Tributary/internal/catalog"
	"github.com/shaiso/Tributary/internal/config"
	"github.com/shaiso/Tributary/internal/domain"
	"github.com/shaiso/Tributary/internal/orchestrator"
	"github.com/shaiso/Tributary/internal/repo"
	"github.com/shaiso/Tributary/internal/rpc"
	"github.com/shaiso/Tributary/internal/runtime"
	"github.com/shaiso/Tributary/internal/telemetry"
)

var (
	startTime = time.Now()
	reqTotal  = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tributary_api_healthz_requests_total",
		Help: "Total health checks handled by tributary_api",
	})
)

func main() {
	// Инициализируем structured logging
	logger := telemetry.SetupLogger()
	logger.Info("starting tributary-api")

	cfg, err := config.Load("tributary-api")
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// Подключаемся к базе данных
	pool, err := repo.NewPool(context.Background(), cfg.Postgres.URL, cfg.Postgres.MaxConns)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	logger.Info("connected to database")

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

	orch := orchestrator.New(orchestrator.Config{Runtime: rt, Specs: specs, Logger: logger})
	if err := catalog.Register(catalog.Config{Specs: specs, Orchestrator: orch}); err != nil {
		logger.Error("failed to register catalog", "error", err)
		os.Exit(1)
	}

	// Создаём API handler
	handler := api.NewHandler(api.Config{
		Runtime: rt,
		Specs:   specs,
		Flows:   orch,
		Scaler:  vault,
		Logger:  logger,
	})

	router := chi.NewRouter()

	// Health и metrics
	router.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		reqTotal.Inc()
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "ok %s", time.Since(startTime))
	})
	router.Handle("/metrics", promhttp.Handler())

	// Регистрируем API маршруты
	router.Mount("/", handler.Routes())

	// Создаём HTTP сервер с возможностью graceful shutdown
	server := &http.Server{
		Addr:              ":" + cfg.HTTP.Port,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	// Запускаем сервер в горутине
	go func() {
		logger.Info("listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Ожидаем сигнал завершения
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	<-ctx.Done()
	logger.Info("shutting down")

	// Graceful shutdown с таймаутом 10 секунд
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}

	logger.Info("stopped")
}
