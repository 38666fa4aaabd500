package api

import (
	"log/slog"

	"github.com/go-playground/validator/v10"

	"github.com/shaiso/Tributary/internal/domain"
	"github.com/shaiso/Tributary/internal/orchestrator"
	"github.com/shaiso/Tributary/internal/queue"
	"github.com/shaiso/Tributary/internal/runtime"
)

// Handler — главный обработчик API с зависимостями.
type Handler struct {
	runtime  *runtime.Runtime
	specs    *domain.SpecRegistry
	flows    *orchestrator.Orchestrator
	scaler   queue.Scaler
	validate *validator.Validate
	logger   *slog.Logger
}

// Config — конфигурация для создания Handler.
type Config struct {
	Runtime *runtime.Runtime
	Specs   *domain.SpecRegistry

	// Flows — состояние jobs flow. nil отключает /state.
	Flows *orchestrator.Orchestrator

	// Scaler — запросы ёмкости. nil отключает /capacity.
	Scaler queue.Scaler

	Logger *slog.Logger
}

// NewHandler создаёт новый Handler.
func NewHandler(cfg Config) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Handler{
		runtime:  cfg.Runtime,
		specs:    cfg.Specs,
		flows:    cfg.Flows,
		scaler:   cfg.Scaler,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logger,
	}
}
