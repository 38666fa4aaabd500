package capacity

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/shaiso/Tributary/internal/telemetry"
)

// Link — сторона инстанса в сессии с Negotiator.
// Реализуется *Session локально и rpc.CapacityLink по сети.
type Link interface {
	Report(ctx context.Context, r Report) error
	Receive(ctx context.Context) (Command, error)
	Close() error
}

// Provisioner выполняет команду provision.
type Provisioner interface {
	Provision(ctx context.Context, cmd Command) error
}

// ProvisionFunc адаптирует функцию к Provisioner.
type ProvisionFunc func(ctx context.Context, cmd Command) error

// Provision вызывает f.
func (f ProvisionFunc) Provision(ctx context.Context, cmd Command) error {
	return f(ctx, cmd)
}

// AgentConfig — конфигурация Agent.
type AgentConfig struct {
	// InstanceID — id инстанса, для логов.
	InstanceID string

	// Link — сессия с Negotiator.
	Link Link

	// Capacities возвращает текущие ёмкости инстанса.
	Capacities func() []Report

	// Provisioner выполняет команды provision.
	Provisioner Provisioner

	// ReportInterval — период повторных отчётов. По умолчанию 10s.
	ReportInterval time.Duration

	// Logger — логгер.
	Logger *slog.Logger
}

// Agent — сторона worker host: периодически заявляет ёмкость и выполняет
// команды provision.
type Agent struct {
	link        Link
	capacities  func() []Report
	provisioner Provisioner
	interval    time.Duration
	logger      *slog.Logger
}

// NewAgent создаёт Agent.
func NewAgent(cfg AgentConfig) *Agent {
	if cfg.ReportInterval <= 0 {
		cfg.ReportInterval = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Capacities == nil {
		cfg.Capacities = func() []Report { return nil }
	}

	return &Agent{
		link:        cfg.Link,
		capacities:  cfg.Capacities,
		provisioner: cfg.Provisioner,
		interval:    cfg.ReportInterval,
		logger:      telemetry.WithInstanceID(cfg.Logger, cfg.InstanceID),
	}
}

// Run блокируется до отмены ctx или ошибки сессии. Закрывает Link при выходе.
func (a *Agent) Run(ctx context.Context) error {
	defer a.link.Close()

	if err := a.reportAll(ctx); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- a.receiveLoop(ctx)
	}()

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errCh:
			return err
		case <-ticker.C:
			if err := a.reportAll(ctx); err != nil {
				return err
			}
		}
	}
}

func (a *Agent) reportAll(ctx context.Context) error {
	for _, r := range a.capacities() {
		if err := a.link.Report(ctx, r); err != nil {
			return err
		}
	}
	return nil
}

func (a *Agent) receiveLoop(ctx context.Context) error {
	for {
		cmd, err := a.link.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrSessionClosed) {
				return nil
			}
			return err
		}

		logger := a.logger.With(
			"kind", cmd.Kind,
			"project_id", cmd.ProjectID,
			"spec", cmd.SpecName,
			"workers", cmd.NumberOfWorkersNeeded,
			"correlation_id", cmd.CorrelationID,
		)

		switch cmd.Kind {
		case CommandProvision:
			if a.provisioner == nil {
				logger.Warn("provision ignored: no provisioner")
				continue
			}
			if err := a.provisioner.Provision(ctx, cmd); err != nil {
				logger.Error("provision failed", "error", err)
				continue
			}
			logger.Info("workers provisioned")

		case CommandNoCapacityWarning:
			logger.Warn("fleet capacity is below demand")

		default:
			logger.Warn("unknown command")
		}
	}
}
