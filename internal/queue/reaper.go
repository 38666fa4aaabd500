package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/shaiso/Tributary/internal/telemetry"
)

// Leader решает, выполнять ли периодическую работу в этом процессе.
// Реализуется repo.AdvisoryLock.
type Leader interface {
	IsLeader(ctx context.Context) (bool, error)
}

// LocalLeases реализуют хранилища, чьи аренды видны только выдавшему их
// процессу. Для них Reaper работает в каждом процессе, минуя Leader.
type LocalLeases interface {
	LocalLeases() bool
}

// ReaperConfig — конфигурация Reaper.
type ReaperConfig struct {
	// Backend — хранилище очередей.
	Backend Backend

	// Schedule — расписание в формате cron. По умолчанию "@every 5s".
	Schedule string

	// Leader — выбор лидера. nil — процесс всегда лидер.
	Leader Leader

	// Logger — логгер.
	Logger *slog.Logger
}

// Reaper периодически возвращает в очередь jobs с просроченной арендой.
type Reaper struct {
	backend  Backend
	leader   Leader
	schedule string
	logger   *slog.Logger
	cron     *cron.Cron
}

// NewReaper создаёт Reaper.
func NewReaper(cfg ReaperConfig) *Reaper {
	if cfg.Schedule == "" {
		cfg.Schedule = "@every 5s"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	logger := cronLogger{cfg.Logger}
	return &Reaper{
		backend:  cfg.Backend,
		leader:   cfg.Leader,
		schedule: cfg.Schedule,
		logger:   cfg.Logger,
		cron: cron.New(
			cron.WithLogger(logger),
			cron.WithChain(cron.SkipIfStillRunning(logger)),
		),
	}
}

// Start регистрирует задачу и запускает расписание.
func (r *Reaper) Start(ctx context.Context) error {
	_, err := r.cron.AddFunc(r.schedule, func() {
		if _, err := r.RunOnce(ctx); err != nil {
			r.logger.Error("reap failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule reaper %q: %w", r.schedule, err)
	}

	r.cron.Start()
	r.logger.Info("reaper started", "schedule", r.schedule)
	return nil
}

// Stop останавливает расписание и ждёт текущий запуск.
func (r *Reaper) Stop() {
	<-r.cron.Stop().Done()
	r.logger.Info("reaper stopped")
}

// RunOnce выполняет один проход, если процесс — лидер.
func (r *Reaper) RunOnce(ctx context.Context) (int, error) {
	if ctx.Err() != nil {
		return 0, ctx.Err()
	}

	if r.leader != nil && !hasLocalLeases(r.backend) {
		ok, err := r.leader.IsLeader(ctx)
		if err != nil {
			return 0, fmt.Errorf("leader check: %w", err)
		}
		if !ok {
			return 0, nil
		}
	}

	n, err := r.backend.Reap(ctx, time.Now())
	if n > 0 {
		telemetry.QueueReaped.Add(float64(n))
	}
	return n, err
}

func hasLocalLeases(b Backend) bool {
	l, ok := b.(LocalLeases)
	return ok && l.LocalLeases()
}

// cronLogger направляет журнал cron в slog.
type cronLogger struct {
	l *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error(msg, append(keysAndValues, "error", err)...)
}
