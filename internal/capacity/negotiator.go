package capacity

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/shaiso/Tributary/internal/domain"
	"github.com/shaiso/Tributary/internal/stream"
	"github.com/shaiso/Tributary/internal/telemetry"
)

// CommandKind — тип команды инстансу.
type CommandKind string

const (
	// CommandProvision — поднять NumberOfWorkersNeeded воркеров.
	CommandProvision CommandKind = "provision"

	// CommandNoCapacityWarning — ни один инстанс не покрывает запрос целиком.
	CommandNoCapacityWarning CommandKind = "noCapacityWarning"
)

// Command — команда, отправляемая инстансу по его сессии.
type Command struct {
	Kind                  CommandKind `json:"kind"`
	ProjectID             string      `json:"projectId"`
	SpecName              string      `json:"specName"`
	NumberOfWorkersNeeded int         `json:"numberOfWorkersNeeded"`
	CorrelationID         string      `json:"correlationId"`
}

// Report — заявленная ёмкость инстанса для пары (project, spec).
type Report struct {
	ProjectID   string `json:"projectId"`
	SpecName    string `json:"specName"`
	MaxCapacity int    `json:"maxCapacity"`
}

// TieBreak — выбор среди инстансов с одинаковой ёмкостью.
type TieBreak string

const (
	// TieBreakFirstReported — инстанс, первым заявивший ёмкость для пары.
	TieBreakFirstReported TieBreak = "first-reported"

	// TieBreakLatestReported — инстанс с самым свежим отчётом.
	TieBreakLatestReported TieBreak = "latest-reported"

	// TieBreakLexical — наименьший instance id.
	TieBreakLexical TieBreak = "lexical"
)

// IsValid проверяет политику.
func (t TieBreak) IsValid() bool {
	switch t {
	case TieBreakFirstReported, TieBreakLatestReported, TieBreakLexical:
		return true
	default:
		return false
	}
}

// Config — конфигурация Negotiator.
type Config struct {
	// TieBreak — по умолчанию TieBreakFirstReported.
	TieBreak TieBreak

	// Logger — логгер.
	Logger *slog.Logger
}

type pair struct {
	projectID string
	specName  string
}

type entry struct {
	capacity int
	first    uint64
	latest   uint64
}

// Negotiator хранит ёмкости подключённых инстансов в памяти и выбирает
// инстанс для масштабирования.
type Negotiator struct {
	tieBreak TieBreak
	logger   *slog.Logger

	mu       sync.Mutex
	seq      uint64
	sessions map[string]*Session
	entries  map[pair]map[string]*entry
}

// New создаёт Negotiator.
func New(cfg Config) *Negotiator {
	if !cfg.TieBreak.IsValid() {
		cfg.TieBreak = TieBreakFirstReported
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Negotiator{
		tieBreak: cfg.TieBreak,
		logger:   cfg.Logger,
		sessions: make(map[string]*Session),
		entries:  make(map[pair]map[string]*entry),
	}
}

// Connect открывает сессию инстанса. Повторное подключение того же id,
// пока старая сессия открыта, — ErrConflict.
func (n *Negotiator) Connect(instanceID string) (*Session, error) {
	if instanceID == "" {
		return nil, fmt.Errorf("%w: instance id is empty", domain.ErrValidation)
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if _, ok := n.sessions[instanceID]; ok {
		return nil, domain.Conflictf("instance %s already connected", instanceID)
	}

	s := &Session{
		n:          n,
		instanceID: instanceID,
		box:        stream.NewMailbox[Command](),
	}
	n.sessions[instanceID] = s

	telemetry.InstancesConnected.Inc()
	telemetry.WithInstanceID(n.logger, instanceID).Info("instance connected")
	return s, nil
}

// report сохраняет ёмкость инстанса.
func (n *Negotiator) report(s *Session, r Report) error {
	if r.ProjectID == "" || r.SpecName == "" {
		return fmt.Errorf("%w: report requires project and spec", domain.ErrValidation)
	}
	if r.MaxCapacity < 0 {
		return fmt.Errorf("%w: negative capacity %d", domain.ErrValidation, r.MaxCapacity)
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if n.sessions[s.instanceID] != s {
		return ErrSessionClosed
	}

	p := pair{r.ProjectID, r.SpecName}
	byInstance := n.entries[p]
	if byInstance == nil {
		byInstance = make(map[string]*entry)
		n.entries[p] = byInstance
	}

	n.seq++
	e, ok := byInstance[s.instanceID]
	if !ok {
		e = &entry{first: n.seq}
		byInstance[s.instanceID] = e
	}
	e.capacity = r.MaxCapacity
	e.latest = n.seq

	return nil
}

// disconnect удаляет сессию и все записи инстанса.
func (n *Negotiator) disconnect(s *Session) {
	n.mu.Lock()
	if n.sessions[s.instanceID] != s {
		n.mu.Unlock()
		return
	}
	delete(n.sessions, s.instanceID)
	for p, byInstance := range n.entries {
		delete(byInstance, s.instanceID)
		if len(byInstance) == 0 {
			delete(n.entries, p)
		}
	}
	n.mu.Unlock()

	telemetry.InstancesConnected.Dec()
	telemetry.WithInstanceID(n.logger, s.instanceID).Info("instance disconnected")
}

// IncreaseCapacity выбирает инстанс с наибольшей ёмкостью для пары и
// отправляет ему команду provision на by воркеров.
//
// Если наибольшая ёмкость меньше by, все инстансы пары дополнительно
// получают noCapacityWarning. Без единого отчёта для пары — ErrNotFound.
func (n *Negotiator) IncreaseCapacity(ctx context.Context, projectID, specName string, by int) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if by <= 0 {
		return "", fmt.Errorf("%w: capacity increase must be positive, got %d", domain.ErrValidation, by)
	}

	correlationID := uuid.NewString()
	var (
		chosen   string
		capacity int
		warned   []*Session
	)
	for {
		n.mu.Lock()
		byInstance := n.entries[pair{projectID, specName}]
		if len(byInstance) == 0 {
			n.mu.Unlock()
			return "", domain.NotFoundf("no instance reported capacity for %s/%s", projectID, specName)
		}

		chosen = n.choose(byInstance)
		capacity = byInstance[chosen].capacity
		target := n.sessions[chosen]

		warned = warned[:0]
		if capacity < by {
			for id := range byInstance {
				warned = append(warned, n.sessions[id])
			}
		}
		n.mu.Unlock()

		delivered := target.box.Put(Command{
			Kind:                  CommandProvision,
			ProjectID:             projectID,
			SpecName:              specName,
			NumberOfWorkersNeeded: by,
			CorrelationID:         correlationID,
		})
		if delivered {
			break
		}

		// Сессия закрылась после выбора: её записи уходят, выбор повторяется
		telemetry.WithInstanceID(n.logger, chosen).Debug("provision target closed, choosing again")
		n.disconnect(target)
	}

	telemetry.CapacityProvisions.WithLabelValues(specName).Inc()

	logger := n.logger.With("project_id", projectID, "spec", specName, "correlation_id", correlationID)
	logger.Info("provision requested", "instance_id", chosen, "workers", by, "capacity", capacity)

	if len(warned) > 0 {
		telemetry.CapacityShortages.WithLabelValues(specName).Inc()
		logger.Warn("no instance has enough capacity", "requested", by, "largest", capacity)

		for _, s := range warned {
			s.box.Put(Command{
				Kind:                  CommandNoCapacityWarning,
				ProjectID:             projectID,
				SpecName:              specName,
				NumberOfWorkersNeeded: by,
				CorrelationID:         correlationID,
			})
		}
	}

	return chosen, nil
}

// choose возвращает инстанс с наибольшей ёмкостью. Вызывается под mu.
func (n *Negotiator) choose(byInstance map[string]*entry) string {
	var best string
	var bestEntry *entry

	for id, e := range byInstance {
		if bestEntry == nil || n.better(id, e, best, bestEntry) {
			best, bestEntry = id, e
		}
	}
	return best
}

func (n *Negotiator) better(id string, e *entry, bestID string, best *entry) bool {
	if e.capacity != best.capacity {
		return e.capacity > best.capacity
	}

	switch n.tieBreak {
	case TieBreakLatestReported:
		return e.latest > best.latest
	case TieBreakLexical:
		return id < bestID
	default:
		return e.first < best.first
	}
}

// Capacities возвращает заявленные ёмкости пары, отсортированные по инстансу.
func (n *Negotiator) Capacities(projectID, specName string) []domain.CapacityRecord {
	n.mu.Lock()
	defer n.mu.Unlock()

	byInstance := n.entries[pair{projectID, specName}]
	out := make([]domain.CapacityRecord, 0, len(byInstance))
	for id, e := range byInstance {
		out = append(out, domain.CapacityRecord{
			ProjectID:   projectID,
			SpecName:    specName,
			InstanceID:  id,
			MaxCapacity: e.capacity,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InstanceID < out[j].InstanceID })
	return out
}

// Instances возвращает id подключённых инстансов.
func (n *Negotiator) Instances() []string {
	n.mu.Lock()
	defer n.mu.Unlock()

	out := make([]string, 0, len(n.sessions))
	for id := range n.sessions {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
