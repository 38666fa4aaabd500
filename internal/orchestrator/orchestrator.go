package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shaiso/Tributary/internal/domain"
	"github.com/shaiso/Tributary/internal/engine"
	"github.com/shaiso/Tributary/internal/runtime"
	"github.com/shaiso/Tributary/internal/worker"
)

// Orchestrator запускает flow: JobSpec, за которым стоит граф дочерних spec.
//
// Orchestrator:
//   - Регистрирует граф flow, его JobSpec и обработчик
//   - При выполнении job flow порождает по дочернему job на каждый узел Spec
//   - Привязывает alias-теги flow к потокам дочерних jobs
//
// Ожидание детей и итоговый статус flow обеспечивает worker.
type Orchestrator struct {
	rt         *runtime.Runtime
	specs      *domain.SpecRegistry
	processors *worker.Registry
	logger     *slog.Logger
}

// Config — конфигурация Orchestrator.
type Config struct {
	Runtime *runtime.Runtime

	// Specs — реестр, в который добавляются JobSpec flow.
	Specs *domain.SpecRegistry

	// Processors — реестр обработчиков воркера (опционально; без него
	// flow только описываются, например в API).
	Processors *worker.Registry

	// Logger
	Logger *slog.Logger
}

// New создаёт новый Orchestrator.
func New(cfg Config) *Orchestrator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Orchestrator{
		rt:         cfg.Runtime,
		specs:      cfg.Specs,
		processors: cfg.Processors,
		logger:     logger,
	}
}

// RegisterFlowFile строит граф из описания и регистрирует flow.
func (o *Orchestrator) RegisterFlowFile(f *engine.FlowFile) (*domain.JobSpec, error) {
	g, err := f.Build(o.specs)
	if err != nil {
		return nil, err
	}
	return o.RegisterFlow(g)
}

// RegisterFlow регистрирует граф flow. Теги flow — его alias,
// схемы берутся у тегов дочерних spec.
func (o *Orchestrator) RegisterFlow(g *engine.SpecGraph) (*domain.JobSpec, error) {
	spec, err := engine.FlowSpec(g, o.specs)
	if err != nil {
		return nil, err
	}

	if err := o.specs.Register(spec); err != nil {
		return nil, err
	}
	if err := o.rt.RegisterGraph(g); err != nil {
		return nil, err
	}
	if o.processors != nil {
		if err := o.processors.Register(spec.Name, o.Process); err != nil {
			return nil, err
		}
	}

	o.logger.Info("flow registered",
		"flow", spec.Name,
		"children", len(g.SpecNodes()),
		"inputs", spec.Inputs.Tags(),
		"outputs", spec.Outputs.Tags(),
	)
	return spec, nil
}

// Process — обработчик job flow.
//
// Дочерние jobs ставятся в очередь в топологическом порядке; их id
// и потоки выводятся из id job flow, поэтому повторная выдача job
// после истечения аренды не создаёт новых детей.
func (o *Orchestrator) Process(ctx context.Context, jc *worker.JobContext) (any, error) {
	g, err := o.rt.Graph(jc.Job.SpecName)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrFlowNotFound, jc.Job.SpecName)
	}

	overrides, err := aliasOverrides(g, jc)
	if err != nil {
		return nil, err
	}
	inst := engine.Instantiate(g, jc.Job.JobID, overrides)

	order, err := g.SpecOrder()
	if errors.Is(err, engine.ErrCyclicDependency) {
		jc.Logger.Warn("flow has a cycle, spawning children by label", "flow", jc.Job.SpecName)
	} else if err != nil {
		return nil, err
	}

	params, err := childParams(jc.Job.Params)
	if err != nil {
		return nil, err
	}

	for _, n := range order {
		child, err := inst.Child(n.Ref())
		if err != nil {
			return nil, err
		}

		_, err = jc.Spawn(ctx, runtime.EnqueueRequest{
			SpecName:        child.SpecName,
			JobID:           child.JobID,
			Params:          params[n.Ref().ID()],
			UniqueSpecLabel: child.Label,
			Bindings: runtime.Bindings{
				Inputs:  child.Inputs,
				Outputs: child.Outputs,
			},
		})
		if err != nil {
			return nil, err
		}
	}

	jc.Logger.Info("flow children spawned", "children", len(order))
	return nil, nil
}

// aliasOverrides привязывает потоки alias-портов к потокам, на которые
// фактически указывают теги job flow.
func aliasOverrides(g *engine.SpecGraph, jc *worker.JobContext) (map[engine.NodeID]string, error) {
	overrides := make(map[engine.NodeID]string)

	for _, alias := range g.Aliases(domain.DirectionIn) {
		node, err := g.AliasStream(alias, domain.DirectionIn)
		if err != nil {
			return nil, err
		}
		id, err := jc.Input.StreamID(domain.Tag(alias))
		if err != nil {
			return nil, err
		}
		overrides[node] = id
	}

	for _, alias := range g.Aliases(domain.DirectionOut) {
		node, err := g.AliasStream(alias, domain.DirectionOut)
		if err != nil {
			return nil, err
		}
		id, err := jc.Output.StreamID(domain.Tag(alias))
		if err != nil {
			return nil, err
		}
		overrides[node] = id
	}
	return overrides, nil
}

// childParams разбирает параметры flow: объект, ключ — идентификатор
// дочернего spec (name или name[label]).
func childParams(raw json.RawMessage) (map[string]json.RawMessage, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	var params map[string]json.RawMessage
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	return params, nil
}
