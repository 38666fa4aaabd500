package catalog

import (
	"embed"
	"fmt"
	"io/fs"
	"path"

	"github.com/shaiso/Tributary/internal/domain"
	"github.com/shaiso/Tributary/internal/engine"
	"github.com/shaiso/Tributary/internal/orchestrator"
	"github.com/shaiso/Tributary/internal/worker"
)

// Имена встроенных spec.
const (
	SpecDoubler = "doubler"
	SpecRelay   = "relay"
)

//go:embed flows/*.yaml
var flowFiles embed.FS

// Specs возвращает встроенные JobSpec.
func Specs() ([]*domain.JobSpec, error) {
	doubler, err := domain.NewJobSpec(SpecDoubler,
		map[string]string{"default": "number"},
		map[string]string{"default": "number"},
	)
	if err != nil {
		return nil, err
	}

	relay, err := domain.NewJobSpec(SpecRelay,
		map[string]string{"default": ""},
		map[string]string{"default": ""},
	)
	if err != nil {
		return nil, err
	}

	return []*domain.JobSpec{doubler, relay}, nil
}

// Flows разбирает встроенные описания flow.
func Flows() ([]*engine.FlowFile, error) {
	entries, err := fs.ReadDir(flowFiles, "flows")
	if err != nil {
		return nil, err
	}

	out := make([]*engine.FlowFile, 0, len(entries))
	for _, e := range entries {
		data, err := flowFiles.ReadFile(path.Join("flows", e.Name()))
		if err != nil {
			return nil, err
		}
		f, err := engine.ParseFlowFile(data)
		if err != nil {
			return nil, fmt.Errorf("flow %s: %w", e.Name(), err)
		}
		out = append(out, f)
	}
	return out, nil
}

// Config — куда регистрировать встроенный каталог.
type Config struct {
	Specs *domain.SpecRegistry

	// Orchestrator регистрирует flow. nil — без flow.
	Orchestrator *orchestrator.Orchestrator

	// Processors — обработчики воркера. nil — только описания
	// (например, для API).
	Processors *worker.Registry
}

// Register добавляет встроенные spec, их обработчики и flow.
// Flow регистрируются после spec, на которых построены.
func Register(cfg Config) error {
	specs, err := Specs()
	if err != nil {
		return err
	}
	for _, s := range specs {
		if err := cfg.Specs.Register(s); err != nil {
			return err
		}
	}

	if cfg.Processors != nil {
		for name, p := range Processors() {
			if err := cfg.Processors.Register(name, p); err != nil {
				return err
			}
		}
	}

	if cfg.Orchestrator == nil {
		return nil
	}

	flows, err := Flows()
	if err != nil {
		return err
	}
	for _, f := range flows {
		if _, err := cfg.Orchestrator.RegisterFlowFile(f); err != nil {
			return fmt.Errorf("register flow %s: %w", f.Name, err)
		}
	}
	return nil
}
