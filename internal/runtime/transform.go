package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/shaiso/Tributary/internal/domain"
	"github.com/shaiso/Tributary/internal/engine"
	"github.com/shaiso/Tributary/internal/stream"
)

// TransformFunc преобразует значение, прочитанное дочерним job из потока.
type TransformFunc func(ctx context.Context, data json.RawMessage) (any, error)

// TransformKey — вход дочернего spec внутри flow.
type TransformKey struct {
	FlowSpec string
	SpecName string
	Label    string
	Tag      domain.Tag
}

// TransformRegistry — преобразования входов по ключу (flow, spec, label, tag).
type TransformRegistry struct {
	mu    sync.RWMutex
	funcs map[TransformKey]TransformFunc
}

// NewTransformRegistry создаёт пустой реестр.
func NewTransformRegistry() *TransformRegistry {
	return &TransformRegistry{funcs: make(map[TransformKey]TransformFunc)}
}

// Register добавляет преобразование. Повтор ключа — ErrConflict.
func (t *TransformRegistry) Register(key TransformKey, fn TransformFunc) error {
	if key.Label == "" {
		key.Label = engine.DefaultLabel
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.funcs[key]; ok {
		return domain.Conflictf("transform for %s %s[%s]/%s already registered",
			key.FlowSpec, key.SpecName, key.Label, key.Tag)
	}
	t.funcs[key] = fn
	return nil
}

// Lookup возвращает преобразование.
func (t *TransformRegistry) Lookup(key TransformKey) (TransformFunc, error) {
	if key.Label == "" {
		key.Label = engine.DefaultLabel
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	fn, ok := t.funcs[key]
	if !ok {
		return nil, domain.NotFoundf("transform for %s %s[%s]/%s",
			key.FlowSpec, key.SpecName, key.Label, key.Tag)
	}
	return fn, nil
}

// inputTransforms находит преобразования входов дочернего job flow.
// Для job без родителя-flow возвращает nil.
func (r *Runtime) inputTransforms(ctx context.Context, job domain.Job, spec *domain.JobSpec) (map[domain.Tag]TransformFunc, error) {
	rel, err := r.store.Parent(ctx, job.ProjectID, job.JobID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("parent of job %s: %w", job.JobID, err)
	}

	parent, err := r.store.GetJob(ctx, job.ProjectID, rel.ParentJobID)
	if err != nil {
		return nil, fmt.Errorf("parent job %s: %w", rel.ParentJobID, err)
	}
	g, err := r.Graph(parent.SpecName)
	if err != nil {
		return nil, nil
	}

	ref := engine.SpecRef{Name: job.SpecName, Label: rel.UniqueSpecLabel}
	out := make(map[domain.Tag]TransformFunc)
	for _, tag := range spec.Inputs.Tags() {
		id, err := g.FindPort(ref, string(tag), domain.DirectionIn)
		if err != nil {
			continue
		}
		if n, _ := g.Node(id); !n.HasTransform {
			continue
		}

		fn, err := r.transforms.Lookup(TransformKey{
			FlowSpec: parent.SpecName,
			SpecName: job.SpecName,
			Label:    rel.UniqueSpecLabel,
			Tag:      tag,
		})
		if err != nil {
			return nil, err
		}
		out[tag] = fn
	}
	return out, nil
}

// transformSource применяет преобразование к каждому значению источника.
type transformSource struct {
	src stream.Source
	fn  TransformFunc
	tag domain.Tag
}

func (t transformSource) Next(ctx context.Context) (stream.Datapoint, error) {
	dp, err := t.src.Next(ctx)
	if err != nil {
		return dp, err
	}
	return applyTransform(ctx, t.fn, t.tag, dp)
}

func applyTransform(ctx context.Context, fn TransformFunc, tag domain.Tag, dp stream.Datapoint) (stream.Datapoint, error) {
	out, err := fn(ctx, dp.Data)
	if err != nil {
		return dp, fmt.Errorf("transform tag %s: %w", tag, err)
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return dp, fmt.Errorf("transform tag %s: marshal: %w", tag, err)
	}
	dp.Data = raw
	return dp, nil
}
