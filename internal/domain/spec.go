package domain

import (
	"fmt"
	"regexp"
	"sort"
	"sync"
)

// Tag — именованный канал во входном или выходном наборе spec.
type Tag string

// DefaultTag — тег по умолчанию для spec с одним входом или выходом.
const DefaultTag Tag = "default"

var tagPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_\-]*$`)

// TagSet — закрытый набор тегов со схемами.
//
// Набор фиксируется при регистрации spec. Обращение к тегу вне набора
// даёт ErrNotFound вместо молчаливого создания нового канала.
type TagSet struct {
	schemas map[Tag]*Schema
	order   []Tag
}

// NewTagSet компилирует карту tag → CUE-выражение.
func NewTagSet(defs map[string]string) (TagSet, error) {
	set := TagSet{schemas: make(map[Tag]*Schema, len(defs))}

	for name, src := range defs {
		if !tagPattern.MatchString(name) {
			return TagSet{}, fmt.Errorf("%w: invalid tag name %q", ErrValidation, name)
		}
		schema, err := CompileSchema(src)
		if err != nil {
			return TagSet{}, fmt.Errorf("tag %s: %w", name, err)
		}
		set.schemas[Tag(name)] = schema
		set.order = append(set.order, Tag(name))
	}

	sort.Slice(set.order, func(i, j int) bool { return set.order[i] < set.order[j] })
	return set, nil
}

// Tags возвращает теги в лексикографическом порядке.
func (s TagSet) Tags() []Tag {
	out := make([]Tag, len(s.order))
	copy(out, s.order)
	return out
}

// Has проверяет наличие тега.
func (s TagSet) Has(tag Tag) bool {
	_, ok := s.schemas[tag]
	return ok
}

// Len возвращает количество тегов.
func (s TagSet) Len() int {
	return len(s.order)
}

// Schema возвращает схему тега.
func (s TagSet) Schema(tag Tag) (*Schema, error) {
	schema, ok := s.schemas[tag]
	if !ok {
		return nil, NotFoundf("tag %s", tag)
	}
	return schema, nil
}

// JobSpec — описание типа job: имя и наборы входных/выходных тегов.
// Неизменяем после создания.
type JobSpec struct {
	Name    string
	Inputs  TagSet
	Outputs TagSet
}

// NewJobSpec создаёт JobSpec из карт tag → CUE-выражение.
func NewJobSpec(name string, inputs, outputs map[string]string) (*JobSpec, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: spec name is empty", ErrValidation)
	}

	in, err := NewTagSet(inputs)
	if err != nil {
		return nil, fmt.Errorf("spec %s inputs: %w", name, err)
	}
	out, err := NewTagSet(outputs)
	if err != nil {
		return nil, fmt.Errorf("spec %s outputs: %w", name, err)
	}

	return &JobSpec{Name: name, Inputs: in, Outputs: out}, nil
}

// Tags возвращает набор тегов для направления.
func (s *JobSpec) Tags(dir Direction) TagSet {
	if dir == DirectionIn {
		return s.Inputs
	}
	return s.Outputs
}

// SingleOutput возвращает единственный выходной тег, если он один.
func (s *JobSpec) SingleOutput() (Tag, bool) {
	if s.Outputs.Len() != 1 {
		return "", false
	}
	return s.Outputs.order[0], true
}

// Validate проверяет данные по схеме тега в указанном направлении.
func (s *JobSpec) Validate(dir Direction, tag Tag, data any) error {
	schema, err := s.Tags(dir).Schema(tag)
	if err != nil {
		return fmt.Errorf("spec %s %s: %w", s.Name, dir, err)
	}
	if err := schema.Check(data); err != nil {
		return &ValidationError{Spec: s.Name, Tag: tag, Message: err.Error()}
	}
	return nil
}

// SpecRegistry — реестр JobSpec процесса.
//
// Заполняется при старте и передаётся компонентам явно.
// Только добавление: повторная регистрация имени — ErrConflict.
type SpecRegistry struct {
	mu    sync.RWMutex
	specs map[string]*JobSpec
}

// NewSpecRegistry создаёт пустой реестр.
func NewSpecRegistry() *SpecRegistry {
	return &SpecRegistry{specs: make(map[string]*JobSpec)}
}

// Register добавляет spec.
func (r *SpecRegistry) Register(spec *JobSpec) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.specs[spec.Name]; exists {
		return Conflictf("spec %s already registered", spec.Name)
	}
	r.specs[spec.Name] = spec
	return nil
}

// MustRegister — Register, паникующий при ошибке.
func (r *SpecRegistry) MustRegister(spec *JobSpec) {
	if err := r.Register(spec); err != nil {
		panic(err)
	}
}

// Lookup возвращает spec по имени.
func (r *SpecRegistry) Lookup(name string) (*JobSpec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	spec, ok := r.specs[name]
	if !ok {
		return nil, NotFoundf("spec %s", name)
	}
	return spec, nil
}

// Names возвращает имена всех spec в лексикографическом порядке.
func (r *SpecRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.specs))
	for name := range r.specs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
