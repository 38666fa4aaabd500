package engine

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/shaiso/Tributary/internal/domain"
)

// FlowFile — описание flow в YAML.
//
//	name: double-twice
//	connections:
//	  - from: {spec: doubler, label: first, tag: default}
//	    to:   {spec: doubler, label: second, tag: default}
//	expose:
//	  - {alias: default, direction: in,  spec: doubler, label: first,  tag: default}
//	  - {alias: default, direction: out, spec: doubler, label: second, tag: default}
type FlowFile struct {
	Name        string           `yaml:"name" json:"name"`
	Connections []FlowConnection `yaml:"connections" json:"connections"`
	Expose      []FlowAlias      `yaml:"expose" json:"expose"`
}

// FlowConnection — связь outlet → inlet внутри flow.
type FlowConnection struct {
	From      Endpoint `yaml:"from" json:"from"`
	To        Endpoint `yaml:"to" json:"to"`
	Transform bool     `yaml:"transform,omitempty" json:"transform,omitempty"`
}

// FlowAlias — публикация тега дочернего spec под именем flow.
type FlowAlias struct {
	Alias     string           `yaml:"alias" json:"alias"`
	Direction domain.Direction `yaml:"direction" json:"direction"`
	Endpoint  `yaml:",inline"`
}

// SpecLookup — источник JobSpec по имени. *domain.SpecRegistry удовлетворяет ему.
type SpecLookup interface {
	Lookup(name string) (*domain.JobSpec, error)
}

// LoadFlowFile читает описание flow из файла.
func LoadFlowFile(path string) (*FlowFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read flow file: %w", err)
	}
	return ParseFlowFile(data)
}

// ParseFlowFile разбирает и проверяет описание flow.
func ParseFlowFile(data []byte) (*FlowFile, error) {
	var f FlowFile

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("%w: parse flow file: %v", ErrInvalidGraph, err)
	}

	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Validate проверяет структуру описания без обращения к реестру spec.
func (f *FlowFile) Validate() error {
	if f.Name == "" {
		return NewFlowError("", "name", "flow name is empty", ErrInvalidGraph)
	}

	for i, c := range f.Connections {
		field := fmt.Sprintf("connections[%d]", i)
		if c.From.Name == "" || c.From.Tag == "" {
			return NewFlowError(f.Name, field+".from", "spec and tag are required", ErrInvalidGraph)
		}
		if c.To.Name == "" || c.To.Tag == "" {
			return NewFlowError(f.Name, field+".to", "spec and tag are required", ErrInvalidGraph)
		}
	}

	seen := make(map[string]bool)
	for i, a := range f.Expose {
		field := fmt.Sprintf("expose[%d]", i)
		if a.Alias == "" {
			return NewFlowError(f.Name, field+".alias", "alias is required", ErrInvalidGraph)
		}
		if !a.Direction.IsValid() {
			return NewFlowError(f.Name, field+".direction",
				fmt.Sprintf("invalid direction %q", a.Direction), ErrInvalidGraph)
		}
		if a.Name == "" || a.Tag == "" {
			return NewFlowError(f.Name, field, "spec and tag are required", ErrInvalidGraph)
		}
		if a.Name == f.Name && a.Label == "" {
			return NewFlowError(f.Name, field, "alias must point to a child spec", ErrInvalidGraph)
		}
		key := string(a.Direction) + "/" + a.Alias
		if seen[key] {
			return NewFlowError(f.Name, field, "duplicate alias "+a.Alias, domain.ErrConflict)
		}
		seen[key] = true
	}

	return nil
}

// Build строит DefGraph flow.
//
// Если specs не nil, для каждого дочернего spec создаются все объявленные
// теги, включая не участвующие в связях, а теги связей проверяются по spec.
func (f *FlowFile) Build(specs SpecLookup) (*SpecGraph, error) {
	g, err := NewSpecGraph(RootSpec{Name: f.Name})
	if err != nil {
		return nil, err
	}

	for i, c := range f.Connections {
		field := fmt.Sprintf("connections[%d]", i)
		if specs != nil {
			if err := checkTag(specs, c.From, domain.DirectionOut); err != nil {
				return nil, NewFlowError(f.Name, field+".from", err.Error(), err)
			}
			if err := checkTag(specs, c.To, domain.DirectionIn); err != nil {
				return nil, NewFlowError(f.Name, field+".to", err.Error(), err)
			}
		}
		if _, err := g.AddConnectedDualSpecs(c.From, c.To, c.Transform); err != nil {
			return nil, NewFlowError(f.Name, field, err.Error(), err)
		}
	}

	if specs != nil {
		for _, n := range g.SpecNodes() {
			spec, err := specs.Lookup(n.SpecName)
			if err != nil {
				return nil, NewFlowError(f.Name, "", err.Error(), err)
			}
			for _, tag := range spec.Inputs.Tags() {
				if _, _, err := g.EnsureInletAndStream(n.Ref(), string(tag), false); err != nil {
					return nil, err
				}
			}
			for _, tag := range spec.Outputs.Tags() {
				if _, _, err := g.EnsureOutletAndStream(n.Ref(), string(tag)); err != nil {
					return nil, err
				}
			}
		}
	}

	for i, a := range f.Expose {
		field := fmt.Sprintf("expose[%d]", i)
		if specs != nil {
			if err := checkTag(specs, a.Endpoint, a.Direction); err != nil {
				return nil, NewFlowError(f.Name, field, err.Error(), err)
			}
		}

		if a.Direction == domain.DirectionIn {
			_, _, err = g.EnsureInletAndStream(a.SpecRef, a.Tag, false)
		} else {
			_, _, err = g.EnsureOutletAndStream(a.SpecRef, a.Tag)
		}
		if err != nil {
			return nil, NewFlowError(f.Name, field, err.Error(), err)
		}

		if err := g.AssignAlias(a.Alias, a.Endpoint, a.Direction, f.Name); err != nil {
			return nil, NewFlowError(f.Name, field, err.Error(), err)
		}
	}

	return g, nil
}

func checkTag(specs SpecLookup, ep Endpoint, dir domain.Direction) error {
	spec, err := specs.Lookup(ep.Name)
	if err != nil {
		return err
	}
	if !spec.Tags(dir).Has(domain.Tag(ep.Tag)) {
		return domain.NotFoundf("%s tag %s of spec %s", dir, ep.Tag, ep.Name)
	}
	return nil
}

// FlowSpec выводит JobSpec flow из графа: теги flow — это его alias,
// схемы берутся у тегов дочерних spec.
func FlowSpec(g *SpecGraph, specs SpecLookup) (*domain.JobSpec, error) {
	inputs := make(map[string]string)
	outputs := make(map[string]string)

	collect := func(dir domain.Direction, dst map[string]string) error {
		for _, alias := range g.Aliases(dir) {
			ep, err := g.LookupSpecAndTagByAlias(alias, dir)
			if err != nil {
				return err
			}
			spec, err := specs.Lookup(ep.Name)
			if err != nil {
				return err
			}
			schema, err := spec.Tags(dir).Schema(domain.Tag(ep.Tag))
			if err != nil {
				return err
			}
			dst[alias] = schema.String()
		}
		return nil
	}

	if err := collect(domain.DirectionIn, inputs); err != nil {
		return nil, err
	}
	if err := collect(domain.DirectionOut, outputs); err != nil {
		return nil, err
	}

	return domain.NewJobSpec(g.Root().SpecName, inputs, outputs)
}
