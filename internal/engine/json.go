package engine

import (
	"encoding/json"
	"fmt"

	"github.com/shaiso/Tributary/internal/domain"
)

// graphDocument — сериализованная форма графа.
type graphDocument struct {
	Root  NodeID `json:"root"`
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

// ToJSON сериализует граф. Узлы и рёбра отсортированы, поэтому
// одинаковые графы дают одинаковые байты.
func (g *SpecGraph) ToJSON() ([]byte, error) {
	return json.Marshal(graphDocument{
		Root:  g.root,
		Nodes: g.Nodes(),
		Edges: g.Edges(),
	})
}

// MarshalJSON реализует json.Marshaler.
func (g *SpecGraph) MarshalJSON() ([]byte, error) {
	return g.ToJSON()
}

// UnmarshalJSON реализует json.Unmarshaler.
func (g *SpecGraph) UnmarshalJSON(data []byte) error {
	loaded, err := LoadFromJSON(data)
	if err != nil {
		return err
	}
	*g = *loaded
	return nil
}

// LoadFromJSON восстанавливает граф из ToJSON.
//
// ID каждого узла пересчитывается из его полей и должен совпасть
// с сохранённым; граф обязан иметь ровно один RootSpec.
func LoadFromJSON(data []byte) (*SpecGraph, error) {
	var doc graphDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrInvalidGraph, err)
	}

	g := newEmptyGraph()
	roots := 0

	for _, n := range doc.Nodes {
		if want := hashKey(nodeKey(&n)); want != n.ID {
			return nil, fmt.Errorf("%w: node %q has id %d, expected %d",
				ErrInvalidGraph, n.Label, n.ID, want)
		}
		if _, dup := g.index[n.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate node %q", ErrInvalidGraph, n.Label)
		}
		if n.Type == NodeRootSpec {
			roots++
			if roots > 1 {
				return nil, domain.Conflictf("graph has more than one root spec (%s)", n.SpecName)
			}
			g.root = n.ID
		}
		g.index[n.ID] = len(g.nodes)
		g.nodes = append(g.nodes, n)
	}

	if roots == 0 {
		return nil, fmt.Errorf("%w: graph has no root spec", ErrInvalidGraph)
	}
	if doc.Root != g.root {
		return nil, fmt.Errorf("%w: root %d does not match root spec node %d",
			ErrInvalidGraph, doc.Root, g.root)
	}

	for _, e := range doc.Edges {
		_, okFrom := g.index[e.From]
		_, okTo := g.index[e.To]
		if !okFrom || !okTo {
			return nil, fmt.Errorf("%w: edge %d -> %d references unknown node",
				ErrInvalidGraph, e.From, e.To)
		}
		g.ensureEdge(e.From, e.To)
	}

	return g, nil
}
