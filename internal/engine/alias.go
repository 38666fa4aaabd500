package engine

import (
	"sort"

	"github.com/shaiso/Tributary/internal/domain"
)

// AssignAlias публикует inlet или outlet дочернего spec под именем alias
// на корневом spec rootSpecName.
//
// Для dir=in рёбра: inlet → alias → root, для dir=out: root → alias → outlet.
// Повторное назначение того же alias на тот же порт — no-op, на другой порт — ErrConflict.
func (g *SpecGraph) AssignAlias(alias string, ep Endpoint, dir domain.Direction, rootSpecName string) error {
	if alias == "" {
		return NewFlowError(rootSpecName, "alias", "alias is empty", ErrInvalidGraph)
	}
	if !dir.IsValid() {
		return NewFlowError(rootSpecName, "alias "+alias, "invalid direction "+string(dir), ErrInvalidGraph)
	}

	root := g.Root()
	if root.SpecName != rootSpecName {
		return domain.NotFoundf("root spec %s (graph root is %s)", rootSpecName, root.SpecName)
	}

	port, err := g.FindPort(ep.SpecRef, ep.Tag, dir)
	if err != nil {
		return err
	}

	if existing, err := g.aliasTarget(alias, dir); err == nil {
		if existing == port {
			return nil
		}
		return domain.Conflictf("alias %s of %s is already bound to %s",
			alias, rootSpecName, g.mustNode(existing).Label)
	}

	aliasID, _, err := g.ensureNode(Node{
		Type:      NodeAlias,
		SpecName:  rootSpecName,
		Alias:     alias,
		Direction: dir,
		Label:     aliasLabel(rootSpecName, alias),
	})
	if err != nil {
		return err
	}

	if dir == domain.DirectionIn {
		g.ensureEdge(port, aliasID)
		g.ensureEdge(aliasID, g.root)
	} else {
		g.ensureEdge(g.root, aliasID)
		g.ensureEdge(aliasID, port)
	}
	return nil
}

// aliasNodeID возвращает ID alias-узла, если он есть.
func (g *SpecGraph) aliasNodeID(alias string, dir domain.Direction) (NodeID, bool) {
	id := hashKey(join(string(NodeAlias), g.Root().SpecName, alias, string(dir)))
	_, ok := g.index[id]
	return id, ok
}

// aliasTarget возвращает порт, на который указывает alias.
func (g *SpecGraph) aliasTarget(alias string, dir domain.Direction) (NodeID, error) {
	id, ok := g.aliasNodeID(alias, dir)
	if !ok {
		return 0, domain.NotFoundf("%s alias %s of %s", dir, alias, g.Root().SpecName)
	}

	neighbors := g.out[id]
	want := NodeOutlet
	if dir == domain.DirectionIn {
		neighbors = g.in[id]
		want = NodeInlet
	}
	for _, n := range neighbors {
		if g.mustNode(n).Type == want {
			return n, nil
		}
	}
	return 0, domain.NotFoundf("%s alias %s of %s has no target", dir, alias, g.Root().SpecName)
}

// LookupSpecAndTagByAlias возвращает экземпляр spec и тег, скрытые за alias.
func (g *SpecGraph) LookupSpecAndTagByAlias(alias string, dir domain.Direction) (Endpoint, error) {
	port, err := g.aliasTarget(alias, dir)
	if err != nil {
		return Endpoint{}, err
	}
	n := g.mustNode(port)
	return Endpoint{SpecRef: n.Ref(), Tag: n.Tag}, nil
}

// LookupRootSpecAlias возвращает alias, под которым опубликован тег экземпляра spec.
func (g *SpecGraph) LookupRootSpecAlias(ep Endpoint, dir domain.Direction) (string, error) {
	port, err := g.FindPort(ep.SpecRef, ep.Tag, dir)
	if err != nil {
		return "", err
	}

	neighbors := g.out[port]
	if dir == domain.DirectionOut {
		neighbors = g.in[port]
	}
	for _, id := range neighbors {
		n := g.mustNode(id)
		if n.Type == NodeAlias && n.Direction == dir {
			return n.Alias, nil
		}
	}
	return "", domain.NotFoundf("alias for %s %s", dir, portLabel(ep.SpecRef, ep.Tag))
}

// Aliases возвращает все alias направления в лексикографическом порядке.
func (g *SpecGraph) Aliases(dir domain.Direction) []string {
	var out []string
	for _, n := range g.nodes {
		if n.Type == NodeAlias && n.Direction == dir {
			out = append(out, n.Alias)
		}
	}
	sort.Strings(out)
	return out
}
