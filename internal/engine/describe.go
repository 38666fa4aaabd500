package engine

import (
	"fmt"
	"strings"

	"github.com/shaiso/Tributary/internal/domain"
)

// Describe возвращает текстовое представление графа:
// корневой spec, дочерние spec в порядке запуска и alias.
func (g *SpecGraph) Describe() string {
	var b strings.Builder

	root := g.Root()
	fmt.Fprintf(&b, "root %s\n", root.Label)
	g.describePorts(&b, root.ID)

	order, err := g.SpecOrder()
	for _, n := range order {
		fmt.Fprintf(&b, "spec %s\n", n.Label)
		g.describePorts(&b, n.ID)
	}
	if err != nil {
		b.WriteString("# cycle between specs, order is by label\n")
	}

	for _, dir := range []domain.Direction{domain.DirectionIn, domain.DirectionOut} {
		for _, alias := range g.Aliases(dir) {
			port, err := g.aliasTarget(alias, dir)
			if err != nil {
				continue
			}
			fmt.Fprintf(&b, "alias %-3s %s => %s\n", dir, alias, g.mustNode(port).Label)
		}
	}

	return b.String()
}

func (g *SpecGraph) describePorts(b *strings.Builder, specID NodeID) {
	for _, s := range g.InboundNodeSets(specID) {
		port := g.mustNode(s.Port)
		suffix := ""
		if port.HasTransform {
			suffix = " (transform)"
		}
		fmt.Fprintf(b, "  in  %s <- %s%s\n", port.Tag, g.mustNode(s.Stream).Label, suffix)
	}
	for _, s := range g.OutboundNodeSets(specID) {
		port := g.mustNode(s.Port)
		fmt.Fprintf(b, "  out %s -> %s\n", port.Tag, g.mustNode(s.Stream).Label)
	}
}
