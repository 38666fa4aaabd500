package engine

import (
	"sort"
)

// Dependencies возвращает для каждого дочернего spec множество spec,
// чьи outlet питают его inlet.
func (g *SpecGraph) Dependencies() map[NodeID][]NodeID {
	deps := make(map[NodeID][]NodeID)

	for _, spec := range g.SpecNodes() {
		seen := make(map[NodeID]bool)
		for _, set := range g.InboundNodeSets(spec.ID) {
			for _, outlet := range g.in[set.Stream] {
				if g.mustNode(outlet).Type != NodeOutlet {
					continue
				}
				for _, producer := range g.in[outlet] {
					if g.mustNode(producer).Type != NodeSpec || producer == spec.ID || seen[producer] {
						continue
					}
					seen[producer] = true
					deps[spec.ID] = append(deps[spec.ID], producer)
				}
			}
		}
	}
	return deps
}

// SpecOrder возвращает дочерние spec в топологическом порядке (алгоритм Кана):
// производители раньше потребителей. Среди равных — по метке.
//
// При цикле возвращает ErrCyclicDependency; запуск flow в этом случае
// идёт в порядке меток, потоки всё равно разрешают любой порядок.
func (g *SpecGraph) SpecOrder() ([]Node, error) {
	specs := g.SpecNodes()
	deps := g.Dependencies()

	// Считаем входящие рёбра и обратные связи
	inDegree := make(map[NodeID]int, len(specs))
	dependents := make(map[NodeID][]NodeID)
	for _, s := range specs {
		inDegree[s.ID] = len(deps[s.ID])
		for _, d := range deps[s.ID] {
			dependents[d] = append(dependents[d], s.ID)
		}
	}

	// Очередь узлов с inDegree = 0, specs уже отсортированы по метке
	queue := make([]Node, 0, len(specs))
	for _, s := range specs {
		if inDegree[s.ID] == 0 {
			queue = append(queue, s)
		}
	}

	order := make([]Node, 0, len(specs))
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		order = append(order, node)

		var ready []Node
		for _, dependent := range dependents[node.ID] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				ready = append(ready, g.mustNode(dependent))
			}
		}
		sort.Slice(ready, func(i, j int) bool { return ready[i].Label < ready[j].Label })
		queue = append(queue, ready...)
	}

	// Если не все узлы обработаны — есть цикл
	if len(order) != len(specs) {
		return specs, ErrCyclicDependency
	}
	return order, nil
}
