package engine

import (
	"fmt"
	"sort"

	"github.com/shaiso/Tributary/internal/domain"
)

// NodeType — тип узла DefGraph.
type NodeType string

const (
	NodeRootSpec  NodeType = "root-spec"
	NodeSpec      NodeType = "spec"
	NodeStreamDef NodeType = "stream-def"
	NodeInlet     NodeType = "inlet"
	NodeOutlet    NodeType = "outlet"
	NodeAlias     NodeType = "alias"
)

// NodeID — детерминированный идентификатор узла.
type NodeID uint64

// Node — узел графа.
type Node struct {
	ID              NodeID           `json:"id"`
	Type            NodeType         `json:"type"`
	SpecName        string           `json:"specName,omitempty"`
	UniqueSpecLabel string           `json:"uniqueSpecLabel,omitempty"`
	Tag             string           `json:"tag,omitempty"`
	Direction       domain.Direction `json:"direction,omitempty"`
	HasTransform    bool             `json:"hasTransform,omitempty"`
	StreamDefID     string           `json:"streamDefId,omitempty"`
	Alias           string           `json:"alias,omitempty"`
	Label           string           `json:"label"`
}

// Ref возвращает ссылку на экземпляр spec для узлов Spec/RootSpec/Inlet/Outlet.
func (n Node) Ref() SpecRef {
	return SpecRef{Name: n.SpecName, Label: n.UniqueSpecLabel}
}

// Edge — направленное ребро.
type Edge struct {
	From NodeID `json:"from"`
	To   NodeID `json:"to"`
}

// PortSet — пара {Inlet|Outlet, StreamDef}, примыкающая к узлу spec.
type PortSet struct {
	Port   NodeID
	Stream NodeID
}

// Connection — результат AddConnectedDualSpecs.
type Connection struct {
	FromSpec NodeID
	ToSpec   NodeID
	Outlet   NodeID
	Inlet    NodeID
	Stream   NodeID
}

// RootSpec — корневой spec графа и его теги.
type RootSpec struct {
	Name    string
	Inputs  []string
	Outputs []string
}

// SpecGraph — статический граф связей тегов spec (DefGraph).
//
// Узлы хранятся плоским массивом, связи — списками смежности по ID.
// Поэтому циклы (flow, ссылающийся сам на себя) не создают
// циклических ссылок между объектами, а сериализация тривиальна.
type SpecGraph struct {
	root  NodeID
	nodes []Node
	index map[NodeID]int
	out   map[NodeID][]NodeID
	in    map[NodeID][]NodeID
}

func newEmptyGraph() *SpecGraph {
	return &SpecGraph{
		index: make(map[NodeID]int),
		out:   make(map[NodeID][]NodeID),
		in:    make(map[NodeID][]NodeID),
	}
}

// NewSpecGraph строит граф с корневым spec, его inlet/outlet и потоками.
func NewSpecGraph(root RootSpec) (*SpecGraph, error) {
	if root.Name == "" {
		return nil, fmt.Errorf("%w: root spec name is empty", ErrInvalidGraph)
	}

	g := newEmptyGraph()
	rootID, _, err := g.ensureNode(Node{
		Type:     NodeRootSpec,
		SpecName: root.Name,
		Label:    root.Name,
	})
	if err != nil {
		return nil, err
	}
	g.root = rootID

	ref := SpecRef{Name: root.Name}
	for _, tag := range root.Inputs {
		if _, _, err := g.EnsureInletAndStream(ref, tag, false); err != nil {
			return nil, err
		}
	}
	for _, tag := range root.Outputs {
		if _, _, err := g.EnsureOutletAndStream(ref, tag); err != nil {
			return nil, err
		}
	}

	return g, nil
}

// NewSpecGraphFor строит граф для одиночного spec.
func NewSpecGraphFor(spec *domain.JobSpec) (*SpecGraph, error) {
	return NewSpecGraph(RootSpec{
		Name:    spec.Name,
		Inputs:  tagsToStrings(spec.Inputs.Tags()),
		Outputs: tagsToStrings(spec.Outputs.Tags()),
	})
}

func tagsToStrings(tags []domain.Tag) []string {
	out := make([]string, len(tags))
	for i, t := range tags {
		out[i] = string(t)
	}
	return out
}

// ensureNode добавляет узел или возвращает существующий с тем же ключом.
// Второе значение — true, если узел создан.
func (g *SpecGraph) ensureNode(n Node) (NodeID, bool, error) {
	key := nodeKey(&n)
	id := hashKey(key)

	if i, exists := g.index[id]; exists {
		existing := &g.nodes[i]
		if nodeKey(existing) != key {
			return 0, false, fmt.Errorf("%w: node id collision between %q and %q",
				domain.ErrConflict, existing.Label, n.Label)
		}
		if n.HasTransform {
			existing.HasTransform = true
		}
		return id, false, nil
	}

	if n.Type == NodeRootSpec && len(g.nodes) > 0 {
		if _, ok := g.index[g.root]; ok {
			return 0, false, fmt.Errorf("%w: graph already has root spec %q",
				domain.ErrConflict, g.nodes[g.index[g.root]].SpecName)
		}
	}

	n.ID = id
	g.index[id] = len(g.nodes)
	g.nodes = append(g.nodes, n)
	return id, true, nil
}

// ensureEdge добавляет ребро, если его ещё нет.
func (g *SpecGraph) ensureEdge(from, to NodeID) {
	for _, existing := range g.out[from] {
		if existing == to {
			return
		}
	}
	g.out[from] = append(g.out[from], to)
	g.in[to] = append(g.in[to], from)
}

// HasEdge проверяет наличие ребра.
func (g *SpecGraph) HasEdge(from, to NodeID) bool {
	for _, existing := range g.out[from] {
		if existing == to {
			return true
		}
	}
	return false
}

// AddRootSpec добавляет корневой spec. Второй корень отклоняется с ErrConflict.
func (g *SpecGraph) AddRootSpec(name string) (NodeID, error) {
	if _, ok := g.index[g.root]; ok && len(g.nodes) > 0 {
		return 0, fmt.Errorf("%w: graph already has root spec %q",
			domain.ErrConflict, g.nodes[g.index[g.root]].SpecName)
	}
	id, _, err := g.ensureNode(Node{Type: NodeRootSpec, SpecName: name, Label: name})
	if err != nil {
		return 0, err
	}
	g.root = id
	return id, nil
}

// specNode возвращает узел экземпляра spec, создавая его при необходимости.
// Ссылка на корневой spec без метки указывает на RootSpec.
func (g *SpecGraph) specNode(ref SpecRef) (NodeID, error) {
	if ref.Name == "" {
		return 0, fmt.Errorf("%w: spec name is empty", ErrInvalidGraph)
	}
	if ref.Label == "" && g.isRootName(ref.Name) {
		return g.root, nil
	}
	id, _, err := g.ensureNode(Node{
		Type:            NodeSpec,
		SpecName:        ref.Name,
		UniqueSpecLabel: ref.Label,
		Label:           ref.ID(),
	})
	return id, err
}

func (g *SpecGraph) isRootName(name string) bool {
	i, ok := g.index[g.root]
	return ok && g.nodes[i].SpecName == name
}

// ensurePort создаёт inlet или outlet и ребро со spec.
func (g *SpecGraph) ensurePort(ref SpecRef, tag string, t NodeType, hasTransform bool) (NodeID, error) {
	if tag == "" {
		return 0, fmt.Errorf("%w: empty tag for %s", ErrInvalidGraph, ref.ID())
	}

	specID, err := g.specNode(ref)
	if err != nil {
		return 0, err
	}

	portID, _, err := g.ensureNode(Node{
		Type:            t,
		SpecName:        ref.Name,
		UniqueSpecLabel: ref.Label,
		Tag:             tag,
		Direction:       directionOf(t),
		HasTransform:    hasTransform,
		Label:           portLabel(ref, tag),
	})
	if err != nil {
		return 0, err
	}

	if t == NodeInlet {
		g.ensureEdge(portID, specID)
	} else {
		g.ensureEdge(specID, portID)
	}
	return portID, nil
}

// ensureStreamDef создаёт узел StreamDef.
func (g *SpecGraph) ensureStreamDef(streamDefID string) (NodeID, error) {
	id, _, err := g.ensureNode(Node{
		Type:        NodeStreamDef,
		StreamDefID: streamDefID,
		Label:       streamDefID,
	})
	return id, err
}

// EnsureInletAndStream идемпотентно создаёт inlet тега и его StreamDef.
// Возвращает (inlet, stream).
func (g *SpecGraph) EnsureInletAndStream(ref SpecRef, tag string, hasTransform bool) (NodeID, NodeID, error) {
	inlet, err := g.ensurePort(ref, tag, NodeInlet, hasTransform)
	if err != nil {
		return 0, 0, err
	}

	if stream, ok := g.StreamOf(inlet); ok {
		return inlet, stream, nil
	}

	stream, err := g.ensureStreamDef(UniqueStreamIdentifier(nil, &Endpoint{SpecRef: ref, Tag: tag}))
	if err != nil {
		return 0, 0, err
	}
	g.ensureEdge(stream, inlet)
	return inlet, stream, nil
}

// EnsureOutletAndStream идемпотентно создаёт outlet тега и его StreamDef.
// Возвращает (outlet, stream).
func (g *SpecGraph) EnsureOutletAndStream(ref SpecRef, tag string) (NodeID, NodeID, error) {
	outlet, err := g.ensurePort(ref, tag, NodeOutlet, false)
	if err != nil {
		return 0, 0, err
	}

	if stream, ok := g.StreamOf(outlet); ok {
		return outlet, stream, nil
	}

	stream, err := g.ensureStreamDef(UniqueStreamIdentifier(&Endpoint{SpecRef: ref, Tag: tag}, nil))
	if err != nil {
		return 0, 0, err
	}
	g.ensureEdge(outlet, stream)
	return outlet, stream, nil
}

// AddConnectedDualSpecs связывает outlet from с inlet to через общий StreamDef.
//
// Если у одной из сторон поток уже есть, он переиспользуется (fan-out
// с одного outlet или fan-in в один inlet). Если у обеих сторон разные
// потоки — ErrConflict.
func (g *SpecGraph) AddConnectedDualSpecs(from, to Endpoint, hasTransform bool) (Connection, error) {
	outlet, err := g.ensurePort(from.SpecRef, from.Tag, NodeOutlet, false)
	if err != nil {
		return Connection{}, err
	}
	inlet, err := g.ensurePort(to.SpecRef, to.Tag, NodeInlet, hasTransform)
	if err != nil {
		return Connection{}, err
	}

	fromSpec, _ := g.specNode(from.SpecRef)
	toSpec, _ := g.specNode(to.SpecRef)

	outStream, hasOut := g.StreamOf(outlet)
	inStream, hasIn := g.StreamOf(inlet)

	var stream NodeID
	switch {
	case hasOut && hasIn && outStream != inStream:
		return Connection{}, fmt.Errorf("%w: %s is already bound to %s",
			domain.ErrConflict, g.mustNode(inlet).Label, g.mustNode(inStream).Label)
	case hasOut:
		stream = outStream
		g.ensureEdge(stream, inlet)
	case hasIn:
		stream = inStream
		g.ensureEdge(outlet, stream)
	default:
		stream, err = g.ensureStreamDef(UniqueStreamIdentifier(&from, &to))
		if err != nil {
			return Connection{}, err
		}
		g.ensureEdge(outlet, stream)
		g.ensureEdge(stream, inlet)
	}

	return Connection{
		FromSpec: fromSpec,
		ToSpec:   toSpec,
		Outlet:   outlet,
		Inlet:    inlet,
		Stream:   stream,
	}, nil
}

// StreamOf возвращает StreamDef, привязанный к inlet или outlet.
func (g *SpecGraph) StreamOf(port NodeID) (NodeID, bool) {
	n, ok := g.Node(port)
	if !ok {
		return 0, false
	}

	var neighbors []NodeID
	switch n.Type {
	case NodeInlet:
		neighbors = g.in[port]
	case NodeOutlet:
		neighbors = g.out[port]
	default:
		return 0, false
	}

	for _, id := range neighbors {
		if g.mustNode(id).Type == NodeStreamDef {
			return id, true
		}
	}
	return 0, false
}

// InboundNodeSets возвращает пары {Inlet, StreamDef} узла spec,
// отсортированные по тегу.
func (g *SpecGraph) InboundNodeSets(specID NodeID) []PortSet {
	return g.portSets(g.in[specID], NodeInlet)
}

// OutboundNodeSets возвращает пары {Outlet, StreamDef} узла spec,
// отсортированные по тегу.
func (g *SpecGraph) OutboundNodeSets(specID NodeID) []PortSet {
	return g.portSets(g.out[specID], NodeOutlet)
}

func (g *SpecGraph) portSets(neighbors []NodeID, t NodeType) []PortSet {
	sets := make([]PortSet, 0, len(neighbors))
	for _, id := range neighbors {
		if g.mustNode(id).Type != t {
			continue
		}
		stream, ok := g.StreamOf(id)
		if !ok {
			continue
		}
		sets = append(sets, PortSet{Port: id, Stream: stream})
	}
	sort.Slice(sets, func(i, j int) bool {
		return g.mustNode(sets[i].Port).Tag < g.mustNode(sets[j].Port).Tag
	})
	return sets
}

// Node возвращает копию узла по ID.
func (g *SpecGraph) Node(id NodeID) (Node, bool) {
	i, ok := g.index[id]
	if !ok {
		return Node{}, false
	}
	return g.nodes[i], true
}

func (g *SpecGraph) mustNode(id NodeID) Node {
	return g.nodes[g.index[id]]
}

// Root возвращает корневой узел.
func (g *SpecGraph) Root() Node {
	return g.mustNode(g.root)
}

// RootID возвращает ID корневого узла.
func (g *SpecGraph) RootID() NodeID {
	return g.root
}

// FindSpec возвращает узел экземпляра spec.
func (g *SpecGraph) FindSpec(ref SpecRef) (NodeID, error) {
	if ref.Label == "" && g.isRootName(ref.Name) {
		return g.root, nil
	}
	id := hashKey(join(string(NodeSpec), ref.Name, ref.Label))
	if _, ok := g.index[id]; !ok {
		return 0, domain.NotFoundf("spec %s in graph %s", ref.ID(), g.Root().SpecName)
	}
	return id, nil
}

// FindPort возвращает inlet (dir=in) или outlet (dir=out) тега экземпляра spec.
func (g *SpecGraph) FindPort(ref SpecRef, tag string, dir domain.Direction) (NodeID, error) {
	specID, err := g.FindSpec(ref)
	if err != nil {
		return 0, err
	}

	var sets []PortSet
	if dir == domain.DirectionIn {
		sets = g.InboundNodeSets(specID)
	} else {
		sets = g.OutboundNodeSets(specID)
	}
	for _, s := range sets {
		if g.mustNode(s.Port).Tag == tag {
			return s.Port, nil
		}
	}
	return 0, domain.NotFoundf("%s tag %s of %s", dir, tag, ref.ID())
}

// SpecNodes возвращает дочерние узлы Spec (без RootSpec), отсортированные по метке.
func (g *SpecGraph) SpecNodes() []Node {
	var out []Node
	for _, n := range g.nodes {
		if n.Type == NodeSpec {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Label < out[j].Label })
	return out
}

// Nodes возвращает все узлы, отсортированные по ID.
func (g *SpecGraph) Nodes() []Node {
	out := make([]Node, len(g.nodes))
	copy(out, g.nodes)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Edges возвращает все рёбра, отсортированные по (from, to).
func (g *SpecGraph) Edges() []Edge {
	var edges []Edge
	for from, targets := range g.out {
		for _, to := range targets {
			edges = append(edges, Edge{From: from, To: to})
		}
	}
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].From != edges[j].From {
			return edges[i].From < edges[j].From
		}
		return edges[i].To < edges[j].To
	})
	return edges
}

// Size возвращает количество узлов.
func (g *SpecGraph) Size() int {
	return len(g.nodes)
}
