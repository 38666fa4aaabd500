package engine

import (
	"github.com/shaiso/Tributary/internal/domain"
)

// ChildJob — дочерний job, который нужно запустить для узла Spec.
type ChildJob struct {
	SpecName string
	Label    string
	JobID    string
	Inputs   map[domain.Tag]string
	Outputs  map[domain.Tag]string
}

// Ref возвращает ссылку на экземпляр spec.
func (c ChildJob) Ref() SpecRef {
	return SpecRef{Name: c.SpecName, Label: c.Label}
}

// Instance — граф, привязанный к контексту конкретного родительского job.
type Instance struct {
	graph     *SpecGraph
	contextID string
	overrides map[NodeID]string
}

// Instantiate привязывает граф к контексту contextID (обычно id родительского job).
//
// Идентификаторы выводятся детерминированно:
//   - job id дочернего spec:  [contextID]<spec id>
//   - stream id StreamDef:    [contextID]<stream def label>
//
// overrides заменяет stream id для отдельных StreamDef (ключ — ID узла).
func Instantiate(g *SpecGraph, contextID string, overrides map[NodeID]string) *Instance {
	o := make(map[NodeID]string, len(overrides))
	for k, v := range overrides {
		o[k] = v
	}
	return &Instance{graph: g, contextID: contextID, overrides: o}
}

func (i *Instance) prefixed(label string) string {
	return "[" + i.contextID + "]" + label
}

// StreamID возвращает конкретный stream id узла StreamDef.
func (i *Instance) StreamID(streamDef NodeID) string {
	if id, ok := i.overrides[streamDef]; ok {
		return id
	}
	return i.prefixed(i.graph.mustNode(streamDef).StreamDefID)
}

// JobID возвращает id дочернего job для узла Spec.
func (i *Instance) JobID(ref SpecRef) string {
	return i.prefixed(ref.ID())
}

// Children возвращает дочерние jobs в порядке меток.
func (i *Instance) Children() []ChildJob {
	specs := i.graph.SpecNodes()
	out := make([]ChildJob, 0, len(specs))

	for _, n := range specs {
		out = append(out, i.child(n))
	}
	return out
}

// Child возвращает дочерний job экземпляра spec.
func (i *Instance) Child(ref SpecRef) (ChildJob, error) {
	id, err := i.graph.FindSpec(ref)
	if err != nil {
		return ChildJob{}, err
	}
	return i.child(i.graph.mustNode(id)), nil
}

func (i *Instance) child(n Node) ChildJob {
	c := ChildJob{
		SpecName: n.SpecName,
		Label:    n.UniqueSpecLabel,
		JobID:    i.JobID(n.Ref()),
		Inputs:   make(map[domain.Tag]string),
		Outputs:  make(map[domain.Tag]string),
	}
	for _, s := range i.graph.InboundNodeSets(n.ID) {
		c.Inputs[domain.Tag(i.graph.mustNode(s.Port).Tag)] = i.StreamID(s.Stream)
	}
	for _, s := range i.graph.OutboundNodeSets(n.ID) {
		c.Outputs[domain.Tag(i.graph.mustNode(s.Port).Tag)] = i.StreamID(s.Stream)
	}
	return c
}

// RootBindings возвращает stream id тегов корневого spec.
//
// Тег, опубликованный через alias, привязывается к потоку порта
// дочернего spec; остальные теги — к собственным потокам корня.
func (i *Instance) RootBindings() (inputs, outputs map[domain.Tag]string) {
	inputs = make(map[domain.Tag]string)
	outputs = make(map[domain.Tag]string)

	g := i.graph
	for _, s := range g.InboundNodeSets(g.root) {
		inputs[domain.Tag(g.mustNode(s.Port).Tag)] = i.StreamID(s.Stream)
	}
	for _, s := range g.OutboundNodeSets(g.root) {
		outputs[domain.Tag(g.mustNode(s.Port).Tag)] = i.StreamID(s.Stream)
	}

	for _, alias := range g.Aliases(domain.DirectionIn) {
		if stream, err := g.AliasStream(alias, domain.DirectionIn); err == nil {
			inputs[domain.Tag(alias)] = i.StreamID(stream)
		}
	}
	for _, alias := range g.Aliases(domain.DirectionOut) {
		if stream, err := g.AliasStream(alias, domain.DirectionOut); err == nil {
			outputs[domain.Tag(alias)] = i.StreamID(stream)
		}
	}
	return inputs, outputs
}

// AliasStream возвращает StreamDef порта, опубликованного под alias.
func (g *SpecGraph) AliasStream(alias string, dir domain.Direction) (NodeID, error) {
	port, err := g.aliasTarget(alias, dir)
	if err != nil {
		return 0, err
	}
	stream, ok := g.StreamOf(port)
	if !ok {
		return 0, domain.NotFoundf("stream of %s alias %s", dir, alias)
	}
	return stream, nil
}
