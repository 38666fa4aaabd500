package engine

import (
	"hash/fnv"
	"strings"

	"github.com/shaiso/Tributary/internal/domain"
)

// DefaultLabel — метка экземпляра spec, которая не выводится в идентификаторах.
const DefaultLabel = "default_label"

// wildcard — обозначение отсутствующей стороны потока.
const wildcard = "(*)"

// SpecRef — ссылка на экземпляр spec внутри графа.
//
// Один и тот же spec может входить во flow несколько раз под разными
// метками (Label). Пустая метка — единственный экземпляр.
type SpecRef struct {
	Name  string `json:"spec" yaml:"spec"`
	Label string `json:"label,omitempty" yaml:"label,omitempty"`
}

// ID возвращает уникальный идентификатор экземпляра: name или name[label].
func (r SpecRef) ID() string {
	return UniqueSpecIdentifier(r.Name, r.Label)
}

// Endpoint — тег конкретного экземпляра spec.
type Endpoint struct {
	SpecRef `yaml:",inline"`
	Tag     string `json:"tag" yaml:"tag"`
}

// UniqueSpecIdentifier возвращает name[label] или name, если метки нет.
func UniqueSpecIdentifier(name, label string) string {
	if label == "" {
		return name
	}
	return name + "[" + label + "]"
}

// portLabel — метка inlet/outlet: specId/tag.
func portLabel(ref SpecRef, tag string) string {
	return ref.ID() + "/" + tag
}

// streamSide описывает одну сторону потока: spec(label)/tag.
func streamSide(ep *Endpoint) string {
	if ep == nil {
		return wildcard
	}

	var b strings.Builder
	b.WriteString(ep.Name)
	if ep.Label != "" && ep.Label != DefaultLabel {
		b.WriteString("(")
		b.WriteString(ep.Label)
		b.WriteString(")")
	}
	b.WriteString("/")
	b.WriteString(ep.Tag)
	return b.String()
}

// UniqueStreamIdentifier возвращает идентификатор StreamDef: from>>to.
// Отсутствующая сторона выводится как (*).
func UniqueStreamIdentifier(from, to *Endpoint) string {
	return streamSide(from) + ">>" + streamSide(to)
}

// aliasLabel — метка alias-узла: root/alias.
func aliasLabel(rootName, alias string) string {
	return rootName + "/" + alias
}

// nodeKey — ключ, из которого выводится ID узла.
//
// Ключ зависит только от типа узла и его содержательных полей,
// поэтому графы, построенные независимо по одному описанию flow,
// получают одинаковые ID.
func nodeKey(n *Node) string {
	switch n.Type {
	case NodeRootSpec:
		return join(string(NodeRootSpec), n.SpecName)
	case NodeSpec:
		return join(string(NodeSpec), n.SpecName, n.UniqueSpecLabel)
	case NodeInlet, NodeOutlet:
		return join(string(n.Type), n.SpecName, n.UniqueSpecLabel, n.Tag, string(n.Direction))
	case NodeStreamDef:
		return join(string(NodeStreamDef), n.StreamDefID)
	case NodeAlias:
		return join(string(NodeAlias), n.SpecName, n.Alias, string(n.Direction))
	default:
		return join(string(n.Type), n.Label)
	}
}

func join(parts ...string) string {
	return strings.Join(parts, "\x1f")
}

// hashKey выводит ID узла из ключа (FNV-1a, 64 бита).
func hashKey(key string) NodeID {
	h := fnv.New64a()
	h.Write([]byte(key))
	return NodeID(h.Sum64())
}

// directionOf возвращает направление порта по типу узла.
func directionOf(t NodeType) domain.Direction {
	if t == NodeInlet {
		return domain.DirectionIn
	}
	return domain.DirectionOut
}
