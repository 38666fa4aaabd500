package engine

import (
	"bytes"
	"errors"
	"testing"

	"github.com/shaiso/Tributary/internal/domain"
)

func ep(name, label, tag string) Endpoint {
	return Endpoint{SpecRef: SpecRef{Name: name, Label: label}, Tag: tag}
}

func mustGraph(t *testing.T, root RootSpec) *SpecGraph {
	t.Helper()
	g, err := NewSpecGraph(root)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return g
}

func TestNewSpecGraph_RootPorts(t *testing.T) {
	g := mustGraph(t, RootSpec{Name: "doubler", Inputs: []string{"default"}, Outputs: []string{"default"}})

	// root + inlet + outlet + 2 stream defs
	if g.Size() != 5 {
		t.Errorf("expected 5 nodes, got %d", g.Size())
	}

	in := g.InboundNodeSets(g.RootID())
	if len(in) != 1 {
		t.Fatalf("expected 1 inbound set, got %d", len(in))
	}
	if got := g.mustNode(in[0].Stream).Label; got != "(*)>>doubler/default" {
		t.Errorf("unexpected inbound stream %q", got)
	}

	out := g.OutboundNodeSets(g.RootID())
	if len(out) != 1 {
		t.Fatalf("expected 1 outbound set, got %d", len(out))
	}
	if got := g.mustNode(out[0].Stream).Label; got != "doubler/default>>(*)" {
		t.Errorf("unexpected outbound stream %q", got)
	}
}

func TestAddConnectedDualSpecs_SharedStream(t *testing.T) {
	g := mustGraph(t, RootSpec{Name: "flow"})

	conn, err := g.AddConnectedDualSpecs(ep("A", "", "x"), ep("B", "", "y"), false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Outlet "x" у A и его StreamDef
	var outStream NodeID
	found := false
	for _, s := range g.OutboundNodeSets(conn.FromSpec) {
		if g.mustNode(s.Port).Tag == "x" {
			outStream = s.Stream
			found = true
		}
	}
	if !found {
		t.Fatal("outlet x not found on A")
	}

	// Тот же StreamDef достижим из inbound B
	reachable := false
	for _, s := range g.InboundNodeSets(conn.ToSpec) {
		if s.Stream == outStream && g.mustNode(s.Port).Tag == "y" {
			reachable = true
		}
	}
	if !reachable {
		t.Error("stream of A.out[x] is not reachable from inbound sets of B")
	}

	if got := g.mustNode(outStream).StreamDefID; got != "A/x>>B/y" {
		t.Errorf("unexpected stream def id %q", got)
	}
}

func TestEnsure_Idempotent(t *testing.T) {
	g := mustGraph(t, RootSpec{Name: "flow"})
	ref := SpecRef{Name: "A", Label: "one"}

	in1, s1, err := g.EnsureInletAndStream(ref, "default", false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	size := g.Size()

	in2, s2, err := g.EnsureInletAndStream(ref, "default", true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if in1 != in2 || s1 != s2 {
		t.Error("repeated ensure must return the same nodes")
	}
	if g.Size() != size {
		t.Errorf("repeated ensure must not add nodes: %d -> %d", size, g.Size())
	}
	// Флаг transform объединяется
	if !g.mustNode(in1).HasTransform {
		t.Error("expected hasTransform to be set")
	}

	if _, _, err := g.EnsureOutletAndStream(ref, ""); !errors.Is(err, ErrInvalidGraph) {
		t.Errorf("expected invalid graph for empty tag, got %v", err)
	}
}

func TestAddConnectedDualSpecs_FanOutAndConflict(t *testing.T) {
	g := mustGraph(t, RootSpec{Name: "flow"})

	c1, err := g.AddConnectedDualSpecs(ep("A", "", "out"), ep("B", "", "in"), false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Fan-out: тот же outlet во второй spec
	c2, err := g.AddConnectedDualSpecs(ep("A", "", "out"), ep("C", "", "in"), false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c1.Stream != c2.Stream {
		t.Error("fan-out must reuse the outlet stream")
	}

	// Повторная связь — no-op
	c3, err := g.AddConnectedDualSpecs(ep("A", "", "out"), ep("B", "", "in"), false)
	if err != nil || c3.Stream != c1.Stream {
		t.Errorf("repeated connection must be a no-op, got %v", err)
	}

	// Inlet B уже привязан к потоку A; другой outlet с собственным потоком — конфликт
	if _, _, err := g.EnsureOutletAndStream(SpecRef{Name: "D"}, "out"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, err = g.AddConnectedDualSpecs(ep("D", "", "out"), ep("B", "", "in"), false)
	if !errors.Is(err, domain.ErrConflict) {
		t.Errorf("expected conflict, got %v", err)
	}
}

func TestDeterministicIDs(t *testing.T) {
	build := func(reverse bool) *SpecGraph {
		g := mustGraph(t, RootSpec{Name: "flow", Inputs: []string{"default"}})
		conns := [][2]Endpoint{
			{ep("A", "", "x"), ep("B", "l1", "y")},
			{ep("B", "l1", "z"), ep("C", "", "w")},
		}
		if reverse {
			conns[0], conns[1] = conns[1], conns[0]
		}
		for _, c := range conns {
			if _, err := g.AddConnectedDualSpecs(c[0], c[1], false); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		}
		return g
	}

	a, err := build(false).ToJSON()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, err := build(true).ToJSON()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !bytes.Equal(a, b) {
		t.Errorf("graphs built in different order must serialize identically:\n%s\n%s", a, b)
	}
}

func TestSecondRootRejected(t *testing.T) {
	g := mustGraph(t, RootSpec{Name: "flow"})

	if _, err := g.AddRootSpec("other"); !errors.Is(err, domain.ErrConflict) {
		t.Errorf("expected conflict, got %v", err)
	}
}

func TestAlias(t *testing.T) {
	g := mustGraph(t, RootSpec{Name: "flow"})
	if _, err := g.AddConnectedDualSpecs(ep("A", "", "out"), ep("B", "", "in"), false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, _, err := g.EnsureInletAndStream(SpecRef{Name: "A"}, "in", false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := g.AssignAlias("source", ep("A", "", "in"), domain.DirectionIn, "flow"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := g.AssignAlias("source", ep("A", "", "in"), domain.DirectionIn, "flow"); err != nil {
		t.Errorf("repeated alias must be a no-op, got %v", err)
	}

	got, err := g.LookupSpecAndTagByAlias("source", domain.DirectionIn)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Name != "A" || got.Tag != "in" {
		t.Errorf("unexpected endpoint %+v", got)
	}

	alias, err := g.LookupRootSpecAlias(ep("A", "", "in"), domain.DirectionIn)
	if err != nil || alias != "source" {
		t.Errorf("expected alias source, got %q (%v)", alias, err)
	}

	tests := []struct {
		name string
		err  error
		want error
	}{
		{"unknown alias", lookupErr(g.LookupSpecAndTagByAlias("missing", domain.DirectionIn)), domain.ErrNotFound},
		{"wrong direction", lookupErr(g.LookupSpecAndTagByAlias("source", domain.DirectionOut)), domain.ErrNotFound},
		{"unknown root", g.AssignAlias("x", ep("A", "", "in"), domain.DirectionIn, "nope"), domain.ErrNotFound},
		{"unknown tag", g.AssignAlias("x", ep("A", "", "nope"), domain.DirectionIn, "flow"), domain.ErrNotFound},
		{"unknown spec", g.AssignAlias("x", ep("Z", "", "in"), domain.DirectionIn, "flow"), domain.ErrNotFound},
		{"rebind", g.AssignAlias("source", ep("B", "", "in"), domain.DirectionIn, "flow"), domain.ErrConflict},
	}
	for _, tt := range tests {
		if !errors.Is(tt.err, tt.want) {
			t.Errorf("%s: expected %v, got %v", tt.name, tt.want, tt.err)
		}
	}
}

func lookupErr(_ Endpoint, err error) error {
	return err
}

func TestJSONRoundTrip(t *testing.T) {
	g := mustGraph(t, RootSpec{Name: "flow"})
	if _, err := g.AddConnectedDualSpecs(ep("A", "", "out"), ep("B", "x", "in"), true); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := g.AssignAlias("result", ep("A", "", "out"), domain.DirectionOut, "flow"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	data, err := g.ToJSON()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	loaded, err := LoadFromJSON(data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	again, _ := loaded.ToJSON()
	if !bytes.Equal(data, again) {
		t.Errorf("round trip changed the graph:\n%s\n%s", data, again)
	}

	target, err := loaded.LookupSpecAndTagByAlias("result", domain.DirectionOut)
	if err != nil || target.Name != "A" {
		t.Errorf("alias lost after round trip: %+v %v", target, err)
	}
	if loaded.Describe() != g.Describe() {
		t.Error("describe differs after round trip")
	}
}

func TestLoadFromJSON_Invalid(t *testing.T) {
	tests := []struct {
		name string
		data string
		want error
	}{
		{"garbage", `{`, ErrInvalidGraph},
		{"no root", `{"root":0,"nodes":[],"edges":[]}`, ErrInvalidGraph},
		{"wrong id", `{"root":1,"nodes":[{"id":1,"type":"root-spec","specName":"f","label":"f"}],"edges":[]}`, ErrInvalidGraph},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := LoadFromJSON([]byte(tt.data)); !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestLoadFromJSON_TwoRoots(t *testing.T) {
	a := Node{Type: NodeRootSpec, SpecName: "a", Label: "a"}
	a.ID = hashKey(nodeKey(&a))
	b := Node{Type: NodeRootSpec, SpecName: "b", Label: "b"}
	b.ID = hashKey(nodeKey(&b))

	g := newEmptyGraph()
	g.nodes = []Node{a, b}
	g.root = a.ID
	data, _ := g.ToJSON()

	if _, err := LoadFromJSON(data); !errors.Is(err, domain.ErrConflict) {
		t.Errorf("expected conflict, got %v", err)
	}
}

func TestInstantiate(t *testing.T) {
	g := mustGraph(t, RootSpec{Name: "flow"})
	if _, err := g.AddConnectedDualSpecs(ep("A", "", "out"), ep("B", "", "in"), false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, _, err := g.EnsureInletAndStream(SpecRef{Name: "A"}, "in", false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := g.AssignAlias("default", ep("A", "", "in"), domain.DirectionIn, "flow"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	aliasStream, err := g.AliasStream("default", domain.DirectionIn)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	inst := Instantiate(g, "job-1", map[NodeID]string{aliasStream: "parent-input"})
	children := inst.Children()
	if len(children) != 2 {
		t.Fatalf("expected 2 children, got %d", len(children))
	}

	a, b := children[0], children[1]
	if a.JobID != "[job-1]A" || b.JobID != "[job-1]B" {
		t.Errorf("unexpected job ids %s %s", a.JobID, b.JobID)
	}
	if a.Inputs["in"] != "parent-input" {
		t.Errorf("override not applied: %v", a.Inputs)
	}
	if a.Outputs["out"] != "[job-1]A/out>>B/in" || b.Inputs["in"] != a.Outputs["out"] {
		t.Errorf("children must share the stream: %v %v", a.Outputs, b.Inputs)
	}

	inputs, _ := inst.RootBindings()
	if inputs["default"] != "parent-input" {
		t.Errorf("alias binding mismatch: %v", inputs)
	}
}

func TestSpecOrder(t *testing.T) {
	g := mustGraph(t, RootSpec{Name: "flow"})
	for _, c := range [][2]Endpoint{
		{ep("c", "", "out"), ep("d", "", "in")},
		{ep("b", "", "out"), ep("c", "", "in")},
		{ep("a", "", "out"), ep("b", "", "in")},
	} {
		if _, err := g.AddConnectedDualSpecs(c[0], c[1], false); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	order, err := g.SpecOrder()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var labels []string
	for _, n := range order {
		labels = append(labels, n.Label)
	}
	want := []string{"a", "b", "c", "d"}
	for i := range want {
		if labels[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, labels)
		}
	}
}

func TestSpecOrder_Cycle(t *testing.T) {
	g := mustGraph(t, RootSpec{Name: "flow"})
	if _, err := g.AddConnectedDualSpecs(ep("a", "", "out"), ep("b", "", "in"), false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := g.AddConnectedDualSpecs(ep("b", "", "out"), ep("a", "", "in"), false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	order, err := g.SpecOrder()
	if !errors.Is(err, ErrCyclicDependency) {
		t.Fatalf("expected cycle error, got %v", err)
	}
	if len(order) != 2 {
		t.Errorf("cycle must still return all specs in label order, got %d", len(order))
	}
}
