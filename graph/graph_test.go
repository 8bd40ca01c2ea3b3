package graph

import (
	"testing"

	"github.com/tachyon-beep/elspeth-sub014/landscape"
)

func buildLinearGraph(t *testing.T) *Graph {
	t.Helper()
	g := New()
	g.AddNode(Node{ID: "src", Kind: landscape.NodeSource, PluginName: "csv_source", PluginVersion: "1", ConfigHash: "h1"})
	g.AddNode(Node{ID: "xf", Kind: landscape.NodeTransform, PluginName: "uppercase", PluginVersion: "1", ConfigHash: "h2"})
	g.AddNode(Node{ID: "sink", Kind: landscape.NodeSink, PluginName: "csv_sink", PluginVersion: "1", ConfigHash: "h3"})

	if err := g.AddEdge(Edge{From: "src", To: "xf", Label: "continue", Mode: landscape.EdgeMove}); err != nil {
		t.Fatalf("AddEdge: %v", err)
	}
	if err := g.AddEdge(Edge{From: "xf", To: "sink", Label: "continue", Mode: landscape.EdgeMove}); err != nil {
		t.Fatalf("AddEdge: %v", err)
	}
	return g
}

func TestAssignStepsLinearPipeline(t *testing.T) {
	g := buildLinearGraph(t)
	if err := g.AssignSteps(); err != nil {
		t.Fatalf("AssignSteps: %v", err)
	}

	src, _ := g.Node("src")
	xf, _ := g.Node("xf")
	sink, _ := g.Node("sink")

	if src.StepIndex != 0 {
		t.Errorf("source step = %d, want 0", src.StepIndex)
	}
	if xf.StepIndex != 1 {
		t.Errorf("transform step = %d, want 1", xf.StepIndex)
	}
	if sink.StepIndex != 2 {
		t.Errorf("sink step = %d, want 2", sink.StepIndex)
	}
}

func TestAssignStepsSinkAlwaysLast(t *testing.T) {
	g := New()
	g.AddNode(Node{ID: "src", Kind: landscape.NodeSource})
	g.AddNode(Node{ID: "a", Kind: landscape.NodeTransform})
	g.AddNode(Node{ID: "b", Kind: landscape.NodeTransform})
	g.AddNode(Node{ID: "sink", Kind: landscape.NodeSink})

	must(t, g.AddEdge(Edge{From: "src", To: "a", Label: "continue", Mode: landscape.EdgeMove}))
	must(t, g.AddEdge(Edge{From: "src", To: "b", Label: "continue2", Mode: landscape.EdgeCopy}))
	must(t, g.AddEdge(Edge{From: "a", To: "sink", Label: "continue", Mode: landscape.EdgeMove}))
	must(t, g.AddEdge(Edge{From: "b", To: "sink", Label: "continue2", Mode: landscape.EdgeMove}))

	must(t, g.AssignSteps())

	sink, _ := g.Node("sink")
	a, _ := g.Node("a")
	b, _ := g.Node("b")

	if sink.StepIndex <= a.StepIndex || sink.StepIndex <= b.StepIndex {
		t.Fatalf("sink step %d must exceed both fork branches (%d, %d)", sink.StepIndex, a.StepIndex, b.StepIndex)
	}
}

func TestAddEdgeRejectsDuplicateFromLabel(t *testing.T) {
	g := buildLinearGraph(t)
	err := g.AddEdge(Edge{From: "src", To: "xf", Label: "continue", Mode: landscape.EdgeMove})
	if err == nil {
		t.Fatal("expected duplicate (from,label) edge to be rejected")
	}
}

func TestFingerprintStableAndSensitiveToTopology(t *testing.T) {
	g1 := buildLinearGraph(t)
	g2 := buildLinearGraph(t)

	f1, err := g1.Fingerprint()
	if err != nil {
		t.Fatalf("fingerprint 1: %v", err)
	}
	f2, err := g2.Fingerprint()
	if err != nil {
		t.Fatalf("fingerprint 2: %v", err)
	}
	if f1 != f2 {
		t.Fatalf("identical graphs produced different fingerprints: %s != %s", f1, f2)
	}

	g3 := buildLinearGraph(t)
	g3.AddNode(Node{ID: "extra", Kind: landscape.NodeTransform, PluginName: "noop", PluginVersion: "1", ConfigHash: "h4"})
	f3, err := g3.Fingerprint()
	if err != nil {
		t.Fatalf("fingerprint 3: %v", err)
	}
	if f3 == f1 {
		t.Fatal("adding a node should change the fingerprint")
	}
}

func TestStepIndexRequiresAssignSteps(t *testing.T) {
	g := buildLinearGraph(t)
	if _, err := g.StepIndex("src"); err == nil {
		t.Fatal("expected error before AssignSteps has run")
	}
	must(t, g.AssignSteps())
	if _, err := g.StepIndex("src"); err != nil {
		t.Fatalf("StepIndex after AssignSteps: %v", err)
	}
}

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
