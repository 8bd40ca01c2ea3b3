// Package graph implements ELSPETH's execution graph (component D): an
// in-memory node+edge registry, topological step assignment, and the graph
// fingerprint used to detect drift on resume.
//
// Grounded on orchestration/workflow_dag.go's mutex-protected adjacency-map
// DAG, generalized from a dependency-completion scheduler to a step-indexed
// pipeline graph with typed MOVE/COPY/DIVERT edges (spec §4.4).
package graph

import (
	"fmt"
	"sort"
	"sync"

	"github.com/tachyon-beep/elspeth-sub014/canonical"
	"github.com/tachyon-beep/elspeth-sub014/errs"
	"github.com/tachyon-beep/elspeth-sub014/landscape"
)

// Node is one vertex in the execution graph.
type Node struct {
	ID            string
	Kind          landscape.NodeType
	PluginName    string
	PluginVersion string
	ConfigHash    string
	StepIndex     int
}

// Edge is one typed connection between two nodes.
type Edge struct {
	From  string
	To    string
	Label string
	Mode  landscape.EdgeMode
}

// Graph is the in-memory execution graph built from Node and Edge
// registration. Safe for concurrent registration and read.
type Graph struct {
	mu          sync.RWMutex
	nodes       map[string]*Node
	edgesByFrom map[string][]*Edge // from -> edges, for routing lookup
	edgeByLabel map[string]*Edge   // "from\x00label" -> edge, enforces uniqueness
	stepsValid  bool
}

// New constructs an empty graph.
func New() *Graph {
	return &Graph{
		nodes:       make(map[string]*Node),
		edgesByFrom: make(map[string][]*Edge),
		edgeByLabel: make(map[string]*Edge),
	}
}

// AddNode registers a node. Re-registering the same id updates its fields
// (used when a source's output_contract evolves) and invalidates step
// assignment until AssignSteps is called again.
func (g *Graph) AddNode(n Node) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.nodes[n.ID] = &n
	g.stepsValid = false
}

// edgeKey enforces the "every (from_node_id, label) pair resolves to
// exactly one edge_id" invariant (spec §3).
func edgeKey(from, label string) string { return from + "\x00" + label }

// AddEdge registers an edge. Returns errs.ErrAlreadyExists if the
// (From, Label) pair is already registered.
func (g *Graph) AddEdge(e Edge) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	key := edgeKey(e.From, e.Label)
	if _, exists := g.edgeByLabel[key]; exists {
		return errs.New("graph.AddEdge", "graph", errs.ErrAlreadyExists).WithID(key)
	}
	edgeCopy := e
	g.edgeByLabel[key] = &edgeCopy
	g.edgesByFrom[e.From] = append(g.edgesByFrom[e.From], &edgeCopy)
	g.stepsValid = false
	return nil
}

// Node looks up a registered node by id.
func (g *Graph) Node(id string) (Node, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.nodes[id]
	if !ok {
		return Node{}, false
	}
	return *n, ok
}

// EdgeFor resolves the outgoing edge for (from, label), the lookup routing
// actions use.
func (g *Graph) EdgeFor(from, label string) (Edge, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	e, ok := g.edgeByLabel[edgeKey(from, label)]
	if !ok {
		return Edge{}, false
	}
	return *e, ok
}

// OutEdges returns every edge leaving a node, e.g. for a gate enumerating
// its routes.
func (g *Graph) OutEdges(from string) []Edge {
	g.mu.RLock()
	defer g.mu.RUnlock()
	edges := g.edgesByFrom[from]
	out := make([]Edge, len(edges))
	for i, e := range edges {
		out[i] = *e
	}
	return out
}

// AssignSteps performs the topological step assignment (spec §4.4): source
// nodes start at step 0, each downstream node is max(predecessor steps)+1,
// and sink nodes take a deterministic "last" step:
// max(processing steps)+1. It mutates each Node's StepIndex in place.
func (g *Graph) AssignSteps() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	predecessors := make(map[string][]string, len(g.nodes))
	for _, edges := range g.edgesByFrom {
		for _, e := range edges {
			predecessors[e.To] = append(predecessors[e.To], e.From)
		}
	}

	ids := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	steps := make(map[string]int, len(g.nodes))
	visiting := make(map[string]bool, len(g.nodes))

	var resolve func(id string) (int, error)
	resolve = func(id string) (int, error) {
		if step, ok := steps[id]; ok {
			return step, nil
		}
		if visiting[id] {
			return 0, fmt.Errorf("graph.AssignSteps: cycle detected at node %s", id)
		}
		visiting[id] = true
		defer delete(visiting, id)

		node, ok := g.nodes[id]
		if !ok {
			return 0, fmt.Errorf("graph.AssignSteps: unknown node %s", id)
		}

		if node.Kind == landscape.NodeSource || len(predecessors[id]) == 0 {
			steps[id] = 0
			return 0, nil
		}

		max := -1
		for _, pred := range predecessors[id] {
			predStep, err := resolve(pred)
			if err != nil {
				return 0, err
			}
			if predStep > max {
				max = predStep
			}
		}
		step := max + 1
		steps[id] = step
		return step, nil
	}

	maxProcessing := 0
	var sinkIDs []string
	for _, id := range ids {
		if g.nodes[id].Kind == landscape.NodeSink {
			sinkIDs = append(sinkIDs, id)
			continue
		}
		step, err := resolve(id)
		if err != nil {
			return err
		}
		if step > maxProcessing {
			maxProcessing = step
		}
	}

	sinkStep := maxProcessing + 1
	for _, id := range sinkIDs {
		steps[id] = sinkStep
	}

	for id, step := range steps {
		g.nodes[id].StepIndex = step
	}
	g.stepsValid = true
	return nil
}

// StepIndex returns a node's assigned step, requiring AssignSteps to have
// run since the last topology change.
func (g *Graph) StepIndex(nodeID string) (int, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if !g.stepsValid {
		return 0, fmt.Errorf("graph.StepIndex: step assignment stale, call AssignSteps")
	}
	n, ok := g.nodes[nodeID]
	if !ok {
		return 0, errs.New("graph.StepIndex", "graph", errs.ErrNotFound).WithID(nodeID)
	}
	return n.StepIndex, nil
}

// Fingerprint computes the stable hash of (sorted nodes by id, sorted edges
// by (from,label)), as required for resume-integrity comparison (spec
// §4.4, §4.8).
func (g *Graph) Fingerprint() (string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	nodeIDs := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		nodeIDs = append(nodeIDs, id)
	}
	sort.Strings(nodeIDs)

	nodeList := make([]interface{}, len(nodeIDs))
	for i, id := range nodeIDs {
		n := g.nodes[id]
		nodeList[i] = map[string]interface{}{
			"id":             n.ID,
			"kind":           string(n.Kind),
			"plugin_name":    n.PluginName,
			"plugin_version": n.PluginVersion,
			"config_hash":    n.ConfigHash,
		}
	}

	var edgeKeys []string
	allEdges := make(map[string]*Edge)
	for key, e := range g.edgeByLabel {
		edgeKeys = append(edgeKeys, key)
		allEdges[key] = e
	}
	sort.Strings(edgeKeys)

	edgeList := make([]interface{}, len(edgeKeys))
	for i, key := range edgeKeys {
		e := allEdges[key]
		edgeList[i] = map[string]interface{}{
			"from":         e.From,
			"to":           e.To,
			"label":        e.Label,
			"default_mode": string(e.Mode),
		}
	}

	hash, err := canonical.Hash(map[string]interface{}{"nodes": nodeList, "edges": edgeList})
	if err != nil {
		return "", fmt.Errorf("graph.Fingerprint: %w", err)
	}
	return hash, nil
}

// Nodes returns every registered node, ordered by id, for callers that need
// to enumerate the full graph (e.g. building a Dot/visualization export).
func (g *Graph) Nodes() []Node {
	g.mu.RLock()
	defer g.mu.RUnlock()
	ids := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]Node, len(ids))
	for i, id := range ids {
		out[i] = *g.nodes[id]
	}
	return out
}
