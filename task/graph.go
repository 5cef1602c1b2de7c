package task

import (
	"errors"
	"fmt"
)

// SplatPort is the special target port name meaning "spread the entire
// source output record into the target's inputs."
const SplatPort = "*"

var (
	// ErrTaskNotFound is returned when a dataflow references a task id that
	// is not present in the graph.
	ErrTaskNotFound = errors.New("task: task not found in graph")
	// ErrDuplicateTask is returned by AddTask when a task with the same ID
	// is already present.
	ErrDuplicateTask = errors.New("task: duplicate task id")
	// ErrCycle is returned by AddDataflow when the new edge would
	// introduce a cycle into the graph.
	ErrCycle = errors.New("task: dataflow would introduce a cycle")
)

// DataflowKey identifies a dataflow edge uniquely within a graph.
type DataflowKey struct {
	SourceID   string
	SourcePort string
	TargetID   string
	TargetPort string
}

// DataflowStatus mirrors a task's status for UI purposes.
type DataflowStatus string

const (
	DataflowPending   DataflowStatus = "PENDING"
	DataflowCompleted DataflowStatus = "COMPLETED"
	DataflowDisabled  DataflowStatus = "DISABLED"
	DataflowFailed    DataflowStatus = "FAILED"
)

// Dataflow is a typed edge between two tasks' ports.
type Dataflow struct {
	Key    DataflowKey
	Status DataflowStatus
}

// Graph is an ordered set of tasks plus a set of dataflows between them. A
// graph exclusively owns its tasks and dataflows; the scheduler only
// borrows a graph for the duration of a run. AddDataflow rejects any edge
// that would close a cycle, checked via reachability from the proposed
// target back to the proposed source.
type Graph struct {
	order     []string // task IDs in insertion order
	tasks     map[string]*Task
	dataflows map[DataflowKey]*Dataflow

	// adjacency for fast in/out-edge lookup, keyed by task id.
	outEdges map[string][]DataflowKey
	inEdges  map[string][]DataflowKey
}

// NewGraph creates an empty Graph.
func NewGraph() *Graph {
	return &Graph{
		tasks:     make(map[string]*Task),
		dataflows: make(map[DataflowKey]*Dataflow),
		outEdges:  make(map[string][]DataflowKey),
		inEdges:   make(map[string][]DataflowKey),
	}
}

// AddTask appends t to the graph in insertion order.
func (g *Graph) AddTask(t *Task) error {
	id := t.ID.String()
	if _, exists := g.tasks[id]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTask, id)
	}
	g.tasks[id] = t
	g.order = append(g.order, id)
	return nil
}

// Task returns the task with the given id, or nil if absent.
func (g *Graph) Task(id string) *Task {
	return g.tasks[id]
}

// Tasks returns every task in insertion order.
func (g *Graph) Tasks() []*Task {
	out := make([]*Task, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.tasks[id])
	}
	return out
}

// AddDataflow inserts an edge after verifying both endpoints exist and the
// edge would not introduce a cycle (DFS from target to source: if source is
// reachable from target, the new edge closes a loop).
func (g *Graph) AddDataflow(key DataflowKey) error {
	if _, ok := g.tasks[key.SourceID]; !ok {
		return fmt.Errorf("%w: source %s", ErrTaskNotFound, key.SourceID)
	}
	if _, ok := g.tasks[key.TargetID]; !ok {
		return fmt.Errorf("%w: target %s", ErrTaskNotFound, key.TargetID)
	}
	if _, exists := g.dataflows[key]; exists {
		return nil // idempotent
	}
	if g.reachable(key.TargetID, key.SourceID) {
		return fmt.Errorf("%w: %s -> %s", ErrCycle, key.SourceID, key.TargetID)
	}

	df := &Dataflow{Key: key, Status: DataflowPending}
	g.dataflows[key] = df
	g.outEdges[key.SourceID] = append(g.outEdges[key.SourceID], key)
	g.inEdges[key.TargetID] = append(g.inEdges[key.TargetID], key)
	return nil
}

// reachable reports whether to is reachable from from by following outgoing
// edges (a plain DFS).
func (g *Graph) reachable(from, to string) bool {
	if from == to {
		return true
	}
	visited := make(map[string]bool)
	var stack []string
	stack = append(stack, from)
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visited[cur] {
			continue
		}
		visited[cur] = true
		if cur == to {
			return true
		}
		for _, key := range g.outEdges[cur] {
			stack = append(stack, key.TargetID)
		}
	}
	return false
}

// InEdges returns the dataflows whose target is id.
func (g *Graph) InEdges(id string) []*Dataflow {
	keys := g.inEdges[id]
	out := make([]*Dataflow, 0, len(keys))
	for _, k := range keys {
		out = append(out, g.dataflows[k])
	}
	return out
}

// OutEdges returns the dataflows whose source is id.
func (g *Graph) OutEdges(id string) []*Dataflow {
	keys := g.outEdges[id]
	out := make([]*Dataflow, 0, len(keys))
	for _, k := range keys {
		out = append(out, g.dataflows[k])
	}
	return out
}

// SourceDataflows is an alias of InEdges named to match the dataflows-by-
// target query in the component design.
func (g *Graph) SourceDataflows(targetID string) []*Dataflow { return g.InEdges(targetID) }

// TargetDataflows is an alias of OutEdges named to match the dataflows-by-
// source query in the component design.
func (g *Graph) TargetDataflows(sourceID string) []*Dataflow { return g.OutEdges(sourceID) }

// StartingNodes returns tasks with no incoming edges, in insertion order.
func (g *Graph) StartingNodes() []*Task {
	var out []*Task
	for _, id := range g.order {
		if len(g.inEdges[id]) == 0 {
			out = append(out, g.tasks[id])
		}
	}
	return out
}

// EndingNodesAtMaxDepth returns the nodes with no outgoing edges that sit
// at the largest longest-path depth from any root (root depth = 0).
func (g *Graph) EndingNodesAtMaxDepth() []*Task {
	depth := g.longestPathDepths()

	maxDepth := -1
	var leaves []string
	for _, id := range g.order {
		if len(g.outEdges[id]) != 0 {
			continue
		}
		d := depth[id]
		if d > maxDepth {
			maxDepth = d
		}
		leaves = append(leaves, id)
	}

	var out []*Task
	for _, id := range leaves {
		if depth[id] == maxDepth {
			out = append(out, g.tasks[id])
		}
	}
	return out
}

// longestPathDepths computes, for every node, the length of the longest
// incoming path from any root (a node with no incoming edges), via a
// topological relaxation pass.
func (g *Graph) longestPathDepths() map[string]int {
	order, _ := g.TopologicallySortedNodes()
	depth := make(map[string]int, len(order))
	for _, t := range order {
		id := t.ID.String()
		best := 0
		for _, e := range g.inEdges[id] {
			if d := depth[e.SourceID] + 1; d > best {
				best = d
			}
		}
		depth[id] = best
	}
	return depth
}

// TopologicallySortedNodes returns tasks in a topological order via Kahn's
// algorithm, ties broken by insertion order. Returns ErrCycle if the graph
// is not in fact acyclic (should not happen given AddDataflow's guard,
// but resuming from a hand-edited graphJson could reintroduce one).
func (g *Graph) TopologicallySortedNodes() ([]*Task, error) {
	inDegree := make(map[string]int, len(g.order))
	for _, id := range g.order {
		inDegree[id] = len(g.inEdges[id])
	}

	var ready []string
	for _, id := range g.order {
		if inDegree[id] == 0 {
			ready = append(ready, id)
		}
	}

	var result []*Task
	for len(ready) > 0 {
		// pop the lowest-insertion-order id to keep ties broken by
		// insertion order.
		id := popLowestInsertionOrder(ready, g.order)
		ready = removeString(ready, id)
		result = append(result, g.tasks[id])

		for _, key := range g.outEdges[id] {
			inDegree[key.TargetID]--
			if inDegree[key.TargetID] == 0 {
				ready = append(ready, key.TargetID)
			}
		}
	}

	if len(result) != len(g.order) {
		return nil, ErrCycle
	}
	return result, nil
}

func popLowestInsertionOrder(candidates, order []string) string {
	pos := make(map[string]int, len(order))
	for i, id := range order {
		pos[id] = i
	}
	best := candidates[0]
	for _, c := range candidates[1:] {
		if pos[c] < pos[best] {
			best = c
		}
	}
	return best
}

func removeString(s []string, v string) []string {
	out := s[:0:0]
	for _, x := range s {
		if x != v {
			out = append(out, x)
		}
	}
	return out
}
