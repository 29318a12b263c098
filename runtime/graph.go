// Package runtime executes a fixed directed graph of tasks on a cyclic
// schedule. The graph is static after construction, which lets the
// scheduler compute its topological execution order once and spend nothing
// on scheduling decisions inside the cycle.
package runtime

import (
	"fmt"

	"github.com/cuprumlab/cuprum/culog"
	"github.com/cuprumlab/cuprum/cutask"
)

// Kind is the capability of a node.
type Kind int

// Node capabilities.
const (
	KindSource Kind = iota
	KindFilter
	KindSink
)

func (k Kind) String() string {
	switch k {
	case KindSource:
		return "source"
	case KindFilter:
		return "filter"
	case KindSink:
		return "sink"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// InputPolicy decides what happens to a node when one of its inputs
// produced nothing this cycle. The policy is static graph configuration,
// never inferred at runtime.
type InputPolicy int

const (
	// SkipWhenMissing skips the node's invocation for the cycle. Downstream
	// nodes then see the node itself as having produced nothing.
	SkipWhenMissing InputPolicy = iota

	// RunDegraded invokes the node anyway, with nil in place of each
	// missing input.
	RunDegraded
)

// FailurePolicy classifies a node's invocation errors. Declared per node in
// the graph, never inferred from the error value.
type FailurePolicy int

const (
	// FailureRecoverable skips the failing node and its downstream
	// dependents for the cycle and lets the run continue.
	FailureRecoverable FailurePolicy = iota

	// FailureFatal stops the entire run. Logs are flushed before the error
	// propagates to the caller.
	FailureFatal
)

// NodeConfig is the static per-node configuration.
type NodeConfig struct {
	// Inputs names the upstream nodes, in the order the task wants to see
	// them. Must be empty for sources.
	Inputs []string

	// OnMissingInput is consulted when a declared input produced nothing
	// this cycle.
	OnMissingInput InputPolicy

	// OnError classifies invocation failures.
	OnError FailurePolicy
}

type node struct {
	name   string
	kind   Kind
	task   cutask.Task
	schema cutask.Schema
	logged bool
	cfg    NodeConfig

	index      int
	upstream   []*node
	downstream []*node
}

// Graph is an immutable, validated task graph with a precomputed execution
// order. Build one with a GraphBuilder.
type Graph struct {
	nodes  []*node
	order  []*node
	byName map[string]*node
}

// NumNodes returns the number of nodes in the graph.
func (g *Graph) NumNodes() int {
	return len(g.nodes)
}

// Names returns all node names in registration order.
func (g *Graph) Names() []string {
	names := make([]string, len(g.nodes))
	for i, n := range g.nodes {
		names[i] = n.name
	}

	return names
}

// ExecutionOrder returns the node names in the precomputed topological
// order. For a fixed graph the order is identical across repeated builds.
func (g *Graph) ExecutionOrder() []string {
	names := make([]string, len(g.order))
	for i, n := range g.order {
		names[i] = n.name
	}

	return names
}

// Task returns the named node's task, or nil if the name is unknown.
func (g *Graph) Task(name string) cutask.Task {
	n, ok := g.byName[name]
	if !ok {
		return nil
	}

	return n.task
}

// LogSections returns the section declarations for every node that records
// a stream, in registration order. Hand them to culog.OpenWriter.
func (g *Graph) LogSections() []culog.SectionSpec {
	var sections []culog.SectionSpec
	for _, n := range g.nodes {
		if n.logged {
			sections = append(sections, culog.SectionSpec{
				Name:   n.name,
				Schema: n.schema,
			})
		}
	}

	return sections
}
