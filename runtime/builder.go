package runtime

import (
	"fmt"

	"github.com/cuprumlab/cuprum/cutask"
)

// GraphBuilder assembles and validates a task graph. Registration order is
// significant: it breaks ties in the topological sort, so a fixed sequence
// of Add calls always yields the same execution order.
//
// The builder is the runtime-facing construction contract; tooling that
// generates graphs from declarative descriptions layers on top of it.
type GraphBuilder struct {
	nodes []*node
	errs  []error
}

// NewGraphBuilder creates an empty GraphBuilder.
func NewGraphBuilder() *GraphBuilder {
	return &GraphBuilder{}
}

// AddSource registers a source node. The schema describes the messages the
// source emits; its log stream takes the node's name. cfg.Inputs must be
// empty.
func (b *GraphBuilder) AddSource(
	name string,
	src cutask.Source,
	schema cutask.Schema,
	cfg NodeConfig,
) *GraphBuilder {
	if len(cfg.Inputs) > 0 {
		b.errs = append(b.errs, fmt.Errorf(
			"runtime: source %q cannot declare inputs", name))
		return b
	}

	b.add(&node{
		name: name, kind: KindSource, task: src,
		schema: schema, logged: true, cfg: cfg,
	})

	return b
}

// AddFilter registers a filter node consuming the named inputs.
func (b *GraphBuilder) AddFilter(
	name string,
	f cutask.Filter,
	schema cutask.Schema,
	cfg NodeConfig,
) *GraphBuilder {
	if len(cfg.Inputs) == 0 {
		b.errs = append(b.errs, fmt.Errorf(
			"runtime: filter %q declares no inputs", name))
		return b
	}

	b.add(&node{
		name: name, kind: KindFilter, task: f,
		schema: schema, logged: true, cfg: cfg,
	})

	return b
}

// AddSink registers a sink node consuming the named inputs. Sinks produce
// nothing, so they carry no schema and no log stream.
func (b *GraphBuilder) AddSink(
	name string,
	s cutask.Sink,
	cfg NodeConfig,
) *GraphBuilder {
	if len(cfg.Inputs) == 0 {
		b.errs = append(b.errs, fmt.Errorf(
			"runtime: sink %q declares no inputs", name))
		return b
	}

	b.add(&node{name: name, kind: KindSink, task: s, cfg: cfg})

	return b
}

func (b *GraphBuilder) add(n *node) {
	if n.name == "" {
		b.errs = append(b.errs, fmt.Errorf("runtime: node has no name"))
		return
	}

	if n.task == nil {
		b.errs = append(b.errs, fmt.Errorf(
			"runtime: node %q has no task", n.name))
		return
	}

	if n.logged {
		if err := n.schema.Validate(); err != nil {
			b.errs = append(b.errs, fmt.Errorf(
				"runtime: node %q: %w", n.name, err))
			return
		}
	}

	n.index = len(b.nodes)
	b.nodes = append(b.nodes, n)
}

// Build validates the graph and freezes it. It rejects duplicated names,
// references to unknown inputs, and cycles.
func (b *GraphBuilder) Build() (*Graph, error) {
	if len(b.errs) > 0 {
		return nil, b.errs[0]
	}

	byName := make(map[string]*node, len(b.nodes))
	for _, n := range b.nodes {
		if _, dup := byName[n.name]; dup {
			return nil, fmt.Errorf(
				"runtime: node %q registered twice", n.name)
		}

		byName[n.name] = n
	}

	for _, n := range b.nodes {
		for _, inputName := range n.cfg.Inputs {
			up, ok := byName[inputName]
			if !ok {
				return nil, fmt.Errorf(
					"runtime: node %q consumes unknown node %q",
					n.name, inputName)
			}

			if up.kind == KindSink {
				return nil, fmt.Errorf(
					"runtime: node %q consumes sink %q, which produces nothing",
					n.name, inputName)
			}

			n.upstream = append(n.upstream, up)
			up.downstream = append(up.downstream, n)
		}
	}

	order, err := topologicalOrder(b.nodes)
	if err != nil {
		return nil, err
	}

	return &Graph{nodes: b.nodes, order: order, byName: byName}, nil
}

// topologicalOrder runs a stable Kahn sort: among the ready nodes, the one
// registered first is always emitted first.
func topologicalOrder(nodes []*node) ([]*node, error) {
	indegree := make([]int, len(nodes))
	for _, n := range nodes {
		indegree[n.index] = len(n.upstream)
	}

	emitted := make([]bool, len(nodes))
	order := make([]*node, 0, len(nodes))

	for len(order) < len(nodes) {
		progressed := false

		for _, n := range nodes {
			if emitted[n.index] || indegree[n.index] > 0 {
				continue
			}

			emitted[n.index] = true
			order = append(order, n)
			progressed = true

			for _, down := range n.downstream {
				indegree[down.index]--
			}
		}

		if !progressed {
			return nil, fmt.Errorf(
				"runtime: graph contains a cycle among %d nodes",
				len(nodes)-len(order))
		}
	}

	return order, nil
}
