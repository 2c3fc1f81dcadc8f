package graph

import (
	"sort"
)

// Builder accumulates nodes and edges and validates them into an
// immutable CompiledGraph. The builder itself is not safe for
// concurrent use; compiled graphs are.
//
// Example:
//
//	b := graph.NewBuilder[string]()
//	_ = b.AddNode("a", appendA)
//	_ = b.AddNode("b", appendB)
//	_ = b.AddEdge("a", "b")
//	_ = b.AddEdge("b", graph.END)
//	_ = b.SetEntryPoint("a")
//	g, err := b.Compile()
type Builder[S any] struct {
	nodes    map[string]Node[S]
	edges    map[string]*edgeSet[S]
	entry    string
	entrySet bool
}

// NewBuilder creates an empty Builder.
func NewBuilder[S any]() *Builder[S] {
	return &Builder[S]{
		nodes: make(map[string]Node[S]),
		edges: make(map[string]*edgeSet[S]),
	}
}

// AddNode registers a node function under a unique name.
func (b *Builder[S]) AddNode(name string, node Node[S]) error {
	if name == "" {
		return validationError("EMPTY_NODE_NAME", "node name cannot be empty")
	}
	if name == END {
		return validationError("RESERVED_NODE_NAME", "node name "+END+" is reserved")
	}
	if node == nil {
		return validationError("NIL_NODE", "node cannot be nil")
	}
	if _, exists := b.nodes[name]; exists {
		return validationError("DUPLICATE_NODE", "duplicate node: "+name)
	}
	b.nodes[name] = node
	return nil
}

// AddEdge adds an unconditional edge from one node to another node or
// to END. A node carries at most one simple edge.
func (b *Builder[S]) AddEdge(from, to string) error {
	if _, ok := b.nodes[from]; !ok {
		return validationError("UNKNOWN_NODE", "unknown source node: "+from)
	}
	if to != END {
		if _, ok := b.nodes[to]; !ok {
			return validationError("UNKNOWN_NODE", "unknown target node: "+to)
		}
	}
	es := b.edgeSet(from)
	if es.hasSimple {
		return validationError("EDGE_KIND_CONFLICT", "node "+from+" already has an unconditional edge")
	}
	es.simple = to
	es.hasSimple = true
	return nil
}

// AddConditionalEdge adds label-routed edges from a node: route
// evaluates the state to a label and routes maps labels to targets.
// A node carries at most one conditional edge set.
func (b *Builder[S]) AddConditionalEdge(from string, route RouteFunc[S], routes map[string]string) error {
	if _, ok := b.nodes[from]; !ok {
		return validationError("UNKNOWN_NODE", "unknown source node: "+from)
	}
	if route == nil {
		return validationError("NIL_ROUTE", "route function cannot be nil")
	}
	if len(routes) == 0 {
		return validationError("EMPTY_ROUTES", "conditional edge from "+from+" has no routes")
	}
	es := b.edgeSet(from)
	if es.hasConditional() {
		return validationError("EDGE_KIND_CONFLICT", "node "+from+" already has a conditional edge")
	}
	copied := make(map[string]string, len(routes))
	for label, target := range routes {
		copied[label] = target
	}
	es.route = route
	es.routes = copied
	return nil
}

// AddParallelEdges adds a fan-out edge from a node to a set of targets
// that will run concurrently. Target order is insignificant; duplicates
// collapse. A node carries at most one parallel edge set.
func (b *Builder[S]) AddParallelEdges(from string, targets ...string) error {
	if _, ok := b.nodes[from]; !ok {
		return validationError("UNKNOWN_NODE", "unknown source node: "+from)
	}
	if len(targets) == 0 {
		return validationError("EMPTY_TARGETS", "parallel edge from "+from+" has no targets")
	}
	es := b.edgeSet(from)
	if es.hasParallel() {
		return validationError("EDGE_KIND_CONFLICT", "node "+from+" already has parallel edges")
	}
	seen := make(map[string]bool, len(targets))
	uniq := make([]string, 0, len(targets))
	for _, target := range targets {
		if target == END {
			return validationError("INVALID_TARGET", "parallel edge from "+from+" cannot target "+END)
		}
		if !seen[target] {
			seen[target] = true
			uniq = append(uniq, target)
		}
	}
	sort.Strings(uniq)
	es.parallel = uniq
	return nil
}

// SetEntryPoint declares the node execution starts at. Required exactly
// once before Compile.
func (b *Builder[S]) SetEntryPoint(name string) error {
	if name == "" {
		return validationError("EMPTY_NODE_NAME", "entry node name cannot be empty")
	}
	if b.entrySet {
		return validationError("ENTRY_ALREADY_SET", "entry point already set to "+b.entry)
	}
	b.entry = name
	b.entrySet = true
	return nil
}

func (b *Builder[S]) edgeSet(from string) *edgeSet[S] {
	es, ok := b.edges[from]
	if !ok {
		es = &edgeSet[S]{}
		b.edges[from] = es
	}
	return es
}

// Compile validates the accumulated structure and freezes it into an
// immutable CompiledGraph. The builder stays usable afterwards; the
// compiled value never sees later mutations.
func (b *Builder[S]) Compile() (*CompiledGraph[S], error) {
	if !b.entrySet {
		return nil, validationError("NO_ENTRY", "entry point not set")
	}
	if _, ok := b.nodes[b.entry]; !ok {
		return nil, validationError("UNKNOWN_ENTRY", "entry node does not exist: "+b.entry)
	}

	for from, es := range b.edges {
		if es.hasSimple && es.simple != END {
			if _, ok := b.nodes[es.simple]; !ok {
				return nil, validationError("DANGLING_EDGE",
					"edge "+from+" -> "+es.simple+" targets unknown node")
			}
		}
		for label, target := range es.routes {
			if target == END {
				continue
			}
			if _, ok := b.nodes[target]; !ok {
				return nil, validationError("DANGLING_EDGE",
					"conditional edge "+from+" -["+label+"]-> "+target+" targets unknown node")
			}
		}
		for _, target := range es.parallel {
			if _, ok := b.nodes[target]; !ok {
				return nil, validationError("DANGLING_EDGE",
					"parallel edge "+from+" -> "+target+" targets unknown node")
			}
		}
	}

	nodes := make(map[string]Node[S], len(b.nodes))
	for name, node := range b.nodes {
		nodes[name] = node
	}
	edges := make(map[string]*edgeSet[S], len(b.edges))
	hasParallel := false
	for from, es := range b.edges {
		edges[from] = es.clone()
		if es.hasParallel() {
			hasParallel = true
		}
	}

	return &CompiledGraph[S]{
		nodes:       nodes,
		edges:       edges,
		entry:       b.entry,
		hasParallel: hasParallel,
	}, nil
}

// CompiledGraph is a validated, immutable graph, shareable by reference
// across any number of concurrent runs.
type CompiledGraph[S any] struct {
	nodes       map[string]Node[S]
	edges       map[string]*edgeSet[S]
	entry       string
	hasParallel bool
}

// Entry returns the entry node name.
func (g *CompiledGraph[S]) Entry() string {
	return g.entry
}

// Nodes returns the node names in sorted order.
func (g *CompiledGraph[S]) Nodes() []string {
	names := make([]string, 0, len(g.nodes))
	for name := range g.nodes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// HasNode reports whether the graph contains the named node.
func (g *CompiledGraph[S]) HasNode(name string) bool {
	_, ok := g.nodes[name]
	return ok
}

func (g *CompiledGraph[S]) node(name string) (Node[S], bool) {
	node, ok := g.nodes[name]
	return node, ok
}

func (g *CompiledGraph[S]) outgoing(name string) *edgeSet[S] {
	return g.edges[name]
}
