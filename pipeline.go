package flowpipe

import (
	"context"
	"fmt"
	"sync"

	"github.com/zoobzio/capitan"
	"github.com/zoobzio/tracez"
	"golang.org/x/sync/errgroup"
)

// pipelineState tracks whether a Pipeline has been started, mirroring
// the runtime-state checks join/kill must perform.
type pipelineState int32

const (
	pipelineConstructed pipelineState = iota
	pipelineStarted
)

// Pipeline is a registry of nodes together with the graph induced by
// their connector connections. Validate checks that the graph is a
// single connected, acyclic component (each registered node still
// validates its own connectors); Run/RunAsync/Join/Kill orchestrate
// every node's worker pool as a unit.
type Pipeline struct {
	mu       sync.RWMutex
	id       string
	name     Name
	nodes    []Node
	tracer   *tracez.Tracer
	state    pipelineState
	validated bool
}

// NewPipeline creates an empty, unvalidated pipeline.
func NewPipeline(name Name) *Pipeline {
	id := newIdentity()
	if name == "" {
		name = id
	}
	return &Pipeline{
		id:     id,
		name:   name,
		tracer: tracez.New(),
	}
}

func (p *Pipeline) Name() Name { return p.name }

func (p *Pipeline) ID() string { return p.id }

func (p *Pipeline) String() string {
	return fmt.Sprintf("<Pipeline(name=%s) object at %s>", p.name, p.id)
}

// CreateNode registers an already-constructed node with the pipeline.
// Unlike the original's create_node(class, *args), Go has no generic
// "construct from a class object" step — callers build the node with
// its own constructor and hand the finished value to CreateNode, which
// is the registration half of the original call.
func (p *Pipeline) CreateNode(n Node) error {
	if n == nil {
		return newError(KindInvalidArgument, p.name, "CreateNode",
			fmt.Errorf("node must not be nil"))
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, existing := range p.nodes {
		if existing == n {
			return newError(KindInvalidArgument, p.name, "CreateNode",
				fmt.Errorf("node %q is already registered", n.Name()))
		}
	}
	p.nodes = append(p.nodes, n)
	p.validated = false
	return nil
}

// GetAllNodes returns every registered node, in registration order.
func (p *Pipeline) GetAllNodes() []Node {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Node, len(p.nodes))
	copy(out, p.nodes)
	return out
}

// Validate checks that the graph induced by node connections is
// acyclic and forms a single connected component, then validates each
// node individually. It must succeed before Run/RunAsync will start.
func (p *Pipeline) Validate() error {
	p.mu.RLock()
	nodes := make([]Node, len(p.nodes))
	copy(nodes, p.nodes)
	p.mu.RUnlock()

	if len(nodes) == 0 {
		return newError(KindDisconnectedNodes, p.name, "Validate",
			fmt.Errorf("pipeline has no registered nodes"))
	}

	for _, n := range nodes {
		if err := n.Validate(); err != nil {
			return err
		}
	}

	if cyclePath, ok := findCycle(nodes); ok {
		return newError(KindCyclic, p.name, "Validate",
			fmt.Errorf("cycle detected: %s", describeCycle(cyclePath)))
	}

	if unreached := disconnectedNodes(nodes); len(unreached) > 0 {
		names := make([]string, len(unreached))
		for i, n := range unreached {
			names[i] = n.Name()
		}
		return newError(KindDisconnectedNodes, p.name, "Validate",
			fmt.Errorf("nodes not reachable from the rest of the graph: %v", names))
	}

	p.mu.Lock()
	p.validated = true
	p.mu.Unlock()

	capitan.Info(context.Background(), SignalPipelineValidated,
		FieldName.Field(p.name),
		FieldNodeCount.Field(len(nodes)),
	)
	return nil
}

// downstreamOf returns, for each node, the set of nodes it feeds via
// an output->input connection (a directed edge node -> downstream).
func downstreamOf(nodes []Node) map[Node][]Node {
	index := make(map[*OutputConnector]Node)
	for _, n := range nodes {
		for _, out := range n.Outputs() {
			index[out] = n
		}
	}
	edges := make(map[Node][]Node)
	for _, n := range nodes {
		for _, in := range n.Inputs() {
			for _, partner := range connectorPartners(in) {
				out, ok := partner.(*OutputConnector)
				if !ok {
					continue
				}
				if upstream, ok := index[out]; ok {
					edges[upstream] = append(edges[upstream], n)
				}
			}
		}
	}
	return edges
}

// connectorPartners exposes an InputConnector's partner set as a
// slice of the shared connector interface, without exporting that
// interface on InputConnector's own public surface.
func connectorPartners(in *InputConnector) []connector {
	return in.base.partnerList()
}

// cycleColor implements the standard three-color DFS marking used for
// directed-cycle detection: white (unvisited), gray (on the current
// recursion stack), black (fully explored).
type cycleColor int

const (
	colorWhite cycleColor = iota
	colorGray
	colorBlack
)

// findCycle runs a DFS over the directed node graph and returns the
// path of a detected back edge, if any.
func findCycle(nodes []Node) ([]Node, bool) {
	edges := downstreamOf(nodes)
	color := make(map[Node]cycleColor, len(nodes))
	var path []Node

	var visit func(n Node) ([]Node, bool)
	visit = func(n Node) ([]Node, bool) {
		color[n] = colorGray
		path = append(path, n)
		for _, next := range edges[n] {
			switch color[next] {
			case colorGray:
				return append(append([]Node{}, path...), next), true
			case colorWhite:
				if cyc, found := visit(next); found {
					return cyc, true
				}
			}
		}
		path = path[:len(path)-1]
		color[n] = colorBlack
		return nil, false
	}

	for _, n := range nodes {
		if color[n] == colorWhite {
			if cyc, found := visit(n); found {
				return cyc, true
			}
		}
	}
	return nil, false
}

func describeCycle(path []Node) string {
	s := ""
	for i, n := range path {
		if i > 0 {
			s += " -> "
		}
		s += n.Name()
	}
	return s
}

// disconnectedNodes traverses the undirected graph (both upstream and
// downstream edges) from the first registered node and returns every
// registered node not reached by that traversal.
func disconnectedNodes(nodes []Node) []Node {
	if len(nodes) <= 1 {
		return nil
	}

	adjacency := make(map[Node]map[Node]struct{}, len(nodes))
	add := func(a, b Node) {
		if adjacency[a] == nil {
			adjacency[a] = make(map[Node]struct{})
		}
		adjacency[a][b] = struct{}{}
	}
	for n, downs := range downstreamOf(nodes) {
		for _, d := range downs {
			add(n, d)
			add(d, n)
		}
	}

	reached := make(map[Node]struct{})
	queue := []Node{nodes[0]}
	reached[nodes[0]] = struct{}{}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for neighbor := range adjacency[cur] {
			if _, ok := reached[neighbor]; !ok {
				reached[neighbor] = struct{}{}
				queue = append(queue, neighbor)
			}
		}
	}

	var unreached []Node
	for _, n := range nodes {
		if _, ok := reached[n]; !ok {
			unreached = append(unreached, n)
		}
	}
	return unreached
}

// RunAsync validates the pipeline, then starts every node's worker
// pool without waiting for completion.
func (p *Pipeline) RunAsync(ctx context.Context) error {
	p.mu.RLock()
	validated := p.validated
	nodes := make([]Node, len(p.nodes))
	copy(nodes, p.nodes)
	p.mu.RUnlock()

	if !validated {
		if err := p.Validate(); err != nil {
			return err
		}
		nodes = p.GetAllNodes()
	}

	ctx, span := p.tracer.StartSpan(ctx, SpanPipelineRun)
	span.SetTag(TagNodeCount, fmt.Sprintf("%d", len(nodes)))
	defer span.Finish()

	// Execute only starts a node's worker pool and returns; it must not
	// run under an errgroup-derived context here, since errgroup cancels
	// that context the moment every Go call returns, which would cancel
	// every worker's context before it ever does any work. Node.Execute
	// returning non-blocking removes any concurrency benefit to running
	// these calls concurrently in the first place.
	for _, n := range nodes {
		if err := n.Execute(ctx); err != nil {
			return newError(KindRuntimeState, p.name, "RunAsync", err)
		}
	}

	p.mu.Lock()
	p.state = pipelineStarted
	p.mu.Unlock()

	capitan.Info(ctx, SignalPipelineStarted,
		FieldName.Field(p.name),
		FieldNodeCount.Field(len(nodes)),
	)
	return nil
}

// Run validates and starts the pipeline, then joins every node.
func (p *Pipeline) Run(ctx context.Context) error {
	if err := p.RunAsync(ctx); err != nil {
		return err
	}
	return p.Join(ctx)
}

// Join waits for every node's worker pool to finish.
func (p *Pipeline) Join(ctx context.Context) error {
	p.mu.RLock()
	state := p.state
	nodes := make([]Node, len(p.nodes))
	copy(nodes, p.nodes)
	p.mu.RUnlock()

	if state != pipelineStarted {
		return newError(KindRuntimeState, p.name, "Join",
			fmt.Errorf("pipeline has not been started"))
	}

	ctx, span := p.tracer.StartSpan(ctx, SpanPipelineJoin)
	defer span.Finish()

	group, gctx := errgroup.WithContext(ctx)
	for _, n := range nodes {
		n := n
		group.Go(func() error {
			return n.Join(gctx)
		})
	}
	if err := group.Wait(); err != nil {
		return newError(KindRuntimeState, p.name, "Join", err)
	}

	capitan.Info(ctx, SignalPipelineJoined, FieldName.Field(p.name))
	return nil
}

// Kill forcibly terminates every node's worker pool.
func (p *Pipeline) Kill(ctx context.Context) error {
	p.mu.RLock()
	state := p.state
	nodes := make([]Node, len(p.nodes))
	copy(nodes, p.nodes)
	p.mu.RUnlock()

	if state != pipelineStarted {
		return newError(KindRuntimeState, p.name, "Kill",
			fmt.Errorf("pipeline has not been started"))
	}

	group, gctx := errgroup.WithContext(ctx)
	for _, n := range nodes {
		n := n
		group.Go(func() error {
			return n.Kill(gctx)
		})
	}
	err := group.Wait()

	capitan.Warn(ctx, SignalPipelineKilled, FieldName.Field(p.name))
	if err != nil {
		return newError(KindRuntimeState, p.name, "Kill", err)
	}
	return nil
}

// IsFinished reports whether every registered node reports finished.
func (p *Pipeline) IsFinished() bool {
	for _, n := range p.GetAllNodes() {
		if !n.IsFinished() {
			return false
		}
	}
	return true
}

// hookedNode is implemented by nodes (in practice, every node that
// embeds NodeBase) that can notify a watcher per worker completion
// instead of being polled.
type hookedNode interface {
	OnWorkerFinished(func(context.Context, WorkerEvent) error) error
}

// WaitUntilFinished blocks until every node reports finished, driven by
// each node's per-worker completion hooks rather than by polling
// IsFinished in a loop. Nodes that do not expose hooks (any Node that
// does not embed NodeBase) are covered by an IsFinished sweep that runs
// at the start and again each time a hooked node finishes.
func (p *Pipeline) WaitUntilFinished(ctx context.Context) error {
	nodes := p.GetAllNodes()
	if len(nodes) == 0 {
		return nil
	}

	var mu sync.Mutex
	remaining := make(map[Node]struct{}, len(nodes))
	for _, n := range nodes {
		remaining[n] = struct{}{}
	}
	done := make(chan struct{})
	var closeOnce sync.Once
	checkDone := func() {
		mu.Lock()
		empty := len(remaining) == 0
		mu.Unlock()
		if empty {
			closeOnce.Do(func() { close(done) })
		}
	}

	// Nodes without hook support (or already finished before a hook
	// could fire) are covered by an initial sweep, repeated each time a
	// hooked node finishes.
	sweep := func() {
		for _, n := range nodes {
			if n.IsFinished() {
				mu.Lock()
				delete(remaining, n)
				mu.Unlock()
			}
		}
		checkDone()
	}

	for _, n := range nodes {
		n := n
		if hn, ok := n.(hookedNode); ok {
			_ = hn.OnWorkerFinished(func(_ context.Context, _ WorkerEvent) error {
				// A worker's hook fires before its node's pool is marked
				// finished, so wait for that transition off the hook.
				go func() {
					if n.Join(ctx) == nil {
						sweep()
					}
				}()
				return nil
			})
		}
	}

	sweep()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return newError(KindTimeout, p.name, "WaitUntilFinished", ctx.Err())
	}
}
