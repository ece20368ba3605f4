package flowpipe

import (
	"context"
	"fmt"
	"sync"

	"github.com/zoobzio/capitan"
	"github.com/zoobzio/clockz"
)

// PortKind distinguishes an input port from an output port when
// declaring a node's connectors via Ports().
type PortKind int

const (
	// PortInput declares a bounded (or unbounded, when Maxsize == 0)
	// input connector.
	PortInput PortKind = iota
	// PortOutput declares an output connector. Maxsize is ignored.
	PortOutput
)

// PortSpec declares one connector a node owns. A node that implements
// PortProvider has its Ports() walked once at construction time by
// NodeBase.Init, producing named connectors equivalent to the
// original's declarative typed-field construction.
type PortSpec struct {
	Name    Name
	Kind    PortKind
	Maxsize int
}

// PortProvider is implemented by nodes that declare their connectors
// declaratively instead of calling CreateInput/CreateOutput themselves.
type PortProvider interface {
	Ports() []PortSpec
}

// Node is the capability Pipeline and InputConnector need from a
// compute stage: identity, liveness, validation, and the orchestration
// verbs used to run and stop it. Concrete nodes embed NodeBase and
// implement at least Action; Setup, Teardown, ClassSetup, and
// ClassTeardown are optional and default to no-ops.
type Node interface {
	Name() Name
	ID() string
	CreateInput(name Name, maxsize int) (*InputConnector, error)
	CreateOutput(name Name) (*OutputConnector, error)
	Inputs() []*InputConnector
	Outputs() []*OutputConnector
	NumProcesses() int
	SetNumProcesses(n int) error
	Reset() error
	Execute(ctx context.Context) error
	Join(ctx context.Context) error
	Kill(ctx context.Context) error
	IsFinished() bool
	IsExpectingData() bool
	Validate() error
	String() string
}

// NodeBase implements every Node method except Action. A concrete node
// type embeds NodeBase and calls Init once, from its own constructor,
// passing itself so the engine can dispatch Setup/Action/Teardown by
// interface assertion (Go has no virtual dispatch through an embedded
// struct back out to the outer type).
type NodeBase struct {
	mu          sync.RWMutex
	id          string
	name        Name
	inputs      map[Name]*InputConnector
	inputOrder  []Name
	outputs     map[Name]*OutputConnector
	outputOrder []Name
	engine      *engine
	clock       clockz.Clock
}

// Init wires self's declared ports (if self implements PortProvider)
// and prepares the node's worker engine. It must be called exactly
// once, from the concrete node's constructor, after NodeBase's zero
// value has been embedded.
func (n *NodeBase) Init(self lifecycle, name Name) error {
	n.id = newIdentity()
	n.name = name
	if n.name == "" {
		n.name = n.id
	}
	n.inputs = make(map[Name]*InputConnector)
	n.outputs = make(map[Name]*OutputConnector)
	n.clock = clockz.RealClock
	n.engine = newEngine(n.name, n.id, self)

	if provider, ok := self.(PortProvider); ok {
		for _, spec := range provider.Ports() {
			switch spec.Kind {
			case PortInput:
				if _, err := n.CreateInput(spec.Name, spec.Maxsize); err != nil {
					return err
				}
			case PortOutput:
				if _, err := n.CreateOutput(spec.Name); err != nil {
					return err
				}
			default:
				return newError(KindInvalidArgument, n.name, "Init",
					fmt.Errorf("unknown port kind %d for port %q", spec.Kind, spec.Name))
			}
		}
	}
	return nil
}

func (n *NodeBase) Name() Name { return n.name }

func (n *NodeBase) ID() string { return n.id }

func (n *NodeBase) String() string {
	return fmt.Sprintf("<Node(name=%s) object at %s>", n.name, n.id)
}

// WithClock overrides the clock propagated to this node's connectors,
// for deterministic tests.
func (n *NodeBase) WithClock(clock clockz.Clock) {
	n.mu.Lock()
	n.clock = clock
	for _, in := range n.inputs {
		in.WithClock(clock)
	}
	n.engine.withClock(clock)
	n.mu.Unlock()
}

// CreateInput creates and registers a new input connector owned by
// this node.
func (n *NodeBase) CreateInput(name Name, maxsize int) (*InputConnector, error) {
	in, err := NewInputConnector(name, maxsize)
	if err != nil {
		return nil, err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, exists := n.inputs[name]; exists {
		return nil, newError(KindInvalidArgument, n.name, "CreateInput",
			fmt.Errorf("input %q already exists", name))
	}
	in.WithClock(n.clock)
	in.setParentNode(n)
	n.inputs[name] = in
	n.inputOrder = append(n.inputOrder, name)
	return in, nil
}

// CreateOutput creates and registers a new output connector owned by
// this node.
func (n *NodeBase) CreateOutput(name Name) (*OutputConnector, error) {
	out := NewOutputConnector(name)
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, exists := n.outputs[name]; exists {
		return nil, newError(KindInvalidArgument, n.name, "CreateOutput",
			fmt.Errorf("output %q already exists", name))
	}
	out.setParentNode(n)
	n.outputs[name] = out
	n.outputOrder = append(n.outputOrder, name)
	return out, nil
}

// Inputs returns every input connector, in declaration order.
func (n *NodeBase) Inputs() []*InputConnector {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]*InputConnector, 0, len(n.inputOrder))
	for _, name := range n.inputOrder {
		out = append(out, n.inputs[name])
	}
	return out
}

// Outputs returns every output connector, in declaration order.
func (n *NodeBase) Outputs() []*OutputConnector {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]*OutputConnector, 0, len(n.outputOrder))
	for _, name := range n.outputOrder {
		out = append(out, n.outputs[name])
	}
	return out
}

// NumProcesses returns the configured worker count (default 1).
func (n *NodeBase) NumProcesses() int { return n.engine.numProcesses() }

// SetNumProcesses resizes the pool. Valid only before Execute starts it.
func (n *NodeBase) SetNumProcesses(count int) error { return n.engine.setNumProcesses(count) }

// Reset returns a finished node to its pre-start state so Execute can
// be called again.
func (n *NodeBase) Reset() error { return n.engine.reset() }

// Execute runs ClassSetup once, starts the worker pool, and returns
// immediately (async mode); call Join to wait for completion. The
// concrete node passed to NodeBase.Init is the lifecycle implementation
// the workers run, so node types do not need to override this method.
func (n *NodeBase) Execute(ctx context.Context) error {
	return n.engine.start(ctx)
}

// Join waits for every worker to complete.
func (n *NodeBase) Join(ctx context.Context) error { return n.engine.join(ctx) }

// Kill forcibly terminates all workers without running teardown.
func (n *NodeBase) Kill(ctx context.Context) error { return n.engine.kill(ctx) }

// IsFinished reports whether every worker has completed.
func (n *NodeBase) IsFinished() bool { return n.engine.isFinished() }

// IsExpectingData reports whether this node may still receive data:
// true if any upstream producer of any of its inputs has not finished,
// or if any input still holds buffered items.
func (n *NodeBase) IsExpectingData() bool {
	for _, in := range n.Inputs() {
		if !in.Empty() {
			return true
		}
		for _, partner := range in.base.partnerList() {
			out, ok := partner.(*OutputConnector)
			if !ok {
				continue
			}
			upstream := out.ParentNode()
			if upstream != nil && !upstream.IsFinished() {
				return true
			}
		}
	}
	return false
}

// Validate checks that this node has at least one connector and that
// every connector has at least one partner.
func (n *NodeBase) Validate() error {
	inputs := n.Inputs()
	outputs := n.Outputs()
	if len(inputs) == 0 && len(outputs) == 0 {
		return newError(KindNodeValidation, n.name, "Validate",
			fmt.Errorf("node has no connectors"))
	}
	for _, in := range inputs {
		if in.partnerCount() == 0 {
			return newError(KindNodeValidation, n.name, "Validate",
				fmt.Errorf("input %q has no upstream connection", in.Name()))
		}
	}
	for _, out := range outputs {
		if out.partnerCount() == 0 {
			return newError(KindNodeValidation, n.name, "Validate",
				fmt.Errorf("output %q has no downstream connection", out.Name()))
		}
	}
	capitan.Info(context.Background(), SignalNodeValidated, FieldName.Field(n.name))
	return nil
}

// OnWorkerFinished registers a hook invoked once per worker as it
// completes, normally or via Kill. Pipeline.IsFinished-style watchers
// use this instead of polling IsFinished in a loop.
func (n *NodeBase) OnWorkerFinished(handler func(context.Context, WorkerEvent) error) error {
	return n.engine.onWorkerFinished(handler)
}
