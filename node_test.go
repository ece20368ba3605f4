package flowpipe

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// sourceNode has no inputs; it writes a fixed slice of items to its
// single output, then finishes.
type sourceNode struct {
	NodeBase
	out   *OutputConnector
	items []any
}

func newSourceNode(name Name, items []any) (*sourceNode, error) {
	n := &sourceNode{items: items}
	if err := n.Init(n, name); err != nil {
		return nil, err
	}
	n.out = n.Outputs()[0]
	return n, nil
}

func (n *sourceNode) Ports() []PortSpec {
	return []PortSpec{{Name: "out", Kind: PortOutput}}
}

func (n *sourceNode) Action(ctx context.Context) error {
	for _, item := range n.items {
		if err := n.out.Put(ctx, item); err != nil {
			return err
		}
	}
	return nil
}

// sinkNode has one input; it drains it via IterGet and records every
// item it sees.
type sinkNode struct {
	NodeBase
	in Name

	mu        sync.Mutex
	collected []any
}

func newSinkNode(name Name) (*sinkNode, error) {
	n := &sinkNode{}
	if err := n.Init(n, name); err != nil {
		return nil, err
	}
	n.in = "in"
	return n, nil
}

func (n *sinkNode) Ports() []PortSpec {
	return []PortSpec{{Name: "in", Kind: PortInput}}
}

func (n *sinkNode) input() *InputConnector {
	return n.Inputs()[0]
}

func (n *sinkNode) Action(ctx context.Context) error {
	items, errs := n.input().IterGet(ctx, 0, 5*time.Millisecond)
	for item := range items {
		n.mu.Lock()
		n.collected = append(n.collected, item)
		n.mu.Unlock()
	}
	return <-errs
}

func (n *sinkNode) Collected() []any {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]any, len(n.collected))
	copy(out, n.collected)
	return out
}

func TestNodeBasePortsWiring(t *testing.T) {
	src, err := newSourceNode("src", []any{1, 2, 3})
	if err != nil {
		t.Fatalf("newSourceNode: %v", err)
	}
	if len(src.Outputs()) != 1 || len(src.Inputs()) != 0 {
		t.Fatalf("expected 1 output and 0 inputs, got %d/%d", len(src.Outputs()), len(src.Inputs()))
	}
	if src.Outputs()[0].Name() != "out" {
		t.Fatalf("expected output named %q, got %q", "out", src.Outputs()[0].Name())
	}
}

func TestNodeBaseNumProcesses(t *testing.T) {
	src, _ := newSourceNode("src", nil)

	if src.NumProcesses() != 1 {
		t.Fatalf("expected default NumProcesses 1, got %d", src.NumProcesses())
	}
	if err := src.SetNumProcesses(0); err == nil {
		t.Fatal("expected an error for a non-positive process count")
	}
	if err := src.SetNumProcesses(4); err != nil {
		t.Fatalf("SetNumProcesses: %v", err)
	}
	if src.NumProcesses() != 4 {
		t.Fatalf("expected 4, got %d", src.NumProcesses())
	}

	sink, _ := newSinkNode("sink")
	out := NewOutputConnector("upstream-out")
	_ = out.Connect(context.Background(), sink.input())
	if err := sink.Execute(context.Background()); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if err := sink.SetNumProcesses(2); err == nil {
		t.Fatal("expected an error resizing a started pool")
	}
	_ = out.Disconnect(context.Background(), sink.input())
}

func TestNodeBaseValidate(t *testing.T) {
	src, _ := newSourceNode("src", nil)
	if err := src.Validate(); err == nil {
		t.Fatal("expected validation to fail for an unconnected output")
	}

	sink, _ := newSinkNode("sink")
	if err := src.Outputs()[0].Connect(context.Background(), sink.input()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := src.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if err := sink.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestNodeExecuteJoinDeliversItems(t *testing.T) {
	src, _ := newSourceNode("src", []any{1, 2, 3})
	sink, _ := newSinkNode("sink")
	if err := src.Outputs()[0].Connect(context.Background(), sink.input()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	ctx := context.Background()
	if err := src.Execute(ctx); err != nil {
		t.Fatalf("src.Execute: %v", err)
	}
	if err := sink.Execute(ctx); err != nil {
		t.Fatalf("sink.Execute: %v", err)
	}

	if err := src.Join(ctx); err != nil {
		t.Fatalf("src.Join: %v", err)
	}
	if err := sink.Join(ctx); err != nil {
		t.Fatalf("sink.Join: %v", err)
	}

	if !src.IsFinished() || !sink.IsFinished() {
		t.Fatal("expected both nodes to report finished")
	}
	if got := sink.Collected(); len(got) != 3 {
		t.Fatalf("expected 3 collected items, got %v", got)
	}
}

func TestNodeJoinBeforeExecuteFails(t *testing.T) {
	src, _ := newSourceNode("src", nil)
	err := src.Join(context.Background())
	var fpErr *Error
	if !errors.As(err, &fpErr) || fpErr.Kind != KindRuntimeState {
		t.Fatalf("expected KindRuntimeState, got %v", err)
	}
}

func TestNodeResetOnlyAfterFinish(t *testing.T) {
	src, _ := newSourceNode("src", nil)
	if err := src.Reset(); err == nil {
		t.Fatal("expected Reset to fail before the pool has ever run")
	}

	sink, _ := newSinkNode("sink")
	_ = src.Outputs()[0].Connect(context.Background(), sink.input())

	ctx := context.Background()
	_ = src.Execute(ctx)
	_ = src.Join(ctx)

	if err := src.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if src.IsFinished() {
		t.Fatal("expected the node to leave the finished state after Reset")
	}
}

// blockingNode runs Action until its context is canceled, for tests
// that need to observe Kill actually interrupting a live worker.
type blockingNode struct {
	NodeBase
	started chan struct{}
}

func newBlockingNode(name Name) (*blockingNode, error) {
	n := &blockingNode{started: make(chan struct{})}
	if err := n.Init(n, name); err != nil {
		return nil, err
	}
	return n, nil
}

func (n *blockingNode) Action(ctx context.Context) error {
	close(n.started)
	<-ctx.Done()
	return ctx.Err()
}

func TestNodeKillInterruptsRunningWorkers(t *testing.T) {
	node, _ := newBlockingNode("blocker")

	ctx := context.Background()
	if err := node.Execute(ctx); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	<-node.started

	if err := node.Kill(ctx); err != nil {
		t.Fatalf("Kill: %v", err)
	}
	if err := node.Join(ctx); err != nil {
		t.Fatalf("Join after kill: %v", err)
	}
	if !node.IsFinished() {
		t.Fatal("expected a killed node to be finished")
	}
}

func TestNodeKillBeforeExecuteFails(t *testing.T) {
	node, _ := newBlockingNode("blocker")
	err := node.Kill(context.Background())
	var fpErr *Error
	if !errors.As(err, &fpErr) || fpErr.Kind != KindRuntimeState {
		t.Fatalf("expected KindRuntimeState, got %v", err)
	}
}

// panickingNode's Action always panics, for tests that need to observe
// the engine reporting completion even when a worker never returns
// normally.
type panickingNode struct {
	NodeBase
}

func newPanickingNode(name Name) (*panickingNode, error) {
	n := &panickingNode{}
	if err := n.Init(n, name); err != nil {
		return nil, err
	}
	return n, nil
}

func (n *panickingNode) Action(context.Context) error {
	panic("boom")
}

func TestNodeActionPanicStillReportsFinished(t *testing.T) {
	node, _ := newPanickingNode("panicker")

	finished := make(chan WorkerEvent, 1)
	if err := node.OnWorkerFinished(func(_ context.Context, ev WorkerEvent) error {
		finished <- ev
		return nil
	}); err != nil {
		t.Fatalf("OnWorkerFinished: %v", err)
	}

	ctx := context.Background()
	if err := node.Execute(ctx); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if err := node.Join(ctx); err != nil {
		t.Fatalf("Join: %v", err)
	}
	if !node.IsFinished() {
		t.Fatal("expected a node whose only worker panicked to report finished")
	}

	select {
	case ev := <-finished:
		if ev.Err == nil {
			t.Fatal("expected the reported event to carry the panic as an error")
		}
	default:
		t.Fatal("expected WorkerFinishedEvent to have been emitted despite the panic")
	}
}
