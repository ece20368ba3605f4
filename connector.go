// Package flowpipe provides the concurrency substrate for building and
// running directed acyclic graphs of compute stages ("nodes") connected
// by typed, bounded, FIFO channels ("connectors").
//
// # Overview
//
// flowpipe is built around three layers, each owning the layer above
// it:
//
//   - Connector: a bounded FIFO channel with upstream-aware blocking
//     reads, fan-out writes, and connect/disconnect semantics.
//   - Node: owns a set of input/output connectors and a pool of
//     concurrent workers running setup -> action -> teardown.
//   - Pipeline: a registry of nodes that validates the induced graph
//     (acyclic, single connected component) and orchestrates
//     start/join/kill across every node.
//
// User code supplies the "action" bodies that move items between
// connectors; flowpipe only guarantees that items are delivered in
// order per producer/consumer pair, that writers see back-pressure when
// a bounded reader is full, and that readers can tell when upstream
// production has permanently stopped.
//
// # Non-goals
//
// flowpipe does not distribute a graph across machines, mutate a graph
// after it starts, schedule nodes by priority, or persist in-flight
// items across a crash. Delivery is at-most-once per enqueue and
// ordered only within a single (producer, consumer) pair.
package flowpipe

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/zoobzio/capitan"
	"github.com/zoobzio/clockz"
)

// Name is a human-readable identifier for a connector, node, or
// pipeline. Connectors and nodes default their Name to their identity
// when none is supplied.
type Name = string

// connectorKind distinguishes input from output connectors so that
// connect/disconnect can reject same-kind pairings.
type connectorKind int

const (
	kindInput connectorKind = iota
	kindOutput
)

func (k connectorKind) String() string {
	if k == kindInput {
		return "InputConnector"
	}
	return "OutputConnector"
}

// connector is the capability every connector exposes to its partners
// and parent node, independent of direction. InputConnector and
// OutputConnector each wrap a *base and add their own public surface.
type connector interface {
	Name() Name
	ID() string
	kind() connectorKind
	addPartner(connector)
	removePartner(connector)
	hasPartner(connector) bool
	partnerCount() int
}

// base implements the shared bookkeeping described by the spec's
// BaseConnector: stable identity, a display name, an optional parent
// node, and a set of partner connectors of the opposite kind.
type base struct {
	mu       sync.RWMutex
	partners map[connector]struct{}
	node     Node
	id       string
	name     Name
	self     connectorKind
}

func newBase(kind connectorKind, name Name) *base {
	id := newIdentity()
	if name == "" {
		name = id
	}
	return &base{
		id:       id,
		name:     name,
		self:     kind,
		partners: make(map[connector]struct{}),
	}
}

func (b *base) Name() Name { return b.name }

func (b *base) ID() string { return b.id }

func (b *base) kind() connectorKind { return b.self }

// ParentNode returns the node this connector is owned by, or nil if
// the connector was created standalone (e.g. in tests).
func (b *base) ParentNode() Node {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.node
}

func (b *base) setParentNode(n Node) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.node = n
}

func (b *base) addPartner(c connector) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.partners[c] = struct{}{}
}

func (b *base) removePartner(c connector) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.partners, c)
}

func (b *base) hasPartner(c connector) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.partners[c]
	return ok
}

func (b *base) partnerCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.partners)
}

func (b *base) partnerList() []connector {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]connector, 0, len(b.partners))
	for c := range b.partners {
		out = append(out, c)
	}
	return out
}

func (b *base) String() string {
	return fmt.Sprintf("<%s(name=%s) object at %s>", b.self, b.name, b.id)
}

// InputConnector is a bounded FIFO queue that receives items from one
// or more connected OutputConnectors and hands them to its parent
// node's workers.
type InputConnector struct {
	*base

	mu      sync.Mutex
	notify  chan struct{} // closed-and-replaced to wake blocked Get/put callers
	items   []any
	maxsize int
	clock   clockz.Clock
}

// NewInputConnector creates a standalone input connector. Nodes
// normally obtain one via Node.CreateInput so that ParentNode is set;
// this constructor exists for tests and for connectors that are wired
// up before being attached to a node.
func NewInputConnector(name Name, maxsize int) (*InputConnector, error) {
	if maxsize < 0 {
		return nil, newError(KindInvalidArgument, name, "NewInputConnector",
			fmt.Errorf("maxsize must be non-negative, got %d", maxsize))
	}
	in := &InputConnector{
		base:    newBase(kindInput, name),
		notify:  make(chan struct{}),
		maxsize: maxsize,
		clock:   clockz.RealClock,
	}
	return in, nil
}

// WithClock overrides the clock used for Get's timeout/refresh
// arithmetic. Intended for deterministic tests via clockz.FakeClock.
func (in *InputConnector) WithClock(clock clockz.Clock) *InputConnector {
	in.clock = clock
	return in
}

// Maxsize returns the configured bound, or 0 for an unbounded queue.
func (in *InputConnector) Maxsize() int { return in.maxsize }

// Size returns the number of items currently queued.
func (in *InputConnector) Size() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return len(in.items)
}

// Empty reports whether the queue currently holds no items.
func (in *InputConnector) Empty() bool { return in.Size() == 0 }

// Full reports whether a bounded queue is at capacity. An unbounded
// queue (maxsize == 0) is never full.
func (in *InputConnector) Full() bool {
	if in.maxsize == 0 {
		return false
	}
	in.mu.Lock()
	defer in.mu.Unlock()
	return len(in.items) >= in.maxsize
}

// put is the internal enqueue path used only by a connected
// OutputConnector's Put. It blocks while the queue is full, waking
// whenever an item is dequeued, until ctx is done.
func (in *InputConnector) put(ctx context.Context, item any) error {
	for {
		in.mu.Lock()
		if in.maxsize == 0 || len(in.items) < in.maxsize {
			in.items = append(in.items, item)
			in.wakeLocked()
			in.mu.Unlock()
			return nil
		}
		wait := in.notify
		queueLen := len(in.items)
		in.mu.Unlock()

		capitan.Warn(ctx, SignalConnectorQueueFull,
			FieldName.Field(in.Name()),
			FieldMaxSize.Field(in.maxsize),
			FieldQueueLen.Field(queueLen),
		)

		select {
		case <-wait:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// wakeLocked wakes every goroutine currently waiting on the queue.
// Callers must hold in.mu.
func (in *InputConnector) wakeLocked() {
	close(in.notify)
	in.notify = make(chan struct{})
}

// Get removes and returns the oldest item, implementing the spec's
// refresh-interval algorithm: it waits in refreshInterval-sized slices
// of the overall timeout, re-checking after each slice whether the
// parent node is still expecting data. timeout == 0 waits forever,
// the idiomatic Go zero-value-means-unbounded convention; this departs
// from the original implementation, where a zero timeout instead expires
// immediately and only a missing (None) timeout means unbounded.
// refreshInterval must be strictly positive.
func (in *InputConnector) Get(ctx context.Context, timeout, refreshInterval time.Duration) (any, error) {
	if refreshInterval <= 0 {
		return nil, newError(KindInvalidArgument, in.Name(), "Get",
			fmt.Errorf("refresh interval must be greater than zero, got %v", refreshInterval))
	}
	if timeout < 0 {
		return nil, newError(KindInvalidArgument, in.Name(), "Get",
			fmt.Errorf("timeout must be non-negative, got %v", timeout))
	}

	clock := in.clock
	unbounded := timeout == 0
	remaining := timeout

	for {
		in.mu.Lock()
		if len(in.items) > 0 {
			item := in.items[0]
			in.items = in.items[1:]
			in.wakeLocked()
			in.mu.Unlock()
			return item, nil
		}
		wait := in.notify
		in.mu.Unlock()

		slice := refreshInterval
		if !unbounded && remaining < slice {
			slice = remaining
		}

		select {
		case <-wait:
			continue
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-clock.After(slice):
			// Fall through to the upstream-liveness check below.
		}

		if !unbounded {
			remaining -= slice
		}

		node := in.ParentNode()
		if node != nil && node.IsExpectingData() {
			if !unbounded && remaining <= 0 {
				return nil, newError(KindTimeout, in.Name(), "Get", nil)
			}
			continue
		}

		// Upstream is no longer expecting to produce anything. Check
		// once more under the lock in case an item arrived in the
		// interim, then surface Empty.
		in.mu.Lock()
		if len(in.items) > 0 {
			item := in.items[0]
			in.items = in.items[1:]
			in.wakeLocked()
			in.mu.Unlock()
			return item, nil
		}
		in.mu.Unlock()
		return nil, newError(KindEmpty, in.Name(), "Get", nil)
	}
}

// IterGet returns a receive-only item channel and a single-value error
// channel. The item channel closes and the error channel receives nil
// once the parent node stops expecting data and the queue has drained;
// it receives a non-nil *Error (Kind == KindTimeout) if an interior Get
// call times out instead. IterGet requires the connector to be
// attached to a parent node.
func (in *InputConnector) IterGet(ctx context.Context, timeout, refreshInterval time.Duration) (<-chan any, <-chan error) {
	items := make(chan any)
	errs := make(chan error, 1)

	if in.ParentNode() == nil {
		close(items)
		errs <- newError(KindMissingConnection, in.Name(), "IterGet", nil)
		close(errs)
		return items, errs
	}

	go func() {
		defer close(items)
		defer close(errs)
		for {
			item, ok, err := in.Next(ctx, timeout, refreshInterval)
			if err != nil {
				errs <- err
				return
			}
			if !ok {
				errs <- nil
				return
			}
			select {
			case items <- item:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
		}
	}()

	return items, errs
}

// Next is a lower-level stepper equivalent to one iteration of
// IterGet, for callers that want explicit pull control instead of a
// channel-range loop. ok is false with a nil err exactly when upstream
// has drained (the clean-termination case); a non-nil err reports any
// other failure, including KindTimeout.
func (in *InputConnector) Next(ctx context.Context, timeout, refreshInterval time.Duration) (item any, ok bool, err error) {
	v, gerr := in.Get(ctx, timeout, refreshInterval)
	if gerr == nil {
		return v, true, nil
	}
	if fpErr, isFP := gerr.(*Error); isFP && fpErr.Kind == KindEmpty {
		return nil, false, nil
	}
	return nil, false, gerr
}

// OutputConnector fans an item out to every connected InputConnector.
type OutputConnector struct {
	*base
}

// NewOutputConnector creates a standalone output connector. See
// NewInputConnector for why nodes normally use Node.CreateOutput
// instead.
func NewOutputConnector(name Name) *OutputConnector {
	return &OutputConnector{base: newBase(kindOutput, name)}
}

// Connect symmetrically attaches this output to the given input.
// Connecting an already-connected pair is idempotent. Connecting to a
// nil input is a KindTypeMismatch error.
func (out *OutputConnector) Connect(ctx context.Context, in *InputConnector) error {
	if in == nil {
		return newError(KindTypeMismatch, out.Name(), "Connect",
			fmt.Errorf("cannot connect to a nil input connector"))
	}
	out.base.addPartner(in)
	in.base.addPartner(out)
	capitan.Info(ctx, SignalConnectorConnected,
		FieldName.Field(out.Name()),
		FieldPartner.Field(in.Name()),
	)
	return nil
}

// Disconnect symmetrically removes an established connection.
// Disconnecting a connector that is not currently a partner is a
// KindMissingConnection error.
func (out *OutputConnector) Disconnect(ctx context.Context, in *InputConnector) error {
	if in == nil || !out.base.hasPartner(in) {
		return newError(KindMissingConnection, out.Name(), "Disconnect",
			fmt.Errorf("the given connector is not connected to this instance"))
	}
	out.base.removePartner(in)
	in.base.removePartner(out)
	capitan.Info(ctx, SignalConnectorDisconnected,
		FieldName.Field(out.Name()),
		FieldPartner.Field(in.Name()),
	)
	return nil
}

// Partners returns every InputConnector currently connected to this
// output.
func (out *OutputConnector) Partners() []*InputConnector {
	raw := out.base.partnerList()
	result := make([]*InputConnector, 0, len(raw))
	for _, c := range raw {
		if in, ok := c.(*InputConnector); ok {
			result = append(result, in)
		}
	}
	return result
}

// Put fans item out to every partner input's internal queue, blocking
// on any partner that is currently full until room frees up or ctx is
// done. Put on an unconnected output is a KindMissingConnection error.
//
// A single Put call is atomic with respect to each partner's queue:
// the item becomes visible on that partner or not at all. Across
// multiple partners there is no ordering guarantee relative to other
// producers writing to the same partners concurrently.
func (out *OutputConnector) Put(ctx context.Context, item any) error {
	partners := out.Partners()
	if len(partners) == 0 {
		return newError(KindMissingConnection, out.Name(), "Put",
			fmt.Errorf("this output connector is not connected to any input connectors"))
	}
	for _, partner := range partners {
		if err := partner.put(ctx, item); err != nil {
			return newError(KindTimeout, out.Name(), "Put", err)
		}
	}
	return nil
}
