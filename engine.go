package flowpipe

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zoobzio/capitan"
	"github.com/zoobzio/clockz"
	"github.com/zoobzio/hookz"
	"github.com/zoobzio/metricz"
	"github.com/zoobzio/tracez"
)

// engineState tracks the lifecycle of an engine's worker pool, matching
// the Node lifecycle described by the spec: Constructed -> Running ->
// Finished.
type engineState int32

const (
	engineConstructed engineState = iota
	engineRunning
	engineFinished
)

// lifecycle is the set of optional phases a node may implement around
// its mandatory Action. Each defaults to a no-op when the concrete
// node does not implement the corresponding interface.
type lifecycle interface {
	Action(ctx context.Context) error
}

type setupper interface {
	Setup(ctx context.Context) error
}

type teardowner interface {
	Teardown(ctx context.Context) error
}

type classSetupper interface {
	ClassSetup(ctx context.Context) error
}

type classTeardowner interface {
	ClassTeardown(ctx context.Context) error
}

// engine owns the goroutine pool backing a single node: num_processes
// independent workers, each running setup -> action -> teardown
// exactly once. It generalizes the teacher's semaphore-gated
// WorkerPool, which runs a fixed set of processors concurrently per
// call to Process, into a pool whose workers are started once and run
// to completion (or are killed), matching the spec's worker-per-node
// model rather than the teacher's per-item fan-out.
type engine struct {
	mu          sync.RWMutex
	owner       Name
	id          string
	impl        lifecycle
	clock       clockz.Clock
	tracer      *tracez.Tracer
	metrics     *metricz.Registry
	hooks       *hookz.Hooks[WorkerEvent]
	numProcs    int
	state       engineState
	cancel      context.CancelFunc
	done        chan struct{}
	killed      atomic.Bool
	finishedCnt atomic.Int64
}

// WorkerEvent is the payload delivered to hooks registered via
// NodeBase.OnWorkerFinished.
type WorkerEvent struct {
	Node  Name
	Index int
	Err   error
	Kill  bool
}

func newEngine(owner Name, id string, impl lifecycle) *engine {
	return &engine{
		owner:    owner,
		id:       id,
		impl:     impl,
		clock:    clockz.RealClock,
		tracer:   tracez.New(),
		metrics:  metricz.New(),
		hooks:    hookz.New[WorkerEvent](),
		numProcs: 1,
	}
}

func (e *engine) withClock(clock clockz.Clock) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.clock = clock
}

// activeWorkersGauge is the metricz key tracking how many of this
// node's workers have not yet reported completion.
func (e *engine) activeWorkersGauge() metricz.Key {
	return metricz.Key("engine." + e.owner + ".active_workers")
}

func (e *engine) now() time.Time {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.clock.Now()
}

// numProcesses returns the configured worker count.
func (e *engine) numProcesses() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.numProcs
}

// setNumProcesses is only valid before the pool starts.
func (e *engine) setNumProcesses(n int) error {
	if n <= 0 {
		return newError(KindInvalidArgument, e.owner, "SetNumProcesses",
			fmt.Errorf("num_processes must be positive, got %d", n))
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != engineConstructed {
		return newError(KindRuntimeState, e.owner, "SetNumProcesses",
			fmt.Errorf("cannot resize a worker pool once it has started"))
	}
	e.numProcs = n
	return nil
}

// reset returns a finished engine to its pre-start state.
func (e *engine) reset() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != engineFinished {
		return newError(KindRuntimeState, e.owner, "Reset",
			fmt.Errorf("cannot reset a pool that has not finished"))
	}
	e.state = engineConstructed
	e.cancel = nil
	e.done = nil
	e.killed.Store(false)
	e.finishedCnt.Store(0)
	return nil
}

// start launches numProcs workers, each running classSetup (once,
// shared), setup -> action -> teardown, and reports completion via
// done once every worker has exited.
func (e *engine) start(ctx context.Context) error {
	e.mu.Lock()
	if e.state != engineConstructed {
		e.mu.Unlock()
		return newError(KindRuntimeState, e.owner, "Execute",
			fmt.Errorf("engine has already been started"))
	}
	runCtx, cancel := context.WithCancel(ctx)
	e.state = engineRunning
	e.cancel = cancel
	e.done = make(chan struct{})
	n := e.numProcs
	e.mu.Unlock()

	runCtx, span := e.tracer.StartSpan(runCtx, SpanNodeExecute)
	span.SetTag(TagNodeName, e.owner)

	if cs, ok := e.impl.(classSetupper); ok {
		if err := cs.ClassSetup(runCtx); err != nil {
			span.SetTag(TagNodeError, err.Error())
			span.Finish()
			e.mu.Lock()
			e.state = engineFinished
			close(e.done)
			e.mu.Unlock()
			return newError(KindRuntimeState, e.owner, "ClassSetup", err)
		}
	}

	capitan.Info(runCtx, SignalWorkerPoolStarted,
		FieldName.Field(e.owner),
		FieldID.Field(e.id),
		FieldWorkerCount.Field(n),
	)
	e.metrics.Gauge(e.activeWorkersGauge()).Set(float64(e.activeWorkers()))

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go e.runWorker(runCtx, i, &wg)
	}

	go func() {
		wg.Wait()
		if ct, ok := e.impl.(classTeardowner); ok {
			_ = ct.ClassTeardown(runCtx)
		}
		span.SetTag(TagNodeWorkers, fmt.Sprintf("%d", n))
		span.Finish()
		e.mu.Lock()
		e.state = engineFinished
		close(e.done)
		e.mu.Unlock()
		e.metrics.Gauge(e.activeWorkersGauge()).Set(float64(e.activeWorkers()))
		capitan.Info(runCtx, SignalWorkerPoolFinished,
			FieldName.Field(e.owner),
			FieldID.Field(e.id),
			FieldWorkerCount.Field(n),
		)
		capitan.Info(runCtx, SignalNodeFinished,
			FieldName.Field(e.owner),
			FieldID.Field(e.id),
			FieldTimestamp.Field(float64(e.now().Unix())),
		)
	}()

	return nil
}

func (e *engine) runWorker(ctx context.Context, index int, wg *sync.WaitGroup) {
	defer wg.Done()

	var result error
	var span *tracez.Span

	// Registered before finishedCnt.Add's defer so it runs after it
	// (defers unwind LIFO): the active-worker count it reports must
	// already reflect this worker's completion.
	defer func() {
		if result != nil {
			if span != nil {
				span.SetTag(TagNodeError, result.Error())
			}
			capitan.Warn(ctx, SignalWorkerPoolPanicked,
				FieldName.Field(e.owner),
				FieldWorkerIndex.Field(index),
				FieldError.Field(result.Error()),
			)
		}

		e.metrics.Gauge(e.activeWorkersGauge()).Set(float64(e.activeWorkers()))
		capitan.Info(ctx, SignalWorkerPoolReleased,
			FieldName.Field(e.owner),
			FieldWorkerIndex.Field(index),
			FieldActiveWorkers.Field(e.activeWorkers()),
		)

		_, _ = e.hooks.Emit(ctx, WorkerFinishedEvent, WorkerEvent{
			Node:  e.owner,
			Index: index,
			Err:   result,
		})
	}()
	defer e.finishedCnt.Add(1)
	// Registered after the closure above so it runs before it (defers
	// unwind LIFO): the closure's result and active-worker count must
	// reflect any panic recovered below.
	defer recoverFromPanic(&result, e.owner, index)

	_, span = e.tracer.StartSpan(ctx, SpanNodeAction)
	span.SetTag(TagWorkerIndex, fmt.Sprintf("%d", index))
	defer span.Finish()

	capitan.Info(ctx, SignalWorkerPoolAcquired,
		FieldName.Field(e.owner),
		FieldWorkerIndex.Field(index),
	)

	if su, ok := e.impl.(setupper); ok {
		if err := su.Setup(ctx); err != nil {
			result = err
		}
	}

	if result == nil {
		if err := e.impl.Action(ctx); err != nil {
			result = err
		}
	}

	// Kill skips teardown entirely, per the spec's contract that a
	// killed worker never runs its teardown phase.
	if !e.killed.Load() {
		if td, ok := e.impl.(teardowner); ok {
			if err := td.Teardown(ctx); err != nil && result == nil {
				result = err
			}
		}
	}
}

// join waits for every worker to finish, or for ctx to be done.
func (e *engine) join(ctx context.Context) error {
	if !e.isRunning() && !e.isFinished() {
		return newError(KindRuntimeState, e.owner, "Join",
			fmt.Errorf("engine has not been started"))
	}
	if e.isFinished() {
		return nil
	}

	e.mu.RLock()
	done := e.done
	e.mu.RUnlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return newError(KindTimeout, e.owner, "Join", ctx.Err())
	}
}

// kill forcibly cancels every worker's context. Teardown is skipped
// for workers that have not yet reached it; workers already past
// teardown are unaffected. After kill the engine is considered
// finished once all worker goroutines have observed the cancellation.
func (e *engine) kill(ctx context.Context) error {
	e.mu.Lock()
	if e.state == engineConstructed {
		e.mu.Unlock()
		return newError(KindRuntimeState, e.owner, "Kill",
			fmt.Errorf("engine has not been started"))
	}
	e.killed.Store(true)
	cancel := e.cancel
	done := e.done
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	capitan.Warn(ctx, SignalWorkerPoolKilled,
		FieldName.Field(e.owner),
		FieldID.Field(e.id),
		FieldActiveWorkers.Field(e.activeWorkers()),
	)

	if done != nil {
		<-done
	}
	return nil
}

// isFinished reports whether every worker has reported completion.
func (e *engine) isFinished() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state == engineFinished
}

// isRunning reports whether the pool has been started but has not yet
// finished.
func (e *engine) isRunning() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state == engineRunning
}

// activeWorkers returns the number of workers yet to report
// completion, for diagnostics and the node's metrics gauge.
func (e *engine) activeWorkers() int {
	e.mu.RLock()
	n := e.numProcs
	e.mu.RUnlock()
	return n - int(e.finishedCnt.Load())
}

// onWorkerFinished registers a hook invoked once per worker as it
// completes (normally or via kill), letting Pipeline.IsFinished-style
// watchers react without polling.
func (e *engine) onWorkerFinished(handler func(context.Context, WorkerEvent) error) error {
	_, err := e.hooks.Hook(WorkerFinishedEvent, handler)
	return err
}
