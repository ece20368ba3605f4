package flowpipe

import (
	"github.com/zoobzio/capitan"
	"github.com/zoobzio/hookz"
	"github.com/zoobzio/tracez"
)

// Signal constants for flowpipe lifecycle events.
// Signals follow the pattern: <layer>.<event>.
const (
	// Connector signals.
	SignalConnectorConnected    capitan.Signal = "connector.connected"
	SignalConnectorDisconnected capitan.Signal = "connector.disconnected"
	SignalConnectorQueueFull    capitan.Signal = "connector.queue-full"

	// WorkerPool signals.
	SignalWorkerPoolStarted  capitan.Signal = "workerpool.started"
	SignalWorkerPoolAcquired capitan.Signal = "workerpool.acquired"
	SignalWorkerPoolReleased capitan.Signal = "workerpool.released"
	SignalWorkerPoolFinished capitan.Signal = "workerpool.finished"
	SignalWorkerPoolKilled   capitan.Signal = "workerpool.killed"
	SignalWorkerPoolPanicked capitan.Signal = "workerpool.panicked"

	// Node signals.
	SignalNodeValidated capitan.Signal = "node.validated"
	SignalNodeFinished  capitan.Signal = "node.finished"

	// Pipeline signals.
	SignalPipelineValidated capitan.Signal = "pipeline.validated"
	SignalPipelineStarted   capitan.Signal = "pipeline.started"
	SignalPipelineJoined    capitan.Signal = "pipeline.joined"
	SignalPipelineKilled    capitan.Signal = "pipeline.killed"
)

// Trace span keys and tags, opened by the engine around a node's
// execution and by Pipeline around a full run.
const (
	SpanNodeExecute  tracez.Key = "node.execute"
	SpanNodeAction   tracez.Key = "node.action"
	SpanPipelineRun  tracez.Key = "pipeline.run"
	SpanPipelineJoin tracez.Key = "pipeline.join"

	TagNodeName    tracez.Tag = "node.name"
	TagNodeError   tracez.Tag = "node.error"
	TagNodeWorkers tracez.Tag = "node.workers"
	TagWorkerIndex tracez.Tag = "node.worker_index"
	TagNodeCount   tracez.Tag = "pipeline.node_count"
)

// WorkerFinishedEvent is the hookz key for per-worker completion
// notifications emitted by the engine.
const WorkerFinishedEvent hookz.Key = "engine.worker_finished"

// Common field keys using capitan primitive types.
// All keys use primitive types to avoid custom struct serialization.
var (
	// Common fields.
	FieldName      = capitan.NewStringKey("name")       // Component instance name
	FieldID        = capitan.NewStringKey("id")         // Component identity
	FieldError     = capitan.NewStringKey("error")      // Error message
	FieldTimestamp = capitan.NewFloat64Key("timestamp") // Unix timestamp

	// Connector fields.
	FieldPartner  = capitan.NewStringKey("partner")   // Partner connector name
	FieldMaxSize  = capitan.NewIntKey("max_size")      // Configured bound, 0 = unbounded
	FieldQueueLen = capitan.NewIntKey("queue_len")     // Current queue depth

	// WorkerPool fields.
	FieldWorkerCount   = capitan.NewIntKey("worker_count")   // Total worker slots
	FieldActiveWorkers = capitan.NewIntKey("active_workers") // Currently running workers
	FieldWorkerIndex   = capitan.NewIntKey("worker_index")   // Index of the reporting worker

	// Pipeline fields.
	FieldNodeCount = capitan.NewIntKey("node_count") // Registered node count
)
