package flowpipe

import (
	"errors"
	"fmt"
	"time"
)

// Kind identifies the category of a flowpipe error, letting callers
// branch on failure mode without string matching.
type Kind string

// Error kinds. See the package's error handling design for the full
// trigger table: connectors raise InvalidArgument, MissingConnection,
// and TypeMismatch; nodes raise NodeValidation and RuntimeState;
// pipelines raise Cyclic and DisconnectedNodes; blocking reads raise
// Timeout and Empty.
const (
	KindInvalidArgument   Kind = "invalid-argument"
	KindMissingConnection Kind = "missing-connection"
	KindTypeMismatch      Kind = "type-mismatch"
	KindNodeValidation    Kind = "node-validation"
	KindCyclic            Kind = "cyclic"
	KindDisconnectedNodes Kind = "disconnected-nodes"
	KindRuntimeState      Kind = "runtime-state"
	KindTimeout           Kind = "timeout"
	KindEmpty             Kind = "empty"
)

// Sentinel errors for errors.Is comparisons against a Kind regardless
// of the operation-specific message wrapped around it.
var (
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrMissingConnection = errors.New("missing connection")
	ErrTypeMismatch      = errors.New("type mismatch")
	ErrNodeValidation    = errors.New("node validation failed")
	ErrCyclic            = errors.New("pipeline graph is cyclic")
	ErrDisconnectedNodes = errors.New("pipeline graph has disconnected nodes")
	ErrRuntimeState      = errors.New("invalid runtime state")
	ErrTimeout           = errors.New("timed out")
	ErrEmpty             = errors.New("empty")

	errKindSentinel = map[Kind]error{
		KindInvalidArgument:   ErrInvalidArgument,
		KindMissingConnection: ErrMissingConnection,
		KindTypeMismatch:      ErrTypeMismatch,
		KindNodeValidation:    ErrNodeValidation,
		KindCyclic:            ErrCyclic,
		KindDisconnectedNodes: ErrDisconnectedNodes,
		KindRuntimeState:      ErrRuntimeState,
		KindTimeout:           ErrTimeout,
		KindEmpty:             ErrEmpty,
	}
)

// Error is the error type flowpipe operations surface; the exception
// is a canceled context, which Get and IterGet report as ctx.Err()
// itself. It carries the failing Kind (for programmatic branching), the
// component and operation names (for diagnostics), and the underlying
// error, if any, that triggered it.
//
// Error is the generalization of the teacher's Error[T] type: instead
// of a pipeline path of processor names, flowpipe errors identify the
// connector/node/pipeline and operation that failed, since a dataflow
// graph's unit of composition is the node, not a processing step.
type Error struct {
	Kind      Kind
	Component string // connector/node/pipeline name
	Op        string // operation name, e.g. "Put", "Get", "Validate"
	Err       error
	Timestamp time.Time
}

// newError builds an *Error, defaulting Err to the kind's sentinel
// when the caller has no more specific underlying cause.
func newError(kind Kind, component, op string, cause error) *Error {
	if cause == nil {
		cause = errKindSentinel[kind]
	}
	return &Error{
		Kind:      kind,
		Component: component,
		Op:        op,
		Err:       cause,
		Timestamp: clockNow(),
	}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	component := e.Component
	if component == "" {
		component = "unknown"
	}
	return fmt.Sprintf("%s: %s: %v", component, e.Op, e.Err)
}

// Unwrap exposes the underlying cause so errors.Is/errors.As compose
// with both the sentinel errors above and any wrapped foreign error.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// clockNow is a variable so tests can substitute a deterministic clock;
// by default it is the real wall clock, since Error
// values are diagnostic metadata, not scheduling input.
var clockNow = time.Now
