// Package plugin defines the external interfaces (spec §6) the core
// consumes from source/transform/gate/sink/aggregation/coalesce
// collaborators. The core never implements a concrete plugin; it only
// drives these interfaces through the executor package.
//
// Grounded on core/interfaces.go's small-interface-per-capability shape
// (Logger, Telemetry, AIClient all defined as minimal interfaces consumed by
// the framework) carried over to the plugin boundary.
package plugin

import (
	"context"

	"github.com/tachyon-beep/elspeth-sub014/contract"
	"github.com/tachyon-beep/elspeth-sub014/landscape"
)

// Context carries everything a plugin invocation needs from the engine:
// run identity, its own configuration, and (once the orchestrator has
// wired them) the node/state/operation ids and the active contract. The
// PluginContext's Landscape hook lets a source read a normalized→original
// field-name map for resume, or a sink resolve the contract it must honor.
type Context struct {
	RunID       string
	Config      map[string]interface{}
	NodeID      string
	StateID     string
	OperationID string
	Contract    *contract.SchemaContract
	Landscape   *landscape.Recorder
}

// ClearOperation clears a stale state_id/operation_id pair before entering
// a new operation block, preventing the XOR violation described in spec §3
// ("a node_state may not carry both an operation_id and overlapping call
// indices").
func (c *Context) ClearOperation() {
	c.StateID = ""
	c.OperationID = ""
}

// SourceRow is one record yielded by a Source. Either it carries a valid
// PipelineRow, or it is quarantined and carries the raw data plus the
// reason it could not be shaped into one. A quarantined SourceRow can never
// be converted into a PipelineRow (spec §4.2): quarantine is a terminal
// shape, not an intermediate one.
type SourceRow struct {
	RowData       *contract.PipelineRow
	IsQuarantined bool

	// Set only when IsQuarantined.
	RawData     map[string]interface{}
	Error       string
	Destination string
}

// Source emits rows for a run.
type Source interface {
	Name() string
	OutputSchema() *contract.SchemaContract
	Determinism() landscape.Determinism
	PluginVersion() string

	// OnStart may read a normalized->original field-name map from the
	// landscape for sinks using restore-original-headers on resume.
	OnStart(ctx context.Context, pc *Context) error
	Load(ctx context.Context, pc *Context) (<-chan SourceRow, <-chan error)
	Close() error
}

// SuccessReason documents what a transform/gate added; ErrorReason
// documents why it failed. Both are opaque to the engine beyond being
// canonically hashable.
type SuccessReason map[string]interface{}
type ErrorReason map[string]interface{}

// RoutingKind is a gate's control-flow decision.
type RoutingKind string

const (
	RouteContinue     RoutingKind = "CONTINUE"
	RouteTo           RoutingKind = "ROUTE"
	RouteForkToPaths  RoutingKind = "FORK_TO_PATHS"
)

// RoutingAction is a gate result's control-flow payload. Reason is
// defensively copied at construction (NewRoutingAction) to protect
// downstream frozen semantics per spec §4.5.
type RoutingAction struct {
	Kind         RoutingKind
	Mode         landscape.EdgeMode
	Destinations []string
	Reason       map[string]interface{}
}

// NewRoutingAction deep-copies reason so the caller's map can be mutated
// afterward without corrupting the audit record.
func NewRoutingAction(kind RoutingKind, mode landscape.EdgeMode, destinations []string, reason map[string]interface{}) RoutingAction {
	var deepCopy func(v interface{}) interface{}
	deepCopy = func(v interface{}) interface{} {
		switch x := v.(type) {
		case map[string]interface{}:
			m := make(map[string]interface{}, len(x))
			for k, e := range x {
				m[k] = deepCopy(e)
			}
			return m
		case []interface{}:
			s := make([]interface{}, len(x))
			for i, e := range x {
				s[i] = deepCopy(e)
			}
			return s
		}
		return v
	}
	copied := deepCopy(reason).(map[string]interface{})
	dests := make([]string, len(destinations))
	copy(dests, destinations)
	return RoutingAction{Kind: kind, Mode: mode, Destinations: dests, Reason: copied}
}

// TransformResult is a transform's outcome: either an updated row and a
// success reason, or a failure reason.
type TransformResult struct {
	Row           *contract.PipelineRow
	SuccessReason SuccessReason
	Err           error
	ErrorReason   ErrorReason
}

// GateResult is a gate's outcome: a routing decision plus the same
// success/error reason shape as TransformResult.
type GateResult struct {
	Row           *contract.PipelineRow
	Action        RoutingAction
	SuccessReason SuccessReason
	Err           error
	ErrorReason   ErrorReason
}

// Transform mutates or validates a row.
type Transform interface {
	Name() string
	PluginVersion() string
	Determinism() landscape.Determinism
	Process(ctx context.Context, pc *Context, row *contract.PipelineRow) (TransformResult, error)
}

// Gate decides routing for a row without necessarily mutating it.
type Gate interface {
	Name() string
	PluginVersion() string
	Determinism() landscape.Determinism
	Evaluate(ctx context.Context, pc *Context, row *contract.PipelineRow) (GateResult, error)
}

// ArtifactDescriptor is what a sink reports after a durable flush.
type ArtifactDescriptor struct {
	PathOrURI    string
	ArtifactType string
	ContentHash  string
	SizeBytes    int64
}

// OutputValidationResult is returned by a sink's resume-time schema check.
type OutputValidationResult struct {
	OK     bool
	Detail string
}

// Sink durably persists rows. Flush must force the underlying bytes
// durable (fsync the file descriptor, not merely a language-level flush —
// spec §6, grounded on the original CSV sink's explicit fsync call).
type Sink interface {
	Name() string
	PluginVersion() string
	Write(ctx context.Context, pc *Context, row *contract.PipelineRow) error
	Flush() error
	Close() error

	ConfigureForResume() error
	ValidateOutputTarget(expected *contract.SchemaContract) (OutputValidationResult, error)
	SetResumeFieldResolution(normalizedToOriginal map[string]string)

	Describe() ArtifactDescriptor
}

// AggregationTrigger explains why a batch flushed.
type AggregationTrigger struct {
	Type   string
	Reason string
}

// Aggregation buffers rows into batches and flushes them on a configured
// trigger (count, time, or explicit).
type Aggregation interface {
	Name() string
	PluginVersion() string
	Determinism() landscape.Determinism

	Add(ctx context.Context, pc *Context, row *contract.PipelineRow) (shouldFlush bool, trigger *AggregationTrigger, err error)
	Flush(ctx context.Context, pc *Context) (TransformResult, error)
}

// CoalescePolicy controls how a Coalesce node merges forked paths.
type CoalescePolicy string

const (
	CoalesceFirst CoalescePolicy = "first"
	CoalesceAll   CoalescePolicy = "all"
	CoalesceMerge CoalescePolicy = "merge"
)

// Coalesce merges forked token paths back into a single stream.
type Coalesce interface {
	Name() string
	PluginVersion() string
	Policy() CoalescePolicy

	Merge(ctx context.Context, pc *Context, rows []*contract.PipelineRow) (TransformResult, error)
}
