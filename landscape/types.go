// Package landscape is the audit recorder facade (component C): the
// append-mostly relational record of everything that happens during a run,
// plus the content-addressed payload store backing it.
//
// Grounded on core/interfaces.go's Registry/Discovery facade shape (a small
// set of named operations in front of a swappable Store) and on the audit
// chaining pattern in other_examples' ILLUVRSE pg_store.go, generalized from
// a single hash-chained event log to the full landscape schema in spec.md §3.
package landscape

import "time"

// RunStatus is the lifecycle state of a Run.
type RunStatus string

const (
	RunRunning   RunStatus = "RUNNING"
	RunCompleted RunStatus = "COMPLETED"
	RunFailed    RunStatus = "FAILED"
	RunCancelled RunStatus = "CANCELLED"
)

// NodeType classifies what a Node does in the DAG.
type NodeType string

const (
	NodeSource      NodeType = "SOURCE"
	NodeTransform   NodeType = "TRANSFORM"
	NodeGate        NodeType = "GATE"
	NodeAggregation NodeType = "AGGREGATION"
	NodeCoalesce    NodeType = "COALESCE"
	NodeSink        NodeType = "SINK"
)

// Determinism classifies a node's repeatability, used by replay/lineage.
type Determinism string

const (
	Deterministic    Determinism = "DETERMINISTIC"
	Nondeterministic Determinism = "NONDETERMINISTIC"
	IORead           Determinism = "IO_READ"
	IOWrite          Determinism = "IO_WRITE"
)

// EdgeMode classifies how a token moves across an edge.
type EdgeMode string

const (
	EdgeMove   EdgeMode = "MOVE"
	EdgeCopy   EdgeMode = "COPY"
	EdgeDivert EdgeMode = "DIVERT"
)

// NodeStateStatus is the status of one token-at-node execution attempt.
type NodeStateStatus string

const (
	StateOpen      NodeStateStatus = "OPEN"
	StatePending   NodeStateStatus = "PENDING"
	StateCompleted NodeStateStatus = "COMPLETED"
	StateFailed    NodeStateStatus = "FAILED"
)

// CallType classifies an external side-effect call.
type CallType string

const (
	CallLLM  CallType = "LLM"
	CallHTTP CallType = "HTTP"
)

// CallStatus is the outcome of one external call.
type CallStatus string

const (
	CallSuccess CallStatus = "SUCCESS"
	CallError   CallStatus = "ERROR"
)

// Outcome is the terminal disposition of a token. Exactly one exists per
// token by the end of a run (spec §3, §7 invariant 1).
type Outcome string

const (
	OutcomeCompleted        Outcome = "COMPLETED"
	OutcomeRouted           Outcome = "ROUTED"
	OutcomeForked           Outcome = "FORKED"
	OutcomeConsumedInBatch  Outcome = "CONSUMED_IN_BATCH"
	OutcomeCoalesced        Outcome = "COALESCED"
	OutcomeQuarantined      Outcome = "QUARANTINED"
	OutcomeFailed           Outcome = "FAILED"
)

// BatchStatus is the lifecycle state of an aggregation Batch.
type BatchStatus string

const (
	BatchDraft     BatchStatus = "DRAFT"
	BatchExecuting BatchStatus = "EXECUTING"
	BatchCompleted BatchStatus = "COMPLETED"
	BatchFailed    BatchStatus = "FAILED"
)

// ExportStatus tracks the pluggable end-of-run export step.
type ExportStatus string

const (
	ExportPending   ExportStatus = "PENDING"
	ExportRunning   ExportStatus = "RUNNING"
	ExportCompleted ExportStatus = "COMPLETED"
	ExportFailed    ExportStatus = "FAILED"
)

// Run is one invocation of the engine end-to-end.
type Run struct {
	RunID            string
	StartedAt        time.Time
	CompletedAt      *time.Time
	ConfigHash       string
	SettingsJSON     string
	CanonicalVersion string
	Status           RunStatus
	SchemaContractJSON *string
	ExportStatus     *ExportStatus
	ExportError      *string
}

// Node is one DAG vertex within one run.
type Node struct {
	NodeID              string
	RunID               string
	PluginName          string
	NodeType            NodeType
	PluginVersion       string
	Determinism         Determinism
	ConfigHash          string
	ConfigJSON          string
	SchemaHash          *string
	SequenceInPipeline  *int
	SchemaMode          string
	SchemaFieldsJSON    *string
	InputContractJSON   *string
	OutputContractJSON  *string
	RegisteredAt        time.Time
}

// Edge is one DAG connection within one run. Invariant: every
// (FromNodeID, Label) pair resolves to exactly one EdgeID.
type Edge struct {
	EdgeID      string
	RunID       string
	FromNodeID  string
	ToNodeID    string
	Label       string
	DefaultMode EdgeMode
	CreatedAt   time.Time
}

// Row is one source-originated record. Created once by the source executor;
// immutable thereafter.
type Row struct {
	RowID          string
	RunID          string
	SourceNodeID   string
	RowIndex       int
	SourceDataHash string
	CreatedAt      time.Time
}

// Token is the in-flight identity for one row at one DAG position. A row
// may spawn multiple tokens via FORK.
type Token struct {
	TokenID        string
	RowID          string
	CreatedAt      time.Time
	StepInPipeline *int
}

// NodeState is one execution record of one token entering one node, one
// attempt. Field presence is constrained by Status per spec §3's
// required-by-status table; violations are Tier-1 audit-integrity errors.
type NodeState struct {
	StateID            string
	TokenID            string
	NodeID             string
	RunID              string
	StepIndex          int
	Attempt            int
	Status             NodeStateStatus
	InputHash          string
	StartedAt          time.Time
	ContextBeforeJSON  *string
	OutputHash         *string
	DurationMS         *int64
	CompletedAt        *time.Time
	ContextAfterJSON   *string
	ErrorJSON          *string
	SuccessReasonJSON  *string
}

// RoutingEvent records one token's traversal of one edge.
type RoutingEvent struct {
	StateID   string
	EdgeID    string
	Mode      EdgeMode
	ReasonHash *string
	CreatedAt time.Time
}

// Call is one external side-effect record (LLM/HTTP). CallIndex is
// allocated by the recorder and is monotonic per state.
type Call struct {
	CallID       string
	StateID      string
	CallIndex    int
	CallType     CallType
	Status       CallStatus
	RequestHash  string
	ResponseHash *string
	LatencyMS    int64
	CreatedAt    time.Time
	ErrorJSON    *string
}

// Artifact is a durable, content-hashed output written by a sink after
// durable flush.
type Artifact struct {
	ArtifactID      string
	RunID           string
	ProducedByState string
	SinkNodeID      string
	ArtifactType    string
	PathOrURI       string
	ContentHash     string
	SizeBytes       int64
	IdempotencyKey  *string
	CreatedAt       time.Time
}

// TokenOutcome is the terminal disposition of a token; exactly one exists
// per token by the end of a run.
type TokenOutcome struct {
	TokenID   string
	RunID     string
	Outcome   Outcome
	SinkName  *string
	ErrorHash *string
	CreatedAt time.Time
}

// Batch is one aggregation window.
type Batch struct {
	BatchID            string
	RunID              string
	AggregationNodeID  string
	Attempt            int
	Status             BatchStatus
	TriggerType        *string
	TriggerReason      *string
	AggregationStateID *string
	CreatedAt          time.Time
	CompletedAt        *time.Time
}

// BatchMember is one token's membership in a Batch.
type BatchMember struct {
	BatchID string
	TokenID string
	Ordinal int
}

// ValidationError is an append-only record of a quarantined row's contract
// violation.
type ValidationError struct {
	ErrorID   string
	RunID     string
	TokenID   string
	NodeID    string
	Detail    string
	CreatedAt time.Time
}

// TransformError is an append-only record of a transform-level failure.
type TransformError struct {
	ErrorID   string
	RunID     string
	TokenID   string
	NodeID    string
	Detail    string
	CreatedAt time.Time
}

// Checkpoint is a durability marker proving token T has been through node N
// (a sink) and its effects are durable.
type Checkpoint struct {
	CheckpointID     string
	RunID            string
	TokenID          string
	NodeID           string
	SequenceNumber   int64
	GraphFingerprint string
	CreatedAt        time.Time
}

// ResumePoint is the computed result of get_resume_point: everything up to
// and including the checkpointed token is durable; the rest must be
// re-delivered.
type ResumePoint struct {
	Checkpoint       *Checkpoint
	DurableThrough   int64 // sequence_number of last durable checkpoint, 0 if none
}
