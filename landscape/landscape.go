package landscape

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/tachyon-beep/elspeth-sub014/canonical"
	"github.com/tachyon-beep/elspeth-sub014/errs"
)

// Store is the persistence boundary the Recorder writes through. postgres.Store
// is the reference implementation; a test double may implement this directly
// in memory.
type Store interface {
	InsertRun(ctx context.Context, r *Run) error
	UpdateRunStatus(ctx context.Context, runID string, status RunStatus, completedAt *time.Time) error
	UpdateRunSchemaContract(ctx context.Context, runID string, schemaContractJSON string) error
	UpdateRunExportStatus(ctx context.Context, runID string, status ExportStatus, errMsg *string) error
	GetRun(ctx context.Context, runID string) (*Run, error)

	InsertNode(ctx context.Context, n *Node) error
	UpdateNodeOutputContract(ctx context.Context, nodeID, runID, outputContractJSON string) error
	GetNode(ctx context.Context, nodeID, runID string) (*Node, error)
	ListNodes(ctx context.Context, runID string) ([]*Node, error)

	InsertEdge(ctx context.Context, e *Edge) error
	GetEdgeByLabel(ctx context.Context, runID, fromNodeID, label string) (*Edge, error)
	ListEdges(ctx context.Context, runID string) ([]*Edge, error)

	InsertRow(ctx context.Context, r *Row) error
	InsertToken(ctx context.Context, t *Token) error

	InsertNodeStateOpen(ctx context.Context, s *NodeState) error
	CompleteNodeState(ctx context.Context, s *NodeState) error

	NextCallIndex(ctx context.Context, stateID string) (int, error)
	InsertCall(ctx context.Context, c *Call) error

	InsertRoutingEvent(ctx context.Context, ev *RoutingEvent) error
	InsertArtifact(ctx context.Context, a *Artifact) error
	InsertTokenOutcome(ctx context.Context, o *TokenOutcome) error

	InsertBatch(ctx context.Context, b *Batch) error
	UpdateBatchStatus(ctx context.Context, batchID, runID string, status BatchStatus, completedAt *time.Time) error
	LinkBatchAggregationState(ctx context.Context, batchID, runID, stateID string) error
	InsertBatchMembers(ctx context.Context, members []*BatchMember) error

	InsertValidationError(ctx context.Context, e *ValidationError) error
	InsertTransformError(ctx context.Context, e *TransformError) error

	InsertCheckpoint(ctx context.Context, c *Checkpoint) error
	LatestCheckpoint(ctx context.Context, runID string) (*Checkpoint, error)

	NextSequenceNumber(ctx context.Context, runID string) (int64, error)

	EnsureSchema(ctx context.Context) error
}

// PayloadStore is the content-addressed side store for full request/response
// and large node-state payloads (spec §4.3).
type PayloadStore interface {
	Put(ctx context.Context, hash string, data []byte) error
	Get(ctx context.Context, hash string) ([]byte, bool, error)
}

// Recorder is the audit-recorder facade: the only path through which
// executors and the orchestrator touch durable state. It owns call-index
// allocation and payload addressing on top of a pluggable Store.
type Recorder struct {
	store   Store
	payload PayloadStore

	mu          sync.Mutex
	callIndexes map[string]*int64 // stateID -> monotonic counter, in-process fast path
}

// NewRecorder constructs a Recorder. Callers must call EnsureSchema once
// before first use (idempotent schema initialization, spec §4.3).
func NewRecorder(store Store, payload PayloadStore) *Recorder {
	return &Recorder{store: store, payload: payload, callIndexes: make(map[string]*int64)}
}

func (r *Recorder) EnsureSchema(ctx context.Context) error {
	return r.store.EnsureSchema(ctx)
}

// BeginRun seeds canonical_version and config_hash and opens a new Run in
// RUNNING status.
func (r *Recorder) BeginRun(ctx context.Context, settingsJSON string, canonicalVersion string) (*Run, error) {
	configHash, err := canonical.Hash(settingsJSON)
	if err != nil {
		return nil, fmt.Errorf("landscape.BeginRun: hash config: %w", err)
	}
	run := &Run{
		RunID:            "run-" + uuid.NewString(),
		StartedAt:        time.Now().UTC(),
		ConfigHash:       configHash,
		SettingsJSON:     settingsJSON,
		CanonicalVersion: canonicalVersion,
		Status:           RunRunning,
	}
	if err := r.store.InsertRun(ctx, run); err != nil {
		return nil, errs.New("landscape.BeginRun", "landscape", err).WithID(run.RunID)
	}
	return run, nil
}

// CompleteRun transitions a Run to a terminal status and stamps CompletedAt.
func (r *Recorder) CompleteRun(ctx context.Context, runID string, status RunStatus) error {
	if status == RunRunning {
		return errs.New("landscape.CompleteRun", "landscape", errs.ErrInvalidConfiguration).WithID(runID)
	}
	now := time.Now().UTC()
	if err := r.store.UpdateRunStatus(ctx, runID, status, &now); err != nil {
		return errs.New("landscape.CompleteRun", "landscape", err).WithID(runID)
	}
	return nil
}

// UpdateRunSchemaContract persists the run-wide schema contract, embedding
// its own version_hash (spec §3).
func (r *Recorder) UpdateRunSchemaContract(ctx context.Context, runID, schemaContractJSON string) error {
	return r.store.UpdateRunSchemaContract(ctx, runID, schemaContractJSON)
}

// SetExportStatus implements the transition-hygiene rule (spec §4.3): moving
// away from FAILED clears the stale error.
func (r *Recorder) SetExportStatus(ctx context.Context, runID string, status ExportStatus, errMsg *string) error {
	if status != ExportFailed {
		errMsg = nil
	}
	return r.store.UpdateRunExportStatus(ctx, runID, status, errMsg)
}

// RegisterNode records a node's contract and schema-mode audit.
func (r *Recorder) RegisterNode(ctx context.Context, n *Node) error {
	n.RegisteredAt = time.Now().UTC()
	if err := r.store.InsertNode(ctx, n); err != nil {
		return errs.New("landscape.RegisterNode", "landscape", err).WithID(n.NodeID)
	}
	return nil
}

// UpdateNodeOutputContract is the only mutation path for Node.OutputContractJSON,
// used on first-row inference or transform-driven schema evolution.
func (r *Recorder) UpdateNodeOutputContract(ctx context.Context, nodeID, runID, outputContractJSON string) error {
	return r.store.UpdateNodeOutputContract(ctx, nodeID, runID, outputContractJSON)
}

// RegisterEdge enforces (from,label) uniqueness per run.
func (r *Recorder) RegisterEdge(ctx context.Context, e *Edge) error {
	existing, err := r.store.GetEdgeByLabel(ctx, e.RunID, e.FromNodeID, e.Label)
	if err != nil && !errs.IsNotFound(err) {
		return errs.New("landscape.RegisterEdge", "landscape", err)
	}
	if existing != nil {
		return errs.New("landscape.RegisterEdge", "landscape", errs.ErrAlreadyExists).WithID(existing.EdgeID)
	}
	e.CreatedAt = time.Now().UTC()
	if e.EdgeID == "" {
		e.EdgeID = "edge-" + uuid.NewString()
	}
	if err := r.store.InsertEdge(ctx, e); err != nil {
		return errs.New("landscape.RegisterEdge", "landscape", err).WithID(e.EdgeID)
	}
	return nil
}

// CreateRow hashes data via the canonical serializer and records the Row.
func (r *Recorder) CreateRow(ctx context.Context, runID, sourceNodeID string, index int, data interface{}) (*Row, error) {
	hash, err := canonical.Hash(data)
	if err != nil {
		return nil, fmt.Errorf("landscape.CreateRow: hash row: %w", err)
	}
	row := &Row{
		RowID:          "row-" + uuid.NewString(),
		RunID:          runID,
		SourceNodeID:   sourceNodeID,
		RowIndex:       index,
		SourceDataHash: hash,
		CreatedAt:      time.Now().UTC(),
	}
	if err := r.store.InsertRow(ctx, row); err != nil {
		return nil, errs.New("landscape.CreateRow", "landscape", err).WithID(row.RowID)
	}
	return row, nil
}

// CreateToken spawns a new token for a row. A row may spawn multiple tokens
// via FORK.
func (r *Recorder) CreateToken(ctx context.Context, rowID string) (*Token, error) {
	tok := &Token{TokenID: "tok-" + uuid.NewString(), RowID: rowID, CreatedAt: time.Now().UTC()}
	if err := r.store.InsertToken(ctx, tok); err != nil {
		return nil, errs.New("landscape.CreateToken", "landscape", err).WithID(tok.TokenID)
	}
	return tok, nil
}

// BeginNodeState hashes input and opens a node_state with status=OPEN.
func (r *Recorder) BeginNodeState(ctx context.Context, tokenID, nodeID, runID string, stepIndex, attempt int, inputData interface{}) (*NodeState, error) {
	hash, err := canonical.Hash(inputData)
	if err != nil {
		return nil, fmt.Errorf("landscape.BeginNodeState: hash input: %w", err)
	}
	state := &NodeState{
		StateID:   "state-" + uuid.NewString(),
		TokenID:   tokenID,
		NodeID:    nodeID,
		RunID:     runID,
		StepIndex: stepIndex,
		Attempt:   attempt,
		Status:    StateOpen,
		InputHash: hash,
		StartedAt: time.Now().UTC(),
	}
	if err := r.store.InsertNodeStateOpen(ctx, state); err != nil {
		return nil, errs.New("landscape.BeginNodeState", "landscape", err).WithID(state.StateID)
	}
	return state, nil
}

// CompletedFields carries the fields required to close a NodeState, varying
// by terminal status per the required-by-status table in spec §3.
type CompletedFields struct {
	Status            NodeStateStatus
	OutputHash        *string
	DurationMS        int64
	ErrorJSON         *string
	SuccessReasonJSON *string
}

// CompleteNodeState closes an open node_state. It validates the
// required-by-status table itself: a caller supplying an inconsistent
// combination gets an OrchestrationInvariantError rather than a row that
// would later trip a Tier-1 audit-integrity check on read.
func (r *Recorder) CompleteNodeState(ctx context.Context, stateID string, f CompletedFields) error {
	if f.Status != StateCompleted && f.Status != StateFailed {
		return errs.New("landscape.CompleteNodeState", "landscape", errs.ErrInvalidConfiguration).WithID(stateID)
	}
	if f.Status == StateCompleted && f.OutputHash == nil {
		return &errs.OrchestrationInvariantError{Detail: fmt.Sprintf("node_state %s completed without output_hash", stateID)}
	}
	if f.Status == StateFailed && f.ErrorJSON == nil {
		return &errs.OrchestrationInvariantError{Detail: fmt.Sprintf("node_state %s failed without error_json", stateID)}
	}

	now := time.Now().UTC()
	s := &NodeState{
		StateID:           stateID,
		Status:            f.Status,
		OutputHash:        f.OutputHash,
		DurationMS:        &f.DurationMS,
		CompletedAt:       &now,
		ErrorJSON:         f.ErrorJSON,
		SuccessReasonJSON: f.SuccessReasonJSON,
	}
	if err := r.store.CompleteNodeState(ctx, s); err != nil {
		return errs.New("landscape.CompleteNodeState", "landscape", err).WithID(stateID)
	}
	return nil
}

// AllocateCallIndex returns the next monotonic call index for a state. The
// recorder is the sole allocator; callers may never supply their own index.
func (r *Recorder) AllocateCallIndex(ctx context.Context, stateID string) (int, error) {
	r.mu.Lock()
	counter, ok := r.callIndexes[stateID]
	if !ok {
		counter = new(int64)
		r.callIndexes[stateID] = counter
	}
	r.mu.Unlock()

	// The in-process counter serves same-process concurrent callers cheaply;
	// the store is still the durable source of truth for cross-process runs.
	next := atomic.AddInt64(counter, 1) - 1
	storeIndex, err := r.store.NextCallIndex(ctx, stateID)
	if err != nil {
		return 0, errs.New("landscape.AllocateCallIndex", "landscape", err).WithID(stateID)
	}
	if int64(storeIndex) > next {
		return storeIndex, nil
	}
	return int(next), nil
}

// RecordCall hashes payloads, stores them in the payload store, and writes
// the Call row (which carries only the hashes).
func (r *Recorder) RecordCall(ctx context.Context, stateID string, callIndex int, callType CallType, status CallStatus, requestData interface{}, responseData interface{}, errJSON *string, latencyMS int64) (*Call, error) {
	requestHash, err := canonical.Hash(requestData)
	if err != nil {
		return nil, fmt.Errorf("landscape.RecordCall: hash request: %w", err)
	}
	requestBytes, err := canonical.Marshal(requestData)
	if err != nil {
		return nil, fmt.Errorf("landscape.RecordCall: marshal request: %w", err)
	}
	if err := r.payload.Put(ctx, requestHash, requestBytes); err != nil {
		return nil, errs.New("landscape.RecordCall", "landscape", err).WithID(stateID)
	}

	call := &Call{
		CallID:      "call-" + uuid.NewString(),
		StateID:     stateID,
		CallIndex:   callIndex,
		CallType:    callType,
		Status:      status,
		RequestHash: requestHash,
		LatencyMS:   latencyMS,
		CreatedAt:   time.Now().UTC(),
		ErrorJSON:   errJSON,
	}

	if status == CallSuccess {
		responseHash, err := canonical.Hash(responseData)
		if err != nil {
			return nil, fmt.Errorf("landscape.RecordCall: hash response: %w", err)
		}
		responseBytes, err := canonical.Marshal(responseData)
		if err != nil {
			return nil, fmt.Errorf("landscape.RecordCall: marshal response: %w", err)
		}
		if err := r.payload.Put(ctx, responseHash, responseBytes); err != nil {
			return nil, errs.New("landscape.RecordCall", "landscape", err).WithID(stateID)
		}
		call.ResponseHash = &responseHash
	}

	if err := r.store.InsertCall(ctx, call); err != nil {
		return nil, errs.New("landscape.RecordCall", "landscape", err).WithID(call.CallID)
	}
	return call, nil
}

// RecordRoutingEvent records one token's traversal of one edge. For DIVERT
// edges the reason dict is canonically hashed and stored separately.
func (r *Recorder) RecordRoutingEvent(ctx context.Context, stateID, edgeID string, mode EdgeMode, reason interface{}) error {
	ev := &RoutingEvent{StateID: stateID, EdgeID: edgeID, Mode: mode, CreatedAt: time.Now().UTC()}
	if reason != nil {
		hash, err := canonical.Hash(reason)
		if err != nil {
			return fmt.Errorf("landscape.RecordRoutingEvent: hash reason: %w", err)
		}
		data, err := canonical.Marshal(reason)
		if err != nil {
			return fmt.Errorf("landscape.RecordRoutingEvent: marshal reason: %w", err)
		}
		if err := r.payload.Put(ctx, hash, data); err != nil {
			return errs.New("landscape.RecordRoutingEvent", "landscape", err).WithID(stateID)
		}
		ev.ReasonHash = &hash
	}
	if err := r.store.InsertRoutingEvent(ctx, ev); err != nil {
		return errs.New("landscape.RecordRoutingEvent", "landscape", err).WithID(stateID)
	}
	return nil
}

// RegisterArtifact must only be called after a sink's durable flush has
// succeeded.
func (r *Recorder) RegisterArtifact(ctx context.Context, a *Artifact) error {
	a.CreatedAt = time.Now().UTC()
	if a.ArtifactID == "" {
		a.ArtifactID = "artifact-" + uuid.NewString()
	}
	if err := r.store.InsertArtifact(ctx, a); err != nil {
		return errs.New("landscape.RegisterArtifact", "landscape", err).WithID(a.ArtifactID)
	}
	return nil
}

// RecordTokenOutcome records the single terminal disposition of a token.
// Callers (executors) are responsible for calling this exactly once per
// token; the store does not itself enforce uniqueness beyond a primary key
// on token_id.
func (r *Recorder) RecordTokenOutcome(ctx context.Context, runID, tokenID string, outcome Outcome, sinkName, errorHash *string) error {
	o := &TokenOutcome{
		TokenID:   tokenID,
		RunID:     runID,
		Outcome:   outcome,
		SinkName:  sinkName,
		ErrorHash: errorHash,
		CreatedAt: time.Now().UTC(),
	}
	if err := r.store.InsertTokenOutcome(ctx, o); err != nil {
		return errs.New("landscape.RecordTokenOutcome", "landscape", err).WithID(tokenID)
	}
	return nil
}

// RecordValidationError appends a quarantine diagnostic row.
func (r *Recorder) RecordValidationError(ctx context.Context, runID, tokenID, nodeID, detail string) error {
	e := &ValidationError{ErrorID: "verr-" + uuid.NewString(), RunID: runID, TokenID: tokenID, NodeID: nodeID, Detail: detail, CreatedAt: time.Now().UTC()}
	return r.store.InsertValidationError(ctx, e)
}

// RecordTransformError appends a transform-level failure row.
func (r *Recorder) RecordTransformError(ctx context.Context, runID, tokenID, nodeID, detail string) error {
	e := &TransformError{ErrorID: "terr-" + uuid.NewString(), RunID: runID, TokenID: tokenID, NodeID: nodeID, Detail: detail, CreatedAt: time.Now().UTC()}
	return r.store.InsertTransformError(ctx, e)
}

// BeginBatch opens a DRAFT batch for an aggregation window, keyed on its
// first member token and attempt number so a retry (spec §3: "copy members
// to a fresh batch with incremented attempt") never collides with the batch
// it is retrying.
func (r *Recorder) BeginBatch(ctx context.Context, runID, aggregationNodeID, firstMemberTokenID string, attempt int, triggerType, triggerReason *string) (*Batch, error) {
	b := &Batch{
		BatchID:           fmt.Sprintf("batch-%s-%d", firstMemberTokenID, attempt),
		RunID:             runID,
		AggregationNodeID: aggregationNodeID,
		Attempt:           attempt,
		Status:            BatchDraft,
		TriggerType:       triggerType,
		TriggerReason:     triggerReason,
		CreatedAt:         time.Now().UTC(),
	}
	if err := r.store.InsertBatch(ctx, b); err != nil {
		return nil, errs.New("landscape.BeginBatch", "landscape", err).WithID(b.BatchID)
	}
	return b, nil
}

// RecordBatchMembers records a batch's membership in submission order.
func (r *Recorder) RecordBatchMembers(ctx context.Context, batchID string, tokenIDs []string) error {
	members := make([]*BatchMember, len(tokenIDs))
	for i, tokenID := range tokenIDs {
		members[i] = &BatchMember{BatchID: batchID, TokenID: tokenID, Ordinal: i}
	}
	if err := r.store.InsertBatchMembers(ctx, members); err != nil {
		return errs.New("landscape.RecordBatchMembers", "landscape", err).WithID(batchID)
	}
	return nil
}

// TransitionBatch moves a batch to EXECUTING/COMPLETED/FAILED. completedAt
// should be set only on the two terminal statuses.
func (r *Recorder) TransitionBatch(ctx context.Context, batchID, runID string, status BatchStatus, completedAt *time.Time) error {
	if err := r.store.UpdateBatchStatus(ctx, batchID, runID, status, completedAt); err != nil {
		return errs.New("landscape.TransitionBatch", "landscape", err).WithID(batchID)
	}
	return nil
}

// LinkBatchAggregationState records which node_state the batch's aggregation
// invocation was opened against (spec §4.5: "records the aggregation
// node_state against the first member token").
func (r *Recorder) LinkBatchAggregationState(ctx context.Context, batchID, runID, stateID string) error {
	if err := r.store.LinkBatchAggregationState(ctx, batchID, runID, stateID); err != nil {
		return errs.New("landscape.LinkBatchAggregationState", "landscape", err).WithID(batchID)
	}
	return nil
}

// Nodes/Edges expose read access needed to rebuild the graph on resume.
func (r *Recorder) ListNodes(ctx context.Context, runID string) ([]*Node, error) { return r.store.ListNodes(ctx, runID) }
func (r *Recorder) ListEdges(ctx context.Context, runID string) ([]*Edge, error) { return r.store.ListEdges(ctx, runID) }
func (r *Recorder) GetRun(ctx context.Context, runID string) (*Run, error)       { return r.store.GetRun(ctx, runID) }

// PayloadFor retrieves a previously stored payload by its stable hash.
func (r *Recorder) PayloadFor(ctx context.Context, hash string) ([]byte, bool, error) {
	return r.payload.Get(ctx, hash)
}

// newCheckpointID mints a "cp-" + 32 lowercase hex identifier (spec §4.8).
func newCheckpointID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("landscape.newCheckpointID: %w", err)
	}
	return "cp-" + hex.EncodeToString(buf), nil
}

// RecordCheckpoint allocates the run's next sequence number and writes a
// durability marker proving tokenID has been through nodeID (a sink) and its
// effects are durable. Callers must only invoke this after that sink's
// write+flush has already succeeded (spec §4.5 step 10, §4.8).
func (r *Recorder) RecordCheckpoint(ctx context.Context, runID, tokenID, nodeID, graphFingerprint string) (*Checkpoint, error) {
	seq, err := r.store.NextSequenceNumber(ctx, runID)
	if err != nil {
		return nil, errs.New("landscape.RecordCheckpoint", "landscape", err).WithID(runID)
	}
	id, err := newCheckpointID()
	if err != nil {
		return nil, err
	}
	cp := &Checkpoint{
		CheckpointID:     id,
		RunID:            runID,
		TokenID:          tokenID,
		NodeID:           nodeID,
		SequenceNumber:   seq,
		GraphFingerprint: graphFingerprint,
		CreatedAt:        time.Now().UTC(),
	}
	if err := r.store.InsertCheckpoint(ctx, cp); err != nil {
		return nil, errs.New("landscape.RecordCheckpoint", "landscape", err).WithID(cp.CheckpointID)
	}
	return cp, nil
}

// LatestCheckpoint returns the run's most recent durability marker, or nil if
// none has been written yet.
func (r *Recorder) LatestCheckpoint(ctx context.Context, runID string) (*Checkpoint, error) {
	return r.store.LatestCheckpoint(ctx, runID)
}
