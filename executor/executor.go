// Package executor implements the per-node-kind executors (component E): the
// shared audit discipline every plugin invocation goes through regardless of
// node kind, plus the kind-specific wrinkles (source row/token creation, sink
// flush-before-close, aggregation/coalesce batch amortization).
//
// Grounded on orchestration/executor.go's shape (a struct wrapping plugin
// dispatch behind Set*-configured hooks, a single internal Execute/executeStep
// entry point, typed StepResult outputs) generalized from the teacher's
// tool/capability dispatch to the plugin interfaces in package plugin, and on
// ai/client.go for the monotonic-timing-around-a-single-call pattern.
package executor

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tachyon-beep/elspeth-sub014/canonical"
	"github.com/tachyon-beep/elspeth-sub014/contract"
	"github.com/tachyon-beep/elspeth-sub014/errs"
	"github.com/tachyon-beep/elspeth-sub014/landscape"
	"github.com/tachyon-beep/elspeth-sub014/plugin"
)

// TokenInput pairs a token with the row it carries into a node.
type TokenInput struct {
	Token *landscape.Token
	Row   *contract.PipelineRow
}

// PendingOutcome is the orchestrator's pre-computed terminal disposition for
// a token passing through a sink, carried in (e.g. a quarantined row is
// always QUARANTINED regardless of what the sink plugin itself reports).
type PendingOutcome struct {
	TokenID   string
	Outcome   landscape.Outcome
	ErrorHash *string
}

// CheckpointFunc is the optional post-flush checkpoint callback (spec §4.5
// step 10). A failure here is logged and the run continues; the sink write
// cannot be rolled back, so resume will re-deliver the row (at-least-once).
type CheckpointFunc func(ctx context.Context, tokenID string) error

// Logger is the minimal sink for the checkpoint-failure log-and-continue
// path.
type Logger interface {
	Error(msg string, fields map[string]interface{})
}

type openState struct {
	token *landscape.Token
	state *landscape.NodeState
}

// base is embedded by every concrete executor; it carries the shared audit
// plumbing (spec §4.5's universal contract, steps 1-6, 8) so each concrete
// executor only implements the kind-specific wrinkle.
type base struct {
	recorder *landscape.Recorder
	logger   Logger
	tracer   trace.Tracer
}

func newBase(recorder *landscape.Recorder, logger Logger) base {
	return base{recorder: recorder, logger: logger, tracer: otel.Tracer("elspeth/executor")}
}

// beginStates opens a NodeState per token (step 2), requiring nodeID to be
// set first (step 1).
func (b *base) beginStates(ctx context.Context, nodeID, runID string, stepIndex int, inputs []TokenInput) ([]openState, error) {
	if nodeID == "" {
		return nil, &errs.OrchestrationInvariantError{Detail: "executor invoked without node_id set"}
	}
	states := make([]openState, 0, len(inputs))
	for _, in := range inputs {
		st, err := b.recorder.BeginNodeState(ctx, in.Token.TokenID, nodeID, runID, stepIndex, 0, in.Row.Map())
		if err != nil {
			return nil, fmt.Errorf("executor.beginStates: %w", err)
		}
		states = append(states, openState{token: in.Token, state: st})
	}
	return states, nil
}

// completeAllFailed closes every opened state as FAILED with a per-token
// amortized duration (step 6).
func (b *base) completeAllFailed(ctx context.Context, states []openState, elapsed time.Duration, errType, message, phase string) {
	n := int64(len(states))
	if n == 0 {
		return
	}
	amortized := elapsed.Milliseconds() / n
	errJSON := fmt.Sprintf(`{"type":%q,"message":%q`, errType, message)
	if phase != "" {
		errJSON += fmt.Sprintf(`,"phase":%q`, phase)
	}
	errJSON += "}"
	for _, s := range states {
		if err := b.recorder.CompleteNodeState(ctx, s.state.StateID, landscape.CompletedFields{
			Status:     landscape.StateFailed,
			DurationMS: amortized,
			ErrorJSON:  &errJSON,
		}); err != nil && b.logger != nil {
			b.logger.Error("executor: failed to close failed state", map[string]interface{}{"state_id": s.state.StateID, "error": err.Error()})
		}
	}
}

// completeAllSuccess closes every opened state as COMPLETED with a
// per-token amortized duration and the given output hash (step 8).
func (b *base) completeAllSuccess(ctx context.Context, states []openState, elapsed time.Duration, outputHash string, successReasonJSON *string) error {
	n := int64(len(states))
	if n == 0 {
		return nil
	}
	amortized := elapsed.Milliseconds() / n
	for _, s := range states {
		if err := b.recorder.CompleteNodeState(ctx, s.state.StateID, landscape.CompletedFields{
			Status:            landscape.StateCompleted,
			OutputHash:        &outputHash,
			DurationMS:        amortized,
			SuccessReasonJSON: successReasonJSON,
		}); err != nil {
			return fmt.Errorf("executor.completeAllSuccess: %w", err)
		}
	}
	return nil
}

// SourceExecutor drives a plugin.Source, creating a Row and Token for each
// emitted record.
type SourceExecutor struct {
	base
}

func NewSourceExecutor(recorder *landscape.Recorder, logger Logger) *SourceExecutor {
	return &SourceExecutor{base: newBase(recorder, logger)}
}

// Emitted is one source-originated record ready to enter the DAG: either a
// valid row carrying a token, or a quarantined row pre-destined for its
// error sink with a pre-computed QUARANTINED outcome.
type Emitted struct {
	Row             *landscape.Row
	Token           *landscape.Token
	PipelineRow     *contract.PipelineRow
	IsQuarantined   bool
	QuarantinedData map[string]interface{}
	Error           string
	Destination     string
}

// Emit materializes one plugin.SourceRow into its Row/Token audit records.
func (e *SourceExecutor) Emit(ctx context.Context, runID, nodeID string, index int, sr plugin.SourceRow) (Emitted, error) {
	if sr.IsQuarantined {
		row, err := e.recorder.CreateRow(ctx, runID, nodeID, index, sr.RawData)
		if err != nil {
			return Emitted{}, err
		}
		tok, err := e.recorder.CreateToken(ctx, row.RowID)
		if err != nil {
			return Emitted{}, err
		}
		return Emitted{Row: row, Token: tok, IsQuarantined: true, QuarantinedData: sr.RawData, Error: sr.Error, Destination: sr.Destination}, nil
	}

	row, err := e.recorder.CreateRow(ctx, runID, nodeID, index, sr.RowData.Map())
	if err != nil {
		return Emitted{}, err
	}
	tok, err := e.recorder.CreateToken(ctx, row.RowID)
	if err != nil {
		return Emitted{}, err
	}
	return Emitted{Row: row, Token: tok, PipelineRow: sr.RowData}, nil
}

// TransformExecutor invokes a plugin.Transform under the universal audit
// discipline.
type TransformExecutor struct {
	base
}

func NewTransformExecutor(recorder *landscape.Recorder, logger Logger) *TransformExecutor {
	return &TransformExecutor{base: newBase(recorder, logger)}
}

// Execute runs transform over one token/row, opening and closing its
// NodeState per the universal contract.
func (e *TransformExecutor) Execute(ctx context.Context, pc *plugin.Context, nodeID string, stepIndex int, input TokenInput, transform plugin.Transform) (plugin.TransformResult, error) {
	states, err := e.beginStates(ctx, nodeID, pc.RunID, stepIndex, []TokenInput{input})
	if err != nil {
		return plugin.TransformResult{}, err
	}

	pc.ClearOperation()
	pc.NodeID = nodeID
	pc.StateID = states[0].state.StateID

	ctx, span := e.tracer.Start(ctx, "executor.Transform", trace.WithAttributes(
		attribute.String("elspeth.node_id", nodeID),
		attribute.String("elspeth.plugin", transform.Name()),
	))
	defer span.End()

	start := time.Now()
	result, err := transform.Process(ctx, pc, input.Row)
	elapsed := time.Since(start)

	if err != nil {
		e.completeAllFailed(ctx, states, elapsed, fmt.Sprintf("%T", err), err.Error(), "")
		return plugin.TransformResult{}, err
	}
	if result.Err != nil {
		e.completeAllFailed(ctx, states, elapsed, fmt.Sprintf("%T", result.Err), result.Err.Error(), "")
		return result, nil
	}

	outputHash, err := outputHashOf(result.Row)
	if err != nil {
		e.completeAllFailed(ctx, states, elapsed, "HashError", err.Error(), "")
		return plugin.TransformResult{}, err
	}
	reasonJSON, err := reasonJSON(result.SuccessReason)
	if err != nil {
		return plugin.TransformResult{}, err
	}
	if err := e.completeAllSuccess(ctx, states, elapsed, outputHash, reasonJSON); err != nil {
		return plugin.TransformResult{}, err
	}
	return result, nil
}

// GateExecutor invokes a plugin.Gate under the universal audit discipline.
type GateExecutor struct {
	base
}

func NewGateExecutor(recorder *landscape.Recorder, logger Logger) *GateExecutor {
	return &GateExecutor{base: newBase(recorder, logger)}
}

func (e *GateExecutor) Execute(ctx context.Context, pc *plugin.Context, nodeID string, stepIndex int, input TokenInput, gate plugin.Gate) (plugin.GateResult, error) {
	states, err := e.beginStates(ctx, nodeID, pc.RunID, stepIndex, []TokenInput{input})
	if err != nil {
		return plugin.GateResult{}, err
	}

	pc.ClearOperation()
	pc.NodeID = nodeID
	pc.StateID = states[0].state.StateID

	ctx, span := e.tracer.Start(ctx, "executor.Gate", trace.WithAttributes(
		attribute.String("elspeth.node_id", nodeID),
		attribute.String("elspeth.plugin", gate.Name()),
	))
	defer span.End()

	start := time.Now()
	result, err := gate.Evaluate(ctx, pc, input.Row)
	elapsed := time.Since(start)

	if err != nil {
		e.completeAllFailed(ctx, states, elapsed, fmt.Sprintf("%T", err), err.Error(), "")
		return plugin.GateResult{}, err
	}
	if result.Err != nil {
		e.completeAllFailed(ctx, states, elapsed, fmt.Sprintf("%T", result.Err), result.Err.Error(), "")
		return result, nil
	}

	row := result.Row
	if row == nil {
		row = input.Row
	}
	outputHash, err := outputHashOf(row)
	if err != nil {
		e.completeAllFailed(ctx, states, elapsed, "HashError", err.Error(), "")
		return plugin.GateResult{}, err
	}
	reasonJSON, err := reasonJSON(result.SuccessReason)
	if err != nil {
		return plugin.GateResult{}, err
	}
	if err := e.completeAllSuccess(ctx, states, elapsed, outputHash, reasonJSON); err != nil {
		return plugin.GateResult{}, err
	}
	return result, nil
}

// SinkExecutor writes a batch of tokens to a plugin.Sink, forcing durability
// via flush before any state closes (spec §4.5 step 7, the linchpin of
// durable-before-checkpoint ordering).
type SinkExecutor struct {
	base
}

func NewSinkExecutor(recorder *landscape.Recorder, logger Logger) *SinkExecutor {
	return &SinkExecutor{base: newBase(recorder, logger)}
}

// Execute writes every input's row to sink, flushes, closes all states,
// registers one artifact (linked to the first state), records each token's
// terminal outcome from outcomes, and invokes checkpointFn per token after
// the flush succeeds. checkpointFn may be nil.
func (e *SinkExecutor) Execute(ctx context.Context, pc *plugin.Context, nodeID string, stepIndex int, inputs []TokenInput, sink plugin.Sink, outcomes []PendingOutcome, checkpointFn CheckpointFunc) error {
	states, err := e.beginStates(ctx, nodeID, pc.RunID, stepIndex, inputs)
	if err != nil {
		return err
	}

	pc.ClearOperation()
	pc.NodeID = nodeID

	ctx, span := e.tracer.Start(ctx, "executor.Sink", trace.WithAttributes(
		attribute.String("elspeth.node_id", nodeID),
		attribute.String("elspeth.plugin", sink.Name()),
	))
	defer span.End()

	start := time.Now()
	for i, in := range inputs {
		pc.StateID = states[i].state.StateID
		if err := sink.Write(ctx, pc, in.Row); err != nil {
			e.completeAllFailed(ctx, states, time.Since(start), fmt.Sprintf("%T", err), err.Error(), "write")
			return err
		}
	}

	if err := sink.Flush(); err != nil {
		e.completeAllFailed(ctx, states, time.Since(start), fmt.Sprintf("%T", err), err.Error(), "flush")
		return err
	}
	elapsed := time.Since(start)

	outputHash, err := outputHashOf(inputs[len(inputs)-1].Row)
	if err != nil {
		return err
	}
	if err := e.completeAllSuccess(ctx, states, elapsed, outputHash, nil); err != nil {
		return err
	}

	desc := sink.Describe()
	if err := e.recorder.RegisterArtifact(ctx, &landscape.Artifact{
		RunID:           pc.RunID,
		ProducedByState: states[0].state.StateID,
		SinkNodeID:      nodeID,
		ArtifactType:    desc.ArtifactType,
		PathOrURI:       desc.PathOrURI,
		ContentHash:     desc.ContentHash,
		SizeBytes:       desc.SizeBytes,
	}); err != nil {
		return err
	}

	byToken := make(map[string]PendingOutcome, len(outcomes))
	for _, o := range outcomes {
		byToken[o.TokenID] = o
	}
	sinkName := sink.Name()
	for _, s := range states {
		outcome := landscape.OutcomeCompleted
		var errorHash *string
		if po, ok := byToken[s.token.TokenID]; ok {
			outcome = po.Outcome
			errorHash = po.ErrorHash
		}
		if err := e.recorder.RecordTokenOutcome(ctx, pc.RunID, s.token.TokenID, outcome, &sinkName, errorHash); err != nil {
			return err
		}
		if checkpointFn != nil {
			if err := checkpointFn(ctx, s.token.TokenID); err != nil && e.logger != nil {
				e.logger.Error("executor: checkpoint callback failed after durable flush", map[string]interface{}{
					"token_id": s.token.TokenID,
					"error":    err.Error(),
				})
			}
		}
	}
	return nil
}

// AggregationExecutor flushes a batch whose members the orchestrator has
// already accumulated: it opens one node_state per member token, records the
// aggregation against the first member's state, and amortizes duration
// across all members. It holds no per-batch state of its own; member
// buffering and the Batch lifecycle live in the orchestrator.
type AggregationExecutor struct {
	base
}

func NewAggregationExecutor(recorder *landscape.Recorder, logger Logger) *AggregationExecutor {
	return &AggregationExecutor{base: newBase(recorder, logger)}
}

// Flush closes out a triggered batch: on success every member except the
// first receives CONSUMED_IN_BATCH (not FAILED); the first member's token
// carries the aggregated row onward.
func (e *AggregationExecutor) Flush(ctx context.Context, pc *plugin.Context, nodeID string, stepIndex int, members []TokenInput, agg plugin.Aggregation, batchID string) (plugin.TransformResult, error) {
	states, err := e.beginStates(ctx, nodeID, pc.RunID, stepIndex, members)
	if err != nil {
		return plugin.TransformResult{}, err
	}
	if err := e.recorder.LinkBatchAggregationState(ctx, batchID, pc.RunID, states[0].state.StateID); err != nil {
		return plugin.TransformResult{}, err
	}

	pc.ClearOperation()
	pc.NodeID = nodeID
	pc.StateID = states[0].state.StateID

	ctx, span := e.tracer.Start(ctx, "executor.Aggregation", trace.WithAttributes(
		attribute.String("elspeth.node_id", nodeID),
		attribute.String("elspeth.plugin", agg.Name()),
		attribute.String("elspeth.batch_id", batchID),
	))
	defer span.End()

	start := time.Now()
	result, err := agg.Flush(ctx, pc)
	elapsed := time.Since(start)

	if err != nil {
		e.completeAllFailed(ctx, states, elapsed, fmt.Sprintf("%T", err), err.Error(), "")
		return plugin.TransformResult{}, err
	}
	if result.Err != nil {
		e.completeAllFailed(ctx, states, elapsed, fmt.Sprintf("%T", result.Err), result.Err.Error(), "")
		return result, nil
	}

	outputHash, err := outputHashOf(result.Row)
	if err != nil {
		e.completeAllFailed(ctx, states, elapsed, "HashError", err.Error(), "")
		return plugin.TransformResult{}, err
	}
	reasonJSON, err := reasonJSON(result.SuccessReason)
	if err != nil {
		return plugin.TransformResult{}, err
	}
	if err := e.completeAllSuccess(ctx, states, elapsed, outputHash, reasonJSON); err != nil {
		return plugin.TransformResult{}, err
	}

	for _, s := range states[1:] {
		if err := e.recorder.RecordTokenOutcome(ctx, pc.RunID, s.token.TokenID, landscape.OutcomeConsumedInBatch, nil, nil); err != nil {
			return plugin.TransformResult{}, err
		}
	}
	return result, nil
}

// CoalesceExecutor merges forked token paths back into a single stream.
type CoalesceExecutor struct {
	base
}

func NewCoalesceExecutor(recorder *landscape.Recorder, logger Logger) *CoalesceExecutor {
	return &CoalesceExecutor{base: newBase(recorder, logger)}
}

func (e *CoalesceExecutor) Execute(ctx context.Context, pc *plugin.Context, nodeID string, stepIndex int, members []TokenInput, coalesce plugin.Coalesce) (plugin.TransformResult, error) {
	states, err := e.beginStates(ctx, nodeID, pc.RunID, stepIndex, members)
	if err != nil {
		return plugin.TransformResult{}, err
	}

	pc.ClearOperation()
	pc.NodeID = nodeID
	pc.StateID = states[0].state.StateID

	ctx, span := e.tracer.Start(ctx, "executor.Coalesce", trace.WithAttributes(
		attribute.String("elspeth.node_id", nodeID),
		attribute.String("elspeth.plugin", coalesce.Name()),
	))
	defer span.End()

	rows := make([]*contract.PipelineRow, len(members))
	for i, m := range members {
		rows[i] = m.Row
	}

	start := time.Now()
	result, err := coalesce.Merge(ctx, pc, rows)
	elapsed := time.Since(start)

	if err != nil {
		e.completeAllFailed(ctx, states, elapsed, fmt.Sprintf("%T", err), err.Error(), "")
		return plugin.TransformResult{}, err
	}
	if result.Err != nil {
		e.completeAllFailed(ctx, states, elapsed, fmt.Sprintf("%T", result.Err), result.Err.Error(), "")
		return result, nil
	}

	outputHash, err := outputHashOf(result.Row)
	if err != nil {
		e.completeAllFailed(ctx, states, elapsed, "HashError", err.Error(), "")
		return plugin.TransformResult{}, err
	}
	reasonJSON, err := reasonJSON(result.SuccessReason)
	if err != nil {
		return plugin.TransformResult{}, err
	}
	if err := e.completeAllSuccess(ctx, states, elapsed, outputHash, reasonJSON); err != nil {
		return plugin.TransformResult{}, err
	}

	for _, s := range states[1:] {
		if err := e.recorder.RecordTokenOutcome(ctx, pc.RunID, s.token.TokenID, landscape.OutcomeCoalesced, nil, nil); err != nil {
			return plugin.TransformResult{}, err
		}
	}
	return result, nil
}

func outputHashOf(row *contract.PipelineRow) (string, error) {
	if row == nil {
		return canonical.Hash(nil)
	}
	return canonical.Hash(row.Map())
}

func reasonJSON(reason map[string]interface{}) (*string, error) {
	if reason == nil {
		return nil, nil
	}
	data, err := canonical.Marshal(reason)
	if err != nil {
		return nil, fmt.Errorf("executor: marshal success reason: %w", err)
	}
	s := string(data)
	return &s, nil
}
