// Package orchestrator implements component G: the single driver that walks
// each token through the execution graph one node at a time, delegating to
// the appropriate executor and honoring per-node error policy.
//
// Grounded on orchestration/orchestrator.go's AIOrchestrator shape (a struct
// holding a graph-like plan plus Set*-configured collaborators, a single
// ExecutePlan entry point, and a RunStatus-equivalent metrics/history
// tracker), narrowed from that file's LLM-planning loop to the strictly
// linear, single-threaded DAG walk spec §4.7 and §5 call for.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/tachyon-beep/elspeth-sub014/checkpoint"
	"github.com/tachyon-beep/elspeth-sub014/contract"
	"github.com/tachyon-beep/elspeth-sub014/errs"
	"github.com/tachyon-beep/elspeth-sub014/executor"
	"github.com/tachyon-beep/elspeth-sub014/graph"
	"github.com/tachyon-beep/elspeth-sub014/landscape"
	"github.com/tachyon-beep/elspeth-sub014/plugin"
)

// OnError is a node's configured policy for a TRANSFORM/GATE plugin error.
type OnError string

const (
	OnErrorRoute   OnError = "route"   // divert to the node's configured error sink
	OnErrorDiscard OnError = "discard" // no downstream state, but the error event is still audited
	OnErrorRaise   OnError = "raise"   // propagate and fail the run
)

// NodePlugin binds a graph node to the concrete plugin instance and error
// policy the orchestrator drives it with.
type NodePlugin struct {
	Transform    plugin.Transform
	Gate         plugin.Gate
	Sink         plugin.Sink
	Aggregation  plugin.Aggregation
	Coalesce     plugin.Coalesce
	OnError      OnError
	ErrorEdge    string // edge label the DIVERT routes to when OnError == route
}

// Logger is the minimal sink used for discard-path and checkpoint-callback
// diagnostics.
type Logger interface {
	Error(msg string, fields map[string]interface{})
	Info(msg string, fields map[string]interface{})
}

// Exporter performs the pluggable end-of-run export step.
type Exporter interface {
	Export(ctx context.Context, runID string) error
}

// Orchestrator drives one run's tokens through a Graph.
type Orchestrator struct {
	graph       *graph.Graph
	recorder    *landscape.Recorder
	logger      Logger
	exporter    Exporter
	checkpoints *checkpoint.Checkpointer

	sourceExec *executor.SourceExecutor
	xformExec  *executor.TransformExecutor
	gateExec   *executor.GateExecutor
	sinkExec   *executor.SinkExecutor
	aggExec    *executor.AggregationExecutor
	coalExec   *executor.CoalesceExecutor

	nodes map[string]NodePlugin

	// aggBuffers holds the in-flight members of each aggregation node's
	// current batch. The orchestrator is single-threaded per run (spec
	// §4.7), so this needs no locking.
	aggBuffers map[string][]executor.TokenInput

	// aggAttempts tracks the next Batch attempt number per aggregation node,
	// incremented on a FAILED flush and reset to 0 after a COMPLETED one.
	aggAttempts map[string]int
}

// New constructs an Orchestrator. g must already have AssignSteps called.
func New(g *graph.Graph, recorder *landscape.Recorder, logger Logger, exporter Exporter) *Orchestrator {
	return &Orchestrator{
		graph:      g,
		recorder:   recorder,
		logger:     logger,
		exporter:   exporter,
		sourceExec: executor.NewSourceExecutor(recorder, logger),
		xformExec:  executor.NewTransformExecutor(recorder, logger),
		gateExec:   executor.NewGateExecutor(recorder, logger),
		sinkExec:   executor.NewSinkExecutor(recorder, logger),
		aggExec:    executor.NewAggregationExecutor(recorder, logger),
		coalExec:   executor.NewCoalesceExecutor(recorder, logger),
		nodes:       make(map[string]NodePlugin),
		aggBuffers:  make(map[string][]executor.TokenInput),
		aggAttempts: make(map[string]int),
	}
}

// Bind associates a graph node id with the plugin instance that implements
// it.
func (o *Orchestrator) Bind(nodeID string, np NodePlugin) {
	o.nodes[nodeID] = np
}

// SetCheckpointer wires a checkpoint.Checkpointer so every sink write is
// followed by a durability marker (spec §4.8). Without one, sinks still
// write and flush durably; they simply aren't resumable.
func (o *Orchestrator) SetCheckpointer(c *checkpoint.Checkpointer) {
	o.checkpoints = c
}

// checkpointFuncFor returns the post-flush checkpoint callback for a sink
// node, or nil if no Checkpointer is configured.
func (o *Orchestrator) checkpointFuncFor(runID, nodeID string) executor.CheckpointFunc {
	if o.checkpoints == nil {
		return nil
	}
	return o.checkpoints.For(runID, nodeID)
}

// TokenPath is one token's current position as it moves through the DAG.
type TokenPath struct {
	Token *landscape.Token
	Row   *contract.PipelineRow
}

// RunSource drains a plugin.Source, creating the Row/Token audit records for
// each emitted record and starting each non-quarantined row's walk at the
// source's single outbound edge. Quarantined rows are routed directly to
// their declared destination sink with a pre-computed QUARANTINED outcome.
func (o *Orchestrator) RunSource(ctx context.Context, pc *plugin.Context, src plugin.Source, sourceNodeID string) error {
	pc.NodeID = sourceNodeID
	if err := src.OnStart(ctx, pc); err != nil {
		return fmt.Errorf("orchestrator.RunSource: OnStart: %w", err)
	}
	rows, sourceErrs := src.Load(ctx, pc)

	index := 0
	for {
		select {
		case sr, ok := <-rows:
			if !ok {
				rows = nil
				if sourceErrs == nil {
					return src.Close()
				}
				continue
			}
			emitted, err := o.sourceExec.Emit(ctx, pc.RunID, sourceNodeID, index, sr)
			index++
			if err != nil {
				return err
			}
			if emitted.IsQuarantined {
				if err := o.routeQuarantined(ctx, pc, emitted, sr.Destination); err != nil {
					return err
				}
				continue
			}
			if err := o.advance(ctx, pc, sourceNodeID, TokenPath{Token: emitted.Token, Row: emitted.PipelineRow}); err != nil {
				return err
			}
		case err, ok := <-sourceErrs:
			if !ok {
				sourceErrs = nil
				if rows == nil {
					return src.Close()
				}
				continue
			}
			if err != nil {
				return fmt.Errorf("orchestrator.RunSource: source error: %w", err)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (o *Orchestrator) routeQuarantined(ctx context.Context, pc *plugin.Context, emitted executor.Emitted, destination string) error {
	sinkID := destination
	np, ok := o.nodes[sinkID]
	if !ok || np.Sink == nil {
		return &errs.OrchestrationInvariantError{Detail: fmt.Sprintf("quarantine destination %q has no bound sink", sinkID)}
	}
	stepIndex, err := o.graph.StepIndex(sinkID)
	if err != nil {
		return err
	}
	errorHash := ""
	row := contract.NewPipelineRow(nil, emitted.QuarantinedData, nil)
	outcome := executor.PendingOutcome{TokenID: emitted.Token.TokenID, Outcome: landscape.OutcomeQuarantined, ErrorHash: &errorHash}
	checkpointFn := o.checkpointFuncFor(pc.RunID, sinkID)
	return o.sinkExec.Execute(ctx, pc, sinkID, stepIndex, []executor.TokenInput{{Token: emitted.Token, Row: row}}, np.Sink, []executor.PendingOutcome{outcome}, checkpointFn)
}

// advance walks one token forward from fromNodeID's outbound edge(s) to
// completion (a sink) or a terminal non-sink outcome (discard/route).
func (o *Orchestrator) advance(ctx context.Context, pc *plugin.Context, fromNodeID string, tp TokenPath) error {
	outEdges := o.graph.OutEdges(fromNodeID)
	if len(outEdges) == 0 {
		return &errs.OrchestrationInvariantError{Detail: fmt.Sprintf("node %q has no outbound edge", fromNodeID)}
	}
	// The default path is the first non-error edge; error routing picks a
	// different labeled edge on failure.
	edge := outEdges[0]
	if errorEdge := o.nodes[fromNodeID].ErrorEdge; errorEdge != "" {
		for _, e := range outEdges {
			if e.Label != errorEdge {
				edge = e
				break
			}
		}
	}
	return o.enterNode(ctx, pc, edge.To, tp)
}

func (o *Orchestrator) enterNode(ctx context.Context, pc *plugin.Context, nodeID string, tp TokenPath) error {
	node, ok := o.graph.Node(nodeID)
	if !ok {
		return &errs.OrchestrationInvariantError{Detail: fmt.Sprintf("unknown node %q in routing", nodeID)}
	}
	np := o.nodes[nodeID]
	stepIndex := node.StepIndex

	switch node.Kind {
	case landscape.NodeTransform:
		result, err := o.xformExec.Execute(ctx, pc, nodeID, stepIndex, executor.TokenInput{Token: tp.Token, Row: tp.Row}, np.Transform)
		if err != nil {
			return o.handlePluginError(ctx, pc, nodeID, np, tp, err)
		}
		if result.Err != nil {
			return o.handlePluginError(ctx, pc, nodeID, np, tp, result.Err)
		}
		return o.advance(ctx, pc, nodeID, TokenPath{Token: tp.Token, Row: result.Row})

	case landscape.NodeGate:
		result, err := o.gateExec.Execute(ctx, pc, nodeID, stepIndex, executor.TokenInput{Token: tp.Token, Row: tp.Row}, np.Gate)
		if err != nil {
			return o.handlePluginError(ctx, pc, nodeID, np, tp, err)
		}
		if result.Err != nil {
			return o.handlePluginError(ctx, pc, nodeID, np, tp, result.Err)
		}
		return o.routeGateResult(ctx, pc, nodeID, tp, result)

	case landscape.NodeSink:
		outcome := executor.PendingOutcome{TokenID: tp.Token.TokenID, Outcome: landscape.OutcomeCompleted}
		checkpointFn := o.checkpointFuncFor(pc.RunID, nodeID)
		return o.sinkExec.Execute(ctx, pc, nodeID, stepIndex, []executor.TokenInput{{Token: tp.Token, Row: tp.Row}}, np.Sink, []executor.PendingOutcome{outcome}, checkpointFn)

	case landscape.NodeAggregation:
		return o.addToAggregation(ctx, pc, nodeID, stepIndex, np, tp)

	default:
		return &errs.OrchestrationInvariantError{Detail: fmt.Sprintf("node %q kind %s not drivable by a single-token advance", nodeID, node.Kind)}
	}
}

// addToAggregation buffers tp into nodeID's current batch and, when the
// plugin signals a trigger, opens a Batch, flushes it through the
// AggregationExecutor, and drives its DRAFT->EXECUTING->COMPLETED/FAILED
// lifecycle (spec §4.5, §3). A FAILED flush copies the same members into a
// fresh batch at the next attempt number rather than losing them (spec §3:
// "copy members to a fresh batch with incremented attempt"); that fresh
// batch is picked up the next time this node's trigger fires.
func (o *Orchestrator) addToAggregation(ctx context.Context, pc *plugin.Context, nodeID string, stepIndex int, np NodePlugin, tp TokenPath) error {
	pc.NodeID = nodeID
	shouldFlush, trigger, err := np.Aggregation.Add(ctx, pc, tp.Row)
	if err != nil {
		return o.handlePluginError(ctx, pc, nodeID, np, tp, err)
	}

	members := append(o.aggBuffers[nodeID], executor.TokenInput{Token: tp.Token, Row: tp.Row})
	o.aggBuffers[nodeID] = members
	if !shouldFlush {
		return nil
	}
	delete(o.aggBuffers, nodeID)

	var triggerType, triggerReason *string
	if trigger != nil {
		triggerType, triggerReason = &trigger.Type, &trigger.Reason
	}

	attempt := o.aggAttempts[nodeID] + 1
	row, err := o.flushAggregationBatch(ctx, pc, nodeID, stepIndex, np, members, attempt, triggerType, triggerReason)
	if err != nil {
		return err
	}
	if row == nil {
		// The batch closed FAILED; its members were copied into a fresh
		// DRAFT batch at attempt+1, retried the next time this node
		// triggers.
		o.aggAttempts[nodeID] = attempt + 1
		o.aggBuffers[nodeID] = members
		return nil
	}
	o.aggAttempts[nodeID] = 0

	if trigger != nil && o.logger != nil {
		o.logger.Info("orchestrator: aggregation batch flushed", map[string]interface{}{
			"node_id":        nodeID,
			"trigger_type":   trigger.Type,
			"trigger_reason": trigger.Reason,
			"member_count":   len(members),
		})
	}
	return o.advance(ctx, pc, nodeID, TokenPath{Token: members[0].Token, Row: row})
}

// flushAggregationBatch opens a DRAFT batch for members, records its
// membership, transitions it to EXECUTING, and flushes it through the
// AggregationExecutor. It returns the merged row on a COMPLETED batch, or
// (nil, nil) once the batch has been marked FAILED and its members copied
// forward into a fresh batch at attempt+1.
func (o *Orchestrator) flushAggregationBatch(ctx context.Context, pc *plugin.Context, nodeID string, stepIndex int, np NodePlugin, members []executor.TokenInput, attempt int, triggerType, triggerReason *string) (*contract.PipelineRow, error) {
	firstTokenID := members[0].Token.TokenID
	batch, err := o.recorder.BeginBatch(ctx, pc.RunID, nodeID, firstTokenID, attempt, triggerType, triggerReason)
	if err != nil {
		return nil, err
	}
	tokenIDs := make([]string, len(members))
	for i, m := range members {
		tokenIDs[i] = m.Token.TokenID
	}
	if err := o.recorder.RecordBatchMembers(ctx, batch.BatchID, tokenIDs); err != nil {
		return nil, err
	}
	if err := o.recorder.TransitionBatch(ctx, batch.BatchID, pc.RunID, landscape.BatchExecuting, nil); err != nil {
		return nil, err
	}

	result, flushErr := o.aggExec.Flush(ctx, pc, nodeID, stepIndex, members, np.Aggregation, batch.BatchID)
	now := time.Now().UTC()
	if flushErr != nil || result.Err != nil {
		if err := o.recorder.TransitionBatch(ctx, batch.BatchID, pc.RunID, landscape.BatchFailed, &now); err != nil {
			return nil, err
		}
		nextBatch, err := o.recorder.BeginBatch(ctx, pc.RunID, nodeID, firstTokenID, attempt+1, triggerType, triggerReason)
		if err != nil {
			return nil, err
		}
		if err := o.recorder.RecordBatchMembers(ctx, nextBatch.BatchID, tokenIDs); err != nil {
			return nil, err
		}
		return nil, nil
	}

	if err := o.recorder.TransitionBatch(ctx, batch.BatchID, pc.RunID, landscape.BatchCompleted, &now); err != nil {
		return nil, err
	}
	return result.Row, nil
}

// routeGateResult honors a GateResult's RoutingAction: CONTINUE follows the
// default edge, ROUTE follows a single named destination with the same
// token, and FORK_TO_PATHS mints a fresh child token per destination so each
// forked subtree still ends in exactly one TokenOutcome per token (spec §8
// invariant 1) while the parent token itself is recorded FORKED once.
func (o *Orchestrator) routeGateResult(ctx context.Context, pc *plugin.Context, nodeID string, tp TokenPath, result plugin.GateResult) error {
	row := tp.Row
	if result.Row != nil {
		row = result.Row
	}
	switch result.Action.Kind {
	case plugin.RouteContinue:
		return o.advance(ctx, pc, nodeID, TokenPath{Token: tp.Token, Row: row})
	case plugin.RouteTo:
		for _, label := range result.Action.Destinations {
			edge, ok := o.graph.EdgeFor(nodeID, label)
			if !ok {
				return &errs.OrchestrationInvariantError{Detail: fmt.Sprintf("gate %q routed to unknown edge label %q", nodeID, label)}
			}
			if err := o.recorder.RecordRoutingEvent(ctx, pc.StateID, edge.EdgeID, result.Action.Mode, result.Action.Reason); err != nil {
				return err
			}
			if err := o.enterNode(ctx, pc, edge.To, TokenPath{Token: tp.Token, Row: row}); err != nil {
				return err
			}
		}
		return nil
	case plugin.RouteForkToPaths:
		if err := o.recorder.RecordTokenOutcome(ctx, pc.RunID, tp.Token.TokenID, landscape.OutcomeForked, nil, nil); err != nil {
			return err
		}
		for _, label := range result.Action.Destinations {
			edge, ok := o.graph.EdgeFor(nodeID, label)
			if !ok {
				return &errs.OrchestrationInvariantError{Detail: fmt.Sprintf("gate %q routed to unknown edge label %q", nodeID, label)}
			}
			if err := o.recorder.RecordRoutingEvent(ctx, pc.StateID, edge.EdgeID, result.Action.Mode, result.Action.Reason); err != nil {
				return err
			}
			child, err := o.recorder.CreateToken(ctx, tp.Token.RowID)
			if err != nil {
				return err
			}
			if err := o.enterNode(ctx, pc, edge.To, TokenPath{Token: child, Row: row}); err != nil {
				return err
			}
		}
		return nil
	default:
		return &errs.OrchestrationInvariantError{Detail: fmt.Sprintf("gate %q returned unknown routing kind %q", nodeID, result.Action.Kind)}
	}
}

// handlePluginError honors the node's configured on_error policy (spec
// §4.7): route to an error sink, discard (audited, no downstream state), or
// raise.
func (o *Orchestrator) handlePluginError(ctx context.Context, pc *plugin.Context, nodeID string, np NodePlugin, tp TokenPath, pluginErr error) error {
	if err := o.recorder.RecordTransformError(ctx, pc.RunID, tp.Token.TokenID, nodeID, pluginErr.Error()); err != nil {
		return err
	}

	switch np.OnError {
	case OnErrorRoute:
		edge, ok := o.graph.EdgeFor(nodeID, np.ErrorEdge)
		if !ok {
			return &errs.OrchestrationInvariantError{Detail: fmt.Sprintf("node %q on_error=route has no edge labeled %q", nodeID, np.ErrorEdge)}
		}
		return o.enterNode(ctx, pc, edge.To, tp)
	case OnErrorDiscard:
		errorHash := pluginErr.Error()
		return o.recorder.RecordTokenOutcome(ctx, pc.RunID, tp.Token.TokenID, landscape.OutcomeFailed, nil, &errorHash)
	case OnErrorRaise, "":
		return pluginErr
	default:
		return &errs.OrchestrationInvariantError{Detail: fmt.Sprintf("node %q has unknown on_error policy %q", nodeID, np.OnError)}
	}
}

// Finish transitions the run to its terminal status and runs the pluggable
// export step.
func (o *Orchestrator) Finish(ctx context.Context, runID string, runErr error) error {
	status := landscape.RunCompleted
	if runErr != nil {
		status = landscape.RunFailed
	}
	if err := o.recorder.CompleteRun(ctx, runID, status); err != nil {
		return err
	}
	if o.exporter == nil {
		return nil
	}
	if err := o.recorder.SetExportStatus(ctx, runID, landscape.ExportRunning, nil); err != nil {
		return err
	}
	if err := o.exporter.Export(ctx, runID); err != nil {
		msg := err.Error()
		return o.recorder.SetExportStatus(ctx, runID, landscape.ExportFailed, &msg)
	}
	return o.recorder.SetExportStatus(ctx, runID, landscape.ExportCompleted, nil)
}
