// Package checkpoint implements component H: the durability marker written
// after a sink's flush succeeds, and the resume protocol that reconstructs a
// run's safe continuation point from it.
//
// Grounded on orchestration/hitl_checkpoint_store.go's SaveCheckpoint/
// LoadCheckpoint shape, narrowed from its Redis-backed human-approval-gate
// bookkeeping (TTL, distributed claim, expiry processor) to the
// landscape-backed durability fact this engine needs: a checkpoint here
// records what has already been durably written, not a pending decision
// awaiting a human response.
package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tachyon-beep/elspeth-sub014/contract"
	"github.com/tachyon-beep/elspeth-sub014/errs"
	"github.com/tachyon-beep/elspeth-sub014/executor"
	"github.com/tachyon-beep/elspeth-sub014/graph"
	"github.com/tachyon-beep/elspeth-sub014/landscape"
	"github.com/tachyon-beep/elspeth-sub014/plugin"
)

// Checkpointer issues checkpoints after a durable sink flush and drives the
// resume protocol against one graph.
type Checkpointer struct {
	recorder *landscape.Recorder
	graph    *graph.Graph
}

// New constructs a Checkpointer. g must already have AssignSteps called, the
// same precondition the orchestrator requires.
func New(recorder *landscape.Recorder, g *graph.Graph) *Checkpointer {
	return &Checkpointer{recorder: recorder, graph: g}
}

// For binds a CheckpointFunc to one (run, sink node) pair, suitable for
// passing straight into executor.SinkExecutor.Execute. The sink executor
// itself only invokes this after the sink's write+flush has succeeded (spec
// §4.5 step 10), which is the ordering guarantee §4.8 checkpointing depends
// on.
func (c *Checkpointer) For(runID, sinkNodeID string) executor.CheckpointFunc {
	return func(ctx context.Context, tokenID string) error {
		fingerprint, err := c.graph.Fingerprint()
		if err != nil {
			return fmt.Errorf("checkpoint.For: graph fingerprint: %w", err)
		}
		_, err = c.recorder.RecordCheckpoint(ctx, runID, tokenID, sinkNodeID, fingerprint)
		return err
	}
}

// Resume implements steps 1-4 of the resume protocol (spec §4.8): load the
// run's latest checkpoint, verify the current graph's fingerprint against it
// (refusing on drift), verify the run's schema contract integrity if one was
// stored (legacy runs with none are allowed through), and compute the
// resulting resume point.
func (c *Checkpointer) Resume(ctx context.Context, runID string) (*landscape.ResumePoint, error) {
	latest, err := c.recorder.LatestCheckpoint(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("checkpoint.Resume: load latest checkpoint: %w", err)
	}
	if latest == nil {
		return &landscape.ResumePoint{}, nil
	}

	fingerprint, err := c.graph.Fingerprint()
	if err != nil {
		return nil, fmt.Errorf("checkpoint.Resume: graph fingerprint: %w", err)
	}
	if fingerprint != latest.GraphFingerprint {
		return nil, fmt.Errorf("checkpoint.Resume: run %s: %w: checkpoint=%s current=%s",
			runID, errs.ErrGraphDrift, latest.GraphFingerprint, fingerprint)
	}

	run, err := c.recorder.GetRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("checkpoint.Resume: load run: %w", err)
	}
	if run.SchemaContractJSON != nil {
		var sc contract.SchemaContract
		if err := json.Unmarshal([]byte(*run.SchemaContractJSON), &sc); err != nil {
			return nil, fmt.Errorf("checkpoint.Resume: unmarshal schema contract: %w", err)
		}
		if err := sc.VerifyIntegrity(runID); err != nil {
			return nil, err
		}
	}

	return &landscape.ResumePoint{Checkpoint: latest, DurableThrough: latest.SequenceNumber}, nil
}

// SinkResume is one sink's resume-time configuration: the contract it must be
// validated against, and (for sinks that restore original header names) the
// normalized->original field mapping the orchestrator read from the
// landscape.
type SinkResume struct {
	NodeID               string
	Sink                 plugin.Sink
	ExpectedContract     *contract.SchemaContract
	NormalizedToOriginal map[string]string
}

// ConfigureSinksForResume implements step 5 of the resume protocol:
// configure_for_resume() (toggle to append mode) then validate_output_target()
// per sink, after supplying the field-resolution mapping sinks that restore
// original headers need. The first validation failure aborts resume.
func (c *Checkpointer) ConfigureSinksForResume(runID string, sinks []SinkResume) error {
	for _, sr := range sinks {
		if sr.NormalizedToOriginal != nil {
			sr.Sink.SetResumeFieldResolution(sr.NormalizedToOriginal)
		}
		if err := sr.Sink.ConfigureForResume(); err != nil {
			return fmt.Errorf("checkpoint.ConfigureSinksForResume: %s: configure_for_resume: %w", sr.NodeID, err)
		}
		result, err := sr.Sink.ValidateOutputTarget(sr.ExpectedContract)
		if err != nil {
			return fmt.Errorf("checkpoint.ConfigureSinksForResume: %s: validate_output_target: %w", sr.NodeID, err)
		}
		if !result.OK {
			return &errs.CheckpointCorruptionError{
				RunID:  runID,
				Reason: fmt.Sprintf("sink %s output target rejected on resume: %s", sr.NodeID, result.Detail),
			}
		}
	}
	return nil
}
