package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/tachyon-beep/elspeth-sub014/contract"
	"github.com/tachyon-beep/elspeth-sub014/errs"
	"github.com/tachyon-beep/elspeth-sub014/graph"
	"github.com/tachyon-beep/elspeth-sub014/landscape"
	"github.com/tachyon-beep/elspeth-sub014/plugin"
)

type fakeStore struct {
	runs        map[string]*landscape.Run
	checkpoints map[string][]*landscape.Checkpoint // runID -> all checkpoints, insertion order
	seq         map[string]int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		runs:        map[string]*landscape.Run{},
		checkpoints: map[string][]*landscape.Checkpoint{},
		seq:         map[string]int64{},
	}
}

func (s *fakeStore) InsertRun(ctx context.Context, r *landscape.Run) error { s.runs[r.RunID] = r; return nil }
func (s *fakeStore) UpdateRunStatus(ctx context.Context, runID string, status landscape.RunStatus, completedAt *time.Time) error {
	return nil
}
func (s *fakeStore) UpdateRunSchemaContract(ctx context.Context, runID, schemaContractJSON string) error {
	return nil
}
func (s *fakeStore) UpdateRunExportStatus(ctx context.Context, runID string, status landscape.ExportStatus, errMsg *string) error {
	return nil
}
func (s *fakeStore) GetRun(ctx context.Context, runID string) (*landscape.Run, error) {
	return s.runs[runID], nil
}

func (s *fakeStore) InsertNode(ctx context.Context, n *landscape.Node) error { return nil }
func (s *fakeStore) UpdateNodeOutputContract(ctx context.Context, nodeID, runID, outputContractJSON string) error {
	return nil
}
func (s *fakeStore) GetNode(ctx context.Context, nodeID, runID string) (*landscape.Node, error) {
	return nil, nil
}
func (s *fakeStore) ListNodes(ctx context.Context, runID string) ([]*landscape.Node, error) {
	return nil, nil
}

func (s *fakeStore) InsertEdge(ctx context.Context, e *landscape.Edge) error { return nil }
func (s *fakeStore) GetEdgeByLabel(ctx context.Context, runID, fromNodeID, label string) (*landscape.Edge, error) {
	return nil, nil
}
func (s *fakeStore) ListEdges(ctx context.Context, runID string) ([]*landscape.Edge, error) {
	return nil, nil
}

func (s *fakeStore) InsertRow(ctx context.Context, r *landscape.Row) error     { return nil }
func (s *fakeStore) InsertToken(ctx context.Context, t *landscape.Token) error { return nil }

func (s *fakeStore) InsertNodeStateOpen(ctx context.Context, st *landscape.NodeState) error { return nil }
func (s *fakeStore) CompleteNodeState(ctx context.Context, st *landscape.NodeState) error    { return nil }

func (s *fakeStore) NextCallIndex(ctx context.Context, stateID string) (int, error) { return 0, nil }
func (s *fakeStore) InsertCall(ctx context.Context, c *landscape.Call) error         { return nil }

func (s *fakeStore) InsertRoutingEvent(ctx context.Context, ev *landscape.RoutingEvent) error {
	return nil
}
func (s *fakeStore) InsertArtifact(ctx context.Context, a *landscape.Artifact) error { return nil }
func (s *fakeStore) InsertTokenOutcome(ctx context.Context, o *landscape.TokenOutcome) error {
	return nil
}

func (s *fakeStore) InsertBatch(ctx context.Context, b *landscape.Batch) error { return nil }
func (s *fakeStore) UpdateBatchStatus(ctx context.Context, batchID, runID string, status landscape.BatchStatus, completedAt *time.Time) error {
	return nil
}
func (s *fakeStore) LinkBatchAggregationState(ctx context.Context, batchID, runID, stateID string) error {
	return nil
}
func (s *fakeStore) InsertBatchMembers(ctx context.Context, members []*landscape.BatchMember) error {
	return nil
}

func (s *fakeStore) InsertValidationError(ctx context.Context, e *landscape.ValidationError) error {
	return nil
}
func (s *fakeStore) InsertTransformError(ctx context.Context, e *landscape.TransformError) error {
	return nil
}

func (s *fakeStore) InsertCheckpoint(ctx context.Context, c *landscape.Checkpoint) error {
	s.checkpoints[c.RunID] = append(s.checkpoints[c.RunID], c)
	return nil
}
func (s *fakeStore) LatestCheckpoint(ctx context.Context, runID string) (*landscape.Checkpoint, error) {
	all := s.checkpoints[runID]
	if len(all) == 0 {
		return nil, nil
	}
	latest := all[0]
	for _, cp := range all[1:] {
		if cp.SequenceNumber > latest.SequenceNumber {
			latest = cp
		}
	}
	return latest, nil
}
func (s *fakeStore) NextSequenceNumber(ctx context.Context, runID string) (int64, error) {
	s.seq[runID]++
	return s.seq[runID], nil
}
func (s *fakeStore) EnsureSchema(ctx context.Context) error { return nil }

type noopPayloadStore struct{}

func (noopPayloadStore) Put(ctx context.Context, hash string, data []byte) error { return nil }
func (noopPayloadStore) Get(ctx context.Context, hash string) ([]byte, bool, error) {
	return nil, false, nil
}

func newTestGraph(t *testing.T) *graph.Graph {
	t.Helper()
	g := graph.New()
	g.AddNode(graph.Node{ID: "src", Kind: landscape.NodeSource})
	g.AddNode(graph.Node{ID: "sink", Kind: landscape.NodeSink})
	if err := g.AddEdge(graph.Edge{From: "src", To: "sink", Label: "default", Mode: landscape.EdgeMove}); err != nil {
		t.Fatalf("add edge: %v", err)
	}
	if err := g.AssignSteps(); err != nil {
		t.Fatalf("assign steps: %v", err)
	}
	return g
}

func TestForWritesCheckpointAfterCall(t *testing.T) {
	store := newFakeStore()
	recorder := landscape.NewRecorder(store, noopPayloadStore{})
	g := newTestGraph(t)
	c := New(recorder, g)

	fn := c.For("run-1", "sink")
	if err := fn(context.Background(), "tok-1"); err != nil {
		t.Fatalf("checkpoint func: %v", err)
	}

	cps := store.checkpoints["run-1"]
	if len(cps) != 1 {
		t.Fatalf("expected 1 checkpoint, got %d", len(cps))
	}
	cp := cps[0]
	if cp.TokenID != "tok-1" || cp.NodeID != "sink" || cp.RunID != "run-1" {
		t.Fatalf("unexpected checkpoint contents: %+v", cp)
	}
	if len(cp.CheckpointID) != len("cp-")+32 {
		t.Fatalf("expected cp- + 32 hex chars, got %q", cp.CheckpointID)
	}
	fingerprint, _ := g.Fingerprint()
	if cp.GraphFingerprint != fingerprint {
		t.Fatalf("expected checkpoint to carry current graph fingerprint")
	}
}

func TestResumeWithNoCheckpointReturnsEmptyPoint(t *testing.T) {
	store := newFakeStore()
	recorder := landscape.NewRecorder(store, noopPayloadStore{})
	g := newTestGraph(t)
	c := New(recorder, g)

	point, err := c.Resume(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if point.Checkpoint != nil || point.DurableThrough != 0 {
		t.Fatalf("expected empty resume point, got %+v", point)
	}
}

func TestResumeRefusesOnGraphFingerprintDrift(t *testing.T) {
	store := newFakeStore()
	recorder := landscape.NewRecorder(store, noopPayloadStore{})
	g := newTestGraph(t)
	c := New(recorder, g)

	ctx := context.Background()
	if err := store.InsertRun(ctx, &landscape.Run{RunID: "run-1"}); err != nil {
		t.Fatalf("seed run: %v", err)
	}
	if _, err := recorder.RecordCheckpoint(ctx, "run-1", "tok-1", "sink", "stale-fingerprint"); err != nil {
		t.Fatalf("record checkpoint: %v", err)
	}

	_, err := c.Resume(ctx, "run-1")
	if err == nil {
		t.Fatal("expected graph drift to refuse resume")
	}
	if !errors.Is(err, errs.ErrGraphDrift) {
		t.Fatalf("expected ErrGraphDrift, got %v", err)
	}
}

func TestResumeVerifiesContractIntegrityWhenStored(t *testing.T) {
	store := newFakeStore()
	recorder := landscape.NewRecorder(store, noopPayloadStore{})
	g := newTestGraph(t)
	c := New(recorder, g)

	ctx := context.Background()
	fingerprint, _ := g.Fingerprint()
	sc := contract.New(contract.ModeObserved, nil)
	locked, err := sc.Lock(map[string]interface{}{"a": 1}, map[string]string{"a": "a"})
	if err != nil {
		t.Fatalf("lock contract: %v", err)
	}
	good, _ := marshalContract(locked)
	if err := store.InsertRun(ctx, &landscape.Run{RunID: "run-1", SchemaContractJSON: &good}); err != nil {
		t.Fatalf("seed run: %v", err)
	}
	if _, err := recorder.RecordCheckpoint(ctx, "run-1", "tok-1", "sink", fingerprint); err != nil {
		t.Fatalf("record checkpoint: %v", err)
	}

	point, err := c.Resume(ctx, "run-1")
	if err != nil {
		t.Fatalf("expected resume to succeed with a valid stored contract: %v", err)
	}
	if point.DurableThrough != 1 {
		t.Fatalf("expected durable_through=1, got %d", point.DurableThrough)
	}

	// Now corrupt the stored contract's version hash and verify resume refuses.
	corrupted := *locked
	corrupted.VersionHash = "tampered"
	bad, _ := marshalContract(&corrupted)
	store.runs["run-1"].SchemaContractJSON = &bad

	if _, err := c.Resume(ctx, "run-1"); err == nil {
		t.Fatal("expected corrupted contract hash to refuse resume")
	} else if !errors.Is(err, errs.ErrCheckpointCorrupt) {
		t.Fatalf("expected ErrCheckpointCorrupt, got %v", err)
	}
}

func marshalContract(sc *contract.SchemaContract) (string, error) {
	data, err := json.Marshal(sc)
	return string(data), err
}

type fakeResumeSink struct {
	configured  bool
	resolution  map[string]string
	validateErr error
	rejected    bool
}

func (s *fakeResumeSink) Name() string          { return "fake-resume-sink" }
func (s *fakeResumeSink) PluginVersion() string { return "v1" }
func (s *fakeResumeSink) Write(ctx context.Context, pc *plugin.Context, row *contract.PipelineRow) error {
	return nil
}
func (s *fakeResumeSink) Flush() error { return nil }
func (s *fakeResumeSink) Close() error { return nil }
func (s *fakeResumeSink) ConfigureForResume() error {
	s.configured = true
	return nil
}
func (s *fakeResumeSink) ValidateOutputTarget(expected *contract.SchemaContract) (plugin.OutputValidationResult, error) {
	if s.validateErr != nil {
		return plugin.OutputValidationResult{}, s.validateErr
	}
	if s.rejected {
		return plugin.OutputValidationResult{OK: false, Detail: "column mismatch"}, nil
	}
	return plugin.OutputValidationResult{OK: true}, nil
}
func (s *fakeResumeSink) SetResumeFieldResolution(normalizedToOriginal map[string]string) {
	s.resolution = normalizedToOriginal
}
func (s *fakeResumeSink) Describe() plugin.ArtifactDescriptor { return plugin.ArtifactDescriptor{} }

func TestConfigureSinksForResumeAppliesResolutionThenValidates(t *testing.T) {
	store := newFakeStore()
	recorder := landscape.NewRecorder(store, noopPayloadStore{})
	g := newTestGraph(t)
	c := New(recorder, g)

	sink := &fakeResumeSink{}
	err := c.ConfigureSinksForResume("run-1", []SinkResume{
		{NodeID: "sink", Sink: sink, NormalizedToOriginal: map[string]string{"a": "A"}},
	})
	if err != nil {
		t.Fatalf("configure sinks: %v", err)
	}
	if !sink.configured {
		t.Fatal("expected ConfigureForResume to be called")
	}
	if sink.resolution["a"] != "A" {
		t.Fatalf("expected resolution map applied before validation, got %v", sink.resolution)
	}
}

func TestConfigureSinksForResumeFailsFastOnRejectedTarget(t *testing.T) {
	store := newFakeStore()
	recorder := landscape.NewRecorder(store, noopPayloadStore{})
	g := newTestGraph(t)
	c := New(recorder, g)

	sink := &fakeResumeSink{rejected: true}
	err := c.ConfigureSinksForResume("run-1", []SinkResume{{NodeID: "sink", Sink: sink}})
	if err == nil {
		t.Fatal("expected rejected output target to fail resume")
	}
	var corruptionErr *errs.CheckpointCorruptionError
	if !errors.As(err, &corruptionErr) {
		t.Fatalf("expected CheckpointCorruptionError, got %v (%T)", err, err)
	}
}
