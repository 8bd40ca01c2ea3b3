package replay

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tachyon-beep/elspeth-sub014/canonical"
	"github.com/tachyon-beep/elspeth-sub014/landscape"
)

func mustHash(t *testing.T, v interface{}) string {
	t.Helper()
	h, err := canonical.Hash(v)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	return h
}

func errIs(err, target error) bool {
	return err != nil && errors.Is(err, target)
}

// memPayloadStore is a bare in-memory PayloadStore double; replay.Replay
// only ever reads from it via Recorder.PayloadFor.
type memPayloadStore struct {
	data map[string][]byte
}

func (m *memPayloadStore) Put(ctx context.Context, hash string, data []byte) error {
	if m.data == nil {
		m.data = make(map[string][]byte)
	}
	m.data[hash] = data
	return nil
}

func (m *memPayloadStore) Get(ctx context.Context, hash string) ([]byte, bool, error) {
	v, ok := m.data[hash]
	return v, ok, nil
}

// memStore is an unused-methods Store double: these tests never exercise
// the relational side of the recorder, only PayloadFor, so every method
// beyond satisfying the interface is a no-op.
type memStore struct{}

func (m *memStore) InsertRun(ctx context.Context, r *landscape.Run) error { return nil }
func (m *memStore) UpdateRunStatus(ctx context.Context, runID string, status landscape.RunStatus, completedAt *time.Time) error {
	return nil
}
func (m *memStore) UpdateRunSchemaContract(ctx context.Context, runID, schemaContractJSON string) error {
	return nil
}
func (m *memStore) UpdateRunExportStatus(ctx context.Context, runID string, status landscape.ExportStatus, errMsg *string) error {
	return nil
}
func (m *memStore) GetRun(ctx context.Context, runID string) (*landscape.Run, error) { return nil, nil }

func (m *memStore) InsertNode(ctx context.Context, n *landscape.Node) error { return nil }
func (m *memStore) UpdateNodeOutputContract(ctx context.Context, nodeID, runID, outputContractJSON string) error {
	return nil
}
func (m *memStore) GetNode(ctx context.Context, nodeID, runID string) (*landscape.Node, error) {
	return nil, nil
}
func (m *memStore) ListNodes(ctx context.Context, runID string) ([]*landscape.Node, error) {
	return nil, nil
}

func (m *memStore) InsertEdge(ctx context.Context, e *landscape.Edge) error { return nil }
func (m *memStore) GetEdgeByLabel(ctx context.Context, runID, fromNodeID, label string) (*landscape.Edge, error) {
	return nil, nil
}
func (m *memStore) ListEdges(ctx context.Context, runID string) ([]*landscape.Edge, error) {
	return nil, nil
}

func (m *memStore) InsertRow(ctx context.Context, r *landscape.Row) error     { return nil }
func (m *memStore) InsertToken(ctx context.Context, t *landscape.Token) error { return nil }

func (m *memStore) InsertNodeStateOpen(ctx context.Context, s *landscape.NodeState) error { return nil }
func (m *memStore) CompleteNodeState(ctx context.Context, s *landscape.NodeState) error   { return nil }

func (m *memStore) NextCallIndex(ctx context.Context, stateID string) (int, error) { return 0, nil }
func (m *memStore) InsertCall(ctx context.Context, c *landscape.Call) error         { return nil }

func (m *memStore) InsertRoutingEvent(ctx context.Context, ev *landscape.RoutingEvent) error {
	return nil
}
func (m *memStore) InsertArtifact(ctx context.Context, a *landscape.Artifact) error { return nil }
func (m *memStore) InsertTokenOutcome(ctx context.Context, o *landscape.TokenOutcome) error {
	return nil
}

func (m *memStore) InsertBatch(ctx context.Context, b *landscape.Batch) error { return nil }
func (m *memStore) UpdateBatchStatus(ctx context.Context, batchID, runID string, status landscape.BatchStatus, completedAt *time.Time) error {
	return nil
}
func (m *memStore) LinkBatchAggregationState(ctx context.Context, batchID, runID, stateID string) error {
	return nil
}
func (m *memStore) InsertBatchMembers(ctx context.Context, members []*landscape.BatchMember) error {
	return nil
}

func (m *memStore) InsertValidationError(ctx context.Context, e *landscape.ValidationError) error {
	return nil
}
func (m *memStore) InsertTransformError(ctx context.Context, e *landscape.TransformError) error {
	return nil
}

func (m *memStore) InsertCheckpoint(ctx context.Context, c *landscape.Checkpoint) error { return nil }
func (m *memStore) LatestCheckpoint(ctx context.Context, runID string) (*landscape.Checkpoint, error) {
	return nil, nil
}

func (m *memStore) NextSequenceNumber(ctx context.Context, runID string) (int64, error) { return 0, nil }

func (m *memStore) EnsureSchema(ctx context.Context) error { return nil }
