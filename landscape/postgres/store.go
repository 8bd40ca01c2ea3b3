// Package postgres implements landscape.Store over PostgreSQL via
// database/sql and the pgx stdlib driver.
//
// Grounded on other_examples' ILLUVRSE pg_store.go (the exec/query shape,
// sql.NullString use, and context-scoped *sql.DB/*sql.Tx calls) and wired
// from jordigilh-kubernaut's go.mod, which is the only repo in the pack that
// depends on github.com/jackc/pgx/v5 — the teacher itself carries no SQL
// driver.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver

	"github.com/tachyon-beep/elspeth-sub014/errs"
	"github.com/tachyon-beep/elspeth-sub014/landscape"
)

// Store is the PostgreSQL-backed landscape.Store.
type Store struct {
	db *sql.DB
}

// Open connects to PostgreSQL using the pgx stdlib driver and pings it.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres.Open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("postgres.Open: ping: %w", err)
	}
	return &Store{db: db}, nil
}

// NewStore wraps an already-open *sql.DB, for callers that manage their own
// connection pool configuration.
func NewStore(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

// EnsureSchema idempotently creates every table named in spec.md §3.
func (s *Store) EnsureSchema(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS runs (
	run_id TEXT PRIMARY KEY,
	started_at TIMESTAMPTZ NOT NULL,
	completed_at TIMESTAMPTZ,
	config_hash TEXT NOT NULL,
	settings_json TEXT NOT NULL,
	canonical_version TEXT NOT NULL,
	status TEXT NOT NULL,
	schema_contract_json TEXT,
	export_status TEXT,
	export_error TEXT
);
CREATE TABLE IF NOT EXISTS nodes (
	node_id TEXT NOT NULL,
	run_id TEXT NOT NULL REFERENCES runs(run_id),
	plugin_name TEXT NOT NULL,
	node_type TEXT NOT NULL,
	plugin_version TEXT NOT NULL,
	determinism TEXT NOT NULL,
	config_hash TEXT NOT NULL,
	config_json TEXT NOT NULL,
	schema_hash TEXT,
	sequence_in_pipeline INTEGER,
	schema_mode TEXT NOT NULL,
	schema_fields_json TEXT,
	input_contract_json TEXT,
	output_contract_json TEXT,
	registered_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (node_id, run_id)
);
CREATE TABLE IF NOT EXISTS edges (
	edge_id TEXT PRIMARY KEY,
	run_id TEXT NOT NULL REFERENCES runs(run_id),
	from_node_id TEXT NOT NULL,
	to_node_id TEXT NOT NULL,
	label TEXT NOT NULL,
	default_mode TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	UNIQUE (run_id, from_node_id, label)
);
CREATE TABLE IF NOT EXISTS rows_ (
	row_id TEXT PRIMARY KEY,
	run_id TEXT NOT NULL REFERENCES runs(run_id),
	source_node_id TEXT NOT NULL,
	row_index INTEGER NOT NULL,
	source_data_hash TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS tokens (
	token_id TEXT PRIMARY KEY,
	row_id TEXT NOT NULL REFERENCES rows_(row_id),
	created_at TIMESTAMPTZ NOT NULL,
	step_in_pipeline INTEGER
);
CREATE TABLE IF NOT EXISTS node_states (
	state_id TEXT PRIMARY KEY,
	token_id TEXT NOT NULL REFERENCES tokens(token_id),
	node_id TEXT NOT NULL,
	run_id TEXT NOT NULL REFERENCES runs(run_id),
	step_index INTEGER NOT NULL,
	attempt INTEGER NOT NULL,
	status TEXT NOT NULL,
	input_hash TEXT NOT NULL,
	started_at TIMESTAMPTZ NOT NULL,
	context_before_json TEXT,
	output_hash TEXT,
	duration_ms BIGINT,
	completed_at TIMESTAMPTZ,
	context_after_json TEXT,
	error_json TEXT,
	success_reason_json TEXT
);
CREATE TABLE IF NOT EXISTS routing_events (
	state_id TEXT NOT NULL REFERENCES node_states(state_id),
	edge_id TEXT NOT NULL,
	mode TEXT NOT NULL,
	reason_hash TEXT,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS calls (
	call_id TEXT PRIMARY KEY,
	state_id TEXT NOT NULL REFERENCES node_states(state_id),
	call_index INTEGER NOT NULL,
	call_type TEXT NOT NULL,
	status TEXT NOT NULL,
	request_hash TEXT NOT NULL,
	response_hash TEXT,
	latency_ms BIGINT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	error_json TEXT,
	UNIQUE (state_id, call_index)
);
CREATE TABLE IF NOT EXISTS artifacts (
	artifact_id TEXT PRIMARY KEY,
	run_id TEXT NOT NULL REFERENCES runs(run_id),
	produced_by_state TEXT NOT NULL,
	sink_node_id TEXT NOT NULL,
	artifact_type TEXT NOT NULL,
	path_or_uri TEXT NOT NULL,
	content_hash TEXT NOT NULL,
	size_bytes BIGINT NOT NULL,
	idempotency_key TEXT,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS token_outcomes (
	token_id TEXT PRIMARY KEY,
	run_id TEXT NOT NULL REFERENCES runs(run_id),
	outcome TEXT NOT NULL,
	sink_name TEXT,
	error_hash TEXT,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS batches (
	batch_id TEXT PRIMARY KEY,
	run_id TEXT NOT NULL REFERENCES runs(run_id),
	aggregation_node_id TEXT NOT NULL,
	attempt INTEGER NOT NULL,
	status TEXT NOT NULL,
	trigger_type TEXT,
	trigger_reason TEXT,
	aggregation_state_id TEXT,
	created_at TIMESTAMPTZ NOT NULL,
	completed_at TIMESTAMPTZ
);
CREATE TABLE IF NOT EXISTS batch_members (
	batch_id TEXT NOT NULL REFERENCES batches(batch_id),
	token_id TEXT NOT NULL REFERENCES tokens(token_id),
	ordinal INTEGER NOT NULL,
	PRIMARY KEY (batch_id, token_id)
);
CREATE TABLE IF NOT EXISTS validation_errors (
	error_id TEXT PRIMARY KEY,
	run_id TEXT NOT NULL REFERENCES runs(run_id),
	token_id TEXT NOT NULL REFERENCES tokens(token_id),
	node_id TEXT NOT NULL,
	detail TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS transform_errors (
	error_id TEXT PRIMARY KEY,
	run_id TEXT NOT NULL REFERENCES runs(run_id),
	token_id TEXT NOT NULL REFERENCES tokens(token_id),
	node_id TEXT NOT NULL,
	detail TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS checkpoints (
	checkpoint_id TEXT PRIMARY KEY,
	run_id TEXT NOT NULL REFERENCES runs(run_id),
	token_id TEXT NOT NULL,
	node_id TEXT NOT NULL,
	sequence_number BIGINT NOT NULL,
	graph_fingerprint TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_checkpoints_run_seq ON checkpoints (run_id, sequence_number DESC);
CREATE TABLE IF NOT EXISTS run_sequences (
	run_id TEXT PRIMARY KEY REFERENCES runs(run_id),
	next_value BIGINT NOT NULL DEFAULT 1
);
CREATE TABLE IF NOT EXISTS call_index_counters (
	state_id TEXT PRIMARY KEY,
	next_value INTEGER NOT NULL DEFAULT 0
);
`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("postgres.EnsureSchema: %w", err)
	}
	return nil
}

func (s *Store) InsertRun(ctx context.Context, r *landscape.Run) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (run_id, started_at, config_hash, settings_json, canonical_version, status)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		r.RunID, r.StartedAt, r.ConfigHash, r.SettingsJSON, r.CanonicalVersion, string(r.Status))
	return err
}

func (s *Store) UpdateRunStatus(ctx context.Context, runID string, status landscape.RunStatus, completedAt *time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE runs SET status=$1, completed_at=$2 WHERE run_id=$3`, string(status), completedAt, runID)
	return err
}

func (s *Store) UpdateRunSchemaContract(ctx context.Context, runID, schemaContractJSON string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE runs SET schema_contract_json=$1 WHERE run_id=$2`, schemaContractJSON, runID)
	return err
}

func (s *Store) UpdateRunExportStatus(ctx context.Context, runID string, status landscape.ExportStatus, errMsg *string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE runs SET export_status=$1, export_error=$2 WHERE run_id=$3`, string(status), errMsg, runID)
	return err
}

func (s *Store) GetRun(ctx context.Context, runID string) (*landscape.Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT run_id, started_at, completed_at, config_hash, settings_json, canonical_version, status, schema_contract_json, export_status, export_error
		FROM runs WHERE run_id=$1`, runID)

	var r landscape.Run
	var status string
	var completedAt sql.NullTime
	var schemaContractJSON, exportStatus, exportError sql.NullString
	if err := row.Scan(&r.RunID, &r.StartedAt, &completedAt, &r.ConfigHash, &r.SettingsJSON, &r.CanonicalVersion, &status, &schemaContractJSON, &exportStatus, &exportError); err != nil {
		if err == sql.ErrNoRows {
			return nil, errs.New("postgres.GetRun", "landscape", errs.ErrNotFound).WithID(runID)
		}
		return nil, err
	}
	r.Status = landscape.RunStatus(status)
	if completedAt.Valid {
		r.CompletedAt = &completedAt.Time
	}
	if schemaContractJSON.Valid {
		r.SchemaContractJSON = &schemaContractJSON.String
	}
	if exportStatus.Valid {
		es := landscape.ExportStatus(exportStatus.String)
		r.ExportStatus = &es
	}
	if exportError.Valid {
		r.ExportError = &exportError.String
	}
	return &r, nil
}

func (s *Store) InsertNode(ctx context.Context, n *landscape.Node) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO nodes (node_id, run_id, plugin_name, node_type, plugin_version, determinism, config_hash, config_json,
			schema_hash, sequence_in_pipeline, schema_mode, schema_fields_json, input_contract_json, output_contract_json, registered_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		n.NodeID, n.RunID, n.PluginName, string(n.NodeType), n.PluginVersion, string(n.Determinism), n.ConfigHash, n.ConfigJSON,
		n.SchemaHash, n.SequenceInPipeline, n.SchemaMode, n.SchemaFieldsJSON, n.InputContractJSON, n.OutputContractJSON, n.RegisteredAt)
	return err
}

func (s *Store) UpdateNodeOutputContract(ctx context.Context, nodeID, runID, outputContractJSON string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE nodes SET output_contract_json=$1 WHERE node_id=$2 AND run_id=$3`, outputContractJSON, nodeID, runID)
	return err
}

func (s *Store) GetNode(ctx context.Context, nodeID, runID string) (*landscape.Node, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT node_id, run_id, plugin_name, node_type, plugin_version, determinism, config_hash, config_json,
			schema_hash, sequence_in_pipeline, schema_mode, schema_fields_json, input_contract_json, output_contract_json, registered_at
		FROM nodes WHERE node_id=$1 AND run_id=$2`, nodeID, runID)
	return scanNode(row)
}

func scanNode(row *sql.Row) (*landscape.Node, error) {
	var n landscape.Node
	var nodeType, determinism string
	var schemaHash, schemaFieldsJSON, inputContractJSON, outputContractJSON sql.NullString
	var sequenceInPipeline sql.NullInt64
	if err := row.Scan(&n.NodeID, &n.RunID, &n.PluginName, &nodeType, &n.PluginVersion, &determinism, &n.ConfigHash, &n.ConfigJSON,
		&schemaHash, &sequenceInPipeline, &n.SchemaMode, &schemaFieldsJSON, &inputContractJSON, &outputContractJSON, &n.RegisteredAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, errs.New("postgres.GetNode", "landscape", errs.ErrNotFound)
		}
		return nil, err
	}
	n.NodeType = landscape.NodeType(nodeType)
	n.Determinism = landscape.Determinism(determinism)
	if schemaHash.Valid {
		n.SchemaHash = &schemaHash.String
	}
	if sequenceInPipeline.Valid {
		v := int(sequenceInPipeline.Int64)
		n.SequenceInPipeline = &v
	}
	if schemaFieldsJSON.Valid {
		n.SchemaFieldsJSON = &schemaFieldsJSON.String
	}
	if inputContractJSON.Valid {
		n.InputContractJSON = &inputContractJSON.String
	}
	if outputContractJSON.Valid {
		n.OutputContractJSON = &outputContractJSON.String
	}
	return &n, nil
}

func (s *Store) ListNodes(ctx context.Context, runID string) ([]*landscape.Node, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT node_id, run_id, plugin_name, node_type, plugin_version, determinism, config_hash, config_json,
			schema_hash, sequence_in_pipeline, schema_mode, schema_fields_json, input_contract_json, output_contract_json, registered_at
		FROM nodes WHERE run_id=$1 ORDER BY registered_at ASC, node_id ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*landscape.Node
	for rows.Next() {
		var n landscape.Node
		var nodeType, determinism string
		var schemaHash, schemaFieldsJSON, inputContractJSON, outputContractJSON sql.NullString
		var sequenceInPipeline sql.NullInt64
		if err := rows.Scan(&n.NodeID, &n.RunID, &n.PluginName, &nodeType, &n.PluginVersion, &determinism, &n.ConfigHash, &n.ConfigJSON,
			&schemaHash, &sequenceInPipeline, &n.SchemaMode, &schemaFieldsJSON, &inputContractJSON, &outputContractJSON, &n.RegisteredAt); err != nil {
			return nil, err
		}
		n.NodeType = landscape.NodeType(nodeType)
		n.Determinism = landscape.Determinism(determinism)
		if schemaHash.Valid {
			n.SchemaHash = &schemaHash.String
		}
		if sequenceInPipeline.Valid {
			v := int(sequenceInPipeline.Int64)
			n.SequenceInPipeline = &v
		}
		if schemaFieldsJSON.Valid {
			n.SchemaFieldsJSON = &schemaFieldsJSON.String
		}
		if inputContractJSON.Valid {
			n.InputContractJSON = &inputContractJSON.String
		}
		if outputContractJSON.Valid {
			n.OutputContractJSON = &outputContractJSON.String
		}
		out = append(out, &n)
	}
	return out, rows.Err()
}

func (s *Store) InsertEdge(ctx context.Context, e *landscape.Edge) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO edges (edge_id, run_id, from_node_id, to_node_id, label, default_mode, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		e.EdgeID, e.RunID, e.FromNodeID, e.ToNodeID, e.Label, string(e.DefaultMode), e.CreatedAt)
	return err
}

func (s *Store) GetEdgeByLabel(ctx context.Context, runID, fromNodeID, label string) (*landscape.Edge, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT edge_id, run_id, from_node_id, to_node_id, label, default_mode, created_at
		FROM edges WHERE run_id=$1 AND from_node_id=$2 AND label=$3`, runID, fromNodeID, label)

	var e landscape.Edge
	var mode string
	if err := row.Scan(&e.EdgeID, &e.RunID, &e.FromNodeID, &e.ToNodeID, &e.Label, &mode, &e.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, errs.New("postgres.GetEdgeByLabel", "landscape", errs.ErrNotFound)
		}
		return nil, err
	}
	e.DefaultMode = landscape.EdgeMode(mode)
	return &e, nil
}

func (s *Store) ListEdges(ctx context.Context, runID string) ([]*landscape.Edge, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT edge_id, run_id, from_node_id, to_node_id, label, default_mode, created_at
		FROM edges WHERE run_id=$1 ORDER BY from_node_id ASC, label ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*landscape.Edge
	for rows.Next() {
		var e landscape.Edge
		var mode string
		if err := rows.Scan(&e.EdgeID, &e.RunID, &e.FromNodeID, &e.ToNodeID, &e.Label, &mode, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.DefaultMode = landscape.EdgeMode(mode)
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (s *Store) InsertRow(ctx context.Context, r *landscape.Row) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rows_ (row_id, run_id, source_node_id, row_index, source_data_hash, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		r.RowID, r.RunID, r.SourceNodeID, r.RowIndex, r.SourceDataHash, r.CreatedAt)
	return err
}

func (s *Store) InsertToken(ctx context.Context, t *landscape.Token) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tokens (token_id, row_id, created_at, step_in_pipeline) VALUES ($1,$2,$3,$4)`,
		t.TokenID, t.RowID, t.CreatedAt, t.StepInPipeline)
	return err
}

func (s *Store) InsertNodeStateOpen(ctx context.Context, st *landscape.NodeState) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO node_states (state_id, token_id, node_id, run_id, step_index, attempt, status, input_hash, started_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		st.StateID, st.TokenID, st.NodeID, st.RunID, st.StepIndex, st.Attempt, string(st.Status), st.InputHash, st.StartedAt)
	return err
}

func (s *Store) CompleteNodeState(ctx context.Context, st *landscape.NodeState) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE node_states SET status=$1, output_hash=$2, duration_ms=$3, completed_at=$4, error_json=$5, success_reason_json=$6
		WHERE state_id=$7`,
		string(st.Status), st.OutputHash, st.DurationMS, st.CompletedAt, st.ErrorJSON, st.SuccessReasonJSON, st.StateID)
	return err
}

// NextCallIndex allocates the next monotonic index for a state via an
// UPSERT-and-increment, durable across process restarts.
func (s *Store) NextCallIndex(ctx context.Context, stateID string) (int, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO call_index_counters (state_id, next_value) VALUES ($1, 1)
		ON CONFLICT (state_id) DO UPDATE SET next_value = call_index_counters.next_value + 1
		RETURNING next_value - 1`, stateID)
	var idx int
	if err := row.Scan(&idx); err != nil {
		return 0, err
	}
	return idx, nil
}

func (s *Store) InsertCall(ctx context.Context, c *landscape.Call) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO calls (call_id, state_id, call_index, call_type, status, request_hash, response_hash, latency_ms, created_at, error_json)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		c.CallID, c.StateID, c.CallIndex, string(c.CallType), string(c.Status), c.RequestHash, c.ResponseHash, c.LatencyMS, c.CreatedAt, c.ErrorJSON)
	return err
}

func (s *Store) InsertRoutingEvent(ctx context.Context, ev *landscape.RoutingEvent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO routing_events (state_id, edge_id, mode, reason_hash, created_at) VALUES ($1,$2,$3,$4,$5)`,
		ev.StateID, ev.EdgeID, string(ev.Mode), ev.ReasonHash, ev.CreatedAt)
	return err
}

func (s *Store) InsertArtifact(ctx context.Context, a *landscape.Artifact) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO artifacts (artifact_id, run_id, produced_by_state, sink_node_id, artifact_type, path_or_uri, content_hash, size_bytes, idempotency_key, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		a.ArtifactID, a.RunID, a.ProducedByState, a.SinkNodeID, a.ArtifactType, a.PathOrURI, a.ContentHash, a.SizeBytes, a.IdempotencyKey, a.CreatedAt)
	return err
}

func (s *Store) InsertTokenOutcome(ctx context.Context, o *landscape.TokenOutcome) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO token_outcomes (token_id, run_id, outcome, sink_name, error_hash, created_at) VALUES ($1,$2,$3,$4,$5,$6)`,
		o.TokenID, o.RunID, string(o.Outcome), o.SinkName, o.ErrorHash, o.CreatedAt)
	return err
}

func (s *Store) InsertBatch(ctx context.Context, b *landscape.Batch) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO batches (batch_id, run_id, aggregation_node_id, attempt, status, trigger_type, trigger_reason, aggregation_state_id, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		b.BatchID, b.RunID, b.AggregationNodeID, b.Attempt, string(b.Status), b.TriggerType, b.TriggerReason, b.AggregationStateID, b.CreatedAt)
	return err
}

func (s *Store) UpdateBatchStatus(ctx context.Context, batchID, runID string, status landscape.BatchStatus, completedAt *time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE batches SET status=$1, completed_at=$2 WHERE batch_id=$3 AND run_id=$4`, string(status), completedAt, batchID, runID)
	return err
}

func (s *Store) LinkBatchAggregationState(ctx context.Context, batchID, runID, stateID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE batches SET aggregation_state_id=$1 WHERE batch_id=$2 AND run_id=$3`, stateID, batchID, runID)
	return err
}

func (s *Store) InsertBatchMembers(ctx context.Context, members []*landscape.BatchMember) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, m := range members {
		if _, err := tx.ExecContext(ctx, `INSERT INTO batch_members (batch_id, token_id, ordinal) VALUES ($1,$2,$3)`, m.BatchID, m.TokenID, m.Ordinal); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) InsertValidationError(ctx context.Context, e *landscape.ValidationError) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO validation_errors (error_id, run_id, token_id, node_id, detail, created_at) VALUES ($1,$2,$3,$4,$5,$6)`,
		e.ErrorID, e.RunID, e.TokenID, e.NodeID, e.Detail, e.CreatedAt)
	return err
}

func (s *Store) InsertTransformError(ctx context.Context, e *landscape.TransformError) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO transform_errors (error_id, run_id, token_id, node_id, detail, created_at) VALUES ($1,$2,$3,$4,$5,$6)`,
		e.ErrorID, e.RunID, e.TokenID, e.NodeID, e.Detail, e.CreatedAt)
	return err
}

func (s *Store) InsertCheckpoint(ctx context.Context, c *landscape.Checkpoint) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (checkpoint_id, run_id, token_id, node_id, sequence_number, graph_fingerprint, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		c.CheckpointID, c.RunID, c.TokenID, c.NodeID, c.SequenceNumber, c.GraphFingerprint, c.CreatedAt)
	return err
}

// LatestCheckpoint returns the row with maximum sequence_number (strict
// DESC order), filtered to the given run (spec §3, §8 invariant 7).
func (s *Store) LatestCheckpoint(ctx context.Context, runID string) (*landscape.Checkpoint, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT checkpoint_id, run_id, token_id, node_id, sequence_number, graph_fingerprint, created_at
		FROM checkpoints WHERE run_id=$1 ORDER BY sequence_number DESC LIMIT 1`, runID)

	var c landscape.Checkpoint
	if err := row.Scan(&c.CheckpointID, &c.RunID, &c.TokenID, &c.NodeID, &c.SequenceNumber, &c.GraphFingerprint, &c.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			// No checkpoint written yet is not an error: it means start from
			// scratch. Matches the Recorder facade contract (and every test
			// double), unlike GetRun/scanNode which treat ErrNoRows as
			// ErrNotFound.
			return nil, nil
		}
		return nil, err
	}
	return &c, nil
}

// NextSequenceNumber allocates a strictly increasing per-run sequence
// number for checkpoints.
func (s *Store) NextSequenceNumber(ctx context.Context, runID string) (int64, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO run_sequences (run_id, next_value) VALUES ($1, 2)
		ON CONFLICT (run_id) DO UPDATE SET next_value = run_sequences.next_value + 1
		RETURNING next_value - 1`, runID)
	var seq int64
	if err := row.Scan(&seq); err != nil {
		return 0, err
	}
	return seq, nil
}
