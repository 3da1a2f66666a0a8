package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	apperrors "github.com/aiori-io/aiori/internal/common/errors"
	v1 "github.com/aiori-io/aiori/pkg/api/v1"
)

// SQLiteStore is the default single-file persistence backend.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) the database file and its schema.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// initSchema creates the tables if they don't exist
func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS agents (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		hostname TEXT NOT NULL DEFAULT '',
		alive INTEGER NOT NULL DEFAULT 1,
		first_seen DATETIME NOT NULL,
		last_seen DATETIME NOT NULL,
		total_heartbeats INTEGER NOT NULL DEFAULT 0,
		tags TEXT DEFAULT '{}',
		capabilities TEXT DEFAULT '{}'
	);

	CREATE TABLE IF NOT EXISTS workflows (
		id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL,
		module_name TEXT NOT NULL,
		request TEXT DEFAULT '{}',
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS workflow_states (
		workflow_id TEXT NOT NULL,
		sequence INTEGER NOT NULL,
		state TEXT NOT NULL,
		timestamp DATETIME NOT NULL,
		reason TEXT DEFAULT '',
		details TEXT DEFAULT '{}',
		PRIMARY KEY (workflow_id, sequence),
		FOREIGN KEY (workflow_id) REFERENCES workflows(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_workflows_agent_id ON workflows(agent_id);
	CREATE INDEX IF NOT EXISTS idx_workflows_created_at ON workflows(created_at);
	CREATE INDEX IF NOT EXISTS idx_workflow_states_workflow_id ON workflow_states(workflow_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Agent operations

// UpsertAgent inserts or replaces the agent record.
func (s *SQLiteStore) UpsertAgent(ctx context.Context, agent *v1.Agent) error {
	tags, err := json.Marshal(agent.Tags)
	if err != nil {
		tags = []byte("{}")
	}
	caps := capabilityBytes(agent)

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agents (id, name, hostname, alive, first_seen, last_seen, total_heartbeats, tags, capabilities)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			hostname = excluded.hostname,
			alive = excluded.alive,
			first_seen = excluded.first_seen,
			last_seen = excluded.last_seen,
			total_heartbeats = excluded.total_heartbeats,
			tags = excluded.tags,
			capabilities = excluded.capabilities
	`, agent.ID, agent.Name, agent.Hostname, agent.Alive, agent.FirstSeen.UTC(), agent.LastSeen.UTC(), agent.TotalHeartbeats, string(tags), string(caps))

	return err
}

// ListAgents returns every stored agent record.
func (s *SQLiteStore) ListAgents(ctx context.Context) ([]*v1.Agent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, hostname, alive, first_seen, last_seen, total_heartbeats, tags, capabilities
		FROM agents ORDER BY first_seen
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*v1.Agent
	for rows.Next() {
		agent := &v1.Agent{}
		var tags, caps string
		err := rows.Scan(&agent.ID, &agent.Name, &agent.Hostname, &agent.Alive, &agent.FirstSeen, &agent.LastSeen, &agent.TotalHeartbeats, &tags, &caps)
		if err != nil {
			return nil, err
		}
		agent.FirstSeen = agent.FirstSeen.UTC()
		agent.LastSeen = agent.LastSeen.UTC()
		_ = json.Unmarshal([]byte(tags), &agent.Tags)
		agent.CapabilityRaw = json.RawMessage(caps)
		_ = json.Unmarshal(agent.CapabilityRaw, &agent.Capabilities)
		result = append(result, agent)
	}
	return result, rows.Err()
}

// Workflow operations

// InsertWorkflow stores the immutable execution record.
func (s *SQLiteStore) InsertWorkflow(ctx context.Context, wf *v1.Workflow) error {
	request := wf.Request
	if len(request) == 0 {
		request = json.RawMessage("{}")
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workflows (id, agent_id, module_name, request, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, wf.ID, wf.AgentID, wf.ModuleName, string(request), wf.CreatedAt.UTC())

	return err
}

// AppendWorkflowState appends one history entry. The composite primary
// key rejects duplicate sequences.
func (s *SQLiteStore) AppendWorkflowState(ctx context.Context, state *v1.WorkflowState) error {
	details, err := json.Marshal(state.Details)
	if err != nil {
		details = []byte("{}")
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflow_states (workflow_id, sequence, state, timestamp, reason, details)
		VALUES (?, ?, ?, ?, ?, ?)
	`, state.WorkflowID, state.Sequence, string(state.Status), state.Timestamp.UTC(), state.Reason, string(details))

	return err
}

// GetWorkflow retrieves one workflow record by ID.
func (s *SQLiteStore) GetWorkflow(ctx context.Context, id string) (*v1.Workflow, error) {
	wf := &v1.Workflow{}
	var request string

	err := s.db.QueryRowContext(ctx, `
		SELECT id, agent_id, module_name, request, created_at
		FROM workflows WHERE id = ?
	`, id).Scan(&wf.ID, &wf.AgentID, &wf.ModuleName, &request, &wf.CreatedAt)

	if err == sql.ErrNoRows {
		return nil, apperrors.WorkflowNotFound(id)
	}
	if err != nil {
		return nil, err
	}

	wf.CreatedAt = wf.CreatedAt.UTC()
	wf.Request = json.RawMessage(request)
	return wf, nil
}

// ListWorkflows returns workflows filtered by current status, newest first.
func (s *SQLiteStore) ListWorkflows(ctx context.Context, status v1.WorkflowStatus, limit int) ([]*v1.Workflow, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT w.id, w.agent_id, w.module_name, w.request, w.created_at
		FROM workflows w
		JOIN workflow_states s
		  ON s.workflow_id = w.id
		 AND s.sequence = (SELECT MAX(sequence) FROM workflow_states WHERE workflow_id = w.id)
		WHERE (? = '' OR s.state = ?)
		ORDER BY w.created_at DESC
		LIMIT ?
	`, string(status), string(status), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanWorkflowRows(rows)
}

// ListWorkflowStates returns the full history ordered by sequence.
func (s *SQLiteStore) ListWorkflowStates(ctx context.Context, workflowID string) ([]*v1.WorkflowState, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT workflow_id, sequence, state, timestamp, reason, details
		FROM workflow_states WHERE workflow_id = ? ORDER BY sequence
	`, workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*v1.WorkflowState
	for rows.Next() {
		state := &v1.WorkflowState{}
		var status, details string
		err := rows.Scan(&state.WorkflowID, &state.Sequence, &status, &state.Timestamp, &state.Reason, &details)
		if err != nil {
			return nil, err
		}
		state.Status = v1.WorkflowStatus(status)
		state.Timestamp = state.Timestamp.UTC()
		_ = json.Unmarshal([]byte(details), &state.Details)
		result = append(result, state)
	}
	return result, rows.Err()
}

// ListRunningWorkflows returns every workflow whose latest state is RUNNING.
func (s *SQLiteStore) ListRunningWorkflows(ctx context.Context) ([]*v1.Workflow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT w.id, w.agent_id, w.module_name, w.request, w.created_at
		FROM workflows w
		JOIN workflow_states s
		  ON s.workflow_id = w.id
		 AND s.sequence = (SELECT MAX(sequence) FROM workflow_states WHERE workflow_id = w.id)
		WHERE s.state = ?
		ORDER BY w.created_at
	`, string(v1.WorkflowStatusRunning))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanWorkflowRows(rows)
}

// capabilityBytes prefers the exact bytes from the last heartbeat so a
// hydrated record still byte-compares against incoming capability docs.
func capabilityBytes(agent *v1.Agent) []byte {
	if len(agent.CapabilityRaw) > 0 {
		return agent.CapabilityRaw
	}
	caps, err := json.Marshal(agent.Capabilities)
	if err != nil {
		return []byte("{}")
	}
	return caps
}
