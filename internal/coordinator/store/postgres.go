package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"

	apperrors "github.com/aiori-io/aiori/internal/common/errors"
	v1 "github.com/aiori-io/aiori/pkg/api/v1"
)

// PostgresStore is the shared-database persistence backend.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// OpenPostgres connects via the pgx stdlib adapter and prepares the schema.
func OpenPostgres(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping postgres database: %w", err)
	}

	s := &PostgresStore{db: db}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS agents (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		hostname TEXT NOT NULL DEFAULT '',
		alive BOOLEAN NOT NULL DEFAULT TRUE,
		first_seen TIMESTAMPTZ NOT NULL,
		last_seen TIMESTAMPTZ NOT NULL,
		total_heartbeats BIGINT NOT NULL DEFAULT 0,
		tags JSONB NOT NULL DEFAULT '{}',
		capabilities JSONB NOT NULL DEFAULT '{}'
	);

	CREATE TABLE IF NOT EXISTS workflows (
		id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL,
		module_name TEXT NOT NULL,
		request JSONB NOT NULL DEFAULT '{}',
		created_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS workflow_states (
		workflow_id TEXT NOT NULL REFERENCES workflows(id) ON DELETE CASCADE,
		sequence INTEGER NOT NULL,
		state TEXT NOT NULL,
		timestamp TIMESTAMPTZ NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		details JSONB NOT NULL DEFAULT '{}',
		PRIMARY KEY (workflow_id, sequence)
	);

	CREATE INDEX IF NOT EXISTS idx_workflows_agent_id ON workflows(agent_id);
	CREATE INDEX IF NOT EXISTS idx_workflows_created_at ON workflows(created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// UpsertAgent inserts or replaces the agent record.
func (s *PostgresStore) UpsertAgent(ctx context.Context, agent *v1.Agent) error {
	tags, err := json.Marshal(agent.Tags)
	if err != nil {
		tags = []byte("{}")
	}
	caps := capabilityBytes(agent)

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agents (id, name, hostname, alive, first_seen, last_seen, total_heartbeats, tags, capabilities)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			hostname = EXCLUDED.hostname,
			alive = EXCLUDED.alive,
			first_seen = EXCLUDED.first_seen,
			last_seen = EXCLUDED.last_seen,
			total_heartbeats = EXCLUDED.total_heartbeats,
			tags = EXCLUDED.tags,
			capabilities = EXCLUDED.capabilities
	`, agent.ID, agent.Name, agent.Hostname, agent.Alive, agent.FirstSeen.UTC(), agent.LastSeen.UTC(), agent.TotalHeartbeats, string(tags), string(caps))

	return err
}

// ListAgents returns every stored agent record.
func (s *PostgresStore) ListAgents(ctx context.Context) ([]*v1.Agent, error) {
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

// InsertWorkflow stores the immutable execution record.
func (s *PostgresStore) InsertWorkflow(ctx context.Context, wf *v1.Workflow) error {
	request := wf.Request
	if len(request) == 0 {
		request = json.RawMessage("{}")
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workflows (id, agent_id, module_name, request, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, wf.ID, wf.AgentID, wf.ModuleName, string(request), wf.CreatedAt.UTC())

	return err
}

// AppendWorkflowState appends one history entry.
func (s *PostgresStore) AppendWorkflowState(ctx context.Context, state *v1.WorkflowState) error {
	details, err := json.Marshal(state.Details)
	if err != nil {
		details = []byte("{}")
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflow_states (workflow_id, sequence, state, timestamp, reason, details)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, state.WorkflowID, state.Sequence, string(state.Status), state.Timestamp.UTC(), state.Reason, string(details))

	return err
}

// GetWorkflow retrieves one workflow record by ID.
func (s *PostgresStore) GetWorkflow(ctx context.Context, id string) (*v1.Workflow, error) {
	wf := &v1.Workflow{}
	var request string

	err := s.db.QueryRowContext(ctx, `
		SELECT id, agent_id, module_name, request, created_at
		FROM workflows WHERE id = $1
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
func (s *PostgresStore) ListWorkflows(ctx context.Context, status v1.WorkflowStatus, limit int) ([]*v1.Workflow, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT w.id, w.agent_id, w.module_name, w.request, w.created_at
		FROM workflows w
		JOIN workflow_states s
		  ON s.workflow_id = w.id
		 AND s.sequence = (SELECT MAX(sequence) FROM workflow_states WHERE workflow_id = w.id)
		WHERE ($1 = '' OR s.state = $1)
		ORDER BY w.created_at DESC
		LIMIT $2
	`, string(status), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanWorkflowRows(rows)
}

// ListWorkflowStates returns the full history ordered by sequence.
func (s *PostgresStore) ListWorkflowStates(ctx context.Context, workflowID string) ([]*v1.WorkflowState, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT workflow_id, sequence, state, timestamp, reason, details
		FROM workflow_states WHERE workflow_id = $1 ORDER BY sequence
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
func (s *PostgresStore) ListRunningWorkflows(ctx context.Context) ([]*v1.Workflow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT w.id, w.agent_id, w.module_name, w.request, w.created_at
		FROM workflows w
		JOIN workflow_states s
		  ON s.workflow_id = w.id
		 AND s.sequence = (SELECT MAX(sequence) FROM workflow_states WHERE workflow_id = w.id)
		WHERE s.state = $1
		ORDER BY w.created_at
	`, string(v1.WorkflowStatusRunning))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanWorkflowRows(rows)
}

func scanWorkflowRows(rows *sql.Rows) ([]*v1.Workflow, error) {
	var result []*v1.Workflow
	for rows.Next() {
		wf := &v1.Workflow{}
		var request string
		err := rows.Scan(&wf.ID, &wf.AgentID, &wf.ModuleName, &request, &wf.CreatedAt)
		if err != nil {
			return nil, err
		}
		wf.CreatedAt = wf.CreatedAt.UTC()
		wf.Request = json.RawMessage(request)
		result = append(result, wf)
	}
	return result, rows.Err()
}
