package olap

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"

	"github.com/aiori-io/aiori/internal/common/config"
	"github.com/aiori-io/aiori/internal/common/logger"
	"github.com/aiori-io/aiori/internal/events"
	"github.com/aiori-io/aiori/internal/events/bus"
	"github.com/aiori-io/aiori/internal/metrics"
	v1 "github.com/aiori-io/aiori/pkg/api/v1"
)

const (
	dialTimeout  = 5 * time.Second
	writeTimeout = 5 * time.Second

	// heartbeatSampleInterval caps heartbeat rows per agent. Agents beat
	// every few seconds; the analytics table only needs one row per
	// sampling window.
	heartbeatSampleInterval = 30 * time.Second

	// samplerMaxAge bounds the per-agent state kept for agents that
	// stopped beating.
	samplerMaxAge = time.Hour

	insertBuffer = 1024
)

// Each statement is executed separately; ClickHouse does not accept
// multi-statement commands.
var createTableStatements = []string{
	`CREATE TABLE IF NOT EXISTS measurements (
		workflow_id String,
		agent_id String,
		module_name String,
		created_at DateTime64(3, 'UTC'),
		completed_at DateTime64(3, 'UTC'),
		measurement_data String,
		agent_hostname String,
		agent_name String,
		agent_pid UInt32,
		system_machine String,
		system_node_name String,
		system_platform String,
		system_processor String,
		system_release String,
		system_version String,
		network_interfaces String,
		user_name String,
		user_uid UInt32,
		user_gid UInt32,
		user_home_dir String,
		user_shell String,
		request_data String,
		success Boolean,
		INDEX idx_workflow_id workflow_id TYPE bloom_filter GRANULARITY 1,
		INDEX idx_agent_id agent_id TYPE bloom_filter GRANULARITY 1,
		INDEX idx_module_name module_name TYPE bloom_filter GRANULARITY 1,
		INDEX idx_created_at created_at TYPE minmax GRANULARITY 1
	) ENGINE = MergeTree()
	ORDER BY (created_at, agent_id, module_name)
	PARTITION BY toYYYYMM(created_at)`,

	`CREATE TABLE IF NOT EXISTS agent_heartbeats (
		agent_id String,
		agent_name String,
		hostname String,
		timestamp DateTime64(3, 'UTC'),
		alive Boolean,
		total_heartbeats UInt32,
		load_avg_1m Float32,
		load_avg_5m Float32,
		load_avg_15m Float32,
		config String,
		INDEX idx_agent_id agent_id TYPE bloom_filter GRANULARITY 1,
		INDEX idx_timestamp timestamp TYPE minmax GRANULARITY 1
	) ENGINE = MergeTree()
	ORDER BY (timestamp, agent_id)
	PARTITION BY toYYYYMM(timestamp)`,

	`CREATE TABLE IF NOT EXISTS module_states (
		workflow_id String,
		agent_id String,
		module_name String,
		state String,
		timestamp DateTime64(3, 'UTC'),
		error_message Nullable(String),
		details String,
		INDEX idx_workflow_id workflow_id TYPE bloom_filter GRANULARITY 1,
		INDEX idx_agent_id agent_id TYPE bloom_filter GRANULARITY 1,
		INDEX idx_module_name module_name TYPE bloom_filter GRANULARITY 1,
		INDEX idx_timestamp timestamp TYPE minmax GRANULARITY 1
	) ENGINE = MergeTree()
	ORDER BY (timestamp, agent_id, module_name)
	PARTITION BY toYYYYMM(timestamp)`,
}

const (
	tableMeasurements = "measurements"
	tableHeartbeats   = "agent_heartbeats"
	tableModuleStates = "module_states"

	insertMeasurement = `INSERT INTO measurements (
		workflow_id, agent_id, module_name, created_at, completed_at,
		measurement_data, agent_hostname, agent_name, agent_pid,
		system_machine, system_node_name, system_platform, system_processor,
		system_release, system_version, network_interfaces,
		user_name, user_uid, user_gid, user_home_dir, user_shell,
		request_data, success)`

	insertHeartbeat = `INSERT INTO agent_heartbeats (
		agent_id, agent_name, hostname, timestamp, alive, total_heartbeats,
		load_avg_1m, load_avg_5m, load_avg_15m, config)`

	insertModuleState = `INSERT INTO module_states (
		workflow_id, agent_id, module_name, state, timestamp,
		error_message, details)`
)

// insertRow is one buffered insert: a prepared-batch query plus its
// positional arguments in column order.
type insertRow struct {
	table string
	query string
	args  []interface{}
}

// agentSnapshot caches the last heartbeat's self-description so
// measurement rows can be denormalized without a registry lookup.
type agentSnapshot struct {
	info       v1.AgentInfo
	heartbeats uint64
}

// Clickhouse streams telemetry rows into ClickHouse through a single
// writer goroutine. Producers never block: rows that do not fit the
// buffer are counted and dropped.
type Clickhouse struct {
	conn    driver.Conn
	bus     bus.Bus
	logger  *logger.Logger
	sampler *sampler

	mu     sync.Mutex
	agents map[string]*agentSnapshot

	rows   chan insertRow
	stopCh chan struct{}
	wg     sync.WaitGroup
}

var _ Sink = (*Clickhouse)(nil)

// New connects to ClickHouse over HTTP and creates the telemetry
// tables. The caller decides what a connection failure means; the
// coordinator logs it and falls back to the Nop sink.
func New(ctx context.Context, cfg config.OLAPConfig, b bus.Bus, log *logger.Logger) (*Clickhouse, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{cfg.Addr()},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Protocol:    clickhouse.HTTP,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open ClickHouse connection: %w", err)
	}

	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse at %s: %w", cfg.Addr(), err)
	}

	c := &Clickhouse{
		conn:    conn,
		bus:     b,
		logger:  log.WithFields(zap.String("component", "olap")),
		sampler: newSampler(heartbeatSampleInterval),
		agents:  make(map[string]*agentSnapshot),
		rows:    make(chan insertRow, insertBuffer),
		stopCh:  make(chan struct{}),
	}

	if err := c.initTables(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}

	log.Info("Connected to ClickHouse",
		zap.String("addr", cfg.Addr()),
		zap.String("database", cfg.Database),
	)
	return c, nil
}

func (c *Clickhouse) initTables(ctx context.Context) error {
	for _, ddl := range createTableStatements {
		if err := c.conn.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("failed to create ClickHouse table: %w", err)
		}
	}
	return nil
}

// Start subscribes the sink to the telemetry subjects and launches the
// writer goroutine.
func (c *Clickhouse) Start(ctx context.Context) error {
	if _, err := c.bus.Subscribe(events.SubjectHeartbeat, c.handleHeartbeat); err != nil {
		return fmt.Errorf("failed to subscribe to heartbeats: %w", err)
	}
	if _, err := c.bus.Subscribe(events.SubjectModuleState, c.handleModuleState); err != nil {
		return fmt.Errorf("failed to subscribe to module states: %w", err)
	}

	c.wg.Add(1)
	go c.writeLoop(ctx)

	c.logger.Info("OLAP sink started")
	return nil
}

// Close stops the writer, flushes buffered rows, and releases the
// connection.
func (c *Clickhouse) Close() error {
	close(c.stopCh)
	c.wg.Wait()
	return c.conn.Close()
}

// OnWorkflowTerminal records one measurement row for a finished
// workflow. Agent metadata comes from the last cached heartbeat; a
// workflow can outlive its agent, so missing metadata leaves the
// denormalized columns empty rather than dropping the row.
func (c *Clickhouse) OnWorkflowTerminal(wf *v1.Workflow, final *v1.WorkflowState) {
	var info v1.AgentInfo
	c.mu.Lock()
	if snap, ok := c.agents[wf.AgentID]; ok {
		info = snap.info
	}
	c.mu.Unlock()

	c.enqueue(insertRow{
		table: tableMeasurements,
		query: insertMeasurement,
		args: []interface{}{
			wf.ID,
			wf.AgentID,
			wf.ModuleName,
			wf.CreatedAt.UTC(),
			final.Timestamp.UTC(),
			jsonString(final.Details),
			info.Hostname,
			info.Name,
			clampUint32(info.PID),
			info.System.Machine,
			info.System.NodeName,
			info.System.Platform,
			info.System.Processor,
			info.System.Release,
			info.System.Version,
			jsonString(info.Network),
			info.User.User,
			clampUint32(info.User.UID),
			clampUint32(info.User.GID),
			info.User.HomeDir,
			info.User.Shell,
			rawString(wf.Request),
			final.Status == v1.WorkflowStatusCompleted,
		},
	})
}

// handleHeartbeat caches the agent's self-description for measurement
// denormalization and writes a sampled heartbeat row.
func (c *Clickhouse) handleHeartbeat(ctx context.Context, msg *bus.Message) error {
	var hb v1.Heartbeat
	if err := json.Unmarshal(msg.Data, &hb); err != nil || hb.Agent.ID == "" {
		return nil
	}

	c.mu.Lock()
	snap, ok := c.agents[hb.Agent.ID]
	if !ok {
		snap = &agentSnapshot{}
		c.agents[hb.Agent.ID] = snap
	}
	snap.info = hb.Agent
	snap.heartbeats++
	total := snap.heartbeats
	c.mu.Unlock()

	if !c.sampler.admit(hb.Agent.ID) {
		return nil
	}

	var l1, l5, l15 float32
	if la := hb.Agent.User.LoadAvg; la != nil {
		l1 = float32(la.Load1)
		l5 = float32(la.Load5)
		l15 = float32(la.Load15)
	}

	c.enqueue(insertRow{
		table: tableHeartbeats,
		query: insertHeartbeat,
		args: []interface{}{
			hb.Agent.ID,
			hb.Agent.Name,
			hb.Agent.Hostname,
			unixTime(hb.Timestamp),
			true,
			uint32(total),
			l1,
			l5,
			l15,
			rawString(hb.Agent.Modules),
		},
	})
	return nil
}

// handleModuleState writes every state message; unlike heartbeats these
// are not sampled, state transitions are the point of the table.
func (c *Clickhouse) handleModuleState(ctx context.Context, msg *bus.Message) error {
	var st v1.ModuleState
	if err := json.Unmarshal(msg.Data, &st); err != nil || st.AgentID == "" {
		return nil
	}

	ts := time.Now().UTC()
	if st.Timestamp != nil {
		ts = unixTime(*st.Timestamp)
	}

	var errMsg *string
	if st.ErrorMessage != "" {
		errMsg = &st.ErrorMessage
	}

	c.enqueue(insertRow{
		table: tableModuleStates,
		query: insertModuleState,
		args: []interface{}{
			st.WorkflowID,
			st.AgentID,
			st.ModuleName,
			st.State,
			ts,
			errMsg,
			jsonString(st.Details),
		},
	})
	return nil
}

func (c *Clickhouse) enqueue(row insertRow) {
	select {
	case c.rows <- row:
	default:
		metrics.OLAPRowsDropped.WithLabelValues(row.table).Inc()
		c.logger.Debug("insert buffer full, dropping row", zap.String("table", row.table))
	}
}

func (c *Clickhouse) writeLoop(ctx context.Context) {
	defer c.wg.Done()

	prune := time.NewTicker(samplerMaxAge)
	defer prune.Stop()

	for {
		select {
		case row := <-c.rows:
			c.write(row)
		case <-prune.C:
			c.dropStale()
		case <-c.stopCh:
			c.flush()
			return
		case <-ctx.Done():
			return
		}
	}
}

// flush drains whatever is buffered at shutdown so terminal
// measurements submitted just before Close still land.
func (c *Clickhouse) flush() {
	for {
		select {
		case row := <-c.rows:
			c.write(row)
		default:
			return
		}
	}
}

func (c *Clickhouse) write(row insertRow) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	batch, err := c.conn.PrepareBatch(ctx, row.query)
	if err != nil {
		metrics.OLAPRowsDropped.WithLabelValues(row.table).Inc()
		c.logger.Warn("ClickHouse batch prepare failed",
			zap.String("table", row.table), zap.Error(err))
		return
	}
	if err := batch.Append(row.args...); err != nil {
		_ = batch.Abort()
		metrics.OLAPRowsDropped.WithLabelValues(row.table).Inc()
		c.logger.Warn("ClickHouse append failed",
			zap.String("table", row.table), zap.Error(err))
		return
	}
	if err := batch.Send(); err != nil {
		metrics.OLAPRowsDropped.WithLabelValues(row.table).Inc()
		c.logger.Warn("ClickHouse insert failed",
			zap.String("table", row.table), zap.Error(err))
		return
	}
	metrics.OLAPRowsWritten.WithLabelValues(row.table).Inc()
}

func (c *Clickhouse) dropStale() {
	stale := c.sampler.prune(samplerMaxAge)
	if len(stale) == 0 {
		return
	}
	c.mu.Lock()
	for _, id := range stale {
		delete(c.agents, id)
	}
	c.mu.Unlock()
}

// unixTime converts a wire timestamp (Unix seconds with fractional
// part) to UTC, substituting now for missing values.
func unixTime(ts float64) time.Time {
	if ts <= 0 {
		return time.Now().UTC()
	}
	sec := int64(ts)
	nsec := int64((ts - float64(sec)) * 1e9)
	return time.Unix(sec, nsec).UTC()
}

func jsonString(v interface{}) string {
	data, err := json.Marshal(v)
	if err != nil || string(data) == "null" {
		return "{}"
	}
	return string(data)
}

func rawString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "{}"
	}
	return string(raw)
}

func clampUint32(v int) uint32 {
	if v < 0 {
		return 0
	}
	return uint32(v)
}
