package v1

import (
	"encoding/json"
	"time"
)

// WorkflowStatus represents the tracked state of a module execution
type WorkflowStatus string

const (
	WorkflowStatusRunning   WorkflowStatus = "RUNNING"
	WorkflowStatusCompleted WorkflowStatus = "COMPLETED"
	WorkflowStatusFailed    WorkflowStatus = "FAILED"
)

// Terminal reports whether the status can never change again.
func (s WorkflowStatus) Terminal() bool {
	return s == WorkflowStatusCompleted || s == WorkflowStatusFailed
}

// Module states as reported by agents on the wire. Richer than the
// tracked workflow statuses; the coordinator folds them down.
const (
	ModuleStateStarted   = "STARTED"
	ModuleStateRunning   = "RUNNING"
	ModuleStateCompleted = "COMPLETED"
	ModuleStateError     = "ERROR"
	ModuleStateFailed    = "FAILED"
)

// Agent is the coordinator's record of a fleet member.
type Agent struct {
	ID              string            `json:"agent_id"`
	Name            string            `json:"agent_name"`
	Hostname        string            `json:"hostname"`
	Alive           bool              `json:"alive"`
	FirstSeen       time.Time         `json:"first_seen"`
	LastSeen        time.Time         `json:"last_seen"`
	TotalHeartbeats int64             `json:"total_heartbeats"`
	Tags            map[string]string `json:"tags,omitempty"`
	Capabilities    CapabilityDoc     `json:"capabilities"`

	// CapabilityRaw holds the exact capability bytes from the last
	// heartbeat; capability changes are detected by byte equality.
	CapabilityRaw json.RawMessage `json:"-"`
}

// Workflow is the immutable record of one tracked module execution.
type Workflow struct {
	ID         string          `json:"workflow_id"`
	AgentID    string          `json:"agent_id"`
	ModuleName string          `json:"module_name"`
	Request    json.RawMessage `json:"request,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// WorkflowState is one append-only history entry of a workflow.
type WorkflowState struct {
	WorkflowID string                 `json:"workflow_id"`
	Sequence   int                    `json:"sequence"`
	Status     WorkflowStatus         `json:"state"`
	Timestamp  time.Time              `json:"timestamp"`
	Reason     string                 `json:"reason,omitempty"`
	Details    map[string]interface{} `json:"details,omitempty"`
}

// ModuleDescriptor describes one module advertised in a capability doc.
type ModuleDescriptor struct {
	InputSchema   json.RawMessage `json:"input_schema,omitempty"`
	InputSubject  string          `json:"input_subject"`
	OutputSubject string          `json:"output_subject"`
	ErrorSubject  string          `json:"error_subject"`
}

// CapabilityDoc is the modules section of a heartbeat: the loaded
// module names plus a subject descriptor for each. input_schema is
// set only for modules that validate their requests.
type CapabilityDoc struct {
	Modules []string                    `json:"modules"`
	Spec    map[string]ModuleDescriptor `json:"spec"`
}

// Heartbeat is the document agents publish on the heartbeat subject.
// Timestamp is Unix seconds with fractional part.
type Heartbeat struct {
	Module    string            `json:"module"`
	Timestamp float64           `json:"timestamp"`
	Tags      map[string]string `json:"tags,omitempty"`
	Agent     AgentInfo         `json:"agent"`
}

// AgentInfo is the self-description block inside a heartbeat. Modules
// is kept raw so capability comparison operates on exact wire bytes.
type AgentInfo struct {
	ID       string                      `json:"id"`
	Name     string                      `json:"name"`
	Hostname string                      `json:"hostname"`
	PID      int                         `json:"pid"`
	Timezone []string                    `json:"timezone"`
	Modules  json.RawMessage             `json:"modules"`
	Network  map[string]NetworkInterface `json:"network"`
	System   SystemInfo                  `json:"system"`
	User     UserInfo                    `json:"user"`
}

// ParseCapabilities decodes the raw modules section.
func (a *AgentInfo) ParseCapabilities() (CapabilityDoc, error) {
	var doc CapabilityDoc
	err := json.Unmarshal(a.Modules, &doc)
	return doc, err
}

// NetworkInterface lists the addresses of one interface. A probe
// failure is reported through Error instead of aborting the heartbeat.
type NetworkInterface struct {
	IPv4  []string `json:"ipv4"`
	IPv6  []string `json:"ipv6"`
	MAC   []string `json:"mac"`
	Error string   `json:"error,omitempty"`
}

// SystemInfo mirrors the platform block of a heartbeat.
type SystemInfo struct {
	Machine   string `json:"machine"`
	NodeName  string `json:"node_name"`
	Platform  string `json:"platform"`
	Processor string `json:"processor"`
	Release   string `json:"release"`
	System    string `json:"system"`
	Version   string `json:"version"`
	Error     string `json:"error,omitempty"`
}

// LoadAvg carries the 1/5/15 minute load averages.
type LoadAvg struct {
	Load1  float64 `json:"1m"`
	Load5  float64 `json:"5m"`
	Load15 float64 `json:"15m"`
}

// UserInfo mirrors the process-owner block of a heartbeat.
type UserInfo struct {
	User       string   `json:"user"`
	UID        int      `json:"uid"`
	GID        int      `json:"gid"`
	Gecos      string   `json:"gecos"`
	Groups     []string `json:"groups"`
	HomeDir    string   `json:"home_dir"`
	Shell      string   `json:"shell"`
	WorkingDir string   `json:"working_dir"`
	LoadAvg    *LoadAvg `json:"loadavg,omitempty"`
	Error      string   `json:"error,omitempty"`
}

// ModuleState is the state-change message agents publish for module
// lifecycle events and per-request progress. WorkflowID is empty for
// host-level lifecycle states.
type ModuleState struct {
	AgentID      string                 `json:"agent_id"`
	ModuleName   string                 `json:"module_name"`
	State        string                 `json:"state"`
	WorkflowID   string                 `json:"workflow_id,omitempty"`
	Timestamp    *float64               `json:"timestamp,omitempty"`
	ErrorMessage string                 `json:"error_message,omitempty"`
	Details      map[string]interface{} `json:"details,omitempty"`
}

// Notification is published on the lifecycle notice subject when a
// module starts or stops.
type Notification struct {
	Message string `json:"message"`
	Name    string `json:"name"`
	AgentID string `json:"agent_id,omitempty"`
}

// CrashReport is published on the error subject when a worker panics
// or its run loop fails.
type CrashReport struct {
	AgentID string `json:"agent_id"`
	Module  string `json:"module"`
	Error   string `json:"error"`
	Stack   string `json:"stack,omitempty"`
}

// ExecuteReceipt acknowledges an accepted module execution.
type ExecuteReceipt struct {
	Status     string `json:"status"`
	WorkflowID string `json:"workflow_id,omitempty"`
}
