// Package events defines the bus subject layout shared by agents and
// the coordinator.
package events

import "fmt"

// Fixed subjects.
const (
	// SubjectHeartbeat carries the periodic heartbeat documents.
	SubjectHeartbeat = "agent.heartbeat_module"

	// SubjectModuleState carries module lifecycle and per-request
	// state change messages.
	SubjectModuleState = "agent.module.state"

	// SubjectNotifications carries module start/stop notices.
	SubjectNotifications = "agent.notif"

	// SubjectErrors carries crash reports.
	SubjectErrors = "agent.error"
)

// AgentOutputSubject returns the agent-level aggregate output subject.
func AgentOutputSubject(agentID string) string {
	return fmt.Sprintf("agent.%s.out", agentID)
}

// ModuleInputSubject returns the per-module request subject.
func ModuleInputSubject(agentID, module string) string {
	return fmt.Sprintf("agent.%s.%s.in", agentID, module)
}

// ModuleOutputSubject returns the per-module reply subject.
func ModuleOutputSubject(agentID, module string) string {
	return fmt.Sprintf("agent.%s.%s.out", agentID, module)
}

// ModuleErrorSubject returns the per-module error subject.
func ModuleErrorSubject(agentID, module string) string {
	return fmt.Sprintf("agent.%s.%s.error", agentID, module)
}
