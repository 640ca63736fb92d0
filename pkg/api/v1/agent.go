package v1

// AgentState is the scheduler-visible state of an agent's work FSM.
type AgentState string

const (
	AgentIdle     AgentState = "IDLE"
	AgentAssigned AgentState = "ASSIGNED"
	AgentWorking  AgentState = "WORKING"
	AgentBlocked  AgentState = "BLOCKED"
	AgentOffline  AgentState = "OFFLINE"
)

// AgentInfo is a presence snapshot of one connected agent.
type AgentInfo struct {
	AgentID      string     `json:"agent_id"`
	Name         string     `json:"name,omitempty"`
	Capabilities []string   `json:"capabilities,omitempty"`
	Status       string     `json:"status,omitempty"` // free-form, e.g. "working on X"
	State        AgentState `json:"state"`
	ConnectedAt  int64      `json:"connected_at"` // unix millis
	LastSeenAt   int64      `json:"last_seen_at"`
	CurrentTask  string     `json:"current_task,omitempty"`
}
