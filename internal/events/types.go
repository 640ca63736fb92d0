// Package events defines the topics and event types published on the hub's
// event bus.
package events

// Topics. Subscribers use these as bus subjects; delivery within a topic is
// in publish order, nothing is promised across topics.
const (
	TopicTasks    = "tasks"
	TopicAgents   = "agents"
	TopicPresence = "presence"
)

// Task lifecycle event types, published on TopicTasks by the task queue.
const (
	TaskSubmitted  = "task_submitted"
	TaskAssigned   = "task_assigned"
	TaskProgress   = "task_progress"
	TaskCompleted  = "task_completed"
	TaskRetry      = "task_retry"
	TaskDeadLetter = "task_dead_letter"
	TaskReclaimed  = "task_reclaimed"
	TaskRequeued   = "task_requeued"
)

// Agent FSM event types, published on TopicAgents.
const (
	AgentConnected    = "agent_connected"
	AgentDisconnected = "agent_disconnected"
	AgentIdle         = "agent_idle"
)

// Presence event types, published on TopicPresence.
const (
	AgentJoined   = "agent_joined"
	AgentLeft     = "agent_left"
	AgentTimeout  = "agent_timeout"
	StatusChanged = "status_changed"
)
