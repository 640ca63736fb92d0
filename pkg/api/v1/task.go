// Package v1 holds the shared API types exchanged between the hub,
// agents, and administrative clients.
package v1

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// Priority orders tasks in the queue. Lower value = scheduled first.
type Priority int

const (
	PriorityUrgent Priority = 0
	PriorityHigh   Priority = 1
	PriorityNormal Priority = 2
	PriorityLow    Priority = 3
)

var priorityNames = map[Priority]string{
	PriorityUrgent: "urgent",
	PriorityHigh:   "high",
	PriorityNormal: "normal",
	PriorityLow:    "low",
}

// ParsePriority converts a wire name ("urgent", "high", "normal", "low")
// into a Priority. An empty string defaults to normal.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(s) {
	case "urgent":
		return PriorityUrgent, nil
	case "high":
		return PriorityHigh, nil
	case "", "normal":
		return PriorityNormal, nil
	case "low":
		return PriorityLow, nil
	}
	return PriorityNormal, fmt.Errorf("unknown priority %q", s)
}

// String returns the wire name of the priority.
func (p Priority) String() string {
	if name, ok := priorityNames[p]; ok {
		return name
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

// Valid reports whether p is one of the four defined lanes.
func (p Priority) Valid() bool {
	_, ok := priorityNames[p]
	return ok
}

// MarshalJSON encodes the priority as its wire name.
func (p Priority) MarshalJSON() ([]byte, error) {
	name, ok := priorityNames[p]
	if !ok {
		return nil, fmt.Errorf("invalid priority %d", int(p))
	}
	return json.Marshal(name)
}

// UnmarshalJSON accepts either a wire name or a bare integer.
func (p *Priority) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		parsed, err := ParsePriority(s)
		if err != nil {
			return err
		}
		*p = parsed
		return nil
	}
	var n int
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("priority must be a string or integer")
	}
	if !Priority(n).Valid() {
		return fmt.Errorf("invalid priority %d", n)
	}
	*p = Priority(n)
	return nil
}

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	TaskQueued     TaskStatus = "QUEUED"
	TaskAssigned   TaskStatus = "ASSIGNED"
	TaskCompleted  TaskStatus = "COMPLETED"
	TaskFailed     TaskStatus = "FAILED"
	TaskDeadLetter TaskStatus = "DEAD_LETTER"
)

// HistoryEntry records one lifecycle transition of a task.
type HistoryEntry struct {
	State     TaskStatus `json:"state"`
	Timestamp int64      `json:"timestamp"` // unix millis
	Details   string     `json:"details,omitempty"`
}

// Task is the authoritative task record. Timestamps are unix milliseconds;
// zero means unset except CreatedAt, which is always set.
type Task struct {
	ID                 string                 `json:"id"`
	Description        string                 `json:"description"`
	Metadata           map[string]interface{} `json:"metadata,omitempty"`
	Priority           Priority               `json:"priority"`
	Status             TaskStatus             `json:"status"`
	AssignedTo         string                 `json:"assigned_to,omitempty"`
	AssignedAt         int64                  `json:"assigned_at,omitempty"`
	CreatedAt          int64                  `json:"created_at"`
	UpdatedAt          int64                  `json:"updated_at,omitempty"`
	CompleteBy         int64                  `json:"complete_by,omitempty"`
	Generation         uint64                 `json:"generation"`
	RetryCount         int                    `json:"retry_count"`
	MaxRetries         int                    `json:"max_retries"`
	LastError          string                 `json:"last_error,omitempty"`
	Result             map[string]interface{} `json:"result,omitempty"`
	TokensUsed         int64                  `json:"tokens_used,omitempty"`
	NeededCapabilities []string               `json:"needed_capabilities,omitempty"`
	Repo               string                 `json:"repo,omitempty"`
	History            []HistoryEntry         `json:"history,omitempty"`
}

// Clone returns a deep copy so callers can hand tasks across goroutines
// without sharing the queue's internal record.
func (t *Task) Clone() *Task {
	cp := *t
	if t.Metadata != nil {
		cp.Metadata = make(map[string]interface{}, len(t.Metadata))
		for k, v := range t.Metadata {
			cp.Metadata[k] = v
		}
	}
	if t.Result != nil {
		cp.Result = make(map[string]interface{}, len(t.Result))
		for k, v := range t.Result {
			cp.Result[k] = v
		}
	}
	cp.NeededCapabilities = append([]string(nil), t.NeededCapabilities...)
	cp.History = append([]HistoryEntry(nil), t.History...)
	return &cp
}

// NewTaskID returns a fresh task identifier: "task-" + 16 random hex chars.
func NewTaskID() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(fmt.Sprintf("crypto/rand unavailable: %v", err))
	}
	return "task-" + hex.EncodeToString(b[:])
}

// SubmitTaskRequest is the body of POST /tasks and the parameter set of
// queue submission.
type SubmitTaskRequest struct {
	Description        string                 `json:"description" binding:"required"`
	Priority           string                 `json:"priority,omitempty"`
	Metadata           map[string]interface{} `json:"metadata,omitempty"`
	Repo               string                 `json:"repo,omitempty"`
	NeededCapabilities []string               `json:"needed_capabilities,omitempty"`
	MaxRetries         *int                   `json:"max_retries,omitempty"`
	CompleteBy         int64                  `json:"complete_by,omitempty"`
}
