// Package protocol defines the JSON frames exchanged on the /ws endpoint.
// Every frame is a flat object carrying a "type" tag; the field names here
// are part of the wire contract.
package protocol

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Inbound frame types (agent → hub).
const (
	TypeIdentify       = "identify"
	TypePing           = "ping"
	TypeStatus         = "status"
	TypeTaskAccepted   = "task_accepted"
	TypeTaskProgress   = "task_progress"
	TypeTaskComplete   = "task_complete"
	TypeTaskFailed     = "task_failed"
	TypeTaskRecovering = "task_recovering"
	TypeTaskRejected   = "task_rejected"
	TypeSubscribe      = "subscribe"
)

// Outbound frame types (hub → client).
const (
	TypeIdentified    = "identified"
	TypePong          = "pong"
	TypeTaskAssign    = "task_assign"
	TypeTaskContinue  = "task_continue"
	TypeTaskReassign  = "task_reassign"
	TypeError         = "error"
	TypeAgentJoined   = "agent_joined"
	TypeAgentLeft     = "agent_left"
	TypeStatusChanged = "status_changed"
	TypeEvent         = "event"
)

// Error codes carried by Error frames.
const (
	CodeNotIdentified    = "not_identified"
	CodeAuthFailed       = "auth_failed"
	CodeValidationFailed = "validation_failed"
	CodeStaleGeneration  = "stale_generation"
	CodeWrongState       = "wrong_state"
	CodeNotFound         = "not_found"
	CodeInternal         = "internal_error"
)

// Identify authenticates a connection and binds it to an agent id.
type Identify struct {
	Type         string   `json:"type"`
	AgentID      string   `json:"agent_id"`
	Token        string   `json:"token"`
	Name         string   `json:"name,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	Status       string   `json:"status,omitempty"`
}

// Ping keeps the presence record fresh.
type Ping struct {
	Type string `json:"type"`
}

// Status updates the agent's free-form status line.
type Status struct {
	Type   string `json:"type"`
	Status string `json:"status"`
}

// TaskAccepted acknowledges a task_assign frame.
type TaskAccepted struct {
	Type   string `json:"type"`
	TaskID string `json:"task_id"`
}

// TaskProgress reports incremental progress on the current task.
type TaskProgress struct {
	Type    string `json:"type"`
	TaskID  string `json:"task_id"`
	Snippet string `json:"snippet,omitempty"`
}

// Generation is the inbound wire form of the fencing token, a decimal string
// echoed back from the task_assign frame. Any other JSON shape decodes
// without error and later parses as stale, so a sloppy agent gets
// stale_generation instead of a validation strike.
type Generation string

// UnmarshalJSON keeps only JSON strings; numbers, nulls, and objects leave
// the token empty, which ParseGeneration reports as stale.
func (g *Generation) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		*g = ""
		return nil
	}
	*g = Generation(s)
	return nil
}

// TaskComplete reports successful completion.
type TaskComplete struct {
	Type       string                 `json:"type"`
	TaskID     string                 `json:"task_id"`
	Generation Generation             `json:"generation"`
	Result     map[string]interface{} `json:"result,omitempty"`
	TokensUsed int64                  `json:"tokens_used,omitempty"`
}

// TaskFailed reports a failed attempt.
type TaskFailed struct {
	Type       string     `json:"type"`
	TaskID     string     `json:"task_id"`
	Generation Generation `json:"generation"`
	Reason     string     `json:"reason,omitempty"`
}

// TaskRecovering announces that a restarting agent still holds local work
// for a task and asks whether to continue it.
type TaskRecovering struct {
	Type   string `json:"type"`
	TaskID string `json:"task_id"`
}

// TaskRejected declines an assignment; the hub reclaims the task.
type TaskRejected struct {
	Type   string `json:"type"`
	TaskID string `json:"task_id"`
	Reason string `json:"reason,omitempty"`
}

// Subscribe opts a dashboard connection into relayed event topics.
type Subscribe struct {
	Type   string   `json:"type"`
	Topics []string `json:"topics"`
}

// Identified confirms a successful identify.
type Identified struct {
	Type       string `json:"type"`
	AgentID    string `json:"agent_id"`
	ServerTime int64  `json:"server_time"`
}

// Pong answers a ping with the server time in unix millis.
type Pong struct {
	Type       string `json:"type"`
	ServerTime int64  `json:"server_time"`
}

// TaskAssign hands a task to an agent.
type TaskAssign struct {
	Type        string                 `json:"type"`
	TaskID      string                 `json:"task_id"`
	Description string                 `json:"description"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	Generation  string                 `json:"generation"`
	CompleteBy  int64                  `json:"complete_by,omitempty"`
}

// TaskContinue tells a recovering agent its assignment is still valid.
type TaskContinue struct {
	Type       string `json:"type"`
	TaskID     string `json:"task_id"`
	Generation string `json:"generation"`
}

// TaskReassign tells a recovering agent to discard local work.
type TaskReassign struct {
	Type   string `json:"type"`
	TaskID string `json:"task_id"`
}

// Error is the structured error frame.
type Error struct {
	Type    string                 `json:"type"`
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// NewError builds an error frame.
func NewError(code, message string) *Error {
	return &Error{Type: TypeError, Code: code, Message: message}
}

// ValidationError marks a frame that failed schema validation. The protocol
// machine counts these toward the abuse threshold.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid frame: field %q %s", e.Field, e.Reason)
}

// Decode parses a raw inbound frame into its typed struct and validates the
// required fields. It returns the frame type tag alongside the frame so the
// caller can switch without re-inspecting.
func Decode(raw []byte) (string, interface{}, error) {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", nil, &ValidationError{Field: "type", Reason: "frame is not a JSON object"}
	}
	if env.Type == "" {
		return "", nil, &ValidationError{Field: "type", Reason: "is required"}
	}

	var (
		frame interface{}
		err   error
	)
	switch env.Type {
	case TypeIdentify:
		f := &Identify{}
		err = unmarshalFrame(raw, f)
		if err == nil {
			if f.AgentID == "" {
				err = &ValidationError{Field: "agent_id", Reason: "is required"}
			} else if f.Token == "" {
				err = &ValidationError{Field: "token", Reason: "is required"}
			}
		}
		frame = f
	case TypePing:
		f := &Ping{}
		err = unmarshalFrame(raw, f)
		frame = f
	case TypeStatus:
		f := &Status{}
		err = unmarshalFrame(raw, f)
		if err == nil && f.Status == "" {
			err = &ValidationError{Field: "status", Reason: "is required"}
		}
		frame = f
	case TypeTaskAccepted:
		f := &TaskAccepted{}
		err = decodeTaskFrame(raw, f, &f.TaskID)
		frame = f
	case TypeTaskProgress:
		f := &TaskProgress{}
		err = decodeTaskFrame(raw, f, &f.TaskID)
		frame = f
	case TypeTaskComplete:
		f := &TaskComplete{}
		err = decodeTaskFrame(raw, f, &f.TaskID)
		frame = f
	case TypeTaskFailed:
		f := &TaskFailed{}
		err = decodeTaskFrame(raw, f, &f.TaskID)
		frame = f
	case TypeTaskRecovering:
		f := &TaskRecovering{}
		err = decodeTaskFrame(raw, f, &f.TaskID)
		frame = f
	case TypeTaskRejected:
		f := &TaskRejected{}
		err = decodeTaskFrame(raw, f, &f.TaskID)
		frame = f
	case TypeSubscribe:
		f := &Subscribe{}
		err = unmarshalFrame(raw, f)
		if err == nil && len(f.Topics) == 0 {
			err = &ValidationError{Field: "topics", Reason: "is required"}
		}
		frame = f
	default:
		return env.Type, nil, &ValidationError{Field: "type", Reason: fmt.Sprintf("unknown frame type %q", env.Type)}
	}
	if err != nil {
		return env.Type, nil, err
	}
	return env.Type, frame, nil
}

func unmarshalFrame(raw []byte, v interface{}) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return &ValidationError{Field: "payload", Reason: err.Error()}
	}
	return nil
}

func decodeTaskFrame(raw []byte, v interface{}, taskID *string) error {
	if err := unmarshalFrame(raw, v); err != nil {
		return err
	}
	if *taskID == "" {
		return &ValidationError{Field: "task_id", Reason: "is required"}
	}
	return nil
}

// FormatGeneration renders a fencing token for the wire.
func FormatGeneration(gen uint64) string {
	return strconv.FormatUint(gen, 10)
}

// ParseGeneration parses a wire fencing token. A missing, malformed, or
// non-string value returns ok=false; callers treat that as a stale
// generation.
func ParseGeneration(g Generation) (uint64, bool) {
	if g == "" {
		return 0, false
	}
	gen, err := strconv.ParseUint(string(g), 10, 64)
	if err != nil {
		return 0, false
	}
	return gen, true
}
