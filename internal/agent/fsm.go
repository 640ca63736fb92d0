// Package agent tracks the per-agent work state machine: what each connected
// agent is doing and whether it may receive an assignment.
package agent

import (
	"fmt"
	"time"

	v1 "github.com/agentcom/agentcom/pkg/api/v1"
)

// FrameSink is the outbound half of an agent's connection. The connection
// actor owns the socket; everyone else sends frames through this handle.
type FrameSink interface {
	// Send queues a frame for delivery. Returns false if the connection's
	// outbound buffer is full or the connection is gone.
	Send(frame interface{}) bool
	// Close terminates the connection with a reason.
	Close(reason string)
}

// ErrInvalidTransition is returned for a state change the FSM does not allow.
type ErrInvalidTransition struct {
	AgentID string
	From    v1.AgentState
	To      v1.AgentState
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("agent %s: invalid transition %s -> %s", e.AgentID, e.From, e.To)
}

// validTransitions is the allowed state graph.
var validTransitions = map[v1.AgentState][]v1.AgentState{
	v1.AgentOffline:  {v1.AgentIdle},
	v1.AgentIdle:     {v1.AgentAssigned, v1.AgentOffline},
	v1.AgentAssigned: {v1.AgentWorking, v1.AgentIdle, v1.AgentOffline},
	v1.AgentWorking:  {v1.AgentIdle, v1.AgentBlocked, v1.AgentOffline},
	v1.AgentBlocked:  {v1.AgentWorking, v1.AgentIdle, v1.AgentOffline},
}

// fsm is one agent's state machine. All access is serialized by the Manager.
type fsm struct {
	agentID      string
	state        v1.AgentState
	capabilities []string
	sink         FrameSink

	taskID   string
	taskGen  uint64
	accepted bool

	// acceptTimer fires if the agent never acknowledges an assignment.
	acceptTimer *time.Timer
}

func newFSM(agentID string) *fsm {
	return &fsm{agentID: agentID, state: v1.AgentOffline}
}

func (f *fsm) canTransition(to v1.AgentState) bool {
	for _, next := range validTransitions[f.state] {
		if next == to {
			return true
		}
	}
	return false
}

func (f *fsm) transition(to v1.AgentState) error {
	if !f.canTransition(to) {
		return &ErrInvalidTransition{AgentID: f.agentID, From: f.state, To: to}
	}
	f.state = to
	return nil
}

func (f *fsm) cancelAcceptTimer() {
	if f.acceptTimer != nil {
		f.acceptTimer.Stop()
		f.acceptTimer = nil
	}
}

func (f *fsm) clearTask() {
	f.taskID = ""
	f.taskGen = 0
	f.accepted = false
	f.cancelAcceptTimer()
}

// Snapshot is the externally visible view of one agent's FSM.
type Snapshot struct {
	AgentID        string
	State          v1.AgentState
	Capabilities   []string
	TaskID         string
	TaskGeneration uint64
}

func (f *fsm) snapshot() Snapshot {
	return Snapshot{
		AgentID:        f.agentID,
		State:          f.state,
		Capabilities:   append([]string(nil), f.capabilities...),
		TaskID:         f.taskID,
		TaskGeneration: f.taskGen,
	}
}
