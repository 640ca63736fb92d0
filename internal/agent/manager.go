package agent

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentcom/agentcom/internal/common/logger"
	"github.com/agentcom/agentcom/internal/events"
	"github.com/agentcom/agentcom/internal/events/bus"
	"github.com/agentcom/agentcom/internal/taskqueue"
	v1 "github.com/agentcom/agentcom/pkg/api/v1"
)

// Reclaimer hands an in-flight task back to the queue with a reason.
// Implemented by the task queue.
type Reclaimer interface {
	Reclaim(taskID, reason string) error
}

// Common manager errors.
var (
	ErrUnknownAgent = errors.New("unknown agent")
	ErrTaskMismatch = errors.New("frame references a task the agent does not hold")
)

// Manager owns every agent FSM. One lock serializes all transitions, which
// keeps cross-agent invariants (one owner per task) easy to reason about at
// the fleet sizes the hub targets.
type Manager struct {
	mu     sync.Mutex
	agents map[string]*fsm

	reclaimer     Reclaimer
	eventBus      bus.EventBus
	logger        *logger.Logger
	acceptTimeout time.Duration
}

// NewManager creates the FSM manager. reclaimer may be set later via
// SetReclaimer to break the construction cycle with the task queue.
func NewManager(eventBus bus.EventBus, acceptTimeout time.Duration, log *logger.Logger) *Manager {
	return &Manager{
		agents:        make(map[string]*fsm),
		eventBus:      eventBus,
		logger:        log.WithFields(zap.String("component", "agent_fsm")),
		acceptTimeout: acceptTimeout,
	}
}

// SetReclaimer installs the task queue hook. Must be called before any
// connection is accepted.
func (m *Manager) SetReclaimer(r Reclaimer) {
	m.reclaimer = r
}

// OnIdentify transitions the agent OFFLINE→IDLE and installs its frame sink,
// replacing any prior sink.
func (m *Manager) OnIdentify(agentID string, sink FrameSink, capabilities []string) error {
	m.mu.Lock()
	f, ok := m.agents[agentID]
	if !ok {
		f = newFSM(agentID)
		m.agents[agentID] = f
	}
	if f.state == v1.AgentOffline {
		if err := f.transition(v1.AgentIdle); err != nil {
			m.mu.Unlock()
			return err
		}
	}
	f.sink = sink
	f.capabilities = append([]string(nil), capabilities...)
	state := f.state
	m.mu.Unlock()

	m.logger.Info("agent identified", zap.String("agent_id", agentID), zap.String("state", string(state)))
	m.publish(events.AgentConnected, agentID, nil)
	if state == v1.AgentIdle {
		m.publish(events.AgentIdle, agentID, nil)
	}
	return nil
}

// Assign moves an idle agent to ASSIGNED, sends the task_assign frame, and
// arms the acceptance timer. Called by the scheduler after the queue's
// assign succeeded.
func (m *Manager) Assign(agentID string, frame interface{}, taskID string, generation uint64) error {
	m.mu.Lock()
	f, ok := m.agents[agentID]
	if !ok {
		m.mu.Unlock()
		return ErrUnknownAgent
	}
	if err := f.transition(v1.AgentAssigned); err != nil {
		m.mu.Unlock()
		return err
	}
	f.taskID = taskID
	f.taskGen = generation
	f.accepted = false

	sink := f.sink
	if sink == nil || !sink.Send(frame) {
		// Connection is gone or saturated; undo and let the queue retry.
		f.state = v1.AgentIdle
		f.clearTask()
		m.mu.Unlock()
		return errors.New("agent connection unavailable")
	}

	f.cancelAcceptTimer()
	f.acceptTimer = time.AfterFunc(m.acceptTimeout, func() {
		m.acceptanceExpired(agentID, taskID, generation)
	})
	m.mu.Unlock()

	m.logger.Info("task assigned to agent",
		zap.String("agent_id", agentID),
		zap.String("task_id", taskID),
		zap.Uint64("generation", generation))
	return nil
}

// acceptanceExpired reclaims a task the agent never acknowledged.
func (m *Manager) acceptanceExpired(agentID, taskID string, generation uint64) {
	m.mu.Lock()
	f, ok := m.agents[agentID]
	if !ok || f.state != v1.AgentAssigned || f.taskID != taskID || f.taskGen != generation || f.accepted {
		m.mu.Unlock()
		return
	}
	f.state = v1.AgentIdle
	f.clearTask()
	m.mu.Unlock()

	m.logger.Warn("assignment not accepted in time, reclaiming",
		zap.String("agent_id", agentID),
		zap.String("task_id", taskID))
	if err := m.reclaimer.Reclaim(taskID, "acceptance_timeout"); err != nil {
		m.logger.Error("failed to reclaim unaccepted task",
			zap.String("task_id", taskID), zap.Error(err))
	}
	m.publish(events.AgentIdle, agentID, nil)
}

// OnAccepted records the agent's acknowledgement and cancels the acceptance
// timer. The FSM stays in ASSIGNED until the first progress report.
func (m *Manager) OnAccepted(agentID, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, ok := m.agents[agentID]
	if !ok {
		return ErrUnknownAgent
	}
	if f.state != v1.AgentAssigned || f.taskID != taskID {
		return ErrTaskMismatch
	}
	f.accepted = true
	f.cancelAcceptTimer()
	return nil
}

// OnStartWork transitions ASSIGNED→WORKING (first progress frame or an
// agent-declared start).
func (m *Manager) OnStartWork(agentID, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, ok := m.agents[agentID]
	if !ok {
		return ErrUnknownAgent
	}
	if f.taskID != taskID {
		return ErrTaskMismatch
	}
	if f.state == v1.AgentWorking {
		return nil
	}
	if f.state == v1.AgentBlocked {
		return f.transition(v1.AgentWorking)
	}
	f.accepted = true
	f.cancelAcceptTimer()
	return f.transition(v1.AgentWorking)
}

// OnResume reattaches a still-valid assignment to a reconnected agent. The
// caller has already checked the queue still holds the task for this agent;
// the FSM jumps straight to WORKING since the agent reported work in flight.
func (m *Manager) OnResume(agentID, taskID string, generation uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, ok := m.agents[agentID]
	if !ok {
		return ErrUnknownAgent
	}
	if f.state == v1.AgentIdle {
		if err := f.transition(v1.AgentAssigned); err != nil {
			return err
		}
		if err := f.transition(v1.AgentWorking); err != nil {
			return err
		}
	}
	f.taskID = taskID
	f.taskGen = generation
	f.accepted = true
	f.cancelAcceptTimer()
	return nil
}

// OnBlocked transitions WORKING→BLOCKED.
func (m *Manager) OnBlocked(agentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, ok := m.agents[agentID]
	if !ok {
		return ErrUnknownAgent
	}
	return f.transition(v1.AgentBlocked)
}

// OnTaskFinished returns the agent to IDLE after the queue acknowledged a
// complete or fail for the given task. Also used when the queue rejected the
// agent's report as stale - the agent no longer owns the task either way.
func (m *Manager) OnTaskFinished(agentID, taskID string) {
	m.mu.Lock()
	f, ok := m.agents[agentID]
	if !ok || f.taskID != taskID {
		m.mu.Unlock()
		return
	}
	f.clearTask()
	wasOffline := f.state == v1.AgentOffline
	if !wasOffline {
		f.state = v1.AgentIdle
	}
	m.mu.Unlock()

	if !wasOffline {
		m.publish(events.AgentIdle, agentID, nil)
	}
}

// OnTaskReclaimed strips a reclaimed task from whichever agent still holds
// it, upholding the single-owner invariant after a reassignment.
func (m *Manager) OnTaskReclaimed(taskID string) {
	m.mu.Lock()
	var idled []string
	for id, f := range m.agents {
		if f.taskID != taskID {
			continue
		}
		f.clearTask()
		if f.state != v1.AgentOffline {
			f.state = v1.AgentIdle
			idled = append(idled, id)
		}
	}
	m.mu.Unlock()

	for _, id := range idled {
		m.publish(events.AgentIdle, id, nil)
	}
}

// OnDisconnect drives the agent OFFLINE and reclaims any in-flight task.
func (m *Manager) OnDisconnect(agentID, reason string) {
	m.mu.Lock()
	f, ok := m.agents[agentID]
	if !ok {
		m.mu.Unlock()
		return
	}
	taskID := f.taskID
	f.clearTask()
	f.sink = nil
	f.state = v1.AgentOffline
	m.mu.Unlock()

	m.logger.Info("agent offline",
		zap.String("agent_id", agentID),
		zap.String("reason", reason))

	if taskID != "" {
		if err := m.reclaimer.Reclaim(taskID, "agent_offline"); err != nil && !errors.Is(err, taskqueue.ErrWrongState) {
			m.logger.Error("failed to reclaim task of offline agent",
				zap.String("task_id", taskID), zap.Error(err))
		}
	}
	m.publish(events.AgentDisconnected, agentID, map[string]interface{}{"reason": reason})
}

// CurrentTask returns the task and generation the agent holds, if any.
func (m *Manager) CurrentTask(agentID string) (taskID string, generation uint64, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, exists := m.agents[agentID]
	if !exists || f.taskID == "" {
		return "", 0, false
	}
	return f.taskID, f.taskGen, true
}

// Snapshot returns one agent's FSM view.
func (m *Manager) Snapshot(agentID string) (Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, ok := m.agents[agentID]
	if !ok {
		return Snapshot{}, false
	}
	return f.snapshot(), true
}

// State returns the agent's FSM state, OFFLINE for unknown agents.
func (m *Manager) State(agentID string) v1.AgentState {
	m.mu.Lock()
	defer m.mu.Unlock()

	if f, ok := m.agents[agentID]; ok {
		return f.state
	}
	return v1.AgentOffline
}

// IdleAgents returns snapshots of every agent currently in IDLE.
func (m *Manager) IdleAgents() []Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Snapshot
	for _, f := range m.agents {
		if f.state == v1.AgentIdle {
			out = append(out, f.snapshot())
		}
	}
	return out
}

func (m *Manager) publish(eventType, agentID string, extra map[string]interface{}) {
	if m.eventBus == nil {
		return
	}
	data := map[string]interface{}{"agent_id": agentID}
	for k, v := range extra {
		data[k] = v
	}
	_ = m.eventBus.Publish(context.Background(), events.TopicAgents,
		bus.NewEvent(eventType, "agent_fsm", data))
}
