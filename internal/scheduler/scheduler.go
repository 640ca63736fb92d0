// Package scheduler matches idle agents to queued tasks. It holds no durable
// state of its own: every pass re-reads the FSM manager, presence registry,
// repository table, and task queue, so a restart costs nothing.
package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentcom/agentcom/internal/agent"
	"github.com/agentcom/agentcom/internal/common/logger"
	"github.com/agentcom/agentcom/internal/events"
	"github.com/agentcom/agentcom/internal/events/bus"
	"github.com/agentcom/agentcom/internal/presence"
	"github.com/agentcom/agentcom/internal/repos"
	"github.com/agentcom/agentcom/internal/taskqueue"
	v1 "github.com/agentcom/agentcom/pkg/api/v1"
	"github.com/agentcom/agentcom/pkg/protocol"
)

// Scheduler reacts to queue and agent events plus a periodic tick.
type Scheduler struct {
	queue    *taskqueue.Queue
	agents   *agent.Manager
	presence *presence.Registry
	repos    *repos.Registry
	eventBus bus.EventBus
	logger   *logger.Logger

	tick            time.Duration
	defaultDeadline time.Duration

	poke chan struct{}
	mu   sync.Mutex
	subs []bus.Subscription
}

// New creates a scheduler. defaultDeadline is applied to assignments of
// tasks that carry no complete_by of their own.
func New(queue *taskqueue.Queue, agents *agent.Manager, pres *presence.Registry, repoTable *repos.Registry, eventBus bus.EventBus, tick, defaultDeadline time.Duration, log *logger.Logger) *Scheduler {
	return &Scheduler{
		queue:           queue,
		agents:          agents,
		presence:        pres,
		repos:           repoTable,
		eventBus:        eventBus,
		logger:          log.WithFields(zap.String("component", "scheduler")),
		tick:            tick,
		defaultDeadline: defaultDeadline,
		poke:            make(chan struct{}, 1),
	}
}

// Start subscribes to the bus triggers that wake the matching loop. The loop
// itself runs via Run, under the supervisor.
func (s *Scheduler) Start(ctx context.Context) error {
	// Any event that can create a schedulable (task, agent) pair wakes the
	// loop immediately; the tick covers everything else.
	for _, subject := range []string{events.TopicTasks, events.TopicAgents} {
		sub, err := s.eventBus.Subscribe(subject, func(ctx context.Context, event *bus.Event) error {
			if wakesScheduler(event.Type) {
				s.wake()
			}
			return nil
		})
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.subs = append(s.subs, sub)
		s.mu.Unlock()
	}

	s.logger.Info("scheduler started", zap.Duration("tick", s.tick))
	return nil
}

// Stop drops the bus subscriptions.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Unsubscribe()
	}
	s.logger.Info("scheduler stopped")
}

func wakesScheduler(eventType string) bool {
	switch eventType {
	case events.TaskSubmitted, events.TaskCompleted, events.TaskRetry,
		events.TaskReclaimed, events.TaskRequeued,
		events.AgentIdle, events.AgentConnected, events.AgentDisconnected:
		return true
	}
	return false
}

// wake requests a scheduling pass. The buffer of one coalesces bursts.
func (s *Scheduler) wake() {
	select {
	case s.poke <- struct{}{}:
	default:
	}
}

// Run executes the matching loop until the context is cancelled. It is meant
// to run under supervisor.Supervise so a panicking pass restarts the loop
// instead of silently stopping all scheduling.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.schedule()
		case <-s.poke:
			s.schedule()
		}
	}
}

// schedule runs one matching pass: longest-idle connected agents first, each
// offered the best queued task its capabilities and the repository table
// admit.
func (s *Scheduler) schedule() {
	idle := s.idleAgents()
	if len(idle) == 0 {
		return
	}
	paused := s.repos.PausedSet()

	for _, a := range idle {
		s.scheduleAgent(a, paused)
	}
}

// candidate pairs an idle FSM snapshot with its presence record.
type candidate struct {
	agent.Snapshot
	lastSeen time.Time
}

// idleAgents returns IDLE agents that presence still considers connected,
// longest-waiting first.
func (s *Scheduler) idleAgents() []candidate {
	var out []candidate
	for _, snap := range s.agents.IdleAgents() {
		info, ok := s.presence.Get(snap.AgentID)
		if !ok {
			continue
		}
		out = append(out, candidate{Snapshot: snap, lastSeen: info.LastSeenAt})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].lastSeen.Equal(out[j].lastSeen) {
			return out[i].lastSeen.Before(out[j].lastSeen)
		}
		return out[i].AgentID < out[j].AgentID
	})
	return out
}

// scheduleAgent offers tasks to one agent until an assignment sticks or the
// queue has nothing for it. A queue-side assign failure means another actor
// won the race for that task, so the next candidate is fetched.
func (s *Scheduler) scheduleAgent(a candidate, paused map[string]bool) {
	filter := taskqueue.DequeueFilter{
		Capabilities: a.Capabilities,
		PausedRepos:  paused,
	}

	for {
		if s.agents.State(a.AgentID) != v1.AgentIdle {
			return
		}
		task := s.queue.DequeueHighest(filter)
		if task == nil {
			return
		}

		assigned, err := s.queue.Assign(task.ID, a.AgentID, time.Now().Add(s.defaultDeadline).UnixMilli())
		if err != nil {
			s.logger.Debug("task taken concurrently, retrying",
				zap.String("task_id", task.ID), zap.Error(err))
			continue
		}

		frame := &protocol.TaskAssign{
			Type:        protocol.TypeTaskAssign,
			TaskID:      assigned.ID,
			Description: assigned.Description,
			Metadata:    assigned.Metadata,
			Generation:  protocol.FormatGeneration(assigned.Generation),
			CompleteBy:  assigned.CompleteBy,
		}
		if err := s.agents.Assign(a.AgentID, frame, assigned.ID, assigned.Generation); err != nil {
			// The agent slipped away between the idle snapshot and now.
			// Put the task straight back so another agent can take it.
			s.logger.Warn("assignment delivery failed, reclaiming",
				zap.String("agent_id", a.AgentID),
				zap.String("task_id", assigned.ID),
				zap.Error(err))
			if rerr := s.queue.Reclaim(assigned.ID, "delivery_failed"); rerr != nil {
				s.logger.Error("failed to reclaim undeliverable task",
					zap.String("task_id", assigned.ID), zap.Error(rerr))
			}
			return
		}
		return
	}
}
