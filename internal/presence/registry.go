// Package presence tracks which agents are currently connected and how
// recently each one was heard from.
package presence

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentcom/agentcom/internal/common/logger"
	"github.com/agentcom/agentcom/internal/events"
	"github.com/agentcom/agentcom/internal/events/bus"
)

// Info is a snapshot of one connected agent's presence record.
type Info struct {
	AgentID      string
	Name         string
	Capabilities []string
	Status       string
	ConnectedAt  time.Time
	LastSeenAt   time.Time
}

// TimeoutHandler is invoked by the reaper for each agent whose last_seen
// fell past the heartbeat timeout. It runs outside the registry lock.
type TimeoutHandler func(agentID string)

// Registry is the in-memory connected-agent set with a periodic stale reaper.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*Info

	eventBus  bus.EventBus
	logger    *logger.Logger
	timeout   time.Duration
	sweep     time.Duration
	onTimeout TimeoutHandler

}

// NewRegistry creates a presence registry. heartbeatTimeout is the reaper
// cutoff; sweepInterval is how often the reaper runs.
func NewRegistry(eventBus bus.EventBus, heartbeatTimeout, sweepInterval time.Duration, log *logger.Logger) *Registry {
	return &Registry{
		agents:   make(map[string]*Info),
		eventBus: eventBus,
		logger:   log.WithFields(zap.String("component", "presence")),
		timeout:  heartbeatTimeout,
		sweep:    sweepInterval,
	}
}

// SetTimeoutHandler installs the stale-agent callback. Must be called before
// Start.
func (r *Registry) SetTimeoutHandler(fn TimeoutHandler) {
	r.onTimeout = fn
}

// Register adds or refreshes an agent's presence record and publishes
// agent_joined.
func (r *Registry) Register(agentID, name string, capabilities []string, status string) {
	now := time.Now()

	r.mu.Lock()
	r.agents[agentID] = &Info{
		AgentID:      agentID,
		Name:         name,
		Capabilities: append([]string(nil), capabilities...),
		Status:       status,
		ConnectedAt:  now,
		LastSeenAt:   now,
	}
	r.mu.Unlock()

	r.publish(events.AgentJoined, agentID, map[string]interface{}{"agent_id": agentID, "name": name})
	r.logger.Info("agent registered", zap.String("agent_id", agentID))
}

// Unregister removes an agent and publishes agent_left.
func (r *Registry) Unregister(agentID string) {
	r.mu.Lock()
	_, existed := r.agents[agentID]
	delete(r.agents, agentID)
	r.mu.Unlock()

	if existed {
		r.publish(events.AgentLeft, agentID, map[string]interface{}{"agent_id": agentID})
		r.logger.Info("agent unregistered", zap.String("agent_id", agentID))
	}
}

// UpdateStatus replaces the agent's free-form status line.
func (r *Registry) UpdateStatus(agentID, status string) {
	r.mu.Lock()
	info, ok := r.agents[agentID]
	if ok {
		info.Status = status
		info.LastSeenAt = time.Now()
	}
	r.mu.Unlock()

	if ok {
		r.publish(events.StatusChanged, agentID, map[string]interface{}{"agent_id": agentID, "status": status})
	}
}

// Touch bumps last_seen; called on every inbound frame including pings.
func (r *Registry) Touch(agentID string) {
	r.mu.Lock()
	if info, ok := r.agents[agentID]; ok {
		info.LastSeenAt = time.Now()
	}
	r.mu.Unlock()
}

// Get returns a copy of one agent's record.
func (r *Registry) Get(agentID string) (Info, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.agents[agentID]
	if !ok {
		return Info{}, false
	}
	return *info, true
}

// IsConnected reports whether the agent has a live presence record.
func (r *Registry) IsConnected(agentID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.agents[agentID]
	return ok
}

// List returns a snapshot of all connected agents.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Info, 0, len(r.agents))
	for _, info := range r.agents {
		out = append(out, *info)
	}
	return out
}

// Count returns the number of connected agents.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}

// ReapLoop runs the stale reaper until the context is cancelled. It is meant
// to run under supervisor.Supervise so a panicking timeout handler restarts
// the reaper instead of killing it for the life of the process.
func (r *Registry) ReapLoop(ctx context.Context) error {
	ticker := time.NewTicker(r.sweep)
	defer ticker.Stop()

	r.logger.Info("presence reaper running",
		zap.Duration("heartbeat_timeout", r.timeout),
		zap.Duration("sweep_interval", r.sweep))
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("presence reaper stopped")
			return nil
		case <-ticker.C:
			r.reap()
		}
	}
}

// reap removes agents whose last_seen predates the heartbeat cutoff and
// reports each to the timeout handler.
func (r *Registry) reap() {
	cutoff := time.Now().Add(-r.timeout)

	r.mu.Lock()
	var stale []string
	for id, info := range r.agents {
		if info.LastSeenAt.Before(cutoff) {
			stale = append(stale, id)
			delete(r.agents, id)
		}
	}
	r.mu.Unlock()

	for _, id := range stale {
		r.logger.Warn("agent timed out", zap.String("agent_id", id))
		r.publish(events.AgentTimeout, id, map[string]interface{}{"agent_id": id})
		if r.onTimeout != nil {
			r.onTimeout(id)
		}
	}
}

func (r *Registry) publish(eventType, agentID string, data map[string]interface{}) {
	if r.eventBus == nil {
		return
	}
	_ = r.eventBus.Publish(context.Background(), events.TopicPresence,
		bus.NewEvent(eventType, "presence", data))
}
