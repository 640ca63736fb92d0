// Package websocket is the hub's agent-facing gateway. Each connection runs
// the per-connection protocol machine in client.go; the Hub tracks identified
// connections, enforces the one-connection-per-agent rule, relays bus events
// to subscribed dashboard clients, and meters abusive reconnects.
package websocket

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/agentcom/agentcom/internal/agent"
	"github.com/agentcom/agentcom/internal/auth"
	"github.com/agentcom/agentcom/internal/common/logger"
	"github.com/agentcom/agentcom/internal/events"
	"github.com/agentcom/agentcom/internal/events/bus"
	"github.com/agentcom/agentcom/internal/presence"
	"github.com/agentcom/agentcom/internal/taskqueue"
	"github.com/agentcom/agentcom/pkg/protocol"
)

// cooldown steps applied to repeat abuse offenders.
var cooldownSteps = []time.Duration{30 * time.Second, 60 * time.Second, 300 * time.Second}

type penalty struct {
	until   time.Time
	strikes int
}

// Hub wires connections to the rest of the system.
type Hub struct {
	auth     *auth.Registry
	presence *presence.Registry
	agents   *agent.Manager
	queue    *taskqueue.Queue
	eventBus bus.EventBus
	logger   *logger.Logger

	validationThreshold int
	readWait            time.Duration

	mu          sync.Mutex
	connections map[string]*Client // identified agent connections by agent id
	dashboards  map[*Client]bool   // connections with active topic subscriptions
	penalties   map[string]*penalty
	subs        []bus.Subscription
}

// NewHub creates the gateway hub. validationThreshold is the number of
// validation failures within a minute that trips the abuse control.
func NewHub(authReg *auth.Registry, pres *presence.Registry, agents *agent.Manager, queue *taskqueue.Queue, eventBus bus.EventBus, validationThreshold int, log *logger.Logger) *Hub {
	return &Hub{
		auth:                authReg,
		presence:            pres,
		agents:              agents,
		queue:               queue,
		eventBus:            eventBus,
		logger:              log.WithFields(zap.String("component", "ws_hub")),
		validationThreshold: validationThreshold,
		readWait:            defaultReadWait,
		connections:         make(map[string]*Client),
		dashboards:          make(map[*Client]bool),
		penalties:           make(map[string]*penalty),
	}
}

// SetReadTimeout overrides how long a connection may stay silent before its
// read side gives up. Call before accepting connections.
func (h *Hub) SetReadTimeout(d time.Duration) {
	if d > 0 {
		h.readWait = d
	}
}

// Start subscribes the hub to the event topics it relays to dashboards.
func (h *Hub) Start(ctx context.Context) error {
	for _, topic := range []string{events.TopicTasks, events.TopicAgents, events.TopicPresence} {
		topic := topic
		sub, err := h.eventBus.Subscribe(topic, func(ctx context.Context, event *bus.Event) error {
			h.relay(topic, event)
			return nil
		})
		if err != nil {
			return err
		}
		h.mu.Lock()
		h.subs = append(h.subs, sub)
		h.mu.Unlock()
	}
	h.logger.Info("websocket hub started")
	return nil
}

// Stop drops bus subscriptions and closes every connection.
func (h *Hub) Stop() {
	h.mu.Lock()
	subs := h.subs
	h.subs = nil
	clients := make([]*Client, 0, len(h.connections)+len(h.dashboards))
	for _, c := range h.connections {
		clients = append(clients, c)
	}
	for c := range h.dashboards {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Unsubscribe()
	}
	// Each close writes a close frame with a deadline; do them in parallel
	// so a fleet of slow peers cannot stretch shutdown.
	var g errgroup.Group
	for _, c := range clients {
		c := c
		g.Go(func() error {
			c.Close("server_shutdown")
			return nil
		})
	}
	_ = g.Wait()
	h.logger.Info("websocket hub stopped")
}

// bind records an identified connection, closing any previous connection for
// the same agent id first.
func (h *Hub) bind(agentID string, c *Client) {
	h.mu.Lock()
	old := h.connections[agentID]
	h.connections[agentID] = c
	h.mu.Unlock()

	if old != nil && old != c {
		h.logger.Info("replacing existing connection", zap.String("agent_id", agentID))
		old.Close("replaced")
	}
}

// unbind drops the agent's connection entry if it still points at c.
func (h *Hub) unbind(agentID string, c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.connections[agentID] != c {
		return false
	}
	delete(h.connections, agentID)
	return true
}

func (h *Hub) addDashboard(c *Client) {
	h.mu.Lock()
	h.dashboards[c] = true
	h.mu.Unlock()
}

func (h *Hub) removeDashboard(c *Client) {
	h.mu.Lock()
	delete(h.dashboards, c)
	h.mu.Unlock()
}

// relay fans a bus event out to dashboard subscribers of its topic. Presence
// events additionally map to the dedicated wire frames.
func (h *Hub) relay(topic string, event *bus.Event) {
	var frame interface{}
	switch event.Type {
	case events.AgentJoined:
		frame = map[string]interface{}{"type": protocol.TypeAgentJoined, "data": event.Data}
	case events.AgentLeft, events.AgentTimeout:
		frame = map[string]interface{}{"type": protocol.TypeAgentLeft, "data": event.Data}
	case events.StatusChanged:
		frame = map[string]interface{}{"type": protocol.TypeStatusChanged, "data": event.Data}
	default:
		frame = map[string]interface{}{"type": protocol.TypeEvent, "topic": topic, "event": event}
	}

	h.mu.Lock()
	targets := make([]*Client, 0, len(h.dashboards))
	for c := range h.dashboards {
		if c.subscribedTo(topic) {
			targets = append(targets, c)
		}
	}
	h.mu.Unlock()

	for _, c := range targets {
		c.Send(frame)
	}
}

// Penalize records an abuse strike for the remote host and returns the
// cooldown now in force.
func (h *Hub) Penalize(host string) time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()

	p := h.penalties[host]
	if p == nil {
		p = &penalty{}
		h.penalties[host] = p
	}
	step := p.strikes
	if step >= len(cooldownSteps) {
		step = len(cooldownSteps) - 1
	}
	d := cooldownSteps[step]
	p.strikes++
	p.until = time.Now().Add(d)

	h.logger.Warn("connection penalized",
		zap.String("host", host),
		zap.Int("strikes", p.strikes),
		zap.Duration("cooldown", d))
	return d
}

// CooldownRemaining reports how long the host must wait before reconnecting.
func (h *Hub) CooldownRemaining(host string) time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()

	p, ok := h.penalties[host]
	if !ok {
		return 0
	}
	if remaining := time.Until(p.until); remaining > 0 {
		return remaining
	}
	return 0
}

// CloseAgent terminates the agent's connection if one is open. Used by the
// presence reaper when heartbeats stop while the socket is still up.
func (h *Hub) CloseAgent(agentID, reason string) {
	h.mu.Lock()
	c := h.connections[agentID]
	h.mu.Unlock()
	if c != nil {
		c.Close(reason)
	}
}

// ConnectionCount returns the number of identified agent connections.
func (h *Hub) ConnectionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.connections)
}
