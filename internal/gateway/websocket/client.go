package websocket

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agentcom/agentcom/internal/common/logger"
	"github.com/agentcom/agentcom/internal/taskqueue"
	v1 "github.com/agentcom/agentcom/pkg/api/v1"
	"github.com/agentcom/agentcom/pkg/protocol"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// defaultReadWait bounds how long a connection may stay silent. A peer
	// that sends no frame and answers no transport ping within this window is
	// forced to reconnect. Overridden from server.read_timeout via
	// Hub.SetReadTimeout.
	defaultReadWait = 30 * time.Second

	// Maximum message size allowed from peer
	maxMessageSize = 512 * 1024 // 512KB

	// Window over which validation failures are counted.
	failureWindow = 60 * time.Second
)

type connState int

const (
	stateUnidentified connState = iota
	stateIdentified
	stateClosing
)

// Client is one WebSocket connection and its protocol machine.
type Client struct {
	id         string
	conn       *websocket.Conn
	hub        *Hub
	send       chan []byte
	remoteHost string
	logger     *logger.Logger

	mu          sync.Mutex
	state       connState
	agentID     string
	topics      map[string]bool
	failures    []time.Time
	closeReason string

	closed    chan struct{}
	closeOnce sync.Once
}

// NewClient wraps a freshly upgraded connection. The protocol machine starts
// in UNIDENTIFIED.
func NewClient(id string, conn *websocket.Conn, hub *Hub, remoteHost string, log *logger.Logger) *Client {
	return &Client{
		id:         id,
		conn:       conn,
		hub:        hub,
		send:       make(chan []byte, 256),
		remoteHost: remoteHost,
		topics:     make(map[string]bool),
		closed:     make(chan struct{}),
		logger:     log.WithFields(zap.String("client_id", id)),
	}
}

// Send queues a frame for delivery. Returns false when the connection is
// closing or its outbound buffer is full. Implements agent.FrameSink.
func (c *Client) Send(frame interface{}) bool {
	c.mu.Lock()
	closing := c.state == stateClosing
	c.mu.Unlock()
	if closing {
		return false
	}

	data, err := json.Marshal(frame)
	if err != nil {
		c.logger.Error("failed to marshal frame", zap.Error(err))
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		c.logger.Warn("send buffer full, dropping frame")
		return false
	}
}

// Close terminates the connection with a reason. Implements agent.FrameSink.
func (c *Client) Close(reason string) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = stateClosing
		c.closeReason = reason
		c.mu.Unlock()

		deadline := time.Now().Add(writeWait)
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason), deadline)
		close(c.closed)
		_ = c.conn.Close()
	})
}

func (c *Client) subscribedTo(topic string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.topics[topic]
}

// identity returns the bound agent id, empty while UNIDENTIFIED.
func (c *Client) identity() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.agentID
}

// recordFailure counts a validation failure and reports whether the abuse
// threshold has been crossed within the window.
func (c *Client) recordFailure() bool {
	now := time.Now()
	cutoff := now.Add(-failureWindow)

	c.mu.Lock()
	defer c.mu.Unlock()

	kept := c.failures[:0]
	for _, t := range c.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	c.failures = append(kept, now)
	return len(c.failures) >= c.hub.validationThreshold
}

// ReadPump reads frames until the connection drops, then tears down the
// agent's server-side state.
func (c *Client) ReadPump() {
	defer func() {
		c.teardown()
		_ = c.conn.Close()
	}()

	readWait := c.hub.readWait
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(readWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(readWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.logger.Debug("websocket read error", zap.Error(err))
			}
			return
		}
		// Any frame resets the silence window.
		_ = c.conn.SetReadDeadline(time.Now().Add(readWait))
		c.handleFrame(message)
	}
}

// teardown runs the disconnect sequence exactly once: FSM offline (which
// reclaims any in-flight task), presence unregister, hub cleanup.
func (c *Client) teardown() {
	c.mu.Lock()
	if c.state != stateClosing {
		c.state = stateClosing
		c.closeReason = "connection_closed"
	}
	agentID := c.agentID
	reason := c.closeReason
	c.mu.Unlock()

	c.hub.removeDashboard(c)

	if agentID != "" && c.hub.unbind(agentID, c) {
		c.hub.agents.OnDisconnect(agentID, reason)
		c.hub.presence.Unregister(agentID)
	}
}

// WritePump drains the send queue to the socket and keeps the transport-level
// ping/pong alive.
func (c *Client) WritePump() {
	// Pings go out well inside the read window so an idle but healthy peer is
	// never timed out.
	ticker := time.NewTicker(c.hub.readWait * 9 / 10)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-c.closed:
			return
		case message := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) sendError(code, message string) {
	c.Send(protocol.NewError(code, message))
}

// violation records a protocol violation and closes the connection once the
// abuse threshold trips, penalizing the remote host.
func (c *Client) violation() {
	if !c.recordFailure() {
		return
	}
	c.hub.Penalize(c.remoteHost)
	c.Close("validation_abuse")
}

// handleFrame decodes and dispatches one inbound frame.
func (c *Client) handleFrame(raw []byte) {
	frameType, frame, err := protocol.Decode(raw)
	if err != nil {
		var ve *protocol.ValidationError
		if errors.As(err, &ve) {
			c.Send(&protocol.Error{
				Type:    protocol.TypeError,
				Code:    protocol.CodeValidationFailed,
				Message: ve.Error(),
				Details: map[string]interface{}{"field": ve.Field, "reason": ve.Reason},
			})
		} else {
			c.sendError(protocol.CodeValidationFailed, err.Error())
		}
		c.violation()
		return
	}

	c.mu.Lock()
	state := c.state
	c.mu.Unlock()
	if state == stateClosing {
		return
	}
	if state == stateUnidentified && frameType != protocol.TypeIdentify {
		c.sendError(protocol.CodeNotIdentified, "identify first")
		c.violation()
		return
	}

	// Any frame from an identified agent counts as a heartbeat.
	if state == stateIdentified {
		c.hub.presence.Touch(c.identity())
	}

	switch f := frame.(type) {
	case *protocol.Identify:
		c.handleIdentify(f)
	case *protocol.Ping:
		c.Send(&protocol.Pong{Type: protocol.TypePong, ServerTime: time.Now().UnixMilli()})
	case *protocol.Status:
		c.hub.presence.UpdateStatus(c.identity(), f.Status)
	case *protocol.TaskAccepted:
		if err := c.hub.agents.OnAccepted(c.identity(), f.TaskID); err != nil {
			c.sendError(protocol.CodeWrongState, err.Error())
		}
	case *protocol.TaskProgress:
		c.handleProgress(f)
	case *protocol.TaskComplete:
		c.handleComplete(f)
	case *protocol.TaskFailed:
		c.handleFailed(f)
	case *protocol.TaskRecovering:
		c.handleRecovering(f)
	case *protocol.TaskRejected:
		c.handleRejected(f)
	case *protocol.Subscribe:
		c.handleSubscribe(f)
	}
}

func (c *Client) handleIdentify(f *protocol.Identify) {
	c.mu.Lock()
	alreadyIdentified := c.state == stateIdentified
	c.mu.Unlock()
	if alreadyIdentified {
		c.sendError(protocol.CodeWrongState, "connection already identified")
		return
	}

	tokenAgent, ok := c.hub.auth.Verify(f.Token)
	if !ok || tokenAgent != f.AgentID {
		c.logger.Warn("identify rejected", zap.String("agent_id", f.AgentID))
		c.sendError(protocol.CodeAuthFailed, "invalid token for agent")
		return
	}

	c.mu.Lock()
	c.state = stateIdentified
	c.agentID = f.AgentID
	c.mu.Unlock()

	c.hub.bind(f.AgentID, c)
	c.hub.presence.Register(f.AgentID, f.Name, f.Capabilities, f.Status)
	if err := c.hub.agents.OnIdentify(f.AgentID, c, f.Capabilities); err != nil {
		c.logger.Error("fsm rejected identify", zap.String("agent_id", f.AgentID), zap.Error(err))
	}

	c.logger.Info("agent identified", zap.String("agent_id", f.AgentID))
	c.Send(&protocol.Identified{
		Type:       protocol.TypeIdentified,
		AgentID:    f.AgentID,
		ServerTime: time.Now().UnixMilli(),
	})
}

func (c *Client) handleProgress(f *protocol.TaskProgress) {
	agentID := c.identity()
	taskID, generation, ok := c.hub.agents.CurrentTask(agentID)
	if !ok || taskID != f.TaskID {
		c.sendError(protocol.CodeWrongState, "no such task in flight")
		return
	}
	_ = c.hub.agents.OnStartWork(agentID, f.TaskID)
	if err := c.hub.queue.UpdateProgress(f.TaskID, agentID, generation, f.Snippet); err != nil {
		c.sendQueueError(err)
	}
}

func (c *Client) handleComplete(f *protocol.TaskComplete) {
	agentID := c.identity()
	generation, ok := protocol.ParseGeneration(f.Generation)
	if !ok {
		c.sendError(protocol.CodeStaleGeneration, "missing or malformed generation")
		return
	}
	if err := c.hub.queue.Complete(f.TaskID, agentID, generation, f.Result, f.TokensUsed); err != nil {
		c.sendQueueError(err)
		return
	}
	c.hub.agents.OnTaskFinished(agentID, f.TaskID)
}

func (c *Client) handleFailed(f *protocol.TaskFailed) {
	agentID := c.identity()
	generation, ok := protocol.ParseGeneration(f.Generation)
	if !ok {
		c.sendError(protocol.CodeStaleGeneration, "missing or malformed generation")
		return
	}
	if _, err := c.hub.queue.Fail(f.TaskID, agentID, generation, f.Reason); err != nil {
		c.sendQueueError(err)
		return
	}
	c.hub.agents.OnTaskFinished(agentID, f.TaskID)
}

// handleRecovering answers a restarting agent: continue iff the queue still
// shows the task assigned to it, otherwise tell it to discard local work.
func (c *Client) handleRecovering(f *protocol.TaskRecovering) {
	agentID := c.identity()
	task, err := c.hub.queue.Get(f.TaskID)
	if err != nil || task.Status != v1.TaskAssigned || task.AssignedTo != agentID {
		c.Send(&protocol.TaskReassign{Type: protocol.TypeTaskReassign, TaskID: f.TaskID})
		return
	}
	if err := c.hub.agents.OnResume(agentID, task.ID, task.Generation); err != nil {
		c.logger.Error("failed to resume task", zap.String("task_id", task.ID), zap.Error(err))
		c.Send(&protocol.TaskReassign{Type: protocol.TypeTaskReassign, TaskID: f.TaskID})
		return
	}
	c.Send(&protocol.TaskContinue{
		Type:       protocol.TypeTaskContinue,
		TaskID:     task.ID,
		Generation: protocol.FormatGeneration(task.Generation),
	})
}

func (c *Client) handleRejected(f *protocol.TaskRejected) {
	agentID := c.identity()
	taskID, _, ok := c.hub.agents.CurrentTask(agentID)
	if !ok || taskID != f.TaskID {
		c.sendError(protocol.CodeWrongState, "no such task in flight")
		return
	}
	reason := "rejected by agent"
	if f.Reason != "" {
		reason += ": " + f.Reason
	}
	if err := c.hub.queue.Reclaim(f.TaskID, reason); err != nil {
		c.sendQueueError(err)
		return
	}
	c.hub.agents.OnTaskFinished(agentID, f.TaskID)
}

func (c *Client) handleSubscribe(f *protocol.Subscribe) {
	c.mu.Lock()
	for _, topic := range f.Topics {
		c.topics[topic] = true
	}
	c.mu.Unlock()
	c.hub.addDashboard(c)
}

// sendQueueError maps queue sentinels onto wire error codes.
func (c *Client) sendQueueError(err error) {
	switch {
	case errors.Is(err, taskqueue.ErrNotFound):
		c.sendError(protocol.CodeNotFound, err.Error())
	case errors.Is(err, taskqueue.ErrStaleGeneration):
		c.sendError(protocol.CodeStaleGeneration, err.Error())
	case errors.Is(err, taskqueue.ErrWrongState):
		c.sendError(protocol.CodeWrongState, err.Error())
	default:
		c.sendError(protocol.CodeInternal, err.Error())
	}
}
