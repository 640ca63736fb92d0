package presence

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/agentcom/agentcom/internal/common/logger"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "error",
		Format:     "console",
		OutputPath: "stdout",
	})
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	return log
}

func TestRegisterAndGet(t *testing.T) {
	r := NewRegistry(nil, time.Minute, time.Minute, newTestLogger(t))

	r.Register("agent-1", "builder", []string{"go"}, "ready")

	info, ok := r.Get("agent-1")
	if !ok {
		t.Fatal("Get missed a registered agent")
	}
	if info.Name != "builder" || info.Status != "ready" {
		t.Errorf("info = %+v", info)
	}
	if !r.IsConnected("agent-1") {
		t.Error("IsConnected = false for registered agent")
	}
	if r.Count() != 1 {
		t.Errorf("Count = %d, want 1", r.Count())
	}
	if _, ok := r.Get("ghost"); ok {
		t.Error("Get returned a record for an unknown agent")
	}
}

func TestUnregister(t *testing.T) {
	r := NewRegistry(nil, time.Minute, time.Minute, newTestLogger(t))

	r.Register("agent-1", "", nil, "")
	r.Unregister("agent-1")

	if r.IsConnected("agent-1") {
		t.Error("agent still connected after Unregister")
	}
	// Unregistering twice is harmless.
	r.Unregister("agent-1")
}

func TestTouchAndUpdateStatus(t *testing.T) {
	r := NewRegistry(nil, time.Minute, time.Minute, newTestLogger(t))

	r.Register("agent-1", "", nil, "idle")
	before, _ := r.Get("agent-1")

	time.Sleep(5 * time.Millisecond)
	r.Touch("agent-1")
	after, _ := r.Get("agent-1")
	if !after.LastSeenAt.After(before.LastSeenAt) {
		t.Error("Touch did not advance last_seen")
	}

	r.UpdateStatus("agent-1", "working on task-1")
	got, _ := r.Get("agent-1")
	if got.Status != "working on task-1" {
		t.Errorf("status = %q", got.Status)
	}

	// Updates for unknown agents are dropped, not created.
	r.Touch("ghost")
	r.UpdateStatus("ghost", "x")
	if r.IsConnected("ghost") {
		t.Error("update created a presence record")
	}
}

func TestReapRemovesStaleAgents(t *testing.T) {
	r := NewRegistry(nil, 30*time.Millisecond, time.Minute, newTestLogger(t))

	var mu sync.Mutex
	var timedOut []string
	r.SetTimeoutHandler(func(agentID string) {
		mu.Lock()
		timedOut = append(timedOut, agentID)
		mu.Unlock()
	})

	r.Register("stale", "", nil, "")
	time.Sleep(50 * time.Millisecond)
	r.Register("fresh", "", nil, "")

	r.reap()

	if r.IsConnected("stale") {
		t.Error("stale agent survived the reap")
	}
	if !r.IsConnected("fresh") {
		t.Error("fresh agent was reaped")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(timedOut) != 1 || timedOut[0] != "stale" {
		t.Errorf("timeout handler calls = %v, want [stale]", timedOut)
	}
}

func TestReapLoopSweepsAndStopsOnCancel(t *testing.T) {
	r := NewRegistry(nil, 20*time.Millisecond, 10*time.Millisecond, newTestLogger(t))
	r.Register("stale", "", nil, "")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.ReapLoop(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for r.IsConnected("stale") {
		if time.Now().After(deadline) {
			t.Fatal("reap loop never swept the stale agent")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("ReapLoop returned %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("reap loop did not stop on context cancel")
	}
}

func TestHeartbeatKeepsAgentAlive(t *testing.T) {
	r := NewRegistry(nil, 40*time.Millisecond, time.Minute, newTestLogger(t))

	r.Register("agent-1", "", nil, "")
	for i := 0; i < 4; i++ {
		time.Sleep(15 * time.Millisecond)
		r.Touch("agent-1")
	}
	r.reap()

	if !r.IsConnected("agent-1") {
		t.Error("regularly touched agent was reaped")
	}
}

func TestList(t *testing.T) {
	r := NewRegistry(nil, time.Minute, time.Minute, newTestLogger(t))

	r.Register("a", "", nil, "")
	r.Register("b", "", nil, "")

	list := r.List()
	if len(list) != 2 {
		t.Fatalf("List returned %d, want 2", len(list))
	}
	seen := map[string]bool{}
	for _, info := range list {
		seen[info.AgentID] = true
	}
	if !seen["a"] || !seen["b"] {
		t.Errorf("List = %v", list)
	}
}
