// Package taskqueue owns task ordering, durability, and lifecycle. It is the
// single writer for the tasks_active and tasks_dead_letter tables; every
// mutation is persisted (and fsynced by the store) before the in-memory copy
// changes, so a crash can lose at most the operation in flight.
package taskqueue

import (
	"container/heap"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentcom/agentcom/internal/common/logger"
	"github.com/agentcom/agentcom/internal/events"
	"github.com/agentcom/agentcom/internal/events/bus"
	"github.com/agentcom/agentcom/internal/store"
	v1 "github.com/agentcom/agentcom/pkg/api/v1"
)

// DefaultMaxRetries applies when a submission does not set max_retries.
const DefaultMaxRetries = 3

var (
	// ErrNotFound is returned when the task id is in neither table.
	ErrNotFound = errors.New("task not found")
	// ErrWrongState is returned when the task's status does not admit the
	// requested transition.
	ErrWrongState = errors.New("task is not in the required state")
	// ErrStaleGeneration is returned when a completion-side update carries a
	// generation (or agent) from a superseded assignment.
	ErrStaleGeneration = errors.New("stale task generation")
	// ErrNotDeadLetter is returned by RetryDeadLetter for live tasks.
	ErrNotDeadLetter = errors.New("task is not dead-lettered")
)

// Filter narrows List results. Zero fields match everything.
type Filter struct {
	Status   v1.TaskStatus
	Priority *v1.Priority
	Repo     string
}

// DequeueFilter constrains DequeueHighest to tasks a particular agent can
// run right now.
type DequeueFilter struct {
	// Capabilities the agent offers. A task matches when its
	// needed_capabilities are all present here.
	Capabilities []string
	// PausedRepos holds repository names whose tasks must be skipped.
	PausedRepos map[string]bool
}

// Queue is the authoritative task state machine. One mutex serializes every
// operation, including the reclamation sweep, so transitions never race.
type Queue struct {
	mu sync.Mutex

	active *store.Table
	dead   *store.Table

	tasks      map[string]*v1.Task // live tasks (QUEUED/ASSIGNED/COMPLETED/FAILED)
	deadTasks  map[string]*v1.Task
	index      priorityIndex
	indexByID  map[string]*indexEntry
	historyCap int

	eventBus bus.EventBus
	logger   *logger.Logger

	sweepInterval time.Duration
}

// New opens the queue's tables and rebuilds the in-memory state. A task
// present in both tables is treated as dead-lettered and its active copy is
// removed (the dead-letter move crashed between its two writes).
func New(st *store.Store, eventBus bus.EventBus, historyCap int, sweepInterval time.Duration, log *logger.Logger) (*Queue, error) {
	active, err := st.Table("tasks_active")
	if err != nil {
		return nil, err
	}
	dead, err := st.Table("tasks_dead_letter")
	if err != nil {
		_ = active.Close()
		return nil, err
	}

	q := &Queue{
		active:        active,
		dead:          dead,
		tasks:         make(map[string]*v1.Task),
		deadTasks:     make(map[string]*v1.Task),
		index:         make(priorityIndex, 0),
		indexByID:     make(map[string]*indexEntry),
		historyCap:    historyCap,
		eventBus:      eventBus,
		logger:        log.WithFields(zap.String("component", "taskqueue")),
		sweepInterval: sweepInterval,
	}
	heap.Init(&q.index)

	if err := q.load(); err != nil {
		_ = active.Close()
		_ = dead.Close()
		return nil, err
	}
	return q, nil
}

func (q *Queue) load() error {
	if err := q.dead.Scan(func(key string, value []byte) error {
		var t v1.Task
		if err := json.Unmarshal(value, &t); err != nil {
			return fmt.Errorf("decode dead-letter task %s: %w", key, err)
		}
		q.deadTasks[t.ID] = &t
		return nil
	}); err != nil {
		return err
	}

	var orphaned []string
	if err := q.active.Scan(func(key string, value []byte) error {
		var t v1.Task
		if err := json.Unmarshal(value, &t); err != nil {
			return fmt.Errorf("decode task %s: %w", key, err)
		}
		if _, dup := q.deadTasks[t.ID]; dup {
			orphaned = append(orphaned, t.ID)
			return nil
		}
		q.tasks[t.ID] = &t
		if t.Status == v1.TaskQueued {
			q.indexInsert(&t)
		}
		return nil
	}); err != nil {
		return err
	}

	for _, id := range orphaned {
		q.logger.Warn("reconciling interrupted dead-letter move", zap.String("task_id", id))
		if err := q.active.Delete(id); err != nil {
			return err
		}
	}

	q.logger.Info("task queue loaded",
		zap.Int("active", len(q.tasks)),
		zap.Int("queued", q.index.Len()),
		zap.Int("dead_letter", len(q.deadTasks)))
	return nil
}

// Close syncs and closes both tables. The sweep loop must be stopped first.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.active.Close(); err != nil {
		_ = q.dead.Close()
		return err
	}
	return q.dead.Close()
}

func nowMillis() int64 { return time.Now().UnixMilli() }

// Submit creates and persists a new QUEUED task.
func (q *Queue) Submit(req *v1.SubmitTaskRequest) (*v1.Task, error) {
	if req.Description == "" {
		return nil, fmt.Errorf("description is required")
	}
	priority, err := v1.ParsePriority(req.Priority)
	if err != nil {
		return nil, err
	}
	maxRetries := DefaultMaxRetries
	if req.MaxRetries != nil {
		if *req.MaxRetries < 1 {
			return nil, fmt.Errorf("max_retries must be at least 1")
		}
		maxRetries = *req.MaxRetries
	}

	now := nowMillis()
	t := &v1.Task{
		ID:                 v1.NewTaskID(),
		Description:        req.Description,
		Metadata:           req.Metadata,
		Priority:           priority,
		Status:             v1.TaskQueued,
		CreatedAt:          now,
		UpdatedAt:          now,
		CompleteBy:         req.CompleteBy,
		Generation:         0,
		MaxRetries:         maxRetries,
		NeededCapabilities: req.NeededCapabilities,
		Repo:               req.Repo,
	}
	q.appendHistory(t, v1.TaskQueued, "submitted")

	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.persistActive(t); err != nil {
		return nil, err
	}
	q.tasks[t.ID] = t
	q.indexInsert(t)

	q.publish(events.TaskSubmitted, t.ID, map[string]interface{}{
		"priority": t.Priority.String(),
		"repo":     t.Repo,
	})
	return t.Clone(), nil
}

// Get returns a copy of the task from either table.
func (q *Queue) Get(taskID string) (*v1.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if t, ok := q.tasks[taskID]; ok {
		return t.Clone(), nil
	}
	if t, ok := q.deadTasks[taskID]; ok {
		return t.Clone(), nil
	}
	return nil, ErrNotFound
}

// List returns copies of all tasks matching the filter, live and
// dead-lettered. No ordering is guaranteed.
func (q *Queue) List(f Filter) []*v1.Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]*v1.Task, 0)
	collect := func(t *v1.Task) {
		if f.Status != "" && t.Status != f.Status {
			return
		}
		if f.Priority != nil && t.Priority != *f.Priority {
			return
		}
		if f.Repo != "" && t.Repo != f.Repo {
			return
		}
		out = append(out, t.Clone())
	}
	for _, t := range q.tasks {
		collect(t)
	}
	for _, t := range q.deadTasks {
		collect(t)
	}
	return out
}

// Assign moves a QUEUED task to ASSIGNED for agentID and bumps the
// generation, fencing out any prior holder. defaultCompleteBy is applied only
// when the task carries no deadline of its own.
func (q *Queue) Assign(taskID, agentID string, defaultCompleteBy int64) (*v1.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.tasks[taskID]
	if !ok {
		return nil, ErrNotFound
	}
	if t.Status != v1.TaskQueued {
		return nil, fmt.Errorf("%w: %s is %s", ErrWrongState, taskID, t.Status)
	}

	now := nowMillis()
	next := t.Clone()
	next.Status = v1.TaskAssigned
	next.AssignedTo = agentID
	next.AssignedAt = now
	next.UpdatedAt = now
	next.Generation++
	if next.CompleteBy == 0 {
		next.CompleteBy = defaultCompleteBy
	}
	q.appendHistory(next, v1.TaskAssigned, "assigned to "+agentID)

	if err := q.persistActive(next); err != nil {
		return nil, err
	}
	q.tasks[taskID] = next
	q.indexRemove(taskID)

	q.publish(events.TaskAssigned, taskID, map[string]interface{}{
		"agent_id":   agentID,
		"generation": next.Generation,
	})
	return next.Clone(), nil
}

// fence checks that the update comes from the current assignment.
func (q *Queue) fence(t *v1.Task, agentID string, generation uint64) error {
	if t.Status != v1.TaskAssigned {
		return fmt.Errorf("%w: %s is %s", ErrWrongState, t.ID, t.Status)
	}
	if t.AssignedTo != agentID || t.Generation != generation {
		return ErrStaleGeneration
	}
	return nil
}

// Complete finishes an assigned task. The (agentID, generation) pair must
// match the current assignment.
func (q *Queue) Complete(taskID, agentID string, generation uint64, result map[string]interface{}, tokensUsed int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.tasks[taskID]
	if !ok {
		return ErrNotFound
	}
	if err := q.fence(t, agentID, generation); err != nil {
		return err
	}

	next := t.Clone()
	next.Status = v1.TaskCompleted
	next.Result = result
	next.TokensUsed = tokensUsed
	next.UpdatedAt = nowMillis()
	q.appendHistory(next, v1.TaskCompleted, "completed by "+agentID)

	if err := q.persistActive(next); err != nil {
		return err
	}
	q.tasks[taskID] = next

	q.publish(events.TaskCompleted, taskID, map[string]interface{}{
		"agent_id":    agentID,
		"tokens_used": tokensUsed,
	})
	return nil
}

// Fail records a failed attempt. Under max_retries the task is requeued with
// a fresh generation; otherwise it moves to the dead-letter table. Returns
// true when the task was requeued.
func (q *Queue) Fail(taskID, agentID string, generation uint64, reason string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.tasks[taskID]
	if !ok {
		return false, ErrNotFound
	}
	if err := q.fence(t, agentID, generation); err != nil {
		return false, err
	}

	now := nowMillis()
	next := t.Clone()
	next.LastError = reason
	next.UpdatedAt = now

	// A task with max_retries=k gets k requeues; failure k+1 dead-letters.
	if next.RetryCount < next.MaxRetries {
		next.RetryCount++
		next.Status = v1.TaskQueued
		next.Generation++
		next.AssignedTo = ""
		next.AssignedAt = 0
		next.CompleteBy = 0
		q.appendHistory(next, v1.TaskQueued, fmt.Sprintf("retry %d/%d: %s", next.RetryCount, next.MaxRetries, reason))

		if err := q.persistActive(next); err != nil {
			return false, err
		}
		q.tasks[taskID] = next
		q.indexInsert(next)

		q.publish(events.TaskRetry, taskID, map[string]interface{}{
			"retry_count": next.RetryCount,
			"reason":      reason,
		})
		return true, nil
	}

	next.RetryCount++
	next.Status = v1.TaskDeadLetter
	next.AssignedTo = ""
	next.AssignedAt = 0
	q.appendHistory(next, v1.TaskDeadLetter, "retries exhausted: "+reason)

	// Dead-letter insert strictly before active delete: a crash in between
	// leaves the id in both tables and startup resolves it as dead-lettered.
	if err := q.persistDead(next); err != nil {
		return false, err
	}
	if err := q.active.Delete(taskID); err != nil {
		return false, err
	}
	delete(q.tasks, taskID)
	q.deadTasks[taskID] = next

	q.publish(events.TaskDeadLetter, taskID, map[string]interface{}{
		"reason":      reason,
		"retry_count": next.RetryCount,
	})
	return false, nil
}

// UpdateProgress refreshes updated_at for an in-flight task. The snippet is
// forwarded on the event bus but not persisted as part of the record.
func (q *Queue) UpdateProgress(taskID, agentID string, generation uint64, snippet string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.tasks[taskID]
	if !ok {
		return ErrNotFound
	}
	if err := q.fence(t, agentID, generation); err != nil {
		return err
	}

	next := t.Clone()
	next.UpdatedAt = nowMillis()
	if err := q.persistActive(next); err != nil {
		return err
	}
	q.tasks[taskID] = next

	q.publish(events.TaskProgress, taskID, map[string]interface{}{
		"agent_id": agentID,
		"snippet":  snippet,
	})
	return nil
}

// Reclaim forces an ASSIGNED task back to QUEUED with a fresh generation.
// The previous holder's updates are fenced out from this point on.
func (q *Queue) Reclaim(taskID, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.reclaimLocked(taskID, reason)
}

func (q *Queue) reclaimLocked(taskID, reason string) error {
	t, ok := q.tasks[taskID]
	if !ok {
		return ErrNotFound
	}
	if t.Status != v1.TaskAssigned {
		return fmt.Errorf("%w: %s is %s", ErrWrongState, taskID, t.Status)
	}

	previous := t.AssignedTo
	next := t.Clone()
	next.Status = v1.TaskQueued
	next.Generation++
	next.AssignedTo = ""
	next.AssignedAt = 0
	// Drop the old deadline; the next assignment gets a fresh one.
	next.CompleteBy = 0
	next.UpdatedAt = nowMillis()
	q.appendHistory(next, v1.TaskQueued, "reclaimed: "+reason)

	if err := q.persistActive(next); err != nil {
		return err
	}
	q.tasks[taskID] = next
	q.indexInsert(next)

	q.publish(events.TaskReclaimed, taskID, map[string]interface{}{
		"reason":   reason,
		"agent_id": previous,
	})
	return nil
}

// RetryDeadLetter moves a dead-lettered task back to the live queue with its
// retry budget reset.
func (q *Queue) RetryDeadLetter(taskID string) (*v1.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.deadTasks[taskID]
	if !ok {
		if _, live := q.tasks[taskID]; live {
			return nil, ErrNotDeadLetter
		}
		return nil, ErrNotFound
	}

	next := t.Clone()
	next.Status = v1.TaskQueued
	next.RetryCount = 0
	next.Generation++
	next.CompleteBy = 0
	next.UpdatedAt = nowMillis()
	q.appendHistory(next, v1.TaskQueued, "requeued from dead letter")

	// Active insert before dead delete: a crash in between is resolved at
	// startup in favor of the dead-letter copy, which keeps I5 but loses
	// this requeue. The operator can simply retry.
	if err := q.persistActive(next); err != nil {
		return nil, err
	}
	if err := q.dead.Delete(taskID); err != nil {
		return nil, err
	}
	delete(q.deadTasks, taskID)
	q.tasks[taskID] = next
	q.indexInsert(next)

	q.publish(events.TaskRequeued, taskID, nil)
	return next.Clone(), nil
}

// DequeueHighest returns a copy of the best QUEUED task the filter admits,
// or nil. It does not mutate state; callers follow up with Assign, which can
// fail if another assignment won the race.
func (q *Queue) DequeueHighest(f DequeueFilter) *v1.Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	caps := make(map[string]bool, len(f.Capabilities))
	for _, c := range f.Capabilities {
		caps[c] = true
	}

	var best *indexEntry
	for _, e := range q.index {
		if best != nil && !e.before(best) {
			continue
		}
		t := q.tasks[e.taskID]
		if t == nil {
			continue
		}
		if !capableOf(caps, t.NeededCapabilities) {
			continue
		}
		if t.Repo != "" && f.PausedRepos[t.Repo] {
			continue
		}
		best = e
	}
	if best == nil {
		return nil
	}
	return q.tasks[best.taskID].Clone()
}

func capableOf(caps map[string]bool, needed []string) bool {
	for _, n := range needed {
		if !caps[n] {
			return false
		}
	}
	return true
}

// Stats summarizes queue depth for the admin surface.
type Stats struct {
	Queued     int `json:"queued"`
	Assigned   int `json:"assigned"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	DeadLetter int `json:"dead_letter"`
}

// QueueStats returns current per-status counts.
func (q *Queue) QueueStats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	s := Stats{DeadLetter: len(q.deadTasks)}
	for _, t := range q.tasks {
		switch t.Status {
		case v1.TaskQueued:
			s.Queued++
		case v1.TaskAssigned:
			s.Assigned++
		case v1.TaskCompleted:
			s.Completed++
		case v1.TaskFailed:
			s.Failed++
		}
	}
	return s
}

// Compact rewrites both table files, reclaiming space from completed and
// deleted records.
func (q *Queue) Compact() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.active.Compact(); err != nil {
		return err
	}
	return q.dead.Compact()
}

func (q *Queue) appendHistory(t *v1.Task, state v1.TaskStatus, details string) {
	t.History = append(t.History, v1.HistoryEntry{
		State:     state,
		Timestamp: nowMillis(),
		Details:   details,
	})
	if len(t.History) > q.historyCap {
		t.History = t.History[len(t.History)-q.historyCap:]
	}
}

func (q *Queue) persistActive(t *v1.Task) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode task %s: %w", t.ID, err)
	}
	return q.active.Put(t.ID, data)
}

func (q *Queue) persistDead(t *v1.Task) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode task %s: %w", t.ID, err)
	}
	return q.dead.Put(t.ID, data)
}

func (q *Queue) indexInsert(t *v1.Task) {
	if _, exists := q.indexByID[t.ID]; exists {
		return
	}
	e := &indexEntry{taskID: t.ID, priority: t.Priority, createdAt: t.CreatedAt}
	heap.Push(&q.index, e)
	q.indexByID[t.ID] = e
}

func (q *Queue) indexRemove(taskID string) {
	e, ok := q.indexByID[taskID]
	if !ok {
		return
	}
	heap.Remove(&q.index, e.index)
	delete(q.indexByID, taskID)
}

func (q *Queue) publish(eventType, taskID string, extra map[string]interface{}) {
	if q.eventBus == nil {
		return
	}
	data := map[string]interface{}{"task_id": taskID}
	for k, v := range extra {
		data[k] = v
	}
	_ = q.eventBus.Publish(context.Background(), events.TopicTasks,
		bus.NewEvent(eventType, "taskqueue", data))
}
