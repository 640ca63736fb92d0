package taskqueue

import (
	"context"
	"time"

	"go.uber.org/zap"

	v1 "github.com/agentcom/agentcom/pkg/api/v1"
)

// SweepLoop runs the periodic reclamation sweep until the context is
// cancelled. It is meant to run under supervisor.Supervise so a panicking
// sweep is restarted instead of silently ending reclamation.
func (q *Queue) SweepLoop(ctx context.Context) error {
	ticker := time.NewTicker(q.sweepInterval)
	defer ticker.Stop()

	q.logger.Info("reclamation sweep running", zap.Duration("interval", q.sweepInterval))
	for {
		select {
		case <-ctx.Done():
			q.logger.Info("reclamation sweep stopped")
			return nil
		case <-ticker.C:
			q.sweepOverdue()
		}
	}
}

// sweepOverdue reclaims every ASSIGNED task whose deadline has passed. It
// holds the queue lock for the whole pass, so it cannot race agent-initiated
// transitions.
func (q *Queue) sweepOverdue() {
	now := nowMillis()

	q.mu.Lock()
	defer q.mu.Unlock()

	var overdue []string
	for id, t := range q.tasks {
		if t.Status == v1.TaskAssigned && t.CompleteBy != 0 && t.CompleteBy < now {
			overdue = append(overdue, id)
		}
	}
	for _, id := range overdue {
		if err := q.reclaimLocked(id, "overdue"); err != nil {
			q.logger.Error("failed to reclaim overdue task",
				zap.String("task_id", id), zap.Error(err))
			continue
		}
		q.logger.Warn("reclaimed overdue task", zap.String("task_id", id))
	}
}
