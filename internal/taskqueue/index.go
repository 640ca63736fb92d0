package taskqueue

import (
	v1 "github.com/agentcom/agentcom/pkg/api/v1"
)

// indexEntry is one QUEUED task in the priority index.
type indexEntry struct {
	taskID    string
	priority  v1.Priority
	createdAt int64
	index     int // position in the heap, maintained by container/heap
}

// priorityIndex implements heap.Interface. Order: lowest priority value
// first, then FIFO by created_at, then task id for determinism.
type priorityIndex []*indexEntry

func (h priorityIndex) Len() int { return len(h) }

func (h priorityIndex) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	if h[i].createdAt != h[j].createdAt {
		return h[i].createdAt < h[j].createdAt
	}
	return h[i].taskID < h[j].taskID
}

func (h priorityIndex) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *priorityIndex) Push(x interface{}) {
	n := len(*h)
	item := x.(*indexEntry)
	item.index = n
	*h = append(*h, item)
}

func (h *priorityIndex) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil // avoid memory leak
	item.index = -1
	*h = old[0 : n-1]
	return item
}

// before reports whether a sorts ahead of b in the index order.
func (a *indexEntry) before(b *indexEntry) bool {
	if a.priority != b.priority {
		return a.priority < b.priority
	}
	if a.createdAt != b.createdAt {
		return a.createdAt < b.createdAt
	}
	return a.taskID < b.taskID
}
