package scheduler

import (
	"container/heap"
	"sync"
	"time"

	"github.com/crystalmath/crystalmathd/internal/model"
)

// entry is one job waiting for dispatch, along with the bookkeeping needed to
// score it.
type entry struct {
	state *model.QueuedJobState
	index int // heap bookkeeping
}

// score implements the priority formula: lower priority numbers (0=highest)
// sort first, ties broken by how long the job has waited, with an optional
// per-user fair-share bonus added on top.
func score(e *entry, now time.Time, fairShareBonus float64) float64 {
	waitMinutes := now.Sub(e.state.EnqueuedAt).Minutes()
	return float64((4-e.state.Priority)*1000) + waitMinutes + fairShareBonus
}

// priorityHeap is a container/heap.Interface over entries ordered by
// descending score (highest score dispatches first).
type priorityHeap struct {
	entries    []*entry
	now        func() time.Time
	fairShare  func(userID string) float64
}

func (h *priorityHeap) Len() int { return len(h.entries) }

func (h *priorityHeap) Less(i, j int) bool {
	si := score(h.entries[i], h.now(), h.fairShare(h.entries[i].state.UserID))
	sj := score(h.entries[j], h.now(), h.fairShare(h.entries[j].state.UserID))
	return si > sj
}

func (h *priorityHeap) Swap(i, j int) {
	h.entries[i], h.entries[j] = h.entries[j], h.entries[i]
	h.entries[i].index = i
	h.entries[j].index = j
}

func (h *priorityHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(h.entries)
	h.entries = append(h.entries, e)
}

func (h *priorityHeap) Pop() any {
	old := h.entries
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	h.entries = old[:n-1]
	return e
}

// ReadyQueue holds every queued job not yet dispatched, including jobs still
// waiting on a dependency or a cluster slot, ordered by the
// priority/wait/fair-share score.
type ReadyQueue struct {
	mu      sync.Mutex
	h       *priorityHeap
	byJobID map[int64]*entry
}

// NewReadyQueue constructs an empty ReadyQueue. fairShare resolves a bonus
// value (larger is better) for a given user; it is added to the job's score.
func NewReadyQueue(fairShare func(userID string) float64) *ReadyQueue {
	if fairShare == nil {
		fairShare = func(string) float64 { return 0 }
	}
	return &ReadyQueue{
		h:       &priorityHeap{now: func() time.Time { return time.Now() }, fairShare: fairShare},
		byJobID: make(map[int64]*entry),
	}
}

// Push adds or updates a job's queue state. Re-pushing an already-queued job
// refreshes its scoring state.
func (q *ReadyQueue) Push(state *model.QueuedJobState) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if e, ok := q.byJobID[state.JobID]; ok {
		e.state = state
		heap.Fix(q.h, e.index)
		return
	}
	e := &entry{state: state}
	q.byJobID[state.JobID] = e
	heap.Push(q.h, e)
}

// Pop removes and returns the highest-scoring job, or nil if the queue is empty.
func (q *ReadyQueue) Pop() *model.QueuedJobState {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.h.Len() == 0 {
		return nil
	}
	e := heap.Pop(q.h).(*entry)
	delete(q.byJobID, e.state.JobID)
	return e.state
}

// Remove drops jobID from the queue if present, reporting whether it was found.
func (q *ReadyQueue) Remove(jobID int64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.byJobID[jobID]
	if !ok {
		return false
	}
	heap.Remove(q.h, e.index)
	delete(q.byJobID, jobID)
	return true
}

// Contains reports whether jobID is currently queued.
func (q *ReadyQueue) Contains(jobID int64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.byJobID[jobID]
	return ok
}

// Len returns the number of queued jobs.
func (q *ReadyQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.h.Len()
}

// List returns a snapshot of every queued job's state, unordered.
func (q *ReadyQueue) List() []*model.QueuedJobState {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*model.QueuedJobState, 0, len(q.byJobID))
	for _, e := range q.byJobID {
		out = append(out, e.state)
	}
	return out
}
