package scheduler

import (
	"testing"
	"time"

	"github.com/crystalmath/crystalmathd/internal/model"
)

func TestReadyQueuePopsHighestPriorityFirst(t *testing.T) {
	q := NewReadyQueue(nil)
	now := time.Now().UTC()
	q.Push(&model.QueuedJobState{JobID: 1, Priority: 3, EnqueuedAt: now})
	q.Push(&model.QueuedJobState{JobID: 2, Priority: 1, EnqueuedAt: now})
	q.Push(&model.QueuedJobState{JobID: 3, Priority: 2, EnqueuedAt: now})

	first := q.Pop()
	if first == nil || first.JobID != 2 {
		t.Fatalf("expected highest-priority job (priority 1) to pop first, got %+v", first)
	}
}

func TestReadyQueueBreaksTiesByWaitTime(t *testing.T) {
	q := NewReadyQueue(nil)
	older := time.Now().UTC().Add(-10 * time.Minute)
	newer := time.Now().UTC()
	q.Push(&model.QueuedJobState{JobID: 1, Priority: 2, EnqueuedAt: newer})
	q.Push(&model.QueuedJobState{JobID: 2, Priority: 2, EnqueuedAt: older})

	first := q.Pop()
	if first == nil || first.JobID != 2 {
		t.Fatalf("expected longer-waiting job to pop first among equal priority, got %+v", first)
	}
}

func TestReadyQueueRemove(t *testing.T) {
	q := NewReadyQueue(nil)
	q.Push(&model.QueuedJobState{JobID: 1, Priority: 1, EnqueuedAt: time.Now()})
	if !q.Remove(1) {
		t.Fatalf("expected Remove to find job 1")
	}
	if q.Len() != 0 {
		t.Fatalf("expected queue empty after remove, len=%d", q.Len())
	}
	if q.Remove(1) {
		t.Fatalf("expected second Remove to report not found")
	}
}

func TestReadyQueueFairShareBonus(t *testing.T) {
	bonus := map[string]float64{"heavy-user": 0, "light-user": 10000}
	q := NewReadyQueue(func(userID string) float64 { return bonus[userID] })
	now := time.Now().UTC()
	q.Push(&model.QueuedJobState{JobID: 1, Priority: 2, EnqueuedAt: now, UserID: "heavy-user"})
	q.Push(&model.QueuedJobState{JobID: 2, Priority: 2, EnqueuedAt: now, UserID: "light-user"})

	first := q.Pop()
	if first == nil || first.JobID != 2 {
		t.Fatalf("expected light-user's job to win despite equal priority, got %+v", first)
	}
}
