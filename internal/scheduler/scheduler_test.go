package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/crystalmath/crystalmathd/internal/model"
)

type fakeStore struct {
	mu          sync.Mutex
	jobs        map[int64]*model.Job
	deps        map[int64][]model.JobDependency
	queueState  map[int64]*model.QueuedJobState
	clusters    []*model.Cluster
	metricsPuts int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		jobs:       make(map[int64]*model.Job),
		deps:       make(map[int64][]model.JobDependency),
		queueState: make(map[int64]*model.QueuedJobState),
	}
}

func (f *fakeStore) GetJob(ctx context.Context, id int64) (*model.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.jobs[id], nil
}

func (f *fakeStore) GetJobsByStatus(ctx context.Context, status model.JobStatus) ([]*model.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.Job
	for _, j := range f.jobs {
		if j.Status == status {
			out = append(out, j)
		}
	}
	return out, nil
}

func (f *fakeStore) UpdateStatus(ctx context.Context, id int64, next model.JobStatus, fields JobUpdateFields) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if j, ok := f.jobs[id]; ok {
		j.Status = next
	}
	return nil
}

func (f *fakeStore) GetDependencies(ctx context.Context, jobID int64) ([]model.JobDependency, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.deps[jobID], nil
}

func (f *fakeStore) GetJobStatusesBatch(ctx context.Context, ids []int64) (map[int64]model.JobStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[int64]model.JobStatus, len(ids))
	for _, id := range ids {
		if j, ok := f.jobs[id]; ok {
			out[id] = j.Status
		}
	}
	return out, nil
}

func (f *fakeStore) SaveQueueState(ctx context.Context, qs *model.QueuedJobState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queueState[qs.JobID] = qs
	return nil
}

func (f *fakeStore) LoadAllQueueState(ctx context.Context) ([]*model.QueuedJobState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.QueuedJobState
	for _, qs := range f.queueState {
		out = append(out, qs)
	}
	return out, nil
}

func (f *fakeStore) DeleteQueueState(ctx context.Context, jobID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.queueState, jobID)
	return nil
}

func (f *fakeStore) ListClusters(ctx context.Context) ([]*model.Cluster, error) {
	return f.clusters, nil
}

func (f *fakeStore) PutSchedulerMetrics(ctx context.Context, m *model.SchedulerMetrics) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.metricsPuts++
	return nil
}

type fakeDispatcher struct {
	mu         sync.Mutex
	dispatched []int64
	fail       map[int64]bool
}

func newFakeDispatcher() *fakeDispatcher {
	return &fakeDispatcher{fail: make(map[int64]bool)}
}

func (d *fakeDispatcher) Dispatch(ctx context.Context, job *model.Job) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail[job.ID] {
		return errFakeDispatch
	}
	d.dispatched = append(d.dispatched, job.ID)
	return nil
}

var errFakeDispatch = &dispatchError{"fake dispatch failure"}

type dispatchError struct{ msg string }

func (e *dispatchError) Error() string { return e.msg }

func newTestScheduler(store *fakeStore, dispatcher *fakeDispatcher) *Scheduler {
	return New(store, dispatcher, slog.Default(), Config{TickInterval: 10 * time.Millisecond})
}

func TestEnqueueAndTickDispatches(t *testing.T) {
	store := newFakeStore()
	store.jobs[1] = &model.Job{ID: 1, Status: model.JobPending, RunnerType: model.RunnerLocal}
	dispatcher := newFakeDispatcher()
	s := newTestScheduler(store, dispatcher)

	if err := s.Enqueue(context.Background(), store.jobs[1], 2, 0, "alice", nil, nil); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	s.tick(context.Background())

	if len(dispatcher.dispatched) != 1 || dispatcher.dispatched[0] != 1 {
		t.Fatalf("expected job 1 dispatched, got %v", dispatcher.dispatched)
	}
	if store.jobs[1].Status != model.JobRunning {
		t.Fatalf("expected job running, got %s", store.jobs[1].Status)
	}
}

func TestDependencyBlocksUntilSatisfied(t *testing.T) {
	store := newFakeStore()
	store.jobs[1] = &model.Job{ID: 1, Status: model.JobCompleted, RunnerType: model.RunnerLocal}
	store.jobs[2] = &model.Job{ID: 2, Status: model.JobPending, RunnerType: model.RunnerLocal}
	store.deps[2] = []model.JobDependency{{JobID: 2, DependsOnJobID: 1, Kind: model.AfterOK}}
	dispatcher := newFakeDispatcher()
	s := newTestScheduler(store, dispatcher)
	s.setStatus(1, model.JobCompleted)

	if err := s.Enqueue(context.Background(), store.jobs[2], 2, 0, "alice", nil, nil); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	s.tick(context.Background())

	if len(dispatcher.dispatched) != 1 {
		t.Fatalf("expected dependent job to dispatch once its dependency is satisfied, got %v", dispatcher.dispatched)
	}
}

func TestUnreachableDependencyCancelsJob(t *testing.T) {
	store := newFakeStore()
	store.jobs[1] = &model.Job{ID: 1, Status: model.JobFailed, RunnerType: model.RunnerLocal}
	store.jobs[2] = &model.Job{ID: 2, Status: model.JobPending, RunnerType: model.RunnerLocal}
	store.deps[2] = []model.JobDependency{{JobID: 2, DependsOnJobID: 1, Kind: model.AfterOK}}
	dispatcher := newFakeDispatcher()
	s := newTestScheduler(store, dispatcher)
	s.setStatus(1, model.JobFailed)

	if err := s.Enqueue(context.Background(), store.jobs[2], 2, 0, "alice", nil, nil); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	s.tick(context.Background())

	if store.jobs[2].Status != model.JobCancelled {
		t.Fatalf("expected job 2 cancelled as unreachable, got %s", store.jobs[2].Status)
	}
}

func TestPausedClusterDefersDispatch(t *testing.T) {
	store := newFakeStore()
	clusterID := int64(5)
	store.jobs[1] = &model.Job{ID: 1, Status: model.JobPending, RunnerType: model.RunnerSSH, ClusterID: &clusterID}
	dispatcher := newFakeDispatcher()
	s := newTestScheduler(store, dispatcher)
	s.PauseCluster(clusterID)

	if err := s.Enqueue(context.Background(), store.jobs[1], 2, 0, "alice", nil, nil); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	s.tick(context.Background())

	if len(dispatcher.dispatched) != 0 {
		t.Fatalf("expected no dispatch while cluster paused, got %v", dispatcher.dispatched)
	}
	if s.ready.Len() != 1 {
		t.Fatalf("expected job to remain queued, ready len = %d", s.ready.Len())
	}
}

func TestHandleJobCompletionRetriesFailedJob(t *testing.T) {
	store := newFakeStore()
	job := &model.Job{ID: 1, Status: model.JobFailed, RunnerType: model.RunnerLocal}
	store.jobs[1] = job
	dispatcher := newFakeDispatcher()
	s := newTestScheduler(store, dispatcher)
	qs := &model.QueuedJobState{JobID: 1, MaxRetries: 2, RetryCount: 0}

	s.HandleJobCompletion(context.Background(), job, qs)

	if job.Status != model.JobQueued {
		t.Fatalf("expected job requeued for retry, got %s", job.Status)
	}
	if qs.RetryCount != 1 {
		t.Fatalf("expected retry count incremented, got %d", qs.RetryCount)
	}
	if !s.ready.Contains(1) {
		t.Fatalf("expected job back on the ready queue")
	}
}

func TestHandleJobCompletionFiresCallbackOnPermanentFailure(t *testing.T) {
	store := newFakeStore()
	job := &model.Job{ID: 1, Status: model.JobFailed, RunnerType: model.RunnerLocal}
	store.jobs[1] = job
	dispatcher := newFakeDispatcher()
	s := newTestScheduler(store, dispatcher)

	var called bool
	s.RegisterCallback(1, func(j *model.Job) { called = true })
	qs := &model.QueuedJobState{JobID: 1, MaxRetries: 0, RetryCount: 0}

	s.HandleJobCompletion(context.Background(), job, qs)

	if !called {
		t.Fatalf("expected completion callback to fire on permanent failure")
	}
}

func TestReorderQueueChangesPriority(t *testing.T) {
	store := newFakeStore()
	store.jobs[1] = &model.Job{ID: 1, Status: model.JobPending, RunnerType: model.RunnerLocal}
	dispatcher := newFakeDispatcher()
	s := newTestScheduler(store, dispatcher)

	if err := s.Enqueue(context.Background(), store.jobs[1], 3, 0, "alice", nil, nil); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := s.ReorderQueue(context.Background(), 1, 1); err != nil {
		t.Fatalf("ReorderQueue: %v", err)
	}

	list := s.ready.List()
	if len(list) != 1 || list[0].Priority != 1 {
		t.Fatalf("expected priority updated to 1, got %+v", list)
	}
}
