package runner

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/crystalmath/crystalmathd/internal/model"
)

type fakeRunner struct {
	mu        sync.Mutex
	submitted []PreparedInput
	handle    Handle
	submitErr error
	polls     []StatusUpdate
	pollIdx   int
}

func (f *fakeRunner) Submit(ctx context.Context, input PreparedInput) (Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, input)
	if f.submitErr != nil {
		return Handle{}, f.submitErr
	}
	return f.handle, nil
}

func (f *fakeRunner) Poll(ctx context.Context, h Handle) (StatusUpdate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pollIdx >= len(f.polls) {
		return StatusUpdate{State: StateRunning}, nil
	}
	u := f.polls[f.pollIdx]
	f.pollIdx++
	return u, nil
}

func (f *fakeRunner) Cancel(ctx context.Context, h Handle) (bool, error) { return true, nil }
func (f *fakeRunner) Retrieve(ctx context.Context, h Handle, destDir string) error {
	return nil
}
func (f *fakeRunner) StreamLogs(ctx context.Context, h Handle) (<-chan string, error) {
	ch := make(chan string)
	close(ch)
	return ch, nil
}

type fakeDispatchStore struct {
	mu          sync.Mutex
	statuses    map[int64]model.JobStatus
	remoteJobs  map[int64]*model.RemoteJob
	putCount    int
	deleteCount int
}

func newFakeDispatchStore() *fakeDispatchStore {
	return &fakeDispatchStore{
		statuses:   make(map[int64]model.JobStatus),
		remoteJobs: make(map[int64]*model.RemoteJob),
	}
}

func (s *fakeDispatchStore) UpdateStatus(ctx context.Context, id int64, next model.JobStatus, fields JobUpdateFields) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[id] = next
	return nil
}

func (s *fakeDispatchStore) PutRemoteJob(ctx context.Context, rj *model.RemoteJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putCount++
	s.remoteJobs[rj.JobID] = rj
	return nil
}

func (s *fakeDispatchStore) DeleteRemoteJob(ctx context.Context, jobID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleteCount++
	delete(s.remoteJobs, jobID)
	return nil
}

type fakeSink struct {
	mu        sync.Mutex
	completed []*model.Job
	done      chan struct{}
}

func newFakeSink() *fakeSink {
	return &fakeSink{done: make(chan struct{}, 8)}
}

func (s *fakeSink) CompleteDispatchedJob(ctx context.Context, job *model.Job) {
	s.mu.Lock()
	s.completed = append(s.completed, job)
	s.mu.Unlock()
	s.done <- struct{}{}
}

func TestDispatcherSubmitsToRunnerSelectedByType(t *testing.T) {
	local := &fakeRunner{handle: Handle{RunnerType: model.RunnerLocal, Value: "123"}}
	store := newFakeDispatchStore()
	sink := newFakeSink()
	d := NewDispatcher(local, nil, nil, store, sink, nil)
	d.PollInterval = func(model.RunnerType) time.Duration { return time.Millisecond }
	local.polls = []StatusUpdate{{State: StateCompleted}}

	job := &model.Job{ID: 1, RunnerType: model.RunnerLocal, InputBlob: "input"}
	if err := d.Dispatch(context.Background(), job); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	select {
	case <-sink.done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for completion")
	}

	if got := store.statuses[1]; got != model.JobCompleted {
		t.Fatalf("expected job marked completed in store, got %s", got)
	}
	if store.putCount != 0 {
		t.Fatalf("local jobs must not persist a remote job handle, got %d puts", store.putCount)
	}
}

func TestDispatcherPersistsAndClearsRemoteHandleForSSH(t *testing.T) {
	ssh := &fakeRunner{handle: Handle{RunnerType: model.RunnerSSH, ClusterID: 7, Value: "4242", RemoteDir: "/scratch/job-1"}}
	store := newFakeDispatchStore()
	sink := newFakeSink()
	d := NewDispatcher(nil, ssh, nil, store, sink, nil)
	d.PollInterval = func(model.RunnerType) time.Duration { return time.Millisecond }
	ssh.polls = []StatusUpdate{{State: StateRunning}, {State: StateFailed}}

	job := &model.Job{ID: 2, RunnerType: model.RunnerSSH}
	if err := d.Dispatch(context.Background(), job); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	select {
	case <-sink.done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for completion")
	}

	if store.putCount != 1 {
		t.Fatalf("expected remote job handle persisted once, got %d", store.putCount)
	}
	if store.deleteCount != 1 {
		t.Fatalf("expected remote job handle deleted on completion, got %d", store.deleteCount)
	}
	if got := store.statuses[2]; got != model.JobFailed {
		t.Fatalf("expected job marked failed, got %s", got)
	}
}

func TestDispatcherRejectsUnconfiguredRunnerType(t *testing.T) {
	store := newFakeDispatchStore()
	d := NewDispatcher(nil, nil, nil, store, newFakeSink(), nil)
	job := &model.Job{ID: 3, RunnerType: model.RunnerSLURM}
	if err := d.Dispatch(context.Background(), job); err == nil {
		t.Fatal("expected error dispatching to an unconfigured runner type")
	}
}
