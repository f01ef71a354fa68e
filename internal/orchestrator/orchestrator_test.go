package orchestrator

import (
	"context"
	"sync"
	"testing"

	"github.com/crystalmath/crystalmathd/internal/model"
	"github.com/crystalmath/crystalmathd/internal/scheduler"
)

type fakeStore struct {
	mu        sync.Mutex
	workflows map[int64]*model.Workflow
	nodes     map[int64][]*model.WorkflowNode
	jobs      map[int64]*model.Job
	nextJobID int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		workflows: make(map[int64]*model.Workflow),
		nodes:     make(map[int64][]*model.WorkflowNode),
		jobs:      make(map[int64]*model.Job),
	}
}

func (f *fakeStore) CreateJob(ctx context.Context, j *model.Job) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextJobID++
	j.ID = f.nextJobID
	f.jobs[j.ID] = j
	return j.ID, nil
}

func (f *fakeStore) CreateWorkflow(ctx context.Context, wf *model.Workflow, nodes []*model.WorkflowNode) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	wf.ID = 1
	f.workflows[1] = wf
	f.nodes[1] = nodes
	return 1, nil
}

func (f *fakeStore) UpdateWorkflowStatus(ctx context.Context, id int64, status model.WorkflowStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.workflows[id].Status = status
	return nil
}

func (f *fakeStore) GetWorkflow(ctx context.Context, id int64) (*model.Workflow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.workflows[id], nil
}

func (f *fakeStore) GetWorkflowNodes(ctx context.Context, workflowID int64) ([]*model.WorkflowNode, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nodes[workflowID], nil
}

func (f *fakeStore) UpdateWorkflowNode(ctx context.Context, n *model.WorkflowNode) error {
	return nil // nodes are shared pointers in this fake, already mutated in place
}

type fakeQueue struct {
	mu        sync.Mutex
	completed map[int64]func(*model.Job)
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{completed: make(map[int64]func(*model.Job))}
}

func (q *fakeQueue) Enqueue(ctx context.Context, job *model.Job, priority, maxRetries int, userID string, resources map[string]int, cb scheduler.CompletionCallback) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.completed[job.ID] = cb
	return nil
}

// finish simulates the queue manager driving job to a terminal status and
// invoking its registered completion callback, as Scheduler.HandleJobCompletion does.
func (q *fakeQueue) finish(jobID int64, job *model.Job) {
	q.mu.Lock()
	cb := q.completed[jobID]
	q.mu.Unlock()
	if cb != nil {
		cb(job)
	}
}

func TestSubmitWorkflowRejectsCycle(t *testing.T) {
	store := newFakeStore()
	o := New(store, nil, nil, "/scratch", nil)
	nodes := []*model.WorkflowNode{
		{NodeID: "a", Name: "a", Dependencies: []string{"b"}},
		{NodeID: "b", Name: "b", Dependencies: []string{"a"}},
	}
	_, err := o.SubmitWorkflow(context.Background(), &model.Workflow{Name: "cyclic"}, nodes)
	if err == nil {
		t.Fatalf("expected cycle to be rejected")
	}
}

func TestSubmitWorkflowRejectsUnknownDependency(t *testing.T) {
	store := newFakeStore()
	o := New(store, nil, nil, "/scratch", nil)
	nodes := []*model.WorkflowNode{
		{NodeID: "a", Name: "a", Dependencies: []string{"ghost"}},
	}
	_, err := o.SubmitWorkflow(context.Background(), &model.Workflow{Name: "dangling"}, nodes)
	if err == nil {
		t.Fatalf("expected unknown dependency to be rejected")
	}
}

func TestSubmitWorkflowDispatchesRootNodes(t *testing.T) {
	store := newFakeStore()
	queue := newFakeQueue()
	o := New(store, queue, nil, "/scratch", nil)
	nodes := []*model.WorkflowNode{
		{NodeID: "geom-opt", Name: "geom-opt"},
		{NodeID: "single-point", Name: "single-point", Dependencies: []string{"geom-opt"}},
	}
	id, err := o.SubmitWorkflow(context.Background(), &model.Workflow{Name: "relax-then-scf"}, nodes)
	if err != nil {
		t.Fatalf("SubmitWorkflow: %v", err)
	}
	if len(queue.completed) != 1 {
		t.Fatalf("expected exactly the root node dispatched, got %d", len(queue.completed))
	}
	if store.workflows[id].Status != model.WorkflowRunning {
		t.Fatalf("expected workflow running, got %s", store.workflows[id].Status)
	}
}

func TestWorkflowAdvancesOnNodeSuccess(t *testing.T) {
	store := newFakeStore()
	queue := newFakeQueue()
	o := New(store, queue, nil, "/scratch", nil)
	nodes := []*model.WorkflowNode{
		{NodeID: "geom-opt", Name: "geom-opt"},
		{NodeID: "single-point", Name: "single-point", Dependencies: []string{"geom-opt"}},
	}
	o.SubmitWorkflow(context.Background(), &model.Workflow{Name: "relax-then-scf"}, nodes)

	rootNode := nodes[0]
	jobID := *rootNode.JobID
	queue.finish(jobID, &model.Job{ID: jobID, Status: model.JobCompleted, ResultsBlob: `{"energy":-76.4}`})

	if nodes[1].Status != model.JobQueued {
		t.Fatalf("expected downstream node dispatched after upstream success, got %s", nodes[1].Status)
	}
}

func TestWorkflowFailFastAbortsOnFailure(t *testing.T) {
	store := newFakeStore()
	queue := newFakeQueue()
	o := New(store, queue, nil, "/scratch", nil)
	nodes := []*model.WorkflowNode{
		{NodeID: "geom-opt", Name: "geom-opt"},
		{NodeID: "single-point", Name: "single-point", Dependencies: []string{"geom-opt"}},
	}
	id, _ := o.SubmitWorkflow(context.Background(), &model.Workflow{Name: "relax-then-scf", FailurePolicy: model.FailFast}, nodes)

	jobID := *nodes[0].JobID
	queue.finish(jobID, &model.Job{ID: jobID, Status: model.JobFailed})

	if store.workflows[id].Status != model.WorkflowFailed {
		t.Fatalf("expected workflow failed under fail-fast policy, got %s", store.workflows[id].Status)
	}
	if nodes[1].Status != model.JobCancelled {
		t.Fatalf("expected downstream node cancelled under fail-fast, got %s", nodes[1].Status)
	}
}

func TestWorkflowRetryPolicyRequeuesNode(t *testing.T) {
	store := newFakeStore()
	queue := newFakeQueue()
	o := New(store, queue, nil, "/scratch", nil)
	nodes := []*model.WorkflowNode{
		{NodeID: "geom-opt", Name: "geom-opt", MaxRetries: 1},
	}
	o.SubmitWorkflow(context.Background(), &model.Workflow{Name: "flaky", FailurePolicy: model.RetryPolicy}, nodes)

	firstJobID := *nodes[0].JobID
	queue.finish(firstJobID, &model.Job{ID: firstJobID, Status: model.JobFailed})

	if nodes[0].RetryCount != 1 {
		t.Fatalf("expected retry count incremented, got %d", nodes[0].RetryCount)
	}
	if len(queue.completed) != 2 {
		t.Fatalf("expected node re-enqueued as a fresh job, got %d total enqueues", len(queue.completed))
	}
}

func TestTemplateResolutionSubstitutesUpstreamResult(t *testing.T) {
	nodes := []*model.WorkflowNode{
		{Name: "geom-opt", Results: map[string]string{"resultsBlob": "optimized.xyz"}},
		{Name: "single-point"},
	}
	resolved, err := resolveParameters("INPUT={{upstream.geom-opt.resultsBlob}}", []string{"geom-opt"}, nodes)
	if err != nil {
		t.Fatalf("resolveParameters: %v", err)
	}
	if resolved != "INPUT=optimized.xyz" {
		t.Fatalf("expected substituted value, got %q", resolved)
	}
}

func TestTemplateResolutionRejectsUndeclaredReference(t *testing.T) {
	nodes := []*model.WorkflowNode{
		{Name: "geom-opt", Results: map[string]string{"resultsBlob": "optimized.xyz"}},
		{Name: "single-point"},
	}
	_, err := resolveParameters("INPUT={{upstream.geom-opt.resultsBlob}}", nil, nodes)
	if err == nil {
		t.Fatalf("expected error referencing a node outside declared dependencies")
	}
}
