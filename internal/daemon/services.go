package daemon

import (
	"context"
	"fmt"
	"time"

	"github.com/crystalmath/crystalmathd/internal/ipc"
	"github.com/crystalmath/crystalmathd/internal/model"
	"github.com/crystalmath/crystalmathd/internal/orchestrator"
	"github.com/crystalmath/crystalmathd/internal/scheduler"
	"github.com/crystalmath/crystalmathd/internal/sshpool"
	"github.com/crystalmath/crystalmathd/internal/store"
)

// systemService is the daemon's own implementation of ipc.SystemService.
type systemService struct {
	version   string
	shutdownC chan struct{}
}

func (s *systemService) Ping(ctx context.Context) error { return nil }

func (s *systemService) Version(ctx context.Context) string { return s.version }

func (s *systemService) Shutdown(ctx context.Context) error {
	select {
	case <-s.shutdownC:
	default:
		close(s.shutdownC)
	}
	return nil
}

// jobService wires jobs.* RPC calls through the store, the queue manager,
// and the dispatcher proxy. The scheduler publishes job.statusChanged
// itself on every transition, so this service doesn't need to.
type jobService struct {
	store      *store.Store
	scheduler  *scheduler.Scheduler
	dispatcher *dispatcherProxy
}

func (s *jobService) SubmitJob(ctx context.Context, req ipc.JobSubmission) (*model.Job, error) {
	job := &model.Job{
		Name:        req.Name,
		WorkDir:     req.WorkDir,
		InputBlob:   req.InputBlob,
		RunnerType:  req.RunnerType,
		ClusterID:   req.ClusterID,
		Parallelism: req.Parallelism,
		CreatedAt:   time.Now().UTC(),
	}
	id, err := s.store.CreateJob(ctx, job)
	if err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	job.ID = id

	for _, dep := range req.DependsOn {
		if err := s.store.AddJobDependency(ctx, model.JobDependency{
			JobID: id, DependsOnJobID: dep.JobID, Kind: dep.Kind,
		}); err != nil {
			return nil, fmt.Errorf("add dependency on job %d: %w", dep.JobID, err)
		}
	}

	if err := s.scheduler.Enqueue(ctx, job, req.Priority, req.MaxRetries, req.UserID, req.Resources, nil); err != nil {
		return nil, fmt.Errorf("enqueue job %d: %w", id, err)
	}
	return job, nil
}

func (s *jobService) GetJob(ctx context.Context, id int64) (*model.Job, error) {
	return s.store.GetJob(ctx, id)
}

func (s *jobService) ListJobs(ctx context.Context, statusFilter string) ([]*model.Job, error) {
	if statusFilter == "" {
		return s.store.GetAllJobs(ctx)
	}
	return s.store.GetJobsByStatus(ctx, model.JobStatus(statusFilter))
}

func (s *jobService) CancelJob(ctx context.Context, id int64) error {
	return s.scheduler.CancelJob(ctx, id)
}

// JobLog drains the job's live log channel for a bounded window and returns
// the last tailLines lines it collected. This is an approximation for
// SSH/SLURM, whose StreamLogs tails indefinitely: a running remote job's log
// call only sees however much arrives before the deadline, not a guaranteed
// snapshot of the whole history. A job with no dispatcher handle (not
// currently running) reports that rather than an opaque transport error.
func (s *jobService) JobLog(ctx context.Context, id int64, tailLines int) ([]string, error) {
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if tailLines <= 0 {
		tailLines = 200
	}

	drainCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	ch, err := s.dispatcher.StreamLogs(drainCtx, job)
	if err != nil {
		return nil, fmt.Errorf("job %d has no live log stream (not currently dispatched): %w", id, err)
	}

	var lines []string
	for {
		select {
		case line, ok := <-ch:
			if !ok {
				return tail(lines, tailLines), nil
			}
			lines = append(lines, line)
		case <-drainCtx.Done():
			return tail(lines, tailLines), nil
		}
	}
}

func tail(lines []string, n int) []string {
	if n >= len(lines) {
		return lines
	}
	return lines[len(lines)-n:]
}

// clusterService wires clusters.* RPC calls through the store and the SSH
// connection pool.
type clusterService struct {
	store *store.Store
	pool  *sshpool.Pool
}

func (s *clusterService) ListClusters(ctx context.Context) ([]*model.Cluster, error) {
	return s.store.ListClusters(ctx)
}

func (s *clusterService) GetCluster(ctx context.Context, id int64) (*model.Cluster, error) {
	return s.store.GetCluster(ctx, id)
}

func (s *clusterService) CreateCluster(ctx context.Context, c *model.Cluster) (*model.Cluster, error) {
	if c.Status == "" {
		c.Status = model.ClusterActive
	}
	id, err := s.store.CreateCluster(ctx, c)
	if err != nil {
		return nil, err
	}
	c.ID = id
	return c, nil
}

func (s *clusterService) UpdateCluster(ctx context.Context, c *model.Cluster) error {
	return s.store.UpdateCluster(ctx, c)
}

func (s *clusterService) DeleteCluster(ctx context.Context, id int64) error {
	return s.store.DeleteCluster(ctx, id)
}

// TestCluster exercises the connection pool against id directly, bypassing
// the runner layer: a caller diagnosing a misconfigured cluster wants to
// know whether the SSH handshake itself succeeds, not whether a job can run.
func (s *clusterService) TestCluster(ctx context.Context, id int64) (*ipc.ClusterTestResult, error) {
	start := time.Now()
	client, err := s.pool.Acquire(ctx, id)
	if err != nil {
		return &ipc.ClusterTestResult{OK: false, Message: err.Error()}, nil
	}
	s.pool.Release(id, client)
	return &ipc.ClusterTestResult{OK: true, LatencyMs: time.Since(start).Milliseconds()}, nil
}

// workflowService wires workflows.* RPC calls through the orchestrator and
// the store (read paths the orchestrator itself doesn't expose).
type workflowService struct {
	store        *store.Store
	orchestrator *orchestrator.Orchestrator
}

func (s *workflowService) SubmitWorkflow(ctx context.Context, req ipc.WorkflowSubmission) (*model.Workflow, error) {
	wf := &model.Workflow{Name: req.Name, FailurePolicy: req.FailurePolicy}
	id, err := s.orchestrator.SubmitWorkflow(ctx, wf, req.Nodes)
	if err != nil {
		return nil, err
	}
	wf.ID = id
	return wf, nil
}

func (s *workflowService) GetWorkflow(ctx context.Context, id int64) (*model.Workflow, []*model.WorkflowNode, error) {
	wf, err := s.store.GetWorkflow(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	nodes, err := s.store.GetWorkflowNodes(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return wf, nodes, nil
}

func (s *workflowService) CancelWorkflow(ctx context.Context, id int64) error {
	return s.orchestrator.CancelWorkflow(ctx, id)
}
