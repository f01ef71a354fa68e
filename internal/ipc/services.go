package ipc

import (
	"context"

	"github.com/crystalmath/crystalmathd/internal/model"
)

// JobSubmission is the jobs.submit request payload: enough to create a Job
// row and hand it to the queue manager.
type JobSubmission struct {
	Name        string                   `json:"name"`
	WorkDir     string                   `json:"workDir"`
	InputBlob   string                   `json:"inputBlob"`
	RunnerType  model.RunnerType         `json:"runnerType"`
	ClusterID   *int64                   `json:"clusterId,omitempty"`
	Parallelism model.ParallelismConfig  `json:"parallelism"`
	Priority    int                      `json:"priority"`
	MaxRetries  int                      `json:"maxRetries"`
	UserID      string                   `json:"userId"`
	Resources   map[string]int           `json:"resources,omitempty"`
	DependsOn   []JobDependencySpec      `json:"dependsOn,omitempty"`
}

// JobDependencySpec names a dependency edge by job ID at submit time.
type JobDependencySpec struct {
	JobID int64                 `json:"jobId"`
	Kind  model.DependencyKind  `json:"kind"`
}

// JobService is the jobs.* method group's backing implementation, built by
// wiring together the store, the queue manager, and the runner dispatcher.
type JobService interface {
	SubmitJob(ctx context.Context, req JobSubmission) (*model.Job, error)
	GetJob(ctx context.Context, id int64) (*model.Job, error)
	ListJobs(ctx context.Context, statusFilter string) ([]*model.Job, error)
	CancelJob(ctx context.Context, id int64) error
	JobLog(ctx context.Context, id int64, tailLines int) ([]string, error)
}

// clusterParams is the wire shape clusters.create/clusters.update accept.
type clusterParams struct {
	ID               int64             `json:"id,omitempty"`
	Name             string            `json:"name"`
	Type             model.ClusterType `json:"type"`
	Host             string            `json:"host"`
	Port             int               `json:"port"`
	User             string            `json:"user"`
	ConnectionConfig string            `json:"connectionConfig,omitempty"`
	MaxConcurrent    int               `json:"maxConcurrent"`
}

func (c clusterParams) toModel() *model.Cluster {
	return &model.Cluster{
		ID:               c.ID,
		Name:             c.Name,
		Type:             c.Type,
		Host:             c.Host,
		Port:             c.Port,
		User:             c.User,
		ConnectionConfig: c.ConnectionConfig,
		MaxConcurrent:    c.MaxConcurrent,
	}
}

// ClusterTestResult is clusters.test's return shape.
type ClusterTestResult struct {
	OK        bool   `json:"ok"`
	LatencyMs int64  `json:"latencyMs"`
	Message   string `json:"message,omitempty"`
}

// ClusterService is the clusters.* method group's backing implementation.
type ClusterService interface {
	ListClusters(ctx context.Context) ([]*model.Cluster, error)
	GetCluster(ctx context.Context, id int64) (*model.Cluster, error)
	CreateCluster(ctx context.Context, c *model.Cluster) (*model.Cluster, error)
	UpdateCluster(ctx context.Context, c *model.Cluster) error
	DeleteCluster(ctx context.Context, id int64) error
	TestCluster(ctx context.Context, id int64) (*ClusterTestResult, error)
}

// WorkflowSubmission is the workflows.submit request payload.
type WorkflowSubmission struct {
	Name          string                  `json:"name"`
	FailurePolicy model.FailurePolicy     `json:"failurePolicy"`
	Nodes         []*model.WorkflowNode   `json:"nodes"`
}

// WorkflowService is the workflows.* method group's backing implementation.
type WorkflowService interface {
	SubmitWorkflow(ctx context.Context, req WorkflowSubmission) (*model.Workflow, error)
	GetWorkflow(ctx context.Context, id int64) (*model.Workflow, []*model.WorkflowNode, error)
	CancelWorkflow(ctx context.Context, id int64) error
}

// SystemService is the system.* method group's backing implementation.
type SystemService interface {
	Ping(ctx context.Context) error
	Version(ctx context.Context) string
	Shutdown(ctx context.Context) error
}

// Services bundles every method group's backing implementation. The daemon
// composition layer is the only production implementer; tests supply fakes.
type Services struct {
	System    SystemService
	Jobs      JobService
	Clusters  ClusterService
	Workflows WorkflowService
}
