// Package model holds the shared domain types persisted by the store and
// passed between the queue manager, orchestrator, runners, and IPC server.
package model

import "time"

// JobStatus is a Job's lifecycle state. Transitions must follow the order
// Pending -> Queued -> Running -> {Completed, Failed, Cancelled}; no backward
// transition is ever valid.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// IsTerminal reports whether status is one of Completed, Failed, Cancelled.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobCancelled:
		return true
	default:
		return false
	}
}

// CanTransition reports whether the lifecycle allows from -> to.
func CanTransition(from, to JobStatus) bool {
	if from == to {
		return false
	}
	switch from {
	case JobPending:
		return to == JobQueued || to == JobCancelled
	case JobQueued:
		return to == JobRunning || to == JobCancelled
	case JobRunning:
		return to == JobCompleted || to == JobFailed || to == JobCancelled
	default:
		return false // terminal states never transition
	}
}

// RunnerType is the sealed variant of execution backend a job targets.
type RunnerType string

const (
	RunnerLocal RunnerType = "local"
	RunnerSSH   RunnerType = "ssh"
	RunnerSLURM RunnerType = "slurm"
)

// ParallelismConfig describes how a job should be parallelized.
type ParallelismConfig struct {
	Ranks   int `json:"ranks,omitempty"`
	Threads int `json:"threads,omitempty"`
	Nodes   int `json:"nodes,omitempty"`
}

// IsMPI reports whether the job should be launched under mpirun.
func (p ParallelismConfig) IsMPI() bool {
	return p.Ranks > 1
}

// Job is a single execution unit.
type Job struct {
	ID                int64
	Name              string
	WorkDir           string
	Status            JobStatus
	InputBlob         string
	CreatedAt         time.Time
	StartedAt         *time.Time
	EndedAt           *time.Time
	ExitCode          *int
	PID               *int
	FinalEnergy       *float64
	ResultsBlob       string
	ClusterID         *int64
	RunnerType        RunnerType
	Parallelism       ParallelismConfig
	QueueTime         *time.Time
	ParentWorkflow    *int64
	ParentNode        *string
}

// ClusterStatus is the lifecycle of a remote execution target.
type ClusterStatus string

const (
	ClusterActive   ClusterStatus = "active"
	ClusterInactive ClusterStatus = "inactive"
	ClusterError    ClusterStatus = "error"
)

// ClusterType is the sealed variant of remote backend a cluster provides.
type ClusterType string

const (
	ClusterTypeSSH   ClusterType = "ssh"
	ClusterTypeSLURM ClusterType = "slurm"
)

// Cluster is a remote execution target.
type Cluster struct {
	ID                 int64
	Name               string
	Type               ClusterType
	Host               string
	Port               int
	User               string
	ConnectionConfig   string // opaque JSON blob, structured but unparsed by the queue
	Status             ClusterStatus
	MaxConcurrent      int
	AvailableResources map[string]int
}

// RemoteJob is the association between a job and its cluster-side handle.
type RemoteJob struct {
	JobID         int64
	ClusterID     int64
	RemoteHandle  string // PID string for SSH, job ID for SLURM
	RemoteWorkDir string
	QueueName     string
	NodeList      string
	StdoutPath    string
	StderrPath    string
	Metadata      map[string]string
}

// DependencyKind is the readiness rule a JobDependency edge enforces.
type DependencyKind string

const (
	AfterOK     DependencyKind = "after_ok"
	AfterAny    DependencyKind = "after_any"
	AfterFailed DependencyKind = "after_failed"
)

// JobDependency is an edge in the queue-level dependency graph: jobID depends
// on dependsOnJobID per kind.
type JobDependency struct {
	JobID          int64
	DependsOnJobID int64
	Kind           DependencyKind
}

// Satisfied reports whether depStatus satisfies this dependency kind.
func (k DependencyKind) Satisfied(depStatus JobStatus) bool {
	switch k {
	case AfterOK:
		return depStatus == JobCompleted
	case AfterAny:
		return depStatus == JobCompleted || depStatus == JobFailed || depStatus == JobCancelled
	case AfterFailed:
		return depStatus == JobFailed
	default:
		return false
	}
}

// QueuedJobState is enqueue-time scheduling metadata, one row per
// non-dispatched job.
type QueuedJobState struct {
	JobID                int64
	Priority             int
	EnqueuedAt           time.Time
	RetryCount           int
	MaxRetries           int
	RunnerType           RunnerType
	ClusterID            *int64
	UserID               string
	ResourceRequirements map[string]int
}

// ClusterState is the in-store mirror of a cluster's live scheduling state.
type ClusterState struct {
	ClusterID          int64
	MaxConcurrent      int
	Paused             bool
	AvailableResources map[string]int
}

// WorkflowStatus is a Workflow's lifecycle state, mirroring JobStatus minus Queued.
type WorkflowStatus string

const (
	WorkflowPending   WorkflowStatus = "pending"
	WorkflowRunning   WorkflowStatus = "running"
	WorkflowCompleted WorkflowStatus = "completed"
	WorkflowFailed    WorkflowStatus = "failed"
	WorkflowCancelled WorkflowStatus = "cancelled"
)

// FailurePolicy governs how a workflow reacts to a node's terminal failure.
type FailurePolicy string

const (
	FailFast           FailurePolicy = "fail_fast"
	ContinueOnFailure  FailurePolicy = "continue_on_failure"
	RetryPolicy        FailurePolicy = "retry"
)

// Workflow is a DAG of WorkflowNodes.
type Workflow struct {
	ID            int64
	Name          string
	Spec          string // serialized graph (nodes + edges), opaque to the store
	Status        WorkflowStatus
	CreatedAt     time.Time
	FailurePolicy FailurePolicy
}

// WorkflowNode is one step of a workflow.
type WorkflowNode struct {
	NodeID            string
	WorkflowID        int64
	Name              string
	TemplateRef       string
	ParameterTemplate string
	Dependencies      []string
	JobID             *int64
	Status            JobStatus
	Results           map[string]string
	RetryCount        int
	MaxRetries        int
}

// SchedulerMetrics is a point-in-time snapshot of scheduler activity,
// persisted every tick via Store.PutSchedulerMetrics.
type SchedulerMetrics struct {
	TickAt             time.Time
	QueueDepthByPriority map[int]int
	RunningByCluster     map[int64]int
	Dispatched           int64
	Retried              int64
	PermanentlyFailed    int64
	AvgWaitSeconds       float64
}
