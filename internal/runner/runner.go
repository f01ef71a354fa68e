// Package runner implements the uniform execution-backend contract: a
// sealed variant {Local, SSH, SLURM} behind one interface, generalized
// from CLI-backed execution to CRYSTAL23/VASP/QE execution backends.
package runner

import (
	"context"
	"time"

	"github.com/crystalmath/crystalmathd/internal/model"
)

// RunState is the non-blocking poll result a Runner reports.
type RunState string

const (
	StateQueued    RunState = "queued"
	StateRunning   RunState = "running"
	StateCompleted RunState = "completed"
	StateFailed    RunState = "failed"
	StateCancelled RunState = "cancelled"
)

// StatusUpdate is the result of a non-blocking Poll.
type StatusUpdate struct {
	State    RunState
	ExitCode *int
	EndTime  *time.Time
	Reason   string // populated when State == StateFailed
}

// PreparedInput is everything a Runner needs to launch a job: the rendered
// input text and the parallelism configuration governing how it is invoked.
type PreparedInput struct {
	Job         *model.Job
	InputText   string
	Parallelism model.ParallelismConfig
}

// Handle is an opaque runner-specific reference to a dispatched job: a PID
// for Local/SSH, a SLURM job ID for SLURM. ClusterID and RemoteDir are
// populated for SSH/SLURM so Poll/Cancel/Retrieve/StreamLogs can act on the
// job without a caller needing to track cluster assignment out of band.
type Handle struct {
	RunnerType model.RunnerType
	ClusterID  int64  // unused (zero) for RunnerLocal
	Value      string
	RemoteDir  string // unused (empty) for RunnerLocal
}

// Runner is the capability contract every execution backend implements.
// No inheritance, no reflective dispatch: callers switch on RunnerType to
// pick a concrete implementation and then use it through this interface.
type Runner interface {
	Submit(ctx context.Context, input PreparedInput) (Handle, error)
	Poll(ctx context.Context, h Handle) (StatusUpdate, error)
	Cancel(ctx context.Context, h Handle) (bool, error)
	Retrieve(ctx context.Context, h Handle, destDir string) error
	StreamLogs(ctx context.Context, h Handle) (<-chan string, error)
}

// PollInterval is the runner-type-specific polling cadence.
func PollInterval(t model.RunnerType) time.Duration {
	switch t {
	case model.RunnerSSH:
		return 5 * time.Second
	case model.RunnerSLURM:
		return 30 * time.Second
	default:
		return 0 // no local cadence of its own; Dispatcher.watch then polls every 2s
	}
}
