package runner

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/crystalmath/crystalmathd/internal/model"
)

// JobUpdateFields mirrors store.JobUpdateFields, kept narrow and local so
// this package doesn't import the store package directly; the daemon's
// wiring adapts between the two 1:1, the same pattern scheduler.Store uses.
type JobUpdateFields struct {
	EndedAt     *time.Time
	ExitCode    *int
	ResultsBlob *string
}

// Store is the persistence surface the dispatcher needs: recording the
// terminal status a watched job reaches, and tracking the remote-side handle
// for SSH/SLURM jobs so a daemon restart can reattach to them.
type Store interface {
	UpdateStatus(ctx context.Context, id int64, next model.JobStatus, fields JobUpdateFields) error
	PutRemoteJob(ctx context.Context, rj *model.RemoteJob) error
	DeleteRemoteJob(ctx context.Context, jobID int64) error
}

// CompletionSink is notified once a dispatched job reaches a terminal state.
// *scheduler.Scheduler satisfies this via CompleteDispatchedJob.
type CompletionSink interface {
	CompleteDispatchedJob(ctx context.Context, job *model.Job)
}

// Dispatcher launches jobs on the runner their RunnerType selects and
// watches each one to completion, the concrete implementation of
// scheduler.Dispatcher that the tick loop hands ready jobs to.
type Dispatcher struct {
	Local  Runner
	SSH    Runner
	SLURM  Runner
	Store  Store
	Sink   CompletionSink
	Logger *slog.Logger

	// PollInterval overrides the runner-type-specific cadence, for tests.
	PollInterval func(model.RunnerType) time.Duration

	mu      sync.Mutex
	handles map[int64]Handle
}

// NewDispatcher constructs a Dispatcher over one Runner per execution
// backend. A nil Runner for a backend that is never used (e.g. no SLURM
// clusters configured) is fine; Dispatch returns an error if a job targets
// one that's nil.
func NewDispatcher(local, ssh, slurm Runner, store Store, sink CompletionSink, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		Local:   local,
		SSH:     ssh,
		SLURM:   slurm,
		Store:   store,
		Sink:    sink,
		Logger:  logger,
		handles: make(map[int64]Handle),
	}
}

func (d *Dispatcher) runnerFor(t model.RunnerType) Runner {
	switch t {
	case model.RunnerSSH:
		return d.SSH
	case model.RunnerSLURM:
		return d.SLURM
	default:
		return d.Local
	}
}

func (d *Dispatcher) pollInterval(t model.RunnerType) time.Duration {
	if d.PollInterval != nil {
		return d.PollInterval(t)
	}
	return PollInterval(t)
}

// Dispatch submits job to its runner and starts a background watch loop that
// polls it to completion. It returns once the submission itself succeeds or
// fails; it never blocks on the job running to completion.
func (d *Dispatcher) Dispatch(ctx context.Context, job *model.Job) error {
	r := d.runnerFor(job.RunnerType)
	if r == nil {
		return fmt.Errorf("dispatcher: no runner configured for type %q", job.RunnerType)
	}

	h, err := r.Submit(ctx, PreparedInput{
		Job:         job,
		InputText:   job.InputBlob,
		Parallelism: job.Parallelism,
	})
	if err != nil {
		return fmt.Errorf("submit job %d: %w", job.ID, err)
	}

	d.mu.Lock()
	d.handles[job.ID] = h
	d.mu.Unlock()

	if job.RunnerType != model.RunnerLocal {
		rj := &model.RemoteJob{
			JobID:         job.ID,
			ClusterID:     h.ClusterID,
			RemoteHandle:  h.Value,
			RemoteWorkDir: h.RemoteDir,
		}
		if err := d.Store.PutRemoteJob(ctx, rj); err != nil {
			d.Logger.Error("dispatcher: persist remote job handle", "job_id", job.ID, "error", err)
		}
	}

	go d.watch(job, h)
	return nil
}

// watch polls a dispatched job at its runner-type cadence until it reaches a
// terminal state, then hands the result to the completion sink. It runs
// detached from the Dispatch call's context: a client disconnecting or a
// single RPC timing out must not stop the job being watched to completion.
func (d *Dispatcher) watch(job *model.Job, h Handle) {
	ctx := context.Background()
	interval := d.pollInterval(job.RunnerType)
	if interval <= 0 {
		interval = 2 * time.Second
	}

	r := d.runnerFor(job.RunnerType)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for range ticker.C {
		update, err := r.Poll(ctx, h)
		if err != nil {
			d.Logger.Error("dispatcher: poll job", "job_id", job.ID, "error", err)
			continue
		}
		switch update.State {
		case StateCompleted, StateFailed, StateCancelled:
			d.finish(ctx, job, h, update)
			return
		}
	}
}

func (d *Dispatcher) finish(ctx context.Context, job *model.Job, h Handle, update StatusUpdate) {
	d.mu.Lock()
	delete(d.handles, job.ID)
	d.mu.Unlock()

	var status model.JobStatus
	switch update.State {
	case StateCompleted:
		status = model.JobCompleted
	case StateCancelled:
		status = model.JobCancelled
	default:
		status = model.JobFailed
	}

	if err := d.Store.UpdateStatus(ctx, job.ID, status, JobUpdateFields{
		EndedAt:  update.EndTime,
		ExitCode: update.ExitCode,
	}); err != nil {
		d.Logger.Error("dispatcher: persist terminal status", "job_id", job.ID, "error", err)
	}

	if job.RunnerType != model.RunnerLocal {
		if err := d.Store.DeleteRemoteJob(ctx, job.ID); err != nil {
			d.Logger.Error("dispatcher: delete remote job handle", "job_id", job.ID, "error", err)
		}
	}

	job.Status = status
	job.EndedAt = update.EndTime
	job.ExitCode = update.ExitCode
	d.Sink.CompleteDispatchedJob(ctx, job)
}

// CancelJob cancels a dispatched job via its runner, looking up the handle
// recorded at Dispatch time.
func (d *Dispatcher) CancelJob(ctx context.Context, job *model.Job) (bool, error) {
	d.mu.Lock()
	h, ok := d.handles[job.ID]
	d.mu.Unlock()
	if !ok {
		return false, fmt.Errorf("dispatcher: no handle recorded for job %d", job.ID)
	}
	r := d.runnerFor(job.RunnerType)
	if r == nil {
		return false, fmt.Errorf("dispatcher: no runner configured for type %q", job.RunnerType)
	}
	return r.Cancel(ctx, h)
}

// StreamLogs returns the live log channel for a dispatched job's runner.
func (d *Dispatcher) StreamLogs(ctx context.Context, job *model.Job) (<-chan string, error) {
	d.mu.Lock()
	h, ok := d.handles[job.ID]
	d.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("dispatcher: no handle recorded for job %d", job.ID)
	}
	r := d.runnerFor(job.RunnerType)
	if r == nil {
		return nil, fmt.Errorf("dispatcher: no runner configured for type %q", job.RunnerType)
	}
	return r.StreamLogs(ctx, h)
}
