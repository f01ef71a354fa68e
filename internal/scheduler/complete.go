package scheduler

import (
	"context"
	"fmt"

	"github.com/crystalmath/crystalmathd/internal/events"
	"github.com/crystalmath/crystalmathd/internal/model"
)

// statusCache mirrors every known job's last-observed status so dependency
// readiness can be evaluated without a store round trip on every tick.
//
// It is guarded by s.mu alongside the rest of the scheduler's mutable state.

func (s *Scheduler) statusOf(jobID int64) (model.JobStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.statusCache == nil {
		return "", false
	}
	st, ok := s.statusCache[jobID]
	return st, ok
}

func (s *Scheduler) setStatus(jobID int64, status model.JobStatus) {
	s.setStatusSilent(jobID, status)
	if s.bus != nil {
		s.bus.Publish(events.New(events.JobStatusChanged, events.JobStatusPayload{
			JobID: jobID, Status: string(status),
		}))
	}
}

// setStatusSilent updates statusCache without publishing a job.statusChanged
// event, used by Recover to restore in-memory state from the store without
// replaying every non-terminal job's history as a burst of notifications.
func (s *Scheduler) setStatusSilent(jobID int64, status model.JobStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.statusCache == nil {
		s.statusCache = make(map[int64]model.JobStatus)
	}
	s.statusCache[jobID] = status
}

// refreshStatusCache resolves every id's current status in ONE store query
// and applies it to statusCache, so dependency-readiness evaluation sees the
// authoritative state rather than whatever the in-memory cache happened to
// accumulate from push-based updates.
func (s *Scheduler) refreshStatusCache(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	statuses, err := s.store.GetJobStatusesBatch(ctx, ids)
	if err != nil {
		return fmt.Errorf("batch-refresh job statuses: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.statusCache == nil {
		s.statusCache = make(map[int64]model.JobStatus)
	}
	for id, st := range statuses {
		s.statusCache[id] = st
	}
	return nil
}

func (s *Scheduler) fireCallback(jobID int64) {
	s.mu.Lock()
	cb, ok := s.callbacks[jobID]
	if ok {
		delete(s.callbacks, jobID)
	}
	s.mu.Unlock()
	if !ok || cb == nil {
		return
	}
	job, err := s.store.GetJob(context.Background(), jobID)
	if err != nil {
		s.logger.Error("scheduler: load job for completion callback", "job_id", jobID, "error", err)
		return
	}
	cb(job)
}

// HandleJobCompletion is called by whatever is watching the dispatched job
// (the local-process waiter, or the SSH/SLURM poll loop) once it observes a
// terminal runner state. It applies the retry policy, updates cluster
// capacity accounting, fires the completion callback, and wakes the
// scheduler loop so any dependents that just became ready get a chance to
// dispatch immediately.
func (s *Scheduler) HandleJobCompletion(ctx context.Context, job *model.Job, qs *model.QueuedJobState) {
	clusterID := clusterKey(job)
	s.clusters.decRunning(clusterID)

	if job.Status == model.JobFailed && qs != nil && qs.RetryCount < qs.MaxRetries {
		s.retry(ctx, job, qs)
		return
	}

	s.setStatus(job.ID, job.Status)
	s.deps.removeJob(job.ID)
	if job.Status == model.JobFailed {
		s.mu.Lock()
		s.metrics.permanentlyFailed++
		s.mu.Unlock()
		s.metricsSink.IncPermanentlyFailed()
	}
	s.fireCallback(job.ID)
	s.wake()
}

// CompleteDispatchedJob is what a runner watcher calls once it observes a
// dispatched job reach a terminal state. It recovers the retry bookkeeping
// recorded at dispatch time (the job's QueuedJobState was removed from the
// ready queue and store when it launched) and delegates to
// HandleJobCompletion. job.Status must already reflect the terminal outcome
// and must already be persisted to the store: fireCallback reloads the job
// fresh from the store rather than trusting the in-memory value.
func (s *Scheduler) CompleteDispatchedJob(ctx context.Context, job *model.Job) {
	s.mu.Lock()
	qs := s.dispatched[job.ID]
	delete(s.dispatched, job.ID)
	s.mu.Unlock()
	s.HandleJobCompletion(ctx, job, qs)
}

// retry requeues a failed job with an incremented retry count rather than
// marking it terminal.
func (s *Scheduler) retry(ctx context.Context, job *model.Job, qs *model.QueuedJobState) {
	qs.RetryCount++
	if err := s.store.UpdateStatus(ctx, job.ID, model.JobQueued, JobUpdateFields{}); err != nil {
		s.logger.Error("scheduler: requeue failed job for retry", "job_id", job.ID, "error", err)
		return
	}
	s.setStatus(job.ID, model.JobQueued)
	if err := s.store.SaveQueueState(ctx, qs); err != nil {
		s.logger.Error("scheduler: persist retry state", "job_id", job.ID, "error", err)
		return
	}
	s.mu.Lock()
	s.metrics.retried++
	s.mu.Unlock()
	s.metricsSink.IncRetried()
	s.ready.Push(qs)
	s.wake()
}
