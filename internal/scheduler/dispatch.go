package scheduler

import (
	"context"
	"time"

	"github.com/crystalmath/crystalmathd/internal/model"
)

// tick evaluates every queued job's readiness and cluster capacity, then
// dispatches as many as capacity allows. Jobs that are still waiting on an
// incomplete dependency, or whose cluster is paused or full, are pushed back
// onto the ready queue for the next tick.
func (s *Scheduler) tick(ctx context.Context) {
	var deferred []*model.QueuedJobState
	dispatchedThisTick := 0

	pending := s.ready.List()
	queuedIDs := make([]int64, len(pending))
	for i, qs := range pending {
		queuedIDs[i] = qs.JobID
	}
	s.mu.Lock()
	depIDs := s.deps.dependencyIDs(queuedIDs)
	s.mu.Unlock()
	if err := s.refreshStatusCache(ctx, depIDs); err != nil {
		s.logger.Error("scheduler: batch status refresh", "error", err)
	}

	for {
		qs := s.ready.Pop()
		if qs == nil {
			break
		}

		isReady, unreachable := s.deps.ready(qs.JobID, s.statusOf)
		if unreachable {
			s.cancelUnreachable(ctx, qs.JobID)
			continue
		}
		if !isReady {
			deferred = append(deferred, qs)
			continue
		}

		clusterID := localClusterID
		if qs.ClusterID != nil {
			clusterID = *qs.ClusterID
		}
		if !s.clusters.hasCapacity(clusterID) {
			deferred = append(deferred, qs)
			continue
		}

		if s.dispatch(ctx, qs, clusterID) {
			dispatchedThisTick++
		} else {
			deferred = append(deferred, qs)
		}
	}

	for _, qs := range deferred {
		s.ready.Push(qs)
	}

	if dispatchedThisTick > 0 {
		s.logger.Debug("scheduler tick dispatched jobs", "count", dispatchedThisTick)
	}
	s.publishMetrics(ctx)
}

// dispatch transitions a job to Running, hands it to the Dispatcher, and
// accounts for cluster capacity. On dispatch failure the job is requeued by
// the caller (via the deferred list) rather than marked failed outright,
// since a launch failure may be transient (e.g. SSH pool saturation).
func (s *Scheduler) dispatch(ctx context.Context, qs *model.QueuedJobState, clusterID int64) bool {
	job, err := s.store.GetJob(ctx, qs.JobID)
	if err != nil {
		s.logger.Error("scheduler: load job before dispatch", "job_id", qs.JobID, "error", err)
		return false
	}

	if err := s.store.UpdateStatus(ctx, job.ID, model.JobRunning, JobUpdateFields{}); err != nil {
		s.logger.Error("scheduler: mark job running", "job_id", job.ID, "error", err)
		return false
	}
	s.setStatus(job.ID, model.JobRunning)
	s.clusters.incRunning(clusterID)

	if err := s.dispatcher.Dispatch(ctx, job); err != nil {
		s.logger.Warn("scheduler: dispatch failed, requeueing", "job_id", job.ID, "error", err)
		s.clusters.decRunning(clusterID)
		_ = s.store.UpdateStatus(ctx, job.ID, model.JobQueued, JobUpdateFields{})
		s.setStatus(job.ID, model.JobQueued)
		return false
	}

	s.mu.Lock()
	s.metrics.dispatched++
	s.dispatched[job.ID] = qs
	s.mu.Unlock()
	s.metricsSink.IncDispatched()
	_ = s.store.DeleteQueueState(ctx, job.ID)
	return true
}

// cancelUnreachable marks a job Cancelled because one of its AfterOK
// dependencies reached a terminal state without satisfying that edge.
func (s *Scheduler) cancelUnreachable(ctx context.Context, jobID int64) {
	if err := s.store.UpdateStatus(ctx, jobID, model.JobCancelled, JobUpdateFields{}); err != nil {
		s.logger.Error("scheduler: cancel unreachable job", "job_id", jobID, "error", err)
		return
	}
	s.setStatus(jobID, model.JobCancelled)
	_ = s.store.DeleteQueueState(ctx, jobID)
	s.deps.removeJob(jobID)
	s.fireCallback(jobID)
}

func (s *Scheduler) publishMetrics(ctx context.Context) {
	snap := s.StatusSnapshot()
	s.mu.Lock()
	m := &model.SchedulerMetrics{
		TickAt:               time.Now().UTC(),
		QueueDepthByPriority: snap.ByPriority,
		Dispatched:           s.metrics.dispatched,
		Retried:              s.metrics.retried,
		PermanentlyFailed:    s.metrics.permanentlyFailed,
	}
	s.mu.Unlock()
	if err := s.store.PutSchedulerMetrics(ctx, m); err != nil {
		s.logger.Warn("scheduler: persist metrics", "error", err)
	}
}
