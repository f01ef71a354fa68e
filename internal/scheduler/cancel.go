package scheduler

import (
	"context"
	"fmt"

	"github.com/crystalmath/crystalmathd/internal/crystalerr"
	"github.com/crystalmath/crystalmathd/internal/model"
)

// RunningCanceller is the subset of Dispatcher a dispatched (already
// launched) job's cancellation needs. Not every Dispatcher need implement it
// immediately, but the production runner.Dispatcher does.
type RunningCanceller interface {
	CancelJob(ctx context.Context, job *model.Job) (bool, error)
}

// CancelJob cancels jobID wherever it currently sits: still waiting in the
// ready queue, or already handed to the dispatcher. A job that has already
// reached a terminal state is left untouched.
func (s *Scheduler) CancelJob(ctx context.Context, jobID int64) error {
	s.mu.Lock()
	if s.ready.Remove(jobID) {
		s.deps.removeJob(jobID)
		s.mu.Unlock()

		if err := s.store.DeleteQueueState(ctx, jobID); err != nil {
			s.logger.Error("scheduler: delete queue state for cancelled job", "job_id", jobID, "error", err)
		}
		if err := s.store.UpdateStatus(ctx, jobID, model.JobCancelled, JobUpdateFields{}); err != nil {
			return fmt.Errorf("mark queued job %d cancelled: %w", jobID, err)
		}
		job, err := s.store.GetJob(ctx, jobID)
		if err != nil {
			return fmt.Errorf("reload cancelled job %d: %w", jobID, err)
		}
		s.HandleJobCompletion(ctx, job, nil)
		return nil
	}

	_, dispatched := s.dispatched[jobID]
	s.mu.Unlock()
	if !dispatched {
		if _, known := s.statusOf(jobID); !known {
			return crystalerr.NotFound(fmt.Sprintf("job %d", jobID))
		}
		return nil // already terminal, or never tracked by this scheduler instance
	}

	canceller, ok := s.dispatcher.(RunningCanceller)
	if !ok {
		return fmt.Errorf("scheduler: dispatcher does not support cancelling a running job")
	}
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("reload dispatched job %d: %w", jobID, err)
	}
	// The dispatcher's own watch loop observes the cancellation and calls
	// CompleteDispatchedJob once the runner confirms it, so s.dispatched is
	// left alone here rather than cleared twice.
	if _, err := canceller.CancelJob(ctx, job); err != nil {
		return fmt.Errorf("cancel dispatched job %d: %w", jobID, err)
	}
	return nil
}
