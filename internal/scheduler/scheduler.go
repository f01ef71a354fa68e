// Package scheduler is the Queue Manager: it holds the in-memory readiness
// and capacity state for every non-terminal job, decides what dispatches
// next, and hands dispatched jobs to a Dispatcher for execution.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/crystalmath/crystalmathd/internal/crystalerr"
	"github.com/crystalmath/crystalmathd/internal/events"
	"github.com/crystalmath/crystalmathd/internal/model"
)

// Store is the persistence surface the queue manager depends on, narrowed
// from store.Store so this package stays testable against a fake.
type Store interface {
	GetJob(ctx context.Context, id int64) (*model.Job, error)
	GetJobsByStatus(ctx context.Context, status model.JobStatus) ([]*model.Job, error)
	UpdateStatus(ctx context.Context, id int64, next model.JobStatus, fields JobUpdateFields) error
	GetDependencies(ctx context.Context, jobID int64) ([]model.JobDependency, error)
	GetJobStatusesBatch(ctx context.Context, ids []int64) (map[int64]model.JobStatus, error)
	SaveQueueState(ctx context.Context, qs *model.QueuedJobState) error
	LoadAllQueueState(ctx context.Context) ([]*model.QueuedJobState, error)
	DeleteQueueState(ctx context.Context, jobID int64) error
	ListClusters(ctx context.Context) ([]*model.Cluster, error)
	PutSchedulerMetrics(ctx context.Context, m *model.SchedulerMetrics) error
}

// JobUpdateFields mirrors store.JobUpdateFields without importing the store
// package, so the two don't cyclically depend on one another; the daemon's
// wiring adapts between the two 1:1.
type JobUpdateFields struct {
	StartedAt   *time.Time
	EndedAt     *time.Time
	ExitCode    *int
	FinalEnergy *float64
	ResultsBlob *string
}

// Dispatcher launches a ready job on whatever runner its RunnerType selects
// and returns once the launch attempt (not the job) completes.
type Dispatcher interface {
	Dispatch(ctx context.Context, job *model.Job) error
}

// CompletionCallback is invoked once, exactly once, when a dispatched job
// reaches a terminal status. Registration must happen before the job is
// marked dispatched so a callback can never be missed by a race between
// registration and a fast-completing job.
type CompletionCallback func(job *model.Job)

// MetricsSink mirrors the scheduler's in-memory tallies out to an external
// metrics registry. Optional: a nil sink is a no-op, so tests and a daemon
// running without metricsAddr configured never need to supply one.
type MetricsSink interface {
	IncDispatched()
	IncRetried()
	IncPermanentlyFailed()
}

type noopMetricsSink struct{}

func (noopMetricsSink) IncDispatched()        {}
func (noopMetricsSink) IncRetried()           {}
func (noopMetricsSink) IncPermanentlyFailed() {}

// Scheduler is the Queue Manager.
type Scheduler struct {
	store       Store
	dispatcher  Dispatcher
	logger      *slog.Logger
	tickEvery   time.Duration
	metricsSink MetricsSink
	bus         *events.Bus

	mu          sync.Mutex
	ready       *ReadyQueue
	deps        *depGraph
	clusters    *clusterRegistry
	callbacks   map[int64]CompletionCallback
	statusCache map[int64]model.JobStatus
	dispatched  map[int64]*model.QueuedJobState

	notify chan struct{}
	stop   chan struct{}
	done   chan struct{}

	metrics struct {
		dispatched        int64
		retried           int64
		permanentlyFailed int64
	}
}

// Config configures a Scheduler.
type Config struct {
	TickInterval time.Duration // default 1s
	FairShare    func(userID string) float64
	MetricsSink  MetricsSink // optional; defaults to a no-op
	Bus          *events.Bus // optional; job.statusChanged goes nowhere without one
}

// New constructs a Scheduler. Call Start to begin the tick loop and Recover
// to reconstitute in-memory state from the store before Start.
func New(store Store, dispatcher Dispatcher, logger *slog.Logger, cfg Config) *Scheduler {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	sink := cfg.MetricsSink
	if sink == nil {
		sink = noopMetricsSink{}
	}
	return &Scheduler{
		store:       store,
		dispatcher:  dispatcher,
		logger:      logger,
		tickEvery:   cfg.TickInterval,
		metricsSink: sink,
		bus:         cfg.Bus,
		ready:      NewReadyQueue(cfg.FairShare),
		deps:       newDepGraph(),
		clusters:   newClusterRegistry(),
		callbacks:  make(map[int64]CompletionCallback),
		dispatched: make(map[int64]*model.QueuedJobState),
		notify:     make(chan struct{}, 1),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Recover loads queue state, cluster state, and dependency edges for every
// non-terminal job back into memory, so a daemon restart resumes scheduling
// exactly where it left off.
func (s *Scheduler) Recover(ctx context.Context) error {
	clusters, err := s.store.ListClusters(ctx)
	if err != nil {
		return fmt.Errorf("list clusters: %w", err)
	}
	for _, c := range clusters {
		s.clusters.upsert(&model.ClusterState{
			ClusterID:     c.ID,
			MaxConcurrent: c.MaxConcurrent,
		})
	}

	states, err := s.store.LoadAllQueueState(ctx)
	if err != nil {
		return fmt.Errorf("load queue state: %w", err)
	}
	for _, qs := range states {
		deps, err := s.store.GetDependencies(ctx, qs.JobID)
		if err != nil {
			return fmt.Errorf("load dependencies for job %d: %w", qs.JobID, err)
		}
		for _, d := range deps {
			s.deps.addEdge(d)
		}
		s.ready.Push(qs)
		s.setStatusSilent(qs.JobID, model.JobQueued)
	}

	running, err := s.store.GetJobsByStatus(ctx, model.JobRunning)
	if err != nil {
		return fmt.Errorf("list running jobs: %w", err)
	}
	for _, j := range running {
		s.clusters.incRunning(clusterKey(j))
		s.setStatusSilent(j.ID, model.JobRunning)
	}
	return nil
}

// Start launches the background tick loop.
func (s *Scheduler) Start(ctx context.Context) {
	go s.loop(ctx)
}

// Stop halts the tick loop and waits for it to exit.
func (s *Scheduler) Stop() {
	close(s.stop)
	<-s.done
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.tickEvery)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		case <-s.notify:
			s.tick(ctx)
		}
	}
}

// wake schedules an out-of-band tick, e.g. right after Enqueue or
// HandleJobCompletion so newly-ready work doesn't wait a full tick interval.
func (s *Scheduler) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Enqueue admits a job to the queue manager. It must already exist in the
// store with status Pending; Enqueue transitions it to Queued, registers its
// dependency edges, and registers the completion callback that fires once
// the job reaches a terminal state.
func (s *Scheduler) Enqueue(ctx context.Context, job *model.Job, priority int, maxRetries int, userID string, resources map[string]int, cb CompletionCallback) error {
	s.mu.Lock()
	if cb != nil {
		s.callbacks[job.ID] = cb
	}
	deps, err := s.store.GetDependencies(ctx, job.ID)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("load dependencies: %w", err)
	}
	for _, d := range deps {
		s.deps.addEdge(d)
	}
	s.mu.Unlock()

	if err := s.store.UpdateStatus(ctx, job.ID, model.JobQueued, JobUpdateFields{}); err != nil {
		return fmt.Errorf("queue job %d: %w", job.ID, err)
	}

	qs := &model.QueuedJobState{
		JobID:                job.ID,
		Priority:             priority,
		EnqueuedAt:           time.Now().UTC(),
		MaxRetries:           maxRetries,
		RunnerType:           job.RunnerType,
		ClusterID:            job.ClusterID,
		UserID:               userID,
		ResourceRequirements: resources,
	}
	if err := s.store.SaveQueueState(ctx, qs); err != nil {
		return fmt.Errorf("save queue state: %w", err)
	}
	s.ready.Push(qs)
	s.setStatus(job.ID, model.JobQueued)
	s.wake()
	return nil
}

// RegisterCallback attaches (or replaces) the completion callback for a job
// that is already queued or running. Safe to call before Enqueue finishes
// dispatching, since callback lookup happens only at completion time.
func (s *Scheduler) RegisterCallback(jobID int64, cb CompletionCallback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callbacks[jobID] = cb
}

// PauseCluster stops new dispatch to clusterID; jobs already running are
// unaffected.
func (s *Scheduler) PauseCluster(clusterID int64) {
	s.clusters.setPaused(clusterID, true)
}

// ResumeCluster re-allows dispatch to clusterID and wakes the loop so queued
// work can flow immediately.
func (s *Scheduler) ResumeCluster(clusterID int64) {
	s.clusters.setPaused(clusterID, false)
	s.wake()
}

// ReorderQueue updates priority and wakes the loop so the new ordering takes
// effect on the next dispatch pass.
func (s *Scheduler) ReorderQueue(ctx context.Context, jobID int64, newPriority int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, qs := range s.ready.List() {
		if qs.JobID == jobID {
			qs.Priority = newPriority
			s.ready.Push(qs)
			if err := s.store.SaveQueueState(ctx, qs); err != nil {
				return fmt.Errorf("persist reordered priority: %w", err)
			}
			s.wake()
			return nil
		}
	}
	return crystalerr.InvalidJob(jobID)
}

// Status is a point-in-time snapshot of queue depth, broken down by
// priority. The metrics collector reads it at scrape time, and its per-priority
// counts are persisted to scheduler_metrics every tick.
type Status struct {
	QueueDepth int
	ByPriority map[int]int
}

// StatusSnapshot returns the current queue depth, broken down by priority.
func (s *Scheduler) StatusSnapshot() Status {
	byPriority := make(map[int]int)
	for _, qs := range s.ready.List() {
		byPriority[qs.Priority]++
	}
	return Status{QueueDepth: s.ready.Len(), ByPriority: byPriority}
}

func clusterKey(j *model.Job) int64 {
	if j.ClusterID != nil {
		return *j.ClusterID
	}
	return localClusterID
}
