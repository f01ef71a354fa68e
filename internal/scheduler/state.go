package scheduler

import (
	"sync"

	"github.com/crystalmath/crystalmathd/internal/model"
)

// clusterState tracks live capacity accounting for one cluster (or the
// local host, which the queue treats as clusterID 0).
type clusterState struct {
	clusterID     int64
	maxConcurrent int
	running       int
	paused        bool
}

func (c *clusterState) hasCapacity() bool {
	return !c.paused && (c.maxConcurrent <= 0 || c.running < c.maxConcurrent)
}

// clusterRegistry is the queue manager's in-memory view of every cluster's
// capacity, reconstituted from the store at startup and mutated as jobs
// dispatch and complete.
type clusterRegistry struct {
	mu    sync.Mutex
	byID  map[int64]*clusterState
}

func newClusterRegistry() *clusterRegistry {
	return &clusterRegistry{byID: make(map[int64]*clusterState)}
}

const localClusterID int64 = 0

func (r *clusterRegistry) upsert(cs *model.ClusterState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[cs.ClusterID] = &clusterState{
		clusterID:     cs.ClusterID,
		maxConcurrent: cs.MaxConcurrent,
		paused:        cs.Paused,
	}
}

// getLocked returns the state for clusterID, creating it if absent. Callers
// must hold r.mu.
func (r *clusterRegistry) getLocked(clusterID int64) *clusterState {
	cs, ok := r.byID[clusterID]
	if !ok {
		cs = &clusterState{clusterID: clusterID}
		r.byID[clusterID] = cs
	}
	return cs
}

func (r *clusterRegistry) hasCapacity(clusterID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.getLocked(clusterID).hasCapacity()
}

func (r *clusterRegistry) incRunning(clusterID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.getLocked(clusterID).running++
}

func (r *clusterRegistry) decRunning(clusterID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cs := r.getLocked(clusterID)
	if cs.running > 0 {
		cs.running--
	}
}

func (r *clusterRegistry) setPaused(clusterID int64, paused bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.getLocked(clusterID).paused = paused
}
