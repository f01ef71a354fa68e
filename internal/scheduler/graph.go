package scheduler

import "github.com/crystalmath/crystalmathd/internal/model"

// depGraph is the in-memory mirror of the job-level dependency edges the
// store enforces acyclic at insert time. The queue manager uses it purely
// for readiness evaluation: given the current status of every dependency, is
// a queued job's DependencyKind satisfied yet.
type depGraph struct {
	// dependsOn[jobID] lists the edges where jobID depends on another job.
	dependsOn map[int64][]model.JobDependency
}

func newDepGraph() *depGraph {
	return &depGraph{dependsOn: make(map[int64][]model.JobDependency)}
}

func (g *depGraph) addEdge(dep model.JobDependency) {
	g.dependsOn[dep.JobID] = append(g.dependsOn[dep.JobID], dep)
}

func (g *depGraph) removeJob(jobID int64) {
	delete(g.dependsOn, jobID)
}

// dependencyIDs returns the deduplicated set of job IDs that any job in
// jobIDs depends on, so the caller can refresh exactly those statuses in one
// batch query instead of one lookup per edge.
func (g *depGraph) dependencyIDs(jobIDs []int64) []int64 {
	seen := make(map[int64]struct{})
	var out []int64
	for _, id := range jobIDs {
		for _, dep := range g.dependsOn[id] {
			if _, ok := seen[dep.DependsOnJobID]; ok {
				continue
			}
			seen[dep.DependsOnJobID] = struct{}{}
			out = append(out, dep.DependsOnJobID)
		}
	}
	return out
}

// ready reports whether every dependency of jobID is satisfied given the
// status lookup, and whether any dependency outcome makes the job
// permanently unreachable (an AfterOK dependency that itself failed).
func (g *depGraph) ready(jobID int64, statusOf func(int64) (model.JobStatus, bool)) (isReady bool, unreachable bool) {
	deps := g.dependsOn[jobID]
	if len(deps) == 0 {
		return true, false
	}
	for _, dep := range deps {
		status, known := statusOf(dep.DependsOnJobID)
		if !known {
			return false, false
		}
		if dep.Kind.Satisfied(status) {
			continue
		}
		if status.IsTerminal() {
			// terminal but not satisfying: this edge can never fire.
			return false, true
		}
		return false, false
	}
	return true, false
}
