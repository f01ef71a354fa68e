package scheduler

import (
	"testing"

	"github.com/crystalmath/crystalmathd/internal/model"
)

func TestDepGraphReadyNoDeps(t *testing.T) {
	g := newDepGraph()
	ready, unreachable := g.ready(1, func(int64) (model.JobStatus, bool) { return "", false })
	if !ready || unreachable {
		t.Fatalf("job with no dependencies should be immediately ready")
	}
}

func TestDepGraphReadyWaitsOnUnknownStatus(t *testing.T) {
	g := newDepGraph()
	g.addEdge(model.JobDependency{JobID: 2, DependsOnJobID: 1, Kind: model.AfterOK})
	ready, unreachable := g.ready(2, func(int64) (model.JobStatus, bool) { return "", false })
	if ready || unreachable {
		t.Fatalf("job should block while dependency status is unknown")
	}
}

func TestDepGraphReadyAfterOKSatisfied(t *testing.T) {
	g := newDepGraph()
	g.addEdge(model.JobDependency{JobID: 2, DependsOnJobID: 1, Kind: model.AfterOK})
	ready, unreachable := g.ready(2, func(id int64) (model.JobStatus, bool) {
		if id == 1 {
			return model.JobCompleted, true
		}
		return "", false
	})
	if !ready || unreachable {
		t.Fatalf("expected ready once AfterOK dependency completes")
	}
}

func TestDepGraphReadyAfterOKUnreachable(t *testing.T) {
	g := newDepGraph()
	g.addEdge(model.JobDependency{JobID: 2, DependsOnJobID: 1, Kind: model.AfterOK})
	ready, unreachable := g.ready(2, func(id int64) (model.JobStatus, bool) {
		if id == 1 {
			return model.JobFailed, true
		}
		return "", false
	})
	if ready || !unreachable {
		t.Fatalf("expected unreachable when AfterOK dependency fails terminally")
	}
}

func TestDepGraphReadyAfterAny(t *testing.T) {
	g := newDepGraph()
	g.addEdge(model.JobDependency{JobID: 2, DependsOnJobID: 1, Kind: model.AfterAny})
	ready, unreachable := g.ready(2, func(id int64) (model.JobStatus, bool) {
		return model.JobFailed, true
	})
	if !ready || unreachable {
		t.Fatalf("AfterAny should be satisfied by any terminal status, including failure")
	}
}
