package store

import (
	"context"
	"testing"

	"github.com/crystalmath/crystalmathd/internal/model"
)

func newTestCluster(name string) *model.Cluster {
	return &model.Cluster{
		Name:          name,
		Type:          model.ClusterTypeSSH,
		Host:          "node01.cluster.local",
		Port:          22,
		User:          "chemuser",
		Status:        model.ClusterActive,
		MaxConcurrent: 4,
	}
}

func TestCreateAndGetCluster(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.CreateCluster(ctx, newTestCluster("cluster-a"))
	if err != nil {
		t.Fatalf("CreateCluster failed: %v", err)
	}

	c, err := s.GetCluster(ctx, id)
	if err != nil {
		t.Fatalf("GetCluster failed: %v", err)
	}
	if c.Name != "cluster-a" {
		t.Errorf("expected name cluster-a, got %s", c.Name)
	}
}

func TestCreateCluster_DuplicateNameRejected(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.CreateCluster(ctx, newTestCluster("dup")); err != nil {
		t.Fatalf("first CreateCluster failed: %v", err)
	}
	if _, err := s.CreateCluster(ctx, newTestCluster("dup")); err == nil {
		t.Error("expected duplicate cluster name to be rejected")
	}
}

func TestDeleteCluster_RejectsWhenJobsActive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	clusterID, err := s.CreateCluster(ctx, newTestCluster("busy"))
	if err != nil {
		t.Fatalf("CreateCluster failed: %v", err)
	}

	job := newTestJob("/scratch/remote1")
	job.ClusterID = &clusterID
	job.RunnerType = model.RunnerSSH
	if _, err := s.CreateJob(ctx, job); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}

	if err := s.DeleteCluster(ctx, clusterID); err == nil {
		t.Error("expected delete to be rejected while a non-terminal job references the cluster")
	}
}

func TestDeleteCluster_SucceedsWhenNoActiveJobs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	clusterID, err := s.CreateCluster(ctx, newTestCluster("idle"))
	if err != nil {
		t.Fatalf("CreateCluster failed: %v", err)
	}
	if err := s.DeleteCluster(ctx, clusterID); err != nil {
		t.Errorf("expected delete of unreferenced cluster to succeed, got %v", err)
	}
}
