package daemon

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/crystalmath/crystalmathd/internal/model"
	"github.com/crystalmath/crystalmathd/internal/runner"
	"github.com/crystalmath/crystalmathd/internal/scheduler"
	"github.com/crystalmath/crystalmathd/internal/store"
)

func TestDispatcherProxy_NotYetWired(t *testing.T) {
	p := &dispatcherProxy{}
	if err := p.Dispatch(context.Background(), &model.Job{ID: 1}); err == nil {
		t.Fatal("expected Dispatch to fail before set")
	}
	if _, err := p.CancelJob(context.Background(), &model.Job{ID: 1}); err == nil {
		t.Fatal("expected CancelJob to fail before set")
	}
	if _, err := p.StreamLogs(context.Background(), &model.Job{ID: 1}); err == nil {
		t.Fatal("expected StreamLogs to fail before set")
	}
}

func TestDispatcherProxy_ForwardsAfterSet(t *testing.T) {
	p := &dispatcherProxy{}
	d := runner.NewDispatcher(runner.NewLocalRunner(), nil, nil, noopRunnerStore{}, noopCompletionSink{}, nil)
	p.set(d)

	// Dispatching a job whose RunnerType has no backing runner should reach
	// the real dispatcher (not the "not yet wired" error) and fail there
	// instead, proving the call was actually forwarded.
	err := p.Dispatch(context.Background(), &model.Job{ID: 1, RunnerType: model.RunnerSSH})
	if err == nil || strings.Contains(err.Error(), "not yet wired") {
		t.Fatalf("expected a forwarded dispatch error, got %v", err)
	}
}

type noopRunnerStore struct{}

func (noopRunnerStore) UpdateStatus(context.Context, int64, model.JobStatus, runner.JobUpdateFields) error {
	return nil
}
func (noopRunnerStore) PutRemoteJob(context.Context, *model.RemoteJob) error { return nil }
func (noopRunnerStore) DeleteRemoteJob(context.Context, int64) error         { return nil }

type noopCompletionSink struct{}

func (noopCompletionSink) CompleteDispatchedJob(context.Context, *model.Job) {}

func TestSchedulerSourceProxy_DefaultsToZeroValue(t *testing.T) {
	p := &schedulerSourceProxy{}
	snap := p.StatusSnapshot()
	if snap.QueueDepth != 0 {
		t.Fatalf("expected a zero-value snapshot before set, got %+v", snap)
	}
}

func TestSchedulerSourceProxy_ForwardsAfterSet(t *testing.T) {
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer st.Close()

	sched := scheduler.New(schedulerStore{st}, noopDispatcher{}, nil, scheduler.Config{})
	p := &schedulerSourceProxy{}
	p.set(sched)

	job := &model.Job{Name: "j1", WorkDir: "/tmp/j1", RunnerType: model.RunnerLocal, CreatedAt: time.Now().UTC()}
	id, err := st.CreateJob(context.Background(), job)
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	job.ID = id

	if err := sched.Enqueue(context.Background(), job, 5, 0, "", nil, nil); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	snap := p.StatusSnapshot()
	if snap.QueueDepth != 1 {
		t.Fatalf("expected queue depth 1 after enqueue, got %d", snap.QueueDepth)
	}
}

type noopDispatcher struct{}

func (noopDispatcher) Dispatch(context.Context, *model.Job) error { return nil }

func TestStoreClusterDialer_PrivateKeyPEM(t *testing.T) {
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer st.Close()

	c := &model.Cluster{
		Name: "cluster-a", Type: model.ClusterTypeSSH, Host: "login.example.edu", Port: 22, User: "chem",
		ConnectionConfig: `{"privateKeyPem":"-----BEGIN KEY-----\nfake\n-----END KEY-----"}`,
		Status:           model.ClusterActive, MaxConcurrent: 4,
	}
	id, err := st.CreateCluster(context.Background(), c)
	if err != nil {
		t.Fatalf("create cluster: %v", err)
	}

	dialer := newStoreClusterDialer(st)
	addr, creds, err := dialer.DialInfo(context.Background(), id)
	if err != nil {
		t.Fatalf("DialInfo: %v", err)
	}
	if addr != "login.example.edu:22" {
		t.Errorf("addr = %q, want login.example.edu:22", addr)
	}
	if creds.User != "chem" {
		t.Errorf("creds.User = %q, want chem", creds.User)
	}
	if !strings.Contains(string(creds.PrivateKeyPEM), "fake") {
		t.Errorf("creds.PrivateKeyPEM = %q, want it to contain the configured PEM", creds.PrivateKeyPEM)
	}
}

func TestStoreClusterDialer_NoCredentials(t *testing.T) {
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer st.Close()

	c := &model.Cluster{
		Name: "cluster-b", Type: model.ClusterTypeSSH, Host: "login.example.edu", Port: 22, User: "chem",
		ConnectionConfig: `{}`,
		Status:           model.ClusterActive, MaxConcurrent: 4,
	}
	id, err := st.CreateCluster(context.Background(), c)
	if err != nil {
		t.Fatalf("create cluster: %v", err)
	}

	dialer := newStoreClusterDialer(st)
	if _, _, err := dialer.DialInfo(context.Background(), id); err == nil {
		t.Fatal("expected an error when connection config names no credential")
	}
}

func TestParseDuration_FallsBackOnInvalid(t *testing.T) {
	if got := parseDuration("not-a-duration", 7*time.Second); got != 7*time.Second {
		t.Errorf("parseDuration fallback = %v, want 7s", got)
	}
	if got := parseDuration("250ms", time.Second); got != 250*time.Millisecond {
		t.Errorf("parseDuration parsed = %v, want 250ms", got)
	}
}

func TestExpandPath(t *testing.T) {
	if got := expandPath("/etc/ssh/known_hosts"); got != "/etc/ssh/known_hosts" {
		t.Errorf("expandPath changed an absolute path, got %q", got)
	}
	home := expandPath("~/.ssh/known_hosts")
	if strings.HasPrefix(home, "~") {
		t.Errorf("expandPath did not expand ~, got %q", home)
	}
}
