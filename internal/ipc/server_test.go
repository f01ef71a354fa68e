package ipc

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/crystalmath/crystalmathd/internal/codec"
	"github.com/crystalmath/crystalmathd/internal/events"
	"github.com/crystalmath/crystalmathd/internal/model"
)

type fakeSystem struct{ version string }

func (f *fakeSystem) Ping(ctx context.Context) error    { return nil }
func (f *fakeSystem) Version(ctx context.Context) string { return f.version }
func (f *fakeSystem) Shutdown(ctx context.Context) error { return nil }

type fakeJobs struct {
	jobs map[int64]*model.Job
}

func (f *fakeJobs) SubmitJob(ctx context.Context, req JobSubmission) (*model.Job, error) {
	j := &model.Job{ID: 1, Name: req.Name, Status: model.JobPending}
	f.jobs[1] = j
	return j, nil
}
func (f *fakeJobs) GetJob(ctx context.Context, id int64) (*model.Job, error) { return f.jobs[id], nil }
func (f *fakeJobs) ListJobs(ctx context.Context, status string) ([]*model.Job, error) {
	var out []*model.Job
	for _, j := range f.jobs {
		out = append(out, j)
	}
	return out, nil
}
func (f *fakeJobs) CancelJob(ctx context.Context, id int64) error                     { return nil }
func (f *fakeJobs) JobLog(ctx context.Context, id int64, n int) ([]string, error) { return []string{"line1"}, nil }

func startTestServer(t *testing.T, svc Services, bus *events.Bus) (net.Conn, func()) {
	t.Helper()
	client, serverConn := net.Pipe()
	s := NewServer(svc, bus, 4, 0, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.handleConn(ctx, serverConn)
		close(done)
	}()
	cleanup := func() {
		cancel()
		client.Close()
		<-done
	}
	return client, cleanup
}

func call(t *testing.T, conn net.Conn, id int, method string, params any) map[string]any {
	t.Helper()
	paramsRaw, _ := json.Marshal(params)
	req := map[string]any{"jsonrpc": "2.0", "id": id, "method": method, "params": json.RawMessage(paramsRaw)}
	body, _ := json.Marshal(req)
	if err := codec.NewWriter(conn).WriteMessage(body); err != nil {
		t.Fatalf("write request: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	raw, err := codec.NewReader(conn).ReadMessage()
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	var resp map[string]any
	if err := json.Unmarshal(raw, &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	return resp
}

func TestSystemPingRoundTrip(t *testing.T) {
	svc := Services{System: &fakeSystem{version: "1.2.3"}}
	conn, cleanup := startTestServer(t, svc, events.NewBus())
	defer cleanup()

	resp := call(t, conn, 1, "system.ping", nil)
	if resp["error"] != nil {
		t.Fatalf("unexpected error: %v", resp["error"])
	}
	result, ok := resp["result"].(map[string]any)
	if !ok || result["status"] != "ok" {
		t.Fatalf("unexpected result: %v", resp["result"])
	}
}

func TestUnknownMethodReturnsMethodNotFound(t *testing.T) {
	svc := Services{System: &fakeSystem{}}
	conn, cleanup := startTestServer(t, svc, events.NewBus())
	defer cleanup()

	resp := call(t, conn, 1, "bogus.method", nil)
	errObj, ok := resp["error"].(map[string]any)
	if !ok {
		t.Fatalf("expected an error response, got %v", resp)
	}
	if int(errObj["code"].(float64)) != -32601 {
		t.Fatalf("expected method-not-found code for unknown method, got %v", errObj["code"])
	}
}

func TestJobsSubmitThenGet(t *testing.T) {
	svc := Services{Jobs: &fakeJobs{jobs: make(map[int64]*model.Job)}}
	conn, cleanup := startTestServer(t, svc, events.NewBus())
	defer cleanup()

	submitResp := call(t, conn, 1, "jobs.submit", JobSubmission{Name: "relax"})
	if submitResp["error"] != nil {
		t.Fatalf("unexpected error: %v", submitResp["error"])
	}

	getResp := call(t, conn, 2, "jobs.get", map[string]any{"id": 1})
	result, ok := getResp["result"].(map[string]any)
	if !ok || result["Name"] != "relax" {
		t.Fatalf("unexpected get result: %v", getResp["result"])
	}
}

func TestResponsesPreserveRequestOrderAcrossConcurrentHandlers(t *testing.T) {
	svc := Services{System: &fakeSystem{version: "x"}}
	conn, cleanup := startTestServer(t, svc, events.NewBus())
	defer cleanup()

	// Fire several requests back-to-back without waiting for each response;
	// since handlers run concurrently on the worker pool, FIFO response
	// ordering is only guaranteed by the server's ticket queue, not by the
	// handlers finishing in submission order.
	for i := 1; i <= 5; i++ {
		paramsRaw, _ := json.Marshal(nil)
		req := map[string]any{"jsonrpc": "2.0", "id": i, "method": "system.ping", "params": json.RawMessage(paramsRaw)}
		body, _ := json.Marshal(req)
		if err := codec.NewWriter(conn).WriteMessage(body); err != nil {
			t.Fatalf("write request %d: %v", i, err)
		}
	}

	for i := 1; i <= 5; i++ {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		raw, err := codec.NewReader(conn).ReadMessage()
		if err != nil {
			t.Fatalf("read response %d: %v", i, err)
		}
		var resp map[string]any
		if err := json.Unmarshal(raw, &resp); err != nil {
			t.Fatalf("unmarshal response %d: %v", i, err)
		}
		if int(resp["id"].(float64)) != i {
			t.Fatalf("expected response %d in order, got id=%v", i, resp["id"])
		}
	}
}
