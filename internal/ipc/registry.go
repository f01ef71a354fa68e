package ipc

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/crystalmath/crystalmathd/internal/crystalerr"
)

// buildRegistry wires every JSON-RPC method name this server exposes to its
// backing Services implementation. A nil service group leaves its methods
// absent from the registry rather than panicking at call time, so a test or
// a partially-configured daemon can opt into a subset.
func buildRegistry(svc Services) map[string]handlerFunc {
	h := make(map[string]handlerFunc)

	if svc.System != nil {
		h["system.ping"] = func(ctx context.Context, _ json.RawMessage) (any, error) {
			return map[string]string{"status": "ok"}, svc.System.Ping(ctx)
		}
		h["system.version"] = func(ctx context.Context, _ json.RawMessage) (any, error) {
			return map[string]string{"version": svc.System.Version(ctx)}, nil
		}
		h["system.shutdown"] = func(ctx context.Context, _ json.RawMessage) (any, error) {
			return map[string]bool{"ok": true}, svc.System.Shutdown(ctx)
		}
	}

	if svc.Jobs != nil {
		h["jobs.submit"] = func(ctx context.Context, params json.RawMessage) (any, error) {
			var req JobSubmission
			if err := unmarshalParams(params, &req); err != nil {
				return nil, err
			}
			return svc.Jobs.SubmitJob(ctx, req)
		}
		h["jobs.get"] = func(ctx context.Context, params json.RawMessage) (any, error) {
			var p struct {
				ID int64 `json:"id"`
			}
			if err := unmarshalParams(params, &p); err != nil {
				return nil, err
			}
			return svc.Jobs.GetJob(ctx, p.ID)
		}
		h["jobs.list"] = func(ctx context.Context, params json.RawMessage) (any, error) {
			var p struct {
				Status string `json:"status"`
			}
			if err := unmarshalParams(params, &p); err != nil {
				return nil, err
			}
			return svc.Jobs.ListJobs(ctx, p.Status)
		}
		h["jobs.cancel"] = func(ctx context.Context, params json.RawMessage) (any, error) {
			var p struct {
				ID int64 `json:"id"`
			}
			if err := unmarshalParams(params, &p); err != nil {
				return nil, err
			}
			return map[string]bool{"ok": true}, svc.Jobs.CancelJob(ctx, p.ID)
		}
		h["jobs.log"] = func(ctx context.Context, params json.RawMessage) (any, error) {
			var p struct {
				ID        int64 `json:"id"`
				TailLines int   `json:"tailLines"`
			}
			if err := unmarshalParams(params, &p); err != nil {
				return nil, err
			}
			lines, err := svc.Jobs.JobLog(ctx, p.ID, p.TailLines)
			if err != nil {
				return nil, err
			}
			return map[string]any{"lines": lines}, nil
		}
	}

	if svc.Clusters != nil {
		h["clusters.list"] = func(ctx context.Context, _ json.RawMessage) (any, error) {
			return svc.Clusters.ListClusters(ctx)
		}
		h["clusters.get"] = func(ctx context.Context, params json.RawMessage) (any, error) {
			var p struct {
				ID int64 `json:"id"`
			}
			if err := unmarshalParams(params, &p); err != nil {
				return nil, err
			}
			return svc.Clusters.GetCluster(ctx, p.ID)
		}
		h["clusters.create"] = func(ctx context.Context, params json.RawMessage) (any, error) {
			var c clusterParams
			if err := unmarshalParams(params, &c); err != nil {
				return nil, err
			}
			return svc.Clusters.CreateCluster(ctx, c.toModel())
		}
		h["clusters.update"] = func(ctx context.Context, params json.RawMessage) (any, error) {
			var c clusterParams
			if err := unmarshalParams(params, &c); err != nil {
				return nil, err
			}
			return map[string]bool{"ok": true}, svc.Clusters.UpdateCluster(ctx, c.toModel())
		}
		h["clusters.delete"] = func(ctx context.Context, params json.RawMessage) (any, error) {
			var p struct {
				ID int64 `json:"id"`
			}
			if err := unmarshalParams(params, &p); err != nil {
				return nil, err
			}
			return map[string]bool{"ok": true}, svc.Clusters.DeleteCluster(ctx, p.ID)
		}
		h["clusters.test"] = func(ctx context.Context, params json.RawMessage) (any, error) {
			var p struct {
				ID int64 `json:"id"`
			}
			if err := unmarshalParams(params, &p); err != nil {
				return nil, err
			}
			return svc.Clusters.TestCluster(ctx, p.ID)
		}
	}

	if svc.Workflows != nil {
		h["workflows.submit"] = func(ctx context.Context, params json.RawMessage) (any, error) {
			var req WorkflowSubmission
			if err := unmarshalParams(params, &req); err != nil {
				return nil, err
			}
			return svc.Workflows.SubmitWorkflow(ctx, req)
		}
		h["workflows.get"] = func(ctx context.Context, params json.RawMessage) (any, error) {
			var p struct {
				ID int64 `json:"id"`
			}
			if err := unmarshalParams(params, &p); err != nil {
				return nil, err
			}
			wf, nodes, err := svc.Workflows.GetWorkflow(ctx, p.ID)
			if err != nil {
				return nil, err
			}
			return map[string]any{"workflow": wf, "nodes": nodes}, nil
		}
		h["workflows.cancel"] = func(ctx context.Context, params json.RawMessage) (any, error) {
			var p struct {
				ID int64 `json:"id"`
			}
			if err := unmarshalParams(params, &p); err != nil {
				return nil, err
			}
			return map[string]bool{"ok": true}, svc.Workflows.CancelWorkflow(ctx, p.ID)
		}
	}

	return h
}

func unmarshalParams(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return crystalerr.New(crystalerr.KindValidation, fmt.Sprintf("invalid params: %v", err))
	}
	return nil
}
