package orchestrator

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/crystalmath/crystalmathd/internal/events"
	"github.com/crystalmath/crystalmathd/internal/model"
)

// onNodeComplete runs once a node's backing job reaches a terminal status. It
// records the node's result, then either advances the DAG (success),
// retries the node in place (Retry policy, retries remaining), or resolves
// the workflow's terminal outcome (FailFast, or Retry/ContinueOnFailure with
// retries exhausted).
func (o *Orchestrator) onNodeComplete(ctx context.Context, workflowID int64, nodeID string, job *model.Job) {
	lock := o.lockFor(workflowID)
	lock.Lock()
	defer lock.Unlock()

	wf, err := o.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		o.logger.Error("load workflow for node completion", "workflow_id", workflowID, "err", err)
		return
	}
	if wf.Status != model.WorkflowRunning {
		return // workflow already resolved terminally by a sibling branch
	}

	nodes, err := o.store.GetWorkflowNodes(ctx, workflowID)
	if err != nil {
		o.logger.Error("load workflow nodes", "workflow_id", workflowID, "err", err)
		return
	}
	byName := make(map[string]*model.WorkflowNode, len(nodes))
	var node *model.WorkflowNode
	for _, n := range nodes {
		byName[n.Name] = n
		if n.NodeID == nodeID {
			node = n
		}
	}
	if node == nil {
		o.logger.Error("node completion for unknown node", "workflow_id", workflowID, "node_id", nodeID)
		return
	}
	node.Status = job.Status
	node.Results = map[string]string{"resultsBlob": job.ResultsBlob}

	if o.bus != nil {
		o.bus.Publish(events.New(events.WorkflowNodeDone, events.WorkflowNodePayload{
			WorkflowID: workflowID, NodeID: node.NodeID, JobID: &job.ID, Status: string(job.Status),
		}))
	}

	if job.Status == model.JobCompleted {
		o.advanceOnSuccess(ctx, wf, node, nodes, byName)
		return
	}
	o.handleFailure(ctx, wf, node, nodes, byName)

	if err := o.store.UpdateWorkflowNode(ctx, node); err != nil {
		o.logger.Error("persist node status", "workflow_id", workflowID, "node", node.Name, "err", err)
	}
}

// advanceOnSuccess dispatches every sibling node whose dependencies are now
// all satisfied, and resolves the workflow as completed once no node
// remains pending or running.
func (o *Orchestrator) advanceOnSuccess(ctx context.Context, wf *model.Workflow, node *model.WorkflowNode, nodes []*model.WorkflowNode, byName map[string]*model.WorkflowNode) {
	if err := o.store.UpdateWorkflowNode(ctx, node); err != nil {
		o.logger.Error("persist completed node", "workflow_id", wf.ID, "node", node.Name, "err", err)
		return
	}

	var ready []*model.WorkflowNode
	for _, dependent := range nodeDependents(node.Name, nodes) {
		if dependent.Status != model.JobPending {
			continue // already dispatched, e.g. satisfied by a different branch ordering
		}
		if !allDependenciesDone(dependent, byName) {
			continue
		}
		ready = append(ready, dependent)
	}

	// Newly-ready siblings have no data dependency on one another (the DAG
	// already proved that), so they dispatch concurrently rather than one
	// store/queue round trip at a time.
	g, gctx := errgroup.WithContext(ctx)
	for _, dependent := range ready {
		dependent := dependent
		g.Go(func() error {
			if err := o.dispatchNode(gctx, wf, dependent, nodes); err != nil {
				return fmt.Errorf("dispatch downstream node %q: %w", dependent.Name, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		o.logger.Error("dispatch downstream nodes", "workflow_id", wf.ID, "err", err)
		o.resolveWorkflow(ctx, wf, model.WorkflowFailed, node.Name, err.Error())
		return
	}

	if allNodesTerminal(nodes) {
		o.resolveWorkflow(ctx, wf, model.WorkflowCompleted, "", "")
	}
}

// handleFailure applies the workflow's failure policy to a node that just
// reached a terminal non-success status.
func (o *Orchestrator) handleFailure(ctx context.Context, wf *model.Workflow, node *model.WorkflowNode, nodes []*model.WorkflowNode, byName map[string]*model.WorkflowNode) {
	switch wf.FailurePolicy {
	case model.RetryPolicy:
		if node.RetryCount < node.MaxRetries {
			node.RetryCount++
			node.Status = model.JobPending
			node.JobID = nil
			if err := o.dispatchNode(ctx, wf, node, nodes); err != nil {
				o.logger.Error("retry node dispatch", "workflow_id", wf.ID, "node", node.Name, "err", err)
				o.resolveWorkflow(ctx, wf, model.WorkflowFailed, node.Name, err.Error())
			}
			return
		}
		o.resolveWorkflow(ctx, wf, model.WorkflowFailed, node.Name, "retries exhausted")

	case model.ContinueOnFailure:
		// Leave sibling branches that do not depend on this node running;
		// only the failed node's own downstream subtree becomes unreachable.
		o.cancelUnreachable(ctx, wf, node.Name, nodes, byName)
		if allNodesTerminal(nodes) {
			if anyNodeFailed(nodes) {
				o.resolveWorkflow(ctx, wf, model.WorkflowFailed, node.Name, "one or more nodes failed")
			} else {
				o.resolveWorkflow(ctx, wf, model.WorkflowCompleted, "", "")
			}
		}

	default: // FailFast
		// The whole workflow is aborting: every node still reachable only
		// through the failed one can never run, so it becomes Cancelled
		// rather than sitting Pending forever.
		o.cancelUnreachable(ctx, wf, node.Name, nodes, byName)
		o.resolveWorkflow(ctx, wf, model.WorkflowFailed, node.Name, "fail-fast policy: aborting on first node failure")
	}
}

// cancelUnreachable transitions every node transitively downstream of a
// failed node to Cancelled and persists each one, so neither ContinueOnFailure
// nor FailFast ever leaves a dependent sitting Pending forever waiting on a
// dependency that can now never complete.
func (o *Orchestrator) cancelUnreachable(ctx context.Context, wf *model.Workflow, failedNode string, nodes []*model.WorkflowNode, byName map[string]*model.WorkflowNode) {
	var walk func(name string)
	visited := make(map[string]bool)
	walk = func(name string) {
		for _, dependent := range nodeDependents(name, nodes) {
			if visited[dependent.Name] {
				continue
			}
			visited[dependent.Name] = true
			if dependent.Status == model.JobPending {
				dependent.Status = model.JobCancelled
				if err := o.store.UpdateWorkflowNode(ctx, dependent); err != nil {
					o.logger.Error("persist cancelled node", "workflow_id", wf.ID, "node", dependent.Name, "err", err)
				}
			}
			walk(dependent.Name)
		}
	}
	walk(failedNode)
}

func allNodesTerminal(nodes []*model.WorkflowNode) bool {
	for _, n := range nodes {
		if !n.Status.IsTerminal() {
			return false
		}
	}
	return true
}

func anyNodeFailed(nodes []*model.WorkflowNode) bool {
	for _, n := range nodes {
		if n.Status == model.JobFailed {
			return true
		}
	}
	return false
}

// resolveWorkflow marks the workflow terminal and publishes the matching
// completion/failure event. Called with the workflow's lock already held.
func (o *Orchestrator) resolveWorkflow(ctx context.Context, wf *model.Workflow, status model.WorkflowStatus, failedNode, failMessage string) {
	if err := o.store.UpdateWorkflowStatus(ctx, wf.ID, status); err != nil {
		o.logger.Error("persist workflow terminal status", "workflow_id", wf.ID, "err", err)
	}
	if o.bus == nil {
		return
	}
	payload := events.WorkflowTerminalPayload{WorkflowID: wf.ID, FailedNode: failedNode, FailMessage: failMessage}
	switch status {
	case model.WorkflowCompleted:
		o.bus.Publish(events.New(events.WorkflowCompleted, payload))
	case model.WorkflowCancelled:
		o.bus.Publish(events.New(events.WorkflowCancelled, payload))
	default:
		o.bus.Publish(events.New(events.WorkflowFailed, payload))
	}
}

// CancelWorkflow marks every non-terminal node Cancelled and resolves the
// workflow itself as Cancelled. A workflow already in a terminal state is
// left untouched: cancellation can't undo a completed or failed outcome.
func (o *Orchestrator) CancelWorkflow(ctx context.Context, workflowID int64) error {
	lock := o.lockFor(workflowID)
	lock.Lock()
	defer lock.Unlock()

	wf, err := o.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return fmt.Errorf("load workflow %d: %w", workflowID, err)
	}
	if wf.Status != model.WorkflowPending && wf.Status != model.WorkflowRunning {
		return nil
	}

	nodes, err := o.store.GetWorkflowNodes(ctx, workflowID)
	if err != nil {
		return fmt.Errorf("load workflow nodes: %w", err)
	}
	for _, n := range nodes {
		if n.Status.IsTerminal() {
			continue
		}
		n.Status = model.JobCancelled
		if err := o.store.UpdateWorkflowNode(ctx, n); err != nil {
			o.logger.Error("persist cancelled node", "workflow_id", workflowID, "node", n.Name, "err", err)
		}
	}
	o.resolveWorkflow(ctx, wf, model.WorkflowCancelled, "", "cancelled by request")
	return nil
}
