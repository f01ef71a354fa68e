// Package orchestrator executes a Workflow as a DAG of jobs: it validates
// the node graph at submission time, resolves each node's input parameters
// from its completed upstream dependencies, and drives the graph forward
// through the queue manager's completion callbacks, dispatching every node
// that a completion makes ready concurrently.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sync"

	"github.com/crystalmath/crystalmathd/internal/crystalerr"
	"github.com/crystalmath/crystalmathd/internal/events"
	"github.com/crystalmath/crystalmathd/internal/model"
	"github.com/crystalmath/crystalmathd/internal/scheduler"
)

// Store is the persistence surface the orchestrator depends on.
type Store interface {
	CreateJob(ctx context.Context, j *model.Job) (int64, error)
	CreateWorkflow(ctx context.Context, wf *model.Workflow, nodes []*model.WorkflowNode) (int64, error)
	UpdateWorkflowStatus(ctx context.Context, id int64, status model.WorkflowStatus) error
	GetWorkflow(ctx context.Context, id int64) (*model.Workflow, error)
	GetWorkflowNodes(ctx context.Context, workflowID int64) ([]*model.WorkflowNode, error)
	UpdateWorkflowNode(ctx context.Context, n *model.WorkflowNode) error
}

// QueueManager is the subset of the scheduler's Queue Manager the
// orchestrator drives nodes through.
type QueueManager interface {
	Enqueue(ctx context.Context, job *model.Job, priority, maxRetries int, userID string, resources map[string]int, cb scheduler.CompletionCallback) error
}

// Orchestrator coordinates workflow DAG execution.
type Orchestrator struct {
	store       Store
	queue       QueueManager
	bus         *events.Bus
	scratchBase string
	logger      *slog.Logger

	mu    sync.Mutex
	locks map[int64]*sync.Mutex // one lock per in-flight workflow
}

// New constructs an Orchestrator.
func New(store Store, queue QueueManager, bus *events.Bus, scratchBase string, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		store:       store,
		queue:       queue,
		bus:         bus,
		scratchBase: scratchBase,
		logger:      logger,
		locks:       make(map[int64]*sync.Mutex),
	}
}

func (o *Orchestrator) lockFor(workflowID int64) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	l, ok := o.locks[workflowID]
	if !ok {
		l = &sync.Mutex{}
		o.locks[workflowID] = l
	}
	return l
}

// SubmitWorkflow validates the node DAG (acyclic, same-workflow references
// only, unique node names), persists it, and dispatches every node with no
// dependencies.
func (o *Orchestrator) SubmitWorkflow(ctx context.Context, wf *model.Workflow, nodes []*model.WorkflowNode) (int64, error) {
	if err := validateDAG(nodes); err != nil {
		return 0, crystalerr.InvalidWorkflow(err.Error())
	}

	wf.Status = model.WorkflowPending
	for _, n := range nodes {
		if n.Status == "" {
			n.Status = model.JobPending
		}
	}
	id, err := o.store.CreateWorkflow(ctx, wf, nodes)
	if err != nil {
		return 0, fmt.Errorf("create workflow: %w", err)
	}
	wf.ID = id
	for _, n := range nodes {
		n.WorkflowID = id
	}

	if err := o.store.UpdateWorkflowStatus(ctx, id, model.WorkflowRunning); err != nil {
		return 0, fmt.Errorf("mark workflow running: %w", err)
	}

	for _, n := range nodes {
		if len(n.Dependencies) == 0 {
			if err := o.dispatchNode(ctx, wf, n, nodes); err != nil {
				return 0, fmt.Errorf("dispatch root node %q: %w", n.Name, err)
			}
		}
	}
	return id, nil
}

var nodeNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// validateDAG enforces unique node names, dependencies that reference only
// sibling nodes, and acyclicity via a depth-first search that reports the
// first node found on a cycle.
func validateDAG(nodes []*model.WorkflowNode) error {
	byName := make(map[string]*model.WorkflowNode, len(nodes))
	for _, n := range nodes {
		if !nodeNamePattern.MatchString(n.Name) {
			return fmt.Errorf("node name %q contains characters outside [A-Za-z0-9_-]", n.Name)
		}
		if _, dup := byName[n.Name]; dup {
			return fmt.Errorf("duplicate node name %q", n.Name)
		}
		byName[n.Name] = n
	}
	for _, n := range nodes {
		for _, dep := range n.Dependencies {
			if _, ok := byName[dep]; !ok {
				return fmt.Errorf("node %q depends on unknown node %q", n.Name, dep)
			}
		}
	}

	visiting := make(map[string]bool)
	visited := make(map[string]bool)
	var visit func(name string) error
	visit = func(name string) error {
		if visited[name] {
			return nil
		}
		if visiting[name] {
			return fmt.Errorf("cycle detected at node %q", name)
		}
		visiting[name] = true
		for _, dep := range byName[name].Dependencies {
			if err := visit(dep); err != nil {
				return err
			}
		}
		visiting[name] = false
		visited[name] = true
		return nil
	}
	for name := range byName {
		if err := visit(name); err != nil {
			return err
		}
	}
	return nil
}

// dispatchNode resolves a node's parameter template against its completed
// upstream dependencies, creates the backing job, and enqueues it through
// the queue manager. The completion callback is registered before Enqueue
// returns, so a fast-completing job can never race past onNodeComplete.
func (o *Orchestrator) dispatchNode(ctx context.Context, wf *model.Workflow, node *model.WorkflowNode, all []*model.WorkflowNode) error {
	resolved, err := resolveParameters(node.ParameterTemplate, node.Dependencies, all)
	if err != nil {
		return fmt.Errorf("resolve parameters for node %q: %w", node.Name, err)
	}

	job := &model.Job{
		Name:           fmt.Sprintf("%s/%s", wf.Name, node.Name),
		WorkDir:        fmt.Sprintf("%s/workflow-%d/%s", o.scratchBase, wf.ID, node.Name),
		InputBlob:      resolved,
		RunnerType:     model.RunnerLocal,
		ParentWorkflow: &wf.ID,
		ParentNode:     &node.Name,
	}
	jobID, err := o.store.CreateJob(ctx, job)
	if err != nil {
		return fmt.Errorf("create job for node %q: %w", node.Name, err)
	}
	job.ID = jobID
	node.JobID = &jobID
	node.Status = model.JobQueued
	if err := o.store.UpdateWorkflowNode(ctx, node); err != nil {
		return fmt.Errorf("persist node assignment: %w", err)
	}

	if o.bus != nil {
		o.bus.Publish(events.New(events.WorkflowNodeStarted, events.WorkflowNodePayload{
			WorkflowID: wf.ID, NodeID: node.NodeID, JobID: &jobID, Status: string(model.JobQueued),
		}))
	}

	return o.queue.Enqueue(ctx, job, 2, node.MaxRetries, "", nil, func(completed *model.Job) {
		o.onNodeComplete(context.Background(), wf.ID, node.NodeID, completed)
	})
}

// resolveParameters substitutes every {{upstream.<nodeName>.<key>}}
// reference in tmpl against the named upstream node's recorded Results. Only
// sibling nodes already listed in deps may be referenced, keeping template
// resolution free of side effects and scoped to the declared DAG edges.
var templateRefPattern = regexp.MustCompile(`\{\{upstream\.([A-Za-z0-9_-]+)\.([A-Za-z0-9_-]+)\}\}`)

func resolveParameters(tmpl string, deps []string, all []*model.WorkflowNode) (string, error) {
	allowed := make(map[string]bool, len(deps))
	for _, d := range deps {
		allowed[d] = true
	}
	byName := make(map[string]*model.WorkflowNode, len(all))
	for _, n := range all {
		byName[n.Name] = n
	}

	var resolveErr error
	result := templateRefPattern.ReplaceAllStringFunc(tmpl, func(match string) string {
		groups := templateRefPattern.FindStringSubmatch(match)
		nodeName, key := groups[1], groups[2]
		if !allowed[nodeName] {
			resolveErr = fmt.Errorf("template references %q, which is not a declared dependency", nodeName)
			return match
		}
		upstream, ok := byName[nodeName]
		if !ok || upstream.Results == nil {
			resolveErr = fmt.Errorf("upstream node %q has no recorded results", nodeName)
			return match
		}
		val, ok := upstream.Results[key]
		if !ok {
			resolveErr = fmt.Errorf("upstream node %q has no result key %q", nodeName, key)
			return match
		}
		return val
	})
	if resolveErr != nil {
		return "", resolveErr
	}
	return result, nil
}

func nodeDependents(nodeID string, all []*model.WorkflowNode) []*model.WorkflowNode {
	var out []*model.WorkflowNode
	for _, n := range all {
		for _, dep := range n.Dependencies {
			if dep == nodeID {
				out = append(out, n)
				break
			}
		}
	}
	return out
}

func allDependenciesDone(n *model.WorkflowNode, byName map[string]*model.WorkflowNode) bool {
	for _, dep := range n.Dependencies {
		up, ok := byName[dep]
		if !ok || up.Status != model.JobCompleted {
			return false
		}
	}
	return true
}
