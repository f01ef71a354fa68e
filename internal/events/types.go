// Package events is the pub/sub fan-out backbone between the queue manager,
// the workflow orchestrator, and the IPC server's events.subscribe surface.
package events

import "time"

// Type identifies a notification's JSON-RPC method name.
type Type string

const (
	JobStatusChanged    Type = "job.statusChanged"
	WorkflowNodeStarted Type = "workflow.nodeStarted"
	WorkflowNodeDone    Type = "workflow.nodeCompleted"
	WorkflowCompleted   Type = "workflow.completed"
	WorkflowFailed      Type = "workflow.failed"
	WorkflowCancelled   Type = "workflow.cancelled"
)

// Event is one notification fanned out to subscribed connections. Payload is
// marshaled verbatim as the JSON-RPC notification's params.
type Event struct {
	Type    Type
	Time    time.Time
	Payload any
}

// New builds an Event stamped with the current time.
func New(typ Type, payload any) Event {
	return Event{Type: typ, Time: time.Now().UTC(), Payload: payload}
}

// JobStatusPayload is the payload of a job.statusChanged notification.
type JobStatusPayload struct {
	JobID  int64  `json:"jobId"`
	Status string `json:"status"`
}

// WorkflowNodePayload is the payload of workflow.nodeStarted/nodeCompleted.
type WorkflowNodePayload struct {
	WorkflowID int64  `json:"workflowId"`
	NodeID     string `json:"nodeId"`
	JobID      *int64 `json:"jobId,omitempty"`
	Status     string `json:"status,omitempty"`
}

// WorkflowTerminalPayload is the payload of workflow.completed/workflow.failed.
type WorkflowTerminalPayload struct {
	WorkflowID  int64  `json:"workflowId"`
	FailedNode  string `json:"failedNode,omitempty"`
	FailMessage string `json:"failMessage,omitempty"`
}
