package dispatch

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/wehubfusion/Daedalus/pkg/process"
)

// TaskMessage is the wire form of one step execution unit published to the
// task stream. Workers consume it, invoke the target, and publish a
// ResultMessage to ReplyTo.
type TaskMessage struct {
	// CorrelationID ties the task to its result
	CorrelationID string `json:"correlationId"`

	// InstanceID, StepName and Attempt locate the dispatch
	InstanceID string `json:"instanceId"`
	StepName   string `json:"stepName"`
	Attempt    int    `json:"attempt"`

	// Initiator is the identity the instance runs as
	Initiator string `json:"initiator"`

	// TargetRef is the opaque business-logic reference to invoke
	TargetRef string `json:"targetRef"`

	// Inputs are the resolved step inputs
	Inputs map[string]interface{} `json:"inputs,omitempty"`

	// TimeoutMillis bounds the invocation on the worker side
	TimeoutMillis int64 `json:"timeoutMillis,omitempty"`

	// ReplyTo is the subject the worker publishes the result to
	ReplyTo string `json:"replyTo"`

	// CreatedAt is the publish timestamp
	CreatedAt string `json:"createdAt"`
}

// NewTaskMessage builds a task from a submission.
func NewTaskMessage(sub Submission, correlationID, replyTo string) *TaskMessage {
	return &TaskMessage{
		CorrelationID: correlationID,
		InstanceID:    sub.Context.InstanceID,
		StepName:      sub.Context.StepName,
		Attempt:       sub.Context.Attempt,
		Initiator:     sub.Context.Initiator,
		TargetRef:     sub.TargetRef,
		Inputs:        sub.Inputs,
		TimeoutMillis: sub.Timeout.Milliseconds(),
		ReplyTo:       replyTo,
		CreatedAt:     time.Now().UTC().Format(time.RFC3339),
	}
}

// Timeout returns the invocation deadline carried by the task.
func (t *TaskMessage) Timeout() time.Duration {
	if t.TimeoutMillis <= 0 {
		return DefaultTimeout
	}
	return time.Duration(t.TimeoutMillis) * time.Millisecond
}

// ExecutionContext reconstructs the execution context on the worker side.
func (t *TaskMessage) ExecutionContext() ExecutionContext {
	return ExecutionContext{
		Initiator:  t.Initiator,
		InstanceID: t.InstanceID,
		StepName:   t.StepName,
		Attempt:    t.Attempt,
	}
}

// Marshal serializes the task for publishing.
func (t *TaskMessage) Marshal() ([]byte, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal task: %w", err)
	}
	return data, nil
}

// UnmarshalTask decodes a task from the wire.
func UnmarshalTask(data []byte) (*TaskMessage, error) {
	var t TaskMessage
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("failed to unmarshal task: %w", err)
	}
	if t.TargetRef == "" {
		return nil, fmt.Errorf("task has no target reference")
	}
	return &t, nil
}

// ResultMessage is the wire form of a step outcome published by a worker.
type ResultMessage struct {
	CorrelationID string `json:"correlationId"`
	InstanceID    string `json:"instanceId"`
	StepName      string `json:"stepName"`
	Attempt       int    `json:"attempt"`

	// Status is completed or failed
	Status process.StepStatus `json:"status"`

	// Outputs are the target's outputs on success
	Outputs map[string]interface{} `json:"outputs,omitempty"`

	// Error carries the failure context on failure
	Error *process.ErrorInfo `json:"error,omitempty"`

	CompletedAt string `json:"completedAt"`
}

// NewResultMessage builds a result for a task.
func NewResultMessage(task *TaskMessage, status process.StepStatus,
	outputs map[string]interface{}, errInfo *process.ErrorInfo) *ResultMessage {
	return &ResultMessage{
		CorrelationID: task.CorrelationID,
		InstanceID:    task.InstanceID,
		StepName:      task.StepName,
		Attempt:       task.Attempt,
		Status:        status,
		Outputs:       outputs,
		Error:         errInfo,
		CompletedAt:   time.Now().UTC().Format(time.RFC3339),
	}
}

// Marshal serializes the result for publishing.
func (r *ResultMessage) Marshal() ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}
	return data, nil
}

// UnmarshalResult decodes a result from the wire.
func UnmarshalResult(data []byte) (*ResultMessage, error) {
	var r ResultMessage
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to unmarshal result: %w", err)
	}
	return &r, nil
}
