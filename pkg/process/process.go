// Package process defines the runtime entities shared across the engine:
// process instances, step execution records, and their status machines.
package process

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// InstanceStatus represents the lifecycle state of a process instance.
//
// Transitions: pending -> running -> {paused, completed, failed, cancelled,
// interrupted}. paused and interrupted resume to running; completed, failed
// and cancelled are terminal and reached at most once.
type InstanceStatus string

const (
	InstancePending     InstanceStatus = "pending"
	InstanceRunning     InstanceStatus = "running"
	InstancePaused      InstanceStatus = "paused"
	InstanceCompleted   InstanceStatus = "completed"
	InstanceFailed      InstanceStatus = "failed"
	InstanceCancelled   InstanceStatus = "cancelled"
	InstanceInterrupted InstanceStatus = "interrupted"
)

// IsTerminal reports whether the status is final. Interrupted is not
// terminal: an interrupted instance can be resumed.
func (s InstanceStatus) IsTerminal() bool {
	switch s {
	case InstanceCompleted, InstanceFailed, InstanceCancelled:
		return true
	}
	return false
}

// StepStatus represents the state of a single step execution attempt.
//
// Transitions: pending -> running -> {completed, failed, skipped,
// async_dispatched, interrupted}. async_dispatched moves to completed or
// failed when the detached callback arrives; a shutdown before the callback
// leaves the record interrupted.
type StepStatus string

const (
	StepPending         StepStatus = "pending"
	StepRunning         StepStatus = "running"
	StepCompleted       StepStatus = "completed"
	StepFailed          StepStatus = "failed"
	StepSkipped         StepStatus = "skipped"
	StepAsyncDispatched StepStatus = "async_dispatched"
	StepInterrupted     StepStatus = "interrupted"
)

// ErrorInfo captures the causal chain of a failure with enough context for
// post-hoc analysis: which instance, which step, which attempt, which target.
type ErrorInfo struct {
	StepName  string `json:"stepName,omitempty"`
	TargetRef string `json:"targetRef,omitempty"`
	Attempt   int    `json:"attempt,omitempty"`
	Kind      string `json:"kind,omitempty"`
	Message   string `json:"message"`
}

func (e *ErrorInfo) String() string {
	if e == nil {
		return ""
	}
	if e.StepName != "" {
		return fmt.Sprintf("step %q (target=%s attempt=%d kind=%s): %s",
			e.StepName, e.TargetRef, e.Attempt, e.Kind, e.Message)
	}
	return e.Message
}

// Instance is one running or completed execution of a process definition.
// It is created by the engine on start and mutated only by the instance's
// driver; the persistent store is the source of truth for its state.
type Instance struct {
	// ID is the human-readable, globally unique instance identifier
	ID string `json:"id"`

	// DefinitionRef is the fully-qualified reference of the compiled definition
	DefinitionRef string `json:"definitionRef"`

	// DisplayName is the rendered display-name template, if the definition has one
	DisplayName string `json:"displayName,omitempty"`

	// Status is the instance state machine position
	Status InstanceStatus `json:"status"`

	// CurrentStep points at the node being (or about to be) executed.
	// Empty when the instance is terminal.
	CurrentStep string `json:"currentStep,omitempty"`

	// Inputs is the immutable input snapshot taken at start
	Inputs map[string]interface{} `json:"inputs,omitempty"`

	// Variables holds the externally visible form of every process variable
	// (plaintext for logged, hash for hidden, masked for sensitive)
	Variables map[string]interface{} `json:"variables,omitempty"`

	// VariableVisibility records the visibility tag per variable name
	VariableVisibility map[string]string `json:"variableVisibility,omitempty"`

	// EncodedVariables holds the persisted form of variables (ciphertext for
	// sensitive values). Internal to the engine and store; never exposed.
	EncodedVariables map[string]string `json:"-"`

	// Outputs is set exactly once, when the instance completes
	Outputs map[string]interface{} `json:"outputs,omitempty"`

	// Error is populated only for failed or interrupted instances
	Error *ErrorInfo `json:"error,omitempty"`

	// StartedBy is the identity that initiated the instance
	StartedBy string `json:"startedBy"`

	// TriggeredBy records trigger provenance:
	// "manual:<initiator>", "event:<name>" or "schedule:<expr>"
	TriggeredBy string `json:"triggeredBy"`

	// ParentInstanceID links a sub-process instance to its parent
	ParentInstanceID string `json:"parentInstanceId,omitempty"`

	StartedAt   time.Time  `json:"startedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// StepRecord is one row per attempt of a step, append-only. Attempt numbers
// for a given (instance, step) are strictly increasing starting at 1.
type StepRecord struct {
	InstanceID string     `json:"instanceId"`
	StepName   string     `json:"stepName"`
	TargetRef  string     `json:"targetRef"`
	Status     StepStatus `json:"status"`

	StartedAt   time.Time  `json:"startedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	Duration    int64      `json:"durationMs"`

	// Inputs and Outputs are captured only when the step opts in, and always
	// in externally visible form (sensitive values masked).
	Inputs  map[string]interface{} `json:"inputs,omitempty"`
	Outputs map[string]interface{} `json:"outputs,omitempty"`

	Error *ErrorInfo `json:"error,omitempty"`

	Attempt       int  `json:"attempt"`
	FireAndForget bool `json:"fireAndForget,omitempty"`
	Parallel      bool `json:"parallel,omitempty"`
}

// NewInstanceID builds a human-readable, globally unique instance id of the
// form <definition>-<yyyymmdd>-<short uuid>. The definition segment keeps
// ids greppable; the uuid segment guarantees uniqueness.
func NewInstanceID(definitionRef string, now time.Time) string {
	name := definitionRef
	if idx := strings.LastIndex(name, "/"); idx >= 0 {
		name = name[idx+1:]
	}
	name = strings.ReplaceAll(name, ".", "-")
	short := strings.Split(uuid.NewString(), "-")[0]
	return fmt.Sprintf("%s-%s-%s", name, now.UTC().Format("20060102"), short)
}
