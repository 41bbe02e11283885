// Package errors defines the error taxonomy for the process execution
// engine. Errors are split by origin: definition compilation, dispatch
// authorization, target execution, timeouts, and broker infrastructure.
// Each structured error carries enough context (instance, step, attempt,
// target) to reconstruct the causal chain of a failure.
package errors

import (
	"errors"
	"fmt"
)

var (
	// ErrInstanceNotFound indicates that no process instance exists for the given id
	ErrInstanceNotFound = errors.New("process instance not found")

	// ErrDefinitionNotFound indicates that no compiled definition exists for the given reference
	ErrDefinitionNotFound = errors.New("process definition not found")

	// ErrLeaseHeld indicates that another driver currently holds the instance lease
	ErrLeaseHeld = errors.New("instance lease held by another driver")

	// ErrTerminalState indicates an operation on an instance that already reached a terminal status
	ErrTerminalState = errors.New("instance is in a terminal state")

	// ErrNotConnected indicates that the dispatcher is not connected to the broker
	ErrNotConnected = errors.New("not connected to broker")

	// ErrVariableNotFound indicates a lookup of an undefined process variable
	ErrVariableNotFound = errors.New("variable not found")
)

// DefinitionError is raised at compile time when a process definition is
// invalid. It is fatal and never reaches runtime: a definition that fails
// to compile is not registered.
type DefinitionError struct {
	// DefinitionRef is the fully-qualified reference of the definition
	DefinitionRef string

	// Node is the step or group name the error relates to, if any
	Node string

	// Message is a human-readable description of the problem
	Message string

	// Err is the underlying error, if any
	Err error
}

func (e *DefinitionError) Error() string {
	if e.Node != "" {
		return fmt.Sprintf("definition %q node %q: %s", e.DefinitionRef, e.Node, e.Message)
	}
	return fmt.Sprintf("definition %q: %s", e.DefinitionRef, e.Message)
}

func (e *DefinitionError) Unwrap() error {
	return e.Err
}

// NewDefinitionError creates a definition compile error
func NewDefinitionError(definitionRef, node, message string, err error) *DefinitionError {
	return &DefinitionError{
		DefinitionRef: definitionRef,
		Node:          node,
		Message:       message,
		Err:           err,
	}
}

// AuthorizationError indicates that the security check denied a step
// dispatch. Authorization failures are never retried.
type AuthorizationError struct {
	Actor     string
	TargetRef string
	Action    string
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("actor %q is not authorized to %s %q", e.Actor, e.Action, e.TargetRef)
}

// NewAuthorizationError creates an authorization denial error
func NewAuthorizationError(actor, targetRef, action string) *AuthorizationError {
	return &AuthorizationError{Actor: actor, TargetRef: targetRef, Action: action}
}

// TargetExecutionError indicates that the business-logic target itself
// failed. These errors are retryable per the step's retry policy.
type TargetExecutionError struct {
	// Kind is a machine-readable classification supplied by the target executor
	Kind string

	// Message is the human-readable failure description
	Message string

	// TargetRef is the reference of the invoked target
	TargetRef string

	// InstanceID, StepName and Attempt locate the failing attempt
	InstanceID string
	StepName   string
	Attempt    int

	// Err is the underlying error, if any
	Err error
}

func (e *TargetExecutionError) Error() string {
	return fmt.Sprintf("target %q failed (instance=%s step=%s attempt=%d kind=%s): %s",
		e.TargetRef, e.InstanceID, e.StepName, e.Attempt, e.Kind, e.Message)
}

func (e *TargetExecutionError) Unwrap() error {
	return e.Err
}

// NewTargetExecutionError creates a business-logic failure error
func NewTargetExecutionError(kind, message, targetRef string, err error) *TargetExecutionError {
	return &TargetExecutionError{Kind: kind, Message: message, TargetRef: targetRef, Err: err}
}

// WithAttempt returns a copy annotated with the attempt that failed.
func (e *TargetExecutionError) WithAttempt(instanceID, stepName string, attempt int) *TargetExecutionError {
	clone := *e
	clone.InstanceID = instanceID
	clone.StepName = stepName
	clone.Attempt = attempt
	return &clone
}

// TimeoutError indicates that a step attempt exceeded its configured
// timeout. A timed-out attempt is failed, but the step as a whole may
// still retry: timeouts are a TargetExecutionError variant for retry
// purposes.
type TimeoutError struct {
	TargetRef  string
	InstanceID string
	StepName   string
	Attempt    int
	Timeout    string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("target %q timed out after %s (instance=%s step=%s attempt=%d)",
		e.TargetRef, e.Timeout, e.InstanceID, e.StepName, e.Attempt)
}

// NewTimeoutError creates a step timeout error
func NewTimeoutError(targetRef, instanceID, stepName, timeout string, attempt int) *TimeoutError {
	return &TimeoutError{
		TargetRef:  targetRef,
		InstanceID: instanceID,
		StepName:   stepName,
		Attempt:    attempt,
		Timeout:    timeout,
	}
}

// DispatchError indicates that the broker or worker infrastructure was
// unavailable. It is not the target's fault and is retried with its own
// backoff, independent of the step's business retry policy.
type DispatchError struct {
	// Op is the infrastructure operation that failed (publish, pull, ack)
	Op string

	// Message is a human-readable description
	Message string

	// Err is the underlying broker error
	Err error
}

func (e *DispatchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("dispatch %s failed: %s: %v", e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("dispatch %s failed: %s", e.Op, e.Message)
}

func (e *DispatchError) Unwrap() error {
	return e.Err
}

// NewDispatchError creates a broker infrastructure error
func NewDispatchError(op, message string, err error) *DispatchError {
	return &DispatchError{Op: op, Message: message, Err: err}
}

// IsRetryable reports whether a step failure is eligible for the step's
// retry policy. Authorization denials and definition errors are final;
// everything else (target failures, timeouts, dispatch errors) may retry.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var authErr *AuthorizationError
	if errors.As(err, &authErr) {
		return false
	}
	var defErr *DefinitionError
	if errors.As(err, &defErr) {
		return false
	}
	return true
}

// IsTimeout reports whether an error is a step timeout
func IsTimeout(err error) bool {
	var timeoutErr *TimeoutError
	return errors.As(err, &timeoutErr)
}

// IsAuthorization reports whether an error is an authorization denial
func IsAuthorization(err error) bool {
	var authErr *AuthorizationError
	return errors.As(err, &authErr)
}

// IsDispatch reports whether an error originated in broker infrastructure
func IsDispatch(err error) bool {
	var dispatchErr *DispatchError
	return errors.As(err, &dispatchErr)
}
