// Package dispatch submits single-step execution units to the worker pool
// and reports their outcomes. It is the only component that crosses the
// process/worker boundary. Two modes exist: await blocks the caller until
// the target completes, fails or times out; detach returns immediately and
// delivers the outcome later through a completion sink.
package dispatch

import (
	"context"
	"time"

	"github.com/wehubfusion/Daedalus/pkg/process"
)

// Mode selects how a submission is executed.
type Mode string

const (
	// ModeAwait blocks until the target completes, fails, or times out.
	ModeAwait Mode = "await"

	// ModeDetach returns immediately with StepAsyncDispatched; the outcome
	// arrives later on the completion sink.
	ModeDetach Mode = "detach"
)

// ExecutionContext identifies who is executing what. It is an immutable
// value threaded explicitly through every invoke and authorize call; there
// is no ambient execution state.
type ExecutionContext struct {
	// Initiator is the identity the instance runs as
	Initiator string

	// InstanceID, StepName and Attempt locate the dispatch
	InstanceID string
	StepName   string
	Attempt    int
}

// Submission is one step execution unit.
type Submission struct {
	Context   ExecutionContext
	TargetRef string
	Inputs    map[string]interface{}

	// Timeout bounds the invocation; the dispatcher maps it onto the
	// underlying execution call.
	Timeout time.Duration
}

// Result is the outcome of an awaited submission.
type Result struct {
	Status  process.StepStatus
	Outputs map[string]interface{}
}

// Completion is the out-of-band outcome of a detached submission.
type Completion struct {
	InstanceID  string
	StepName    string
	Attempt     int
	Outputs     map[string]interface{}
	Err         error
	CompletedAt time.Time
}

// CompletionSink receives detached-step completions. The engine reconciles
// each one against the step log; it never reopens a terminal instance.
type CompletionSink func(Completion)

// Invoker is the external rule-executor collaborator: it runs the opaque
// business-logic unit behind a target reference. Implementations must
// honor ctx cancellation.
type Invoker interface {
	Invoke(ctx context.Context, ec ExecutionContext, targetRef string,
		inputs map[string]interface{}, timeout time.Duration) (map[string]interface{}, error)
}

// Authorizer is the external security-check collaborator, consulted once
// per dispatch before invocation. A denial must be returned as an
// *errors.AuthorizationError; it is never retried.
type Authorizer interface {
	Authorize(ctx context.Context, ec ExecutionContext, targetRef string) error
}

// Dispatcher submits execution units.
type Dispatcher interface {
	Submit(ctx context.Context, sub Submission, mode Mode) (*Result, error)
}

// AllowAll is an Authorizer that permits every dispatch. Useful for tests
// and trusted single-tenant deployments.
type AllowAll struct{}

func (AllowAll) Authorize(ctx context.Context, ec ExecutionContext, targetRef string) error {
	return nil
}
