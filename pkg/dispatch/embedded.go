package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	sdkerrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/process"
	"go.uber.org/zap"
)

// DefaultTimeout bounds an invocation when the submission does not carry
// its own timeout.
const DefaultTimeout = 30 * time.Second

// EmbeddedDispatcher runs targets in-process through the injected Invoker.
// It is used by single-binary deployments and by tests; the broker
// dispatcher provides the same contract across the process boundary.
type EmbeddedDispatcher struct {
	invoker    Invoker
	authorizer Authorizer
	sink       CompletionSink
	logger     *zap.Logger
}

var _ Dispatcher = (*EmbeddedDispatcher)(nil)

// NewEmbeddedDispatcher creates an in-process dispatcher. The sink receives
// detached completions and must not be nil when detach mode is used.
func NewEmbeddedDispatcher(invoker Invoker, authorizer Authorizer, sink CompletionSink, logger *zap.Logger) (*EmbeddedDispatcher, error) {
	if invoker == nil {
		return nil, errors.New("invoker cannot be nil")
	}
	if authorizer == nil {
		return nil, errors.New("authorizer cannot be nil")
	}
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	return &EmbeddedDispatcher{
		invoker:    invoker,
		authorizer: authorizer,
		sink:       sink,
		logger:     logger,
	}, nil
}

// Submit executes one step. Await blocks for the outcome; detach runs the
// invocation in a goroutine and reports through the completion sink. The
// authorization check runs synchronously in both modes, so a denial
// surfaces immediately.
func (d *EmbeddedDispatcher) Submit(ctx context.Context, sub Submission, mode Mode) (*Result, error) {
	if err := d.authorizer.Authorize(ctx, sub.Context, sub.TargetRef); err != nil {
		return nil, err
	}

	timeout := sub.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	switch mode {
	case ModeDetach:
		if d.sink == nil {
			return nil, errors.New("detach mode requires a completion sink")
		}
		go d.runDetached(sub, timeout)
		return &Result{Status: process.StepAsyncDispatched}, nil
	case ModeAwait, "":
		outputs, err := d.invoke(ctx, sub, timeout)
		if err != nil {
			return nil, err
		}
		return &Result{Status: process.StepCompleted, Outputs: outputs}, nil
	default:
		return nil, fmt.Errorf("unknown dispatch mode %q", mode)
	}
}

// invoke runs the target under a deadline. The invocation runs in its own
// goroutine so a target that ignores ctx still times out from the
// engine's point of view; the goroutine is abandoned in that case.
func (d *EmbeddedDispatcher) invoke(ctx context.Context, sub Submission, timeout time.Duration) (map[string]interface{}, error) {
	invokeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		outputs map[string]interface{}
		err     error
	}
	done := make(chan outcome, 1)

	go func() {
		outputs, err := d.invoker.Invoke(invokeCtx, sub.Context, sub.TargetRef, sub.Inputs, timeout)
		done <- outcome{outputs: outputs, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			if invokeCtx.Err() == context.DeadlineExceeded {
				return nil, sdkerrors.NewTimeoutError(sub.TargetRef, sub.Context.InstanceID,
					sub.Context.StepName, timeout.String(), sub.Context.Attempt)
			}
			return nil, out.err
		}
		return out.outputs, nil
	case <-invokeCtx.Done():
		if ctx.Err() != nil {
			// Caller cancelled, not a timeout.
			return nil, ctx.Err()
		}
		return nil, sdkerrors.NewTimeoutError(sub.TargetRef, sub.Context.InstanceID,
			sub.Context.StepName, timeout.String(), sub.Context.Attempt)
	}
}

// runDetached executes a fire-and-forget submission and delivers the
// outcome to the sink. The background context deliberately outlives the
// submitting call: detached steps are not retracted by caller
// cancellation.
func (d *EmbeddedDispatcher) runDetached(sub Submission, timeout time.Duration) {
	outputs, err := d.invoke(context.Background(), sub, timeout)
	if err != nil {
		d.logger.Warn("Detached step failed",
			zap.String("instanceID", sub.Context.InstanceID),
			zap.String("step", sub.Context.StepName),
			zap.String("target", sub.TargetRef),
			zap.Error(err))
	}
	d.sink(Completion{
		InstanceID:  sub.Context.InstanceID,
		StepName:    sub.Context.StepName,
		Attempt:     sub.Context.Attempt,
		Outputs:     outputs,
		Err:         err,
		CompletedAt: time.Now().UTC(),
	})
}
