package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	sdkerrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/process"
)

// mockInvoker is a scriptable invoker for dispatcher tests.
type mockInvoker struct {
	mu      sync.Mutex
	calls   []Submission
	fn      func(ctx context.Context, ec ExecutionContext, targetRef string, inputs map[string]interface{}) (map[string]interface{}, error)
	blockFor time.Duration
}

func (m *mockInvoker) Invoke(ctx context.Context, ec ExecutionContext, targetRef string,
	inputs map[string]interface{}, timeout time.Duration) (map[string]interface{}, error) {
	m.mu.Lock()
	m.calls = append(m.calls, Submission{Context: ec, TargetRef: targetRef, Inputs: inputs})
	m.mu.Unlock()

	if m.blockFor > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(m.blockFor):
		}
	}
	if m.fn != nil {
		return m.fn(ctx, ec, targetRef, inputs)
	}
	return map[string]interface{}{"ok": true}, nil
}

func (m *mockInvoker) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// denyAll fails every authorization check.
type denyAll struct{}

func (denyAll) Authorize(ctx context.Context, ec ExecutionContext, targetRef string) error {
	return sdkerrors.NewAuthorizationError(ec.Initiator, targetRef, "invoke")
}

func sub(instance, step string, attempt int) Submission {
	return Submission{
		Context: ExecutionContext{
			Initiator:  "tester",
			InstanceID: instance,
			StepName:   step,
			Attempt:    attempt,
		},
		TargetRef: "crm/register",
		Inputs:    map[string]interface{}{"customer_id": "c-1042"},
	}
}

func TestNewEmbeddedDispatcherValidation(t *testing.T) {
	inv := &mockInvoker{}
	logger := zap.NewNop()

	_, err := NewEmbeddedDispatcher(nil, AllowAll{}, nil, logger)
	assert.Error(t, err)

	_, err = NewEmbeddedDispatcher(inv, nil, nil, logger)
	assert.Error(t, err)

	_, err = NewEmbeddedDispatcher(inv, AllowAll{}, nil, nil)
	assert.Error(t, err)

	_, err = NewEmbeddedDispatcher(inv, AllowAll{}, nil, logger)
	assert.NoError(t, err)
}

func TestSubmitAwait(t *testing.T) {
	inv := &mockInvoker{
		fn: func(ctx context.Context, ec ExecutionContext, targetRef string, inputs map[string]interface{}) (map[string]interface{}, error) {
			return map[string]interface{}{"account": "acct-1"}, nil
		},
	}
	d, err := NewEmbeddedDispatcher(inv, AllowAll{}, nil, zap.NewNop())
	require.NoError(t, err)

	result, err := d.Submit(context.Background(), sub("inst-1", "register", 1), ModeAwait)
	require.NoError(t, err)
	assert.Equal(t, process.StepCompleted, result.Status)
	assert.Equal(t, "acct-1", result.Outputs["account"])
	assert.Equal(t, 1, inv.callCount())
}

func TestSubmitAwaitFailure(t *testing.T) {
	inv := &mockInvoker{
		fn: func(ctx context.Context, ec ExecutionContext, targetRef string, inputs map[string]interface{}) (map[string]interface{}, error) {
			return nil, sdkerrors.NewTargetExecutionError("execution", "boom", targetRef, nil)
		},
	}
	d, err := NewEmbeddedDispatcher(inv, AllowAll{}, nil, zap.NewNop())
	require.NoError(t, err)

	_, err = d.Submit(context.Background(), sub("inst-1", "register", 1), ModeAwait)
	var execErr *sdkerrors.TargetExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, "execution", execErr.Kind)
}

func TestSubmitDenied(t *testing.T) {
	inv := &mockInvoker{}
	d, err := NewEmbeddedDispatcher(inv, denyAll{}, nil, zap.NewNop())
	require.NoError(t, err)

	_, err = d.Submit(context.Background(), sub("inst-1", "register", 1), ModeAwait)
	assert.True(t, sdkerrors.IsAuthorization(err))

	// The target is never invoked on a denial.
	assert.Zero(t, inv.callCount())

	// Detached submissions are denied synchronously too.
	sink := func(Completion) {}
	d, err = NewEmbeddedDispatcher(inv, denyAll{}, sink, zap.NewNop())
	require.NoError(t, err)
	_, err = d.Submit(context.Background(), sub("inst-1", "register", 1), ModeDetach)
	assert.True(t, sdkerrors.IsAuthorization(err))
	assert.Zero(t, inv.callCount())
}

func TestSubmitAwaitTimeout(t *testing.T) {
	inv := &mockInvoker{blockFor: time.Second}
	d, err := NewEmbeddedDispatcher(inv, AllowAll{}, nil, zap.NewNop())
	require.NoError(t, err)

	s := sub("inst-1", "register", 2)
	s.Timeout = 20 * time.Millisecond

	_, err = d.Submit(context.Background(), s, ModeAwait)
	var timeoutErr *sdkerrors.TimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	assert.Equal(t, "inst-1", timeoutErr.InstanceID)
	assert.Equal(t, "register", timeoutErr.StepName)
	assert.Equal(t, 2, timeoutErr.Attempt)
}

func TestSubmitAwaitCallerCancel(t *testing.T) {
	inv := &mockInvoker{blockFor: time.Second}
	d, err := NewEmbeddedDispatcher(inv, AllowAll{}, nil, zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err = d.Submit(ctx, sub("inst-1", "register", 1), ModeAwait)
	require.Error(t, err)

	// Caller cancellation is not reported as a timeout.
	assert.False(t, sdkerrors.IsTimeout(err))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSubmitDetach(t *testing.T) {
	inv := &mockInvoker{
		fn: func(ctx context.Context, ec ExecutionContext, targetRef string, inputs map[string]interface{}) (map[string]interface{}, error) {
			return map[string]interface{}{"delivered": true}, nil
		},
	}

	completions := make(chan Completion, 1)
	sink := func(c Completion) { completions <- c }

	d, err := NewEmbeddedDispatcher(inv, AllowAll{}, sink, zap.NewNop())
	require.NoError(t, err)

	result, err := d.Submit(context.Background(), sub("inst-1", "notify", 1), ModeDetach)
	require.NoError(t, err)
	assert.Equal(t, process.StepAsyncDispatched, result.Status)
	assert.Nil(t, result.Outputs)

	select {
	case c := <-completions:
		assert.Equal(t, "inst-1", c.InstanceID)
		assert.Equal(t, "notify", c.StepName)
		assert.Equal(t, 1, c.Attempt)
		assert.NoError(t, c.Err)
		assert.Equal(t, true, c.Outputs["delivered"])
		assert.False(t, c.CompletedAt.IsZero())
	case <-time.After(time.Second):
		t.Fatal("detached completion never arrived")
	}
}

func TestSubmitDetachFailure(t *testing.T) {
	inv := &mockInvoker{
		fn: func(ctx context.Context, ec ExecutionContext, targetRef string, inputs map[string]interface{}) (map[string]interface{}, error) {
			return nil, errors.New("smtp unavailable")
		},
	}

	completions := make(chan Completion, 1)
	d, err := NewEmbeddedDispatcher(inv, AllowAll{}, func(c Completion) { completions <- c }, zap.NewNop())
	require.NoError(t, err)

	_, err = d.Submit(context.Background(), sub("inst-1", "notify", 1), ModeDetach)
	require.NoError(t, err)

	select {
	case c := <-completions:
		assert.Error(t, c.Err)
	case <-time.After(time.Second):
		t.Fatal("detached completion never arrived")
	}
}

func TestSubmitDetachOutlivesCaller(t *testing.T) {
	// A detached step keeps running after the submitting context dies.
	inv := &mockInvoker{blockFor: 50 * time.Millisecond}

	completions := make(chan Completion, 1)
	d, err := NewEmbeddedDispatcher(inv, AllowAll{}, func(c Completion) { completions <- c }, zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	_, err = d.Submit(ctx, sub("inst-1", "notify", 1), ModeDetach)
	require.NoError(t, err)
	cancel()

	select {
	case c := <-completions:
		assert.NoError(t, c.Err)
	case <-time.After(time.Second):
		t.Fatal("detached completion never arrived")
	}
}

func TestSubmitDetachWithoutSink(t *testing.T) {
	d, err := NewEmbeddedDispatcher(&mockInvoker{}, AllowAll{}, nil, zap.NewNop())
	require.NoError(t, err)

	_, err = d.Submit(context.Background(), sub("inst-1", "notify", 1), ModeDetach)
	assert.Error(t, err)
}

func TestSubmitUnknownMode(t *testing.T) {
	d, err := NewEmbeddedDispatcher(&mockInvoker{}, AllowAll{}, nil, zap.NewNop())
	require.NoError(t, err)

	_, err = d.Submit(context.Background(), sub("inst-1", "x", 1), Mode("stream"))
	assert.Error(t, err)
}
