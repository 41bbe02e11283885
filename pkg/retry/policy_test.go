package retry

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	sdkerrors "github.com/wehubfusion/Daedalus/pkg/errors"
)

func TestDecide(t *testing.T) {
	execErr := sdkerrors.NewTargetExecutionError("execution", "boom", "crm/register", nil)

	tests := []struct {
		name      string
		policy    Policy
		attempt   int
		err       error
		wantRetry bool
		wantAfter time.Duration
	}{
		{
			name:      "no retries configured gives up after first attempt",
			policy:    Policy{MaxRetries: 0, Delay: time.Second},
			attempt:   1,
			err:       execErr,
			wantRetry: false,
		},
		{
			name:      "retries remain",
			policy:    Policy{MaxRetries: 3, Delay: 2 * time.Second},
			attempt:   1,
			err:       execErr,
			wantRetry: true,
			wantAfter: 2 * time.Second,
		},
		{
			name:      "last retry allowed",
			policy:    Policy{MaxRetries: 3, Delay: time.Second},
			attempt:   3,
			err:       execErr,
			wantRetry: true,
			wantAfter: time.Second,
		},
		{
			name:      "budget exhausted",
			policy:    Policy{MaxRetries: 3, Delay: time.Second},
			attempt:   4,
			err:       execErr,
			wantRetry: false,
		},
		{
			name:      "fixed backoff does not grow",
			policy:    Policy{MaxRetries: 5, Delay: time.Second, Backoff: BackoffFixed},
			attempt:   4,
			err:       execErr,
			wantRetry: true,
			wantAfter: time.Second,
		},
		{
			name:      "exponential backoff doubles per attempt",
			policy:    Policy{MaxRetries: 5, Delay: time.Second, Backoff: BackoffExponential},
			attempt:   3,
			err:       execErr,
			wantRetry: true,
			wantAfter: 4 * time.Second,
		},
		{
			name:      "exponential backoff capped at max delay",
			policy:    Policy{MaxRetries: 10, Delay: time.Second, Backoff: BackoffExponential, MaxDelay: 5 * time.Second},
			attempt:   5,
			err:       execErr,
			wantRetry: true,
			wantAfter: 5 * time.Second,
		},
		{
			name:      "authorization denial never retries",
			policy:    Policy{MaxRetries: 10, Delay: time.Second},
			attempt:   1,
			err:       sdkerrors.NewAuthorizationError("svc", "crm/register", "invoke"),
			wantRetry: false,
		},
		{
			name:      "definition error never retries",
			policy:    Policy{MaxRetries: 10, Delay: time.Second},
			attempt:   1,
			err:       sdkerrors.NewDefinitionError("crm/onboard", "register", "bad target", nil),
			wantRetry: false,
		},
		{
			name:      "timeout is retryable",
			policy:    Policy{MaxRetries: 2, Delay: time.Second},
			attempt:   1,
			err:       sdkerrors.NewTimeoutError("crm/register", "inst-1", "register", "5s", 1),
			wantRetry: true,
			wantAfter: time.Second,
		},
		{
			name:      "dispatch error is retryable",
			policy:    Policy{MaxRetries: 2, Delay: 500 * time.Millisecond},
			attempt:   2,
			err:       sdkerrors.NewDispatchError("publish", "broker down", errors.New("conn refused")),
			wantRetry: true,
			wantAfter: 500 * time.Millisecond,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Decide(tt.policy, tt.attempt, tt.err)
			assert.Equal(t, tt.wantRetry, d.Retry)
			if tt.wantRetry {
				assert.Equal(t, tt.wantAfter, d.After)
			}
		})
	}
}

func TestDecideWrappedUnretryable(t *testing.T) {
	// A wrapped authorization error still gives up.
	wrapped := sdkerrors.NewDispatchError("publish", "denied upstream",
		sdkerrors.NewAuthorizationError("svc", "crm/register", "invoke"))
	d := Decide(Policy{MaxRetries: 5, Delay: time.Second}, 1, wrapped)
	assert.False(t, d.Retry)
}
