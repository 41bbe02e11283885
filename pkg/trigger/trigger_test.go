package trigger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/definition"
)

// mockStarter records triggered starts and can be scripted to fail per
// definition reference.
type mockStarter struct {
	mu      sync.Mutex
	starts  []startCall
	failFor map[string]error
	nextID  int
}

type startCall struct {
	ref         string
	inputs      map[string]interface{}
	initiator   string
	triggeredBy string
}

func (m *mockStarter) StartTriggered(ctx context.Context, definitionRef string,
	inputs map[string]interface{}, initiator, triggeredBy string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err, ok := m.failFor[definitionRef]; ok {
		return "", err
	}
	m.nextID++
	m.starts = append(m.starts, startCall{
		ref:         definitionRef,
		inputs:      inputs,
		initiator:   initiator,
		triggeredBy: triggeredBy,
	})
	return fmt.Sprintf("inst-%d", m.nextID), nil
}

func (m *mockStarter) calls() []startCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]startCall, len(m.starts))
	copy(out, m.starts)
	return out
}

func eventDef(ref, event string) *definition.ProcessDefinition {
	return &definition.ProcessDefinition{
		Ref: ref,
		Triggers: []definition.TriggerSpec{
			{Kind: definition.TriggerEvent, Event: event},
		},
	}
}

func TestNewRegistryValidation(t *testing.T) {
	_, err := NewRegistry(nil, zap.NewNop())
	assert.Error(t, err)

	_, err = NewRegistry(&mockStarter{}, nil)
	assert.Error(t, err)

	_, err = NewRegistry(&mockStarter{}, zap.NewNop())
	assert.NoError(t, err)
}

func TestProvenanceStrings(t *testing.T) {
	assert.Equal(t, "manual:alice", ManualProvenance("alice"))
	assert.Equal(t, "event:customer.signup", EventProvenance("customer.signup"))
	assert.Equal(t, "schedule:0 9 * * *", ScheduleProvenance("0 9 * * *"))
}

func TestFireEventFanOut(t *testing.T) {
	starter := &mockStarter{}
	r, err := NewRegistry(starter, zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, r.Bind(eventDef("crm/onboard", "customer.signup")))
	require.NoError(t, r.Bind(eventDef("mail/welcome", "customer.signup")))
	require.NoError(t, r.Bind(eventDef("billing/close", "customer.churn")))

	payload := map[string]interface{}{"customer_id": "c-1042"}
	ids, err := r.FireEvent(context.Background(), "customer.signup", payload)
	require.NoError(t, err)
	assert.Len(t, ids, 2)

	calls := starter.calls()
	require.Len(t, calls, 2)

	// Subscribers fire in bind order with event provenance and payload.
	assert.Equal(t, "crm/onboard", calls[0].ref)
	assert.Equal(t, "mail/welcome", calls[1].ref)
	for _, call := range calls {
		assert.Equal(t, "event", call.initiator)
		assert.Equal(t, "event:customer.signup", call.triggeredBy)
		assert.Equal(t, payload, call.inputs)
	}
}

func TestFireEventWithoutSubscribers(t *testing.T) {
	r, err := NewRegistry(&mockStarter{}, zap.NewNop())
	require.NoError(t, err)

	ids, err := r.FireEvent(context.Background(), "unknown.event", nil)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestFireEventContinuesPastFailures(t *testing.T) {
	starter := &mockStarter{
		failFor: map[string]error{"crm/onboard": errors.New("definition disabled")},
	}
	r, err := NewRegistry(starter, zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, r.Bind(eventDef("crm/onboard", "customer.signup")))
	require.NoError(t, r.Bind(eventDef("mail/welcome", "customer.signup")))

	ids, err := r.FireEvent(context.Background(), "customer.signup", nil)

	// The healthy subscriber still started; the failure is reported.
	require.Len(t, ids, 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "crm/onboard")
}

func TestBindValidatesAllOrNothing(t *testing.T) {
	r, err := NewRegistry(&mockStarter{}, zap.NewNop())
	require.NoError(t, err)

	// One valid event trigger plus one invalid schedule: nothing binds.
	def := &definition.ProcessDefinition{
		Ref: "crm/onboard",
		Triggers: []definition.TriggerSpec{
			{Kind: definition.TriggerEvent, Event: "customer.signup"},
			{Kind: definition.TriggerSchedule, Schedule: "whenever"},
		},
	}
	assert.Error(t, r.Bind(def))
	assert.Empty(t, r.Subscribers("customer.signup"))

	// Missing event name.
	assert.Error(t, r.Bind(&definition.ProcessDefinition{
		Ref:      "x",
		Triggers: []definition.TriggerSpec{{Kind: definition.TriggerEvent}},
	}))

	// Unknown trigger kind.
	assert.Error(t, r.Bind(&definition.ProcessDefinition{
		Ref:      "x",
		Triggers: []definition.TriggerSpec{{Kind: "webhook"}},
	}))

	assert.Error(t, r.Bind(nil))
}

func TestBindManualAndScheduleTriggers(t *testing.T) {
	r, err := NewRegistry(&mockStarter{}, zap.NewNop())
	require.NoError(t, err)

	def := &definition.ProcessDefinition{
		Ref: "reports/daily",
		Triggers: []definition.TriggerSpec{
			{Kind: definition.TriggerManual},
			{Kind: definition.TriggerSchedule, Schedule: "0 9 * * *"},
		},
	}
	require.NoError(t, r.Bind(def))

	// Manual triggers leave no event subscription behind.
	assert.Empty(t, r.Subscribers(""))
	assert.Len(t, r.schedules["reports/daily"], 1)
}

func TestBindIsIdempotentPerEvent(t *testing.T) {
	r, err := NewRegistry(&mockStarter{}, zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, r.Bind(eventDef("crm/onboard", "customer.signup")))
	require.NoError(t, r.Bind(eventDef("crm/onboard", "customer.signup")))

	assert.Equal(t, []string{"crm/onboard"}, r.Subscribers("customer.signup"))
}

func TestUnbind(t *testing.T) {
	r, err := NewRegistry(&mockStarter{}, zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, r.Bind(eventDef("crm/onboard", "customer.signup")))
	require.NoError(t, r.Bind(eventDef("mail/welcome", "customer.signup")))
	require.NoError(t, r.Bind(&definition.ProcessDefinition{
		Ref: "crm/onboard",
		Triggers: []definition.TriggerSpec{
			{Kind: definition.TriggerSchedule, Schedule: "@hourly"},
		},
	}))

	r.Unbind("crm/onboard")

	assert.Equal(t, []string{"mail/welcome"}, r.Subscribers("customer.signup"))
	assert.Empty(t, r.schedules["crm/onboard"])

	ids, err := r.FireEvent(context.Background(), "customer.signup", nil)
	require.NoError(t, err)
	assert.Len(t, ids, 1)
}

func TestStartStop(t *testing.T) {
	r, err := NewRegistry(&mockStarter{}, zap.NewNop())
	require.NoError(t, err)

	r.Start()
	r.Stop(context.Background())
}
