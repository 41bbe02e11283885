package definition

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wehubfusion/Daedalus/pkg/retry"
	"github.com/wehubfusion/Daedalus/pkg/variables"
)

const onboardJSON = `{
	"ref": "crm/onboard_customer",
	"name": "Customer Onboarding",
	"displayName": "Onboarding {{customer_id}}",
	"parameters": ["customer_id", "tier"],
	"timeout": "10m",
	"triggers": [
		{"kind": "manual"},
		{"kind": "event", "event": "customer.signup"},
		{"kind": "schedule", "schedule": "0 9 * * *"}
	],
	"nodes": [
		{
			"type": "step",
			"step": {
				"name": "register",
				"target": "crm/register",
				"retryCount": 2,
				"retryDelay": "5s",
				"backoff": "exponential",
				"maxRetryDelay": "1m",
				"timeout": "30s",
				"inputMapping": {"customer_id": "customer_id"},
				"outputMapping": {"account_id": "account", "api_key": "api_key"},
				"outputVisibility": {"api_key": "sensitive"},
				"captureIO": true
			}
		},
		{
			"type": "parallel",
			"name": "provision",
			"members": [
				{"name": "storage", "target": "infra/storage", "inputMapping": {"account": "account"}},
				{"name": "compute", "target": "infra/compute", "onError": "skip"}
			]
		},
		{
			"type": "step",
			"step": {
				"name": "notify",
				"target": "mail/notify",
				"condition": "tier == \"premium\"",
				"fireAndForget": true
			}
		}
	]
}`

func TestParse(t *testing.T) {
	def, err := Parse([]byte(onboardJSON))
	require.NoError(t, err)

	assert.Equal(t, "crm/onboard_customer", def.Ref)
	assert.Equal(t, "Customer Onboarding", def.Name)
	assert.Equal(t, []string{"customer_id", "tier"}, def.Parameters)
	assert.Equal(t, 10*time.Minute, def.Timeout)
	require.Len(t, def.Triggers, 3)
	assert.Equal(t, TriggerEvent, def.Triggers[1].Kind)
	assert.Equal(t, "customer.signup", def.Triggers[1].Event)
	assert.Equal(t, "0 9 * * *", def.Triggers[2].Schedule)

	require.Len(t, def.Nodes, 3)

	register, ok := def.Nodes[0].(*Step)
	require.True(t, ok)
	assert.Equal(t, 2, register.RetryCount)
	assert.Equal(t, 5*time.Second, register.RetryDelay)
	assert.Equal(t, retry.BackoffExponential, register.Backoff)
	assert.Equal(t, time.Minute, register.MaxRetryDelay)
	assert.Equal(t, 30*time.Second, register.Timeout)
	assert.True(t, register.CaptureIO)
	assert.Equal(t, variables.VisibilitySensitive, register.OutputVisibility["api_key"])

	group, ok := def.Nodes[1].(*ParallelGroup)
	require.True(t, ok)
	assert.Equal(t, "provision", group.Name)
	require.Len(t, group.Members, 2)
	assert.Equal(t, OnErrorSkip, group.Members[1].OnError)

	notify, ok := def.Nodes[2].(*Step)
	require.True(t, ok)
	assert.True(t, notify.FireAndForget)
	assert.Equal(t, `tier == "premium"`, notify.Condition)
}

func TestParseCompilesCleanly(t *testing.T) {
	def, err := Parse([]byte(onboardJSON))
	require.NoError(t, err)

	_, err = NewCompiler(stubValidator{}).Compile(def)
	assert.NoError(t, err)
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		json string
	}{
		{"invalid json", `{`},
		{"unknown node type", `{"ref":"x","nodes":[{"type":"loop","name":"l"}]}`},
		{"step node without body", `{"ref":"x","nodes":[{"type":"step","name":"a"}]}`},
		{"bad duration", `{"ref":"x","nodes":[{"type":"step","step":{"name":"a","target":"t","timeout":"soon"}}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.json))
			assert.Error(t, err)
		})
	}
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()

	first := `{"ref":"a/first","nodes":[{"type":"step","step":{"name":"s","target":"t"}}]}`
	second := `{"ref":"b/second","nodes":[{"type":"step","step":{"name":"s","target":"t"}}]}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.json"), []byte(second), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.json"), []byte(first), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644))

	defs, err := LoadDir(dir)
	require.NoError(t, err)
	require.Len(t, defs, 2)

	// Name order so loading is deterministic.
	assert.Equal(t, "a/first", defs[0].Ref)
	assert.Equal(t, "b/second", defs[1].Ref)
}

func TestLoadDirMissing(t *testing.T) {
	_, err := LoadDir(filepath.Join(t.TempDir(), "absent"))
	assert.Error(t, err)
}

// stubValidator accepts every expression and reports no variables, keeping
// loader tests independent of the expression runtime.
type stubValidator struct{}

func (stubValidator) Validate(expr string) ([]string, error) { return nil, nil }
