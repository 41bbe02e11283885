package condition

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEval(t *testing.T) {
	e := NewEvaluator()

	tests := []struct {
		name string
		expr string
		vars map[string]interface{}
		want bool
	}{
		{
			name: "string equality",
			expr: `tier == "premium"`,
			vars: map[string]interface{}{"tier": "premium"},
			want: true,
		},
		{
			name: "numeric comparison",
			expr: `amount > 100`,
			vars: map[string]interface{}{"amount": 250},
			want: true,
		},
		{
			name: "boolean and",
			expr: `approved && amount < 1000`,
			vars: map[string]interface{}{"approved": true, "amount": 500},
			want: true,
		},
		{
			name: "false branch",
			expr: `tier == "premium"`,
			vars: map[string]interface{}{"tier": "basic"},
			want: false,
		},
		{
			name: "truthy non-boolean result",
			expr: `name`,
			vars: map[string]interface{}{"name": "alice"},
			want: true,
		},
		{
			name: "falsy empty string",
			expr: `name`,
			vars: map[string]interface{}{"name": ""},
			want: false,
		},
		{
			name: "undefined variable is falsy",
			expr: `typeof missing !== "undefined" && missing > 0`,
			vars: map[string]interface{}{},
			want: false,
		},
		{
			name: "math global allowed",
			expr: `Math.max(a, b) === 7`,
			vars: map[string]interface{}{"a": 3, "b": 7},
			want: true,
		},
		{
			name: "nested object access",
			expr: `customer.region === "eu"`,
			vars: map[string]interface{}{
				"customer": map[string]interface{}{"region": "eu"},
			},
			want: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.Eval(tt.expr, tt.vars)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEvalInvalidExpression(t *testing.T) {
	e := NewEvaluator()
	_, err := e.Eval(`tier ==`, nil)
	assert.Error(t, err)
}

func TestEvalSandboxRemovedGlobals(t *testing.T) {
	e := NewEvaluator()

	// eval and Function must not be reachable.
	got, err := e.Eval(`typeof eval === "undefined"`, nil)
	require.NoError(t, err)
	assert.True(t, got)

	got, err = e.Eval(`typeof Function === "undefined"`, nil)
	require.NoError(t, err)
	assert.True(t, got)
}

func TestEvalTimeout(t *testing.T) {
	e := NewEvaluatorWithTimeout(50 * time.Millisecond)
	_, err := e.Eval(`(function(){ while(true){} })()`, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
}

func TestValidate(t *testing.T) {
	e := NewEvaluator()

	names, err := e.Validate(`tier == "premium" && amount > threshold`)
	require.NoError(t, err)
	assert.Equal(t, []string{"tier", "amount", "threshold"}, names)

	_, err = e.Validate(`   `)
	assert.Error(t, err)

	_, err = e.Validate(`a &&`)
	assert.Error(t, err)
}

func TestValidateIgnoresNonVariables(t *testing.T) {
	e := NewEvaluator()

	tests := []struct {
		name string
		expr string
		want []string
	}{
		{
			name: "property access not counted",
			expr: `customer.region === "eu"`,
			want: []string{"customer"},
		},
		{
			name: "string literal contents ignored",
			expr: `status == "pending approval"`,
			want: []string{"status"},
		},
		{
			name: "globals and keywords ignored",
			expr: `Math.abs(delta) < 5 && !isNaN(delta) && true`,
			want: []string{"delta"},
		},
		{
			name: "duplicates deduplicated in first-appearance order",
			expr: `a > 0 && b > a && a < b`,
			want: []string{"a", "b"},
		},
		{
			name: "block comment ignored",
			expr: `amount > 100 /* check balance */`,
			want: []string{"amount"},
		},
		{
			name: "line comment ignored",
			expr: "approved // reviewed by finance",
			want: []string{"approved"},
		},
		{
			name: "object literal keys ignored",
			expr: `JSON.stringify({tier: level}) !== ""`,
			want: []string{"level"},
		},
		{
			name: "arrow function parameters not counted",
			expr: `items.some(i => i.amount > limit)`,
			want: []string{"items", "limit"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			names, err := e.Validate(tt.expr)
			require.NoError(t, err)
			assert.Equal(t, tt.want, names)
		})
	}
}

func TestCompileCache(t *testing.T) {
	e := NewEvaluator()
	expr := `x > 1`

	_, err := e.Eval(expr, map[string]interface{}{"x": 2})
	require.NoError(t, err)

	e.mu.RLock()
	_, cached := e.cache[expr]
	e.mu.RUnlock()
	assert.True(t, cached)
}
