package definition

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sdkerrors "github.com/wehubfusion/Daedalus/pkg/errors"
)

func TestRegistryRegisterAndGet(t *testing.T) {
	r := NewRegistry(newTestCompiler())

	def := &ProcessDefinition{
		Ref:   "crm/onboard",
		Nodes: []StepNode{step("a", "t/a")},
	}
	graph, err := r.Register(def)
	require.NoError(t, err)
	assert.Equal(t, "a", graph.Entry)

	got, err := r.Get("crm/onboard")
	require.NoError(t, err)
	assert.Same(t, graph, got)

	assert.Equal(t, []string{"crm/onboard"}, r.Refs())
	require.Len(t, r.Definitions(), 1)
}

func TestRegistryGetUnknown(t *testing.T) {
	r := NewRegistry(newTestCompiler())
	_, err := r.Get("absent")
	assert.ErrorIs(t, err, sdkerrors.ErrDefinitionNotFound)
}

func TestRegistryFailedCompileLeavesNoTrace(t *testing.T) {
	r := NewRegistry(newTestCompiler())

	bad := &ProcessDefinition{
		Ref:   "crm/bad",
		Nodes: []StepNode{step("a", "")},
	}
	_, err := r.Register(bad)
	require.Error(t, err)

	_, err = r.Get("crm/bad")
	assert.ErrorIs(t, err, sdkerrors.ErrDefinitionNotFound)
	assert.Empty(t, r.Refs())
}

func TestRegistryReplace(t *testing.T) {
	r := NewRegistry(newTestCompiler())

	_, err := r.Register(&ProcessDefinition{
		Ref:   "crm/onboard",
		Nodes: []StepNode{step("a", "t/a")},
	})
	require.NoError(t, err)

	_, err = r.Register(&ProcessDefinition{
		Ref:   "crm/onboard",
		Nodes: []StepNode{step("b", "t/b")},
	})
	require.NoError(t, err)

	graph, err := r.Get("crm/onboard")
	require.NoError(t, err)
	assert.Equal(t, "b", graph.Entry)
	assert.Len(t, r.Refs(), 1)
}
