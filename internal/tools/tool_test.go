package tools

import (
	"context"
	"encoding/json"
	"testing"

	jsonschema "github.com/swaggest/jsonschema-go"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubTool struct {
	name string
}

func (s stubTool) Name() string               { return s.name }
func (s stubTool) Description() string        { return "stub" }
func (s stubTool) Schema() *jsonschema.Schema { return mustSchema(struct{}{}) }
func (s stubTool) Execute(context.Context, json.RawMessage, ProgressFunc) (any, error) {
	return map[string]string{"ok": "yes"}, nil
}

func TestRegistryRegisterAndLookup(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(stubTool{name: "beta"}))
	require.NoError(t, r.Register(stubTool{name: "alpha"}))

	assert.True(t, r.Has("alpha"))
	assert.False(t, r.Has("gamma"))

	_, ok := r.Get("beta")
	assert.True(t, ok)

	// List is sorted by name.
	list := r.List()
	require.Len(t, list, 2)
	assert.Equal(t, "alpha", list[0].Name())
	assert.Equal(t, "beta", list[1].Name())
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(stubTool{name: "dup"}))
	assert.Error(t, r.Register(stubTool{name: "dup"}))
	assert.Error(t, r.Register(stubTool{name: ""}))
}

func TestRegistryChatTools(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(NewFAQLookupTool(nil)))
	require.NoError(t, r.Register(NewOrderLookupTool(nil)))

	defs := r.ChatTools()
	require.Len(t, defs, 2)
	for _, def := range defs {
		assert.Equal(t, "function", def.Type)
		assert.NotEmpty(t, def.Function.Name)
		assert.NotEmpty(t, def.Function.Description)
		require.NotNil(t, def.Function.Parameters)
	}
}
