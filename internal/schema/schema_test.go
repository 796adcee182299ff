package schema

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompileEmpty(t *testing.T) {
	for _, raw := range []string{"", "null", "{}", "  "} {
		v, err := Compile(json.RawMessage(raw))
		require.NoError(t, err)
		assert.Nil(t, v)
		assert.NoError(t, v.Validate(map[string]any{"anything": 1}))
	}
}

func TestCompileRejectsNonObject(t *testing.T) {
	_, err := Compile(json.RawMessage(`[1,2]`))
	assert.Error(t, err)
}

func TestRequiredField(t *testing.T) {
	v, err := Compile(json.RawMessage(`{"required": ["msg"]}`))
	require.NoError(t, err)

	assert.NoError(t, v.Validate(map[string]any{"msg": "hi"}))

	err = v.Validate(map[string]any{})
	require.Error(t, err)
	assert.True(t, IsValidationError(err))
	assert.Contains(t, err.Error(), "msg")
}

func TestTypedProperties(t *testing.T) {
	v := mustCompile(t, json.RawMessage(`{
		"$schema": "http://json-schema.org/draft-07/schema#",
		"type": "object",
		"properties": {
			"data": {"type": "array", "items": {"type": "number"}},
			"alpha": {"type": "number", "minimum": 0, "maximum": 1}
		},
		"required": ["data"]
	}`))

	assert.NoError(t, v.Validate(map[string]any{"data": []any{1.0, 2.5}, "alpha": 0.05}))
	assert.Error(t, v.Validate(map[string]any{"data": []any{"x"}}))
	assert.Error(t, v.Validate(map[string]any{"data": []any{1.0}, "alpha": 3.0}))
	assert.Error(t, v.Validate("not an object"))
}

func TestValidateTypedGoValues(t *testing.T) {
	v := mustCompile(t, json.RawMessage(`{"type": "object", "required": ["n"], "properties": {"n": {"type": "integer"}}}`))

	type payload struct {
		N int `json:"n"`
	}
	assert.NoError(t, v.Validate(payload{N: 3}))
	assert.NoError(t, v.Validate(map[string]int{"n": 3}))
}

func TestValidateUnserializable(t *testing.T) {
	v := mustCompile(t, json.RawMessage(`{"type": "object"}`))
	err := v.Validate(map[string]any{"f": func() {}})
	require.Error(t, err)
	assert.True(t, IsValidationError(err))
}

func TestNormalize(t *testing.T) {
	out, err := Normalize(struct {
		A int      `json:"a"`
		B []string `json:"b"`
	}{A: 1, B: []string{"x"}})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": 1.0, "b": []any{"x"}}, out)
}

func TestValidateNestedStructs(t *testing.T) {
	v := mustCompile(t, json.RawMessage(`{
		"type": "object",
		"properties": {
			"entry": {
				"type": "object",
				"required": ["category"],
				"properties": {"category": {"type": "string"}}
			},
			"items": {"type": "array", "items": {"type": "object", "required": ["n"]}}
		}
	}`))

	type entry struct {
		Category string `json:"category"`
	}
	type item struct {
		N int `json:"n"`
	}
	assert.NoError(t, v.Validate(map[string]any{
		"entry": entry{Category: "file_operations"},
		"items": []any{item{N: 1}},
	}))
	assert.Error(t, v.Validate(map[string]any{"entry": struct{}{}}))
}

func mustCompile(t *testing.T, raw json.RawMessage) *Validator {
	t.Helper()
	v, err := Compile(raw)
	require.NoError(t, err)
	return v
}
