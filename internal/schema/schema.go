// Package schema validates JSON values against declared JSON Schema definitions.
package schema

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"
)

// Validator is a compiled schema. A nil Validator accepts every value.
type Validator struct {
	resolved *jsonschema.Resolved
}

// ValidationError reports a value that does not conform to its schema.
type ValidationError struct {
	Err error
}

func (e *ValidationError) Error() string {
	return e.Err.Error()
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// IsValidationError checks if an error is a schema violation.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// Compile parses and resolves a schema. Empty input yields a nil Validator.
func Compile(raw json.RawMessage) (*Validator, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) || bytes.Equal(raw, []byte("{}")) {
		return nil, nil
	}

	// The draft marker is informational here; the validator speaks 2020-12.
	var generic map[string]any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("schema must be a JSON object: %w", err)
	}
	delete(generic, "$schema")
	cleaned, err := json.Marshal(generic)
	if err != nil {
		return nil, err
	}

	var s jsonschema.Schema
	if err := json.Unmarshal(cleaned, &s); err != nil {
		return nil, fmt.Errorf("invalid schema: %w", err)
	}
	resolved, err := s.Resolve(nil)
	if err != nil {
		return nil, fmt.Errorf("invalid schema: %w", err)
	}
	return &Validator{resolved: resolved}, nil
}

// Validate checks value against the schema. The value is normalized through
// encoding/json first so typed Go values and decoded JSON behave the same.
func (v *Validator) Validate(value any) error {
	if v == nil {
		return nil
	}
	normalized, err := Normalize(value)
	if err != nil {
		return &ValidationError{Err: fmt.Errorf("value is not JSON-serializable: %w", err)}
	}
	if err := v.resolved.Validate(normalized); err != nil {
		return &ValidationError{Err: err}
	}
	return nil
}

// Normalize converts an arbitrary Go value into its generic JSON form
// (map[string]any, []any, float64, string, bool, nil). Maps and slices are
// round-tripped too since they may hold typed values at any depth.
func Normalize(value any) (any, error) {
	switch value.(type) {
	case nil, string, bool, float64:
		return value, nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
