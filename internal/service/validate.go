package service

import (
	"bytes"
	"encoding/json"
	"fmt"

	v1 "taskorch/pkg/api/v1"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const resultReportSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["status", "tokens"],
  "properties": {
    "status": {"enum": ["completed", "failed"]},
    "result": {
      "type": "object",
      "properties": {"schema_version": {"type": "integer", "minimum": 1}}
    },
    "error": {"type": "string"},
    "failure_reason": {
      "enum": ["", "max_retries_exceeded", "expired", "invalid_request", "context_exceeded", "scheduling_timeout"]
    },
    "tokens": {
      "type": "object",
      "required": ["input", "output", "thinking"],
      "properties": {
        "input": {"type": "integer", "minimum": 0},
        "output": {"type": "integer", "minimum": 0},
        "thinking": {"type": "integer", "minimum": 0}
      }
    },
    "duration_seconds": {"type": "number", "minimum": 0},
    "prompt_version": {"type": "string", "maxLength": 32}
  },
  "if": {"properties": {"status": {"const": "failed"}}},
  "then": {"required": ["error"], "properties": {"error": {"minLength": 1}}}
}`

// ResultValidator checks executor reports against the result JSON schema.
type ResultValidator struct {
	schema *jsonschema.Schema
}

func NewResultValidator() (*ResultValidator, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader([]byte(resultReportSchema)))
	if err != nil {
		return nil, fmt.Errorf("unmarshal result schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("result.json", doc); err != nil {
		return nil, fmt.Errorf("add result schema: %w", err)
	}
	schema, err := c.Compile("result.json")
	if err != nil {
		return nil, fmt.Errorf("compile result schema: %w", err)
	}
	return &ResultValidator{schema: schema}, nil
}

// MustResultValidator panics if the embedded schema does not compile.
func MustResultValidator() *ResultValidator {
	v, err := NewResultValidator()
	if err != nil {
		panic(err)
	}
	return v
}

func (v *ResultValidator) Validate(report v1.ResultReport) error {
	b, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidResult, err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(b))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidResult, err)
	}
	if err := v.schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidResult, err)
	}
	return nil
}
