package tool

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"regexp"
)

// Validator checks tool parameters against a schema before execution.
type Validator interface {
	Validate(params map[string]any, schema *JSONSchema) error
}

// SchemaValidator implements the JSON Schema subset declared in JSONSchema:
// required fields, primitive types, nested objects/arrays, enum, pattern and
// numeric bounds.
type SchemaValidator struct{}

// Validate ensures params satisfy the provided schema. A nil schema accepts
// anything.
func (v SchemaValidator) Validate(params map[string]any, schema *JSONSchema) error {
	if schema == nil {
		return nil
	}
	if params == nil {
		params = map[string]any{}
	}
	return v.validate(params, schema, "")
}

func (v SchemaValidator) validate(value any, schema *JSONSchema, path string) error {
	if schema == nil {
		return nil
	}

	typ := schema.Type
	if typ == "" {
		switch {
		case schema.Items != nil:
			typ = "array"
		case len(schema.Properties) > 0 || len(schema.Required) > 0:
			typ = "object"
		}
	}

	if typ != "" {
		if err := checkType(value, typ); err != nil {
			return fieldErr(path, err)
		}
	}

	if len(schema.Enum) > 0 && !inEnum(value, schema.Enum) {
		return fieldErr(path, fmt.Errorf("expected one of %v but got %v", schema.Enum, value))
	}

	if schema.Pattern != "" {
		str, ok := value.(string)
		if !ok {
			return fieldErr(path, fmt.Errorf("expected string but got %T", value))
		}
		re, err := regexp.Compile(schema.Pattern)
		if err != nil {
			return fieldErr(path, fmt.Errorf("invalid pattern %q: %w", schema.Pattern, err))
		}
		if !re.MatchString(str) {
			return fieldErr(path, fmt.Errorf("string %q does not match pattern %q", str, schema.Pattern))
		}
	}

	if schema.Minimum != nil || schema.Maximum != nil {
		num, ok := toFloat64(value)
		if !ok {
			return fieldErr(path, fmt.Errorf("expected number but got %T", value))
		}
		if schema.Minimum != nil && num < *schema.Minimum {
			return fieldErr(path, fmt.Errorf("value %v is less than minimum %v", num, *schema.Minimum))
		}
		if schema.Maximum != nil && num > *schema.Maximum {
			return fieldErr(path, fmt.Errorf("value %v exceeds maximum %v", num, *schema.Maximum))
		}
	}

	switch typ {
	case "object":
		obj, ok := value.(map[string]any)
		if !ok {
			return fieldErr(path, fmt.Errorf("expected object but got %T", value))
		}
		for _, field := range schema.Required {
			if _, exists := obj[field]; !exists {
				return fmt.Errorf("missing required field: %s", joinPath(path, field))
			}
		}
		for key, child := range obj {
			prop, ok := schema.Properties[key]
			if !ok {
				continue
			}
			if err := v.validate(child, prop, joinPath(path, key)); err != nil {
				return err
			}
		}
	case "array":
		if schema.Items == nil {
			return nil
		}
		arr, ok := value.([]any)
		if !ok {
			return fieldErr(path, fmt.Errorf("expected array but got %T", value))
		}
		for idx, item := range arr {
			if err := v.validate(item, schema.Items, fmt.Sprintf("%s[%d]", path, idx)); err != nil {
				return err
			}
		}
	}

	return nil
}

func checkType(value any, expected string) error {
	switch expected {
	case "string":
		if _, ok := value.(string); ok {
			return nil
		}
	case "number":
		if _, ok := toFloat64(value); ok {
			return nil
		}
	case "integer":
		if isInteger(value) {
			return nil
		}
	case "boolean":
		if _, ok := value.(bool); ok {
			return nil
		}
	case "object":
		if _, ok := value.(map[string]any); ok {
			return nil
		}
	case "array":
		if _, ok := value.([]any); ok {
			return nil
		}
	case "null":
		if value == nil {
			return nil
		}
	default:
		return fmt.Errorf("unsupported schema type %q", expected)
	}
	return fmt.Errorf("expected %s but got %T", expected, value)
}

func toFloat64(value any) (float64, bool) {
	switch v := value.(type) {
	case float32:
		return float64(v), true
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint:
		return float64(v), true
	case uint32:
		return float64(v), true
	case uint64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func isInteger(value any) bool {
	switch v := value.(type) {
	case int, int32, int64, uint, uint32, uint64:
		return true
	case float32:
		return math.Trunc(float64(v)) == float64(v)
	case float64:
		return math.Trunc(v) == v
	case json.Number:
		_, err := v.Int64()
		return err == nil
	}
	return false
}

func inEnum(value any, values []any) bool {
	for _, candidate := range values {
		if a, ok := toFloat64(value); ok {
			if b, ok := toFloat64(candidate); ok && a == b {
				return true
			}
			continue
		}
		if reflect.DeepEqual(value, candidate) {
			return true
		}
	}
	return false
}

func joinPath(base, field string) string {
	if base == "" {
		return field
	}
	return base + "." + field
}

func fieldErr(path string, err error) error {
	if path == "" {
		return err
	}
	return fmt.Errorf("field %s: %w", path, err)
}
