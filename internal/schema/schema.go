// Package schema compiles the JSON Schema subset used by upstream tool
// declarations into runtime validators and into the TypeScript-syntax type
// fragments surfaced to scripts. Supported shapes: object with
// properties/required, array, string, number, integer, boolean, and null.
// Anything else degrades to unknown and accepts any value. Compilation is
// pure; there is no $ref resolution, format checking, or bounds checking.
package schema

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"
)

// FieldError describes a single validation failure at a dotted path such
// as "config.items[2].name". An empty path refers to the input root.
type FieldError struct {
	Path    string
	Message string
}

// ValidationError aggregates every field failure found in one input.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	var b strings.Builder
	b.WriteString("validation failed")
	for _, f := range e.Fields {
		b.WriteString("\n  - ")
		if f.Path != "" {
			b.WriteString(f.Path)
			b.WriteString(": ")
		}
		b.WriteString(f.Message)
	}
	return b.String()
}

// Validator checks inputs against a compiled schema.
type Validator struct {
	schema *jsonschema.Schema
}

// Compile builds a Validator. A nil schema validates anything.
func Compile(s *jsonschema.Schema) *Validator {
	return &Validator{schema: s}
}

// Validate checks input against the schema and returns the value that
// should reach the upstream tool. A nil input is treated as an empty
// object when the schema expects one. On failure the returned error is a
// *ValidationError listing every offending field.
func (v *Validator) Validate(input any) (any, error) {
	if v.schema == nil {
		return input, nil
	}
	if input == nil && schemaType(v.schema) == "object" {
		input = map[string]any{}
	}
	var errs []FieldError
	out := validateValue(v.schema, input, "", &errs)
	if len(errs) > 0 {
		return nil, &ValidationError{Fields: errs}
	}
	return out, nil
}

func schemaType(s *jsonschema.Schema) string {
	if s == nil {
		return ""
	}
	if s.Type != "" {
		return s.Type
	}
	if len(s.Types) == 1 {
		return s.Types[0]
	}
	if len(s.Properties) > 0 || len(s.Required) > 0 {
		return "object"
	}
	return ""
}

func validateValue(s *jsonschema.Schema, v any, path string, errs *[]FieldError) any {
	switch schemaType(s) {
	case "object":
		return validateObject(s, v, path, errs)
	case "array":
		return validateArray(s, v, path, errs)
	case "string":
		sv, ok := v.(string)
		if !ok {
			addErr(errs, path, fmt.Sprintf("expected string, got %s", typeName(v)))
			return nil
		}
		return sv
	case "number":
		n, ok := asFloat(v)
		if !ok {
			addErr(errs, path, fmt.Sprintf("expected number, got %s", typeName(v)))
			return nil
		}
		return n
	case "integer":
		n, ok := asFloat(v)
		if !ok || n != math.Trunc(n) {
			addErr(errs, path, fmt.Sprintf("expected integer, got %s", typeName(v)))
			return nil
		}
		return int64(n)
	case "boolean":
		b, ok := v.(bool)
		if !ok {
			addErr(errs, path, fmt.Sprintf("expected boolean, got %s", typeName(v)))
			return nil
		}
		return b
	case "null":
		if v != nil {
			addErr(errs, path, fmt.Sprintf("expected null, got %s", typeName(v)))
		}
		return nil
	default:
		return v
	}
}

func validateObject(s *jsonschema.Schema, v any, path string, errs *[]FieldError) any {
	obj, ok := v.(map[string]any)
	if !ok {
		addErr(errs, path, fmt.Sprintf("expected object, got %s", typeName(v)))
		return nil
	}
	required := make(map[string]bool, len(s.Required))
	for _, name := range s.Required {
		required[name] = true
	}
	out := make(map[string]any, len(obj))
	for name, prop := range s.Properties {
		fieldPath := dottedPath(path, name)
		value, present := obj[name]
		if !present {
			if required[name] {
				addErr(errs, fieldPath, "required field is missing")
			}
			continue
		}
		out[name] = validateValue(prop, value, fieldPath, errs)
	}
	// Properties the schema does not declare pass through untouched.
	for name, value := range obj {
		if _, declared := s.Properties[name]; !declared {
			out[name] = value
		}
	}
	return out
}

func validateArray(s *jsonschema.Schema, v any, path string, errs *[]FieldError) any {
	arr, ok := v.([]any)
	if !ok {
		addErr(errs, path, fmt.Sprintf("expected array, got %s", typeName(v)))
		return nil
	}
	out := make([]any, len(arr))
	for i, item := range arr {
		out[i] = validateValue(s.Items, item, indexedPath(path, i), errs)
	}
	return out
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func typeName(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case bool:
		return "boolean"
	case float64, float32, int, int32, int64:
		return "number"
	case map[string]any:
		return "object"
	case []any:
		return "array"
	}
	return fmt.Sprintf("%T", v)
}

func addErr(errs *[]FieldError, path, msg string) {
	*errs = append(*errs, FieldError{Path: path, Message: msg})
}

func dottedPath(base, field string) string {
	if base == "" {
		return field
	}
	return base + "." + field
}

func indexedPath(base string, i int) string {
	if base == "" {
		return fmt.Sprintf("[%d]", i)
	}
	return fmt.Sprintf("%s[%d]", base, i)
}

// TypeFragment renders the schema as TypeScript type syntax for the
// generated tool surface. Object properties are emitted sorted, with
// non-required fields marked optional.
func TypeFragment(s *jsonschema.Schema) string {
	switch schemaType(s) {
	case "object":
		if len(s.Properties) == 0 {
			return "Record<string, unknown>"
		}
		required := make(map[string]bool, len(s.Required))
		for _, name := range s.Required {
			required[name] = true
		}
		names := make([]string, 0, len(s.Properties))
		for name := range s.Properties {
			names = append(names, name)
		}
		sort.Strings(names)
		parts := make([]string, 0, len(names))
		for _, name := range names {
			field := propertyName(name)
			if !required[name] {
				field += "?"
			}
			parts = append(parts, fmt.Sprintf("%s: %s", field, TypeFragment(s.Properties[name])))
		}
		return "{ " + strings.Join(parts, "; ") + " }"
	case "array":
		elem := TypeFragment(s.Items)
		if strings.ContainsAny(elem, " |") {
			return "Array<" + elem + ">"
		}
		return elem + "[]"
	case "string":
		return "string"
	case "number", "integer":
		return "number"
	case "boolean":
		return "boolean"
	case "null":
		return "null"
	default:
		return "unknown"
	}
}

func propertyName(name string) string {
	if name == "" {
		return `""`
	}
	for i, r := range name {
		alpha := r == '_' || r == '$' ||
			(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
		digit := r >= '0' && r <= '9'
		if !alpha && !(i > 0 && digit) {
			return fmt.Sprintf("%q", name)
		}
	}
	return name
}
