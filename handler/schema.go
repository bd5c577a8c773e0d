package handler

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/santhosh-tekuri/jsonschema/v6/kind"
)

// CompiledSchema is a compiled JSON config schema ready for validation.
type CompiledSchema struct {
	schema *jsonschema.Schema
}

// Compile compiles the given JSON schema document.
func Compile(schema []byte) (*CompiledSchema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schema))
	if err != nil {
		return nil, fmt.Errorf("parse config schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("config.json", doc); err != nil {
		return nil, fmt.Errorf("add config schema: %w", err)
	}
	compiled, err := c.Compile("config.json")
	if err != nil {
		return nil, fmt.Errorf("compile config schema: %w", err)
	}
	return &CompiledSchema{schema: compiled}, nil
}

// MustCompile compiles like Compile and panics on error. Intended for
// package-level handler schemas.
func MustCompile(schema []byte) *CompiledSchema {
	cs, err := Compile(schema)
	if err != nil {
		panic(err)
	}
	return cs
}

// Validate checks a node config map against the schema and returns one
// Violation per leaf failure.
func (cs *CompiledSchema) Validate(config map[string]any) []Violation {
	if config == nil {
		config = map[string]any{}
	}
	err := cs.schema.Validate(normalizeForSchema(config))
	if err == nil {
		return nil
	}
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return []Violation{{Constraint: "schema", Message: err.Error()}}
	}
	var out []Violation
	collectViolations(ve, &out)
	return out
}

func collectViolations(ve *jsonschema.ValidationError, out *[]Violation) {
	if len(ve.Causes) > 0 {
		for _, c := range ve.Causes {
			collectViolations(c, out)
		}
		return
	}
	field := strings.Join(ve.InstanceLocation, ".")
	switch k := ve.ErrorKind.(type) {
	case *kind.Required:
		for _, missing := range k.Missing {
			path := missing
			if field != "" {
				path = field + "." + missing
			}
			*out = append(*out, Violation{
				Field:      path,
				Constraint: "missing_field",
				Message:    fmt.Sprintf("required field %q is missing", missing),
			})
		}
	case *kind.Type:
		*out = append(*out, Violation{
			Field:      field,
			Constraint: "invalid_field_type",
			Message:    fmt.Sprintf("got %s, want %s", k.Got, k.Want),
		})
	case *kind.Enum:
		*out = append(*out, Violation{
			Field:      field,
			Constraint: "invalid_enum_value",
			Message:    "value is not one of the allowed options",
		})
	case *kind.Minimum, *kind.Maximum, *kind.MinLength, *kind.MaxLength:
		*out = append(*out, Violation{
			Field:      field,
			Constraint: "invalid_range",
			Message:    "value is out of the allowed range",
		})
	default:
		*out = append(*out, Violation{
			Field:      field,
			Constraint: "schema",
			Message:    fmt.Sprintf("%v", ve.ErrorKind),
		})
	}
}

// normalizeForSchema converts config values into the shapes the schema
// validator expects (encoding/json decoded forms).
func normalizeForSchema(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, el := range t {
			out[k] = normalizeForSchema(el)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, el := range t {
			out[i] = normalizeForSchema(el)
		}
		return out
	case int:
		return float64(t)
	case int64:
		return float64(t)
	case float32:
		return float64(t)
	default:
		return v
	}
}
