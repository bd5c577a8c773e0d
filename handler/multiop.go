package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"goa.design/flowrun/faults"
	"goa.design/flowrun/value"
)

// Config keys the multi-operation adapter owns. Everything else in the node
// config is an operation parameter.
const (
	ConfigKeyResource   = "resource"
	ConfigKeyOperation  = "operation"
	ConfigKeyCredential = "credentialId"
)

type (
	// MultiOperation is the extended contract for integration handlers that
	// expose a (resource, operation) matrix, each pair with its own field
	// set. NewMultiOperationHandler adapts it to the plain Handler protocol.
	MultiOperation interface {
		// Type returns the registry key.
		Type() string
		// Resources enumerates the exposed resources.
		Resources() map[string]ResourceDef
		// Operations enumerates the operations per resource name.
		Operations() map[string][]OperationDef
		// ExecuteOperation performs one operation. cred is nil when the
		// operation does not require a credential.
		ExecuteOperation(ctx context.Context, inv *Invocation, resource, operation string, cred Credential, params map[string]any) (value.Value, error)
	}

	// ResourceDef describes one resource of a multi-operation handler.
	ResourceDef struct {
		Name        string
		Description string
	}

	// OperationDef describes one operation of a resource.
	OperationDef struct {
		Name               string
		DisplayName        string
		Description        string
		Fields             []FieldDef
		RequiresCredential bool
		OutputDescription  string
	}

	// FieldType is the JSON type of an operation field.
	FieldType string

	// FieldFormat is the editor rendering hint for a field.
	FieldFormat string

	// FieldDef describes one parameter of an operation.
	FieldDef struct {
		Name        string
		DisplayName string
		Type        FieldType
		Format      FieldFormat
		Required    bool
		// Default is applied when the config omits the field.
		Default any
		// Options and OptionLabels enumerate allowed values.
		Options      []string
		OptionLabels []string
		Minimum      *float64
		Maximum      *float64
		Placeholder  string
		// Items describes list elements when Type is "array".
		Items *FieldDef
		// Properties describes object members when Type is "object".
		Properties []FieldDef
	}

	multiOpHandler struct {
		m      MultiOperation
		schema []byte
	}
)

// Field types.
const (
	FieldString  FieldType = "string"
	FieldInteger FieldType = "integer"
	FieldNumber  FieldType = "number"
	FieldBoolean FieldType = "boolean"
	FieldArray   FieldType = "array"
	FieldObject  FieldType = "object"
)

// Field formats.
const (
	FormatTextarea   FieldFormat = "textarea"
	FormatCode       FieldFormat = "code"
	FormatPassword   FieldFormat = "password"
	FormatCredential FieldFormat = "credential"
	FormatJSON       FieldFormat = "json"
	FormatURI        FieldFormat = "uri"
	FormatDate       FieldFormat = "date"
)

// NewMultiOperationHandler adapts a MultiOperation to the Handler protocol.
// The adapter routes on the "resource" and "operation" config fields,
// applies field defaults, resolves the credential id when the operation
// requires one, and rejects unknown pairs with CONFIG faults.
func NewMultiOperationHandler(m MultiOperation) Handler {
	return &multiOpHandler{m: m, schema: multiOpSchema(m)}
}

func (h *multiOpHandler) Type() string { return h.m.Type() }

func (h *multiOpHandler) ConfigSchema() []byte { return h.schema }

func (h *multiOpHandler) Interface() Interface { return DefaultInterface }

func (h *multiOpHandler) SupportsAsync() bool { return true }

func (h *multiOpHandler) IsTrigger() bool { return false }

func (h *multiOpHandler) ValidateConfig(config map[string]any) []Violation {
	resource, operation, vs := h.route(config)
	if len(vs) > 0 {
		return vs
	}
	op, _ := h.operation(resource, operation)
	return validateFields(op.Fields, config)
}

func (h *multiOpHandler) Execute(ctx context.Context, inv *Invocation) (value.Value, error) {
	resource, operation, vs := h.route(inv.Config)
	if len(vs) > 0 {
		return value.Null(), faults.Errorf(faults.KindConfig, "%s", vs[0].Message)
	}
	op, _ := h.operation(resource, operation)

	params, err := operationParams(op.Fields, inv.Config)
	if err != nil {
		return value.Null(), err
	}

	var cred Credential
	if op.RequiresCredential {
		id, _ := inv.Config[ConfigKeyCredential].(string)
		if id == "" {
			return value.Null(), faults.Errorf(faults.KindCredential,
				"operation %s.%s requires a credential", resource, operation)
		}
		cred, err = inv.Credentials.Resolve(ctx, id)
		if err != nil {
			return value.Null(), err
		}
	}

	return h.m.ExecuteOperation(ctx, inv, resource, operation, cred, params)
}

// route extracts and checks the (resource, operation) pair from a config map.
func (h *multiOpHandler) route(config map[string]any) (resource, operation string, vs []Violation) {
	resource, _ = config[ConfigKeyResource].(string)
	operation, _ = config[ConfigKeyOperation].(string)
	if resource == "" {
		return "", "", []Violation{{
			Field:      ConfigKeyResource,
			Constraint: "missing_field",
			Message:    fmt.Sprintf("handler %q: resource is required", h.m.Type()),
		}}
	}
	if _, ok := h.m.Resources()[resource]; !ok {
		return "", "", []Violation{{
			Field:      ConfigKeyResource,
			Constraint: "invalid_enum_value",
			Message:    fmt.Sprintf("handler %q: unknown resource %q", h.m.Type(), resource),
		}}
	}
	if operation == "" {
		return "", "", []Violation{{
			Field:      ConfigKeyOperation,
			Constraint: "missing_field",
			Message:    fmt.Sprintf("handler %q: operation is required", h.m.Type()),
		}}
	}
	if _, ok := h.operation(resource, operation); !ok {
		return "", "", []Violation{{
			Field:      ConfigKeyOperation,
			Constraint: "invalid_enum_value",
			Message:    fmt.Sprintf("handler %q: unknown operation %q on resource %q", h.m.Type(), operation, resource),
		}}
	}
	return resource, operation, nil
}

func (h *multiOpHandler) operation(resource, name string) (OperationDef, bool) {
	for _, op := range h.m.Operations()[resource] {
		if op.Name == name {
			return op, true
		}
	}
	return OperationDef{}, false
}

// validateFields statically checks operation parameters against their
// FieldDefs.
func validateFields(fields []FieldDef, config map[string]any) []Violation {
	var vs []Violation
	for _, f := range fields {
		raw, present := config[f.Name]
		if !present {
			if f.Required && f.Default == nil {
				vs = append(vs, Violation{
					Field:      f.Name,
					Constraint: "missing_field",
					Message:    fmt.Sprintf("required field %q is missing", f.Name),
				})
			}
			continue
		}
		if !fieldTypeMatches(f.Type, raw) {
			vs = append(vs, Violation{
				Field:      f.Name,
				Constraint: "invalid_field_type",
				Message:    fmt.Sprintf("field %q: got %T, want %s", f.Name, raw, f.Type),
			})
			continue
		}
		if len(f.Options) > 0 {
			s, _ := raw.(string)
			found := false
			for _, opt := range f.Options {
				if opt == s {
					found = true
					break
				}
			}
			if !found {
				vs = append(vs, Violation{
					Field:      f.Name,
					Constraint: "invalid_enum_value",
					Message:    fmt.Sprintf("field %q: %q is not an allowed value", f.Name, s),
				})
			}
		}
		if n, ok := numericValue(raw); ok {
			if f.Minimum != nil && n < *f.Minimum {
				vs = append(vs, Violation{
					Field:      f.Name,
					Constraint: "out_of_range",
					Message:    fmt.Sprintf("field %q: %v is below the minimum %v", f.Name, n, *f.Minimum),
				})
			}
			if f.Maximum != nil && n > *f.Maximum {
				vs = append(vs, Violation{
					Field:      f.Name,
					Constraint: "out_of_range",
					Message:    fmt.Sprintf("field %q: %v is above the maximum %v", f.Name, n, *f.Maximum),
				})
			}
		}
	}
	return vs
}

// numericValue widens the JSON and Go number representations a config map
// may carry.
func numericValue(raw any) (float64, bool) {
	switch n := raw.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

func fieldTypeMatches(t FieldType, raw any) bool {
	switch t {
	case FieldString:
		_, ok := raw.(string)
		return ok
	case FieldBoolean:
		_, ok := raw.(bool)
		return ok
	case FieldInteger:
		switch n := raw.(type) {
		case int, int32, int64:
			return true
		case float64:
			return n == float64(int64(n))
		default:
			return false
		}
	case FieldNumber:
		switch raw.(type) {
		case int, int32, int64, float32, float64:
			return true
		default:
			return false
		}
	case FieldArray:
		_, ok := raw.([]any)
		return ok
	case FieldObject:
		_, ok := raw.(map[string]any)
		return ok
	default:
		return true
	}
}

// operationParams builds the parameter map passed to ExecuteOperation:
// declared fields only, with defaults applied and required fields enforced.
func operationParams(fields []FieldDef, config map[string]any) (map[string]any, error) {
	params := make(map[string]any, len(fields))
	for _, f := range fields {
		raw, present := config[f.Name]
		if !present {
			if f.Default != nil {
				params[f.Name] = f.Default
				continue
			}
			if f.Required {
				return nil, faults.Errorf(faults.KindConfig, "required field %q is missing", f.Name)
			}
			continue
		}
		if !fieldTypeMatches(f.Type, raw) {
			return nil, faults.Errorf(faults.KindConfig, "field %q: got %T, want %s", f.Name, raw, f.Type)
		}
		if n, ok := numericValue(raw); ok {
			if f.Minimum != nil && n < *f.Minimum {
				return nil, faults.Errorf(faults.KindConfig, "field %q: %v is below the minimum %v", f.Name, n, *f.Minimum)
			}
			if f.Maximum != nil && n > *f.Maximum {
				return nil, faults.Errorf(faults.KindConfig, "field %q: %v is above the maximum %v", f.Name, n, *f.Maximum)
			}
		}
		params[f.Name] = raw
	}
	return params, nil
}

// multiOpSchema renders a JSON schema for the adapter-owned routing fields.
// Operation parameters are validated per FieldDef, not through the schema,
// because the valid field set depends on the selected (resource, operation).
func multiOpSchema(m MultiOperation) []byte {
	resources := make([]string, 0, len(m.Resources()))
	for name := range m.Resources() {
		resources = append(resources, name)
	}
	sort.Strings(resources)
	doc := map[string]any{
		"type":     "object",
		"required": []string{ConfigKeyResource, ConfigKeyOperation},
		"properties": map[string]any{
			ConfigKeyResource:   map[string]any{"type": "string", "enum": resources},
			ConfigKeyOperation:  map[string]any{"type": "string"},
			ConfigKeyCredential: map[string]any{"type": "string"},
		},
	}
	data, err := json.Marshal(doc)
	if err != nil {
		panic(fmt.Sprintf("handler %q: render multi-op schema: %v", m.Type(), err))
	}
	return data
}
