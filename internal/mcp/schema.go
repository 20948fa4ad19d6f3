package mcp

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"

	"github.com/nugget/toolhost/internal/tools"
)

// ParamSpecs translates a tool's JSON Schema into typed parameters in
// declaration order. Only a flat object whose properties each have one
// primitive type is supported; a nullable anyOf with exactly one
// non-null branch counts as that branch. Anything else ($ref, type
// unions, untyped properties, composition keywords) fails with an
// error wrapping ErrUnsupportedSchema.
func ParamSpecs(raw json.RawMessage) ([]tools.Param, error) {
	var root jsonschema.Schema
	if err := json.Unmarshal(raw, &root); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedSchema, err)
	}

	if root.Ref != "" {
		return nil, fmt.Errorf("%w: root $ref %q", ErrUnsupportedSchema, root.Ref)
	}
	if root.Type != "" && root.Type != "object" {
		return nil, fmt.Errorf("%w: root type %q is not object", ErrUnsupportedSchema, root.Type)
	}
	if len(root.AnyOf) > 0 || len(root.OneOf) > 0 || len(root.AllOf) > 0 {
		return nil, fmt.Errorf("%w: root uses schema composition", ErrUnsupportedSchema)
	}

	required := make(map[string]bool, len(root.Required))
	for _, name := range root.Required {
		required[name] = true
	}

	var params []tools.Param
	if root.Properties == nil {
		return params, nil
	}
	for pair := root.Properties.Oldest(); pair != nil; pair = pair.Next() {
		prop := pair.Value
		if prop == nil {
			return nil, fmt.Errorf("%w: property %q has no schema", ErrUnsupportedSchema, pair.Key)
		}

		typ, err := propertyType(prop)
		if err != nil {
			return nil, fmt.Errorf("%w: property %q: %v", ErrUnsupportedSchema, pair.Key, err)
		}

		p := tools.Param{
			Name:        pair.Key,
			Type:        typ,
			Description: prop.Description,
			Required:    required[pair.Key],
			Enum:        prop.Enum,
			Default:     prop.Default,
		}
		if typ == tools.TypeArray && prop.Items != nil {
			if it := tools.ParamType(prop.Items.Type); it.Valid() {
				p.Items = it
			}
		}
		params = append(params, p)
	}
	return params, nil
}

// propertyType resolves the single primitive type of a property.
func propertyType(s *jsonschema.Schema) (tools.ParamType, error) {
	if s.Ref != "" {
		return "", fmt.Errorf("$ref %q", s.Ref)
	}
	if len(s.OneOf) > 0 || len(s.AllOf) > 0 {
		return "", fmt.Errorf("oneOf/allOf composition")
	}

	if s.Type == "" && len(s.AnyOf) > 0 {
		var found *jsonschema.Schema
		for _, sub := range s.AnyOf {
			if sub == nil || sub.Type == "null" {
				continue
			}
			if found != nil {
				return "", fmt.Errorf("anyOf with more than one non-null type")
			}
			found = sub
		}
		if found == nil {
			return "", fmt.Errorf("anyOf with no non-null type")
		}
		return propertyType(found)
	}

	t := tools.ParamType(s.Type)
	if s.Type == "" {
		return "", fmt.Errorf("no type")
	}
	if !t.Valid() {
		return "", fmt.Errorf("type %q", s.Type)
	}
	return t, nil
}

// schemaMap decodes a raw schema for presentation as function
// parameters. An undecodable schema yields an empty object schema.
func schemaMap(raw json.RawMessage) map[string]any {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil || m == nil {
		return map[string]any{"type": "object", "properties": map[string]any{}}
	}
	return m
}
