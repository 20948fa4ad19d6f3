package tools

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
)

// ParamType is one of the primitive parameter types a capability can
// declare. Anything outside this set cannot be expressed as a direct
// capability.
type ParamType string

// Supported parameter types.
const (
	TypeString  ParamType = "string"
	TypeInteger ParamType = "integer"
	TypeNumber  ParamType = "number"
	TypeBoolean ParamType = "boolean"
	TypeArray   ParamType = "array"
	TypeObject  ParamType = "object"
)

// Valid reports whether t is a supported parameter type.
func (t ParamType) Valid() bool {
	switch t {
	case TypeString, TypeInteger, TypeNumber, TypeBoolean, TypeArray, TypeObject:
		return true
	}
	return false
}

// Param describes one parameter of a capability, in schema order.
type Param struct {
	Name        string    `json:"name"`
	Type        ParamType `json:"type"`
	Description string    `json:"description,omitempty"`
	Required    bool      `json:"required"`
	Enum        []any     `json:"enum,omitempty"`
	Default     any       `json:"default,omitempty"`
	// Items is the element type of an array parameter, if declared.
	Items ParamType `json:"items,omitempty"`
}

// Bind merges positional and named arguments into a single argument
// map. Positional values bind to required parameters in declaration
// order; everything else must be passed by name. Binding the same
// parameter twice is an error.
func Bind(params []Param, positional []any, named map[string]any) (map[string]any, error) {
	args := make(map[string]any, len(positional)+len(named))

	var required []Param
	for _, p := range params {
		if p.Required {
			required = append(required, p)
		}
	}
	if len(positional) > len(required) {
		return nil, &ArgumentError{Reason: fmt.Sprintf("got %d positional arguments, at most %d accepted", len(positional), len(required))}
	}
	for i, v := range positional {
		args[required[i].Name] = v
	}

	for k, v := range named {
		if _, dup := args[k]; dup {
			return nil, &ArgumentError{Param: k, Reason: "bound both positionally and by name"}
		}
		args[k] = v
	}
	return args, nil
}

// Validate checks args against params and returns a copy with every
// declared parameter coerced to its declared type. Required parameters
// must be present and non-nil; optional ones stay absent when not
// given. Arguments with no matching parameter pass through unchanged.
func Validate(params []Param, args map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(args))
	for k, v := range args {
		out[k] = v
	}

	for _, p := range params {
		v, ok := args[p.Name]
		if !ok || v == nil {
			if p.Required {
				return nil, &ArgumentError{Param: p.Name, Reason: "required"}
			}
			delete(out, p.Name)
			continue
		}

		cv, err := Coerce(p, v)
		if err != nil {
			return nil, err
		}
		if len(p.Enum) > 0 && !inEnum(p.Enum, cv) {
			return nil, &ArgumentError{Param: p.Name, Reason: fmt.Sprintf("value %v is not one of %v", cv, p.Enum)}
		}
		out[p.Name] = cv
	}
	return out, nil
}

// Coerce converts v to the type declared by p. It is lenient in the
// way model-generated arguments need: numeric strings become numbers,
// "true"/"false" become booleans, a comma-separated string becomes an
// array and a JSON string becomes an object or array.
func Coerce(p Param, v any) (any, error) {
	fail := func(want string) error {
		return &ArgumentError{Param: p.Name, Reason: fmt.Sprintf("cannot use %T value %v as %s", v, v, want)}
	}

	switch p.Type {
	case TypeString:
		switch x := v.(type) {
		case string:
			return x, nil
		case bool, float64, float32, int, int64, int32, json.Number:
			return fmt.Sprint(x), nil
		}
		return nil, fail("string")

	case TypeInteger:
		switch x := v.(type) {
		case int:
			return int64(x), nil
		case int32:
			return int64(x), nil
		case int64:
			return x, nil
		case float64:
			if x != math.Trunc(x) {
				return nil, fail("integer")
			}
			// Outside this range int64(x) is implementation-defined.
			if x < -(1<<63) || x >= 1<<63 {
				return nil, fail("integer within 64-bit range")
			}
			return int64(x), nil
		case json.Number:
			n, err := x.Int64()
			if err != nil {
				return nil, fail("integer")
			}
			return n, nil
		case string:
			n, err := strconv.ParseInt(strings.TrimSpace(x), 10, 64)
			if err != nil {
				return nil, fail("integer")
			}
			return n, nil
		}
		return nil, fail("integer")

	case TypeNumber:
		switch x := v.(type) {
		case float64:
			return x, nil
		case float32:
			return float64(x), nil
		case int:
			return float64(x), nil
		case int64:
			return float64(x), nil
		case json.Number:
			f, err := x.Float64()
			if err != nil {
				return nil, fail("number")
			}
			return f, nil
		case string:
			f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
			if err != nil {
				return nil, fail("number")
			}
			return f, nil
		}
		return nil, fail("number")

	case TypeBoolean:
		switch x := v.(type) {
		case bool:
			return x, nil
		case string:
			switch strings.ToLower(strings.TrimSpace(x)) {
			case "true", "yes", "1":
				return true, nil
			case "false", "no", "0":
				return false, nil
			}
		}
		return nil, fail("boolean")

	case TypeArray:
		items, err := toSlice(v)
		if err != nil {
			return nil, fail("array")
		}
		if p.Items == "" {
			return items, nil
		}
		elem := Param{Name: p.Name, Type: p.Items}
		for i, it := range items {
			cv, err := Coerce(elem, it)
			if err != nil {
				return nil, &ArgumentError{Param: fmt.Sprintf("%s[%d]", p.Name, i), Reason: err.(*ArgumentError).Reason}
			}
			items[i] = cv
		}
		return items, nil

	case TypeObject:
		switch x := v.(type) {
		case map[string]any:
			return x, nil
		case string:
			var m map[string]any
			if err := json.Unmarshal([]byte(x), &m); err != nil || m == nil {
				return nil, fail("object")
			}
			return m, nil
		}
		return nil, fail("object")
	}

	// Undeclared type: pass through for the server to judge.
	return v, nil
}

func toSlice(v any) ([]any, error) {
	switch x := v.(type) {
	case []any:
		out := make([]any, len(x))
		copy(out, x)
		return out, nil
	case string:
		s := strings.TrimSpace(x)
		if strings.HasPrefix(s, "[") {
			var out []any
			if err := json.Unmarshal([]byte(s), &out); err != nil {
				return nil, err
			}
			return out, nil
		}
		if s == "" {
			return []any{}, nil
		}
		var out []any
		for _, part := range strings.Split(s, ",") {
			out = append(out, strings.TrimSpace(part))
		}
		return out, nil
	}

	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, fmt.Errorf("not a list")
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, nil
}

func inEnum(enum []any, v any) bool {
	for _, e := range enum {
		if isComparable(e) && isComparable(v) && e == v {
			return true
		}
		// JSON enums decode as float64; compare numerically.
		if ef, ok := toFloat(e); ok {
			if vf, ok := toFloat(v); ok && ef == vf {
				return true
			}
		}
	}
	return false
}

func isComparable(v any) bool {
	return v == nil || reflect.TypeOf(v).Comparable()
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case int64:
		return float64(x), true
	case int:
		return float64(x), true
	}
	return 0, false
}
