package tool

import (
	"fmt"
	"math"
	"slices"
	"sort"

	"github.com/spf13/cast"

	"github.com/sigee-min/bbmcp/internal/apperr"
)

// Kind is the JSON type of a parameter.
type Kind string

const (
	KindString     Kind = "string"
	KindInt        Kind = "integer"
	KindNumber     Kind = "number"
	KindBool       Kind = "boolean"
	KindStringList Kind = "string_list"
	KindNumberList Kind = "number_list"
)

// Param describes one tool argument.
type Param struct {
	Name        string
	Kind        Kind
	Required    bool
	Description string
	Enum        []string
}

// Args holds decoded arguments. Values have the Go type of their Kind:
// string, int64, float64, bool, []string or []float64. JSON null is
// decoded as an absent argument.
type Args map[string]any

// Decode checks raw against params and converts every value to its
// declared kind. Unknown, missing and mistyped fields are reported as
// invalid_payload with the offending field name.
func Decode(params []Param, raw map[string]any) (Args, error) {
	byName := make(map[string]Param, len(params))
	for _, p := range params {
		byName[p.Name] = p
	}

	// Sorted so the reported field is stable across calls.
	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	args := make(Args, len(raw))
	for _, k := range keys {
		p, ok := byName[k]
		if !ok {
			return nil, fieldError(apperr.ReasonUnexpectedField, k, "unexpected field %q", k)
		}
		v := raw[k]
		if v == nil {
			continue
		}
		decoded, err := convert(p, v)
		if err != nil {
			return nil, fieldError(apperr.ReasonInvalidField, k, "field %q: %v", k, err)
		}
		args[k] = decoded
	}
	for _, p := range params {
		if _, ok := args[p.Name]; p.Required && !ok {
			return nil, fieldError(apperr.ReasonMissingField, p.Name, "field %q is required", p.Name)
		}
	}
	return args, nil
}

func convert(p Param, v any) (any, error) {
	switch p.Kind {
	case KindString:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("expected a string, got %T", v)
		}
		if len(p.Enum) > 0 && !slices.Contains(p.Enum, s) {
			return nil, fmt.Errorf("must be one of %v", p.Enum)
		}
		return s, nil
	case KindInt:
		if f, ok := v.(float64); ok && f != math.Trunc(f) {
			return nil, fmt.Errorf("expected an integer, got %v", f)
		}
		if _, ok := v.(bool); ok {
			return nil, fmt.Errorf("expected an integer, got a boolean")
		}
		return cast.ToInt64E(v)
	case KindNumber:
		if _, ok := v.(bool); ok {
			return nil, fmt.Errorf("expected a number, got a boolean")
		}
		return cast.ToFloat64E(v)
	case KindBool:
		return cast.ToBoolE(v)
	case KindStringList:
		items, ok := v.([]any)
		if !ok {
			if ss, ok := v.([]string); ok {
				return slices.Clone(ss), nil
			}
			return nil, fmt.Errorf("expected an array of strings, got %T", v)
		}
		out := make([]string, 0, len(items))
		for i, item := range items {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("item %d: expected a string, got %T", i, item)
			}
			out = append(out, s)
		}
		return out, nil
	case KindNumberList:
		items, ok := v.([]any)
		if !ok {
			return nil, fmt.Errorf("expected an array of numbers, got %T", v)
		}
		out := make([]float64, 0, len(items))
		for i, item := range items {
			if _, ok := item.(bool); ok {
				return nil, fmt.Errorf("item %d: expected a number, got a boolean", i)
			}
			f, err := cast.ToFloat64E(item)
			if err != nil {
				return nil, fmt.Errorf("item %d: %w", i, err)
			}
			out = append(out, f)
		}
		return out, nil
	}
	return nil, fmt.Errorf("unsupported parameter kind %q", p.Kind)
}

func fieldError(reason, field, format string, args ...any) *apperr.Error {
	return apperr.Newf(apperr.CodeInvalidPayload, reason, format, args...).With("field", field)
}

// Has reports whether the argument was supplied.
func (a Args) Has(name string) bool {
	_, ok := a[name]
	return ok
}

// String returns a string argument or "".
func (a Args) String(name string) string {
	s, _ := a[name].(string)
	return s
}

// StringPtr returns a string argument or nil when absent.
func (a Args) StringPtr(name string) *string {
	s, ok := a[name].(string)
	if !ok {
		return nil
	}
	return &s
}

// Int returns an integer argument or 0.
func (a Args) Int(name string) int64 {
	n, _ := a[name].(int64)
	return n
}

// IntPtr returns an integer argument as *int, or nil when absent.
func (a Args) IntPtr(name string) *int {
	n, ok := a[name].(int64)
	if !ok {
		return nil
	}
	v := int(n)
	return &v
}

// Float returns a number argument or 0.
func (a Args) Float(name string) float64 {
	f, _ := a[name].(float64)
	return f
}

// Bool returns a boolean argument or false.
func (a Args) Bool(name string) bool {
	b, _ := a[name].(bool)
	return b
}

// Strings returns a string list argument.
func (a Args) Strings(name string) []string {
	ss, _ := a[name].([]string)
	return ss
}

// Floats returns a number list argument.
func (a Args) Floats(name string) []float64 {
	fs, _ := a[name].([]float64)
	return fs
}
