package scope

import (
	"encoding/json"
	"reflect"
	"time"

	"goa.design/flow/runtime/process/engine"
)

// ValueType tags the JSON encoding of a variable so drivers and consumers
// can interpret it without guessing.
type ValueType string

const (
	TypeString  ValueType = "string"
	TypeNumber  ValueType = "number"
	TypeBoolean ValueType = "boolean"
	TypeDate    ValueType = "date"
	TypeArray   ValueType = "array"
	TypeObject  ValueType = "object"
	TypeNull    ValueType = "null"
)

// Variable is one named value in a scope. Value holds the JSON encoding;
// dates are stored as RFC 3339 strings under the date tag.
type Variable struct {
	ScopeID string
	Name    string
	Type    ValueType
	Value   json.RawMessage
}

// Encode builds a variable from a Go value.
func Encode(scopeID, name string, value any) (*Variable, error) {
	vt, norm := classify(value)
	data, err := json.Marshal(norm)
	if err != nil {
		return nil, engine.Wrap(engine.KindValidation, "encode variable "+name, err)
	}
	return &Variable{ScopeID: scopeID, Name: name, Type: vt, Value: data}, nil
}

// Decode returns the Go value of the variable: nil, bool, string, float64,
// time.Time, []any or map[string]any.
func (v *Variable) Decode() (any, error) {
	if v.Type == TypeNull {
		return nil, nil
	}
	if v.Type == TypeDate {
		var s string
		if err := json.Unmarshal(v.Value, &s); err != nil {
			return nil, engine.Wrap(engine.KindInternal, "decode variable "+v.Name, err)
		}
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return nil, engine.Wrap(engine.KindInternal, "decode variable "+v.Name, err)
		}
		return t, nil
	}
	var out any
	if err := json.Unmarshal(v.Value, &out); err != nil {
		return nil, engine.Wrap(engine.KindInternal, "decode variable "+v.Name, err)
	}
	return out, nil
}

// classify maps a Go value to its type tag, normalizing dates to RFC 3339
// strings so they survive the JSON round trip.
func classify(value any) (ValueType, any) {
	switch v := value.(type) {
	case nil:
		return TypeNull, nil
	case bool:
		return TypeBoolean, v
	case string:
		return TypeString, v
	case time.Time:
		return TypeDate, v.UTC().Format(time.RFC3339Nano)
	case *time.Time:
		if v == nil {
			return TypeNull, nil
		}
		return TypeDate, v.UTC().Format(time.RFC3339Nano)
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64, json.Number:
		return TypeNumber, v
	}
	rv := reflect.ValueOf(value)
	for rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return TypeNull, nil
		}
		rv = rv.Elem()
	}
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		return TypeArray, value
	case reflect.Map, reflect.Struct:
		return TypeObject, value
	case reflect.String:
		return TypeString, value
	case reflect.Bool:
		return TypeBoolean, value
	default:
		return TypeNumber, value
	}
}
