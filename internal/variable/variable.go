// Package variable implements the tagged-union value type used at the
// Camunda engine boundary (fetchAndLock, get-variables, complete) together
// with its {value,type} wire codec, grounded on the variant set Camunda
// itself exposes (see the nativebpm-camunda client's Variable builder).
package variable

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind identifies which variant a Variable holds.
type Kind string

const (
	KindString  Kind = "String"
	KindBoolean Kind = "Boolean"
	KindLong    Kind = "Long"
	KindDouble  Kind = "Double"
	KindJSON    Kind = "Json"
	KindNull    Kind = "Null"
	KindDate    Kind = "Date"
)

// Variable is a native sum-type value. Only the field matching Kind is
// meaningful; the rest are zero.
type Variable struct {
	Kind   Kind
	Str    string
	Bool   bool
	Long   int64
	Double float64
	JSON   string // raw JSON text, for KindJSON
	Date   time.Time
}

func String(s string) Variable  { return Variable{Kind: KindString, Str: s} }
func Bool(b bool) Variable      { return Variable{Kind: KindBoolean, Bool: b} }
func Long(n int64) Variable     { return Variable{Kind: KindLong, Long: n} }
func Double(f float64) Variable { return Variable{Kind: KindDouble, Double: f} }
func Null() Variable            { return Variable{Kind: KindNull} }
func Date(t time.Time) Variable { return Variable{Kind: KindDate, Date: t} }

// JSONValue marshals v to JSON and wraps it as a KindJSON variable.
func JSONValue(v interface{}) (Variable, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return Variable{}, fmt.Errorf("marshal json variable: %w", err)
	}
	return Variable{Kind: KindJSON, JSON: string(b)}, nil
}

// FromNative converts an arbitrary Go value into a Variable, per §4.1.4: any
// type not in {nil, string, bool, int64-ish, float64, time.Time} is
// JSON-encoded and sent as Json.
func FromNative(v interface{}) (Variable, error) {
	switch val := v.(type) {
	case nil:
		return Null(), nil
	case Variable:
		return val, nil
	case string:
		return String(val), nil
	case bool:
		return Bool(val), nil
	case int:
		return Long(int64(val)), nil
	case int32:
		return Long(int64(val)), nil
	case int64:
		return Long(val), nil
	case float32:
		return Double(float64(val)), nil
	case float64:
		return Double(val), nil
	case time.Time:
		return Date(val), nil
	default:
		return JSONValue(val)
	}
}

// wireVariable is the engine-boundary {value,type} shape.
type wireVariable struct {
	Value     interface{}            `json:"value"`
	Type      string                 `json:"type"`
	ValueInfo map[string]interface{} `json:"valueInfo,omitempty"`
}

// dateLayout matches Camunda's Date variable serialization.
const dateLayout = "2006-01-02T15:04:05.000-0700"

// ToWire renders v in the engine's {value,type} shape.
func (v Variable) ToWire() interface{} {
	switch v.Kind {
	case KindString:
		return wireVariable{Value: v.Str, Type: string(KindString)}
	case KindBoolean:
		return wireVariable{Value: v.Bool, Type: string(KindBoolean)}
	case KindLong:
		return wireVariable{Value: v.Long, Type: string(KindLong)}
	case KindDouble:
		return wireVariable{Value: v.Double, Type: string(KindDouble)}
	case KindDate:
		return wireVariable{Value: v.Date.Format(dateLayout), Type: string(KindDate)}
	case KindJSON:
		return wireVariable{
			Value: v.JSON,
			Type:  string(KindJSON),
			ValueInfo: map[string]interface{}{
				"serializationDataFormat": "application/json",
			},
		}
	default:
		return wireVariable{Value: nil, Type: string(KindNull)}
	}
}

// rawWireVariable mirrors wireVariable but keeps Value as json.RawMessage so
// FromWire can type-switch on the declared Type rather than guessing from
// encoding/json's untyped decode (which would turn every number into
// float64, losing Long precision).
type rawWireVariable struct {
	Value     json.RawMessage        `json:"value"`
	Type      string                 `json:"type"`
	ValueInfo map[string]interface{} `json:"valueInfo,omitempty"`
}

// FromWireJSON parses one engine-boundary {value,type[,valueInfo]} entry.
func FromWireJSON(raw json.RawMessage) (Variable, error) {
	var w rawWireVariable
	if err := json.Unmarshal(raw, &w); err != nil {
		return Variable{}, fmt.Errorf("decode wire variable: %w", err)
	}
	return fromRawWire(w)
}

func fromRawWire(w rawWireVariable) (Variable, error) {
	if len(w.Value) == 0 || string(w.Value) == "null" {
		if w.Type == "" || w.Type == string(KindNull) {
			return Null(), nil
		}
	}
	switch Kind(w.Type) {
	case KindString:
		var s string
		if err := json.Unmarshal(w.Value, &s); err != nil {
			return Variable{}, fmt.Errorf("decode String variable: %w", err)
		}
		return String(s), nil
	case KindBoolean:
		var b bool
		if err := json.Unmarshal(w.Value, &b); err != nil {
			return Variable{}, fmt.Errorf("decode Boolean variable: %w", err)
		}
		return Bool(b), nil
	case KindLong, "Integer", "Short":
		var n int64
		if err := json.Unmarshal(w.Value, &n); err != nil {
			return Variable{}, fmt.Errorf("decode Long variable: %w", err)
		}
		return Long(n), nil
	case KindDouble:
		var f float64
		if err := json.Unmarshal(w.Value, &f); err != nil {
			return Variable{}, fmt.Errorf("decode Double variable: %w", err)
		}
		return Double(f), nil
	case KindDate:
		var s string
		if err := json.Unmarshal(w.Value, &s); err != nil {
			return Variable{}, fmt.Errorf("decode Date variable: %w", err)
		}
		t, err := parseDate(s)
		if err != nil {
			return Variable{}, err
		}
		return Date(t), nil
	case KindJSON, "Object":
		var s string
		if err := json.Unmarshal(w.Value, &s); err == nil {
			return Variable{Kind: KindJSON, JSON: s}, nil
		}
		// Some callers send Object variables with an already-decoded value.
		return Variable{Kind: KindJSON, JSON: string(w.Value)}, nil
	case KindNull, "":
		return Null(), nil
	default:
		// Unknown type: keep the raw payload as Json rather than fail the
		// whole fetchAndLock response.
		return Variable{Kind: KindJSON, JSON: string(w.Value)}, nil
	}
}

func parseDate(s string) (time.Time, error) {
	layouts := []string{
		dateLayout,
		"2006-01-02T15:04:05.999-0700",
		"2006-01-02T15:04:05-0700",
		time.RFC3339,
		time.RFC3339Nano,
	}
	var lastErr error
	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		} else {
			lastErr = err
		}
	}
	return time.Time{}, fmt.Errorf("parse date variable %q: %w", s, lastErr)
}

// Bag is a name-addressed set of variables, as carried by ExternalTask and
// process-instance variable responses.
type Bag map[string]Variable

// ToWireMap renders a Bag in the engine's map[name]{value,type} shape,
// suitable for json.Marshal in a complete/fetchAndLock request body.
func (b Bag) ToWireMap() map[string]interface{} {
	out := make(map[string]interface{}, len(b))
	for name, v := range b {
		out[name] = v.ToWire()
	}
	return out
}

// FromWireMap decodes a map[name]{value,type,valueInfo} JSON object into a Bag.
func FromWireMap(raw map[string]json.RawMessage) (Bag, error) {
	out := make(Bag, len(raw))
	for name, entry := range raw {
		v, err := FromWireJSON(entry)
		if err != nil {
			return nil, fmt.Errorf("variable %q: %w", name, err)
		}
		out[name] = v
	}
	return out, nil
}

// AsString returns the Str field coerced to a display string regardless of
// Kind, used by the rendering/questionnaire-expansion code paths that need
// best-effort text.
func (v Variable) AsString() string {
	switch v.Kind {
	case KindString:
		return v.Str
	case KindBoolean:
		if v.Bool {
			return "true"
		}
		return "false"
	case KindLong:
		return fmt.Sprintf("%d", v.Long)
	case KindDouble:
		return fmt.Sprintf("%g", v.Double)
	case KindDate:
		return v.Date.Format(dateLayout)
	case KindJSON:
		return v.JSON
	default:
		return ""
	}
}
