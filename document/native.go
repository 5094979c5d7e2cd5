package document

import (
	"fmt"
	"sort"
	"time"
)

// FromAny converts a Go value into a typed Value.
//
// This exists as an adapter layer for user input: queries and documents are
// often most convenient to write as map/slice literals. Map keys convert in
// sorted order so the resulting Document is deterministic.
func FromAny(v any) (Value, error) {
	switch x := v.(type) {
	case nil:
		return Null(), nil
	case Value:
		return x, nil
	case Document:
		return Object(x), nil
	case bool:
		return Boolean(x), nil
	case string:
		return String(x), nil
	case float64:
		return Double(x), nil
	case float32:
		return Double(float64(x)), nil
	case int:
		return Int64(int64(x)), nil
	case int32:
		return Int32(x), nil
	case int64:
		return Int64(x), nil
	case time.Time:
		return Date(x.UnixMilli()), nil
	case []byte:
		return Binary(0, x), nil
	case []Value:
		return Array(x...), nil
	case []any:
		arr := make([]Value, len(x))
		for i := range x {
			vv, err := FromAny(x[i])
			if err != nil {
				return Value{}, err
			}
			arr[i] = vv
		}
		return Array(arr...), nil
	case []string:
		arr := make([]Value, len(x))
		for i := range x {
			arr[i] = String(x[i])
		}
		return Array(arr...), nil
	case []int:
		arr := make([]Value, len(x))
		for i := range x {
			arr[i] = Int64(int64(x[i]))
		}
		return Array(arr...), nil
	case map[string]any:
		d, err := FromMap(x)
		if err != nil {
			return Value{}, err
		}
		return Object(d), nil
	default:
		return Value{}, fmt.Errorf("unsupported value type %T", v)
	}
}

// FromMap converts a map[string]any document to a typed Document with keys
// in sorted order.
func FromMap(m map[string]any) (Document, error) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	d := make(Document, 0, len(m))
	for _, k := range keys {
		vv, err := FromAny(m[k])
		if err != nil {
			return nil, fmt.Errorf("key %q: %w", k, err)
		}
		d = append(d, Field{Key: k, Val: vv})
	}
	return d, nil
}

// MustFromMap is FromMap for literals known to be convertible; it panics on
// conversion failure. Intended for tests and static descriptors.
func MustFromMap(m map[string]any) Document {
	d, err := FromMap(m)
	if err != nil {
		panic(err)
	}
	return d
}

// ToNative converts a typed Value back to plain Go values. Distinguished
// kinds convert to their most natural representation; timestamps resolve to
// their millisecond value (the "now" marker converts to the string "now").
func ToNative(v Value) any {
	switch v.Kind {
	case KindNull:
		return nil
	case KindBool:
		return v.Bool
	case KindInt32:
		return int32(v.Int)
	case KindInt64:
		return v.Int
	case KindDouble:
		return v.Num
	case KindDecimal:
		return v.Str
	case KindString:
		return v.Str
	case KindBinary:
		return v.Data
	case KindObjectID:
		return fmt.Sprintf("%x", v.Data)
	case KindDate:
		return time.UnixMilli(v.Int).UTC()
	case KindTimestamp:
		if v.Now {
			return "now"
		}
		return v.Int
	case KindRegex:
		return "/" + v.Str + "/" + v.Opt
	case KindArray:
		out := make([]any, len(v.Arr))
		for i, e := range v.Arr {
			out[i] = ToNative(e)
		}
		return out
	case KindDoc:
		out := make(map[string]any, len(v.Doc))
		for _, f := range v.Doc {
			out[f.Key] = ToNative(f.Val)
		}
		return out
	default:
		return nil
	}
}
