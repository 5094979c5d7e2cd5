package document

import "bytes"

// Clone deep-copies a value. One branch per variant of the closed union;
// adding a Kind without extending this switch is a compile-time smell the
// tests catch, not a silent shallow copy.
func Clone(v Value) Value {
	switch v.Kind {
	case KindNull, KindBool, KindInt32, KindInt64, KindDouble,
		KindDecimal, KindString, KindDate, KindTimestamp, KindRegex:
		return v
	case KindBinary, KindObjectID:
		v.Data = bytes.Clone(v.Data)
		return v
	case KindArray:
		arr := make([]Value, len(v.Arr))
		for i, e := range v.Arr {
			arr[i] = Clone(e)
		}
		v.Arr = arr
		return v
	case KindDoc:
		v.Doc = CloneDoc(v.Doc)
		return v
	default:
		return v
	}
}

// CloneDoc deep-copies a document.
func CloneDoc(d Document) Document {
	if d == nil {
		return nil
	}
	out := make(Document, len(d))
	for i, f := range d {
		out[i] = Field{Key: f.Key, Val: Clone(f.Val)}
	}
	return out
}
