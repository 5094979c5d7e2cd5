package query

import "github.com/breezedb/breeze-go/document"

// DynamicValueKey marks an extraction filter value that is resolved from
// the outer document at apply time: {"$dynamicValue": "dotted.path"}.
const DynamicValueKey = "$dynamicValue"

// ResolveDynamic returns the extraction filter with every $dynamicValue
// marker replaced by the value at its dotted path in the outer document.
// A path absent from the outer document resolves to null, which matches
// nothing unless the ancestor field is literally null.
func ResolveDynamic(filter, outer document.Document) document.Document {
	if filter == nil {
		return nil
	}
	out := make(document.Document, len(filter))
	for i, f := range filter {
		out[i] = document.F(f.Key, resolveDynamicValue(f.Val, outer))
	}
	return out
}

func resolveDynamicValue(v document.Value, outer document.Document) document.Value {
	switch v.Kind {
	case document.KindDoc:
		if path, ok := dynamicPath(v.Doc); ok {
			if resolved, ok := outer.GetPath(path); ok {
				return resolved
			}
			return document.Null()
		}
		return document.Object(ResolveDynamic(v.Doc, outer))
	case document.KindArray:
		arr := make([]document.Value, len(v.Arr))
		for i, e := range v.Arr {
			arr[i] = resolveDynamicValue(e, outer)
		}
		return document.Array(arr...)
	default:
		return v
	}
}

func dynamicPath(d document.Document) (string, bool) {
	if len(d) != 1 || d[0].Key != DynamicValueKey || d[0].Val.Kind != document.KindString {
		return "", false
	}
	return d[0].Val.Str, true
}
