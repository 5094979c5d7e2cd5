package document

import "bytes"

// Equal reports typed equality.
//
// Values of distinguished kinds (object id, timestamp, decimal, binary,
// regex, date) are equal only when both operands are the same kind and
// their canonical encodings match. Plain numerics (int32/int64/double)
// compare across kinds via numeric downcast; a decimal participates in the
// downcast only against another numeric.
func Equal(a, b Value) bool {
	if a.IsNumeric() && b.IsNumeric() {
		if a.Kind == b.Kind {
			return bytes.Equal(Encode(a), Encode(b))
		}
		af, aok := a.AsFloat()
		bf, bok := b.AsFloat()
		return aok && bok && af == bf
	}
	if a.Kind != b.Kind {
		return false
	}
	switch a.Kind {
	case KindNull:
		return true
	case KindBool:
		return a.Bool == b.Bool
	case KindString:
		return a.Str == b.Str
	case KindArray:
		if len(a.Arr) != len(b.Arr) {
			return false
		}
		for i := range a.Arr {
			if !Equal(a.Arr[i], b.Arr[i]) {
				return false
			}
		}
		return true
	case KindDoc:
		return EqualDocs(a.Doc, b.Doc)
	default:
		// Distinguished kinds: canonical encodings decide.
		return bytes.Equal(Encode(a), Encode(b))
	}
}

// EqualDocs reports field-order-sensitive document equality.
func EqualDocs(a, b Document) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Key != b[i].Key || !Equal(a[i].Val, b[i].Val) {
			return false
		}
	}
	return true
}

// Compare orders two values. ok is false when the operands have no defined
// ordering (mixed non-numeric kinds, regexes, documents); comparison
// operators treat that as "no match" rather than an error.
func Compare(a, b Value) (cmp int, ok bool) {
	if a.IsNumeric() && b.IsNumeric() {
		af, aok := a.AsFloat()
		bf, bok := b.AsFloat()
		if !aok || !bok {
			return 0, false
		}
		switch {
		case af < bf:
			return -1, true
		case af > bf:
			return 1, true
		default:
			return 0, true
		}
	}
	if a.Kind != b.Kind {
		return 0, false
	}
	switch a.Kind {
	case KindString:
		return compareOrdered(a.Str, b.Str), true
	case KindDate, KindTimestamp:
		if a.Now || b.Now {
			return 0, false
		}
		return compareOrdered(a.Int, b.Int), true
	case KindBool:
		return compareOrdered(boolInt(a.Bool), boolInt(b.Bool)), true
	case KindObjectID, KindBinary:
		return bytes.Compare(Encode(a), Encode(b)), true
	default:
		return 0, false
	}
}

func compareOrdered[T interface{ ~string | ~int64 | ~int }](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
