package document

import (
	"fmt"
	"strconv"
)

// Kind identifies the concrete type stored in a Value.
type Kind uint8

const (
	// KindInvalid represents an invalid kind.
	KindInvalid Kind = iota
	// KindNull represents a null value.
	KindNull
	// KindBool represents a boolean value.
	KindBool
	// KindInt32 represents a 32-bit integer value.
	KindInt32
	// KindInt64 represents a 64-bit integer value.
	KindInt64
	// KindDouble represents a 64-bit floating point value.
	KindDouble
	// KindDecimal represents an arbitrary-precision decimal, stored as its
	// string form to keep the canonical encoding exact.
	KindDecimal
	// KindString represents a UTF-8 string value.
	KindString
	// KindBinary represents a subtyped byte blob.
	KindBinary
	// KindObjectID represents a 12-byte object id.
	KindObjectID
	// KindDate represents a date as milliseconds since the unix epoch.
	KindDate
	// KindTimestamp represents a server timestamp, either a concrete
	// millisecond value or the "now" marker resolved at commit time.
	KindTimestamp
	// KindRegex represents a regular expression with options.
	KindRegex
	// KindArray represents an array of values.
	KindArray
	// KindDoc represents a nested document.
	KindDoc
)

// String returns the type name used by the $type operator.
func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindInt32:
		return "int"
	case KindInt64:
		return "long"
	case KindDouble:
		return "double"
	case KindDecimal:
		return "decimal"
	case KindString:
		return "string"
	case KindBinary:
		return "binData"
	case KindObjectID:
		return "objectId"
	case KindDate:
		return "date"
	case KindTimestamp:
		return "timestamp"
	case KindRegex:
		return "regex"
	case KindArray:
		return "array"
	case KindDoc:
		return "object"
	default:
		return "invalid"
	}
}

// Value is a small typed value, the unit every cached document is built from.
//
// It is a closed tagged union: the Kind byte selects which payload fields are
// meaningful. The representation is designed to make filtering and the
// canonical encoding fast and predictable: no reflection, no interface
// boxing per element.
//
// NOTE: This is also used for persistence; keep it stable.
type Value struct {
	Kind Kind
	Bool bool
	Int  int64   // Int32, Int64, Date (ms epoch), Timestamp (ms epoch)
	Now  bool    // Timestamp only: "current server time" marker
	Num  float64 // Double
	Str  string  // String, Decimal digits, Regex pattern
	Opt  string  // Regex options
	Data []byte  // Binary payload, ObjectID (12 bytes)
	Sub  byte    // Binary subtype
	Arr  []Value
	Doc  Document
}

// Null returns the null value.
func Null() Value { return Value{Kind: KindNull} }

// Boolean returns a boolean value.
func Boolean(b bool) Value { return Value{Kind: KindBool, Bool: b} }

// Int32 returns a 32-bit integer value.
func Int32(i int32) Value { return Value{Kind: KindInt32, Int: int64(i)} }

// Int64 returns a 64-bit integer value.
func Int64(i int64) Value { return Value{Kind: KindInt64, Int: i} }

// Double returns a floating point value.
func Double(f float64) Value { return Value{Kind: KindDouble, Num: f} }

// Decimal returns an arbitrary-precision decimal value from its string form.
func Decimal(s string) Value { return Value{Kind: KindDecimal, Str: s} }

// String returns a string value.
func String(s string) Value { return Value{Kind: KindString, Str: s} }

// Binary returns a subtyped binary value.
func Binary(sub byte, b []byte) Value { return Value{Kind: KindBinary, Sub: sub, Data: b} }

// ObjectID returns a 12-byte object id value.
func ObjectID(b [12]byte) Value { return Value{Kind: KindObjectID, Data: b[:]} }

// Date returns a date value from milliseconds since the unix epoch.
func Date(ms int64) Value { return Value{Kind: KindDate, Int: ms} }

// Timestamp returns a concrete server timestamp value.
func Timestamp(ms int64) Value { return Value{Kind: KindTimestamp, Int: ms} }

// TimestampNow returns the "current server time" marker. It is the only
// value a caller may write that the engine rewrites at commit time.
func TimestampNow() Value { return Value{Kind: KindTimestamp, Now: true} }

// Regex returns a regular expression value.
func Regex(pattern, options string) Value {
	return Value{Kind: KindRegex, Str: pattern, Opt: options}
}

// Array returns an array value.
func Array(vals ...Value) Value { return Value{Kind: KindArray, Arr: vals} }

// Object returns a nested document value.
func Object(d Document) Value { return Value{Kind: KindDoc, Doc: d} }

// IsNumeric reports whether the value participates in numeric downcast.
func (v Value) IsNumeric() bool {
	switch v.Kind {
	case KindInt32, KindInt64, KindDouble, KindDecimal:
		return true
	default:
		return false
	}
}

// AsFloat downcasts a numeric value to float64. ok is false for
// non-numeric kinds and unparseable decimals.
func (v Value) AsFloat() (f float64, ok bool) {
	switch v.Kind {
	case KindInt32, KindInt64:
		return float64(v.Int), true
	case KindDouble:
		return v.Num, true
	case KindDecimal:
		f, err := strconv.ParseFloat(v.Str, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// IsZero reports whether v is the zero Value (kind invalid). Used as the
// "absent" sentinel by path lookups.
func (v Value) IsZero() bool { return v.Kind == KindInvalid }

func (v Value) String() string {
	switch v.Kind {
	case KindNull:
		return "null"
	case KindBool:
		return strconv.FormatBool(v.Bool)
	case KindInt32, KindInt64:
		return strconv.FormatInt(v.Int, 10)
	case KindDouble:
		return strconv.FormatFloat(v.Num, 'g', -1, 64)
	case KindDecimal:
		return v.Str
	case KindString:
		return strconv.Quote(v.Str)
	case KindBinary:
		return fmt.Sprintf("binData(%d, %d bytes)", v.Sub, len(v.Data))
	case KindObjectID:
		return fmt.Sprintf("objectId(%x)", v.Data)
	case KindDate:
		return fmt.Sprintf("date(%d)", v.Int)
	case KindTimestamp:
		if v.Now {
			return "timestamp(now)"
		}
		return fmt.Sprintf("timestamp(%d)", v.Int)
	case KindRegex:
		return fmt.Sprintf("/%s/%s", v.Str, v.Opt)
	case KindArray:
		return fmt.Sprintf("array(%d)", len(v.Arr))
	case KindDoc:
		return fmt.Sprintf("object(%d)", len(v.Doc))
	default:
		return "invalid"
	}
}
