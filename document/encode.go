package document

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
)

// Canonical binary encoding.
//
// Every value is a kind byte followed by a kind-specific payload; variable
// payloads are u32 length-prefixed, numbers are little-endian. The encoding
// is the single serialization used for persistence, size accounting and
// content hashing, so two values are byte-identical iff they are the same
// typed value. Document field order is preserved.

func appendU32(b []byte, n uint32) []byte {
	return binary.LittleEndian.AppendUint32(b, n)
}

func appendString(b []byte, s string) []byte {
	b = appendU32(b, uint32(len(s)))
	return append(b, s...)
}

// Encode appends nothing to shared state; it returns the canonical bytes of v.
func Encode(v Value) []byte {
	return appendValue(nil, v)
}

// EncodeDoc returns the canonical bytes of a document.
func EncodeDoc(d Document) []byte {
	return appendDoc(nil, d)
}

// Size returns the canonical encoded size of a document in bytes. A nil
// document contributes zero.
func Size(d Document) int64 {
	if d == nil {
		return 0
	}
	return int64(len(EncodeDoc(d)))
}

func appendValue(b []byte, v Value) []byte {
	b = append(b, byte(v.Kind))
	switch v.Kind {
	case KindNull:
	case KindBool:
		if v.Bool {
			b = append(b, 1)
		} else {
			b = append(b, 0)
		}
	case KindInt32:
		b = binary.LittleEndian.AppendUint32(b, uint32(int32(v.Int)))
	case KindInt64, KindDate:
		b = binary.LittleEndian.AppendUint64(b, uint64(v.Int))
	case KindTimestamp:
		if v.Now {
			b = append(b, 1)
		} else {
			b = append(b, 0)
		}
		b = binary.LittleEndian.AppendUint64(b, uint64(v.Int))
	case KindDouble:
		b = binary.LittleEndian.AppendUint64(b, math.Float64bits(v.Num))
	case KindDecimal, KindString:
		b = appendString(b, v.Str)
	case KindBinary:
		b = append(b, v.Sub)
		b = appendU32(b, uint32(len(v.Data)))
		b = append(b, v.Data...)
	case KindObjectID:
		b = append(b, v.Data[:12]...)
	case KindRegex:
		b = appendString(b, v.Str)
		b = appendString(b, v.Opt)
	case KindArray:
		b = appendU32(b, uint32(len(v.Arr)))
		for _, e := range v.Arr {
			b = appendValue(b, e)
		}
	case KindDoc:
		b = appendDoc(b, v.Doc)
	}
	return b
}

func appendDoc(b []byte, d Document) []byte {
	b = appendU32(b, uint32(len(d)))
	for _, f := range d {
		b = appendString(b, f.Key)
		b = appendValue(b, f.Val)
	}
	return b
}

type decoder struct {
	buf []byte
	off int
}

func (r *decoder) take(n int) ([]byte, error) {
	if r.off+n > len(r.buf) {
		return nil, fmt.Errorf("truncated value: need %d bytes at offset %d of %d", n, r.off, len(r.buf))
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b, nil
}

func (r *decoder) u32() (uint32, error) {
	b, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (r *decoder) u64() (uint64, error) {
	b, err := r.take(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (r *decoder) str() (string, error) {
	n, err := r.u32()
	if err != nil {
		return "", err
	}
	b, err := r.take(int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Decode parses a canonical value encoding produced by Encode.
func Decode(b []byte) (Value, error) {
	r := &decoder{buf: b}
	v, err := r.value()
	if err != nil {
		return Value{}, err
	}
	if r.off != len(b) {
		return Value{}, fmt.Errorf("trailing garbage: %d bytes after value", len(b)-r.off)
	}
	return v, nil
}

// DecodeDoc parses a canonical document encoding produced by EncodeDoc.
func DecodeDoc(b []byte) (Document, error) {
	r := &decoder{buf: b}
	d, err := r.doc()
	if err != nil {
		return nil, err
	}
	if r.off != len(b) {
		return nil, fmt.Errorf("trailing garbage: %d bytes after document", len(b)-r.off)
	}
	return d, nil
}

func (r *decoder) value() (Value, error) {
	kb, err := r.take(1)
	if err != nil {
		return Value{}, err
	}
	kind := Kind(kb[0])
	switch kind {
	case KindNull:
		return Null(), nil
	case KindBool:
		b, err := r.take(1)
		if err != nil {
			return Value{}, err
		}
		return Boolean(b[0] != 0), nil
	case KindInt32:
		n, err := r.u32()
		if err != nil {
			return Value{}, err
		}
		return Int32(int32(n)), nil
	case KindInt64:
		n, err := r.u64()
		if err != nil {
			return Value{}, err
		}
		return Int64(int64(n)), nil
	case KindDate:
		n, err := r.u64()
		if err != nil {
			return Value{}, err
		}
		return Date(int64(n)), nil
	case KindTimestamp:
		now, err := r.take(1)
		if err != nil {
			return Value{}, err
		}
		n, err := r.u64()
		if err != nil {
			return Value{}, err
		}
		if now[0] != 0 {
			return TimestampNow(), nil
		}
		return Timestamp(int64(n)), nil
	case KindDouble:
		n, err := r.u64()
		if err != nil {
			return Value{}, err
		}
		return Double(math.Float64frombits(n)), nil
	case KindDecimal:
		s, err := r.str()
		if err != nil {
			return Value{}, err
		}
		return Decimal(s), nil
	case KindString:
		s, err := r.str()
		if err != nil {
			return Value{}, err
		}
		return String(s), nil
	case KindBinary:
		sb, err := r.take(1)
		if err != nil {
			return Value{}, err
		}
		n, err := r.u32()
		if err != nil {
			return Value{}, err
		}
		data, err := r.take(int(n))
		if err != nil {
			return Value{}, err
		}
		return Binary(sb[0], bytes.Clone(data)), nil
	case KindObjectID:
		data, err := r.take(12)
		if err != nil {
			return Value{}, err
		}
		var oid [12]byte
		copy(oid[:], data)
		return ObjectID(oid), nil
	case KindRegex:
		pat, err := r.str()
		if err != nil {
			return Value{}, err
		}
		opt, err := r.str()
		if err != nil {
			return Value{}, err
		}
		return Regex(pat, opt), nil
	case KindArray:
		n, err := r.u32()
		if err != nil {
			return Value{}, err
		}
		arr := make([]Value, 0, n)
		for i := uint32(0); i < n; i++ {
			e, err := r.value()
			if err != nil {
				return Value{}, err
			}
			arr = append(arr, e)
		}
		return Array(arr...), nil
	case KindDoc:
		d, err := r.doc()
		if err != nil {
			return Value{}, err
		}
		return Object(d), nil
	default:
		return Value{}, fmt.Errorf("unknown value kind 0x%02x", kb[0])
	}
}

func (r *decoder) doc() (Document, error) {
	n, err := r.u32()
	if err != nil {
		return nil, err
	}
	d := make(Document, 0, n)
	for i := uint32(0); i < n; i++ {
		key, err := r.str()
		if err != nil {
			return nil, err
		}
		v, err := r.value()
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", key, err)
		}
		d = append(d, Field{Key: key, Val: v})
	}
	return d, nil
}
