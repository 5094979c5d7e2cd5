package document

import (
	"fmt"
	"strings"
)

// Field is one key/value pair of a Document.
type Field struct {
	Key string
	Val Value
}

// Document is an ordered mapping from string keys to typed values. Field
// order is preserved through encode/decode so byte-identical comparison of
// two documents is meaningful.
type Document []Field

// D builds a document from alternating key/value pairs, preserving order.
func D(pairs ...Field) Document { return Document(pairs) }

// F builds a single field.
func F(key string, val Value) Field { return Field{Key: key, Val: val} }

// Get returns the value stored under key. The second return is false when
// the key is absent.
func (d Document) Get(key string) (Value, bool) {
	for _, f := range d {
		if f.Key == key {
			return f.Val, true
		}
	}
	return Value{}, false
}

// Has reports whether key is present.
func (d Document) Has(key string) bool {
	_, ok := d.Get(key)
	return ok
}

// Keys returns the field names in document order.
func (d Document) Keys() []string {
	keys := make([]string, len(d))
	for i, f := range d {
		keys[i] = f.Key
	}
	return keys
}

// Set returns a document with key bound to val, replacing in place when the
// key exists and appending otherwise. The receiver is not mutated.
func (d Document) Set(key string, val Value) Document {
	out := make(Document, len(d), len(d)+1)
	copy(out, d)
	for i, f := range out {
		if f.Key == key {
			out[i].Val = val
			return out
		}
	}
	return append(out, Field{Key: key, Val: val})
}

// Delete returns a document without key. The receiver is not mutated.
func (d Document) Delete(key string) Document {
	out := make(Document, 0, len(d))
	for _, f := range d {
		if f.Key != key {
			out = append(out, f)
		}
	}
	return out
}

// SplitPath splits a dotted path into segments.
func SplitPath(path string) []string { return strings.Split(path, ".") }

// GetPath resolves a dotted path against the document. Lookup descends
// through nested documents only; an intermediate non-document yields absent.
func (d Document) GetPath(path string) (Value, bool) {
	return d.getSegments(SplitPath(path))
}

func (d Document) getSegments(segs []string) (Value, bool) {
	cur := d
	for i, seg := range segs {
		v, ok := cur.Get(seg)
		if !ok {
			return Value{}, false
		}
		if i == len(segs)-1 {
			return v, true
		}
		if v.Kind != KindDoc {
			return Value{}, false
		}
		cur = v.Doc
	}
	return Value{}, false
}

// SetPath returns a document with the dotted path bound to val, creating
// intermediate documents as needed. The receiver is not mutated.
func (d Document) SetPath(path string, val Value) Document {
	return d.setSegments(SplitPath(path), val)
}

func (d Document) setSegments(segs []string, val Value) Document {
	if len(segs) == 1 {
		return d.Set(segs[0], val)
	}
	child, ok := d.Get(segs[0])
	var sub Document
	if ok && child.Kind == KindDoc {
		sub = child.Doc
	}
	return d.Set(segs[0], Object(sub.setSegments(segs[1:], val)))
}

// DeletePath returns a document without the dotted path. Absent paths are a
// no-op. The receiver is not mutated.
func (d Document) DeletePath(path string) Document {
	return d.deleteSegments(SplitPath(path))
}

func (d Document) deleteSegments(segs []string) Document {
	if len(segs) == 1 {
		return d.Delete(segs[0])
	}
	child, ok := d.Get(segs[0])
	if !ok || child.Kind != KindDoc {
		return d
	}
	return d.Set(segs[0], Object(child.Doc.deleteSegments(segs[1:])))
}

// ID returns the document's _id value. ok is false when _id is absent,
// null, or invalid, which no stored document is allowed to be.
func (d Document) ID() (Value, bool) {
	v, ok := d.Get("_id")
	if !ok || v.Kind == KindNull || v.Kind == KindInvalid {
		return Value{}, false
	}
	return v, true
}

// IDKey returns the canonical-encoding key of the document's _id, usable as
// a map key. Empty when the document has no valid _id.
func (d Document) IDKey() string {
	v, ok := d.ID()
	if !ok {
		return ""
	}
	return string(Encode(v))
}

// ForeignDocField is reserved for system-written cross-collection
// projections. Callers may never set it directly.
const ForeignDocField = "_foreign_doc"

// ValidateFieldName reports whether name is legal for a caller-written
// field: non-empty, no '.' and no '$'.
func ValidateFieldName(name string) error {
	if name == "" {
		return fmt.Errorf("empty field name")
	}
	if strings.ContainsAny(name, ".$") {
		return fmt.Errorf("field name %q may not contain '.' or '$'", name)
	}
	return nil
}

// ValidateDocument walks a caller-supplied document and rejects illegal
// field names and the reserved _foreign_doc field. The server timestamp
// marker is a typed value in this model, so no key-level exception applies.
func ValidateDocument(d Document) error {
	for _, f := range d {
		if f.Key == ForeignDocField {
			return fmt.Errorf("%q is reserved, don't use it as a field in a document", ForeignDocField)
		}
		if err := ValidateFieldName(f.Key); err != nil {
			return err
		}
		if err := validateValue(f.Val); err != nil {
			return fmt.Errorf("field %q: %w", f.Key, err)
		}
	}
	return nil
}

func validateValue(v Value) error {
	switch v.Kind {
	case KindDoc:
		return ValidateDocument(v.Doc)
	case KindArray:
		for i, e := range v.Arr {
			if err := validateValue(e); err != nil {
				return fmt.Errorf("[%d]: %w", i, err)
			}
		}
	case KindObjectID:
		if len(v.Data) != 12 {
			return fmt.Errorf("object id must be 12 bytes, got %d", len(v.Data))
		}
	case KindInvalid:
		return fmt.Errorf("invalid value")
	}
	return nil
}
