// Package journal holds the pending-write machinery: optimistic apply of
// local writes over cached records, revert on rejection, and the
// reachability-gated replay driver that delivers queued writes in order.
package journal

import (
	"fmt"

	"github.com/breezedb/breeze-go/document"
	"github.com/breezedb/breeze-go/query"
	"github.com/breezedb/breeze-go/store"
)

// Write is one local write call against a collection.
type Write struct {
	Scope store.Scope
	Path  string
	Op    query.OpType
	// Value is the single document or update expression.
	Value document.Document
	// Values holds the documents of a *Many set.
	Values []document.Document
	// Find selects the target documents for update/replace/delete ops.
	Find document.Document
}

// Edition records the effect of one write on one cached record: the
// document as it was before (nil for an insert) and after (nil for a
// removal). Replaying editions in order reproduces the optimistic state;
// replaying them in reverse restores the state before the write.
type Edition struct {
	AccessID string
	Path     string
	Before   document.Document
	After    document.Document
}

// Entry is one journaled pending write.
type Entry struct {
	ID       string
	Write    Write
	Editions []Edition
	AddedOn  int64
	Attempts int
}

func marshalEntry(e *Entry) []byte {
	w := e.Write
	var d document.Document
	d = append(d, document.F("id", document.String(e.ID)))
	d = append(d, document.F("op", document.String(string(w.Op))))
	d = append(d, document.F("path", document.String(w.Path)))
	if w.Value != nil {
		d = append(d, document.F("value", document.Object(w.Value)))
	}
	if len(w.Values) > 0 {
		vals := make([]document.Value, len(w.Values))
		for i, v := range w.Values {
			vals[i] = document.Object(v)
		}
		d = append(d, document.F("values", document.Array(vals...)))
	}
	if w.Find != nil {
		d = append(d, document.F("find", document.Object(w.Find)))
	}
	eds := make([]document.Value, len(e.Editions))
	for i, ed := range e.Editions {
		var fields document.Document
		fields = append(fields, document.F("accessId", document.String(ed.AccessID)))
		fields = append(fields, document.F("path", document.String(ed.Path)))
		if ed.Before != nil {
			fields = append(fields, document.F("before", document.Object(ed.Before)))
		}
		if ed.After != nil {
			fields = append(fields, document.F("after", document.Object(ed.After)))
		}
		eds[i] = document.Object(fields)
	}
	d = append(d, document.F("editions", document.Array(eds...)))
	d = append(d, document.F("addedOn", document.Int64(e.AddedOn)))
	d = append(d, document.F("attempts", document.Int64(int64(e.Attempts))))
	return document.EncodeDoc(d)
}

func unmarshalEntry(scope store.Scope, b []byte) (*Entry, error) {
	d, err := document.DecodeDoc(b)
	if err != nil {
		return nil, fmt.Errorf("decode journal entry: %w", err)
	}
	e := &Entry{Write: Write{Scope: scope}}
	for _, f := range d {
		switch f.Key {
		case "id":
			e.ID = f.Val.Str
		case "op":
			e.Write.Op = query.OpType(f.Val.Str)
		case "path":
			e.Write.Path = f.Val.Str
		case "value":
			e.Write.Value = f.Val.Doc
		case "values":
			for _, v := range f.Val.Arr {
				e.Write.Values = append(e.Write.Values, v.Doc)
			}
		case "find":
			e.Write.Find = f.Val.Doc
		case "editions":
			for _, v := range f.Val.Arr {
				ed, err := unmarshalEdition(v.Doc)
				if err != nil {
					return nil, err
				}
				e.Editions = append(e.Editions, ed)
			}
		case "addedOn":
			e.AddedOn = f.Val.Int
		case "attempts":
			e.Attempts = int(f.Val.Int)
		default:
			return nil, fmt.Errorf("unknown journal entry field %q", f.Key)
		}
	}
	return e, nil
}

func unmarshalEdition(d document.Document) (Edition, error) {
	var ed Edition
	for _, f := range d {
		switch f.Key {
		case "accessId":
			ed.AccessID = f.Val.Str
		case "path":
			ed.Path = f.Val.Str
		case "before":
			ed.Before = f.Val.Doc
		case "after":
			ed.After = f.Val.Doc
		default:
			return Edition{}, fmt.Errorf("unknown edition field %q", f.Key)
		}
	}
	return ed, nil
}
