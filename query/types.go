// Package query implements the Mongo-style query surface of the cache
// engine: the document filter evaluator, the atomic update evaluator, the
// canonical query fingerprint, and local result reprojection.
//
// Everything in this package is pure: no I/O, inputs are never mutated.
package query

import (
	"fmt"

	"github.com/breezedb/breeze-go/document"
)

// Direction is a normalized sort direction.
type Direction int8

const (
	// DirectionNone means no direction was supplied.
	DirectionNone Direction = 0
	// DirectionAsc sorts ascending.
	DirectionAsc Direction = 1
	// DirectionDesc sorts descending.
	DirectionDesc Direction = -1
)

// ParseDirection normalizes the synonymous direction spellings
// (1, -1, "asc", "ascending", "desc", "descending") to a Direction.
func ParseDirection(v any) (Direction, error) {
	switch x := v.(type) {
	case nil:
		return DirectionNone, nil
	case Direction:
		return x, nil
	case int:
		switch x {
		case 1:
			return DirectionAsc, nil
		case -1:
			return DirectionDesc, nil
		}
	case string:
		switch x {
		case "asc", "ascending":
			return DirectionAsc, nil
		case "desc", "descending":
			return DirectionDesc, nil
		}
	}
	return DirectionNone, fmt.Errorf("invalid direction %v, expected any of 1, -1, asc, desc, ascending, descending", v)
}

func (d Direction) String() string {
	switch d {
	case DirectionAsc:
		return "asc"
	case DirectionDesc:
		return "desc"
	default:
		return ""
	}
}

// Command is a query descriptor for one collection read.
type Command struct {
	// Find is the filter expression. Nil selects every document.
	Find document.Document
	// FindOne limits the result to the first matching document.
	FindOne bool
	// Sort is the dotted field path to sort by.
	Sort string
	// Direction orders the sort.
	Direction Direction
	// Limit caps the result size; zero means unlimited.
	Limit int64
	// Random shuffles the result instead of sorting.
	Random bool
}

// Extraction describes a cross-collection embedded projection: for each
// result document, the extraction query runs against an ancestor collection
// and its result is embedded under the reserved _foreign_doc field.
type Extraction struct {
	// Collection is the ancestor collection path.
	Collection string
	// Find is the extraction filter. Values may reference fields of the
	// outer document. Nil selects every document.
	Find document.Document
	// FindOne limits the embedded result to one document.
	FindOne   bool
	Sort      string
	Direction Direction
	Limit     int64
}

// Config is the fingerprint-relevant slice of a read configuration.
type Config struct {
	Extraction    []Extraction
	ReturnOnly    []string
	ExcludeFields []string
}

// OpType names a write operation.
type OpType string

const (
	OpSetOne     OpType = "setOne"
	OpSetMany    OpType = "setMany"
	OpUpdateOne  OpType = "updateOne"
	OpUpdateMany OpType = "updateMany"
	OpMergeOne   OpType = "mergeOne"
	OpMergeMany  OpType = "mergeMany"
	OpReplaceOne OpType = "replaceOne"
	OpPutOne     OpType = "putOne"
	OpDeleteOne  OpType = "deleteOne"
	OpDeleteMany OpType = "deleteMany"
)

// IsAtomic reports whether the operation runs through the update-operator
// table rather than writing a plain document.
func (t OpType) IsAtomic() bool {
	switch t {
	case OpUpdateOne, OpUpdateMany, OpMergeOne, OpMergeMany:
		return true
	default:
		return false
	}
}

// Many reports whether the operation may affect more than one document.
func (t OpType) Many() bool {
	switch t {
	case OpSetMany, OpUpdateMany, OpMergeMany, OpDeleteMany:
		return true
	default:
		return false
	}
}

// IsDelete reports whether the operation removes documents.
func (t OpType) IsDelete() bool {
	return t == OpDeleteOne || t == OpDeleteMany
}
