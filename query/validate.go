package query

import (
	"fmt"
	"strings"

	"github.com/breezedb/breeze-go/document"
)

// updateOperators is the closed operator table of the update engine.
var updateOperators = map[string]bool{
	"$set": true, "$unset": true, "$inc": true, "$min": true, "$max": true,
	"$mul": true, "$rename": true, "$currentDate": true, "$addToSet": true,
	"$pop": true, "$pull": true, "$pullAll": true, "$push": true,
	"$setOnInsert": true,
}

// ValidateCollectionPath rejects empty paths and paths containing '.'.
func ValidateCollectionPath(path string) error {
	if strings.TrimSpace(path) == "" || strings.Contains(path, ".") {
		return fmt.Errorf("invalid collection path %q, expected a non-empty string without '.'", path)
	}
	return nil
}

// ValidateFilter checks a filter expression for structural errors by
// evaluating it against the empty document; evaluation of a malformed tree
// fails regardless of data.
func ValidateFilter(filter document.Document) error {
	_, err := Matches(document.Document{}, filter)
	return err
}

// ValidateCommand checks a full query descriptor.
func ValidateCommand(path string, cmd Command) error {
	if err := ValidateCollectionPath(path); err != nil {
		return err
	}
	if cmd.Limit < 0 {
		return fmt.Errorf("invalid limit %d, expected a positive whole number", cmd.Limit)
	}
	if cmd.Find != nil {
		if err := ValidateFilter(cmd.Find); err != nil {
			return err
		}
	}
	return nil
}

// ValidateConfig checks the cache-relevant read configuration.
func ValidateConfig(cfg Config) error {
	for i, ex := range cfg.Extraction {
		if ex.Collection == "" {
			return fmt.Errorf("extraction[%d]: collection is required", i)
		}
		if err := ValidateCollectionPath(ex.Collection); err != nil {
			return fmt.Errorf("extraction[%d]: %w", i, err)
		}
		if ex.Limit < 0 {
			return fmt.Errorf("extraction[%d]: invalid limit %d, expected a positive whole number", i, ex.Limit)
		}
		if ex.Find != nil {
			if err := ValidateFilter(ex.Find); err != nil {
				return fmt.Errorf("extraction[%d]: %w", i, err)
			}
		}
	}
	for _, f := range append(append([]string(nil), cfg.ReturnOnly...), cfg.ExcludeFields...) {
		if f == "" {
			return fmt.Errorf("empty field path in returnOnly/excludeFields")
		}
	}
	return nil
}

// ValidateWrite checks a write descriptor before any optimistic mutation:
// validation always precedes apply.
func ValidateWrite(op OpType, value document.Document, values []document.Document, filter document.Document) error {
	switch op {
	case OpSetOne, OpSetMany:
		docs := values
		if op == OpSetOne {
			if value == nil {
				return fmt.Errorf("expected a document in %s() operation", op)
			}
			docs = []document.Document{value}
		} else if docs == nil {
			return fmt.Errorf("expected an array of documents in %s() operation", op)
		}
		seen := make(map[string]bool, len(docs))
		for _, d := range docs {
			idKey := d.IDKey()
			if idKey == "" {
				return fmt.Errorf("no _id found in %s() operation", op)
			}
			if seen[idKey] {
				return fmt.Errorf("duplicate document _id found in %s() operation", op)
			}
			seen[idKey] = true
			if err := validatePlainWriteDoc(d, true); err != nil {
				return err
			}
		}
		return nil

	case OpDeleteOne, OpDeleteMany:
		if value != nil || values != nil {
			return fmt.Errorf("expected no value on %s() operation", op)
		}
		return ValidateFilter(filter)

	case OpReplaceOne, OpPutOne:
		if value == nil {
			return fmt.Errorf("expected a document in %s() operation", op)
		}
		if err := validatePlainWriteDoc(value, false); err != nil {
			return err
		}
		return ValidateFilter(filter)

	case OpUpdateOne, OpUpdateMany, OpMergeOne, OpMergeMany:
		if value == nil {
			return fmt.Errorf("expected an update expression in %s() operation", op)
		}
		if err := validateUpdateExpr(value); err != nil {
			return err
		}
		return ValidateFilter(filter)

	default:
		return fmt.Errorf("unknown write operation %q", op)
	}
}

// validatePlainWriteDoc enforces the non-atomic path rules: legal field
// names throughout and, unless the operation supplies the _id itself, no
// direct _id write.
func validatePlainWriteDoc(d document.Document, allowID bool) error {
	for _, f := range d {
		if f.Key == "_id" {
			if !allowID {
				return fmt.Errorf("you cannot change _id with this operation")
			}
			continue
		}
		if f.Key == document.ForeignDocField {
			return fmt.Errorf("%q is reserved, don't use it as a field in a document", document.ForeignDocField)
		}
		if err := document.ValidateFieldName(f.Key); err != nil {
			return err
		}
		if err := validatePlainValue(f.Val); err != nil {
			return fmt.Errorf("field %q: %w", f.Key, err)
		}
	}
	return nil
}

func validatePlainValue(v document.Value) error {
	switch v.Kind {
	case document.KindDoc:
		return validatePlainWriteDoc(v.Doc, false)
	case document.KindArray:
		for i, e := range v.Arr {
			if err := validatePlainValue(e); err != nil {
				return fmt.Errorf("[%d]: %w", i, err)
			}
		}
	}
	return nil
}

func validateUpdateExpr(update document.Document) error {
	if len(update) == 0 {
		return fmt.Errorf("empty update expression")
	}
	for _, f := range update {
		if !updateOperators[f.Key] {
			return fmt.Errorf("Unknown update operator: %q", f.Key)
		}
		if f.Val.Kind != document.KindDoc {
			return fmt.Errorf("the value of %q must be an object of field/value pairs", f.Key)
		}
		for _, t := range f.Val.Doc {
			if err := checkUpdatePath(t.Key); err != nil {
				return err
			}
		}
	}
	return nil
}
