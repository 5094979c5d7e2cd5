package query

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/breezedb/breeze-go/document"
)

// pullSentinel wraps non-document array elements so they can be matched
// against object-shaped $pull conditions through the filter engine.
const pullSentinel = "_v"

// UpdateContext carries the apply-time inputs of an atomic update.
type UpdateContext struct {
	// IsNew is true when an upsert-style merge created the base document
	// because nothing matched the filter; $setOnInsert applies only then.
	IsNew bool
	// Op is the write operation being applied.
	Op OpType
	// NowMS resolves $currentDate and the server-time marker; zero means
	// wall clock.
	NowMS int64
	// Logger receives the non-fatal warnings the evaluator emits. Nil
	// discards them.
	Logger *slog.Logger
}

func (uc UpdateContext) now() int64 {
	if uc.NowMS != 0 {
		return uc.NowMS
	}
	return time.Now().UnixMilli()
}

func (uc UpdateContext) warn(msg string, args ...any) {
	if uc.Logger != nil {
		uc.Logger.Warn(msg, args...)
	}
}

// ApplyUpdate applies a table of update operators to a document and returns
// the new document. Inputs are never mutated. Every top-level key of the
// update expression must be a recognized operator.
func ApplyUpdate(base, update document.Document, uc UpdateContext) (document.Document, error) {
	out := base
	for _, f := range update {
		if f.Val.Kind != document.KindDoc {
			return nil, fmt.Errorf("the value of %q must be an object of field/value pairs", f.Key)
		}
		var err error
		switch f.Key {
		case "$set":
			out, err = applySet(out, f.Val.Doc, uc, false)
		case "$setOnInsert":
			if uc.IsNew {
				out, err = applySet(out, f.Val.Doc, uc, false)
			}
		case "$unset":
			for _, t := range f.Val.Doc {
				if err = checkUpdatePath(t.Key); err != nil {
					break
				}
				out = out.DeletePath(t.Key)
			}
		case "$inc":
			out, err = applyArith(out, f.Val.Doc, uc, "$inc")
		case "$mul":
			out, err = applyArith(out, f.Val.Doc, uc, "$mul")
		case "$min":
			out, err = applyMinMax(out, f.Val.Doc, true)
		case "$max":
			out, err = applyMinMax(out, f.Val.Doc, false)
		case "$rename":
			out, err = applyRename(out, f.Val.Doc)
		case "$currentDate":
			out, err = applyCurrentDate(out, f.Val.Doc, uc)
		case "$push":
			out, err = applyPush(out, f.Val.Doc)
		case "$addToSet":
			out, err = applyAddToSet(out, f.Val.Doc)
		case "$pop":
			out, err = applyPop(out, f.Val.Doc)
		case "$pull":
			out, err = applyPull(out, f.Val.Doc)
		case "$pullAll":
			out, err = applyPullAll(out, f.Val.Doc)
		default:
			return nil, fmt.Errorf("Unknown update operator: %q", f.Key)
		}
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func checkUpdatePath(path string) error {
	if path == "" {
		return fmt.Errorf("empty update path")
	}
	head := document.SplitPath(path)[0]
	if head == "_id" || head == document.ForeignDocField {
		return fmt.Errorf("cannot modify %q with an update operator", head)
	}
	return nil
}

func applySet(d, targets document.Document, uc UpdateContext, _ bool) (document.Document, error) {
	for _, t := range targets {
		if err := checkUpdatePath(t.Key); err != nil {
			return nil, err
		}
		d = d.SetPath(t.Key, resolveNow(document.Clone(t.Val), uc.now()))
	}
	return d, nil
}

// resolveNow rewrites the server-time marker to the apply-time clock so the
// cached optimistic view carries a concrete value.
func resolveNow(v document.Value, nowMS int64) document.Value {
	switch v.Kind {
	case document.KindTimestamp:
		if v.Now {
			return document.Timestamp(nowMS)
		}
	case document.KindDoc:
		for i, f := range v.Doc {
			v.Doc[i].Val = resolveNow(f.Val, nowMS)
		}
	case document.KindArray:
		for i, e := range v.Arr {
			v.Arr[i] = resolveNow(e, nowMS)
		}
	}
	return v
}

func applyArith(d, targets document.Document, uc UpdateContext, op string) (document.Document, error) {
	for _, t := range targets {
		if err := checkUpdatePath(t.Key); err != nil {
			return nil, err
		}
		operand, ok := t.Val.AsFloat()
		if !ok {
			return nil, fmt.Errorf("%s requires a numeric operand for %q", op, t.Key)
		}
		cur, present := d.GetPath(t.Key)
		if present && cur.Kind == document.KindNull {
			uc.warn("arithmetic update on null field skipped", "op", op, "path", t.Key)
			continue
		}
		if present && !cur.IsNumeric() {
			return nil, fmt.Errorf("cannot apply %s to non-numeric field %q (%s)", op, t.Key, cur.Kind)
		}
		var base float64
		if present {
			base, _ = cur.AsFloat()
		}
		var res float64
		if op == "$inc" {
			res = base + operand
		} else {
			res = base * operand
		}
		d = d.SetPath(t.Key, arithResult(cur, t.Val, res))
	}
	return d, nil
}

// arithResult keeps integer kinds integral when both operands are integral.
func arithResult(cur, operand document.Value, res float64) document.Value {
	integral := func(v document.Value) bool {
		return v.Kind == document.KindInt32 || v.Kind == document.KindInt64 || v.IsZero()
	}
	if integral(cur) && integral(operand) && res == float64(int64(res)) {
		return document.Int64(int64(res))
	}
	return document.Double(res)
}

func applyMinMax(d, targets document.Document, min bool) (document.Document, error) {
	for _, t := range targets {
		if err := checkUpdatePath(t.Key); err != nil {
			return nil, err
		}
		cur, present := d.GetPath(t.Key)
		if !present {
			d = d.SetPath(t.Key, document.Clone(t.Val))
			continue
		}
		cmp, ok := document.Compare(t.Val, cur)
		if !ok {
			continue
		}
		if (min && cmp < 0) || (!min && cmp > 0) {
			d = d.SetPath(t.Key, document.Clone(t.Val))
		}
	}
	return d, nil
}

func applyRename(d, targets document.Document) (document.Document, error) {
	for _, t := range targets {
		if err := checkUpdatePath(t.Key); err != nil {
			return nil, err
		}
		if t.Val.Kind != document.KindString {
			return nil, fmt.Errorf("$rename target for %q must be a string path", t.Key)
		}
		src := document.SplitPath(t.Key)
		dst := document.SplitPath(t.Val.Str)
		if len(src) != len(dst) {
			return nil, fmt.Errorf("$rename source %q and destination %q must share parent segments", t.Key, t.Val.Str)
		}
		for i := 0; i < len(src)-1; i++ {
			if src[i] != dst[i] {
				return nil, fmt.Errorf("$rename source %q and destination %q must share parent segments", t.Key, t.Val.Str)
			}
		}
		if err := checkUpdatePath(t.Val.Str); err != nil {
			return nil, err
		}
		v, present := d.GetPath(t.Key)
		if !present {
			continue
		}
		d = d.DeletePath(t.Key)
		d = d.SetPath(t.Val.Str, v)
	}
	return d, nil
}

func applyCurrentDate(d, targets document.Document, uc UpdateContext) (document.Document, error) {
	now := uc.now()
	for _, t := range targets {
		if err := checkUpdatePath(t.Key); err != nil {
			return nil, err
		}
		switch t.Val.Kind {
		case document.KindBool:
			if t.Val.Bool {
				d = d.SetPath(t.Key, document.Date(now))
			}
		case document.KindDoc:
			tv, ok := t.Val.Doc.Get("$type")
			if !ok || tv.Kind != document.KindString {
				return nil, fmt.Errorf("$currentDate for %q requires true or {$type: ...}", t.Key)
			}
			switch tv.Str {
			case "date":
				d = d.SetPath(t.Key, document.Date(now))
			case "timestamp":
				d = d.SetPath(t.Key, document.Timestamp(now))
			default:
				return nil, fmt.Errorf("$currentDate $type must be date or timestamp, got %q", tv.Str)
			}
		default:
			return nil, fmt.Errorf("$currentDate for %q requires true or {$type: ...}", t.Key)
		}
	}
	return d, nil
}

func targetArray(d document.Document, path, op string) ([]document.Value, error) {
	cur, present := d.GetPath(path)
	if !present {
		return nil, nil
	}
	if cur.Kind != document.KindArray {
		return nil, fmt.Errorf("cannot apply %s to non-array field %q (%s)", op, path, cur.Kind)
	}
	return cur.Arr, nil
}

func applyPush(d, targets document.Document) (document.Document, error) {
	for _, t := range targets {
		if err := checkUpdatePath(t.Key); err != nil {
			return nil, err
		}
		arr, err := targetArray(d, t.Key, "$push")
		if err != nil {
			return nil, err
		}

		each := []document.Value{document.Clone(t.Val)}
		position := len(arr)
		var sortSpec document.Value
		slice, hasSlice := int64(0), false

		if t.Val.Kind == document.KindDoc && !t.Val.Doc.Has("$each") {
			// A modifier document without $each is malformed, not a
			// literal element to store.
			for _, m := range t.Val.Doc {
				if strings.HasPrefix(m.Key, "$") {
					return nil, fmt.Errorf("$push modifier %q requires $each", m.Key)
				}
			}
		}

		if t.Val.Kind == document.KindDoc && t.Val.Doc.Has("$each") {
			mods := t.Val.Doc
			ev, _ := mods.Get("$each")
			if ev.Kind != document.KindArray {
				return nil, fmt.Errorf("$each requires an array value")
			}
			each = make([]document.Value, len(ev.Arr))
			for i, e := range ev.Arr {
				each[i] = document.Clone(e)
			}
			for _, m := range mods {
				switch m.Key {
				case "$each":
				case "$position":
					p, ok := wholeNumber(m.Val)
					if !ok || p < 0 {
						return nil, fmt.Errorf("$position must be a non-negative whole number")
					}
					if int(p) < position {
						position = int(p)
					}
				case "$sort":
					sortSpec = m.Val
				case "$slice":
					s, ok := wholeNumber(m.Val)
					if !ok {
						return nil, fmt.Errorf("$slice must be a whole number")
					}
					slice, hasSlice = s, true
				default:
					return nil, fmt.Errorf("unknown $push modifier %q", m.Key)
				}
			}
		}

		next := make([]document.Value, 0, len(arr)+len(each))
		next = append(next, arr[:position]...)
		next = append(next, each...)
		next = append(next, arr[position:]...)

		if !sortSpec.IsZero() {
			if err := sortElements(next, sortSpec); err != nil {
				return nil, err
			}
		}
		if hasSlice {
			next = sliceElements(next, slice)
		}
		d = d.SetPath(t.Key, document.Array(next...))
	}
	return d, nil
}

func sortElements(arr []document.Value, spec document.Value) error {
	switch spec.Kind {
	case document.KindInt32, document.KindInt64, document.KindDouble:
		dir, ok := wholeNumber(spec)
		if !ok || (dir != 1 && dir != -1) {
			return fmt.Errorf("$sort must be 1, -1 or a field/direction object")
		}
		sort.SliceStable(arr, func(i, j int) bool {
			cmp, ok := document.Compare(arr[i], arr[j])
			if !ok {
				return false
			}
			if dir < 0 {
				return cmp > 0
			}
			return cmp < 0
		})
		return nil
	case document.KindDoc:
		if len(spec.Doc) != 1 {
			return fmt.Errorf("$sort object must have exactly one field")
		}
		field := spec.Doc[0].Key
		dir, ok := wholeNumber(spec.Doc[0].Val)
		if !ok || (dir != 1 && dir != -1) {
			return fmt.Errorf("$sort direction must be 1 or -1")
		}
		sort.SliceStable(arr, func(i, j int) bool {
			var av, bv document.Value
			if arr[i].Kind == document.KindDoc {
				av, _ = arr[i].Doc.GetPath(field)
			}
			if arr[j].Kind == document.KindDoc {
				bv, _ = arr[j].Doc.GetPath(field)
			}
			cmp, ok := document.Compare(av, bv)
			if !ok {
				return false
			}
			if dir < 0 {
				return cmp > 0
			}
			return cmp < 0
		})
		return nil
	default:
		return fmt.Errorf("$sort must be 1, -1 or a field/direction object")
	}
}

func sliceElements(arr []document.Value, n int64) []document.Value {
	switch {
	case n == 0:
		return nil
	case n > 0:
		if int64(len(arr)) > n {
			return arr[:n]
		}
	default:
		if int64(len(arr)) > -n {
			return arr[int64(len(arr))+n:]
		}
	}
	return arr
}

func applyAddToSet(d, targets document.Document) (document.Document, error) {
	for _, t := range targets {
		if err := checkUpdatePath(t.Key); err != nil {
			return nil, err
		}
		arr, err := targetArray(d, t.Key, "$addToSet")
		if err != nil {
			return nil, err
		}
		add := []document.Value{t.Val}
		if t.Val.Kind == document.KindDoc {
			if ev, ok := t.Val.Doc.Get("$each"); ok {
				if ev.Kind != document.KindArray {
					return nil, fmt.Errorf("$each requires an array value")
				}
				add = ev.Arr
			}
		}
		next := append([]document.Value(nil), arr...)
		for _, candidate := range add {
			dup := false
			for _, existing := range next {
				if document.Equal(existing, candidate) {
					dup = true
					break
				}
			}
			if !dup {
				next = append(next, document.Clone(candidate))
			}
		}
		d = d.SetPath(t.Key, document.Array(next...))
	}
	return d, nil
}

func applyPop(d, targets document.Document) (document.Document, error) {
	for _, t := range targets {
		if err := checkUpdatePath(t.Key); err != nil {
			return nil, err
		}
		dir, ok := wholeNumber(t.Val)
		if !ok || (dir != 1 && dir != -1) {
			return nil, fmt.Errorf("$pop requires 1 or -1")
		}
		arr, err := targetArray(d, t.Key, "$pop")
		if err != nil {
			return nil, err
		}
		if len(arr) == 0 {
			continue
		}
		if dir == 1 {
			arr = arr[:len(arr)-1]
		} else {
			arr = arr[1:]
		}
		d = d.SetPath(t.Key, document.Array(append([]document.Value(nil), arr...)...))
	}
	return d, nil
}

func applyPull(d, targets document.Document) (document.Document, error) {
	for _, t := range targets {
		if err := checkUpdatePath(t.Key); err != nil {
			return nil, err
		}
		arr, err := targetArray(d, t.Key, "$pull")
		if err != nil {
			return nil, err
		}
		next := make([]document.Value, 0, len(arr))
		for _, e := range arr {
			hit, err := pullMatches(e, t.Val)
			if err != nil {
				return nil, err
			}
			if !hit {
				next = append(next, e)
			}
		}
		d = d.SetPath(t.Key, document.Array(next...))
	}
	return d, nil
}

// pullMatches decides whether an array element matches a $pull condition.
// Object conditions run through the filter engine; non-document elements
// are wrapped in a sentinel field so typed equality still applies.
func pullMatches(elem, cond document.Value) (bool, error) {
	if cond.Kind != document.KindDoc {
		return testEquality(cond, elem), nil
	}
	if hasOperatorKey(cond.Doc) {
		wrapped := document.D(document.F(pullSentinel, elem))
		filter := document.D(document.F(pullSentinel, cond))
		return Matches(wrapped, filter)
	}
	if elem.Kind == document.KindDoc {
		return Matches(elem.Doc, cond.Doc)
	}
	wrapped := document.D(document.F(pullSentinel, elem))
	filter := document.D(document.F(pullSentinel, cond))
	return Matches(wrapped, filter)
}

func applyPullAll(d, targets document.Document) (document.Document, error) {
	for _, t := range targets {
		if err := checkUpdatePath(t.Key); err != nil {
			return nil, err
		}
		if t.Val.Kind != document.KindArray {
			return nil, fmt.Errorf("$pullAll requires an array value")
		}
		arr, err := targetArray(d, t.Key, "$pullAll")
		if err != nil {
			return nil, err
		}
		next := make([]document.Value, 0, len(arr))
		for _, e := range arr {
			hit := false
			for _, want := range t.Val.Arr {
				if document.Equal(want, e) {
					hit = true
					break
				}
			}
			if !hit {
				next = append(next, e)
			}
		}
		d = d.SetPath(t.Key, document.Array(next...))
	}
	return d, nil
}

// MergeDocuments layers a plain document over a base one for merge-style
// writes, resolving the server-time marker. Dotted keys are not allowed in
// plain write documents, so layering is field-by-field.
func MergeDocuments(base, value document.Document, nowMS int64) document.Document {
	out := document.CloneDoc(base)
	for _, f := range value {
		out = out.Set(f.Key, resolveNow(document.Clone(f.Val), nowMS))
	}
	return out
}

// ResolveWriteDocument prepares a plain document for storage: deep-cloned
// with the server-time marker resolved.
func ResolveWriteDocument(value document.Document, nowMS int64) document.Document {
	out := document.CloneDoc(value)
	for i, f := range out {
		out[i].Val = resolveNow(f.Val, nowMS)
	}
	return out
}
