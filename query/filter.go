package query

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/breezedb/breeze-go/document"
)

// Matches evaluates a filter expression against a document. It is pure: no
// I/O, neither input is mutated. Malformed filters return an error; a
// well-formed filter that simply selects nothing returns false.
func Matches(doc, filter document.Document) (bool, error) {
	return matchFilter(doc, doc, filter)
}

// matchFilter carries the root document separately because $text resolves
// its field paths against the root, not the current nested context.
func matchFilter(root, doc, filter document.Document) (bool, error) {
	for _, f := range filter {
		switch {
		case f.Key == "$and" || f.Key == "$nor":
			branches, err := filterBranches(f.Key, f.Val)
			if err != nil {
				return false, err
			}
			hit := 0
			for _, br := range branches {
				ok, err := matchFilter(root, doc, br)
				if err != nil {
					return false, err
				}
				if ok {
					hit++
				}
			}
			if f.Key == "$and" && hit != len(branches) {
				return false, nil
			}
			if f.Key == "$nor" && hit == len(branches) {
				return false, nil
			}
		case f.Key == "$or":
			branches, err := filterBranches(f.Key, f.Val)
			if err != nil {
				return false, err
			}
			// Zero branches do not constrain.
			matched := len(branches) == 0
			for _, br := range branches {
				ok, err := matchFilter(root, doc, br)
				if err != nil {
					return false, err
				}
				if ok {
					matched = true
					break
				}
			}
			if !matched {
				return false, nil
			}
		case f.Key == "$text":
			ok, err := matchText(root, f.Val)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
		case strings.HasPrefix(f.Key, "$"):
			return false, fmt.Errorf("%q operation is not allowed at the top level of a filter", f.Key)
		default:
			ok, err := matchField(root, doc, f.Key, f.Val)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
		}
	}
	return true, nil
}

func filterBranches(op string, v document.Value) ([]document.Document, error) {
	if v.Kind != document.KindArray {
		return nil, fmt.Errorf("%s must be an array", op)
	}
	out := make([]document.Document, 0, len(v.Arr))
	for i, e := range v.Arr {
		if e.Kind != document.KindDoc {
			return nil, fmt.Errorf("%s[%d] must be a filter object", op, i)
		}
		out = append(out, e.Doc)
	}
	return out, nil
}

// matchField evaluates one field predicate of a filter.
func matchField(root, doc document.Document, path string, cond document.Value) (bool, error) {
	fv, present := doc.GetPath(path)

	if cond.Kind == document.KindDoc {
		if hasOperatorKey(cond.Doc) {
			return matchOperators(root, path, fv, present, cond.Doc)
		}
		// Nested-path match: recurse with the field's value as the new
		// document context. Arrays of documents match on any element.
		if !present {
			return false, nil
		}
		for _, cand := range contexts(fv) {
			ok, err := matchFilter(root, cand, cond.Doc)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	}

	// Raw value: equality with plume semantics.
	if !present {
		return false, nil
	}
	return anyCandidate(fv, func(c document.Value) bool {
		return testEquality(cond, c)
	}), nil
}

func hasOperatorKey(d document.Document) bool {
	for _, f := range d {
		if strings.HasPrefix(f.Key, "$") {
			return true
		}
	}
	return false
}

// contexts lists the nested-document contexts reachable from a value.
func contexts(v document.Value) []document.Document {
	if v.Kind == document.KindDoc {
		return []document.Document{v.Doc}
	}
	if v.Kind == document.KindArray {
		var out []document.Document
		for _, e := range v.Arr {
			if e.Kind == document.KindDoc {
				out = append(out, e.Doc)
			}
		}
		return out
	}
	return nil
}

// candidates implements the plume rule: when the stored value is an array,
// a comparison is tried against the array itself and against each element.
func candidates(v document.Value) []document.Value {
	if v.Kind != document.KindArray {
		return []document.Value{v}
	}
	out := make([]document.Value, 0, len(v.Arr)+1)
	out = append(out, v)
	out = append(out, v.Arr...)
	return out
}

func anyCandidate(v document.Value, pred func(document.Value) bool) bool {
	for _, c := range candidates(v) {
		if pred(c) {
			return true
		}
	}
	return false
}

// testEquality is typed equality with one extension: a regex operand
// substring-tests string candidates instead of comparing as a value.
func testEquality(test, v document.Value) bool {
	if test.Kind == document.KindRegex {
		if v.Kind != document.KindString {
			return false
		}
		re, err := compileRegex(test.Str, test.Opt)
		if err != nil {
			return false
		}
		return re.MatchString(v.Str)
	}
	return document.Equal(test, v)
}

func matchOperators(root document.Document, path string, fv document.Value, present bool, ops document.Document) (bool, error) {
	for _, f := range ops {
		if !strings.HasPrefix(f.Key, "$") {
			return false, fmt.Errorf("cannot mix field %q with operators in the same predicate", f.Key)
		}
		if f.Key == "$options" {
			// Consumed together with $regex.
			if !ops.Has("$regex") {
				return false, fmt.Errorf("$options requires a companion $regex")
			}
			continue
		}
		ok, err := matchOperator(root, path, fv, present, f.Key, f.Val, ops)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func matchOperator(root document.Document, path string, fv document.Value, present bool, op string, arg document.Value, ops document.Document) (bool, error) {
	switch op {
	case "$eq":
		return present && anyCandidate(fv, func(c document.Value) bool {
			return testEquality(arg, c)
		}), nil

	case "$ne":
		if !present {
			return true, nil
		}
		return !anyCandidate(fv, func(c document.Value) bool {
			return testEquality(arg, c)
		}), nil

	case "$gt", "$gte", "$lt", "$lte":
		if !present {
			return false, nil
		}
		return anyCandidate(fv, func(c document.Value) bool {
			cmp, ok := document.Compare(c, arg)
			if !ok {
				return false
			}
			switch op {
			case "$gt":
				return cmp > 0
			case "$gte":
				return cmp >= 0
			case "$lt":
				return cmp < 0
			default:
				return cmp <= 0
			}
		}), nil

	case "$in", "$nin":
		if arg.Kind != document.KindArray {
			return false, fmt.Errorf("the value assigned to %q must be an array", op)
		}
		if !present {
			return op == "$nin", nil
		}
		hit := anyCandidate(fv, func(c document.Value) bool {
			for _, t := range arg.Arr {
				if testEquality(t, c) {
					return true
				}
			}
			return false
		})
		if op == "$in" {
			return hit, nil
		}
		return !hit, nil

	case "$all":
		if arg.Kind != document.KindArray {
			return false, fmt.Errorf("the value assigned to $all must be an array")
		}
		if !present {
			return false, nil
		}
		for _, want := range arg.Arr {
			if !anyCandidate(fv, func(c document.Value) bool {
				return testEquality(want, c)
			}) {
				return false, nil
			}
		}
		return true, nil

	case "$size":
		n, ok := wholeNumber(arg)
		if !ok || n < 0 {
			return false, fmt.Errorf("$size must be a positive whole number")
		}
		return present && fv.Kind == document.KindArray && int64(len(fv.Arr)) == n, nil

	case "$exists":
		if arg.Kind != document.KindBool {
			return false, fmt.Errorf("$exists requires a boolean value")
		}
		return present == arg.Bool, nil

	case "$type":
		if arg.Kind != document.KindString {
			return false, fmt.Errorf("$type requires a type name string")
		}
		if !present {
			return false, nil
		}
		return matchType(fv, arg.Str)

	case "$regex":
		pattern, options, err := regexArg(arg, ops)
		if err != nil {
			return false, err
		}
		re, err := compileRegex(pattern, options)
		if err != nil {
			return false, fmt.Errorf("invalid $regex: %w", err)
		}
		return present && anyCandidate(fv, func(c document.Value) bool {
			return c.Kind == document.KindString && re.MatchString(c.Str)
		}), nil

	case "$not":
		if arg.Kind == document.KindDoc && hasOperatorKey(arg.Doc) {
			ok, err := matchOperators(root, path, fv, present, arg.Doc)
			if err != nil {
				return false, err
			}
			return !ok, nil
		}
		// Non-object $not: negated equality.
		if !present {
			return true, nil
		}
		return !anyCandidate(fv, func(c document.Value) bool {
			return testEquality(arg, c)
		}), nil

	case "$near", "$nearSphere", "$geoWithin", "$geoIntersects":
		return matchGeo(op, fv, present, arg)

	default:
		return false, fmt.Errorf("%q operation is currently not supported", op)
	}
}

func regexArg(arg document.Value, ops document.Document) (pattern, options string, err error) {
	switch arg.Kind {
	case document.KindRegex:
		return arg.Str, arg.Opt, nil
	case document.KindString:
		pattern = arg.Str
	default:
		return "", "", fmt.Errorf("$regex requires a string or regex value")
	}
	if opt, ok := ops.Get("$options"); ok {
		if opt.Kind != document.KindString {
			return "", "", fmt.Errorf("$options requires a string value")
		}
		options = opt.Str
	}
	return pattern, options, nil
}

func compileRegex(pattern, options string) (*regexp.Regexp, error) {
	var flags strings.Builder
	for _, o := range options {
		switch o {
		case 'i', 'm', 's':
			flags.WriteRune(o)
		case 'x':
			// Extended mode has no Go equivalent; ignored.
		default:
			return nil, fmt.Errorf("unsupported regex option %q", string(o))
		}
	}
	if flags.Len() > 0 {
		pattern = "(?" + flags.String() + ")" + pattern
	}
	return regexp.Compile(pattern)
}

var typeAliases = map[string][]document.Kind{
	"double":    {document.KindDouble},
	"string":    {document.KindString},
	"object":    {document.KindDoc},
	"array":     {document.KindArray},
	"binData":   {document.KindBinary},
	"objectId":  {document.KindObjectID},
	"bool":      {document.KindBool},
	"date":      {document.KindDate},
	"null":      {document.KindNull},
	"regex":     {document.KindRegex},
	"int":       {document.KindInt32, document.KindInt64},
	"long":      {document.KindInt64},
	"decimal":   {document.KindDecimal},
	"timestamp": {document.KindTimestamp},
	"number":    {document.KindInt32, document.KindInt64, document.KindDouble, document.KindDecimal},
}

func matchType(fv document.Value, name string) (bool, error) {
	kinds, ok := typeAliases[name]
	if !ok {
		names := make([]string, 0, len(typeAliases))
		for n := range typeAliases {
			names = append(names, n)
		}
		return false, fmt.Errorf("invalid value supplied to $type, recognised data types are %v", names)
	}
	// The whole array matches "array"; otherwise any element's kind counts.
	if fv.Kind == document.KindArray && name == "array" {
		return true, nil
	}
	return anyCandidate(fv, func(c document.Value) bool {
		for _, k := range kinds {
			if c.Kind == k {
				return true
			}
		}
		return false
	}), nil
}

// matchText evaluates a top-level $text clause. Field paths resolve from
// the root document regardless of nesting.
func matchText(root document.Document, arg document.Value) (bool, error) {
	if arg.Kind != document.KindDoc {
		return false, fmt.Errorf("$text requires an object value")
	}
	search, ok := arg.Doc.Get("$search")
	if !ok || search.Kind != document.KindString {
		return false, fmt.Errorf("$search must have a string value")
	}
	caseSensitive := false
	if cs, ok := arg.Doc.Get("$caseSensitive"); ok {
		if cs.Kind != document.KindBool {
			return false, fmt.Errorf("$caseSensitive requires a boolean value")
		}
		caseSensitive = cs.Bool
	}
	var fields []string
	if lf, ok := arg.Doc.Get("$localFields"); ok {
		if lf.Kind != document.KindArray {
			return false, fmt.Errorf("$localFields requires an array of field paths")
		}
		for _, e := range lf.Arr {
			if e.Kind != document.KindString {
				return false, fmt.Errorf("$localFields requires string field paths")
			}
			fields = append(fields, e.Str)
		}
	}

	var parts []string
	for _, p := range fields {
		v, ok := root.GetPath(p)
		if !ok {
			continue
		}
		switch v.Kind {
		case document.KindString:
			parts = append(parts, v.Str)
		case document.KindArray:
			for _, e := range v.Arr {
				if e.Kind == document.KindString {
					parts = append(parts, e.Str)
				}
			}
		}
	}
	haystack := strings.TrimSpace(strings.Join(parts, " "))
	needle := strings.TrimSpace(search.Str)
	if !caseSensitive {
		haystack = strings.ToLower(haystack)
		needle = strings.ToLower(needle)
	}
	return strings.Contains(haystack, needle), nil
}

func wholeNumber(v document.Value) (int64, bool) {
	switch v.Kind {
	case document.KindInt32, document.KindInt64:
		return v.Int, true
	case document.KindDouble:
		if v.Num == float64(int64(v.Num)) {
			return int64(v.Num), true
		}
	}
	return 0, false
}
