package query

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"sort"

	"github.com/breezedb/breeze-go/document"
)

// accessDomain prefixes the fingerprint hash. The version suffix leaves
// room to migrate the canonicalization without colliding with old keys.
const accessDomain = "breeze/access/v1"

// AccessID canonicalizes a query descriptor into a stable cache key.
//
// Two descriptors fingerprint equal iff they select the same document set
// and shape: object key order, $and/$or/$nor branch order and synonymous
// direction spellings never change the result. When removeLimit is set the
// limit is dropped from the canonical form, which is how instance records
// share one key across differently-limited reads.
func AccessID(path string, cmd Command, cfg Config, removeLimit bool) string {
	rec := document.D(
		document.F("command", document.Object(canonicalCommand(cmd, removeLimit))),
		document.F("config", document.Object(canonicalConfig(cfg))),
		document.F("path", document.String(path)),
	)
	h := sha256.New()
	h.Write([]byte(accessDomain))
	h.Write([]byte{0x00})
	h.Write(document.EncodeDoc(rec))
	return hex.EncodeToString(h.Sum(nil))
}

func canonicalCommand(cmd Command, removeLimit bool) document.Document {
	var d document.Document
	if cmd.Direction != DirectionNone {
		d = append(d, document.F("direction", document.String(cmd.Direction.String())))
	}
	if cmd.Find != nil {
		key := "find"
		if cmd.FindOne {
			key = "findOne"
		}
		d = append(d, document.F(key, document.Object(CanonicalFilter(cmd.Find))))
	} else if cmd.FindOne {
		d = append(d, document.F("findOne", document.Object(nil)))
	}
	if cmd.Limit > 0 && !removeLimit {
		d = append(d, document.F("limit", document.Int64(cmd.Limit)))
	}
	if cmd.Random {
		d = append(d, document.F("random", document.Boolean(true)))
	}
	if cmd.Sort != "" {
		d = append(d, document.F("sort", document.String(cmd.Sort)))
	}
	sortFields(d)
	return d
}

func canonicalConfig(cfg Config) document.Document {
	var d document.Document
	if len(cfg.ExcludeFields) > 0 {
		d = append(d, document.F("excludeFields", stringSet(cfg.ExcludeFields)))
	}
	if len(cfg.Extraction) > 0 {
		arr := make([]document.Value, len(cfg.Extraction))
		for i, ex := range cfg.Extraction {
			arr[i] = document.Object(canonicalExtraction(ex))
		}
		d = append(d, document.F("extraction", document.Array(arr...)))
	}
	if len(cfg.ReturnOnly) > 0 {
		d = append(d, document.F("returnOnly", stringSet(cfg.ReturnOnly)))
	}
	sortFields(d)
	return d
}

func canonicalExtraction(ex Extraction) document.Document {
	var d document.Document
	d = append(d, document.F("collection", document.String(ex.Collection)))
	if ex.Direction != DirectionNone {
		d = append(d, document.F("direction", document.String(ex.Direction.String())))
	}
	if ex.Find != nil {
		key := "find"
		if ex.FindOne {
			key = "findOne"
		}
		d = append(d, document.F(key, document.Object(CanonicalFilter(ex.Find))))
	} else if ex.FindOne {
		d = append(d, document.F("findOne", document.Object(nil)))
	}
	if ex.Limit > 0 {
		d = append(d, document.F("limit", document.Int64(ex.Limit)))
	}
	if ex.Sort != "" {
		d = append(d, document.F("sort", document.String(ex.Sort)))
	}
	sortFields(d)
	return d
}

func stringSet(ss []string) document.Value {
	sorted := append([]string(nil), ss...)
	sort.Strings(sorted)
	vals := make([]document.Value, len(sorted))
	for i, s := range sorted {
		vals[i] = document.String(s)
	}
	return document.Array(vals...)
}

// CanonicalFilter returns a logically-equal filter with every document's
// keys sorted and $and/$or/$nor branch arrays ordered by their canonical
// encoding.
func CanonicalFilter(f document.Document) document.Document {
	out := make(document.Document, len(f))
	for i, fld := range f {
		out[i] = document.F(fld.Key, canonicalFilterValue(fld.Key, fld.Val))
	}
	sortFields(out)
	return out
}

func canonicalFilterValue(key string, v document.Value) document.Value {
	switch v.Kind {
	case document.KindDoc:
		return document.Object(CanonicalFilter(v.Doc))
	case document.KindArray:
		arr := make([]document.Value, len(v.Arr))
		for i, e := range v.Arr {
			arr[i] = canonicalFilterValue("", e)
		}
		if key == "$and" || key == "$or" || key == "$nor" {
			sort.SliceStable(arr, func(i, j int) bool {
				return bytes.Compare(document.Encode(arr[i]), document.Encode(arr[j])) < 0
			})
		}
		return document.Array(arr...)
	default:
		return v
	}
}

func sortFields(d document.Document) {
	sort.SliceStable(d, func(i, j int) bool { return d[i].Key < d[j].Key })
}
