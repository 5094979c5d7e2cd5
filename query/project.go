package query

import (
	"math/rand"
	"sort"

	"github.com/breezedb/breeze-go/document"
)

// Reproject serves a query locally from an unlimited cached result set:
// shuffle or sort, slice to the requested limit, and apply the field masks.
// The input slice is not mutated.
func Reproject(docs []document.Document, cmd Command, cfg Config, rnd *rand.Rand) []document.Document {
	out := append([]document.Document(nil), docs...)

	if cmd.Random {
		shuffle(out, rnd)
	} else if cmd.Sort != "" {
		dir := cmd.Direction
		if dir == DirectionNone {
			dir = DirectionAsc
		}
		sort.SliceStable(out, func(i, j int) bool {
			av, _ := out[i].GetPath(cmd.Sort)
			bv, _ := out[j].GetPath(cmd.Sort)
			cmp, ok := document.Compare(av, bv)
			if !ok {
				return false
			}
			if dir == DirectionDesc {
				return cmp > 0
			}
			return cmp < 0
		})
	}

	if cmd.FindOne && len(out) > 1 {
		out = out[:1]
	}
	if cmd.Limit > 0 && int64(len(out)) > cmd.Limit {
		out = out[:cmd.Limit]
	}

	if len(cfg.ReturnOnly) > 0 || len(cfg.ExcludeFields) > 0 {
		for i, d := range out {
			out[i] = MaskFields(d, cfg.ReturnOnly, cfg.ExcludeFields)
		}
	}
	return out
}

func shuffle(docs []document.Document, rnd *rand.Rand) {
	swap := func(i, j int) { docs[i], docs[j] = docs[j], docs[i] }
	if rnd != nil {
		rnd.Shuffle(len(docs), swap)
	} else {
		rand.Shuffle(len(docs), swap)
	}
}

// MaskFields applies returnOnly/excludeFields projection to one document.
// returnOnly wins when both are supplied; _id always survives.
func MaskFields(d document.Document, returnOnly, excludeFields []string) document.Document {
	if len(returnOnly) > 0 {
		out := document.Document{}
		if id, ok := d.Get("_id"); ok {
			out = out.Set("_id", id)
		}
		for _, p := range returnOnly {
			if v, ok := d.GetPath(p); ok {
				out = out.SetPath(p, document.Clone(v))
			}
		}
		return out
	}
	out := document.CloneDoc(d)
	for _, p := range excludeFields {
		if document.SplitPath(p)[0] == "_id" {
			continue
		}
		out = out.DeletePath(p)
	}
	return out
}
