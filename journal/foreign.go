package journal

import (
	"github.com/breezedb/breeze-go/document"
	"github.com/breezedb/breeze-go/query"
)

// withForeignDoc recomputes the embedded cross-collection projection for a
// mutated document. Resolution runs through three tiers, cheapest first:
// reuse the document's own embedded projection when the resolved
// extraction filter still accepts it, then harvest matching embeddings
// from sibling documents in the same record, then rebuild from the
// ancestor collection's cached data.
//
// With one extraction the embedding is stored directly under
// _foreign_doc; with several it is an array aligned with the extraction
// list.
func (j *Journal) withForeignDoc(c *cachedRecord, doc document.Document, st *applyState) (document.Document, error) {
	exs := c.rec.Config.Extraction
	if len(exs) == 0 {
		return doc, nil
	}
	slots := make([]document.Value, len(exs))
	for i, ex := range exs {
		resolved := query.ResolveDynamic(ex.Find, doc)
		slot, err := j.resolveExtraction(c, doc, ex, resolved, i, st)
		if err != nil {
			return nil, err
		}
		slots[i] = slot
	}
	if len(slots) == 1 {
		return doc.Set(document.ForeignDocField, slots[0]), nil
	}
	return doc.Set(document.ForeignDocField, document.Array(slots...)), nil
}

func (j *Journal) resolveExtraction(c *cachedRecord, doc document.Document, ex query.Extraction, find document.Document, slot int, st *applyState) (document.Value, error) {
	// Tier 1: the document's existing embedding still satisfies the
	// resolved filter.
	if prev, ok := foreignSlot(doc, slot, len(c.rec.Config.Extraction)); ok {
		if match, err := slotMatches(prev, find); err == nil && match {
			return prev, nil
		}
	}

	// Tier 2: a sibling document already embeds matching ancestors.
	selfID := doc.IDKey()
	var candidates []document.Document
	for _, sibling := range c.rec.Data {
		if sibling.IDKey() == selfID {
			continue
		}
		prev, ok := foreignSlot(sibling, slot, len(c.rec.Config.Extraction))
		if !ok {
			continue
		}
		for _, emb := range slotDocs(prev) {
			ok, err := query.Matches(emb, find)
			if err != nil {
				return document.Value{}, err
			}
			if ok {
				candidates = appendUniqueDoc(candidates, emb)
			}
		}
	}

	// Tier 3: rebuild from the ancestor collection's cached records.
	if len(candidates) == 0 {
		for _, anc := range st.all {
			if anc.rec.Path != ex.Collection {
				continue
			}
			for _, emb := range anc.rec.Data {
				ok, err := query.Matches(emb, find)
				if err != nil {
					return document.Value{}, err
				}
				if ok {
					candidates = appendUniqueDoc(candidates, emb)
				}
			}
		}
	}

	cmd := query.Command{
		Find:      find,
		FindOne:   ex.FindOne,
		Sort:      ex.Sort,
		Direction: ex.Direction,
		Limit:     ex.Limit,
	}
	result := query.Reproject(candidates, cmd, query.Config{}, nil)
	if ex.FindOne {
		if len(result) == 0 {
			return document.Null(), nil
		}
		return document.Object(result[0]), nil
	}
	vals := make([]document.Value, len(result))
	for i, d := range result {
		vals[i] = document.Object(d)
	}
	return document.Array(vals...), nil
}

// foreignSlot extracts the embedding for one extraction from a document's
// _foreign_doc field.
func foreignSlot(doc document.Document, slot, total int) (document.Value, bool) {
	v, ok := doc.Get(document.ForeignDocField)
	if !ok {
		return document.Value{}, false
	}
	if total == 1 {
		return v, true
	}
	if v.Kind != document.KindArray || slot >= len(v.Arr) {
		return document.Value{}, false
	}
	return v.Arr[slot], true
}

// slotDocs flattens an embedding to its documents.
func slotDocs(v document.Value) []document.Document {
	switch v.Kind {
	case document.KindDoc:
		return []document.Document{v.Doc}
	case document.KindArray:
		var out []document.Document
		for _, e := range v.Arr {
			if e.Kind == document.KindDoc {
				out = append(out, e.Doc)
			}
		}
		return out
	default:
		return nil
	}
}

// slotMatches reports whether every document of an embedding satisfies
// the resolved extraction filter, and the embedding is not empty.
func slotMatches(v document.Value, find document.Document) (bool, error) {
	docs := slotDocs(v)
	if len(docs) == 0 {
		return false, nil
	}
	for _, d := range docs {
		ok, err := query.Matches(d, find)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

func appendUniqueDoc(docs []document.Document, d document.Document) []document.Document {
	id := d.IDKey()
	for _, existing := range docs {
		if existing.IDKey() == id {
			return docs
		}
	}
	return append(docs, d)
}
