package journal

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/breezedb/breeze-go/document"
	"github.com/breezedb/breeze-go/query"
	"github.com/breezedb/breeze-go/store"
)

type cachedRecord struct {
	accessID string
	rec      *store.InstanceRecord
	dirty    bool
}

// Apply validates a write, applies it optimistically to every cached
// instance record of the affected collection, journals the resulting
// editions and returns the queued entry. The optimistic state is fully
// committed before Apply returns, so an immediately following read
// observes it.
//
// A failure applying to one cached record is logged and skipped; the
// write still queues for the server, which is authoritative.
func (j *Journal) Apply(ctx context.Context, w Write) (*Entry, error) {
	if err := query.ValidateCollectionPath(w.Path); err != nil {
		return nil, err
	}
	if err := query.ValidateWrite(w.Op, w.Value, w.Values, w.Find); err != nil {
		return nil, err
	}

	nowMS := j.now()
	entry := &Entry{ID: newEntryID(), Write: w, AddedOn: nowMS}

	var all []*cachedRecord
	err := j.store.ScanInstances(ctx, w.Scope, func(accessID, path string, rec *store.InstanceRecord) error {
		all = append(all, &cachedRecord{accessID: accessID, rec: rec})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load cached records: %w", err)
	}

	var affected []*cachedRecord
	for _, c := range all {
		if c.rec.Path == w.Path {
			affected = append(affected, c)
		}
	}

	st := &applyState{
		write:   w,
		nowMS:   nowMS,
		all:     all,
		mutated: make(map[string]document.Document),
	}

	for _, c := range affected {
		eds, err := j.applyToRecord(c, st)
		if err != nil {
			j.logger.Warn("optimistic apply failed for one record",
				"accessId", c.accessID, "op", string(w.Op), "error", err)
			continue
		}
		if len(eds) > 0 {
			c.dirty = true
			entry.Editions = append(entry.Editions, eds...)
		}
	}

	// An updated document may now qualify for a filtered record it was
	// not cached in. Insert it there too.
	ids := make([]string, 0, len(st.mutated))
	for id := range st.mutated {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, c := range affected {
		for _, idKey := range ids {
			after := st.mutated[idKey]
			if indexByID(c.rec.Data, idKey) >= 0 {
				continue
			}
			ok, err := query.Matches(after, c.rec.Command.Find)
			if err != nil || !ok {
				continue
			}
			after, err = j.withForeignDoc(c, after, st)
			if err != nil {
				j.logger.Warn("foreign doc recompute failed", "accessId", c.accessID, "error", err)
			}
			c.rec.Data = append(c.rec.Data, after)
			c.dirty = true
			entry.Editions = append(entry.Editions, Edition{
				AccessID: c.accessID, Path: c.rec.Path, After: after,
			})
		}
	}

	// Pins must exist before the mutated records persist: an ephemeral
	// backend sweeps after every mutation, and an unpinned record in
	// that window could be evicted along with the editions needed to
	// revert it.
	j.pin(w.Scope, entry.Editions)

	for _, c := range all {
		if !c.dirty {
			continue
		}
		if _, err := j.store.PutInstance(ctx, w.Scope, c.accessID, c.rec); err != nil {
			j.logger.Warn("failed to persist optimistic record",
				"accessId", c.accessID, "error", err)
			continue
		}
		j.notify(w.Scope, c.accessID)
	}

	if err := j.append(ctx, w.Scope, entry); err != nil {
		// A write that never queued must not leave optimistic state
		// behind; it would neither deliver nor revert.
		if rerr := j.Revert(ctx, entry); rerr != nil {
			j.logger.Warn("failed to unwind optimistic state",
				"entry", entry.ID, "error", rerr)
		}
		j.unpin(w.Scope, entry.Editions)
		return nil, err
	}
	return entry, nil
}

type applyState struct {
	write Write
	nowMS int64
	all   []*cachedRecord
	// mutated maps _id keys to post-update documents for the
	// cross-record insertion pass.
	mutated map[string]document.Document
	// upsertID is the id generated once per write for documents created
	// by putOne or a merge upsert, shared across records.
	upsertID document.Value
}

func (st *applyState) generatedID() document.Value {
	if st.upsertID.IsZero() {
		u := uuid.New()
		var b [12]byte
		copy(b[:], u[:12])
		st.upsertID = document.ObjectID(b)
	}
	return st.upsertID
}

func (j *Journal) applyToRecord(c *cachedRecord, st *applyState) ([]Edition, error) {
	w := st.write
	switch {
	case w.Op == query.OpSetOne || w.Op == query.OpSetMany:
		return j.applyInsert(c, st)
	case w.Op == query.OpReplaceOne || w.Op == query.OpPutOne:
		return j.applyReplace(c, st)
	case w.Op.IsDelete():
		return j.applyDelete(c, st)
	case w.Op.IsAtomic():
		return j.applyAtomic(c, st)
	default:
		return nil, fmt.Errorf("unknown write operation %q", w.Op)
	}
}

func (j *Journal) applyInsert(c *cachedRecord, st *applyState) ([]Edition, error) {
	w := st.write
	docs := w.Values
	if w.Op == query.OpSetOne {
		docs = []document.Document{w.Value}
	}
	var eds []Edition
	for _, v := range docs {
		resolved := query.ResolveWriteDocument(v, st.nowMS)
		idKey := resolved.IDKey()
		if indexByID(c.rec.Data, idKey) >= 0 {
			j.warnDuplicate(w.Scope, w.Path, idKey)
			continue
		}
		ok, err := query.Matches(resolved, c.rec.Command.Find)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		resolved, err = j.withForeignDoc(c, resolved, st)
		if err != nil {
			return nil, err
		}
		c.rec.Data = append(c.rec.Data, resolved)
		eds = append(eds, Edition{AccessID: c.accessID, Path: c.rec.Path, After: resolved})
	}
	return eds, nil
}

func (j *Journal) applyReplace(c *cachedRecord, st *applyState) ([]Edition, error) {
	w := st.write
	idx, err := firstMatch(c.rec.Data, w.Find)
	if err != nil {
		return nil, err
	}
	if idx < 0 {
		if w.Op != query.OpPutOne {
			return nil, nil
		}
		// putOne with no local match inserts a fresh document.
		after := query.ResolveWriteDocument(w.Value, st.nowMS)
		after = after.Set("_id", st.generatedID())
		return j.insertIfMatching(c, after, st)
	}
	before := c.rec.Data[idx]
	after := query.ResolveWriteDocument(w.Value, st.nowMS)
	if id, ok := before.ID(); ok {
		after = after.Set("_id", id)
	}
	return j.replaceAt(c, idx, before, after, st)
}

func (j *Journal) applyDelete(c *cachedRecord, st *applyState) ([]Edition, error) {
	w := st.write
	var eds []Edition
	kept := c.rec.Data[:0:0]
	deleted := false
	for _, doc := range c.rec.Data {
		if deleted && w.Op == query.OpDeleteOne {
			kept = append(kept, doc)
			continue
		}
		ok, err := query.Matches(doc, w.Find)
		if err != nil {
			return nil, err
		}
		if !ok {
			kept = append(kept, doc)
			continue
		}
		deleted = true
		eds = append(eds, Edition{AccessID: c.accessID, Path: c.rec.Path, Before: doc})
	}
	if deleted {
		c.rec.Data = kept
	}
	return eds, nil
}

func (j *Journal) applyAtomic(c *cachedRecord, st *applyState) ([]Edition, error) {
	w := st.write
	one := w.Op == query.OpUpdateOne || w.Op == query.OpMergeOne
	uc := query.UpdateContext{Op: w.Op, NowMS: st.nowMS, Logger: j.logger}

	var eds []Edition
	matched := false
	for idx := 0; idx < len(c.rec.Data); idx++ {
		if matched && one {
			break
		}
		before := c.rec.Data[idx]
		ok, err := query.Matches(before, w.Find)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		matched = true
		after, err := query.ApplyUpdate(before, w.Value, uc)
		if err != nil {
			return nil, err
		}
		st.mutated[after.IDKey()] = after
		more, err := j.replaceAt(c, idx, before, after, st)
		if err != nil {
			return nil, err
		}
		if len(more) > 0 && more[len(more)-1].After == nil {
			// The updated document no longer matches this record.
			idx--
		}
		eds = append(eds, more...)
	}

	if !matched && (w.Op == query.OpMergeOne || w.Op == query.OpMergeMany) {
		// Upsert-style merge: nothing matched locally, create the
		// document the filter describes.
		base := upsertBase(w.Find)
		if _, ok := base.ID(); !ok {
			base = base.Set("_id", st.generatedID())
		}
		uc.IsNew = true
		after, err := query.ApplyUpdate(base, w.Value, uc)
		if err != nil {
			return nil, err
		}
		st.mutated[after.IDKey()] = after
		more, err := j.insertIfMatching(c, after, st)
		if err != nil {
			return nil, err
		}
		eds = append(eds, more...)
	}
	return eds, nil
}

// replaceAt swaps the document at idx for after, removing it instead when
// it no longer matches the record's own filter.
func (j *Journal) replaceAt(c *cachedRecord, idx int, before, after document.Document, st *applyState) ([]Edition, error) {
	still, err := query.Matches(after, c.rec.Command.Find)
	if err != nil {
		return nil, err
	}
	if !still {
		c.rec.Data = append(c.rec.Data[:idx:idx], c.rec.Data[idx+1:]...)
		return []Edition{{AccessID: c.accessID, Path: c.rec.Path, Before: before}}, nil
	}
	after, err = j.withForeignDoc(c, after, st)
	if err != nil {
		return nil, err
	}
	c.rec.Data[idx] = after
	return []Edition{{AccessID: c.accessID, Path: c.rec.Path, Before: before, After: after}}, nil
}

func (j *Journal) insertIfMatching(c *cachedRecord, after document.Document, st *applyState) ([]Edition, error) {
	ok, err := query.Matches(after, c.rec.Command.Find)
	if err != nil || !ok {
		return nil, err
	}
	after, err = j.withForeignDoc(c, after, st)
	if err != nil {
		return nil, err
	}
	c.rec.Data = append(c.rec.Data, after)
	return []Edition{{AccessID: c.accessID, Path: c.rec.Path, After: after}}, nil
}

func (j *Journal) warnDuplicate(scope store.Scope, path, idKey string) {
	key := scope.ProjectID + "\x00" + path + "\x00" + idKey
	j.mu.Lock()
	warned := j.warnedDups[key]
	j.warnedDups[key] = true
	j.mu.Unlock()
	if !warned {
		j.logger.Warn("skipping insert of duplicate _id, deferring to server",
			"collection", path)
	}
}

func firstMatch(docs []document.Document, filter document.Document) (int, error) {
	for i, doc := range docs {
		ok, err := query.Matches(doc, filter)
		if err != nil {
			return -1, err
		}
		if ok {
			return i, nil
		}
	}
	return -1, nil
}

func indexByID(docs []document.Document, idKey string) int {
	if idKey == "" {
		return -1
	}
	for i, doc := range docs {
		if doc.IDKey() == idKey {
			return i
		}
	}
	return -1
}

// upsertBase seeds a merge-created document with the filter's top-level
// equality constraints.
func upsertBase(find document.Document) document.Document {
	var base document.Document
	for _, f := range find {
		if strings.HasPrefix(f.Key, "$") {
			continue
		}
		if f.Val.Kind == document.KindDoc && operatorDoc(f.Val.Doc) {
			continue
		}
		base = base.SetPath(f.Key, document.Clone(f.Val))
	}
	return base
}

func operatorDoc(d document.Document) bool {
	for _, f := range d {
		if strings.HasPrefix(f.Key, "$") {
			return true
		}
	}
	return false
}
