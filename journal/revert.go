package journal

import (
	"context"
	"errors"

	"github.com/breezedb/breeze-go/document"
	"github.com/breezedb/breeze-go/store"
)

// Revert undoes an entry's optimistic effects by replaying its editions
// in reverse. An edition only applies when the cached document still
// equals what the optimistic update produced; a document changed since,
// for example by a live network refresh, is left untouched. Ledger
// deltas net out through the record rewrites, so a full revert restores
// the pre-write ledger exactly.
func (j *Journal) Revert(ctx context.Context, entry *Entry) error {
	scope := entry.Write.Scope
	changed := make(map[string]bool)
	for i := len(entry.Editions) - 1; i >= 0; i-- {
		ed := entry.Editions[i]
		rec, err := j.store.GetInstance(ctx, scope, ed.AccessID, ed.Path)
		if errors.Is(err, store.ErrCacheMiss) {
			continue
		}
		if err != nil {
			j.logger.Warn("revert: failed to load record", "accessId", ed.AccessID, "error", err)
			continue
		}
		if !revertEdition(rec, ed) {
			continue
		}
		if _, err := j.store.PutInstance(ctx, scope, ed.AccessID, rec); err != nil {
			j.logger.Warn("revert: failed to persist record", "accessId", ed.AccessID, "error", err)
			continue
		}
		changed[ed.AccessID] = true
	}
	for accessID := range changed {
		j.notify(scope, accessID)
	}
	return nil
}

// revertEdition applies one reverse edition in place and reports whether
// the record changed.
func revertEdition(rec *store.InstanceRecord, ed Edition) bool {
	idKey := editionIDKey(ed)
	idx := indexByID(rec.Data, idKey)

	switch {
	case ed.After == nil:
		// The write removed the document; restore it unless something
		// reinserted that id since.
		if idx >= 0 {
			return false
		}
		rec.Data = append(rec.Data, document.CloneDoc(ed.Before))
		return true

	case idx < 0:
		// The optimistic document is already gone; nothing to undo.
		return false

	case !document.EqualDocs(rec.Data[idx], ed.After):
		// Externally changed since the optimistic apply; keep the
		// newer state.
		return false

	case ed.Before == nil:
		// The write inserted it; take it back out.
		rec.Data = append(rec.Data[:idx:idx], rec.Data[idx+1:]...)
		return true

	default:
		rec.Data[idx] = document.CloneDoc(ed.Before)
		return true
	}
}

func editionIDKey(ed Edition) string {
	if ed.After != nil {
		return ed.After.IDKey()
	}
	return ed.Before.IDKey()
}
