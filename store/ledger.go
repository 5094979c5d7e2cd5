package store

import "sync"

// Scope identifies one remote database a client talks to. Every cache
// record and ledger counter is namespaced by it.
type Scope struct {
	ProjectID    string
	DatabaseURL  string
	DatabaseName string
}

type ledgerLeaf struct {
	scope Scope
	path  string
}

// Ledger tracks cached bytes per (scope, collection path) alongside the
// fetch-cache bytes per project. The process aggregates are maintained
// incrementally and always equal the sum of their leaves: every cache
// mutation pairs with an equal-and-opposite ledger delta, so a mutation
// undone (optimistic revert) nets to zero.
type Ledger struct {
	mu         sync.RWMutex
	db         map[ledgerLeaf]int64
	fetch      map[string]int64
	dbTotal    int64
	fetchTotal int64
}

func NewLedger() *Ledger {
	return &Ledger{
		db:    make(map[ledgerLeaf]int64),
		fetch: make(map[string]int64),
	}
}

// ApplyDB adds delta bytes to the record counter for path under scope.
func (l *Ledger) ApplyDB(scope Scope, path string, delta int64) {
	if delta == 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	leaf := ledgerLeaf{scope: scope, path: path}
	n := l.db[leaf] + delta
	if n == 0 {
		delete(l.db, leaf)
	} else {
		l.db[leaf] = n
	}
	l.dbTotal += delta
}

// ApplyFetch adds delta bytes to the fetch-cache counter for a project.
func (l *Ledger) ApplyFetch(projectID string, delta int64) {
	if delta == 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	n := l.fetch[projectID] + delta
	if n == 0 {
		delete(l.fetch, projectID)
	} else {
		l.fetch[projectID] = n
	}
	l.fetchTotal += delta
}

// PathSize returns the bytes attributed to one collection path.
func (l *Ledger) PathSize(scope Scope, path string) int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.db[ledgerLeaf{scope: scope, path: path}]
}

// DBSize is the process-wide record aggregate.
func (l *Ledger) DBSize() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.dbTotal
}

// FetchSize is the process-wide fetch-cache aggregate.
func (l *Ledger) FetchSize() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.fetchTotal
}

// Total is the combined footprint the evictor compares to the ceiling.
func (l *Ledger) Total() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.dbTotal + l.fetchTotal
}

// LeafSum recomputes the aggregate from leaves. Test hook for the
// aggregate-equals-leaf-sum invariant.
func (l *Ledger) LeafSum() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var sum int64
	for _, n := range l.db {
		sum += n
	}
	for _, n := range l.fetch {
		sum += n
	}
	return sum
}
