package store

import (
	"context"
	"errors"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"
)

// evictable classes. Journal rows are never eviction candidates.
var evictClasses = map[string]bool{
	ClassInstances: true,
	ClassEpisodes:  true,
	ClassCounts:    true,
	ClassFetch:     true,
}

type evictCandidate struct {
	class   string
	scope   Scope
	key     string
	touched int64
	size    int64
}

// sweepAfterMutation runs the eviction sweep inline for volatile backends.
// Persistent backends sweep once at restore instead; their rows survive
// the process, so per-mutation pressure checks would re-scan the file
// constantly for no benefit.
func (s *Store) sweepAfterMutation(ctx context.Context) {
	if s.tables.Persistent() {
		return
	}
	if err := s.Sweep(ctx); err != nil {
		s.logger.Warn("eviction sweep failed", "error", err)
	}
}

// Restore rebuilds the size ledger from the backend's surviving tables and
// runs one eviction sweep. Call it once at startup for persistent backends.
func (s *Store) Restore(ctx context.Context) error {
	names, err := s.tables.List(ctx)
	if err != nil {
		return err
	}
	for _, name := range names {
		class, scope, err := ParseTableName(name)
		if err != nil {
			s.logger.Warn("skipping unrecognized table", "table", name, "error", err)
			continue
		}
		if !evictClasses[class] {
			continue
		}
		t, err := s.table(ctx, class, scope)
		if err != nil {
			return err
		}
		err = t.Scan(ctx, func(key string, _, size int64) error {
			path := ""
			if class != ClassFetch {
				if _, p, err := SplitRowKey(key); err == nil {
					path = p
				}
			}
			s.applyDelta(class, scope, path, size)
			return nil
		})
		if err != nil {
			return err
		}
	}
	return s.Sweep(ctx)
}

// Sweep evicts the oldest-touched records while the ledger total is at or
// above the ceiling, stopping once it drops below half of it. Rows pinned
// by an unacknowledged pending write are skipped, and a failure on one row
// never halts the sweep.
func (s *Store) Sweep(ctx context.Context) error {
	if s.maxSize <= 0 || s.ledger.Total() < s.maxSize {
		return nil
	}

	names, err := s.tables.List(ctx)
	if err != nil {
		return err
	}

	var (
		g, gctx    = errgroup.WithContext(ctx)
		candidates = make([][]evictCandidate, len(names))
	)
	for i, name := range names {
		class, scope, err := ParseTableName(name)
		if err != nil || !evictClasses[class] {
			continue
		}
		i, class, scope := i, class, scope
		g.Go(func() error {
			t, err := s.table(gctx, class, scope)
			if err != nil {
				return err
			}
			return t.Scan(gctx, func(key string, touched, size int64) error {
				candidates[i] = append(candidates[i], evictCandidate{
					class: class, scope: scope, key: key, touched: touched, size: size,
				})
				return nil
			})
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	var ranked []evictCandidate
	for _, cs := range candidates {
		ranked = append(ranked, cs...)
	}
	sort.Slice(ranked, func(i, j int) bool { return ranked[i].touched < ranked[j].touched })

	s.mu.Lock()
	pins := s.pins
	s.mu.Unlock()

	target := s.maxSize / 2
	started := time.Now()
	evicted := 0
	var freed int64
	for _, c := range ranked {
		if s.ledger.Total() < target {
			break
		}
		if c.class != ClassFetch {
			if accessID, _, err := SplitRowKey(c.key); err == nil && pins.Pinned(c.scope, accessID) {
				continue
			}
		}
		if err := s.evictOne(ctx, c); err != nil {
			s.logger.Warn("failed to evict row",
				"class", c.class, "key", c.key, "error", err)
			continue
		}
		evicted++
		freed += c.size
	}
	if evicted > 0 {
		s.logger.Debug("eviction sweep done", "evicted", evicted, "total", s.ledger.Total())
		if s.onSweep != nil {
			s.onSweep(freed, time.Since(started))
		}
	}
	return nil
}

func (s *Store) evictOne(ctx context.Context, c evictCandidate) error {
	t, err := s.table(ctx, c.class, c.scope)
	if err != nil {
		return err
	}
	return s.ser.Do(ctx, s.serialKey(c.class, c.scope, c.key), func() error {
		err := t.Delete(ctx, c.key)
		if errors.Is(err, ErrRowNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		path := ""
		if c.class != ClassFetch {
			if _, p, err := SplitRowKey(c.key); err == nil {
				path = p
			}
		}
		s.applyDelta(c.class, c.scope, path, -c.size)
		return nil
	})
}
