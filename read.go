package breeze

import (
	"context"
	"errors"
	"time"

	"github.com/breezedb/breeze-go/document"
	"github.com/breezedb/breeze-go/query"
	"github.com/breezedb/breeze-go/store"
	"github.com/breezedb/breeze-go/transport"
)

// Retrieval selects how a read balances cached and fresh data.
type Retrieval string

const (
	// RetrievalDefault fetches from the server when reachable and caches
	// the result; when unreachable it serves cached data, or waits for
	// connectivity if none exists. Respects DisableCache.
	RetrievalDefault Retrieval = "default"
	// RetrievalSticky serves cached data when present and otherwise
	// waits for connectivity to fetch and cache. Overrides DisableCache.
	RetrievalSticky Retrieval = "sticky"
	// RetrievalStickyNoAwait serves cached data when present; otherwise
	// it fetches once and errors when the server is unreachable.
	RetrievalStickyNoAwait Retrieval = "sticky-no-await"
	// RetrievalStickyReload serves cached data when present and then
	// refreshes it in the background; otherwise behaves like sticky.
	RetrievalStickyReload Retrieval = "sticky-reload"
	// RetrievalCacheAwait behaves like default but always uses the cache.
	RetrievalCacheAwait Retrieval = "cache-await"
	// RetrievalCacheNoAwait fetches when reachable, falls back to cached
	// data, and errors instead of waiting when neither is available.
	RetrievalCacheNoAwait Retrieval = "cache-no-await"
	// RetrievalNoCacheAwait always fetches fresh data, never touching
	// the cache, waiting for connectivity when unreachable.
	RetrievalNoCacheAwait Retrieval = "no-cache-await"
	// RetrievalNoCacheNoAwait always fetches fresh data and errors when
	// the server is unreachable.
	RetrievalNoCacheNoAwait Retrieval = "no-cache-no-await"
)

// Query names a collection and its read descriptor.
type Query struct {
	Path    string
	Command query.Command
}

// ReadConfig shapes one read call.
type ReadConfig struct {
	Retrieval Retrieval
	// Episode serves the frozen last-delivered page for this exact
	// descriptor instead of a locally reprojected window.
	Episode bool
	// DisableCache skips cache reads and writes for policies that
	// respect it.
	DisableCache bool

	Extraction    []query.Extraction
	ReturnOnly    []string
	ExcludeFields []string
}

func (cfg ReadConfig) queryConfig() query.Config {
	return query.Config{
		Extraction:    cfg.Extraction,
		ReturnOnly:    cfg.ReturnOnly,
		ExcludeFields: cfg.ExcludeFields,
	}
}

// readPolicy is the decomposed retrieval behavior.
type readPolicy struct {
	cacheRead  bool
	cacheWrite bool
	localFirst bool
	reload     bool
	await      bool
}

func resolvePolicy(r Retrieval, disableCache bool) readPolicy {
	switch r {
	case RetrievalSticky:
		return readPolicy{cacheRead: true, cacheWrite: true, localFirst: true, await: true}
	case RetrievalStickyNoAwait:
		return readPolicy{cacheRead: true, cacheWrite: true, localFirst: true}
	case RetrievalStickyReload:
		return readPolicy{cacheRead: true, cacheWrite: true, localFirst: true, reload: true, await: true}
	case RetrievalCacheAwait:
		return readPolicy{cacheRead: true, cacheWrite: true, await: true}
	case RetrievalCacheNoAwait:
		return readPolicy{cacheRead: true, cacheWrite: true}
	case RetrievalNoCacheAwait:
		return readPolicy{await: true}
	case RetrievalNoCacheNoAwait:
		return readPolicy{}
	default:
		// RetrievalDefault is the only policy that honors DisableCache.
		return readPolicy{cacheRead: !disableCache, cacheWrite: !disableCache, await: true}
	}
}

// Read resolves a query according to its retrieval policy. Concurrent
// identical fetches are collapsed into one network request.
func (c *Client) Read(ctx context.Context, q Query, cfg ReadConfig) ([]document.Document, error) {
	start := time.Now()
	docs, source, err := c.read(ctx, q, cfg)
	c.metrics.RecordRead(source, time.Since(start), err)
	return docs, err
}

func (c *Client) read(ctx context.Context, q Query, cfg ReadConfig) ([]document.Document, ReadSource, error) {
	if err := c.checkOpen(); err != nil {
		return nil, ReadSourceCache, err
	}
	if err := query.ValidateCommand(q.Path, q.Command); err != nil {
		return nil, ReadSourceCache, validationErr("query", err)
	}
	qcfg := cfg.queryConfig()
	if err := query.ValidateConfig(qcfg); err != nil {
		return nil, ReadSourceCache, validationErr("read config", err)
	}

	pol := resolvePolicy(cfg.Retrieval, cfg.DisableCache)

	if pol.localFirst && pol.cacheRead {
		docs, err := c.readLocal(ctx, q, qcfg, cfg.Episode)
		if err == nil {
			if pol.reload {
				go c.backgroundReload(q, qcfg)
			}
			return docs, ReadSourceCache, nil
		}
		if !errors.Is(err, ErrCacheMiss) {
			return nil, ReadSourceCache, err
		}
	}

	if c.reachable() {
		docs, err := c.fetch(ctx, q, qcfg, pol.cacheWrite)
		if err == nil {
			return docs, ReadSourceNetwork, nil
		}
		var serverErr *ServerError
		if errors.As(err, &serverErr) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, ReadSourceNetwork, err
		}
		c.logger.Warn("read fetch failed, falling back", "collection", q.Path, "error", err)
	}

	if !pol.localFirst && pol.cacheRead {
		docs, err := c.readLocal(ctx, q, qcfg, cfg.Episode)
		if err == nil {
			return docs, ReadSourceCache, nil
		}
		if !errors.Is(err, ErrCacheMiss) {
			return nil, ReadSourceCache, err
		}
	}

	if !pol.await {
		return nil, ReadSourceNetwork, ErrUnreachable
	}

	for {
		if err := c.awaitReachable(ctx); err != nil {
			return nil, ReadSourceNetwork, err
		}
		docs, err := c.fetch(ctx, q, qcfg, pol.cacheWrite)
		if err == nil {
			return docs, ReadSourceNetwork, nil
		}
		var serverErr *ServerError
		if errors.As(err, &serverErr) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, ReadSourceNetwork, err
		}
		c.logger.Warn("read fetch failed, waiting for connectivity", "collection", q.Path, "error", err)
	}
}

// readLocal serves a read from the cache, or ErrCacheMiss.
func (c *Client) readLocal(ctx context.Context, q Query, qcfg query.Config, episode bool) ([]document.Document, error) {
	if episode {
		id := query.AccessID(q.Path, q.Command, qcfg, false)
		rec, err := c.store.GetEpisode(ctx, c.scope, id, q.Path)
		if err != nil {
			return nil, err
		}
		out := make([]document.Document, len(rec.Data))
		for i, d := range rec.Data {
			out[i] = query.MaskFields(d, qcfg.ReturnOnly, qcfg.ExcludeFields)
		}
		return out, nil
	}

	id := query.AccessID(q.Path, q.Command, qcfg, true)
	rec, err := c.store.GetInstance(ctx, c.scope, id, q.Path)
	if err != nil {
		return nil, err
	}
	if !rec.CanServe(q.Command.Limit) {
		// Fewer documents are cached than the read wants.
		return nil, ErrCacheMiss
	}
	return query.Reproject(rec.Data, q.Command, qcfg, c.random()), nil
}

// fetch retrieves fresh data from the server, deduplicated per
// fully-qualified fingerprint, caching the result when cacheWrite is set.
func (c *Client) fetch(ctx context.Context, q Query, qcfg query.Config, cacheWrite bool) ([]document.Document, error) {
	episodeID := query.AccessID(q.Path, q.Command, qcfg, false)
	v, err, _ := c.flights.Do(episodeID, func() (any, error) {
		token, err := c.cfg.Tokens.AwaitReady(ctx, c.cfg.ProjectID)
		if err != nil {
			return nil, err
		}
		endpoint := transport.EndpointQueryCollection
		if q.Command.FindOne {
			endpoint = transport.EndpointReadDocument
		}
		res, err := c.cfg.Sender.Send(ctx, endpoint, readBody(q, qcfg), token)
		if err != nil {
			return nil, err
		}
		if cacheWrite {
			c.cacheResult(ctx, q, qcfg, episodeID, res.Docs)
		}
		return res.Docs, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]document.Document), nil
}

func (c *Client) backgroundReload(q Query, qcfg query.Config) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := c.fetch(ctx, q, qcfg, true); err != nil {
		c.logger.Debug("background reload failed", "collection", q.Path, "error", err)
	}
}

// cacheResult commits a fetched result set: the frozen episode for this
// exact descriptor, and the instance record when the fetch widens (or
// first establishes) its window.
func (c *Client) cacheResult(ctx context.Context, q Query, qcfg query.Config, episodeID string, docs []document.Document) {
	accessID := query.AccessID(q.Path, q.Command, qcfg, true)

	if _, err := c.store.PutEpisode(ctx, c.scope, episodeID, &store.EpisodeRecord{
		Path: q.Path,
		Data: docs,
	}); err != nil {
		c.logger.Warn("failed to cache episode", "collection", q.Path, "error", err)
	}

	cmd := q.Command
	cmd.Limit = 0

	rec, err := c.store.GetInstance(ctx, c.scope, accessID, q.Path)
	switch {
	case errors.Is(err, ErrCacheMiss):
		rec = &store.InstanceRecord{
			Path:          q.Path,
			Command:       cmd,
			Config:        qcfg,
			LatestLimiter: q.Command.Limit,
			Data:          docs,
		}
	case err != nil:
		c.logger.Warn("failed to load instance record", "collection", q.Path, "error", err)
		return
	default:
		if q.Command.Limit == 0 {
			rec.LatestLimiter = 0
			rec.Data = docs
		} else if rec.LatestLimiter != 0 && q.Command.Limit >= rec.LatestLimiter {
			rec.LatestLimiter = q.Command.Limit
			rec.Data = docs
		} else {
			// The cached window is already wider; just refresh touched.
			return
		}
	}
	if _, err := c.store.PutInstance(ctx, c.scope, accessID, rec); err != nil {
		c.logger.Warn("failed to cache instance record", "collection", q.Path, "error", err)
		return
	}
	c.fanout(c.scope, accessID)
}

// readBody renders a read descriptor for the wire.
func readBody(q Query, qcfg query.Config) document.Document {
	var d document.Document
	d = append(d, document.F("path", document.String(q.Path)))
	cmd := store.EncodeCommand(q.Command)
	d = append(d, document.F("command", document.Object(cmd)))
	if cfgDoc := store.EncodeConfig(qcfg); cfgDoc != nil {
		d = append(d, document.F("config", document.Object(cfgDoc)))
	}
	return d
}
