package breeze

import (
	"context"
	"errors"

	"github.com/breezedb/breeze-go/document"
	"github.com/breezedb/breeze-go/query"
	"github.com/breezedb/breeze-go/store"
	"github.com/breezedb/breeze-go/transport"
)

// Count returns the number of documents matching the filter. Fresh
// counts come from the server and are cached; when unreachable a cached
// count is served, and with neither available Count waits for
// connectivity.
func (c *Client) Count(ctx context.Context, path string, find document.Document) (int64, error) {
	if err := c.checkOpen(); err != nil {
		return 0, err
	}
	cmd := query.Command{Find: find}
	if err := query.ValidateCommand(path, cmd); err != nil {
		return 0, validationErr("query", err)
	}
	accessID := query.AccessID(path, cmd, query.Config{}, true)

	if c.reachable() {
		n, err := c.fetchCount(ctx, path, cmd, accessID)
		if err == nil {
			return n, nil
		}
		if isTerminal(err) {
			return 0, err
		}
		c.logger.Warn("count fetch failed, falling back", "collection", path, "error", err)
	}

	if rec, err := c.store.GetCount(ctx, c.scope, accessID, path); err == nil {
		return rec.Count, nil
	} else if !errors.Is(err, ErrCacheMiss) {
		return 0, err
	}

	for {
		if err := c.awaitReachable(ctx); err != nil {
			return 0, err
		}
		n, err := c.fetchCount(ctx, path, cmd, accessID)
		if err == nil {
			return n, nil
		}
		if isTerminal(err) {
			return 0, err
		}
		c.logger.Warn("count fetch failed, waiting for connectivity", "collection", path, "error", err)
	}
}

func (c *Client) fetchCount(ctx context.Context, path string, cmd query.Command, accessID string) (int64, error) {
	token, err := c.cfg.Tokens.AwaitReady(ctx, c.cfg.ProjectID)
	if err != nil {
		return 0, err
	}
	res, err := c.cfg.Sender.Send(ctx, transport.EndpointDocumentCount, readBody(Query{Path: path, Command: cmd}, query.Config{}), token)
	if err != nil {
		return 0, err
	}
	if _, err := c.store.PutCount(ctx, c.scope, accessID, &store.CountRecord{
		Path:  path,
		Count: res.Count,
	}); err != nil {
		c.logger.Warn("failed to cache count", "collection", path, "error", err)
	}
	return res.Count, nil
}
