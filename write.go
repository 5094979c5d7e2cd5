package breeze

import (
	"context"
	"errors"
	"time"

	"github.com/breezedb/breeze-go/document"
	"github.com/breezedb/breeze-go/journal"
	"github.com/breezedb/breeze-go/query"
	"github.com/breezedb/breeze-go/transport"
)

// isTerminal reports errors that retrying cannot fix.
func isTerminal(err error) bool {
	var serverErr *ServerError
	return errors.As(err, &serverErr) ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// Delivery selects how a write reaches the server.
type Delivery string

const (
	// DeliveryDefault applies the write to the cache optimistically and
	// awaits the server's acknowledgment.
	DeliveryDefault Delivery = "default"
	// DeliveryCacheAwait is the explicit spelling of DeliveryDefault.
	DeliveryCacheAwait Delivery = "cache-await"
	// DeliveryCacheNoAwait applies the write to the cache and returns a
	// queued status immediately; delivery happens in the background and
	// its outcome is observable only through the cache (revert on
	// rejection).
	DeliveryCacheNoAwait Delivery = "cache-no-await"
	// DeliveryNoCacheAwait skips the cache entirely and awaits the
	// server, waiting for connectivity when unreachable.
	DeliveryNoCacheAwait Delivery = "no-cache-await"
	// DeliveryNoCacheNoAwait skips the cache and errors when the server
	// is unreachable.
	DeliveryNoCacheNoAwait Delivery = "no-cache-no-await"
)

// WriteOp names a write operation against one collection.
type WriteOp struct {
	Path string
	Op   query.OpType
	// Value is the single document or update expression.
	Value document.Document
	// Values holds the documents of a *Many set.
	Values []document.Document
	// Find selects the target documents for update/replace/delete ops.
	Find document.Document
}

// WriteConfig shapes one write call.
type WriteConfig struct {
	Delivery Delivery
}

// WriteStatus is the outcome reported to the write's caller.
type WriteStatus string

const (
	// StatusAcknowledged means the server accepted the write.
	StatusAcknowledged WriteStatus = "acknowledged"
	// StatusQueued means the write is journaled for background delivery.
	StatusQueued WriteStatus = "queued"
)

// WriteResult reports a write's outcome.
type WriteResult struct {
	Status WriteStatus
	// EntryID identifies the journal entry for cache-backed deliveries.
	EntryID string
}

// Write validates a write, applies it per the delivery policy and
// reports its status. For cache-backed deliveries the optimistic state
// is committed before Write returns, so an immediately following read
// observes it.
func (c *Client) Write(ctx context.Context, w WriteOp, cfg WriteConfig) (WriteResult, error) {
	start := time.Now()
	res, err := c.write(ctx, w, cfg)
	c.metrics.RecordWrite(res.Status, time.Since(start), err)
	return res, err
}

func (c *Client) write(ctx context.Context, w WriteOp, cfg WriteConfig) (WriteResult, error) {
	if err := c.checkOpen(); err != nil {
		return WriteResult{}, err
	}
	if err := query.ValidateCollectionPath(w.Path); err != nil {
		return WriteResult{}, validationErr("collection path", err)
	}
	if err := query.ValidateWrite(w.Op, w.Value, w.Values, w.Find); err != nil {
		return WriteResult{}, validationErr("write", err)
	}

	jw := journal.Write{
		Scope:  c.scope,
		Path:   w.Path,
		Op:     w.Op,
		Value:  w.Value,
		Values: w.Values,
		Find:   w.Find,
	}

	switch cfg.Delivery {
	case DeliveryNoCacheAwait, DeliveryNoCacheNoAwait:
		return c.writeDirect(ctx, jw, cfg.Delivery == DeliveryNoCacheAwait)
	}

	entry, err := c.jrnl.Apply(ctx, jw)
	if err != nil {
		return WriteResult{}, err
	}

	if cfg.Delivery == DeliveryCacheNoAwait {
		go c.backgroundDeliver(entry)
		return WriteResult{Status: StatusQueued, EntryID: entry.ID}, nil
	}

	// Await the server. Delivery order still holds: only the queue head
	// is ever sent, so this entry waits behind older pending writes.
	for {
		if err := c.awaitReachable(ctx); err != nil {
			return WriteResult{Status: StatusQueued, EntryID: entry.ID}, err
		}
		if err := c.drainUntil(ctx, entry.ID); err != nil {
			return WriteResult{Status: StatusQueued, EntryID: entry.ID}, err
		}
		if !c.isPending(entry.ID) {
			return WriteResult{Status: StatusAcknowledged, EntryID: entry.ID}, nil
		}
	}
}

// drainUntil delivers queue entries in order until the named entry
// resolves or a delivery stays pending. A terminal rejection of the
// named entry is returned to the caller; rejections of older entries
// only revert their own effects.
func (c *Client) drainUntil(ctx context.Context, entryID string) error {
	for {
		head := c.jrnl.Head(c.scope)
		if head == nil {
			return nil
		}
		delivered, err := c.driver.Deliver(ctx, c.scope, head)
		if !delivered {
			if err != nil && (ctx.Err() != nil || errors.Is(err, ErrProcessLost)) {
				return err
			}
			return nil
		}
		if head.ID == entryID {
			return err
		}
		if err != nil {
			c.logger.Warn("older pending write failed during drain",
				"entry", head.ID, "error", err)
		}
	}
}

func (c *Client) isPending(entryID string) bool {
	for _, e := range c.jrnl.Pending(c.scope) {
		if e.ID == entryID {
			return true
		}
	}
	return false
}

func (c *Client) backgroundDeliver(entry *journal.Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if !c.reachable() {
		// The replay driver picks it up when connectivity returns.
		return
	}
	if err := c.driver.Drain(ctx, c.scope); err != nil {
		c.logger.Debug("background delivery stopped", "entry", entry.ID, "error", err)
	}
}

// writeDirect sends a write straight to the server with no optimistic
// cache effects and no journaling.
func (c *Client) writeDirect(ctx context.Context, jw journal.Write, await bool) (WriteResult, error) {
	for {
		if !c.reachable() {
			if !await {
				return WriteResult{}, ErrUnreachable
			}
			if err := c.awaitReachable(ctx); err != nil {
				return WriteResult{}, err
			}
		}
		token, err := c.cfg.Tokens.AwaitReady(ctx, c.cfg.ProjectID)
		if err != nil {
			return WriteResult{}, err
		}
		_, err = c.cfg.Sender.Send(ctx, transport.EndpointWriteDocument, journal.WriteBody(jw), token)
		if err == nil {
			return WriteResult{Status: StatusAcknowledged}, nil
		}
		if isTerminal(err) || !await {
			return WriteResult{}, err
		}
		c.logger.Warn("direct write failed, waiting for connectivity",
			"collection", jw.Path, "error", err)
	}
}
