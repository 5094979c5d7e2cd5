package breeze

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/breezedb/breeze-go/document"
	"github.com/breezedb/breeze-go/query"
	"github.com/breezedb/breeze-go/store"
)

// Snapshot is one listener delivery.
type Snapshot struct {
	Docs []document.Document
	Err  error
}

type listener struct {
	id       string
	accessID string
	q        Query
	qcfg     query.Config
	fn       func(Snapshot)
}

// Listen registers a callback invoked with a fresh snapshot whenever the
// cached result for the query's fingerprint changes, through optimistic
// writes, reverts or network refreshes. The current cached snapshot, if
// any, is delivered immediately. The returned cancel func releases the
// registration.
func (c *Client) Listen(q Query, cfg ReadConfig, fn func(Snapshot)) (func(), error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	if err := query.ValidateCommand(q.Path, q.Command); err != nil {
		return nil, validationErr("query", err)
	}
	qcfg := cfg.queryConfig()
	if err := query.ValidateConfig(qcfg); err != nil {
		return nil, validationErr("read config", err)
	}

	l := &listener{
		id:       uuid.NewString(),
		accessID: query.AccessID(q.Path, q.Command, qcfg, true),
		q:        q,
		qcfg:     qcfg,
		fn:       fn,
	}
	c.lmu.Lock()
	c.listeners[l.id] = l
	c.lmu.Unlock()

	go c.deliverSnapshot(l)

	cancel := func() {
		c.lmu.Lock()
		delete(c.listeners, l.id)
		c.lmu.Unlock()
	}
	return cancel, nil
}

// fanout pushes fresh snapshots to every listener registered on the
// changed fingerprint.
func (c *Client) fanout(scope store.Scope, accessID string) {
	if scope != c.scope {
		return
	}
	c.lmu.Lock()
	var hit []*listener
	for _, l := range c.listeners {
		if l.accessID == accessID {
			hit = append(hit, l)
		}
	}
	c.lmu.Unlock()
	for _, l := range hit {
		go c.deliverSnapshot(l)
	}
}

func (c *Client) deliverSnapshot(l *listener) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	docs, err := c.readLocal(ctx, l.q, l.qcfg, false)
	if err != nil {
		// Nothing cached yet; the listener fires on the first refresh.
		return
	}
	l.fn(Snapshot{Docs: docs, Err: err})
}
