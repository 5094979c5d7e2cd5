// Package breeze provides an offline-first document cache and write
// reconciliation engine for a MongoDB-like remote store.
//
// Reads are served from fingerprinted cache records with configurable
// retrieval policies; writes apply optimistically to every affected
// cached record, queue in a durable journal and replay to the server in
// order once connectivity returns, reverting cleanly when the server
// rejects them.
//
// # Quick Start
//
//	client, _ := breeze.New(breeze.Config{
//	    ProjectID:    "my-project",
//	    DatabaseURL:  "https://db.example.com",
//	    DatabaseName: "app",
//	    Sender:       mySender,
//	    Reachability: myReachability,
//	    Tokens:       myTokens,
//	})
//	defer client.Close()
//
//	users := client.Collection("users")
//	_, _ = users.SetOne(ctx, doc, breeze.WriteConfig{})
//	docs, _ := users.Find(ctx, filter, breeze.ReadConfig{Retrieval: breeze.RetrievalSticky})
//
// A persistent cache survives restarts when constructed with
// breeze.WithTableStore(sqliteStore); queued writes restore and replay
// automatically.
package breeze

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/breezedb/breeze-go/journal"
	"github.com/breezedb/breeze-go/store"
	"github.com/breezedb/breeze-go/transport"
)

// Config identifies the remote database and supplies the transport
// collaborators. All fields are required.
type Config struct {
	ProjectID    string
	DatabaseURL  string
	DatabaseName string

	Sender       transport.Sender
	Reachability transport.Reachability
	Tokens       transport.TokenSource
}

func (cfg Config) validate() error {
	switch {
	case cfg.ProjectID == "":
		return errors.New("config: ProjectID is required")
	case cfg.DatabaseURL == "":
		return errors.New("config: DatabaseURL is required")
	case cfg.DatabaseName == "":
		return errors.New("config: DatabaseName is required")
	case cfg.Sender == nil:
		return errors.New("config: Sender is required")
	case cfg.Reachability == nil:
		return errors.New("config: Reachability is required")
	case cfg.Tokens == nil:
		return errors.New("config: Tokens is required")
	}
	return nil
}

// Client is one handle onto a remote database, carrying its own cache,
// journal and replay driver. Clients are safe for concurrent use.
type Client struct {
	cfg     Config
	scope   store.Scope
	store   *store.Store
	jrnl    *journal.Journal
	driver  *journal.Driver
	logger  *Logger
	metrics MetricsCollector

	flights singleflight.Group

	rndMu sync.Mutex
	rnd   *rand.Rand

	lmu       sync.Mutex
	listeners map[string]*listener

	closed    atomic.Bool
	cancelRun context.CancelFunc
}

// New builds a client. For persistent table stores the surviving cache
// and journal rows are restored (and the eviction sweep run) before New
// returns; the background replay driver starts immediately.
func New(cfg Config, optFns ...Option) (*Client, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	o := applyOptions(optFns)

	tables := o.tableStore
	if tables == nil {
		tables = store.NewMemoryStore()
	}
	storeOpts := []store.StoreOption{
		store.WithStoreLogger(o.logger.Logger),
		store.WithCodec(o.codec),
		store.WithMaxSize(o.maxCacheSize),
		store.WithOnSweep(o.metrics.RecordEviction),
	}
	if o.blobStore != nil {
		storeOpts = append(storeOpts, store.WithBlobStore(o.blobStore))
	}
	if o.now != nil {
		storeOpts = append(storeOpts, store.WithClock(o.now))
	}
	st, err := store.NewStore(tables, storeOpts...)
	if err != nil {
		return nil, err
	}

	jrnlOpts := []journal.Option{journal.WithLogger(o.logger.Logger)}
	if o.now != nil {
		jrnlOpts = append(jrnlOpts, journal.WithClock(o.now))
	}
	jrnl := journal.New(st, jrnlOpts...)

	driverOpts := []journal.DriverOption{
		journal.WithDriverLogger(o.logger.Logger),
		journal.WithOnDeliver(o.metrics.RecordReplay),
	}
	if o.maxRetries > 0 {
		driverOpts = append(driverOpts, journal.WithMaxRetries(o.maxRetries))
	}
	driver := journal.NewDriver(jrnl, cfg.Sender, cfg.Reachability, cfg.Tokens, driverOpts...)

	c := &Client{
		cfg: cfg,
		scope: store.Scope{
			ProjectID:    cfg.ProjectID,
			DatabaseURL:  cfg.DatabaseURL,
			DatabaseName: cfg.DatabaseName,
		},
		store:     st,
		jrnl:      jrnl,
		driver:    driver,
		logger:    o.logger.WithProject(cfg.ProjectID),
		metrics:   o.metrics,
		rnd:       rand.New(rand.NewSource(time.Now().UnixNano())),
		listeners: make(map[string]*listener),
	}
	jrnl.SetOnChange(c.fanout)

	ctx := context.Background()
	if st.Persistent() {
		if err := st.Restore(ctx); err != nil {
			return nil, err
		}
		if err := jrnl.Restore(ctx, c.scope); err != nil {
			return nil, err
		}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c.cancelRun = cancel
	go driver.Run(runCtx, c.scope)

	return c, nil
}

// Close stops the replay driver and releases the backend. Queued writes
// stay journaled; with a persistent store they replay on the next New.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.cancelRun()
	return c.store.Close()
}

// Scope returns the client's database scope.
func (c *Client) Scope() store.Scope { return c.scope }

// CacheSize returns the current cache footprint in bytes.
func (c *Client) CacheSize() int64 { return c.store.Ledger().Total() }

// PendingWrites returns the number of journaled writes awaiting server
// acknowledgment.
func (c *Client) PendingWrites() int { return len(c.jrnl.Pending(c.scope)) }

// Supersede advances the replay epoch: in-flight deliveries and
// refreshes from the previous epoch resolve as lost instead of applying.
// Call on sign-out or forced refresh.
func (c *Client) Supersede() { c.driver.Supersede(c.cfg.ProjectID) }

func (c *Client) checkOpen() error {
	if c.closed.Load() {
		return ErrClosed
	}
	return nil
}

// random derives an independent source per call; rand.Rand itself is not
// safe for concurrent use.
func (c *Client) random() *rand.Rand {
	c.rndMu.Lock()
	defer c.rndMu.Unlock()
	return rand.New(rand.NewSource(c.rnd.Int63()))
}

func (c *Client) reachable() bool {
	return c.cfg.Reachability.Reachable(c.cfg.ProjectID)
}

// awaitReachable blocks until the project is reachable or ctx is done.
func (c *Client) awaitReachable(ctx context.Context) error {
	if c.reachable() {
		return nil
	}
	events, cancel := c.cfg.Reachability.Subscribe(c.cfg.ProjectID)
	defer cancel()
	for {
		if c.reachable() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case up, ok := <-events:
			if !ok {
				return ErrClosed
			}
			if up {
				return nil
			}
		}
	}
}

// Collection returns a handle for one collection path.
func (c *Client) Collection(path string) *Collection {
	return &Collection{client: c, path: path}
}
