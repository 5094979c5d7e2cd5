package breeze

import (
	"log/slog"

	"github.com/breezedb/breeze-go/store"
)

type options struct {
	logger       *Logger
	tableStore   store.TableStore
	blobStore    store.BlobStore
	codec        store.Codec
	maxCacheSize int64
	maxRetries   int
	metrics      MetricsCollector
	now          func() int64
}

// Option configures Client constructor behavior.
type Option func(*options)

// WithLogger configures structured logging for operations.
// Pass nil to disable logging.
//
// Example with JSON logging:
//
//	logger := breeze.NewJSONLogger(slog.LevelInfo)
//	client, _ := breeze.New(cfg, breeze.WithLogger(logger))
func WithLogger(logger *Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithLogLevel creates a text logger with the specified level and sets it.
// Convenience wrapper for WithLogger(NewTextLogger(level)).
func WithLogLevel(level slog.Level) Option {
	return func(o *options) {
		o.logger = NewTextLogger(level)
	}
}

// WithTableStore configures the table backend holding cache records.
// The default is the in-memory backend; use store.OpenSQLiteStore for a
// cache that survives the process.
func WithTableStore(ts store.TableStore) Option {
	return func(o *options) {
		o.tableStore = ts
	}
}

// WithBlobStore configures the spillover target for row values larger
// than the inline threshold. The default keeps blobs in memory; pair a
// SQLite table store with store.NewLocalBlobStore.
func WithBlobStore(bs store.BlobStore) Option {
	return func(o *options) {
		o.blobStore = bs
	}
}

// WithCodec configures the codec applied to inline row values, for
// example store.LZ4Codec{}.
func WithCodec(c store.Codec) Option {
	return func(o *options) {
		if c == nil {
			c = store.NopCodec{}
		}
		o.codec = c
	}
}

// WithMaxCacheSize configures the eviction ceiling in bytes. Once the
// cache footprint reaches it, oldest-touched records are evicted until
// the footprint drops below half of it.
func WithMaxCacheSize(n int64) Option {
	return func(o *options) {
		o.maxCacheSize = n
	}
}

// WithMaxRetries configures the delivery attempt ceiling per pending
// write before it is reverted with a retry_limit_exceeded error.
func WithMaxRetries(n int) Option {
	return func(o *options) {
		o.maxRetries = n
	}
}

// WithMetrics configures operational metrics collection.
//
// Example:
//
//	metrics := &breeze.BasicMetricsCollector{}
//	client, _ := breeze.New(cfg, breeze.WithMetrics(metrics))
func WithMetrics(m MetricsCollector) Option {
	return func(o *options) {
		if m == nil {
			m = NoopMetricsCollector{}
		}
		o.metrics = m
	}
}

// WithClock overrides the millisecond timestamp source. Test hook.
func WithClock(now func() int64) Option {
	return func(o *options) {
		o.now = now
	}
}

func applyOptions(optFns []Option) options {
	o := options{
		logger:       NoopLogger(),
		codec:        store.NopCodec{},
		maxCacheSize: store.DefaultMaxSize,
		metrics:      NoopMetricsCollector{},
	}
	for _, fn := range optFns {
		if fn != nil {
			fn(&o)
		}
	}
	return o
}
