// Package sqlconn brokers SQL connection pools. Pools are keyed by a content
// hash of driver, DSN and sizing so two nodes with the same connection
// settings share one pool.
package sqlconn

import (
	"context"
	"strconv"
	"time"

	"github.com/jmoiron/sqlx"

	"goa.design/flowrun/broker"
	"goa.design/flowrun/faults"
	"goa.design/flowrun/telemetry"
)

const (
	// DefaultMaxOpenConns bounds each pool.
	DefaultMaxOpenConns = 10
	// DefaultAcquireTimeout bounds checkout from a saturated pool.
	DefaultAcquireTimeout = 5 * time.Second
)

type (
	// Params identify one connection pool.
	Params struct {
		// Driver is the database/sql driver name, e.g. "postgres".
		Driver string
		// DSN is the driver connection string.
		DSN string
		// MaxOpenConns bounds the pool. Defaults to DefaultMaxOpenConns.
		MaxOpenConns int
		// MaxIdleConns bounds idle connections. Defaults to MaxOpenConns.
		MaxIdleConns int
		// AcquireTimeout bounds Acquire. Defaults to DefaultAcquireTimeout.
		AcquireTimeout time.Duration
	}

	// Options configures the broker.
	Options struct {
		// TTL is the idle pool eviction threshold.
		TTL time.Duration
		// Logger reports eviction failures.
		Logger telemetry.Logger
		// Open overrides pool construction. Tests only.
		Open func(driver, dsn string) (*sqlx.DB, error)
	}

	// Broker caches SQL pools and checks out connections for handlers.
	Broker struct {
		cache *broker.Cache[*sqlx.DB]
		open  func(driver, dsn string) (*sqlx.DB, error)
	}
)

// New returns a SQL broker.
func New(opts Options) *Broker {
	open := opts.Open
	if open == nil {
		open = func(driver, dsn string) (*sqlx.DB, error) {
			return sqlx.Open(driver, dsn)
		}
	}
	cache := broker.New(broker.Options[*sqlx.DB]{
		TTL:    opts.TTL,
		Logger: opts.Logger,
		Close:  func(db *sqlx.DB) error { return db.Close() },
	})
	return &Broker{cache: cache, open: open}
}

// Pool returns the shared pool for params, creating and pinging it on first
// use.
func (b *Broker) Pool(ctx context.Context, params Params) (*sqlx.DB, error) {
	if params.Driver == "" || params.DSN == "" {
		return nil, faults.New(faults.KindConfig, "sql broker requires driver and dsn")
	}
	return b.cache.Get(ctx, key(params), func(ctx context.Context) (*sqlx.DB, error) {
		db, err := b.open(params.Driver, params.DSN)
		if err != nil {
			return nil, faults.Wrap(faults.KindUpstream, "open sql pool", err)
		}
		maxOpen := params.MaxOpenConns
		if maxOpen <= 0 {
			maxOpen = DefaultMaxOpenConns
		}
		maxIdle := params.MaxIdleConns
		if maxIdle <= 0 {
			maxIdle = maxOpen
		}
		db.SetMaxOpenConns(maxOpen)
		db.SetMaxIdleConns(maxIdle)
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, faults.Wrap(faults.KindUpstream, "ping sql pool", err)
		}
		return db, nil
	})
}

// Acquire checks a single connection out of the pool for one operation. The
// caller must Close the returned connection on all paths. A saturated pool
// fails with RESOURCE_EXHAUSTED after the acquire timeout.
func (b *Broker) Acquire(ctx context.Context, params Params) (*sqlx.Conn, error) {
	db, err := b.Pool(ctx, params)
	if err != nil {
		return nil, err
	}
	timeout := params.AcquireTimeout
	if timeout <= 0 {
		timeout = DefaultAcquireTimeout
	}
	acquireCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	conn, err := db.Connx(acquireCtx)
	if err != nil {
		if acquireCtx.Err() != nil && ctx.Err() == nil {
			return nil, faults.Wrap(faults.KindResourceExhausted, "sql pool acquire timed out", err)
		}
		return nil, faults.FromError(err)
	}
	return conn, nil
}

// Created reports how many pools have been created. Test hook.
func (b *Broker) Created() int64 { return b.cache.Created() }

// ReapNow runs one idle eviction pass. Tests only.
func (b *Broker) ReapNow() { b.cache.ReapNow() }

// Close shuts down every pool.
func (b *Broker) Close() error { return b.cache.Close() }

func key(p Params) string {
	return broker.Key(map[string]string{
		"driver":   p.Driver,
		"dsn":      p.DSN,
		"max_open": strconv.Itoa(p.MaxOpenConns),
		"max_idle": strconv.Itoa(p.MaxIdleConns),
	})
}
