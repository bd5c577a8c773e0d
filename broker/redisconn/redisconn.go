// Package redisconn brokers Redis clients keyed by address, database and
// credentials.
package redisconn

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"goa.design/flowrun/broker"
	"goa.design/flowrun/faults"
	"goa.design/flowrun/telemetry"
)

const (
	// DefaultPoolSize bounds each client's connection pool.
	DefaultPoolSize = 10
	// DefaultAcquireTimeout bounds checkout from a saturated pool.
	DefaultAcquireTimeout = 5 * time.Second
)

type (
	// Params identify one Redis client.
	Params struct {
		// Addr is the host:port of the server.
		Addr string
		// DB is the logical database index.
		DB int
		// Username and Password are the optional credentials.
		Username string
		Password string
		// PoolSize bounds the connection pool. Defaults to DefaultPoolSize.
		PoolSize int
		// AcquireTimeout bounds pool checkout. Defaults to
		// DefaultAcquireTimeout.
		AcquireTimeout time.Duration
	}

	// Options configures the broker.
	Options struct {
		// TTL is the idle client eviction threshold.
		TTL time.Duration
		// Logger reports eviction failures.
		Logger telemetry.Logger
	}

	// Broker caches Redis clients.
	Broker struct {
		cache *broker.Cache[*redis.Client]
	}
)

// New returns a Redis broker.
func New(opts Options) *Broker {
	cache := broker.New(broker.Options[*redis.Client]{
		TTL:    opts.TTL,
		Logger: opts.Logger,
		Close:  func(c *redis.Client) error { return c.Close() },
	})
	return &Broker{cache: cache}
}

// Client returns the shared client for params, creating and pinging it on
// first use.
func (b *Broker) Client(ctx context.Context, params Params) (*redis.Client, error) {
	if params.Addr == "" {
		return nil, faults.New(faults.KindConfig, "redis broker requires an address")
	}
	return b.cache.Get(ctx, key(params), func(ctx context.Context) (*redis.Client, error) {
		poolSize := params.PoolSize
		if poolSize <= 0 {
			poolSize = DefaultPoolSize
		}
		poolTimeout := params.AcquireTimeout
		if poolTimeout <= 0 {
			poolTimeout = DefaultAcquireTimeout
		}
		client := redis.NewClient(&redis.Options{
			Addr:        params.Addr,
			DB:          params.DB,
			Username:    params.Username,
			Password:    params.Password,
			PoolSize:    poolSize,
			PoolTimeout: poolTimeout,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, faults.Wrap(faults.KindUpstream, "ping redis", err)
		}
		return client, nil
	})
}

// Created reports how many clients have been created. Test hook.
func (b *Broker) Created() int64 { return b.cache.Created() }

// ReapNow runs one idle eviction pass. Tests only.
func (b *Broker) ReapNow() { b.cache.ReapNow() }

// Close shuts down every client.
func (b *Broker) Close() error { return b.cache.Close() }

func key(p Params) string {
	return broker.Key(map[string]string{
		"addr":      p.Addr,
		"db":        strconv.Itoa(p.DB),
		"username":  p.Username,
		"password":  p.Password,
		"pool_size": strconv.Itoa(p.PoolSize),
	})
}
