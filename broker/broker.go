// Package broker caches long-lived clients for external services. Each
// broker keys its clients by a content hash of the connection parameters,
// creates them lazily and evicts them after an idle TTL. Brokers are shared
// across all executions in a process; handlers borrow a client for one
// operation and never retain it.
package broker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"goa.design/flowrun/faults"
	"goa.design/flowrun/telemetry"
)

const (
	// DefaultTTL is how long an unused client stays cached.
	DefaultTTL = 5 * time.Minute
	// DefaultReapInterval is how often the reaper scans for idle clients.
	DefaultReapInterval = 30 * time.Second
)

type (
	// Factory creates a client for a key on first use.
	Factory[T any] func(ctx context.Context) (T, error)

	// Options configures a Cache.
	Options[T any] struct {
		// TTL is the idle eviction threshold. Defaults to DefaultTTL.
		TTL time.Duration
		// ReapInterval is the reaper scan period. Defaults to
		// DefaultReapInterval.
		ReapInterval time.Duration
		// Close releases a client when it is evicted or the cache shuts
		// down. Optional.
		Close func(T) error
		// Logger reports eviction and close failures. Defaults to the noop
		// logger.
		Logger telemetry.Logger
		// Clock overrides time.Now. Tests only.
		Clock func() time.Time
	}

	// Cache is a keyed client cache with lazy creation and idle eviction.
	Cache[T any] struct {
		ttl     time.Duration
		closeFn func(T) error
		logger  telemetry.Logger
		clock   func() time.Time

		mu      sync.Mutex
		entries map[string]*entry[T]
		closed  bool

		created atomic.Int64

		stop     chan struct{}
		stopOnce sync.Once
		done     chan struct{}
	}

	entry[T any] struct {
		ready chan struct{}
		val   T
		err   error
		// lastAccess is guarded by the cache mutex.
		lastAccess time.Time
	}
)

// New returns a Cache and starts its reaper.
func New[T any](opts Options[T]) *Cache[T] {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	interval := opts.ReapInterval
	if interval <= 0 {
		interval = DefaultReapInterval
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NoopLogger()
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	c := &Cache[T]{
		ttl:     ttl,
		closeFn: opts.Close,
		logger:  logger,
		clock:   clock,
		entries: make(map[string]*entry[T]),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go c.reap(interval)
	return c
}

// Key derives a cache key from connection parameters. The key is a content
// hash so logically identical parameter sets share one client and secrets
// never appear in logs or metrics labels.
func Key(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	h := sha256.New()
	for _, k := range keys {
		fmt.Fprintf(h, "%s=%s;", k, params[k])
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Get returns the client for key, creating it with factory on first use.
// Concurrent callers for the same key share one creation. Waiting for a slow
// creation is bounded by ctx; on expiry Get fails with RESOURCE_EXHAUSTED.
func (c *Cache[T]) Get(ctx context.Context, key string, factory Factory[T]) (T, error) {
	var zero T
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return zero, faults.New(faults.KindResourceExhausted, "broker is shut down")
	}
	e, ok := c.entries[key]
	if ok {
		e.lastAccess = c.clock()
		c.mu.Unlock()
		select {
		case <-e.ready:
		case <-ctx.Done():
			return zero, acquireFault(ctx)
		}
		if e.err != nil {
			return zero, e.err
		}
		return e.val, nil
	}
	e = &entry[T]{ready: make(chan struct{}), lastAccess: c.clock()}
	c.entries[key] = e
	c.mu.Unlock()

	val, err := factory(ctx)
	if err != nil {
		// Failed creations are not cached; the next Get retries.
		c.mu.Lock()
		if c.entries[key] == e {
			delete(c.entries, key)
		}
		c.mu.Unlock()
		e.err = err
		close(e.ready)
		return zero, err
	}
	c.created.Add(1)
	e.val = val
	close(e.ready)
	return val, nil
}

// Created returns the number of clients created since the cache started.
// Test hook for verifying idle eviction.
func (c *Cache[T]) Created() int64 {
	return c.created.Load()
}

// Len returns the number of cached clients.
func (c *Cache[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Close stops the reaper and closes every cached client.
func (c *Cache[T]) Close() error {
	c.stopOnce.Do(func() { close(c.stop) })
	<-c.done

	c.mu.Lock()
	entries := c.entries
	c.entries = make(map[string]*entry[T])
	c.closed = true
	c.mu.Unlock()

	var firstErr error
	for key, e := range entries {
		if err := c.closeEntry(key, e); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Evict removes and closes one client. Used by the reaper and by tests.
func (c *Cache[T]) Evict(key string) error {
	c.mu.Lock()
	e, ok := c.entries[key]
	if ok {
		delete(c.entries, key)
	}
	c.mu.Unlock()
	if !ok {
		return nil
	}
	return c.closeEntry(key, e)
}

func (c *Cache[T]) reap(interval time.Duration) {
	defer close(c.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.reapOnce()
		}
	}
}

// reapOnce closes clients idle past the TTL. Exposed to tests via ReapNow.
func (c *Cache[T]) reapOnce() {
	cutoff := c.clock().Add(-c.ttl)
	c.mu.Lock()
	var idle []string
	for key, e := range c.entries {
		if e.lastAccess.Before(cutoff) {
			idle = append(idle, key)
		}
	}
	c.mu.Unlock()
	for _, key := range idle {
		if err := c.Evict(key); err != nil {
			c.logger.Error(context.Background(), "broker eviction failed", "err", err)
		}
	}
}

// ReapNow runs one reaper pass synchronously. Tests only.
func (c *Cache[T]) ReapNow() {
	c.reapOnce()
}

func (c *Cache[T]) closeEntry(key string, e *entry[T]) error {
	// Wait for creation to settle so we never close a half-built client.
	<-e.ready
	if e.err != nil || c.closeFn == nil {
		return nil
	}
	if err := c.closeFn(e.val); err != nil {
		return fmt.Errorf("close client %s: %w", key[:8], err)
	}
	return nil
}

func acquireFault(ctx context.Context) error {
	if err := context.Cause(ctx); err != nil && err != context.Canceled {
		return faults.Wrap(faults.KindResourceExhausted, "broker acquire timed out", err)
	}
	return faults.FromError(ctx.Err())
}
