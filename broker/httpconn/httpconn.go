// Package httpconn brokers HTTP clients. Clients sharing TLS and timeout
// settings reuse one transport; each target host gets its own circuit
// breaker and rate limiter so a melting upstream cannot absorb every worker.
package httpconn

import (
	"context"
	"crypto/tls"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"goa.design/flowrun/broker"
	"goa.design/flowrun/faults"
	"goa.design/flowrun/telemetry"
)

const (
	// DefaultTimeout bounds one request end to end.
	DefaultTimeout = 30 * time.Second
	// DefaultMaxConnsPerHost bounds the transport's per-host pool.
	DefaultMaxConnsPerHost = 16
)

type (
	// Params identify one HTTP client.
	Params struct {
		// Timeout bounds one request. Defaults to DefaultTimeout.
		Timeout time.Duration
		// InsecureSkipVerify disables TLS verification. Development only.
		InsecureSkipVerify bool
		// MaxConnsPerHost bounds the per-host connection pool. Defaults to
		// DefaultMaxConnsPerHost.
		MaxConnsPerHost int
		// RequestsPerSecond rate-limits requests per target host. Zero
		// means unlimited.
		RequestsPerSecond float64
		// Burst is the rate limiter burst. Defaults to 1 when rate limited.
		Burst int
	}

	// Options configures the broker.
	Options struct {
		// TTL is the idle client eviction threshold.
		TTL time.Duration
		// Logger reports eviction failures.
		Logger telemetry.Logger
	}

	// Broker caches HTTP clients.
	Broker struct {
		cache *broker.Cache[*Client]
	}

	// Client is a shared HTTP client with per-host breakers and limiters.
	Client struct {
		http   *http.Client
		params Params

		mu       sync.Mutex
		breakers map[string]*gobreaker.CircuitBreaker
		limiters map[string]*rate.Limiter
	}
)

// errServerStatus trips the breaker on 5xx responses without hiding the
// response from the caller.
var errServerStatus = errors.New("server error status")

// New returns an HTTP broker.
func New(opts Options) *Broker {
	cache := broker.New(broker.Options[*Client]{
		TTL:    opts.TTL,
		Logger: opts.Logger,
		Close: func(c *Client) error {
			c.http.CloseIdleConnections()
			return nil
		},
	})
	return &Broker{cache: cache}
}

// Client returns the shared client for params, creating it on first use.
func (b *Broker) Client(params Params) (*Client, error) {
	return b.cache.Get(context.Background(), key(params), func(context.Context) (*Client, error) {
		return newClient(params), nil
	})
}

// Created reports how many clients have been created. Test hook.
func (b *Broker) Created() int64 { return b.cache.Created() }

// Close shuts down every client.
func (b *Broker) Close() error { return b.cache.Close() }

func newClient(params Params) *Client {
	timeout := params.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	maxConns := params.MaxConnsPerHost
	if maxConns <= 0 {
		maxConns = DefaultMaxConnsPerHost
	}
	transport := &http.Transport{
		MaxConnsPerHost:     maxConns,
		MaxIdleConnsPerHost: maxConns,
	}
	if params.InsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return &Client{
		http:     &http.Client{Timeout: timeout, Transport: transport},
		params:   params,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		limiters: make(map[string]*rate.Limiter),
	}
}

// Do sends the request through the target host's rate limiter and circuit
// breaker. Responses are returned for every status; only transport errors
// and an open breaker surface as errors. 5xx responses feed the breaker.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	host := req.URL.Host
	if limiter := c.limiter(host); limiter != nil {
		if err := limiter.Wait(req.Context()); err != nil {
			return nil, faults.Wrap(faults.KindResourceExhausted, "rate limit wait", err)
		}
	}
	res, err := c.breaker(host).Execute(func() (any, error) {
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= http.StatusInternalServerError {
			return resp, errServerStatus
		}
		return resp, nil
	})
	if err != nil {
		if resp, ok := res.(*http.Response); ok && errors.Is(err, errServerStatus) {
			return resp, nil
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, faults.Wrap(faults.KindUpstream, "circuit breaker open for "+host, err)
		}
		return nil, faults.FromError(err)
	}
	return res.(*http.Response), nil
}

func (c *Client) breaker(host string) *gobreaker.CircuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	cb, ok := c.breakers[host]
	if !ok {
		cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    host,
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		})
		c.breakers[host] = cb
	}
	return cb
}

func (c *Client) limiter(host string) *rate.Limiter {
	if c.params.RequestsPerSecond <= 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.limiters[host]
	if !ok {
		burst := c.params.Burst
		if burst <= 0 {
			burst = 1
		}
		l = rate.NewLimiter(rate.Limit(c.params.RequestsPerSecond), burst)
		c.limiters[host] = l
	}
	return l
}

func key(p Params) string {
	return broker.Key(map[string]string{
		"timeout":   p.Timeout.String(),
		"insecure":  strconv.FormatBool(p.InsecureSkipVerify),
		"max_conns": strconv.Itoa(p.MaxConnsPerHost),
		"rps":       strconv.FormatFloat(p.RequestsPerSecond, 'g', -1, 64),
		"rps_burst": strconv.Itoa(p.Burst),
	})
}
