package esi

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
)

// Client is the façade described in spec §1/§4.6: a single entry point that
// dispatches a RequestOptions to a direct exchange, GET pagination, or POST
// pagination, retrying and reconnecting underneath without the caller ever
// touching a Connection directly.
type Client struct {
	cfg       Config
	requester Requester
	exchange  *exchange
	retry     *retryLoop
	paginator *paginator

	closeOnce sync.Once
}

// NewClient builds a Client from cfg, applying defaults and validating the
// combination (spec §6/§7). If cfg.Connection is set it is used as-is
// (useful for tests); otherwise a Connection or ConnectionPool is built
// from cfg.ConnectionSettings/PoolSize.
func NewClient(cfg Config) (*Client, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Tracer("esi")
	}

	requester := cfg.Connection
	if requester == nil {
		var err error
		if cfg.PoolSize > 1 {
			requester, err = NewConnectionPool(cfg.PoolSize, cfg.ConnectionSettings, cfg.Logger, cfg.Metrics)
		} else {
			requester, err = NewConnection(cfg.ConnectionSettings, cfg.Logger, cfg.Metrics)
		}
		if err != nil {
			return nil, err
		}
	}

	ex := newExchange(cfg, requester)
	rl := newRetryLoop(cfg, ex)
	pg := newPaginator(cfg, rl)

	return &Client{
		cfg:       cfg,
		requester: requester,
		exchange:  ex,
		retry:     rl,
		paginator: pg,
	}, nil
}

// Request performs one logical ESI call against path (an RFC 6570-style
// template such as "/characters/{character_id}/assets/"), dispatching to
// direct retry, GET pagination, or POST pagination according to spec
// §4.6's table:
//
//	GET                                  -> paginated GET
//	POST with body_page_size + array body -> paginated POST
//	anything else                        -> a single retry-guarded exchange
func (c *Client) Request(ctx context.Context, path string, opts RequestOptions) (Response, error) {
	start := time.Now()
	ctx, span := startSpan(ctx, c.cfg.Tracer, "esi.request")
	defer span.End()

	resp, err := c.dispatch(ctx, path, opts)

	c.cfg.Metrics.observeLatencyMicros(time.Since(start).Microseconds())
	if err != nil {
		c.cfg.Metrics.incFailure()
		recordSpanError(span, err)
		return Response{}, err
	}
	c.cfg.Metrics.incSuccess()
	return resp, nil
}

func (c *Client) dispatch(ctx context.Context, path string, opts RequestOptions) (Response, error) {
	if opts.method() == MethodGet {
		return c.paginator.fetchGET(ctx, path, opts)
	}
	if items, ok := opts.WantsPostPagination(); ok {
		return c.paginator.fetchPOST(ctx, path, opts, items)
	}
	return c.retry.run(ctx, path, opts)
}

// Get is shorthand for Request with Method forced to MethodGet.
func (c *Client) Get(ctx context.Context, path string, opts RequestOptions) (Response, error) {
	opts.Method = MethodGet
	return c.Request(ctx, path, opts)
}

// Post is shorthand for Request with Method forced to MethodPost.
func (c *Client) Post(ctx context.Context, path string, opts RequestOptions) (Response, error) {
	opts.Method = MethodPost
	return c.Request(ctx, path, opts)
}

// Metrics returns a snapshot of this Client's accumulated counters and
// latency percentiles. Safe to call concurrently with Request.
func (c *Client) Metrics() Snapshot {
	return c.cfg.Metrics.Snapshot()
}

// Close shuts down the underlying Connection/ConnectionPool. Idempotent:
// subsequent calls are no-ops.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.requester.Close()
	})
	return err
}
