package esi

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	list "github.com/bahlo/generic-list-go"
	"golang.org/x/net/http2"
)

// Requester is satisfied by both Connection and ConnectionPool: anything
// capable of executing one *http.Request over an already-established
// transport and returning its *http.Response (spec §9: "a Connection is a
// pluggable requester").
type Requester interface {
	Do(ctx context.Context, req *http.Request) (*http.Response, error)
	Close() error
}

// connState is Connection's session lifecycle (spec §6: "ABSENT,
// CONNECTING, READY, CLOSED").
type connState int

const (
	stateAbsent connState = iota
	stateConnecting
	stateReady
	stateClosed
)

func (s connState) String() string {
	switch s {
	case stateAbsent:
		return "absent"
	case stateConnecting:
		return "connecting"
	case stateReady:
		return "ready"
	case stateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// pendingRequest is one queued caller waiting for the session to become
// READY, held in Connection.pending in FIFO arrival order (spec §6: "queue
// admitted requests until the session is ready; evict stale ones from the
// front").
type pendingRequest struct {
	enqueuedAt time.Time
	done       chan struct{}
	cc         *http2.ClientConn
	err        error
}

// Connection owns a single HTTP/2 session to the ESI host, multiplexing
// concurrent requests over it the way golang.org/x/net/http2.ClientConn
// already allows (RoundTrip is safe for concurrent use by design), and
// transparently reconnecting and replaying queued callers when the
// session drops (spec §6).
type Connection struct {
	settings ConnectionSettings
	target   *url.URL
	logger   *slog.Logger
	metrics  *Metrics

	dialer    *net.Dialer
	tlsConfig *tls.Config
	transport *http2.Transport

	mu      sync.Mutex
	state   connState
	cc      *http2.ClientConn
	pending *list.List[*pendingRequest]
	closeCh chan struct{}
}

// NewConnection dials nothing yet; the first call to Do triggers the
// initial connect. metrics may be nil.
func NewConnection(settings ConnectionSettings, logger *slog.Logger, metrics *Metrics) (*Connection, error) {
	settings = settings.withDefaults()
	target, err := url.Parse(settings.ESIURL)
	if err != nil {
		return nil, NewConfigurationError(fmt.Sprintf("invalid esi_url %q: %v", settings.ESIURL, err))
	}
	if logger == nil {
		logger = slog.Default()
	}
	dialer := &net.Dialer{Timeout: 10 * time.Second}
	tlsConfig := settings.TLSConfig
	if tlsConfig == nil {
		tlsConfig = &tls.Config{}
	} else {
		tlsConfig = tlsConfig.Clone()
	}
	tlsConfig.NextProtos = []string{"h2"}
	c := &Connection{
		settings:  settings,
		target:    target,
		logger:    logger,
		metrics:   metrics,
		dialer:    dialer,
		tlsConfig: tlsConfig,
		transport: &http2.Transport{},
		state:     stateAbsent,
		pending:   list.New[*pendingRequest](),
		closeCh:   make(chan struct{}),
	}
	return c, nil
}

// Do executes req over the session, connecting or reconnecting as needed
// and queueing req (FIFO) while the session is not yet READY, rejecting it
// with a ConnectionTimeoutError if it ages past max_pending_time first
// (spec §6).
func (c *Connection) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	cc, err := c.acquire(ctx)
	if err != nil {
		return nil, err
	}
	resp, err := cc.RoundTrip(req)
	if err != nil {
		c.logger.Debug("esi: roundtrip failed, marking session unusable", "error", err)
		c.drop(cc)
		return nil, fmt.Errorf("esi: roundtrip: %w", err)
	}
	return resp, nil
}

// acquire blocks (respecting ctx and max_pending_time) until a READY
// *http2.ClientConn is available, triggering a connect/reconnect if none is
// in flight.
func (c *Connection) acquire(ctx context.Context) (*http2.ClientConn, error) {
	c.mu.Lock()
	switch c.state {
	case stateReady:
		if c.cc.CanTakeNewRequest() {
			cc := c.cc
			c.mu.Unlock()
			return cc, nil
		}
		c.state = stateAbsent
	case stateClosed:
		c.mu.Unlock()
		return nil, NewConfigurationError("connection is closed")
	}
	if c.state == stateAbsent {
		c.state = stateConnecting
		c.mu.Unlock()
		go c.connectLoop()
	} else {
		c.mu.Unlock()
	}
	return c.waitReady(ctx)
}

// waitReady parks the caller in the pending queue until the session
// becomes READY, ctx is cancelled, or max_pending_time elapses (spec §6's
// "reject_old": stale entries are evicted from the queue's front on every
// check).
func (c *Connection) waitReady(ctx context.Context) (*http2.ClientConn, error) {
	pr := &pendingRequest{enqueuedAt: time.Now(), done: make(chan struct{})}
	c.mu.Lock()
	el := c.pending.PushBack(pr)
	c.mu.Unlock()

	timer := time.NewTimer(c.settings.MaxPendingTime)
	defer timer.Stop()

	select {
	case <-pr.done:
		if pr.err != nil {
			return nil, pr.err
		}
		return pr.cc, nil
	case <-timer.C:
		c.removePending(el)
		return nil, NewConnectionTimeoutError()
	case <-ctx.Done():
		c.removePending(el)
		return nil, ctx.Err()
	case <-c.closeCh:
		c.removePending(el)
		return nil, NewConfigurationError("connection closed while waiting")
	}
}

func (c *Connection) removePending(el *list.Element[*pendingRequest]) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending.Remove(el)
}

// rejectOldLocked drops every queued entry whose wait already exceeds
// max_pending_time, oldest-first, per spec §6's reject_old semantics. Must
// be called with c.mu held.
func (c *Connection) rejectOldLocked() {
	now := time.Now()
	for el := c.pending.Front(); el != nil; {
		next := el.Next()
		pr := el.Value
		if now.Sub(pr.enqueuedAt) > c.settings.MaxPendingTime {
			c.pending.Remove(el)
			pr.err = NewConnectionTimeoutError()
			close(pr.done)
		}
		el = next
	}
}

// connectLoop dials a fresh HTTP/2 session, retrying with
// settings.ReconnectDelay until it succeeds or the Connection is closed,
// then promotes the session to READY and releases every queued caller in
// FIFO order (spec §6: "on ready, drain the queue preserving arrival
// order").
func (c *Connection) connectLoop() {
	delays := c.settings.ReconnectDelay()
	for {
		c.mu.Lock()
		if c.state == stateClosed {
			c.mu.Unlock()
			return
		}
		c.rejectOldLocked()
		c.mu.Unlock()

		cc, err := c.dial()
		if err != nil {
			c.logger.Warn("esi: connect attempt failed", "error", err, "target", c.target.Host)
			select {
			case <-time.After(delays.Next()):
				continue
			case <-c.closeCh:
				return
			}
		}

		c.mu.Lock()
		if c.state == stateClosed {
			c.mu.Unlock()
			cc.Close()
			return
		}
		c.cc = cc
		c.state = stateReady
		drained := make([]*pendingRequest, 0, c.pending.Len())
		for el := c.pending.Front(); el != nil; el = el.Next() {
			drained = append(drained, el.Value)
		}
		c.pending.Init()
		c.mu.Unlock()

		for _, pr := range drained {
			pr.cc = cc
			close(pr.done)
		}
		c.logger.Debug("esi: session ready", "target", c.target.Host)
		go c.monitor(cc)
		return
	}
}

// dial opens a new TCP+TLS connection to the target and upgrades it to an
// HTTP/2 session (spec §6's CONNECTING state).
func (c *Connection) dial() (*http2.ClientConn, error) {
	host := c.target.Host
	if c.target.Port() == "" {
		host = net.JoinHostPort(c.target.Hostname(), "443")
	}
	rawConn, err := c.dialer.Dial("tcp", host)
	if err != nil {
		return nil, fmt.Errorf("esi: dial: %w", err)
	}
	tlsConfig := c.tlsConfig.Clone()
	if tlsConfig.ServerName == "" {
		tlsConfig.ServerName = c.target.Hostname()
	}
	tlsConn := tls.Client(rawConn, tlsConfig)
	if err := tlsConn.HandshakeContext(context.Background()); err != nil {
		rawConn.Close()
		return nil, fmt.Errorf("esi: tls handshake: %w", err)
	}
	cc, err := c.transport.NewClientConn(tlsConn)
	if err != nil {
		tlsConn.Close()
		return nil, fmt.Errorf("esi: http2 upgrade: %w", err)
	}
	return cc, nil
}

// monitor periodically health-probes cc with Ping and CanTakeNewRequest,
// transitioning the Connection back to ABSENT and starting a reconnect once
// the session is no longer usable. Exported http2.ClientConn carries no
// close-event callback, so polling is the only observable signal (the
// documented alternative to the native session "close"/"error" events this
// client's design is otherwise modeled on).
func (c *Connection) monitor(cc *http2.ClientConn) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			err := cc.Ping(ctx)
			cancel()
			if err != nil || !cc.CanTakeNewRequest() {
				c.drop(cc)
				return
			}
		case <-c.closeCh:
			return
		}
	}
}

// drop tears down cc (if it is still the active session) and kicks off a
// fresh connectLoop, used both when RoundTrip itself fails and when
// monitor observes the session has become unusable.
func (c *Connection) drop(cc *http2.ClientConn) {
	c.mu.Lock()
	if c.cc != cc || c.state == stateClosed {
		c.mu.Unlock()
		return
	}
	c.cc = nil
	c.state = stateConnecting
	c.mu.Unlock()

	c.metrics.incReconnect()
	cc.Close()
	go c.connectLoop()
}

// Close permanently shuts the Connection down, failing any queued callers.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.state == stateClosed {
		c.mu.Unlock()
		return nil
	}
	c.state = stateClosed
	cc := c.cc
	c.cc = nil
	for el := c.pending.Front(); el != nil; el = el.Next() {
		pr := el.Value
		pr.err = NewConfigurationError("connection closed")
		close(pr.done)
	}
	c.pending.Init()
	c.mu.Unlock()

	close(c.closeCh)
	if cc != nil {
		return cc.Close()
	}
	return nil
}
