package esi

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
)

// ConnectionPool dispatches requests round-robin across N independent
// Connections, each with its own session lifecycle and reconnect loop
// (spec §6: "pool_size > 1 constructs N independent Connections behind a
// round-robin Requester").
type ConnectionPool struct {
	conns []*Connection
	next  atomic.Uint64
}

// NewConnectionPool builds size independent Connections sharing the same
// settings. metrics may be nil.
func NewConnectionPool(size int, settings ConnectionSettings, logger *slog.Logger, metrics *Metrics) (*ConnectionPool, error) {
	if size < 1 {
		return nil, NewConfigurationError("pool size must be >= 1")
	}
	p := &ConnectionPool{conns: make([]*Connection, size)}
	for i := range p.conns {
		c, err := NewConnection(settings, logger, metrics)
		if err != nil {
			return nil, fmt.Errorf("esi: building pool connection %d: %w", i, err)
		}
		p.conns[i] = c
	}
	return p, nil
}

// Do dispatches req to the next Connection in round-robin order.
func (p *ConnectionPool) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	idx := p.next.Add(1) - 1
	conn := p.conns[idx%uint64(len(p.conns))]
	return conn.Do(ctx, req)
}

// Close shuts every Connection in the pool down, returning the first error
// encountered (after attempting to close all of them).
func (p *ConnectionPool) Close() error {
	var firstErr error
	for _, c := range p.conns {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
