package cdp

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const reviveDelay = 500 * time.Millisecond

// PoolStats is a read-only snapshot of pool state.
type PoolStats struct {
	Capacity  int    `json:"capacity"`
	Available int    `json:"available"`
	InUse     int    `json:"in_use"`
	Created   uint64 `json:"created"`
	Acquired  uint64 `json:"acquired"`
	Released  uint64 `json:"released"`
	Failures  uint64 `json:"connection_failures"`
	Healthy   bool   `json:"healthy"`
}

// ClientFactory builds an unstarted client for a pool slot.
type ClientFactory func() *Client

// Pool shares a fixed set of protocol clients across concurrent callers.
// Between Acquire and Release a client is owned exclusively by one caller;
// dead clients are revived once and then replaced so the advertised capacity
// holds.
type Pool struct {
	capacity int
	factory  ClientFactory

	mu        sync.Mutex
	available chan *Client
	inUse     map[*Client]struct{}
	closed    bool

	created  atomic.Uint64
	acquired atomic.Uint64
	released atomic.Uint64
	failures atomic.Uint64
}

// NewPool eagerly creates and starts capacity clients. A pool that fails to
// start every client is still returned (empty but constructible) so the owner
// can report "browser unreachable" instead of crashing.
func NewPool(ctx context.Context, capacity int, factory ClientFactory) *Pool {
	if capacity <= 0 {
		capacity = 1
	}
	p := &Pool{
		capacity:  capacity,
		factory:   factory,
		available: make(chan *Client, capacity),
		inUse:     make(map[*Client]struct{}),
	}

	started := 0
	for i := 0; i < capacity; i++ {
		c := p.createClient(ctx)
		if c == nil {
			continue
		}
		p.available <- c
		started++
	}

	if started == 0 {
		slog.Error("connection pool is empty: no client could connect", "capacity", capacity)
	} else {
		slog.Info("connection pool ready", "capacity", capacity, "started", started)
	}
	return p
}

// createClient builds and starts one client, updating counters. Returns nil
// on failure.
func (p *Pool) createClient(ctx context.Context) *Client {
	c := p.factory()
	if err := c.Start(ctx); err != nil {
		p.failures.Add(1)
		slog.Warn("pool client start failed", "error", err)
		return nil
	}
	p.created.Add(1)
	return c
}

// Acquire blocks up to timeout for an available client, verifying liveness
// before handing it out. A dead client gets one in-place revive attempt and
// is replaced outright if that fails.
func (p *Pool) Acquire(ctx context.Context, timeout time.Duration) (*Client, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, newErrorf(CodePoolClosed, "pool is shut down")
	}
	avail := p.available
	p.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case c := <-avail:
		c = p.ensureAlive(ctx, c)
		if c == nil {
			return nil, newErrorf(CodeCDPUnavailable, "pool client dead and replacement failed")
		}
		p.mu.Lock()
		p.inUse[c] = struct{}{}
		p.mu.Unlock()
		p.acquired.Add(1)
		return c, nil
	case <-timer.C:
		return nil, newErrorf(CodePoolExhausted, "all %d pool clients in use after %s", p.capacity, timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ensureAlive returns a connected client: the given one, the given one after
// a single revive attempt, or a fresh replacement. Nil when all three fail.
// Runs outside the pool lock since it performs I/O.
func (p *Pool) ensureAlive(ctx context.Context, c *Client) *Client {
	if c.IsConnected() {
		return c
	}

	slog.Warn("acquired dead client, attempting revive")
	c.Stop()
	time.Sleep(reviveDelay)
	if err := c.Start(ctx); err == nil {
		return c
	}
	p.failures.Add(1)

	slog.Warn("revive failed, replacing client")
	c.Stop()
	return p.createClient(ctx)
}

// Release returns a client to the pool. A client that died while in use is
// replaced by a freshly started one; an untracked client is ignored with a
// warning.
func (p *Pool) Release(c *Client) {
	p.mu.Lock()
	if _, ok := p.inUse[c]; !ok {
		p.mu.Unlock()
		slog.Warn("release of client not tracked as in-use")
		return
	}
	delete(p.inUse, c)
	p.mu.Unlock()
	p.released.Add(1)

	if c.IsConnected() {
		p.putAvailable(c)
		return
	}

	slog.Warn("client died while in use, replacing")
	c.Stop()
	repl := p.createClient(context.Background())
	if repl == nil {
		slog.Error("replacement creation failed, pool capacity shrinks", "capacity", p.capacity)
		return
	}
	p.putAvailable(repl)
}

func (p *Pool) putAvailable(c *Client) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		c.Stop()
		return
	}
	select {
	case p.available <- c:
	default:
		// Should not happen while the membership invariant holds.
		slog.Error("available queue full on release")
		c.Stop()
	}
}

// ForceRefresh stops and discards every client, available and in-use, then
// rebuilds the pool from scratch. Operator action for a restarted browser.
func (p *Pool) ForceRefresh(ctx context.Context) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	old := p.drainLocked()
	p.mu.Unlock()

	slog.Info("force refreshing pool", "discarding", len(old))
	for _, c := range old {
		c.Stop()
	}

	for i := 0; i < p.capacity; i++ {
		c := p.createClient(ctx)
		if c == nil {
			continue
		}
		p.putAvailable(c)
	}
}

// drainLocked empties both collections and returns every member. Caller holds
// the pool lock.
func (p *Pool) drainLocked() []*Client {
	var all []*Client
	for {
		select {
		case c := <-p.available:
			all = append(all, c)
			continue
		default:
		}
		break
	}
	for c := range p.inUse {
		all = append(all, c)
	}
	p.inUse = make(map[*Client]struct{})
	return all
}

// Shutdown stops every client exactly once and marks the pool unusable.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	all := p.drainLocked()
	p.mu.Unlock()

	for _, c := range all {
		c.Stop()
	}
	slog.Info("connection pool shut down", "stopped", len(all))
}

// Stats returns a point-in-time snapshot of pool state.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	available := len(p.available)
	inUse := len(p.inUse)
	p.mu.Unlock()

	return PoolStats{
		Capacity:  p.capacity,
		Available: available,
		InUse:     inUse,
		Created:   p.created.Load(),
		Acquired:  p.acquired.Load(),
		Released:  p.released.Load(),
		Failures:  p.failures.Load(),
		Healthy:   available > 0,
	}
}
