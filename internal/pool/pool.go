// Package pool bounds and recycles the live driver connections of one
// logical connection id.
//
// A counting gate sized MaxConnections admits callers; Acquire suspends
// until a slot is free or AcquireTimeout passes. Expired idle connections
// are purged lazily on every Acquire; there is no background sweeper.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/koustreak/tsgate/internal/database"
	"github.com/koustreak/tsgate/internal/errs"
	"github.com/koustreak/tsgate/internal/logger"
	"golang.org/x/sync/semaphore"
)

const closeTimeout = 5 * time.Second

// Dialer opens one connected driver.
type Dialer func(ctx context.Context) (database.Driver, error)

// Observer receives pool events. *metrics.Metrics implements it.
type Observer interface {
	PoolCreated(id string)
	PoolExpired(id string)
	PoolDiscarded(id string)
	PoolWaited(id string, d time.Duration)
	PoolSize(id string, inUse, idle int)
}

// Options are the optional collaborators of a Pool.
type Options struct {
	Logger   *logger.Logger
	Observer Observer
}

// Stats is a point-in-time view of a pool.
type Stats struct {
	ID             string `json:"id"`
	MaxConnections int    `json:"max_connections"`
	InUse          int    `json:"in_use"`
	Idle           int    `json:"idle"`
	Created        uint64 `json:"created"`
	Expired        uint64 `json:"expired"`
	Discarded      uint64 `json:"discarded"`
	Closed         bool   `json:"closed"`
}

type conn struct {
	driver    database.Driver
	createdAt time.Time
	lastUsed  time.Time
}

// Pool is safe for concurrent use.
type Pool struct {
	id   string
	cfg  Config
	dial Dialer
	log  *logger.Logger
	obs  Observer
	gate *semaphore.Weighted
	now  func() time.Time

	mu        sync.RWMutex
	idle      []*conn
	inUse     int
	closed    bool
	created   uint64
	expired   uint64
	discarded uint64
}

// New builds an empty pool. No connection is opened until Acquire.
func New(id string, cfg Config, dial Dialer, opts Options) *Pool {
	cfg = cfg.WithDefaults()
	log := opts.Logger
	if log == nil {
		log = logger.Nop()
	}
	obs := opts.Observer
	if obs == nil {
		obs = nopObserver{}
	}
	return &Pool{
		id:   id,
		cfg:  cfg,
		dial: dial,
		log:  log.ForConnection(id).With().Str("component", "pool").Logger(),
		obs:  obs,
		gate: semaphore.NewWeighted(int64(cfg.MaxConnections)),
		now:  time.Now,
	}
}

func (p *Pool) ID() string     { return p.id }
func (p *Pool) Config() Config { return p.cfg }

// Acquire checks out a connection, reusing an idle one when possible. It
// waits for a free slot until ctx is done, or until AcquireTimeout when set.
func (p *Pool) Acquire(ctx context.Context) (*Handle, error) {
	if p.isClosed() {
		return nil, p.errClosed()
	}

	start := time.Now()
	wctx, cancel := database.WithTimeout(ctx, p.cfg.AcquireTimeout)
	err := p.gate.Acquire(wctx, 1)
	cancel()
	p.obs.PoolWaited(p.id, time.Since(start))
	if err != nil {
		if cerr := ctx.Err(); cerr != nil {
			return nil, errs.WithConnection(database.ContextError(cerr, "acquire"), p.id)
		}
		return nil, &errs.Error{
			Kind:         errs.ErrKindTimeout,
			Op:           "acquire",
			ConnectionID: p.id,
			Message:      fmt.Sprintf("no connection free within %s", p.cfg.AcquireTimeout),
			Cause:        err,
		}
	}

	c, err := p.checkout(ctx)
	if err != nil {
		p.gate.Release(1)
		return nil, err
	}
	return &Handle{p: p, c: c}, nil
}

// checkout purges expired idle connections, then reuses the most recently
// used survivor or dials a new one. The caller holds a gate slot.
func (p *Pool) checkout(ctx context.Context) (*conn, error) {
	now := p.now()
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, p.errClosed()
	}
	var expired, broken []*conn
	keep := p.idle[:0]
	for _, c := range p.idle {
		if p.expiredAt(c, now) {
			expired = append(expired, c)
		} else {
			keep = append(keep, c)
		}
	}
	p.idle = keep
	var found *conn
	for found == nil && len(p.idle) > 0 {
		c := p.idle[len(p.idle)-1]
		p.idle = p.idle[:len(p.idle)-1]
		if usable(c.driver) {
			found = c
		} else {
			broken = append(broken, c)
		}
	}
	if found != nil {
		found.lastUsed = now
		p.inUse++
	}
	p.expired += uint64(len(expired))
	p.discarded += uint64(len(broken))
	p.mu.Unlock()

	for _, c := range expired {
		p.obs.PoolExpired(p.id)
		p.disconnect(c, "expired")
	}
	for _, c := range broken {
		p.obs.PoolDiscarded(p.id)
		p.disconnect(c, "broken")
	}
	if found != nil {
		p.report()
		return found, nil
	}
	return p.create(ctx)
}

// create dials a fresh connection, retrying once unless the failure is one
// a retry cannot fix.
func (p *Pool) create(ctx context.Context) (*conn, error) {
	d, err := p.dial(ctx)
	if err != nil && retryable(err) && ctx.Err() == nil {
		p.log.WarnWith("connection failed, retrying once", err, nil)
		d, err = p.dial(ctx)
	}
	if err != nil {
		return nil, errs.WithConnection(errs.WithOp(err, "acquire"), p.id)
	}

	now := p.now()
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.disconnect(&conn{driver: d}, "pool closed")
		return nil, p.errClosed()
	}
	p.inUse++
	p.created++
	p.mu.Unlock()

	p.obs.PoolCreated(p.id)
	p.report()
	p.log.DebugWith("connection created", map[string]interface{}{"kind": string(d.Kind())})
	return &conn{driver: d, createdAt: now, lastUsed: now}, nil
}

// put returns c to the idle list, or closes it when it must not be reused.
// The gate slot is freed only after a closed connection is gone, so the
// number of live connections never exceeds MaxConnections.
func (p *Pool) put(c *conn, discard bool) {
	now := p.now()
	reason := ""
	p.mu.Lock()
	p.inUse--
	switch {
	case discard:
		reason = "discarded"
	case p.closed:
		reason = "pool closed"
	case !usable(c.driver):
		reason = "broken"
	case p.cfg.MaxLifetime > 0 && now.Sub(c.createdAt) > p.cfg.MaxLifetime:
		reason = "expired"
	default:
		c.lastUsed = now
		p.idle = append(p.idle, c)
	}
	switch reason {
	case "expired":
		p.expired++
	case "discarded", "broken":
		p.discarded++
	}
	p.mu.Unlock()

	switch reason {
	case "expired":
		p.obs.PoolExpired(p.id)
	case "discarded", "broken":
		p.obs.PoolDiscarded(p.id)
	}
	if reason != "" {
		p.disconnect(c, reason)
	}
	p.gate.Release(1)
	p.report()
}

// With runs fn on a pooled connection. The connection goes back on every
// exit path: released on success, discarded when fn's error leaves it in
// an unknown state or fn panics. Panics are re-raised after the discard.
func (p *Pool) With(ctx context.Context, fn func(database.Driver) error) (err error) {
	h, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			h.Discard()
			panic(r)
		}
		h.Done(err)
	}()
	return fn(h.Driver())
}

// Close disconnects every idle connection and rejects later acquires.
// Checked-out connections are closed when they come back.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	var closeErrs []error
	for _, c := range idle {
		if err := c.driver.Disconnect(ctx); err != nil {
			closeErrs = append(closeErrs, err)
		}
	}
	p.report()
	p.log.DebugWith("pool closed", map[string]interface{}{"idle_closed": len(idle)})
	return errors.Join(closeErrs...)
}

// Stats returns current counters.
func (p *Pool) Stats() Stats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return Stats{
		ID:             p.id,
		MaxConnections: p.cfg.MaxConnections,
		InUse:          p.inUse,
		Idle:           len(p.idle),
		Created:        p.created,
		Expired:        p.expired,
		Discarded:      p.discarded,
		Closed:         p.closed,
	}
}

func (p *Pool) isClosed() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.closed
}

func (p *Pool) errClosed() error {
	return &errs.Error{Kind: errs.ErrKindConnection, Op: "acquire", ConnectionID: p.id, Message: "pool closed"}
}

// expiredAt applies the expiry rule to an idle connection.
func (p *Pool) expiredAt(c *conn, now time.Time) bool {
	if p.cfg.MaxLifetime > 0 && now.Sub(c.createdAt) > p.cfg.MaxLifetime {
		return true
	}
	return p.cfg.IdleTimeout > 0 && now.Sub(c.lastUsed) > p.cfg.IdleTimeout
}

func (p *Pool) disconnect(c *conn, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	if err := c.driver.Disconnect(ctx); err != nil {
		p.log.WarnWith("disconnect failed", err, map[string]interface{}{"reason": reason})
		return
	}
	p.log.DebugWith("connection closed", map[string]interface{}{"reason": reason})
}

func (p *Pool) report() {
	p.mu.RLock()
	inUse, idle := p.inUse, len(p.idle)
	p.mu.RUnlock()
	p.obs.PoolSize(p.id, inUse, idle)
}

// usable reports whether a driver may be handed out again.
func usable(d database.Driver) bool {
	if b, ok := d.(interface{ Broken() bool }); ok && b.Broken() {
		return false
	}
	return d.State().Ready()
}

func retryable(err error) bool {
	switch errs.KindOf(err) {
	case errs.ErrKindAuthentication, errs.ErrKindConfiguration, errs.ErrKindUnsupported:
		return false
	}
	return true
}

// Handle is one checked-out connection. Release and Discard are idempotent
// and only the first call counts.
type Handle struct {
	p    *Pool
	c    *conn
	done atomic.Bool
}

func (h *Handle) Driver() database.Driver { return h.c.driver }

// Release returns the connection for reuse.
func (h *Handle) Release() {
	if h.done.CompareAndSwap(false, true) {
		h.p.put(h.c, false)
	}
}

// Discard closes the connection instead of returning it.
func (h *Handle) Discard() {
	if h.done.CompareAndSwap(false, true) {
		h.p.put(h.c, true)
	}
}

// Done releases after a clean result and discards after a timeout or
// connection failure.
func (h *Handle) Done(err error) {
	if database.IsBroken(err) {
		h.Discard()
		return
	}
	h.Release()
}

type nopObserver struct{}

func (nopObserver) PoolCreated(string)               {}
func (nopObserver) PoolExpired(string)               {}
func (nopObserver) PoolDiscarded(string)             {}
func (nopObserver) PoolWaited(string, time.Duration) {}
func (nopObserver) PoolSize(string, int, int)        {}
