// Package pool keeps authenticated connections per host identity, hands them out
// as exclusive leases and retires them when they go bad or sit idle too long.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/andrej220/vwt/pkg/executor"
	"github.com/andrej220/vwt/pkg/lg"
	"golang.org/x/sync/errgroup"
)

var ErrPoolClosed = errors.New("connection pool closed")

type State int

const (
	StateIdle State = iota
	StateInUse
	StateUnhealthy
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInUse:
		return "in_use"
	case StateUnhealthy:
		return "unhealthy"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

type Options struct {
	// Size caps idle plus leased connections per host identity.
	Size        int
	IdleTimeout time.Duration
	// ReapInterval is how often idle connections are checked; defaults to a
	// fraction of IdleTimeout.
	ReapInterval time.Duration
	PingTimeout  time.Duration
	Logger       lg.Logger
}

func (o *Options) setDefaults() {
	if o.Size <= 0 {
		o.Size = 50
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = 5 * time.Minute
	}
	if o.ReapInterval <= 0 {
		o.ReapInterval = min(max(o.IdleTimeout/4, 10*time.Millisecond), 30*time.Second)
	}
	if o.PingTimeout <= 0 {
		o.PingTimeout = 5 * time.Second
	}
	o.Logger = lg.OrDiscard(o.Logger)
}

// Conn is a pooled connection. While leased it belongs to exactly one caller, who
// must hand it back with Release.
type Conn struct {
	executor.Conn

	id        uint64
	addr      executor.HostAddress
	host      *hostPool
	tunnel    *TunnelRef
	createdAt time.Time

	// guarded by host.mu
	state    State
	lastUsed time.Time
}

func (c *Conn) Address() executor.HostAddress { return c.addr }
func (c *Conn) ID() uint64                    { return c.id }

func (c *Conn) State() State {
	c.host.mu.Lock()
	defer c.host.mu.Unlock()
	return c.state
}

// hostPool is the bookkeeping for one identity. opening counts dials in progress so
// they are included in the capacity check.
type hostPool struct {
	key     string
	mu      sync.Mutex
	idle    []*Conn
	inUse   int
	opening int
	changed chan struct{}
	// removed is set when the reaper dropped the empty entry from the pool map.
	removed bool
}

func (h *hostPool) total() int { return len(h.idle) + h.inUse + h.opening }

// notifyLocked wakes every Acquire waiting for this identity.
func (h *hostPool) notifyLocked() {
	close(h.changed)
	h.changed = make(chan struct{})
}

type Stats struct {
	Idle    int
	InUse   int
	Opening int
}

type Pool struct {
	dialer executor.Dialer
	opts   Options
	logger lg.Logger
	nextID atomic.Uint64
	closed atomic.Bool

	mu    sync.Mutex
	hosts map[string]*hostPool

	tmu     sync.Mutex
	tunnels map[string]*TunnelRef

	stop chan struct{}
	done chan struct{}
}

func New(dialer executor.Dialer, opts Options) *Pool {
	opts.setDefaults()
	p := &Pool{
		dialer:  dialer,
		opts:    opts,
		logger:  opts.Logger.With(lg.String("component", "pool")),
		hosts:   make(map[string]*hostPool),
		tunnels: make(map[string]*TunnelRef),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go p.reapLoop()
	return p
}

func (p *Pool) host(key string) *hostPool {
	p.mu.Lock()
	defer p.mu.Unlock()
	hp, ok := p.hosts[key]
	if !ok {
		hp = &hostPool{key: key, changed: make(chan struct{})}
		p.hosts[key] = hp
	}
	return hp
}

// Acquire leases a connection to addr. An idle connection is reused after a
// liveness probe; a dead one is replaced by a fresh dial. When the identity is at
// capacity Acquire waits up to timeout (zero means only ctx bounds the wait) and
// then fails with ErrPoolExhausted.
func (p *Pool) Acquire(ctx context.Context, addr executor.HostAddress, timeout time.Duration) (*Conn, error) {
	if p.closed.Load() {
		return nil, ErrPoolClosed
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	hp := p.host(addr.Key())

	for {
		hp.mu.Lock()
		if hp.removed {
			hp.mu.Unlock()
			hp = p.host(addr.Key())
			continue
		}
		if n := len(hp.idle); n > 0 {
			c := hp.idle[n-1]
			hp.idle = hp.idle[:n-1]
			c.state = StateInUse
			hp.inUse++
			hp.mu.Unlock()
			return p.revive(ctx, c)
		}
		if hp.total() < p.opts.Size {
			hp.opening++
			hp.mu.Unlock()
			return p.open(ctx, hp, addr)
		}
		wait := hp.changed
		hp.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return nil, fmt.Errorf("%s: %w: %d connections leased", addr.Key(), executor.ErrPoolExhausted, p.opts.Size)
		}
	}
}

// revive probes an idle connection that was just taken out of the pool. On failure
// the connection is evicted and its capacity slot is reused for a fresh dial.
func (p *Pool) revive(ctx context.Context, c *Conn) (*Conn, error) {
	pctx, cancel := context.WithTimeout(ctx, p.opts.PingTimeout)
	err := c.Ping(pctx)
	cancel()
	if err == nil {
		p.logger.Debug("connection reused", lg.String("host", c.addr.Key()), lg.Any("conn", c.id))
		return c, nil
	}

	p.logger.Info("evicting dead connection", lg.String("host", c.addr.Key()), lg.Any("conn", c.id), lg.Err(err))
	hp := c.host
	hp.mu.Lock()
	c.state = StateUnhealthy
	hp.inUse--
	hp.opening++
	hp.mu.Unlock()
	p.closeConn(c)
	return p.open(ctx, hp, c.addr)
}

// open dials a new connection for a slot already counted in hp.opening.
func (p *Pool) open(ctx context.Context, hp *hostPool, addr executor.HostAddress) (*Conn, error) {
	fail := func(err error) (*Conn, error) {
		hp.mu.Lock()
		hp.opening--
		hp.notifyLocked()
		hp.mu.Unlock()
		return nil, err
	}

	var tunnel *TunnelRef
	var via executor.Conn
	if addr.Jump != nil {
		t, err := p.acquireTunnel(ctx, *addr.Jump)
		if err != nil {
			return fail(fmt.Errorf("jump host for %s: %w", addr.Key(), err))
		}
		tunnel, via = t, t.conn
	}

	raw, err := p.dialer.Dial(ctx, addr, via)
	if err != nil {
		if tunnel != nil {
			p.checkTunnel(ctx, tunnel)
			p.releaseTunnel(tunnel)
		}
		return fail(err)
	}

	now := time.Now()
	c := &Conn{
		Conn:      raw,
		id:        p.nextID.Add(1),
		addr:      addr,
		host:      hp,
		tunnel:    tunnel,
		createdAt: now,
		lastUsed:  now,
		state:     StateInUse,
	}
	hp.mu.Lock()
	hp.opening--
	hp.inUse++
	hp.mu.Unlock()
	p.logger.Debug("connection opened", lg.String("host", addr.String()), lg.Any("conn", c.id))
	return c, nil
}

// Release ends a lease. A healthy connection younger than the idle timeout goes
// back to the idle set; anything else is closed. Releasing a connection that is not
// leased, including one already closed, does nothing.
func (p *Pool) Release(c *Conn, healthy bool) {
	if c == nil {
		return
	}
	hp := c.host
	hp.mu.Lock()
	if c.state != StateInUse {
		hp.mu.Unlock()
		return
	}
	hp.inUse--
	keep := healthy && !p.closed.Load() && time.Since(c.createdAt) < p.opts.IdleTimeout
	if keep {
		c.state = StateIdle
		c.lastUsed = time.Now()
		hp.idle = append(hp.idle, c)
	} else {
		c.state = StateUnhealthy
	}
	hp.notifyLocked()
	hp.mu.Unlock()

	if !keep {
		p.closeConn(c)
	}
}

// closeConn closes the transport and drops the tunnel reference. The caller has
// already removed c from the bookkeeping.
func (p *Pool) closeConn(c *Conn) {
	if err := c.Conn.Close(); err != nil {
		p.logger.Debug("close connection", lg.String("host", c.addr.Key()), lg.Err(err))
	}
	c.host.mu.Lock()
	c.state = StateClosed
	c.host.mu.Unlock()
	if c.tunnel != nil {
		p.releaseTunnel(c.tunnel)
	}
}

// Stats reports the bookkeeping for one identity key. An identity the pool holds
// nothing for reports zeros.
func (p *Pool) Stats(key string) Stats {
	p.mu.Lock()
	hp, ok := p.hosts[key]
	p.mu.Unlock()
	if !ok {
		return Stats{}
	}
	hp.mu.Lock()
	defer hp.mu.Unlock()
	return Stats{Idle: len(hp.idle), InUse: hp.inUse, Opening: hp.opening}
}

// Close stops the reaper and closes every idle connection. Leased connections are
// closed when they are released.
func (p *Pool) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(p.stop)
	<-p.done

	p.mu.Lock()
	hosts := make([]*hostPool, 0, len(p.hosts))
	for _, hp := range p.hosts {
		hosts = append(hosts, hp)
	}
	p.mu.Unlock()

	var victims []*Conn
	for _, hp := range hosts {
		hp.mu.Lock()
		for _, c := range hp.idle {
			c.state = StateUnhealthy
			victims = append(victims, c)
		}
		hp.idle = nil
		hp.notifyLocked()
		hp.mu.Unlock()
	}

	var g errgroup.Group
	for _, c := range victims {
		g.Go(func() error {
			p.closeConn(c)
			return nil
		})
	}
	return g.Wait()
}
