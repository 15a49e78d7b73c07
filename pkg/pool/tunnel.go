package pool

import (
	"context"

	"github.com/andrej220/vwt/pkg/executor"
	"github.com/andrej220/vwt/pkg/lg"
)

// TunnelRef is a jump host connection shared by every target connection layered
// through it. The jump connection is a lease taken from the pool under the jump
// host's own identity and is given back (closed) when the last dependent goes away.
type TunnelRef struct {
	key  string
	conn *Conn

	// guarded by Pool.tmu
	refs int

	ready chan struct{}
	err   error
}

func (t *TunnelRef) Key() string { return t.key }

// Tunnel returns the live tunnel for a jump host identity, if any.
func (p *Pool) Tunnel(key string) (*TunnelRef, bool) {
	p.tmu.Lock()
	defer p.tmu.Unlock()
	t, ok := p.tunnels[key]
	return t, ok
}

// Refs returns the number of dependents.
func (p *Pool) Refs(t *TunnelRef) int {
	p.tmu.Lock()
	defer p.tmu.Unlock()
	return t.refs
}

// acquireTunnel returns the tunnel for jump with one more reference taken. The
// first caller opens it; concurrent callers wait for that attempt.
func (p *Pool) acquireTunnel(ctx context.Context, jump executor.HostAddress) (*TunnelRef, error) {
	key := jump.Key()
	p.tmu.Lock()
	if t, ok := p.tunnels[key]; ok {
		t.refs++
		p.tmu.Unlock()
		select {
		case <-t.ready:
		case <-ctx.Done():
			p.releaseTunnel(t)
			return nil, executor.Timeout("waiting for tunnel "+key, ctx.Err())
		}
		if t.err != nil {
			p.releaseTunnel(t)
			return nil, t.err
		}
		return t, nil
	}
	t := &TunnelRef{key: key, refs: 1, ready: make(chan struct{})}
	p.tunnels[key] = t
	p.tmu.Unlock()

	c, err := p.Acquire(ctx, jump, 0)
	if err != nil {
		t.err = err
		p.dropTunnel(t)
		close(t.ready)
		p.releaseTunnel(t)
		return nil, err
	}
	t.conn = c
	close(t.ready)
	p.logger.Info("tunnel opened", lg.String("jump", key))
	return t, nil
}

// releaseTunnel drops one reference; the last one closes the jump connection.
func (p *Pool) releaseTunnel(t *TunnelRef) {
	p.tmu.Lock()
	t.refs--
	last := t.refs == 0
	if last && p.tunnels[t.key] == t {
		delete(p.tunnels, t.key)
	}
	p.tmu.Unlock()

	if last && t.conn != nil {
		p.Release(t.conn, false)
		p.logger.Info("tunnel closed", lg.String("jump", t.key))
	}
}

// dropTunnel stops new dependents from joining t. Existing ones keep it alive.
func (p *Pool) dropTunnel(t *TunnelRef) {
	p.tmu.Lock()
	if p.tunnels[t.key] == t {
		delete(p.tunnels, t.key)
	}
	p.tmu.Unlock()
}

// checkTunnel probes the jump connection after a dial through it failed, so a dead
// jump host is replaced on the next attempt instead of failing every target.
func (p *Pool) checkTunnel(ctx context.Context, t *TunnelRef) {
	pctx, cancel := context.WithTimeout(ctx, p.opts.PingTimeout)
	defer cancel()
	if err := t.conn.Ping(pctx); err != nil {
		p.logger.Warn("jump host connection lost", lg.String("jump", t.key), lg.Err(err))
		p.dropTunnel(t)
	}
}
