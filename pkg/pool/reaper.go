package pool

import (
	"time"

	"github.com/andrej220/vwt/pkg/lg"
)

func (p *Pool) reapLoop() {
	defer close(p.done)
	ticker := time.NewTicker(p.opts.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			if n := p.Reap(); n > 0 {
				p.logger.Debug("reaped idle connections", lg.Int("count", n))
			}
		}
	}
}

// Reap closes idle connections unused for longer than the idle timeout and returns
// how many were closed.
func (p *Pool) Reap() int {
	now := time.Now()
	p.mu.Lock()
	hosts := make([]*hostPool, 0, len(p.hosts))
	for _, hp := range p.hosts {
		hosts = append(hosts, hp)
	}
	p.mu.Unlock()

	var victims []*Conn
	for _, hp := range hosts {
		hp.mu.Lock()
		kept := hp.idle[:0]
		for _, c := range hp.idle {
			if now.Sub(c.lastUsed) >= p.opts.IdleTimeout {
				c.state = StateUnhealthy
				victims = append(victims, c)
				continue
			}
			kept = append(kept, c)
		}
		if len(kept) != len(hp.idle) {
			// clear the tail so reaped connections are not retained by the array
			for i := len(kept); i < len(hp.idle); i++ {
				hp.idle[i] = nil
			}
			hp.idle = kept
			hp.notifyLocked()
		}
		hp.mu.Unlock()
	}

	for _, c := range victims {
		p.closeConn(c)
	}
	p.dropEmpty(hosts)
	return len(victims)
}

// dropEmpty removes identities that hold no connection from the pool map. An
// Acquire that still has the entry sees it marked removed and looks it up again.
func (p *Pool) dropEmpty(hosts []*hostPool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, hp := range hosts {
		hp.mu.Lock()
		if hp.total() == 0 && p.hosts[hp.key] == hp {
			hp.removed = true
			hp.notifyLocked()
			delete(p.hosts, hp.key)
		}
		hp.mu.Unlock()
	}
}

// Identities is how many identities the pool keeps bookkeeping for.
func (p *Pool) Identities() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.hosts)
}
