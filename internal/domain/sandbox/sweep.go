package sandbox

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Run sweeps idle handles until ctx is done.
func (p *Pool) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.SweepInterval)
	defer ticker.Stop()

	p.logger.Info("idle sweeper started",
		zap.Duration("interval", p.cfg.SweepInterval),
		zap.Duration("idle_timeout", p.cfg.IdleTimeout),
	)

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("idle sweeper stopped")
			return
		case <-ticker.C:
			if n := p.Sweep(ctx); n > 0 {
				p.logger.Info("evicted idle sandboxes", zap.Int("count", n))
			}
		}
	}
}

type candidate struct {
	key SessionKey
	id  string
	e   *entry
}

// Sweep destroys every handle that has been idle past its timeout and
// returns how many it evicted. Expiry is checked again under the key lock,
// so a handle touched in the meantime survives.
func (p *Pool) Sweep(ctx context.Context) int {
	now := p.now()

	p.mu.Lock()
	var candidates []candidate
	for key, e := range p.entries {
		if e.handle == nil || e.handle.State != StateActive || !e.handle.Expired(now) {
			continue
		}
		e.refs++
		candidates = append(candidates, candidate{key: key, id: e.handle.ID, e: e})
	}
	p.mu.Unlock()

	if len(candidates) == 0 {
		return 0
	}

	var (
		g       errgroup.Group
		evicted = make([]bool, len(candidates))
	)
	g.SetLimit(4)
	for i, c := range candidates {
		g.Go(func() error {
			c.e.mu.Lock()
			defer p.release(c.key, c.e)

			h := c.e.handle
			if h == nil || h.ID != c.id || h.State != StateActive || !h.Expired(p.now()) {
				return nil
			}

			p.mu.Lock()
			h.State = StateIdle
			p.mu.Unlock()

			p.metrics.IncEvictions()
			_ = p.destroyLocked(ctx, c.e, ReasonIdle)
			evicted[i] = true
			return nil
		})
	}
	_ = g.Wait()

	n := 0
	for _, ok := range evicted {
		if ok {
			n++
		}
	}
	return n
}
