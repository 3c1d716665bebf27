package stamplock

import (
	"context"
	"time"
)

// acquireWrite is the write slow path. A nil ctx is never cancelled; a zero
// deadline never expires. It returns a write stamp, 0 on timeout, or
// interrupted when ctx is done.
func (l *StampedLock) acquireWrite(ctx context.Context, deadline time.Time) Stamp {
	cfg := l.conf()
	sp := cfg.spin
	var node, p *waiter

	// Spin while enqueueing.
	for spins := -1; ; {
		s := l.load()
		m := modeBits(s)
		if m == 0 {
			if l.cas(s, s+wBit) {
				return Stamp(s + wBit)
			}
		} else if spins < 0 {
			if m == wBit && l.wtail.Load() == l.whead.Load() {
				spins = sp.Spins
			} else {
				spins = 0
			}
		} else if spins > 0 {
			if countSpin() {
				spins--
			}
		} else if p = l.wtail.Load(); p == nil {
			l.initQueue()
		} else if node == nil {
			node = newWaiter(writeMode, p)
		} else if node.prev.Load() != p {
			node.prev.Store(p)
		} else if l.wtail.CompareAndSwap(p, node) {
			p.next.Store(node)
			cfg.trace.enqueue()
			break
		}
	}

	var tok *parkToken
	for spins := -1; ; {
		h := l.whead.Load()
		if h == p {
			spins = sp.nextHeadSpins(spins)
			for k := spins; ; {
				s := l.load()
				if modeBits(s) == 0 {
					if l.cas(s, s+wBit) {
						l.whead.Store(node)
						node.prev.Store(nil)
						cfg.trace.dequeue()
						return Stamp(s + wBit)
					}
				} else if countSpin() {
					if k--; k <= 0 {
						break
					}
				}
			}
		} else if h != nil {
			// Help release stale readers.
			popCowaiters(h)
		}
		if l.whead.Load() != h {
			continue
		}
		if np := node.prev.Load(); np != p {
			if np != nil {
				p = np
				p.next.Store(node) // stale
			}
		} else if ps := p.status.Load(); ps == statusActive {
			p.status.CompareAndSwap(statusActive, statusWaiting)
		} else if ps == statusCancelled {
			if pp := p.prev.Load(); pp != nil {
				node.prev.Store(pp)
				pp.next.Store(node)
			}
		} else {
			timeout, expired := remaining(cfg, deadline)
			if expired {
				return l.cancelWaiter(ctx, node, node, false)
			}
			if tok == nil {
				tok = &parkToken{p: cfg.newParker(cfg.clock)}
			}
			node.token.Store(tok)
			if p.status.Load() < statusActive &&
				(p != h || modeBits(l.load()) != 0) &&
				l.whead.Load() == h && node.prev.Load() == p {
				tok.p.Park(ctx, timeout)
			}
			node.token.Store(nil)
			if isDone(ctx) {
				return l.cancelWaiter(ctx, node, node, true)
			}
		}
	}
}

// acquireRead is the read slow path. Same contract as acquireWrite.
func (l *StampedLock) acquireRead(ctx context.Context, deadline time.Time) Stamp {
	cfg := l.conf()
	sp := cfg.spin
	var node, p *waiter
	var tok *parkToken

	for spins := -1; ; {
		h := l.whead.Load()
		if p = l.wtail.Load(); h == p {
			for {
				s := l.load()
				if ns, ok := l.tryAcquireShared(s, sp); ok {
					return Stamp(ns)
				}
				if modeBits(s) < wBit {
					continue
				}
				if spins > 0 {
					if countSpin() {
						spins--
					}
					continue
				}
				if spins == 0 {
					nh, np := l.whead.Load(), l.wtail.Load()
					if nh == h && np == p {
						break
					}
					if h, p = nh, np; h != p {
						break
					}
				}
				spins = sp.Spins
			}
		}

		if p == nil {
			l.initQueue()
		} else if node == nil {
			node = newWaiter(readMode, p)
		} else if h == p || p.mode != readMode {
			if node.prev.Load() != p {
				node.prev.Store(p)
			} else if l.wtail.CompareAndSwap(p, node) {
				p.next.Store(node)
				cfg.trace.enqueue()
				break
			}
		} else {
			// The token goes up before the push: whoever pops or detaches
			// node must be able to wake it.
			if tok == nil {
				tok = &parkToken{p: cfg.newParker(cfg.clock)}
			}
			node.token.Store(tok)
			c := p.cowait.Load()
			node.cowait.Store(c)
			if !p.cowait.CompareAndSwap(c, node) {
				node.cowait.Store(nil)
				continue
			}
			cfg.trace.enqueue()
			ns, ok := l.awaitCowait(ctx, deadline, node, p, tok)
			node.token.Store(nil)
			if ok {
				return ns
			}
			node = nil // discarded, start over
		}
	}

	for spins := -1; ; {
		h := l.whead.Load()
		if h == p {
			spins = sp.nextHeadSpins(spins)
			for k := spins; ; {
				s := l.load()
				if ns, ok := l.tryAcquireShared(s, sp); ok {
					l.whead.Store(node)
					node.prev.Store(nil)
					popCowaiters(node)
					cfg.trace.dequeue()
					return Stamp(ns)
				}
				if modeBits(s) >= wBit && countSpin() {
					if k--; k <= 0 {
						break
					}
				}
			}
		} else if h != nil {
			popCowaiters(h)
		}
		if l.whead.Load() != h {
			continue
		}
		if np := node.prev.Load(); np != p {
			if np != nil {
				p = np
				p.next.Store(node) // stale
			}
		} else if ps := p.status.Load(); ps == statusActive {
			p.status.CompareAndSwap(statusActive, statusWaiting)
		} else if ps == statusCancelled {
			if pp := p.prev.Load(); pp != nil {
				node.prev.Store(pp)
				pp.next.Store(node)
			}
		} else {
			timeout, expired := remaining(cfg, deadline)
			if expired {
				return l.cancelWaiter(ctx, node, node, false)
			}
			if tok == nil {
				tok = &parkToken{p: cfg.newParker(cfg.clock)}
			}
			node.token.Store(tok)
			if p.status.Load() < statusActive &&
				(p != h || modeBits(l.load()) == wBit) &&
				l.whead.Load() == h && node.prev.Load() == p {
				tok.p.Park(ctx, timeout)
			}
			node.token.Store(nil)
			if isDone(ctx) {
				return l.cancelWaiter(ctx, node, node, true)
			}
		}
	}
}

// awaitCowait parks node on the cowait stack of group leader p until the
// group is admitted. ok is false when node had to be discarded because p
// stopped being a usable leader; the caller then starts over.
//
// node.token is published for the whole wait, so a pop or detach that races
// with the checks below leaves a permit and Park returns at once.
func (l *StampedLock) awaitCowait(
	ctx context.Context,
	deadline time.Time,
	node, p *waiter,
	tok *parkToken,
) (Stamp, bool) {
	cfg := l.conf()
	for {
		h := l.whead.Load()
		if h != nil {
			if c := h.cowait.Load(); c != nil && h.cowait.CompareAndSwap(c, c.cowait.Load()) {
				c.unpark()
			}
		}
		pp := p.prev.Load()
		if h == pp || h == p || pp == nil {
			for {
				s := l.load()
				if ns, ok := l.tryAcquireShared(s, cfg.spin); ok {
					cfg.trace.dequeue()
					return Stamp(ns), true
				}
				if modeBits(s) >= wBit {
					break
				}
			}
		}
		if l.whead.Load() != h || p.prev.Load() != pp {
			continue
		}
		if pp == nil || h == p || p.status.Load() > statusActive {
			cfg.trace.abandon()
			return 0, false
		}
		timeout, expired := remaining(cfg, deadline)
		if expired {
			return l.cancelWaiter(ctx, node, p, false), true
		}
		if p.status.Load() <= statusActive &&
			(h != pp || modeBits(l.load()) == wBit) &&
			l.whead.Load() == h && p.prev.Load() == pp {
			tok.p.Park(ctx, timeout)
		}
		if isDone(ctx) {
			return l.cancelWaiter(ctx, node, p, true), true
		}
	}
}

// remaining returns the time left until deadline. A zero deadline never
// expires.
func remaining(cfg *config, deadline time.Time) (d time.Duration, expired bool) {
	if deadline.IsZero() {
		return 0, false
	}
	d = deadline.Sub(cfg.clock.Now())
	return d, d <= 0
}
