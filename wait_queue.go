package stamplock

import (
	"context"
	"sync/atomic"
)

// Waiter status values.
const (
	statusActive    = 0
	statusWaiting   = -1 // successor must be woken on release
	statusCancelled = 1
)

// Waiter modes.
const (
	readMode  = 0
	writeMode = 1
)

// waiter is a node of the wait queue.
//
// The main queue is a doubly linked list from whead to wtail; whead is a
// dummy (or the node of the goroutine that last acquired from the queue).
// Readers that arrive while the tail is a reader node push themselves onto
// that node's cowait stack instead of extending the main list, so one wake
// of the group admits the whole batch.
//
// prev links are authoritative; next links are hints that may be stale or
// nil and are repaired by walking prev from the tail.
type waiter struct {
	prev   atomic.Pointer[waiter]
	next   atomic.Pointer[waiter]
	cowait atomic.Pointer[waiter]
	token  atomic.Pointer[parkToken]
	status atomic.Int32
	mode   uint8
}

func newWaiter(mode uint8, prev *waiter) *waiter {
	w := &waiter{mode: mode}
	if prev != nil {
		w.prev.Store(prev)
	}
	return w
}

// unpark wakes the goroutine parked on w, if any.
func (w *waiter) unpark() {
	if t := w.token.Load(); t != nil {
		t.p.Unpark()
	}
}

// queueTrace counts queue traffic. All methods are nil-safe so the hot
// paths pay a single nil check when tracing is off.
type queueTrace struct {
	enqueued  atomic.Int64 // linked into the main queue or a cowait stack
	dequeued  atomic.Int64 // acquired the lock from the queue
	cancelled atomic.Int64 // gave up on timeout or cancellation
	abandoned atomic.Int64 // cowait node discarded for a fresh attempt
}

func (t *queueTrace) enqueue() {
	if t != nil {
		t.enqueued.Add(1)
	}
}

func (t *queueTrace) dequeue() {
	if t != nil {
		t.dequeued.Add(1)
	}
}

func (t *queueTrace) cancel() {
	if t != nil {
		t.cancelled.Add(1)
	}
}

func (t *queueTrace) abandon() {
	if t != nil {
		t.abandoned.Add(1)
	}
}

// initQueue installs the dummy head.
func (l *StampedLock) initQueue() {
	hd := newWaiter(writeMode, nil)
	if l.whead.CompareAndSwap(nil, hd) {
		l.wtail.Store(hd)
	}
}

// wakeHead wakes the successor of the head when the head asked for it.
func (l *StampedLock) wakeHead() {
	if h := l.whead.Load(); h != nil && h.status.Load() != statusActive {
		l.release(h)
	}
}

// release wakes the first live successor of h.
func (l *StampedLock) release(h *waiter) {
	if h == nil {
		return
	}
	h.status.CompareAndSwap(statusWaiting, statusActive)
	q := h.next.Load()
	if q == nil || q.status.Load() == statusCancelled {
		for t := l.wtail.Load(); t != nil && t != h; t = t.prev.Load() {
			if t.status.Load() <= statusActive {
				q = t
			}
		}
	}
	if q != nil {
		q.unpark()
	}
}

// popCowaiters pops every node off the cowait stack of h and wakes it.
// Last pushed is woken first.
func popCowaiters(h *waiter) {
	for {
		c := h.cowait.Load()
		if c == nil {
			return
		}
		if h.cowait.CompareAndSwap(c, c.cowait.Load()) {
			c.unpark()
		}
	}
}

// cancelWaiter marks node cancelled and unlinks it. group is the main queue
// node whose cowait stack holds node, or node itself when node is on the
// main queue. It returns interrupted if the wait was abandoned because the
// context is done, otherwise the zero stamp.
//
// Neighbours may be cancelling at the same time, so every link update is a
// CAS that is retried from freshly read links.
func (l *StampedLock) cancelWaiter(ctx context.Context, node, group *waiter, wasInterrupted bool) Stamp {
	if node != nil && group != nil {
		node.status.Store(statusCancelled)
		l.conf().trace.cancel()

		if group != node {
			// Unsplice cancelled nodes from the group's cowait stack.
			for p := group; ; {
				q := p.cowait.Load()
				if q == nil {
					break
				}
				if q.status.Load() == statusCancelled {
					p.cowait.CompareAndSwap(q, q.cowait.Load())
					p = group // restart
				} else {
					p = q
				}
			}
		} else {
			// Detach the whole cowait stack and wake it; the co-waiters see
			// the cancelled status and relink elsewhere. Late pushes see it
			// too and never park on node.
			for r := group.cowait.Swap(nil); r != nil; r = r.cowait.Load() {
				r.unpark()
			}
			for pred := node.prev.Load(); pred != nil; {
				var succ *waiter
				for {
					succ = node.next.Load()
					if succ != nil && succ.status.Load() != statusCancelled {
						break
					}
					// Find the successor the slow way.
					var q *waiter
					for t := l.wtail.Load(); t != nil && t != node; t = t.prev.Load() {
						if t.status.Load() != statusCancelled {
							q = t
						}
					}
					old := succ
					succ = q
					if old == q || node.next.CompareAndSwap(old, q) {
						if succ == nil && node == l.wtail.Load() {
							l.wtail.CompareAndSwap(node, pred)
						}
						break
					}
				}
				if pred.next.Load() == node {
					pred.next.CompareAndSwap(node, succ)
				}
				if succ != nil {
					// Wake succ so it observes its new predecessor.
					if t := succ.token.Swap(nil); t != nil {
						t.p.Unpark()
					}
				}
				if pred.status.Load() != statusCancelled {
					break
				}
				pp := pred.prev.Load()
				if pp == nil {
					break
				}
				node.prev.Store(pp)
				pp.next.CompareAndSwap(pred, succ)
				pred = pp
			}
		}
	}

	// Possibly release the first waiter: same as release but only when the
	// successor could actually proceed.
	for {
		h := l.whead.Load()
		if h == nil {
			break
		}
		q := h.next.Load()
		if q == nil || q.status.Load() == statusCancelled {
			for t := l.wtail.Load(); t != nil && t != h; t = t.prev.Load() {
				if t.status.Load() <= statusActive {
					q = t
				}
			}
		}
		if h == l.whead.Load() {
			s := l.load()
			if q != nil && h.status.Load() == statusActive && modeBits(s) != wBit &&
				(modeBits(s) == 0 || q.mode == readMode) {
				l.release(h)
			}
			break
		}
	}

	if wasInterrupted || isDone(ctx) {
		return interrupted
	}
	return 0
}

// isDone reports whether a non-nil ctx is done.
func isDone(ctx context.Context) bool {
	return ctx != nil && ctx.Err() != nil
}
