package stress

import (
	"context"
	"fmt"
	"runtime"
	"sync/atomic"

	"github.com/llxisdsh/stamplock"
	"github.com/llxisdsh/stamplock/internal/opt"
)

// writeLock acquires l exclusively, honouring the write timeout. A zero
// stamp with a nil error means the attempt timed out and may be retried.
func (r *runner) writeLock(ctx context.Context, l *stamplock.StampedLock) (stamplock.Stamp, error) {
	if r.cfg.WriteTimeout > 0 {
		st := l.TryWriteLockTimeout(r.cfg.WriteTimeout)
		if st == 0 {
			r.timedOut()
		}
		return st, ctx.Err()
	}
	return l.WriteLockContext(ctx)
}

// counterWorkload keeps two counters that writers always advance together.
type counterWorkload struct {
	slot stamplock.StampedSlot[counterPair]
}

type counterPair struct {
	a, b uint64
}

func newCounterWorkload() *counterWorkload {
	return &counterWorkload{}
}

func (w *counterWorkload) write(ctx context.Context, r *runner, _ int) error {
	l := w.slot.Lock()
	for {
		st, err := r.writeLock(ctx, l)
		if err != nil {
			if st != 0 {
				l.UnlockWrite(st)
			}
			return nil
		}
		if st == 0 {
			continue
		}
		p := w.slot.Ptr()
		p.a++
		p.b++
		l.UnlockWrite(st)
		r.acquired(modeWrite)
	}
}

func (w *counterWorkload) read(ctx context.Context, r *runner, _ int) error {
	l := w.slot.Lock()
	for ctx.Err() == nil {
		var v counterPair
		ok := false
		if r.tryOptimistic() && !opt.Race_ {
			if v, ok = w.slot.TryLoad(); ok {
				r.acquired(modeOptimistic)
			} else {
				r.validateFailed()
			}
		}
		if !ok {
			st, err := l.ReadLockContext(ctx)
			if err != nil {
				return nil
			}
			v = *w.slot.Ptr()
			l.UnlockRead(st)
			r.acquired(modeRead)
		}
		if v.a != v.b {
			return r.torn(fmt.Errorf("%w: counter pair %d/%d", ErrTornRead, v.a, v.b))
		}
	}
	return nil
}

func (w *counterWorkload) check(*runner) error {
	if v := w.slot.Load(); v.a != v.b {
		return fmt.Errorf("%w: final counter pair %d/%d", ErrTornRead, v.a, v.b)
	}
	return nil
}

// pointWorkload is the classic point example: writers move the point along
// x+y == 0, readers compute its distance optimistically.
type pointWorkload struct {
	lock stamplock.StampedLock
	x, y atomic.Int64
}

func newPointWorkload() *pointWorkload {
	return &pointWorkload{}
}

func (w *pointWorkload) move(dx, dy int64) {
	st := w.lock.WriteLock()
	w.x.Add(dx)
	w.y.Add(dy)
	w.lock.UnlockWrite(st)
}

// moveIfAtOrigin upgrades a read lock to move the point away from the
// origin, falling back to the write lock when the upgrade fails.
func (w *pointWorkload) moveIfAtOrigin(nx, ny int64) bool {
	st := w.lock.ReadLock()
	defer func() { w.lock.Unlock(st) }()
	for w.x.Load() == 0 && w.y.Load() == 0 {
		if ws := w.lock.TryConvertToWriteLock(st); ws != 0 {
			st = ws
			w.x.Store(nx)
			w.y.Store(ny)
			return true
		}
		w.lock.UnlockRead(st)
		st = w.lock.WriteLock()
	}
	return false
}

func (w *pointWorkload) write(ctx context.Context, r *runner, id int) error {
	for i := 0; ctx.Err() == nil; i++ {
		switch {
		case i%4 == 0:
			if !w.moveIfAtOrigin(int64(id+1), -int64(id+1)) {
				continue
			}
		case i%2 == 0:
			w.move(1, -1)
		default:
			w.move(-1, 1)
		}
		r.acquired(modeWrite)
	}
	return nil
}

func (w *pointWorkload) read(ctx context.Context, r *runner, _ int) error {
	for ctx.Err() == nil {
		var x, y int64
		st := stamplock.Stamp(0)
		if r.tryOptimistic() {
			st = w.lock.TryOptimisticRead()
			x, y = w.x.Load(), w.y.Load()
			if w.lock.Validate(st) {
				r.acquired(modeOptimistic)
			} else {
				r.validateFailed()
				st = 0
			}
		}
		if st == 0 {
			st = w.lock.ReadLock()
			x, y = w.x.Load(), w.y.Load()
			w.lock.UnlockRead(st)
			r.acquired(modeRead)
		}
		if x+y != 0 {
			return r.torn(fmt.Errorf("%w: point (%d, %d) off its line", ErrTornRead, x, y))
		}
	}
	return nil
}

func (w *pointWorkload) check(*runner) error {
	st := w.lock.ReadLock()
	defer w.lock.UnlockRead(st)
	if x, y := w.x.Load(), w.y.Load(); x+y != 0 {
		return fmt.Errorf("%w: final point (%d, %d)", ErrTornRead, x, y)
	}
	return nil
}

// queueWorkload is a bounded FIFO ring shared by producers (writers) and
// consumers (readers). Each item carries its producer and a per-producer
// sequence number, so consumers can detect reordering or duplication.
type queueWorkload struct {
	lock stamplock.StampedLock
	ring []uint64
	head int
	size atomic.Int64 // peeked optimistically by consumers
	last []uint32     // last sequence consumed per producer
}

func newQueueWorkload(capacity, producers int) *queueWorkload {
	return &queueWorkload{
		ring: make([]uint64, capacity),
		last: make([]uint32, producers),
	}
}

func (w *queueWorkload) write(ctx context.Context, r *runner, id int) error {
	var seq uint32
	for {
		st, err := r.writeLock(ctx, &w.lock)
		if err != nil {
			if st != 0 {
				w.lock.UnlockWrite(st)
			}
			return nil
		}
		if st == 0 {
			continue
		}
		n := int(w.size.Load())
		if n == len(w.ring) {
			w.lock.UnlockWrite(st)
			runtime.Gosched()
			continue
		}
		seq++
		w.ring[(w.head+n)%len(w.ring)] = uint64(id)<<32 | uint64(seq)
		w.size.Add(1)
		w.lock.UnlockWrite(st)
		r.acquired(modeWrite)
		r.produced.Add(1)
	}
}

func (w *queueWorkload) read(ctx context.Context, r *runner, _ int) error {
	for ctx.Err() == nil {
		if st := w.lock.TryOptimisticRead(); st != 0 {
			n := w.size.Load()
			switch {
			case !w.lock.Validate(st):
				r.validateFailed()
			case n == 0:
				r.acquired(modeOptimistic)
				runtime.Gosched()
				continue
			default:
				r.acquired(modeOptimistic)
			}
		}
		st, err := w.lock.WriteLockContext(ctx)
		if err != nil {
			return nil
		}
		if w.size.Load() == 0 {
			w.lock.UnlockWrite(st)
			continue
		}
		v := w.ring[w.head]
		w.head = (w.head + 1) % len(w.ring)
		w.size.Add(-1)
		producer, seq := int(v>>32), uint32(v)
		prev := w.last[producer]
		w.last[producer] = seq
		w.lock.UnlockWrite(st)
		r.acquired(modeWrite)
		r.consumed.Add(1)
		if seq != prev+1 {
			return r.torn(fmt.Errorf("%w: producer %d item %d after %d", ErrTornRead, producer, seq, prev))
		}
	}
	return nil
}

func (w *queueWorkload) check(r *runner) error {
	st := w.lock.ReadLock()
	defer w.lock.UnlockRead(st)
	produced, consumed, left := r.produced.Load(), r.consumed.Load(), w.size.Load()
	if produced != consumed+left {
		return fmt.Errorf("%w: produced %d, consumed %d, %d left in queue", ErrTornRead, produced, consumed, left)
	}
	return nil
}
