package stamplock

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/llxisdsh/stamplock/internal/opt"
)

var (
	// ErrStampMismatch is the panic value of a release called with a stamp
	// that does not match the lock state: double release, wrong-mode release
	// or a stale stamp.
	ErrStampMismatch = errors.New("stamplock: stamp does not match lock state")
	// ErrNotLocked is the panic value of a Locker view Unlock on a lock that
	// is not held in that mode.
	ErrNotLocked = errors.New("stamplock: unlock of unlocked StampedLock")
	// ErrInvalidOption reports a malformed Option.
	ErrInvalidOption = errors.New("stamplock: invalid option")
)

// StampedLock is a capability-based lock with three modes:
//
//   - Write: exclusive; WriteLock returns a stamp for UnlockWrite.
//   - Read: shared; ReadLock returns a stamp for UnlockRead.
//   - Optimistic read: TryOptimisticRead returns a non-zero stamp when no
//     writer holds the lock. It takes nothing, so the caller must check
//     Validate before trusting what it read.
//
// Conversions between modes are attempted with the TryConvertTo* methods.
//
// Properties:
//   - Not reentrant: a goroutine holding the write lock that calls WriteLock
//     again deadlocks.
//   - Stamps are not tied to goroutines; any goroutine may release.
//   - Readers do not barge past queued writers. Queued readers are grouped,
//     so a release admits a whole batch; within a batch the last to arrive
//     tends to be woken first.
//   - No fairness guarantee beyond that.
//
// Blocked acquisitions spin briefly and then park; see SpinPolicy, Parker
// and the Context and Timeout variants for abandoning a wait.
//
// Example (optimistic read with fallback):
//
//	st := l.TryOptimisticRead()
//	x, y := p.x, p.y
//	if !l.Validate(st) {
//		st = l.ReadLock()
//		x, y = p.x, p.y
//		l.UnlockRead(st)
//	}
//
// The zero StampedLock is unlocked and ready to use.
type StampedLock struct {
	_ noCopy
	// state is the logical state minus origin, so the zero value is the
	// initial state. Use load/cas/store.
	state atomic.Uint64
	// readerOverflow counts readers beyond rFull. Only modified while the
	// shared-count field is rBits (the overflow spinlock).
	readerOverflow atomic.Uint64
	_              opt.StatePad_

	whead atomic.Pointer[waiter]
	wtail atomic.Pointer[waiter]
	cfg   *config
}

//go:nosplit
func (l *StampedLock) load() uint64 {
	return l.state.Load() + origin
}

//go:nosplit
func (l *StampedLock) cas(old, new uint64) bool {
	return l.state.CompareAndSwap(old-origin, new-origin)
}

//go:nosplit
func (l *StampedLock) store(s uint64) {
	l.state.Store(s - origin)
}

// WriteLock acquires the lock exclusively, blocking until it is available.
// It returns a write stamp for UnlockWrite or a conversion.
func (l *StampedLock) WriteLock() Stamp {
	s := l.load()
	if modeBits(s) == 0 && l.cas(s, s+wBit) {
		return Stamp(s + wBit)
	}
	return l.acquireWrite(nil, time.Time{})
}

// TryWriteLock acquires the lock exclusively if it is immediately available.
// It returns 0 otherwise.
func (l *StampedLock) TryWriteLock() Stamp {
	s := l.load()
	if modeBits(s) == 0 && l.cas(s, s+wBit) {
		return Stamp(s + wBit)
	}
	return 0
}

// TryWriteLockTimeout acquires the lock exclusively, waiting at most d.
// It returns 0 if the lock could not be acquired in time.
func (l *StampedLock) TryWriteLockTimeout(d time.Duration) Stamp {
	if s := l.TryWriteLock(); s != 0 {
		return s
	}
	if d <= 0 {
		return 0
	}
	return l.acquireWrite(nil, l.conf().clock.Now().Add(d))
}

// WriteLockContext acquires the lock exclusively, giving up when ctx is
// done. It returns ctx.Err() if the wait was abandoned: context.Canceled or
// context.DeadlineExceeded.
func (l *StampedLock) WriteLockContext(ctx context.Context) (Stamp, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if s := l.TryWriteLock(); s != 0 {
		return s, nil
	}
	if s := l.acquireWrite(ctx, time.Time{}); s != interrupted {
		return s, nil
	}
	return 0, ctx.Err()
}

// ReadLock acquires the lock in shared mode, blocking until no writer holds
// it or is queued ahead. It returns a read stamp for UnlockRead or a
// conversion.
func (l *StampedLock) ReadLock() Stamp {
	s := l.load()
	if l.whead.Load() == l.wtail.Load() && modeBits(s) < rFull && l.cas(s, s+rUnit) {
		return Stamp(s + rUnit)
	}
	return l.acquireRead(nil, time.Time{})
}

// TryReadLock acquires the lock in shared mode if no writer holds it.
// It returns 0 otherwise.
func (l *StampedLock) TryReadLock() Stamp {
	sp := l.conf().spin
	for {
		s := l.load()
		m := modeBits(s)
		if m == wBit {
			return 0
		}
		if m < rFull {
			if l.cas(s, s+rUnit) {
				return Stamp(s + rUnit)
			}
		} else if ns := l.tryIncReaderOverflow(s, sp); ns != 0 {
			return Stamp(ns)
		}
	}
}

// TryReadLockTimeout acquires the lock in shared mode, waiting at most d.
// It returns 0 if the lock could not be acquired in time.
func (l *StampedLock) TryReadLockTimeout(d time.Duration) Stamp {
	if s := l.tryReadLockOnce(); s != 0 {
		return s
	}
	if d <= 0 {
		return 0
	}
	return l.acquireRead(nil, l.conf().clock.Now().Add(d))
}

// ReadLockContext acquires the lock in shared mode, giving up when ctx is
// done. It returns ctx.Err() if the wait was abandoned.
func (l *StampedLock) ReadLockContext(ctx context.Context) (Stamp, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if s := l.tryReadLockOnce(); s != 0 {
		return s, nil
	}
	if s := l.acquireRead(ctx, time.Time{}); s != interrupted {
		return s, nil
	}
	return 0, ctx.Err()
}

// tryReadLockOnce makes one attempt to join the readers.
func (l *StampedLock) tryReadLockOnce() Stamp {
	s := l.load()
	if m := modeBits(s); m != wBit {
		if m < rFull {
			if l.cas(s, s+rUnit) {
				return Stamp(s + rUnit)
			}
		} else if ns := l.tryIncReaderOverflow(s, l.conf().spin); ns != 0 {
			return Stamp(ns)
		}
	}
	return 0
}

// TryOptimisticRead returns a stamp to Validate later, or 0 if a writer
// holds the lock. It never blocks and never changes the lock state.
func (l *StampedLock) TryOptimisticRead() Stamp {
	if s := l.load(); s&wBit == 0 {
		return Stamp(epoch(s))
	}
	return 0
}

// Validate reports whether no write lock has been granted since st was
// issued. It is always true for a stamp of a lock that is still held, and
// always false for 0. Reader arrivals and departures never invalidate.
//
// The state load is sequentially consistent: reads of protected data made
// before Validate cannot be reordered after it when they are atomic loads
// (see StampedSlot).
func (l *StampedLock) Validate(st Stamp) bool {
	return st != 0 && epoch(uint64(st)) == epoch(l.load())
}

// UnlockWrite releases the write lock acquired with st.
// It panics with ErrStampMismatch if st does not match.
func (l *StampedLock) UnlockWrite(st Stamp) {
	s := l.load()
	if s != uint64(st) || s&wBit == 0 {
		panic(ErrStampMismatch)
	}
	l.store(nextWriteRelease(s))
	l.wakeHead()
}

// UnlockRead releases one read lock acquired with st.
// It panics with ErrStampMismatch if st does not match.
func (l *StampedLock) UnlockRead(st Stamp) {
	sp := l.conf().spin
	for {
		s := l.load()
		m := modeBits(s)
		if epoch(s) != epoch(uint64(st)) || modeBits(uint64(st)) == 0 || m == 0 || m == wBit {
			panic(ErrStampMismatch)
		}
		if m < rFull {
			if l.cas(s, s-rUnit) {
				if m == rUnit {
					l.wakeHead()
				}
				return
			}
		} else if l.tryDecReaderOverflow(s, sp) != 0 {
			return
		}
	}
}

// Unlock releases the lock in whichever mode st was issued for.
// It panics with ErrStampMismatch if st does not match.
func (l *StampedLock) Unlock(st Stamp) {
	sp := l.conf().spin
	a := modeBits(uint64(st))
	for {
		s := l.load()
		if epoch(s) != epoch(uint64(st)) {
			break
		}
		m := modeBits(s)
		if m == 0 {
			break
		}
		if m == wBit {
			if a != m {
				break
			}
			l.store(nextWriteRelease(s))
			l.wakeHead()
			return
		}
		if a == 0 || a >= wBit {
			break
		}
		if m < rFull {
			if l.cas(s, s-rUnit) {
				if m == rUnit {
					l.wakeHead()
				}
				return
			}
		} else if l.tryDecReaderOverflow(s, sp) != 0 {
			return
		}
	}
	panic(ErrStampMismatch)
}

// TryUnlockWrite releases the write lock without a stamp, if it is held.
// It is meant for recovery after errors.
func (l *StampedLock) TryUnlockWrite() bool {
	s := l.load()
	if s&wBit == 0 {
		return false
	}
	l.store(nextWriteRelease(s))
	l.wakeHead()
	return true
}

// TryUnlockRead releases one read lock without a stamp, if one is held.
// It is meant for recovery after errors.
func (l *StampedLock) TryUnlockRead() bool {
	sp := l.conf().spin
	for {
		s := l.load()
		m := modeBits(s)
		if m == 0 || m >= wBit {
			return false
		}
		if m < rFull {
			if l.cas(s, s-rUnit) {
				if m == rUnit {
					l.wakeHead()
				}
				return true
			}
		} else if l.tryDecReaderOverflow(s, sp) != 0 {
			return true
		}
	}
}

// TryConvertToWriteLock upgrades st to a write stamp.
//
//   - Write stamp: returned unchanged.
//   - Read stamp: succeeds if the caller is the only reader.
//   - Optimistic stamp: succeeds if the lock is free and still valid.
//
// It returns 0 on failure, leaving the lock as it was.
func (l *StampedLock) TryConvertToWriteLock(st Stamp) Stamp {
	a := modeBits(uint64(st))
	for {
		s := l.load()
		if epoch(s) != epoch(uint64(st)) {
			return 0
		}
		switch m := modeBits(s); {
		case m == 0:
			if a != 0 {
				return 0
			}
			if l.cas(s, s+wBit) {
				return Stamp(s + wBit)
			}
		case m == wBit:
			if a != m {
				return 0
			}
			return st
		case m == rUnit && a != 0:
			if l.cas(s, s-rUnit+wBit) {
				return Stamp(s - rUnit + wBit)
			}
		default:
			return 0
		}
	}
}

// TryConvertToReadLock downgrades or acquires st as a read stamp.
//
//   - Write stamp: releases the write lock and takes one read lock in a
//     single store, so the lock is never observed free in between.
//   - Read stamp: returned unchanged.
//   - Optimistic stamp: takes a read lock if still valid.
//
// It returns 0 on failure, leaving the lock as it was.
func (l *StampedLock) TryConvertToReadLock(st Stamp) Stamp {
	sp := l.conf().spin
	a := modeBits(uint64(st))
	for {
		s := l.load()
		if epoch(s) != epoch(uint64(st)) {
			return 0
		}
		m := modeBits(s)
		switch {
		case m == 0:
			if a != 0 {
				return 0
			}
			if l.cas(s, s+rUnit) {
				return Stamp(s + rUnit)
			}
		case m == wBit:
			if a != m {
				return 0
			}
			next := nextWriteRelease(s) + rUnit
			l.store(next)
			l.wakeHead()
			return Stamp(next)
		case a != 0 && a < wBit:
			return st
		case m < rFull:
			// Optimistic stamp while other readers hold the lock.
			if a != 0 {
				return 0
			}
			if l.cas(s, s+rUnit) {
				return Stamp(s + rUnit)
			}
		case m < wBit:
			if a != 0 {
				return 0
			}
			if ns := l.tryIncReaderOverflow(s, sp); ns != 0 {
				return Stamp(ns)
			}
		default:
			return 0
		}
	}
}

// TryConvertToOptimisticRead releases whatever st holds and returns an
// optimistic stamp; for an optimistic st it validates it.
// It returns 0 on failure, leaving the lock as it was.
func (l *StampedLock) TryConvertToOptimisticRead(st Stamp) Stamp {
	sp := l.conf().spin
	a := modeBits(uint64(st))
	for {
		s := l.load()
		if epoch(s) != epoch(uint64(st)) {
			return 0
		}
		m := modeBits(s)
		switch {
		case m == 0:
			if a != 0 {
				return 0
			}
			return Stamp(s)
		case m == wBit:
			if a != m {
				return 0
			}
			next := nextWriteRelease(s)
			l.store(next)
			l.wakeHead()
			return Stamp(next)
		case a == 0 || a >= wBit:
			// Optimistic stamp while readers hold the lock: still valid.
			if a == 0 {
				return Stamp(epoch(s))
			}
			return 0
		case m < rFull:
			if l.cas(s, s-rUnit) {
				if m == rUnit {
					l.wakeHead()
				}
				return Stamp(epoch(s - rUnit))
			}
		default:
			if ns := l.tryDecReaderOverflow(s, sp); ns != 0 {
				return Stamp(epoch(ns))
			}
		}
	}
}

// IsWriteLocked reports whether the lock is currently held exclusively.
func (l *StampedLock) IsWriteLocked() bool {
	return l.load()&wBit != 0
}

// IsReadLocked reports whether the lock is currently held in shared mode.
func (l *StampedLock) IsReadLocked() bool {
	return l.load()&rBits != 0
}

// ReadLockCount returns the number of read locks held. It is a snapshot
// meant for monitoring, not for synchronization.
func (l *StampedLock) ReadLockCount() int {
	return readerCount(l.load(), l.readerOverflow.Load())
}

// String returns a description of the lock state, for debugging.
func (l *StampedLock) String() string {
	s := l.load()
	switch {
	case s&aBits == 0:
		return "StampedLock[Unlocked]"
	case s&wBit != 0:
		return "StampedLock[Write-locked]"
	default:
		return fmt.Sprintf("StampedLock[Read-locks:%d]", readerCount(s, l.readerOverflow.Load()))
	}
}

// tryAcquireShared makes one attempt to add a reader to state s.
func (l *StampedLock) tryAcquireShared(s uint64, sp SpinPolicy) (uint64, bool) {
	m := modeBits(s)
	if m < rFull {
		if l.cas(s, s+rUnit) {
			return s + rUnit, true
		}
		return 0, false
	}
	if m < wBit {
		if ns := l.tryIncReaderOverflow(s, sp); ns != 0 {
			return ns, true
		}
	}
	return 0, false
}

// tryIncReaderOverflow records one more reader when the shared-count is
// saturated at rFull. It briefly holds the overflow spinlock by setting the
// count to rBits. It returns 0 when the spinlock was taken by someone else.
func (l *StampedLock) tryIncReaderOverflow(s uint64, sp SpinPolicy) uint64 {
	if modeBits(s) == rFull {
		if l.cas(s, s|rBits) {
			l.readerOverflow.Add(1)
			l.store(s)
			return s
		}
	} else {
		sp.yieldOnOverflow()
	}
	return 0
}

// tryDecReaderOverflow removes one reader when the shared-count is
// saturated, draining the overflow counter first.
func (l *StampedLock) tryDecReaderOverflow(s uint64, sp SpinPolicy) uint64 {
	if modeBits(s) == rFull {
		if l.cas(s, s|rBits) {
			next := s
			if r := l.readerOverflow.Load(); r > 0 {
				l.readerOverflow.Store(r - 1)
			} else {
				next = s - rUnit
			}
			l.store(next)
			return next
		}
	} else {
		sp.yieldOnOverflow()
	}
	return 0
}
