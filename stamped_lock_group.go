package stamplock

import (
	"sync"
	"sync/atomic"

	"github.com/llxisdsh/pb"
)

// StampedLockGroup provides a StampedLock per key for arbitrary keys.
//
// Features:
//   - Infinite keys: locks are created on first use.
//   - Auto-cleanup: a key's lock is dropped once nobody holds or waits
//     for it.
//
// Optimistic reads are not offered: a key's lock may be dropped and
// recreated between TryOptimisticRead and Validate, which would make a
// stale stamp look valid.
//
// Usage:
//
//	var group StampedLockGroup[string]
//
//	st := group.ReadLock("config")
//	read(config)
//	group.UnlockRead("config", st)
//
//	st = group.WriteLock("config")
//	write(config)
//	group.UnlockWrite("config", st)
//
// A recreated entry continues the epoch sequence of the group, so a stale
// stamp from a dropped entry never matches its successor and releasing
// with it panics with ErrStampMismatch.
//
// The zero StampedLockGroup is ready to use.
type StampedLockGroup[K comparable] struct {
	_     noCopy
	once  sync.Once
	m     pb.MapOf[K, *stampedGroupEntry]
	epoch atomic.Uint64 // highest state of a dropped entry
}

type stampedGroupEntry struct {
	lock StampedLock
	ref  atomic.Int32 // changed only inside ProcessEntry
}

// WriteLock acquires the lock of k exclusively.
func (g *StampedLockGroup[K]) WriteLock(k K) Stamp {
	return g.acquire(k).lock.WriteLock()
}

// UnlockWrite releases the write lock of k acquired with st.
// It panics with ErrStampMismatch if st does not match.
func (g *StampedLockGroup[K]) UnlockWrite(k K, st Stamp) {
	g.held(k).lock.UnlockWrite(st)
	g.release(k)
}

// ReadLock acquires the lock of k in shared mode.
func (g *StampedLockGroup[K]) ReadLock(k K) Stamp {
	return g.acquire(k).lock.ReadLock()
}

// UnlockRead releases one read lock of k acquired with st.
// It panics with ErrStampMismatch if st does not match.
func (g *StampedLockGroup[K]) UnlockRead(k K, st Stamp) {
	g.held(k).lock.UnlockRead(st)
	g.release(k)
}

// initMap builds the map before its first concurrent use. The map's own
// lazy init publishes its table with an atomic store that plain lookups
// from other goroutines would race with.
func (g *StampedLockGroup[K]) initMap() {
	g.once.Do(func() {
		var k K
		_, _ = g.m.ProcessEntry(
			k,
			func(l *pb.EntryOf[K, *stampedGroupEntry]) (*pb.EntryOf[K, *stampedGroupEntry], *stampedGroupEntry, bool) {
				return l, nil, false
			},
		)
	})
}

// acquire pins the entry of k, creating it if needed.
func (g *StampedLockGroup[K]) acquire(k K) *stampedGroupEntry {
	g.initMap()
	e, _ := g.m.ProcessEntry(
		k,
		func(l *pb.EntryOf[K, *stampedGroupEntry]) (*pb.EntryOf[K, *stampedGroupEntry], *stampedGroupEntry, bool) {
			if l != nil {
				l.Value.ref.Add(1)
				return l, l.Value, true
			}
			e := &stampedGroupEntry{}
			e.lock.store(g.seed())
			e.ref.Store(1)
			return &pb.EntryOf[K, *stampedGroupEntry]{Value: e}, e, false
		},
	)
	return e
}

// held returns the pinned entry of k.
func (g *StampedLockGroup[K]) held(k K) *stampedGroupEntry {
	g.initMap()
	e, ok := g.m.Load(k)
	if !ok {
		panic(ErrStampMismatch)
	}
	return e
}

// release unpins the entry of k, dropping it with the last reference.
func (g *StampedLockGroup[K]) release(k K) {
	g.initMap()
	_, _ = g.m.ProcessEntry(
		k,
		func(l *pb.EntryOf[K, *stampedGroupEntry]) (*pb.EntryOf[K, *stampedGroupEntry], *stampedGroupEntry, bool) {
			if l == nil {
				return nil, nil, false
			}
			if l.Value.ref.Add(-1) <= 0 {
				g.retire(l.Value.lock.load())
				return nil, nil, true
			}
			return l, l.Value, true
		},
	)
}

// seed returns the initial state of a new entry: one epoch past every
// entry dropped so far.
func (g *StampedLockGroup[K]) seed() uint64 {
	if s := epoch(g.epoch.Load()) + origin; s >= origin {
		return s
	}
	return origin
}

// retire records the final state s of a dropped entry.
func (g *StampedLockGroup[K]) retire(s uint64) {
	for {
		old := g.epoch.Load()
		if s <= old || g.epoch.CompareAndSwap(old, s) {
			return
		}
	}
}
