package stamplock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestStampedLockGroup_Basic(t *testing.T) {
	var g StampedLockGroup[string]

	w := g.WriteLock("a")
	require.True(t, w.IsWrite())
	// Different keys do not contend.
	r := g.ReadLock("b")
	require.True(t, r.IsRead())
	g.UnlockRead("b", r)
	g.UnlockWrite("a", w)

	_, ok := g.m.Load("a")
	require.False(t, ok, "entry should be dropped with its last holder")
	_, ok = g.m.Load("b")
	require.False(t, ok)
}

func TestStampedLockGroup_SharedReaders(t *testing.T) {
	var g StampedLockGroup[int]
	r1 := g.ReadLock(1)
	r2 := g.ReadLock(1)
	e, ok := g.m.Load(1)
	require.True(t, ok)
	require.Equal(t, 2, e.lock.ReadLockCount())
	require.Equal(t, int32(2), e.ref.Load())

	g.UnlockRead(1, r1)
	_, ok = g.m.Load(1)
	require.True(t, ok)
	g.UnlockRead(1, r2)
	_, ok = g.m.Load(1)
	require.False(t, ok)
}

func TestStampedLockGroup_Exclusive(t *testing.T) {
	var g StampedLockGroup[string]
	keys := []string{"x", "y", "z"}
	counters := map[string]*int{"x": new(int), "y": new(int), "z": new(int)}

	var eg errgroup.Group
	for i := range 12 {
		eg.Go(func() error {
			k := keys[i%len(keys)]
			for range 500 {
				st := g.WriteLock(k)
				*counters[k]++
				g.UnlockWrite(k, st)
			}
			return nil
		})
	}
	require.NoError(t, eg.Wait())

	// Each key's counter is only touched under its own lock, so read them
	// under that lock too.
	for _, k := range keys {
		st := g.ReadLock(k)
		n := *counters[k]
		g.UnlockRead(k, st)
		require.Equal(t, 4*500, n, "key %s", k)
		_, ok := g.m.Load(k)
		require.False(t, ok)
	}
}

func TestStampedLockGroup_WaitersKeepEntry(t *testing.T) {
	var g StampedLockGroup[int]
	w := g.WriteLock(7)

	got := make(chan Stamp, 1)
	go func() { got <- g.WriteLock(7) }()
	require.Eventually(t, func() bool {
		e, ok := g.m.Load(7)
		return ok && e.ref.Load() == 2
	}, 5*time.Second, time.Millisecond)

	g.UnlockWrite(7, w)
	w = <-got
	_, ok := g.m.Load(7)
	require.True(t, ok)
	g.UnlockWrite(7, w)
	_, ok = g.m.Load(7)
	require.False(t, ok)
}

func TestStampedLockGroup_UnknownKeyPanics(t *testing.T) {
	var g StampedLockGroup[string]
	require.PanicsWithValue(t, ErrStampMismatch, func() { g.UnlockWrite("missing", 0) })
	require.PanicsWithValue(t, ErrStampMismatch, func() {
		st := g.ReadLock("k")
		defer g.UnlockRead("k", st)
		g.UnlockWrite("k", st)
	})
	_, ok := g.m.Load("k")
	require.False(t, ok, "entry leaked")
}

// Meant for -race: goroutines race to make the first acquisition on a zero
// group.
func TestStampedLockGroup_ConcurrentFirstUse(t *testing.T) {
	for range 50 {
		var g StampedLockGroup[int]
		start := make(chan struct{})
		var eg errgroup.Group
		for i := range 8 {
			eg.Go(func() error {
				<-start
				if i%2 == 0 {
					st := g.WriteLock(i % 3)
					g.UnlockWrite(i%3, st)
				} else {
					st := g.ReadLock(i % 3)
					g.UnlockRead(i%3, st)
				}
				return nil
			})
		}
		close(start)
		require.NoError(t, eg.Wait())
		for k := range 3 {
			_, ok := g.m.Load(k)
			require.False(t, ok, "key %d", k)
		}
	}
}

func TestStampedLockGroup_StaleStampAfterRecreate(t *testing.T) {
	var g StampedLockGroup[string]

	old := g.WriteLock("k")
	g.UnlockWrite("k", old)
	cur := g.WriteLock("k")
	require.NotEqual(t, old, cur)
	require.PanicsWithValue(t, ErrStampMismatch, func() { g.UnlockWrite("k", old) })
	e, ok := g.m.Load("k")
	require.True(t, ok)
	require.True(t, e.lock.IsWriteLocked(), "stale stamp released the new holder")
	g.UnlockWrite("k", cur)

	oldR := g.ReadLock("k")
	g.UnlockRead("k", oldR)
	curR := g.ReadLock("k")
	require.NotEqual(t, oldR, curR)
	require.PanicsWithValue(t, ErrStampMismatch, func() { g.UnlockRead("k", oldR) })
	e, ok = g.m.Load("k")
	require.True(t, ok)
	require.Equal(t, 1, e.lock.ReadLockCount())
	g.UnlockRead("k", curR)
	_, ok = g.m.Load("k")
	require.False(t, ok)
}
