package stamplock

import (
	"context"
	"fmt"
	"math/rand/v2"
	"runtime"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// parkRecorder hands out numbered Parkers in creation order and logs the
// order in which they are unparked.
type parkRecorder struct {
	mu      sync.Mutex
	nextID  int
	unparks []int
	parked  atomic.Int32
}

func (r *parkRecorder) newParker(clockwork.Clock) Parker {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	return &recordingParker{id: r.nextID, rec: r, permit: make(chan struct{}, 1)}
}

// firstUnparks returns each parker id once, in order of its first wake.
func (r *parkRecorder) firstUnparks() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []int
	for _, id := range r.unparks {
		if !slices.Contains(ids, id) {
			ids = append(ids, id)
		}
	}
	return ids
}

type recordingParker struct {
	id     int
	rec    *parkRecorder
	permit chan struct{}
}

func (p *recordingParker) Park(ctx context.Context, _ time.Duration) {
	p.rec.parked.Add(1)
	defer p.rec.parked.Add(-1)
	var done <-chan struct{}
	if ctx != nil {
		done = ctx.Done()
	}
	select {
	case <-p.permit:
	case <-done:
	}
}

func (p *recordingParker) Unpark() {
	p.rec.mu.Lock()
	p.rec.unparks = append(p.rec.unparks, p.id)
	p.rec.mu.Unlock()
	select {
	case p.permit <- struct{}{}:
	default:
	}
}

func waitParked(t *testing.T, rec *parkRecorder, n int32) {
	t.Helper()
	require.Eventually(t, func() bool { return rec.parked.Load() == n },
		5*time.Second, time.Millisecond)
}

func TestWaitQueue_CowaitBatchWakesLastFirst(t *testing.T) {
	rec := &parkRecorder{}
	trace := &queueTrace{}
	l := New(noSpin, WithParker(rec.newParker), withQueueTrace(trace))
	w := l.WriteLock()

	got := make(chan Stamp, 3)
	for i := range 3 {
		go func() { got <- l.ReadLock() }()
		// Reader 1 joins the main queue; 2 and 3 stack on its cowait list.
		waitParked(t, rec, int32(i+1))
	}
	require.NotNil(t, l.whead.Load())
	require.Same(t, l.whead.Load().next.Load(), l.wtail.Load())
	require.Equal(t, int64(3), trace.enqueued.Load())

	l.UnlockWrite(w)
	stamps := make([]Stamp, 0, 3)
	for range 3 {
		stamps = append(stamps, <-got)
	}
	require.Equal(t, []int{1, 3, 2}, rec.firstUnparks())
	require.Equal(t, 3, l.ReadLockCount())
	for _, st := range stamps {
		require.True(t, st.IsRead())
		l.UnlockRead(st)
	}
	require.Equal(t, int64(3), trace.dequeued.Load())
	require.Equal(t, "StampedLock[Unlocked]", l.String())
}

func TestWaitQueue_WriteTimeoutFakeClock(t *testing.T) {
	fc := clockwork.NewFakeClock()
	trace := &queueTrace{}
	l := New(noSpin, WithClock(fc), withQueueTrace(trace))
	w := l.WriteLock()

	got := make(chan Stamp, 1)
	go func() { got <- l.TryWriteLockTimeout(time.Second) }()
	fc.BlockUntil(1)
	fc.Advance(time.Second)
	require.Zero(t, <-got)

	require.Equal(t, int64(1), trace.enqueued.Load())
	require.Equal(t, int64(1), trace.cancelled.Load())
	require.Same(t, l.whead.Load(), l.wtail.Load())
	require.True(t, l.Validate(w))
	l.UnlockWrite(w)

	w = l.TryWriteLockTimeout(time.Second)
	require.True(t, w.IsWrite())
	l.UnlockWrite(w)
}

func TestWaitQueue_ReadTimeoutFakeClock(t *testing.T) {
	fc := clockwork.NewFakeClock()
	trace := &queueTrace{}
	l := New(noSpin, WithClock(fc), withQueueTrace(trace))
	w := l.WriteLock()

	got := make(chan Stamp, 1)
	go func() { got <- l.TryReadLockTimeout(time.Minute) }()
	fc.BlockUntil(1)
	fc.Advance(30 * time.Second)
	fc.Advance(30 * time.Second)
	require.Zero(t, <-got)
	require.Equal(t, int64(1), trace.cancelled.Load())

	l.UnlockWrite(w)
	r := l.TryReadLockTimeout(time.Minute)
	require.True(t, r.IsRead())
	l.UnlockRead(r)
}

func TestWaitQueue_ZeroTimeoutDoesNotQueue(t *testing.T) {
	trace := &queueTrace{}
	l := New(withQueueTrace(trace))
	w := l.WriteLock()
	require.Zero(t, l.TryWriteLockTimeout(0))
	require.Zero(t, l.TryReadLockTimeout(-time.Second))
	require.Zero(t, trace.enqueued.Load())
	l.UnlockWrite(w)
}

func TestWaitQueue_ContextCancel(t *testing.T) {
	trace := &queueTrace{}
	l := New(noSpin, withQueueTrace(trace))
	w := l.WriteLock()

	ctx, cancel := context.WithCancel(context.Background())
	type result struct {
		st  Stamp
		err error
	}
	res := make(chan result, 1)
	go func() {
		st, err := l.ReadLockContext(ctx)
		res <- result{st, err}
	}()
	require.Eventually(t, func() bool { return trace.enqueued.Load() == 1 },
		5*time.Second, time.Millisecond)
	cancel()
	r := <-res
	require.ErrorIs(t, r.err, context.Canceled)
	require.Zero(t, r.st)
	require.Equal(t, int64(1), trace.cancelled.Load())

	ctx, cancel = context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	st, err := l.WriteLockContext(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Zero(t, st)

	l.UnlockWrite(w)
	st, err = l.WriteLockContext(context.Background())
	require.NoError(t, err)
	l.UnlockWrite(st)
}

func TestWaitQueue_CancelledWaiterIsSkipped(t *testing.T) {
	trace := &queueTrace{}
	l := New(noSpin, withQueueTrace(trace))
	w := l.WriteLock()

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := l.WriteLockContext(ctx)
		errc <- err
	}()
	require.Eventually(t, func() bool { return trace.enqueued.Load() == 1 },
		5*time.Second, time.Millisecond)

	got := make(chan Stamp, 1)
	go func() { got <- l.WriteLock() }()
	require.Eventually(t, func() bool { return trace.enqueued.Load() == 2 },
		5*time.Second, time.Millisecond)

	cancel()
	require.ErrorIs(t, <-errc, context.Canceled)
	l.UnlockWrite(w)
	w = <-got
	require.True(t, w.IsWrite())
	l.UnlockWrite(w)
	require.Equal(t, int64(1), trace.dequeued.Load())
	require.Equal(t, int64(1), trace.cancelled.Load())
}

func TestWaitQueue_CowaitLeaderCancelled(t *testing.T) {
	trace := &queueTrace{}
	l := New(noSpin, withQueueTrace(trace))
	w := l.WriteLock()

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := l.ReadLockContext(ctx)
		errc <- err
	}()
	require.Eventually(t, func() bool { return trace.enqueued.Load() == 1 },
		5*time.Second, time.Millisecond)

	got := make(chan Stamp, 1)
	go func() { got <- l.ReadLock() }()
	require.Eventually(t, func() bool {
		h := l.wtail.Load()
		return h != nil && h.cowait.Load() != nil
	}, 5*time.Second, time.Millisecond)

	// The leader leaves; its co-waiter must requeue on its own.
	cancel()
	require.ErrorIs(t, <-errc, context.Canceled)
	require.Eventually(t, func() bool { return trace.abandoned.Load() >= 1 },
		5*time.Second, time.Millisecond)

	l.UnlockWrite(w)
	select {
	case r := <-got:
		require.True(t, r.IsRead())
		l.UnlockRead(r)
	case <-time.After(10 * time.Second):
		t.Fatalf("co-waiter never admitted: %s\n%s", l.queueState(), allStacks())
	}
	require.Equal(t, "StampedLock[Unlocked]", l.String())
}

func TestWaitQueue_CancellationChurn(t *testing.T) {
	rounds, workers, ops := 200, 8, 60
	if testing.Short() {
		rounds = 20
	}
	short := func() time.Duration {
		return time.Duration(1+rand.IntN(50)) * time.Microsecond
	}

	for round := range rounds {
		trace := &queueTrace{}
		l := New(withQueueTrace(trace))

		var g errgroup.Group
		for i := range workers {
			g.Go(func() error {
				for j := range ops {
					switch (i + j) % 5 {
					case 0:
						if st := l.TryWriteLockTimeout(short()); st != 0 {
							l.UnlockWrite(st)
						}
					case 1:
						if st := l.TryReadLockTimeout(short()); st != 0 {
							l.UnlockRead(st)
						}
					case 2:
						ctx, cancel := context.WithTimeout(context.Background(), short())
						if st, err := l.ReadLockContext(ctx); err == nil {
							l.UnlockRead(st)
						}
						cancel()
					case 3:
						ctx, cancel := context.WithCancel(context.Background())
						if j%2 == 0 {
							cancel()
						}
						if st, err := l.WriteLockContext(ctx); err == nil {
							runtime.Gosched()
							l.UnlockWrite(st)
						}
						cancel()
					default:
						st := l.ReadLock()
						runtime.Gosched()
						l.UnlockRead(st)
					}
				}
				return nil
			})
		}
		waitOrDump(t, l, &g, 10*time.Second, round)

		require.Equal(t, trace.enqueued.Load(),
			trace.dequeued.Load()+trace.cancelled.Load()+trace.abandoned.Load(),
			"round %d: enqueued=%d dequeued=%d cancelled=%d abandoned=%d", round,
			trace.enqueued.Load(), trace.dequeued.Load(),
			trace.cancelled.Load(), trace.abandoned.Load())
		require.Equal(t, "StampedLock[Unlocked]", l.String(), "round %d", round)
		w := l.TryWriteLock()
		require.True(t, w.IsWrite(), "round %d", round)
		l.UnlockWrite(w)
	}
}

// waitOrDump waits for g. If it is not done within d the test fails with
// the queue state of l and every goroutine stack instead of hanging.
func waitOrDump(t *testing.T, l *StampedLock, g *errgroup.Group, d time.Duration, round int) {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- g.Wait() }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(d):
		t.Fatalf("round %d: waiters stuck after %v: %s\n%s", round, d, l.queueState(), allStacks())
	}
}

// queueState describes the lock state and the shape of its wait queue.
func (l *StampedLock) queueState() string {
	var b strings.Builder
	b.WriteString(l.String())
	h, tl := l.whead.Load(), l.wtail.Load()
	if h == nil {
		b.WriteString(" queue=none")
		return b.String()
	}
	cowaiters := 0
	for c := h.cowait.Load(); c != nil; c = c.cowait.Load() {
		cowaiters++
	}
	queued := 0
	for q := tl; q != nil && q != h; q = q.prev.Load() {
		queued++
	}
	fmt.Fprintf(&b, " head==tail:%t head.status=%d head.next=%p head.cowait=%d queued=%d",
		h == tl, h.status.Load(), h.next.Load(), cowaiters, queued)
	return b.String()
}

func allStacks() []byte {
	buf := make([]byte, 1<<20)
	return buf[:runtime.Stack(buf, true)]
}

func TestQueueTrace_NilSafe(t *testing.T) {
	var tr *queueTrace
	require.NotPanics(t, func() {
		tr.enqueue()
		tr.dequeue()
		tr.cancel()
		tr.abandon()
	})
}
