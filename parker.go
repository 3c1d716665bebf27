package stamplock

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
)

// Parker blocks and wakes one waiting goroutine.
//
// A StampedLock creates one Parker per blocking acquisition (through its
// ParkerFactory) and only ever calls Park from that acquiring goroutine.
// Unpark may be called from any goroutine, any number of times, before or
// during Park.
//
// Implementations must behave like a single binary permit:
//   - Unpark makes the permit available.
//   - Park consumes the permit, returning immediately if it was available.
//
// Park may also return early (timeout elapsed, ctx done, or spuriously);
// the lock re-checks its state after every return.
type Parker interface {
	// Park blocks until the permit is available, ctx is done, or timeout
	// elapses. A timeout <= 0 means no timeout; a nil ctx is never done.
	Park(ctx context.Context, timeout time.Duration)
	// Unpark makes the permit available, waking a parked goroutine.
	Unpark()
}

// ParkerFactory creates the Parker for one blocking acquisition. The clock
// is the lock's clock and should drive any timeout.
type ParkerFactory func(clock clockwork.Clock) Parker

// NewChanParker returns the default Parker: a one-slot channel as the permit
// plus a clock timer for timed parks.
func NewChanParker(clock clockwork.Clock) Parker {
	return &chanParker{
		clock:  clock,
		permit: make(chan struct{}, 1),
	}
}

type chanParker struct {
	clock  clockwork.Clock
	permit chan struct{}
}

func (p *chanParker) Park(ctx context.Context, timeout time.Duration) {
	var done <-chan struct{}
	if ctx != nil {
		done = ctx.Done()
	}
	if timeout <= 0 {
		select {
		case <-p.permit:
		case <-done:
		}
		return
	}
	t := p.clock.NewTimer(timeout)
	select {
	case <-p.permit:
	case <-done:
	case <-t.Chan():
	}
	t.Stop()
}

func (p *chanParker) Unpark() {
	select {
	case p.permit <- struct{}{}:
	default:
	}
}

// parkToken is published in waiter.token while its goroutine may be parked.
// A nil token means nobody needs waking.
type parkToken struct {
	p Parker
}
