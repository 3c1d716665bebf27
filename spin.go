package stamplock

import (
	"fmt"
	"runtime"

	"github.com/bytedance/gopkg/lang/fastrand"
)

// SpinPolicy controls how long an acquiring goroutine spins before it parks.
//
// The right values depend on the host: on a single-P runtime spinning only
// delays the holder, so the defaults drop to zero there. Whatever the values,
// a waiter at the head of the queue is more patient than one further back,
// since a release is imminent for the head.
type SpinPolicy struct {
	// Spins bounds the spinning done before enqueueing, while a writer holds
	// the lock and the queue is empty.
	Spins int
	// HeadSpins is the first spin budget of a waiter that reaches the head
	// of the queue.
	HeadSpins int
	// MaxHeadSpins caps the head budget, which doubles on every round.
	MaxHeadSpins int
	// OverflowYieldMask makes a reader that finds the overflow spinlock taken
	// yield the processor roughly once every OverflowYieldMask+1 attempts.
	// It must be one less than a power of two.
	OverflowYieldMask uint32
}

// DefaultSpinPolicy returns the policy used by zero-value locks.
func DefaultSpinPolicy() SpinPolicy {
	if runtime.GOMAXPROCS(0) > 1 {
		return SpinPolicy{
			Spins:             1 << 6,
			HeadSpins:         1 << 10,
			MaxHeadSpins:      1 << 16,
			OverflowYieldMask: 7,
		}
	}
	return SpinPolicy{OverflowYieldMask: 7}
}

var defaultSpinPolicy = DefaultSpinPolicy()

func (p SpinPolicy) validate() error {
	if p.Spins < 0 || p.HeadSpins < 0 || p.MaxHeadSpins < 0 {
		return fmt.Errorf("%w: negative spin count in %+v", ErrInvalidOption, p)
	}
	if p.MaxHeadSpins < p.HeadSpins {
		return fmt.Errorf("%w: MaxHeadSpins %d < HeadSpins %d",
			ErrInvalidOption, p.MaxHeadSpins, p.HeadSpins)
	}
	if p.OverflowYieldMask&(p.OverflowYieldMask+1) != 0 {
		return fmt.Errorf("%w: OverflowYieldMask %#x is not 2^n-1",
			ErrInvalidOption, p.OverflowYieldMask)
	}
	return nil
}

// nextHeadSpins returns the budget for the next spin round at the head.
// spins < 0 means the first round.
func (p SpinPolicy) nextHeadSpins(spins int) int {
	if spins < 0 {
		return p.HeadSpins
	}
	if spins < p.MaxHeadSpins {
		return min(spins<<1, p.MaxHeadSpins)
	}
	return spins
}

// countSpin reports whether this spin iteration should consume budget.
// Randomly skipping about half of them keeps contending spinners from
// running in lockstep.
//
//go:nosplit
func countSpin() bool {
	return int32(fastrand.Uint32()) >= 0
}

// yieldOnOverflow yields the processor now and then while another goroutine
// holds the reader overflow spinlock.
func (p SpinPolicy) yieldOnOverflow() {
	if fastrand.Uint32()&p.OverflowYieldMask == 0 {
		runtime.Gosched()
	}
}
