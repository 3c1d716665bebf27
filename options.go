package stamplock

import (
	"github.com/jonboulle/clockwork"
)

// Option configures a StampedLock created with New.
type Option func(*config)

type config struct {
	spin      SpinPolicy
	clock     clockwork.Clock
	newParker ParkerFactory
	trace     *queueTrace
}

var defaultConfig = &config{
	spin:      defaultSpinPolicy,
	clock:     clockwork.NewRealClock(),
	newParker: NewChanParker,
}

// WithSpinPolicy replaces the spin-then-park tuning.
// It panics with ErrInvalidOption if the policy is malformed.
func WithSpinPolicy(p SpinPolicy) Option {
	if err := p.validate(); err != nil {
		panic(err)
	}
	return func(c *config) {
		c.spin = p
	}
}

// WithClock sets the clock used for timed acquisitions.
// Tests typically pass a clockwork.FakeClock.
func WithClock(clock clockwork.Clock) Option {
	return func(c *config) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// WithParker sets the factory used to park blocked goroutines.
func WithParker(f ParkerFactory) Option {
	return func(c *config) {
		if f != nil {
			c.newParker = f
		}
	}
}

// withQueueTrace counts wait queue traffic; used by tests.
func withQueueTrace(t *queueTrace) Option {
	return func(c *config) {
		c.trace = t
	}
}

// New creates a StampedLock configured by opts.
// The zero StampedLock is also ready to use with the default configuration.
func New(opts ...Option) *StampedLock {
	if len(opts) == 0 {
		return &StampedLock{}
	}
	c := *defaultConfig
	for _, opt := range opts {
		opt(&c)
	}
	return &StampedLock{cfg: &c}
}

//go:nosplit
func (l *StampedLock) conf() *config {
	if l.cfg != nil {
		return l.cfg
	}
	return defaultConfig
}
