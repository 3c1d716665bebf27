package stress

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/bytedance/gopkg/lang/fastrand"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrTornRead is returned when a reader observed a partially applied write.
var ErrTornRead = errors.New("stress: torn read")

// Report summarizes a finished run.
type Report struct {
	Reads            int64 `yaml:"reads"`
	Writes           int64 `yaml:"writes"`
	Optimistic       int64 `yaml:"optimistic"`
	ValidateFailures int64 `yaml:"validate_failures"`
	Timeouts         int64 `yaml:"timeouts"`
	// Produced and Consumed are only set by the queue workload.
	Produced int64 `yaml:"produced,omitempty"`
	Consumed int64 `yaml:"consumed,omitempty"`
}

// workload is one shared structure plus the two worker roles acting on it.
// Workers return nil when ctx is done and an error on a consistency
// violation.
type workload interface {
	write(ctx context.Context, r *runner, id int) error
	read(ctx context.Context, r *runner, id int) error
	// check runs after all workers stopped.
	check(r *runner) error
}

type runner struct {
	cfg Config
	log *zap.Logger
	m   *Metrics

	reads            atomic.Int64
	writes           atomic.Int64
	optimistic       atomic.Int64
	validateFailures atomic.Int64
	timeouts         atomic.Int64
	produced         atomic.Int64
	consumed         atomic.Int64
}

// Run executes cfg until its duration elapses, ctx is done, or a worker
// reports a violation. log and m may be nil.
func Run(ctx context.Context, cfg Config, log *zap.Logger, m *Metrics) (Report, error) {
	if err := cfg.Validate(); err != nil {
		return Report{}, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	r := &runner{cfg: cfg, log: log, m: m}

	var w workload
	switch cfg.Workload {
	case WorkloadCounter:
		w = newCounterWorkload()
	case WorkloadQueue:
		w = newQueueWorkload(cfg.Capacity, cfg.Writers)
	case WorkloadPoint:
		w = newPointWorkload()
	}

	log.Info("stress run starting",
		zap.String("workload", cfg.Workload),
		zap.Int("readers", cfg.Readers),
		zap.Int("writers", cfg.Writers),
		zap.Duration("duration", cfg.Duration),
	)

	ctx, cancel := context.WithTimeout(ctx, cfg.Duration)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)
	for i := range cfg.Writers {
		g.Go(func() error { return w.write(ctx, r, i) })
	}
	for i := range cfg.Readers {
		g.Go(func() error { return w.read(ctx, r, i) })
	}
	err := g.Wait()
	if err == nil {
		err = w.check(r)
	}

	rep := r.report()
	fields := []zap.Field{
		zap.Int64("reads", rep.Reads),
		zap.Int64("writes", rep.Writes),
		zap.Int64("optimistic", rep.Optimistic),
		zap.Int64("validate_failures", rep.ValidateFailures),
		zap.Int64("timeouts", rep.Timeouts),
	}
	if err != nil {
		log.Error("stress run failed", append(fields, zap.Error(err))...)
		return rep, err
	}
	log.Info("stress run finished", fields...)
	return rep, nil
}

func (r *runner) report() Report {
	return Report{
		Reads:            r.reads.Load(),
		Writes:           r.writes.Load(),
		Optimistic:       r.optimistic.Load(),
		ValidateFailures: r.validateFailures.Load(),
		Timeouts:         r.timeouts.Load(),
		Produced:         r.produced.Load(),
		Consumed:         r.consumed.Load(),
	}
}

// tryOptimistic decides whether the next read goes optimistic.
func (r *runner) tryOptimistic() bool {
	return float64(fastrand.Uint32()) < r.cfg.OptimisticRatio*(1<<32)
}

func (r *runner) acquired(mode string) {
	switch mode {
	case modeRead:
		r.reads.Add(1)
	case modeWrite:
		r.writes.Add(1)
	case modeOptimistic:
		r.optimistic.Add(1)
	}
	r.m.acquired(mode)
}

func (r *runner) validateFailed() {
	r.validateFailures.Add(1)
	r.m.validateFailed()
}

func (r *runner) timedOut() {
	r.timeouts.Add(1)
	r.m.timedOut()
}

func (r *runner) torn(err error) error {
	r.m.torn()
	r.log.Error("torn read", zap.Error(err))
	return err
}
