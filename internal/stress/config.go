// Package stress drives a StampedLock under configurable contention and
// checks that no reader ever observes a torn write.
package stress

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// Workload names.
const (
	WorkloadCounter = "counter"
	WorkloadQueue   = "queue"
	WorkloadPoint   = "point"
)

// ErrInvalidConfig reports a Config that cannot be run.
var ErrInvalidConfig = errors.New("stress: invalid config")

// Config describes one stress run. It can be loaded from a YAML profile.
type Config struct {
	// Workload is one of counter, queue or point.
	Workload string `yaml:"workload"`
	// Readers and Writers are the goroutine counts per role. In the queue
	// workload writers produce and readers consume.
	Readers int `yaml:"readers"`
	Writers int `yaml:"writers"`
	// Duration bounds the run.
	Duration time.Duration `yaml:"duration"`
	// OptimisticRatio is the share of reads attempted optimistically.
	OptimisticRatio float64 `yaml:"optimistic_ratio"`
	// WriteTimeout bounds each write acquisition; 0 waits forever.
	WriteTimeout time.Duration `yaml:"write_timeout"`
	// Capacity is the ring size of the queue workload.
	Capacity int `yaml:"capacity"`
}

// DefaultConfig returns a short read-mostly counter run.
func DefaultConfig() Config {
	return Config{
		Workload:        WorkloadCounter,
		Readers:         4,
		Writers:         1,
		Duration:        time.Second,
		OptimisticRatio: 0.9,
		WriteTimeout:    10 * time.Millisecond,
		Capacity:        64,
	}
}

// LoadConfig reads a YAML profile on top of DefaultConfig.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}
	if len(data) == 0 {
		return cfg, nil
	}
	if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse YAML: %w", err)
	}
	return cfg, nil
}

// Validate checks that the run is well formed.
func (c Config) Validate() error {
	switch c.Workload {
	case WorkloadCounter, WorkloadQueue, WorkloadPoint:
	default:
		return fmt.Errorf("%w: unknown workload %q", ErrInvalidConfig, c.Workload)
	}
	if c.Readers < 0 || c.Writers < 0 || c.Readers+c.Writers == 0 {
		return fmt.Errorf("%w: need at least one worker, got %d readers and %d writers",
			ErrInvalidConfig, c.Readers, c.Writers)
	}
	if c.Workload == WorkloadQueue && (c.Readers == 0 || c.Writers == 0) {
		return fmt.Errorf("%w: queue needs both producers and consumers", ErrInvalidConfig)
	}
	if c.Duration <= 0 {
		return fmt.Errorf("%w: duration must be positive", ErrInvalidConfig)
	}
	if c.OptimisticRatio < 0 || c.OptimisticRatio > 1 {
		return fmt.Errorf("%w: optimistic_ratio %v not in [0, 1]", ErrInvalidConfig, c.OptimisticRatio)
	}
	if c.WriteTimeout < 0 {
		return fmt.Errorf("%w: negative write_timeout", ErrInvalidConfig)
	}
	if c.Workload == WorkloadQueue && c.Capacity <= 0 {
		return fmt.Errorf("%w: capacity must be positive", ErrInvalidConfig)
	}
	return nil
}
