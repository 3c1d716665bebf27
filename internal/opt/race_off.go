//go:build !race

package opt

// Race_ reports whether the race detector is enabled.
// Optimistic reads copy data that a writer may be mutating; the detector
// flags that (correctly) as a race, so callers fall back to a read lock.
const Race_ = false
