//go:build race

package opt

// Race_ reports whether the race detector is enabled.
const Race_ = true
