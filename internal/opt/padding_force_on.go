//go:build stamplock_enable_padding

package opt

// StatePad_ separates the state word from the wait queue pointers.
// Padding is force-enabled via the stamplock_enable_padding build tag.
// Use: go build -tags=stamplock_enable_padding
type StatePad_ struct {
	_ [CacheLineSize_ - 16]byte
}
