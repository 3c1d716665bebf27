//go:build stamplock_disable_padding

package opt

// StatePad_ separates the state word from the wait queue pointers.
// Padding is force-disabled via the stamplock_disable_padding build tag.
// Use: go build -tags=stamplock_disable_padding
type StatePad_ struct{}
