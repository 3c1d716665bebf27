//go:build (amd64 || 386 || arm || mips || mipsle || wasm) && !stamplock_disable_padding && !stamplock_enable_padding

package opt

// StatePad_ separates the state word from the wait queue pointers.
// Padding is disabled by default for:
// - amd64
// - 32-bit architectures (386, arm, mips, mipsle, wasm)
type StatePad_ struct{}
