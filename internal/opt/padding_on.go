//go:build !(amd64 || 386 || arm || mips || mipsle || wasm) && !stamplock_disable_padding && !stamplock_enable_padding

package opt

// StatePad_ separates the state word from the wait queue pointers.
// Padding is automatically enabled for architectures that are NOT:
// - amd64 (x86_64): adjacent-line prefetch makes padding less critical
// - 32-bit architectures (386, arm, mips, mipsle, wasm): smaller cache lines/memory constraints
//
// Enabled for: arm64, s390x, ppc64, ppc64le, riscv64, loong64, mips64, mips64le, etc.
type StatePad_ struct {
	_ [CacheLineSize_ - 16]byte
}
