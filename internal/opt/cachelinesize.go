package opt

import (
	"unsafe"

	"golang.org/x/sys/cpu"
)

// CacheLineSize_ is the padding unit used to keep the lock state word and
// the wait queue pointers on separate cache lines.
// It's derived from `golang.org/x/sys/cpu`.
const CacheLineSize_ = unsafe.Sizeof(cpu.CacheLinePad{})
