package stamplock

// Stamp is the token returned by every successful acquisition or optimistic
// read on a StampedLock. It is a snapshot of the lock state at the moment of
// success and must be handed back to the matching release, validate or
// convert call.
//
// The zero Stamp is never valid and signals failure.
type Stamp uint64

// State layout (64 bits):
//
//	bits 0-6:  shared-count (0..rFull); rBits marks the overflow spinlock
//	bit  7:    exclusive bit
//	bits 8-63: epoch, advanced by every write release
//
// A write release adds wBit a second time, which clears the exclusive bit and
// carries one into the epoch.
const (
	lgReaders = 7

	rUnit  = 1
	wBit   = 1 << lgReaders
	rBits  = wBit - 1
	rFull  = rBits - 1
	aBits  = rBits | wBit
	sBits  = ^uint64(rBits)
	origin = wBit << 1
)

// interrupted is returned by the slow paths when a context is done. Every
// real stamp carries a non-zero epoch, so it never equals 1. It is internal
// only: the *Context methods turn it into ctx.Err() and a zero stamp, and it
// must never reach the predicates below, which report IsRead and IsLock
// for it.
const interrupted Stamp = 1

// IsWrite reports whether s was issued by a write acquisition.
func (s Stamp) IsWrite() bool {
	return s&wBit != 0
}

// IsRead reports whether s was issued by a read acquisition.
func (s Stamp) IsRead() bool {
	return s&rBits != 0
}

// IsOptimistic reports whether s is a successful optimistic read stamp.
func (s Stamp) IsOptimistic() bool {
	return s != 0 && s&aBits == 0
}

// IsLock reports whether s represents a held lock (read or write).
func (s Stamp) IsLock() bool {
	return s&aBits != 0
}

// epoch returns the bits compared by Validate: the exclusive bit plus the
// release counter.
//
//go:nosplit
func epoch(s uint64) uint64 {
	return s & sBits
}

// modeBits returns the exclusive bit and the shared-count.
//
//go:nosplit
func modeBits(s uint64) uint64 {
	return s & aBits
}

// readerCount decodes the number of shared holders, adding the overflow
// counter when the shared-count is saturated.
func readerCount(s, overflow uint64) int {
	r := s & rBits
	if r >= rFull {
		return int(rFull + overflow)
	}
	return int(r)
}

// nextWriteRelease returns the state after releasing the exclusive bit of s.
// A wrapped state restarts at origin so it can never become zero.
//
//go:nosplit
func nextWriteRelease(s uint64) uint64 {
	if s += wBit; s == 0 {
		return origin
	}
	return s
}
