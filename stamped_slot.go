package stamplock

import (
	"sync/atomic"
	"unsafe"

	"github.com/llxisdsh/stamplock/internal/opt"
)

// StampedSlot holds a value of type T guarded by its own StampedLock.
//
// Load tries an optimistic read first and only takes the read lock when a
// writer interfered, so read-mostly values are read without touching the
// lock state. Store and Update hold the write lock.
//
// Under the race detector Load always takes the read lock: an optimistic
// copy overlapping a Store is a real data race that Validate later discards.
//
// The zero StampedSlot holds the zero T and is ready to use.
type StampedSlot[T any] struct {
	lock StampedLock
	_    [0]atomic.Uintptr
	buf  T
}

// Load returns a consistent snapshot of the value.
func (s *StampedSlot[T]) Load() T {
	if v, ok := s.TryLoad(); ok {
		return v
	}
	st := s.lock.ReadLock()
	v := s.buf
	s.lock.UnlockRead(st)
	return v
}

// TryLoad reads the value optimistically. ok is false when a writer held or
// took the lock during the read; v is then the zero T. Under the race
// detector it never reads and always reports false.
func (s *StampedSlot[T]) TryLoad() (v T, ok bool) {
	if opt.Race_ {
		return v, false
	}
	st := s.lock.TryOptimisticRead()
	if st == 0 {
		return v, false
	}
	v = s.readUnfenced()
	if !s.lock.Validate(st) {
		var zero T
		return zero, false
	}
	return v, true
}

// Store replaces the value.
func (s *StampedSlot[T]) Store(v T) {
	st := s.lock.WriteLock()
	s.buf = v
	s.lock.UnlockWrite(st)
}

// Update replaces the value with fn(old) and returns the new value.
//
// fn runs under the read lock and the result is installed by upgrading to
// the write lock. If other readers prevent the upgrade, fn runs a second
// time under the write lock, so it must be free of side effects.
func (s *StampedSlot[T]) Update(fn func(old T) T) T {
	st := s.lock.ReadLock()
	nv := fn(s.buf)
	if ws := s.lock.TryConvertToWriteLock(st); ws != 0 {
		s.buf = nv
		s.lock.UnlockWrite(ws)
		return nv
	}
	s.lock.UnlockRead(st)

	st = s.lock.WriteLock()
	nv = fn(s.buf)
	s.buf = nv
	s.lock.UnlockWrite(st)
	return nv
}

// Lock returns the lock guarding the slot, for callers that need to hold it
// across several operations. Accessing the value while holding it must go
// through Ptr.
func (s *StampedSlot[T]) Lock() *StampedLock {
	return &s.lock
}

// Ptr returns the address of the value. Access through it must be guarded
// by the slot's lock.
func (s *StampedSlot[T]) Ptr() *T {
	return &s.buf
}

// readUnfenced copies the value without holding the lock. On weak memory
// models word-aligned values are copied with atomic word loads so the copy
// is ordered before the Validate that follows.
//
//go:nosplit
func (s *StampedSlot[T]) readUnfenced() (v T) {
	if !isTSO_ {
		ws := unsafe.Sizeof(uintptr(0))
		sz := unsafe.Sizeof(s.buf)
		if sz == 0 {
			return v
		}
		if unsafe.Alignof(s.buf) >= ws && sz%ws == 0 {
			src := unsafe.Pointer(&s.buf)
			dst := unsafe.Pointer(&v)
			for off := uintptr(0); off < sz; off += ws {
				*(*uintptr)(unsafe.Add(dst, off)) = atomic.LoadUintptr((*uintptr)(unsafe.Add(src, off)))
			}
			return v
		}
	}
	return s.buf
}
