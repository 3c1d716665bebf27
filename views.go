package stamplock

import "sync"

// ReadLocker returns a sync.Locker whose Lock is ReadLock and whose Unlock
// releases one read lock without a stamp.
// Unlock panics with ErrNotLocked if no read lock is held.
func (l *StampedLock) ReadLocker() sync.Locker {
	return (*readLocker)(l)
}

// WriteLocker returns a sync.Locker whose Lock is WriteLock and whose Unlock
// releases the write lock without a stamp.
// Unlock panics with ErrNotLocked if the write lock is not held.
func (l *StampedLock) WriteLocker() sync.Locker {
	return (*writeLocker)(l)
}

type readLocker StampedLock

func (r *readLocker) Lock() {
	(*StampedLock)(r).ReadLock()
}

func (r *readLocker) Unlock() {
	if !(*StampedLock)(r).TryUnlockRead() {
		panic(ErrNotLocked)
	}
}

type writeLocker StampedLock

func (w *writeLocker) Lock() {
	(*StampedLock)(w).WriteLock()
}

func (w *writeLocker) Unlock() {
	if !(*StampedLock)(w).TryUnlockWrite() {
		panic(ErrNotLocked)
	}
}
