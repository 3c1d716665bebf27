package opt

import (
	"testing"
	"unsafe"
)

func TestCacheLineSize(t *testing.T) {
	if CacheLineSize_ < 16 {
		t.Fatalf("CacheLineSize_=%d, want >= 16", CacheLineSize_)
	}
	if CacheLineSize_&(CacheLineSize_-1) != 0 {
		t.Fatalf("CacheLineSize_=%d is not a power of two", CacheLineSize_)
	}
}

func TestStatePad(t *testing.T) {
	sz := unsafe.Sizeof(StatePad_{})
	if sz != 0 && sz != CacheLineSize_-16 {
		t.Fatalf("StatePad_ size=%d, want 0 or %d", sz, CacheLineSize_-16)
	}
}
