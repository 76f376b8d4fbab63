package pjrt

// This file defines an AlignedAlloc and AlignedFree, modelled after mm_malloc, but over Go memory.

import (
	"fmt"
	"sync"
	"unsafe"
)

// BufferAlignment is the default alignment required for memory shared with CPU PJRT.
// See AlignedAlloc and AlignedFree.
const BufferAlignment = 64

// alignedAllocations keeps the Go storage of each AlignedAlloc allocation alive until AlignedFree, indexed by the
// aligned address. The plugin only sees the address, which the garbage collector doesn't track.
var alignedAllocations sync.Map

// AlignedAlloc returns a zero-filled allocation of size bytes aligned to alignment, which must be a multiple of 8.
// The memory is owned by Go, and it stays valid (and doesn't move) until AlignedFree is called with the returned
// pointer.
//
// A zero size allocation still returns a valid unique pointer.
func AlignedAlloc(size, alignment uintptr) unsafe.Pointer {
	if alignment < 8 || alignment%8 != 0 {
		panic(fmt.Sprintf("AlignedAlloc: alignment must be a multiple of 8, got %d", alignment))
	}
	storage := make([]byte, size+alignment)
	ptr := unsafe.Pointer(unsafe.SliceData(storage))
	offset := uintptr(ptr) % alignment
	if offset != 0 {
		offset = alignment - offset
	}
	alignedPtr := unsafe.Add(ptr, offset)
	alignedAllocations.Store(uintptr(alignedPtr), storage)
	return alignedPtr
}

// AlignedFree releases an allocation created with AlignedAlloc. Freeing a pointer twice, or one not returned by
// AlignedAlloc, panics.
func AlignedFree(ptr unsafe.Pointer) {
	if _, found := alignedAllocations.LoadAndDelete(uintptr(ptr)); !found {
		panic(fmt.Sprintf("AlignedFree: %p was not allocated with AlignedAlloc or was already freed", ptr))
	}
}

// alignedBytes returns a zero-filled byte slice of the given size whose data is aligned to BufferAlignment.
// Unlike AlignedAlloc, it is freed by the garbage collector.
func alignedBytes(size int) []byte {
	storage := make([]byte, size+BufferAlignment)
	offset := int(uintptr(unsafe.Pointer(unsafe.SliceData(storage))) % BufferAlignment)
	if offset != 0 {
		offset = BufferAlignment - offset
	}
	return storage[offset : offset+size : offset+size]
}
