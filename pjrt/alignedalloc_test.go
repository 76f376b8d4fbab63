package pjrt

import (
	"math/rand/v2"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
)

func TestAlignedAlloc(t *testing.T) {
	rng := rand.New(rand.NewPCG(42, 42))
	numLivePointers := 100
	maxAllocSize := 1_000
	pointers := make([]unsafe.Pointer, numLivePointers)
	for range 10_000 {
		idx := rng.IntN(numLivePointers)
		if pointers[idx] != nil {
			AlignedFree(pointers[idx])
		}
		size := uintptr(rng.IntN(maxAllocSize))
		pointers[idx] = AlignedAlloc(size, BufferAlignment)
		require.Zero(t, uintptr(pointers[idx])%BufferAlignment)
		if size > 0 {
			data := unsafe.Slice((*byte)(pointers[idx]), size)
			require.Zero(t, data[size-1])
			data[size-1] = 0xFF
		}
	}
	for _, ptr := range pointers {
		AlignedFree(ptr)
	}
	require.Panics(t, func() { AlignedFree(pointers[0]) })
	require.Panics(t, func() { AlignedAlloc(10, 12) })
}

func TestAlignedBytes(t *testing.T) {
	for _, size := range []int{0, 1, 7, 64, 1000} {
		data := alignedBytes(size)
		require.Len(t, data, size)
		if size > 0 {
			require.Zero(t, uintptr(unsafe.Pointer(unsafe.SliceData(data)))%BufferAlignment)
		}
	}
}
