package pjrt

import (
	"fmt"
	"testing"
	"unsafe"

	"github.com/gomlx/purepjrt/dtypes"
	"github.com/stretchr/testify/require"
)

func TestHostBuffer(t *testing.T) {
	hb := capture(HostBufferFromFlat([]float32{1, 2, 3, 4, 5, 6}, 2, 3)).Test(t)
	fmt.Printf("%s\n", hb)
	require.Equal(t, "HostBuffer(Float32[2 3], 24 bytes)", hb.String())
	require.Equal(t, dtypes.Float32, hb.DType())
	require.Equal(t, []int{2, 3}, hb.Dimensions())
	require.Equal(t, 2, hb.Rank())
	require.Nil(t, hb.Layout())
	require.Len(t, hb.Bytes(), 24)
	require.Zero(t, uintptr(unsafe.Pointer(unsafe.SliceData(hb.Bytes())))%BufferAlignment)

	// HostBufferFlat is a view of the same bytes.
	flat := capture(HostBufferFlat[float32](hb)).Test(t)
	require.Equal(t, []float32{1, 2, 3, 4, 5, 6}, flat)
	flat[0] = 10
	require.Equal(t, float32(10), *(*float32)(unsafe.Pointer(unsafe.SliceData(hb.Bytes()))))
	_, err := HostBufferFlat[int32](hb)
	require.Error(t, err)

	// The flat values are copied.
	values := []int8{1, 2}
	hb = capture(HostBufferFromFlat(values, 2)).Test(t)
	values[0] = 7
	require.Equal(t, []byte{1, 2}, hb.Bytes())

	_, err = HostBufferFromFlat([]int8{1, 2, 3}, 2)
	require.Equal(t, KindInvalidArgument, KindOf(err))
	fmt.Printf("Expected error: %v\n", err)

	scalar := ScalarHostBuffer(int64(42))
	require.Empty(t, scalar.Dimensions())
	require.Equal(t, []int64{42}, capture(HostBufferFlat[int64](scalar)).Test(t))
}

func TestNewHostBuffer(t *testing.T) {
	data := []byte{1, 2, 3, 4}
	hb := capture(NewHostBuffer(dtypes.Uint8, []int{2, 2}, data)).Test(t)
	data[0] = 100
	require.Equal(t, []byte{1, 2, 3, 4}, hb.Bytes())

	_, err := NewHostBuffer(dtypes.Uint8, []int{3}, data)
	require.Equal(t, KindInvalidArgument, KindOf(err))
	_, err = NewHostBuffer(dtypes.InvalidDType, []int{4}, data)
	require.Equal(t, KindInvalidArgument, KindOf(err))
	_, err = NewHostBuffer(dtypes.Uint8, []int{-4}, data)
	require.Equal(t, KindInvalidArgument, KindOf(err))

	// Sub-byte types are packed.
	hb = capture(NewEmptyHostBuffer(dtypes.U4, 3)).Test(t)
	require.Len(t, hb.Bytes(), 2)

	empty := capture(NewEmptyHostBuffer(dtypes.Float64, 0, 5)).Test(t)
	require.Empty(t, empty.Bytes())
	require.Equal(t, []float64{}, capture(HostBufferFlat[float64](empty)).Test(t))
	_, err = NewEmptyHostBuffer(dtypes.Float64, -1)
	require.Error(t, err)
}

func TestHostBufferEqual(t *testing.T) {
	a := capture(HostBufferFromFlat([]int32{1, 2, 3, 4}, 2, 2)).Test(t)
	b := capture(HostBufferFromFlat([]int32{1, 2, 3, 4}, 2, 2)).Test(t)
	require.True(t, a.Equal(b))
	require.False(t, a.Equal(capture(HostBufferFromFlat([]int32{1, 2, 3, 4}, 4)).Test(t)))
	require.False(t, a.Equal(capture(HostBufferFromFlat([]uint32{1, 2, 3, 4}, 2, 2)).Test(t)))
	require.False(t, a.Equal(capture(HostBufferFromFlat([]int32{1, 2, 3, 5}, 2, 2)).Test(t)))
	require.False(t, a.Equal(nil))
	require.True(t, (*HostBuffer)(nil).Equal(nil))

	b.WithLayout(MajorToMinorLayout(2))
	require.False(t, a.Equal(b))
	a.WithLayout(MajorToMinorLayout(2))
	require.True(t, a.Equal(b))
}
