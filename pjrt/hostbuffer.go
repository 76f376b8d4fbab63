package pjrt

import (
	"bytes"
	"fmt"
	"slices"
	"unsafe"

	"github.com/gomlx/purepjrt/dtypes"
	"github.com/pkg/errors"
)

// HostBuffer is an array in host memory: its bytes (aligned to BufferAlignment), element type, dimensions and an
// optional memory layout. It is not associated with any plugin.
//
// Create it with NewHostBuffer, HostBufferFromFlat or ScalarHostBuffer, transfer it to a device with
// BufferFromHostConfig.FromHostBuffer, and get it back with Buffer.ToHostBuffer.
type HostBuffer struct {
	data       []byte
	dtype      dtypes.DType
	dimensions []int
	layout     *MemoryLayout
}

// checkShape validates the dimensions and returns the number of bytes required by the array.
func checkShape(dtype dtypes.DType, dimensions []int) (int, error) {
	if !dtype.IsValid() || dtype.Size() == 0 {
		return 0, errors.Errorf("invalid dtype %s for an array", dtype)
	}
	for _, dim := range dimensions {
		if dim < 0 {
			return 0, errors.Errorf("dimensions cannot be negative, got %v", dimensions)
		}
	}
	return dtype.SizeForDimensions(dimensions...), nil
}

// NewHostBuffer creates a HostBuffer with a copy of data, which must have exactly the number of bytes required by
// dtype and dimensions. Empty dimensions means a scalar.
func NewHostBuffer(dtype dtypes.DType, dimensions []int, data []byte) (*HostBuffer, error) {
	size, err := checkShape(dtype, dimensions)
	if err != nil {
		return nil, newError(KindInvalidArgument, CodeInvalidArgument, "NewHostBuffer", "%v", err)
	}
	if len(data) != size {
		return nil, newError(KindInvalidArgument, CodeInvalidArgument, "NewHostBuffer",
			"%s%v requires %d bytes, got %d", dtype, dimensions, size, len(data))
	}
	hb := &HostBuffer{
		data:       alignedBytes(size),
		dtype:      dtype,
		dimensions: slices.Clone(dimensions),
	}
	copy(hb.data, data)
	return hb, nil
}

// NewEmptyHostBuffer creates a zero-filled HostBuffer for the given dtype and dimensions.
func NewEmptyHostBuffer(dtype dtypes.DType, dimensions ...int) (*HostBuffer, error) {
	size, err := checkShape(dtype, dimensions)
	if err != nil {
		return nil, newError(KindInvalidArgument, CodeInvalidArgument, "NewEmptyHostBuffer", "%v", err)
	}
	return &HostBuffer{
		data:       alignedBytes(size),
		dtype:      dtype,
		dimensions: slices.Clone(dimensions),
	}, nil
}

// HostBufferFromFlat creates a HostBuffer with a copy of the flat values, for the given dimensions.
// The number of values must match the product of the dimensions, and no dimensions means a scalar.
func HostBufferFromFlat[T dtypes.Supported](flat []T, dimensions ...int) (*HostBuffer, error) {
	dtype := dtypes.FromGenericsType[T]()
	var raw []byte
	if len(flat) > 0 {
		raw = unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(flat))), len(flat)*int(unsafe.Sizeof(flat[0])))
	}
	hb, err := NewHostBuffer(dtype, dimensions, raw)
	if err != nil {
		return nil, errors.WithMessagef(err, "HostBufferFromFlat[%s](len=%d, dimensions=%v)", dtype, len(flat), dimensions)
	}
	return hb, nil
}

// ScalarHostBuffer creates a HostBuffer holding the scalar value.
func ScalarHostBuffer[T dtypes.Supported](value T) *HostBuffer {
	hb, err := HostBufferFromFlat([]T{value})
	if err != nil {
		// Only happens for dtypes with no size, which are not Supported.
		panic(err)
	}
	return hb
}

// HostBufferFlat returns a typed view (not a copy) of the values of the host buffer.
// It fails if T doesn't match the dtype of the buffer.
func HostBufferFlat[T dtypes.Supported](hb *HostBuffer) ([]T, error) {
	dtype := dtypes.FromGenericsType[T]()
	if dtype != hb.dtype {
		var zero T
		return nil, errInvalidArgument("HostBufferFlat", "HostBufferFlat[%T] called for a HostBuffer of dtype %s", zero, hb.dtype)
	}
	if len(hb.data) == 0 {
		return []T{}, nil
	}
	var zero T
	n := len(hb.data) / int(unsafe.Sizeof(zero))
	return unsafe.Slice((*T)(unsafe.Pointer(unsafe.SliceData(hb.data))), n), nil
}

// Bytes returns the raw bytes of the buffer. It is not a copy: changes affect the HostBuffer.
func (hb *HostBuffer) Bytes() []byte {
	return hb.data
}

// DType returns the element type.
func (hb *HostBuffer) DType() dtypes.DType {
	return hb.dtype
}

// Dimensions returns the dimensions. The returned slice is owned by the HostBuffer, don't change it.
func (hb *HostBuffer) Dimensions() []int {
	return hb.dimensions
}

// Rank returns the number of axes.
func (hb *HostBuffer) Rank() int {
	return len(hb.dimensions)
}

// Layout returns the host memory layout, or nil for the default (major-to-minor) layout.
func (hb *HostBuffer) Layout() *MemoryLayout {
	return hb.layout
}

// WithLayout sets the host memory layout of the data, and returns the HostBuffer itself.
// A nil layout means the default major-to-minor layout.
func (hb *HostBuffer) WithLayout(layout *MemoryLayout) *HostBuffer {
	hb.layout = layout
	return hb
}

// Equal returns whether both host buffers have the same dtype, dimensions, layout and bytes.
func (hb *HostBuffer) Equal(other *HostBuffer) bool {
	if hb == nil || other == nil {
		return hb == other
	}
	return hb.dtype == other.dtype &&
		slices.Equal(hb.dimensions, other.dimensions) &&
		hb.layout.Equal(other.layout) &&
		bytes.Equal(hb.data, other.data)
}

// String implements fmt.Stringer.
func (hb *HostBuffer) String() string {
	return fmt.Sprintf("HostBuffer(%s%v, %d bytes)", hb.dtype, hb.dimensions, len(hb.data))
}
