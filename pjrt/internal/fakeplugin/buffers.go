package fakeplugin

import (
	"slices"
	"sync"
	"unsafe"

	"github.com/ebitengine/purego"
	"github.com/gomlx/purepjrt/dtypes"
	"github.com/gomlx/purepjrt/pjrt/internal/capi"
)

// fakeBuffer is an array stored densely in row-major order, in Go memory or (for views) in the caller's memory.
type fakeBuffer struct {
	mu           sync.Mutex
	dtype        dtypes.DType
	dims         []int64
	minorToMajor []int64
	data         []byte
	memory       *fakeMemory
	ready        *fakeEvent
	deleted      bool
	externalRefs int64

	// opaque mimics the platform's device memory descriptor: address and size.
	opaque [2]uintptr

	// Views only: on-delete callback and the caller's pointer.
	isView                bool
	onDelete, onDeleteArg uintptr
	viewPtr               uintptr
}

// newBuffer registers a buffer in memory m, with data already allocated. ready may still be pending.
func newBuffer(dtype dtypes.DType, dims []int64, data []byte, m *fakeMemory, ready *fakeEvent) (*fakeBuffer, uintptr) {
	rank := len(dims)
	b := &fakeBuffer{
		dtype:        dtype,
		dims:         slices.Clone(dims),
		minorToMajor: make([]int64, rank),
		data:         data,
		memory:       m,
		ready:        ready,
	}
	for axis := range rank {
		b.minorToMajor[axis] = int64(rank - axis - 1)
	}
	b.opaque = [2]uintptr{addr(data), uintptr(len(data))}
	liveBuffers.Add(1)
	m.device.allocated(int64(len(data)))
	return b, newHandle(b)
}

func lookupBuffer(h uintptr) (*fakeBuffer, *fakeError) {
	b, found := lookup[*fakeBuffer](h)
	if !found {
		return nil, errBadHandle("PJRT_Buffer", h)
	}
	return b, nil
}

// checkShape validates the dtype and dimensions, and returns the dense size in bytes.
func checkShape(dtype dtypes.DType, dims []int64) (int, *fakeError) {
	if !dtype.IsValid() || dtype.Bits() == 0 {
		return 0, errorf(capi.CodeInvalidArgument, "invalid element type %d", int32(dtype))
	}
	intDims := make([]int, len(dims))
	for ii, dim := range dims {
		if dim < 0 {
			return 0, errorf(capi.CodeInvalidArgument, "negative dimensions %v", dims)
		}
		intDims[ii] = int(dim)
	}
	return dtype.SizeForDimensions(intDims...), nil
}

// denseByteStrides returns the byte strides of a row-major array.
func denseByteStrides(elemSize int, dims []int64) []int64 {
	strides := make([]int64, len(dims))
	stride := int64(elemSize)
	for axis := len(dims) - 1; axis >= 0; axis-- {
		strides[axis] = stride
		stride *= dims[axis]
	}
	return strides
}

// forEachElement calls fn with the element index (in row-major order) and the byte offset given by strides.
func forEachElement(dims, strides []int64, fn func(index int, offset int64)) {
	numElements := 1
	for _, dim := range dims {
		numElements *= int(dim)
	}
	if numElements == 0 {
		return
	}
	pos := make([]int64, len(dims))
	var offset int64
	for index := range numElements {
		fn(index, offset)
		for axis := len(dims) - 1; axis >= 0; axis-- {
			pos[axis]++
			offset += strides[axis]
			if pos[axis] < dims[axis] {
				break
			}
			offset -= strides[axis] * pos[axis]
			pos[axis] = 0
		}
	}
}

// gather copies the strided array at src to the dense dst.
func gather(dst []byte, src uintptr, dims, srcStrides []int64, elemSize int) {
	forEachElement(dims, srcStrides, func(index int, offset int64) {
		copy(dst[index*elemSize:(index+1)*elemSize], unsafe.Slice((*byte)(unsafe.Add(capi.Pointer(src), offset)), elemSize))
	})
}

// scatter copies the dense src to the strided array at dst.
func scatter(dst uintptr, src []byte, dims, dstStrides []int64, elemSize int) {
	forEachElement(dims, dstStrides, func(index int, offset int64) {
		copy(unsafe.Slice((*byte)(unsafe.Add(capi.Pointer(dst), offset)), elemSize), src[index*elemSize:(index+1)*elemSize])
	})
}

// layoutByteStrides returns the byte strides requested by a PJRT_Buffer_MemoryLayout, or nil if it is dense
// row-major (or not given).
func layoutByteStrides(layoutPtr uintptr, dtype dtypes.DType, dims []int64) ([]int64, *fakeError) {
	if layoutPtr == 0 {
		return nil, nil
	}
	layout := (*capi.BufferMemoryLayout)(capi.Pointer(layoutPtr))
	var strides []int64
	switch layout.Type {
	case capi.MemoryLayoutStrides:
		s := layout.Strides()
		strides = slices.Clone(view[int64](s.ByteStrides, s.NumByteStrides))
	case capi.MemoryLayoutTiled:
		tiled := layout.Tiled()
		if tiled.NumTiles > 0 {
			return nil, errorf(capi.CodeUnimplemented, "tiled layouts are not supported")
		}
		minorToMajor := view[int64](tiled.MinorToMajor, tiled.MinorToMajorSize)
		if len(minorToMajor) != len(dims) {
			return nil, errorf(capi.CodeInvalidArgument, "layout minor_to_major %v doesn't match rank %d", minorToMajor, len(dims))
		}
		strides = make([]int64, len(dims))
		stride := int64(dtype.Size())
		for _, axis := range minorToMajor {
			if axis < 0 || int(axis) >= len(dims) {
				return nil, errorf(capi.CodeInvalidArgument, "invalid minor_to_major %v", minorToMajor)
			}
			strides[axis] = stride
			stride *= dims[axis]
		}
	default:
		return nil, errorf(capi.CodeInvalidArgument, "unknown layout type %d", layout.Type)
	}
	if len(strides) != len(dims) {
		return nil, errorf(capi.CodeInvalidArgument, "%d byte strides given for rank %d", len(strides), len(dims))
	}
	if slices.Equal(strides, denseByteStrides(dtype.Size(), dims)) {
		return nil, nil
	}
	if dtype.Bits()%8 != 0 {
		return nil, errorf(capi.CodeUnimplemented, "non-dense layouts of sub-byte element type %s", dtype)
	}
	return strides, nil
}

// memoryFor returns the target memory of a transfer: memory if given, otherwise the default memory of device.
func memoryFor(memoryHandle, deviceHandle uintptr) (*fakeMemory, *fakeError) {
	if memoryHandle != 0 {
		return lookupMemory(memoryHandle)
	}
	d, err := lookupDevice(deviceHandle)
	if err != nil {
		return nil, err
	}
	return d.memories[0], nil
}

func clientBufferFromHostBuffer(args *capi.ClientBufferFromHostBufferArgs) *fakeError {
	if _, err := lookupClient(args.Client); err != nil {
		return err
	}
	m, err := memoryFor(args.Memory, args.Device)
	if err != nil {
		return err
	}
	dtype := dtypes.DType(args.Type)
	dims := slices.Clone(view[int64](args.Dims, args.NumDims))
	size, err := checkShape(dtype, dims)
	if err != nil {
		return err
	}
	if args.Data == 0 {
		return errorf(capi.CodeInvalidArgument, "null host data")
	}
	if args.DeviceLayout != 0 {
		layout := (*capi.BufferMemoryLayout)(capi.Pointer(args.DeviceLayout))
		if layout.Type != capi.MemoryLayoutTiled {
			return errorf(capi.CodeUnimplemented, "only tiled device layouts are supported")
		}
	}
	var srcStrides []int64
	if args.NumByteStrides > 0 {
		srcStrides = slices.Clone(view[int64](args.ByteStrides, args.NumByteStrides))
		if len(srcStrides) != len(dims) {
			return errorf(capi.CodeInvalidArgument, "%d byte strides given for rank %d", len(srcStrides), len(dims))
		}
		if slices.Equal(srcStrides, denseByteStrides(dtype.Size(), dims)) {
			srcStrides = nil
		} else if dtype.Bits()%8 != 0 {
			return errorf(capi.CodeUnimplemented, "byte strides for sub-byte element type %s", dtype)
		}
	}

	semantics := args.HostBufferSemantics
	zeroCopy := semantics == capi.HostBufferImmutableZeroCopy || semantics == capi.HostBufferMutableZeroCopy
	if zeroCopy && srcStrides == nil {
		data := unsafe.Slice((*byte)(capi.Pointer(args.Data)), size)
		_, args.Buffer = newBuffer(dtype, dims, data, m, readyEvent())
		args.DoneWithHostBuffer = completedEvent(nil)
		return nil
	}

	data := make([]byte, size)
	copyIn := func(src uintptr) {
		if srcStrides == nil {
			copy(data, unsafe.Slice((*byte)(capi.Pointer(src)), size))
		} else {
			gather(data, src, dims, srcStrides, dtype.Size())
		}
	}
	if semantics == capi.HostBufferImmutableOnlyDuringCall || zeroCopy {
		copyIn(args.Data)
		_, args.Buffer = newBuffer(dtype, dims, data, m, readyEvent())
		args.DoneWithHostBuffer = completedEvent(nil)
		return nil
	}

	// The host data stays valid until DoneWithHostBuffer is ready: copy it asynchronously.
	ready, done := newFakeEvent(), newFakeEvent()
	_, args.Buffer = newBuffer(dtype, dims, data, m, ready)
	args.DoneWithHostBuffer = done.newHandle()
	src := args.Data
	go func() {
		copyIn(src)
		done.set(nil)
		ready.set(nil)
	}()
	return nil
}

// readyEvent returns a new event, already set.
func readyEvent() *fakeEvent {
	ev := newFakeEvent()
	ev.set(nil)
	return ev
}

func clientCreateViewOfDeviceBuffer(args *capi.ClientCreateViewOfDeviceBufferArgs) *fakeError {
	if _, err := lookupClient(args.Client); err != nil {
		return err
	}
	m, err := memoryFor(args.Memory, args.Device)
	if err != nil {
		return err
	}
	if args.DeviceBufferPtr == 0 {
		return errorf(capi.CodeInvalidArgument, "null device_buffer_ptr")
	}
	dtype := dtypes.DType(args.ElementType)
	dims := slices.Clone(view[int64](args.Dims, args.NumDims))
	size, err := checkShape(dtype, dims)
	if err != nil {
		return err
	}
	data := unsafe.Slice((*byte)(capi.Pointer(args.DeviceBufferPtr)), size)
	b, h := newBuffer(dtype, dims, data, m, readyEvent())
	b.isView = true
	b.viewPtr = args.DeviceBufferPtr
	b.onDelete, b.onDeleteArg = args.OnDeleteCallback, args.OnDeleteCallbackArg
	args.Buffer = h
	return nil
}

// dropData releases the buffer's memory, and calls the on-delete callback of views. b.mu must be held.
func (b *fakeBuffer) dropData() {
	if b.data == nil && !b.isView {
		return
	}
	b.memory.device.allocated(-int64(len(b.data)))
	b.data = nil
	if b.isView && b.onDelete != 0 {
		onDelete, arg, ptr := b.onDelete, b.onDeleteArg, b.viewPtr
		b.onDelete = 0
		purego.SyscallN(onDelete, ptr, arg)
	}
}

func bufferDestroy(args *capi.BufferDestroyArgs) *fakeError {
	obj, found := release(args.Buffer)
	if !found {
		return errBadHandle("PJRT_Buffer", args.Buffer)
	}
	b := obj.(*fakeBuffer)
	liveBuffers.Add(-1)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dropData()
	return nil
}

func bufferElementType(args *capi.BufferElementTypeArgs) *fakeError {
	b, err := lookupBuffer(args.Buffer)
	if err != nil {
		return err
	}
	args.Type = int32(b.dtype)
	return nil
}

func bufferDimensions(args *capi.BufferDimensionsArgs) *fakeError {
	b, err := lookupBuffer(args.Buffer)
	if err != nil {
		return err
	}
	args.Dims, args.NumDims = addr(b.dims), uintptr(len(b.dims))
	return nil
}

func bufferUnpaddedDimensions(args *capi.BufferUnpaddedDimensionsArgs) *fakeError {
	b, err := lookupBuffer(args.Buffer)
	if err != nil {
		return err
	}
	args.UnpaddedDims, args.NumDims = addr(b.dims), uintptr(len(b.dims))
	return nil
}

func bufferDynamicDimensionIndices(args *capi.BufferDynamicDimensionIndicesArgs) *fakeError {
	if _, err := lookupBuffer(args.Buffer); err != nil {
		return err
	}
	args.DynamicDimIndices, args.NumDynamicDims = 0, 0
	return nil
}

func bufferGetMemoryLayout(args *capi.BufferGetMemoryLayoutArgs) *fakeError {
	b, err := lookupBuffer(args.Buffer)
	if err != nil {
		return err
	}
	args.Layout.StructSize = unsafe.Sizeof(args.Layout)
	args.Layout.Type = capi.MemoryLayoutTiled
	tiled := args.Layout.Tiled()
	tiled.StructSize = unsafe.Sizeof(*tiled)
	tiled.MinorToMajor, tiled.MinorToMajorSize = addr(b.minorToMajor), uintptr(len(b.minorToMajor))
	tiled.TileDims, tiled.TileDimSizes, tiled.NumTiles = 0, 0, 0
	return nil
}

func bufferOnDeviceSizeInBytes(args *capi.BufferOnDeviceSizeInBytesArgs) *fakeError {
	b, err := lookupBuffer(args.Buffer)
	if err != nil {
		return err
	}
	size, _ := checkShape(b.dtype, b.dims)
	args.OnDeviceSizeInBytes = uintptr(size)
	return nil
}

func bufferDevice(args *capi.BufferDeviceArgs) *fakeError {
	b, err := lookupBuffer(args.Buffer)
	if err != nil {
		return err
	}
	args.Device = b.memory.device.handle
	return nil
}

func bufferMemory(args *capi.BufferMemoryArgs) *fakeError {
	b, err := lookupBuffer(args.Buffer)
	if err != nil {
		return err
	}
	args.Memory = b.memory.handle
	return nil
}

// markDeleted drops the buffer's data, unless an external reference keeps it.
func (b *fakeBuffer) markDeleted() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deleted = true
	if b.externalRefs == 0 {
		b.dropData()
	}
}

func bufferDelete(args *capi.BufferDeleteArgs) *fakeError {
	b, err := lookupBuffer(args.Buffer)
	if err != nil {
		return err
	}
	b.markDeleted()
	return nil
}

func bufferIsDeleted(args *capi.BufferIsDeletedArgs) *fakeError {
	b, err := lookupBuffer(args.Buffer)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	args.IsDeleted = b.deleted
	return nil
}

// contents returns the buffer's data, or an error if it was deleted.
func (b *fakeBuffer) contents() ([]byte, *fakeError) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.deleted {
		return nil, errorf(capi.CodeFailedPrecondition, "buffer has been deleted or donated")
	}
	return b.data, nil
}

// copyTo creates a copy of b in memory m, ready once b is ready.
func (b *fakeBuffer) copyTo(m *fakeMemory) (uintptr, *fakeError) {
	src, err := b.contents()
	if err != nil {
		return 0, err
	}
	data := make([]byte, len(src))
	ready := newFakeEvent()
	dst, h := newBuffer(b.dtype, b.dims, data, m, ready)
	go func() {
		if err := b.ready.wait(); err != nil {
			ready.set(err)
			return
		}
		copy(dst.data, src)
		ready.set(nil)
	}()
	return h, nil
}

func bufferCopyToDevice(args *capi.BufferCopyToDeviceArgs) *fakeError {
	b, err := lookupBuffer(args.Buffer)
	if err != nil {
		return err
	}
	d, err := lookupDevice(args.DstDevice)
	if err != nil {
		return err
	}
	args.DstBuffer, err = b.copyTo(d.memories[0])
	return err
}

func bufferCopyToMemory(args *capi.BufferCopyToMemoryArgs) *fakeError {
	b, err := lookupBuffer(args.Buffer)
	if err != nil {
		return err
	}
	m, err := lookupMemory(args.DstMemory)
	if err != nil {
		return err
	}
	args.DstBuffer, err = b.copyTo(m)
	return err
}

func bufferToHostBuffer(args *capi.BufferToHostBufferArgs) *fakeError {
	b, err := lookupBuffer(args.Src)
	if err != nil {
		return err
	}
	size, _ := checkShape(b.dtype, b.dims)
	if args.Dst == 0 {
		args.DstSize = uintptr(size)
		return nil
	}
	if int(args.DstSize) < size {
		return errorf(capi.CodeInvalidArgument, "dst_size=%d is too small for a buffer of %d bytes", args.DstSize, size)
	}
	dstStrides, err := layoutByteStrides(args.HostLayout, b.dtype, b.dims)
	if err != nil {
		return err
	}
	src, err := b.contents()
	if err != nil {
		return err
	}
	done := newFakeEvent()
	args.Event = done.newHandle()
	dst := args.Dst
	go func() {
		if err := b.ready.wait(); err != nil {
			done.set(err)
			return
		}
		if dstStrides == nil {
			copy(unsafe.Slice((*byte)(capi.Pointer(dst)), size), src)
		} else {
			scatter(dst, src, b.dims, dstStrides, b.dtype.Size())
		}
		done.set(nil)
	}()
	return nil
}

func bufferIsOnCPU(args *capi.BufferIsOnCPUArgs) *fakeError {
	b, err := lookupBuffer(args.Buffer)
	if err != nil {
		return err
	}
	args.IsOnCPU = b.memory.kind == "pinned_host"
	return nil
}

func bufferReadyEvent(args *capi.BufferReadyEventArgs) *fakeError {
	b, err := lookupBuffer(args.Buffer)
	if err != nil {
		return err
	}
	args.Event = b.ready.newHandle()
	return nil
}

func bufferUnsafePointer(args *capi.BufferUnsafePointerArgs) *fakeError {
	b, err := lookupBuffer(args.Buffer)
	if err != nil {
		return err
	}
	data, err := b.contents()
	if err != nil {
		return err
	}
	args.BufferPointer = addr(data)
	return nil
}

func bufferIncreaseExternalReferenceCount(args *capi.BufferIncreaseExternalReferenceCountArgs) *fakeError {
	b, err := lookupBuffer(args.Buffer)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.deleted {
		return errorf(capi.CodeFailedPrecondition, "buffer has been deleted or donated")
	}
	b.externalRefs++
	return nil
}

func bufferDecreaseExternalReferenceCount(args *capi.BufferDecreaseExternalReferenceCountArgs) *fakeError {
	b, err := lookupBuffer(args.Buffer)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.externalRefs == 0 {
		return errorf(capi.CodeFailedPrecondition, "external reference count of the buffer is already zero")
	}
	b.externalRefs--
	if b.externalRefs == 0 && b.deleted {
		b.dropData()
	}
	return nil
}

func bufferOpaqueDeviceMemoryDataPointer(args *capi.BufferOpaqueDeviceMemoryDataPointerArgs) *fakeError {
	b, err := lookupBuffer(args.Buffer)
	if err != nil {
		return err
	}
	args.DeviceMemoryPtr = uintptr(unsafe.Pointer(&b.opaque))
	return nil
}

func bufferCopyRawToHost(args *capi.BufferCopyRawToHostArgs) *fakeError {
	b, err := lookupBuffer(args.Buffer)
	if err != nil {
		return err
	}
	src, err := b.contents()
	if err != nil {
		return err
	}
	if args.Offset < 0 || args.TransferSize < 0 || args.Offset+args.TransferSize > int64(len(src)) {
		return errorf(capi.CodeInvalidArgument, "raw copy of %d bytes at offset %d is out of the %d bytes of the buffer",
			args.TransferSize, args.Offset, len(src))
	}
	if args.TransferSize > 0 && args.Dst == 0 {
		return errorf(capi.CodeInvalidArgument, "null dst")
	}
	done := newFakeEvent()
	args.Event = done.newHandle()
	dst, offset, size := args.Dst, args.Offset, args.TransferSize
	go func() {
		if err := b.ready.wait(); err != nil {
			done.set(err)
			return
		}
		copy(view[byte](dst, uintptr(size)), src[offset:offset+size])
		done.set(nil)
	}()
	return nil
}
