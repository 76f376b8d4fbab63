package pjrt

import (
	"context"
	"reflect"
	"runtime"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/gomlx/purepjrt/dtypes"
	"github.com/gomlx/purepjrt/pjrt/internal/capi"
	"k8s.io/klog/v2"
)

// Buffer is a reference to an on-device array storage (buffer).
type Buffer struct {
	wrapper *bufferWrapper

	// isShared is set for buffers created with NewSharedBuffer or CreateViewOfDeviceBuffer.
	isShared bool

	mu       sync.Mutex // Protects the cached values below.
	dimsSet  bool
	dims     []int
	dtypeSet bool
	dtype    dtypes.DType
}

// bufferWrapper wraps the plugin data that requires clean up.
type bufferWrapper struct {
	mu     sync.Mutex // Protects client, plugin and c, which are cleared on Destroy.
	client *Client
	plugin *Plugin
	c      uintptr

	// externalRefs is the host-observed balance of ExternalReference.Increase/Decrease.
	externalRefs atomic.Int64

	// sharedRawStorage is the AlignedAlloc storage of NewSharedBuffer, freed after the buffer is destroyed.
	sharedRawStorage unsafe.Pointer

	// hostData is host memory the buffer aliases (zero-copy semantics), pinned until the buffer is destroyed.
	hostData       any
	hostDataPinner *runtime.Pinner
}

func (wrapper *bufferWrapper) IsValid() bool {
	_, _, c := wrapper.handle()
	return c != 0
}

// handle returns the owning client, the plugin and the PJRT_Buffer*, all zero once destroyed.
func (wrapper *bufferWrapper) handle() (*Client, *Plugin, uintptr) {
	if wrapper == nil {
		return nil, nil, 0
	}
	wrapper.mu.Lock()
	defer wrapper.mu.Unlock()
	return wrapper.client, wrapper.plugin, wrapper.c
}

func (wrapper *bufferWrapper) Destroy() error {
	if wrapper == nil {
		return nil
	}
	wrapper.mu.Lock()
	defer wrapper.mu.Unlock()
	if wrapper.plugin == nil || wrapper.c == 0 {
		// Already destroyed, no-op.
		return nil
	}
	if refs := wrapper.externalRefs.Load(); refs != 0 {
		klog.Warningf("pjrt.Buffer destroyed with an unbalanced external reference count of %d", refs)
	}
	args := capi.New[capi.BufferDestroyArgs]()
	args.Buffer = wrapper.c
	err := call(wrapper.plugin, unsafe.Offsetof(wrapper.plugin.api.BufferDestroy), args)
	wrapper.client = nil
	wrapper.plugin = nil
	wrapper.c = 0
	buffersAlive.Add(-1)

	// Shared storage can only be released after the buffer is destroyed.
	if wrapper.sharedRawStorage != nil {
		AlignedFree(wrapper.sharedRawStorage)
		wrapper.sharedRawStorage = nil
	}
	if wrapper.hostDataPinner != nil {
		wrapper.hostDataPinner.Unpin()
		wrapper.hostDataPinner = nil
		wrapper.hostData = nil
	}
	return err
}

var buffersAlive atomic.Int64

// BuffersAlive returns the number of PJRT Buffers in memory and currently tracked by this package.
func BuffersAlive() int64 {
	return buffersAlive.Load()
}

// newBuffer creates Buffer and registers it for freeing.
func newBuffer(client *Client, cBuffer uintptr) *Buffer {
	b := &Buffer{
		wrapper: &bufferWrapper{client: client, plugin: client.plugin, c: cBuffer},
	}
	buffersAlive.Add(1)
	runtime.AddCleanup(b, func(wrapper *bufferWrapper) {
		err := wrapper.Destroy()
		if err != nil {
			klog.Errorf("pjrt.Buffer.Destroy failed: %v", err)
		}
	}, b.wrapper)
	return b
}

// newBufferWithShape creates a Buffer whose dtype and dimensions are already known.
func newBufferWithShape(client *Client, cBuffer uintptr, dtype dtypes.DType, dims []int) *Buffer {
	b := newBuffer(client, cBuffer)
	b.dtype, b.dtypeSet = dtype, true
	b.dims, b.dimsSet = append([]int(nil), dims...), true
	return b
}

// checkValid returns the plugin and the PJRT_Buffer*, or an error if the buffer was destroyed.
func (b *Buffer) checkValid(function string) (*Plugin, uintptr, error) {
	_, plugin, cBuffer, err := b.checkValidWithClient(function)
	return plugin, cBuffer, err
}

// checkValidWithClient is like checkValid, and also returns the client owning the buffer.
//
// The values are read under the wrapper's lock, but the lock is not held during the plugin call that follows:
// destroying a buffer while another goroutine is still using it is an error of the caller.
func (b *Buffer) checkValidWithClient(function string) (*Client, *Plugin, uintptr, error) {
	if b == nil {
		return nil, nil, 0, errDestroyed(function, "Buffer")
	}
	client, plugin, cBuffer := b.wrapper.handle()
	if client == nil || plugin == nil || cBuffer == 0 {
		return nil, nil, 0, errDestroyed(function, "Buffer")
	}
	return client, plugin, cBuffer, nil
}

// cHandle returns the PJRT_Buffer*, or 0 if destroyed.
func (b *Buffer) cHandle() uintptr {
	if b == nil {
		return 0
	}
	_, _, cBuffer := b.wrapper.handle()
	return cBuffer
}

// Destroy the Buffer, release resources, and Buffer is no longer valid.
// This is automatically called if Buffer is garbage collected.
func (b *Buffer) Destroy() error {
	if b == nil {
		return nil
	}
	return b.wrapper.Destroy()
}

// destroyOrLog destroys the buffer and logs any error.
func (b *Buffer) destroyOrLog() {
	if err := b.Destroy(); err != nil {
		klog.Errorf("Buffer.Destroy failed: %v", err)
	}
}

// Client returns the client that created this Buffer, or nil once it is destroyed.
func (b *Buffer) Client() *Client {
	if b == nil {
		return nil
	}
	client, _, _ := b.wrapper.handle()
	return client
}

// Dimensions of the Buffer.
// Returned slice is owned by the buffer, to avoid creating a copy. Don't change it.
func (b *Buffer) Dimensions() (dims []int, err error) {
	plugin, cBuffer, err := b.checkValid("PJRT_Buffer_Dimensions")
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.dimsSet {
		return b.dims, nil
	}
	defer runtime.KeepAlive(b)
	args := capi.New[capi.BufferDimensionsArgs]()
	args.Buffer = cBuffer
	err = call(plugin, unsafe.Offsetof(plugin.api.BufferDimensions), args)
	if err != nil {
		return nil, err
	}
	b.dims = cSliceConvert[int64, int](args.Dims, args.NumDims)
	b.dimsSet = true
	return b.dims, nil
}

// DType of the Buffer (PJRT_Buffer_ElementType).
func (b *Buffer) DType() (dtype dtypes.DType, err error) {
	plugin, cBuffer, err := b.checkValid("PJRT_Buffer_ElementType")
	if err != nil {
		return dtypes.InvalidDType, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.dtypeSet {
		return b.dtype, nil
	}
	defer runtime.KeepAlive(b)
	args := capi.New[capi.BufferElementTypeArgs]()
	args.Buffer = cBuffer
	err = call(plugin, unsafe.Offsetof(plugin.api.BufferElementType), args)
	if err != nil {
		return dtypes.InvalidDType, err
	}
	b.dtype = dtypes.DType(args.Type)
	b.dtypeSet = true
	return b.dtype, nil
}

// UnpaddedDimensions returns the dimensions of the buffer without padding. They may differ from Dimensions for
// buffers with dynamic dimensions.
func (b *Buffer) UnpaddedDimensions() ([]int, error) {
	plugin, cBuffer, err := b.checkValid("PJRT_Buffer_UnpaddedDimensions")
	if err != nil {
		return nil, err
	}
	defer runtime.KeepAlive(b)
	args := capi.New[capi.BufferUnpaddedDimensionsArgs]()
	args.Buffer = cBuffer
	err = call(plugin, unsafe.Offsetof(plugin.api.BufferUnpaddedDimensions), args)
	if err != nil {
		return nil, err
	}
	return cSliceConvert[int64, int](args.UnpaddedDims, args.NumDims), nil
}

// DynamicDimensionIndices returns the indices of the dimensions that are dynamic.
func (b *Buffer) DynamicDimensionIndices() ([]int, error) {
	plugin, cBuffer, err := b.checkValid("PJRT_Buffer_DynamicDimensionIndices")
	if err != nil {
		return nil, err
	}
	defer runtime.KeepAlive(b)
	args := capi.New[capi.BufferDynamicDimensionIndicesArgs]()
	args.Buffer = cBuffer
	err = call(plugin, unsafe.Offsetof(plugin.api.BufferDynamicDimensionIndices), args)
	if err != nil {
		return nil, err
	}
	return cSliceConvert[uintptr, int](args.DynamicDimIndices, args.NumDynamicDims), nil
}

// Layout returns the on-device memory layout of the buffer.
func (b *Buffer) Layout() (*MemoryLayout, error) {
	plugin, cBuffer, err := b.checkValid("PJRT_Buffer_GetMemoryLayout")
	if err != nil {
		return nil, err
	}
	defer runtime.KeepAlive(b)
	args := capi.New[capi.BufferGetMemoryLayoutArgs]()
	args.Buffer = cBuffer
	err = call(plugin, unsafe.Offsetof(plugin.api.BufferGetMemoryLayout), args)
	if err != nil {
		return nil, err
	}
	return memoryLayoutFromC(&args.Layout), nil
}

// OnDeviceSizeInBytes returns the number of bytes of the buffer storage on the device.
func (b *Buffer) OnDeviceSizeInBytes() (int, error) {
	plugin, cBuffer, err := b.checkValid("PJRT_Buffer_OnDeviceSizeInBytes")
	if err != nil {
		return 0, err
	}
	defer runtime.KeepAlive(b)
	args := capi.New[capi.BufferOnDeviceSizeInBytesArgs]()
	args.Buffer = cBuffer
	err = call(plugin, unsafe.Offsetof(plugin.api.BufferOnDeviceSizeInBytes), args)
	if err != nil {
		return 0, err
	}
	return int(args.OnDeviceSizeInBytes), nil
}

// Device returns the device the buffer is stored.
func (b *Buffer) Device() (*Device, error) {
	client, plugin, cBuffer, err := b.checkValidWithClient("PJRT_Buffer_Device")
	if err != nil {
		return nil, err
	}
	defer runtime.KeepAlive(b)
	args := capi.New[capi.BufferDeviceArgs]()
	args.Buffer = cBuffer
	err = call(plugin, unsafe.Offsetof(plugin.api.BufferDevice), args)
	if err != nil {
		return nil, err
	}
	return client.deviceFor(args.Device), nil
}

// Memory returns the memory where the buffer is stored.
func (b *Buffer) Memory() (*Memory, error) {
	client, plugin, cBuffer, err := b.checkValidWithClient("PJRT_Buffer_Memory")
	if err != nil {
		return nil, err
	}
	defer runtime.KeepAlive(b)
	args := capi.New[capi.BufferMemoryArgs]()
	args.Buffer = cBuffer
	err = call(plugin, unsafe.Offsetof(plugin.api.BufferMemory), args)
	if err != nil {
		return nil, err
	}
	return client.memoryFor(args.Memory), nil
}

// IsOnCPU returns whether the buffer is stored in host memory.
func (b *Buffer) IsOnCPU() (bool, error) {
	plugin, cBuffer, err := b.checkValid("PJRT_Buffer_IsOnCpu")
	if err != nil {
		return false, err
	}
	defer runtime.KeepAlive(b)
	args := capi.New[capi.BufferIsOnCPUArgs]()
	args.Buffer = cBuffer
	err = call(plugin, unsafe.Offsetof(plugin.api.BufferIsOnCPU), args)
	if err != nil {
		return false, err
	}
	return args.IsOnCPU, nil
}

// ReadyEvent returns an event that is ready when the contents of the buffer are computed (or failed to).
func (b *Buffer) ReadyEvent() (*Event, error) {
	plugin, cBuffer, err := b.checkValid("PJRT_Buffer_ReadyEvent")
	if err != nil {
		return nil, err
	}
	defer runtime.KeepAlive(b)
	args := capi.New[capi.BufferReadyEventArgs]()
	args.Buffer = cBuffer
	err = call(plugin, unsafe.Offsetof(plugin.api.BufferReadyEvent), args)
	if err != nil {
		return nil, err
	}
	return newEvent(plugin, args.Event), nil
}

// Delete drops the buffer's reference to its device memory, which is freed once no pending computation uses it.
// The Buffer handle stays valid (and must still be destroyed), but its contents can no longer be used.
func (b *Buffer) Delete() error {
	plugin, cBuffer, err := b.checkValid("PJRT_Buffer_Delete")
	if err != nil {
		return err
	}
	defer runtime.KeepAlive(b)
	args := capi.New[capi.BufferDeleteArgs]()
	args.Buffer = cBuffer
	return call(plugin, unsafe.Offsetof(plugin.api.BufferDelete), args)
}

// IsDeleted returns whether Delete was called on the buffer (or it was donated to an execution).
func (b *Buffer) IsDeleted() (bool, error) {
	plugin, cBuffer, err := b.checkValid("PJRT_Buffer_IsDeleted")
	if err != nil {
		return false, err
	}
	defer runtime.KeepAlive(b)
	args := capi.New[capi.BufferIsDeletedArgs]()
	args.Buffer = cBuffer
	err = call(plugin, unsafe.Offsetof(plugin.api.BufferIsDeleted), args)
	if err != nil {
		return false, err
	}
	return args.IsDeleted, nil
}

// PendingBuffer is a Buffer being created by an asynchronous operation. Await for it to get the Buffer.
type PendingBuffer struct {
	buffer *Buffer
	event  *Event
}

// Await blocks until the buffer is ready, and returns it. If the operation failed, the buffer is destroyed and the
// error returned.
func (pb *PendingBuffer) Await() (*Buffer, error) {
	return pb.AwaitContext(context.Background())
}

// AwaitContext waits until the buffer is ready or the context is done. If the context is done first, it returns
// ctx.Err(), and the PendingBuffer can be awaited again.
func (pb *PendingBuffer) AwaitContext(ctx context.Context) (*Buffer, error) {
	err := pb.event.AwaitContext(ctx)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && err == ctxErr {
			return nil, err
		}
		pb.buffer.destroyOrLog()
		return nil, err
	}
	return pb.buffer, nil
}

// Event returns the event that signals the completion of the operation.
func (pb *PendingBuffer) Event() *Event {
	return pb.event
}

// newPendingBuffer creates a PendingBuffer that waits for the ready event of the buffer.
func newPendingBuffer(buffer *Buffer) (*PendingBuffer, error) {
	event, err := buffer.ReadyEvent()
	if err != nil {
		buffer.destroyOrLog()
		return nil, err
	}
	return &PendingBuffer{buffer: buffer, event: event}, nil
}

// CopyToDevice copies the buffer to another device of the same client, and waits for the copy to be ready.
func (b *Buffer) CopyToDevice(device *Device) (*Buffer, error) {
	pending, err := b.CopyToDeviceAsync(device)
	if err != nil {
		return nil, err
	}
	return pending.Await()
}

// CopyToDeviceAsync starts copying the buffer to another device of the same client.
func (b *Buffer) CopyToDeviceAsync(device *Device) (*PendingBuffer, error) {
	const name = "PJRT_Buffer_CopyToDevice"
	plugin, cBuffer, err := b.checkValid(name)
	if err != nil {
		return nil, err
	}
	if device == nil || device.cDevice == 0 {
		return nil, errDestroyed(name, "Device")
	}
	defer runtime.KeepAlive(b)
	args := capi.New[capi.BufferCopyToDeviceArgs]()
	args.Buffer = cBuffer
	args.DstDevice = device.cDevice
	err = call(plugin, unsafe.Offsetof(plugin.api.BufferCopyToDevice), args)
	if err != nil {
		return nil, err
	}
	return newPendingBuffer(b.newSameShapeBuffer(device.client, args.DstBuffer))
}

// CopyToMemory copies the buffer to the given memory, and waits for the copy to be ready.
func (b *Buffer) CopyToMemory(memory *Memory) (*Buffer, error) {
	pending, err := b.CopyToMemoryAsync(memory)
	if err != nil {
		return nil, err
	}
	return pending.Await()
}

// CopyToMemoryAsync starts copying the buffer to the given memory.
func (b *Buffer) CopyToMemoryAsync(memory *Memory) (*PendingBuffer, error) {
	const name = "PJRT_Buffer_CopyToMemory"
	plugin, cBuffer, err := b.checkValid(name)
	if err != nil {
		return nil, err
	}
	if memory == nil || memory.cMemory == 0 {
		return nil, errDestroyed(name, "Memory")
	}
	defer runtime.KeepAlive(b)
	args := capi.New[capi.BufferCopyToMemoryArgs]()
	args.Buffer = cBuffer
	args.DstMemory = memory.cMemory
	err = call(plugin, unsafe.Offsetof(plugin.api.BufferCopyToMemory), args)
	if err != nil {
		return nil, err
	}
	return newPendingBuffer(b.newSameShapeBuffer(memory.client, args.DstBuffer))
}

// newSameShapeBuffer wraps cBuffer, carrying over the cached shape of b.
func (b *Buffer) newSameShapeBuffer(client *Client, cBuffer uintptr) *Buffer {
	if client == nil {
		client = b.Client()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.dimsSet && b.dtypeSet {
		return newBufferWithShape(client, cBuffer, b.dtype, b.dims)
	}
	return newBuffer(client, cBuffer)
}

// IsShared returns whether the buffer aliases memory not owned by the plugin (see NewSharedBuffer and
// Client.CreateViewOfDeviceBuffer).
func (b *Buffer) IsShared() bool {
	return b.isShared
}

// ScalarToRaw generates the raw values needed by BufferFromHostConfig.FromRawData to feed a simple scalar value.
func ScalarToRaw[T dtypes.Supported](value T) ([]byte, dtypes.DType, []int) {
	dtype := dtypes.FromGenericsType[T]()
	rawSlice := unsafe.Slice((*byte)(unsafe.Pointer(&value)), int(unsafe.Sizeof(value)))
	return rawSlice, dtype, nil // empty dimensions for scalar
}

// BufferToScalar is a generic function that transfer a Buffer back to host as a scalar of the given type.
func BufferToScalar[T dtypes.Supported](b *Buffer) (value T, err error) {
	dst := unsafe.Slice((*byte)(unsafe.Pointer(&value)), unsafe.Sizeof(value))
	err = b.ToHost(dst)
	return
}

// ScalarToBuffer transfers the scalar value to a Buffer on the default device.
//
// It is a shortcut to Client.BufferFromHost call with default parameters.
// If you need more control where the value will be used you'll have to use Client.BufferFromHost instead.
func ScalarToBuffer[T dtypes.Supported](client *Client, value T) (b *Buffer, err error) {
	return client.BufferFromHost().FromHostBuffer(ScalarHostBuffer(value)).Done()
}

// ScalarToBufferOnDeviceNum transfers the scalar value to a Buffer on the given device.
//
// It is a shortcut to Client.BufferFromHost call with default parameters.
// If you need more control where the value will be used you'll have to use Client.BufferFromHost instead.
func ScalarToBufferOnDeviceNum[T dtypes.Supported](client *Client, deviceNum int, value T) (b *Buffer, err error) {
	return client.BufferFromHost().FromHostBuffer(ScalarHostBuffer(value)).ToDeviceNum(deviceNum).Done()
}

// ArrayToBuffer transfer a slice to a Buffer on the default device.
// The underlying array is provided with its flat values as a slice, and the underlying dimensions.
//
// It is a shortcut to Client.BufferFromHost call with default parameters.
// If you need more control where the value will be used you'll have to use Client.BufferFromHost instead.
func ArrayToBuffer[T dtypes.Supported](client *Client, flatValues []T, dimensions ...int) (b *Buffer, err error) {
	return client.BufferFromHost().FromFlatDataWithDimensions(flatValues, dimensions).Done()
}

// BufferToArray transfers the buffer to an array defined by a slice with its flat values, and returns also its underlying dimensions.
func BufferToArray[T dtypes.Supported](buffer *Buffer) (flatValues []T, dimensions []int, err error) {
	var dtype dtypes.DType
	dtype, err = buffer.DType()
	if err != nil {
		return
	}
	requestedDType := dtypes.FromGenericsType[T]()
	if dtype != requestedDType {
		var dummy T
		err = errInvalidArgument("BufferToArray", "called BufferToArray[%T](...), but underlying buffer has dtype %s", dummy, dtype)
		return
	}
	dimensions, err = buffer.Dimensions()
	if err != nil {
		return
	}
	totalSize := 1
	for _, dim := range dimensions {
		totalSize *= dim
	}
	if totalSize <= 0 {
		// Odd empty buffer (likely one of the dimensions was 0), we return nil for the flatValues, the reported dimensions
		// and no error.
		return
	}
	flatValues = make([]T, totalSize)
	dst := unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(flatValues))), totalSize*int(unsafe.Sizeof(flatValues[0])))
	err = buffer.ToHost(dst)
	return
}

// ToFlatDataAndDimensions transfers the buffer to a flat slice and returns also its underlying dimensions.
//
// Similar to the generic BufferToArray[T], but this returns an anonymous typed (`any`) flat slice instead of using generics.
func (b *Buffer) ToFlatDataAndDimensions() (flat any, dimensions []int, err error) {
	var dtype dtypes.DType
	dtype, err = b.DType()
	if err != nil {
		return
	}
	dimensions, err = b.Dimensions()
	if err != nil {
		return
	}
	totalSize := 1
	for _, dim := range dimensions {
		totalSize *= dim
	}
	if totalSize <= 0 {
		return
	}
	goType := dtype.GoType()
	if goType == nil {
		err = errInvalidArgument("ToFlatDataAndDimensions", "dtype %s has no corresponding Go type", dtype)
		return
	}
	flatV := reflect.MakeSlice(reflect.SliceOf(goType), totalSize, totalSize)
	element0 := flatV.Index(0)
	sizeBytes := uintptr(flatV.Len()) * element0.Type().Size()
	dst := unsafe.Slice((*byte)(element0.Addr().UnsafePointer()), sizeBytes)
	err = b.ToHost(dst)
	flat = flatV.Interface()
	return
}
