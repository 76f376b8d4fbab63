package pjrt

import (
	"reflect"
	"runtime"
	"unsafe"

	"github.com/gomlx/purepjrt/dtypes"
	"github.com/gomlx/purepjrt/pjrt/internal/capi"
	"github.com/pkg/errors"
)

// HostBufferSemantics defines what the plugin may do with the host data during and after a transfer from host
// (PJRT_HostBufferSemantics).
type HostBufferSemantics int

const (
	// HostBufferImmutableOnlyDuringCall means the plugin copies the data during the call: the host data can be
	// changed or freed once the call returns.
	HostBufferImmutableOnlyDuringCall HostBufferSemantics = HostBufferSemantics(capi.HostBufferImmutableOnlyDuringCall)

	// HostBufferImmutableUntilTransferCompletes means the host data must not change until the transfer completes.
	// This package keeps it pinned and referenced until then. It is the default.
	HostBufferImmutableUntilTransferCompletes HostBufferSemantics = HostBufferSemantics(capi.HostBufferImmutableUntilTransferCompletes)

	// HostBufferImmutableZeroCopy means the device buffer may alias the host data, which must not change while the
	// buffer is alive. This package keeps it pinned and referenced until the buffer is destroyed.
	HostBufferImmutableZeroCopy HostBufferSemantics = HostBufferSemantics(capi.HostBufferImmutableZeroCopy)

	// HostBufferMutableZeroCopy is like HostBufferImmutableZeroCopy, but the host may change the data, and the
	// changes are visible by the device buffer.
	HostBufferMutableZeroCopy HostBufferSemantics = HostBufferSemantics(capi.HostBufferMutableZeroCopy)
)

// isZeroCopy returns whether the semantics allows the buffer to alias the host data.
func (s HostBufferSemantics) isZeroCopy() bool {
	return s == HostBufferImmutableZeroCopy || s == HostBufferMutableZeroCopy
}

// BufferFromHostConfig is used to configure the transfer from a buffer from host memory to on-device memory, it is
// created with Client.BufferFromHost.
//
// The data to transfer from host can be set up with one of the following methods:
//
// - FromHostBuffer: a HostBuffer with its shape (and optionally its host layout).
// - FromRawData: it takes as inputs the bytes and shape (dtype and dimensions).
// - FromFlatDataWithDimensions: it takes as inputs a flat slice and shape (dtype and dimensions).
//
// The device defaults to 0, but it can be configured with BufferFromHostConfig.ToDevice or BufferFromHostConfig.ToDeviceNum,
// or a memory can be given with BufferFromHostConfig.ToMemory.
//
// At the end call BufferFromHostConfig.Done (blocking) or BufferFromHostConfig.DoneAsync to initiate the transfer.
type BufferFromHostConfig struct {
	client     *Client
	data       []byte
	hostData   any // Keeps the original data (e.g. a flat slice) referenced.
	dtype      dtypes.DType
	dimensions []int
	hostLayout *MemoryLayout
	device     *Device
	memory     *Memory

	deviceLayout        *MemoryLayout
	hostBufferSemantics HostBufferSemantics

	// err stores the first error that happened during configuration.
	// If it is not nil, it is immediately returned by the Done call.
	err error
}

// FromRawData configures the data from host to copy: a pointer to bytes that must be kept alive (and constant)
// during the transfer. The parameters dtype and dimensions provide the shape of the array.
func (b *BufferFromHostConfig) FromRawData(data []byte, dtype dtypes.DType, dimensions []int) *BufferFromHostConfig {
	if b.err != nil {
		return b
	}
	size, err := checkShape(dtype, dimensions)
	if err != nil {
		b.err = newError(KindInvalidArgument, CodeInvalidArgument, "BufferFromHost", "FromRawData: %v", err)
		return b
	}
	if len(data) != size {
		b.err = newError(KindInvalidArgument, CodeInvalidArgument, "BufferFromHost",
			"FromRawData: %s%v requires %d bytes, got %d", dtype, dimensions, size, len(data))
		return b
	}
	b.data = data
	b.dtype = dtype
	b.dimensions = dimensions
	return b
}

// FromHostBuffer configures the data to transfer from a HostBuffer, including its host memory layout if one is set.
func (b *BufferFromHostConfig) FromHostBuffer(hb *HostBuffer) *BufferFromHostConfig {
	if b.err != nil {
		return b
	}
	if hb == nil {
		b.err = newError(KindInvalidArgument, CodeInvalidArgument, "BufferFromHost", "FromHostBuffer given a nil HostBuffer")
		return b
	}
	if hb.layout != nil {
		if err := hb.layout.validate(hb.Rank()); err != nil {
			b.err = newError(KindInvalidArgument, CodeInvalidArgument, "BufferFromHost", "FromHostBuffer: %v", err)
			return b
		}
		b.hostLayout = hb.layout
	}
	b.hostData = hb
	return b.FromRawData(hb.data, hb.dtype, hb.dimensions)
}

// ToDevice configures which device to copy the host data to.
//
// If left un-configured, it will pick the first device returned by Client.AddressableDevices.
//
// You can also provide a device by their index in Client.AddressableDevices.
func (b *BufferFromHostConfig) ToDevice(device *Device) *BufferFromHostConfig {
	if b.err != nil {
		return b
	}
	if device == nil {
		b.err = errInvalidArgument("BufferFromHost", "BufferFromHost().ToDevice() given a nil device")
		return b
	}
	addressable, err := device.IsAddressable()
	if err != nil {
		b.err = errors.WithMessagef(err, "BufferFromHost().ToDevice() failed to check whether device is addressable")
		return b
	}
	if !addressable {
		b.err = errInvalidArgument("BufferFromHost", "BufferFromHost().ToDevice() given a non addressable device")
		return b
	}
	b.device = device
	return b
}

// ToDeviceNum configures which device to copy the host data to, given a deviceNum pointing to the device in the
// list returned by Client.AddressableDevices.
//
// If left un-configured, it will pick the first device returned by Client.AddressableDevices.
//
// You can also provide a device by their index in Client.AddressableDevices.
func (b *BufferFromHostConfig) ToDeviceNum(deviceNum int) *BufferFromHostConfig {
	if b.err != nil {
		return b
	}
	if deviceNum < 0 || deviceNum >= len(b.client.addressableDevices) {
		b.err = errInvalidArgument("BufferFromHost", "BufferFromHost().ToDeviceNum() invalid deviceNum=%d, only %d addressable devices available", deviceNum, len(b.client.addressableDevices))
		return b
	}
	return b.ToDevice(b.client.addressableDevices[deviceNum])
}

// ToMemory configures the memory to copy the host data to. It takes precedence over the device.
func (b *BufferFromHostConfig) ToMemory(memory *Memory) *BufferFromHostConfig {
	if b.err != nil {
		return b
	}
	if memory == nil {
		b.err = errInvalidArgument("BufferFromHost", "BufferFromHost().ToMemory() given a nil memory")
		return b
	}
	b.memory = memory
	return b
}

// WithSemantics configures what the plugin may do with the host data. The default is
// HostBufferImmutableUntilTransferCompletes.
func (b *BufferFromHostConfig) WithSemantics(semantics HostBufferSemantics) *BufferFromHostConfig {
	if b.err != nil {
		return b
	}
	if semantics < HostBufferImmutableOnlyDuringCall || semantics > HostBufferMutableZeroCopy {
		b.err = errInvalidArgument("BufferFromHost", "BufferFromHost().WithSemantics() given an invalid semantics %d", semantics)
		return b
	}
	b.hostBufferSemantics = semantics
	return b
}

// WithDeviceLayout configures the layout of the buffer on the device. By default, the plugin chooses it.
func (b *BufferFromHostConfig) WithDeviceLayout(layout *MemoryLayout) *BufferFromHostConfig {
	if b.err != nil {
		return b
	}
	b.deviceLayout = layout
	return b
}

// FromFlatDataWithDimensions configures the data to come from a flat slice of the desired data type, and the underlying
// dimensions.
// The flat slice size must match the product of the dimension.
// If no dimensions are given, it is assumed to be a scalar, and flat should have length 1.
func (b *BufferFromHostConfig) FromFlatDataWithDimensions(flat any, dimensions []int) *BufferFromHostConfig {
	if b.err != nil {
		return b
	}
	// Checks dimensions.
	expectedSize := 1
	for _, dim := range dimensions {
		if dim <= 0 {
			b.err = errInvalidArgument("BufferFromHost", "FromFlatDataWithDimensions cannot be given zero or negative dimensions, got %v", dimensions)
			return b
		}
		expectedSize *= dim
	}

	// Check the flat slice has the right shape.
	flatV := reflect.ValueOf(flat)
	if flatV.Kind() != reflect.Slice {
		b.err = errInvalidArgument("BufferFromHost", "FromFlatDataWithDimensions was given a %s for flat, but it requires a slice", flatV.Kind())
		return b
	}
	if flatV.Len() != expectedSize {
		b.err = errInvalidArgument("BufferFromHost", "FromFlatDataWithDimensions(flat, dimensions=%v) needs %d values to match dimensions, but got len(flat)=%d", dimensions, expectedSize, flatV.Len())
		return b
	}

	// Check validity of the slice elements type.
	element0 := flatV.Index(0)
	element0Type := element0.Type()
	dtype := dtypes.FromGoType(element0Type)
	if dtype == dtypes.InvalidDType {
		b.err = errInvalidArgument("BufferFromHost", "FromFlatDataWithDimensions(flat, dimensions%v) got flat=[]%s, expected a slice of a Go type that can be converted to a valid DType", dimensions, element0Type)
		return b
	}

	// Create slice of bytes and use b.FromRawData.
	sizeBytes := uintptr(flatV.Len()) * element0Type.Size()
	data := unsafe.Slice((*byte)(element0.Addr().UnsafePointer()), sizeBytes)
	b.hostData = flat
	return b.FromRawData(data, dtype, dimensions)
}

// Done will use the configuration to start the transfer from host to device.
// It's synchronous: it awaits the transfer to finish and then returns.
func (b *BufferFromHostConfig) Done() (*Buffer, error) {
	pending, err := b.DoneAsync()
	if err != nil {
		return nil, err
	}
	return pending.Await()
}

// DoneAsync starts the transfer from host to device, and returns a PendingBuffer that can be awaited for the
// plugin to be done with the host data.
//
// The host data is pinned and referenced until the plugin signals it is done with it (or, for the zero-copy
// semantics, until the buffer is destroyed), so it is safe to drop any reference to it after this call. It must
// not be changed until then though.
func (b *BufferFromHostConfig) DoneAsync() (*PendingBuffer, error) {
	const name = "PJRT_Client_BufferFromHostBuffer"
	if b.err != nil {
		// Return first error saved during configuration.
		return nil, b.err
	}
	if b.data == nil {
		return nil, errInvalidArgument("BufferFromHost", "BufferFromHost requires one to configure the host data to transfer, none was configured.")
	}
	client := b.client
	if err := client.checkValid(name); err != nil {
		return nil, err
	}
	plugin := client.plugin
	defer runtime.KeepAlive(b)

	// Set default device.
	if b.device == nil && b.memory == nil {
		devices := client.AddressableDevices()
		if len(devices) == 0 {
			return nil, errInvalidArgument("BufferFromHost", "BufferFromHost can't find addressable device to transfer to")
		}
		b.device = devices[0]
	}

	// The host data is pinned until the plugin is done with it: it may be read asynchronously.
	pinner := new(runtime.Pinner)
	if len(b.data) > 0 {
		pinner.Pin(unsafe.SliceData(b.data))
	}
	dims := make([]int64, len(b.dimensions))
	for ii, dim := range b.dimensions {
		dims[ii] = int64(dim)
	}
	var byteStrides []int64
	if b.hostLayout != nil {
		var err error
		byteStrides, err = b.hostLayout.byteStridesFor(b.dtype, b.dimensions)
		if err != nil {
			pinner.Unpin()
			return nil, newError(KindInvalidArgument, CodeInvalidArgument, name, "host layout: %v", err)
		}
	}
	var cDeviceLayout *cMemoryLayout
	if b.deviceLayout != nil {
		cDeviceLayout = b.deviceLayout.toC()
	}

	args := capi.New[capi.ClientBufferFromHostBufferArgs]()
	args.Client = client.client
	if len(b.data) > 0 {
		args.Data = sliceAddr(b.data)
	} else {
		// Empty arrays still need a non-null pointer.
		empty := AlignedAlloc(0, BufferAlignment)
		defer AlignedFree(empty)
		args.Data = uintptr(empty)
	}
	args.Type = int32(b.dtype)
	args.Dims = sliceAddr(dims)
	args.NumDims = uintptr(len(dims))
	args.ByteStrides = sliceAddr(byteStrides)
	args.NumByteStrides = uintptr(len(byteStrides))
	args.HostBufferSemantics = capi.HostBufferSemantics(b.hostBufferSemantics)
	if b.memory != nil {
		args.Memory = b.memory.cMemory
	} else {
		args.Device = b.device.cDevice
	}
	if cDeviceLayout != nil {
		args.DeviceLayout = uintptr(unsafe.Pointer(&cDeviceLayout.layout))
	}
	err := call(plugin, unsafe.Offsetof(plugin.api.ClientBufferFromHostBuffer), args)
	runtime.KeepAlive(dims)
	runtime.KeepAlive(byteStrides)
	runtime.KeepAlive(cDeviceLayout)
	if err != nil {
		pinner.Unpin()
		return nil, err
	}

	buffer := newBufferWithShape(client, args.Buffer, b.dtype, b.dimensions)
	hostData := b.hostData
	if hostData == nil {
		hostData = b.data
	}
	if b.hostBufferSemantics.isZeroCopy() {
		// The buffer may alias the host data for its whole life.
		buffer.wrapper.hostData = hostData
		buffer.wrapper.hostDataPinner = pinner
		pinner = nil
	}

	var done *Event
	if args.DoneWithHostBuffer == 0 {
		done = newCompletedEvent(plugin, nil)
	} else {
		done = newEvent(plugin, args.DoneWithHostBuffer)
	}
	if pinner != nil {
		data := b.data
		done.OnReady(func(error) {
			pinner.Unpin()
			runtime.KeepAlive(data)
			runtime.KeepAlive(hostData)
		})
	}
	return &PendingBuffer{buffer: buffer, event: done}, nil
}
