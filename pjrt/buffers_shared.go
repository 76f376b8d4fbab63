package pjrt

import (
	"reflect"
	"runtime"
	"sync"
	"unsafe"

	"github.com/ebitengine/purego"
	"github.com/gomlx/purepjrt/dtypes"
	"github.com/gomlx/purepjrt/pjrt/internal/capi"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	// viewDeleters holds the on-delete callbacks of views created with CreateViewOfDeviceBuffer, by id.
	viewDeleters callbackRegistry[func(devicePtr uintptr)]

	// onDeleteViewCallback is the native on_delete_callback passed to PJRT_Client_CreateViewOfDeviceBuffer.
	onDeleteViewCallback = sync.OnceValue(func() uintptr {
		return purego.NewCallback(onDeleteViewTrampoline)
	})
)

// onDeleteViewTrampoline is called by the plugin when the view's buffer no longer uses the device memory.
func onDeleteViewTrampoline(devicePtr, userArg uintptr) uintptr {
	fn, found := viewDeleters.take(userArg)
	if !found {
		klog.Errorf("PJRT on-delete callback of view of device buffer called with unknown id %d, ignoring", userArg)
		return 0
	}
	if fn != nil {
		fn(devicePtr)
	}
	return 0
}

// CreateViewOfDeviceBuffer creates a PJRT Buffer that is backed by storage on the same device given by the caller as
// rawData and dtype and dimensions.
//
// This is "unsafe": the memory is not owned by the plugin, and it must remain valid (and not move) until the
// buffer is destroyed. See NewSharedBuffer for memory allocated by this package.
//
// If device is not given (leave it as nil), the first addressable device is used.
func (c *Client) CreateViewOfDeviceBuffer(rawData unsafe.Pointer, dtype dtypes.DType, dimensions []int, device ...*Device) (*Buffer, error) {
	return c.CreateViewOfDeviceBufferWithOnDelete(nil, rawData, dtype, dimensions, device...)
}

// CreateViewOfDeviceBufferWithOnDelete is like CreateViewOfDeviceBuffer, and onDelete (if not nil) is called, from
// whatever thread the plugin uses, when the buffer no longer uses the memory at rawData.
func (c *Client) CreateViewOfDeviceBufferWithOnDelete(onDelete func(devicePtr uintptr), rawData unsafe.Pointer,
	dtype dtypes.DType, dimensions []int, device ...*Device) (*Buffer, error) {
	const name = "PJRT_Client_CreateViewOfDeviceBuffer"
	if err := c.checkValid(name); err != nil {
		return nil, err
	}
	var selectedDevice *Device
	if len(device) > 1 {
		return nil, errInvalidArgument(name, "only one device can be given to CreateViewOfDeviceBuffer, %d were given", len(device))
	} else if len(device) == 1 {
		selectedDevice = device[0]
	} else {
		devices := c.AddressableDevices()
		if len(devices) == 0 {
			return nil, errInvalidArgument(name, "CreateViewOfDeviceBuffer can't find addressable device to transfer to")
		}
		selectedDevice = devices[0]
	}
	if _, err := checkShape(dtype, dimensions); err != nil {
		return nil, newError(KindInvalidArgument, CodeInvalidArgument, name, "%v", err)
	}
	defer runtime.KeepAlive(c)

	dims := make([]int64, len(dimensions))
	for ii, dim := range dimensions {
		dims[ii] = int64(dim)
	}
	id := viewDeleters.register(onDelete)
	args := capi.New[capi.ClientCreateViewOfDeviceBufferArgs]()
	args.Client = c.client
	args.DeviceBufferPtr = uintptr(rawData)
	args.Dims = sliceAddr(dims)
	args.NumDims = uintptr(len(dims))
	args.ElementType = int32(dtype)
	args.Device = selectedDevice.cDevice
	args.OnDeleteCallback = onDeleteViewCallback()
	args.OnDeleteCallbackArg = id
	err := call(c.plugin, unsafe.Offsetof(c.plugin.api.ClientCreateViewOfDeviceBuffer), args)
	runtime.KeepAlive(dims)
	if err != nil {
		viewDeleters.forget(id)
		return nil, err
	}
	buffer := newBufferWithShape(c, args.Buffer, dtype, dimensions)
	buffer.isShared = true
	return buffer, nil
}

// NewSharedBuffer returns a buffer that can be used for execution and share the underlying
// memory space with the host/local, which can be read and mutated directly.
//
// Shared buffers cannot be donated to executions.
//
// The buffer should not be mutated while it is used by an execution.
//
// When the buffer is finalized, the shared memory is also de-allocated.
//
// It returns a handle to the buffer and a slice of the corresponding data type pointing
// to the shared data.
func (c *Client) NewSharedBuffer(dtype dtypes.DType, dimensions []int, device ...*Device) (buffer *Buffer, flat any, err error) {
	goDType := dtype.GoType()
	if goDType == nil {
		return nil, nil, errInvalidArgument("NewSharedBuffer", "dtype %s has no corresponding Go type", dtype)
	}
	memorySize := uintptr(dtype.SizeForDimensions(dimensions...))
	rawStorage := AlignedAlloc(memorySize, BufferAlignment)
	buffer, err = c.CreateViewOfDeviceBuffer(rawStorage, dtype, dimensions, device...)
	if err != nil {
		AlignedFree(rawStorage)
		err = errors.WithMessagef(err, "NewSharedBuffer failed creating new buffer")
		buffer = nil
		return
	}
	buffer.wrapper.sharedRawStorage = rawStorage
	flat = reflect.SliceAt(goDType, rawStorage, int(memorySize/goDType.Size())).Interface()
	return
}

// Data returns the flat slice pointing to the underlying storage data for the buffer.
//
// This is an undocumented feature of PJRT, and likely only works for CPU platforms.
// The flat slice returned is only valid while the buffer is alive.
func (b *Buffer) Data() (flat any, err error) {
	ptr, err := b.UnsafeExternalReference().UnsafePointer()
	if err != nil {
		return nil, err
	}
	dims, err := b.Dimensions()
	if err != nil {
		return nil, err
	}
	dtype, err := b.DType()
	if err != nil {
		return nil, err
	}
	goDType := dtype.GoType()
	if goDType == nil {
		return nil, errInvalidArgument("Buffer.Data", "dtype %s has no corresponding Go type", dtype)
	}
	numElements := 1
	for _, dim := range dims {
		numElements *= dim
	}
	return reflect.SliceAt(goDType, capi.Pointer(ptr), numElements).Interface(), nil
}
