package pjrt

import (
	"runtime"
	"sync"
	"unsafe"

	"github.com/gomlx/purepjrt/pjrt/internal/capi"
	"k8s.io/klog/v2"
)

// RawBufferExtension is the typed view of the plugin's RawBuffer extension: untyped byte access to the device
// memory of buffers.
type RawBufferExtension struct {
	plugin *Plugin
	ext    *capi.RawBufferExtension
}

func (*RawBufferExtension) extensionType() ExtensionType { return ExtensionRawBuffer }

func (*RawBufferExtension) minStructSize() uintptr { return unsafe.Sizeof(capi.RawBufferExtension{}) }

func (*RawBufferExtension) withNode(p *Plugin, node *capi.ExtensionBase) ExtensionView {
	return &RawBufferExtension{plugin: p, ext: (*capi.RawBufferExtension)(unsafe.Pointer(node))}
}

// RawBuffer is an untyped alias of the device memory of a Buffer. Writes through it change the buffer's contents.
//
// It must be destroyed (it is also destroyed when garbage collected).
type RawBuffer struct {
	ext    *RawBufferExtension
	client *Client

	mu   sync.Mutex
	cRaw uintptr
}

// CreateRawAlias returns a RawBuffer aliasing the memory of buffer.
func (e *RawBufferExtension) CreateRawAlias(buffer *Buffer) (*RawBuffer, error) {
	const name = "PJRT_RawBuffer_CreateRawAliasOfBuffer"
	client, _, cBuffer, err := buffer.checkValidWithClient(name)
	if err != nil {
		return nil, err
	}
	args := capi.New[capi.RawBufferCreateRawAliasOfBufferArgs]()
	args.Buffer = cBuffer
	err = callFn(e.plugin, e.ext.CreateRawAliasOfBuffer, name, args)
	runtime.KeepAlive(buffer)
	if err != nil {
		return nil, err
	}
	r := &RawBuffer{ext: e, client: client, cRaw: args.RawBuffer}
	runtime.SetFinalizer(r, func(r *RawBuffer) {
		if err := r.Destroy(); err != nil {
			klog.Errorf("RawBuffer.Destroy failed: %v", err)
		}
	})
	return r, nil
}

// withHandle calls fn with the native handle, holding the raw buffer's lock.
func (r *RawBuffer) withHandle(function string, fn func(cRaw uintptr) error) error {
	if r == nil || r.ext == nil {
		return errDestroyed(function, "RawBuffer")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cRaw == 0 {
		return errDestroyed(function, "RawBuffer")
	}
	return fn(r.cRaw)
}

// Destroy the alias. The aliased Buffer is not affected. It is idempotent.
func (r *RawBuffer) Destroy() error {
	if r == nil || r.ext == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cRaw == 0 {
		return nil
	}
	args := capi.New[capi.RawBufferDestroyArgs]()
	args.RawBuffer = r.cRaw
	r.cRaw = 0
	return callFn(r.ext.plugin, r.ext.ext.Destroy, "PJRT_RawBuffer_Destroy", args)
}

// OnDeviceSizeInBytes returns the size of the aliased device memory.
func (r *RawBuffer) OnDeviceSizeInBytes() (size int, err error) {
	const name = "PJRT_RawBuffer_GetOnDeviceSizeInBytes"
	err = r.withHandle(name, func(cRaw uintptr) error {
		args := capi.New[capi.RawBufferGetOnDeviceSizeInBytesArgs]()
		args.RawBuffer = cRaw
		if err := callFn(r.ext.plugin, r.ext.ext.GetOnDeviceSizeInBytes, name, args); err != nil {
			return err
		}
		size = int(args.OnDeviceSizeInBytes)
		return nil
	})
	return
}

// Memory returns the memory space holding the aliased data.
func (r *RawBuffer) Memory() (memory *Memory, err error) {
	const name = "PJRT_RawBuffer_GetMemorySpace"
	err = r.withHandle(name, func(cRaw uintptr) error {
		args := capi.New[capi.RawBufferGetMemorySpaceArgs]()
		args.RawBuffer = cRaw
		if err := callFn(r.ext.plugin, r.ext.ext.GetMemorySpace, name, args); err != nil {
			return err
		}
		memory = r.client.memoryFor(args.MemorySpace)
		return nil
	})
	return
}

// HostPointer returns the address of the aliased memory if it is visible to the host, or 0 otherwise.
// The address is only valid while the aliased Buffer exists.
func (r *RawBuffer) HostPointer() (ptr uintptr, err error) {
	const name = "PJRT_RawBuffer_GetHostPointer"
	err = r.withHandle(name, func(cRaw uintptr) error {
		args := capi.New[capi.RawBufferGetHostPointerArgs]()
		args.RawBuffer = cRaw
		if err := callFn(r.ext.plugin, r.ext.ext.GetHostPointer, name, args); err != nil {
			return err
		}
		ptr = args.HostPointer
		return nil
	})
	return
}

// copyRaw issues an asynchronous copy between host and the aliased memory. host is pinned until the returned
// event is ready.
func (r *RawBuffer) copyRaw(name string, host []byte, offset int, toDevice bool) (event *Event, err error) {
	err = r.withHandle(name, func(cRaw uintptr) error {
		if offset < 0 {
			return errInvalidArgument(name, "negative offset %d", offset)
		}
		pinner := new(runtime.Pinner)
		if len(host) > 0 {
			pinner.Pin(unsafe.SliceData(host))
		}
		var cEvent uintptr
		var err error
		if toDevice {
			args := capi.New[capi.RawBufferCopyRawHostToDeviceArgs]()
			args.RawBuffer = cRaw
			args.Src = sliceAddr(host)
			args.Offset = int64(offset)
			args.TransferSize = int64(len(host))
			err = callFn(r.ext.plugin, r.ext.ext.CopyRawHostToDevice, name, args)
			cEvent = args.Event
		} else {
			args := capi.New[capi.RawBufferCopyRawDeviceToHostArgs]()
			args.RawBuffer = cRaw
			args.Dst = sliceAddr(host)
			args.Offset = int64(offset)
			args.TransferSize = int64(len(host))
			err = callFn(r.ext.plugin, r.ext.ext.CopyRawDeviceToHost, name, args)
			cEvent = args.Event
		}
		if err != nil {
			pinner.Unpin()
			return err
		}
		if cEvent == 0 {
			pinner.Unpin()
			event = newCompletedEvent(r.ext.plugin, nil)
			return nil
		}
		event = newEvent(r.ext.plugin, cEvent)
		event.OnReady(func(error) {
			pinner.Unpin()
			runtime.KeepAlive(host)
		})
		return nil
	})
	return
}

// CopyFromHost asynchronously writes src into the aliased memory, starting at byte offset. src must not be changed
// until the returned event is ready.
func (r *RawBuffer) CopyFromHost(src []byte, offset int) (*Event, error) {
	return r.copyRaw("PJRT_RawBuffer_CopyRawHostToDevice", src, offset, true)
}

// CopyToHost asynchronously reads len(dst) bytes of the aliased memory, starting at byte offset, into dst.
func (r *RawBuffer) CopyToHost(dst []byte, offset int) (*Event, error) {
	return r.copyRaw("PJRT_RawBuffer_CopyRawDeviceToHost", dst, offset, false)
}
