package pjrt

import (
	"runtime"
	"unsafe"

	"github.com/gomlx/purepjrt/pjrt/internal/capi"
)

// ExternalReference gives access to the raw device memory of a Buffer, for interoperation with other frameworks.
// It is obtained with Buffer.UnsafeExternalReference.
//
// While the external reference count is above zero the plugin must not free or move the device memory, even if
// the buffer is deleted or donated. Each Increase must be balanced by a Decrease: the balance is only observed
// (see Count), not enforced, and a Decrease below zero returns whatever error the plugin reports.
type ExternalReference struct {
	buffer *Buffer
}

// UnsafeExternalReference returns the ExternalReference of the buffer. The ordinary Buffer API doesn't depend on it.
func (b *Buffer) UnsafeExternalReference() *ExternalReference {
	return &ExternalReference{buffer: b}
}

// Increase the external reference count of the device memory.
func (r *ExternalReference) Increase() error {
	plugin, cBuffer, err := r.buffer.checkValid("PJRT_Buffer_IncreaseExternalReferenceCount")
	if err != nil {
		return err
	}
	defer runtime.KeepAlive(r.buffer)
	args := capi.New[capi.BufferIncreaseExternalReferenceCountArgs]()
	args.Buffer = cBuffer
	err = call(plugin, unsafe.Offsetof(plugin.api.BufferIncreaseExternalReferenceCount), args)
	if err != nil {
		return err
	}
	r.buffer.wrapper.externalRefs.Add(1)
	return nil
}

// Decrease the external reference count of the device memory.
func (r *ExternalReference) Decrease() error {
	plugin, cBuffer, err := r.buffer.checkValid("PJRT_Buffer_DecreaseExternalReferenceCount")
	if err != nil {
		return err
	}
	defer runtime.KeepAlive(r.buffer)
	args := capi.New[capi.BufferDecreaseExternalReferenceCountArgs]()
	args.Buffer = cBuffer
	err = call(plugin, unsafe.Offsetof(plugin.api.BufferDecreaseExternalReferenceCount), args)
	if err != nil {
		return err
	}
	r.buffer.wrapper.externalRefs.Add(-1)
	return nil
}

// Count returns the balance of the successful Increase and Decrease calls made through this package.
func (r *ExternalReference) Count() int64 {
	if r.buffer == nil || r.buffer.wrapper == nil {
		return 0
	}
	return r.buffer.wrapper.externalRefs.Load()
}

// OpaqueDeviceMemoryPointer returns the platform specific opaque pointer to the device memory (e.g.: a
// se::DeviceMemoryBase* for XLA plugins). Only valid while an external reference is held.
func (r *ExternalReference) OpaqueDeviceMemoryPointer() (uintptr, error) {
	plugin, cBuffer, err := r.buffer.checkValid("PJRT_Buffer_OpaqueDeviceMemoryDataPointer")
	if err != nil {
		return 0, err
	}
	defer runtime.KeepAlive(r.buffer)
	args := capi.New[capi.BufferOpaqueDeviceMemoryDataPointerArgs]()
	args.Buffer = cBuffer
	err = call(plugin, unsafe.Offsetof(plugin.api.BufferOpaqueDeviceMemoryDataPointer), args)
	if err != nil {
		return 0, err
	}
	return args.DeviceMemoryPtr, nil
}

// UnsafePointer returns the platform dependent address of the buffer's data. For CPU plugins it is a host address.
func (r *ExternalReference) UnsafePointer() (uintptr, error) {
	plugin, cBuffer, err := r.buffer.checkValid("PJRT_Buffer_UnsafePointer")
	if err != nil {
		return 0, err
	}
	defer runtime.KeepAlive(r.buffer)
	args := capi.New[capi.BufferUnsafePointerArgs]()
	args.Buffer = cBuffer
	err = call(plugin, unsafe.Offsetof(plugin.api.BufferUnsafePointer), args)
	if err != nil {
		return 0, err
	}
	return args.BufferPointer, nil
}
