package pjrt

import (
	"context"
	"runtime"
	"unsafe"

	"github.com/gomlx/purepjrt/pjrt/internal/capi"
	"github.com/pkg/errors"
)

// Size returns the size in bytes if required for the buffer to be transferred with ToHost.
func (b *Buffer) Size() (int, error) {
	plugin, cBuffer, err := b.checkValid("PJRT_Buffer_ToHostBuffer")
	if err != nil {
		return 0, err
	}
	defer runtime.KeepAlive(b)

	// It uses a PJRT_Buffer_ToHostBuffer_Args but it doesn't transfer, only inquire about size.
	args := capi.New[capi.BufferToHostBufferArgs]()
	args.Src = cBuffer
	err = call(plugin, unsafe.Offsetof(plugin.api.BufferToHostBuffer), args)
	if err != nil {
		return 0, errors.WithMessage(err, "Failed to call PJRT_Buffer_ToHostBuffer for inquiring size of the buffer")
	}
	return int(args.DstSize), nil
}

// ToHost transfers the contents of buffer stored on device to the host.
// The space in dst has to hold enough space (see Buffer.Size) to hold the required data, or an error is returned.
//
// This always request a major-to-minor layout, the assumption of the layout in host memory -- TPUs are known to
// reorganize the layout.
func (b *Buffer) ToHost(dst []byte) error {
	event, err := b.ToHostAsync(dst)
	if err != nil {
		return err
	}
	err = event.Await()
	if err != nil {
		return errors.WithMessage(err, "Failed to transfer the buffer to host")
	}
	return nil
}

// ToHostAsync starts the transfer of the contents of the buffer to dst, and returns the event that signals its
// completion. dst is pinned and referenced until then, and it must not be used before the event is ready.
func (b *Buffer) ToHostAsync(dst []byte) (*Event, error) {
	return b.toHostAsync(dst, nil)
}

// toHostAsync transfers to dst using the given host layout, or major-to-minor if nil.
func (b *Buffer) toHostAsync(dst []byte, hostLayout *MemoryLayout) (*Event, error) {
	const name = "PJRT_Buffer_ToHostBuffer"
	plugin, cBuffer, err := b.checkValid(name)
	if err != nil {
		return nil, err
	}
	defer runtime.KeepAlive(b)

	if hostLayout == nil {
		// We'll need the buffer rank to set up the layout.
		dims, err := b.Dimensions()
		if err != nil {
			return nil, err
		}
		hostLayout = MajorToMinorLayout(len(dims))
	}
	cLayout := hostLayout.toC()

	pinner := new(runtime.Pinner)
	if len(dst) > 0 {
		pinner.Pin(unsafe.SliceData(dst))
	}
	args := capi.New[capi.BufferToHostBufferArgs]()
	args.Src = cBuffer
	args.HostLayout = uintptr(unsafe.Pointer(&cLayout.layout))
	args.Dst = sliceAddr(dst)
	args.DstSize = uintptr(len(dst))
	err = call(plugin, unsafe.Offsetof(plugin.api.BufferToHostBuffer), args)
	runtime.KeepAlive(cLayout)
	if err != nil {
		pinner.Unpin()
		return nil, err
	}
	if args.Event == 0 {
		pinner.Unpin()
		return newCompletedEvent(plugin, nil), nil
	}
	event := newEvent(plugin, args.Event)
	event.OnReady(func(error) {
		pinner.Unpin()
		runtime.KeepAlive(dst)
	})
	return event, nil
}

// ToHostBuffer transfers the buffer to a new HostBuffer with the buffer's dtype and dimensions, in major-to-minor
// layout.
func (b *Buffer) ToHostBuffer() (*HostBuffer, error) {
	return b.ToHostBufferContext(context.Background())
}

// ToHostBufferContext is like ToHostBuffer, but it stops waiting if ctx is done, returning ctx.Err(). The transfer
// is not cancelled, and its destination stays referenced until it completes.
func (b *Buffer) ToHostBufferContext(ctx context.Context) (*HostBuffer, error) {
	dtype, err := b.DType()
	if err != nil {
		return nil, err
	}
	dims, err := b.Dimensions()
	if err != nil {
		return nil, err
	}
	hb, err := NewEmptyHostBuffer(dtype, dims...)
	if err != nil {
		return nil, err
	}
	event, err := b.toHostAsync(hb.data, nil)
	if err != nil {
		return nil, err
	}
	if err = event.AwaitContext(ctx); err != nil {
		return nil, err
	}
	return hb, nil
}

// ToHostBufferWithLayout transfers the buffer to a new HostBuffer using the given host layout.
func (b *Buffer) ToHostBufferWithLayout(layout *MemoryLayout) (*HostBuffer, error) {
	dtype, err := b.DType()
	if err != nil {
		return nil, err
	}
	dims, err := b.Dimensions()
	if err != nil {
		return nil, err
	}
	if layout != nil {
		if err := layout.validate(len(dims)); err != nil {
			return nil, newError(KindInvalidArgument, CodeInvalidArgument, "PJRT_Buffer_ToHostBuffer", "host layout: %v", err)
		}
	}
	hb, err := NewEmptyHostBuffer(dtype, dims...)
	if err != nil {
		return nil, err
	}
	event, err := b.toHostAsync(hb.data, layout)
	if err != nil {
		return nil, err
	}
	if err = event.Await(); err != nil {
		return nil, err
	}
	return hb.WithLayout(layout), nil
}

// CopyRawToHost copies len(dst) bytes of the buffer's on-device representation, starting at the byte offset,
// to dst. There is no layout or type conversion: see OnDeviceSizeInBytes for the size of the representation.
func (b *Buffer) CopyRawToHost(dst []byte, offset int) error {
	event, err := b.CopyRawToHostAsync(dst, offset)
	if err != nil {
		return err
	}
	return event.Await()
}

// CopyRawToHostAsync starts the copy of CopyRawToHost, and returns the event that signals its completion.
// dst is pinned and referenced until then, and it must not be used before the event is ready.
func (b *Buffer) CopyRawToHostAsync(dst []byte, offset int) (*Event, error) {
	const name = "PJRT_Buffer_CopyRawToHost"
	plugin, cBuffer, err := b.checkValid(name)
	if err != nil {
		return nil, err
	}
	if offset < 0 {
		return nil, errInvalidArgument(name, "negative offset %d", offset)
	}
	defer runtime.KeepAlive(b)

	pinner := new(runtime.Pinner)
	if len(dst) > 0 {
		pinner.Pin(unsafe.SliceData(dst))
	}
	args := capi.New[capi.BufferCopyRawToHostArgs]()
	args.Buffer = cBuffer
	args.Dst = sliceAddr(dst)
	args.Offset = int64(offset)
	args.TransferSize = int64(len(dst))
	err = call(plugin, unsafe.Offsetof(plugin.api.BufferCopyRawToHost), args)
	if err != nil {
		pinner.Unpin()
		return nil, err
	}
	if args.Event == 0 {
		pinner.Unpin()
		return newCompletedEvent(plugin, nil), nil
	}
	event := newEvent(plugin, args.Event)
	event.OnReady(func(error) {
		pinner.Unpin()
		runtime.KeepAlive(dst)
	})
	return event, nil
}
