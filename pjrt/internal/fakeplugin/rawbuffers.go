package fakeplugin

import (
	"sync/atomic"
	"unsafe"

	"github.com/gomlx/purepjrt/pjrt/internal/capi"
)

// fakeRawBuffer is a PJRT_RawBuffer: an untyped alias of the memory of a buffer.
type fakeRawBuffer struct {
	buffer *fakeBuffer
}

var liveRawBuffers atomic.Int64

// LiveRawBuffers returns the number of PJRT_RawBuffer handles not yet destroyed.
func LiveRawBuffers() int64 { return liveRawBuffers.Load() }

func lookupRawBuffer(h uintptr) (*fakeRawBuffer, *fakeError) {
	r, found := lookup[*fakeRawBuffer](h)
	if !found {
		return nil, errBadHandle("PJRT_RawBuffer", h)
	}
	return r, nil
}

// checkRange validates a copy of size bytes at offset, and returns the aliased memory. r.buffer.mu must be held.
func (r *fakeRawBuffer) checkRange(offset, size int64) ([]byte, *fakeError) {
	data := r.buffer.data
	if data == nil {
		return nil, errorf(capi.CodeFailedPrecondition, "the aliased buffer was deleted")
	}
	if offset < 0 || size < 0 || offset+size > int64(len(data)) {
		return nil, errorf(capi.CodeInvalidArgument, "copy of %d bytes at offset %d out of range for %d bytes",
			size, offset, len(data))
	}
	return data[offset : offset+size], nil
}

func rawBufferCreateRawAliasOfBuffer(args *capi.RawBufferCreateRawAliasOfBufferArgs) *fakeError {
	b, err := lookupBuffer(args.Buffer)
	if err != nil {
		return err
	}
	liveRawBuffers.Add(1)
	args.RawBuffer = newHandle(&fakeRawBuffer{buffer: b})
	return nil
}

func rawBufferDestroy(args *capi.RawBufferDestroyArgs) *fakeError {
	obj, found := release(args.RawBuffer)
	if !found {
		return errBadHandle("PJRT_RawBuffer", args.RawBuffer)
	}
	if _, ok := obj.(*fakeRawBuffer); !ok {
		return errBadHandle("PJRT_RawBuffer", args.RawBuffer)
	}
	liveRawBuffers.Add(-1)
	return nil
}

func rawBufferGetOnDeviceSizeInBytes(args *capi.RawBufferGetOnDeviceSizeInBytesArgs) *fakeError {
	r, err := lookupRawBuffer(args.RawBuffer)
	if err != nil {
		return err
	}
	r.buffer.mu.Lock()
	defer r.buffer.mu.Unlock()
	args.OnDeviceSizeInBytes = uintptr(len(r.buffer.data))
	return nil
}

func rawBufferGetMemorySpace(args *capi.RawBufferGetMemorySpaceArgs) *fakeError {
	r, err := lookupRawBuffer(args.RawBuffer)
	if err != nil {
		return err
	}
	args.MemorySpace = r.buffer.memory.handle
	return nil
}

func rawBufferGetHostPointer(args *capi.RawBufferGetHostPointerArgs) *fakeError {
	r, err := lookupRawBuffer(args.RawBuffer)
	if err != nil {
		return err
	}
	r.buffer.mu.Lock()
	defer r.buffer.mu.Unlock()
	args.HostPointer = addr(r.buffer.data)
	return nil
}

// copyRaw validates the range, and copies asynchronously once the buffer is ready. toDevice selects the direction.
func (r *fakeRawBuffer) copyRaw(host uintptr, offset, size int64, toDevice bool) (uintptr, *fakeError) {
	b := r.buffer
	b.mu.Lock()
	_, err := r.checkRange(offset, size)
	b.mu.Unlock()
	if err != nil {
		return 0, err
	}
	if host == 0 && size > 0 {
		return 0, errorf(capi.CodeInvalidArgument, "null host pointer")
	}
	done := newFakeEvent()
	h := done.newHandle()
	go func() {
		if err := b.ready.wait(); err != nil {
			done.set(err)
			return
		}
		b.mu.Lock()
		device, err := r.checkRange(offset, size)
		if err == nil && size > 0 {
			hostBytes := unsafe.Slice((*byte)(capi.Pointer(host)), size)
			if toDevice {
				copy(device, hostBytes)
			} else {
				copy(hostBytes, device)
			}
		}
		b.mu.Unlock()
		done.set(err)
	}()
	return h, nil
}

func rawBufferCopyRawHostToDevice(args *capi.RawBufferCopyRawHostToDeviceArgs) *fakeError {
	r, err := lookupRawBuffer(args.RawBuffer)
	if err != nil {
		return err
	}
	args.Event, err = r.copyRaw(args.Src, args.Offset, args.TransferSize, true)
	return err
}

func rawBufferCopyRawDeviceToHost(args *capi.RawBufferCopyRawDeviceToHostArgs) *fakeError {
	r, err := lookupRawBuffer(args.RawBuffer)
	if err != nil {
		return err
	}
	args.Event, err = r.copyRaw(args.Dst, args.Offset, args.TransferSize, false)
	return err
}
