package pjrt

import (
	"runtime"
	"sync"
	"unsafe"

	"github.com/gomlx/purepjrt/pjrt/internal/capi"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// CopyToDeviceStream is a stream of chunks of bytes transferred to a device, as given to the receive callbacks of
// an execution (see ExecutionConfig.WithRecvCallback).
//
// The stream is owned by the receiver, which must Destroy it once done (it is also destroyed when garbage
// collected).
type CopyToDeviceStream struct {
	plugin *Plugin

	mu      sync.Mutex
	cStream uintptr
}

// newCopyToDeviceStream wraps a PJRT_CopyToDeviceStream* owned by the caller.
func newCopyToDeviceStream(plugin *Plugin, cStream uintptr) *CopyToDeviceStream {
	s := &CopyToDeviceStream{plugin: plugin, cStream: cStream}
	runtime.SetFinalizer(s, func(s *CopyToDeviceStream) {
		if err := s.Destroy(); err != nil {
			klog.Errorf("CopyToDeviceStream.Destroy failed: %v", err)
		}
	})
	return s
}

// withHandle calls fn with the native handle, holding the stream's lock: a concurrent Destroy waits for it.
func (s *CopyToDeviceStream) withHandle(function string, fn func(cStream uintptr) error) error {
	if s == nil || s.plugin == nil {
		return errDestroyed(function, "CopyToDeviceStream")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cStream == 0 {
		return errDestroyed(function, "CopyToDeviceStream")
	}
	return fn(s.cStream)
}

// Destroy the stream. It is idempotent.
func (s *CopyToDeviceStream) Destroy() error {
	if s == nil || s.plugin == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cStream == 0 {
		return nil
	}
	args := capi.New[capi.CopyToDeviceStreamDestroyArgs]()
	args.Stream = s.cStream
	s.cStream = 0
	return call(s.plugin, unsafe.Offsetof(s.plugin.api.CopyToDeviceStreamDestroy), args)
}

// TotalBytes returns the total number of bytes the stream expects.
func (s *CopyToDeviceStream) TotalBytes() (total int64, err error) {
	err = s.withHandle("PJRT_CopyToDeviceStream_TotalBytes", func(cStream uintptr) (err error) {
		total, err = s.totalBytes(cStream)
		return
	})
	return
}

func (s *CopyToDeviceStream) totalBytes(cStream uintptr) (int64, error) {
	args := capi.New[capi.CopyToDeviceStreamTotalBytesArgs]()
	args.Stream = cStream
	err := call(s.plugin, unsafe.Offsetof(s.plugin.api.CopyToDeviceStreamTotalBytes), args)
	if err != nil {
		return 0, err
	}
	return args.TotalBytes, nil
}

// GranuleSize returns the granule size: every chunk but the last must have a size multiple of it.
func (s *CopyToDeviceStream) GranuleSize() (granule int64, err error) {
	err = s.withHandle("PJRT_CopyToDeviceStream_GranuleSize", func(cStream uintptr) error {
		args := capi.New[capi.CopyToDeviceStreamGranuleSizeArgs]()
		args.Stream = cStream
		if err := call(s.plugin, unsafe.Offsetof(s.plugin.api.CopyToDeviceStreamGranuleSize), args); err != nil {
			return err
		}
		granule = args.GranuleSize
		return nil
	})
	return
}

// CurrentBytes returns the number of bytes already added to the stream.
func (s *CopyToDeviceStream) CurrentBytes() (current int64, err error) {
	err = s.withHandle("PJRT_CopyToDeviceStream_CurrentBytes", func(cStream uintptr) (err error) {
		current, err = s.currentBytes(cStream)
		return
	})
	return
}

func (s *CopyToDeviceStream) currentBytes(cStream uintptr) (int64, error) {
	args := capi.New[capi.CopyToDeviceStreamCurrentBytesArgs]()
	args.Stream = cStream
	err := call(s.plugin, unsafe.Offsetof(s.plugin.api.CopyToDeviceStreamCurrentBytes), args)
	if err != nil {
		return 0, err
	}
	return args.CurrentBytes, nil
}

// AddChunk adds the chunk to the stream and waits for its transfer to complete.
func (s *CopyToDeviceStream) AddChunk(chunk *Chunk) error {
	event, err := s.AddChunkAsync(chunk)
	if err != nil {
		return err
	}
	return event.Await()
}

// AddChunkAsync adds the chunk to the stream, and returns the event that signals the transfer is complete.
//
// A chunk that would take the stream beyond TotalBytes is rejected with ErrStreamOverflow, and it is not consumed.
// Otherwise, the chunk is consumed, even if the plugin reports an error.
func (s *CopyToDeviceStream) AddChunkAsync(chunk *Chunk) (*Event, error) {
	const name = "PJRT_CopyToDeviceStream_AddChunk"
	if chunk == nil {
		return nil, newError(KindInvalidArgument, CodeInvalidArgument, name, "nil chunk")
	}
	if chunk.IsConsumed() {
		return nil, wrapSentinel(ErrChunkConsumed, KindInvalidArgument, CodeFailedPrecondition, name, "")
	}
	var event *Event
	err := s.withHandle(name, func(cStream uintptr) error {
		// The overflow check and the add happen under the same lock, so concurrent adds can't both fit.
		total, err := s.totalBytes(cStream)
		if err != nil {
			return errors.WithMessage(err, "AddChunk failed to check the stream's total bytes")
		}
		current, err := s.currentBytes(cStream)
		if err != nil {
			return errors.WithMessage(err, "AddChunk failed to check the stream's current bytes")
		}
		if current+int64(chunk.Len()) > total {
			return wrapSentinel(ErrStreamOverflow, KindInvalidArgument, CodeOutOfRange, name,
				"stream has %d of %d bytes, chunk of %d bytes", current, total, chunk.Len())
		}

		cChunk, cancel, err := chunk.toC(name)
		if err != nil {
			return err
		}
		args := capi.New[capi.CopyToDeviceStreamAddChunkArgs]()
		args.Stream = cStream
		args.Chunk = uintptr(unsafe.Pointer(cChunk))
		err = call(s.plugin, unsafe.Offsetof(s.plugin.api.CopyToDeviceStreamAddChunk), args)
		runtime.KeepAlive(cChunk)
		if err != nil {
			if errors.Is(err, ErrFunctionNotAvailable) {
				// The plugin never saw the chunk.
				cancel()
			}
			return err
		}
		if args.TransferComplete == 0 {
			event = newCompletedEvent(s.plugin, nil)
		} else {
			event = newEvent(s.plugin, args.TransferComplete)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return event, nil
}
