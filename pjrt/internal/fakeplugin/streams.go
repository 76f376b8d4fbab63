package fakeplugin

import (
	"sync"

	"github.com/ebitengine/purego"
	"github.com/gomlx/purepjrt/pjrt/internal/capi"
)

// StreamGranuleSize is the granule of every CopyToDeviceStream: all chunks but the last must be multiples of it.
const StreamGranuleSize = 4

// fakeStream receives the bytes of a recv operation. Its handle is owned by the receiver, the execution waiting on it
// holds the object.
type fakeStream struct {
	mu        sync.Mutex
	data      []byte
	current   int
	filled    chan struct{}
	cancelled chan struct{}
	destroyed bool
}

func newFakeStream(totalBytes int) *fakeStream {
	s := &fakeStream{
		data:      make([]byte, totalBytes),
		filled:    make(chan struct{}),
		cancelled: make(chan struct{}),
	}
	if totalBytes == 0 {
		close(s.filled)
	}
	return s
}

// wait blocks until the stream is filled, and returns its bytes. It returns an error if the stream is destroyed
// first.
func (s *fakeStream) wait() ([]byte, *fakeError) {
	select {
	case <-s.filled:
		return s.data, nil
	case <-s.cancelled:
		select {
		case <-s.filled:
			return s.data, nil
		default:
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		return nil, errorf(capi.CodeCancelled, "CopyToDeviceStream destroyed after %d of %d bytes", s.current, len(s.data))
	}
}

func lookupStream(h uintptr) (*fakeStream, *fakeError) {
	s, found := lookup[*fakeStream](h)
	if !found {
		return nil, errBadHandle("PJRT_CopyToDeviceStream", h)
	}
	return s, nil
}

func streamDestroy(args *capi.CopyToDeviceStreamDestroyArgs) *fakeError {
	obj, found := release(args.Stream)
	if !found {
		return errBadHandle("PJRT_CopyToDeviceStream", args.Stream)
	}
	s := obj.(*fakeStream)
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.destroyed {
		s.destroyed = true
		close(s.cancelled)
	}
	return nil
}

func streamAddChunk(args *capi.CopyToDeviceStreamAddChunkArgs) *fakeError {
	if args.Chunk == 0 {
		return errorf(capi.CodeInvalidArgument, "null chunk")
	}
	chunk := *(*capi.Chunk)(capi.Pointer(args.Chunk))
	// The chunk is owned from here on, even on failure.
	defer func() {
		if chunk.Deleter != 0 {
			purego.SyscallN(chunk.Deleter, chunk.Data, chunk.DeleterArg)
		}
	}()

	s, err := lookupStream(args.Stream)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	size := int(chunk.Size)
	total := len(s.data)
	if s.current+size > total {
		return errorf(capi.CodeOutOfRange, "chunk of %d bytes overflows the stream (%d of %d bytes)", size, s.current, total)
	}
	if size%StreamGranuleSize != 0 && s.current+size != total {
		return errorf(capi.CodeInvalidArgument, "chunk of %d bytes is not a multiple of the granule size %d",
			size, StreamGranuleSize)
	}
	if size > 0 {
		copy(s.data[s.current:], view[byte](chunk.Data, chunk.Size))
	}
	wasFilled := s.current == total
	s.current += size
	if !wasFilled && s.current == total {
		close(s.filled)
	}
	args.TransferComplete = completedEvent(nil)
	return nil
}

func streamTotalBytes(args *capi.CopyToDeviceStreamTotalBytesArgs) *fakeError {
	s, err := lookupStream(args.Stream)
	if err != nil {
		return err
	}
	args.TotalBytes = int64(len(s.data))
	return nil
}

func streamGranuleSize(args *capi.CopyToDeviceStreamGranuleSizeArgs) *fakeError {
	if _, err := lookupStream(args.Stream); err != nil {
		return err
	}
	args.GranuleSize = StreamGranuleSize
	return nil
}

func streamCurrentBytes(args *capi.CopyToDeviceStreamCurrentBytesArgs) *fakeError {
	s, err := lookupStream(args.Stream)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	args.CurrentBytes = int64(s.current)
	return nil
}
