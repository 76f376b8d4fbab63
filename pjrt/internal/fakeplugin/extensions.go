package fakeplugin

import (
	"slices"
	"sync"

	"github.com/gomlx/purepjrt/pjrt/internal/capi"
)

// StreamHandleBase is the stream handle of device 0: device i reports StreamHandleBase+i.
const StreamHandleBase = 0x5000

func getStreamForExternalReadyEvents(args *capi.GetStreamForExternalReadyEventsArgs) *fakeError {
	d, err := lookupDevice(args.Device)
	if err != nil {
		return err
	}
	args.Stream = StreamHandleBase + uintptr(d.id)
	return nil
}

func waitUntilBufferReadyOnStream(args *capi.WaitUntilBufferReadyOnStreamArgs) *fakeError {
	if args.Stream < StreamHandleBase {
		return errorf(capi.CodeInvalidArgument, "unknown stream 0x%x", args.Stream)
	}
	b, err := lookupBuffer(args.Buffer)
	if err != nil {
		return err
	}
	return b.ready.wait()
}

func deviceDescriptionMemoryDescriptions(args *capi.DeviceDescriptionMemoryDescriptionsArgs) *fakeError {
	desc, err := lookupDescription(args.DeviceDescription)
	if err != nil {
		return err
	}
	args.MemoryDescriptions = addr(desc.memoryDescriptions)
	args.NumMemoryDescriptions = uintptr(len(desc.memoryDescriptions))
	args.DefaultMemoryIndex = 0
	return nil
}

func memoryDescriptionKind(args *capi.MemoryDescriptionKindArgs) *fakeError {
	md, found := lookup[*fakeMemoryDescription](args.MemoryDescription)
	if !found {
		return errBadHandle("PJRT_MemoryDescription", args.MemoryDescription)
	}
	args.Kind, args.KindSize = cString(md.kind)
	args.KindID = md.kindID
	return nil
}

var (
	muCustomCalls sync.Mutex
	customCalls   = make(map[string]int32)
)

func registerCustomCall(args *capi.GpuRegisterCustomCallArgs) *fakeError {
	name := goString(args.FunctionName, args.FunctionNameSize)
	if name == "" {
		return errorf(capi.CodeInvalidArgument, "custom call registered with an empty name")
	}
	if args.APIVersion != 0 && args.APIVersion != 1 {
		return errorf(capi.CodeUnimplemented, "custom call api_version %d is not supported", args.APIVersion)
	}
	muCustomCalls.Lock()
	defer muCustomCalls.Unlock()
	if _, found := customCalls[name]; found {
		return errorf(capi.CodeAlreadyExists, "custom call %q already registered", name)
	}
	customCalls[name] = args.APIVersion
	return nil
}

// CustomCalls returns the sorted names of the registered custom calls.
func CustomCalls() []string {
	muCustomCalls.Lock()
	defer muCustomCalls.Unlock()
	names := make([]string, 0, len(customCalls))
	for name := range customCalls {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
