package pjrt

import (
	"runtime"
	"unsafe"

	"github.com/gomlx/purepjrt/pjrt/internal/capi"
)

// StreamExtension is the typed view of the plugin's Stream extension, used to synchronize buffers with
// platform specific streams (e.g.: CUDA streams) of external frameworks.
//
// Get it with LookupExtension[*StreamExtension](plugin): stream operations are only available through it.
type StreamExtension struct {
	plugin *Plugin
	ext    *capi.StreamExtension
}

func (*StreamExtension) extensionType() ExtensionType { return ExtensionStream }

func (*StreamExtension) minStructSize() uintptr { return unsafe.Sizeof(capi.StreamExtension{}) }

func (*StreamExtension) withNode(p *Plugin, node *capi.ExtensionBase) ExtensionView {
	return &StreamExtension{plugin: p, ext: (*capi.StreamExtension)(unsafe.Pointer(node))}
}

// DeviceStream is a platform specific stream of a device, as returned by StreamExtension.StreamForExternalReadyEvents.
type DeviceStream struct {
	ext    *StreamExtension
	device *Device
	stream uintptr
}

// StreamForExternalReadyEvents returns the platform specific stream of the device to which external frameworks
// should attach their ready events.
func (s *StreamExtension) StreamForExternalReadyEvents(device *Device) (*DeviceStream, error) {
	const name = "PJRT_Get_Stream_For_External_Ready_Events"
	if device == nil || device.cDevice == 0 {
		return nil, errDestroyed(name, "Device")
	}
	args := capi.New[capi.GetStreamForExternalReadyEventsArgs]()
	args.Device = device.cDevice
	err := callFn(s.plugin, s.ext.GetStream, name, args)
	if err != nil {
		return nil, err
	}
	return &DeviceStream{ext: s, device: device, stream: args.Stream}, nil
}

// Handle returns the platform specific stream handle (e.g.: a cudaStream_t).
func (ds *DeviceStream) Handle() uintptr {
	return ds.stream
}

// Device returns the device that owns the stream.
func (ds *DeviceStream) Device() *Device {
	return ds.device
}

// WaitUntilBufferReady makes the stream wait until the buffer is ready.
func (ds *DeviceStream) WaitUntilBufferReady(buffer *Buffer) error {
	const name = "PJRT_Wait_Until_Buffer_Ready_On_Stream"
	cBuffer := buffer.cHandle()
	if cBuffer == 0 {
		return errDestroyed(name, "Buffer")
	}
	args := capi.New[capi.WaitUntilBufferReadyOnStreamArgs]()
	defer runtime.KeepAlive(buffer)
	args.Stream = ds.stream
	args.Buffer = cBuffer
	return callFn(ds.ext.plugin, ds.ext.ext.WaitStream, name, args)
}
