package pjrt

import (
	"fmt"
	"strings"
	"unsafe"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/purepjrt/pjrt/internal/capi"
	"k8s.io/klog/v2"
)

func pjrtDeviceLocalHardwareID(device *Device) (int, error) {
	args := capi.New[capi.DeviceLocalHardwareIDArgs]()
	args.Device = device.cDevice
	err := call(device.plugin, unsafe.Offsetof(device.plugin.api.DeviceLocalHardwareID), args)
	if err != nil {
		return -1, err
	}
	return int(args.LocalHardwareID), nil
}

// Device is a lightweight reference to a Device managed by a Client -- it doesn't own the underlying object.
//
// It refers to an individual unit of processing capable of executing computations: a GPU, a TPU chip (or a slice of
// one), or for the CPU plugin the CPU (or a NUMA node).
//
// Devices are listed by Client.Devices and Client.AddressableDevices, and the same Device object is always returned
// for the same underlying device.
type Device struct {
	plugin          *Plugin
	client          *Client
	cDevice         uintptr // Same lifetime as the client, and owned by it.
	localHardwareID int
}

// newDevice create a new Device reference.
func newDevice(client *Client, cDevice uintptr) *Device {
	d := &Device{plugin: client.plugin, client: client, cDevice: cDevice}
	var err error
	d.localHardwareID, err = pjrtDeviceLocalHardwareID(d)
	if err != nil {
		klog.Errorf("Failed to get device local_hardware_id for client %s: %v", client, err)
	}
	return d
}

// Client returns the client that owns the device.
func (d *Device) Client() *Client {
	return d.client
}

// IsAddressable returns whether the device is addressable by this client.
func (d *Device) IsAddressable() (bool, error) {
	args := capi.New[capi.DeviceIsAddressableArgs]()
	args.Device = d.cDevice
	err := call(d.plugin, unsafe.Offsetof(d.plugin.api.DeviceIsAddressable), args)
	if err != nil {
		return false, err
	}
	return args.IsAddressable, nil
}

// LocalHardwareID returns an opaque hardware ID, e.g., the CUDA device number. In general, not guaranteed
// to be dense, and -1 if undefined.
func (d *Device) LocalHardwareID() int {
	return d.localHardwareID
}

// GetDescription get a DeviceDescription object associated with this device.
func (d *Device) GetDescription() (*DeviceDescription, error) {
	args := capi.New[capi.DeviceGetDescriptionArgs]()
	args.Device = d.cDevice
	err := call(d.plugin, unsafe.Offsetof(d.plugin.api.DeviceGetDescription), args)
	if err != nil {
		return nil, err
	}
	return newDeviceDescription(d.plugin, args.DeviceDescription), nil
}

// AddressableMemories returns the memories that the device can address.
func (d *Device) AddressableMemories() ([]*Memory, error) {
	args := capi.New[capi.DeviceAddressableMemoriesArgs]()
	args.Device = d.cDevice
	err := call(d.plugin, unsafe.Offsetof(d.plugin.api.DeviceAddressableMemories), args)
	if err != nil {
		return nil, err
	}
	return d.client.memoriesFromC(args.Memories, args.NumMemories), nil
}

// DefaultMemory returns the default memory of the device, used when transferring buffers to it.
func (d *Device) DefaultMemory() (*Memory, error) {
	args := capi.New[capi.DeviceDefaultMemoryArgs]()
	args.Device = d.cDevice
	err := call(d.plugin, unsafe.Offsetof(d.plugin.api.DeviceDefaultMemory), args)
	if err != nil {
		return nil, err
	}
	return d.client.memoryFor(args.Memory), nil
}

// String implements fmt.Stringer.
func (d *Device) String() string {
	desc, err := d.GetDescription()
	if err != nil {
		return fmt.Sprintf("Device(local_hardware_id=%d)", d.localHardwareID)
	}
	return desc.ToString()
}

// MemoryStats are the memory statistics of a device. Except for BytesInUse, the fields are optional, and only
// valid if the corresponding ...Set field is true.
type MemoryStats struct {
	BytesInUse int64

	PeakBytesInUse           int64
	PeakBytesInUseSet        bool
	NumAllocs                int64
	NumAllocsSet             bool
	LargestAllocSize         int64
	LargestAllocSizeSet      bool
	BytesLimit               int64
	BytesLimitSet            bool
	BytesReserved            int64
	BytesReservedSet         bool
	PeakBytesReserved        int64
	PeakBytesReservedSet     bool
	BytesReservableLimit     int64
	BytesReservableLimitSet  bool
	LargestFreeBlockBytes    int64
	LargestFreeBlockBytesSet bool
	PoolBytes                int64
	PoolBytesSet             bool
	PeakPoolBytes            int64
	PeakPoolBytesSet         bool
}

// MemoryStats returns the current memory statistics of the device.
// Not all plugins support it: it returns an error with CodeUnimplemented in those cases.
func (d *Device) MemoryStats() (*MemoryStats, error) {
	args := capi.New[capi.DeviceMemoryStatsArgs]()
	args.Device = d.cDevice
	err := call(d.plugin, unsafe.Offsetof(d.plugin.api.DeviceMemoryStats), args)
	if err != nil {
		return nil, err
	}
	return &MemoryStats{
		BytesInUse:               args.BytesInUse,
		PeakBytesInUse:           args.PeakBytesInUse,
		PeakBytesInUseSet:        args.PeakBytesInUseIsSet,
		NumAllocs:                args.NumAllocs,
		NumAllocsSet:             args.NumAllocsIsSet,
		LargestAllocSize:         args.LargestAllocSize,
		LargestAllocSizeSet:      args.LargestAllocSizeIsSet,
		BytesLimit:               args.BytesLimit,
		BytesLimitSet:            args.BytesLimitIsSet,
		BytesReserved:            args.BytesReserved,
		BytesReservedSet:         args.BytesReservedIsSet,
		PeakBytesReserved:        args.PeakBytesReserved,
		PeakBytesReservedSet:     args.PeakBytesReservedIsSet,
		BytesReservableLimit:     args.BytesReservableLimit,
		BytesReservableLimitSet:  args.BytesReservableLimitIsSet,
		LargestFreeBlockBytes:    args.LargestFreeBlockBytes,
		LargestFreeBlockBytesSet: args.LargestFreeBlockBytesIsSet,
		PoolBytes:                args.PoolBytes,
		PoolBytesSet:             args.PoolBytesIsSet,
		PeakPoolBytes:            args.PeakPoolBytes,
		PeakPoolBytesSet:         args.PeakPoolBytesIsSet,
	}, nil
}

// String implements fmt.Stringer, with the sizes in human-readable form. Fields not set are omitted.
func (s *MemoryStats) String() string {
	parts := []string{"in-use=" + humanize.IBytes(uint64(s.BytesInUse))}
	addBytes := func(name string, value int64, set bool) {
		if set {
			parts = append(parts, name+"="+humanize.IBytes(uint64(value)))
		}
	}
	addBytes("peak-in-use", s.PeakBytesInUse, s.PeakBytesInUseSet)
	if s.NumAllocsSet {
		parts = append(parts, "num-allocs="+humanize.Comma(s.NumAllocs))
	}
	addBytes("largest-alloc", s.LargestAllocSize, s.LargestAllocSizeSet)
	addBytes("limit", s.BytesLimit, s.BytesLimitSet)
	addBytes("reserved", s.BytesReserved, s.BytesReservedSet)
	addBytes("peak-reserved", s.PeakBytesReserved, s.PeakBytesReservedSet)
	addBytes("reservable-limit", s.BytesReservableLimit, s.BytesReservableLimitSet)
	addBytes("largest-free-block", s.LargestFreeBlockBytes, s.LargestFreeBlockBytesSet)
	addBytes("pool", s.PoolBytes, s.PoolBytesSet)
	addBytes("peak-pool", s.PeakPoolBytes, s.PeakPoolBytesSet)
	return "MemoryStats{" + strings.Join(parts, ", ") + "}"
}

// DeviceDescription may be associated with an actual device
// (via Device.GetDescription), but they can also be used to describe a
// device that isn't currently available to the plugin (via TopologyDescription.DeviceDescriptions).
// This is useful for compiling executables without hardware available, which can then be
// serialized and written somewhere durable, and then loaded and run on actual
// hardware later.
type DeviceDescription struct {
	plugin       *Plugin
	cDesc        uintptr
	processIndex int
}

// newDeviceDescription create a new DeviceDescription reference.
func newDeviceDescription(plugin *Plugin, cDesc uintptr) *DeviceDescription {
	dDesc := &DeviceDescription{plugin: plugin, cDesc: cDesc}
	args := capi.New[capi.DeviceDescriptionProcessIndexArgs]()
	args.DeviceDescription = cDesc
	err := call(plugin, unsafe.Offsetof(plugin.api.DeviceDescriptionProcessIndex), args)
	if err != nil {
		klog.Errorf("Failed to get process index for device description for plugin %s: %v", plugin, err)
		dDesc.processIndex = -1
	} else {
		dDesc.processIndex = int(args.ProcessIndex)
	}
	return dDesc
}

// ID returns the global id of the device: unique among all devices of all processes.
func (dDesc *DeviceDescription) ID() (int, error) {
	args := capi.New[capi.DeviceDescriptionIDArgs]()
	args.DeviceDescription = dDesc.cDesc
	err := call(dDesc.plugin, unsafe.Offsetof(dDesc.plugin.api.DeviceDescriptionID), args)
	if err != nil {
		return -1, err
	}
	return int(args.ID), nil
}

// ProcessIndex returns the index of the process that this device belongs to, i.e. is addressable
// from. This is not always identical to Client.ProcessIndex in a
// multi-process setting, where each client can see devices from all
// processes, but only a subset of them are addressable and have the same
// process_index as the client.
func (dDesc *DeviceDescription) ProcessIndex() int {
	return dDesc.processIndex
}

// Kind returns a vendor-dependent string that uniquely identifies the kind of device, e.g., "Tesla V100-SXM2-16GB".
func (dDesc *DeviceDescription) Kind() (string, error) {
	args := capi.New[capi.DeviceDescriptionKindArgs]()
	args.DeviceDescription = dDesc.cDesc
	err := call(dDesc.plugin, unsafe.Offsetof(dDesc.plugin.api.DeviceDescriptionKind), args)
	if err != nil {
		return "", err
	}
	return cString(args.DeviceKind, args.DeviceKindSize), nil
}

// Attributes returns the device specific attributes, e.g.: "coords" or "core_on_chip" for TPUs.
func (dDesc *DeviceDescription) Attributes() (NamedValuesMap, error) {
	args := capi.New[capi.DeviceDescriptionAttributesArgs]()
	args.DeviceDescription = dDesc.cDesc
	err := call(dDesc.plugin, unsafe.Offsetof(dDesc.plugin.api.DeviceDescriptionAttributes), args)
	if err != nil {
		return nil, err
	}
	return pjrtNamedValuesToMap(args.Attributes, args.NumAttributes), nil
}

// DebugString suitable for logging when errors occur.
// Should be verbose enough to describe the current device unambiguously.
func (dDesc *DeviceDescription) DebugString() string {
	args := capi.New[capi.DeviceDescriptionDebugStringArgs]()
	args.DeviceDescription = dDesc.cDesc
	err := call(dDesc.plugin, unsafe.Offsetof(dDesc.plugin.api.DeviceDescriptionDebugString), args)
	if err != nil {
		return fmt.Sprintf("DeviceDescription failed to retrieve debug string: %v", err)
	}
	return cString(args.DebugString, args.DebugStringSize)
}

// ToString returns a succinct string describing the device, for user messages.
func (dDesc *DeviceDescription) ToString() string {
	args := capi.New[capi.DeviceDescriptionToStringArgs]()
	args.DeviceDescription = dDesc.cDesc
	err := call(dDesc.plugin, unsafe.Offsetof(dDesc.plugin.api.DeviceDescriptionToString), args)
	if err != nil {
		return fmt.Sprintf("DeviceDescription failed to retrieve string: %v", err)
	}
	return cString(args.ToString, args.ToStringSize)
}

// String implements fmt.Stringer.
func (dDesc *DeviceDescription) String() string {
	return dDesc.ToString()
}
