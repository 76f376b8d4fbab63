package pjrt

import (
	"fmt"
	"unsafe"

	"github.com/gomlx/purepjrt/pjrt/internal/capi"
)

// Memory is a reference to a memory space managed by a Client (e.g.: the device memory, or pinned host memory).
// It is owned by the client, and the same Memory object is always returned for the same underlying memory.
type Memory struct {
	client  *Client
	cMemory uintptr
}

// Client returns the client that owns the memory.
func (m *Memory) Client() *Client {
	return m.client
}

// ID returns the id of the memory, unique among the memories of the client.
func (m *Memory) ID() (int, error) {
	plugin := m.client.plugin
	args := capi.New[capi.MemoryIDArgs]()
	args.Memory = m.cMemory
	err := call(plugin, unsafe.Offsetof(plugin.api.MemoryID), args)
	if err != nil {
		return -1, err
	}
	return int(args.ID), nil
}

// Kind returns the platform dependent memory kind (e.g.: "device", "pinned_host", "unpinned_host").
func (m *Memory) Kind() (string, error) {
	plugin := m.client.plugin
	args := capi.New[capi.MemoryKindArgs]()
	args.Memory = m.cMemory
	err := call(plugin, unsafe.Offsetof(plugin.api.MemoryKind), args)
	if err != nil {
		return "", err
	}
	return cString(args.Kind, args.KindSize), nil
}

// KindID returns the numeric id of the memory kind. Memories of the same kind have the same id.
func (m *Memory) KindID() (int, error) {
	plugin := m.client.plugin
	args := capi.New[capi.MemoryKindIDArgs]()
	args.Memory = m.cMemory
	err := call(plugin, unsafe.Offsetof(plugin.api.MemoryKindID), args)
	if err != nil {
		return -1, err
	}
	return int(args.KindID), nil
}

// DebugString returns a verbose description of the memory, for logging.
func (m *Memory) DebugString() string {
	plugin := m.client.plugin
	args := capi.New[capi.MemoryDebugStringArgs]()
	args.Memory = m.cMemory
	err := call(plugin, unsafe.Offsetof(plugin.api.MemoryDebugString), args)
	if err != nil {
		return fmt.Sprintf("Memory failed to retrieve debug string: %v", err)
	}
	return cString(args.DebugString, args.DebugStringSize)
}

// ToString returns a succinct description of the memory, for user messages.
func (m *Memory) ToString() string {
	plugin := m.client.plugin
	args := capi.New[capi.MemoryToStringArgs]()
	args.Memory = m.cMemory
	err := call(plugin, unsafe.Offsetof(plugin.api.MemoryToString), args)
	if err != nil {
		return fmt.Sprintf("Memory failed to retrieve string: %v", err)
	}
	return cString(args.ToString, args.ToStringSize)
}

// String implements fmt.Stringer.
func (m *Memory) String() string {
	return m.ToString()
}

// AddressableByDevices returns the devices that can address this memory.
func (m *Memory) AddressableByDevices() ([]*Device, error) {
	plugin := m.client.plugin
	args := capi.New[capi.MemoryAddressableByDevicesArgs]()
	args.Memory = m.cMemory
	err := call(plugin, unsafe.Offsetof(plugin.api.MemoryAddressableByDevices), args)
	if err != nil {
		return nil, err
	}
	return m.client.devicesFromC(args.Devices, args.NumDevices), nil
}
