package pjrt

import (
	"fmt"
	"runtime"
	"sync"
	"unsafe"

	"github.com/gomlx/purepjrt/pjrt/internal/capi"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

func pjrtClientPlatformName(plugin *Plugin, client *Client) (string, error) {
	args := capi.New[capi.ClientPlatformNameArgs]()
	args.Client = client.client
	err := call(plugin, unsafe.Offsetof(plugin.api.ClientPlatformName), args)
	if err != nil {
		return "", err
	}
	return cString(args.PlatformName, args.PlatformNameSize), nil
}

func pjrtClientPlatformVersion(plugin *Plugin, client *Client) (string, error) {
	args := capi.New[capi.ClientPlatformVersionArgs]()
	args.Client = client.client
	err := call(plugin, unsafe.Offsetof(plugin.api.ClientPlatformVersion), args)
	if err != nil {
		return "", err
	}
	return cString(args.PlatformVersion, args.PlatformVersionSize), nil
}

func pjrtClientProcessIndex(plugin *Plugin, client *Client) (int, error) {
	args := capi.New[capi.ClientProcessIndexArgs]()
	args.Client = client.client
	err := call(plugin, unsafe.Offsetof(plugin.api.ClientProcessIndex), args)
	if err != nil {
		return -1, err
	}
	return int(args.ProcessIndex), nil
}

func pjrtClientDevices(plugin *Plugin, client *Client) ([]*Device, error) {
	args := capi.New[capi.ClientDevicesArgs]()
	args.Client = client.client
	err := call(plugin, unsafe.Offsetof(plugin.api.ClientDevices), args)
	if err != nil {
		return nil, err
	}
	return client.devicesFromC(args.Devices, args.NumDevices), nil
}

func pjrtClientAddressableDevices(plugin *Plugin, client *Client) ([]*Device, error) {
	args := capi.New[capi.ClientAddressableDevicesArgs]()
	args.Client = client.client
	err := call(plugin, unsafe.Offsetof(plugin.api.ClientAddressableDevices), args)
	if err != nil {
		return nil, err
	}
	return client.devicesFromC(args.AddressableDevices, args.NumAddressableDevices), nil
}

// Client manages the resources of one device: its buffers, compilation and execution of programs.
type Client struct {
	plugin                    *Plugin
	client                    uintptr
	platform, platformVersion string
	processIndex              int
	devices                   []*Device
	addressableDevices        []*Device

	// keyValueStoreID is the registry id of the KeyValueStore given at creation, or 0.
	keyValueStoreID uintptr

	// knownDevices maps PJRT_Device* to their wrappers, so the same Device object is always returned.
	muDevices    sync.Mutex
	knownDevices map[uintptr]*Device
	knownMemory  map[uintptr]*Memory
}

// newClient is called by Plugin.NewClient to create a new PJRT_Client wrapper.
// store is optional: without it only single process clients can be created.
func newClient(plugin *Plugin, options NamedValuesMap, store KeyValueStore) (*Client, error) {
	cOptions, err := options.toC()
	if err != nil {
		return nil, errors.WithMessagef(err, "invalid options when creating a new pjrt.Client")
	}
	args := capi.New[capi.ClientCreateArgs]()
	args.CreateOptions = cOptions.Addr()
	args.NumOptions = cOptions.Len()
	var storeID uintptr
	if store != nil {
		storeID = registerKeyValueStore(store)
		callbacks := keyValueCallbackPtrs()
		args.KVGetCallback, args.KVGetUserArg = callbacks.get, storeID
		args.KVTryGetCallback, args.KVTryGetUserArg = callbacks.tryGet, storeID
		args.KVPutCallback, args.KVPutUserArg = callbacks.put, storeID
	}
	err = call(plugin, unsafe.Offsetof(plugin.api.ClientCreate), args)
	runtime.KeepAlive(cOptions)
	if err != nil {
		releaseKeyValueStore(storeID)
		return nil, err
	}

	// Prepare Client object: not all initialization is fatal to the construction of the client.
	c := &Client{
		plugin:          plugin,
		client:          args.Client,
		keyValueStoreID: storeID,
		knownDevices:    make(map[uintptr]*Device),
		knownMemory:     make(map[uintptr]*Memory),
	}
	c.platform, err = pjrtClientPlatformName(plugin, c)
	if err != nil {
		// Non-fatal
		klog.Errorf("Failed to retrieve client platform name (plugin %s): %v", plugin, err)
	}
	c.platformVersion, err = pjrtClientPlatformVersion(plugin, c)
	if err != nil {
		// Non-fatal
		klog.Errorf("Failed to retrieve client platform version (plugin %s): %v", plugin, err)
	}
	c.processIndex, err = pjrtClientProcessIndex(plugin, c)
	if err != nil {
		// Non-fatal
		klog.Errorf("Failed to retrieve client process index (plugin %s): %v", plugin, err)
	}
	c.devices, err = pjrtClientDevices(plugin, c)
	if err != nil {
		// Non-fatal
		klog.Errorf("Failed to retrieve client devices (plugin %s): %v", plugin, err)
	}
	c.addressableDevices, err = pjrtClientAddressableDevices(plugin, c)
	if err != nil {
		// Fatal
		err = errors.WithMessagef(err, "failed to retrieve addressable devices for new client (plugin %s) -- can't use client with no addressable device", plugin)
		finalizeClient(c)
		return nil, err
	}

	// Register finalizer.
	runtime.SetFinalizer(c, finalizeClient)
	return c, nil
}

func finalizeClient(c *Client) {
	err := c.Destroy()
	if err != nil {
		klog.Errorf("Client.Destroy failed: %v", err)
	}
}

// devicesFromC converts a C array of PJRT_Device* to the (cached) Device wrappers.
func (c *Client) devicesFromC(data, n uintptr) []*Device {
	cDevices := cSlice[uintptr](data, n)
	devices := make([]*Device, len(cDevices))
	for ii, cDevice := range cDevices {
		devices[ii] = c.deviceFor(cDevice)
	}
	return devices
}

// deviceFor returns the Device wrapper for the PJRT_Device*, creating it if needed.
func (c *Client) deviceFor(cDevice uintptr) *Device {
	if cDevice == 0 {
		return nil
	}
	c.muDevices.Lock()
	defer c.muDevices.Unlock()
	if device, found := c.knownDevices[cDevice]; found {
		return device
	}
	device := newDevice(c, cDevice)
	c.knownDevices[cDevice] = device
	return device
}

// memoryFor returns the Memory wrapper for the PJRT_Memory*, creating it if needed.
func (c *Client) memoryFor(cMemory uintptr) *Memory {
	if cMemory == 0 {
		return nil
	}
	c.muDevices.Lock()
	defer c.muDevices.Unlock()
	if memory, found := c.knownMemory[cMemory]; found {
		return memory
	}
	memory := &Memory{client: c, cMemory: cMemory}
	c.knownMemory[cMemory] = memory
	return memory
}

// memoriesFromC converts a C array of PJRT_Memory* to the (cached) Memory wrappers.
func (c *Client) memoriesFromC(data, n uintptr) []*Memory {
	cMemories := cSlice[uintptr](data, n)
	memories := make([]*Memory, len(cMemories))
	for ii, cMemory := range cMemories {
		memories[ii] = c.memoryFor(cMemory)
	}
	return memories
}

// Plugin returns the Plugin from which the Client was created.
func (c *Client) Plugin() *Plugin {
	return c.plugin
}

// Destroy the client, release resources, and Client is no longer valid.
// This is automatically called if Client is garbage collected.
func (c *Client) Destroy() error {
	if c == nil || c.plugin == nil || c.client == 0 {
		// Already destroyed, no-op.
		return nil
	}
	defer runtime.KeepAlive(c)
	args := capi.New[capi.ClientDestroyArgs]()
	args.Client = c.client
	err := call(c.plugin, unsafe.Offsetof(c.plugin.api.ClientDestroy), args)
	c.plugin = nil
	c.client = 0
	releaseKeyValueStore(c.keyValueStoreID)
	c.keyValueStoreID = 0
	return err
}

// checkValid returns an error if the client was destroyed.
func (c *Client) checkValid(function string) error {
	if c == nil || c.plugin == nil || c.client == 0 {
		return errDestroyed(function, "Client")
	}
	return nil
}

// String implements fmt.Stringer.
func (c *Client) String() string {
	if c == nil || c.client == 0 {
		return "Invalid client"
	}
	pid := c.ProcessIndex()
	var pidStr string
	if pid == 0 {
		pidStr = "single-process"
	} else {
		pidStr = fmt.Sprintf("pid=%d", pid)
	}
	return fmt.Sprintf("Client[plugin=%q, platform=%q, %s]", c.plugin.Name(), c.Platform()+" - "+c.PlatformVersion(), pidStr)
}

// Platform returns the name of the client platform.
func (c *Client) Platform() string {
	return c.platform
}

// PlatformVersion returns the version of the client platform.
func (c *Client) PlatformVersion() string {
	return c.platformVersion
}

// ProcessIndex returns the process index of the client platform.
// Always 0 in single-process settings.
func (c *Client) ProcessIndex() int {
	return c.processIndex
}

// Devices returns a list of all devices visible to the runtime, including addressable
// and non-addressable devices. It is cached at construction.
//
// The returned slice and the Devices are owned by the Client, don't change it.
func (c *Client) Devices() []*Device {
	return c.devices
}

// AddressableDevices returns a list of devices addressable to the client.
// Addressable devices are those that the client can issue commands to.
// All devices are addressable in a single-process environment (Client.ProcessIndex() == 0).
//
// The returned slice and the Devices are owned by the Client, don't change it.
func (c *Client) AddressableDevices() []*Device {
	return c.addressableDevices
}

// NumForDevice returns the "deviceNum" for the given device.
// The value deviceNum is an index to Client.AddressableDevices, and can be used in several other methods.
//
// It returns -1 if device not found in Client.AddressableDevices.
func (c *Client) NumForDevice(device *Device) int {
	for deviceNum, otherDevice := range c.addressableDevices {
		if device == otherDevice {
			return deviceNum
		}
	}
	return -1
}

// LookupDevice returns the device with the given global id (see DeviceDescription.ID).
func (c *Client) LookupDevice(id int) (*Device, error) {
	if err := c.checkValid("PJRT_Client_LookupDevice"); err != nil {
		return nil, err
	}
	defer runtime.KeepAlive(c)
	args := capi.New[capi.ClientLookupDeviceArgs]()
	args.Client = c.client
	args.ID = int32(id)
	err := call(c.plugin, unsafe.Offsetof(c.plugin.api.ClientLookupDevice), args)
	if err != nil {
		return nil, err
	}
	return c.deviceFor(args.Device), nil
}

// LookupAddressableDevice returns the addressable device with the given local hardware id.
func (c *Client) LookupAddressableDevice(localHardwareID int) (*Device, error) {
	if err := c.checkValid("PJRT_Client_LookupAddressableDevice"); err != nil {
		return nil, err
	}
	defer runtime.KeepAlive(c)
	args := capi.New[capi.ClientLookupAddressableDeviceArgs]()
	args.Client = c.client
	args.LocalHardwareID = int32(localHardwareID)
	err := call(c.plugin, unsafe.Offsetof(c.plugin.api.ClientLookupAddressableDevice), args)
	if err != nil {
		return nil, err
	}
	return c.deviceFor(args.AddressableDevice), nil
}

// AddressableMemories returns the memories the client can address.
func (c *Client) AddressableMemories() ([]*Memory, error) {
	if err := c.checkValid("PJRT_Client_AddressableMemories"); err != nil {
		return nil, err
	}
	defer runtime.KeepAlive(c)
	args := capi.New[capi.ClientAddressableMemoriesArgs]()
	args.Client = c.client
	err := call(c.plugin, unsafe.Offsetof(c.plugin.api.ClientAddressableMemories), args)
	if err != nil {
		return nil, err
	}
	return c.memoriesFromC(args.AddressableMemories, args.NumAddressableMemories), nil
}

// DefaultDeviceAssignment returns the default assignment of device ids for the given number of replicas and
// partitions: the id for replica r and partition p is at index r*numPartitions+p.
func (c *Client) DefaultDeviceAssignment(numReplicas, numPartitions int) ([]int, error) {
	if err := c.checkValid("PJRT_Client_DefaultDeviceAssignment"); err != nil {
		return nil, err
	}
	if numReplicas <= 0 || numPartitions <= 0 {
		return nil, newError(KindInvalidArgument, CodeInvalidArgument, "PJRT_Client_DefaultDeviceAssignment",
			"numReplicas (%d) and numPartitions (%d) must be > 0", numReplicas, numPartitions)
	}
	defer runtime.KeepAlive(c)
	assignment := make([]int32, numReplicas*numPartitions)
	args := capi.New[capi.ClientDefaultDeviceAssignmentArgs]()
	args.Client = c.client
	args.NumReplicas = int32(numReplicas)
	args.NumPartitions = int32(numPartitions)
	args.DefaultAssignmentSize = uintptr(len(assignment))
	args.DefaultAssignment = sliceAddr(assignment)
	err := call(c.plugin, unsafe.Offsetof(c.plugin.api.ClientDefaultDeviceAssignment), args)
	runtime.KeepAlive(assignment)
	if err != nil {
		return nil, err
	}
	result := make([]int, len(assignment))
	for ii, id := range assignment {
		result[ii] = int(id)
	}
	return result, nil
}

// TopologyDescription returns the topology of the client's devices.
// The returned topology is owned by the client, and Destroy is a no-op for it.
func (c *Client) TopologyDescription() (*TopologyDescription, error) {
	if err := c.checkValid("PJRT_Client_TopologyDescription"); err != nil {
		return nil, err
	}
	defer runtime.KeepAlive(c)
	args := capi.New[capi.ClientTopologyDescriptionArgs]()
	args.Client = c.client
	err := call(c.plugin, unsafe.Offsetof(c.plugin.api.ClientTopologyDescription), args)
	if err != nil {
		return nil, err
	}
	return &TopologyDescription{plugin: c.plugin, client: c, cTopology: args.Topology}, nil
}

// Compile turn a program into a "LoadedExecutable" that is the executable runner.
//
// There are different formats of input, and many different compilation options, so this returns
// a CompileConfig that must be furthered configured. At the very least the program must be given: see
// CompileConfig.WithProgram, CompileConfig.WithMLIR or CompileConfig.WithHLO. Then the call to CompileConfig.Done
// triggers the compilation into a "LoadedExecutable".
//
// The compilation options are defined by the proto CompileOptionsProto:
// https://github.com/openxla/xla/blob/main/xla/pjrt/proto/compile_options.proto .
func (c *Client) Compile() *CompileConfig {
	return newCompileConfig(c)
}

// BufferFromHost creates an on-device buffer with the contents copied (optionally reused, if device is CPU) from
// the given host buffer.
//
// It returns a BufferFromHostConfig that must be furthered configured -- at least the host data to transfer must be given.
// Call BufferFromHostConfig.Done to trigger the transfer.
func (c *Client) BufferFromHost() *BufferFromHostConfig {
	return &BufferFromHostConfig{
		client:              c,
		hostBufferSemantics: HostBufferImmutableUntilTransferCompletes,
	}
}
