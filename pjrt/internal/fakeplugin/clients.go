package fakeplugin

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gomlx/purepjrt/pjrt/internal/capi"
)

const (
	// PlatformName and PlatformVersion are reported by clients and topologies.
	PlatformName    = "fake"
	PlatformVersion = "0.1"

	// DefaultNumDevices is the number of devices of a client, unless the "num_devices" option is given.
	DefaultNumDevices = 2

	// DeviceKind is the kind of every device.
	DeviceKind = "FakeDevice"
)

// Memory kinds of each device. The first one is the default memory.
var memoryKinds = []string{"device", "pinned_host"}

// Plugin.

var pluginAttributeValues = sync.OnceValue(func() *namedValues {
	return newNamedValues(map[string]any{
		"platform":                  PlatformName,
		"xla_version":               int64(2),
		"stablehlo_current_version": []int64{1, 9, 3},
		"supports_cross_host":       false,
		"fake":                      true,
		"clock_ghz":                 float32(1.5),
	})
})

var pluginInitialized atomic.Int64

// PluginInitializations returns how many times PJRT_Plugin_Initialize was called.
func PluginInitializations() int64 { return pluginInitialized.Load() }

func pluginInitialize(*capi.PluginInitializeArgs) *fakeError {
	pluginInitialized.Add(1)
	return nil
}

func pluginAttributes(args *capi.PluginAttributesArgs) *fakeError {
	attrs := pluginAttributeValues()
	args.Attributes, args.NumAttributes = addr(attrs.values), uintptr(len(attrs.values))
	return nil
}

// Clients.

type fakeClient struct {
	processIndex  int
	keyValues     map[string]string
	devices       []*fakeDevice
	deviceHandles []uintptr
	memoryHandles []uintptr
	topology      uintptr
}

type fakeDevice struct {
	client        *fakeClient
	id            int
	handle        uintptr
	description   uintptr
	memories      []*fakeMemory
	memoryHandles []uintptr

	bytesInUse, peakBytesInUse, numAllocs atomic.Int64
}

// allocated accounts for n bytes (negative to free) of the device memory.
func (d *fakeDevice) allocated(n int64) {
	inUse := d.bytesInUse.Add(n)
	if n > 0 {
		d.numAllocs.Add(1)
	}
	for {
		peak := d.peakBytesInUse.Load()
		if inUse <= peak || d.peakBytesInUse.CompareAndSwap(peak, inUse) {
			return
		}
	}
}

type fakeMemory struct {
	id            int32
	kind          string
	kindID        int32
	device        *fakeDevice
	handle        uintptr
	deviceHandles []uintptr
}

type fakeDescription struct {
	id                 int32
	attributes         *namedValues
	memoryDescriptions []uintptr
}

type fakeMemoryDescription struct {
	kind   string
	kindID int32
}

func newDescription(id int) uintptr {
	desc := &fakeDescription{
		id: int32(id),
		attributes: newNamedValues(map[string]any{
			"coords":       []int64{int64(id), 0, 0},
			"core_on_chip": int64(0),
		}),
	}
	for kindID, kind := range memoryKinds {
		desc.memoryDescriptions = append(desc.memoryDescriptions,
			newHandle(&fakeMemoryDescription{kind: kind, kindID: int32(kindID)}))
	}
	return newHandle(desc)
}

func clientCreate(args *capi.ClientCreateArgs) *fakeError {
	options := readNamedValues(args.CreateOptions, args.NumOptions)
	numDevices := DefaultNumDevices
	if v, found := options["num_devices"]; found {
		n, ok := v.(int64)
		if !ok || n < 1 || n > 64 {
			return errorf(capi.CodeInvalidArgument, "option num_devices must be an int64 in [1, 64], got %v", v)
		}
		numDevices = int(n)
	}
	if msg, ok := options["fail_create"].(string); ok {
		return errorf(capi.CodeInternal, "%s", msg)
	}
	c := &fakeClient{}
	if args.KVGetCallback != 0 || args.KVPutCallback != 0 {
		values, err := keyValueHandshake(args, options, numDevices)
		if err != nil {
			return err
		}
		c.keyValues = values
		if index, ok := options["process_index"].(int64); ok {
			c.processIndex = int(index)
		}
	}
	for id := range numDevices {
		d := &fakeDevice{client: c, id: id, description: newDescription(id)}
		d.handle = newHandle(d)
		for kindID, kind := range memoryKinds {
			m := &fakeMemory{
				id:     int32(id*len(memoryKinds) + kindID),
				kind:   kind,
				kindID: int32(kindID),
				device: d,
			}
			m.handle = newHandle(m)
			m.deviceHandles = []uintptr{d.handle}
			d.memories = append(d.memories, m)
			d.memoryHandles = append(d.memoryHandles, m.handle)
			c.memoryHandles = append(c.memoryHandles, m.handle)
		}
		c.devices = append(c.devices, d)
		c.deviceHandles = append(c.deviceHandles, d.handle)
	}
	c.topology = newHandle(&fakeTopology{descriptions: descriptionsOf(c), ownedByClient: true})
	args.Client = newHandle(c)
	return nil
}

func descriptionsOf(c *fakeClient) []uintptr {
	descs := make([]uintptr, len(c.devices))
	for ii, d := range c.devices {
		descs[ii] = d.description
	}
	return descs
}

func lookupClient(h uintptr) (*fakeClient, *fakeError) {
	c, found := lookup[*fakeClient](h)
	if !found {
		return nil, errBadHandle("PJRT_Client", h)
	}
	return c, nil
}

func lookupDevice(h uintptr) (*fakeDevice, *fakeError) {
	d, found := lookup[*fakeDevice](h)
	if !found {
		return nil, errBadHandle("PJRT_Device", h)
	}
	return d, nil
}

func lookupMemory(h uintptr) (*fakeMemory, *fakeError) {
	m, found := lookup[*fakeMemory](h)
	if !found {
		return nil, errBadHandle("PJRT_Memory", h)
	}
	return m, nil
}

func lookupDescription(h uintptr) (*fakeDescription, *fakeError) {
	desc, found := lookup[*fakeDescription](h)
	if !found {
		return nil, errBadHandle("PJRT_DeviceDescription", h)
	}
	return desc, nil
}

func clientDestroy(args *capi.ClientDestroyArgs) *fakeError {
	if _, found := release(args.Client); !found {
		return errBadHandle("PJRT_Client", args.Client)
	}
	return nil
}

func clientPlatformName(args *capi.ClientPlatformNameArgs) *fakeError {
	if _, err := lookupClient(args.Client); err != nil {
		return err
	}
	args.PlatformName, args.PlatformNameSize = cString(PlatformName)
	return nil
}

func clientPlatformVersion(args *capi.ClientPlatformVersionArgs) *fakeError {
	if _, err := lookupClient(args.Client); err != nil {
		return err
	}
	args.PlatformVersion, args.PlatformVersionSize = cString(PlatformVersion)
	return nil
}

func clientProcessIndex(args *capi.ClientProcessIndexArgs) *fakeError {
	c, err := lookupClient(args.Client)
	if err != nil {
		return err
	}
	args.ProcessIndex = int32(c.processIndex)
	return nil
}

func clientDevices(args *capi.ClientDevicesArgs) *fakeError {
	c, err := lookupClient(args.Client)
	if err != nil {
		return err
	}
	args.Devices, args.NumDevices = addr(c.deviceHandles), uintptr(len(c.deviceHandles))
	return nil
}

func clientAddressableDevices(args *capi.ClientAddressableDevicesArgs) *fakeError {
	c, err := lookupClient(args.Client)
	if err != nil {
		return err
	}
	args.AddressableDevices, args.NumAddressableDevices = addr(c.deviceHandles), uintptr(len(c.deviceHandles))
	return nil
}

func clientLookupDevice(args *capi.ClientLookupDeviceArgs) *fakeError {
	c, err := lookupClient(args.Client)
	if err != nil {
		return err
	}
	if args.ID < 0 || int(args.ID) >= len(c.devices) {
		return errorf(capi.CodeInvalidArgument, "no device with id %d, there are %d devices", args.ID, len(c.devices))
	}
	args.Device = c.deviceHandles[args.ID]
	return nil
}

func clientLookupAddressableDevice(args *capi.ClientLookupAddressableDeviceArgs) *fakeError {
	c, err := lookupClient(args.Client)
	if err != nil {
		return err
	}
	if args.LocalHardwareID < 0 || int(args.LocalHardwareID) >= len(c.devices) {
		return errorf(capi.CodeInvalidArgument, "no addressable device with local_hardware_id %d", args.LocalHardwareID)
	}
	args.AddressableDevice = c.deviceHandles[args.LocalHardwareID]
	return nil
}

func clientAddressableMemories(args *capi.ClientAddressableMemoriesArgs) *fakeError {
	c, err := lookupClient(args.Client)
	if err != nil {
		return err
	}
	args.AddressableMemories, args.NumAddressableMemories = addr(c.memoryHandles), uintptr(len(c.memoryHandles))
	return nil
}

func clientDefaultDeviceAssignment(args *capi.ClientDefaultDeviceAssignmentArgs) *fakeError {
	c, err := lookupClient(args.Client)
	if err != nil {
		return err
	}
	total := int(args.NumReplicas) * int(args.NumPartitions)
	if total <= 0 || total > len(c.devices) {
		return errorf(capi.CodeInvalidArgument, "can't assign %d replicas x %d partitions to %d devices",
			args.NumReplicas, args.NumPartitions, len(c.devices))
	}
	if int(args.DefaultAssignmentSize) < total {
		return errorf(capi.CodeInvalidArgument, "default_assignment_size=%d, but %d are required",
			args.DefaultAssignmentSize, total)
	}
	assignment := view[int32](args.DefaultAssignment, args.DefaultAssignmentSize)
	for ii := range total {
		assignment[ii] = int32(ii)
	}
	return nil
}

func clientTopologyDescription(args *capi.ClientTopologyDescriptionArgs) *fakeError {
	c, err := lookupClient(args.Client)
	if err != nil {
		return err
	}
	args.Topology = c.topology
	return nil
}

// Device descriptions.

func deviceDescriptionID(args *capi.DeviceDescriptionIDArgs) *fakeError {
	desc, err := lookupDescription(args.DeviceDescription)
	if err != nil {
		return err
	}
	args.ID = desc.id
	return nil
}

func deviceDescriptionProcessIndex(args *capi.DeviceDescriptionProcessIndexArgs) *fakeError {
	if _, err := lookupDescription(args.DeviceDescription); err != nil {
		return err
	}
	args.ProcessIndex = 0
	return nil
}

func deviceDescriptionAttributes(args *capi.DeviceDescriptionAttributesArgs) *fakeError {
	desc, err := lookupDescription(args.DeviceDescription)
	if err != nil {
		return err
	}
	args.Attributes, args.NumAttributes = addr(desc.attributes.values), uintptr(len(desc.attributes.values))
	return nil
}

func deviceDescriptionKind(args *capi.DeviceDescriptionKindArgs) *fakeError {
	if _, err := lookupDescription(args.DeviceDescription); err != nil {
		return err
	}
	args.DeviceKind, args.DeviceKindSize = cString(DeviceKind)
	return nil
}

func deviceDescriptionDebugString(args *capi.DeviceDescriptionDebugStringArgs) *fakeError {
	desc, err := lookupDescription(args.DeviceDescription)
	if err != nil {
		return err
	}
	args.DebugString, args.DebugStringSize = cString(fmt.Sprintf("%s(id=%d, process_index=0)", DeviceKind, desc.id))
	return nil
}

func deviceDescriptionToString(args *capi.DeviceDescriptionToStringArgs) *fakeError {
	desc, err := lookupDescription(args.DeviceDescription)
	if err != nil {
		return err
	}
	args.ToString, args.ToStringSize = cString(fmt.Sprintf("%s(%d)", DeviceKind, desc.id))
	return nil
}

// Devices.

func deviceGetDescription(args *capi.DeviceGetDescriptionArgs) *fakeError {
	d, err := lookupDevice(args.Device)
	if err != nil {
		return err
	}
	args.DeviceDescription = d.description
	return nil
}

func deviceIsAddressable(args *capi.DeviceIsAddressableArgs) *fakeError {
	if _, err := lookupDevice(args.Device); err != nil {
		return err
	}
	args.IsAddressable = true
	return nil
}

func deviceLocalHardwareID(args *capi.DeviceLocalHardwareIDArgs) *fakeError {
	d, err := lookupDevice(args.Device)
	if err != nil {
		return err
	}
	args.LocalHardwareID = int32(d.id)
	return nil
}

func deviceAddressableMemories(args *capi.DeviceAddressableMemoriesArgs) *fakeError {
	d, err := lookupDevice(args.Device)
	if err != nil {
		return err
	}
	args.Memories, args.NumMemories = addr(d.memoryHandles), uintptr(len(d.memoryHandles))
	return nil
}

func deviceDefaultMemory(args *capi.DeviceDefaultMemoryArgs) *fakeError {
	d, err := lookupDevice(args.Device)
	if err != nil {
		return err
	}
	args.Memory = d.memoryHandles[0]
	return nil
}

// DeviceMemoryLimit is the reported bytes_limit of every device.
const DeviceMemoryLimit = 1 << 30

func deviceMemoryStats(args *capi.DeviceMemoryStatsArgs) *fakeError {
	d, err := lookupDevice(args.Device)
	if err != nil {
		return err
	}
	args.BytesInUse = d.bytesInUse.Load()
	args.PeakBytesInUse, args.PeakBytesInUseIsSet = d.peakBytesInUse.Load(), true
	args.NumAllocs, args.NumAllocsIsSet = d.numAllocs.Load(), true
	args.BytesLimit, args.BytesLimitIsSet = DeviceMemoryLimit, true
	return nil
}

// Memories.

func memoryID(args *capi.MemoryIDArgs) *fakeError {
	m, err := lookupMemory(args.Memory)
	if err != nil {
		return err
	}
	args.ID = m.id
	return nil
}

func memoryKind(args *capi.MemoryKindArgs) *fakeError {
	m, err := lookupMemory(args.Memory)
	if err != nil {
		return err
	}
	args.Kind, args.KindSize = cString(m.kind)
	return nil
}

func memoryKindID(args *capi.MemoryKindIDArgs) *fakeError {
	m, err := lookupMemory(args.Memory)
	if err != nil {
		return err
	}
	args.KindID = m.kindID
	return nil
}

func memoryDebugString(args *capi.MemoryDebugStringArgs) *fakeError {
	m, err := lookupMemory(args.Memory)
	if err != nil {
		return err
	}
	args.DebugString, args.DebugStringSize = cString(
		fmt.Sprintf("FakeMemory(id=%d, kind=%s, device=%d)", m.id, m.kind, m.device.id))
	return nil
}

func memoryToString(args *capi.MemoryToStringArgs) *fakeError {
	m, err := lookupMemory(args.Memory)
	if err != nil {
		return err
	}
	args.ToString, args.ToStringSize = cString(fmt.Sprintf("%s:%d", m.kind, m.id))
	return nil
}

func memoryAddressableByDevices(args *capi.MemoryAddressableByDevicesArgs) *fakeError {
	m, err := lookupMemory(args.Memory)
	if err != nil {
		return err
	}
	args.Devices, args.NumDevices = addr(m.deviceHandles), uintptr(len(m.deviceHandles))
	return nil
}

// Topologies.

type fakeTopology struct {
	descriptions  []uintptr
	ownedByClient bool
}

var topologyAttributeValues = sync.OnceValue(func() *namedValues {
	return newNamedValues(map[string]any{"topology": "1x1x1", "num_slices": int64(1)})
})

func lookupTopology(h uintptr) (*fakeTopology, *fakeError) {
	t, found := lookup[*fakeTopology](h)
	if !found {
		return nil, errBadHandle("PJRT_TopologyDescription", h)
	}
	return t, nil
}

func topologyCreate(args *capi.TopologyDescriptionCreateArgs) *fakeError {
	name := goString(args.TopologyName, args.TopologyNameSize)
	if name != "" && name != PlatformName {
		return errorf(capi.CodeNotFound, "unknown topology %q", name)
	}
	options := readNamedValues(args.CreateOptions, args.NumOptions)
	numDevices := DefaultNumDevices
	if n, ok := options["num_devices"].(int64); ok && n > 0 {
		numDevices = int(n)
	}
	t := &fakeTopology{}
	for id := range numDevices {
		t.descriptions = append(t.descriptions, newDescription(id))
	}
	args.Topology = newHandle(t)
	return nil
}

func topologyDestroy(args *capi.TopologyDescriptionDestroyArgs) *fakeError {
	t, err := lookupTopology(args.Topology)
	if err != nil {
		return err
	}
	if t.ownedByClient {
		return errorf(capi.CodeFailedPrecondition, "topology is owned by its client, it can't be destroyed")
	}
	release(args.Topology)
	return nil
}

func topologyPlatformName(args *capi.TopologyDescriptionPlatformNameArgs) *fakeError {
	if _, err := lookupTopology(args.Topology); err != nil {
		return err
	}
	args.PlatformName, args.PlatformNameSize = cString(PlatformName)
	return nil
}

func topologyPlatformVersion(args *capi.TopologyDescriptionPlatformVersionArgs) *fakeError {
	if _, err := lookupTopology(args.Topology); err != nil {
		return err
	}
	args.PlatformVersion, args.PlatformVersionSize = cString(PlatformVersion)
	return nil
}

func topologyGetDeviceDescriptions(args *capi.TopologyDescriptionGetDeviceDescriptionsArgs) *fakeError {
	t, err := lookupTopology(args.Topology)
	if err != nil {
		return err
	}
	args.Descriptions, args.NumDescriptions = addr(t.descriptions), uintptr(len(t.descriptions))
	return nil
}

func topologyAttributes(args *capi.TopologyDescriptionAttributesArgs) *fakeError {
	if _, err := lookupTopology(args.Topology); err != nil {
		return err
	}
	attrs := topologyAttributeValues()
	args.Attributes, args.NumAttributes = addr(attrs.values), uintptr(len(attrs.values))
	return nil
}
