package pjrt

import (
	"runtime"
	"unsafe"

	"github.com/gomlx/purepjrt/pjrt/internal/capi"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// TopologyDescription describes the devices of a platform, possibly without any of them being available.
// It can be used to compile programs ahead of time with Plugin.CompileForTopology.
//
// It is obtained either from Client.TopologyDescription, in which case it is owned by the client, or created with
// Plugin.CreateTopology, in which case it must be destroyed (it is also destroyed when garbage collected).
type TopologyDescription struct {
	plugin    *Plugin
	client    *Client // Set if owned by a client.
	cTopology uintptr
}

// CreateTopology creates a topology description with the given name and plugin specific options.
func (p *Plugin) CreateTopology(name string, options NamedValuesMap) (*TopologyDescription, error) {
	cOptions, err := options.toC()
	if err != nil {
		return nil, errors.WithMessagef(err, "invalid options when creating topology %q", name)
	}
	nameBytes := []byte(name)
	args := capi.New[capi.TopologyDescriptionCreateArgs]()
	args.TopologyName = sliceAddr(nameBytes)
	args.TopologyNameSize = uintptr(len(nameBytes))
	args.CreateOptions = cOptions.Addr()
	args.NumOptions = cOptions.Len()
	err = call(p, unsafe.Offsetof(p.api.TopologyDescriptionCreate), args)
	runtime.KeepAlive(nameBytes)
	runtime.KeepAlive(cOptions)
	if err != nil {
		return nil, err
	}
	t := &TopologyDescription{plugin: p, cTopology: args.Topology}
	runtime.SetFinalizer(t, func(t *TopologyDescription) {
		if err := t.Destroy(); err != nil {
			klog.Errorf("TopologyDescription.Destroy failed: %v", err)
		}
	})
	return t, nil
}

func (t *TopologyDescription) checkValid(function string) error {
	if t == nil || t.plugin == nil || t.cTopology == 0 {
		return errDestroyed(function, "TopologyDescription")
	}
	if t.client != nil {
		return t.client.checkValid(function)
	}
	return nil
}

// Destroy the topology description. It is a no-op for topologies owned by a client, and it is idempotent.
func (t *TopologyDescription) Destroy() error {
	if t == nil || t.plugin == nil || t.cTopology == 0 || t.client != nil {
		return nil
	}
	args := capi.New[capi.TopologyDescriptionDestroyArgs]()
	args.Topology = t.cTopology
	err := call(t.plugin, unsafe.Offsetof(t.plugin.api.TopologyDescriptionDestroy), args)
	t.cTopology = 0
	return err
}

// PlatformName returns the name of the platform of the topology, e.g.: "cpu", "cuda".
func (t *TopologyDescription) PlatformName() (string, error) {
	if err := t.checkValid("PJRT_TopologyDescription_PlatformName"); err != nil {
		return "", err
	}
	defer runtime.KeepAlive(t)
	args := capi.New[capi.TopologyDescriptionPlatformNameArgs]()
	args.Topology = t.cTopology
	err := call(t.plugin, unsafe.Offsetof(t.plugin.api.TopologyDescriptionPlatformName), args)
	if err != nil {
		return "", err
	}
	return cString(args.PlatformName, args.PlatformNameSize), nil
}

// PlatformVersion returns the version of the platform of the topology.
func (t *TopologyDescription) PlatformVersion() (string, error) {
	if err := t.checkValid("PJRT_TopologyDescription_PlatformVersion"); err != nil {
		return "", err
	}
	defer runtime.KeepAlive(t)
	args := capi.New[capi.TopologyDescriptionPlatformVersionArgs]()
	args.Topology = t.cTopology
	err := call(t.plugin, unsafe.Offsetof(t.plugin.api.TopologyDescriptionPlatformVersion), args)
	if err != nil {
		return "", err
	}
	return cString(args.PlatformVersion, args.PlatformVersionSize), nil
}

// DeviceDescriptions returns the descriptions of all the devices in the topology.
// They are owned by the topology, and are only valid while it is alive.
func (t *TopologyDescription) DeviceDescriptions() ([]*DeviceDescription, error) {
	if err := t.checkValid("PJRT_TopologyDescription_GetDeviceDescriptions"); err != nil {
		return nil, err
	}
	defer runtime.KeepAlive(t)
	args := capi.New[capi.TopologyDescriptionGetDeviceDescriptionsArgs]()
	args.Topology = t.cTopology
	err := call(t.plugin, unsafe.Offsetof(t.plugin.api.TopologyDescriptionGetDeviceDescriptions), args)
	if err != nil {
		return nil, err
	}
	cDescs := cSlice[uintptr](args.Descriptions, args.NumDescriptions)
	descs := make([]*DeviceDescription, len(cDescs))
	for ii, cDesc := range cDescs {
		descs[ii] = newDeviceDescription(t.plugin, cDesc)
	}
	return descs, nil
}

// Attributes returns the platform specific attributes of the topology.
func (t *TopologyDescription) Attributes() (NamedValuesMap, error) {
	if err := t.checkValid("PJRT_TopologyDescription_Attributes"); err != nil {
		return nil, err
	}
	defer runtime.KeepAlive(t)
	args := capi.New[capi.TopologyDescriptionAttributesArgs]()
	args.Topology = t.cTopology
	err := call(t.plugin, unsafe.Offsetof(t.plugin.api.TopologyDescriptionAttributes), args)
	if err != nil {
		return nil, err
	}
	return pjrtNamedValuesToMap(args.Attributes, args.NumAttributes), nil
}
