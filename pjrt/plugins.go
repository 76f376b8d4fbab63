package pjrt

import (
	"fmt"
	"unsafe"

	"github.com/gomlx/purepjrt/pjrt/internal/capi"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Plugin represents a loaded PJRT plugin, that can be used to create clients, compile and execute programs.
//
// Loaded plugins are singletons per path and cached forever: GetPlugin and LoadPlugin return a pointer to the same
// plugin if called with the same name, alias or normalized path. Plugins are never unloaded, so objects derived
// from a plugin can always use its API table.
//
// Plugins are searched in the PJRT_PLUGIN_LIBRARY_PATH directory -- or directories, if it is a ":" separated list.
type Plugin struct {
	name, path string
	api        *capi.Api
	dllHandle  dllHandleWrapper
	attributes NamedValuesMap
}

// pjrtPluginInitialize calls PJRT_Plugin_Initialize, if the plugin provides it.
func pjrtPluginInitialize(plugin *Plugin) error {
	offset := unsafe.Offsetof(plugin.api.PluginInitialize)
	if !plugin.api.Has(offset) {
		klog.V(1).Infof("PJRT plugin %q doesn't provide PJRT_Plugin_Initialize, skipping", plugin.name)
		return nil
	}
	args := capi.New[capi.PluginInitializeArgs]()
	return call(plugin, offset, args)
}

// pjrtPluginAttributes calls PJRT_Plugin_Attributes and returns the plugin's attributes.
func pjrtPluginAttributes(plugin *Plugin) (NamedValuesMap, error) {
	offset := unsafe.Offsetof(plugin.api.PluginAttributes)
	if !plugin.api.Has(offset) {
		return NamedValuesMap{}, nil
	}
	args := capi.New[capi.PluginAttributesArgs]()
	err := call(plugin, offset, args)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to retrieve plugin attributes")
	}
	return pjrtNamedValuesToMap(args.Attributes, args.NumAttributes), nil
}

// minAPIStructSize is the smallest PJRT_Api struct size accepted: it must at least include the version.
var minAPIStructSize = unsafe.Offsetof(capi.Api{}.Version) + unsafe.Sizeof(capi.ApiVersion{})

// newPlugin creates a new plugin from the api pointer: it checks the version, initializes the plugin and
// caches its attributes.
//
// Internal: use GetPlugin, LoadPlugin or RegisterPreloadedPlugin instead.
func newPlugin(name, pluginPath string, apiPtr uintptr, dllHandle dllHandleWrapper) (*Plugin, error) {
	if apiPtr == 0 {
		return nil, newError(KindLoad, CodeNotFound, GetPJRTApiFunctionName,
			"PJRT plugin %q (%s) returned a nil API table", name, pluginPath)
	}
	api := (*capi.Api)(capi.Pointer(apiPtr))
	if api.StructSize < minAPIStructSize {
		return nil, newError(KindABI, CodeFailedPrecondition, GetPJRTApiFunctionName,
			"PJRT plugin %q (%s) API table has struct_size=%d, too small to hold the version (%d bytes)",
			name, pluginPath, api.StructSize, minAPIStructSize)
	}
	if major := int(api.Version.MajorVersion); major != capi.APIMajor {
		return nil, newError(KindABI, CodeFailedPrecondition, GetPJRTApiFunctionName,
			"PJRT plugin %q (%s) implements PJRT C API v%d.%d, but only major version %d is supported",
			name, pluginPath, major, api.Version.MinorVersion, capi.APIMajor)
	}
	if minor := int(api.Version.MinorVersion); minor != capi.APIMinor {
		klog.V(1).Infof("PJRT plugin %q implements PJRT C API v%d.%d, this package was built for v%d.%d: "+
			"functions beyond the plugin's table are reported as unavailable",
			name, capi.APIMajor, minor, capi.APIMajor, capi.APIMinor)
	}
	plugin := &Plugin{
		name:      name,
		path:      pluginPath,
		api:       api,
		dllHandle: dllHandle,
	}
	err := pjrtPluginInitialize(plugin)
	if err != nil {
		return nil, errors.WithMessagef(err, "initializing PJRT plugin %q", name)
	}
	plugin.attributes, err = pjrtPluginAttributes(plugin)
	if err != nil {
		return nil, errors.WithMessagef(err, "initializing PJRT plugin %q", name)
	}
	return plugin, nil
}

// RegisterPreloadedPlugin can be used to register a PJRT plugin that has been pre-linked (dynamically or statically)
// with the binary, or built in-process -- as opposed to the usual LoadPlugin using `dlopen` after the program has
// started.
//
// It takes as input the name to be associated with the plugin and an unsafe pointer (uintptr) to the API table
// returned by the plugin's GetPjrtApi().
//
// See sub-package `cpu/dynamic` for an example of usage.
func RegisterPreloadedPlugin(name string, api uintptr) error {
	plugin, err := newPlugin(name, preloadedPluginPath, api, nil)
	if err != nil {
		return err
	}
	muPlugins.Lock()
	defer muPlugins.Unlock()
	if pluginCachePoisoned {
		return wrapSentinel(ErrPluginCachePoisoned, KindCoordination, CodeInternal, "RegisterPreloadedPlugin", "registering %q", name)
	}
	loadedPlugins[name] = plugin
	return nil
}

// preloadedPluginPath is the path reported by plugins registered with RegisterPreloadedPlugin.
const preloadedPluginPath = "_preloaded_"

// GetPlugin returns the plugin with the given name -- typically it reflects the platform, e.g: "cpu" or "cuda".
// But one can also give the full path to the `.so` file with the plugin.
//
// Loaded plugins are singletons and cached (GetPlugin will return a pointer to the same plugin if
// called with the same name or its aliases).
//
// Plugins are searched in the PJRT_PLUGIN_LIBRARY_PATH directory -- or directories, if it is a ":" separated list.
// If it is not set it will search in "~/.local/lib/gomlx/pjrt", "/usr/local/lib/gomlx/pjrt" and the standard
// libraries directories of the system (in linux in LD_LIBRARY_PATH and /etc/ld.so.conf file).
func GetPlugin(name string) (*Plugin, error) {
	return loadNamedPlugin(name)
}

// Name returns the name of the plugin; usually it reflects its platform (cpu, gpu, tpu, etc.).
func (p *Plugin) Name() string {
	return p.name
}

// Path returns the path from where the plugin was loaded.
func (p *Plugin) Path() string {
	return p.path
}

// Version returns the PJRT C API version reported by the loaded plugin.
func (p *Plugin) Version() (major, minor int) {
	if p == nil || p.api == nil {
		return -1, -1
	}
	return int(p.api.Version.MajorVersion), int(p.api.Version.MinorVersion)
}

// Attributes returns a NamedValueMap with the attributes returned by the plugin at the time of its initialization.
func (p *Plugin) Attributes() NamedValuesMap {
	return p.attributes
}

// HasFunction returns whether the plugin provides the PJRT function with the given name.
// The name can be given with or without the "PJRT_" prefix and without underscores, e.g.: "EventCreate" or
// "PJRT_EventCreate".
//
// Functions beyond the API table size advertised by the plugin (built for an older minor version) or set to
// null are reported as not available.
func (p *Plugin) HasFunction(name string) bool {
	if len(name) > 5 && name[:5] == "PJRT_" {
		name = name[5:]
	}
	offset, found := apiFunctionOffsets[name]
	return found && p.api.Has(offset)
}

// String implements fmt.Stringer. It returns the platform and version of the plugin.
func (p *Plugin) String() string {
	major, minor := p.Version()
	if p.path == p.name {
		return fmt.Sprintf("PJRT plugin (%s) v%d.%d", p.Path(), major, minor)
	}
	return fmt.Sprintf("PJRT %q plugin (%s) v%d.%d", p.Name(), p.Path(), major, minor)
}

// NewClient creates a new Client object to manage available devices.
// The options (it can be left nil) are plugin specific, and should (but often aren't) documented by the plugins.
func (p *Plugin) NewClient(options NamedValuesMap) (*Client, error) {
	return newClient(p, options, nil)
}
