/*
 *	Copyright 2024 Jan Pfeifer
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

package pjrt

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"
	"k8s.io/klog/v2"
)

// This file holds the OS independent part of loading plugins: the cache, the search paths and the
// deduplication of concurrent loads.

const (
	// PJRTPluginPathsEnv is the name of the environment variable that define the search paths for plugins.
	PJRTPluginPathsEnv = "PJRT_PLUGIN_LIBRARY_PATH"

	// GetPJRTApiFunctionName is the name of the function exported by PJRT plugins that returns the API.
	GetPJRTApiFunctionName = "GetPjrtApi"
)

var (
	// pluginSearchPaths is set during initialization by the per-OS implementations (dynamiclib_<os>.go files).
	//
	// Plugins are searched in the PJRT_PLUGIN_LIBRARY_PATH directory -- or directories, if it is a ":" separated list.
	// If it is not set it will search in "/usr/local/lib/gomlx/pjrt" and the standard libraries directories of the
	// system (in linux in LD_LIBRARY_PATH and /etc/ld.so.conf file).
	pluginSearchPaths []string

	// loadedPlugins caches the plugins already loaded by name, and pluginsByPath by their normalized path.
	// Both protected by muPlugins, which is never held while opening a library or calling the plugin.
	loadedPlugins = make(map[string]*Plugin)
	pluginsByPath = make(map[string]*Plugin)
	muPlugins     sync.Mutex

	// pluginCachePoisoned is set if a plugin load panics. Protected by muPlugins.
	pluginCachePoisoned bool

	// pluginLoads deduplicates concurrent loads of the same normalized path.
	pluginLoads singleflight.Group

	// openPluginLibrary opens the plugin library: it can be replaced in tests.
	openPluginLibrary = loadPlugin
)

// dllHandleWrapper encapsulates a handler to the plugin and should provide a minimal interface to get
// the PJRT api table and to close the dll.
//
// It is created with loadPlugin (OS specific), and one must be able to close it.
type dllHandleWrapper interface {
	// GetPJRTApi calls the plugin's GetPjrtApi and returns the pointer to its PJRT_Api table.
	GetPJRTApi() (uintptr, error)

	// Close handler, after which the PJRT plugin in no longer valid.
	Close() error
}

func init() {
	pjrtPaths, found := os.LookupEnv(PJRTPluginPathsEnv)
	if !found {
		pluginSearchPaths = osDefaultLibraryPaths()
	} else {
		pluginSearchPaths = slices.DeleteFunc(strings.Split(pjrtPaths, string(os.PathListSeparator)), func(p string) bool {
			return p == "" // Remove empty paths.
		})
	}
}

// normalizePluginPath returns the absolute and cleaned version of pluginPath, used as the cache key.
func normalizePluginPath(pluginPath string) (string, error) {
	absPath, err := filepath.Abs(pluginPath)
	if err != nil {
		return "", errors.WithStack(&Error{Kind: KindLoad, Code: CodeInvalidArgument, Function: "LoadPlugin",
			Message: fmt.Sprintf("failed to normalize plugin path %q: %v", pluginPath, err)})
	}
	return filepath.Clean(absPath), nil
}

// errPoisoned is returned by every load once the cache is poisoned.
func errPoisoned(pluginPath string) error {
	return wrapSentinel(ErrPluginCachePoisoned, KindCoordination, CodeInternal, "LoadPlugin", "loading %q", pluginPath)
}

// lookupPlugin returns the cached plugin for the normalized path. Only for the lookup the lock is held.
func lookupPlugin(key string) (plugin *Plugin, err error, found bool) {
	muPlugins.Lock()
	defer muPlugins.Unlock()
	if pluginCachePoisoned {
		return nil, errPoisoned(key), true
	}
	plugin, found = pluginsByPath[key]
	return
}

// LoadPlugin loads the PJRT plugin from the given path, and returns it.
//
// The path is normalized (made absolute and cleaned), and loaded plugins are cached by it: loading the same path
// again returns the same *Plugin. Concurrent loads of the same path open the library only once, and all callers
// get the same *Plugin.
//
// If loading a plugin panics, the cache is poisoned: that load and all later loads return an error wrapping
// ErrPluginCachePoisoned.
func LoadPlugin(pluginPath string) (*Plugin, error) {
	return loadPluginWithName("", pluginPath)
}

// loadPluginWithName implements LoadPlugin. If name is empty, the name is derived from the path.
func loadPluginWithName(name, pluginPath string) (*Plugin, error) {
	key, err := normalizePluginPath(pluginPath)
	if err != nil {
		return nil, err
	}
	if plugin, err, found := lookupPlugin(key); found {
		return plugin, err
	}
	if name == "" {
		name = pathToPluginName(key)
		if name == "" {
			name = key
		}
	}
	value, err, _ := pluginLoads.Do(key, func() (any, error) {
		return loadPluginOnce(name, key)
	})
	if err != nil {
		return nil, err
	}
	return value.(*Plugin), nil
}

// loadPluginOnce opens the library in the normalized path key, creates the plugin and caches it.
// Panics are recovered, and poison the cache.
func loadPluginOnce(name, key string) (plugin *Plugin, err error) {
	defer func() {
		if r := recover(); r != nil {
			muPlugins.Lock()
			pluginCachePoisoned = true
			muPlugins.Unlock()
			klog.Errorf("Panic while loading PJRT plugin %q from %q, no more plugins can be loaded: %v", name, key, r)
			plugin = nil
			err = wrapSentinel(ErrPluginCachePoisoned, KindCoordination, CodeInternal, "LoadPlugin",
				"panic while loading %q: %v", key, r)
		}
	}()

	// A load of the same key may have completed between the lookup and the start of this flight.
	if cached, err, found := lookupPlugin(key); found {
		return cached, err
	}

	klog.V(1).Infof("attempting to load plugin %q from %s", name, key)
	handle, err := openPluginLibrary(key)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to load PJRT plugin for name %q", name)
	}
	api, err := handle.GetPJRTApi()
	if err != nil {
		closeOrLog(handle, key)
		return nil, errors.WithMessagef(err, "failed to get PJRT plugin API for name %q", name)
	}
	plugin, err = newPlugin(name, key, api, handle)
	if err != nil {
		closeOrLog(handle, key)
		return nil, errors.WithMessagef(err, "failed to initialize PJRT plugin for name %q after loading it", name)
	}

	muPlugins.Lock()
	if pluginCachePoisoned {
		muPlugins.Unlock()
		return nil, errPoisoned(key)
	}
	pluginsByPath[key] = plugin
	if _, found := loadedPlugins[name]; !found {
		loadedPlugins[name] = plugin
	}
	muPlugins.Unlock()
	cudaPluginCheckDrivers(plugin)
	return plugin, nil
}

// closeOrLog closes the library handle, logging any errors.
func closeOrLog(handle dllHandleWrapper, pluginPath string) {
	if err := handle.Close(); err != nil {
		klog.Warningf("Failed to close dynamic library %q: %v", pluginPath, err)
	}
}

// loadNamedPlugin finds the plugin by name (or alias, or path) and loads it if not yet loaded.
// It returns an error if it doesn't find it.
func loadNamedPlugin(name string) (*Plugin, error) {
	// Search previously loaded plugin by name.
	muPlugins.Lock()
	plugin, found := loadedPlugins[name]
	poisoned := pluginCachePoisoned
	muPlugins.Unlock()
	if poisoned {
		return nil, errPoisoned(name)
	}
	if found {
		return plugin, nil
	}

	// Absolute path: load it directly.
	if filepath.IsAbs(name) {
		return LoadPlugin(name)
	}

	// Search path to plugin.
	pluginPath, found := searchPlugin(name)
	if !found {
		return nil, errors.WithStack(&Error{Kind: KindLoad, Code: CodeNotFound, Function: "GetPlugin",
			Message: fmt.Sprintf("plugin name %q not found in paths %v: set PJRT_PLUGIN_LIBRARY_PATH to an specific path(s) to search; "+
				"plugins should be named pjrt_c_api_<name>_plugin.so (or .dylib for Darwin)",
				name, pluginSearchPaths)})
	}
	plugin, err := loadPluginWithName(name, pluginPath)
	if err != nil {
		return nil, err
	}
	muPlugins.Lock()
	if _, found := loadedPlugins[name]; !found {
		loadedPlugins[name] = plugin
	}
	muPlugins.Unlock()
	return plugin, nil
}

var (
	// Patterns to extract the name from the plugins.
	rePluginName = []*regexp.Regexp{
		regexp.MustCompile(`^.*/pjrt_c_api_(\w+)_plugin.(so|dylib)$`),
		regexp.MustCompile(`^.*/pjrt[-_]plugin[-_](\w+).(so|dylib)$`),
	}
)

// pathToPluginName returns the name of the plugin if it's a matching plugin path, otherwise returns "".
func pathToPluginName(pPath string) string {
	for _, re := range rePluginName {
		if subMatches := re.FindStringSubmatch(pPath); len(subMatches) > 1 {
			return subMatches[1]
		}
	}
	return ""
}

// AvailablePlugins searches for available plugins in the standard directories and returns a map from their name to their paths.
// Plugins already loaded or registered (see RegisterPreloadedPlugin) are also included.
//
// Plugins are searched in the PJRT_PLUGIN_LIBRARY_PATH directory -- or directories, if it is a ":" separated list.
// If it is not set it will search in "/usr/local/lib/gomlx/pjrt" and the standard libraries directories of the
// system (in linux in LD_LIBRARY_PATH and /etc/ld.so.conf file, in Darwin it also searches in DYLD_LIBRARY_PATH) in
// that order.
//
// If there are plugins with the same name but different versions in different directories, it respects the order of the
// directories given by PJRT_PLUGIN_LIBRARY_PATH or by the system.
func AvailablePlugins() (pluginsPaths map[string]string) {
	return searchPlugins("")
}

func searchPlugin(searchName string) (path string, found bool) {
	path, found = searchPlugins(searchName)[searchName]
	return
}

func searchPlugins(searchName string) (pluginsPaths map[string]string) {
	pluginsPaths = make(map[string]string)

	// Include plugins already (pre-)loaded.
	muPlugins.Lock()
	for name, plugin := range loadedPlugins {
		if searchName != "" && searchName != name {
			continue
		}
		pluginsPaths[name] = plugin.Path()
	}
	muPlugins.Unlock()

	// Search for plugins in other paths.
	for _, pluginPath := range pluginSearchPaths {
		for _, pattern := range []string{
			"pjrt-plugin-*.so", "pjrt_plugin_*.so", "pjrt_c_api_*_plugin.so",
			"pjrt-plugin-*.dylib", "pjrt_plugin_*.dylib", "pjrt_c_api_*_plugin.dylib"} {
			candidates, err := filepath.Glob(filepath.Join(pluginPath, pattern))
			if err != nil {
				continue
			}
			for _, candidate := range candidates {
				name := pathToPluginName(candidate)
				if name == "" {
					continue
				}
				if searchName != "" && searchName != name {
					continue
				}
				if _, found := pluginsPaths[name]; found {
					// We already have a plugin with that name.
					continue
				}
				err := checkPlugin(name, candidate)
				if err != nil {
					continue
				}
				pluginsPaths[name] = candidate
			}
		}
	}
	return
}

// checkPlugin tries to dlopen the plugin and verify that the GetPjrtApi function is exported and returns
// a non-nil table.
//
// The handle returned by dlopen is properly closed.
func checkPlugin(name, pluginPath string) (err error) {
	if klog.V(1).Enabled() {
		defer func() {
			klog.Infof("Check %q: %v\n", pluginPath, err)
		}()
	}

	if isCuda(name) && !hasNvidiaGPU() {
		return newError(KindLoad, CodeNotFound, "LoadPlugin", "plugin %q (%q): no GPU card found, skipping", name, pluginPath)
	}

	handle, err := openPluginLibrary(pluginPath)
	if err != nil {
		return errors.WithMessagef(err, "failed to load PJRT plugin for %q", pluginPath)
	}
	defer closeOrLog(handle, pluginPath)

	api, err := handle.GetPJRTApi()
	if err != nil {
		return errors.WithMessagef(err, "failed to get PJRT plugin API for %q", pluginPath)
	}
	if api == 0 {
		return newError(KindLoad, CodeInternal, "LoadPlugin", "loaded PJRT plugin for %q, but it returned a nil plugin!?", pluginPath)
	}
	return nil
}
