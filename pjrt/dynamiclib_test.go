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
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gomlx/purepjrt/pjrt/internal/capi"
	"github.com/gomlx/purepjrt/pjrt/internal/fakeplugin"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeLibrary replaces the dynamic libraries opened by the loader in the tests below.
type fakeLibrary struct {
	api    uintptr
	apiErr error
	closed atomic.Int32
}

func (l *fakeLibrary) GetPJRTApi() (uintptr, error) {
	return l.api, l.apiErr
}

func (l *fakeLibrary) Close() error {
	l.closed.Add(1)
	return nil
}

// withFakeLibraries replaces openPluginLibrary for the duration of the test. It returns the count of opened
// libraries.
func withFakeLibraries(t *testing.T, open func(path string) (dllHandleWrapper, error)) *atomic.Int32 {
	var opens atomic.Int32
	previous := openPluginLibrary
	openPluginLibrary = func(path string) (dllHandleWrapper, error) {
		opens.Add(1)
		return open(path)
	}
	t.Cleanup(func() { openPluginLibrary = previous })
	return &opens
}

func TestLoadPluginCache(t *testing.T) {
	lib := &fakeLibrary{api: fakeplugin.NewAPI(fakeplugin.Options{})}
	opens := withFakeLibraries(t, func(string) (dllHandleWrapper, error) {
		time.Sleep(10 * time.Millisecond) // Give time to the concurrent loads to overlap.
		return lib, nil
	})

	dir := t.TempDir()
	pluginPath := filepath.Join(dir, "pjrt_c_api_cachetest_plugin.so")
	const numLoaders = 8
	plugins := make([]*Plugin, numLoaders)
	var wg sync.WaitGroup
	for ii := range numLoaders {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var err error
			plugins[ii], err = LoadPlugin(pluginPath)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), opens.Load(), "library should be opened only once")
	for _, plugin := range plugins[1:] {
		require.Same(t, plugins[0], plugin)
	}
	plugin := plugins[0]
	fmt.Printf("Loaded %s\n", plugin)
	require.Equal(t, "cachetest", plugin.Name())
	require.Equal(t, pluginPath, plugin.Path())

	// Same path written differently.
	plugin2, err := LoadPlugin(filepath.Join(dir, "sub", "..", ".", "pjrt_c_api_cachetest_plugin.so"))
	require.NoError(t, err)
	require.Same(t, plugin, plugin2)

	// By name and by absolute path.
	plugin3, err := GetPlugin("cachetest")
	require.NoError(t, err)
	require.Same(t, plugin, plugin3)
	plugin4, err := GetPlugin(pluginPath)
	require.NoError(t, err)
	require.Same(t, plugin, plugin4)
	require.Equal(t, int32(1), opens.Load())
	require.Zero(t, lib.closed.Load())
}

func TestLoadPluginFailures(t *testing.T) {
	dir := t.TempDir()

	t.Run("OpenFails", func(t *testing.T) {
		opens := withFakeLibraries(t, func(path string) (dllHandleWrapper, error) {
			return nil, errors.Errorf("cannot open %q", path)
		})
		pluginPath := filepath.Join(dir, "pjrt_c_api_missing_plugin.so")
		_, err := LoadPlugin(pluginPath)
		require.ErrorContains(t, err, "cannot open")
		fmt.Printf("Expected error: %v\n", err)

		// Failures are not cached.
		_, err = LoadPlugin(pluginPath)
		require.Error(t, err)
		require.Equal(t, int32(2), opens.Load())
	})

	testCases := []struct {
		name string
		lib  *fakeLibrary
		kind ErrorKind
	}{
		{"NilAPI", &fakeLibrary{}, KindLoad},
		{"MajorVersion", &fakeLibrary{api: fakeplugin.NewAPI(fakeplugin.Options{
			Version: &capi.ApiVersion{MajorVersion: capi.APIMajor + 1, MinorVersion: 0}})}, KindABI},
		{"StructTooSmall", &fakeLibrary{api: fakeplugin.NewAPI(fakeplugin.Options{StructSize: 8})}, KindABI},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			withFakeLibraries(t, func(string) (dllHandleWrapper, error) { return tc.lib, nil })
			_, err := LoadPlugin(filepath.Join(dir, "pjrt_c_api_"+tc.name+"_plugin.so"))
			require.Error(t, err)
			fmt.Printf("Expected error: %v\n", err)
			require.Equal(t, tc.kind, KindOf(err))
			require.Equal(t, int32(1), tc.lib.closed.Load(), "library should be closed after a failed load")
		})
	}

	t.Run("OlderMinorVersion", func(t *testing.T) {
		lib := &fakeLibrary{api: fakeplugin.NewAPI(fakeplugin.Options{
			Version: &capi.ApiVersion{MajorVersion: capi.APIMajor, MinorVersion: capi.APIMinor - 20}})}
		withFakeLibraries(t, func(string) (dllHandleWrapper, error) { return lib, nil })
		plugin, err := LoadPlugin(filepath.Join(dir, "pjrt_c_api_older_plugin.so"))
		require.NoError(t, err)
		major, minor := plugin.Version()
		require.Equal(t, capi.APIMajor, major)
		require.Equal(t, capi.APIMinor-20, minor)
	})
}

func TestPluginCachePoisoned(t *testing.T) {
	t.Cleanup(func() {
		muPlugins.Lock()
		pluginCachePoisoned = false
		muPlugins.Unlock()
	})
	withFakeLibraries(t, func(string) (dllHandleWrapper, error) {
		panic("library constructor crashed")
	})
	dir := t.TempDir()
	_, err := LoadPlugin(filepath.Join(dir, "pjrt_c_api_panics_plugin.so"))
	require.ErrorIs(t, err, ErrPluginCachePoisoned)
	require.Equal(t, KindCoordination, KindOf(err))
	fmt.Printf("Expected error: %v\n", err)

	// Every later load fails, including the ones already cached.
	_, err = LoadPlugin(filepath.Join(dir, "pjrt_c_api_other_plugin.so"))
	require.ErrorIs(t, err, ErrPluginCachePoisoned)
	_, err = GetPlugin(fakePluginName)
	require.ErrorIs(t, err, ErrPluginCachePoisoned)
	err = RegisterPreloadedPlugin("fake_poisoned", fakeplugin.NewAPI(fakeplugin.Options{}))
	require.ErrorIs(t, err, ErrPluginCachePoisoned)
}

func TestGetPluginSearch(t *testing.T) {
	dir := t.TempDir()
	pluginPath := filepath.Join(dir, "pjrt_c_api_searchtest_plugin.so")
	require.NoError(t, os.WriteFile(pluginPath, nil, 0o644))
	previousPaths := pluginSearchPaths
	pluginSearchPaths = []string{dir}
	t.Cleanup(func() { pluginSearchPaths = previousPaths })
	lib := &fakeLibrary{api: fakeplugin.NewAPI(fakeplugin.Options{})}
	withFakeLibraries(t, func(string) (dllHandleWrapper, error) { return lib, nil })

	plugins := AvailablePlugins()
	fmt.Printf("Available plugins: %v\n", plugins)
	require.Equal(t, pluginPath, plugins["searchtest"])
	require.Equal(t, preloadedPluginPath, plugins[fakePluginName])
	require.Equal(t, int32(1), lib.closed.Load(), "checking a plugin should close its library")

	plugin, err := GetPlugin("searchtest")
	require.NoError(t, err)
	require.Equal(t, "searchtest", plugin.Name())
	require.Equal(t, pluginPath, plugin.Path())

	_, err = GetPlugin("milliways")
	fmt.Printf("Loading milliways plugin, expected error: %v\n", err)
	require.Equal(t, KindLoad, KindOf(err))
	require.True(t, IsCode(err, CodeNotFound))
}

func TestRegisterPreloadedPlugin(t *testing.T) {
	plugin, err := GetPlugin(fakePluginName)
	require.NoError(t, err)
	fmt.Printf("Preloaded %s\n", plugin)
	require.Equal(t, preloadedPluginPath, plugin.Path())
	major, minor := plugin.Version()
	require.Equal(t, capi.APIMajor, major)
	require.Equal(t, capi.APIMinor, minor)
	require.Equal(t, "fake", plugin.Attributes()["platform"])
	require.True(t, plugin.HasFunction("PJRT_EventCreate"))

	old, err := GetPlugin(fakeOldPluginName)
	require.NoError(t, err)
	require.True(t, old.HasFunction("BufferToHostBuffer"))
	require.False(t, old.HasFunction("EventCreate"))
	require.False(t, old.HasFunction("ExecuteContextCreate"))

	// Registration fails on invalid tables.
	err = RegisterPreloadedPlugin("fake_bad", fakeplugin.NewAPI(fakeplugin.Options{
		Version: &capi.ApiVersion{MajorVersion: capi.APIMajor + 1}}))
	require.Equal(t, KindABI, KindOf(err))
	_, err = GetPlugin("fake_bad")
	require.Error(t, err)
}

// TestSuppressAbseilLoggingHack never fails, since errors are simply logged.
// But we leave it here even if to be manually checked.
func TestSuppressAbseilLoggingHack(t *testing.T) {
	SuppressAbseilLoggingHack(func() { fmt.Println("SuppressAbseilLoggingHack call 1") })
	SuppressAbseilLoggingHack(func() { fmt.Println("SuppressAbseilLoggingHack call 2") })
}
