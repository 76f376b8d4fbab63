//go:build linux || darwin

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

// This file handles loading dynamic libraries with purego's dlopen, for the OSes it supports.
//
// The per-OS files implement:
//
//	osDefaultLibraryPaths() []string
//	SuppressAbseilLoggingHack(fn func())

import (
	"fmt"
	"os"

	"github.com/ebitengine/purego"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// loadPlugin tries to dlopen the plugin and returns a handle with the pointer to the PJRT api function.
func loadPlugin(pluginPath string) (handleWrapper dllHandleWrapper, err error) {
	info, err := os.Stat(pluginPath)
	if err != nil {
		err = errors.WithStack(&Error{Kind: KindLoad, Code: CodeNotFound, Function: "dlopen",
			Message: fmt.Sprintf("failed to stat %q: %v", pluginPath, err)})
		return
	}
	if info.IsDir() {
		err = newError(KindLoad, CodeInvalidArgument, "dlopen", "plugin path %q is a directory!?", pluginPath)
		return
	}

	klog.V(2).Infof("trying to load library %s\n", pluginPath)
	handle, err := purego.Dlopen(pluginPath, purego.RTLD_LAZY|purego.RTLD_LOCAL)
	if err != nil {
		err = newError(KindLoad, CodeUnknown, "dlopen",
			"failed to dynamically load PJRT plugin from %q: %v -- check with `ldd %s` in case there are missing required libraries",
			pluginPath, err, pluginPath)
		klog.Warningf("%v", err)
		return
	}

	klog.V(1).Infof("loaded library %s\n", pluginPath)
	h := &puregoDLLHandle{
		Handle: handle,
		Name:   pluginPath,
	}
	h.PJRTApiFn, err = purego.Dlsym(handle, GetPJRTApiFunctionName)
	if err != nil || h.PJRTApiFn == 0 {
		err = newError(KindLoad, CodeNotFound, "dlsym",
			"tried to load %q, but failed to find symbol %q, skipping: %v", pluginPath, GetPJRTApiFunctionName, err)
		klog.Warningf("%v", err)
		closeOrLog(h, pluginPath)
		return
	}
	handleWrapper = h
	return
}

// puregoDLLHandle represents an open handle to a library (.so or .dylib).
type puregoDLLHandle struct {
	Handle    uintptr
	PJRTApiFn uintptr
	Name      string
}

// GetPJRTApi calls the plugin's GetPjrtApi and returns the PJRT_Api table pointer.
func (l *puregoDLLHandle) GetPJRTApi() (uintptr, error) {
	api, _, _ := purego.SyscallN(l.PJRTApiFn)
	if api == 0 {
		return 0, newError(KindLoad, CodeNotFound, GetPJRTApiFunctionName,
			"plugin %q returned a nil PJRT_Api table", l.Name)
	}
	return api, nil
}

// Close closes the library handle.
func (l *puregoDLLHandle) Close() error {
	if err := purego.Dlclose(l.Handle); err != nil {
		return errors.Wrapf(err, "error closing %v", l.Name)
	}
	return nil
}
