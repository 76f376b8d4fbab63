//go:build darwin

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
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// osDefaultLibraryPaths is called during initialization to set the default search paths.
// It always includes the local user default "${HOME}/Library/Application Support/GoMLX/PJRT" and
// the system default "/usr/local/lib/gomlx/pjrt", plus the contents of the DYLD_LIBRARY_PATH and LD_LIBRARY_PATH.
func osDefaultLibraryPaths() []string {
	var paths []string
	if homeDir, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(homeDir, "Library", "Application Support", "GoMLX", "PJRT"))
	} else {
		klog.Errorf("Couldn't get user's home directory -- it won't be searched for PJRT plugins: %v", err)
	}
	paths = append(paths, "/usr/local/lib/gomlx/pjrt")
	for _, varName := range []string{"DYLD_LIBRARY_PATH", "LD_LIBRARY_PATH"} {
		for _, ldPath := range strings.Split(os.Getenv(varName), string(os.PathListSeparator)) {
			if ldPath == "" || !filepath.IsAbs(ldPath) {
				continue
			}
			paths = append(paths, ldPath)
		}
	}
	return paths
}

// suppressLogging duplicates fd 2 (stderr) into a new fd used by os.Stderr, and closes fd 2.
func suppressLogging() (newFd int, err error) {
	newFd, err = syscall.Dup(2)
	if err != nil {
		err = errors.Wrap(err, "failed to duplicate (syscall.Dup) file descriptor 2 (stderr) in order to silence abseil logging")
		return
	}
	if err = syscall.Close(2); err != nil {
		klog.Errorf("failed to syscall.Close(2): %v", err)
		err = nil
	}
	os.Stderr = os.NewFile(uintptr(newFd), "stderr")
	return
}

// SuppressAbseilLoggingHack prevents some irrelevant logging from PJRT plugins, by closing the file descriptor 2
// (stderr) while fn runs, and restoring it afterwards. Go's os.Stderr is kept working on a duplicated fd.
//
// Since file descriptors are a global resource, this function is not reentrant.
func SuppressAbseilLoggingHack(fn func()) {
	newFd, err := suppressLogging()
	if err != nil {
		klog.Errorf("Failed to temporarily suppress absl::logging: %+v", err)
	} else {
		defer func() {
			if err := syscall.Dup2(newFd, 2); err != nil {
				klog.Errorf("Failed sycall.Dup2 while reverting suppression of logging: %v", err)
			}
		}()
	}
	fn()
}
