/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package daemon

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// LockFile is an advisory write lock guarding one clock+interface pair
// against concurrent daemons
type LockFile struct {
	path string
	f    *os.File
}

// LockFilePath builds the conventional lock file path:
// <dir>/<program>_<clockdriver>_<interface>.lock
func LockFilePath(dir, program, clockDriver, iface string) string {
	return filepath.Join(dir, fmt.Sprintf("%s_%s_%s.lock", program, clockDriver, iface))
}

// AcquireLock takes the advisory lock and writes our PID into the file.
// Failure means another daemon holds the same clock and interface.
func AcquireLock(path string) (*LockFile, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening lock file %q: %w", path, err)
	}
	flock := unix.Flock_t{
		Type:   unix.F_WRLCK,
		Whence: 0,
		Start:  0,
		Len:    0,
	}
	if err := unix.FcntlFlock(f.Fd(), unix.F_SETLK, &flock); err != nil {
		f.Close()
		return nil, fmt.Errorf("lock file %q is held by another process: %w", path, err)
	}
	if err := f.Truncate(0); err != nil {
		f.Close()
		return nil, err
	}
	if _, err := fmt.Fprintf(f, "%d\n", os.Getpid()); err != nil {
		f.Close()
		return nil, err
	}
	return &LockFile{path: path, f: f}, nil
}

// Release drops the lock and removes the file
func (l *LockFile) Release() error {
	if l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	_ = os.Remove(l.path)
	return err
}
