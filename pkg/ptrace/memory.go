// Copyright 2026 The pagein Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package ptrace

import (
	"fmt"

	"github.com/pagein/pagein/pkg/hostarch"
	"golang.org/x/sys/unix"
)

// Write copies data into the process at addr. The destination must be
// mapped writable.
func (p *Process) Write(addr hostarch.Addr, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if p.exited {
		return ErrExited
	}
	local := []unix.Iovec{{Base: &data[0]}}
	local[0].SetLen(len(data))
	remote := []unix.RemoteIovec{{Base: uintptr(addr), Len: len(data)}}
	n, err := unix.ProcessVMWritev(p.pid, local, remote, 0)
	if err == nil && n == len(data) {
		return nil
	}

	// process_vm_writev may be unavailable or restricted; fall back to
	// word-sized writes.
	if _, err := unix.PtracePokeData(p.pid, uintptr(addr), data); err != nil {
		return fmt.Errorf("writing %#x bytes at %v: %w", len(data), addr, err)
	}
	return nil
}

// Read copies len(data) bytes at addr from the process.
func (p *Process) Read(addr hostarch.Addr, data []byte) error {
	if p.exited {
		return ErrExited
	}
	if _, err := unix.PtracePeekData(p.pid, uintptr(addr), data); err != nil {
		return fmt.Errorf("reading %#x bytes at %v: %w", len(data), addr, err)
	}
	return nil
}
