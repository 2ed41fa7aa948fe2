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

//go:build arm64
// +build arm64

package ptrace

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// getRegs gets the general purpose register set. arm64 has no
// PTRACE_GETREGS.
func getRegs(pid int, r *regs) error {
	iovec := unix.Iovec{
		Base: (*byte)(unsafe.Pointer(r)),
		Len:  uint64(unsafe.Sizeof(*r)),
	}
	_, _, errno := unix.RawSyscall6(
		unix.SYS_PTRACE,
		unix.PTRACE_GETREGSET,
		uintptr(pid),
		unix.NT_PRSTATUS,
		uintptr(unsafe.Pointer(&iovec)),
		0, 0)
	if errno != 0 {
		return errno
	}
	return nil
}

// setRegs sets the general purpose register set.
func setRegs(pid int, r *regs) error {
	iovec := unix.Iovec{
		Base: (*byte)(unsafe.Pointer(r)),
		Len:  uint64(unsafe.Sizeof(*r)),
	}
	_, _, errno := unix.RawSyscall6(
		unix.SYS_PTRACE,
		unix.PTRACE_SETREGSET,
		uintptr(pid),
		unix.NT_PRSTATUS,
		uintptr(unsafe.Pointer(&iovec)),
		0, 0)
	if errno != 0 {
		return errno
	}
	return nil
}
