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

//go:build amd64
// +build amd64

package ptrace

import (
	"github.com/pagein/pagein/pkg/hostarch"
	"golang.org/x/sys/unix"
)

const archName = "amd64"

// syscallInstruction is "syscall".
var syscallInstruction = []byte{0x0f, 0x05}

type regs = unix.PtraceRegs

func getRegs(pid int, r *regs) error {
	return unix.PtraceGetRegs(pid, r)
}

func setRegs(pid int, r *regs) error {
	return unix.PtraceSetRegs(pid, r)
}

func instructionPointer(r *regs) hostarch.Addr {
	return hostarch.Addr(r.Rip)
}

// createSyscallRegs sets up registers to execute system call sysno with args
// at pc.
func createSyscallRegs(initRegs *regs, pc hostarch.Addr, sysno uintptr, args ...uintptr) regs {
	// Copy initial registers (segments, flags, etc.).
	r := *initRegs
	r.Rip = uint64(pc)

	// Not in a system call, so no restart handling applies.
	r.Orig_rax = ^uint64(0)

	// Set our syscall number.
	r.Rax = uint64(sysno)
	dst := []*uint64{&r.Rdi, &r.Rsi, &r.Rdx, &r.R10, &r.R8, &r.R9}
	for i, arg := range args {
		*dst[i] = uint64(arg)
	}
	return r
}

// syscallReturnValue extracts a sensible return from registers.
func syscallReturnValue(r *regs) (uintptr, error) {
	rval := int64(r.Rax)
	if rval < 0 && rval > -4096 {
		return 0, unix.Errno(-rval)
	}
	return uintptr(rval), nil
}
