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
	"github.com/pagein/pagein/pkg/hostarch"
	"golang.org/x/sys/unix"
)

const archName = "arm64"

// syscallInstruction is "svc #0".
var syscallInstruction = []byte{0x01, 0x00, 0x00, 0xd4}

type regs = unix.PtraceRegs

func instructionPointer(r *regs) hostarch.Addr {
	return hostarch.Addr(r.Pc)
}

// createSyscallRegs sets up registers to execute system call sysno with args
// at pc.
func createSyscallRegs(initRegs *regs, pc hostarch.Addr, sysno uintptr, args ...uintptr) regs {
	// Copy initial registers (Sp, Pstate, etc.).
	r := *initRegs
	r.Pc = uint64(pc)

	// x8 for the syscall number.
	// x0-x5 is used to store the parameters.
	r.Regs[8] = uint64(sysno)
	for i, arg := range args {
		r.Regs[i] = uint64(arg)
	}
	return r
}

// syscallReturnValue extracts a sensible return from registers.
func syscallReturnValue(r *regs) (uintptr, error) {
	rval := int64(r.Regs[0])
	if rval < 0 && rval > -4096 {
		return 0, unix.Errno(-rval)
	}
	return uintptr(rval), nil
}
