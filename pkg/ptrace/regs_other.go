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

//go:build !amd64 && !arm64
// +build !amd64,!arm64

package ptrace

import (
	"runtime"

	"github.com/pagein/pagein/pkg/hostarch"
)

var archName = runtime.GOARCH

// syscallInstruction is empty, which makes Start fail.
var syscallInstruction []byte

type regs struct{}

func getRegs(int, *regs) error {
	return ErrUnsupportedArch
}

func setRegs(int, *regs) error {
	return ErrUnsupportedArch
}

func instructionPointer(*regs) hostarch.Addr {
	return 0
}

func createSyscallRegs(initRegs *regs, _ hostarch.Addr, _ uintptr, _ ...uintptr) regs {
	return *initRegs
}

func syscallReturnValue(*regs) (uintptr, error) {
	return 0, ErrUnsupportedArch
}
