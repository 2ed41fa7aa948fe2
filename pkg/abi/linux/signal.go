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

// Package linux contains the constants and types needed to interface with a
// Linux guest traced by the loader.
package linux

import (
	"fmt"

	"github.com/pagein/pagein/pkg/hostarch"
)

// Signal is a signal number.
type Signal int

// SignalMaximum is the highest valid signal number.
const SignalMaximum = 64

// IsValid returns true if s is a valid standard or realtime signal. (0 is not
// considered valid; interfaces special-casing signal number 0 should check for
// 0 first before asserting validity.)
func (s Signal) IsValid() bool {
	return s > 0 && s <= SignalMaximum
}

// String implements fmt.Stringer.String.
func (s Signal) String() string {
	if name, ok := signalNames[s]; ok {
		return name
	}
	return fmt.Sprintf("signal %d", int(s))
}

// Signals.
const (
	SIGABRT  = Signal(6)
	SIGBUS   = Signal(7)
	SIGCHLD  = Signal(17)
	SIGCONT  = Signal(18)
	SIGFPE   = Signal(8)
	SIGHUP   = Signal(1)
	SIGILL   = Signal(4)
	SIGINT   = Signal(2)
	SIGKILL  = Signal(9)
	SIGPIPE  = Signal(13)
	SIGQUIT  = Signal(3)
	SIGSEGV  = Signal(11)
	SIGSTOP  = Signal(19)
	SIGTERM  = Signal(15)
	SIGTRAP  = Signal(5)
	SIGTSTP  = Signal(20)
	SIGURG   = Signal(23)
	SIGUSR1  = Signal(10)
	SIGUSR2  = Signal(12)
	SIGWINCH = Signal(28)
)

var signalNames = map[Signal]string{
	SIGABRT:  "SIGABRT",
	SIGBUS:   "SIGBUS",
	SIGCHLD:  "SIGCHLD",
	SIGCONT:  "SIGCONT",
	SIGFPE:   "SIGFPE",
	SIGHUP:   "SIGHUP",
	SIGILL:   "SIGILL",
	SIGINT:   "SIGINT",
	SIGKILL:  "SIGKILL",
	SIGPIPE:  "SIGPIPE",
	SIGQUIT:  "SIGQUIT",
	SIGSEGV:  "SIGSEGV",
	SIGSTOP:  "SIGSTOP",
	SIGTERM:  "SIGTERM",
	SIGTRAP:  "SIGTRAP",
	SIGTSTP:  "SIGTSTP",
	SIGURG:   "SIGURG",
	SIGUSR1:  "SIGUSR1",
	SIGUSR2:  "SIGUSR2",
	SIGWINCH: "SIGWINCH",
}

// si_code values for SIGSEGV.
const (
	// SEGV_MAPERR indicates an address not mapped to an object.
	SEGV_MAPERR = 1

	// SEGV_ACCERR indicates invalid permissions for a mapped object.
	SEGV_ACCERR = 2
)

// si_code values for signals not generated by faults.
const (
	// SI_USER is sent by kill, sigsend, raise.
	SI_USER = 0

	// SI_KERNEL is sent by the kernel.
	SI_KERNEL = 0x80
)

// SignalInfoSize is the size of struct siginfo.
const SignalInfoSize = 128

// SignalInfo represents information about a signal being delivered, and is
// equivalent to struct siginfo in the Linux kernel
// (linux/include/uapi/asm-generic/siginfo.h).
type SignalInfo struct {
	Signo int32 // Signal number
	Errno int32 // Errno value
	Code  int32 // Signal code
	_     uint32

	// struct siginfo::_sifields is a union. Only the _sigfault member is
	// accessed here:
	//
	// 	struct {
	// 		void *_addr; /* faulting insn/memory ref. */
	// 		short _addr_lsb; /* LSB of the reported address */
	// 	} _sigfault;
	//
	// _sifields is padded so that the size of siginfo is SI_MAX_SIZE = 128
	// bytes.
	Fields [SignalInfoSize - 16]byte
}

// FixSignalCodeForUser fixes up si_code.
//
// The si_code we get from Linux may contain the kernel-specific code in the
// top 16 bits if it's positive (e.g., from ptrace). Linux's
// copy_siginfo_to_user does
//
//	err |= __put_user((short)from->si_code, &to->si_code);
//
// to mask out those bits and we need to do the same.
func (s *SignalInfo) FixSignalCodeForUser() {
	if s.Code > 0 {
		s.Code &= 0x0000ffff
	}
}

// Signal returns the signal number.
func (s *SignalInfo) Signal() Signal {
	return Signal(s.Signo)
}

// Addr returns the si_addr field.
func (s *SignalInfo) Addr() hostarch.Addr {
	return hostarch.Addr(hostarch.ByteOrder.Uint64(s.Fields[0:8]))
}

// SetAddr sets the si_addr field.
func (s *SignalInfo) SetAddr(val hostarch.Addr) {
	hostarch.ByteOrder.PutUint64(s.Fields[0:8], uint64(val))
}

// IsFault returns true if the signal was raised synchronously by a memory
// access, as opposed to being sent with kill(2) or similar.
func (s *SignalInfo) IsFault() bool {
	return s.Code > 0 && s.Code < SI_KERNEL
}

// String implements fmt.Stringer.String.
func (s *SignalInfo) String() string {
	return fmt.Sprintf("%v{code=%d, addr=%v}", s.Signal(), s.Code, s.Addr())
}

// FaultInfo returns a SignalInfo describing a SIGSEGV at addr.
func FaultInfo(addr hostarch.Addr, code int32) *SignalInfo {
	info := &SignalInfo{Signo: int32(SIGSEGV), Code: code}
	info.SetAddr(addr)
	return info
}
