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

	"github.com/pagein/pagein/pkg/abi/linux"
	"github.com/pagein/pagein/pkg/hostarch"
	"github.com/pagein/pagein/pkg/log"
	"golang.org/x/sys/unix"
)

// installTrampoline maps the trampoline page. The process must be stopped at
// a mapped instruction pointer.
func (p *Process) installTrampoline() error {
	var saved regs
	if err := getRegs(p.pid, &saved); err != nil {
		return fmt.Errorf("getting registers: %w", err)
	}
	pc := instructionPointer(&saved)

	// Borrow the instruction at pc for a single mmap.
	orig := make([]byte, len(syscallInstruction))
	if _, err := unix.PtracePeekData(p.pid, uintptr(pc), orig); err != nil {
		return fmt.Errorf("reading instruction at %v: %w", pc, err)
	}
	if _, err := unix.PtracePokeData(p.pid, uintptr(pc), syscallInstruction); err != nil {
		return fmt.Errorf("patching instruction at %v: %w", pc, err)
	}
	r := createSyscallRegs(&saved, pc, unix.SYS_MMAP,
		0,
		uintptr(hostarch.HostPageSize()),
		unix.PROT_READ|unix.PROT_EXEC,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS,
		^uintptr(0),
		0)
	addr, err := p.inject(&r)
	if _, perr := unix.PtracePokeData(p.pid, uintptr(pc), orig); perr != nil && err == nil {
		err = fmt.Errorf("restoring instruction at %v: %w", pc, perr)
	}
	if rerr := setRegs(p.pid, &saved); rerr != nil && err == nil {
		err = fmt.Errorf("restoring registers: %w", rerr)
	}
	if err != nil {
		return err
	}

	// POKEDATA writes through the page protection.
	if _, err := unix.PtracePokeData(p.pid, addr, syscallInstruction); err != nil {
		return fmt.Errorf("writing trampoline at %#x: %w", addr, err)
	}
	p.trampoline = hostarch.Addr(addr)
	return nil
}

// Syscall executes system call sysno with args in the process and returns
// its result. The process's registers are preserved.
//
// Precondition: the process is stopped and the trampoline is installed.
func (p *Process) Syscall(sysno uintptr, args ...uintptr) (uintptr, error) {
	if p.exited {
		return 0, ErrExited
	}
	var saved regs
	if err := getRegs(p.pid, &saved); err != nil {
		return 0, fmt.Errorf("getting registers: %w", err)
	}
	r := createSyscallRegs(&saved, p.trampoline, sysno, args...)
	rval, err := p.inject(&r)
	if rerr := setRegs(p.pid, &saved); rerr != nil {
		return 0, fmt.Errorf("restoring registers: %w", rerr)
	}
	return rval, err
}

// inject runs the system call described by r, which must point at a system
// call instruction, and returns its result.
//
// Signals that stop the process before the system call completes are
// suppressed and sent again once it has.
func (p *Process) inject(r *regs) (uintptr, error) {
	if err := setRegs(p.pid, r); err != nil {
		return 0, fmt.Errorf("setting registers: %w", err)
	}
	p.injected++
	var pending []linux.Signal
	for {
		if err := unix.PtraceSingleStep(p.pid); err != nil {
			return 0, fmt.Errorf("PTRACE_SINGLESTEP: %w", err)
		}
		stop, err := p.Wait()
		if err != nil {
			return 0, err
		}
		if stop.Exited() {
			return 0, fmt.Errorf("%w during system call injection: %v", ErrExited, stop)
		}
		sig := stop.Signal()
		if sig == linux.SIGTRAP {
			break
		}
		if !stop.GroupStop() {
			pending = append(pending, sig)
		}
	}
	if err := getRegs(p.pid, r); err != nil {
		return 0, fmt.Errorf("getting registers: %w", err)
	}
	for _, sig := range pending {
		log.Debugf("Re-sending %v to PID %d after system call injection", sig, p.pid)
		if err := unix.Kill(p.pid, unix.Signal(sig)); err != nil {
			log.Warningf("Failed to re-send %v to PID %d: %v", sig, p.pid, err)
		}
	}
	return syscallReturnValue(r)
}

// MapAnonymous establishes a private anonymous read-write mapping of length
// bytes at exactly addr.
func (p *Process) MapAnonymous(addr hostarch.Addr, length uint64) error {
	got, err := p.Syscall(unix.SYS_MMAP,
		uintptr(addr),
		uintptr(length),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_FIXED,
		^uintptr(0),
		0)
	if err != nil {
		return fmt.Errorf("mmap(%v, %#x): %w", addr, length, err)
	}
	if hostarch.Addr(got) != addr {
		return fmt.Errorf("mmap(%v, %#x) mapped at %#x", addr, length, got)
	}
	return nil
}

// Protect changes the protection of [addr, addr+length) to at.
func (p *Process) Protect(addr hostarch.Addr, length uint64, at hostarch.AccessType) error {
	if _, err := p.Syscall(unix.SYS_MPROTECT, uintptr(addr), uintptr(length), uintptr(at.Prot())); err != nil {
		return fmt.Errorf("mprotect(%v, %#x, %v): %w", addr, length, at, err)
	}
	return nil
}

// Unmap removes the mappings in ar.
func (p *Process) Unmap(ar hostarch.AddrRange) error {
	if _, err := p.Syscall(unix.SYS_MUNMAP, uintptr(ar.Start), uintptr(ar.Length())); err != nil {
		return fmt.Errorf("munmap(%v): %w", ar, err)
	}
	return nil
}
