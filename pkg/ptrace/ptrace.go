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

// Package ptrace runs a program image as a traced child process and
// manipulates its address space from the tracer.
//
// Address space operations are performed by injecting system calls into the
// stopped tracee: its registers are saved, replaced with a system call
// pointing at a trampoline page holding a single system call instruction,
// single-stepped, and restored. The trampoline is installed at the first stop
// after exec, before any of the image's own code runs.
//
// All functions in this package must be called from the OS thread that called
// Start. Callers must lock that thread with runtime.LockOSThread for the
// lifetime of the Process.
package ptrace

import (
	"errors"
	"fmt"
	"os"
	"syscall"

	"github.com/pagein/pagein/pkg/abi/linux"
	"github.com/pagein/pagein/pkg/cleanup"
	"github.com/pagein/pagein/pkg/hostarch"
	"github.com/pagein/pagein/pkg/log"
	"golang.org/x/sys/unix"
)

var (
	// ErrUnsupportedArch is returned by Start on architectures without
	// system call injection support.
	ErrUnsupportedArch = errors.New("architecture not supported")

	// ErrExited is returned for operations on a process that has exited.
	ErrExited = errors.New("process has exited")
)

// Process is a traced child process.
type Process struct {
	pid int

	// trampoline is the address of the injected system call instruction.
	trampoline hostarch.Addr

	// status is the final wait status, valid once exited is set.
	exited bool
	status unix.WaitStatus

	// injected counts system calls injected into the process.
	injected uint64
}

// Stop describes a state change of a traced process.
type Stop struct {
	// Status is the raw wait status.
	Status unix.WaitStatus

	// Info is the signal information for signal-delivery-stops. It is nil
	// for group-stops and exits.
	Info *linux.SignalInfo
}

// Exited returns true if the process has exited or was killed.
func (s *Stop) Exited() bool {
	return s.Status.Exited() || s.Status.Signaled()
}

// Signal returns the signal of a signal-delivery-stop or group-stop.
func (s *Stop) Signal() linux.Signal {
	if !s.Status.Stopped() {
		return 0
	}
	return linux.Signal(s.Status.StopSignal())
}

// GroupStop returns true if the process entered a group-stop.
func (s *Stop) GroupStop() bool {
	return s.Status.Stopped() && s.Info == nil
}

// String implements fmt.Stringer.String.
func (s *Stop) String() string {
	switch {
	case s.Status.Exited():
		return fmt.Sprintf("exited with status %d", s.Status.ExitStatus())
	case s.Status.Signaled():
		return fmt.Sprintf("killed by %v", linux.Signal(s.Status.Signal()))
	case s.GroupStop():
		return fmt.Sprintf("group-stop %v", s.Signal())
	case s.Status.Stopped():
		return fmt.Sprintf("signal-delivery-stop %v", s.Info)
	default:
		return fmt.Sprintf("wait status %#x", uint32(s.Status))
	}
}

// Supported returns true if system call injection is implemented for the
// host architecture.
func Supported() bool {
	return len(syscallInstruction) > 0
}

// Start starts path as a traced child process and stops it at the first
// instruction of the image, with the trampoline installed. files are the
// child's file descriptors, indexed by descriptor number.
//
// Precondition: the OS thread must be locked.
func Start(path string, argv, env []string, files []uintptr, dir string) (*Process, error) {
	if !Supported() {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedArch, archName)
	}
	pid, err := syscall.ForkExec(path, argv, &syscall.ProcAttr{
		Dir:   dir,
		Env:   env,
		Files: files,
		Sys: &syscall.SysProcAttr{
			Ptrace: true,
			// The guest must not outlive the tracer.
			Pdeathsig: syscall.SIGKILL,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("starting %s: %w", path, err)
	}
	p := &Process{pid: pid}
	cu := cleanup.Make(p.Kill)
	defer cu.Clean()

	stop, err := p.Wait()
	if err != nil {
		return nil, err
	}
	if stop.Exited() || stop.Signal() != linux.SIGTRAP {
		return nil, fmt.Errorf("expected exec stop, got %v", stop)
	}
	if err := unix.PtraceSetOptions(pid, unix.PTRACE_O_EXITKILL); err != nil {
		return nil, fmt.Errorf("PTRACE_SETOPTIONS: %w", err)
	}
	if err := p.installTrampoline(); err != nil {
		return nil, fmt.Errorf("installing trampoline: %w", err)
	}
	log.Debugf("Started %s as PID %d, trampoline at %v", path, pid, p.trampoline)

	cu.Release()
	return p, nil
}

// Pid returns the process ID.
func (p *Process) Pid() int {
	return p.pid
}

// Injected returns the number of system calls injected so far.
func (p *Process) Injected() uint64 {
	return p.injected
}

// Status returns the final wait status of the process and true if it has
// exited.
func (p *Process) Status() (unix.WaitStatus, bool) {
	return p.status, p.exited
}

// Wait waits for the next state change of the process.
func (p *Process) Wait() (*Stop, error) {
	if p.exited {
		return &Stop{Status: p.status}, nil
	}
	var status unix.WaitStatus
	for {
		_, err := unix.Wait4(p.pid, &status, 0, nil)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("wait4(%d): %w", p.pid, err)
		}
		break
	}
	stop := &Stop{Status: status}
	if stop.Exited() {
		p.exited = true
		p.status = status
		return stop, nil
	}
	if status.Stopped() {
		var info linux.SignalInfo
		if err := getSignalInfo(p.pid, &info); err == nil {
			stop.Info = &info
		} else if err != unix.EINVAL {
			return nil, fmt.Errorf("PTRACE_GETSIGINFO: %w", err)
		}
		// EINVAL: group-stop, there is no signal information.
	}
	return stop, nil
}

// Resume continues a stopped process, delivering sig if it is non-zero.
func (p *Process) Resume(sig linux.Signal) error {
	if p.exited {
		return ErrExited
	}
	if err := unix.PtraceCont(p.pid, int(sig)); err != nil {
		return fmt.Errorf("PTRACE_CONT(%v): %w", sig, err)
	}
	return nil
}

// Kill kills the process and reaps it.
func (p *Process) Kill() {
	if p.exited {
		return
	}
	if err := unix.Kill(p.pid, unix.SIGKILL); err != nil {
		log.Warningf("Failed to kill PID %d: %v", p.pid, err)
		return
	}
	for !p.exited {
		if _, err := p.Wait(); err != nil {
			log.Warningf("Failed to reap PID %d: %v", p.pid, err)
			return
		}
	}
}

// Auxv returns the process's auxiliary vector.
func (p *Process) Auxv() (linux.Auxv, error) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/auxv", p.pid))
	if err != nil {
		return nil, err
	}
	return linux.ParseAuxv(data)
}
