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

package loader

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/pagein/pagein/pkg/abi/linux"
	"github.com/pagein/pagein/pkg/cleanup"
	"github.com/pagein/pagein/pkg/demand"
	"github.com/pagein/pagein/pkg/hostarch"
	"github.com/pagein/pagein/pkg/image"
	"github.com/pagein/pagein/pkg/log"
	"github.com/pagein/pagein/pkg/ptrace"
	"github.com/pagein/pagein/pkg/sighandling"
	"golang.org/x/sys/unix"
)

// ExecOptions configures Execute.
type ExecOptions struct {
	// Env is the program's environment.
	Env []string

	// Dir is the program's working directory. Empty means the current
	// directory.
	Dir string

	// Stdin, Stdout and Stderr are the program's standard files. Nil
	// means the loader's own.
	Stdin  *os.File
	Stdout *os.File
	Stderr *os.File

	// ForwardSignals forwards signals received by the loader to the
	// program while it runs.
	ForwardSignals bool
}

// openImage opens the image for the duration of an execution.
var openImage = os.Open

// passThroughLog logs signals passed through to the program.
var passThroughLog = log.NewRateLimited(time.Second)

// Execute runs the image at path with arguments argv and returns the
// program's wait status once it exits. If argv is empty the program is
// started with argv[0] set to path.
//
// The program is killed if ctx is cancelled.
func Execute(ctx context.Context, path string, argv []string, opts ExecOptions) (unix.WaitStatus, error) {
	global.mu.Lock()
	if !global.initialized {
		global.mu.Unlock()
		return 0, ErrNotInitialized
	}
	if global.running {
		global.mu.Unlock()
		return 0, fmt.Errorf("%w: another program is running", ErrStart)
	}
	global.running = true
	pageSize := global.pageSize
	previous := global.previous
	global.mu.Unlock()
	defer func() {
		global.mu.Lock()
		global.running = false
		global.mu.Unlock()
	}()

	img, err := image.Parse(path)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrParse, err)
	}
	if !img.Native() {
		return 0, fmt.Errorf("%w: %s: %w: machine %v on %s", ErrParse, path, image.ErrUnsupported, img.Machine, runtime.GOARCH)
	}
	table, err := img.Table(pageSize)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %w", ErrParse, path, err)
	}

	f, err := openImage(path)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrOpen, err)
	}
	defer f.Close()

	if len(argv) == 0 {
		argv = []string{path}
	}

	// ptrace requests must come from the thread that started the tracee.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	p, err := ptrace.Start(path, argv, opts.Env, stdFiles(opts), opts.Dir)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrStart, err)
	}
	cu := cleanup.Make(p.Kill)
	defer cu.Clean()

	var bias hostarch.Addr
	if img.PIE {
		bias, err = loadBias(p, img)
		if err != nil {
			return 0, fmt.Errorf("%w: %w", ErrStart, err)
		}
		if err := table.Rebase(bias); err != nil {
			return 0, fmt.Errorf("%w: %w", ErrStart, err)
		}
		log.Debugf("Rebased %s by %v", path, bias)
	}

	h, err := demand.NewHandler(table, f, p, previous)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrStart, err)
	}

	// The table and image must be in place before the first fault.
	global.mu.Lock()
	global.table = table
	global.image = f
	global.mu.Unlock()
	global.active.Store(h)
	cu.Add(func() {
		global.last.Store(h)
		global.active.Store(nil)
		global.mu.Lock()
		global.table = nil
		global.image = nil
		global.mu.Unlock()
	})

	for _, ar := range table.Mappings() {
		if err := p.Unmap(ar); err != nil {
			return 0, fmt.Errorf("%w: %w", ErrStart, err)
		}
	}
	if img.RelRO.Length() > 0 {
		// The C runtime mprotects this range before touching it, which
		// fails on unmapped pages without faulting.
		rr := hostarch.AddrRange{Start: img.RelRO.Start + bias, End: img.RelRO.End + bias}
		if err := h.Prefault(rr); err != nil {
			return 0, fmt.Errorf("%w: materializing %v: %w", ErrStart, rr, err)
		}
		log.Debugf("Materialized read-only-after-relocation range %v", rr)
	}
	log.Infof("Executing %s (PID %d): %d segments, entry %v", path, p.Pid(), len(table.Segments()), img.Entry)

	if opts.ForwardSignals {
		stop := sighandling.StartForwarding(p.Pid())
		defer stop()
	}
	if ctx.Done() != nil {
		done := make(chan struct{})
		defer close(done)
		pid := p.Pid()
		go func() {
			select {
			case <-ctx.Done():
				log.Infof("Killing PID %d: %v", pid, ctx.Err())
				unix.Kill(pid, unix.SIGKILL)
			case <-done:
			}
		}()
	}

	status, err := run(p)
	if err != nil {
		return 0, err
	}
	log.Infof("Program %s exited: %v", path, h.Stats())
	return status, ctx.Err()
}

// run resumes p at its entry point and services its faults until it exits.
func run(p *ptrace.Process) (unix.WaitStatus, error) {
	sig := linux.Signal(0)
	for {
		if err := p.Resume(sig); err != nil {
			return exitStatus(p, err)
		}
		stop, err := p.Wait()
		if err != nil {
			return exitStatus(p, err)
		}
		switch {
		case stop.Exited():
			return stop.Status, nil
		case stop.GroupStop():
			// Job control is not supported; keep running.
			sig = 0
		case stop.Signal() == linux.SIGSEGV:
			switch installedHandler().HandleFault(stop.Info) {
			case demand.Resume:
				sig = 0
			default:
				sig = linux.SIGSEGV
			}
		default:
			sig = stop.Signal()
			passThroughLog.Debugf("Passing %v through to PID %d", sig, p.Pid())
		}
	}
}

// exitStatus returns the final status of p if err means p is gone, for
// example because it was killed while a fault was being serviced. Any other
// error is returned as is.
func exitStatus(p *ptrace.Process, err error) (unix.WaitStatus, error) {
	if errors.Is(err, unix.ESRCH) {
		// Killed but not reaped yet.
		for {
			stop, werr := p.Wait()
			if werr != nil {
				return 0, err
			}
			if stop.Exited() {
				break
			}
		}
	}
	if ws, exited := p.Status(); exited {
		log.Debugf("PID %d exited while stopped: %v", p.Pid(), err)
		return ws, nil
	}
	return 0, err
}

// loadBias returns the offset at which the kernel loaded a PIE image.
func loadBias(p *ptrace.Process, img *image.Image) (hostarch.Addr, error) {
	auxv, err := p.Auxv()
	if err != nil {
		return 0, fmt.Errorf("reading auxiliary vector: %w", err)
	}
	entry, ok := auxv.Lookup(linux.AT_ENTRY)
	if !ok {
		return 0, fmt.Errorf("auxiliary vector has no AT_ENTRY")
	}
	return hostarch.Addr(entry) - img.Entry, nil
}

// stdFiles returns the descriptors for the program's standard files.
func stdFiles(opts ExecOptions) []uintptr {
	files := []*os.File{os.Stdin, os.Stdout, os.Stderr}
	for i, f := range []*os.File{opts.Stdin, opts.Stdout, opts.Stderr} {
		if f != nil {
			files[i] = f
		}
	}
	fds := make([]uintptr, len(files))
	for i, f := range files {
		fds[i] = f.Fd()
	}
	return fds
}
