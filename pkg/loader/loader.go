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

// Package loader runs statically linked executables with their loadable
// segments paged in on demand.
//
// Initialize installs the demand-paging fault handler into the process-wide
// handler slot. Execute then starts an image as a traced child with none of
// its loadable segments mapped: every page is read from the image, or
// zero-filled, the first time the program touches it.
package loader

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/pagein/pagein/pkg/abi/linux"
	"github.com/pagein/pagein/pkg/demand"
	"github.com/pagein/pagein/pkg/hostarch"
	"github.com/pagein/pagein/pkg/log"
	"github.com/pagein/pagein/pkg/ptrace"
)

var (
	// ErrInit is returned by Initialize when the fault handler cannot be
	// installed.
	ErrInit = errors.New("loader initialization failed")

	// ErrParse is returned by Execute when the image cannot be parsed into
	// a segment table.
	ErrParse = errors.New("image parse failed")

	// ErrOpen is returned by Execute when the image cannot be opened.
	ErrOpen = errors.New("image open failed")

	// ErrNotInitialized is returned by Execute before Initialize.
	ErrNotInitialized = errors.New("loader not initialized")

	// ErrStart is returned by Execute when the program cannot be started or
	// prepared for demand paging.
	ErrStart = errors.New("program start failed")
)

// ptraceScopePath disables all ptrace use when it reads 3.
const ptraceScopePath = "/proc/sys/kernel/yama/ptrace_scope"

// handlerSlot holds the installed fault handler.
type handlerSlot struct {
	h demand.FaultHandler
}

// state is the process-wide loader state. It is written by Initialize and
// Execute; faults only read it.
type state struct {
	// mu serializes Initialize and Execute.
	mu sync.Mutex

	initialized bool
	running     bool
	pageSize    uint64

	// slot is the process-wide fault handler slot.
	slot atomic.Pointer[handlerSlot]

	// previous is the handler that was installed before Initialize.
	previous demand.FaultHandler

	// table, image and active are set by Execute before the first guest
	// instruction executes.
	table  *demand.Table
	image  *os.File
	active atomic.Pointer[demand.Handler]

	// last is the handler of the most recent execution, kept for Stats.
	last atomic.Pointer[demand.Handler]
}

var global state

// InstallHandler atomically replaces the process-wide fault handler with h
// and returns the handler that was installed before, or nil.
func InstallHandler(h demand.FaultHandler) demand.FaultHandler {
	old := global.slot.Swap(&handlerSlot{h: h})
	if old == nil {
		return nil
	}
	return old.h
}

// installedHandler returns the process-wide fault handler.
func installedHandler() demand.FaultHandler {
	if s := global.slot.Load(); s != nil && s.h != nil {
		return s.h
	}
	return demand.DeliverHandler{}
}

// dispatcher is the fault handler installed by Initialize. It routes faults
// to the demand-paging handler of the running execution, and to the
// previously installed handler when nothing is running.
type dispatcher struct{}

// HandleFault implements demand.FaultHandler.HandleFault.
func (dispatcher) HandleFault(info *linux.SignalInfo) demand.Action {
	if h := global.active.Load(); h != nil {
		return h.HandleFault(info)
	}
	return global.previous.HandleFault(info)
}

// Option configures Initialize.
type Option func(*options)

type options struct {
	previous demand.FaultHandler
	pageSize uint64
}

// WithPrevious installs h as the handler that faults the loader cannot
// service are delegated to. By default such faults are delivered to the
// program.
func WithPrevious(h demand.FaultHandler) Option {
	return func(o *options) {
		o.previous = h
	}
}

// WithPageSize overrides the page size. It must be a power of two and a
// multiple of the host page size.
func WithPageSize(n uint64) Option {
	return func(o *options) {
		o.pageSize = n
	}
}

// Initialize prepares the loader and installs the demand-paging fault
// handler. It must be called once, before Execute.
func Initialize(opts ...Option) error {
	global.mu.Lock()
	defer global.mu.Unlock()

	if global.initialized {
		return fmt.Errorf("%w: already initialized", ErrInit)
	}
	o := options{pageSize: hostarch.HostPageSize()}
	for _, opt := range opts {
		opt(&o)
	}
	if err := checkPlatform(); err != nil {
		return fmt.Errorf("%w: %w", ErrInit, err)
	}
	host := hostarch.HostPageSize()
	if o.pageSize == 0 || o.pageSize&(o.pageSize-1) != 0 || o.pageSize%host != 0 {
		return fmt.Errorf("%w: page size %#x is not a power-of-two multiple of the host page size %#x", ErrInit, o.pageSize, host)
	}

	if o.previous != nil {
		InstallHandler(o.previous)
	}
	previous := InstallHandler(dispatcher{})
	if _, ok := previous.(dispatcher); ok {
		return fmt.Errorf("%w: fault handler already installed", ErrInit)
	}
	if previous == nil {
		previous = demand.DeliverHandler{}
	}
	global.previous = previous
	global.pageSize = o.pageSize
	global.initialized = true
	log.Infof("Loader initialized: page size %#x, previous handler %T", o.pageSize, previous)
	return nil
}

// checkPlatform returns an error if programs cannot be traced on this host.
func checkPlatform() error {
	if !ptrace.Supported() {
		return ptrace.ErrUnsupportedArch
	}
	data, err := os.ReadFile(ptraceScopePath)
	if err != nil {
		// No Yama.
		return nil
	}
	if strings.TrimSpace(string(data)) == "3" {
		return fmt.Errorf("ptrace is disabled by %s", ptraceScopePath)
	}
	return nil
}

// Stats returns the counters of the running execution, or of the most
// recent one if none is running.
func Stats() demand.StatsSnapshot {
	if h := global.active.Load(); h != nil {
		return h.Stats()
	}
	if h := global.last.Load(); h != nil {
		return h.Stats()
	}
	return demand.StatsSnapshot{}
}
