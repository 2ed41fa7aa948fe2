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

// Package sighandling forwards signals received by this process to a child.
package sighandling

import (
	"os"
	"os/signal"
	"reflect"
	"syscall"

	"github.com/pagein/pagein/pkg/abi/linux"
	"github.com/pagein/pagein/pkg/log"
	"golang.org/x/sys/unix"
)

// numSignals is the number of normal (non-realtime) signals on Linux.
const numSignals = 32

// neverForward are signals that are not forwarded: synchronous signals,
// signals that cannot be caught, and signals the Go runtime or the tracer
// depend on.
var neverForward = map[linux.Signal]struct{}{
	linux.SIGILL:  {},
	linux.SIGTRAP: {},
	linux.SIGBUS:  {},
	linux.SIGFPE:  {},
	linux.SIGKILL: {},
	linux.SIGSEGV: {},
	linux.SIGPIPE: {},
	linux.SIGCHLD: {},
	linux.SIGSTOP: {},
	linux.SIGURG:  {},
}

// Forwarded returns true if sig would be forwarded by StartForwarding.
func Forwarded(sig linux.Signal) bool {
	if sig < 1 || sig > numSignals {
		return false
	}
	_, ok := neverForward[sig]
	return !ok
}

// forwardSignals listens for incoming signals and delivers them to pid.
//
// It stops when the stop channel is closed, and closes done once it will no
// longer deliver signals.
func forwardSignals(pid int, sigchans []chan os.Signal, stop, done chan struct{}) {
	defer close(done)

	// Build a select case.
	sc := []reflect.SelectCase{{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(stop)}}
	for _, sigchan := range sigchans {
		sc = append(sc, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(sigchan)})
	}

	for {
		// Wait for a notification.
		index, _, ok := reflect.Select(sc)

		// Was it the stop channel?
		if index == 0 {
			return
		}

		// How about a different close?
		if !ok {
			panic("signal channel closed unexpectedly")
		}

		// Otherwise, it was a signal on channel N. Index 0 represents the stop
		// channel, so index N represents the channel for signal N.
		sig := linux.Signal(index)
		log.Debugf("Forwarding %v to PID %d", sig, pid)
		if err := unix.Kill(pid, unix.Signal(sig)); err != nil {
			log.Warningf("Failed to forward %v to PID %d: %v", sig, pid, err)
		}
	}
}

// StartForwarding forwards standard signals received by this process to pid
// until the returned callback is called. Signals in skip are not forwarded.
//
// Note that this function takes over handling of the forwarded signals. After
// the stop callback, signals revert to the default Go runtime behavior.
func StartForwarding(pid int, skip ...linux.Signal) func() {
	stop := make(chan struct{})
	done := make(chan struct{})

	// Register individual channels. One channel per standard signal is
	// required as os.Notify() is non-blocking and may drop signals. To avoid
	// this, standard signals have to be queued separately. Channel size 1 is
	// enough for standard signals as their semantics allow de-duplication.
	//
	// External real-time signals are not supported.
	var sigchans []chan os.Signal
	for sig := 1; sig <= numSignals; sig++ {
		sigchan := make(chan os.Signal, 1)
		sigchans = append(sigchans, sigchan)

		if !Forwarded(linux.Signal(sig)) || contains(skip, linux.Signal(sig)) {
			continue
		}
		signal.Notify(sigchan, syscall.Signal(sig))
	}
	go forwardSignals(pid, sigchans, stop, done)

	return func() {
		for _, sigchan := range sigchans {
			signal.Stop(sigchan)
		}
		close(stop)
		<-done
	}
}

func contains(sigs []linux.Signal, sig linux.Signal) bool {
	for _, s := range sigs {
		if s == sig {
			return true
		}
	}
	return false
}
