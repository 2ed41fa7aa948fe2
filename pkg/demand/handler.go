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

package demand

import (
	"errors"
	"fmt"
	"io"

	"github.com/pagein/pagein/pkg/abi/linux"
	"github.com/pagein/pagein/pkg/hostarch"
	"github.com/pagein/pagein/pkg/log"
)

// Reasons a fault is delegated to the previous handler.
var (
	// ErrNotFault is returned for signals that were not raised by a memory
	// access, e.g. a SIGSEGV sent with kill(2).
	ErrNotFault = errors.New("signal was not raised by a memory access")

	// ErrNoSegment is returned for faults outside every segment.
	ErrNoSegment = errors.New("address is not in any segment")

	// ErrAlreadyPresent is returned for faults on materialized pages. These
	// are genuine permission violations.
	ErrAlreadyPresent = errors.New("page is already present")

	// ErrMaterialize is returned when a page could not be reserved,
	// populated or protected.
	ErrMaterialize = errors.New("page materialization failed")
)

// Action is the outcome of handling a fault.
type Action int

const (
	// Resume continues the guest, which re-executes the faulting
	// instruction.
	Resume Action = iota

	// Deliver delivers the signal to the guest, whose own disposition then
	// applies. For SIGSEGV the default disposition terminates the guest.
	Deliver
)

// String implements fmt.Stringer.String.
func (a Action) String() string {
	switch a {
	case Resume:
		return "resume"
	case Deliver:
		return "deliver"
	default:
		return fmt.Sprintf("Action(%d)", int(a))
	}
}

// FaultHandler handles guest memory faults.
type FaultHandler interface {
	// HandleFault handles the fault described by info.
	HandleFault(info *linux.SignalInfo) Action
}

// HandlerFunc adapts a function to a FaultHandler.
type HandlerFunc func(info *linux.SignalInfo) Action

// HandleFault implements FaultHandler.HandleFault.
func (f HandlerFunc) HandleFault(info *linux.SignalInfo) Action {
	return f(info)
}

// DeliverHandler is the platform default handler: it delivers every fault to
// the guest.
type DeliverHandler struct{}

// HandleFault implements FaultHandler.HandleFault.
func (DeliverHandler) HandleFault(*linux.SignalInfo) Action {
	return Deliver
}

// AddressSpace is the guest address space pages are materialized into.
type AddressSpace interface {
	// MapAnonymous establishes a zero-filled, readable and writable
	// anonymous mapping of length bytes at exactly addr, replacing any
	// existing mapping there.
	MapAnonymous(addr hostarch.Addr, length uint64) error

	// Write copies data to addr. The destination must be mapped writable.
	Write(addr hostarch.Addr, data []byte) error

	// Protect changes the protection of [addr, addr+length) to at.
	Protect(addr hostarch.Addr, length uint64, at hostarch.AccessType) error
}

// Handler is the demand-paging FaultHandler.
//
// Handler is not safe for concurrent use; the guest is single-threaded and
// faults are handled one at a time.
type Handler struct {
	table    *Table
	image    io.ReaderAt
	as       AddressSpace
	previous FaultHandler

	// buf is a page-sized scratch buffer for image reads.
	buf []byte

	stats Stats
}

// NewHandler returns a Handler materializing pages of table into as, with
// contents read from image. Faults it does not service go to previous; a nil
// previous delivers them to the guest.
//
// All presence maps are allocated here, so that handling a fault allocates
// nothing beyond what the address space and image reader need.
func NewHandler(table *Table, image io.ReaderAt, as AddressSpace, previous FaultHandler) (*Handler, error) {
	if previous == nil {
		previous = DeliverHandler{}
	}
	for _, s := range table.segments {
		if err := s.ensurePresence(table.pageSize); err != nil {
			return nil, fmt.Errorf("allocating presence map for %v: %w", s.Range(), err)
		}
	}
	return &Handler{
		table:    table,
		image:    image,
		as:       as,
		previous: previous,
		buf:      make([]byte, table.pageSize),
	}, nil
}

// Table returns the segment table served by h.
func (h *Handler) Table() *Table {
	return h.table
}

// Stats returns a snapshot of h's counters.
func (h *Handler) Stats() StatsSnapshot {
	return h.stats.Snapshot()
}

// HandleFault implements FaultHandler.HandleFault.
func (h *Handler) HandleFault(info *linux.SignalInfo) Action {
	h.stats.Faults.Add(1)
	if !info.IsFault() {
		return h.delegate(info, ErrNotFault)
	}
	addr := info.Addr()
	idx, seg := h.table.Find(addr)
	if seg == nil {
		return h.delegate(info, ErrNoSegment)
	}
	if err := h.materialize(seg, addr); err != nil {
		return h.delegate(info, fmt.Errorf("segment %d: %w", idx, err))
	}
	return Resume
}

// Prefault materializes every page of ar that belongs to a segment and is
// not present yet, as if the guest had touched it. Pages of ar outside every
// segment are skipped.
//
// It is used for ranges the guest hands to the kernel before touching them,
// such as the region the C runtime makes read-only after relocation: the
// kernel reports an unmapped range to the guest as an error instead of
// raising a fault.
func (h *Handler) Prefault(ar hostarch.AddrRange) error {
	pageSize := h.table.pageSize
	start := ar.Start.AlignDown(pageSize)
	for addr := start; addr < ar.End && addr >= start; addr += hostarch.Addr(pageSize) {
		page, ok := addr.ToRange(pageSize)
		if !ok {
			return fmt.Errorf("%w: page at %v wraps around", ErrMaterialize, addr)
		}
		sharers := h.table.sharing(page)
		if len(sharers) == 0 || allPresent(sharers, addr, pageSize) {
			continue
		}
		if err := h.materialize(sharers[0], addr); err != nil {
			return err
		}
	}
	return nil
}

func allPresent(segs []*Segment, pageBase hostarch.Addr, pageSize uint64) bool {
	for _, s := range segs {
		if !s.Present(s.PageIndex(pageBase, pageSize)) {
			return false
		}
	}
	return true
}

// delegate hands info to the previous handler.
func (h *Handler) delegate(info *linux.SignalInfo, reason error) Action {
	h.stats.recordDelegation(reason)
	action := h.previous.HandleFault(info)
	log.Warningf("Fault %v not serviced (%v), previous handler chose %v", info, reason, action)
	return action
}

// materialize makes the page containing addr present.
//
// Every segment with bytes in the page is populated into the same mapping
// and marked present, and the page is protected with the union of their
// permissions.
func (h *Handler) materialize(seg *Segment, addr hostarch.Addr) error {
	pageSize := h.table.pageSize
	pageBase := addr.AlignDown(pageSize)
	page, ok := pageBase.ToRange(pageSize)
	if !ok {
		return fmt.Errorf("%w: page at %v wraps around", ErrMaterialize, pageBase)
	}

	// Presence check.
	sharers := h.table.sharing(page)
	for _, s := range sharers {
		if err := s.ensurePresence(pageSize); err != nil {
			return fmt.Errorf("%w: allocating presence map: %v", ErrMaterialize, err)
		}
		if s.Present(s.PageIndex(pageBase, pageSize)) {
			return fmt.Errorf("%w: %v", ErrAlreadyPresent, page)
		}
	}

	// Reserve.
	if err := h.as.MapAnonymous(pageBase, pageSize); err != nil {
		return fmt.Errorf("%w: mapping %v: %v", ErrMaterialize, page, err)
	}
	h.stats.Maps.Add(1)

	// Populate.
	var perm hostarch.AccessType
	for _, s := range sharers {
		if err := h.populate(s, page); err != nil {
			return fmt.Errorf("%w: populating %v: %v", ErrMaterialize, page, err)
		}
		perm = perm.Union(s.Perm)
	}

	// Restrict.
	if err := h.as.Protect(pageBase, pageSize, perm); err != nil {
		return fmt.Errorf("%w: protecting %v as %v: %v", ErrMaterialize, page, perm, err)
	}
	h.stats.Protects.Add(1)

	// Mark present.
	for _, s := range sharers {
		s.presence.Add(s.PageIndex(pageBase, pageSize))
	}
	h.stats.Materialized.Add(1)
	if log.IsLogging(log.Debug) {
		log.Debugf("Materialized page %v of segment %v as %v", page, seg.Range(), perm)
	}
	return nil
}

// populate copies the file-backed bytes of s that fall in page from the
// image. The rest of the page is left as mapped, i.e. zero.
func (h *Handler) populate(s *Segment, page hostarch.AddrRange) error {
	fr := s.FileRange().Intersect(page)
	if fr.Length() == 0 {
		return nil
	}
	off := s.Offset + uint64(fr.Start-s.Vaddr)
	buf := h.buf[:fr.Length()]
	n, err := h.image.ReadAt(buf, int64(off))
	h.stats.Reads.Add(1)
	h.stats.BytesRead.Add(uint64(n))
	if n < len(buf) {
		if err == nil || err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return fmt.Errorf("reading %#x bytes at offset %#x: %w", len(buf), off, err)
	}
	return h.as.Write(fr.Start, buf)
}
