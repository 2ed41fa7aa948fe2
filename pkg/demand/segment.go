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

// Package demand implements demand paging of a segmented executable image.
//
// A Table holds the loadable segments of an image together with one presence
// bitmap per segment. A Handler services guest memory faults: it locates the
// segment owning the faulting address, materializes the page containing it
// (reserve, populate from the image, restrict to the segment's permissions,
// mark present), and delegates every other fault to the previously installed
// FaultHandler.
package demand

import (
	"errors"
	"fmt"
	"sort"

	"github.com/pagein/pagein/pkg/bitmap"
	"github.com/pagein/pagein/pkg/hostarch"
)

// ErrOverlap is returned by NewTable when two segments overlap.
var ErrOverlap = errors.New("segments overlap")

// Segment is a loadable segment of an image.
//
// All fields except the presence map are immutable once the segment is
// installed in a Table.
type Segment struct {
	// Vaddr is the guest virtual base of the segment. It need not be page
	// aligned.
	Vaddr hostarch.Addr

	// MemSize is the in-memory footprint of the segment in bytes.
	MemSize uint64

	// FileSize is the number of bytes, starting at Vaddr, whose contents
	// come from the image. [Vaddr+FileSize, Vaddr+MemSize) is zero-filled.
	FileSize uint64

	// Offset is the offset of the segment's file-backed bytes in the image.
	Offset uint64

	// Perm is the final protection applied to the segment's pages.
	Perm hostarch.AccessType

	// presence records materialized pages. It is allocated on the first
	// fault targeting the segment and bits are never cleared.
	presence *bitmap.Bitmap
}

// Range returns [Vaddr, Vaddr+MemSize).
func (s *Segment) Range() hostarch.AddrRange {
	return hostarch.AddrRange{Start: s.Vaddr, End: s.Vaddr + hostarch.Addr(s.MemSize)}
}

// FileRange returns [Vaddr, Vaddr+FileSize), the file-backed prefix.
func (s *Segment) FileRange() hostarch.AddrRange {
	return hostarch.AddrRange{Start: s.Vaddr, End: s.Vaddr + hostarch.Addr(s.FileSize)}
}

// NumPages returns the number of host pages the segment touches.
func (s *Segment) NumPages(pageSize uint64) uint32 {
	if s.MemSize == 0 {
		return 0
	}
	ar, _ := s.Range().PageAligned(pageSize)
	return uint32(ar.Length() / pageSize)
}

// PageIndex returns the index within the segment of the page containing
// addr. Pages are counted from the page containing Vaddr.
//
// Precondition: s.Range().Contains(addr).
func (s *Segment) PageIndex(addr hostarch.Addr, pageSize uint64) uint32 {
	return uint32(uint64(addr.AlignDown(pageSize)-s.Vaddr.AlignDown(pageSize)) / pageSize)
}

// Present returns true if page i of the segment has been materialized.
func (s *Segment) Present(i uint32) bool {
	return s.presence != nil && s.presence.Contains(i)
}

// PresentPages returns the indices of the materialized pages in ascending
// order.
func (s *Segment) PresentPages() []uint32 {
	if s.presence == nil {
		return nil
	}
	return s.presence.ToSlice()
}

// String implements fmt.Stringer.String.
func (s *Segment) String() string {
	return fmt.Sprintf("%v %v file=%#x offset=%#x", s.Range(), s.Perm, s.FileSize, s.Offset)
}

// ensurePresence allocates the presence map if it does not exist yet.
func (s *Segment) ensurePresence(pageSize uint64) error {
	if s.presence != nil {
		return nil
	}
	b, err := bitmap.New(s.NumPages(pageSize))
	if err != nil {
		return err
	}
	s.presence = b
	return nil
}

// Table is the segment table of an image.
type Table struct {
	segments []*Segment
	pageSize uint64
}

// NewTable returns a Table holding copies of segs.
//
// pageSize must be a power of two. Segments must not overlap, must not wrap
// around the address space, and FileSize must not exceed MemSize.
// Zero-length segments are dropped.
func NewTable(pageSize uint64, segs ...Segment) (*Table, error) {
	if pageSize == 0 || pageSize&(pageSize-1) != 0 {
		return nil, fmt.Errorf("page size %#x is not a power of two", pageSize)
	}
	t := &Table{pageSize: pageSize}
	for i := range segs {
		s := segs[i]
		if s.MemSize == 0 {
			continue
		}
		if s.FileSize > s.MemSize {
			return nil, fmt.Errorf("segment %d: file size %#x exceeds memory size %#x", i, s.FileSize, s.MemSize)
		}
		if _, ok := s.Vaddr.AddLength(s.MemSize); !ok {
			return nil, fmt.Errorf("segment %d: range at %v of length %#x overflows", i, s.Vaddr, s.MemSize)
		}
		if _, ok := s.Range().PageAligned(pageSize); !ok {
			return nil, fmt.Errorf("segment %d: range %v cannot be page aligned", i, s.Range())
		}
		for j, other := range t.segments {
			if other.Range().Overlaps(s.Range()) {
				return nil, fmt.Errorf("%w: %v and %v (segments %d and %d)", ErrOverlap, other.Range(), s.Range(), j, i)
			}
		}
		s.presence = nil
		t.segments = append(t.segments, &s)
	}
	return t, nil
}

// PageSize returns the page size the table was built for.
func (t *Table) PageSize() uint64 {
	return t.pageSize
}

// Segments returns the segments in the table.
func (t *Table) Segments() []*Segment {
	return t.segments
}

// Find returns the segment whose half-open range contains addr, or nil.
func (t *Table) Find(addr hostarch.Addr) (int, *Segment) {
	for i, s := range t.segments {
		if s.Range().Contains(addr) {
			return i, s
		}
	}
	return -1, nil
}

// sharing returns the segments that have bytes in the page ar.
func (t *Table) sharing(ar hostarch.AddrRange) []*Segment {
	var segs []*Segment
	for _, s := range t.segments {
		if s.Range().Overlaps(ar) {
			segs = append(segs, s)
		}
	}
	return segs
}

// Rebase moves every segment by bias. It is used for position-independent
// images once their load address is known.
//
// Precondition: no page has been materialized.
func (t *Table) Rebase(bias hostarch.Addr) error {
	for _, s := range t.segments {
		if s.presence != nil {
			return fmt.Errorf("segment %v already has materialized pages", s.Range())
		}
	}
	for _, s := range t.segments {
		start := s.Vaddr + bias
		if _, ok := start.AddLength(s.MemSize); !ok || start < s.Vaddr {
			return fmt.Errorf("rebasing %v by %v overflows", s.Range(), bias)
		}
	}
	for _, s := range t.segments {
		s.Vaddr += bias
	}
	return nil
}

// Mappings returns the page-aligned address ranges covered by the table,
// sorted and with adjacent or overlapping ranges merged.
func (t *Table) Mappings() []hostarch.AddrRange {
	var ranges []hostarch.AddrRange
	for _, s := range t.segments {
		ar, _ := s.Range().PageAligned(t.pageSize)
		ranges = append(ranges, ar)
	}
	sort.Slice(ranges, func(i, j int) bool { return ranges[i].Start < ranges[j].Start })
	var merged []hostarch.AddrRange
	for _, ar := range ranges {
		if n := len(merged); n > 0 && ar.Start <= merged[n-1].End {
			if ar.End > merged[n-1].End {
				merged[n-1].End = ar.End
			}
			continue
		}
		merged = append(merged, ar)
	}
	return merged
}
