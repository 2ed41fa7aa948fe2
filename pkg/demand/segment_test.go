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
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/pagein/pagein/pkg/hostarch"
)

func TestNewTableValidation(t *testing.T) {
	for _, tc := range []struct {
		name     string
		pageSize uint64
		segs     []Segment
		wantErr  error
		ok       bool
	}{
		{
			name:     "empty",
			pageSize: testPageSize,
			ok:       true,
		},
		{
			name:     "bad page size",
			pageSize: 0x1800,
		},
		{
			name:     "zero page size",
			pageSize: 0,
		},
		{
			name:     "file larger than memory",
			pageSize: testPageSize,
			segs:     []Segment{{Vaddr: 0x1000, MemSize: 0x10, FileSize: 0x20}},
		},
		{
			name:     "overflow",
			pageSize: testPageSize,
			segs:     []Segment{{Vaddr: ^hostarch.Addr(0) - 0x10, MemSize: 0x100}},
		},
		{
			name:     "last page cannot be aligned",
			pageSize: testPageSize,
			segs:     []Segment{{Vaddr: ^hostarch.Addr(0) - 0x800, MemSize: 0x10}},
		},
		{
			name:     "overlap",
			pageSize: testPageSize,
			segs: []Segment{
				{Vaddr: 0x1000, MemSize: 0x1000},
				{Vaddr: 0x1800, MemSize: 0x1000},
			},
			wantErr: ErrOverlap,
		},
		{
			name:     "adjacent",
			pageSize: testPageSize,
			segs: []Segment{
				{Vaddr: 0x1000, MemSize: 0x800},
				{Vaddr: 0x1800, MemSize: 0x1000},
			},
			ok: true,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewTable(tc.pageSize, tc.segs...)
			if tc.ok {
				if err != nil {
					t.Fatalf("NewTable failed: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("NewTable succeeded, want error")
			}
			if tc.wantErr != nil && !errors.Is(err, tc.wantErr) {
				t.Errorf("NewTable error = %v, want %v", err, tc.wantErr)
			}
		})
	}
}

func TestNewTableDropsEmptySegments(t *testing.T) {
	table, err := NewTable(testPageSize,
		Segment{Vaddr: 0x1000, MemSize: 0},
		Segment{Vaddr: 0x2000, MemSize: 0x10, Perm: hostarch.Read},
	)
	if err != nil {
		t.Fatalf("NewTable failed: %v", err)
	}
	if got := len(table.Segments()); got != 1 {
		t.Fatalf("got %d segments, want 1", got)
	}
	if got := table.Segments()[0].Vaddr; got != 0x2000 {
		t.Errorf("segment at %v, want 0x2000", got)
	}
}

func TestFind(t *testing.T) {
	table, err := NewTable(testPageSize,
		Segment{Vaddr: 0x400000, MemSize: 0x1800},
		Segment{Vaddr: 0x601000, MemSize: 0x10},
	)
	if err != nil {
		t.Fatalf("NewTable failed: %v", err)
	}
	for _, tc := range []struct {
		addr hostarch.Addr
		want int
	}{
		{0x3fffff, -1},
		{0x400000, 0},
		{0x4017ff, 0},
		{0x401800, -1},
		{0x601000, 1},
		{0x60100f, 1},
		{0x601010, -1},
		{0, -1},
	} {
		idx, seg := table.Find(tc.addr)
		if idx != tc.want {
			t.Errorf("Find(%v) = %d, want %d", tc.addr, idx, tc.want)
		}
		if (seg == nil) != (tc.want < 0) {
			t.Errorf("Find(%v) segment = %v, want index %d", tc.addr, seg, tc.want)
		}
	}
}

func TestPageIndex(t *testing.T) {
	s := Segment{Vaddr: 0x8049010, MemSize: 0x3000}
	for _, tc := range []struct {
		addr hostarch.Addr
		want uint32
	}{
		{0x8049010, 0},
		{0x8049fff, 0},
		{0x804a000, 1},
		{0x804c00f, 3},
	} {
		if got := s.PageIndex(tc.addr, testPageSize); got != tc.want {
			t.Errorf("PageIndex(%v) = %d, want %d", tc.addr, got, tc.want)
		}
	}
	if got := s.NumPages(testPageSize); got != 4 {
		t.Errorf("NumPages = %d, want 4", got)
	}
}

func TestRebase(t *testing.T) {
	table, err := NewTable(testPageSize,
		Segment{Vaddr: 0x0, MemSize: 0x1000},
		Segment{Vaddr: 0x2000, MemSize: 0x800},
	)
	if err != nil {
		t.Fatalf("NewTable failed: %v", err)
	}
	if err := table.Rebase(0x7f0000000000); err != nil {
		t.Fatalf("Rebase failed: %v", err)
	}
	var got []hostarch.Addr
	for _, s := range table.Segments() {
		got = append(got, s.Vaddr)
	}
	if diff := cmp.Diff([]hostarch.Addr{0x7f0000000000, 0x7f0000002000}, got); diff != "" {
		t.Errorf("rebased addresses mismatch (-want +got):\n%s", diff)
	}
	if err := table.Rebase(^hostarch.Addr(0) - 0x1000); err == nil {
		t.Errorf("overflowing Rebase succeeded")
	}
	if got := table.Segments()[0].Vaddr; got != 0x7f0000000000 {
		t.Errorf("failed Rebase moved segment to %v", got)
	}
}

func TestRebaseAfterFault(t *testing.T) {
	table, err := NewTable(testPageSize, Segment{Vaddr: 0x1000, MemSize: 0x1000})
	if err != nil {
		t.Fatalf("NewTable failed: %v", err)
	}
	if _, err := NewHandler(table, nil, newFakeAddressSpace(testPageSize), nil); err != nil {
		t.Fatalf("NewHandler failed: %v", err)
	}
	if err := table.Rebase(0x10000); err == nil {
		t.Errorf("Rebase succeeded after presence tracking started")
	}
}

func TestMappings(t *testing.T) {
	table, err := NewTable(testPageSize,
		Segment{Vaddr: 0x601800, MemSize: 0x1000},
		Segment{Vaddr: 0x400000, MemSize: 0x1800},
		Segment{Vaddr: 0x401800, MemSize: 0x100},
		Segment{Vaddr: 0x403000, MemSize: 0x10},
	)
	if err != nil {
		t.Fatalf("NewTable failed: %v", err)
	}
	want := []hostarch.AddrRange{
		{Start: 0x400000, End: 0x402000},
		{Start: 0x403000, End: 0x404000},
		{Start: 0x601000, End: 0x603000},
	}
	if diff := cmp.Diff(want, table.Mappings()); diff != "" {
		t.Errorf("Mappings mismatch (-want +got):\n%s", diff)
	}
}

func TestPresenceIsPerSegment(t *testing.T) {
	f := newFixture(t,
		Segment{Vaddr: 0x400000, MemSize: 0x2000, FileSize: 0x2000, Perm: hostarch.Read},
		Segment{Vaddr: 0x600000, MemSize: 0x2000, Perm: hostarch.ReadWrite},
	)
	f.guest.access(0x601000, hostarch.Write)
	segs := f.table.Segments()
	if got := segs[0].PresentPages(); len(got) != 0 {
		t.Errorf("first segment present pages = %v, want none", got)
	}
	if diff := cmp.Diff([]uint32{1}, segs[1].PresentPages()); diff != "" {
		t.Errorf("second segment present pages mismatch (-want +got):\n%s", diff)
	}
}
