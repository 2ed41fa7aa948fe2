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
	"bytes"
	"errors"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/pagein/pagein/pkg/abi/linux"
	"github.com/pagein/pagein/pkg/hostarch"
)

const testPageSize = 0x1000

// fakePage is a page of the fake guest address space.
type fakePage struct {
	data []byte
	perm hostarch.AccessType
}

// fakeAddressSpace is an AddressSpace that keeps pages in memory and records
// every operation.
type fakeAddressSpace struct {
	pageSize uint64
	pages    map[hostarch.Addr]*fakePage
	ops      []string

	failMap     bool
	failWrite   bool
	failProtect bool
}

func newFakeAddressSpace(pageSize uint64) *fakeAddressSpace {
	return &fakeAddressSpace{
		pageSize: pageSize,
		pages:    make(map[hostarch.Addr]*fakePage),
	}
}

// MapAnonymous implements AddressSpace.MapAnonymous.
func (f *fakeAddressSpace) MapAnonymous(addr hostarch.Addr, length uint64) error {
	f.ops = append(f.ops, fmt.Sprintf("map %v+%#x", addr, length))
	if f.failMap {
		return errors.New("mmap failed")
	}
	if !addr.IsAligned(f.pageSize) || length%f.pageSize != 0 {
		return fmt.Errorf("unaligned mapping %v+%#x", addr, length)
	}
	for a := addr; a < addr+hostarch.Addr(length); a += hostarch.Addr(f.pageSize) {
		f.pages[a] = &fakePage{data: make([]byte, f.pageSize), perm: hostarch.ReadWrite}
	}
	return nil
}

// Write implements AddressSpace.Write.
func (f *fakeAddressSpace) Write(addr hostarch.Addr, data []byte) error {
	f.ops = append(f.ops, fmt.Sprintf("write %v+%#x", addr, len(data)))
	if f.failWrite {
		return errors.New("write failed")
	}
	for i, b := range data {
		a := addr + hostarch.Addr(i)
		p, ok := f.pages[a.AlignDown(f.pageSize)]
		if !ok || !p.perm.Write {
			return fmt.Errorf("write to %v faults", a)
		}
		p.data[a-a.AlignDown(f.pageSize)] = b
	}
	return nil
}

// Protect implements AddressSpace.Protect.
func (f *fakeAddressSpace) Protect(addr hostarch.Addr, length uint64, at hostarch.AccessType) error {
	f.ops = append(f.ops, fmt.Sprintf("protect %v+%#x %v", addr, length, at))
	if f.failProtect {
		return errors.New("mprotect failed")
	}
	for a := addr; a < addr+hostarch.Addr(length); a += hostarch.Addr(f.pageSize) {
		p, ok := f.pages[a]
		if !ok {
			return fmt.Errorf("protect of unmapped page %v", a)
		}
		p.perm = at
	}
	return nil
}

// byteAt returns the byte at addr, which must be mapped.
func (f *fakeAddressSpace) byteAt(t *testing.T, addr hostarch.Addr) byte {
	t.Helper()
	p, ok := f.pages[addr.AlignDown(f.pageSize)]
	if !ok {
		t.Fatalf("address %v is not mapped", addr)
	}
	return p.data[addr-addr.AlignDown(f.pageSize)]
}

// guest simulates a single-threaded guest issuing memory accesses against a
// fakeAddressSpace, with faults routed to a FaultHandler.
type guest struct {
	as         *fakeAddressSpace
	handler    FaultHandler
	terminated bool
	faults     int
}

// access performs an access of type at to addr. It returns false if the
// guest was terminated.
func (g *guest) access(addr hostarch.Addr, at hostarch.AccessType) bool {
	if g.terminated {
		return false
	}
	for attempt := 0; attempt < 2; attempt++ {
		code := int32(linux.SEGV_MAPERR)
		if p, ok := g.as.pages[addr.AlignDown(g.as.pageSize)]; ok {
			if p.perm.SupersetOf(at) {
				return true
			}
			code = linux.SEGV_ACCERR
		}
		g.faults++
		if g.handler.HandleFault(linux.FaultInfo(addr, code)) == Deliver {
			g.terminated = true
			return false
		}
	}
	// The handler resumed without making the access possible.
	g.terminated = true
	return false
}

// countingReader records every positioned read.
type countingReader struct {
	r     *bytes.Reader
	reads []string
}

// ReadAt implements io.ReaderAt.ReadAt.
func (c *countingReader) ReadAt(p []byte, off int64) (int, error) {
	c.reads = append(c.reads, fmt.Sprintf("%#x+%#x", off, len(p)))
	return c.r.ReadAt(p, off)
}

// testImage returns an image of n bytes with a recognizable pattern.
func testImage(n int) []byte {
	img := make([]byte, n)
	for i := range img {
		img[i] = byte(i*7 + 3)
		if img[i] == 0 {
			img[i] = 0xff
		}
	}
	return img
}

type fixture struct {
	img      []byte
	reader   *countingReader
	as       *fakeAddressSpace
	table    *Table
	handler  *Handler
	guest    *guest
	previous int
}

func newFixture(t *testing.T, segs ...Segment) *fixture {
	t.Helper()
	f := &fixture{img: testImage(0x10000)}
	f.reader = &countingReader{r: bytes.NewReader(f.img)}
	f.as = newFakeAddressSpace(testPageSize)
	table, err := NewTable(testPageSize, segs...)
	if err != nil {
		t.Fatalf("NewTable failed: %v", err)
	}
	f.table = table
	previous := HandlerFunc(func(*linux.SignalInfo) Action {
		f.previous++
		return Deliver
	})
	h, err := NewHandler(table, f.reader, f.as, previous)
	if err != nil {
		t.Fatalf("NewHandler failed: %v", err)
	}
	f.handler = h
	f.guest = &guest{as: f.as, handler: h}
	return f
}

// checkPage verifies the contents and protection of the page at base against
// segment s.
func (f *fixture) checkPage(t *testing.T, s *Segment, base hostarch.Addr) {
	t.Helper()
	p, ok := f.as.pages[base]
	if !ok {
		t.Fatalf("page %v is not mapped", base)
	}
	if p.perm != s.Perm {
		t.Errorf("page %v protection = %v, want %v", base, p.perm, s.Perm)
	}
	want := make([]byte, testPageSize)
	fileEnd := s.Vaddr + hostarch.Addr(s.FileSize)
	for i := range want {
		a := base + hostarch.Addr(i)
		if a >= s.Vaddr && a < fileEnd {
			want[i] = f.img[s.Offset+uint64(a-s.Vaddr)]
		}
	}
	if !bytes.Equal(p.data, want) {
		for i := range want {
			if p.data[i] != want[i] {
				t.Fatalf("page %v byte %#x = %#x, want %#x", base, i, p.data[i], want[i])
			}
		}
	}
}

func TestReadOnlyCodePages(t *testing.T) {
	seg := Segment{Vaddr: 0x8048000, MemSize: 0x2000, FileSize: 0x2000, Offset: 0x1000, Perm: hostarch.ReadExecute}
	f := newFixture(t, seg)
	s := f.table.Segments()[0]

	if !f.guest.access(0x8048000, hostarch.Execute) {
		t.Fatalf("guest terminated executing the first page")
	}
	if !f.guest.access(0x8049000, hostarch.Execute) {
		t.Fatalf("guest terminated executing the second page")
	}
	if f.guest.faults != 2 {
		t.Errorf("faults = %d, want 2", f.guest.faults)
	}
	if diff := cmp.Diff([]string{"0x1000+0x1000", "0x2000+0x1000"}, f.reader.reads); diff != "" {
		t.Errorf("reads mismatch (-want +got):\n%s", diff)
	}
	f.checkPage(t, s, 0x8048000)
	f.checkPage(t, s, 0x8049000)
	if f.as.pages[0x8048000].perm.Write || f.as.pages[0x8049000].perm.Write {
		t.Errorf("code pages are writable")
	}
	if diff := cmp.Diff([]uint32{0, 1}, s.PresentPages()); diff != "" {
		t.Errorf("present pages mismatch (-want +got):\n%s", diff)
	}
}

func TestBSSTail(t *testing.T) {
	seg := Segment{Vaddr: 0x8050000, MemSize: 0x3000, FileSize: 0x1800, Offset: 0x2000, Perm: hostarch.ReadWrite}
	f := newFixture(t, seg)
	s := f.table.Segments()[0]

	if !f.guest.access(0x8051fff, hostarch.Read) {
		t.Fatalf("guest terminated reading the file-backed page")
	}
	if !f.guest.access(0x8052400, hostarch.Read) {
		t.Fatalf("guest terminated reading the bss page")
	}
	// The straddling page reads only the file-backed half; the bss page
	// reads nothing.
	if diff := cmp.Diff([]string{"0x3000+0x800"}, f.reader.reads); diff != "" {
		t.Errorf("reads mismatch (-want +got):\n%s", diff)
	}
	f.checkPage(t, s, 0x8051000)
	f.checkPage(t, s, 0x8052000)
	if got := f.as.byteAt(t, 0x8051fff); got != 0 {
		t.Errorf("byte past the file-backed range = %#x, want 0", got)
	}
	if got, want := f.as.byteAt(t, 0x80517ff), f.img[0x2000+0x17ff]; got != want {
		t.Errorf("last file-backed byte = %#x, want %#x", got, want)
	}
	if !f.guest.access(0x8052400, hostarch.Write) {
		t.Errorf("bss page is not writable")
	}
	if f.as.pages[0x8050000] != nil {
		t.Errorf("untouched page 0x8050000 was materialized")
	}
}

func TestUnalignedSegmentStart(t *testing.T) {
	seg := Segment{Vaddr: 0x8049010, MemSize: 0x100, FileSize: 0x100, Offset: 0x500, Perm: hostarch.Read}
	f := newFixture(t, seg)
	s := f.table.Segments()[0]

	if !f.guest.access(0x8049020, hostarch.Read) {
		t.Fatalf("guest terminated")
	}
	if diff := cmp.Diff([]string{"map 0x8049000+0x1000", "write 0x8049010+0x100", "protect 0x8049000+0x1000 r--"}, f.as.ops); diff != "" {
		t.Errorf("ops mismatch (-want +got):\n%s", diff)
	}
	f.checkPage(t, s, 0x8049000)
	if got := f.as.byteAt(t, 0x804900f); got != 0 {
		t.Errorf("byte before the segment = %#x, want 0", got)
	}
	if got := f.as.byteAt(t, 0x8049110); got != 0 {
		t.Errorf("byte after the segment = %#x, want 0", got)
	}
	if got, want := f.as.byteAt(t, 0x8049010), f.img[0x500]; got != want {
		t.Errorf("first segment byte = %#x, want %#x", got, want)
	}
}

func TestSecondAccessDoesNotFault(t *testing.T) {
	seg := Segment{Vaddr: 0x400000, MemSize: 0x1000, FileSize: 0x1000, Perm: hostarch.Read}
	f := newFixture(t, seg)

	f.guest.access(0x400010, hostarch.Read)
	f.guest.access(0x400ff0, hostarch.Read)
	if f.guest.faults != 1 {
		t.Errorf("faults = %d, want 1", f.guest.faults)
	}
	want := []string{"map 0x400000+0x1000", "write 0x400000+0x1000", "protect 0x400000+0x1000 r--"}
	if diff := cmp.Diff(want, f.as.ops); diff != "" {
		t.Errorf("ops mismatch (-want +got):\n%s", diff)
	}
	if got := len(f.reader.reads); got != 1 {
		t.Errorf("reads = %d, want 1", got)
	}
}

func TestPrefault(t *testing.T) {
	seg := Segment{Vaddr: 0x600000, MemSize: 0x3000, FileSize: 0x1800, Offset: 0x2000, Perm: hostarch.ReadWrite}
	f := newFixture(t, seg)

	// The range starts below the segment and ends mid-page.
	if err := f.handler.Prefault(hostarch.AddrRange{Start: 0x5ff000, End: 0x601800}); err != nil {
		t.Fatalf("Prefault failed: %v", err)
	}
	s := f.table.Segments()[0]
	f.checkPage(t, s, 0x600000)
	f.checkPage(t, s, 0x601000)
	if _, ok := f.as.pages[0x5ff000]; ok {
		t.Errorf("page outside every segment was mapped")
	}
	if diff := cmp.Diff([]uint32{0, 1}, s.PresentPages()); diff != "" {
		t.Errorf("present pages mismatch (-want +got):\n%s", diff)
	}

	// Prefaulted pages are not materialized again.
	ops := len(f.as.ops)
	if err := f.handler.Prefault(hostarch.AddrRange{Start: 0x600000, End: 0x602000}); err != nil {
		t.Fatalf("second Prefault failed: %v", err)
	}
	if got := f.as.ops[ops:]; len(got) != 0 {
		t.Errorf("second Prefault performed %v", got)
	}
	if !f.guest.access(0x601ff0, hostarch.Write) || f.guest.faults != 0 {
		t.Errorf("access to a prefaulted page faulted %d times", f.guest.faults)
	}
	if !f.guest.access(0x602000, hostarch.Read) || f.guest.faults != 1 {
		t.Errorf("access to the last page faulted %d times, want 1", f.guest.faults)
	}
}

func TestPrefaultFailure(t *testing.T) {
	seg := Segment{Vaddr: 0x600000, MemSize: 0x1000, Perm: hostarch.Read}
	f := newFixture(t, seg)
	f.as.failMap = true

	err := f.handler.Prefault(hostarch.AddrRange{Start: 0x600000, End: 0x601000})
	if !errors.Is(err, ErrMaterialize) {
		t.Errorf("Prefault = %v, want %v", err, ErrMaterialize)
	}
	if got := f.table.Segments()[0].PresentPages(); len(got) != 0 {
		t.Errorf("pages %v marked present after a failed mapping", got)
	}
}

func TestNullDereferenceIsDelegated(t *testing.T) {
	seg := Segment{Vaddr: 0x400000, MemSize: 0x1000, FileSize: 0x1000, Perm: hostarch.ReadExecute}
	f := newFixture(t, seg)

	if f.guest.access(0, hostarch.Read) {
		t.Fatalf("NULL dereference did not terminate the guest")
	}
	if f.previous != 1 {
		t.Errorf("previous handler called %d times, want 1", f.previous)
	}
	if len(f.as.ops) != 0 {
		t.Errorf("unexpected address space operations: %v", f.as.ops)
	}
	if got := f.handler.Stats(); got.DelegatedOutside != 1 || got.Delegated != 1 {
		t.Errorf("stats = %v, want one delegation outside segments", got)
	}
}

func TestWriteAfterReadOnlyMaterialization(t *testing.T) {
	seg := Segment{Vaddr: 0x400000, MemSize: 0x1000, FileSize: 0x800, Perm: hostarch.Read}
	f := newFixture(t, seg)

	if !f.guest.access(0x400100, hostarch.Read) {
		t.Fatalf("read terminated the guest")
	}
	if f.guest.access(0x400100, hostarch.Write) {
		t.Fatalf("write to a read-only page did not terminate the guest")
	}
	if f.previous != 1 {
		t.Errorf("previous handler called %d times, want 1", f.previous)
	}
	if got := f.handler.Stats(); got.DelegatedPresent != 1 || got.Maps != 1 {
		t.Errorf("stats = %v, want one mapping and one delegation of a present page", got)
	}
}

func TestSegmentEndIsExclusive(t *testing.T) {
	seg := Segment{Vaddr: 0x400000, MemSize: 0x1000, FileSize: 0x1000, Perm: hostarch.Read}
	f := newFixture(t, seg)
	if f.guest.access(0x401000, hostarch.Read) {
		t.Fatalf("access at the segment end was serviced")
	}
	if got := f.handler.Stats().DelegatedOutside; got != 1 {
		t.Errorf("DelegatedOutside = %d, want 1", got)
	}
}

func TestLastPagePartialMemSize(t *testing.T) {
	seg := Segment{Vaddr: 0x400000, MemSize: 0x1801, FileSize: 0x1801, Offset: 0, Perm: hostarch.ReadWrite}
	f := newFixture(t, seg)
	s := f.table.Segments()[0]

	if !f.guest.access(0x401800, hostarch.Read) {
		t.Fatalf("guest terminated reading the last byte")
	}
	f.checkPage(t, s, 0x401000)
	// Bytes past the segment in the same page are accessible and zero.
	if !f.guest.access(0x401900, hostarch.Write) {
		t.Errorf("bytes after the segment in its last page are not accessible")
	}
	if got := f.as.byteAt(t, 0x401900); got != 0 {
		t.Errorf("byte after the segment = %#x, want 0", got)
	}
}

func TestZeroFillInReadOnlySegment(t *testing.T) {
	seg := Segment{Vaddr: 0x400000, MemSize: 0x3000, FileSize: 0x100, Perm: hostarch.Read}
	f := newFixture(t, seg)
	s := f.table.Segments()[0]
	if !f.guest.access(0x402000, hostarch.Read) {
		t.Fatalf("guest terminated")
	}
	f.checkPage(t, s, 0x402000)
	if len(f.reader.reads) != 0 {
		t.Errorf("zero page read the image: %v", f.reader.reads)
	}
}

func TestSharedPage(t *testing.T) {
	text := Segment{Vaddr: 0x400000, MemSize: 0x1800, FileSize: 0x1800, Offset: 0, Perm: hostarch.ReadExecute}
	data := Segment{Vaddr: 0x401800, MemSize: 0x1000, FileSize: 0x400, Offset: 0x1800, Perm: hostarch.ReadWrite}
	f := newFixture(t, text, data)
	segs := f.table.Segments()

	if !f.guest.access(0x401900, hostarch.Write) {
		t.Fatalf("guest terminated writing data")
	}
	p := f.as.pages[0x401000]
	if want := hostarch.AnyAccess; p.perm != want {
		t.Errorf("shared page protection = %v, want %v", p.perm, want)
	}
	for i := 0; i < testPageSize; i++ {
		a := hostarch.Addr(0x401000 + i)
		var want byte
		if a < 0x401c00 {
			want = f.img[uint64(a)-0x400000]
		}
		if got := p.data[i]; got != want {
			t.Fatalf("shared page byte %v = %#x, want %#x", a, got, want)
		}
	}
	if !segs[0].Present(1) || !segs[1].Present(0) {
		t.Errorf("shared page not present in both segments")
	}
	// Executing the text half no longer faults.
	faults := f.guest.faults
	f.guest.access(0x401000, hostarch.Execute)
	if f.guest.faults != faults {
		t.Errorf("executing the shared page faulted again")
	}
	if got := f.handler.Stats().Maps; got != 1 {
		t.Errorf("Maps = %d, want 1", got)
	}
}

func TestMaterializationFailuresDelegate(t *testing.T) {
	for _, tc := range []struct {
		name  string
		setup func(f *fixture)
	}{
		{"map", func(f *fixture) { f.as.failMap = true }},
		{"write", func(f *fixture) { f.as.failWrite = true }},
		{"protect", func(f *fixture) { f.as.failProtect = true }},
		{"read", func(f *fixture) { f.reader.r = bytes.NewReader(f.img[:0x10]) }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			seg := Segment{Vaddr: 0x400000, MemSize: 0x1000, FileSize: 0x1000, Offset: 0x100, Perm: hostarch.Read}
			f := newFixture(t, seg)
			tc.setup(f)
			if f.guest.access(0x400000, hostarch.Read) {
				t.Fatalf("guest survived a failed materialization")
			}
			if f.previous != 1 {
				t.Errorf("previous handler called %d times, want 1", f.previous)
			}
			if f.table.Segments()[0].Present(0) {
				t.Errorf("failed page marked present")
			}
			if got := f.handler.Stats().DelegatedFailed; got != 1 {
				t.Errorf("DelegatedFailed = %d, want 1", got)
			}
		})
	}
}

func TestSignalNotFromFaultIsDelegated(t *testing.T) {
	seg := Segment{Vaddr: 0x400000, MemSize: 0x1000, FileSize: 0x1000, Perm: hostarch.Read}
	f := newFixture(t, seg)
	info := &linux.SignalInfo{Signo: int32(linux.SIGSEGV), Code: linux.SI_USER}
	if got := f.handler.HandleFault(info); got != Deliver {
		t.Errorf("HandleFault = %v, want %v", got, Deliver)
	}
	if len(f.as.ops) != 0 {
		t.Errorf("unexpected address space operations: %v", f.as.ops)
	}
}

func TestPreviousHandlerCanResume(t *testing.T) {
	table, err := NewTable(testPageSize, Segment{Vaddr: 0x400000, MemSize: 0x1000, Perm: hostarch.Read})
	if err != nil {
		t.Fatalf("NewTable failed: %v", err)
	}
	var seen []hostarch.Addr
	previous := HandlerFunc(func(info *linux.SignalInfo) Action {
		seen = append(seen, info.Addr())
		return Resume
	})
	h, err := NewHandler(table, bytes.NewReader(nil), newFakeAddressSpace(testPageSize), previous)
	if err != nil {
		t.Fatalf("NewHandler failed: %v", err)
	}
	if got := h.HandleFault(linux.FaultInfo(0x10, linux.SEGV_MAPERR)); got != Resume {
		t.Errorf("HandleFault = %v, want the previous handler's %v", got, Resume)
	}
	if diff := cmp.Diff([]hostarch.Addr{0x10}, seen); diff != "" {
		t.Errorf("previous handler saw (-want +got):\n%s", diff)
	}
}

func TestNilPreviousDelivers(t *testing.T) {
	table, err := NewTable(testPageSize)
	if err != nil {
		t.Fatalf("NewTable failed: %v", err)
	}
	h, err := NewHandler(table, bytes.NewReader(nil), newFakeAddressSpace(testPageSize), nil)
	if err != nil {
		t.Fatalf("NewHandler failed: %v", err)
	}
	if got := h.HandleFault(linux.FaultInfo(0x10, linux.SEGV_MAPERR)); got != Deliver {
		t.Errorf("HandleFault = %v, want %v", got, Deliver)
	}
}
