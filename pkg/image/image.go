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

// Package image parses executable images into demand-paging segment tables.
//
// Only statically linked ELF64 little-endian images are supported: ET_EXEC,
// and ET_DYN without an interpreter (static-pie). Images are described by
// their PT_LOAD program headers; all other program headers are ignored.
package image

import (
	"bytes"
	"debug/elf"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"sort"

	"github.com/pagein/pagein/pkg/demand"
	"github.com/pagein/pagein/pkg/hostarch"
	"github.com/pagein/pagein/pkg/log"
)

var (
	// ErrNotELF is returned for files that are not ELF images.
	ErrNotELF = errors.New("not an ELF image")

	// ErrDynamic is returned for images that request a program interpreter.
	ErrDynamic = errors.New("dynamically linked image")

	// ErrInterpreterScript is returned for "#!" scripts.
	ErrInterpreterScript = errors.New("interpreter script")

	// ErrNoSegments is returned for images without loadable segments.
	ErrNoSegments = errors.New("no loadable segments")

	// ErrOverlap is returned for images whose loadable segments overlap.
	ErrOverlap = demand.ErrOverlap

	// ErrUnsupported is returned for ELF images of an unsupported class,
	// byte order, type or machine.
	ErrUnsupported = errors.New("unsupported image")

	// ErrTruncated is returned for images whose segments extend beyond the
	// end of the file.
	ErrTruncated = errors.New("segment extends beyond end of file")
)

const (
	// interpreterScriptMagic identifies an interpreter script.
	interpreterScriptMagic = "#!"

	// interpMaxLineLength is the maximum length for the first line of an
	// interpreter script.
	//
	// From execve(2): "A maximum line length of 127 characters is allowed
	// for the first line in a #! executable shell script."
	interpMaxLineLength = 127
)

// machines maps GOARCH to the ELF machine it executes.
var machines = map[string]elf.Machine{
	"amd64": elf.EM_X86_64,
	"arm64": elf.EM_AARCH64,
}

// Image is a parsed executable image.
type Image struct {
	// Path is the path the image was parsed from.
	Path string

	// Size is the size of the image file in bytes.
	Size int64

	// Entry is the entry point from the ELF header. For PIE images it is
	// relative to the load bias.
	Entry hostarch.Addr

	// PIE is true for position-independent (ET_DYN) images, whose segments
	// are relocated by the kernel at exec time.
	PIE bool

	// Machine is the image's target architecture.
	Machine elf.Machine

	// Segments are the loadable segments in program header order. Presence
	// maps are not yet allocated.
	Segments []demand.Segment

	// RelRO is the range named by PT_GNU_RELRO, which the C runtime makes
	// read-only after relocation. It is empty if the image has none. For
	// PIE images it is relative to the load bias.
	RelRO hostarch.AddrRange
}

// Parse parses the image at path.
func Parse(path string) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if !fi.Mode().IsRegular() {
		return nil, fmt.Errorf("%s: not a regular file", path)
	}
	img, err := Read(f, fi.Size())
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	img.Path = path
	return img, nil
}

// Read parses an image of size bytes from r.
func Read(r io.ReaderAt, size int64) (*Image, error) {
	var magic [len(interpreterScriptMagic)]byte
	if _, err := r.ReadAt(magic[:], 0); err != nil {
		if err == io.EOF {
			return nil, fmt.Errorf("%w: file too short", ErrNotELF)
		}
		return nil, err
	}
	if string(magic[:]) == interpreterScriptMagic {
		interp, err := parseInterpreterScript(r)
		if err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: interpreter %q", ErrInterpreterScript, interp)
	}

	ef, err := elf.NewFile(r)
	if err != nil {
		var fe *elf.FormatError
		if errors.As(err, &fe) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: %v", ErrNotELF, err)
		}
		return nil, err
	}

	if ef.Class != elf.ELFCLASS64 {
		return nil, fmt.Errorf("%w: class %v", ErrUnsupported, ef.Class)
	}
	if ef.Data != elf.ELFDATA2LSB {
		return nil, fmt.Errorf("%w: byte order %v", ErrUnsupported, ef.Data)
	}
	img := &Image{
		Size:    size,
		Entry:   hostarch.Addr(ef.Entry),
		Machine: ef.Machine,
	}
	switch ef.Type {
	case elf.ET_EXEC:
	case elf.ET_DYN:
		img.PIE = true
	default:
		return nil, fmt.Errorf("%w: type %v", ErrUnsupported, ef.Type)
	}
	if !img.supportedMachine() {
		return nil, fmt.Errorf("%w: machine %v", ErrUnsupported, ef.Machine)
	}

	for i, prog := range ef.Progs {
		switch prog.Type {
		case elf.PT_INTERP:
			return nil, fmt.Errorf("%w: program header %d is PT_INTERP", ErrDynamic, i)
		case elf.PT_GNU_RELRO:
			rr, ok := hostarch.Addr(prog.Vaddr).ToRange(prog.Memsz)
			if !ok {
				return nil, fmt.Errorf("%w: PT_GNU_RELRO at %#x of size %#x overflows", ErrUnsupported, prog.Vaddr, prog.Memsz)
			}
			img.RelRO = rr
			continue
		case elf.PT_LOAD:
		default:
			continue
		}
		if prog.Filesz > prog.Memsz {
			return nil, fmt.Errorf("%w: PT_LOAD %d file size %#x exceeds memory size %#x", ErrUnsupported, i, prog.Filesz, prog.Memsz)
		}
		end := prog.Off + prog.Filesz
		if end < prog.Off || end > uint64(size) {
			return nil, fmt.Errorf("%w: PT_LOAD %d ends at %#x, file size %#x", ErrTruncated, i, end, size)
		}
		if prog.Memsz == 0 {
			log.Debugf("Ignoring empty PT_LOAD %d at %#x", i, prog.Vaddr)
			continue
		}
		if _, ok := hostarch.Addr(prog.Vaddr).AddLength(prog.Memsz); !ok {
			return nil, fmt.Errorf("%w: PT_LOAD %d at %#x of size %#x overflows", ErrUnsupported, i, prog.Vaddr, prog.Memsz)
		}
		img.Segments = append(img.Segments, demand.Segment{
			Vaddr:    hostarch.Addr(prog.Vaddr),
			MemSize:  prog.Memsz,
			FileSize: prog.Filesz,
			Offset:   prog.Off,
			Perm:     progPerm(prog.Flags),
		})
	}
	if len(img.Segments) == 0 {
		return nil, ErrNoSegments
	}
	if err := checkOverlap(img.Segments); err != nil {
		return nil, err
	}
	return img, nil
}

// Native returns true if the image targets the host architecture.
func (img *Image) Native() bool {
	m, ok := machines[runtime.GOARCH]
	return ok && m == img.Machine
}

// Table returns a segment table for the image's segments.
func (img *Image) Table(pageSize uint64) (*demand.Table, error) {
	return demand.NewTable(pageSize, img.Segments...)
}

func (img *Image) supportedMachine() bool {
	for _, m := range machines {
		if m == img.Machine {
			return true
		}
	}
	return false
}

// progPerm converts ELF segment flags to an AccessType.
func progPerm(flags elf.ProgFlag) hostarch.AccessType {
	return hostarch.AccessType{
		Read:    flags&elf.PF_R != 0,
		Write:   flags&elf.PF_W != 0,
		Execute: flags&elf.PF_X != 0,
	}
}

// checkOverlap returns ErrOverlap if any two segments overlap. Segments
// sharing a page without overlapping are allowed.
func checkOverlap(segs []demand.Segment) error {
	sorted := make([]hostarch.AddrRange, 0, len(segs))
	for i := range segs {
		sorted = append(sorted, segs[i].Range())
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start < sorted[j].Start })
	for i := 1; i < len(sorted); i++ {
		if sorted[i].Overlaps(sorted[i-1]) {
			return fmt.Errorf("%w: %v and %v", ErrOverlap, sorted[i-1], sorted[i])
		}
	}
	return nil
}

// parseInterpreterScript returns the interpreter named on the first line of
// a "#!" script.
func parseInterpreterScript(r io.ReaderAt) (string, error) {
	line := make([]byte, interpMaxLineLength)
	n, err := r.ReadAt(line, 0)
	// Short read is OK.
	if err != nil && err != io.EOF {
		return "", err
	}
	line = line[len(interpreterScriptMagic):n]

	// Ignore everything after newline.
	if i := bytes.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	line = bytes.TrimLeft(line, " \t")

	// Linux only looks for a space or tab delimiting the interpreter and
	// arg.
	if i := bytes.IndexAny(line, " \t"); i >= 0 {
		line = line[:i]
	}
	if len(line) == 0 {
		return "", fmt.Errorf("%w: no interpreter", ErrInterpreterScript)
	}
	return string(line), nil
}
