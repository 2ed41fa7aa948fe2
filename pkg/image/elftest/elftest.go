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

// Package elftest builds small ELF images for tests.
package elftest

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
)

// pageSize is the file alignment of segment contents. It is the largest
// page size the images are expected to load on.
const pageSize = 0x10000

// Prog is a program header and the bytes it maps.
type Prog struct {
	Type  elf.ProgType
	Flags elf.ProgFlag
	Vaddr uint64

	// Memsz defaults to len(Data).
	Memsz uint64

	// Data is placed in the file at an offset congruent to Vaddr modulo
	// the page size.
	Data []byte
}

// Builder describes an ELF image.
type Builder struct {
	// Class defaults to ELFCLASS64. ELFCLASS32 images carry only a header.
	Class elf.Class

	// Type defaults to ET_EXEC.
	Type elf.Type

	// Machine defaults to EM_X86_64.
	Machine elf.Machine

	Entry uint64
	Progs []Prog
}

// Bytes returns the encoded image.
func (b *Builder) Bytes() []byte {
	var buf bytes.Buffer
	class := b.Class
	if class == elf.ELFCLASSNONE {
		class = elf.ELFCLASS64
	}
	typ := b.Type
	if typ == elf.ET_NONE {
		typ = elf.ET_EXEC
	}
	machine := b.Machine
	if machine == elf.EM_NONE {
		machine = elf.EM_X86_64
	}
	var ident [elf.EI_NIDENT]byte
	copy(ident[:], elf.ELFMAG)
	ident[elf.EI_CLASS] = byte(class)
	ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)

	if class == elf.ELFCLASS32 {
		binary.Write(&buf, binary.LittleEndian, elf.Header32{
			Ident:     ident,
			Type:      uint16(typ),
			Machine:   uint16(machine),
			Version:   uint32(elf.EV_CURRENT),
			Ehsize:    52,
			Phentsize: 32,
			Shentsize: 40,
		})
		return buf.Bytes()
	}

	const (
		ehsize    = 64
		phentsize = 56
	)
	phoff := uint64(ehsize)
	binary.Write(&buf, binary.LittleEndian, elf.Header64{
		Ident:     ident,
		Type:      uint16(typ),
		Machine:   uint16(machine),
		Version:   uint32(elf.EV_CURRENT),
		Entry:     b.Entry,
		Phoff:     phoff,
		Ehsize:    ehsize,
		Phentsize: phentsize,
		Phnum:     uint16(len(b.Progs)),
		Shentsize: 64,
	})

	// Lay out segment contents after the program headers.
	offsets := make([]uint64, len(b.Progs))
	next := phoff + uint64(len(b.Progs))*phentsize
	for i, p := range b.Progs {
		if len(p.Data) == 0 {
			offsets[i] = next
			continue
		}
		off := next&^(pageSize-1) + p.Vaddr%pageSize
		if off < next {
			off += pageSize
		}
		offsets[i] = off
		next = off + uint64(len(p.Data))
	}

	for i, p := range b.Progs {
		memsz := p.Memsz
		if memsz == 0 {
			memsz = uint64(len(p.Data))
		}
		binary.Write(&buf, binary.LittleEndian, elf.Prog64{
			Type:   uint32(p.Type),
			Flags:  uint32(p.Flags),
			Off:    offsets[i],
			Vaddr:  p.Vaddr,
			Paddr:  p.Vaddr,
			Filesz: uint64(len(p.Data)),
			Memsz:  memsz,
			Align:  pageSize,
		})
	}
	for i, p := range b.Progs {
		if len(p.Data) == 0 {
			continue
		}
		buf.Write(make([]byte, offsets[i]-uint64(buf.Len())))
		buf.Write(p.Data)
	}
	return buf.Bytes()
}

// WriteFile writes the image to an executable file in a test temporary
// directory and returns its path.
func (b *Builder) WriteFile(t testing.TB) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "image")
	if err := os.WriteFile(path, b.Bytes(), 0755); err != nil {
		t.Fatalf("writing image: %v", err)
	}
	return path
}
