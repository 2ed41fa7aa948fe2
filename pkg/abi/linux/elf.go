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

package linux

import (
	"fmt"

	"github.com/pagein/pagein/pkg/hostarch"
)

// Linux auxiliary vector entry types.
const (
	// AT_NULL is the end of the auxiliary vector.
	AT_NULL = 0

	// AT_PHDR points to the program headers.
	AT_PHDR = 3

	// AT_PAGESZ is the system page size.
	AT_PAGESZ = 6

	// AT_BASE is the base address of the interpreter.
	AT_BASE = 7

	// AT_ENTRY is the program entry point.
	AT_ENTRY = 9
)

// AuxEntry represents an entry in an auxv.
type AuxEntry struct {
	Key   uint64
	Value uint64
}

// Auxv represents an auxiliary vector.
type Auxv []AuxEntry

// ParseAuxv decodes a native auxiliary vector, as found in /proc/PID/auxv.
// Decoding stops at AT_NULL.
func ParseAuxv(b []byte) (Auxv, error) {
	const entrySize = 16
	if len(b)%entrySize != 0 {
		return nil, fmt.Errorf("auxv length %d is not a multiple of %d", len(b), entrySize)
	}
	var auxv Auxv
	for ; len(b) >= entrySize; b = b[entrySize:] {
		e := AuxEntry{
			Key:   hostarch.ByteOrder.Uint64(b[0:8]),
			Value: hostarch.ByteOrder.Uint64(b[8:16]),
		}
		if e.Key == AT_NULL {
			break
		}
		auxv = append(auxv, e)
	}
	return auxv, nil
}

// Lookup returns the value of the first entry with the given key.
func (a Auxv) Lookup(key uint64) (uint64, bool) {
	for _, e := range a {
		if e.Key == key {
			return e.Value, true
		}
	}
	return 0, false
}
