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

package bitmap

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func mustNew(t *testing.T, size uint32) *Bitmap {
	t.Helper()
	b, err := New(size)
	if err != nil {
		t.Fatalf("New(%d) failed: %v", size, err)
	}
	return b
}

func TestEmptyBitmap(t *testing.T) {
	b := mustNew(t, 70)
	if got := b.ToSlice(); len(got) != 0 {
		t.Errorf("new bitmap has bits %v set", got)
	}
	for i := uint32(0); i < 70; i++ {
		if b.Contains(i) {
			t.Errorf("bit %d set in an empty bitmap", i)
		}
	}
}

func TestAdd(t *testing.T) {
	b := mustNew(t, 130)
	for _, i := range []uint32{0, 3, 63, 64, 129} {
		if !b.Add(i) {
			t.Errorf("Add(%d) = false, want true", i)
		}
	}
	// Setting a bit twice is a no-op.
	if b.Add(63) {
		t.Errorf("second Add(63) = true, want false")
	}
	if b.Add(130) {
		t.Errorf("Add(130) out of range = true, want false")
	}
	if diff := cmp.Diff([]uint32{0, 3, 63, 64, 129}, b.ToSlice()); diff != "" {
		t.Errorf("ToSlice() mismatch (-want +got):\n%s", diff)
	}
	if b.Contains(130) {
		t.Errorf("Contains(130) out of range = true")
	}
}

func TestNewTooLarge(t *testing.T) {
	if _, err := New(MaxBitEntryLimit + 1); err == nil {
		t.Errorf("New(%d) succeeded, want error", MaxBitEntryLimit+1)
	}
}
