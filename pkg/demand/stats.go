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
	"sync/atomic"
)

// Stats counts the work done by a Handler. Counters may be read while the
// handler runs.
type Stats struct {
	// Faults is the number of faults handled.
	Faults atomic.Uint64

	// Materialized is the number of pages made present.
	Materialized atomic.Uint64

	// Maps is the number of mappings established.
	Maps atomic.Uint64

	// Protects is the number of protection changes applied.
	Protects atomic.Uint64

	// Reads is the number of positioned reads from the image.
	Reads atomic.Uint64

	// BytesRead is the number of bytes read from the image.
	BytesRead atomic.Uint64

	// Delegated is the number of faults handed to the previous handler,
	// broken down by reason below.
	Delegated        atomic.Uint64
	DelegatedNoFault atomic.Uint64
	DelegatedOutside atomic.Uint64
	DelegatedPresent atomic.Uint64
	DelegatedFailed  atomic.Uint64
}

func (s *Stats) recordDelegation(reason error) {
	s.Delegated.Add(1)
	switch {
	case errors.Is(reason, ErrNotFault):
		s.DelegatedNoFault.Add(1)
	case errors.Is(reason, ErrNoSegment):
		s.DelegatedOutside.Add(1)
	case errors.Is(reason, ErrAlreadyPresent):
		s.DelegatedPresent.Add(1)
	default:
		s.DelegatedFailed.Add(1)
	}
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	Faults           uint64 `json:"faults"`
	Materialized     uint64 `json:"materialized"`
	Maps             uint64 `json:"maps"`
	Protects         uint64 `json:"protects"`
	Reads            uint64 `json:"reads"`
	BytesRead        uint64 `json:"bytes_read"`
	Delegated        uint64 `json:"delegated"`
	DelegatedNoFault uint64 `json:"delegated_not_fault"`
	DelegatedOutside uint64 `json:"delegated_outside"`
	DelegatedPresent uint64 `json:"delegated_present"`
	DelegatedFailed  uint64 `json:"delegated_failed"`
}

// Snapshot returns the current values of the counters.
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		Faults:           s.Faults.Load(),
		Materialized:     s.Materialized.Load(),
		Maps:             s.Maps.Load(),
		Protects:         s.Protects.Load(),
		Reads:            s.Reads.Load(),
		BytesRead:        s.BytesRead.Load(),
		Delegated:        s.Delegated.Load(),
		DelegatedNoFault: s.DelegatedNoFault.Load(),
		DelegatedOutside: s.DelegatedOutside.Load(),
		DelegatedPresent: s.DelegatedPresent.Load(),
		DelegatedFailed:  s.DelegatedFailed.Load(),
	}
}

// String implements fmt.Stringer.String.
func (s StatsSnapshot) String() string {
	return fmt.Sprintf("faults=%d materialized=%d maps=%d protects=%d reads=%d bytes=%d delegated=%d (not-fault=%d outside=%d present=%d failed=%d)",
		s.Faults, s.Materialized, s.Maps, s.Protects, s.Reads, s.BytesRead,
		s.Delegated, s.DelegatedNoFault, s.DelegatedOutside, s.DelegatedPresent, s.DelegatedFailed)
}
