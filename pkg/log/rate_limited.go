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

package log

import (
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// RateLimited logs debug messages to the global logger at most once per
// interval. Messages dropped in between are counted, and the count is
// appended to the next message that is logged.
type RateLimited struct {
	// logger overrides the global logger if set.
	logger     Logger
	limit      *rate.Limiter
	suppressed atomic.Uint64
}

// NewRateLimited returns a RateLimited logging at most once every interval.
func NewRateLimited(every time.Duration) *RateLimited {
	return &RateLimited{limit: rate.NewLimiter(rate.Every(every), 1)}
}

func (rl *RateLimited) target() Logger {
	if rl.logger != nil {
		return rl.logger
	}
	return Log()
}

// Debugf logs a debug message unless another one was logged within the
// interval. Messages below the logger's level are neither logged nor
// counted.
func (rl *RateLimited) Debugf(format string, v ...any) {
	l := rl.target()
	if !l.IsLogging(Debug) {
		return
	}
	if !rl.limit.Allow() {
		rl.suppressed.Add(1)
		return
	}
	if n := rl.suppressed.Swap(0); n > 0 {
		l.Debugf(format+" (%d similar messages suppressed)", append(v[:len(v):len(v)], n)...)
		return
	}
	l.Debugf(format, v...)
}
