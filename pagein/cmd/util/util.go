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

// Package util groups a bunch of common helper functions used by commands.
package util

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/subcommands"
	"github.com/pagein/pagein/pkg/log"
)

// ErrorLogger is where error messages should be written to. These messages are
// consumed by tools wrapping pagein, like the test harness.
var ErrorLogger io.Writer

// jsonError is an error log entry.
type jsonError struct {
	Msg   string    `json:"msg"`
	Level string    `json:"level"`
	Time  time.Time `json:"time"`
}

// Writef writes to stderr and the error log file, if any.
func Writef(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	if ErrorLogger != nil {
		j := jsonError{
			Msg:   fmt.Sprintf(format, args...),
			Level: "error",
			Time:  time.Now(),
		}
		b, err := json.Marshal(j)
		if err != nil {
			panic(err)
		}
		if _, err := ErrorLogger.Write(b); err != nil {
			panic(err)
		}
		if _, err := ErrorLogger.Write([]byte("\n")); err != nil {
			panic(err)
		}
	}
}

// Errorf logs error to the log and error files and returns subcommands.ExitFailure.
func Errorf(format string, args ...any) subcommands.ExitStatus {
	log.Warningf(format, args...)
	Writef(format, args...)
	return subcommands.ExitFailure
}

// Fatalf logs the same way as Errorf() does, plus *exits* the process.
func Fatalf(format string, args ...any) {
	Errorf(format, args...)
	// Return an error that is unlikely to be used by the program.
	os.Exit(128)
}
