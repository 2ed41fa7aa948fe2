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

// Package flag wraps the standard flag package for pagein commands.
package flag

import (
	"flag"
)

type FlagSet = flag.FlagSet
type Flag = flag.Flag
type Value = flag.Value

var (
	Bool        = flag.Bool
	CommandLine = flag.CommandLine
	Lookup      = flag.Lookup
	NewFlagSet  = flag.NewFlagSet
	Parse       = flag.Parse
	String      = flag.String
)

const (
	ContinueOnError = flag.ContinueOnError
	ExitOnError     = flag.ExitOnError
)

// Get returns the value held by v. Values registered through FlagSet
// implement flag.Getter.
func Get(v flag.Value) any {
	return v.(flag.Getter).Get()
}
