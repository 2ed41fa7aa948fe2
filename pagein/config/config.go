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

// Package config provides basic infrastructure to set configuration settings
// for pagein. Each setting is registered as a command line flag and can also
// be set from a TOML file or from the environment.
package config

import (
	"fmt"

	"github.com/pagein/pagein/pkg/log"
)

// Config holds configuration that is not part of the program being run.
type Config struct {
	// ConfigFile is the path of a TOML file with settings. Settings from the
	// file take precedence over defaults, but not over flags set on the
	// command line or over the environment.
	ConfigFile string `flag:"config" toml:"-"`

	// LogFilename is the filename to log to, if not empty.
	LogFilename string `flag:"log" toml:"log" env:"PAGEIN_LOG"`

	// LogFormat is the log format.
	LogFormat string `flag:"log-format" toml:"log_format" env:"PAGEIN_LOG_FORMAT"`

	// Debug indicates that debug logging should be enabled.
	Debug bool `flag:"debug" toml:"debug" env:"PAGEIN_DEBUG"`

	// AlsoLogToStderr allows to send log messages to stderr.
	AlsoLogToStderr bool `flag:"alsologtostderr" toml:"alsologtostderr"`

	// PageSize overrides the page size used for demand paging. Zero uses the
	// host page size.
	PageSize uint64 `flag:"page-size" toml:"page_size" env:"PAGEIN_PAGE_SIZE"`

	// Stats prints demand paging counters after the program exits.
	Stats bool `flag:"stats" toml:"stats" env:"PAGEIN_STATS"`

	// ForwardSignals forwards signals received by pagein to the program.
	ForwardSignals bool `flag:"forward-signals" toml:"forward_signals" env:"PAGEIN_FORWARD_SIGNALS"`
}

func (c *Config) validate() error {
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format %q, must be 'text' or 'json'", c.LogFormat)
	}
	if c.PageSize&(c.PageSize-1) != 0 {
		return fmt.Errorf("page size %#x is not a power of two", c.PageSize)
	}
	return nil
}

// Log logs important aspects of the configuration to the given log function.
func (c *Config) Log() {
	log.Infof("Config:")
	log.Infof("\t\tConfigFile: %q", c.ConfigFile)
	log.Infof("\t\tLogFilename: %q", c.LogFilename)
	log.Infof("\t\tLogFormat: %s", c.LogFormat)
	log.Infof("\t\tDebug: %t", c.Debug)
	log.Infof("\t\tPageSize: %#x", c.PageSize)
	log.Infof("\t\tStats: %t", c.Stats)
	log.Infof("\t\tForwardSignals: %t", c.ForwardSignals)
}
