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

package config

import (
	"fmt"
	"reflect"
	"strconv"

	"github.com/BurntSushi/toml"
	"github.com/pagein/pagein/pagein/flag"
	"github.com/xyproto/env/v2"
)

// RegisterFlags registers flags used to populate Config.
func RegisterFlags(flagSet *flag.FlagSet) {
	flagSet.String("config", "", "path of a TOML file with pagein settings. Flags set on the command line and PAGEIN_* environment variables take precedence.")

	// Debugging flags.
	flagSet.String("log", "", "file path where internal debug information is written, default is to discard it.")
	flagSet.String("log-format", "text", "log format: text (default) or json.")
	flagSet.Bool("debug", false, "enable debug logging.")
	flagSet.Bool("alsologtostderr", false, "send log messages to stderr.")

	// Flags that control demand paging.
	flagSet.Uint64("page-size", 0, "page size used for demand paging; 0 uses the host page size.")
	flagSet.Bool("stats", false, "print demand paging counters to stderr after the program exits.")
	flagSet.Bool("forward-signals", true, "forward signals received by pagein to the program.")
}

// NewFromFlags creates a new Config with values coming from command line
// flags, the config file named by --config, and the environment.
func NewFromFlags(flagSet *flag.FlagSet) (*Config, error) {
	conf := &Config{}

	// Flags set explicitly on the command line override all other sources.
	explicit := make(map[string]bool)
	flagSet.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	obj := reflect.ValueOf(conf).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		name, ok := f.Tag.Lookup("flag")
		if !ok {
			// No flag set for this field.
			continue
		}
		fl := flagSet.Lookup(name)
		if fl == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		x := reflect.ValueOf(flag.Get(fl.Value))
		obj.Field(i).Set(x)
	}

	if conf.ConfigFile != "" {
		if err := conf.loadFile(explicit); err != nil {
			return nil, err
		}
	}
	if err := conf.loadEnv(explicit); err != nil {
		return nil, err
	}

	if err := conf.validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// loadFile sets fields from the TOML config file, except those whose flag
// was set explicitly.
func (c *Config) loadFile(explicit map[string]bool) error {
	var file Config
	md, err := toml.DecodeFile(c.ConfigFile, &file)
	if err != nil {
		return fmt.Errorf("reading config file %q: %w", c.ConfigFile, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("config file %q: unknown settings %v", c.ConfigFile, undecoded)
	}

	obj := reflect.ValueOf(c).Elem()
	fileObj := reflect.ValueOf(&file).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		key, ok := f.Tag.Lookup("toml")
		if !ok || key == "-" || explicit[f.Tag.Get("flag")] {
			continue
		}
		if md.IsDefined(key) {
			obj.Field(i).Set(fileObj.Field(i))
		}
	}
	return nil
}

// loadEnv sets fields from PAGEIN_* environment variables, except those
// whose flag was set explicitly.
func (c *Config) loadEnv(explicit map[string]bool) error {
	// env caches the environment on first use; reread it so that changes
	// made since then are seen.
	env.Load()

	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		name, ok := f.Tag.Lookup("env")
		if !ok || explicit[f.Tag.Get("flag")] || !env.Has(name) {
			continue
		}
		field := obj.Field(i)
		switch field.Kind() {
		case reflect.Bool:
			field.SetBool(env.Bool(name))
		case reflect.String:
			field.SetString(env.Str(name))
		case reflect.Uint64:
			v, err := strconv.ParseUint(env.Str(name), 0, 64)
			if err != nil {
				return fmt.Errorf("invalid %s: %w", name, err)
			}
			field.SetUint(v)
		default:
			panic("unknown type " + field.Kind().String())
		}
	}
	return nil
}

// ToFlags returns a slice of flags that correspond to the given Config.
func (c *Config) ToFlags() []string {
	var rv []string

	// Construct a temporary set for default plumbing.
	flagSet := flag.NewFlagSet("tmp", flag.ContinueOnError)
	RegisterFlags(flagSet)

	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		name, ok := f.Tag.Lookup("flag")
		if !ok {
			// No flag set for this field.
			continue
		}
		val := getVal(obj.Field(i))

		flag := flagSet.Lookup(name)
		if flag == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		if val == flag.DefValue {
			continue
		}
		rv = append(rv, fmt.Sprintf("--%s=%s", flag.Name, val))
	}
	return rv
}

func getVal(field reflect.Value) string {
	if str, ok := field.Addr().Interface().(fmt.Stringer); ok {
		return str.String()
	}
	switch field.Kind() {
	case reflect.Bool:
		return strconv.FormatBool(field.Bool())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(field.Int(), 10)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return strconv.FormatUint(field.Uint(), 10)
	case reflect.String:
		return field.String()
	default:
		panic("unknown type " + field.Kind().String())
	}
}
