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

// Package cmd holds implementations of the pagein commands.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/subcommands"
	"github.com/pagein/pagein/pagein/cmd/util"
	"github.com/pagein/pagein/pagein/config"
	"github.com/pagein/pagein/pagein/flag"
	"github.com/pagein/pagein/pkg/loader"
	"github.com/pagein/pagein/pkg/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

// Run implements subcommands.Command for the "run" command.
type Run struct {
	// dir is the program's working directory.
	dir string

	// timeout kills the program after the given duration, if non-zero.
	timeout time.Duration

	// statsInterval logs demand paging counters periodically while the
	// program runs, if non-zero.
	statsInterval time.Duration
}

// Name implements subcommands.Command.Name.
func (*Run) Name() string {
	return "run"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Run) Synopsis() string {
	return "run a statically linked program, paging its segments in on demand"
}

// Usage implements subcommands.Command.Usage.
func (*Run) Usage() string {
	return `run [flags] <image> [args...] - run the program at <image>.

The program inherits pagein's environment and standard files. pagein exits
with the program's exit status, or 128+N if the program is killed by signal N.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (r *Run) SetFlags(f *flag.FlagSet) {
	f.StringVar(&r.dir, "dir", "", "working directory of the program; defaults to the current directory.")
	f.DurationVar(&r.timeout, "timeout", 0, "kill the program after this duration; 0 disables the timeout.")
	f.DurationVar(&r.statsInterval, "stats-interval", 0, "log demand paging counters at this interval while the program runs; 0 disables it.")
}

// Execute implements subcommands.Command.Execute.
func (r *Run) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() < 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	waitStatus := args[1].(*unix.WaitStatus)
	path := f.Arg(0)

	var opts []loader.Option
	if conf.PageSize != 0 {
		opts = append(opts, loader.WithPageSize(conf.PageSize))
	}
	if err := loader.Initialize(opts...); err != nil {
		util.Fatalf("initializing loader: %v", err)
	}

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	// The program and the stats reporter run until the program exits.
	g, gctx := errgroup.WithContext(ctx)
	done := make(chan struct{})
	var ws unix.WaitStatus
	g.Go(func() error {
		defer close(done)
		var err error
		ws, err = loader.Execute(ctx, path, f.Args(), loader.ExecOptions{
			Env:            os.Environ(),
			Dir:            r.dir,
			ForwardSignals: conf.ForwardSignals,
		})
		if errors.Is(err, context.DeadlineExceeded) {
			log.Warningf("Program %s killed after %v", path, r.timeout)
			return nil
		}
		return err
	})
	if r.statsInterval > 0 {
		g.Go(func() error {
			ticker := time.NewTicker(r.statsInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					log.Infof("Demand paging: %v", loader.Stats())
				case <-done:
					return nil
				case <-gctx.Done():
					return nil
				}
			}
		})
	}
	if err := g.Wait(); err != nil {
		util.Fatalf("running %s: %v", path, err)
	}

	if conf.Stats {
		fmt.Fprintf(os.Stderr, "pagein: %v\n", loader.Stats())
	}
	*waitStatus = ws
	return subcommands.ExitSuccess
}
