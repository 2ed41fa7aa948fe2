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

package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/google/subcommands"
	"github.com/pagein/pagein/pagein/cmd/util"
	"github.com/pagein/pagein/pagein/config"
	"github.com/pagein/pagein/pagein/flag"
	"github.com/pagein/pagein/pkg/demand"
	"github.com/pagein/pagein/pkg/hostarch"
	"github.com/pagein/pagein/pkg/image"
)

// Segments implements subcommands.Command for the "segments" command.
type Segments struct {
	json bool
}

// Name implements subcommands.Command.Name.
func (*Segments) Name() string {
	return "segments"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Segments) Synopsis() string {
	return "print the loadable segments of a program image"
}

// Usage implements subcommands.Command.Usage.
func (*Segments) Usage() string {
	return `segments [flags] <image> - print the segment table pagein would use for <image>.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Segments) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&s.json, "json", false, "print the table as JSON.")
}

// segmentInfo is the JSON form of a segment.
type segmentInfo struct {
	Vaddr    hostarch.Addr `json:"vaddr"`
	MemSize  uint64        `json:"mem_size"`
	FileSize uint64        `json:"file_size"`
	Offset   uint64        `json:"offset"`
	Perm     string        `json:"perm"`
	Pages    uint32        `json:"pages"`
}

// imageInfo is the JSON form of an image.
type imageInfo struct {
	Path     string        `json:"path"`
	Entry    hostarch.Addr `json:"entry"`
	PIE      bool          `json:"pie"`
	Machine  string        `json:"machine"`
	PageSize uint64        `json:"page_size"`
	Segments []segmentInfo `json:"segments"`
}

// Execute implements subcommands.Command.Execute.
func (s *Segments) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	img, err := image.Parse(f.Arg(0))
	if err != nil {
		util.Fatalf("parsing image: %v", err)
	}
	pageSize := conf.PageSize
	if pageSize == 0 {
		pageSize = hostarch.HostPageSize()
	}
	table, err := img.Table(pageSize)
	if err != nil {
		util.Fatalf("building segment table: %v", err)
	}

	info := describe(img, table)
	if s.json {
		err = writeJSON(os.Stdout, info)
	} else {
		err = writeText(os.Stdout, info)
	}
	if err != nil {
		return util.Errorf("writing segments: %v", err)
	}
	return subcommands.ExitSuccess
}

func describe(img *image.Image, table *demand.Table) imageInfo {
	info := imageInfo{
		Path:     img.Path,
		Entry:    img.Entry,
		PIE:      img.PIE,
		Machine:  img.Machine.String(),
		PageSize: table.PageSize(),
	}
	for _, seg := range table.Segments() {
		info.Segments = append(info.Segments, segmentInfo{
			Vaddr:    seg.Vaddr,
			MemSize:  seg.MemSize,
			FileSize: seg.FileSize,
			Offset:   seg.Offset,
			Perm:     seg.Perm.String(),
			Pages:    seg.NumPages(table.PageSize()),
		})
	}
	return info
}

func writeJSON(w io.Writer, info imageInfo) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(info)
}

func writeText(w io.Writer, info imageInfo) error {
	kind := "static"
	if info.PIE {
		kind = "static-pie"
	}
	fmt.Fprintf(w, "%s: %s %s, entry %v, page size %#x\n", info.Path, kind, info.Machine, info.Entry, info.PageSize)
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "VADDR\tMEMSZ\tFILESZ\tOFFSET\tPERM\tPAGES")
	for _, seg := range info.Segments {
		fmt.Fprintf(tw, "%v\t%#x\t%#x\t%#x\t%s\t%d\n", seg.Vaddr, seg.MemSize, seg.FileSize, seg.Offset, seg.Perm, seg.Pages)
	}
	return tw.Flush()
}
