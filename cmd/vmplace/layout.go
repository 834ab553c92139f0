// Copyright 2025 The vmplace Authors.
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

package main

import (
	"context"
	"flag"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/subcommands"
	"vmplace.dev/vmplace/pkg/hostarch"
	"vmplace.dev/vmplace/pkg/limits"
	"vmplace.dev/vmplace/pkg/log"
	"vmplace.dev/vmplace/pkg/mm"
)

// layoutCmd implements subcommands.Command for the "layout" command.
type layoutCmd struct {
	minAddr   uint64
	maxAddr   uint64
	stack     string
	compat    bool
	legacy    bool
	randomize bool
	randBits  uint
}

// Name implements subcommands.Command.Name.
func (*layoutCmd) Name() string {
	return "layout"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*layoutCmd) Synopsis() string {
	return "print the address space layout chosen for a process profile"
}

// Usage implements subcommands.Command.Usage.
func (*layoutCmd) Usage() string {
	return `layout [flags]

Prints the mmap layout (base boundary and search direction) that would be
selected for a process with the given personality, stack limit, and
randomization settings.

OPTIONS:
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (l *layoutCmd) SetFlags(f *flag.FlagSet) {
	f.Uint64Var(&l.minAddr, "min-addr", 0, "lowest mappable address")
	f.Uint64Var(&l.maxAddr, "max-addr", 0xbf000000, "highest mappable address, exclusive")
	f.StringVar(&l.stack, "stack-limit", "8m", `stack size limit: bytes with optional k/m/g suffix, or "unlimited"`)
	f.BoolVar(&l.compat, "compat", false, "personality demands the address-compatibility layout")
	f.BoolVar(&l.legacy, "legacy", false, "force the legacy layout system-wide")
	f.BoolVar(&l.randomize, "randomize", true, "randomize the layout base")
	f.UintVar(&l.randBits, "rand-bits", mm.DefaultRandBits, "entropy width of the random displacement, in bits")
}

// Execute implements subcommands.Command.Execute.
func (l *layoutCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}

	stack, err := parseSize(l.stack)
	if err != nil {
		log.Warningf("bad -stack-limit: %v", err)
		return subcommands.ExitUsageError
	}
	ls := limits.NewLimitSet()
	ls.SetUnchecked(limits.Stack, limits.Limit{Cur: stack, Max: stack})

	layout, err := mm.PickMmapLayout(mm.AddressSpaceOpts{
		MinAddr:      hostarch.Addr(l.minAddr),
		MaxAddr:      hostarch.Addr(l.maxAddr),
		Limits:       ls,
		CompatLayout: l.compat,
		LegacyLayout: l.legacy,
		Randomize:    l.randomize,
		RandBits:     l.randBits,
	})
	if err != nil {
		log.Warningf("picking layout: %v", err)
		return subcommands.ExitFailure
	}

	fmt.Printf("direction: %v\n", layout.DefaultDirection)
	fmt.Printf("base:      %#x\n", layout.Base)
	fmt.Printf("min addr:  %#x\n", layout.MinAddr)
	fmt.Printf("max addr:  %#x\n", layout.MaxAddr)
	return subcommands.ExitSuccess
}

// parseSize parses a byte count with an optional k/m/g suffix, or
// "unlimited".
func parseSize(s string) (uint64, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "unlimited" {
		return limits.Infinity, nil
	}
	shift := uint(0)
	switch {
	case strings.HasSuffix(s, "k"):
		shift, s = 10, s[:len(s)-1]
	case strings.HasSuffix(s, "m"):
		shift, s = 20, s[:len(s)-1]
	case strings.HasSuffix(s, "g"):
		shift, s = 30, s[:len(s)-1]
	}
	n, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, err
	}
	if n != 0 && n > (^uint64(0))>>shift {
		return 0, fmt.Errorf("size %q overflows", s)
	}
	return n << shift, nil
}
