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

package mm

import (
	"fmt"

	"golang.org/x/sys/unix"
	"vmplace.dev/vmplace/pkg/hostarch"
	"vmplace.dev/vmplace/pkg/limits"
	"vmplace.dev/vmplace/pkg/rand"
)

const (
	// minGap is the minimum gap to leave at the top of the address space
	// for the stack.
	minGap = 128 << 20

	// DefaultRandBits is the default entropy width of the random base
	// displacement, in page-granularity bits.
	DefaultRandBits = 8
)

// MmapLayout defines the layout of the user address space for one process.
//
// Note that "highest address" below is always exclusive.
type MmapLayout struct {
	// MinAddr is the lowest mappable address.
	MinAddr hostarch.Addr

	// MaxAddr is the highest mappable address.
	MaxAddr hostarch.Addr

	// Base is the layout's base boundary: the lowest address a bottom-up
	// search starts from, or the highest address a top-down search works
	// down from.
	Base hostarch.Addr

	// DefaultDirection is the direction for non-fixed mmaps in this
	// layout.
	DefaultDirection MmapDirection
}

// Valid returns true if this layout is valid.
func (l *MmapLayout) Valid() bool {
	if l.MinAddr > l.MaxAddr {
		return false
	}
	if l.Base < l.MinAddr {
		return false
	}
	if l.Base > l.MaxAddr {
		return false
	}
	return true
}

// mmapIsLegacy returns true if the process must use the legacy bottom-up
// layout: the personality demands address compatibility, the stack may grow
// without bound, or policy forces legacy system-wide.
func mmapIsLegacy(compat bool, stack limits.Limit, forceLegacy bool) bool {
	if compat {
		return true
	}
	if stack.Cur == limits.Infinity {
		return true
	}
	return forceLegacy
}

// mmapRand returns a page-aligned random displacement carrying at most bits
// bits of entropy above the page offset.
func mmapRand(random func() uint64, bits uint) hostarch.Addr {
	return hostarch.Addr(random()&(1<<bits-1)) << hostarch.PageShift
}

// mmapBase computes the base boundary for a top-down layout: the top of the
// address space, minus room for the stack to grow, minus the random
// displacement. The stack room is the stack limit clamped into
// [minGap, 5/6 of the address space], bounding the waste when the configured
// limit is very small or very large.
func mmapBase(max hostarch.Addr, stack limits.Limit, rnd hostarch.Addr) hostarch.Addr {
	maxGap := uint64(max) / 6 * 5
	gap := stack.Cur
	if gap < minGap {
		gap = minGap
	} else if gap > maxGap {
		gap = maxGap
	}
	return (max - hostarch.Addr(gap) - rnd).RoundDown()
}

// PickMmapLayout selects the address space layout for a new process image.
// It runs once per image load; the returned layout is fixed for the life of
// the address space. Repeated calls may return different layouts (the random
// displacement is drawn per call), but a layout, once bound, never changes.
func PickMmapLayout(opts AddressSpaceOpts) (MmapLayout, error) {
	min, ok := opts.MinAddr.RoundUp()
	if !ok {
		return MmapLayout{}, unix.EINVAL
	}
	max := opts.MaxAddr.RoundDown()
	if min > max {
		return MmapLayout{}, unix.EINVAL
	}

	stack := limits.Limit{Cur: limits.Infinity, Max: limits.Infinity}
	if opts.Limits != nil {
		stack = opts.Limits.Get(limits.Stack)
	}

	var rnd hostarch.Addr
	if opts.Randomize {
		random := opts.Rand
		if random == nil {
			random = rand.Uint64
		}
		bits := opts.RandBits
		if bits == 0 {
			bits = DefaultRandBits
		}
		rnd = mmapRand(random, bits)
	}

	l := MmapLayout{
		MinAddr: min,
		MaxAddr: max,
	}
	if mmapIsLegacy(opts.CompatLayout, stack, opts.LegacyLayout) {
		// TASK_UNMAPPED_BASE plus the random displacement.
		l.Base = (max / 3).RoundDown() + rnd
		l.DefaultDirection = MmapBottomUp
	} else {
		l.Base = mmapBase(max, stack, rnd)
		l.DefaultDirection = MmapTopDown
	}

	// Final sanity check on the layout.
	if !l.Valid() {
		panic(fmt.Sprintf("invalid MmapLayout: %+v", l))
	}

	return l, nil
}
