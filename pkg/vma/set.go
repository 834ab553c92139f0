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

// Package vma maintains the set of mapped regions in an address space and
// implements free-range searches over it.
//
// Set is not synchronized; callers hold their address-space lock across the
// search and the insertion that commits its result.
package vma

import (
	"fmt"

	"github.com/google/btree"
	"vmplace.dev/vmplace/pkg/hostarch"
	"vmplace.dev/vmplace/pkg/mm"
)

// stackGuardGap is the gap, in bytes, kept free below a grows-down region so
// that the region can expand without colliding with its lower neighbor.
const stackGuardGap = 256 << hostarch.PageShift

// Region is a mapped range of virtual addresses, [Start, End).
type Region struct {
	// Start is the first mapped address.
	Start hostarch.Addr

	// End is the address one past the last mapped byte.
	End hostarch.Addr

	// GrowsDown marks a stack-style region that expands toward lower
	// addresses and is preceded by a guard gap.
	GrowsDown bool
}

// WellFormed returns true if r describes a non-empty, page-aligned range.
func (r Region) WellFormed() bool {
	return r.Start < r.End && r.Start.IsPageAligned() && r.End.IsPageAligned()
}

// Length returns the length of the region in bytes.
func (r Region) Length() uint64 {
	return uint64(r.End - r.Start)
}

// guardedStart returns the boundary below which a new mapping must end to
// avoid intruding on r or, for grows-down regions, its guard gap.
func (r Region) guardedStart() hostarch.Addr {
	if !r.GrowsDown {
		return r.Start
	}
	if r.Start < stackGuardGap {
		return 0
	}
	return r.Start - stackGuardGap
}

// Set is an ordered set of non-overlapping regions. The zero Set is not
// usable; call NewSet.
type Set struct {
	regions *btree.BTreeG[Region]
	span    uint64
}

// NewSet returns an empty Set.
func NewSet() *Set {
	return &Set{
		regions: btree.NewG(8, func(a, b Region) bool {
			return a.Start < b.Start
		}),
	}
}

// Len returns the number of regions in the set.
func (s *Set) Len() int {
	return s.regions.Len()
}

// Span returns the total mapped size in bytes.
func (s *Set) Span() uint64 {
	return s.span
}

// Insert adds r to the set. It fails if r is malformed or overlaps an
// existing region.
func (s *Set) Insert(r Region) error {
	if !r.WellFormed() {
		return fmt.Errorf("malformed region [%#x, %#x)", r.Start, r.End)
	}
	if prev, ok := s.firstEndingAbove(r.Start); ok && prev.Start < r.End {
		return fmt.Errorf("region [%#x, %#x) overlaps [%#x, %#x)", r.Start, r.End, prev.Start, prev.End)
	}
	s.regions.ReplaceOrInsert(r)
	s.span += r.Length()
	return nil
}

// Remove removes the region starting at start, returning false if no such
// region exists.
func (s *Set) Remove(start hostarch.Addr) bool {
	r, ok := s.regions.Delete(Region{Start: start})
	if ok {
		s.span -= r.Length()
	}
	return ok
}

// firstEndingAbove returns the lowest region whose end is above addr. This
// is the region containing addr, if any, or else the next region up.
func (s *Set) firstEndingAbove(addr hostarch.Addr) (Region, bool) {
	var (
		found Region
		ok    bool
	)
	s.regions.DescendLessOrEqual(Region{Start: addr}, func(r Region) bool {
		if r.End > addr {
			found, ok = r, true
		}
		return false
	})
	if ok {
		return found, true
	}
	s.regions.AscendGreaterOrEqual(Region{Start: addr}, func(r Region) bool {
		found, ok = r, true
		return false
	})
	return found, ok
}

// GuardedStartAbove implements mm.RegionSource.GuardedStartAbove.
func (s *Set) GuardedStartAbove(addr hostarch.Addr) (hostarch.Addr, bool) {
	r, ok := s.firstEndingAbove(addr)
	if !ok {
		return 0, false
	}
	return r.guardedStart(), true
}

// alignUp returns the lowest address >= addr whose AlignMask bits match
// AlignOffset.
func alignUp(addr hostarch.Addr, b mm.SearchBounds) hostarch.Addr {
	return addr + ((b.AlignOffset - addr) & b.AlignMask)
}

// alignDown returns the highest address <= addr whose AlignMask bits match
// AlignOffset.
func alignDown(addr hostarch.Addr, b mm.SearchBounds) hostarch.Addr {
	return addr - ((addr - b.AlignOffset) & b.AlignMask)
}

// FindUnmapped implements mm.RegionSource.FindUnmapped.
func (s *Set) FindUnmapped(b mm.SearchBounds) (hostarch.Addr, bool) {
	length, ok := hostarch.Addr(b.Length).RoundUp()
	if !ok || length == 0 {
		return 0, false
	}
	low, ok := b.Low.RoundUp()
	if !ok || b.High < low || uint64(b.High-low) < uint64(length) {
		return 0, false
	}
	if b.Direction == mm.MmapTopDown {
		return s.findTopDown(low, b.High, length, b)
	}
	return s.findBottomUp(low, b.High, length, b)
}

func (s *Set) findBottomUp(low, high, length hostarch.Addr, b mm.SearchBounds) (hostarch.Addr, bool) {
	addr := low
	for {
		aligned := alignUp(addr, b)
		if aligned < addr {
			// Wrapped around the top of the address space.
			return 0, false
		}
		end, ok := aligned.AddLength(uint64(length))
		if !ok || end > high {
			return 0, false
		}
		r, exists := s.firstEndingAbove(aligned)
		if !exists || end <= r.Start {
			return aligned, true
		}
		addr = r.End
	}
}

func (s *Set) findTopDown(low, high, length hostarch.Addr, b mm.SearchBounds) (hostarch.Addr, bool) {
	addr := (high - length).RoundDown()
	for {
		aligned := alignDown(addr, b)
		if aligned > addr || aligned < low {
			// Wrapped below zero, or ran out of room.
			return 0, false
		}
		r, exists := s.firstEndingAbove(aligned)
		if !exists || aligned+length <= r.Start {
			return aligned, true
		}
		if r.Start < low || uint64(r.Start-low) < uint64(length) {
			return 0, false
		}
		addr = r.Start - length
	}
}
