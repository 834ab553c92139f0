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

package vma

import (
	"testing"

	"vmplace.dev/vmplace/pkg/hostarch"
	"vmplace.dev/vmplace/pkg/limits"
	"vmplace.dev/vmplace/pkg/mm"
)

func mustInsert(t *testing.T, s *Set, regions ...Region) {
	t.Helper()
	for _, r := range regions {
		if err := s.Insert(r); err != nil {
			t.Fatalf("Insert(%+v) got err %v, want nil", r, err)
		}
	}
}

func TestInsertRejectsOverlapAndMalformed(t *testing.T) {
	s := NewSet()
	mustInsert(t, s, Region{Start: 0x10000, End: 0x20000})

	for _, r := range []Region{
		{Start: 0x18000, End: 0x28000}, // overlaps tail
		{Start: 0x08000, End: 0x11000}, // overlaps head
		{Start: 0x10000, End: 0x20000}, // duplicate
		{Start: 0x30000, End: 0x30000}, // empty
		{Start: 0x30001, End: 0x40000}, // unaligned
	} {
		if err := s.Insert(r); err == nil {
			t.Errorf("Insert(%+v) succeeded, want error", r)
		}
	}
	if s.Len() != 1 {
		t.Errorf("set mutated by rejected inserts: %d regions", s.Len())
	}
}

func TestSpanTracksInsertAndRemove(t *testing.T) {
	s := NewSet()
	mustInsert(t, s,
		Region{Start: 0x10000, End: 0x20000},
		Region{Start: 0x40000, End: 0x44000},
	)
	if got, want := s.Span(), uint64(0x14000); got != want {
		t.Errorf("Span got %#x, want %#x", got, want)
	}
	if !s.Remove(0x10000) {
		t.Fatal("Remove(0x10000) failed")
	}
	if got, want := s.Span(), uint64(0x4000); got != want {
		t.Errorf("Span after remove got %#x, want %#x", got, want)
	}
	if s.Remove(0x10000) {
		t.Error("Remove of absent region succeeded")
	}
}

func TestGuardedStartAbove(t *testing.T) {
	s := NewSet()
	mustInsert(t, s,
		Region{Start: 0x100000, End: 0x200000},
		Region{Start: 0x800000, End: 0x900000, GrowsDown: true},
	)

	// Inside the first region.
	if start, ok := s.GuardedStartAbove(0x150000); !ok || start != 0x100000 {
		t.Errorf("GuardedStartAbove(0x150000) got (%#x, %v), want (0x100000, true)", start, ok)
	}
	// Between regions: the grows-down region's guard gap applies.
	wantGuard := hostarch.Addr(0x800000 - stackGuardGap)
	if start, ok := s.GuardedStartAbove(0x300000); !ok || start != wantGuard {
		t.Errorf("GuardedStartAbove(0x300000) got (%#x, %v), want (%#x, true)", start, ok, wantGuard)
	}
	// Above everything.
	if _, ok := s.GuardedStartAbove(0x900000); ok {
		t.Error("GuardedStartAbove above all regions got ok=true, want false")
	}
}

func TestFindUnmappedBottomUp(t *testing.T) {
	s := NewSet()
	mustInsert(t, s,
		Region{Start: 0x10000, End: 0x20000},
		Region{Start: 0x22000, End: 0x30000},
	)

	bounds := mm.SearchBounds{
		Low:       0x10000,
		High:      0x100000,
		Length:    0x4000,
		Direction: mm.MmapBottomUp,
	}
	// The gap at 0x20000 is too small; the first fit is at 0x30000.
	if addr, ok := s.FindUnmapped(bounds); !ok || addr != 0x30000 {
		t.Errorf("FindUnmapped got (%#x, %v), want (0x30000, true)", addr, ok)
	}

	// A shorter request fits in the first gap.
	bounds.Length = 0x2000
	if addr, ok := s.FindUnmapped(bounds); !ok || addr != 0x20000 {
		t.Errorf("FindUnmapped got (%#x, %v), want (0x20000, true)", addr, ok)
	}

	// No fit within the bounds at all.
	bounds.Length = 0x100000
	if _, ok := s.FindUnmapped(bounds); ok {
		t.Error("oversized FindUnmapped succeeded, want failure")
	}
}

func TestFindUnmappedTopDown(t *testing.T) {
	s := NewSet()
	mustInsert(t, s, Region{Start: 0xf0000, End: 0x100000})

	bounds := mm.SearchBounds{
		Low:       0x10000,
		High:      0x100000,
		Length:    0x4000,
		Direction: mm.MmapTopDown,
	}
	// The highest fit sits just below the existing region.
	if addr, ok := s.FindUnmapped(bounds); !ok || addr != 0xec000 {
		t.Errorf("FindUnmapped got (%#x, %v), want (0xec000, true)", addr, ok)
	}

	// With an empty set the highest fit touches the high bound.
	empty := NewSet()
	if addr, ok := empty.FindUnmapped(bounds); !ok || addr != 0xfc000 {
		t.Errorf("FindUnmapped got (%#x, %v), want (0xfc000, true)", addr, ok)
	}

	bounds.Low = 0xed000
	if _, ok := s.FindUnmapped(bounds); ok {
		t.Error("FindUnmapped below Low succeeded, want failure")
	}
}

func TestFindUnmappedAlignmentCongruence(t *testing.T) {
	mask := hostarch.Addr(hostarch.ShmAlignMask &^ hostarch.Addr(hostarch.PageMask))
	offset := hostarch.CacheColor(5)
	for _, dir := range []mm.MmapDirection{mm.MmapBottomUp, mm.MmapTopDown} {
		s := NewSet()
		mustInsert(t, s, Region{Start: 0x40000, End: 0x48000})
		addr, ok := s.FindUnmapped(mm.SearchBounds{
			Low:         0x3d000,
			High:        0x80000,
			Length:      0x2000,
			AlignMask:   mask,
			AlignOffset: offset,
			Direction:   dir,
		})
		if !ok {
			t.Fatalf("%v: FindUnmapped failed", dir)
		}
		if addr&mask != offset&mask {
			t.Errorf("%v: result %#x is not congruent to %#x under mask %#x", dir, addr, offset, mask)
		}
		if !addr.IsPageAligned() {
			t.Errorf("%v: result %#x is not page-aligned", dir, addr)
		}
	}
}

func TestFindUnmappedRoundsLengthToPages(t *testing.T) {
	s := NewSet()
	addr, ok := s.FindUnmapped(mm.SearchBounds{
		Low:       0x10000,
		High:      0x20000,
		Length:    0x1001, // spills into a second page
		Direction: mm.MmapTopDown,
	})
	if !ok || addr != 0x1e000 {
		t.Errorf("FindUnmapped got (%#x, %v), want (0x1e000, true)", addr, ok)
	}
}

// testLayoutAddressSpace binds a modern layout to a live Set.
func testLayoutAddressSpace(t *testing.T, s *Set) *mm.AddressSpace {
	t.Helper()
	ls := limits.NewLimitSet()
	ls.SetUnchecked(limits.Stack, limits.Limit{Cur: 8 << 20, Max: limits.Infinity})
	as, err := mm.NewAddressSpace(mm.AddressSpaceOpts{
		MaxAddr:    0xbf000000,
		MinMapAddr: 0x10000,
		Limits:     ls,
		Regions:    s,
		UsageAS:    s.Span,
	})
	if err != nil {
		t.Fatalf("NewAddressSpace got err %v, want nil", err)
	}
	return as
}

func TestTopDownFallbackMatchesBottomUpSearch(t *testing.T) {
	// Exhaust the window below the layout base, so the top-down finder
	// must fall back. Its result must equal a direct bottom-up search
	// over [base, top).
	s := NewSet()
	as := testLayoutAddressSpace(t, s)
	base := as.Layout().Base
	mustInsert(t, s, Region{Start: 0x10000, End: base})

	got, err := as.FindMappingArea(mm.MappingRequest{Length: 16 * hostarch.PageSize})
	if err != nil {
		t.Fatalf("FindMappingArea got err %v, want nil", err)
	}
	want, ok := s.FindUnmapped(mm.SearchBounds{
		Low:       base,
		High:      as.Layout().MaxAddr,
		Length:    16 * hostarch.PageSize,
		Direction: mm.MmapBottomUp,
	})
	if !ok {
		t.Fatal("direct bottom-up search failed")
	}
	if got != want {
		t.Errorf("fallback placement %#x differs from direct bottom-up search %#x", got, want)
	}
	if got != base {
		t.Errorf("fallback placement %#x, want layout base %#x", got, base)
	}
}

func TestTopDownExhaustedEverywhere(t *testing.T) {
	s := NewSet()
	as := testLayoutAddressSpace(t, s)
	mustInsert(t, s, Region{Start: 0x10000, End: 0xbf000000})

	if _, err := as.FindMappingArea(mm.MappingRequest{Length: hostarch.PageSize}); err != mm.ErrOutOfSpace {
		t.Errorf("got err %v, want ErrOutOfSpace", err)
	}
}

func TestPlacementEndToEnd(t *testing.T) {
	// Repeated placements walk down from the base and never overlap.
	s := NewSet()
	as := testLayoutAddressSpace(t, s)

	var last hostarch.Addr = ^hostarch.Addr(0)
	for i := 0; i < 16; i++ {
		addr, err := as.FindMappingArea(mm.MappingRequest{Length: 4 * hostarch.PageSize})
		if err != nil {
			t.Fatalf("placement %d: got err %v, want nil", i, err)
		}
		if addr >= last {
			t.Fatalf("placement %d: %#x does not descend from %#x", i, addr, last)
		}
		mustInsert(t, s, Region{Start: addr, End: addr + 4*hostarch.PageSize})
		last = addr
	}
	if got, want := s.Span(), uint64(16*4*hostarch.PageSize); got != want {
		t.Errorf("Span got %#x, want %#x", got, want)
	}
}
