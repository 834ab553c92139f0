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

// Package mm implements virtual address space layout selection and the
// placement of new memory mappings.
//
// A process's layout is picked once, at image load: either the legacy
// bottom-up layout or the modern top-down layout, with an optional random
// base displacement. Every subsequent mapping request is placed by the bound
// strategy, which validates fixed addresses and hints and otherwise searches
// the region set for a free range, color-aligned when the cache requires it.
//
// Placement is synchronous and performs no locking: callers must hold their
// address-space lock across both the search and the subsequent insertion, so
// that the region set this package consults is a stable snapshot. The
// diagnostic channel is the only self-synchronizing state.
package mm

import (
	"errors"
	"fmt"
	"time"

	"vmplace.dev/vmplace/pkg/hostarch"
	"vmplace.dev/vmplace/pkg/limits"
	"vmplace.dev/vmplace/pkg/log"
)

var (
	// ErrOutOfSpace indicates that no free range of the requested length
	// and alignment exists within the searched bounds, or that the
	// requested length exceeds the address space. Callers conventionally
	// map it to ENOMEM.
	ErrOutOfSpace = errors.New("no available virtual address range")

	// ErrColorMismatch indicates that a fixed-address, shared request is
	// not congruent to its backing offset under a cache that requires
	// color alignment. Callers conventionally map it to EINVAL.
	ErrColorMismatch = errors.New("fixed address is not congruent to its backing offset")
)

// MmapDirection is a search direction for mmaps.
type MmapDirection int

const (
	// MmapBottomUp instructs mmap to prefer lower addresses.
	MmapBottomUp MmapDirection = iota

	// MmapTopDown instructs mmap to prefer higher addresses.
	MmapTopDown
)

// String implements fmt.Stringer.String.
func (d MmapDirection) String() string {
	switch d {
	case MmapBottomUp:
		return "BottomUp"
	case MmapTopDown:
		return "TopDown"
	default:
		return fmt.Sprintf("Invalid direction: %d", d)
	}
}

// SearchBounds parameterizes a single free-range search over a region set.
type SearchBounds struct {
	// Low is the lowest acceptable address.
	Low hostarch.Addr

	// High is the highest acceptable end address, exclusive.
	High hostarch.Addr

	// Length is the length of the range to find, in bytes.
	Length uint64

	// AlignMask selects the address bits that must match AlignOffset. A
	// zero mask imposes no constraint beyond page alignment.
	AlignMask hostarch.Addr

	// AlignOffset carries the required value of the bits selected by
	// AlignMask.
	AlignOffset hostarch.Addr

	// Direction determines whether the lowest or the highest fit wins.
	Direction MmapDirection
}

// RegionSource is the free-range search primitive over an address space's
// region set.
type RegionSource interface {
	// FindUnmapped returns the lowest (MmapBottomUp) or highest
	// (MmapTopDown) page-aligned address a with b.Low <= a and
	// a + b.Length <= b.High such that [a, a+b.Length) overlaps no
	// existing region and a&b.AlignMask == b.AlignOffset&b.AlignMask.
	// ok is false if no such address exists.
	FindUnmapped(b SearchBounds) (addr hostarch.Addr, ok bool)

	// GuardedStartAbove returns the guarded start boundary of the first
	// region whose end is above addr. ok is false if no region ends
	// above addr.
	GuardedStartAbove(addr hostarch.Addr) (start hostarch.Addr, ok bool)
}

// MappingRequest specifies a request to place a new memory mapping. It is
// immutable for the duration of the call.
type MappingRequest struct {
	// Addr is the suggested address for the mapping. Zero means no
	// suggestion.
	Addr hostarch.Addr

	// Length is the length of the mapping, in bytes.
	Length uint64

	// PageOffset is the page offset into the backing object at which the
	// mapping begins.
	PageOffset uint64

	// Fixed specifies that the mapping must be placed at Addr verbatim.
	// The caller is responsible for whatever Addr overlaps.
	Fixed bool

	// Shared is true if modifications through the mapping are visible to
	// other users of the backing object.
	Shared bool

	// FileBacked is true if the mapping is backed by an object that may
	// also be mapped elsewhere, rather than by private anonymous memory.
	FileBacked bool
}

// AddressSpaceOpts specifies the process-wide inputs to layout selection and
// mapping placement. Policy switches are explicit fields rather than ambient
// globals so that placement is deterministic and testable.
type AddressSpaceOpts struct {
	// MinAddr is the lowest mappable address provided by the platform.
	MinAddr hostarch.Addr

	// MaxAddr is the highest mappable address, exclusive.
	MaxAddr hostarch.Addr

	// MinMapAddr is the policy floor below which non-fixed placements
	// never fall.
	MinMapAddr hostarch.Addr

	// Limits holds the process's resource limits. A nil Limits behaves
	// as a LimitSet with every limit infinite.
	Limits *limits.LimitSet

	// CompatLayout is true if the process personality demands the
	// address-compatibility (legacy) layout.
	CompatLayout bool

	// LegacyLayout is true if policy forces the legacy layout
	// system-wide.
	LegacyLayout bool

	// Randomize is true if the process requested address space layout
	// randomization.
	Randomize bool

	// RandBits is the entropy width of the random base displacement, in
	// page-granularity bits. Zero means DefaultRandBits.
	RandBits uint

	// Rand is the random source for layout randomization. A nil Rand
	// uses the system source.
	Rand func() uint64

	// CacheAliasing is true if the system's cache is virtually indexed
	// and can alias, requiring color alignment of shared mappings.
	CacheAliasing bool

	// Regions is the free-range search primitive for this address space.
	Regions RegionSource

	// PID identifies the process in diagnostics.
	PID int32

	// UsageAS returns the total mapped size, for diagnostics only. May
	// be nil.
	UsageAS func() uint64

	// DiagLog receives out-of-space diagnostics. A nil DiagLog uses a
	// rate-limited logger on the global log target.
	DiagLog log.Logger
}

// AddressSpace is the placement state of one process's address space: a
// layout boundary and a bound search strategy, both fixed at creation.
type AddressSpace struct {
	layout        MmapLayout
	minMapAddr    hostarch.Addr
	cacheAliasing bool
	regions       RegionSource
	pid           int32
	usageAS       func() uint64
	diag          log.Logger
}

// NewAddressSpace picks a layout for a new process image and binds the
// corresponding placement strategy. The binding never changes for the life
// of the address space.
func NewAddressSpace(opts AddressSpaceOpts) (*AddressSpace, error) {
	layout, err := PickMmapLayout(opts)
	if err != nil {
		return nil, err
	}
	diag := opts.DiagLog
	if diag == nil {
		diag = log.BurstRateLimitedLogger(log.Log(), 5*time.Second, 10)
	}
	return &AddressSpace{
		layout:        layout,
		minMapAddr:    opts.MinMapAddr,
		cacheAliasing: opts.CacheAliasing,
		regions:       opts.Regions,
		pid:           opts.PID,
		usageAS:       opts.UsageAS,
		diag:          diag,
	}, nil
}

// Layout returns the layout picked for this address space.
func (as *AddressSpace) Layout() MmapLayout {
	return as.layout
}

// FindMappingArea returns an address at which req can be placed. It fails
// with ErrOutOfSpace if no suitable range exists and with ErrColorMismatch
// if a fixed request violates the cache coloring constraint.
//
// The bound strategy is a fixed choice between two pure algorithms;
// dispatching on it explicitly keeps the state machine auditable.
func (as *AddressSpace) FindMappingArea(req MappingRequest) (hostarch.Addr, error) {
	switch as.layout.DefaultDirection {
	case MmapBottomUp:
		return as.findBottomUp(req)
	case MmapTopDown:
		return as.findTopDown(req)
	default:
		panic(fmt.Sprintf("invalid mmap direction %v", as.layout.DefaultDirection))
	}
}

func (as *AddressSpace) usage() uint64 {
	if as.usageAS == nil {
		return 0
	}
	return as.usageAS()
}
