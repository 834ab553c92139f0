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
	"vmplace.dev/vmplace/pkg/hostarch"
)

// firstUserAddr is the lowest address top-down placement will consider,
// keeping the zero page unmapped regardless of policy.
const firstUserAddr = hostarch.Addr(hostarch.PageSize)

// needsColorAlign returns whether req's placement must be color-aligned.
// Only mappings that can alias another mapping of the same object (shared or
// file-backed) need it; private anonymous memory has no second copy to
// alias.
func (as *AddressSpace) needsColorAlign(req MappingRequest) bool {
	return as.cacheAliasing && (req.FileBacked || req.Shared)
}

// colorAlignMask returns the search alignment mask for a request: the
// sub-ShmAlignment page bits when coloring applies, zero otherwise.
func colorAlignMask(doColor bool) hostarch.Addr {
	if doColor {
		return hostarch.ShmAlignMask &^ hostarch.Addr(hostarch.PageMask)
	}
	return 0
}

// placeFixed enforces a fixed-address request. The address is returned
// verbatim; what it overlaps is the caller's contract. A shared request
// under an aliasing cache must already carry the backing object's cache
// color, since the address cannot be adjusted.
func (as *AddressSpace) placeFixed(req MappingRequest) (hostarch.Addr, error) {
	if as.cacheAliasing && req.Shared && (req.Addr-hostarch.CacheColor(req.PageOffset))&hostarch.ShmAlignMask != 0 {
		return 0, ErrColorMismatch
	}
	return req.Addr, nil
}

// placeHint aligns the caller's suggested address and returns it if it is
// usable: in bounds, at or above the placement floor, and clear of the next
// region's guard boundary.
func (as *AddressSpace) placeHint(req MappingRequest, doColor bool) (hostarch.Addr, bool) {
	var addr hostarch.Addr
	if doColor {
		addr = req.Addr.ColorAlign(req.PageOffset)
	} else {
		a, ok := req.Addr.RoundUp()
		if !ok {
			return 0, false
		}
		addr = a
	}
	end, ok := addr.AddLength(req.Length)
	if !ok || end > as.layout.MaxAddr || addr < as.minMapAddr {
		return 0, false
	}
	if start, ok := as.regions.GuardedStartAbove(addr); ok && end > start {
		return 0, false
	}
	return addr, true
}

// exceedsSpace returns true, and logs the request, if length cannot fit in
// the address space at all.
func (as *AddressSpace) exceedsSpace(req MappingRequest) bool {
	if req.Length <= uint64(as.layout.MaxAddr-as.minMapAddr) {
		return false
	}
	as.diag.Warningf("mmap: length exceeds address space: length=%#x max=%#x minMapAddr=%#x pid=%d usage=%#x hint=%#x",
		req.Length, as.layout.MaxAddr, as.minMapAddr, as.pid, as.usage(), req.Addr)
	return true
}

// logNoSpace reports a failed search with full context through the
// rate-limited diagnostic channel. Logging is best effort; saturation drops
// the message.
func (as *AddressSpace) logNoSpace(b SearchBounds) {
	as.diag.Warningf("mmap: no unmapped area: pid=%d usage=%#x length=%#x low=%#x high=%#x alignMask=%#x alignOffset=%#x direction=%v",
		as.pid, as.usage(), b.Length, b.Low, b.High, b.AlignMask, b.AlignOffset, b.Direction)
}

// findBottomUp places req in the legacy layout, preferring the lowest
// available address at or above the layout base.
func (as *AddressSpace) findBottomUp(req MappingRequest) (hostarch.Addr, error) {
	doColor := as.needsColorAlign(req)

	// Fixed requests are enforced, not placed.
	if req.Fixed {
		return as.placeFixed(req)
	}

	if as.exceedsSpace(req) {
		return 0, ErrOutOfSpace
	}

	// Requesting a specific address?
	if req.Addr != 0 {
		if addr, ok := as.placeHint(req, doColor); ok {
			return addr, nil
		}
	}

	bounds := SearchBounds{
		Low:         as.layout.Base,
		High:        as.layout.MaxAddr,
		Length:      req.Length,
		AlignMask:   colorAlignMask(doColor),
		AlignOffset: hostarch.Addr(req.PageOffset) << hostarch.PageShift,
		Direction:   MmapBottomUp,
	}
	if bounds.Low < as.minMapAddr {
		bounds.Low = as.minMapAddr
	}
	addr, ok := as.regions.FindUnmapped(bounds)
	if !ok {
		as.logNoSpace(bounds)
		return 0, ErrOutOfSpace
	}
	return addr, nil
}

// findTopDown places req in the modern layout, preferring the highest
// available address below the layout base.
func (as *AddressSpace) findTopDown(req MappingRequest) (hostarch.Addr, error) {
	doColor := as.needsColorAlign(req)

	if req.Fixed {
		return as.placeFixed(req)
	}

	if as.exceedsSpace(req) {
		return 0, ErrOutOfSpace
	}

	if req.Addr != 0 {
		if addr, ok := as.placeHint(req, doColor); ok {
			return addr, nil
		}
	}

	bounds := SearchBounds{
		Low:         firstUserAddr,
		High:        as.layout.Base,
		Length:      req.Length,
		AlignMask:   colorAlignMask(doColor),
		AlignOffset: hostarch.Addr(req.PageOffset) << hostarch.PageShift,
		Direction:   MmapTopDown,
	}
	if bounds.Low < as.layout.MinAddr {
		bounds.Low = as.layout.MinAddr
	}
	if bounds.Low < as.minMapAddr {
		bounds.Low = as.minMapAddr
	}
	addr, ok := as.regions.FindUnmapped(bounds)
	if !ok {
		// A failed placement here very likely fails the application, so
		// retry bottom-up over the region above the base before giving
		// up. Large stack limits and large requests both shrink the
		// primary window. This widened search does not revisit the hint.
		bounds.Low = as.layout.Base
		bounds.High = as.layout.MaxAddr
		bounds.Direction = MmapBottomUp
		addr, ok = as.regions.FindUnmapped(bounds)
	}
	if !ok {
		as.logNoSpace(bounds)
		return 0, ErrOutOfSpace
	}
	return addr, nil
}
