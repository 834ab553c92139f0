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

// Package hostarch provides address arithmetic for the target architecture.
package hostarch

const (
	// PageShift is the binary log of the system page size.
	PageShift = 12

	// PageSize is the system page size.
	PageSize = 1 << PageShift

	// PageMask is the mask of the low bits within a page.
	PageMask = PageSize - 1

	// ShmAlignShift is the binary log of ShmAlignment.
	ShmAlignShift = PageShift + 2

	// ShmAlignment is the required address alignment for shared mappings
	// on systems with virtually-indexed aliasing caches (SHMLBA). A
	// specific page of a backing object must always be mapped at a
	// multiple of ShmAlignment so that no two virtual aliases of the same
	// physical cache line disagree in the bits that index the cache.
	ShmAlignment = 1 << ShmAlignShift

	// ShmAlignMask is the mask of the low bits within an ShmAlignment
	// granule.
	ShmAlignMask = ShmAlignment - 1
)

// CacheColor returns the cache color of page pgoff of a backing object: the
// low bits its mapped virtual address must carry under coloring.
func CacheColor(pgoff uint64) Addr {
	return Addr(pgoff<<PageShift) & ShmAlignMask
}
