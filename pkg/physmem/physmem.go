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

// Package physmem validates physical address ranges for raw physical memory
// access. All checks are pure functions of the system's physical layout;
// nothing here touches the ranges it validates.
package physmem

import "vmplace.dev/vmplace/pkg/hostarch"

// Layout describes the system's physical memory boundaries.
type Layout struct {
	// LowestOffset is the physical address of the first byte known to
	// the system.
	LowestOffset uint64

	// HighMemory is the physical address one past the last byte of
	// general-purpose memory.
	HighMemory uint64

	// MaxFrame is the highest representable physical page frame number.
	MaxFrame uint64
}

// ValidRange returns true if [addr, addr+size) lies entirely within the
// system's physical memory boundaries.
func (l Layout) ValidRange(addr, size uint64) bool {
	if addr < l.LowestOffset {
		return false
	}
	if size > l.HighMemory || addr > l.HighMemory-size {
		return false
	}
	return true
}

// ValidMmapRange returns true if a mapping of size bytes starting at frame
// pfn stays within the representable physical frame range.
func (l Layout) ValidMmapRange(pfn uint64, size uint64) bool {
	frames := size >> hostarch.PageShift
	if pfn+frames < pfn {
		return false
	}
	return pfn+frames <= 1+l.MaxFrame
}

// Classifier reports how the system uses a physical frame.
type Classifier interface {
	// IsRAM returns true if pfn is general-purpose RAM.
	IsRAM(pfn uint64) bool

	// IsExclusive returns true if pfn lies in an I/O region exclusively
	// claimed by an in-use device.
	IsExclusive(pfn uint64) bool
}

// AllowDevMem implements the strict raw-memory access gate: a frame is
// accessible through the raw physical memory device only if no driver has
// exclusive claim to it and it is not general-purpose RAM. RAM must be
// reached through ordinary mapping paths, never raw access, so that kernel
// memory cannot be read or corrupted wholesale.
func AllowDevMem(c Classifier, pfn uint64) bool {
	if c.IsExclusive(pfn) {
		return false
	}
	if !c.IsRAM(pfn) {
		return true
	}
	return false
}
