// Copyright 2026 The gVisor Authors.
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

package hostarch

import (
	"fmt"
)

// PhysAddr is an offset into physical memory. Valid values are below
// KernelBase.
type PhysAddr uint64

// NewPhysAddr returns raw as a PhysAddr. It panics if raw is a higher half
// address.
func NewPhysAddr(raw uint64) PhysAddr {
	if raw >= KernelBase {
		panic(fmt.Sprintf("physical address %#x is above the kernel base", raw))
	}
	return PhysAddr(raw)
}

// PhysAddrFromHigherHalf strips KernelBase from raw. It panics if raw is not
// a higher half address.
func PhysAddrFromHigherHalf(raw uint64) PhysAddr {
	if raw < KernelBase {
		panic(fmt.Sprintf("address %#x is not a higher half address", raw))
	}
	return PhysAddr(raw - KernelBase)
}

// AdjustedPhysAddr accepts either a physical address or a higher half alias
// of one.
func AdjustedPhysAddr(raw uint64) PhysAddr {
	if raw >= KernelBase {
		return PhysAddrFromHigherHalf(raw)
	}
	return NewPhysAddr(raw)
}

// AlignUp returns p rounded up to m.
func (p PhysAddr) AlignUp(m uint64) PhysAddr {
	return NewPhysAddr(AlignUp(uint64(p), m))
}

// AlignDown returns p rounded down to m.
func (p PhysAddr) AlignDown(m uint64) PhysAddr {
	return NewPhysAddr(AlignDown(uint64(p), m))
}

// String implements fmt.Stringer.
func (p PhysAddr) String() string {
	return fmt.Sprintf("%#x", uint64(p))
}

// VirtAddr is a kernel or user virtual address.
type VirtAddr uint64

// HigherHalf returns the higher half alias of the physical offset raw.
func HigherHalf(raw uint64) VirtAddr {
	return VirtAddr(raw + KernelBase)
}

// Offset returns v advanced by n bytes.
func (v VirtAddr) Offset(n uint64) VirtAddr {
	return v + VirtAddr(n)
}

// PageOffset returns the offset of v within its page.
func (v VirtAddr) PageOffset() uint64 {
	return uint64(v) & (PageSize - 1)
}

// String implements fmt.Stringer.
func (v VirtAddr) String() string {
	return fmt.Sprintf("%#x", uint64(v))
}

// MemoryArea is a contiguous region of physical memory.
type MemoryArea struct {
	Start PhysAddr
	Size  uint64
}

// End returns the first address past the area.
func (a MemoryArea) End() PhysAddr {
	return NewPhysAddr(uint64(a.Start) + a.Size)
}

// Overlap returns the intersection of a and o. Areas that only touch
// overlap with a zero size.
func (a MemoryArea) Overlap(o MemoryArea) (MemoryArea, bool) {
	start := max(a.Start, o.Start)
	end := min(a.End(), o.End())
	if end < start {
		return MemoryArea{}, false
	}
	return MemoryArea{Start: start, Size: uint64(end - start)}, true
}

// Intersects returns true if a and o share at least one byte.
func (a MemoryArea) Intersects(o MemoryArea) bool {
	ov, ok := a.Overlap(o)
	return ok && ov.Size > 0
}

// String implements fmt.Stringer.
func (a MemoryArea) String() string {
	return fmt.Sprintf("[%v, %v)", a.Start, a.End())
}
