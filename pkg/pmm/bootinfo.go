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

// Package pmm implements the physical frame allocators.
//
// Allocation happens in two eras. During boot, a BootAllocator bump
// allocates huge frames straight from the firmware memory map and divides
// them into regular frames, recycling at most a handful of returned frames
// in a fixed array. Once paging and the heap exist, Convert turns it into a
// PostBootAllocator whose free lists live in frame stores, so any number of
// frames can be returned. GlobalFrameAllocator holds whichever is current.
package pmm

import (
	"fmt"

	"github.com/kcore-os/kcore/pkg/frame"
	"github.com/kcore-os/kcore/pkg/hostarch"
)

// SectionFlags describe a kernel image section.
type SectionFlags uint32

// Section flags, as in ELF section headers.
const (
	SectionWritable   SectionFlags = 1 << 0
	SectionAllocated  SectionFlags = 1 << 1
	SectionExecutable SectionFlags = 1 << 2
)

// Section is a section of the kernel image, linked in the higher half.
type Section struct {
	Name  string
	Addr  hostarch.VirtAddr
	Size  uint64
	Flags SectionFlags
}

// Area returns the physical memory backing s.
func (s Section) Area() hostarch.MemoryArea {
	return hostarch.MemoryArea{Start: hostarch.AdjustedPhysAddr(uint64(s.Addr)), Size: s.Size}
}

// Allocated returns true if s occupies memory at run time.
func (s Section) Allocated() bool {
	return s.Flags&SectionAllocated != 0
}

func (s Section) String() string {
	return fmt.Sprintf("%s at %v (%d bytes)", s.Name, s.Addr, s.Size)
}

// Module is a file the firmware loaded into memory.
type Module struct {
	Name  string
	Start hostarch.PhysAddr
	Size  uint64
}

// Area returns the memory holding m.
func (m Module) Area() hostarch.MemoryArea {
	return hostarch.MemoryArea{Start: m.Start, Size: m.Size}
}

// BootInfo is what the firmware tells the kernel about the machine.
type BootInfo struct {
	// Addr is the physical address of the boot information structure
	// and TotalSize its size in bytes.
	Addr      hostarch.PhysAddr
	TotalSize uint64

	// FreeAreas are the available areas of the memory map.
	FreeAreas []hostarch.MemoryArea

	Sections []Section
	Modules  []Module
}

// Area returns the memory holding the boot information structure.
func (b *BootInfo) Area() hostarch.MemoryArea {
	return hostarch.MemoryArea{Start: b.Addr, Size: b.TotalSize}
}

// KernelArea returns the memory spanned by the kernel image, from its
// lowest section to the end of its highest.
func (b *BootInfo) KernelArea() hostarch.MemoryArea {
	if len(b.Sections) == 0 {
		panic("boot information lists no kernel sections")
	}
	start, end := b.Sections[0].Area().Start, b.Sections[0].Area().End()
	for _, s := range b.Sections[1:] {
		start = min(start, s.Area().Start)
		end = max(end, s.Area().End())
	}
	return hostarch.MemoryArea{Start: start, Size: uint64(end - start)}
}

// hugeFrames returns the whole huge frames inside a, or false if there are
// none.
func hugeFrames(a hostarch.MemoryArea) (frame.Range[frame.HugeFrame], bool) {
	start := hostarch.AlignUp(uint64(a.Start), hostarch.HugePageSize)
	end := hostarch.AlignDown(uint64(a.End()), hostarch.HugePageSize)
	if end <= start {
		return frame.Range[frame.HugeFrame]{}, false
	}
	return frame.NewRange(
		frame.HugeFrameOf(hostarch.PhysAddr(start)),
		frame.HugeFrameOf(hostarch.PhysAddr(end-1))), true
}

// touchedHugeFrames returns the huge frames a touches, including partial
// ones.
func touchedHugeFrames(a hostarch.MemoryArea) frame.Range[frame.HugeFrame] {
	return frame.NewRange(frame.HugeFrameOf(a.Start), frame.HugeFrameOf(a.End()))
}
