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

package pmm

import (
	"github.com/google/btree"
	"github.com/kcore-os/kcore/pkg/frame"
	"github.com/kcore-os/kcore/pkg/hostarch"
)

// usedArea is memory the boot allocator must not hand out.
type usedArea struct {
	hostarch.MemoryArea

	// reclaimable areas are free again once the kernel has consumed
	// them: the boot information structure and boot modules.
	reclaimable bool
}

func usedAreaLess(a, b usedArea) bool {
	if a.Start != b.Start {
		return a.Start < b.Start
	}
	return a.Size < b.Size
}

// HugeBootBumpAllocator hands out the huge frames of the firmware's free
// areas in ascending order, skipping frames that hold the kernel image, the
// boot information or a boot module. It cannot take frames back.
type HugeBootBumpAllocator struct {
	info *BootInfo

	// used is ordered by start address.
	used *btree.BTreeG[usedArea]

	next     frame.Range[frame.HugeFrame]
	nextArea int

	total      uint64
	usedFrames uint64
}

// NewHugeBootBumpAllocator returns an allocator over info's free areas. It
// panics if no free area holds a whole huge frame.
func NewHugeBootBumpAllocator(info *BootInfo) *HugeBootBumpAllocator {
	h := &HugeBootBumpAllocator{
		info: info,
		used: btree.NewG(2, usedAreaLess),
	}
	h.used.ReplaceOrInsert(usedArea{MemoryArea: info.KernelArea()})
	h.used.ReplaceOrInsert(usedArea{MemoryArea: info.Area(), reclaimable: true})
	for _, m := range info.Modules {
		h.used.ReplaceOrInsert(usedArea{MemoryArea: m.Area(), reclaimable: true})
	}
	h.calculateFrames()

	next, ok := h.nextFreeArea()
	if !ok {
		panic("out of memory: no free area holds a huge frame")
	}
	h.next = next
	return h
}

// calculateFrames sets the initial totals. Used frames are counted per used
// area, so two areas sharing a huge frame count it twice.
func (h *HugeBootBumpAllocator) calculateFrames() {
	h.used.Ascend(func(a usedArea) bool {
		h.usedFrames += touchedHugeFrames(a.MemoryArea).Remaining()
		return true
	})
	for _, a := range h.info.FreeAreas {
		if r, ok := hugeFrames(a); ok {
			h.total += r.Remaining()
		}
	}
}

// nextFreeArea returns the huge frames of the next free area that holds at
// least one.
func (h *HugeBootBumpAllocator) nextFreeArea() (frame.Range[frame.HugeFrame], bool) {
	for h.nextArea < len(h.info.FreeAreas) {
		a := h.info.FreeAreas[h.nextArea]
		h.nextArea++
		if r, ok := hugeFrames(a); ok {
			return r, true
		}
	}
	return frame.Range[frame.HugeFrame]{}, false
}

// validate returns true if f overlaps no used area. Otherwise it advances
// the cursor past the lowest overlapping area.
func (h *HugeBootBumpAllocator) validate(f frame.HugeFrame) bool {
	fa := hugeArea(f)
	var blocker *usedArea
	h.used.AscendLessThan(usedArea{MemoryArea: hostarch.MemoryArea{Start: fa.End()}}, func(a usedArea) bool {
		// Areas that merely touch f leave it usable.
		if o, ok := a.Overlap(fa); ok && o.Size > 0 {
			blocker = &a
			return false
		}
		return true
	})
	if blocker == nil {
		return true
	}
	end := hostarch.AlignUp(uint64(blocker.End()), hostarch.HugePageSize)
	h.next.SkipTo(frame.HugeFrameOf(hostarch.PhysAddr(end)))
	return false
}

// Allocate implements frame.Allocator.Allocate.
func (h *HugeBootBumpAllocator) Allocate() (frame.HugeFrame, bool) {
	for {
		f, ok := h.next.Next()
		if !ok {
			if h.next, ok = h.nextFreeArea(); !ok {
				return 0, false
			}
			continue
		}
		if h.validate(f) {
			h.usedFrames++
			return f, true
		}
	}
}

// Deallocate implements frame.Allocator.Deallocate.
func (h *HugeBootBumpAllocator) Deallocate(frame.HugeFrame) {
	panic("huge boot bump allocator does not support deallocation of huge frames")
}

// FreeFramesCount implements frame.Allocator.FreeFramesCount. The count is
// understated when distinct used areas share a huge frame.
func (h *HugeBootBumpAllocator) FreeFramesCount() uint64 {
	return saturatingSub(h.total, h.usedFrames)
}

// UsedFramesCount implements frame.Allocator.UsedFramesCount.
func (h *HugeBootBumpAllocator) UsedFramesCount() uint64 {
	return h.usedFrames
}

// KernelArea returns the memory spanned by the kernel image.
func (h *HugeBootBumpAllocator) KernelArea() hostarch.MemoryArea {
	return h.info.KernelArea()
}

// FreeAreas returns the firmware's free areas.
func (h *HugeBootBumpAllocator) FreeAreas() []hostarch.MemoryArea {
	return h.info.FreeAreas
}

// cursor returns the lowest frame the allocator may still hand out.
func (h *HugeBootBumpAllocator) cursor() frame.HugeFrame {
	return h.next.PreviousNext() + 1
}

// reclaimable calls fn for each huge frame below limit that lies in a free
// area and overlaps a reclaimable used area but not the kernel image, in
// ascending order and without repeats. These frames were skipped by the bump
// cursor and are never revisited by it.
func (h *HugeBootBumpAllocator) reclaimable(limit frame.HugeFrame, fn func(frame.HugeFrame)) {
	kernel := h.info.KernelArea()
	var last frame.HugeFrame
	seen := false
	h.used.Ascend(func(a usedArea) bool {
		if !a.reclaimable || a.Size == 0 {
			return true
		}
		for _, free := range h.info.FreeAreas {
			o, ok := a.Overlap(free)
			if !ok || o.Size == 0 {
				continue
			}
			r := frame.NewRange(frame.HugeFrameOf(o.Start), frame.HugeFrameOf(o.End()-1))
			for f, ok := r.Next(); ok && f < limit; f, ok = r.Next() {
				if seen && f <= last {
					continue
				}
				if !inFreeArea(f, free) {
					continue
				}
				if ko, ok := kernel.Overlap(hugeArea(f)); ok && ko.Size > 0 {
					continue
				}
				fn(f)
				last, seen = f, true
			}
		}
		return true
	})
}

// inFreeArea returns true if all of f lies in a.
func inFreeArea(f frame.HugeFrame, a hostarch.MemoryArea) bool {
	return f.StartAddress() >= a.Start && f.EndAddress() < a.End()
}

// hugeArea returns the whole of f as an area.
func hugeArea(f frame.HugeFrame) hostarch.MemoryArea {
	return hostarch.MemoryArea{Start: f.StartAddress(), Size: hostarch.HugePageSize}
}

func saturatingSub(a, b uint64) uint64 {
	if b > a {
		return 0
	}
	return a - b
}
