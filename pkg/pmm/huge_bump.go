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
	"github.com/kcore-os/kcore/pkg/frame"
	"github.com/kcore-os/kcore/pkg/hostarch"
)

// HugeBumpAllocator continues bump allocation after boot. It starts at the
// frame the boot allocator would have handed out next, so no frame is
// issued by both, and it only has to avoid the kernel image since the boot
// information and modules have been consumed by then. It cannot take frames
// back.
type HugeBumpAllocator struct {
	freeAreas []hostarch.MemoryArea
	nextArea  int
	kernel    hostarch.MemoryArea

	next frame.Range[frame.HugeFrame]

	total      uint64
	usedFrames uint64
}

// NewHugeBumpAllocator returns an allocator whose first frame is next.
func NewHugeBumpAllocator(freeAreas []hostarch.MemoryArea, kernel hostarch.MemoryArea, next frame.HugeFrame) *HugeBumpAllocator {
	h := &HugeBumpAllocator{
		freeAreas: freeAreas,
		kernel:    kernel,
		next:      frame.NewRange(next, next),
	}
	h.calculateFrames(next)
	return h
}

// calculateFrames counts every frame below next as used, plus the kernel if
// it lies above next. next itself is still free: Allocate hands it out
// first.
func (h *HugeBumpAllocator) calculateFrames(next frame.HugeFrame) {
	for _, a := range h.freeAreas {
		r, ok := hugeFrames(a)
		if !ok {
			continue
		}
		start, end := r.PreviousNext()+1, r.End()
		h.total += r.Remaining()
		switch {
		case end < next:
			h.usedFrames += r.Remaining()
		case start <= next:
			h.usedFrames += uint64(next - start)
		}
	}
	if h.kernel.Start > next.EndAddress() {
		h.usedFrames += touchedHugeFrames(h.kernel).Remaining()
	}
}

// selectNextFreeArea returns the frames of the next free area above the
// last frame handed out.
func (h *HugeBumpAllocator) selectNextFreeArea() (frame.Range[frame.HugeFrame], bool) {
	last := h.next.PreviousNext()
	for h.nextArea < len(h.freeAreas) {
		a := h.freeAreas[h.nextArea]
		h.nextArea++
		r, ok := hugeFrames(a)
		if !ok || r.End() <= last {
			continue
		}
		if start := r.PreviousNext() + 1; start <= last {
			r.SkipTo(last + 1)
		}
		return r, true
	}
	return frame.Range[frame.HugeFrame]{}, false
}

// Allocate implements frame.Allocator.Allocate.
func (h *HugeBumpAllocator) Allocate() (frame.HugeFrame, bool) {
	for {
		f, ok := h.next.Next()
		if !ok {
			if h.next, ok = h.selectNextFreeArea(); !ok {
				return 0, false
			}
			continue
		}
		if o, ok := h.kernel.Overlap(hugeArea(f)); ok && o.Size > 0 {
			end := hostarch.AlignUp(uint64(h.kernel.End()), hostarch.HugePageSize)
			h.next.SkipTo(frame.HugeFrameOf(hostarch.PhysAddr(end)))
			continue
		}
		h.usedFrames++
		return f, true
	}
}

// Deallocate implements frame.Allocator.Deallocate.
func (h *HugeBumpAllocator) Deallocate(frame.HugeFrame) {
	panic("huge bump allocator does not support deallocation of huge frames")
}

// FreeFramesCount implements frame.Allocator.FreeFramesCount. Like the boot
// allocator's, the count is approximate.
func (h *HugeBumpAllocator) FreeFramesCount() uint64 {
	return saturatingSub(h.total, h.usedFrames)
}

// UsedFramesCount implements frame.Allocator.UsedFramesCount.
func (h *HugeBumpAllocator) UsedFramesCount() uint64 {
	return h.usedFrames
}
