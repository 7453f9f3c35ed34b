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
	"github.com/kcore-os/kcore/pkg/framestore"
	"github.com/kcore-os/kcore/pkg/hostarch"
	"github.com/kcore-os/kcore/pkg/log"
	"github.com/kcore-os/kcore/pkg/ring0/pagetables"
)

// BootAllocator is the frame allocator used before the heap exists. Regular
// frames come from a divided huge frame, and at most
// frame.FixedRecyclerSlots of them can be returned before conversion.
type BootAllocator struct {
	frames *frame.FixedRecycler[frame.Frame, *frame.Divider]
	huge   *HugeBootBumpAllocator
}

// NewBootAllocator returns an allocator over the free memory described by
// info. It panics if there is not a single usable huge frame.
func NewBootAllocator(info *BootInfo) *BootAllocator {
	huge := NewHugeBootBumpAllocator(info)
	initial := frame.MustAllocate[frame.HugeFrame](huge, "boot allocator")
	return &BootAllocator{
		frames: frame.NewFixedRecycler[frame.Frame](frame.NewDivider(initial)),
		huge:   huge,
	}
}

// Allocate implements frame.Allocator.Allocate.
func (b *BootAllocator) Allocate() (frame.Frame, bool) {
	if f, ok := b.frames.Allocate(); ok {
		return f, true
	}
	h, ok := b.huge.Allocate()
	if !ok {
		return 0, false
	}
	b.frames.Set(frame.NewDivider(h))
	return b.frames.Allocate()
}

// Deallocate implements frame.Allocator.Deallocate. It panics once
// frame.FixedRecyclerSlots frames are held.
func (b *BootAllocator) Deallocate(f frame.Frame) {
	b.frames.Deallocate(f)
}

// FreeFramesCount implements frame.Allocator.FreeFramesCount.
func (b *BootAllocator) FreeFramesCount() uint64 {
	return b.huge.FreeFramesCount()*frame.DividerFrames + b.frames.FreeFramesCount()
}

// UsedFramesCount implements frame.Allocator.UsedFramesCount.
func (b *BootAllocator) UsedFramesCount() uint64 {
	return saturatingSub(b.huge.UsedFramesCount()*frame.DividerFrames, b.frames.FreeFramesCount())
}

// AllocateHuge implements GenericAllocator.AllocateHuge.
func (b *BootAllocator) AllocateHuge() (frame.HugeFrame, bool) {
	return b.huge.Allocate()
}

// DeallocateHuge implements GenericAllocator.DeallocateHuge. Huge frames
// cannot be returned before conversion.
func (b *BootAllocator) DeallocateHuge(frame.HugeFrame) {
	panic("boot allocator does not support deallocation of huge frames")
}

// FreeHugeFramesCount implements GenericAllocator.FreeHugeFramesCount.
func (b *BootAllocator) FreeHugeFramesCount() uint64 {
	return b.huge.FreeFramesCount()
}

// UsedHugeFramesCount implements GenericAllocator.UsedHugeFramesCount.
func (b *BootAllocator) UsedHugeFramesCount() uint64 {
	return b.huge.UsedFramesCount()
}

// Convert builds the post-boot allocator. Both frame stores are built with
// frames from b, the frames held by the fixed recycler move to the regular
// store, and huge allocation resumes right after the last huge frame b
// handed out. b must not be used afterwards.
//
// freeAreas is the firmware's free memory. Convert must not allocate from
// the heap: the heap's fault handler needs the frame allocator that is being
// converted.
func (b *BootAllocator) Convert(freeAreas []hostarch.MemoryArea, backing StoreBacking) *PostBootAllocator {
	store := framestore.NewInRange[frame.Frame](pagetables.FrameStoreBottom, pagetables.FrameStoreTop, backing.Mem, backing.Mapper, b)
	hugeStore := framestore.NewInRange[frame.HugeFrame](pagetables.HugeFrameStoreBottom, pagetables.HugeFrameStoreTop, backing.Mem, backing.Mapper, b)

	reclaimed := 0
	b.huge.reclaimable(b.huge.cursor(), func(f frame.HugeFrame) {
		hugeStore.Push(f, b)
		reclaimed++
	})

	// A node holds more frames than the fixed recycler, so these pushes
	// never need a new node.
	held := b.frames.Drain()
	for _, f := range held {
		store.Push(f, b)
	}

	// Taken last, since building nodes above may still bump allocate.
	next := frame.MustAllocate[frame.HugeFrame](b.huge, "allocator conversion")
	frames := NewFrameRecycler[frame.Frame](b.frames.Inner(), store)
	huge := NewFrameRecycler[frame.HugeFrame](NewHugeBumpAllocator(freeAreas, b.huge.KernelArea(), next), hugeStore)
	log.Debugf("Converted boot allocator: %d recycled frames, %d reclaimed huge frames, bump resumes at %v", len(held), reclaimed, next)
	return NewPostBootAllocator(frames, huge)
}
