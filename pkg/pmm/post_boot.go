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
)

// PostBootAllocator is the frame allocator once the heap exists. Both frame
// sizes can be freed; freed frames go to frame stores.
type PostBootAllocator struct {
	frames *FrameRecycler[frame.Frame, *frame.Divider]
	huge   *FrameRecycler[frame.HugeFrame, *HugeBumpAllocator]

	// pool builds store nodes while a frame is being freed. It is nil
	// while in use.
	pool *frame.TinyAllocator
}

// NewPostBootAllocator returns an allocator over frames and huge. The tiny
// pool is reserved from frames.
func NewPostBootAllocator(frames *FrameRecycler[frame.Frame, *frame.Divider], huge *FrameRecycler[frame.HugeFrame, *HugeBumpAllocator]) *PostBootAllocator {
	return &PostBootAllocator{
		frames: frames,
		huge:   huge,
		pool:   frame.NewTinyAllocator(frames),
	}
}

// takePool takes the tiny pool for the duration of a free.
func (p *PostBootAllocator) takePool() *frame.TinyAllocator {
	pool := p.pool
	if pool == nil {
		panic("frame allocator re-entered while freeing a frame")
	}
	p.pool = nil
	return pool
}

// Allocate implements frame.Allocator.Allocate.
func (p *PostBootAllocator) Allocate() (frame.Frame, bool) {
	if f, ok := p.frames.Allocate(); ok {
		return f, true
	}
	h, ok := p.huge.Allocate()
	if !ok {
		return 0, false
	}
	p.frames.Set(frame.NewDivider(h))
	return p.frames.Allocate()
}

// refill tops the pool up from the regular free list, which needs no
// allocation.
func (p *PostBootAllocator) refill(pool *frame.TinyAllocator) {
	for !pool.Full() {
		f, ok := p.frames.Store().Pop()
		if !ok {
			return
		}
		pool.Deallocate(f)
	}
}

// Deallocate implements frame.Allocator.Deallocate. It never allocates:
// while the tiny pool is short of the frames a new store node may need, f
// refills it instead of going to the store.
func (p *PostBootAllocator) Deallocate(f frame.Frame) {
	pool := p.takePool()
	if pool.Full() {
		p.frames.Recycle(f, pool)
		p.refill(pool)
	} else {
		pool.Deallocate(f)
	}
	p.pool = pool
}

// FreeFramesCount implements frame.Allocator.FreeFramesCount.
func (p *PostBootAllocator) FreeFramesCount() uint64 {
	return p.huge.FreeFramesCount()*frame.DividerFrames + p.frames.FreeFramesCount()
}

// UsedFramesCount implements frame.Allocator.UsedFramesCount.
func (p *PostBootAllocator) UsedFramesCount() uint64 {
	return saturatingSub(p.huge.UsedFramesCount()*frame.DividerFrames, p.frames.FreeFramesCount())
}

// AllocateHuge implements GenericAllocator.AllocateHuge.
func (p *PostBootAllocator) AllocateHuge() (frame.HugeFrame, bool) {
	return p.huge.Allocate()
}

// DeallocateHuge implements GenericAllocator.DeallocateHuge. If the tiny
// pool is short and no regular frame is left to top it up, f is freed as
// regular frames instead.
func (p *PostBootAllocator) DeallocateHuge(f frame.HugeFrame) {
	pool := p.takePool()
	full := pool.Full() || pool.Fill(p)
	if full {
		p.huge.Recycle(f, pool)
		p.refill(pool)
	}
	p.pool = pool
	if full {
		return
	}
	d := frame.NewDivider(f)
	for fr, ok := d.Allocate(); ok; fr, ok = d.Allocate() {
		p.Deallocate(fr)
	}
}

// FreeHugeFramesCount implements GenericAllocator.FreeHugeFramesCount.
func (p *PostBootAllocator) FreeHugeFramesCount() uint64 {
	return p.huge.FreeFramesCount()
}

// UsedHugeFramesCount implements GenericAllocator.UsedHugeFramesCount.
func (p *PostBootAllocator) UsedHugeFramesCount() uint64 {
	return p.huge.UsedFramesCount()
}

// StoreNodes returns the number of nodes of the regular and huge frame
// stores.
func (p *PostBootAllocator) StoreNodes() (uint64, uint64) {
	return p.frames.Store().Nodes(), p.huge.Store().Nodes()
}
