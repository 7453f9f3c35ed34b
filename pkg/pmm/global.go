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

// GlobalFrameAllocator is the kernel's frame allocator. It starts out as a
// BootAllocator and is converted once into a PostBootAllocator.
//
// It is not thread-safe; the kernel keeps it behind a lock.
type GlobalFrameAllocator struct {
	boot *BootAllocator
	post *PostBootAllocator
}

var _ GenericAllocator = (*GlobalFrameAllocator)(nil)

// NewGlobalFrameAllocator returns a global allocator in its boot state.
func NewGlobalFrameAllocator(boot *BootAllocator) *GlobalFrameAllocator {
	return &GlobalFrameAllocator{boot: boot}
}

// Convert switches to the post-boot allocator. It panics if called twice.
func (g *GlobalFrameAllocator) Convert(freeAreas []hostarch.MemoryArea, backing StoreBacking) {
	if g.post != nil {
		panic("cannot convert current allocator variant")
	}
	g.post = g.boot.Convert(freeAreas, backing)
	g.boot = nil
}

// Converted returns true after Convert.
func (g *GlobalFrameAllocator) Converted() bool {
	return g.post != nil
}

// PostBoot returns the post-boot allocator, or nil before Convert.
func (g *GlobalFrameAllocator) PostBoot() *PostBootAllocator {
	return g.post
}

func (g *GlobalFrameAllocator) current() GenericAllocator {
	if g.post != nil {
		return g.post
	}
	return g.boot
}

// Allocate implements frame.Allocator.Allocate.
func (g *GlobalFrameAllocator) Allocate() (frame.Frame, bool) {
	return g.current().Allocate()
}

// Deallocate implements frame.Allocator.Deallocate.
func (g *GlobalFrameAllocator) Deallocate(f frame.Frame) {
	g.current().Deallocate(f)
}

// FreeFramesCount implements frame.Allocator.FreeFramesCount.
func (g *GlobalFrameAllocator) FreeFramesCount() uint64 {
	return g.current().FreeFramesCount()
}

// UsedFramesCount implements frame.Allocator.UsedFramesCount.
func (g *GlobalFrameAllocator) UsedFramesCount() uint64 {
	return g.current().UsedFramesCount()
}

// AllocateHuge implements GenericAllocator.AllocateHuge.
func (g *GlobalFrameAllocator) AllocateHuge() (frame.HugeFrame, bool) {
	return g.current().AllocateHuge()
}

// DeallocateHuge implements GenericAllocator.DeallocateHuge.
func (g *GlobalFrameAllocator) DeallocateHuge(f frame.HugeFrame) {
	g.current().DeallocateHuge(f)
}

// FreeHugeFramesCount implements GenericAllocator.FreeHugeFramesCount.
func (g *GlobalFrameAllocator) FreeHugeFramesCount() uint64 {
	return g.current().FreeHugeFramesCount()
}

// UsedHugeFramesCount implements GenericAllocator.UsedHugeFramesCount.
func (g *GlobalFrameAllocator) UsedHugeFramesCount() uint64 {
	return g.current().UsedHugeFramesCount()
}
