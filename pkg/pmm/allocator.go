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
)

// GenericAllocator allocates both regular and huge frames. Regular frames
// are carved out of huge frames, so the two sides share one pool.
type GenericAllocator interface {
	frame.FrameAllocator

	// AllocateHuge returns a free huge frame, or false if none is left.
	AllocateHuge() (frame.HugeFrame, bool)

	// DeallocateHuge returns f.
	DeallocateHuge(f frame.HugeFrame)

	// FreeHugeFramesCount returns the number of huge frames left.
	FreeHugeFramesCount() uint64

	// UsedHugeFramesCount returns the number of huge frames in use.
	UsedHugeFramesCount() uint64
}

// Huge returns the huge frame side of a as a frame.Allocator.
func Huge(a GenericAllocator) frame.Allocator[frame.HugeFrame] {
	return hugeAllocator{a}
}

type hugeAllocator struct {
	a GenericAllocator
}

func (h hugeAllocator) Allocate() (frame.HugeFrame, bool) { return h.a.AllocateHuge() }
func (h hugeAllocator) Deallocate(f frame.HugeFrame)      { h.a.DeallocateHuge(f) }
func (h hugeAllocator) FreeFramesCount() uint64           { return h.a.FreeHugeFramesCount() }
func (h hugeAllocator) UsedFramesCount() uint64           { return h.a.UsedHugeFramesCount() }

// StoreBacking is what frame stores need from the running kernel: access to
// virtual memory and a way to map their nodes.
type StoreBacking struct {
	Mem    framestore.Memory
	Mapper framestore.Mapper
}
