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

// FrameRecycler serves freed units from a frame store before asking the
// wrapped allocator for fresh ones.
type FrameRecycler[F ~uint64, A frame.Allocator[F]] struct {
	alloc A
	free  *framestore.Store[F]
}

// NewFrameRecycler returns a recycler over alloc whose free list is store.
func NewFrameRecycler[F ~uint64, A frame.Allocator[F]](alloc A, store *framestore.Store[F]) *FrameRecycler[F, A] {
	return &FrameRecycler[F, A]{alloc: alloc, free: store}
}

// Set replaces the wrapped allocator.
func (r *FrameRecycler[F, A]) Set(alloc A) {
	r.alloc = alloc
}

// Store returns the free list.
func (r *FrameRecycler[F, A]) Store() *framestore.Store[F] {
	return r.free
}

// Allocate implements frame.Allocator.Allocate.
func (r *FrameRecycler[F, A]) Allocate() (F, bool) {
	if f, ok := r.free.Pop(); ok {
		return f, true
	}
	return r.alloc.Allocate()
}

// Recycle puts f on the free list. A new store node, if one is needed, is
// built with frames from nodes.
func (r *FrameRecycler[F, A]) Recycle(f F, nodes frame.FrameAllocator) {
	r.free.Push(f, nodes)
}

// Deallocate implements frame.Allocator.Deallocate. Freeing may need a frame
// for a new store node, so callers use Recycle instead.
func (r *FrameRecycler[F, A]) Deallocate(F) {
	panic("frame recycler deallocation requires a frame allocator")
}

// FreeFramesCount implements frame.Allocator.FreeFramesCount.
func (r *FrameRecycler[F, A]) FreeFramesCount() uint64 {
	return r.alloc.FreeFramesCount() + r.free.Size()
}

// UsedFramesCount implements frame.Allocator.UsedFramesCount.
func (r *FrameRecycler[F, A]) UsedFramesCount() uint64 {
	return saturatingSub(r.alloc.UsedFramesCount(), r.free.Size())
}
