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

package frame

import (
	"fmt"
)

// FixedRecyclerSlots is the number of freed units a FixedRecycler can hold.
const FixedRecyclerSlots = 16

// FixedRecycler serves freed units from a small fixed array before asking
// the wrapped allocator for fresh ones. It needs no memory beyond itself, so
// it can recycle frames before any free list exists.
type FixedRecycler[F ~uint64, A Allocator[F]] struct {
	alloc A
	slots [FixedRecyclerSlots]F
	full  [FixedRecyclerSlots]bool
	held  uint64
}

// NewFixedRecycler returns a FixedRecycler wrapping alloc.
func NewFixedRecycler[F ~uint64, A Allocator[F]](alloc A) *FixedRecycler[F, A] {
	return &FixedRecycler[F, A]{alloc: alloc}
}

// Set replaces the wrapped allocator, keeping the held units.
func (r *FixedRecycler[F, A]) Set(alloc A) {
	r.alloc = alloc
}

// Inner returns the wrapped allocator.
func (r *FixedRecycler[F, A]) Inner() A {
	return r.alloc
}

// Drain removes and returns every held unit.
func (r *FixedRecycler[F, A]) Drain() []F {
	var fs []F
	for i := range r.slots {
		if r.full[i] {
			fs = append(fs, r.slots[i])
			r.full[i] = false
		}
	}
	r.held = 0
	return fs
}

// Allocate implements Allocator.Allocate.
func (r *FixedRecycler[F, A]) Allocate() (F, bool) {
	for i := range r.slots {
		if r.full[i] {
			r.full[i] = false
			r.held--
			return r.slots[i], true
		}
	}
	return r.alloc.Allocate()
}

// Deallocate implements Allocator.Deallocate. It panics if every slot is
// taken.
func (r *FixedRecycler[F, A]) Deallocate(f F) {
	for i := range r.slots {
		if !r.full[i] {
			r.slots[i] = f
			r.full[i] = true
			r.held++
			return
		}
	}
	panic(fmt.Sprintf("fixed frame recycler can only hold %d free frames", FixedRecyclerSlots))
}

// FreeFramesCount implements Allocator.FreeFramesCount.
func (r *FixedRecycler[F, A]) FreeFramesCount() uint64 {
	return r.alloc.FreeFramesCount() + r.held
}

// UsedFramesCount implements Allocator.UsedFramesCount.
func (r *FixedRecycler[F, A]) UsedFramesCount() uint64 {
	return saturatingSub(r.alloc.UsedFramesCount(), r.held)
}

func saturatingSub(a, b uint64) uint64 {
	if b > a {
		return 0
	}
	return a - b
}
