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

// TinyFrames is the size of a TinyAllocator's pool.
const TinyFrames = 3

// TinyAllocator is a pool of reserved frames. It serves allocations made
// while the main frame allocator is already locked, such as page tables
// created when mapping a temporary page.
type TinyAllocator struct {
	pool [TinyFrames]Frame
	full [TinyFrames]bool
}

// NewTinyAllocator reserves up to TinyFrames frames from alloc.
func NewTinyAllocator(alloc FrameAllocator) *TinyAllocator {
	t := &TinyAllocator{}
	for i := range t.pool {
		t.pool[i], t.full[i] = alloc.Allocate()
	}
	return t
}

// Fill tops the pool up from alloc as far as alloc allows. It returns true
// if the pool is full.
func (t *TinyAllocator) Fill(alloc FrameAllocator) bool {
	for i := range t.pool {
		if t.full[i] {
			continue
		}
		f, ok := alloc.Allocate()
		if !ok {
			return false
		}
		t.pool[i], t.full[i] = f, true
	}
	return true
}

// Full returns true if every slot of the pool holds a frame.
func (t *TinyAllocator) Full() bool {
	return t.FreeFramesCount() == TinyFrames
}

// Dispose returns every pooled frame to alloc.
func (t *TinyAllocator) Dispose(alloc FrameAllocator) {
	for i := range t.pool {
		if t.full[i] {
			t.full[i] = false
			alloc.Deallocate(t.pool[i])
		}
	}
}

// Allocate implements Allocator.Allocate.
func (t *TinyAllocator) Allocate() (Frame, bool) {
	for i := range t.pool {
		if t.full[i] {
			t.full[i] = false
			return t.pool[i], true
		}
	}
	return 0, false
}

// Deallocate implements Allocator.Deallocate. It panics if the pool is full.
func (t *TinyAllocator) Deallocate(f Frame) {
	for i := range t.pool {
		if !t.full[i] {
			t.pool[i] = f
			t.full[i] = true
			return
		}
	}
	panic(fmt.Sprintf("tiny allocator can only hold %d frames", TinyFrames))
}

// FreeFramesCount implements Allocator.FreeFramesCount.
func (t *TinyAllocator) FreeFramesCount() uint64 {
	var n uint64
	for _, full := range t.full {
		if full {
			n++
		}
	}
	return n
}

// UsedFramesCount implements Allocator.UsedFramesCount.
func (t *TinyAllocator) UsedFramesCount() uint64 {
	return TinyFrames - t.FreeFramesCount()
}
