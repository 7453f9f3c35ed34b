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

package pagetables

import (
	"github.com/kcore-os/kcore/pkg/frame"
)

// InactivePageTable is an address space that is not installed.
type InactivePageTable struct {
	root frame.Frame
}

// NewInactivePageTable wraps an existing table rooted at root.
func NewInactivePageTable(root frame.Frame) *InactivePageTable {
	return &InactivePageTable{root: root}
}

// NewCleared zeroes the frame root through the temporary page and returns it
// as an empty address space.
func NewCleared(root frame.Frame, active *ActivePageTable, alloc frame.FrameAllocator) *InactivePageTable {
	tp := NewTemporaryPage(frame.PageOf(TemporaryPageAddr), frame.NewTinyAllocator(alloc))
	tp.MapTableFrame(root, active).Clear()
	tp.Discard(active)
	tp.Unwrap().Dispose(alloc)
	return NewInactivePageTable(root)
}

// Root returns the frame holding the level 4 table.
func (t *InactivePageTable) Root() frame.Frame {
	return t.root
}

// CloneShallow copies the level 4 table into a new frame. Lower levels are
// shared with t.
func (t *InactivePageTable) CloneShallow(active *ActivePageTable, alloc frame.FrameAllocator) *InactivePageTable {
	original := frame.PageOf(CloneShallowTemporaryPageAddr)
	active.MapTo(original, t.root, 0, alloc)

	clone := frame.MustAllocate(alloc, "page table shallow clone")
	page := frame.PageOf(TemporaryPageAddr)
	active.MapTo(page, clone, Writable, alloc)

	src := VirtualTable{mmu: active.mmu, base: original.StartAddress()}
	dst := VirtualTable{mmu: active.mmu, base: page.StartAddress()}
	for i := 0; i < frame.EntriesPerTable; i++ {
		dst.Set(i, src.Get(i))
	}

	active.Discard(original, alloc)
	active.Discard(page, alloc)
	return NewInactivePageTable(clone)
}
