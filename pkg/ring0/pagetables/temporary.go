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
	"fmt"

	"github.com/kcore-os/kcore/pkg/frame"
	"github.com/kcore-os/kcore/pkg/hostarch"
)

// TemporaryPage maps one frame at a reserved page of the active table. Tables
// it creates come from its own TinyAllocator, so it can be used while the
// main frame allocator is held.
type TemporaryPage struct {
	page  frame.Page
	alloc *frame.TinyAllocator
}

// NewTemporaryPage returns a TemporaryPage at page.
func NewTemporaryPage(page frame.Page, alloc *frame.TinyAllocator) *TemporaryPage {
	return &TemporaryPage{page: page, alloc: alloc}
}

// Map maps the page to f, writable, and returns its address. It panics if
// the page is already mapped.
func (t *TemporaryPage) Map(f frame.Frame, active *ActivePageTable) hostarch.VirtAddr {
	if _, ok := active.Translate(t.page.StartAddress()); ok {
		panic(fmt.Sprintf("temporary page %v is already mapped", t.page))
	}
	active.MapTo(t.page, f, Writable, t.alloc)
	return t.page.StartAddress()
}

// MapTableFrame maps the page to the table stored in f and returns a view of
// the table through the processor.
func (t *TemporaryPage) MapTableFrame(f frame.Frame, active *ActivePageTable) VirtualTable {
	return VirtualTable{mmu: active.mmu, base: t.Map(f, active)}
}

// Discard unmaps the page without freeing the frame.
func (t *TemporaryPage) Discard(active *ActivePageTable) {
	active.Discard(t.page, t.alloc)
}

// Unwrap returns the page's allocator.
func (t *TemporaryPage) Unwrap() *frame.TinyAllocator {
	return t.alloc
}

// VirtualTable is a page table seen through a virtual mapping.
type VirtualTable struct {
	mmu  MMU
	base hostarch.VirtAddr
}

// Get returns entry i.
func (v VirtualTable) Get(i int) PTE {
	return PTE(v.mmu.Load64(v.base + hostarch.VirtAddr(8*i)))
}

// Set stores entry i.
func (v VirtualTable) Set(i int, p PTE) {
	v.mmu.Store64(v.base+hostarch.VirtAddr(8*i), uint64(p))
}

// Clear marks every entry unused.
func (v VirtualTable) Clear() {
	for i := 0; i < frame.EntriesPerTable; i++ {
		v.Set(i, 0)
	}
}
