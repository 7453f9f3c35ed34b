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
	"github.com/kcore-os/kcore/pkg/hostarch"
)

// MMU is the processor's paging interface.
type MMU interface {
	TLB

	// CR3 returns the physical address of the installed level 4 table.
	CR3() hostarch.PhysAddr

	// SetCR3 installs the level 4 table at addr and flushes the TLB.
	SetCR3(addr hostarch.PhysAddr)

	// Load64 reads the word at v through the installed tables.
	Load64(v hostarch.VirtAddr) uint64

	// Store64 writes the word at v through the installed tables.
	Store64(v hostarch.VirtAddr, val uint64)
}

// ActivePageTable is the table installed in CR3. Exactly one exists per
// processor.
type ActivePageTable struct {
	*Mapper
	mmu MMU
}

// NewActivePageTable returns the table currently installed in mmu.
func NewActivePageTable(mmu MMU, tables Tables) *ActivePageTable {
	root := frame.FrameOf(mmu.CR3())
	return &ActivePageTable{Mapper: NewMapper(root, tables, mmu), mmu: mmu}
}

// MMU returns the processor the table is installed in.
func (a *ActivePageTable) MMU() MMU {
	return a.mmu
}

// With runs f with a Mapper over inactive. The callback receives alloc
// itself, so it may allocate while the caller holds the allocator. The TLB
// is flushed once f returns.
func (a *ActivePageTable) With(inactive *InactivePageTable, alloc frame.FrameAllocator, f func(m *Mapper, alloc frame.FrameAllocator)) {
	m := NewMapper(inactive.Root(), a.tables, a.mmu)
	f(m, alloc)
	a.mmu.FlushTLB()
}

// Switch installs next and returns the table it replaced.
func (a *ActivePageTable) Switch(next *InactivePageTable) *InactivePageTable {
	old := NewInactivePageTable(a.root)
	a.mmu.SetCR3(next.Root().StartAddress())
	a.root = next.Root()
	return old
}
