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

package kernel

import (
	"github.com/kcore-os/kcore/pkg/frame"
	"github.com/kcore-os/kcore/pkg/hostarch"
	"github.com/kcore-os/kcore/pkg/log"
	"github.com/kcore-os/kcore/pkg/pmm"
	"github.com/kcore-os/kcore/pkg/ring0/pagetables"
)

// vgaBuffer is the physical address of the text mode frame buffer.
const vgaBuffer hostarch.PhysAddr = 0xb_8000

// sectionFlags returns the page flags a kernel section is mapped with.
func sectionFlags(s pmm.Section) pagetables.Flags {
	var flags pagetables.Flags
	if s.Flags&pmm.SectionWritable != 0 {
		flags |= pagetables.Writable
	}
	if s.Flags&pmm.SectionExecutable == 0 {
		flags |= pagetables.NoExecute
	}
	return flags
}

// remap replaces the boot loader's table with one that maps each kernel
// section with its own permissions and nothing else of physical memory.
// The old level 4 table's page, right below the boot stack, becomes an
// unmapped guard page.
func (k *Kernel) remap() (Status, error) {
	alloc := k.frames.Lock()
	defer k.frames.Unlock()
	active := k.active.Lock()
	defer k.active.Unlock()

	root := frame.MustAllocate[frame.Frame](alloc, "kernel page table")
	table := pagetables.NewCleared(root, active, alloc)
	active.With(table, alloc, func(m *pagetables.Mapper, alloc frame.FrameAllocator) {
		m.MapTo(frame.PageOf(hostarch.HigherHalf(uint64(vgaBuffer))), frame.FrameOf(vgaBuffer), pagetables.Writable|pagetables.NoExecute, alloc)

		for _, s := range k.info.Sections {
			if !s.Allocated() || s.Size == 0 {
				continue
			}
			flags := sectionFlags(s)
			pages := frame.NewRange(frame.PageOf(s.Addr), frame.PageOf(s.Addr.Offset(s.Size-1)))
			for p, ok := pages.Next(); ok; p, ok = pages.Next() {
				f := frame.FrameOf(hostarch.PhysAddrFromHigherHalf(uint64(p.StartAddress())))
				m.MapTo(p, f, flags, alloc)
			}
			log.Debugf("Mapped section %v with flags %v", s, flags|pagetables.Present)
		}

		// Shallow clones copy level 4 entries, so every level 3 table of
		// the reserved kernel range must exist before the first clone.
		for slot := pagetables.FirstSharedSlot; slot <= pagetables.LastSharedSlot; slot++ {
			m.Table().Create(slot, alloc)
		}
	})

	k.base = table.CloneShallow(active, alloc)

	active.With(table, alloc, func(m *pagetables.Mapper, alloc frame.FrameAllocator) {
		area := k.info.Area()
		pages := frame.NewRange(frame.PageOf(hostarch.HigherHalf(uint64(area.Start))), frame.PageOf(hostarch.HigherHalf(uint64(area.End())-1)))
		for p, ok := pages.Next(); ok; p, ok = pages.Next() {
			m.MapTo(p, frame.FrameOf(hostarch.PhysAddrFromHigherHalf(uint64(p.StartAddress()))), pagetables.NoExecute, alloc)
		}
	})

	old := active.Switch(table)
	guard := frame.PageOf(hostarch.HigherHalf(uint64(old.Root().StartAddress())))
	alloc.Deallocate(active.UnMap(guard, alloc))
	log.Infof("Switched to kernel table %v, guard page at %v", table.Root(), guard)
	return StatusOk, nil
}
